package retry

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HoeenCoder/iron-manager/pkg/logger"
)

var (
	errGateway = errors.New("gateway unavailable")
	errRefused = errors.New("missing permissions")
)

func fast(opts ...Option) *Retrier {
	return New(append([]Option{WithInitialDelay(time.Millisecond), WithJitter(0)}, opts...)...)
}

func TestDo_RetriesRetryable(t *testing.T) {
	attempts := 0
	err := fast(WithMaxAttempts(3)).Do(context.Background(), func(context.Context) error {
		attempts++
		if attempts < 3 {
			return Retryable(errGateway)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestDo_PlainErrorsAreNotRetried(t *testing.T) {
	attempts := 0
	err := fast().Do(context.Background(), func(context.Context) error {
		attempts++
		return errGateway
	})
	assert.ErrorIs(t, err, errGateway)
	assert.Equal(t, 1, attempts)
}

func TestDo_StopOnWinsOverRetryable(t *testing.T) {
	attempts := 0
	err := fast(WithStopOn(errRefused)).Do(context.Background(), func(context.Context) error {
		attempts++
		return Retryable(fmt.Errorf("rename 100: %w", errRefused))
	})
	assert.ErrorIs(t, err, errRefused)
	assert.False(t, isRetryable(err))
	assert.Equal(t, 1, attempts)
}

func TestDo_ExhaustedReturnsUnwrapped(t *testing.T) {
	var retries []int
	err := fast(WithMaxAttempts(2), WithOnRetry(func(attempt int, _ error, _ time.Duration) {
		retries = append(retries, attempt)
	})).Do(context.Background(), func(context.Context) error {
		return Retryable(errGateway)
	})
	assert.Equal(t, errGateway, err)
	assert.Equal(t, []int{1}, retries)
}

func TestDo_StopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := fast().Do(ctx, func(context.Context) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}

func TestCalculateDelay_CapsAtMax(t *testing.T) {
	r := New(WithInitialDelay(time.Second), WithMaxDelay(3*time.Second), WithJitter(0))
	assert.Equal(t, time.Second, r.calculateDelay(1))
	assert.Equal(t, 2*time.Second, r.calculateDelay(2))
	assert.Equal(t, 3*time.Second, r.calculateDelay(5))
}

func TestGatewayRetrier_LogsEachRetry(t *testing.T) {
	var buf bytes.Buffer
	log := logger.New(logger.Options{Output: &buf, Level: logger.LevelDebug, Format: logger.FormatJSON})

	r := GatewayRetrier(log, WithInitialDelay(time.Millisecond), WithJitter(0))
	assert.Equal(t, 3, r.config.MaxAttempts)
	assert.LessOrEqual(t, r.config.MaxDelay, 2*time.Second)

	err := r.Do(context.Background(), func(context.Context) error {
		return Retryable(errGateway)
	})
	assert.Equal(t, errGateway, err)

	out := buf.String()
	assert.Equal(t, 2, bytes.Count(buf.Bytes(), []byte("gateway call failed, retrying")))
	assert.Contains(t, out, `"attempt":2`)
	assert.Contains(t, out, "gateway unavailable")
}
