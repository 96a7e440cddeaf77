// Package jobs holds the scheduled jobs of the bot process.
package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/HoeenCoder/iron-manager/internal/infrastructure/lock"
	"github.com/HoeenCoder/iron-manager/pkg/logger"
)

// WeekClock is the part of the ledger store the rollover job touches.
type WeekClock interface {
	Acquire(ctx context.Context) (lock.Token, error)
	Release(tok lock.Token) error
	CurrentWeekStart(ctx context.Context, tok lock.Token) (time.Time, error)
}

// LedgerRolloverJob forces the weekly ledger reset at the boundary, so the
// persisted document is cleared even in a week nobody earns anything.
type LedgerRolloverJob struct {
	ledger WeekClock
	log    *logger.Logger
}

// NewLedgerRolloverJob creates the job.
func NewLedgerRolloverJob(l WeekClock, log *logger.Logger) *LedgerRolloverJob {
	return &LedgerRolloverJob{ledger: l, log: logger.OrDefault(log)}
}

func (j *LedgerRolloverJob) Name() string { return "ledger-rollover" }

func (j *LedgerRolloverJob) Description() string {
	return "Reset the achievement ledger at the start of each week"
}

// Run takes the ledger lock and reads the week start, which performs the
// rollover when the stored week is stale.
func (j *LedgerRolloverJob) Run(ctx context.Context) error {
	tok, err := j.ledger.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire ledger: %w", err)
	}
	defer func() {
		if err := j.ledger.Release(tok); err != nil {
			j.log.Error("release ledger after rollover", logger.Err(err))
		}
	}()

	week, err := j.ledger.CurrentWeekStart(ctx, tok)
	if err != nil {
		return fmt.Errorf("check week boundary: %w", err)
	}
	j.log.Info("ledger week checked", logger.Time("week_start", week))
	return nil
}
