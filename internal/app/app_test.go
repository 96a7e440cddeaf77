package app

import (
	"context"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HoeenCoder/iron-manager/config"
	"github.com/HoeenCoder/iron-manager/internal/domain/guild"
	"github.com/HoeenCoder/iron-manager/internal/infrastructure/lock"
)

type roster struct {
	mu  sync.Mutex
	ids []string
}

func (r *roster) set(ids ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = ids
}

func (r *roster) PresentMembers(context.Context) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ids...), nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	return &config.Config{
		App: config.AppConfig{Name: "iron-manager", Environment: config.EnvDevelopment},
		Storage: config.StorageConfig{
			Backend:    config.BackendFile,
			DataDir:    filepath.Join(dir, "data"),
			LogDir:     filepath.Join(dir, "logs"),
			LedgerKey:  "ledger",
			SessionKey: "session",
		},
		Redis:         config.RedisConfig{KeyPrefix: "iron:", DialTimeout: time.Second},
		Lock:          config.LockConfig{Timeout: time.Minute},
		Attendance:    config.AttendanceConfig{MinimumDuration: time.Hour, PresenceArea: "ops"},
		Ledger:        config.LedgerConfig{ParticipationThreshold: 5, BonusCategory: "commendation"},
		Features:      config.LoadFeatureFlags(),
		Observability: config.ObservabilityConfig{LogLevel: "error", LogFormat: "json"},
	}
}

func quietDeps(r guild.Roster) Deps {
	return Deps{Roster: r, LogOutput: io.Discard}
}

func startSession(t *testing.T, a *App, label string) {
	t.Helper()
	ctx := context.Background()
	tok, err := a.Session.Acquire(ctx)
	require.NoError(t, err)
	defer func() { require.NoError(t, a.Session.Release(tok)) }()
	require.NoError(t, a.Session.Start(ctx, tok, label))
}

func TestNew_FileBackend(t *testing.T) {
	cfg := testConfig(t)
	a, err := New(context.Background(), cfg, quietDeps(&roster{}))
	require.NoError(t, err)
	defer a.Close()

	assert.NotNil(t, a.Ledger)
	assert.NotNil(t, a.Session)
	assert.Nil(t, a.Presence)
	assert.Nil(t, a.Distribution)
	assert.FileExists(t, filepath.Join(cfg.Storage.DataDir, "ledger.json"))
}

func TestRecoverIfNeeded(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()
	present := &roster{}
	present.set("A", "B")

	first, err := New(ctx, cfg, quietDeps(present))
	require.NoError(t, err)
	startSession(t, first, "op")
	first.Close()

	present.set("B", "C")
	second, err := New(ctx, cfg, quietDeps(present))
	require.NoError(t, err)
	defer second.Close()

	rec, ran, err := second.RecoverIfNeeded(ctx)
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, []string{"C"}, rec.Opened)
	assert.Equal(t, []string{"A"}, rec.Closed)

	_, ran, err = second.RecoverIfNeeded(ctx)
	require.NoError(t, err)
	assert.False(t, ran, "recovery runs once")
}

func TestRecoverIfNeeded_Disabled(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()
	present := &roster{}
	present.set("A")

	first, err := New(ctx, cfg, quietDeps(present))
	require.NoError(t, err)
	startSession(t, first, "op")
	first.Close()

	require.NoError(t, cfg.Features.SetEnabled(config.FeatureAttendanceRecovery, false))
	second, err := New(ctx, cfg, quietDeps(present))
	require.NoError(t, err)
	defer second.Close()

	_, ran, err := second.RecoverIfNeeded(ctx)
	require.NoError(t, err)
	assert.False(t, ran)
	assert.True(t, second.Session.NeedsRecovery())
}

func TestNew_NoRosterFailsStart(t *testing.T) {
	a, err := New(context.Background(), testConfig(t), Deps{LogOutput: io.Discard})
	require.NoError(t, err)
	defer a.Close()

	ctx := context.Background()
	tok, err := a.Session.Acquire(ctx)
	require.NoError(t, err)
	defer func() { _ = a.Session.Release(tok) }()

	assert.ErrorIs(t, a.Session.Start(ctx, tok, "op"), ErrNoRoster)
}

func TestNew_RedisBackendAndPresence(t *testing.T) {
	s := miniredis.RunT(t)
	cfg := testConfig(t)
	cfg.Storage.Backend = config.BackendRedis
	cfg.Redis.URL = "redis://" + s.Addr()

	a, err := New(context.Background(), cfg, Deps{LogOutput: io.Discard})
	require.NoError(t, err)
	defer a.Close()

	require.NotNil(t, a.Presence)
	assert.True(t, s.Exists("iron:doc:ledger"))

	ctx := context.Background()
	require.NoError(t, a.Presence.MarkPresent(ctx, "42"))
	startSession(t, a, "op")

	tok, err := a.Session.Acquire(ctx)
	require.NoError(t, err)
	defer func() { require.NoError(t, a.Session.Release(tok)) }()
	snap, err := a.Session.MemberSnapshot(tok, "42")
	require.NoError(t, err)
	assert.True(t, snap.Present, "seeded from the redis roster")
}

func TestNew_LockExpiryHandlerIsWired(t *testing.T) {
	cfg := testConfig(t)
	cfg.Lock.Timeout = 10 * time.Millisecond
	expired := make(chan string, 2)
	deps := quietDeps(&roster{})
	deps.OnLockExpire = func(name string, _ lock.Token) { expired <- name }

	a, err := New(context.Background(), cfg, deps)
	require.NoError(t, err)
	defer a.Close()

	_, err = a.Ledger.Acquire(context.Background())
	require.NoError(t, err)

	select {
	case name := <-expired:
		assert.Equal(t, "ledger", name)
	case <-time.After(time.Second):
		t.Fatal("expiry handler never ran")
	}
}

func TestTrackPresence_FeedsActiveSession(t *testing.T) {
	s := miniredis.RunT(t)
	cfg := testConfig(t)
	cfg.Redis.URL = "redis://" + s.Addr()

	a, err := New(context.Background(), cfg, Deps{LogOutput: io.Discard})
	require.NoError(t, err)
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, a.Presence.MarkPresent(ctx, "7"))
	startSession(t, a, "op")

	done := make(chan error, 1)
	go func() { done <- a.TrackPresence(ctx) }()
	const channel = "iron:presence:ops:events"
	require.Eventually(t, func() bool { return s.PubSubNumSub(channel)[channel] == 1 }, 2*time.Second, 5*time.Millisecond)

	snapshot := func(id string) bool {
		tok, err := a.Session.Acquire(ctx)
		if err != nil {
			return false
		}
		defer func() { _ = a.Session.Release(tok) }()
		snap, err := a.Session.MemberSnapshot(tok, id)
		return err == nil && snap.Present
	}

	// "7" is already open, so this entry is an invalid transition that is
	// logged and skipped without stopping the feed.
	s.Publish(channel, `{"type":"entered","area":"ops","member_id":"7"}`)

	require.NoError(t, a.Presence.MarkPresent(ctx, "42"))
	require.Eventually(t, func() bool { return snapshot("42") }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, a.Presence.MarkAbsent(ctx, "7"))
	require.Eventually(t, func() bool {
		tok, err := a.Session.Acquire(ctx)
		if err != nil {
			return false
		}
		defer func() { _ = a.Session.Release(tok) }()
		snap, err := a.Session.MemberSnapshot(tok, "7")
		return err == nil && snap.Known && !snap.Present
	}, 2*time.Second, 10*time.Millisecond)
	assert.True(t, snapshot("42"))

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("presence tracking did not stop")
	}
}

func TestTrackPresence_IgnoresIdleSession(t *testing.T) {
	s := miniredis.RunT(t)
	cfg := testConfig(t)
	cfg.Redis.URL = "redis://" + s.Addr()

	a, err := New(context.Background(), cfg, Deps{LogOutput: io.Discard})
	require.NoError(t, err)
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = a.TrackPresence(ctx) }()
	const channel = "iron:presence:ops:events"
	require.Eventually(t, func() bool { return s.PubSubNumSub(channel)[channel] == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, a.Presence.MarkPresent(ctx, "42"))
	time.Sleep(50 * time.Millisecond)

	tok, err := a.Session.Acquire(ctx)
	require.NoError(t, err)
	defer func() { require.NoError(t, a.Session.Release(tok)) }()
	st, err := a.Session.Status(tok)
	require.NoError(t, err)
	assert.False(t, st.Active)
	assert.Zero(t, st.Known)
}

func TestTrackPresence_RequiresRedis(t *testing.T) {
	a, err := New(context.Background(), testConfig(t), quietDeps(&roster{}))
	require.NoError(t, err)
	defer a.Close()
	assert.ErrorIs(t, a.TrackPresence(context.Background()), ErrNoPresenceFeed)
}

func TestNew_TwoProcessesShareTheLease(t *testing.T) {
	cfg := testConfig(t)
	bot, err := New(context.Background(), cfg, quietDeps(&roster{}))
	require.NoError(t, err)
	defer bot.Close()
	ctl, err := New(context.Background(), cfg, quietDeps(&roster{}))
	require.NoError(t, err)
	defer ctl.Close()

	tok, err := bot.Ledger.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = ctl.Ledger.Acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded, "ironctl waits while the bot holds the ledger")

	require.NoError(t, bot.Ledger.Release(tok))
	tok, err = ctl.Ledger.Acquire(context.Background())
	require.NoError(t, err)
	require.NoError(t, ctl.Ledger.Release(tok))
}
