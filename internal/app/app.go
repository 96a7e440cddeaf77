// Package app wires configuration into the stores, their backends and the
// distribution saga. Every dependency is built here and passed down
// explicitly; nothing in the core reaches for a global.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/HoeenCoder/iron-manager/config"
	"github.com/HoeenCoder/iron-manager/internal/application/saga"
	"github.com/HoeenCoder/iron-manager/internal/application/store"
	"github.com/HoeenCoder/iron-manager/internal/domain/attendance"
	"github.com/HoeenCoder/iron-manager/internal/domain/guild"
	"github.com/HoeenCoder/iron-manager/internal/domain/ledger"
	"github.com/HoeenCoder/iron-manager/internal/domain/shared"
	"github.com/HoeenCoder/iron-manager/internal/infrastructure/lock"
	"github.com/HoeenCoder/iron-manager/internal/infrastructure/persistence/file"
	"github.com/HoeenCoder/iron-manager/internal/infrastructure/persistence/postgres"
	"github.com/HoeenCoder/iron-manager/internal/infrastructure/persistence/redis"
	"github.com/HoeenCoder/iron-manager/pkg/logger"
	"github.com/HoeenCoder/iron-manager/pkg/timeutil"
)

var (
	// ErrNoRoster is returned by the fallback roster when neither the gateway
	// nor Redis can say who is present.
	ErrNoRoster = errors.New("no presence roster configured")

	// ErrNoPresenceFeed is returned by TrackPresence without Redis.
	ErrNoPresenceFeed = errors.New("no presence feed configured")
)

// Deps are capabilities supplied by the gateway glue. Both are optional.
type Deps struct {
	// Roster overrides the Redis presence roster.
	Roster guild.Roster
	// Directory enables the distribution saga.
	Directory guild.Directory
	// Clock overrides the system clock.
	Clock timeutil.Clock
	// OnLockExpire overrides lock.PanicOnExpire.
	OnLockExpire lock.ExpiryHandler
	// LogOutput overrides stdout.
	LogOutput io.Writer
}

// App holds the wired subsystem.
type App struct {
	Config *config.Config
	Log    *logger.Logger

	Ledger  *store.LedgerStore
	Session *store.SessionStore
	Journal *file.Journal

	// Presence is nil unless Redis is configured.
	Presence *redis.PresenceRoster

	// Distribution is nil unless Deps.Directory was supplied.
	Distribution *saga.DistributionSaga

	closers []func()
}

// New builds the App. On error everything opened so far is closed.
func New(ctx context.Context, cfg *config.Config, deps Deps) (_ *App, err error) {
	a := &App{
		Config: cfg,
		Log: logger.New(logger.Options{
			Output:    deps.LogOutput,
			Level:     logger.ParseLevel(cfg.Observability.LogLevel),
			Format:    logger.Format(cfg.Observability.LogFormat),
			AddCaller: !cfg.IsProduction(),
		}).With(logger.String("app", cfg.App.Name)),
	}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	clock := deps.Clock
	if clock == nil {
		clock = timeutil.SystemClock
	}
	lockOpts := lock.Options{Timeout: cfg.Lock.Timeout, OnExpire: deps.OnLockExpire}

	// ─────────────────────────────────────────────────────────────────────────
	// 1. Redis (document backend and/or presence roster)
	// ─────────────────────────────────────────────────────────────────────────
	var cache *redis.Cache
	if cfg.Storage.Backend == config.BackendRedis || cfg.Redis.URL != "" {
		cache, err = a.connectRedis(cfg.Redis)
		if err != nil {
			return nil, err
		}
		a.Presence = redis.NewPresenceRoster(cache, cfg.Attendance.PresenceArea)
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 2. Document backend
	// ─────────────────────────────────────────────────────────────────────────
	backend, lease, err := a.openBackend(ctx, cfg, cache)
	if err != nil {
		return nil, err
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 3. Session journal
	// ─────────────────────────────────────────────────────────────────────────
	a.Journal, err = file.NewJournal(cfg.Storage.LogDir)
	if err != nil {
		return nil, fmt.Errorf("open session journal: %w", err)
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 4. Stores
	// ─────────────────────────────────────────────────────────────────────────
	a.Ledger, err = store.NewLedgerStore(ctx, backend, store.LedgerOptions{
		Key:     cfg.Storage.LedgerKey,
		DevMode: cfg.IsDevelopment(),
		Clock:   clock,
		Lock:    lockOpts,
		Lease:   lease,
		Logger:  a.Log,
	})
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}

	a.Session, err = store.NewSessionStore(ctx, backend, a.Journal, a.roster(deps.Roster), store.SessionOptions{
		Key:             cfg.Storage.SessionKey,
		MinimumDuration: cfg.Attendance.MinimumDuration,
		Clock:           clock,
		Lock:            lockOpts,
		Lease:           lease,
		Logger:          a.Log,
	})
	if err != nil {
		return nil, fmt.Errorf("open session: %w", err)
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 5. Distribution saga
	// ─────────────────────────────────────────────────────────────────────────
	if deps.Directory != nil {
		a.Distribution = saga.NewDistributionSaga(a.Ledger, deps.Directory, nil, distributionConfig(cfg), a.Log)
	}

	a.Log.Info("persisted state ready",
		logger.String("backend", string(cfg.Storage.Backend)),
		logger.Bool("redis_presence", a.Presence != nil),
		logger.Bool("distribution", a.Distribution != nil),
		logger.Bool("needs_recovery", a.Session.NeedsRecovery()),
	)
	return a, nil
}

func (a *App) connectRedis(rc config.RedisConfig) (*redis.Cache, error) {
	cfg := redis.DefaultConfig()
	cfg.Host = rc.Host
	cfg.Port = rc.Port
	cfg.Password = rc.Password
	cfg.DB = rc.DB
	cfg.PoolSize = rc.PoolSize
	cfg.MinIdleConns = rc.MinIdleConns
	cfg.DialTimeout = rc.DialTimeout
	cfg.ReadTimeout = rc.ReadTimeout
	cfg.WriteTimeout = rc.WriteTimeout
	cfg.KeyPrefix = rc.KeyPrefix

	var (
		cache *redis.Cache
		err   error
	)
	if rc.URL != "" {
		cache, err = redis.NewCacheFromURL(rc.URL, cfg)
	} else {
		cache, err = redis.NewCache(cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	a.closers = append(a.closers, func() {
		if err := cache.Close(); err != nil {
			a.Log.Warn("failed to close redis", logger.Err(err))
		}
	})
	a.Log.Info("redis connected")
	return cache, nil
}

// openBackend returns the document backend and the lease that keeps the bot
// and ironctl out of each other's critical sections on it.
func (a *App) openBackend(ctx context.Context, cfg *config.Config, cache *redis.Cache) (store.DocumentBackend, store.Lease, error) {
	switch cfg.Storage.Backend {
	case config.BackendFile:
		docs, err := file.NewDocumentStore(cfg.Storage.DataDir)
		if err != nil {
			return nil, nil, fmt.Errorf("open data dir: %w", err)
		}
		lease, err := file.NewLease(cfg.Storage.DataDir)
		if err != nil {
			return nil, nil, fmt.Errorf("open data dir: %w", err)
		}
		return docs, lease, nil

	case config.BackendRedis:
		return redis.NewDocumentStore(cache), redis.NewLease(cache), nil

	case config.BackendPostgres:
		settings := postgres.DefaultPoolSettings()
		settings.MaxConns = int32(cfg.Database.MaxConns)
		settings.MinConns = int32(cfg.Database.MinConns)
		settings.MaxConnLifetime = cfg.Database.ConnMaxLifetime
		settings.MaxConnIdleTime = cfg.Database.ConnMaxIdleTime

		conn, err := postgres.NewConnectionFromURL(ctx, cfg.Database.URL, settings)
		if err != nil {
			return nil, nil, fmt.Errorf("connect to database: %w", err)
		}
		a.closers = append(a.closers, conn.Close)

		if cfg.Database.AutoMigrate {
			if err := postgres.NewMigrator(conn).Migrate(ctx); err != nil {
				return nil, nil, fmt.Errorf("run migrations: %w", err)
			}
		}
		a.Log.Info("database connected", logger.Bool("auto_migrate", cfg.Database.AutoMigrate))
		return postgres.NewDocumentRepository(conn), postgres.NewLeaseRepository(conn), nil

	default:
		return nil, nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}

// roster picks the gateway roster, then Redis, then a roster that always fails.
func (a *App) roster(override guild.Roster) guild.Roster {
	switch {
	case override != nil:
		return override
	case a.Presence != nil:
		return a.Presence
	default:
		return guild.RosterFunc(func(context.Context) ([]string, error) {
			return nil, ErrNoRoster
		})
	}
}

func distributionConfig(cfg *config.Config) saga.DistributionConfig {
	out := saga.DistributionConfig{
		ParticipationBonus:     cfg.Features.IsEnabled(config.FeatureParticipationBonus),
		ParticipationThreshold: cfg.Ledger.ParticipationThreshold,
		BonusCategory:          ledger.Category(cfg.Ledger.BonusCategory),
		RoleChanges:            cfg.Features.IsEnabled(config.FeaturePromotionRoleChanges),
	}
	for _, r := range cfg.Promotion.Rules {
		out.Rules = append(out.Rules, saga.PromotionRule{AtCount: r.AtCount, Add: r.Add, Remove: r.Remove})
	}
	return out
}

// RecoverIfNeeded runs the one-time session recovery pass when the previous
// process left a session active and the feature is enabled.
func (a *App) RecoverIfNeeded(ctx context.Context) (attendance.Reconciliation, bool, error) {
	if !a.Session.NeedsRecovery() {
		return attendance.Reconciliation{}, false, nil
	}
	if !a.Config.Features.IsEnabled(config.FeatureAttendanceRecovery) {
		a.Log.Warn("session left active but recovery is disabled")
		return attendance.Reconciliation{}, false, nil
	}

	rec, err := a.Session.Recover(ctx)
	if err != nil {
		return attendance.Reconciliation{}, false, fmt.Errorf("session recovery: %w", err)
	}
	a.Log.Info("session recovery finished",
		logger.Int("opened", len(rec.Opened)),
		logger.Int("closed", len(rec.Closed)),
	)
	return rec, true, nil
}

// TrackPresence feeds Redis presence changes into the active session until
// ctx is done: an entry opens the member, an exit closes them. Changes while
// no session is active are ignored.
func (a *App) TrackPresence(ctx context.Context) error {
	if a.Presence == nil {
		return ErrNoPresenceFeed
	}
	return a.Presence.Subscribe(ctx, func(e redis.PresenceEvent) {
		a.applyPresence(ctx, e)
	})
}

func (a *App) applyPresence(ctx context.Context, e redis.PresenceEvent) {
	log := a.Log.With(logger.MemberID(e.MemberID), logger.String("presence", string(e.Type)))

	tok, err := a.Session.Acquire(ctx)
	if err != nil {
		if ctx.Err() == nil {
			log.Error("presence change dropped, session lock unavailable", logger.Err(err))
		}
		return
	}
	defer func() {
		if err := a.Session.Release(tok); err != nil {
			log.Error("failed to release session after presence change", logger.Err(err))
		}
	}()

	active, err := a.Session.IsActive(tok)
	if err != nil || !active {
		return
	}

	switch e.Type {
	case redis.EventEntered:
		err = a.Session.ReportJoin(ctx, tok, e.MemberID)
	case redis.EventExited:
		_, err = a.Session.ReportLeave(ctx, tok, e.MemberID)
	default:
		return
	}

	switch {
	case err == nil:
		log.Debug("presence applied to session")
	case shared.IsInvalidTransition(err):
		// Already open on entry or not open on exit, e.g. after recovery.
		log.Warn("presence change does not fit the session", logger.Err(err))
	default:
		log.Error("failed to apply presence change", logger.Err(err))
	}
}

// Close releases connections in reverse order of opening.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
