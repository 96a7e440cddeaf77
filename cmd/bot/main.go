// Package main is the process host for the bot's persisted-state core.
//
// It loads configuration, builds the stores and their backends, runs the
// one-time session recovery pass before anything else touches the session,
// starts the weekly ledger rollover job, then waits for a shutdown signal.
// The chat gateway glue attaches to the App it builds. Without it the process
// still feeds Redis presence changes into the active session.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/HoeenCoder/iron-manager/config"
	"github.com/HoeenCoder/iron-manager/internal/app"
	"github.com/HoeenCoder/iron-manager/internal/infrastructure/lock"
	"github.com/HoeenCoder/iron-manager/internal/infrastructure/scheduler"
	"github.com/HoeenCoder/iron-manager/internal/infrastructure/scheduler/jobs"
)

// ══════════════════════════════════════════════════════════════════════════════
// MAIN
// ══════════════════════════════════════════════════════════════════════════════

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "fatal error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	// ─────────────────────────────────────────────────────────────────────────
	// 1. CONFIGURATION
	// ─────────────────────────────────────────────────────────────────────────
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 2. LOGGING
	// ─────────────────────────────────────────────────────────────────────────
	log := setupLogger(cfg)
	log.Info("starting iron-manager",
		"env", cfg.App.Environment,
		"version", cfg.App.Version,
		"backend", cfg.Storage.Backend,
	)
	for _, f := range cfg.Features.GetAllFeatures() {
		log.Debug("feature flag", "name", f.Name, "enabled", f.Enabled)
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 3. PERSISTED STATE
	// ─────────────────────────────────────────────────────────────────────────
	log.Info("opening persisted state...")
	a, err := app.New(ctx, cfg, app.Deps{
		OnLockExpire: func(name string, tok lock.Token) {
			log.Error("lock expired, terminating", "lock", name, "token", string(tok))
			os.Exit(2)
		},
	})
	if err != nil {
		return fmt.Errorf("failed to open persisted state: %w", err)
	}
	defer func() {
		log.Info("closing persisted state...")
		a.Close()
	}()

	// ─────────────────────────────────────────────────────────────────────────
	// 4. SESSION RECOVERY (once, before serving)
	// ─────────────────────────────────────────────────────────────────────────
	rec, ran, err := a.RecoverIfNeeded(ctx)
	if err != nil {
		return err
	}
	if ran {
		log.Warn("session reconciled after restart",
			"opened", rec.Opened,
			"closed", rec.Closed,
		)
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 5. SCHEDULER
	// ─────────────────────────────────────────────────────────────────────────
	sched := scheduler.New(scheduler.Config{Logger: a.Log})
	if err := sched.Register(jobs.NewLedgerRolloverJob(a.Ledger, a.Log), scheduler.WeeklySchedule{}); err != nil {
		return fmt.Errorf("failed to register ledger rollover: %w", err)
	}
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}
	defer func() {
		if err := sched.Stop(); err != nil {
			log.Warn("scheduler stop", "error", err)
		}
	}()

	// ─────────────────────────────────────────────────────────────────────────
	// 6. PRESENCE FEED
	// ─────────────────────────────────────────────────────────────────────────
	errCh := make(chan error, 1)
	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()

	if a.Presence != nil {
		go func() {
			err := a.TrackPresence(watchCtx)
			if err != nil && watchCtx.Err() == nil {
				errCh <- fmt.Errorf("presence subscription: %w", err)
			}
		}()
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 7. GRACEFUL SHUTDOWN
	// ─────────────────────────────────────────────────────────────────────────
	log.Info("iron-manager is running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	select {
	case sig := <-sigCh:
		log.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		log.Error("service error", "error", err)
		return err
	}

	log.Info("starting graceful shutdown...", "timeout", cfg.App.ShutdownTimeout.String())
	stopWatch()

	// Wait for any holder to finish its critical section before closing backends.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
	defer shutdownCancel()
	if err := drain(shutdownCtx, a); err != nil {
		log.Warn("shutdown completed with errors", "error", err)
		return nil
	}

	log.Info("shutdown completed successfully")
	return nil
}

// ══════════════════════════════════════════════════════════════════════════════
// HELPERS
// ══════════════════════════════════════════════════════════════════════════════

// drain takes and releases both store locks so no write is in flight.
func drain(ctx context.Context, a *app.App) error {
	tok, err := a.Ledger.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("drain ledger: %w", err)
	}
	if err := a.Ledger.Release(tok); err != nil {
		return err
	}

	tok, err = a.Session.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("drain session: %w", err)
	}
	return a.Session.Release(tok)
}

// setupLogger configures slog for process-level messages.
func setupLogger(cfg *config.Config) *slog.Logger {
	var handler slog.Handler

	opts := &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}

	switch cfg.Observability.LogLevel {
	case "debug":
		opts.Level = slog.LevelDebug
	case "warn":
		opts.Level = slog.LevelWarn
	case "error":
		opts.Level = slog.LevelError
	}

	if cfg.IsProduction() || cfg.Observability.LogFormat == "json" {
		// JSON for log aggregators
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	log := slog.New(handler)
	slog.SetDefault(log)

	return log
}
