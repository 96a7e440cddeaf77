package store

import (
	"context"
	"time"

	"github.com/HoeenCoder/iron-manager/internal/domain/shared"
	"github.com/HoeenCoder/iron-manager/internal/infrastructure/lock"
	"github.com/HoeenCoder/iron-manager/pkg/logger"
)

// Lease is a claim on one document shared by every process that opens the
// same backend. The in-process lock.Mutex orders callers inside one process;
// the lease keeps the bot and ironctl from holding a store at the same time.
//
// TryAcquire returns false while another holder's lease is live. A lease
// expires after ttl so a crashed holder cannot block the document forever.
// Release only removes a lease still owned by holder.
type Lease interface {
	TryAcquire(ctx context.Context, key, holder string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key, holder string) error
}

const (
	defaultLeasePoll  = 50 * time.Millisecond
	leaseReleaseGrace = 5 * time.Second
)

// guard pairs a store's in-process mutex with its optional lease.
type guard struct {
	mutex *lock.Mutex
	lease Lease
	key   string
	ttl   time.Duration
	poll  time.Duration
	log   *logger.Logger
}

func newGuard(name, key string, opts lock.Options, lease Lease, log *logger.Logger) *guard {
	if opts.Logger == nil {
		opts.Logger = log
	}
	ttl := opts.Timeout
	if ttl <= 0 {
		ttl = lock.DefaultTimeout
	}
	poll := defaultLeasePoll
	if poll > ttl/4 {
		poll = ttl / 4
	}
	return &guard{
		mutex: lock.New(name, opts),
		lease: lease,
		key:   key,
		ttl:   ttl,
		poll:  poll,
		log:   log,
	}
}

// shared reports whether another process may write the document.
func (g *guard) shared() bool {
	return g.lease != nil
}

// acquire takes the mutex, then waits for the lease.
func (g *guard) acquire(ctx context.Context) (lock.Token, error) {
	tok, err := g.mutex.Acquire(ctx)
	if err != nil {
		return "", err
	}
	if g.lease == nil {
		return tok, nil
	}
	if err := g.waitLease(ctx, tok); err != nil {
		if relErr := g.mutex.Release(tok); relErr != nil {
			g.log.Error("failed to release lock after lease wait", logger.Err(relErr))
		}
		return "", err
	}
	if err := g.mutex.Rearm(tok); err != nil {
		g.dropLease(tok)
		return "", err
	}
	return tok, nil
}

func (g *guard) waitLease(ctx context.Context, tok lock.Token) error {
	logged := false
	for {
		ok, err := g.lease.TryAcquire(ctx, g.key, string(tok), g.ttl)
		if err != nil {
			return shared.WrapError("store", "Acquire", shared.ErrStorage, "acquire lease "+g.key, err)
		}
		if ok {
			return nil
		}
		if !logged {
			g.log.Info("waiting for lease held by another process")
			logged = true
		}
		// The local countdown must not run out while another process works.
		if err := g.mutex.Rearm(tok); err != nil {
			return err
		}

		timer := time.NewTimer(g.poll)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// release gives the lease back, then the mutex. A token the mutex rejects
// never touches the lease.
func (g *guard) release(tok lock.Token) error {
	if err := g.mutex.Validate(tok); err != nil {
		return err
	}
	if g.lease != nil {
		g.dropLease(tok)
	}
	return g.mutex.Release(tok)
}

func (g *guard) dropLease(tok lock.Token) {
	ctx, cancel := context.WithTimeout(context.Background(), leaseReleaseGrace)
	defer cancel()
	if err := g.lease.Release(ctx, g.key, string(tok)); err != nil {
		// The lease still expires on its own after ttl.
		g.log.Error("failed to release lease", logger.Err(err))
	}
}
