// Package lock provides the single-holder mutex every persisted store is built on.
//
// Acquire hands out an opaque Token; the holder presents it to the store on
// every call and to Release when done. Waiters are granted in request order.
// Each grant arms a timer: a holder that never releases is force-released and
// the expiry handler runs. Expiry is a bug in the caller, not a normal path,
// so the default handler panics.
package lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/HoeenCoder/iron-manager/internal/domain/shared"
	"github.com/HoeenCoder/iron-manager/pkg/logger"
)

// DefaultTimeout is how long a holder may keep the lock.
const DefaultTimeout = 60 * time.Second

// Token is a single-use credential for the current holder.
type Token string

// ExpiryHandler runs after a holder has been force-released.
type ExpiryHandler func(name string, expired Token)

// Options configures a Mutex.
type Options struct {
	// Timeout bounds how long a grant stays valid. Zero means DefaultTimeout.
	Timeout time.Duration
	// OnExpire runs outside the mutex after a forced release.
	// Nil means PanicOnExpire.
	OnExpire ExpiryHandler
	Logger   *logger.Logger
}

// PanicOnExpire is the default expiry handler.
func PanicOnExpire(name string, expired Token) {
	panic(shared.Errorf("lock", "Expire", shared.ErrLockExpired, "lock %q held past its timeout by %s", name, expired))
}

type waiter struct {
	grant chan Token
}

// Mutex is a FIFO lock with expiring grants.
type Mutex struct {
	name     string
	timeout  time.Duration
	onExpire ExpiryHandler
	log      *logger.Logger

	mu     sync.Mutex
	holder Token
	timer  *time.Timer
	queue  []*waiter
}

// New creates an unlocked Mutex.
func New(name string, opts Options) *Mutex {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.OnExpire == nil {
		opts.OnExpire = PanicOnExpire
	}
	return &Mutex{
		name:     name,
		timeout:  opts.Timeout,
		onExpire: opts.OnExpire,
		log:      logger.OrDefault(opts.Logger).With(logger.LockName(name)),
	}
}

// Name returns the lock's name.
func (m *Mutex) Name() string {
	return m.name
}

// Acquire blocks until the lock is granted or ctx is done.
func (m *Mutex) Acquire(ctx context.Context) (Token, error) {
	m.mu.Lock()
	if m.holder == "" && len(m.queue) == 0 {
		tok := m.grantLocked()
		m.mu.Unlock()
		return tok, nil
	}
	w := &waiter{grant: make(chan Token, 1)}
	m.queue = append(m.queue, w)
	m.mu.Unlock()

	select {
	case tok := <-w.grant:
		return tok, nil
	case <-ctx.Done():
	}

	m.mu.Lock()
	if m.dequeueLocked(w) {
		m.mu.Unlock()
		return "", ctx.Err()
	}
	m.mu.Unlock()

	// Granted while we were giving up; hand it straight on.
	if err := m.Release(<-w.grant); err != nil {
		m.log.Error("failed to return grant after cancellation", logger.Err(err))
	}
	return "", ctx.Err()
}

// Release gives up the lock. The next waiter, if any, is granted a new token.
func (m *Mutex) Release(tok Token) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkLocked("Release", tok); err != nil {
		return err
	}
	m.handOffLocked()
	return nil
}

// Validate returns a lock violation unless tok belongs to the current holder.
func (m *Mutex) Validate(tok Token) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.checkLocked("Validate", tok)
}

// Rearm restarts the holder's expiry countdown. Stores call it while a grant
// waits for the cross-process lease and once it wins it, so time spent
// waiting on another process does not count against the holder.
func (m *Mutex) Rearm(tok Token) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkLocked("Rearm", tok); err != nil {
		return err
	}
	m.timer.Stop()
	m.timer = time.AfterFunc(m.timeout, func() { m.expire(tok) })
	return nil
}

// Held reports whether anyone holds the lock.
func (m *Mutex) Held() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.holder != ""
}

// Waiting returns the number of queued callers.
func (m *Mutex) Waiting() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

func (m *Mutex) checkLocked(op string, tok Token) error {
	switch {
	case m.holder == "":
		return shared.Errorf("lock", op, shared.ErrLockViolation, "lock %q is not held", m.name)
	case tok != m.holder:
		return shared.Errorf("lock", op, shared.ErrLockViolation, "token is not the holder of lock %q", m.name)
	}
	return nil
}

func (m *Mutex) grantLocked() Token {
	tok := Token(uuid.NewString())
	m.holder = tok
	m.timer = time.AfterFunc(m.timeout, func() { m.expire(tok) })
	return tok
}

func (m *Mutex) handOffLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.holder = ""
	if len(m.queue) == 0 {
		return
	}
	next := m.queue[0]
	m.queue[0] = nil
	m.queue = m.queue[1:]
	next.grant <- m.grantLocked()
}

func (m *Mutex) dequeueLocked(w *waiter) bool {
	for i, q := range m.queue {
		if q == w {
			m.queue = append(m.queue[:i], m.queue[i+1:]...)
			return true
		}
	}
	return false
}

func (m *Mutex) expire(tok Token) {
	m.mu.Lock()
	if m.holder != tok {
		m.mu.Unlock()
		return
	}
	m.handOffLocked()
	m.mu.Unlock()

	m.log.Error("lock held past timeout, force-released",
		logger.Duration("timeout", m.timeout),
		logger.String("token", string(tok)),
	)
	m.onExpire(m.name, tok)
}
