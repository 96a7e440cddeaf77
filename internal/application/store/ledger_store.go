package store

import (
	"context"
	"sync"
	"time"

	"github.com/HoeenCoder/iron-manager/internal/domain/ledger"
	"github.com/HoeenCoder/iron-manager/internal/domain/shared"
	"github.com/HoeenCoder/iron-manager/internal/infrastructure/lock"
	"github.com/HoeenCoder/iron-manager/pkg/logger"
	"github.com/HoeenCoder/iron-manager/pkg/timeutil"
)

// DefaultLedgerKey is the document key of the ledger.
const DefaultLedgerKey = "ledger"

// LedgerOptions configures a LedgerStore.
type LedgerOptions struct {
	Key string
	// DevMode permits HardReset.
	DevMode bool
	Clock   timeutil.Clock
	Lock    lock.Options
	// Lease, when set, is taken on every Acquire and the document is
	// reloaded, so other processes over the same backend see each other's
	// writes.
	Lease  Lease
	Logger *logger.Logger
}

// LedgerStore guards the weekly achievement ledger.
type LedgerStore struct {
	guard   *guard
	backend DocumentBackend
	key     string
	devMode bool
	clock   timeutil.Clock
	log     *logger.Logger

	mu  sync.Mutex
	doc *ledger.Document
}

// NewLedgerStore loads the ledger from backend, or initializes and saves an
// empty one for the current week.
func NewLedgerStore(ctx context.Context, backend DocumentBackend, opts LedgerOptions) (*LedgerStore, error) {
	if opts.Key == "" {
		opts.Key = DefaultLedgerKey
	}
	if opts.Clock == nil {
		opts.Clock = timeutil.SystemClock
	}
	log := logger.OrDefault(opts.Logger).With(logger.Component("ledger"), logger.DocumentKey(opts.Key))

	s := &LedgerStore{
		guard:   newGuard("ledger", opts.Key, opts.Lock, opts.Lease, log),
		backend: backend,
		key:     opts.Key,
		devMode: opts.DevMode,
		clock:   opts.Clock,
		log:     log,
	}

	doc := &ledger.Document{}
	found, err := loadDocument(ctx, backend, opts.Key, doc)
	if err != nil {
		return nil, err
	}
	if !found {
		doc = ledger.NewDocument(s.clock())
		if err := saveDocument(ctx, backend, opts.Key, doc); err != nil {
			return nil, err
		}
		log.Info("initialized empty ledger", logger.Time("week_start", doc.WeekStart))
	}
	s.doc = doc
	return s, nil
}

// Acquire waits for the ledger lock. With a lease it also waits for other
// processes and reloads the document they may have written.
func (s *LedgerStore) Acquire(ctx context.Context) (lock.Token, error) {
	tok, err := s.guard.acquire(ctx)
	if err != nil {
		return "", err
	}
	if s.guard.shared() {
		if err := s.reload(ctx); err != nil {
			_ = s.guard.release(tok)
			return "", err
		}
	}
	return tok, nil
}

// Release gives up the ledger lock.
func (s *LedgerStore) Release(tok lock.Token) error {
	return s.guard.release(tok)
}

func (s *LedgerStore) reload(ctx context.Context) error {
	doc := &ledger.Document{}
	found, err := loadDocument(ctx, s.backend, s.key, doc)
	if err != nil || !found {
		return err
	}
	s.mu.Lock()
	s.doc = doc
	s.mu.Unlock()
	return nil
}

// enter validates tok and applies the week rollover. It returns with s.mu held.
func (s *LedgerStore) enter(ctx context.Context, tok lock.Token) error {
	if err := s.guard.mutex.Validate(tok); err != nil {
		return err
	}
	s.mu.Lock()

	next := s.doc.Clone()
	if !next.Rollover(s.clock()) {
		return nil
	}
	if err := saveDocument(ctx, s.backend, s.key, next); err != nil {
		s.mu.Unlock()
		return err
	}
	s.log.Info("weekly ledger rolled over",
		logger.Time("previous_week", s.doc.WeekStart),
		logger.Time("week_start", next.WeekStart),
		logger.MemberCount(len(s.doc.Members)),
	)
	s.doc = next
	return nil
}

// commit persists next and makes it current. The in-memory document only
// changes once the write succeeded.
func (s *LedgerStore) commit(ctx context.Context, next *ledger.Document) error {
	if err := saveDocument(ctx, s.backend, s.key, next); err != nil {
		return err
	}
	s.doc = next
	return nil
}

// CurrentWeekStart returns the canonical start of the current week.
func (s *LedgerStore) CurrentWeekStart(ctx context.Context, tok lock.Token) (time.Time, error) {
	if err := s.enter(ctx, tok); err != nil {
		return time.Time{}, err
	}
	defer s.mu.Unlock()
	return s.doc.WeekStart, nil
}

// Read returns memberID's record for this week, zero if unseen.
func (s *LedgerStore) Read(ctx context.Context, tok lock.Token, memberID string) (ledger.Record, error) {
	if err := s.enter(ctx, tok); err != nil {
		return ledger.Record{}, err
	}
	defer s.mu.Unlock()
	return s.doc.Get(memberID), nil
}

// Grant sets category c for every member in ids with one durable write.
func (s *LedgerStore) Grant(ctx context.Context, tok lock.Token, ids []string, c ledger.Category) error {
	if err := shared.ValidateMemberIDs(ids); err != nil {
		return err
	}
	if err := s.enter(ctx, tok); err != nil {
		return err
	}
	defer s.mu.Unlock()

	next := s.doc.Clone()
	if err := next.Grant(ids, c); err != nil {
		return err
	}
	if err := s.commit(ctx, next); err != nil {
		return err
	}
	s.log.Debug("granted category", logger.Category(string(c)), logger.MemberCount(len(ids)))
	return nil
}

// IncrementParticipation bumps the participation counter of every member in
// ids with one durable write and returns the new counts.
func (s *LedgerStore) IncrementParticipation(ctx context.Context, tok lock.Token, ids []string) (map[string]int, error) {
	if err := shared.ValidateMemberIDs(ids); err != nil {
		return nil, err
	}
	if err := s.enter(ctx, tok); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	next := s.doc.Clone()
	counts := next.IncrementParticipation(ids)
	if err := s.commit(ctx, next); err != nil {
		return nil, err
	}
	return counts, nil
}

// ApplyBatch writes a whole distribution with one durable write: either every
// grant, counter and bonus in b lands or none does.
func (s *LedgerStore) ApplyBatch(ctx context.Context, tok lock.Token, b ledger.Batch) (ledger.BatchResult, error) {
	if err := shared.ValidateMemberIDs(b.Grant); err != nil {
		return ledger.BatchResult{}, err
	}
	if err := shared.ValidateMemberIDs(b.Participants); err != nil {
		return ledger.BatchResult{}, err
	}
	if err := s.enter(ctx, tok); err != nil {
		return ledger.BatchResult{}, err
	}
	defer s.mu.Unlock()

	next := s.doc.Clone()
	res, err := next.ApplyBatch(b)
	if err != nil {
		return ledger.BatchResult{}, err
	}
	if err := s.commit(ctx, next); err != nil {
		return ledger.BatchResult{}, err
	}
	s.log.Debug("batch applied",
		logger.Category(string(b.Category)),
		logger.MemberCount(len(b.Grant)),
		logger.Int("participants", len(b.Participants)),
		logger.Int("bonus", len(res.Bonus)),
	)
	return res, nil
}

// HardReset clears every record regardless of the week. Development only.
func (s *LedgerStore) HardReset(ctx context.Context, tok lock.Token) error {
	if !s.devMode {
		return shared.NewDomainError("ledger", "HardReset", shared.ErrForbidden, "hard reset is only allowed in development mode")
	}
	if err := s.enter(ctx, tok); err != nil {
		return err
	}
	defer s.mu.Unlock()

	next := s.doc.Clone()
	next.Reset()
	if err := s.commit(ctx, next); err != nil {
		return err
	}
	s.log.Warn("ledger hard reset", logger.Time("week_start", next.WeekStart))
	return nil
}

// Snapshot returns a deep copy of the current ledger.
func (s *LedgerStore) Snapshot(ctx context.Context, tok lock.Token) (*ledger.Document, error) {
	if err := s.enter(ctx, tok); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()
	return s.doc.Clone(), nil
}
