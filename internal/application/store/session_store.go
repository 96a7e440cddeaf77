package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/HoeenCoder/iron-manager/internal/domain/attendance"
	"github.com/HoeenCoder/iron-manager/internal/domain/guild"
	"github.com/HoeenCoder/iron-manager/internal/domain/shared"
	"github.com/HoeenCoder/iron-manager/internal/infrastructure/lock"
	"github.com/HoeenCoder/iron-manager/pkg/logger"
	"github.com/HoeenCoder/iron-manager/pkg/timeutil"
)

// DefaultSessionKey is the document key of the attendance session.
const DefaultSessionKey = "session"

// SessionOptions configures a SessionStore.
type SessionOptions struct {
	Key string
	// MinimumDuration is the attendance needed to qualify.
	MinimumDuration time.Duration
	Clock           timeutil.Clock
	Lock            lock.Options
	// Lease, when set, is taken on every Acquire and the document is reloaded.
	Lease  Lease
	Logger *logger.Logger
}

// SessionSummary describes a session at the moment it ended.
type SessionSummary struct {
	Label         string                   `json:"label"`
	Started       string                   `json:"started"`
	EndedAt       time.Time                `json:"ended_at"`
	Totals        map[string]time.Duration `json:"totals"`
	Qualification attendance.Qualification `json:"qualification"`
}

// SessionStatus is a read-only overview for operators.
type SessionStatus struct {
	Active  bool     `json:"active"`
	Label   string   `json:"label"`
	Started string   `json:"started"`
	Open    []string `json:"open"`
	Known   int      `json:"known"`
}

// SessionStore guards the attendance session and its journal.
type SessionStore struct {
	guard   *guard
	backend DocumentBackend
	journal Journal
	roster  guild.Roster
	key     string
	minimum time.Duration
	clock   timeutil.Clock
	log     *logger.Logger

	mu            sync.Mutex
	doc           *attendance.Session
	needsRecovery bool
}

// NewSessionStore loads the session document. A document left active by a
// previous process marks the store as needing recovery.
func NewSessionStore(ctx context.Context, backend DocumentBackend, journal Journal, roster guild.Roster, opts SessionOptions) (*SessionStore, error) {
	if opts.Key == "" {
		opts.Key = DefaultSessionKey
	}
	if opts.MinimumDuration <= 0 {
		opts.MinimumDuration = attendance.DefaultMinimumDuration
	}
	if opts.Clock == nil {
		opts.Clock = timeutil.SystemClock
	}
	log := logger.OrDefault(opts.Logger).With(logger.Component("session"), logger.DocumentKey(opts.Key))

	s := &SessionStore{
		guard:   newGuard("session", opts.Key, opts.Lock, opts.Lease, log),
		backend: backend,
		journal: journal,
		roster:  roster,
		key:     opts.Key,
		minimum: opts.MinimumDuration,
		clock:   opts.Clock,
		log:     log,
	}

	doc := attendance.NewIdle()
	found, err := loadDocument(ctx, backend, opts.Key, doc)
	if err != nil {
		return nil, err
	}
	doc.Normalize()
	if !found {
		if err := saveDocument(ctx, backend, opts.Key, doc); err != nil {
			return nil, err
		}
	}
	s.doc = doc
	s.needsRecovery = doc.Active
	if s.needsRecovery {
		log.Warn("session was active at shutdown, recovery required",
			logger.SessionLabel(doc.Label),
			logger.MemberCount(len(doc.OpenMembers())),
		)
	}
	return s, nil
}

// Acquire waits for the session lock. With a lease it also waits for other
// processes and reloads the document they may have written.
func (s *SessionStore) Acquire(ctx context.Context) (lock.Token, error) {
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

// Release gives up the session lock.
func (s *SessionStore) Release(tok lock.Token) error {
	return s.guard.release(tok)
}

func (s *SessionStore) reload(ctx context.Context) error {
	doc := attendance.NewIdle()
	found, err := loadDocument(ctx, s.backend, s.key, doc)
	if err != nil || !found {
		return err
	}
	doc.Normalize()
	s.mu.Lock()
	s.doc = doc
	s.mu.Unlock()
	return nil
}

// NeedsRecovery reports whether the recovery pass is still outstanding.
func (s *SessionStore) NeedsRecovery() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.needsRecovery
}

// enter validates tok and returns with s.mu held.
func (s *SessionStore) enter(tok lock.Token) error {
	if err := s.guard.mutex.Validate(tok); err != nil {
		return err
	}
	s.mu.Lock()
	return nil
}

func (s *SessionStore) commit(ctx context.Context, next *attendance.Session) error {
	if err := saveDocument(ctx, s.backend, s.key, next); err != nil {
		return err
	}
	s.doc = next
	return nil
}

// record appends journal lines. The document is already durable at this
// point, so a journal failure is logged rather than returned.
func (s *SessionStore) record(stem string, events ...attendance.Event) {
	for _, e := range events {
		if err := s.journal.Append(stem, e); err != nil {
			s.log.Error("failed to append journal line",
				logger.String("journal", stem),
				logger.String("kind", string(e.Kind)),
				logger.Err(err),
			)
			return
		}
	}
}

// IsActive reports whether a session is running.
func (s *SessionStore) IsActive(tok lock.Token) (bool, error) {
	if err := s.enter(tok); err != nil {
		return false, err
	}
	defer s.mu.Unlock()
	return s.doc.Active, nil
}

// Status returns an overview of the session.
func (s *SessionStore) Status(tok lock.Token) (SessionStatus, error) {
	if err := s.enter(tok); err != nil {
		return SessionStatus{}, err
	}
	defer s.mu.Unlock()

	open := s.doc.OpenMembers()
	if open == nil {
		open = []string{}
	}
	return SessionStatus{
		Active:  s.doc.Active,
		Label:   s.doc.Label,
		Started: s.doc.Started,
		Open:    open,
		Known:   len(s.doc.Members),
	}, nil
}

// Start begins a new session under label and seeds it with everyone the
// roster reports as present right now.
func (s *SessionStore) Start(ctx context.Context, tok lock.Token, label string) error {
	if err := s.enter(tok); err != nil {
		return err
	}
	defer s.mu.Unlock()

	if s.doc.Active {
		return shared.Errorf("session", "Start", shared.ErrInvalidTransition, "session %q is already active", s.doc.Label)
	}

	present, err := s.roster.PresentMembers(ctx)
	if err != nil {
		return fmt.Errorf("session start: read roster: %w", err)
	}
	if err := shared.ValidateMemberIDs(present); err != nil {
		return err
	}

	now := s.clock().UTC()
	stem, err := s.journal.Open(now)
	if err != nil {
		return err
	}

	next := attendance.NewIdle()
	if err := next.Begin(label, stem); err != nil {
		return err
	}
	sort.Strings(present)
	seeded := make([]string, 0, len(present))
	for _, id := range present {
		if m, ok := next.Members[id]; ok && m.Open() {
			continue
		}
		if err := next.Join(id, now); err != nil {
			return err
		}
		seeded = append(seeded, id)
	}

	if err := s.commit(ctx, next); err != nil {
		return err
	}

	events := []attendance.Event{{At: now, Kind: attendance.EventStart, Detail: label}}
	for _, id := range seeded {
		events = append(events, attendance.Event{At: now, Kind: attendance.EventSeed, MemberID: id})
	}
	s.record(stem, events...)

	s.log.Info("session started",
		logger.SessionLabel(label),
		logger.String("journal", stem),
		logger.MemberCount(len(seeded)),
	)
	return nil
}

// End closes every open member, deactivates the session and returns a summary.
func (s *SessionStore) End(ctx context.Context, tok lock.Token) (*SessionSummary, error) {
	if err := s.enter(tok); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	now := s.clock().UTC()
	next := s.doc.Clone()
	stints := make(map[string]time.Duration)
	for _, id := range next.OpenMembers() {
		d, err := next.Leave(id, now)
		if err != nil {
			return nil, err
		}
		stints[id] = d
	}
	if _, err := next.Finish(now); err != nil {
		return nil, err
	}

	if err := s.commit(ctx, next); err != nil {
		return nil, err
	}

	var events []attendance.Event
	for _, id := range shared.SortedKeys(stints) {
		events = append(events, attendance.Event{
			At:       now,
			Kind:     attendance.EventLeave,
			MemberID: id,
			Detail:   "session ended, stint " + timeutil.FormatDuration(stints[id]),
		})
	}
	events = append(events, attendance.Event{At: now, Kind: attendance.EventEnd, Detail: next.Label})
	s.record(next.Started, events...)

	summary := &SessionSummary{
		Label:         next.Label,
		Started:       next.Started,
		EndedAt:       now,
		Totals:        next.Totals(now),
		Qualification: next.Partition(now, s.minimum),
	}
	s.log.Info("session ended",
		logger.SessionLabel(next.Label),
		logger.Int("qualified", len(summary.Qualification.Qualified)),
		logger.Int("participated", len(summary.Qualification.Participated)),
	)
	return summary, nil
}

func (s *SessionStore) requireActive(op string) error {
	if !s.doc.Active {
		return shared.NewDomainError("session", op, shared.ErrInvalidTransition, "no session is active")
	}
	return nil
}

// ReportJoin opens memberID. It fails if the member is already open.
func (s *SessionStore) ReportJoin(ctx context.Context, tok lock.Token, memberID string) error {
	if err := shared.ValidateMemberID(memberID); err != nil {
		return err
	}
	if err := s.enter(tok); err != nil {
		return err
	}
	defer s.mu.Unlock()

	if err := s.requireActive("Join"); err != nil {
		return err
	}
	now := s.clock().UTC()
	next := s.doc.Clone()
	if err := next.Join(memberID, now); err != nil {
		return err
	}
	if err := s.commit(ctx, next); err != nil {
		return err
	}
	s.record(next.Started, attendance.Event{At: now, Kind: attendance.EventJoin, MemberID: memberID})
	return nil
}

// ReportLeave closes memberID and returns the stint just closed. It fails if
// the member is not open.
func (s *SessionStore) ReportLeave(ctx context.Context, tok lock.Token, memberID string) (time.Duration, error) {
	if err := shared.ValidateMemberID(memberID); err != nil {
		return 0, err
	}
	if err := s.enter(tok); err != nil {
		return 0, err
	}
	defer s.mu.Unlock()

	if err := s.requireActive("Leave"); err != nil {
		return 0, err
	}
	now := s.clock().UTC()
	next := s.doc.Clone()
	d, err := next.Leave(memberID, now)
	if err != nil {
		return 0, err
	}
	if err := s.commit(ctx, next); err != nil {
		return 0, err
	}
	s.record(next.Started, attendance.Event{
		At:       now,
		Kind:     attendance.EventLeave,
		MemberID: memberID,
		Detail:   "stint " + timeutil.FormatDuration(d),
	})
	return d, nil
}

// QualifiedMembers partitions every known member by whether their attendance
// so far meets the minimum duration.
func (s *SessionStore) QualifiedMembers(tok lock.Token) (attendance.Qualification, error) {
	if err := s.enter(tok); err != nil {
		return attendance.Qualification{}, err
	}
	defer s.mu.Unlock()
	return s.doc.Partition(s.clock(), s.minimum), nil
}

// MemberSnapshot describes one member as of now.
func (s *SessionStore) MemberSnapshot(tok lock.Token, memberID string) (attendance.MemberSnapshot, error) {
	if err := s.enter(tok); err != nil {
		return attendance.MemberSnapshot{}, err
	}
	defer s.mu.Unlock()
	return s.doc.Snapshot(memberID, s.clock()), nil
}

// Recover reconciles a session that outlived the previous process with the
// members actually present now. It takes the lock itself and is safe to run
// more than once: a second pass with the same presence changes nothing.
//
// Members present but not recorded as open are joined at restart time,
// which undercounts the crash window. Members recorded as open but gone are
// closed at restart time, since their real departure is unknown.
func (s *SessionStore) Recover(ctx context.Context) (attendance.Reconciliation, error) {
	tok, err := s.Acquire(ctx)
	if err != nil {
		return attendance.Reconciliation{}, err
	}
	defer func() {
		if err := s.Release(tok); err != nil {
			s.log.Error("failed to release session lock after recovery", logger.Err(err))
		}
	}()

	if err := s.enter(tok); err != nil {
		return attendance.Reconciliation{}, err
	}
	defer s.mu.Unlock()

	if !s.doc.Active {
		s.needsRecovery = false
		return attendance.Reconciliation{Opened: []string{}, Closed: []string{}}, nil
	}

	present, err := s.roster.PresentMembers(ctx)
	if err != nil {
		return attendance.Reconciliation{}, fmt.Errorf("session recovery: read roster: %w", err)
	}
	if err := shared.ValidateMemberIDs(present); err != nil {
		return attendance.Reconciliation{}, err
	}

	now := s.clock().UTC()
	next := s.doc.Clone()
	rec, err := next.Reconcile(present, now)
	if err != nil {
		return attendance.Reconciliation{}, err
	}

	if rec.Changed() {
		if err := s.commit(ctx, next); err != nil {
			return attendance.Reconciliation{}, err
		}

		events := []attendance.Event{{
			At:     now,
			Kind:   attendance.EventRecovery,
			Detail: fmt.Sprintf("reconciled after restart: %d opened, %d closed", len(rec.Opened), len(rec.Closed)),
		}}
		for _, id := range rec.Opened {
			events = append(events, attendance.Event{
				At: now, Kind: attendance.EventRecoveryJoin, MemberID: id,
				Detail: "present at restart, joined at restart time",
			})
			s.log.Warn("recovery opened member at restart time", logger.MemberID(id))
		}
		for _, id := range rec.Closed {
			events = append(events, attendance.Event{
				At: now, Kind: attendance.EventRecoveryLeave, MemberID: id,
				Detail: "gone at restart, closed at restart time",
			})
			s.log.Warn("recovery closed member at restart time", logger.MemberID(id))
		}
		s.record(next.Started, events...)
	}

	s.needsRecovery = false
	s.log.Info("session recovery complete",
		logger.SessionLabel(s.doc.Label),
		logger.Int("opened", len(rec.Opened)),
		logger.Int("closed", len(rec.Closed)),
	)
	return rec, nil
}
