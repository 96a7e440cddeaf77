// Package attendance models a tracked session: who joined, when, and how much
// time each member has accumulated.
//
// A member is "open" while JoinedAt is set. Total only grows on a leave; the
// in-progress stint is computed on demand and never stored.
package attendance

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/HoeenCoder/iron-manager/internal/domain/shared"
	"github.com/HoeenCoder/iron-manager/pkg/timeutil"
)

// DefaultMinimumDuration is the attendance needed to qualify.
const DefaultMinimumDuration = 60 * time.Minute

// MemberTime is one member's attendance within a session.
type MemberTime struct {
	JoinedAt *time.Time
	Total    time.Duration
}

type memberTimeJSON struct {
	Joined    *int64 `json:"joined"`
	TotalTime int64  `json:"totalTime"`
}

// MarshalJSON writes epoch milliseconds, null when closed.
func (m MemberTime) MarshalJSON() ([]byte, error) {
	raw := memberTimeJSON{TotalTime: m.Total.Milliseconds()}
	if m.JoinedAt != nil {
		ms := timeutil.EpochMillis(*m.JoinedAt)
		raw.Joined = &ms
	}
	return json.Marshal(raw)
}

// UnmarshalJSON reads the persisted form.
func (m *MemberTime) UnmarshalJSON(data []byte) error {
	var raw memberTimeJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	m.Total = time.Duration(raw.TotalTime) * time.Millisecond
	m.JoinedAt = nil
	if raw.Joined != nil {
		at := timeutil.FromEpochMillis(*raw.Joined)
		m.JoinedAt = &at
	}
	return nil
}

// Open reports whether the member is currently in the session.
func (m MemberTime) Open() bool {
	return m.JoinedAt != nil
}

// Elapsed returns Total plus the running stint, if any.
func (m MemberTime) Elapsed(now time.Time) time.Duration {
	if m.JoinedAt == nil {
		return m.Total
	}
	return m.Total + stint(*m.JoinedAt, now)
}

func stint(from, to time.Time) time.Duration {
	if d := to.Sub(from); d > 0 {
		return d
	}
	return 0
}

// Session is the persisted session document.
type Session struct {
	Active  bool                   `json:"active"`
	Label   string                 `json:"label"`
	Started string                 `json:"started"`
	Members map[string]*MemberTime `json:"members"`
}

// NewIdle returns an inactive, empty session.
func NewIdle() *Session {
	return &Session{Members: make(map[string]*MemberTime)}
}

// Normalize repairs nil maps and entries after decoding.
func (s *Session) Normalize() {
	if s.Members == nil {
		s.Members = make(map[string]*MemberTime)
	}
	for id, m := range s.Members {
		if m == nil {
			s.Members[id] = &MemberTime{}
		}
	}
}

// Begin marks the session active under a fresh journal stem and forgets
// all previous members.
func (s *Session) Begin(label, stem string) error {
	if s.Active {
		return shared.NewDomainError("session", "Start", shared.ErrInvalidTransition, "a session is already active")
	}
	s.Active = true
	s.Label = label
	s.Started = stem
	s.Members = make(map[string]*MemberTime)
	return nil
}

// Join opens memberID at the given time.
func (s *Session) Join(memberID string, at time.Time) error {
	m, ok := s.Members[memberID]
	if ok && m.Open() {
		return shared.Errorf("session", "Join", shared.ErrInvalidTransition, "member %s already joined", memberID)
	}
	if !ok {
		m = &MemberTime{}
		s.Members[memberID] = m
	}
	joined := at.UTC()
	m.JoinedAt = &joined
	return nil
}

// Leave closes memberID and returns the length of the stint just closed.
func (s *Session) Leave(memberID string, at time.Time) (time.Duration, error) {
	m, ok := s.Members[memberID]
	if !ok || !m.Open() {
		return 0, shared.Errorf("session", "Leave", shared.ErrInvalidTransition, "member %s has not joined", memberID)
	}
	d := stint(*m.JoinedAt, at)
	m.Total += d
	m.JoinedAt = nil
	return d, nil
}

// OpenMembers lists open members in ascending ID order.
func (s *Session) OpenMembers() []string {
	var out []string
	for _, id := range shared.SortedKeys(s.Members) {
		if s.Members[id].Open() {
			out = append(out, id)
		}
	}
	return out
}

// Finish closes every open member at the given time and deactivates the
// session. It returns the IDs that were closed.
func (s *Session) Finish(at time.Time) ([]string, error) {
	if !s.Active {
		return nil, shared.NewDomainError("session", "End", shared.ErrInvalidTransition, "no session is active")
	}
	closed := s.OpenMembers()
	for _, id := range closed {
		if _, err := s.Leave(id, at); err != nil {
			return nil, err
		}
	}
	s.Active = false
	return closed, nil
}

// Qualification partitions members by attendance.
type Qualification struct {
	// Qualified members met the minimum duration.
	Qualified []string `json:"qualified"`
	// Participated members attended but fell short.
	Participated []string `json:"participated"`
}

// Partition splits all known members by Elapsed(now) against minimum.
func (s *Session) Partition(now time.Time, minimum time.Duration) Qualification {
	q := Qualification{Qualified: []string{}, Participated: []string{}}
	for _, id := range shared.SortedKeys(s.Members) {
		if s.Members[id].Elapsed(now) >= minimum {
			q.Qualified = append(q.Qualified, id)
		} else {
			q.Participated = append(q.Participated, id)
		}
	}
	return q
}

// MemberSnapshot is a point-in-time view of one member.
type MemberSnapshot struct {
	MemberID string        `json:"member_id"`
	Known    bool          `json:"known"`
	Present  bool          `json:"present"`
	JoinedAt *time.Time    `json:"joined_at,omitempty"`
	Total    time.Duration `json:"total"`
	Current  time.Duration `json:"current"`
}

// Snapshot describes memberID as of now.
func (s *Session) Snapshot(memberID string, now time.Time) MemberSnapshot {
	snap := MemberSnapshot{MemberID: memberID}
	m, ok := s.Members[memberID]
	if !ok {
		return snap
	}
	snap.Known = true
	snap.Present = m.Open()
	snap.Total = m.Total
	snap.Current = m.Elapsed(now)
	if m.JoinedAt != nil {
		at := *m.JoinedAt
		snap.JoinedAt = &at
	}
	return snap
}

// Totals returns Elapsed(now) for every member.
func (s *Session) Totals(now time.Time) map[string]time.Duration {
	out := make(map[string]time.Duration, len(s.Members))
	for id, m := range s.Members {
		out[id] = m.Elapsed(now)
	}
	return out
}

// Clone returns a deep copy.
func (s *Session) Clone() *Session {
	out := &Session{
		Active:  s.Active,
		Label:   s.Label,
		Started: s.Started,
		Members: make(map[string]*MemberTime, len(s.Members)),
	}
	for id, m := range s.Members {
		cp := MemberTime{Total: m.Total}
		if m.JoinedAt != nil {
			at := *m.JoinedAt
			cp.JoinedAt = &at
		}
		out.Members[id] = &cp
	}
	return out
}

// sortedCopy returns ids sorted without touching the input.
func sortedCopy(ids []string) []string {
	out := append([]string(nil), ids...)
	sort.Strings(out)
	return out
}
