package attendance

import (
	"fmt"
	"strings"
	"time"

	"github.com/HoeenCoder/iron-manager/pkg/timeutil"
)

// EventKind classifies a journal line.
type EventKind string

const (
	EventStart         EventKind = "START"
	EventSeed          EventKind = "SEED"
	EventJoin          EventKind = "JOIN"
	EventLeave         EventKind = "LEAVE"
	EventEnd           EventKind = "END"
	EventRecovery      EventKind = "RECOVERY"
	EventRecoveryJoin  EventKind = "RECOVERY-JOIN"
	EventRecoveryLeave EventKind = "RECOVERY-LEAVE"
)

// IsRecovery reports whether the event records a recovery approximation.
func (k EventKind) IsRecovery() bool {
	return strings.HasPrefix(string(k), string(EventRecovery))
}

// Event is one immutable journal entry.
type Event struct {
	At       time.Time
	Kind     EventKind
	MemberID string
	Detail   string
}

// Line renders the event as a single human-readable journal line.
func (e Event) Line() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", timeutil.LogStamp(e.At), e.Kind)
	if e.MemberID != "" {
		fmt.Fprintf(&b, " member=%s", e.MemberID)
	}
	if e.Detail != "" {
		b.WriteString(" ")
		b.WriteString(strings.ReplaceAll(e.Detail, "\n", " "))
	}
	return b.String()
}
