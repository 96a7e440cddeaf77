// Package ledger models the weekly achievement ledger: which categories each
// member was already granted in the current week, plus a participation
// counter feeding the weekly bonus rule.
//
// The ledger is keyed to a canonical week start (see timeutil.StartOfWeek).
// Whenever the canonical week moves past the stored one, every record is
// discarded. There is no merge.
package ledger

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/HoeenCoder/iron-manager/internal/domain/shared"
	"github.com/HoeenCoder/iron-manager/pkg/timeutil"
)

// Category is an achievement category that can be granted once per week.
type Category string

const (
	CategoryDeployment   Category = "deployment"
	CategoryCommendation Category = "commendation"
)

// Categories lists every known category.
var Categories = []Category{CategoryDeployment, CategoryCommendation}

// IsValid checks if the category is known.
func (c Category) IsValid() bool {
	switch c {
	case CategoryDeployment, CategoryCommendation:
		return true
	default:
		return false
	}
}

// ParseCategory validates a category name.
func ParseCategory(s string) (Category, error) {
	c := Category(s)
	if !c.IsValid() {
		return "", shared.Errorf("ledger", "ParseCategory", shared.ErrInvalidInput, "unknown category %q", s)
	}
	return c, nil
}

// Record is one member's state for the current week.
type Record struct {
	Deployment         bool `json:"deployment,omitempty"`
	Commendation       bool `json:"commendation,omitempty"`
	ParticipationCount int  `json:"participationCount"`
}

// Has reports whether c was already granted this week.
func (r Record) Has(c Category) bool {
	switch c {
	case CategoryDeployment:
		return r.Deployment
	case CategoryCommendation:
		return r.Commendation
	default:
		return false
	}
}

// Achieved lists the granted categories in declaration order.
func (r Record) Achieved() []Category {
	var out []Category
	for _, c := range Categories {
		if r.Has(c) {
			out = append(out, c)
		}
	}
	return out
}

func (r *Record) set(c Category) {
	switch c {
	case CategoryDeployment:
		r.Deployment = true
	case CategoryCommendation:
		r.Commendation = true
	}
}

// Document is the persisted ledger.
type Document struct {
	WeekStart time.Time
	Members   map[string]*Record
}

type documentJSON struct {
	WeekTimestamp int64              `json:"weekTimestamp"`
	Members       map[string]*Record `json:"members"`
}

// NewDocument returns an empty ledger for the week containing now.
func NewDocument(now time.Time) *Document {
	return &Document{
		WeekStart: timeutil.StartOfWeek(now),
		Members:   make(map[string]*Record),
	}
}

// MarshalJSON writes the week start as epoch milliseconds.
func (d *Document) MarshalJSON() ([]byte, error) {
	members := d.Members
	if members == nil {
		members = map[string]*Record{}
	}
	return json.Marshal(documentJSON{
		WeekTimestamp: timeutil.EpochMillis(d.WeekStart),
		Members:       members,
	})
}

// UnmarshalJSON reads the persisted form.
func (d *Document) UnmarshalJSON(data []byte) error {
	var raw documentJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	d.WeekStart = timeutil.FromEpochMillis(raw.WeekTimestamp)
	d.Members = raw.Members
	if d.Members == nil {
		d.Members = make(map[string]*Record)
	}
	for id, rec := range d.Members {
		if rec == nil {
			d.Members[id] = &Record{}
		}
	}
	return nil
}

// Rollover resets the document if the canonical week for now differs from
// WeekStart. It reports whether a reset happened.
func (d *Document) Rollover(now time.Time) bool {
	canonical := timeutil.StartOfWeek(now)
	if d.WeekStart.Equal(canonical) {
		return false
	}
	d.WeekStart = canonical
	d.Members = make(map[string]*Record)
	return true
}

// Reset clears every record without moving the week.
func (d *Document) Reset() {
	d.Members = make(map[string]*Record)
}

// Get returns a copy of the member's record, zero if unseen.
func (d *Document) Get(memberID string) Record {
	if rec, ok := d.Members[memberID]; ok {
		return *rec
	}
	return Record{}
}

// Grant sets c for every id, creating records as needed.
func (d *Document) Grant(ids []string, c Category) error {
	if !c.IsValid() {
		return shared.Errorf("ledger", "Grant", shared.ErrInvalidInput, "unknown category %q", c)
	}
	for _, id := range ids {
		d.record(id).set(c)
	}
	return nil
}

// IncrementParticipation bumps the participation counter for every id and
// returns the new counts.
func (d *Document) IncrementParticipation(ids []string) map[string]int {
	counts := make(map[string]int, len(ids))
	for _, id := range ids {
		rec := d.record(id)
		rec.ParticipationCount++
		counts[id] = rec.ParticipationCount
	}
	return counts
}

// Batch is everything one distribution writes: the requested category, the
// participation counters and any bonus they unlock.
type Batch struct {
	Category Category
	// Grant receives Category.
	Grant []string
	// Participants get their counter bumped. Empty skips participation.
	Participants []string
	// BonusCategory is granted to participants whose counter reaches
	// BonusThreshold and who do not hold it yet. Empty disables the bonus.
	BonusCategory  Category
	BonusThreshold int
}

// BatchResult reports what ApplyBatch changed.
type BatchResult struct {
	Counts map[string]int
	// Bonus lists participants newly granted BonusCategory, in input order.
	Bonus []string
}

// ApplyBatch applies b in memory. On error the document may be partially
// modified, so callers apply it to a clone.
func (d *Document) ApplyBatch(b Batch) (BatchResult, error) {
	var res BatchResult
	if err := d.Grant(b.Grant, b.Category); err != nil {
		return res, err
	}
	if len(b.Participants) == 0 {
		return res, nil
	}

	res.Counts = d.IncrementParticipation(b.Participants)
	if b.BonusCategory == "" {
		return res, nil
	}
	for _, id := range b.Participants {
		if res.Counts[id] < b.BonusThreshold || d.Get(id).Has(b.BonusCategory) {
			continue
		}
		if err := d.Grant([]string{id}, b.BonusCategory); err != nil {
			return res, err
		}
		res.Bonus = append(res.Bonus, id)
	}
	return res, nil
}

// Clone returns a deep copy.
func (d *Document) Clone() *Document {
	out := &Document{
		WeekStart: d.WeekStart,
		Members:   make(map[string]*Record, len(d.Members)),
	}
	for id, rec := range d.Members {
		cp := *rec
		out.Members[id] = &cp
	}
	return out
}

// String summarises the document for logs.
func (d *Document) String() string {
	return fmt.Sprintf("ledger{week=%s members=%d}", d.WeekStart.Format("2006-01-02"), len(d.Members))
}

func (d *Document) record(id string) *Record {
	rec, ok := d.Members[id]
	if !ok {
		rec = &Record{}
		d.Members[id] = rec
	}
	return rec
}
