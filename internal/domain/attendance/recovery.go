package attendance

import "time"

// Reconciliation lists the approximations made while repairing a session
// that outlived the process.
type Reconciliation struct {
	// Opened were present at restart but not recorded as open. They are
	// treated as joining at restart time, which undercounts the crash window.
	Opened []string `json:"opened"`
	// Closed were recorded as open but are gone. Restart time stands in for
	// their unknown departure time.
	Closed []string `json:"closed"`
}

// Changed reports whether reconciliation altered anything.
func (r Reconciliation) Changed() bool {
	return len(r.Opened) > 0 || len(r.Closed) > 0
}

// Reconcile aligns open members with the set actually present at the given
// time. Running it twice with the same presence changes nothing the second time.
func (s *Session) Reconcile(present []string, at time.Time) (Reconciliation, error) {
	rec := Reconciliation{Opened: []string{}, Closed: []string{}}
	if !s.Active {
		return rec, nil
	}

	here := make(map[string]bool, len(present))
	for _, id := range sortedCopy(present) {
		if here[id] {
			continue
		}
		here[id] = true
		if m, ok := s.Members[id]; ok && m.Open() {
			continue
		}
		if err := s.Join(id, at); err != nil {
			return rec, err
		}
		rec.Opened = append(rec.Opened, id)
	}

	for _, id := range s.OpenMembers() {
		if here[id] {
			continue
		}
		if _, err := s.Leave(id, at); err != nil {
			return rec, err
		}
		rec.Closed = append(rec.Closed, id)
	}
	return rec, nil
}
