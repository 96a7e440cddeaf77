// Package guild declares what the core needs from the chat platform. The
// gateway glue implements these; the core never sees platform objects.
package guild

import (
	"context"
	"errors"
	"sort"
)

// ErrMemberRefused is wrapped by the gateway glue when the platform refuses a
// change for one member only, for example renaming the server owner. It is
// never retried and says nothing about the gateway's health.
var ErrMemberRefused = errors.New("gateway refused change for member")

// Roster reports who is currently present in the designated area
// (for example a voice channel).
type Roster interface {
	PresentMembers(ctx context.Context) ([]string, error)
}

// NameEditor reads and writes member display names.
type NameEditor interface {
	DisplayName(ctx context.Context, memberID string) (string, error)
	SetDisplayName(ctx context.Context, memberID, name string) error
}

// RoleEditor reads and replaces a member's named roles. SetRoles applies the
// complete set in one call.
type RoleEditor interface {
	Roles(ctx context.Context, memberID string) ([]string, error)
	SetRoles(ctx context.Context, memberID string, roles []string) error
}

// Directory combines the member capabilities used by the distribution saga.
type Directory interface {
	NameEditor
	RoleEditor
}

// RosterFunc adapts a function to Roster.
type RosterFunc func(ctx context.Context) ([]string, error)

// PresentMembers implements Roster.
func (f RosterFunc) PresentMembers(ctx context.Context) ([]string, error) {
	return f(ctx)
}

// HoldsRoles reports whether held contains every role in want.
func HoldsRoles(held, want []string) bool {
	set := make(map[string]bool, len(held))
	for _, r := range held {
		set[r] = true
	}
	for _, r := range want {
		if !set[r] {
			return false
		}
	}
	return true
}

// ApplyRoleChange removes every role in remove, then adds every role in add,
// preserving the order of held roles. The result is sorted and de-duplicated.
func ApplyRoleChange(held, add, remove []string) []string {
	drop := make(map[string]bool, len(remove))
	for _, r := range remove {
		drop[r] = true
	}

	set := make(map[string]bool, len(held)+len(add))
	for _, r := range held {
		if !drop[r] {
			set[r] = true
		}
	}
	for _, r := range add {
		set[r] = true
	}

	out := make([]string, 0, len(set))
	for r := range set {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}
