package shared

import (
	"sort"
	"strings"
	"unicode"
)

// MaxMemberIDLength bounds member identifiers accepted by the stores.
// Platform snowflakes are at most 20 digits; the slack covers test fixtures.
const MaxMemberIDLength = 64

// ValidateMemberID checks that id is usable as a document map key.
func ValidateMemberID(id string) error {
	if id == "" {
		return NewDomainError("member", "Validate", ErrInvalidInput, "member ID cannot be empty")
	}
	if len(id) > MaxMemberIDLength {
		return Errorf("member", "Validate", ErrInvalidInput, "member ID longer than %d bytes", MaxMemberIDLength)
	}
	if strings.IndexFunc(id, func(r rune) bool { return unicode.IsSpace(r) || unicode.IsControl(r) }) >= 0 {
		return Errorf("member", "Validate", ErrInvalidInput, "member ID %q contains whitespace", id)
	}
	return nil
}

// ValidateMemberIDs validates every id in ids.
func ValidateMemberIDs(ids []string) error {
	for _, id := range ids {
		if err := ValidateMemberID(id); err != nil {
			return err
		}
	}
	return nil
}

// SortedKeys returns the keys of m in ascending order.
func SortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
