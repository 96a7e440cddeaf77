// Package identity encodes a member's achievement count into their display
// name and reads it back.
//
// A display name has the form "[ TOKEN ] name" where TOKEN is an upper-case
// numeral for counts in 1..500, decimal digits for 0 and counts above 500,
// or the envoy sentinel "E". When the result would exceed MaxLength the
// encoder drops the padding spaces, then retries with decimal digits, and
// finally truncates. Truncation loses the tail of the name.
package identity

import (
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/HoeenCoder/iron-manager/internal/domain/shared"
)

const (
	// MaxLength is the platform limit on display names, in characters.
	MaxLength = 32

	// EnvoyCount is the reserved count for the envoy category.
	EnvoyCount = -10

	// EnvoyToken is how EnvoyCount is rendered.
	EnvoyToken = "E"
)

// Identity is a decoded display name.
type Identity struct {
	Count int
	Name  string
}

// IsEnvoy reports whether the identity carries the envoy sentinel.
func (i Identity) IsEnvoy() bool {
	return i.Count == EnvoyCount
}

// Next returns the identity with its count incremented by delta.
// Envoys never advance.
func (i Identity) Next(delta int) (Identity, error) {
	if i.IsEnvoy() {
		return i, shared.NewDomainError("identity", "Next", shared.ErrInvalidInput, "envoy count cannot be incremented")
	}
	if delta < 0 {
		return i, shared.Errorf("identity", "Next", shared.ErrInvalidInput, "negative increment %d", delta)
	}
	return Identity{Count: i.Count + delta, Name: i.Name}, nil
}

// String encodes the identity, ignoring the (impossible for decoded values) error.
func (i Identity) String() string {
	s, _ := Encode(i.Count, i.Name)
	return s
}

var prefixPattern = regexp.MustCompile(`(?s)^\[ ?([^\]\s]*) ?\] ?(.*)$`)

// Encode renders count and name as a display string of at most MaxLength characters.
// Counts below zero other than EnvoyCount are rejected.
func Encode(count int, name string) (string, error) {
	if count < 0 && count != EnvoyCount {
		return "", shared.Errorf("identity", "Encode", shared.ErrInvalidInput, "count %d is not encodable", count)
	}

	var last string
	for _, token := range tokens(count) {
		for _, padded := range []bool{true, false} {
			last = wrap(token, name, padded)
			if utf8.RuneCountInString(last) <= MaxLength {
				return last, nil
			}
		}
	}
	return truncate(last, MaxLength), nil
}

// Decode parses a display string produced by Encode, or one edited by hand
// into the same shape. Failures wrap shared.ErrDecodeFailure.
func Decode(display string) (Identity, error) {
	m := prefixPattern.FindStringSubmatch(display)
	if m == nil {
		return Identity{}, decodeError(display, "missing bracketed prefix")
	}
	token, name := m[1], m[2]

	count, ok := parseToken(token)
	if !ok {
		return Identity{}, decodeError(display, "unrecognised count token")
	}
	return Identity{Count: count, Name: name}, nil
}

// tokens lists the renderings of count in preference order.
func tokens(count int) []string {
	if count == EnvoyCount {
		return []string{EnvoyToken}
	}
	decimal := strconv.Itoa(count)
	if numeral, ok := ToNumeral(count); ok {
		return []string{numeral, decimal}
	}
	return []string{decimal}
}

func wrap(token, name string, padded bool) string {
	if padded {
		return "[ " + token + " ] " + name
	}
	return "[" + token + "] " + name
}

func truncate(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit])
}

func parseToken(token string) (int, bool) {
	switch {
	case token == "":
		return 0, false
	case token == EnvoyToken:
		return EnvoyCount, true
	case strings.IndexFunc(token, func(r rune) bool { return !isNumeralSymbol(r) }) < 0:
		return ParseNumeral(token)
	case strings.IndexFunc(token, func(r rune) bool { return r < '0' || r > '9' }) < 0:
		n, err := strconv.Atoi(token)
		if err != nil {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}

func decodeError(display, reason string) error {
	return shared.Errorf("identity", "Decode", shared.ErrDecodeFailure, "%q: %s", display, reason)
}
