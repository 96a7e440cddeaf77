// Package shared contains the error taxonomy used across the domain and
// application packages. This package has zero external dependencies.
package shared

import (
	"errors"
	"fmt"
)

// Base error kinds for errors.Is() checks.
var (
	ErrNotFound     = errors.New("entity not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrForbidden    = errors.New("forbidden")

	// ErrLockViolation means a stale, foreign or missing lock token was presented.
	// Always a programming error.
	ErrLockViolation = errors.New("lock violation")

	// ErrLockExpired means a holder kept the lock past its timeout.
	ErrLockExpired = errors.New("lock expired")

	// ErrInvalidTransition means the requested state change does not fit the
	// current state, usually because store and environment drifted apart.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrDecodeFailure means a display name does not carry a valid identity prefix.
	ErrDecodeFailure = errors.New("identity decode failure")

	// ErrExternalMutation means the environment refused a name or role change.
	ErrExternalMutation = errors.New("external mutation failed")

	// ErrStorage means a document backend or journal could not be read or written.
	ErrStorage = errors.New("storage failure")
)

// DomainError represents a domain-specific error with context.
type DomainError struct {
	Domain  string // e.g. "ledger", "session", "identity"
	Op      string // operation that failed, e.g. "Grant", "ReportJoin"
	Kind    error  // base error kind for errors.Is() checking
	Message string // human-readable message
	Err     error  // underlying error (optional)
}

// Error implements the error interface.
func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s.%s: %s: %v", e.Domain, e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("%s.%s: %s", e.Domain, e.Op, e.Message)
}

// Unwrap returns the underlying error for errors.Unwrap().
func (e *DomainError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return e.Kind
}

// Is implements errors.Is() matching on both the kind and the wrapped error.
func (e *DomainError) Is(target error) bool {
	if e.Kind != nil && errors.Is(e.Kind, target) {
		return true
	}
	if e.Err != nil && errors.Is(e.Err, target) {
		return true
	}
	return false
}

// NewDomainError creates a new domain error.
func NewDomainError(domain, op string, kind error, message string) *DomainError {
	return &DomainError{
		Domain:  domain,
		Op:      op,
		Kind:    kind,
		Message: message,
	}
}

// Errorf creates a domain error with a formatted message.
func Errorf(domain, op string, kind error, format string, args ...any) *DomainError {
	return NewDomainError(domain, op, kind, fmt.Sprintf(format, args...))
}

// WrapError wraps an existing error with domain context.
func WrapError(domain, op string, kind error, message string, err error) *DomainError {
	return &DomainError{
		Domain:  domain,
		Op:      op,
		Kind:    kind,
		Message: message,
		Err:     err,
	}
}

// IsNotFound checks if the error is a "not found" error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsLockViolation checks if the error came from presenting a bad lock token.
func IsLockViolation(err error) bool {
	return errors.Is(err, ErrLockViolation)
}

// IsInvalidTransition checks if the error is a rejected state transition.
func IsInvalidTransition(err error) bool {
	return errors.Is(err, ErrInvalidTransition)
}

// IsDecodeFailure checks if the error is a malformed identity.
func IsDecodeFailure(err error) bool {
	return errors.Is(err, ErrDecodeFailure)
}

// IsStorage checks if the error came from a storage backend.
func IsStorage(err error) bool {
	return errors.Is(err, ErrStorage)
}

// IsExternalMutation checks if the environment refused a change.
func IsExternalMutation(err error) bool {
	return errors.Is(err, ErrExternalMutation)
}
