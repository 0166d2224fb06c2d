// Package shared contains common domain types, errors, and events that are
// used across all domain packages.
package shared

import (
	"errors"
	"fmt"
)

// Base domain errors that can be used for error checking with errors.Is().
var (
	// ErrInvalidArgument covers negative amounts, negative explicit level
	// lookups, and malformed descriptors. Always surfaced synchronously to
	// the caller, never retried.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrNotReady is returned when no curve or config can be resolved.
	// Should not occur given system defaults, but dynamic callbacks may fail.
	ErrNotReady = errors.New("not ready")

	// ErrPersistence wraps underlying store read/write failures. The core
	// does not retry internally; retry policy belongs to the caller.
	ErrPersistence = errors.New("persistence failure")

	// ErrExternalCollaborator wraps role grant/revoke failures. Caught and
	// logged inside event handlers, never propagated past them.
	ErrExternalCollaborator = errors.New("external collaborator failure")

	// ErrNotFound is returned when a requested entity does not exist.
	ErrNotFound = errors.New("entity not found")

	// ErrMigrationFailed is returned when a schema migration step fails.
	// The stored version is left untouched so a retry is naturally safe.
	ErrMigrationFailed = errors.New("migration failed")
)

// DomainError represents a domain-specific error with context.
type DomainError struct {
	Domain  string // e.g., "ledger", "curves", "leaderboard"
	Op      string // Operation that failed, e.g., "Add", "Resolve"
	Kind    error  // Base error type for errors.Is() checking
	Message string // Human-readable message
	Err     error  // Underlying error (optional)
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

// Is implements errors.Is() matching.
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

// IsInvalidArgument checks if the error is an invalid-argument error.
func IsInvalidArgument(err error) bool {
	return errors.Is(err, ErrInvalidArgument)
}

// IsPersistence checks if the error originated in the persistence layer.
func IsPersistence(err error) bool {
	return errors.Is(err, ErrPersistence)
}

// IsNotFound checks if the error is a "not found" error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
