package domain

import "fmt"

// NotFoundError indicates a resource was not found. At the reader level this
// is absence, not failure; it is an error only when an update or delete
// assumed presence.
type NotFoundError struct {
	Message string
}

func (e *NotFoundError) Error() string { return e.Message }

// PermissionDeniedError indicates the backend rejected the caller's
// credentials for an operation. Per-resource terminal; never retried.
type PermissionDeniedError struct {
	Message string
}

func (e *PermissionDeniedError) Error() string { return e.Message }

// ValidationError indicates declared state violates the convention or model
// invariants. Raised before any backend call; never retried.
type ValidationError struct {
	Rule     string // optional rule identifier, e.g. "catalog_must_have_sp_owner"
	Resource string // FQN or name of the offending resource
	Message  string
}

func (e *ValidationError) Error() string {
	if e.Rule != "" && e.Resource != "" {
		return fmt.Sprintf("%s: %s: %s", e.Resource, e.Rule, e.Message)
	}
	if e.Resource != "" {
		return fmt.Sprintf("%s: %s", e.Resource, e.Message)
	}
	return e.Message
}

// ConflictError indicates a version conflict or quota violation reported by
// the backend (e.g. more than 10 policies per catalog).
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string { return e.Message }

// TransientError indicates a retriable backend failure: network errors,
// rate limits, 5xx responses, timeouts.
type TransientError struct {
	Message string
	Cause   error
}

func (e *TransientError) Error() string { return e.Message }

// Unwrap exposes the underlying cause for errors.Is/As.
func (e *TransientError) Unwrap() error { return e.Cause }

// SQLError is a structured error from the SQL backend. State carries the
// five-character SQLSTATE when the warehouse reports one.
type SQLError struct {
	State   string
	Message string
}

func (e *SQLError) Error() string {
	if e.State != "" {
		return fmt.Sprintf("sql [%s]: %s", e.State, e.Message)
	}
	return "sql: " + e.Message
}

// InvariantViolationError indicates an internal engine bug, such as a child
// whose FQN disagrees with its parent chain. Always fatal to the run.
type InvariantViolationError struct {
	Message string
}

func (e *InvariantViolationError) Error() string { return e.Message }

// ErrNotFound creates a NotFoundError with a formatted message.
func ErrNotFound(format string, args ...any) *NotFoundError {
	return &NotFoundError{Message: fmt.Sprintf(format, args...)}
}

// ErrPermissionDenied creates a PermissionDeniedError with a formatted message.
func ErrPermissionDenied(format string, args ...any) *PermissionDeniedError {
	return &PermissionDeniedError{Message: fmt.Sprintf(format, args...)}
}

// ErrValidation creates a ValidationError with a formatted message.
func ErrValidation(format string, args ...any) *ValidationError {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// ErrConflict creates a ConflictError with a formatted message.
func ErrConflict(format string, args ...any) *ConflictError {
	return &ConflictError{Message: fmt.Sprintf(format, args...)}
}

// ErrTransient creates a TransientError wrapping cause.
func ErrTransient(cause error, format string, args ...any) *TransientError {
	return &TransientError{Message: fmt.Sprintf(format, args...), Cause: cause}
}

// ErrInvariant creates an InvariantViolationError with a formatted message.
func ErrInvariant(format string, args ...any) *InvariantViolationError {
	return &InvariantViolationError{Message: fmt.Sprintf(format, args...)}
}
