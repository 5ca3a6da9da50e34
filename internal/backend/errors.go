package backend

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Code classifies a backend error for the engine's retry and reporting
// policy.
type Code string

// Backend error codes.
const (
	CodeNotFound         Code = "not_found"
	CodePermissionDenied Code = "permission_denied"
	CodeConflict         Code = "conflict"
	CodeInvalid          Code = "invalid"
	CodeRateLimited      Code = "rate_limited"
	CodeUnavailable      Code = "unavailable"
	CodeTimeout          Code = "timeout"
)

// Error is a structured backend error.
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Message) }

// Errorf builds a backend error with a formatted message.
func Errorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the code from err, or "" when err is not a backend error.
func CodeOf(err error) Code {
	var be *Error
	if errors.As(err, &be) {
		return be.Code
	}
	return ""
}

// IsNotFound reports whether err is a not-found backend error.
func IsNotFound(err error) bool { return CodeOf(err) == CodeNotFound }

// IsTransient reports whether err should enter the retry path: rate limits,
// unavailability, timeouts, and context deadline expiry.
func IsTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	switch CodeOf(err) {
	case CodeRateLimited, CodeUnavailable, CodeTimeout:
		return true
	}
	return false
}

// ClassifySQLState maps a SQLSTATE to a backend error code. Classification
// is by class (first two characters): 28/42501 permission, 08/57/58
// transient, 22/23/42 invalid. Unknown states default to invalid.
func ClassifySQLState(state string) Code {
	if state == "42501" { // insufficient_privilege
		return CodePermissionDenied
	}
	if len(state) < 2 {
		return CodeInvalid
	}
	switch state[:2] {
	case "28":
		return CodePermissionDenied
	case "08", "57", "58":
		return CodeUnavailable
	case "40":
		return CodeConflict
	case "22", "23", "42":
		return CodeInvalid
	}
	if strings.HasPrefix(state, "HYT") { // ODBC-style timeout
		return CodeTimeout
	}
	return CodeInvalid
}
