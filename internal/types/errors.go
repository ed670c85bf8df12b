// Package types holds identifiers and the error taxonomy shared across Mnemosyne.
package types

import (
	"errors"
	"fmt"
)

// ErrorCode is a namespaced error code for Mnemosyne errors.
type ErrorCode string

// Validation and lookup errors. Never retried.
const (
	VALIDATION_FAILED ErrorCode = "VALIDATION_FAILED"
	NOT_FOUND         ErrorCode = "NOT_FOUND"
)

// Storage errors.
const (
	STORAGE_OPEN_FAILED  ErrorCode = "STORAGE_OPEN_FAILED"
	STORAGE_QUERY_FAILED ErrorCode = "STORAGE_QUERY_FAILED"
	STORAGE_WRITE_FAILED ErrorCode = "STORAGE_WRITE_FAILED"
	MIGRATION_REQUIRED   ErrorCode = "MIGRATION_REQUIRED"
)

// External service errors.
const (
	NETWORK_UNREACHABLE   ErrorCode = "NETWORK_UNREACHABLE"
	RATE_LIMIT_EXCEEDED   ErrorCode = "RATE_LIMIT_EXCEEDED"
	AUTHENTICATION_FAILED ErrorCode = "AUTHENTICATION_FAILED"
	BRIDGE_CALL_FAILED    ErrorCode = "BRIDGE_CALL_FAILED"
)

// Coordination errors.
const (
	CANCELLED          ErrorCode = "CANCELLED"
	CONFLICT           ErrorCode = "CONFLICT"
	ACTOR_STOPPED      ErrorCode = "ACTOR_STOPPED"
	MAILBOX_FULL       ErrorCode = "MAILBOX_FULL"
	RESTART_EXHAUSTED  ErrorCode = "RESTART_EXHAUSTED"
	DEADLOCK_DETECTED  ErrorCode = "DEADLOCK_DETECTED"
	PHASE_REGRESSION   ErrorCode = "PHASE_REGRESSION"
	DEPENDENCY_UNKNOWN ErrorCode = "DEPENDENCY_UNKNOWN"
)

// Unrecoverable errors. Surfaced to the supervisor.
const (
	FATAL ErrorCode = "FATAL"
)

// Error is the single error type used across the codebase. Behavior
// (retryability, fatality) travels with the value rather than the type.
type Error struct {
	Code      ErrorCode
	Message   string
	Retryable bool
	Cause     error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches by error code so errors.Is(err, types.NewError(CONFLICT, ""))
// style sentinels work across wrapping.
func (e *Error) Is(target error) bool {
	var me *Error
	if errors.As(target, &me) {
		return e.Code == me.Code
	}
	return false
}

// NewError creates a non-retryable error.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// NewRetryableError creates an error that callers may retry with backoff.
func NewRetryableError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message, Retryable: true}
}

// WrapError wraps a cause under a code; the cause stays reachable via Unwrap.
func WrapError(code ErrorCode, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// WrapRetryable wraps a cause under a code and marks the result retryable.
func WrapRetryable(code ErrorCode, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Retryable: true, Cause: cause}
}

// IsRetryable reports whether err carries a retryable Mnemosyne error.
func IsRetryable(err error) bool {
	var me *Error
	if errors.As(err, &me) {
		return me.Retryable
	}
	return false
}

// CodeOf extracts the error code, or FATAL for foreign errors.
func CodeOf(err error) ErrorCode {
	var me *Error
	if errors.As(err, &me) {
		return me.Code
	}
	return FATAL
}
