// Package apperr defines the error kinds used across the intake core.
// A step catches only the kinds it can act on; everything else surfaces
// into the job fabric, which decides retry, DLQ or dead by kind.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for propagation and retry decisions.
type Kind string

const (
	KindValidation       Kind = "validation"
	KindConflict         Kind = "conflict"
	KindDuplicate        Kind = "duplicate"
	KindUnavailable      Kind = "unavailable"
	KindTimeout          Kind = "timeout"
	KindPermissionDenied Kind = "permission_denied"
	KindInvalid          Kind = "invalid"
	KindCancelled        Kind = "cancelled"
	KindNotFound         Kind = "not_found"
	KindInternal         Kind = "internal"
)

// Error is the structured error carried across component boundaries.
// Callers see {kind, code, message, details, correlation_id}; internal
// causes never leak past the handler layer.
type Error struct {
	Kind          Kind
	Code          string
	Message       string
	Details       map[string]any
	CorrelationID string
	cause         error
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s/%s: %s", e.Kind, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// WithDetail attaches a detail field and returns the same error.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// WithCorrelation stamps the correlation ID used in caller-facing responses.
func (e *Error) WithCorrelation(id string) *Error {
	e.CorrelationID = id
	return e
}

// New creates an error of the given kind.
func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Newf creates an error with a formatted message.
func Newf(kind Kind, code, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap annotates err with a kind and message, preserving the cause chain.
func Wrap(err error, kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message, cause: err}
}

// KindOf extracts the kind from an error chain; unclassified errors are internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Retryable reports whether the job fabric should retry an error of this
// kind. Internal failures are bugs: they dead-letter for inspection instead
// of burning retries.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindUnavailable, KindTimeout, KindConflict:
		return true
	default:
		return false
	}
}

// ── Convenience constructors ──────────────────────────────────────────────────

// NotFound reports a missing entity.
func NotFound(entity, id string) *Error {
	return Newf(KindNotFound, "not_found", "%s %q not found", entity, id)
}

// Conflict reports an optimistic-concurrency or state conflict.
func Conflict(message string) *Error {
	return New(KindConflict, "conflict", message)
}

// InvalidInput reports a malformed input field.
func InvalidInput(field, message string) *Error {
	return Newf(KindInvalid, "invalid_input", "%s: %s", field, message).WithDetail("field", field)
}

// Duplicate reports a collapsed duplicate submission.
func Duplicate(message string) *Error {
	return New(KindDuplicate, "duplicate", message)
}

// DuplicateInFlight reports a concurrent operation on the same idempotency key.
func DuplicateInFlight(key string) *Error {
	return Newf(KindDuplicate, "duplicate_in_flight", "operation with key %q is in flight", key)
}

// PermissionDenied reports a role or policy refusal.
func PermissionDenied(message string) *Error {
	return New(KindPermissionDenied, "permission_denied", message)
}

// Unavailable reports a transient dependency failure.
func Unavailable(message string, cause error) *Error {
	e := Wrap(cause, KindUnavailable, message)
	e.Code = "unavailable"
	return e
}

// Cancelled reports an observed cooperative cancellation.
func Cancelled(message string) *Error {
	return New(KindCancelled, "cancelled", message)
}

// Internal wraps an unexpected failure.
func Internal(message string, cause error) *Error {
	e := Wrap(cause, KindInternal, message)
	e.Code = "internal"
	return e
}
