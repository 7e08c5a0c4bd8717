// Package apperr provides the structured error taxonomy shared by every
// component in the orchestrator. It preserves error chains and supports
// errors.Is/As the same way the agent runtime's toolerrors package does,
// but is shaped around the wire-level error kinds the MCP surface reports
// (Validation, Unauthorized, Forbidden, NotFound, Conflict, RateLimited,
// Transient, Cancelled, Upstream, Internal) rather than tool-call failures.
package apperr

import (
	"errors"
	"fmt"
)

// Kind enumerates the exhaustive error taxonomy used on the wire.
type Kind string

const (
	// KindValidation marks malformed or out-of-schema input. Never retried.
	KindValidation Kind = "validation"
	// KindUnauthorized marks a missing or invalid bearer token.
	KindUnauthorized Kind = "unauthorized"
	// KindForbidden marks an authenticated caller lacking a required scope.
	KindForbidden Kind = "forbidden"
	// KindNotFound marks an unknown job/report/session id.
	KindNotFound Kind = "not_found"
	// KindConflict marks an idempotency or terminal-state violation.
	KindConflict Kind = "conflict"
	// KindRateLimited marks upstream provider throttling.
	KindRateLimited Kind = "rate_limited"
	// KindTransient marks timeouts, network blips, or DB lock retries.
	KindTransient Kind = "transient"
	// KindCancelled marks a deadline, explicit cancel, or client disconnect.
	KindCancelled Kind = "cancelled"
	// KindUpstream marks a provider error surfaced after retries were exhausted.
	KindUpstream Kind = "upstream"
	// KindInternal marks an invariant violation; the caller stays up, the job fails.
	KindInternal Kind = "internal"
)

// Error is a structured failure carrying a Kind, a human message, and an
// optional causal chain. It implements errors.Is/As via Unwrap so callers can
// test for apperr.Kind without string matching.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

// New constructs an Error of the given kind with a message.
func New(kind Kind, message string) *Error {
	if message == "" {
		message = string(kind)
	}
	return &Error{Kind: kind, Message: message}
}

// Newf formats according to a format specifier and returns an Error of the given kind.
func Newf(kind Kind, format string, args ...any) *Error {
	return New(kind, fmt.Sprintf(format, args...))
}

// Wrap attaches a Kind and message to an existing error, preserving it as the cause.
func Wrap(kind Kind, message string, cause error) *Error {
	if message == "" && cause != nil {
		message = cause.Error()
	}
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s", e.Message, e.Cause.Error())
	}
	return e.Message
}

// Unwrap returns the wrapped cause so errors.Is/As can traverse the chain.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// KindOf extracts the Kind from err if it is (or wraps) an *Error, defaulting
// to KindInternal for unrecognized errors so callers never leak an empty kind
// to the wire.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindInternal
}

// Is reports whether err is an *Error of the given kind, traversing the chain.
func Is(err error, kind Kind) bool {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind == kind
	}
	return false
}

// Retryable reports whether the error kind is safe to retry internally
// (Transient, RateLimited) per the propagation policy in the error design.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindTransient, KindRateLimited:
		return true
	default:
		return false
	}
}
