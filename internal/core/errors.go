package core

import (
	"errors"
	"fmt"
	"time"
)

// Kind is the stable error classification surfaced to callers. Exactly one of
// these escapes the pipeline for any failed request.
type Kind string

const (
	KindInvalidRequest Kind = "invalid_request"
	KindAuth           Kind = "auth"
	KindQuotaExceeded  Kind = "quota_exceeded"
	KindRateLimited    Kind = "rate_limited"
	KindNotFound       Kind = "not_found"
	KindCircuitOpen    Kind = "circuit_open"
	KindUpstream       Kind = "upstream"
	KindTimeout        Kind = "timeout"
	KindSafety         Kind = "safety"
	KindCancelled      Kind = "cancelled"
	KindInternal       Kind = "internal"
)

// Error is the taxonomy error type. Details carries provider-specific context
// (region, SKU, quota message) that must survive uniform classification.
type Error struct {
	Kind       Kind              `json:"code"`
	Message    string            `json:"message"`
	Details    map[string]string `json:"details,omitempty"`
	RetryAfter time.Duration     `json:"-"`
	RequestID  string            `json:"request_id,omitempty"`
	Cause      error             `json:"-"`
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Retryable reports whether the pipeline may retry after this error.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindRateLimited, KindUpstream, KindTimeout:
		return true
	}
	return false
}

// Fallbackable reports whether the pipeline may advance to a fallback model.
// Safety, auth and validation failures surface to the caller unchanged.
func (e *Error) Fallbackable() bool {
	switch e.Kind {
	case KindAuth, KindInvalidRequest, KindSafety, KindCancelled, KindQuotaExceeded:
		return false
	}
	return true
}

// Errf builds a taxonomy error with a formatted message.
func Errf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a cause to a taxonomy error.
func Wrap(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Message: msg, Cause: cause}
}

// Invalid is shorthand for an InvalidRequest error.
func Invalid(msg string) *Error {
	return &Error{Kind: KindInvalidRequest, Message: msg}
}

// KindOf extracts the taxonomy kind from any error chain. Unclassified errors
// report KindInternal; context cancellations report KindCancelled.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	if errors.Is(err, ErrCancelled) {
		return KindCancelled
	}
	return KindInternal
}

// AsError converts any error into a taxonomy *Error, classifying unknown
// errors as internal.
func AsError(err error) *Error {
	var ce *Error
	if errors.As(err, &ce) {
		return ce
	}
	return &Error{Kind: KindInternal, Message: "internal error", Cause: err}
}

// ErrCancelled is a sentinel for caller-driven termination.
var ErrCancelled = &Error{Kind: KindCancelled, Message: "request cancelled"}
