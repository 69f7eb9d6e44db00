// Package agerr provides the structured error taxonomy shared by every
// subsystem: Admission, Resource, Transient, Permanent, Cancelled, and
// CompensationFailed. Errors preserve message and causal context while
// still implementing the standard error interface, so callers can use
// errors.Is/As across retries and saga compensation hops.
package agerr

import (
	"errors"
	"fmt"
)

// Kind categorizes a failure so the Execution Pipeline and Orchestrator
// can decide whether to retry, fail fast, or compensate.
type Kind string

const (
	// KindAdmission covers concurrency cap, queue full, insufficient security
	// level, and schema violation failures.
	KindAdmission Kind = "admission"
	// KindResource covers allocation denied, guard deadline, OOM, fuel
	// exhausted, and stack overflow failures.
	KindResource Kind = "resource"
	// KindTransient covers network/io timeouts, temporary failures, and
	// breaker half-open probe failures. Transient errors are retryable.
	KindTransient Kind = "transient"
	// KindPermanent covers tool not found, function not found, type
	// mismatch, corrupt module, and invariant violation failures.
	KindPermanent Kind = "permanent"
	// KindCancelled covers explicit cancel or parent cancel.
	KindCancelled Kind = "cancelled"
	// KindCompensationFailed marks a saga compensation step that failed;
	// it does not abort other compensations.
	KindCompensationFailed Kind = "compensation_failed"
)

// Retryable reports whether the Execution Pipeline's RetryWithBackoff
// strategy should retry an error of this kind. Only Transient errors are
// retryable per spec; all others surface immediately.
func (k Kind) Retryable() bool {
	return k == KindTransient
}

// Error represents a structured failure that preserves message, kind, and
// causal context. Errors may be nested via Cause to retain diagnostics
// across retries and compensation hops.
type Error struct {
	// Kind classifies the failure for propagation-policy decisions.
	Kind Kind
	// Message is the human-readable summary of the failure.
	Message string
	// Cause links to the underlying error, enabling chains with errors.Is/As.
	Cause error
}

// New constructs an Error of the given kind with the provided message.
func New(kind Kind, message string) *Error {
	if message == "" {
		message = string(kind)
	}
	return &Error{Kind: kind, Message: message}
}

// Errorf formats according to a format specifier and returns the result as
// an Error of the given kind.
func Errorf(kind Kind, format string, args ...any) *Error {
	return New(kind, fmt.Sprintf(format, args...))
}

// Wrap annotates err with a kind and message, preserving the original error
// as Cause so errors.Is/As continue to traverse the chain. Returns nil if
// err is nil.
func Wrap(kind Kind, err error, message string) *Error {
	if err == nil {
		return nil
	}
	if message == "" {
		message = err.Error()
	}
	return &Error{Kind: kind, Message: message, Cause: err}
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

// Unwrap returns the underlying error to support errors.Is/As.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// KindOf extracts the Kind from err if it is (or wraps) an *Error. Returns
// KindPermanent and false when err carries no Kind, treating unclassified
// failures as non-retryable by default.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return KindPermanent, false
}

// Is reports whether err is classified with the given kind, defaulting to
// false for unclassified errors.
func Is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}
