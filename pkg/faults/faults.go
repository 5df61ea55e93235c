// Fetchcore - Dataverse Access Core and SQL-to-FetchXML Transpiler
// Copyright 2026 Fetchcore Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fetchcore-dev/fetchcore

// Package faults defines the error taxonomy shared by every Fetchcore component.
//
// Every error produced by the core carries a stable string code, a user-safe
// message (no record identifiers, no stack traces), and optionally a wrapped
// cause that is preserved for debug-mode output. Callers classify errors with
// the Code* helpers rather than matching message text.
package faults

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	errCtxCancelled = context.Canceled
	errCtxDeadline  = context.DeadlineExceeded
)

// Code is a stable error-code identifier. Codes are part of the public
// contract: presentation layers map them to exit codes and messages.
type Code string

const (
	// CodeValidation indicates malformed input: a SQL parse failure or an
	// unknown DML option. Not retryable.
	CodeValidation Code = "ValidationError"

	// CodeDmlBlocked indicates the DML safety guard refused a statement.
	// Not retryable.
	CodeDmlBlocked Code = "DmlBlocked"

	// CodeUntranspilable indicates SQL that survived rewriting but cannot
	// be expressed in the service's XML query language. Not retryable.
	CodeUntranspilable Code = "Untranspilable"

	// CodeAuth indicates an expired or invalid credential. The pooled
	// client is marked invalid; the caller may re-authenticate and retry.
	CodeAuth Code = "AuthError"

	// CodeThrottle indicates the service signaled a rate limit. Handled
	// internally by the dispatcher and executor; surfaces only after the
	// retry budget is exhausted.
	CodeThrottle Code = "ThrottleError"

	// CodeNotFound indicates a missing entity or record.
	CodeNotFound Code = "NotFound"

	// CodePoolExhausted indicates pool acquisition timed out. Transient.
	CodePoolExhausted Code = "PoolExhausted"

	// CodeAllPrincipalsFailed indicates every configured principal has been
	// quarantined. Fatal for the current job.
	CodeAllPrincipalsFailed Code = "AllPrincipalsFailed"

	// CodeConnection indicates a transport-level fault. Retried a bounded
	// number of times by the dispatcher before surfacing.
	CodeConnection Code = "ConnectionError"

	// CodePartialFailure indicates a bulk job completed with per-record
	// faults. Surfaced as a structured result, never thrown mid-job.
	CodePartialFailure Code = "PartialFailure"

	// CodeCancelled indicates the caller's context was cancelled before the
	// operation completed.
	CodeCancelled Code = "Cancelled"

	// CodeInternal is the fallback for faults that fit no other class.
	CodeInternal Code = "InternalError"
)

// Error is the concrete error type used across the core.
type Error struct {
	// Code is the stable classification of this error.
	Code Code

	// Message is a user-safe description. It must not embed identifiers,
	// credentials, or server stack traces.
	Message string

	// RetryAfter carries the service's minimum-wait hint on throttle
	// errors. Zero otherwise.
	RetryAfter time.Duration

	cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the preserved cause for errors.Is / errors.As chains.
func (e *Error) Unwrap() error { return e.cause }

// New creates an error with a code and a user-safe message.
func New(code Code, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

// Newf creates an error with a formatted user-safe message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an error that preserves cause for debug output. The message
// stays user-safe; the cause is only reachable through Unwrap.
func Wrap(code Code, msg string, cause error) *Error {
	return &Error{Code: code, Message: msg, cause: cause}
}

// Throttle creates a throttle error carrying the service's Retry-After hint.
func Throttle(msg string, retryAfter time.Duration) *Error {
	return &Error{Code: CodeThrottle, Message: msg, RetryAfter: retryAfter}
}

// CodeOf extracts the stable code from any error. Errors that did not
// originate in the core report CodeInternal; context cancellation reports
// CodeCancelled.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	if errors.Is(err, errCtxCancelled) || errors.Is(err, errCtxDeadline) {
		return CodeCancelled
	}
	return CodeInternal
}

// Is reports whether err carries the given code anywhere in its chain.
func Is(err error, code Code) bool {
	var fe *Error
	return errors.As(err, &fe) && fe.Code == code
}

// RetryAfterOf extracts the Retry-After hint from a throttle error, or zero.
func RetryAfterOf(err error) time.Duration {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.RetryAfter
	}
	return 0
}

// IsTransient reports whether the error class is worth retrying at a higher
// level: throttles, exhausted pools, and transport faults qualify.
func IsTransient(err error) bool {
	switch CodeOf(err) {
	case CodeThrottle, CodePoolExhausted, CodeConnection:
		return true
	}
	return false
}
