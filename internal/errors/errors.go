// Package errors provides standardized domain errors with kinds for the
// sync bridge.
//
// Usage:
//
//	// In services - return typed errors
//	if cfg.ABS.URL == "" {
//	    return errors.NotConfigured("ABS client not configured")
//	}
//
//	// In callers - check with errors.Is against a sentinel
//	if errors.Is(err, errors.ErrTransient) {
//	    retryLater()
//	}
//
//	// Or inspect the Kind directly
//	switch errors.KindOf(err) {
//	case errors.KindUnauthorized:
//	    reauthenticate()
//	}
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Re-export standard library functions for convenience.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
	Join   = errors.Join
	New    = errors.New
)

// Kind classifies an error by how the caller should react to it.
type Kind string

// Error kinds used throughout the application.
const (
	KindNotConfigured Kind = "NOT_CONFIGURED"
	KindTransient     Kind = "TRANSIENT"
	KindUnauthorized  Kind = "UNAUTHORIZED"
	KindNotFound      Kind = "NOT_FOUND"
	KindConflict      Kind = "CONFLICT"
	KindInvalidData   Kind = "INVALID_DATA"
	KindFatal         Kind = "FATAL"
)

// HTTPStatus returns the appropriate HTTP status code for an error kind.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindInvalidData:
		return http.StatusUnprocessableEntity
	case KindNotConfigured:
		return http.StatusPreconditionFailed
	case KindTransient:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Error is a domain error with a kind, message, and optional cause.
type Error struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
	cause   error  // unexported, for wrapping
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.cause)
	}
	return e.Message
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.cause
}

// Is reports whether target matches this error.
// Matches if target is an *Error with the same Kind.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Kind == t.Kind
	}
	return false
}

// HTTPStatus returns the HTTP status code for this error.
func (e *Error) HTTPStatus() int {
	return e.Kind.HTTPStatus()
}

// Sentinel errors for use with errors.Is().
var (
	ErrNotConfigured = &Error{Kind: KindNotConfigured, Message: "not configured"}
	ErrTransient     = &Error{Kind: KindTransient, Message: "transient failure"}
	ErrUnauthorized  = &Error{Kind: KindUnauthorized, Message: "unauthorized"}
	ErrNotFound      = &Error{Kind: KindNotFound, Message: "not found"}
	ErrConflict      = &Error{Kind: KindConflict, Message: "conflict"}
	ErrInvalidData   = &Error{Kind: KindInvalidData, Message: "invalid data"}
	ErrFatal         = &Error{Kind: KindFatal, Message: "fatal error"}
)

// Constructor functions for creating errors with custom messages.

// NotConfigured creates a not configured error.
func NotConfigured(msg string) *Error {
	return &Error{Kind: KindNotConfigured, Message: msg}
}

// Transient creates a transient error. Callers may retry later.
func Transient(msg string) *Error {
	return &Error{Kind: KindTransient, Message: msg}
}

// Transientf creates a transient error with formatted message.
func Transientf(format string, args ...any) *Error {
	return &Error{Kind: KindTransient, Message: fmt.Sprintf(format, args...)}
}

// Unauthorized creates an unauthorized error.
func Unauthorized(msg string) *Error {
	return &Error{Kind: KindUnauthorized, Message: msg}
}

// NotFound creates a not found error.
func NotFound(msg string) *Error {
	return &Error{Kind: KindNotFound, Message: msg}
}

// NotFoundf creates a not found error with formatted message.
func NotFoundf(format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

// Conflict creates a conflict error.
func Conflict(msg string) *Error {
	return &Error{Kind: KindConflict, Message: msg}
}

// InvalidData creates an invalid data error.
func InvalidData(msg string) *Error {
	return &Error{Kind: KindInvalidData, Message: msg}
}

// InvalidDataf creates an invalid data error with formatted message.
func InvalidDataf(format string, args ...any) *Error {
	return &Error{Kind: KindInvalidData, Message: fmt.Sprintf(format, args...)}
}

// Fatal creates a fatal error. The operation should not be retried.
func Fatal(msg string) *Error {
	return &Error{Kind: KindFatal, Message: msg}
}

// Wrap wraps an error with a kind and message.
func Wrap(err error, kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg, cause: err}
}

// Wrapf wraps an error with a kind and formatted message.
func Wrapf(err error, kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), cause: err}
}

// KindOf extracts the kind from an error, defaulting to KindFatal for
// errors that did not originate here.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindFatal
}

// FromHTTPStatus maps an upstream HTTP status to the kind a client
// adapter should report.
func FromHTTPStatus(status int) Kind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindUnauthorized
	case status == http.StatusNotFound || status == http.StatusGone:
		return KindNotFound
	case status == http.StatusConflict:
		return KindConflict
	case status == http.StatusUnprocessableEntity || status == http.StatusBadRequest:
		return KindInvalidData
	case status >= 500:
		return KindTransient
	default:
		return KindFatal
	}
}
