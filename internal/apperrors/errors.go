// Package apperrors defines the structured error type shared by every
// service. Each error carries a taxonomy kind, a stable machine-readable
// code, and a human-readable message, so callers can branch on the kind
// while operators read the message.
package apperrors

import (
	"errors"
	"fmt"
)

// Kind classifies an error for propagation policy decisions.
type Kind string

const (
	// KindInput marks malformed caller input: bad policy documents,
	// unknown operators, missing template variables, unsafe paths.
	KindInput Kind = "input"
	// KindResource marks missing or unreadable external resources.
	KindResource Kind = "resource"
	// KindState marks operations attempted in an illegal lifecycle state.
	KindState Kind = "state"
	// KindRuntime marks failures inside step handlers and engines.
	KindRuntime Kind = "runtime"
	// KindTimeout marks exceeded deadlines; treated as runtime failures.
	KindTimeout Kind = "timeout"
)

// Error is the structured error used across pipewright services.
type Error struct {
	Kind    Kind                   `json:"kind"`
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Cause   error                  `json:"-"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// New creates an Error with the given kind, stable code and message.
func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Newf creates an Error with a formatted message.
func Newf(kind Kind, code, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

// Input creates an input error.
func Input(code, message string) *Error { return New(KindInput, code, message) }

// Resource creates a resource error.
func Resource(code, message string) *Error { return New(KindResource, code, message) }

// State creates a state error.
func State(code, message string) *Error { return New(KindState, code, message) }

// Runtime creates a runtime error.
func Runtime(code, message string) *Error { return New(KindRuntime, code, message) }

// Timeout creates a timeout error.
func Timeout(code, message string) *Error { return New(KindTimeout, code, message) }

// WithCause attaches the underlying error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithDetail attaches one contextual detail.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the cause.
func (e *Error) Unwrap() error { return e.Cause }

// IsKind reports whether err (or anything it wraps) carries the kind.
func IsKind(err error, kind Kind) bool {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind == kind
	}
	return false
}

// CodeOf returns the stable code of err, or "" when err is unstructured.
func CodeOf(err error) string {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}

// KindOf returns the taxonomy kind of err, defaulting to KindRuntime for
// unstructured errors so callers always have a propagation decision.
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindRuntime
}
