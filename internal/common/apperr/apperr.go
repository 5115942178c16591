// Package apperr provides the error kinds surfaced by the session core.
package apperr

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"
)

// Error kinds as constants.
const (
	KindBadRequest         = "bad_request"
	KindUnauthorized       = "unauthorized"
	KindNotFound           = "not_found"
	KindSessionTerminal    = "session_terminal"
	KindSandboxUnavailable = "sandbox_unavailable"
	KindIngressConflict    = "ingress_conflict"
	KindInternal           = "internal"
)

// Error represents a core error with a kind and, for internal failures, a
// trace id that is logged server-side and returned in place of the cause.
type Error struct {
	Kind       string `json:"kind"`
	Message    string `json:"message"`
	TraceID    string `json:"trace_id,omitempty"`
	HTTPStatus int    `json:"-"`
	Err        error  `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the wrapped error for use with errors.Is and errors.As.
func (e *Error) Unwrap() error {
	return e.Err
}

// BadRequest creates a bad_request error (malformed payload, missing field,
// invalid enum value).
func BadRequest(message string) *Error {
	return &Error{Kind: KindBadRequest, Message: message, HTTPStatus: http.StatusBadRequest}
}

// Unauthorized creates an unauthorized error.
func Unauthorized(message string) *Error {
	return &Error{Kind: KindUnauthorized, Message: message, HTTPStatus: http.StatusUnauthorized}
}

// NotFound creates a not_found error for a resource.
func NotFound(resource, id string) *Error {
	return &Error{
		Kind:       KindNotFound,
		Message:    fmt.Sprintf("%s with id '%s' not found", resource, id),
		HTTPStatus: http.StatusNotFound,
	}
}

// SessionTerminal creates a session_terminal error (mutation on an archived
// session).
func SessionTerminal(sessionID string) *Error {
	return &Error{
		Kind:       KindSessionTerminal,
		Message:    fmt.Sprintf("session '%s' no longer accepts prompts", sessionID),
		HTTPStatus: http.StatusConflict,
	}
}

// SandboxUnavailable creates a sandbox_unavailable error after the controller
// exhausted its retries.
func SandboxUnavailable(err error) *Error {
	return &Error{
		Kind:       KindSandboxUnavailable,
		Message:    "sandbox could not be started or contacted",
		HTTPStatus: http.StatusBadGateway,
		Err:        err,
	}
}

// IngressConflict creates an ingress_conflict error for duplicate events.
func IngressConflict(eventID string) *Error {
	return &Error{
		Kind:       KindIngressConflict,
		Message:    fmt.Sprintf("event '%s' was already ingested", eventID),
		HTTPStatus: http.StatusConflict,
	}
}

// Internal creates an internal error with a fresh trace id. The underlying
// cause is logged server-side; callers see only the trace id.
func Internal(err error) *Error {
	return &Error{
		Kind:       KindInternal,
		Message:    "internal error",
		TraceID:    uuid.New().String(),
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// Kind returns the error kind, or internal for unrecognized errors.
func Kind(err error) string {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindInternal
}

// HTTPStatus returns the HTTP status code for an error.
func HTTPStatus(err error) int {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.HTTPStatus
	}
	return http.StatusInternalServerError
}

// As extracts an *Error if err carries one.
func As(err error) (*Error, bool) {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}
