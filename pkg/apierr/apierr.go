// Package apierr defines the control plane's error taxonomy: a small set
// of typed errors that carry an HTTP status alongside a stable message, so
// a handler can always respond with a wrapped, classified error instead of
// an unannotated raw message.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

// Error is a classified, HTTP-status-carrying error.
type Error struct {
	Status  int
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

func newErr(status int, msg string, wrapped error) *Error {
	return &Error{Status: status, Message: msg, Err: wrapped}
}

// Unauthorized builds a 401 error with a stable message.
func Unauthorized(msg string) *Error {
	return newErr(http.StatusUnauthorized, msg, nil)
}

// Validation builds a 400 error.
func Validation(msg string) *Error {
	return newErr(http.StatusBadRequest, msg, nil)
}

// Validationf builds a 400 error with a formatted message.
func Validationf(format string, args ...any) *Error {
	return newErr(http.StatusBadRequest, fmt.Sprintf(format, args...), nil)
}

// Conflict builds a 409 error.
func Conflict(msg string) *Error {
	return newErr(http.StatusConflict, msg, nil)
}

// NotFound builds a 404 error.
func NotFound(msg string) *Error {
	return newErr(http.StatusNotFound, msg, nil)
}

// Upstream builds a 502 error wrapping an upstream failure.
func Upstream(op string, err error) *Error {
	return newErr(http.StatusBadGateway, fmt.Sprintf("%s failed", op), err)
}

// Unavailable builds a 503 error, used for drain timeouts and similar
// deadline-based partial failures.
func Unavailable(msg string) *Error {
	return newErr(http.StatusServiceUnavailable, msg, nil)
}

// Internal builds a 500 error wrapping an unexpected failure.
func Internal(op string, err error) *Error {
	return newErr(http.StatusInternalServerError, fmt.Sprintf("%s failed", op), err)
}

// As extracts an *Error from err, returning (nil, false) if err does not
// wrap one.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// StatusOf returns the HTTP status for err, defaulting to 500 for
// unclassified errors.
func StatusOf(err error) int {
	if e, ok := As(err); ok {
		return e.Status
	}
	return http.StatusInternalServerError
}
