// Package apierr defines the tagged error type that crosses the boundary
// between the repository/engine and the HTTP surface: a stable code, a
// human message, and optional structured details. Internal packages return
// plain Go errors; only the boundary that needs an HTTP status wraps them
// as *apierr.Error.
package apierr

import (
	"errors"
	"net/http"
)

// Code is a stable machine-readable error identifier, e.g. "not_found".
type Code string

const (
	CodeInvalidPackage       Code = "invalid_package"
	CodeMockAdapterDisabled  Code = "mock_adapter_disabled"
	CodeNotFound             Code = "not_found"
	CodeAlreadyTerminal      Code = "already_terminal"
	CodePreviewDisabled      Code = "preview_disabled"
	CodePreviewNotRunning    Code = "preview_not_running"
	CodeMethodNotAllowed     Code = "method_not_allowed"
	CodeInternal             Code = "internal_error"
)

// Error is the structured error returned to HTTP clients as
// {"error": {"code", "message", "details"}}.
type Error struct {
	Code    Code           `json:"code"`
	Message string         `json:"message"`
	Details any            `json:"details,omitempty"`
	status  int
}

func (e *Error) Error() string { return e.Message }

// Status returns the HTTP status code associated with e.
func (e *Error) Status() int {
	if e.status != 0 {
		return e.status
	}
	return http.StatusInternalServerError
}

// New builds an Error with an explicit HTTP status.
func New(status int, code Code, message string, details any) *Error {
	return &Error{Code: code, Message: message, Details: details, status: status}
}

// NotFound builds a 404 not_found error.
func NotFound(message string) *Error {
	return New(http.StatusNotFound, CodeNotFound, message, nil)
}

// Invalid builds a 400 invalid_package error carrying field-level details.
func Invalid(message string, details any) *Error {
	return New(http.StatusBadRequest, CodeInvalidPackage, message, details)
}

// Conflict builds a 409 error with the given code.
func Conflict(code Code, message string) *Error {
	return New(http.StatusConflict, code, message, nil)
}

// As extracts an *Error from err, if any wraps one.
func As(err error) (*Error, bool) {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}
