// Package errs defines the platform error taxonomy. Every error that crosses
// a component boundary carries a stable machine-readable code so that the
// transport layer and operators can react without parsing messages.
package errs

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is a stable machine-readable error code.
type Code string

const (
	CodeValidation        Code = "Validation"
	CodeNotFound          Code = "NotFound"
	CodeUnauthorized      Code = "Unauthorized"
	CodeVersionConflict   Code = "VersionConflict"
	CodeStaleState        Code = "StaleState"
	CodeTerminal          Code = "Terminal"
	CodeRestrictViolation Code = "RestrictViolation"
	CodeApprovalPending   Code = "ApprovalPending"
	CodeApprovalRejected  Code = "ApprovalRejected"
	CodeApprovalCanceled  Code = "ApprovalCanceled"
	CodeNotPending        Code = "NotPending"
	CodeTimeout           Code = "Timeout"
	CodeInternal          Code = "Internal"
)

// Error is the structured error surfaced across component boundaries.
type Error struct {
	Code    Code           `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// WithDetail attaches a detail key/value and returns the error for chaining.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// New creates a coded error.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates a coded error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a coded error that wraps a cause.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, cause: cause}
}

// CodeOf extracts the taxonomy code from err, defaulting to Internal.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}

// HTTPStatus maps a taxonomy code to an HTTP status.
func HTTPStatus(code Code) int {
	switch code {
	case CodeValidation:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeUnauthorized:
		return http.StatusForbidden
	case CodeVersionConflict, CodeStaleState, CodeTerminal, CodeRestrictViolation,
		CodeApprovalPending, CodeApprovalRejected, CodeApprovalCanceled, CodeNotPending:
		return http.StatusConflict
	case CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
