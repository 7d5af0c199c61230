package apperror

import (
	"errors"
	"fmt"
	"net/http"
)

// Error is a structural failure that aborts a single operation. Code is stable
// and safe to match on from clients; Status is the HTTP status class it maps to.
type Error struct {
	Code    string
	Status  int
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is matches any *Error carrying the same code, so callers can compare against
// a template built with New.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return other.Code == e.Code
}

// New builds a typed error.
func New(code string, status int, format string, args ...any) *Error {
	return &Error{Code: code, Status: status, Message: fmt.Sprintf(format, args...)}
}

// Code extracts the stable code from err, or "" when err is not an *Error.
func Code(err error) string {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}

// Status extracts the HTTP status from err, defaulting to 500.
func Status(err error) int {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Status
	}
	return http.StatusInternalServerError
}

func NotFound(code, format string, args ...any) *Error {
	return New(code, http.StatusNotFound, format, args...)
}

func Conflict(code, format string, args ...any) *Error {
	return New(code, http.StatusConflict, format, args...)
}

func Forbidden(code, format string, args ...any) *Error {
	return New(code, http.StatusForbidden, format, args...)
}

func BadRequest(code, format string, args ...any) *Error {
	return New(code, http.StatusBadRequest, format, args...)
}
