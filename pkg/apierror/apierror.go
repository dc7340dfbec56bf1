// Package apierror provides standardized API error handling.
// These error types are used by the enforcement middleware and the admin
// handlers so every client-visible failure shares one wire format.
package apierror

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Code represents a machine-readable error code. Codes are part of the
// public API contract and must stay stable.
type Code string

// Standard error codes.
const (
	CodeBadRequest         Code = "bad_request"
	CodeUnauthorized       Code = "unauthorized"
	CodeForbidden          Code = "forbidden"
	CodeNotFound           Code = "not_found"
	CodeConflict           Code = "conflict"
	CodeValidationFailed   Code = "validation_failed"
	CodeInternalError      Code = "internal_error"
	CodeRateLimited        Code = "rate_limited"
	CodeLimiterUnavailable Code = "rate_limiter_unavailable"
)

// Error represents a standardized API error.
type Error struct {
	// HTTP status code
	Status int `json:"-"`

	// Machine-readable error code
	Code Code `json:"error"`

	// Human-readable error message (optional)
	Message string `json:"message,omitempty"`

	// RetryAfter is the suggested retry delay in seconds for 429/503
	// responses. Zero means not applicable.
	RetryAfter int `json:"retry_after,omitempty"`

	// Scope names the limit dimension that denied the request
	// (user, tenant or ip). Only set on rate_limited errors.
	Scope string `json:"scope,omitempty"`

	// Details carries optional structured context (validation errors).
	Details any `json:"details,omitempty"`

	// Internal error (never exposed to the client)
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// WriteJSON writes the error as JSON to the response writer.
// A Retry-After header is attached when RetryAfter is set.
func (e *Error) WriteJSON(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	if e.RetryAfter > 0 {
		w.Header().Set("Retry-After", fmt.Sprintf("%d", e.RetryAfter))
	}
	w.WriteHeader(e.Status)
	_ = json.NewEncoder(w).Encode(e)
}

// Constructor functions

// New creates a new API error.
func New(status int, code Code, message string) *Error {
	return &Error{
		Status:  status,
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an existing error with API error context.
func Wrap(err error, status int, code Code, message string) *Error {
	return &Error{
		Status:  status,
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// WithDetails adds details to the error.
func (e *Error) WithDetails(details any) *Error {
	e.Details = details
	return e
}

// WithError adds an internal error.
func (e *Error) WithError(err error) *Error {
	e.Err = err
	return e
}

// BadRequest creates a 400 Bad Request error.
func BadRequest(message string) *Error {
	return New(http.StatusBadRequest, CodeBadRequest, message)
}

// Unauthorized creates a 401 Unauthorized error.
func Unauthorized(message string) *Error {
	if message == "" {
		message = "Authentication required"
	}
	return New(http.StatusUnauthorized, CodeUnauthorized, message)
}

// Forbidden creates a 403 Forbidden error.
func Forbidden(message string) *Error {
	if message == "" {
		message = "Access denied"
	}
	return New(http.StatusForbidden, CodeForbidden, message)
}

// NotFound creates a 404 Not Found error.
func NotFound(resource string) *Error {
	message := "Resource not found"
	if resource != "" {
		message = fmt.Sprintf("%s not found", resource)
	}
	return New(http.StatusNotFound, CodeNotFound, message)
}

// Conflict creates a 409 Conflict error.
func Conflict(message string) *Error {
	return New(http.StatusConflict, CodeConflict, message)
}

// ValidationFailed creates a 422 Unprocessable Entity error.
func ValidationFailed(message string, details any) *Error {
	return &Error{
		Status:  http.StatusUnprocessableEntity,
		Code:    CodeValidationFailed,
		Message: message,
		Details: details,
	}
}

// InternalError creates a 500 Internal Server Error. The wrapped error is
// kept for server-side logging only.
func InternalError(err error) *Error {
	return &Error{
		Status:  http.StatusInternalServerError,
		Code:    CodeInternalError,
		Message: "An internal error occurred",
		Err:     err,
	}
}

// RateLimited creates a 429 Too Many Requests error carrying the retry
// delay and the scope that denied the request.
func RateLimited(retryAfter int, scope string) *Error {
	if retryAfter < 1 {
		retryAfter = 1
	}
	return &Error{
		Status:     http.StatusTooManyRequests,
		Code:       CodeRateLimited,
		RetryAfter: retryAfter,
		Scope:      scope,
	}
}

// LimiterUnavailable creates a 503 error for the fail-closed path taken
// when the backing store cannot be reached.
func LimiterUnavailable(retryAfter int) *Error {
	if retryAfter < 1 {
		retryAfter = 1
	}
	return &Error{
		Status:     http.StatusServiceUnavailable,
		Code:       CodeLimiterUnavailable,
		RetryAfter: retryAfter,
	}
}

// Helper functions

// IsAPIError checks if an error is an API error.
func IsAPIError(err error) bool {
	var apiErr *Error
	return errors.As(err, &apiErr)
}

// FromError converts any error to an API error.
func FromError(err error) *Error {
	if err == nil {
		return nil
	}

	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr
	}

	return InternalError(err)
}
