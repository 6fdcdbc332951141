// Package domain provides the shared types and canonical error types for corrtrace.
package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorType represents the category of an API error.
type ErrorType string

const (
	// ErrorTypeInvalidRequest indicates a malformed or invalid request.
	ErrorTypeInvalidRequest ErrorType = "invalid_request"

	// ErrorTypeNotFound indicates a resource was not found.
	ErrorTypeNotFound ErrorType = "not_found"

	// ErrorTypeUnavailable indicates the log store cannot be reached or is degraded.
	ErrorTypeUnavailable ErrorType = "unavailable"

	// ErrorTypeServer indicates an internal server error.
	ErrorTypeServer ErrorType = "server"
)

// APIError is the error shape returned to HTTP callers.
type APIError struct {
	// Type is the category of error
	Type ErrorType `json:"type"`

	// Message is the human-readable error message
	Message string `json:"message"`

	// Param is the parameter that caused the error (if applicable)
	Param string `json:"param,omitempty"`

	// StatusCode is the suggested HTTP status code
	StatusCode int `json:"-"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Param != "" {
		return fmt.Sprintf("%s (%s): %s", e.Type, e.Param, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// HTTPStatusCode returns the appropriate HTTP status code for this error.
func (e *APIError) HTTPStatusCode() int {
	if e.StatusCode != 0 {
		return e.StatusCode
	}

	switch e.Type {
	case ErrorTypeInvalidRequest:
		return http.StatusBadRequest
	case ErrorTypeNotFound:
		return http.StatusNotFound
	case ErrorTypeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// NewAPIError creates a new API error.
func NewAPIError(errType ErrorType, message string) *APIError {
	return &APIError{
		Type:    errType,
		Message: message,
	}
}

// WithParam adds a parameter name to the error.
func (e *APIError) WithParam(param string) *APIError {
	e.Param = param
	return e
}

// WithStatusCode sets a specific HTTP status code.
func (e *APIError) WithStatusCode(code int) *APIError {
	e.StatusCode = code
	return e
}

// InvalidFilterError rejects a filter specification before any store call.
type InvalidFilterError struct {
	Param   string
	Message string
}

func (e *InvalidFilterError) Error() string {
	if e.Param == "" {
		return "invalid filter: " + e.Message
	}
	return fmt.Sprintf("invalid filter %s: %s", e.Param, e.Message)
}

// ErrInvalidFilter creates an InvalidFilterError for the given parameter.
func ErrInvalidFilter(param, format string, args ...any) *InvalidFilterError {
	return &InvalidFilterError{Param: param, Message: fmt.Sprintf(format, args...)}
}

// StoreErrorKind classifies failures of the log store.
type StoreErrorKind string

const (
	StoreErrorConnectivity StoreErrorKind = "connectivity"
	StoreErrorTimeout      StoreErrorKind = "timeout"
	StoreErrorAuth         StoreErrorKind = "auth"
	StoreErrorMalformed    StoreErrorKind = "malformed"
	StoreErrorNotFound     StoreErrorKind = "not_found"
	StoreErrorUnavailable  StoreErrorKind = "unavailable"
)

// StoreError is a failure reported by, or while reaching, the log store.
// Message carries internal detail and is logged, never returned verbatim.
type StoreError struct {
	Kind    StoreErrorKind
	Message string
	Status  int
	Err     error
}

func (e *StoreError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("store %s (status %d): %s", e.Kind, e.Status, e.Message)
	}
	return fmt.Sprintf("store %s: %s", e.Kind, e.Message)
}

func (e *StoreError) Unwrap() error { return e.Err }

// Retryable reports whether the failure is transient.
func (e *StoreError) Retryable() bool {
	switch e.Kind {
	case StoreErrorConnectivity, StoreErrorTimeout, StoreErrorUnavailable:
		return true
	default:
		return false
	}
}

// ToAPIError converts any error into the caller-facing error shape.
// Store failures are reduced to a short description.
func ToAPIError(err error) *APIError {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}

	var filterErr *InvalidFilterError
	if errors.As(err, &filterErr) {
		return NewAPIError(ErrorTypeInvalidRequest, filterErr.Message).WithParam(filterErr.Param)
	}

	var storeErr *StoreError
	if errors.As(err, &storeErr) {
		switch storeErr.Kind {
		case StoreErrorConnectivity, StoreErrorUnavailable:
			return NewAPIError(ErrorTypeUnavailable, "log store unavailable")
		case StoreErrorTimeout:
			return NewAPIError(ErrorTypeUnavailable, "log store query timed out")
		case StoreErrorNotFound:
			return NewAPIError(ErrorTypeServer, "log index not found")
		default:
			return NewAPIError(ErrorTypeServer, "log store query failed")
		}
	}

	return NewAPIError(ErrorTypeServer, "internal server error")
}
