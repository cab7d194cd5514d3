package models

import (
	"fmt"
	"net/http"
)

// ErrorType represents the category of error
type ErrorType string

const (
	// ErrorTypeValidation represents validation errors (4xx)
	ErrorTypeValidation ErrorType = "validation"
	// ErrorTypeNotFound represents resource not found errors (404)
	ErrorTypeNotFound ErrorType = "not_found"
	// ErrorTypeInternal represents internal server errors (500)
	ErrorTypeInternal ErrorType = "internal"
	// ErrorTypeOverloaded represents admission-rejected errors (503)
	ErrorTypeOverloaded ErrorType = "overloaded"
	// ErrorTypeUpstreamFailure represents exhaustion of every upstream endpoint (502)
	ErrorTypeUpstreamFailure ErrorType = "upstream_failure"
	// ErrorTypeStoreFailure represents a persistent-store read or write failure
	ErrorTypeStoreFailure ErrorType = "store_failure"
)

// AppError represents a structured application error
type AppError struct {
	Type       ErrorType `json:"type"`
	Message    string    `json:"message"`
	Code       string    `json:"code,omitzero"`
	StatusCode int       `json:"-"`
	Retryable  bool      `json:"retryable"`
	Cause      error     `json:"-"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap allows error unwrapping
func (e *AppError) Unwrap() error {
	return e.Cause
}

// IsRetryable returns whether the error is retryable
func (e *AppError) IsRetryable() bool {
	return e.Retryable
}

// GetStatusCode returns the HTTP status code for the error
func (e *AppError) GetStatusCode() int {
	if e.StatusCode > 0 {
		return e.StatusCode
	}

	// Default status codes based on error type
	switch e.Type {
	case ErrorTypeValidation:
		return http.StatusBadRequest
	case ErrorTypeNotFound:
		return http.StatusNotFound
	case ErrorTypeOverloaded:
		return http.StatusServiceUnavailable
	case ErrorTypeUpstreamFailure:
		return http.StatusBadGateway
	case ErrorTypeStoreFailure:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// NewNotFoundError creates a not-found error.
func NewNotFoundError(message string) *AppError {
	return &AppError{
		Type:       ErrorTypeNotFound,
		Message:    message,
		StatusCode: http.StatusNotFound,
		Retryable:  false,
	}
}

// NewOverloadedError creates an admission-rejected error.
func NewOverloadedError(message string) *AppError {
	return &AppError{
		Type:       ErrorTypeOverloaded,
		Message:    message,
		Code:       "ADMISSION_REJECTED",
		StatusCode: http.StatusServiceUnavailable,
		Retryable:  true,
	}
}

// NewUpstreamFailureError creates an error for exhausted upstream endpoints.
func NewUpstreamFailureError(message string, cause error) *AppError {
	return &AppError{
		Type:       ErrorTypeUpstreamFailure,
		Message:    message,
		StatusCode: http.StatusBadGateway,
		Retryable:  false,
		Cause:      cause,
	}
}

// NewStoreFailureError creates an error for a persistent-store read or write failure.
func NewStoreFailureError(operation string, cause error) *AppError {
	return &AppError{
		Type:       ErrorTypeStoreFailure,
		Message:    fmt.Sprintf("store %s failed", operation),
		StatusCode: http.StatusInternalServerError,
		Retryable:  true,
		Cause:      cause,
	}
}

// NewValidationError creates a validation error
func NewValidationError(message string, cause error) *AppError {
	return &AppError{
		Type:       ErrorTypeValidation,
		Message:    message,
		StatusCode: http.StatusBadRequest,
		Retryable:  false,
		Cause:      cause,
	}
}

// NewInternalError creates an internal server error
func NewInternalError(message string, cause error) *AppError {
	return &AppError{
		Type:       ErrorTypeInternal,
		Message:    "internal server error",
		StatusCode: http.StatusInternalServerError,
		Retryable:  false,
		Cause:      cause,
	}
}

// SanitizeError sanitizes an error for external consumption
func SanitizeError(err error) *AppError {
	if appErr, ok := err.(*AppError); ok {
		// Return a copy without internal details
		return &AppError{
			Type:       appErr.Type,
			Message:    appErr.Message,
			Code:       appErr.Code,
			StatusCode: appErr.GetStatusCode(),
			Retryable:  appErr.Retryable,
			// Don't expose internal cause
		}
	}

	// For unknown errors, return a generic internal error
	return NewInternalError("an unexpected error occurred", err)
}
