// Package apperrors provides structured application errors with HTTP status mapping.
package apperrors

import (
	"errors"
	"fmt"
)

// Sentinel errors for classification via errors.Is().
var (
	ErrValidation = errors.New("validation error")
	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("conflict")
	ErrTransient  = errors.New("transient error")
	ErrTimeout    = errors.New("gave up waiting")
	ErrInternal   = errors.New("internal error")
)

// Error carries a sentinel for classification plus context for logs and responses.
type Error struct {
	Sentinel error
	Message  string
	Field    string // validation errors
	Resource string // not found / conflict
	Op       string
	Cause    error
}

func (e *Error) Error() string {
	return e.Message
}

// Unwrap exposes both the sentinel and the cause to errors.Is / errors.As.
func (e *Error) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Sentinel}
	}
	return []error{e.Sentinel, e.Cause}
}

// Validation creates a validation error for a specific field.
func Validation(field, message string) error {
	return &Error{
		Sentinel: ErrValidation,
		Message:  message,
		Field:    field,
	}
}

// NotFound creates a not found error for a resource.
func NotFound(resource, id string) error {
	return &Error{
		Sentinel: ErrNotFound,
		Message:  fmt.Sprintf("%s %s not found", resource, id),
		Resource: resource,
	}
}

// Conflict creates a conflict error for a resource.
func Conflict(resource, reason string) error {
	return &Error{
		Sentinel: ErrConflict,
		Message:  reason,
		Resource: resource,
	}
}

// Transient marks a retryable failure of an external call. No state was changed.
func Transient(op string, cause error) error {
	return &Error{
		Sentinel: ErrTransient,
		Message:  fmt.Sprintf("%s: temporarily unavailable: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}

// Timeout signals that a caller-side wait gave up while the work may still finish.
func Timeout(op string, attempts int) error {
	return &Error{
		Sentinel: ErrTimeout,
		Message:  fmt.Sprintf("%s: still pending after %d attempts", op, attempts),
		Op:       op,
	}
}

// Internal creates an internal error wrapping an underlying cause.
func Internal(op string, cause error) error {
	return &Error{
		Sentinel: ErrInternal,
		Message:  fmt.Sprintf("%s: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}
