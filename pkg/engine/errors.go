// Package engine provides the core types and interfaces for the stackd
// orchestration engine. It plans, orders, starts, and supervises the
// services of a declared topology.
package engine

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of an error for retry and recovery logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on retry.
	// Examples: a probe target not yet accepting connections, runtime busy.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassConflict indicates a resource state conflict.
	// Examples: container name already in use, network already attached.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent indicates a non-recoverable error.
	// Examples: invalid topology, missing image, missing bind-mount source.
	ErrorClassPermanent ErrorClass = "permanent"
)

// LifecycleError represents a classified error with service context.
type LifecycleError struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Service is the service name that caused the error, if applicable.
	Service string `json:"service,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *LifecycleError) Error() string {
	if e.Service != "" && e.Operation != "" {
		return fmt.Sprintf("[%s] %s (service=%s, operation=%s): %s",
			e.Class, e.Message, e.Service, e.Operation, e.unwrapMessage())
	}
	if e.Service != "" {
		return fmt.Sprintf("[%s] %s (service=%s): %s",
			e.Class, e.Message, e.Service, e.unwrapMessage())
	}
	return fmt.Sprintf("[%s] %s: %s", e.Class, e.Message, e.unwrapMessage())
}

// Unwrap returns the underlying error for error chain inspection.
func (e *LifecycleError) Unwrap() error {
	return e.Err
}

func (e *LifecycleError) unwrapMessage() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return ""
}

// Is implements error equality checking for errors.Is.
func (e *LifecycleError) Is(target error) bool {
	t, ok := target.(*LifecycleError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *LifecycleError {
	return &LifecycleError{
		Class:   ErrorClassTransient,
		Message: message,
		Err:     err,
	}
}

// NewConflictError creates a new conflict error.
func NewConflictError(message string, err error) *LifecycleError {
	return &LifecycleError{
		Class:   ErrorClassConflict,
		Message: message,
		Err:     err,
	}
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *LifecycleError {
	return &LifecycleError{
		Class:   ErrorClassPermanent,
		Message: message,
		Err:     err,
	}
}

// WithService adds service context to an error.
func (e *LifecycleError) WithService(service string) *LifecycleError {
	e.Service = service
	return e
}

// WithOperation adds operation context to an error.
func (e *LifecycleError) WithOperation(operation string) *LifecycleError {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *LifecycleError) WithCode(code string) *LifecycleError {
	e.Code = code
	return e
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	var e *LifecycleError
	if errors.As(err, &e) {
		return e.Class == ErrorClassTransient
	}
	return false
}

// IsConflict returns true if the error is classified as a conflict.
func IsConflict(err error) bool {
	var e *LifecycleError
	if errors.As(err, &e) {
		return e.Class == ErrorClassConflict
	}
	return false
}

// IsPermanent returns true if the error is classified as permanent.
func IsPermanent(err error) bool {
	var e *LifecycleError
	if errors.As(err, &e) {
		return e.Class == ErrorClassPermanent
	}
	return false
}

// IsRetryable returns true if the error can be retried.
// Transient and conflict errors are retryable.
func IsRetryable(err error) bool {
	return IsTransient(err) || IsConflict(err)
}

// Common error codes.
const (
	ErrCodeValidation       = "VALIDATION_ERROR"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeAlreadyExists    = "ALREADY_EXISTS"
	ErrCodeTimeout          = "TIMEOUT"
	ErrCodeInternal         = "INTERNAL_ERROR"
	ErrCodeRuntimeFailed    = "RUNTIME_FAILED"
	ErrCodeProbeFailed      = "PROBE_FAILED"
	ErrCodeDependencyFailed = "DEPENDENCY_FAILED"
)
