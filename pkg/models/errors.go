package models

import (
	"errors"
	"fmt"
	"time"
)

// ErrorClass represents the classification of a model or storage error.
type ErrorClass string

const (
	// ErrorClassValidation indicates a value or transition that violates a model invariant.
	ErrorClassValidation ErrorClass = "validation"

	// ErrorClassNotFound indicates a lookup for a missing entity.
	ErrorClassNotFound ErrorClass = "not_found"

	// ErrorClassConflict indicates a concurrent modification, such as a lost
	// compare-and-set on a task status.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassInternal indicates an unexpected failure.
	ErrorClassInternal ErrorClass = "internal"
)

// Common error codes.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeIllegalTransition = "ILLEGAL_TRANSITION"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeAlreadyExists     = "ALREADY_EXISTS"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeInternal          = "INTERNAL_ERROR"
	ErrCodeUnknownPlugin     = "UNKNOWN_PLUGIN"
)

// Sentinel errors usable with errors.Is.
var (
	// ErrIllegalTransition matches any rejected status transition.
	ErrIllegalTransition = &Error{Class: ErrorClassValidation, Code: ErrCodeIllegalTransition}

	// ErrNotFound matches any missing-entity error.
	ErrNotFound = &Error{Class: ErrorClassNotFound, Code: ErrCodeNotFound}

	// ErrConflict matches any lost status compare-and-set.
	ErrConflict = &Error{Class: ErrorClassConflict, Code: ErrCodeConflict}
)

// Error represents a classified error with context.
type Error struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Resource is the entity id that caused the error, if applicable.
	Resource string `json:"resource,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Class, e.Message)
	if e.Resource != "" {
		msg += fmt.Sprintf(" (resource=%s)", e.Resource)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches errors with the same class and code. A target without a code
// matches on class alone.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Code == "" {
		return e.Class == t.Class
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewValidationError creates a new validation error.
func NewValidationError(message string, err error) *Error {
	return &Error{Class: ErrorClassValidation, Code: ErrCodeValidation, Message: message, Err: err}
}

// NewNotFoundError creates a new not-found error for the given entity kind and key.
func NewNotFoundError(kind, key string) *Error {
	return &Error{
		Class:    ErrorClassNotFound,
		Code:     ErrCodeNotFound,
		Message:  fmt.Sprintf("%s not found", kind),
		Resource: key,
	}
}

// NewConflictError creates a new conflict error.
func NewConflictError(message string, err error) *Error {
	return &Error{Class: ErrorClassConflict, Code: ErrCodeConflict, Message: message, Err: err}
}

// NewInternalError creates a new internal error.
func NewInternalError(message string, err error) *Error {
	return &Error{Class: ErrorClassInternal, Code: ErrCodeInternal, Message: message, Err: err}
}

// WithResource adds resource context to an error.
func (e *Error) WithResource(id string) *Error {
	e.Resource = id
	return e
}

// WithOperation adds operation context to an error.
func (e *Error) WithOperation(operation string) *Error {
	e.Operation = operation
	return e
}

// WithCode sets the error code.
func (e *Error) WithCode(code string) *Error {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

func illegalTransition(kind string, from, to string) *Error {
	return &Error{
		Class:   ErrorClassValidation,
		Code:    ErrCodeIllegalTransition,
		Message: fmt.Sprintf("cannot change %s status from %s to %s", kind, from, to),
	}
}

// IsValidation returns true if the error is classified as a validation error.
func IsValidation(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Class == ErrorClassValidation
}

// IsNotFound returns true if the error is classified as not found.
func IsNotFound(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Class == ErrorClassNotFound
}

// IsConflict returns true if the error is classified as a conflict.
func IsConflict(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Class == ErrorClassConflict
}

// TaskAbortError is returned by operation code to fail its task immediately,
// without consuming or consulting the retry budget.
type TaskAbortError struct {
	Message string
}

// AbortTask returns an error that fails the running task with no further retries.
func AbortTask(format string, args ...interface{}) *TaskAbortError {
	return &TaskAbortError{Message: fmt.Sprintf(format, args...)}
}

func (e *TaskAbortError) Error() string {
	return "task aborted: " + e.Message
}

// TaskRetryError is returned by operation code to request another attempt
// regardless of the remaining retry budget.
type TaskRetryError struct {
	Message string

	// Interval overrides the task's retry interval when non-negative.
	Interval time.Duration
}

// RetryTask returns an error requesting a retry after interval. A negative
// interval keeps the task's own retry interval.
func RetryTask(message string, interval time.Duration) *TaskRetryError {
	return &TaskRetryError{Message: message, Interval: interval}
}

func (e *TaskRetryError) Error() string {
	return "task retry requested: " + e.Message
}

// RemoteError stands in for an error raised in another process. Only the
// type name, message and stack survive the trip.
type RemoteError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

func (e *RemoteError) Error() string {
	if e.Type == "" {
		return e.Message
	}
	return e.Type + ": " + e.Message
}
