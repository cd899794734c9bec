package engine

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of an error for recovery logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on resubmission.
	// Examples: network timeouts, a notifier endpoint that is briefly unavailable.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassConflict indicates a state conflict with another owner.
	// Examples: overlapping address ranges, an instance that is being destroyed.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent indicates a non-recoverable error for the request as submitted.
	// Examples: unsupported operation, handler failure, unknown instance.
	ErrorClassPermanent ErrorClass = "permanent"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Resource is the instance, network or range ID that caused the error, if applicable.
	Resource string `json:"resource,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := e.Message
	if e.Code != "" {
		msg = fmt.Sprintf("%s [%s]", msg, e.Code)
	}
	if e.Resource != "" && e.Operation != "" {
		msg = fmt.Sprintf("%s (resource=%s, operation=%s)", msg, e.Resource, e.Operation)
	} else if e.Resource != "" {
		msg = fmt.Sprintf("%s (resource=%s)", msg, e.Resource)
	}
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %s", e.Class, msg, e.Err.Error())
	}
	return fmt.Sprintf("[%s] %s", e.Class, msg)
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
// Two engine errors match when class and code are equal.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassTransient,
		Message: message,
		Err:     err,
	}
}

// NewConflictError creates a new conflict error.
func NewConflictError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassConflict,
		Message: message,
		Err:     err,
	}
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassPermanent,
		Message: message,
		Err:     err,
	}
}

// WithResource adds resource context to an error.
func (e *EngineError) WithResource(resourceID string) *EngineError {
	e.Resource = resourceID
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassTransient
	}
	return false
}

// IsConflict returns true if the error is classified as a conflict.
func IsConflict(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassConflict
	}
	return false
}

// IsPermanent returns true if the error is classified as permanent.
func IsPermanent(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassPermanent
	}
	return false
}

// CodeOf returns the code of the outermost EngineError in the chain, or "".
func CodeOf(err error) string {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// HasCode reports whether any EngineError in the chain carries code.
func HasCode(err error, code string) bool {
	for err != nil {
		var e *EngineError
		if !errors.As(err, &e) {
			return false
		}
		if e.Code == code {
			return true
		}
		err = e.Err
	}
	return false
}

// IsRejection returns true if the request was refused before any state was touched.
func IsRejection(err error) bool {
	switch CodeOf(err) {
	case ErrCodeRejected, ErrCodePolicyDenied, ErrCodeInstanceDestroying:
		return true
	}
	return false
}

// IsStageFailure returns true if the error was raised while executing a stage.
func IsStageFailure(err error) bool {
	switch CodeOf(err) {
	case ErrCodeStageFailed, ErrCodeHandlerNotFound, ErrCodeEmptyResult,
		ErrCodeCallbackTimeout, ErrCodeHandlerPanic:
		return true
	}
	return false
}

// IsResourceExhaustion returns true for address reservation failures.
func IsResourceExhaustion(err error) bool {
	return HasCode(err, ErrCodeInsufficientCapacity) ||
		HasCode(err, ErrCodeRangeConflict) ||
		HasCode(err, ErrCodeNotFound)
}

// Error codes.
const (
	ErrCodeValidation = "VALIDATION_ERROR"
	ErrCodeNotFound   = "NOT_FOUND"
	ErrCodeInternal   = "INTERNAL_ERROR"

	// Rejection
	ErrCodeRejected           = "REJECTED"
	ErrCodePolicyDenied       = "POLICY_DENIED"
	ErrCodeInstanceDestroying = "INSTANCE_DESTROYING"
	ErrCodeAlreadyExists      = "ALREADY_EXISTS"

	// StageFailure
	ErrCodeStageFailed     = "STAGE_FAILED"
	ErrCodeHandlerNotFound = "HANDLER_NOT_FOUND"
	ErrCodeEmptyResult     = "EMPTY_RESULT"
	ErrCodeCallbackTimeout = "CALLBACK_TIMEOUT"
	ErrCodeHandlerPanic    = "HANDLER_PANIC"

	// ResourceExhaustion
	ErrCodeInsufficientCapacity = "INSUFFICIENT_CAPACITY"
	ErrCodeRangeConflict        = "RANGE_CONFLICT"

	ErrCodeShutdown = "SHUTDOWN"
)
