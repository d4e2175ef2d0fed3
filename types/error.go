package types

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unified error code across the orchestration core.
type ErrorCode string

// Workflow structure error codes
const (
	ErrCycleDetected         ErrorCode = "CYCLE_DETECTED"
	ErrDependencyUnsatisfied ErrorCode = "DEPENDENCY_UNSATISFIED"
	ErrDefinitionInvalid     ErrorCode = "DEFINITION_INVALID"
)

// Dispatch error codes
const (
	ErrNoAvailableAgent    ErrorCode = "NO_AVAILABLE_AGENT"
	ErrCircuitOpen         ErrorCode = "CIRCUIT_OPEN"
	ErrStepTimeout         ErrorCode = "STEP_TIMEOUT"
	ErrWorkerError         ErrorCode = "WORKER_ERROR"
	ErrMaxAttemptsExceeded ErrorCode = "MAX_ATTEMPTS_EXCEEDED"
)

// Runtime error codes
const (
	ErrAdaptationConflict ErrorCode = "ADAPTATION_CONFLICT"
	ErrInstanceNotFound   ErrorCode = "INSTANCE_NOT_FOUND"
	ErrInstanceCancelled  ErrorCode = "INSTANCE_CANCELLED"
	ErrPoolNotFound       ErrorCode = "POOL_NOT_FOUND"
)

// Error represents a structured error with code, message, and metadata.
// Callers branch on Code rather than matching message strings.
type Error struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	StepID    string    `json:"step_id,omitempty"`
	Retryable bool      `json:"retryable"`
	Cause     error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithStep tags the error with the originating step ID.
func (e *Error) WithStep(stepID string) *Error {
	e.StepID = stepID
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error, unwrapping as needed.
func GetErrorCode(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// GetStepID extracts the originating step ID from an error, if tagged.
func GetStepID(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.StepID
	}
	return ""
}
