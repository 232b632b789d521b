package schema

import "fmt"

// Error codes for structured error reporting.
const (
	ErrCodeValidation         = "VALIDATION_ERROR"
	ErrCodeCycleDetected      = "CYCLE_DETECTED"
	ErrCodeDanglingDependency = "DANGLING_DEPENDENCY"
	ErrCodeTemplate           = "TEMPLATE_ERROR"
	ErrCodeExecution          = "EXECUTION_ERROR"
	ErrCodeTimeout            = "TIMEOUT_ERROR"
	ErrCodeCancelled          = "CANCELLED"
	ErrCodeRetryExhausted     = "RETRY_EXHAUSTED"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeConflict           = "CONFLICT"
	ErrCodeInvalidTransition  = "INVALID_TRANSITION"
	ErrCodeRunnerUnavailable  = "RUNNER_UNAVAILABLE"
	ErrCodeCompensation       = "COMPENSATION_FAILED"
	ErrCodeStore              = "STORE_ERROR"
)

// Error is the structured error type for all engine operations.
type Error struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	StepID  string         `json:"step_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *Error) Error() string {
	if e.StepID != "" {
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.StepID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error.
func NewError(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// NewErrorf creates a new Error with a formatted message.
func NewErrorf(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStep attaches a step ID to the error.
func (e *Error) WithStep(stepID string) *Error {
	e.StepID = stepID
	return e
}

// WithCause attaches an underlying cause.
func (e *Error) WithCause(err error) *Error {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// IsRetryable reports whether the error code permits another attempt.
// Structural errors (validation, template resolution) and cancellation
// are never retried; collaborator failures and timeouts are.
func (e *Error) IsRetryable() bool {
	switch e.Code {
	case ErrCodeValidation, ErrCodeCycleDetected, ErrCodeDanglingDependency,
		ErrCodeTemplate, ErrCodeCancelled, ErrCodeNotFound, ErrCodeConflict,
		ErrCodeInvalidTransition, ErrCodeRunnerUnavailable, ErrCodeRetryExhausted:
		return false
	}
	return true
}
