package schema

import "fmt"

// Error codes for structured error reporting.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeCycleDetected     = "CYCLE_DETECTED"
	ErrCodeExecution         = "EXECUTION_ERROR"
	ErrCodeTimeout           = "TIMEOUT_ERROR"
	ErrCodeHITLRejected      = "HITL_REJECTED"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeVersionConflict   = "VERSION_CONFLICT"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodeRetryExhausted    = "RETRY_EXHAUSTED"
	ErrCodeStore             = "STORE_ERROR"
	ErrCodeInternal          = "INTERNAL_ERROR"
)

// Error is the structured error type for all maestro operations.
type Error struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	TaskID  string         `json:"task_id,omitempty"`
	Details map[string]any `json:"details,omitempty"`
	Cause   error          `json:"-"`
}

func (e *Error) Error() string {
	if e.TaskID != "" {
		return fmt.Sprintf("[%s] task %s: %s", e.Code, e.TaskID, e.Message)
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

// WithTask attaches a task ID to the error.
func (e *Error) WithTask(taskID string) *Error {
	e.TaskID = taskID
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

// IsRetryable reports whether the code classifies as retryable. Timeouts and
// plain execution errors retry; everything that indicates a bad request, a
// human rejection, or exhausted attempts does not.
func (e *Error) IsRetryable() bool {
	switch e.Code {
	case ErrCodeValidation, ErrCodeCycleDetected, ErrCodeHITLRejected,
		ErrCodeInvalidTransition, ErrCodeVersionConflict, ErrCodeNotFound,
		ErrCodeConflict, ErrCodeCancelled, ErrCodeRetryExhausted, ErrCodeInternal:
		return false
	}
	return true
}
