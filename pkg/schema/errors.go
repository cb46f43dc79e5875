package schema

import "fmt"

// Error codes for structured error reporting.
//
// The first block is the failure taxonomy used by the recovery manager to
// select a strategy. The second block covers build-time and infrastructure
// failures that never reach the recovery manager.
const (
	ErrCodeTimeout         = "TIMEOUT_ERROR"
	ErrCodeTransient       = "TRANSIENT_ERROR"
	ErrCodeDataUnavailable = "DATA_UNAVAILABLE"
	ErrCodeValidation      = "VALIDATION_FAILURE"
	ErrCodeExternalService = "EXTERNAL_SERVICE_ERROR"
	ErrCodeCompensation    = "COMPENSATION_ERROR"
	ErrCodeUnknown         = "UNKNOWN_ERROR"

	ErrCodeBuild             = "BUILD_ERROR"
	ErrCodeCycleDetected     = "CYCLE_DETECTED"
	ErrCodeInterpolation     = "INTERPOLATION_ERROR"
	ErrCodeExecution         = "EXECUTION_ERROR"
	ErrCodeToolUnavailable   = "TOOL_UNAVAILABLE"
	ErrCodeRetryExhausted    = "RETRY_EXHAUSTED"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeStore             = "STORE_ERROR"
)

// EngineError is the structured error type for all engine operations.
type EngineError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	StepID  string         `json:"step_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *EngineError) Error() string {
	if e.StepID != "" {
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.StepID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *EngineError) Unwrap() error {
	return e.Cause
}

// NewError creates a new EngineError.
func NewError(code, message string) *EngineError {
	return &EngineError{Code: code, Message: message}
}

// NewErrorf creates a new EngineError with a formatted message.
func NewErrorf(code, format string, args ...any) *EngineError {
	return &EngineError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStep attaches a step ID to the error.
func (e *EngineError) WithStep(stepID string) *EngineError {
	e.StepID = stepID
	return e
}

// WithCause attaches an underlying cause.
func (e *EngineError) WithCause(err error) *EngineError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *EngineError) WithDetails(details map[string]any) *EngineError {
	e.Details = details
	return e
}
