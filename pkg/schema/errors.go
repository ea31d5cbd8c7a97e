package schema

import "fmt"

// Error codes for structured error reporting.
const (
	ErrCodeValidation       = "VALIDATION_ERROR"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeConflict         = "CONFLICT"
	ErrCodePermissionDenied = "PERMISSION_DENIED"
	ErrCodeExecution        = "EXECUTION_ERROR"
	ErrCodeInterpolation    = "INTERPOLATION_ERROR"
	ErrCodeLeaseRejected    = "LEASE_REJECTED"
	ErrCodeStore            = "STORE_ERROR"
	ErrCodeVault            = "VAULT_ERROR"
)

// FlowError is the structured error type for all flowline operations.
type FlowError struct {
	Code     string         `json:"code"`
	Message  string         `json:"message"`
	Details  map[string]any `json:"details,omitempty"`
	StepPath string         `json:"step_path,omitempty"`
	Cause    error          `json:"-"`
}

func (e *FlowError) Error() string {
	if e.StepPath != "" {
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.StepPath, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *FlowError) Unwrap() error {
	return e.Cause
}

// NewError creates a new FlowError.
func NewError(code, message string) *FlowError {
	return &FlowError{Code: code, Message: message}
}

// NewErrorf creates a new FlowError with a formatted message.
func NewErrorf(code, format string, args ...any) *FlowError {
	return &FlowError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// AsFlowError coerces any error into a FlowError, wrapping foreign errors
// as execution errors so callers can rely on a code being present.
func AsFlowError(err error) *FlowError {
	if err == nil {
		return nil
	}
	if fe, ok := err.(*FlowError); ok {
		return fe
	}
	return NewError(ErrCodeExecution, err.Error()).WithCause(err)
}

// WithStepPath attaches the dotted step path to the error.
func (e *FlowError) WithStepPath(path string) *FlowError {
	e.StepPath = path
	return e
}

// WithCause attaches an underlying cause.
func (e *FlowError) WithCause(err error) *FlowError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *FlowError) WithDetails(details map[string]any) *FlowError {
	e.Details = details
	return e
}
