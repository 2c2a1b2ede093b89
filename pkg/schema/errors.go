package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeInvalidRequest      = "INVALID_REQUEST"
	ErrCodePersistenceConflict = "PERSISTENCE_CONFLICT"
	ErrCodeNotFound            = "NOT_FOUND"
	ErrCodeInvalidTransition   = "INVALID_TRANSITION"
	ErrCodeStore               = "STORE_ERROR"
	ErrCodeValidation          = "VALIDATION_ERROR"
	ErrCodeExecution           = "EXECUTION_ERROR"

	// Interrupt registration rejection codes, surfaced to the issuing actor
	// so a UI can explain why a pause/abort had no effect.
	ErrCodePauseAllAlready      = "PAUSE_ALL_ALREADY"
	ErrCodeAbortAllAlready      = "ABORT_ALL_ALREADY"
	ErrCodeResumeAllAlready     = "RESUME_ALL_ALREADY"
	ErrCodePlanAlreadyFinished  = "PLAN_ALREADY_FINISHED"
	ErrCodeNodeInterruptAlready = "NODE_INTERRUPT_ALREADY"
)

// ConductError is the structured error type for all conduct operations.
type ConductError struct {
	Code            string         `json:"code"`
	Message         string         `json:"message"`
	Details         map[string]any `json:"details,omitempty"`
	NodeExecutionID string         `json:"node_execution_id,omitempty"`
	Cause           error          `json:"-"`
}

func (e *ConductError) Error() string {
	if e.NodeExecutionID != "" {
		return fmt.Sprintf("[%s] node %s: %s", e.Code, e.NodeExecutionID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *ConductError) Unwrap() error {
	return e.Cause
}

// NewError creates a new ConductError.
func NewError(code, message string) *ConductError {
	return &ConductError{Code: code, Message: message}
}

// NewErrorf creates a new ConductError with a formatted message.
func NewErrorf(code, format string, args ...any) *ConductError {
	return &ConductError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithNode attaches a node execution ID to the error.
func (e *ConductError) WithNode(nodeExecutionID string) *ConductError {
	e.NodeExecutionID = nodeExecutionID
	return e
}

// WithCause attaches an underlying cause.
func (e *ConductError) WithCause(err error) *ConductError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *ConductError) WithDetails(details map[string]any) *ConductError {
	e.Details = details
	return e
}

// IsCode reports whether err is a ConductError with the given code.
func IsCode(err error, code string) bool {
	var ce *ConductError
	if errors.As(err, &ce) {
		return ce.Code == code
	}
	return false
}

// IsInvalidRequest reports whether err belongs to the user-correctable
// InvalidRequest class (rejected registrations included).
func IsInvalidRequest(err error) bool {
	var ce *ConductError
	if !errors.As(err, &ce) {
		return false
	}
	switch ce.Code {
	case ErrCodeInvalidRequest, ErrCodeValidation, ErrCodeNotFound,
		ErrCodePauseAllAlready, ErrCodeAbortAllAlready,
		ErrCodeResumeAllAlready, ErrCodePlanAlreadyFinished,
		ErrCodeNodeInterruptAlready:
		return true
	}
	return false
}
