package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation           = "VALIDATION_ERROR"
	ErrCodeStepExecution        = "STEP_EXECUTION_ERROR"
	ErrCodeApprovalExpired      = "APPROVAL_EXPIRED"
	ErrCodeApprovalUnauthorized = "APPROVAL_UNAUTHORIZED"
	ErrCodeApprovalDecided      = "APPROVAL_ALREADY_DECIDED"
	ErrCodeConditionEvaluation  = "CONDITION_EVALUATION_ERROR"
	ErrCodeStaleEvent           = "STALE_EVENT"
	ErrCodeCancelled            = "CANCELLED"
	ErrCodeNotFound             = "NOT_FOUND"
	ErrCodeConflict             = "CONFLICT"
	ErrCodeInvalidTransition    = "INVALID_TRANSITION"
	ErrCodeStore                = "STORE_ERROR"
	ErrCodeLoopLimit            = "LOOP_LIMIT_EXCEEDED"
	ErrCodeTimeout              = "TIMEOUT"
	ErrCodeHandlerUnavailable   = "HANDLER_UNAVAILABLE"
	ErrCodeCircuitOpen          = "CIRCUIT_OPEN"
)

// FlowError is the structured error type returned by every engine operation.
type FlowError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	NodeID  string         `json:"node_id,omitempty"`
	Details map[string]any `json:"details,omitempty"`
	Cause   error          `json:"-"`
}

func (e *FlowError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("[%s] node %s: %s", e.Code, e.NodeID, e.Message)
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

// WithNode attaches a node ID to the error.
func (e *FlowError) WithNode(nodeID string) *FlowError {
	e.NodeID = nodeID
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

// IsRetryable reports whether a step failure with this code may be retried.
func (e *FlowError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeValidation, ErrCodeConditionEvaluation, ErrCodeCancelled,
		ErrCodeApprovalExpired, ErrCodeApprovalUnauthorized, ErrCodeApprovalDecided,
		ErrCodeNotFound, ErrCodeLoopLimit, ErrCodeHandlerUnavailable:
		return false
	}
	return true
}

// AsFlowError extracts a *FlowError from err's chain.
func AsFlowError(err error) (*FlowError, bool) {
	var fe *FlowError
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}

// IsCode reports whether err carries a FlowError with the given code.
func IsCode(err error, code string) bool {
	fe, ok := AsFlowError(err)
	return ok && fe.Code == code
}

// StepErrorFrom converts any error into the StepError recorded on a StepState.
func StepErrorFrom(err error) *StepError {
	if err == nil {
		return nil
	}
	if fe, ok := AsFlowError(err); ok {
		return &StepError{Code: fe.Code, Message: fe.Message, Retryable: fe.IsRetryable()}
	}
	return &StepError{Code: ErrCodeStepExecution, Message: err.Error(), Retryable: true}
}
