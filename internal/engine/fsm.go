package engine

import (
	"slices"

	"github.com/rendis/procflow/pkg/schema"
)

// ExecutionTransitions defines the allowed status changes of an instance.
// Paused is accepted by the tables but no engine operation enters it yet.
var ExecutionTransitions = map[schema.ExecutionStatus][]schema.ExecutionStatus{
	schema.ExecutionPending:   {schema.ExecutionRunning, schema.ExecutionFailed, schema.ExecutionCancelled},
	schema.ExecutionRunning:   {schema.ExecutionCompleted, schema.ExecutionFailed, schema.ExecutionCancelled, schema.ExecutionPaused},
	schema.ExecutionPaused:    {schema.ExecutionRunning, schema.ExecutionFailed, schema.ExecutionCancelled},
	schema.ExecutionCompleted: {},
	schema.ExecutionFailed:    {},
	schema.ExecutionCancelled: {},
}

// StepTransitions defines the allowed status changes of a step. Finished
// steps may run again when a loop edge re-activates them.
var StepTransitions = map[schema.StepStatus][]schema.StepStatus{
	schema.StepPending: {schema.StepRunning, schema.StepSkipped, schema.StepCancelled},
	schema.StepRunning: {
		schema.StepCompleted, schema.StepPartial, schema.StepFailed,
		schema.StepWaitingApproval, schema.StepCancelled,
	},
	schema.StepWaitingApproval: {schema.StepCompleted, schema.StepFailed, schema.StepExpired, schema.StepCancelled},
	schema.StepCompleted:       {schema.StepRunning},
	schema.StepPartial:         {schema.StepRunning},
	schema.StepFailed:          {schema.StepRunning},
	schema.StepExpired:         {schema.StepRunning},
	schema.StepSkipped:         {schema.StepRunning},
	schema.StepCancelled:       {},
}

// CheckExecutionTransition returns an INVALID_TRANSITION error when an
// instance may not move from one status to the other.
func CheckExecutionTransition(executionID string, from, to schema.ExecutionStatus) error {
	if slices.Contains(ExecutionTransitions[from], to) {
		return nil
	}
	return schema.NewErrorf(schema.ErrCodeInvalidTransition,
		"invalid execution transition: %s -> %s", from, to).
		WithDetails(map[string]any{"execution_id": executionID, "from": string(from), "to": string(to)})
}

// CheckStepTransition returns an INVALID_TRANSITION error when a step may not
// move from one status to the other.
func CheckStepTransition(nodeID string, from, to schema.StepStatus) error {
	if slices.Contains(StepTransitions[from], to) {
		return nil
	}
	return schema.NewErrorf(schema.ErrCodeInvalidTransition,
		"invalid step transition: %s -> %s", from, to).
		WithNode(nodeID).
		WithDetails(map[string]any{"from": string(from), "to": string(to)})
}
