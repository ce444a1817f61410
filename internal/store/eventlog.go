package store

import (
	"context"
	"fmt"

	"github.com/rendis/procflow/pkg/schema"
)

// EventLog provides replay over the transitions a Store has recorded.
type EventLog struct {
	store Store
}

// NewEventLog wraps a Store to provide event-log replay.
func NewEventLog(s Store) *EventLog {
	return &EventLog{store: s}
}

// Transitions returns every transition of an execution in sequence order.
func (el *EventLog) Transitions(ctx context.Context, executionID string) ([]*schema.Transition, error) {
	return el.store.GetTransitions(ctx, executionID, 0)
}

// RecoverSnapshot rebuilds the read model of an execution from its event log
// alone. It is used when a snapshot row is lost or must be audited against
// history.
func (el *EventLog) RecoverSnapshot(ctx context.Context, executionID string) (*schema.Snapshot, error) {
	events, err := el.store.GetTransitions(ctx, executionID, 0)
	if err != nil {
		return nil, fmt.Errorf("get transitions for replay: %w", err)
	}
	if len(events) == 0 {
		return nil, storeNotFound("execution history", executionID)
	}
	inst, err := Replay(events)
	if err != nil {
		return nil, err
	}
	return schema.SnapshotOf(inst, events[len(events)-1].Timestamp), nil
}

// Replay folds transitions into an instance carrying status, variables,
// step states, execution path and terminal error. Join records and loop
// counters are engine bookkeeping and are not reconstructed.
// Returns an error if sequence gaps are detected.
func Replay(events []*schema.Transition) (*schema.ExecutionInstance, error) {
	if len(events) == 0 {
		return nil, schema.NewError(schema.ErrCodeStore, "no transitions to replay")
	}

	for i, e := range events {
		expected := int64(i + 1)
		if e.Sequence != expected {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in execution %s: expected %d, got %d", e.ExecutionID, expected, e.Sequence)
		}
	}

	first := events[0]
	inst := schema.NewExecutionInstance(first.ExecutionID, first.WorkflowID, 0, nil, first.Timestamp)

	for _, e := range events {
		ts := e.Timestamp
		step := func() *schema.StepState {
			ss, ok := inst.StepStates[e.NodeID]
			if !ok {
				ss = &schema.StepState{NodeID: e.NodeID, Status: schema.StepPending}
				inst.StepStates[e.NodeID] = ss
			}
			return ss
		}

		switch e.Type {
		case schema.TransitionExecutionStarted:
			inst.Status = schema.ExecutionRunning
			inst.StartedAt = &ts
			inst.WorkflowVersion = intOf(e.Data["workflow_version"])
			if vars, ok := e.Data["variables"].(map[string]any); ok {
				inst.Variables = vars
			}

		case schema.TransitionVariablesUpdated:
			if updates, ok := e.Data["updates"].(map[string]any); ok {
				for k, v := range updates {
					inst.Variables[k] = v
				}
			}

		case schema.TransitionStepStarted:
			ss := step()
			ss.Status = schema.StepRunning
			ss.Kind = schema.NodeKind(strOf(e.Data["kind"]))
			ss.Attempt = intOf(e.Data["attempt"])
			ss.Input = e.Data["input"]
			ss.Error = nil
			ss.CompletedAt = nil
			if ss.StartedAt == nil || ss.Attempt <= 1 {
				ss.StartedAt = &ts
			}

		case schema.TransitionStepWaiting:
			ss := step()
			ss.Status = schema.StepWaitingApproval
			ss.RequestID = strOf(e.Data["request_id"])

		case schema.TransitionStepRetrying:
			ss := step()
			ss.RetryCount = intOf(e.Data["retry_count"])
			ss.Error = stepErrorOf(e.Data)

		case schema.TransitionStepCompleted:
			ss := step()
			ss.Status = schema.StepCompleted
			if st := strOf(e.Data["status"]); st != "" {
				ss.Status = schema.StepStatus(st)
			}
			ss.Output = e.Data["output"]
			ss.CompletedAt = &ts
			inst.ExecutionPath = append(inst.ExecutionPath, schema.PathEntry{NodeID: e.NodeID, Status: ss.Status, Timestamp: ts})

		case schema.TransitionStepFailed:
			ss := step()
			ss.Status = schema.StepFailed
			ss.Error = stepErrorOf(e.Data)
			ss.RetryCount = max(ss.RetryCount, intOf(e.Data["retry_count"]))
			ss.CompletedAt = &ts
			inst.ExecutionPath = append(inst.ExecutionPath, schema.PathEntry{NodeID: e.NodeID, Status: ss.Status, Timestamp: ts})

		case schema.TransitionStepExpired:
			ss := step()
			ss.Status = schema.StepExpired
			ss.CompletedAt = &ts
			inst.ExecutionPath = append(inst.ExecutionPath, schema.PathEntry{NodeID: e.NodeID, Status: ss.Status, Timestamp: ts})

		case schema.TransitionStepCancelled:
			ss := step()
			ss.Status = schema.StepCancelled
			ss.CompletedAt = &ts

		case schema.TransitionStepIgnored:
			step().Ignored = true

		case schema.TransitionExecutionCompleted:
			inst.Status = schema.ExecutionCompleted
			inst.CompletedAt = &ts

		case schema.TransitionExecutionFailed:
			inst.Status = schema.ExecutionFailed
			inst.CompletedAt = &ts
			inst.Error = &schema.InstanceError{
				NodeID:     strOf(e.Data["node_id"]),
				Code:       strOf(e.Data["code"]),
				Message:    strOf(e.Data["message"]),
				RetryCount: intOf(e.Data["retry_count"]),
			}

		case schema.TransitionExecutionCancelled:
			inst.Status = schema.ExecutionCancelled
			inst.CancelReason = strOf(e.Data["reason"])
			inst.CancelledAt = &ts
		}
	}

	return inst, nil
}

func stepErrorOf(data map[string]any) *schema.StepError {
	code := strOf(data["code"])
	if code == "" {
		return nil
	}
	return &schema.StepError{Code: code, Message: strOf(data["message"])}
}

func strOf(v any) string {
	s, _ := v.(string)
	return s
}

// intOf accepts the numeric shapes a transition carries before and after a
// JSON round trip.
func intOf(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}
