package schema

import "time"

// EventType identifies an event submitted to the step advancer.
type EventType string

// Events accepted from collaborators.
const (
	EventStepCompleted   EventType = "step_completed"
	EventStepFailed      EventType = "step_failed"
	EventApprovalDecided EventType = "approval_decided"
	EventCancel          EventType = "cancel"
)

// Events raised by the engine itself through timers and handler results.
const (
	EventAttemptFailed    EventType = "attempt_failed"
	EventRetryDue         EventType = "retry_due"
	EventStepTimeout      EventType = "step_timeout"
	EventApprovalEscalate EventType = "approval_escalate"
	EventApprovalExpire   EventType = "approval_expire"
	EventParallelTimeout  EventType = "parallel_timeout"
)

// IsInternal reports whether the event type is engine-generated.
func (t EventType) IsInternal() bool {
	switch t {
	case EventStepCompleted, EventStepFailed, EventApprovalDecided, EventCancel:
		return false
	}
	return true
}

// Event drives one transition of an instance. Attempt is set by the engine on
// handler results and timers; zero means the current attempt.
type Event struct {
	Type       EventType  `json:"type"`
	NodeID     string     `json:"nodeId,omitempty"`
	Attempt    int        `json:"attempt,omitempty"`
	Output     any        `json:"output,omitempty"`
	Error      *StepError `json:"error,omitempty"`
	Usage      *Usage     `json:"usage,omitempty"`
	RequestID  string     `json:"requestId,omitempty"`
	ApproverID string     `json:"approverId,omitempty"`
	Decision   Decision   `json:"decision,omitempty"`
	Comment    string     `json:"comment,omitempty"`
	Reason     string     `json:"reason,omitempty"`
}

// StepCompletedEvent reports a successful step result.
func StepCompletedEvent(nodeID string, output any) Event {
	return Event{Type: EventStepCompleted, NodeID: nodeID, Output: output}
}

// StepFailedEvent reports a final step failure.
func StepFailedEvent(nodeID string, err *StepError) Event {
	return Event{Type: EventStepFailed, NodeID: nodeID, Error: err}
}

// ApprovalDecidedEvent records one approver decision.
func ApprovalDecidedEvent(nodeID, approverID string, decision Decision, comment string) Event {
	return Event{Type: EventApprovalDecided, NodeID: nodeID, ApproverID: approverID, Decision: decision, Comment: comment}
}

// CancelEvent cancels the instance.
func CancelEvent(reason string) Event {
	return Event{Type: EventCancel, Reason: reason}
}

// Transition types recorded in the event log and published to notification
// subscribers.
const (
	TransitionExecutionStarted   = "execution_started"
	TransitionExecutionCompleted = "execution_completed"
	TransitionExecutionFailed    = "execution_failed"
	TransitionExecutionCancelled = "execution_cancelled"
	TransitionStepStarted        = "step_started"
	TransitionStepCompleted      = "step_completed"
	TransitionStepFailed         = "step_failed"
	TransitionStepRetrying       = "step_retrying"
	TransitionStepWaiting        = "step_waiting_approval"
	TransitionStepExpired        = "step_expired"
	TransitionStepCancelled      = "step_cancelled"
	TransitionStepIgnored        = "step_ignored"
	TransitionApprovalDecision   = "approval_decision"
	TransitionApprovalEscalated  = "approval_escalated"
	TransitionJoinClosed         = "join_closed"
	TransitionVariablesUpdated   = "variables_updated"
	TransitionStaleEvent         = "stale_event"
)

// Transition is one observable change of an instance.
type Transition struct {
	ExecutionID string         `json:"executionId"`
	WorkflowID  string         `json:"workflowId"`
	NodeID      string         `json:"nodeId,omitempty"`
	Type        string         `json:"type"`
	Data        map[string]any `json:"data,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
	Sequence    int64          `json:"sequence,omitempty"`
}
