package schema

import (
	"encoding/json"
	"time"
)

// ExecutionStatus represents the lifecycle state of an execution instance.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
	ExecutionPaused    ExecutionStatus = "paused"
)

// IsTerminal reports whether no further events can change the instance.
func (s ExecutionStatus) IsTerminal() bool {
	return s == ExecutionCompleted || s == ExecutionFailed || s == ExecutionCancelled
}

// StepStatus represents the state of one node within an instance.
type StepStatus string

const (
	StepPending         StepStatus = "pending"
	StepRunning         StepStatus = "running"
	StepCompleted       StepStatus = "completed"
	StepFailed          StepStatus = "failed"
	StepSkipped         StepStatus = "skipped"
	StepCancelled       StepStatus = "cancelled"
	StepWaitingApproval StepStatus = "waiting_approval"
	StepExpired         StepStatus = "expired"
	StepPartial         StepStatus = "partial"
)

// IsLive reports whether the step still holds a token of control.
func (s StepStatus) IsLive() bool {
	return s == StepPending || s == StepRunning || s == StepWaitingApproval
}

// IsActive reports whether the step has started and not yet finished. A
// pending step has been created but never ran.
func (s StepStatus) IsActive() bool {
	return s == StepRunning || s == StepWaitingApproval
}

// IsTerminal reports whether the step reached a final state.
func (s StepStatus) IsTerminal() bool {
	return !s.IsLive()
}

// StepError is the failure recorded on a step or instance.
type StepError struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Retryable bool           `json:"retryable,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// Error implements error so a StepError submitted by a collaborator can flow
// through the same paths as engine errors.
func (e *StepError) Error() string {
	return "[" + e.Code + "] " + e.Message
}

// Usage is the AI token and cost accounting of a step.
type Usage struct {
	Tokens int     `json:"tokens"`
	Cost   float64 `json:"cost"`
}

// BranchRef identifies one branch of one parallel node.
type BranchRef struct {
	ParallelNodeID string `json:"parallelNodeId"`
	BranchID       string `json:"branchId"`
}

// StepState is the per-node runtime record inside an instance.
type StepState struct {
	NodeID      string      `json:"nodeId"`
	Kind        NodeKind    `json:"kind"`
	Status      StepStatus  `json:"status"`
	Attempt     int         `json:"attempt"`
	RetryCount  int         `json:"retryCount"`
	Scope       []BranchRef `json:"scope,omitempty"`
	Input       any         `json:"input,omitempty"`
	Output      any         `json:"output,omitempty"`
	Error       *StepError  `json:"error,omitempty"`
	Usage       *Usage      `json:"usage,omitempty"`
	Ignored     bool        `json:"ignored,omitempty"`
	RequestID   string      `json:"requestId,omitempty"`
	TaskID      string      `json:"taskId,omitempty"`
	RetryAt     *time.Time  `json:"retryAt,omitempty"`
	StartedAt   *time.Time  `json:"startedAt,omitempty"`
	CompletedAt *time.Time  `json:"completedAt,omitempty"`
}

// InScope reports whether the step runs inside the given branch, directly or
// through a nested parallel.
func (s *StepState) InScope(ref BranchRef) bool {
	for _, r := range s.Scope {
		if r == ref {
			return true
		}
	}
	return false
}

// Innermost returns the branch the step belongs to, or false at top scope.
func (s *StepState) Innermost() (BranchRef, bool) {
	if len(s.Scope) == 0 {
		return BranchRef{}, false
	}
	return s.Scope[len(s.Scope)-1], true
}

// BranchStatus is the state of one branch inside a join record.
type BranchStatus string

const (
	BranchQueued    BranchStatus = "queued"
	BranchRunning   BranchStatus = "running"
	BranchCompleted BranchStatus = "completed"
	BranchFailed    BranchStatus = "failed"
	BranchSkipped   BranchStatus = "skipped"
)

// BranchState tracks one branch of a parallel activation.
type BranchState struct {
	ID           string       `json:"id"`
	TargetNodeID string       `json:"targetNodeId"`
	Status       BranchStatus `json:"status"`
	Error        *StepError   `json:"error,omitempty"`
	// ReachedEnd is the end node the branch finished at, if any.
	ReachedEnd string `json:"reachedEnd,omitempty"`
}

// JoinState is the join record of one parallel activation.
type JoinState struct {
	ParallelNodeID string         `json:"parallelNodeId"`
	JoinNodeID     string         `json:"joinNodeId,omitempty"`
	Scope          []BranchRef    `json:"scope,omitempty"`
	ExecutionMode  ExecutionMode  `json:"executionMode"`
	FailureMode    FailureMode    `json:"failureMode"`
	MaxConcurrency int            `json:"maxConcurrency,omitempty"`
	Branches       []*BranchState `json:"branches"`
	Closed         bool           `json:"closed"`
	Outcome        StepStatus     `json:"outcome,omitempty"`
	Winner         string         `json:"winner,omitempty"`
}

// Branch returns the branch record with the given id, or nil.
func (j *JoinState) Branch(id string) *BranchState {
	for _, b := range j.Branches {
		if b.ID == id {
			return b
		}
	}
	return nil
}

// Count returns how many branches are in the given status.
func (j *JoinState) Count(status BranchStatus) int {
	n := 0
	for _, b := range j.Branches {
		if b.Status == status {
			n++
		}
	}
	return n
}

// PathEntry records one step outcome in the order it happened.
type PathEntry struct {
	NodeID    string     `json:"nodeId"`
	Status    StepStatus `json:"status"`
	Timestamp time.Time  `json:"timestamp"`
}

// InstanceError is the terminal failure of an instance.
type InstanceError struct {
	NodeID     string `json:"nodeId"`
	Code       string `json:"code"`
	Message    string `json:"message"`
	RetryCount int    `json:"retryCount"`
}

// ExecutionInstance is the mutable runtime record of one run of a graph.
// Only the step advancer mutates it, always under the instance lock.
type ExecutionInstance struct {
	ID              string                `json:"id"`
	WorkflowID      string                `json:"workflowId"`
	WorkflowVersion int                   `json:"workflowVersion"`
	Status          ExecutionStatus       `json:"status"`
	Variables       map[string]any        `json:"variables"`
	StepStates      map[string]*StepState `json:"stepStates"`
	ExecutionPath   []PathEntry           `json:"executionPath"`
	Priority        int                   `json:"priority"`
	Joins           map[string]*JoinState `json:"joins,omitempty"`
	LoopCounters    map[string]int        `json:"loopCounters,omitempty"`
	EndReached      bool                  `json:"endReached,omitempty"`
	Error           *InstanceError        `json:"error,omitempty"`
	CancelReason    string                `json:"cancelReason,omitempty"`
	Revision        int64                 `json:"revision"`
	CreatedAt       time.Time             `json:"createdAt"`
	StartedAt       *time.Time            `json:"startedAt,omitempty"`
	CompletedAt     *time.Time            `json:"completedAt,omitempty"`
	CancelledAt     *time.Time            `json:"cancelledAt,omitempty"`
}

// NewExecutionInstance returns an empty pending instance.
func NewExecutionInstance(id, workflowID string, version int, vars map[string]any, now time.Time) *ExecutionInstance {
	if vars == nil {
		vars = map[string]any{}
	}
	return &ExecutionInstance{
		ID:              id,
		WorkflowID:      workflowID,
		WorkflowVersion: version,
		Status:          ExecutionPending,
		Variables:       vars,
		StepStates:      map[string]*StepState{},
		ExecutionPath:   []PathEntry{},
		Joins:           map[string]*JoinState{},
		LoopCounters:    map[string]int{},
		CreatedAt:       now,
	}
}

// Step returns the step state of a node, or nil when the node never ran.
func (i *ExecutionInstance) Step(nodeID string) *StepState {
	return i.StepStates[nodeID]
}

// LiveSteps returns every step that still holds control and has not been
// discarded by a closed join.
func (i *ExecutionInstance) LiveSteps() []*StepState {
	var out []*StepState
	for _, s := range i.StepStates {
		if s.Status.IsLive() && !s.Ignored {
			out = append(out, s)
		}
	}
	return out
}

// Clone returns a deep copy suitable for handing to callers.
func (i *ExecutionInstance) Clone() (*ExecutionInstance, error) {
	b, err := json.Marshal(i)
	if err != nil {
		return nil, err
	}
	out := &ExecutionInstance{}
	if err := json.Unmarshal(b, out); err != nil {
		return nil, err
	}
	return out, nil
}

// AIAgentTask records one AI call made on behalf of an ai_agent step.
type AIAgentTask struct {
	ID          string        `json:"id"`
	ExecutionID string        `json:"executionId"`
	NodeID      string        `json:"nodeId"`
	Prompt      string        `json:"prompt"`
	Config      AIAgentConfig `json:"config"`
	Usage       Usage         `json:"usage"`
	RetryCount  int           `json:"retryCount"`
	Status      StepStatus    `json:"status"`
	Error       *StepError    `json:"error,omitempty"`
	CreatedAt   time.Time     `json:"createdAt"`
	UpdatedAt   time.Time     `json:"updatedAt"`
}

// SnapshotMetrics summarizes an instance for status queries.
type SnapshotMetrics struct {
	StepsCompleted int     `json:"stepsCompleted"`
	StepsFailed    int     `json:"stepsFailed"`
	StepsLive      int     `json:"stepsLive"`
	Retries        int     `json:"retries"`
	Tokens         int     `json:"tokens"`
	Cost           float64 `json:"cost"`
	DurationMs     int64   `json:"durationMs"`
}

// Snapshot is the read model returned by status queries.
type Snapshot struct {
	ExecutionID     string                `json:"executionId"`
	WorkflowID      string                `json:"workflowId"`
	WorkflowVersion int                   `json:"workflowVersion"`
	Status          ExecutionStatus       `json:"status"`
	Variables       map[string]any        `json:"variables"`
	StepStates      map[string]*StepState `json:"stepStates"`
	ExecutionPath   []PathEntry           `json:"executionPath"`
	Error           *InstanceError        `json:"error,omitempty"`
	Metrics         SnapshotMetrics       `json:"metrics"`
}

// SnapshotOf builds the read model of an instance at time now.
func SnapshotOf(i *ExecutionInstance, now time.Time) *Snapshot {
	var m SnapshotMetrics
	for _, s := range i.StepStates {
		switch {
		case s.Status == StepCompleted || s.Status == StepPartial:
			m.StepsCompleted++
		case s.Status == StepFailed:
			m.StepsFailed++
		case s.Status.IsLive():
			m.StepsLive++
		}
		m.Retries += s.RetryCount
		if s.Usage != nil {
			m.Tokens += s.Usage.Tokens
			m.Cost += s.Usage.Cost
		}
	}
	if i.StartedAt != nil {
		end := now
		if i.CompletedAt != nil {
			end = *i.CompletedAt
		} else if i.CancelledAt != nil {
			end = *i.CancelledAt
		}
		m.DurationMs = end.Sub(*i.StartedAt).Milliseconds()
	}
	return &Snapshot{
		ExecutionID:     i.ID,
		WorkflowID:      i.WorkflowID,
		WorkflowVersion: i.WorkflowVersion,
		Status:          i.Status,
		Variables:       i.Variables,
		StepStates:      i.StepStates,
		ExecutionPath:   i.ExecutionPath,
		Error:           i.Error,
		Metrics:         m,
	}
}
