package store

import (
	"time"

	"github.com/rendis/procflow/pkg/schema"
)

// Workflow is one registered version of a graph definition.
type Workflow struct {
	ID         string                 `json:"id"`
	Name       string                 `json:"name"`
	Version    int                    `json:"version"`
	Definition schema.GraphDefinition `json:"definition"`
	CreatedAt  time.Time              `json:"created_at"`
}

// Mutation is everything one step-advancer transition persists. Commit
// applies it in a single transaction.
type Mutation struct {
	// Instance is the full snapshot. Its Revision must be exactly one more
	// than the stored revision unless New is set.
	Instance *schema.ExecutionInstance
	New      bool

	Approvals   []*schema.ApprovalRequest
	AITasks     []*schema.AIAgentTask
	Transitions []*schema.Transition
}

// Timer is a durable engine wake-up. Key is unique per purpose so that
// rescheduling replaces the previous timer.
type Timer struct {
	Key         string       `json:"key"`
	ExecutionID string       `json:"execution_id"`
	FireAt      time.Time    `json:"fire_at"`
	Event       schema.Event `json:"event"`
}

// Trigger starts an instance of a workflow on a cron schedule.
type Trigger struct {
	ID              string         `json:"id"`
	WorkflowID      string         `json:"workflow_id"`
	CronExpression  string         `json:"cron_expression"`
	Variables       map[string]any `json:"variables,omitempty"`
	Enabled         bool           `json:"enabled"`
	LastRunAt       *time.Time     `json:"last_run_at,omitempty"`
	NextRunAt       *time.Time     `json:"next_run_at,omitempty"`
	LastRunStatus   string         `json:"last_run_status,omitempty"`
	LastExecutionID string         `json:"last_execution_id,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
}

// --- Filter and update types ---

// WorkflowFilter specifies criteria for listing workflows.
type WorkflowFilter struct {
	Name  string `json:"name,omitempty"`
	Limit int    `json:"limit,omitempty"`
}

// ExecutionFilter specifies criteria for listing executions.
type ExecutionFilter struct {
	WorkflowID string                   `json:"workflow_id,omitempty"`
	Statuses   []schema.ExecutionStatus `json:"statuses,omitempty"`
	Limit      int                      `json:"limit,omitempty"`
	Offset     int                      `json:"offset,omitempty"`
}

// ApprovalFilter specifies criteria for listing approval requests.
type ApprovalFilter struct {
	ExecutionID string                `json:"execution_id,omitempty"`
	ApproverID  string                `json:"approver_id,omitempty"`
	Status      schema.ApprovalStatus `json:"status,omitempty"`
	Limit       int                   `json:"limit,omitempty"`
}

// TransitionFilter specifies criteria for listing transitions across executions.
type TransitionFilter struct {
	ExecutionID string     `json:"execution_id,omitempty"`
	NodeID      string     `json:"node_id,omitempty"`
	Since       *time.Time `json:"since,omitempty"`
	Limit       int        `json:"limit,omitempty"`
}

// TriggerUpdate specifies mutable fields of a trigger.
type TriggerUpdate struct {
	Enabled         *bool      `json:"enabled,omitempty"`
	LastRunAt       *time.Time `json:"last_run_at,omitempty"`
	NextRunAt       *time.Time `json:"next_run_at,omitempty"`
	LastRunStatus   string     `json:"last_run_status,omitempty"`
	LastExecutionID string     `json:"last_execution_id,omitempty"`
}

// TriggerFilter specifies criteria for listing triggers.
type TriggerFilter struct {
	WorkflowID string `json:"workflow_id,omitempty"`
	Enabled    *bool  `json:"enabled,omitempty"`
}
