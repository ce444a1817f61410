package store

import (
	"context"

	"github.com/rendis/procflow/pkg/schema"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Workflows (immutable, versioned by name)
	CreateWorkflow(ctx context.Context, wf *Workflow) error
	GetWorkflow(ctx context.Context, id string) (*Workflow, error)
	GetWorkflowByName(ctx context.Context, name string, version int) (*Workflow, error)
	ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*Workflow, error)

	// Executions (snapshot per instance, revision-checked)
	Commit(ctx context.Context, m *Mutation) error
	GetExecution(ctx context.Context, id string) (*schema.ExecutionInstance, error)
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*schema.ExecutionInstance, error)

	// Approval requests and AI tasks (written through Commit)
	GetApproval(ctx context.Context, id string) (*schema.ApprovalRequest, error)
	ListApprovals(ctx context.Context, filter ApprovalFilter) ([]*schema.ApprovalRequest, error)
	GetAITask(ctx context.Context, id string) (*schema.AIAgentTask, error)
	ListAITasks(ctx context.Context, executionID string) ([]*schema.AIAgentTask, error)

	// Event log (append-only, written through Commit)
	GetTransitions(ctx context.Context, executionID string, since int64) ([]*schema.Transition, error)
	ListTransitions(ctx context.Context, filter TransitionFilter) ([]*schema.Transition, error)

	// Timers
	UpsertTimer(ctx context.Context, t *Timer) error
	DeleteTimer(ctx context.Context, key string) error
	DeleteExecutionTimers(ctx context.Context, executionID string) error
	ListTimers(ctx context.Context) ([]*Timer, error)

	// Cron triggers
	CreateTrigger(ctx context.Context, tr *Trigger) error
	GetTrigger(ctx context.Context, id string) (*Trigger, error)
	UpdateTrigger(ctx context.Context, id string, update TriggerUpdate) error
	ListTriggers(ctx context.Context, filter TriggerFilter) ([]*Trigger, error)
	DeleteTrigger(ctx context.Context, id string) error

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}
