package notify

import (
	"context"
	"slices"
	"time"

	"github.com/rendis/procflow/pkg/schema"
)

// TypeApprovalRequested announces a new approval request to its approvers.
const TypeApprovalRequested = "approval_requested"

// Notification is one observable change of an execution, delivered to
// collaborators after it has been committed.
type Notification struct {
	ExecutionID string         `json:"executionId"`
	WorkflowID  string         `json:"workflowId"`
	NodeID      string         `json:"nodeId,omitempty"`
	Type        string         `json:"type"`
	Data        map[string]any `json:"data,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}

// FromTransition wraps a committed transition.
func FromTransition(t *schema.Transition) Notification {
	return Notification{
		ExecutionID: t.ExecutionID,
		WorkflowID:  t.WorkflowID,
		NodeID:      t.NodeID,
		Type:        t.Type,
		Data:        t.Data,
		Timestamp:   t.Timestamp,
	}
}

// Filter selects notifications for a subscriber. Empty fields match all.
type Filter struct {
	ExecutionID string   `json:"executionId,omitempty"`
	Types       []string `json:"types,omitempty"`
}

// Match reports whether n passes the filter.
func (f Filter) Match(n Notification) bool {
	if f.ExecutionID != "" && f.ExecutionID != n.ExecutionID {
		return false
	}
	return len(f.Types) == 0 || slices.Contains(f.Types, n.Type)
}

// Dispatcher delivers notifications. Delivery is fire-and-forget: the engine
// logs a failed Publish and moves on.
type Dispatcher interface {
	Publish(ctx context.Context, n Notification) error
}

// Subscriber streams notifications matching a filter until cancel is called.
type Subscriber interface {
	Subscribe(ctx context.Context, filter Filter) (<-chan Notification, func(), error)
}

// Nop discards every notification.
type Nop struct{}

func (Nop) Publish(context.Context, Notification) error { return nil }
