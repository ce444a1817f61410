package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/rendis/procflow/internal/notify"
	"github.com/rendis/procflow/internal/store"
	"github.com/rendis/procflow/internal/timer"
	"github.com/rendis/procflow/pkg/schema"
)

// txn is one serialized mutation of an instance. The advancer changes the
// instance in memory, records transitions and collects side effects; the
// engine commits everything at once and runs the effects after the instance
// lock is released.
type txn struct {
	ctx    context.Context
	e      *Engine
	g      *Graph
	inst   *schema.ExecutionInstance
	now    time.Time
	logger *slog.Logger

	transitions []*schema.Transition
	approvals   map[string]*schema.ApprovalRequest
	dirty       []*schema.ApprovalRequest
	aiTasks     map[string]*schema.AIAgentTask
	aiOrder     []*schema.AIAgentTask
	notes       []notify.Notification
	effects     []func(ctx context.Context)
}

func (e *Engine) newTxn(ctx context.Context, g *Graph, inst *schema.ExecutionInstance) *txn {
	return &txn{
		ctx:       ctx,
		e:         e,
		g:         g,
		inst:      inst,
		now:       e.now(),
		logger:    e.logger.With(slog.String("execution_id", inst.ID), slog.String("workflow_id", inst.WorkflowID)),
		approvals: map[string]*schema.ApprovalRequest{},
		aiTasks:   map[string]*schema.AIAgentTask{},
	}
}

// changed reports whether the transaction has anything to commit.
func (tx *txn) changed() bool {
	return len(tx.transitions) > 0 || len(tx.dirty) > 0 || len(tx.aiOrder) > 0
}

func (tx *txn) mutation(isNew bool) *store.Mutation {
	return &store.Mutation{
		Instance:    tx.inst,
		New:         isNew,
		Approvals:   tx.dirty,
		AITasks:     tx.aiOrder,
		Transitions: tx.transitions,
	}
}

// emit records one transition of the instance.
func (tx *txn) emit(nodeID, typ string, data map[string]any) {
	tx.transitions = append(tx.transitions, &schema.Transition{
		ExecutionID: tx.inst.ID,
		WorkflowID:  tx.inst.WorkflowID,
		NodeID:      nodeID,
		Type:        typ,
		Data:        data,
		Timestamp:   tx.now,
	})
}

// notice queues a notification that is not part of the event log.
func (tx *txn) notice(nodeID, typ string, data map[string]any) {
	tx.notes = append(tx.notes, notify.Notification{
		ExecutionID: tx.inst.ID,
		WorkflowID:  tx.inst.WorkflowID,
		NodeID:      nodeID,
		Type:        typ,
		Data:        data,
		Timestamp:   tx.now,
	})
}

// after queues a side effect for when the transaction has been committed.
func (tx *txn) after(fn func(ctx context.Context)) {
	tx.effects = append(tx.effects, fn)
}

// run executes the side effects and publishes the committed transitions.
func (tx *txn) run(ctx context.Context) {
	for _, fn := range tx.effects {
		fn(ctx)
	}
	for _, t := range tx.transitions {
		tx.publish(ctx, notify.FromTransition(t))
	}
	for _, n := range tx.notes {
		tx.publish(ctx, n)
	}
}

func (tx *txn) publish(ctx context.Context, n notify.Notification) {
	if err := tx.e.notifier.Publish(ctx, n); err != nil {
		tx.logger.Warn("publish notification",
			slog.String("type", n.Type),
			slog.String("error", err.Error()),
		)
	}
}

// --- status changes ---

func (tx *txn) setStatus(to schema.ExecutionStatus) error {
	if err := CheckExecutionTransition(tx.inst.ID, tx.inst.Status, to); err != nil {
		return err
	}
	tx.inst.Status = to
	return nil
}

func (tx *txn) setStepStatus(st *schema.StepState, to schema.StepStatus) error {
	if st.Status == to {
		return nil
	}
	if err := CheckStepTransition(st.NodeID, st.Status, to); err != nil {
		return err
	}
	st.Status = to
	return nil
}

// step returns the state of a node, creating a pending one on first use.
func (tx *txn) step(nodeID string) *schema.StepState {
	st, ok := tx.inst.StepStates[nodeID]
	if !ok {
		st = &schema.StepState{NodeID: nodeID, Status: schema.StepPending}
		if n := tx.g.node(nodeID); n != nil {
			st.Kind = n.Kind
		}
		tx.inst.StepStates[nodeID] = st
	}
	return st
}

// finish stamps a step's terminal status and appends it to the execution path.
func (tx *txn) finish(st *schema.StepState, status schema.StepStatus) error {
	if err := tx.setStepStatus(st, status); err != nil {
		return err
	}
	now := tx.now
	st.CompletedAt = &now
	st.RetryAt = nil
	tx.inst.ExecutionPath = append(tx.inst.ExecutionPath, schema.PathEntry{
		NodeID:    st.NodeID,
		Status:    status,
		Timestamp: now,
	})
	kind := string(st.Kind)
	tx.after(func(context.Context) { tx.e.metrics.StepFinished(kind, string(status)) })
	return nil
}

// --- approval requests and AI tasks ---

// approval returns a request by id, loading it from the store once per txn.
func (tx *txn) approval(id string) (*schema.ApprovalRequest, error) {
	if req, ok := tx.approvals[id]; ok {
		return req, nil
	}
	req, err := tx.e.store.GetApproval(tx.ctx, id)
	if err != nil {
		return nil, err
	}
	tx.approvals[id] = req
	return req, nil
}

// putApproval marks a request for the commit.
func (tx *txn) putApproval(req *schema.ApprovalRequest) {
	tx.approvals[req.ID] = req
	for _, d := range tx.dirty {
		if d == req {
			return
		}
	}
	tx.dirty = append(tx.dirty, req)
}

func (tx *txn) aiTask(id string) (*schema.AIAgentTask, error) {
	if t, ok := tx.aiTasks[id]; ok {
		return t, nil
	}
	t, err := tx.e.store.GetAITask(tx.ctx, id)
	if err != nil {
		return nil, err
	}
	tx.aiTasks[id] = t
	return t, nil
}

func (tx *txn) putAITask(t *schema.AIAgentTask) {
	t.UpdatedAt = tx.now
	tx.aiTasks[t.ID] = t
	for _, d := range tx.aiOrder {
		if d == t {
			return
		}
	}
	tx.aiOrder = append(tx.aiOrder, t)
}

// --- timers ---

func (tx *txn) timerKey(kind schema.EventType, nodeID string, attempt int) string {
	return timer.Key(tx.inst.ID, kind, nodeID, attempt)
}

func (tx *txn) schedule(kind schema.EventType, nodeID string, attempt int, at time.Time) {
	execID := tx.inst.ID
	key := tx.timerKey(kind, nodeID, attempt)
	ev := schema.Event{Type: kind, NodeID: nodeID, Attempt: attempt}
	tx.after(func(ctx context.Context) {
		if err := tx.e.timers.ScheduleAt(ctx, key, execID, at, ev); err != nil {
			tx.logger.Error("schedule timer", slog.String("key", key), slog.String("error", err.Error()))
		}
	})
}

func (tx *txn) unschedule(kind schema.EventType, nodeID string, attempt int) {
	key := tx.timerKey(kind, nodeID, attempt)
	tx.after(func(ctx context.Context) {
		if err := tx.e.timers.Cancel(ctx, key); err != nil {
			tx.logger.Warn("cancel timer", slog.String("key", key), slog.String("error", err.Error()))
		}
	})
}

// unscheduleStep drops every timer a step attempt may own.
func (tx *txn) unscheduleStep(st *schema.StepState) {
	switch st.Kind {
	case schema.NodeTask, schema.NodeAIAgent:
		tx.unschedule(schema.EventStepTimeout, st.NodeID, st.Attempt)
		tx.unschedule(schema.EventRetryDue, st.NodeID, st.Attempt)
	case schema.NodeApproval:
		tx.unschedule(schema.EventApprovalEscalate, st.NodeID, st.Attempt)
		tx.unschedule(schema.EventApprovalExpire, st.NodeID, st.Attempt)
	case schema.NodeParallel:
		tx.unschedule(schema.EventParallelTimeout, st.NodeID, st.Attempt)
	}
}

func (tx *txn) unscheduleAll() {
	execID := tx.inst.ID
	tx.after(func(ctx context.Context) {
		if err := tx.e.timers.CancelExecution(ctx, execID); err != nil {
			tx.logger.Warn("cancel execution timers", slog.String("error", err.Error()))
		}
	})
}

func minutes(m float64) time.Duration {
	return time.Duration(m * float64(time.Minute))
}

func hours(h float64) time.Duration {
	return time.Duration(h * float64(time.Hour))
}
