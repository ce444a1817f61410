package engine

import (
	"context"
	"log/slog"
	"slices"

	"github.com/rendis/procflow/pkg/schema"
)

// DefaultLoopLimit caps a loop edge that does not set maxIterations.
const DefaultLoopLimit = 10

// apply advances the instance by one event.
func (tx *txn) apply(ev schema.Event) error {
	if ev.Type == schema.EventCancel {
		return tx.cancel(ev.Reason)
	}

	n := tx.g.node(ev.NodeID)
	if n == nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "event %s names unknown node %q", ev.Type, ev.NodeID).
			WithNode(ev.NodeID)
	}
	if err := acceptsEvent(n, ev.Type); err != nil {
		return err
	}

	st := tx.inst.StepStates[ev.NodeID]
	if ev.Type == schema.EventApprovalDecided {
		return tx.decide(st, n, ev)
	}

	if reason := staleReason(tx.inst, st, ev); reason != "" {
		tx.stale(ev, reason)
		return nil
	}
	if st.Ignored {
		return tx.recordIgnored(st, n, ev)
	}

	switch ev.Type {
	case schema.EventStepCompleted:
		return tx.handlerSucceeded(st, n, ev)
	case schema.EventStepFailed:
		return tx.failStep(st, eventError(ev))
	case schema.EventAttemptFailed:
		return tx.attemptFailed(st, n, eventError(ev))
	case schema.EventStepTimeout:
		return tx.attemptFailed(st, n, &schema.StepError{
			Code:      schema.ErrCodeTimeout,
			Message:   "step attempt exceeded its timeout",
			Retryable: true,
		})
	case schema.EventRetryDue:
		return tx.redispatch(st, n)
	case schema.EventApprovalEscalate:
		return tx.escalate(st, n)
	case schema.EventApprovalExpire:
		return tx.expire(st, n)
	case schema.EventParallelTimeout:
		return tx.parallelTimeout(st)
	}
	return schema.NewErrorf(schema.ErrCodeValidation, "unknown event type %q", ev.Type)
}

// acceptsEvent rejects events that make no sense for the node kind.
func acceptsEvent(n *compiledNode, typ schema.EventType) error {
	var ok bool
	switch typ {
	case schema.EventStepCompleted, schema.EventStepFailed, schema.EventAttemptFailed,
		schema.EventStepTimeout, schema.EventRetryDue:
		ok = n.Kind == schema.NodeTask || n.Kind == schema.NodeAIAgent
	case schema.EventApprovalDecided, schema.EventApprovalEscalate, schema.EventApprovalExpire:
		ok = n.Kind == schema.NodeApproval
	case schema.EventParallelTimeout:
		ok = n.Kind == schema.NodeParallel
	default:
		return schema.NewErrorf(schema.ErrCodeValidation, "unknown event type %q", typ)
	}
	if !ok {
		return schema.NewErrorf(schema.ErrCodeValidation, "%s events do not apply to %s nodes", typ, n.Kind).
			WithNode(n.ID)
	}
	return nil
}

// staleReason explains why an event no longer applies, or returns "".
func staleReason(inst *schema.ExecutionInstance, st *schema.StepState, ev schema.Event) string {
	switch {
	case st == nil:
		return "step never ran"
	case ev.Attempt != 0 && ev.Attempt != st.Attempt:
		return "attempt superseded"
	case inst.Status.IsTerminal() && !st.Ignored:
		return "execution is " + string(inst.Status)
	}

	switch ev.Type {
	case schema.EventStepCompleted, schema.EventStepFailed, schema.EventAttemptFailed, schema.EventStepTimeout:
		if st.Status != schema.StepRunning {
			return "step is " + string(st.Status)
		}
		if st.RetryAt != nil {
			return "step is waiting to retry"
		}
	case schema.EventRetryDue:
		if st.Status != schema.StepRunning || st.RetryAt == nil {
			return "no retry pending"
		}
	case schema.EventApprovalEscalate, schema.EventApprovalExpire:
		if st.Status != schema.StepWaitingApproval {
			return "step is " + string(st.Status)
		}
	case schema.EventParallelTimeout:
		if st.Status != schema.StepRunning {
			return "step is " + string(st.Status)
		}
		if j := inst.Joins[st.NodeID]; j == nil || j.Closed {
			return "join already closed"
		}
	}
	return ""
}

func (tx *txn) stale(ev schema.Event, reason string) {
	tx.logger.Info("discarding stale event",
		slog.String("event", string(ev.Type)),
		slog.String("node_id", ev.NodeID),
		slog.Int("attempt", ev.Attempt),
		slog.String("reason", reason),
	)
	tx.notice(ev.NodeID, schema.TransitionStaleEvent, map[string]any{
		"event":   string(ev.Type),
		"attempt": ev.Attempt,
		"reason":  reason,
	})
	typ := string(ev.Type)
	tx.after(func(context.Context) { tx.e.metrics.StaleEvent(typ) })
}

// recordIgnored stores the late result of a step discarded by a closed join.
// Control flow is not affected.
func (tx *txn) recordIgnored(st *schema.StepState, n *compiledNode, ev schema.Event) error {
	switch ev.Type {
	case schema.EventStepCompleted:
		if err := tx.setStepStatus(st, schema.StepCompleted); err != nil {
			return err
		}
		st.Output = ev.Output
		tx.recordUsage(st, n, ev.Usage)
		tx.emit(st.NodeID, schema.TransitionStepCompleted, map[string]any{"output": ev.Output, "ignored": true})
	case schema.EventStepFailed, schema.EventAttemptFailed, schema.EventStepTimeout:
		if err := tx.setStepStatus(st, schema.StepFailed); err != nil {
			return err
		}
		st.Error = eventError(ev)
		tx.emit(st.NodeID, schema.TransitionStepFailed, map[string]any{
			"code": st.Error.Code, "message": st.Error.Message, "ignored": true,
		})
	default:
		tx.stale(ev, "step ignored by a closed join")
		return nil
	}
	now := tx.now
	st.CompletedAt = &now
	tx.unscheduleStep(st)
	return nil
}

func eventError(ev schema.Event) *schema.StepError {
	if ev.Error != nil {
		return ev.Error
	}
	return &schema.StepError{Code: schema.ErrCodeStepExecution, Message: "step failed"}
}

// --- activation ---

// activate hands a token to a node within a branch scope.
func (tx *txn) activate(nodeID string, scope []schema.BranchRef) error {
	n := tx.g.node(nodeID)
	if n == nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "edge target %q does not exist", nodeID)
	}

	if ref, ok := innermost(scope); ok {
		if join := tx.inst.Joins[ref.ParallelNodeID]; join != nil && nodeID == join.JoinNodeID {
			// The token reached the join: the branch holds no more work here.
			return nil
		}
	}
	if n.Kind == schema.NodeEnd {
		return tx.reachEnd(n, scope)
	}

	st := tx.step(nodeID)
	if st.Status.IsActive() && !st.Ignored {
		tx.logger.Debug("node already active, merging token", slog.String("node_id", nodeID))
		return nil
	}
	if err := tx.setStepStatus(st, schema.StepRunning); err != nil {
		return err
	}
	now := tx.now
	st.Kind = n.Kind
	st.Attempt++
	st.RetryCount = 0
	st.Scope = slices.Clone(scope)
	st.Ignored = false
	st.Input = nil
	st.Output = nil
	st.Error = nil
	st.Usage = nil
	st.RequestID = ""
	st.TaskID = ""
	st.RetryAt = nil
	st.StartedAt = &now
	st.CompletedAt = nil

	input, err := n.kind.input(tx, n)
	st.Input = input
	tx.emitStarted(st)
	if err != nil {
		return tx.failStep(st, schema.StepErrorFrom(err))
	}
	return n.kind.activate(tx, st, n)
}

func (tx *txn) emitStarted(st *schema.StepState) {
	tx.emit(st.NodeID, schema.TransitionStepStarted, map[string]any{
		"kind":    string(st.Kind),
		"attempt": st.Attempt,
		"input":   st.Input,
	})
}

// reachEnd records a token arriving at an End node. At top scope the
// instance may complete; inside a branch the branch finishes there.
func (tx *txn) reachEnd(n *compiledNode, scope []schema.BranchRef) error {
	st := tx.step(n.ID)
	if st.Status != schema.StepCompleted {
		if err := tx.setStepStatus(st, schema.StepRunning); err != nil {
			return err
		}
		now := tx.now
		st.Kind = schema.NodeEnd
		st.Attempt++
		st.Scope = slices.Clone(scope)
		st.StartedAt = &now
		if err := tx.finish(st, schema.StepCompleted); err != nil {
			return err
		}
		tx.emit(st.NodeID, schema.TransitionStepCompleted, nil)
	}

	if ref, ok := innermost(scope); ok {
		if join := tx.inst.Joins[ref.ParallelNodeID]; join != nil {
			if b := join.Branch(ref.BranchID); b != nil && b.ReachedEnd == "" {
				b.ReachedEnd = n.ID
			}
		}
		return nil
	}
	tx.inst.EndReached = true
	return nil
}

// --- completion ---

// complete finishes a step successfully and moves control along its edges.
func (tx *txn) complete(st *schema.StepState, n *compiledNode, output any, status schema.StepStatus) error {
	updates, err := tx.mapOutput(n, output)
	if err != nil {
		return tx.failStep(st, schema.StepErrorFrom(err))
	}

	edges := tx.successors(n, output)
	if lerr := tx.traverse(edges); lerr != nil {
		return tx.failStep(st, lerr)
	}

	if err := tx.finish(st, status); err != nil {
		return err
	}
	st.Output = output
	st.Error = nil
	data := map[string]any{"output": output}
	if status != schema.StepCompleted {
		data["status"] = string(status)
	}
	tx.emit(st.NodeID, schema.TransitionStepCompleted, data)
	tx.unscheduleStep(st)

	if len(updates) > 0 {
		for k, v := range updates {
			tx.inst.Variables[k] = v
		}
		tx.emit(st.NodeID, schema.TransitionVariablesUpdated, map[string]any{"updates": updates})
	}

	if n.Kind == schema.NodeParallel {
		return tx.leaveParallel(st)
	}
	for _, e := range edges {
		if err := tx.activate(e.TargetNodeID, st.Scope); err != nil {
			return err
		}
	}
	return tx.settleScope(st.Scope)
}

func (tx *txn) mapOutput(n *compiledNode, output any) (map[string]any, error) {
	var mapping map[string]string
	switch {
	case n.task != nil:
		mapping = n.task.OutputMapping
	case n.ai != nil:
		mapping = n.ai.OutputMapping
	}
	if len(mapping) == 0 {
		return nil, nil
	}
	return tx.e.compilers.mappings.Apply(tx.ctx, mapping, output)
}

// successors selects the outgoing edges a completed step fires.
func (tx *txn) successors(n *compiledNode, output any) []*schema.Edge {
	out := tx.g.Outgoing(n.ID)
	switch n.Kind {
	case schema.NodeParallel:
		return nil

	case schema.NodeConditional:
		result, _ := field(output, "result").(bool)
		tag, edgeID := schema.TagFalse, n.cond.FalseEdgeID
		if result {
			tag, edgeID = schema.TagTrue, n.cond.TrueEdgeID
		}
		if e := tx.g.edges[edgeID]; edgeID != "" && e != nil {
			return []*schema.Edge{e}
		}
		if e := tx.g.taggedEdge(n.ID, tag); e != nil {
			return []*schema.Edge{e}
		}
		return nil

	case schema.NodeApproval:
		decision, _ := field(output, "decision").(schema.Decision)
		var selected []*schema.Edge
		for _, e := range out {
			if e.BranchTag == "" || e.BranchTag == string(decision) {
				selected = append(selected, e)
			}
		}
		return selected
	}

	var selected []*schema.Edge
	for _, e := range out {
		if e.BranchTag != schema.TagError && e.BranchTag != schema.TagExpired {
			selected = append(selected, e)
		}
	}
	return selected
}

func field(v any, key string) any {
	m, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	return m[key]
}

// traverse counts loop edges about to be followed. It returns a
// LOOP_LIMIT_EXCEEDED error, counting nothing, when any cap would be passed.
func (tx *txn) traverse(edges []*schema.Edge) *schema.StepError {
	for _, e := range edges {
		if e.Loop == nil {
			continue
		}
		limit := e.Loop.MaxIterations
		if limit <= 0 {
			limit = tx.e.cfg.DefaultLoopLimit
		}
		if tx.inst.LoopCounters[e.ID] >= limit {
			return &schema.StepError{
				Code:    schema.ErrCodeLoopLimit,
				Message: "loop edge " + e.ID + " exceeded its iteration limit",
				Details: map[string]any{"edge_id": e.ID, "max_iterations": limit},
			}
		}
	}
	for _, e := range edges {
		if e.Loop != nil {
			tx.inst.LoopCounters[e.ID]++
		}
	}
	return nil
}

// settleScope finishes the innermost branch of scope once it holds no live
// steps, letting its join decide.
func (tx *txn) settleScope(scope []schema.BranchRef) error {
	ref, ok := innermost(scope)
	if !ok {
		return nil
	}
	join := tx.inst.Joins[ref.ParallelNodeID]
	if join == nil || join.Closed {
		return nil
	}
	b := join.Branch(ref.BranchID)
	if b == nil || b.Status != schema.BranchRunning || tx.branchLive(ref) {
		return nil
	}
	b.Status = schema.BranchCompleted
	return tx.evaluateJoin(join)
}

// branchLive reports whether a branch still holds a live step.
func (tx *txn) branchLive(ref schema.BranchRef) bool {
	for _, st := range tx.inst.StepStates {
		if st.Status.IsLive() && !st.Ignored && st.InScope(ref) {
			return true
		}
	}
	return false
}

func innermost(scope []schema.BranchRef) (schema.BranchRef, bool) {
	if len(scope) == 0 {
		return schema.BranchRef{}, false
	}
	return scope[len(scope)-1], true
}

// settleInstance completes a running instance once End was reached and no
// live step remains. An instance left with no live step and no End reached
// cannot make progress and fails.
func (tx *txn) settleInstance() error {
	if tx.inst.Status != schema.ExecutionRunning || len(tx.inst.LiveSteps()) > 0 {
		return nil
	}
	if !tx.inst.EndReached {
		return tx.failInstance("", &schema.StepError{
			Code:    schema.ErrCodeStepExecution,
			Message: "execution has no live steps and never reached an end node",
		}, 0)
	}

	if err := tx.setStatus(schema.ExecutionCompleted); err != nil {
		return err
	}
	now := tx.now
	tx.inst.CompletedAt = &now
	tx.emit("", schema.TransitionExecutionCompleted, map[string]any{"variables": tx.inst.Variables})
	tx.unscheduleAll()
	tx.observeFinished()
	return nil
}

func (tx *txn) observeFinished() {
	workflow, status := tx.inst.WorkflowID, string(tx.inst.Status)
	d := tx.now.Sub(tx.inst.CreatedAt)
	if tx.inst.StartedAt != nil {
		d = tx.now.Sub(*tx.inst.StartedAt)
	}
	tx.after(func(context.Context) { tx.e.metrics.ExecutionFinished(workflow, status, d) })
}

// cancel stops every live step and closes the instance. Cancelling a
// finished instance is a no-op.
func (tx *txn) cancel(reason string) error {
	if tx.inst.Status.IsTerminal() {
		return nil
	}
	if err := tx.stopLiveSteps(); err != nil {
		return err
	}
	if err := tx.setStatus(schema.ExecutionCancelled); err != nil {
		return err
	}
	now := tx.now
	tx.inst.CancelledAt = &now
	tx.inst.CancelReason = reason
	tx.emit("", schema.TransitionExecutionCancelled, map[string]any{"reason": reason})
	tx.unscheduleAll()
	tx.observeFinished()
	return nil
}

// stopLiveSteps cancels every live step, including ones a closed join
// ignored, and closes their approval requests.
func (tx *txn) stopLiveSteps() error {
	for _, id := range sortedStepIDs(tx.inst) {
		st := tx.inst.StepStates[id]
		if !st.Status.IsLive() {
			continue
		}
		if err := tx.closeRequest(st); err != nil {
			return err
		}
		if err := tx.setStepStatus(st, schema.StepCancelled); err != nil {
			return err
		}
		now := tx.now
		st.CompletedAt = &now
		st.RetryAt = nil
		tx.emit(st.NodeID, schema.TransitionStepCancelled, nil)
	}
	return nil
}

func sortedStepIDs(inst *schema.ExecutionInstance) []string {
	ids := make([]string, 0, len(inst.StepStates))
	for id := range inst.StepStates {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}
