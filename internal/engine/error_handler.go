package engine

import (
	"context"
	"time"

	"github.com/rendis/procflow/pkg/schema"
)

// attemptFailed handles a failed handler attempt: a retryable error within
// the step's retry policy schedules the next attempt, anything else fails
// the step.
func (tx *txn) attemptFailed(st *schema.StepState, n *compiledNode, stepErr *schema.StepError) error {
	if !stepErr.Retryable {
		return tx.failStep(st, stepErr)
	}
	delay, giveUp := ScheduleRetry(st.RetryCount, n.retryPolicy())
	if giveUp {
		return tx.failStep(st, stepErr)
	}

	at := tx.now.Add(delay)
	st.RetryCount++
	st.Error = stepErr
	st.RetryAt = &at
	tx.emit(st.NodeID, schema.TransitionStepRetrying, map[string]any{
		"retry_count": st.RetryCount,
		"code":        stepErr.Code,
		"message":     stepErr.Message,
		"delay_ms":    delay.Milliseconds(),
		"retry_at":    at.Format(time.RFC3339Nano),
	})
	tx.unschedule(schema.EventStepTimeout, st.NodeID, st.Attempt)
	tx.schedule(schema.EventRetryDue, st.NodeID, st.Attempt, at)

	if n.Kind == schema.NodeAIAgent {
		if err := tx.retryAITask(st); err != nil {
			return err
		}
	}
	kind := string(n.Kind)
	tx.after(func(context.Context) { tx.e.metrics.StepRetried(kind) })
	return nil
}

// failStep marks a step failed and routes the failure.
func (tx *txn) failStep(st *schema.StepState, stepErr *schema.StepError) error {
	if err := tx.finish(st, schema.StepFailed); err != nil {
		return err
	}
	st.Error = stepErr
	tx.emit(st.NodeID, schema.TransitionStepFailed, map[string]any{
		"code":        stepErr.Code,
		"message":     stepErr.Message,
		"retry_count": st.RetryCount,
	})
	tx.unscheduleStep(st)
	if err := tx.closeRequest(st); err != nil {
		return err
	}
	if st.Kind == schema.NodeAIAgent {
		if err := tx.finishAITask(st, schema.StepFailed, stepErr); err != nil {
			return err
		}
	}
	return tx.routeFailure(st, stepErr)
}

// routeFailure follows the step's error edge when it has one. Otherwise a
// failure inside a parallel branch fails the branch, and a failure at top
// scope fails the instance.
func (tx *txn) routeFailure(st *schema.StepState, stepErr *schema.StepError) error {
	if e := tx.g.taggedEdge(st.NodeID, schema.TagError); e != nil {
		lerr := tx.traverse([]*schema.Edge{e})
		if lerr == nil {
			if err := tx.activate(e.TargetNodeID, st.Scope); err != nil {
				return err
			}
			return tx.settleScope(st.Scope)
		}
		stepErr = lerr
	}

	if ref, ok := st.Innermost(); ok {
		return tx.failBranch(ref, stepErr)
	}
	return tx.failInstance(st.NodeID, stepErr, st.RetryCount)
}

// failBranch marks a branch failed, discards its other live steps and lets
// the join decide.
func (tx *txn) failBranch(ref schema.BranchRef, stepErr *schema.StepError) error {
	join := tx.inst.Joins[ref.ParallelNodeID]
	if join == nil || join.Closed {
		return nil
	}
	b := join.Branch(ref.BranchID)
	if b == nil || b.Status != schema.BranchRunning {
		return nil
	}
	b.Status = schema.BranchFailed
	b.Error = stepErr

	for _, id := range sortedStepIDs(tx.inst) {
		st := tx.inst.StepStates[id]
		if st.Status.IsLive() && !st.Ignored && st.InScope(ref) {
			if err := tx.ignoreStep(st); err != nil {
				return err
			}
		}
	}
	return tx.evaluateJoin(join)
}

// failInstance ends the instance with the failure of one step. Steps still
// live elsewhere are cancelled.
func (tx *txn) failInstance(nodeID string, stepErr *schema.StepError, retryCount int) error {
	if tx.inst.Status.IsTerminal() {
		return nil
	}
	if err := tx.stopLiveSteps(); err != nil {
		return err
	}
	if err := tx.setStatus(schema.ExecutionFailed); err != nil {
		return err
	}
	now := tx.now
	tx.inst.CompletedAt = &now
	tx.inst.Error = &schema.InstanceError{
		NodeID:     nodeID,
		Code:       stepErr.Code,
		Message:    stepErr.Message,
		RetryCount: retryCount,
	}
	tx.emit(nodeID, schema.TransitionExecutionFailed, map[string]any{
		"node_id":     nodeID,
		"code":        stepErr.Code,
		"message":     stepErr.Message,
		"retry_count": retryCount,
	})
	tx.unscheduleAll()
	tx.observeFinished()
	return nil
}

// ignoreStep discards a live step whose join has closed or whose branch has
// failed. A later result is recorded without effect.
func (tx *txn) ignoreStep(st *schema.StepState) error {
	st.Ignored = true
	tx.emit(st.NodeID, schema.TransitionStepIgnored, nil)
	tx.unscheduleStep(st)
	st.RetryAt = nil
	return tx.closeRequest(st)
}
