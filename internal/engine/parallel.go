package engine

import (
	"slices"

	"github.com/rendis/procflow/pkg/schema"
)

type parallelKind struct{}

func (parallelKind) input(*txn, *compiledNode) (any, error) { return nil, nil }

// activate opens a join record for the parallel step and starts as many
// branches as its concurrency allows.
func (parallelKind) activate(tx *txn, st *schema.StepState, n *compiledNode) error {
	cfg := n.parallel
	join := &schema.JoinState{
		ParallelNodeID: n.ID,
		JoinNodeID:     n.join,
		Scope:          slices.Clone(st.Scope),
		ExecutionMode:  cfg.ExecutionMode,
		FailureMode:    cfg.FailureMode,
		MaxConcurrency: cfg.MaxConcurrency,
		Branches:       make([]*schema.BranchState, 0, len(cfg.Branches)),
	}
	if join.ExecutionMode == "" {
		join.ExecutionMode = schema.ExecutionAll
	}
	if join.FailureMode == "" {
		join.FailureMode = schema.FailureFailFast
	}
	for _, b := range cfg.Branches {
		join.Branches = append(join.Branches, &schema.BranchState{
			ID:           b.ID,
			TargetNodeID: b.TargetNodeID,
			Status:       schema.BranchQueued,
		})
	}
	tx.inst.Joins[n.ID] = join

	if cfg.TimeoutMinutes > 0 {
		tx.schedule(schema.EventParallelTimeout, n.ID, st.Attempt, tx.now.Add(minutes(cfg.TimeoutMinutes)))
	}
	if err := tx.fillBranches(join); err != nil {
		return err
	}
	return tx.evaluateJoin(join)
}

// fillBranches starts queued branches while the join is open and below its
// concurrency limit.
func (tx *txn) fillBranches(join *schema.JoinState) error {
	limit := join.MaxConcurrency
	if limit <= 0 {
		limit = len(join.Branches)
	}
	for _, b := range join.Branches {
		if join.Closed || join.Count(schema.BranchRunning) >= limit {
			return nil
		}
		if b.Status != schema.BranchQueued {
			continue
		}
		b.Status = schema.BranchRunning
		ref := schema.BranchRef{ParallelNodeID: join.ParallelNodeID, BranchID: b.ID}
		scope := append(slices.Clone(join.Scope), ref)
		if err := tx.activate(b.TargetNodeID, scope); err != nil {
			return err
		}
		if err := tx.settleScope(scope); err != nil {
			return err
		}
	}
	return nil
}

// evaluateJoin applies the execution and failure modes to the branch states
// and closes the join once its outcome is known.
func (tx *txn) evaluateJoin(join *schema.JoinState) error {
	if join.Closed {
		return nil
	}
	completed := join.Count(schema.BranchCompleted)
	failed := join.Count(schema.BranchFailed)

	if failed > 0 && join.FailureMode == schema.FailureFailFast {
		return tx.closeJoin(join, schema.StepFailed, "", firstBranchError(join))
	}
	if join.ExecutionMode != schema.ExecutionAll && completed > 0 {
		return tx.closeJoin(join, schema.StepCompleted, firstBranch(join, schema.BranchCompleted), nil)
	}
	if join.Count(schema.BranchRunning) > 0 || join.Count(schema.BranchQueued) > 0 {
		return tx.fillBranches(join)
	}

	// Every branch finished.
	switch {
	case join.ExecutionMode == schema.ExecutionAll && failed == 0:
		return tx.closeJoin(join, schema.StepCompleted, "", nil)
	case join.ExecutionMode == schema.ExecutionAll && join.FailureMode == schema.FailureContinue:
		return tx.closeJoin(join, schema.StepPartial, "", nil)
	case join.FailureMode == schema.FailureIgnore:
		return tx.closeJoin(join, schema.StepCompleted, "", nil)
	default:
		return tx.closeJoin(join, schema.StepFailed, "", firstBranchError(join))
	}
}

// closeJoin records the join outcome, discards the work still running in its
// branches and finishes the parallel step.
func (tx *txn) closeJoin(join *schema.JoinState, outcome schema.StepStatus, winner string, stepErr *schema.StepError) error {
	join.Closed = true
	join.Outcome = outcome
	join.Winner = winner

	for _, b := range join.Branches {
		if b.Status == schema.BranchQueued {
			b.Status = schema.BranchSkipped
		}
	}
	for _, id := range sortedStepIDs(tx.inst) {
		st := tx.inst.StepStates[id]
		if !st.Status.IsLive() || st.Ignored || !inJoin(st, join.ParallelNodeID) {
			continue
		}
		if err := tx.ignoreStep(st); err != nil {
			return err
		}
	}

	pst := tx.inst.StepStates[join.ParallelNodeID]
	tx.unscheduleStep(pst)
	tx.emit(join.ParallelNodeID, schema.TransitionJoinClosed, map[string]any{
		"outcome":   string(outcome),
		"winner":    winner,
		"completed": join.Count(schema.BranchCompleted),
		"failed":    join.Count(schema.BranchFailed),
		"skipped":   join.Count(schema.BranchSkipped),
	})

	n := tx.g.node(join.ParallelNodeID)
	if outcome == schema.StepFailed {
		if stepErr == nil {
			stepErr = &schema.StepError{Code: schema.ErrCodeStepExecution, Message: "parallel branches failed"}
		}
		return tx.failStep(pst, stepErr)
	}
	return tx.complete(pst, n, joinOutput(join), outcome)
}

// leaveParallel hands control on after a parallel step completed: to its join
// node when it has one, otherwise to the end node the branches reached.
func (tx *txn) leaveParallel(st *schema.StepState) error {
	join := tx.inst.Joins[st.NodeID]
	if join == nil {
		return nil
	}
	if join.JoinNodeID != "" {
		if err := tx.activate(join.JoinNodeID, st.Scope); err != nil {
			return err
		}
		return tx.settleScope(st.Scope)
	}

	for _, b := range join.Branches {
		if b.ReachedEnd == "" {
			continue
		}
		if err := tx.reachEnd(tx.g.node(b.ReachedEnd), st.Scope); err != nil {
			return err
		}
		break
	}
	return tx.settleScope(st.Scope)
}

// parallelTimeout closes a join that did not finish in time.
func (tx *txn) parallelTimeout(st *schema.StepState) error {
	join := tx.inst.Joins[st.NodeID]
	return tx.closeJoin(join, schema.StepFailed, "", &schema.StepError{
		Code:    schema.ErrCodeTimeout,
		Message: "parallel step exceeded its timeout",
	})
}

func inJoin(st *schema.StepState, parallelID string) bool {
	for _, r := range st.Scope {
		if r.ParallelNodeID == parallelID {
			return true
		}
	}
	return false
}

func firstBranch(join *schema.JoinState, status schema.BranchStatus) string {
	for _, b := range join.Branches {
		if b.Status == status {
			return b.ID
		}
	}
	return ""
}

func firstBranchError(join *schema.JoinState) *schema.StepError {
	for _, b := range join.Branches {
		if b.Status == schema.BranchFailed && b.Error != nil {
			out := *b.Error
			out.Message = "branch " + b.ID + ": " + out.Message
			return &out
		}
	}
	return nil
}

func joinOutput(join *schema.JoinState) map[string]any {
	branches := make(map[string]any, len(join.Branches))
	for _, b := range join.Branches {
		branches[b.ID] = string(b.Status)
	}
	out := map[string]any{"branches": branches}
	if join.Winner != "" {
		out["winner"] = join.Winner
	}
	return out
}
