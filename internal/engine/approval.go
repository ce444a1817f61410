package engine

import (
	"context"
	"slices"

	"github.com/google/uuid"

	"github.com/rendis/procflow/internal/notify"
	"github.com/rendis/procflow/pkg/schema"
)

type approvalKind struct{}

func (approvalKind) input(*txn, *compiledNode) (any, error) { return nil, nil }

// activate opens an approval request and parks the step until it resolves.
func (approvalKind) activate(tx *txn, st *schema.StepState, n *compiledNode) error {
	cfg := n.approval
	typ := cfg.ApprovalType
	if typ == "" {
		typ = schema.ApprovalAny
	}
	req := &schema.ApprovalRequest{
		ID:                uuid.NewString(),
		ExecutionID:       tx.inst.ID,
		NodeID:            n.ID,
		Approvers:         slices.Clone(cfg.Approvers),
		ApprovalType:      typ,
		Decisions:         []schema.ApprovalDecision{},
		RequiredApprovals: schema.RequiredApprovalsFor(typ, len(cfg.Approvers)),
		Escalation:        cfg.Escalation,
		Status:            schema.ApprovalWaiting,
		CreatedAt:         tx.now,
	}
	if cfg.DueInHours > 0 {
		at := tx.now.Add(hours(cfg.DueInHours))
		req.ExpiresAt = &at
		tx.schedule(schema.EventApprovalExpire, n.ID, st.Attempt, at)
	}
	if esc := cfg.Escalation; esc != nil && esc.Enabled && len(esc.EscalateTo) > 0 {
		tx.schedule(schema.EventApprovalEscalate, n.ID, st.Attempt, tx.now.Add(hours(esc.EscalateAfterHours)))
	}

	if err := tx.setStepStatus(st, schema.StepWaitingApproval); err != nil {
		return err
	}
	st.RequestID = req.ID
	tx.emit(n.ID, schema.TransitionStepWaiting, map[string]any{"request_id": req.ID})
	tx.putApproval(req)
	tx.notice(n.ID, notify.TypeApprovalRequested, map[string]any{
		"request_id": req.ID,
		"approvers":  req.Approvers,
		"type":       string(req.ApprovalType),
		"expires_at": req.ExpiresAt,
	})

	if aa := cfg.AutoApprove; aa != nil && aa.Enabled && len(n.autoConds) > 0 {
		ok, err := tx.autoApproves(n)
		if err != nil {
			if cerr := tx.closeRequest(st); cerr != nil {
				return cerr
			}
			return tx.failStep(st, schema.StepErrorFrom(err))
		}
		if ok {
			tx.record(req, schema.SystemApprover, schema.DecisionApproved, "auto-approved")
			return tx.finalize(st, n, req, schema.DecisionApproved)
		}
	}
	return nil
}

// autoApproves reports whether every auto-approve condition holds.
func (tx *txn) autoApproves(n *compiledNode) (bool, error) {
	for _, c := range n.autoConds {
		ok, err := c.Evaluate(tx.inst.Variables)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// decide records one approver's decision. Unlike other events, a decision
// that cannot be applied is reported to the caller instead of being dropped.
func (tx *txn) decide(st *schema.StepState, n *compiledNode, ev schema.Event) error {
	if st == nil || st.RequestID == "" || (ev.RequestID != "" && ev.RequestID != st.RequestID) {
		return schema.NewErrorf(schema.ErrCodeNotFound, "no approval request for node %q", n.ID).WithNode(n.ID)
	}
	if !ev.Decision.Valid() {
		return schema.NewErrorf(schema.ErrCodeValidation, "invalid decision %q", ev.Decision).WithNode(n.ID)
	}
	req, err := tx.approval(st.RequestID)
	if err != nil {
		return err
	}
	if !req.HasApprover(ev.ApproverID) {
		return schema.NewErrorf(schema.ErrCodeApprovalUnauthorized, "%q is not an approver of request %s", ev.ApproverID, req.ID).
			WithNode(n.ID)
	}
	if req.IsTerminal() {
		if req.Status == schema.ApprovalExpired {
			return schema.NewErrorf(schema.ErrCodeApprovalExpired, "approval request %s has expired", req.ID).WithNode(n.ID)
		}
		return schema.NewErrorf(schema.ErrCodeApprovalDecided, "approval request %s is already %s", req.ID, req.Status).
			WithNode(n.ID)
	}
	if req.HasDecided(ev.ApproverID) {
		return schema.NewErrorf(schema.ErrCodeApprovalDecided, "%q already decided on request %s", ev.ApproverID, req.ID).
			WithNode(n.ID)
	}
	if req.ExpiresAt != nil && !tx.now.Before(*req.ExpiresAt) {
		return schema.NewErrorf(schema.ErrCodeApprovalExpired, "approval request %s has expired", req.ID).WithNode(n.ID)
	}

	tx.record(req, ev.ApproverID, ev.Decision, ev.Comment)
	if outcome, done := resolve(req); done {
		return tx.finalize(st, n, req, outcome)
	}
	return nil
}

// record appends a decision to the request.
func (tx *txn) record(req *schema.ApprovalRequest, approver string, d schema.Decision, comment string) {
	req.Decisions = append(req.Decisions, schema.ApprovalDecision{
		ApproverID: approver,
		Decision:   d,
		Comment:    comment,
		Timestamp:  tx.now,
	})
	req.ReceivedApprovals, _ = req.Tally()
	tx.putApproval(req)
	tx.emit(req.NodeID, schema.TransitionApprovalDecision, map[string]any{
		"request_id":  req.ID,
		"approver_id": approver,
		"decision":    string(d),
		"comment":     comment,
	})
	tx.after(func(context.Context) { tx.e.metrics.ApprovalDecision(string(d)) })
}

// resolve applies the approval type to the decisions recorded so far.
//
//	any       the first decision decides
//	all       one rejection rejects; approvals from every approver approve
//	majority  once more than half of the approvers decided, the larger side
//	          wins and a tie rejects
func resolve(req *schema.ApprovalRequest) (schema.Decision, bool) {
	approved, rejected := req.Tally()
	switch req.ApprovalType {
	case schema.ApprovalAll:
		if rejected > 0 {
			return schema.DecisionRejected, true
		}
		if approved >= req.RequiredApprovals {
			return schema.DecisionApproved, true
		}
	case schema.ApprovalMajority:
		if len(req.Decisions)*2 > len(req.Approvers) {
			if approved > rejected {
				return schema.DecisionApproved, true
			}
			return schema.DecisionRejected, true
		}
	default:
		if len(req.Decisions) > 0 {
			return req.Decisions[0].Decision, true
		}
	}
	return "", false
}

// finalize closes the request and completes the step with the outcome.
func (tx *txn) finalize(st *schema.StepState, n *compiledNode, req *schema.ApprovalRequest, outcome schema.Decision) error {
	now := tx.now
	req.Status = schema.ApprovalApproved
	if outcome == schema.DecisionRejected {
		req.Status = schema.ApprovalRejected
	}
	req.ResolvedAt = &now
	tx.putApproval(req)
	tx.unscheduleStep(st)

	return tx.complete(st, n, map[string]any{
		"decision":  outcome,
		"decisions": slices.Clone(req.Decisions),
	}, schema.StepCompleted)
}

// escalate widens the approver list of a request that stayed pending too long.
func (tx *txn) escalate(st *schema.StepState, n *compiledNode) error {
	req, err := tx.approval(st.RequestID)
	if err != nil {
		return err
	}
	if req.IsTerminal() || req.Escalated || req.Escalation == nil {
		return nil
	}
	var added []string
	for _, id := range req.Escalation.EscalateTo {
		if !req.HasApprover(id) {
			req.Approvers = append(req.Approvers, id)
			added = append(added, id)
		}
	}
	req.Escalated = true
	req.RequiredApprovals = schema.RequiredApprovalsFor(req.ApprovalType, len(req.Approvers))
	tx.putApproval(req)
	tx.emit(n.ID, schema.TransitionApprovalEscalated, map[string]any{
		"request_id": req.ID,
		"added":      added,
		"approvers":  slices.Clone(req.Approvers),
	})
	tx.notice(n.ID, notify.TypeApprovalRequested, map[string]any{
		"request_id": req.ID,
		"approvers":  added,
		"type":       string(req.ApprovalType),
		"escalated":  true,
	})

	if outcome, done := resolve(req); done {
		return tx.finalize(st, n, req, outcome)
	}
	return nil
}

// expire resolves a request whose deadline passed. An enabled auto-approve
// applies its decision; otherwise the step expires and follows its expired
// edge, or fails when it has none.
func (tx *txn) expire(st *schema.StepState, n *compiledNode) error {
	req, err := tx.approval(st.RequestID)
	if err != nil {
		return err
	}
	if req.IsTerminal() {
		return nil
	}

	if aa := n.approval.AutoApprove; aa != nil && aa.Enabled {
		d := aa.Decision
		if !d.Valid() {
			d = schema.DecisionApproved
		}
		tx.record(req, schema.SystemApprover, d, "applied on expiry")
		return tx.finalize(st, n, req, d)
	}

	now := tx.now
	req.Status = schema.ApprovalExpired
	req.ResolvedAt = &now
	tx.putApproval(req)

	if err := tx.finish(st, schema.StepExpired); err != nil {
		return err
	}
	expiredErr := &schema.StepError{
		Code:    schema.ErrCodeApprovalExpired,
		Message: "approval request " + req.ID + " expired",
	}
	st.Error = expiredErr
	tx.emit(n.ID, schema.TransitionStepExpired, map[string]any{"request_id": req.ID})
	tx.unscheduleStep(st)

	e := tx.g.taggedEdge(n.ID, schema.TagExpired)
	if e == nil {
		return tx.routeFailure(st, expiredErr)
	}
	if lerr := tx.traverse([]*schema.Edge{e}); lerr != nil {
		return tx.routeFailure(st, lerr)
	}
	if err := tx.activate(e.TargetNodeID, st.Scope); err != nil {
		return err
	}
	return tx.settleScope(st.Scope)
}

// closeRequest closes the pending request of a step that stops waiting for
// any reason other than a decision.
func (tx *txn) closeRequest(st *schema.StepState) error {
	if st.Kind != schema.NodeApproval || st.RequestID == "" {
		return nil
	}
	req, err := tx.approval(st.RequestID)
	if err != nil {
		return err
	}
	if req.IsTerminal() {
		return nil
	}
	now := tx.now
	req.Status = schema.ApprovalClosed
	req.ResolvedAt = &now
	tx.putApproval(req)
	return nil
}
