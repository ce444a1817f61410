package schema

import (
	"slices"
	"time"
)

// Decision is an approver's verdict.
type Decision string

const (
	DecisionApproved Decision = "approved"
	DecisionRejected Decision = "rejected"
)

// Valid reports whether d is one of the known decisions.
func (d Decision) Valid() bool {
	return d == DecisionApproved || d == DecisionRejected
}

// ApprovalStatus is the lifecycle state of an approval request.
type ApprovalStatus string

const (
	ApprovalWaiting  ApprovalStatus = "waiting_approval"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
	ApprovalExpired  ApprovalStatus = "expired"
	ApprovalClosed   ApprovalStatus = "closed"
)

// ApprovalDecision is one recorded decision.
type ApprovalDecision struct {
	ApproverID string    `json:"approverId"`
	Decision   Decision  `json:"decision"`
	Comment    string    `json:"comment,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// SystemApprover is the approver id recorded for automatic decisions.
const SystemApprover = "system"

// ApprovalRequest is the pending human decision created by an approval step.
type ApprovalRequest struct {
	ID                string             `json:"id"`
	ExecutionID       string             `json:"executionId"`
	NodeID            string             `json:"nodeId"`
	Approvers         []string           `json:"approvers"`
	ApprovalType      ApprovalType       `json:"approvalType"`
	Decisions         []ApprovalDecision `json:"decisions"`
	RequiredApprovals int                `json:"requiredApprovals"`
	ReceivedApprovals int                `json:"receivedApprovals"`
	Escalation        *EscalationConfig  `json:"escalation,omitempty"`
	Escalated         bool               `json:"escalated,omitempty"`
	ExpiresAt         *time.Time         `json:"expiresAt,omitempty"`
	Status            ApprovalStatus     `json:"status"`
	CreatedAt         time.Time          `json:"createdAt"`
	ResolvedAt        *time.Time         `json:"resolvedAt,omitempty"`
}

// RequiredApprovalsFor returns the approvals needed for a terminal approval.
func RequiredApprovalsFor(t ApprovalType, approvers int) int {
	switch t {
	case ApprovalAll:
		return approvers
	case ApprovalMajority:
		return approvers/2 + 1
	default:
		return 1
	}
}

// IsTerminal reports whether the request accepts no further decisions.
func (r *ApprovalRequest) IsTerminal() bool {
	return r.Status != ApprovalWaiting
}

// HasApprover reports whether id may decide on the request.
func (r *ApprovalRequest) HasApprover(id string) bool {
	return slices.Contains(r.Approvers, id)
}

// HasDecided reports whether id already recorded a decision.
func (r *ApprovalRequest) HasDecided(id string) bool {
	for _, d := range r.Decisions {
		if d.ApproverID == id {
			return true
		}
	}
	return false
}

// Tally counts approved and rejected decisions.
func (r *ApprovalRequest) Tally() (approved, rejected int) {
	for _, d := range r.Decisions {
		switch d.Decision {
		case DecisionApproved:
			approved++
		case DecisionRejected:
			rejected++
		}
	}
	return approved, rejected
}
