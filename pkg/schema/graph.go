package schema

import (
	"encoding/json"
	"fmt"
)

// GraphDefinition is the immutable blueprint of a workflow. It is validated
// and compiled once at registration; edits produce a new version.
type GraphDefinition struct {
	Name           string                  `json:"name,omitempty"`
	Version        int                     `json:"version,omitempty"`
	Nodes          []Node                  `json:"nodes"`
	Edges          []Edge                  `json:"edges"`
	VariableSchema map[string]VariableSpec `json:"variableSchema,omitempty"`
	Metadata       map[string]any          `json:"metadata,omitempty"`
}

// VariableSpec declares one instance variable.
// Type is one of string, number, integer, boolean, object, array.
type VariableSpec struct {
	Type     string `json:"type"`
	Required bool   `json:"required,omitempty"`
	Default  any    `json:"default,omitempty"`
}

// NodeKind enumerates the closed set of step kinds.
type NodeKind string

const (
	NodeStart       NodeKind = "start"
	NodeEnd         NodeKind = "end"
	NodeTask        NodeKind = "task"
	NodeApproval    NodeKind = "approval"
	NodeAIAgent     NodeKind = "ai_agent"
	NodeConditional NodeKind = "conditional"
	NodeParallel    NodeKind = "parallel"
)

// Node is one vertex of the graph. Config holds the kind-specific block and is
// decoded into the matching *Config type when the graph is compiled.
type Node struct {
	ID     string          `json:"id"`
	Kind   NodeKind        `json:"kind"`
	Name   string          `json:"name,omitempty"`
	Config json.RawMessage `json:"config,omitempty"`
}

// Edge tags with engine meaning. Any other tag on a Parallel edge is a branch id.
const (
	TagTrue     = "true"
	TagFalse    = "false"
	TagError    = "error"
	TagExpired  = "expired"
	TagApproved = "approved"
	TagRejected = "rejected"
)

// Edge connects two nodes. BranchTag selects the edge for conditional,
// approval and parallel fan-out. Loop marks an edge that may point backwards.
type Edge struct {
	ID           string     `json:"id"`
	SourceNodeID string     `json:"sourceNodeId"`
	TargetNodeID string     `json:"targetNodeId"`
	BranchTag    string     `json:"branchTag,omitempty"`
	Loop         *LoopGuard `json:"loop,omitempty"`
}

// LoopGuard caps how many times a loop edge may be traversed in one instance.
// A zero MaxIterations falls back to the engine's default loop limit.
type LoopGuard struct {
	MaxIterations int `json:"maxIterations,omitempty"`
}

// RetryPolicy configures retries for task and AI agent steps.
// RetryDelay and MaxDelay are in seconds.
type RetryPolicy struct {
	MaxRetries        int     `json:"maxRetries"`
	RetryDelay        float64 `json:"retryDelay"`
	BackoffMultiplier float64 `json:"backoffMultiplier,omitempty"`
	MaxDelay          float64 `json:"maxDelay,omitempty"`
}

// TaskConfig is the config block for task nodes.
type TaskConfig struct {
	TaskType       string            `json:"taskType"`
	TimeoutMinutes float64           `json:"timeoutMinutes,omitempty"`
	RetryPolicy    *RetryPolicy      `json:"retryPolicy,omitempty"`
	Params         map[string]any    `json:"params,omitempty"`
	OutputMapping  map[string]string `json:"outputMapping,omitempty"`
}

// ApprovalType selects how individual decisions combine.
type ApprovalType string

const (
	ApprovalAny      ApprovalType = "any"
	ApprovalAll      ApprovalType = "all"
	ApprovalMajority ApprovalType = "majority"
)

// ApprovalConfig is the config block for approval nodes.
type ApprovalConfig struct {
	Approvers    []string           `json:"approvers"`
	ApprovalType ApprovalType       `json:"approvalType"`
	DueInHours   float64            `json:"dueInHours,omitempty"`
	Escalation   *EscalationConfig  `json:"escalation,omitempty"`
	AutoApprove  *AutoApproveConfig `json:"autoApprove,omitempty"`
}

// EscalationConfig adds approvers when a request stays pending too long.
type EscalationConfig struct {
	Enabled            bool     `json:"enabled"`
	EscalateAfterHours float64  `json:"escalateAfterHours"`
	EscalateTo         []string `json:"escalateTo"`
}

// AutoApproveConfig finalizes a request without human input. Conditions are
// checked at activation (all must hold); Decision is applied on expiry.
type AutoApproveConfig struct {
	Enabled    bool     `json:"enabled"`
	Conditions []string `json:"conditions,omitempty"`
	Decision   Decision `json:"decision,omitempty"`
}

// AIAgentConfig is the config block for AI agent nodes.
type AIAgentConfig struct {
	Model          string            `json:"model"`
	Temperature    float64           `json:"temperature,omitempty"`
	MaxTokens      int               `json:"maxTokens,omitempty"`
	Prompt         string            `json:"prompt"`
	TimeoutMinutes float64           `json:"timeoutMinutes,omitempty"`
	RetryPolicy    *RetryPolicy      `json:"retryPolicy,omitempty"`
	OutputMapping  map[string]string `json:"outputMapping,omitempty"`
}

// ConditionalConfig is the config block for conditional nodes.
type ConditionalConfig struct {
	Condition   string `json:"condition"`
	TrueEdgeID  string `json:"trueEdgeId,omitempty"`
	FalseEdgeID string `json:"falseEdgeId,omitempty"`
}

// ExecutionMode selects the join rule of a parallel node.
type ExecutionMode string

const (
	ExecutionAll   ExecutionMode = "all"
	ExecutionAny   ExecutionMode = "any"
	ExecutionFirst ExecutionMode = "first"
)

// FailureMode selects how branch failures affect a parallel node.
type FailureMode string

const (
	FailureFailFast FailureMode = "fail_fast"
	FailureContinue FailureMode = "continue"
	FailureIgnore   FailureMode = "ignore"
)

// BranchSpec binds a branch id to the first node of the branch.
type BranchSpec struct {
	ID           string `json:"id"`
	TargetNodeID string `json:"targetNodeId"`
}

// ParallelConfig is the config block for parallel nodes.
type ParallelConfig struct {
	Branches       []BranchSpec  `json:"branches"`
	ExecutionMode  ExecutionMode `json:"executionMode,omitempty"`
	MaxConcurrency int           `json:"maxConcurrency,omitempty"`
	FailureMode    FailureMode   `json:"failureMode,omitempty"`
	TimeoutMinutes float64       `json:"timeoutMinutes,omitempty"`
	JoinNodeID     string        `json:"joinNodeId,omitempty"`
}

// DecodeConfig decodes a node's config block into T.
// A missing block decodes to the zero value.
func DecodeConfig[T any](n *Node) (*T, error) {
	var cfg T
	if len(n.Config) == 0 || string(n.Config) == "null" {
		return &cfg, nil
	}
	if err := json.Unmarshal(n.Config, &cfg); err != nil {
		return nil, NewErrorf(ErrCodeValidation, "decode %s config: %s", n.Kind, err.Error()).
			WithNode(n.ID).WithCause(err)
	}
	return &cfg, nil
}

// MustConfig marshals v into a node config block. Intended for building
// definitions in code; it panics on values json cannot encode.
func MustConfig(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("marshal node config: %v", err))
	}
	return b
}

// Node returns the node with the given id, or nil.
func (g *GraphDefinition) Node(id string) *Node {
	for i := range g.Nodes {
		if g.Nodes[i].ID == id {
			return &g.Nodes[i]
		}
	}
	return nil
}
