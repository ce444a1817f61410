package diagram

import "github.com/rendis/procflow/pkg/schema"

// NodeKind classifies a diagram node by the kind of the graph node it draws.
type NodeKind string

const (
	NodeKindStart       NodeKind = "start"
	NodeKindEnd         NodeKind = "end"
	NodeKindTask        NodeKind = "task"
	NodeKindApproval    NodeKind = "approval"
	NodeKindAIAgent     NodeKind = "ai_agent"
	NodeKindConditional NodeKind = "conditional"
	NodeKindParallel    NodeKind = "parallel"
)

// DiagramModel is the intermediate representation used by all renderers.
type DiagramModel struct {
	Title  string
	Nodes  []*Node
	Edges  []Edge
	Levels [][]string
}

// Node represents a single graph node in the diagram.
type Node struct {
	ID       string
	Label    string
	Kind     NodeKind
	Status   *StatusOverlay
	Children []*SubGraph // parallel branches
}

// SubGraph groups the nodes of one parallel branch. Its nodes are drawn at
// top level; the subgraph only frames them.
type SubGraph struct {
	Label   string
	NodeIDs []string
}

// StatusOverlay carries runtime state for a node.
type StatusOverlay struct {
	Status     string // from schema.StepStatus
	DurationMs int64
	Attempt    int
	RetryCount int
	Error      string
}

// Edge represents a transition between two nodes.
type Edge struct {
	From  string
	To    string
	Label string
	Loop  bool
}

func kindOf(k schema.NodeKind) NodeKind {
	return NodeKind(k)
}
