package engine

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/rendis/procflow/internal/expressions"
	"github.com/rendis/procflow/internal/validation"
	"github.com/rendis/procflow/pkg/schema"
)

// Graph is the executable form of a registered GraphDefinition: configs are
// decoded, expressions compiled and every node is bound to its step kind.
// A Graph is immutable and shared by every instance of the workflow.
type Graph struct {
	WorkflowID string
	Def        *schema.GraphDefinition
	StartID    string

	nodes map[string]*compiledNode
	out   map[string][]*schema.Edge
	edges map[string]*schema.Edge
}

// compiledNode is one node with its decoded config. Exactly one config
// pointer is set, matching the node kind.
type compiledNode struct {
	*schema.Node
	kind stepKind

	task     *schema.TaskConfig
	approval *schema.ApprovalConfig
	ai       *schema.AIAgentConfig
	cond     *schema.ConditionalConfig
	parallel *schema.ParallelConfig

	condition *expressions.Condition
	autoConds []*expressions.Condition
	prompt    *expressions.Template
	join      string
}

// compilers bundles the expression engines a graph is compiled with.
type compilers struct {
	conditions *expressions.ConditionEvaluator
	templates  *expressions.Interpolator
	mappings   *expressions.OutputMapper
}

var stepKinds = map[schema.NodeKind]stepKind{
	schema.NodeStart:       startKind{},
	schema.NodeEnd:         endKind{},
	schema.NodeTask:        taskKind{},
	schema.NodeApproval:    approvalKind{},
	schema.NodeAIAgent:     aiAgentKind{},
	schema.NodeConditional: conditionalKind{},
	schema.NodeParallel:    parallelKind{},
}

// CompileGraph builds the executable graph of a validated definition.
func CompileGraph(workflowID string, def *schema.GraphDefinition, c compilers) (*Graph, error) {
	if def == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "graph definition is nil")
	}

	g := &Graph{
		WorkflowID: workflowID,
		Def:        def,
		nodes:      make(map[string]*compiledNode, len(def.Nodes)),
		out:        make(map[string][]*schema.Edge, len(def.Nodes)),
		edges:      make(map[string]*schema.Edge, len(def.Edges)),
	}

	for i := range def.Nodes {
		n, err := compileNode(def, &def.Nodes[i], c)
		if err != nil {
			return nil, err
		}
		if n.Kind == schema.NodeStart {
			g.StartID = n.ID
		}
		g.nodes[n.ID] = n
	}
	if g.StartID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "graph has no start node")
	}

	for i := range def.Edges {
		e := &def.Edges[i]
		if g.nodes[e.SourceNodeID] == nil || g.nodes[e.TargetNodeID] == nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "edge %q has a dangling endpoint", e.ID)
		}
		g.out[e.SourceNodeID] = append(g.out[e.SourceNodeID], e)
		g.edges[e.ID] = e
	}
	return g, nil
}

func compileNode(def *schema.GraphDefinition, node *schema.Node, c compilers) (*compiledNode, error) {
	kind, ok := stepKinds[node.Kind]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown node kind %q", node.Kind).WithNode(node.ID)
	}
	n := &compiledNode{Node: node, kind: kind}

	var err error
	switch node.Kind {
	case schema.NodeTask:
		n.task, err = schema.DecodeConfig[schema.TaskConfig](node)

	case schema.NodeApproval:
		if n.approval, err = schema.DecodeConfig[schema.ApprovalConfig](node); err != nil {
			break
		}
		if aa := n.approval.AutoApprove; aa != nil && aa.Enabled {
			for _, src := range aa.Conditions {
				cond, cerr := c.conditions.Compile(src)
				if cerr != nil {
					return nil, withNode(cerr, node.ID)
				}
				n.autoConds = append(n.autoConds, cond)
			}
		}

	case schema.NodeAIAgent:
		if n.ai, err = schema.DecodeConfig[schema.AIAgentConfig](node); err != nil {
			break
		}
		if n.prompt, err = c.templates.Compile(n.ai.Prompt); err != nil {
			return nil, withNode(err, node.ID)
		}

	case schema.NodeConditional:
		if n.cond, err = schema.DecodeConfig[schema.ConditionalConfig](node); err != nil {
			break
		}
		if n.condition, err = c.conditions.Compile(n.cond.Condition); err != nil {
			return nil, withNode(err, node.ID)
		}

	case schema.NodeParallel:
		if n.parallel, err = schema.DecodeConfig[schema.ParallelConfig](node); err != nil {
			break
		}
		n.join = validation.JoinNode(def, node.ID, n.parallel)
	}
	if err != nil {
		return nil, err
	}
	return n, nil
}

func withNode(err error, nodeID string) error {
	if fe, ok := schema.AsFlowError(err); ok && fe.NodeID == "" {
		return fe.WithNode(nodeID)
	}
	return err
}

func (g *Graph) node(id string) *compiledNode {
	return g.nodes[id]
}

// Outgoing returns the edges leaving a node in definition order.
func (g *Graph) Outgoing(id string) []*schema.Edge {
	return g.out[id]
}

// taggedEdge returns the first outgoing edge of a node with the given tag.
func (g *Graph) taggedEdge(id, tag string) *schema.Edge {
	for _, e := range g.out[id] {
		if e.BranchTag == tag {
			return e
		}
	}
	return nil
}

// graphCache holds compiled graphs by workflow id. Concurrent misses for the
// same workflow share one load.
type graphCache struct {
	graphs sync.Map
	group  singleflight.Group
}

func (c *graphCache) put(g *Graph) {
	c.graphs.Store(g.WorkflowID, g)
}

func (c *graphCache) get(ctx context.Context, workflowID string, load func(ctx context.Context, id string) (*Graph, error)) (*Graph, error) {
	if g, ok := c.graphs.Load(workflowID); ok {
		return g.(*Graph), nil
	}
	v, err, _ := c.group.Do(workflowID, func() (any, error) {
		if g, ok := c.graphs.Load(workflowID); ok {
			return g, nil
		}
		g, err := load(ctx, workflowID)
		if err != nil {
			return nil, err
		}
		c.graphs.Store(workflowID, g)
		return g, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Graph), nil
}
