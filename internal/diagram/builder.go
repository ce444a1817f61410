package diagram

import (
	"fmt"
	"slices"

	"github.com/rendis/procflow/internal/validation"
	"github.com/rendis/procflow/pkg/schema"
)

// Build constructs a DiagramModel from a graph definition and optional step
// states keyed by node id. Loop edges are drawn but ignored for layering.
func Build(def *schema.GraphDefinition, states map[string]*schema.StepState) (*DiagramModel, error) {
	if def == nil || len(def.Nodes) == 0 {
		return nil, fmt.Errorf("diagram: graph has no nodes")
	}

	nodes := make([]*Node, 0, len(def.Nodes))
	index := make(map[string]*Node, len(def.Nodes))
	for i := range def.Nodes {
		n := &def.Nodes[i]
		node := &Node{ID: n.ID, Label: nodeLabel(n), Kind: kindOf(n.Kind)}
		overlayStatus(node, states[n.ID])
		nodes = append(nodes, node)
		index[n.ID] = node
	}

	edges := make([]Edge, 0, len(def.Edges))
	for _, e := range def.Edges {
		if index[e.SourceNodeID] == nil || index[e.TargetNodeID] == nil {
			return nil, fmt.Errorf("diagram: edge %s has a dangling endpoint", e.ID)
		}
		edges = append(edges, Edge{
			From:  e.SourceNodeID,
			To:    e.TargetNodeID,
			Label: edgeLabel(e),
			Loop:  e.Loop != nil,
		})
	}

	for i := range def.Nodes {
		n := &def.Nodes[i]
		if n.Kind == schema.NodeParallel {
			buildBranches(def, n, index[n.ID])
		}
	}

	levels, err := buildLevels(def)
	if err != nil {
		return nil, err
	}
	return &DiagramModel{
		Title:  titleFromDef(def),
		Nodes:  nodes,
		Edges:  edges,
		Levels: levels,
	}, nil
}

// nodeLabel creates a human-readable label for a node.
func nodeLabel(n *schema.Node) string {
	name := n.ID
	if n.Name != "" {
		name = n.Name
	}
	switch n.Kind {
	case schema.NodeTask:
		if cfg, err := schema.DecodeConfig[schema.TaskConfig](n); err == nil && cfg.TaskType != "" {
			return fmt.Sprintf("%s\n(%s)", name, cfg.TaskType)
		}
	case schema.NodeAIAgent:
		if cfg, err := schema.DecodeConfig[schema.AIAgentConfig](n); err == nil && cfg.Model != "" {
			return fmt.Sprintf("%s\n(%s)", name, cfg.Model)
		}
	case schema.NodeApproval:
		if cfg, err := schema.DecodeConfig[schema.ApprovalConfig](n); err == nil && cfg.ApprovalType != "" {
			return fmt.Sprintf("%s\n(%s)", name, cfg.ApprovalType)
		}
	}
	return name
}

func edgeLabel(e schema.Edge) string {
	if e.Loop != nil && e.Loop.MaxIterations > 0 {
		if e.BranchTag != "" {
			return fmt.Sprintf("%s, max %d", e.BranchTag, e.Loop.MaxIterations)
		}
		return fmt.Sprintf("max %d", e.Loop.MaxIterations)
	}
	return e.BranchTag
}

// overlayStatus applies runtime step state to a node.
func overlayStatus(node *Node, st *schema.StepState) {
	if st == nil {
		return
	}
	ov := &StatusOverlay{
		Status:     string(st.Status),
		Attempt:    st.Attempt,
		RetryCount: st.RetryCount,
	}
	if st.Error != nil {
		ov.Error = st.Error.Message
	}
	if st.StartedAt != nil && st.CompletedAt != nil {
		ov.DurationMs = st.CompletedAt.Sub(*st.StartedAt).Milliseconds()
	}
	node.Status = ov
}

// buildBranches frames the nodes of each parallel branch in a subgraph.
func buildBranches(def *schema.GraphDefinition, n *schema.Node, node *Node) {
	cfg, err := schema.DecodeConfig[schema.ParallelConfig](n)
	if err != nil {
		return
	}
	for _, b := range cfg.Branches {
		members := validation.BranchNodes(def, n.ID, cfg, b)
		ids := make([]string, 0, len(members))
		for id := range members {
			ids = append(ids, id)
		}
		slices.Sort(ids)
		node.Children = append(node.Children, &SubGraph{Label: b.ID, NodeIDs: ids})
	}
}

// buildLevels layers nodes by their longest forward distance from the start
// nodes. It fails when the forward edges contain a cycle.
func buildLevels(def *schema.GraphDefinition) ([][]string, error) {
	indegree := make(map[string]int, len(def.Nodes))
	out := make(map[string][]string, len(def.Nodes))
	for _, n := range def.Nodes {
		indegree[n.ID] = 0
	}
	for _, e := range def.Edges {
		if e.Loop != nil {
			continue
		}
		out[e.SourceNodeID] = append(out[e.SourceNodeID], e.TargetNodeID)
		indegree[e.TargetNodeID]++
	}

	depth := make(map[string]int, len(def.Nodes))
	var queue []string
	for _, n := range def.Nodes {
		if indegree[n.ID] == 0 {
			queue = append(queue, n.ID)
		}
	}
	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, next := range out[id] {
			depth[next] = max(depth[next], depth[id]+1)
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	if visited != len(def.Nodes) {
		return nil, fmt.Errorf("diagram: graph has a cycle outside loop edges")
	}

	var levels [][]string
	for _, n := range def.Nodes {
		d := depth[n.ID]
		for len(levels) <= d {
			levels = append(levels, nil)
		}
		levels[d] = append(levels[d], n.ID)
	}
	return levels, nil
}

// titleFromDef generates a diagram title from the graph name or metadata.
func titleFromDef(def *schema.GraphDefinition) string {
	if def.Name != "" {
		if def.Version > 0 {
			return fmt.Sprintf("%s v%d", def.Name, def.Version)
		}
		return def.Name
	}
	if name, ok := def.Metadata["name"].(string); ok && name != "" {
		return name
	}
	return "Workflow"
}
