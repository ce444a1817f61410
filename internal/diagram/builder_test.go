package diagram

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/procflow/pkg/schema"
)

// --- Test graph builders ---

func node(id string, kind schema.NodeKind, cfg any) schema.Node {
	n := schema.Node{ID: id, Kind: kind}
	if cfg != nil {
		n.Config = schema.MustConfig(cfg)
	}
	return n
}

func edge(id, from, to, tag string) schema.Edge {
	return schema.Edge{ID: id, SourceNodeID: from, TargetNodeID: to, BranchTag: tag}
}

func linearGraph() *schema.GraphDefinition {
	return &schema.GraphDefinition{
		Name: "ETL Pipeline",
		Nodes: []schema.Node{
			node("start", schema.NodeStart, nil),
			node("fetch", schema.NodeTask, schema.TaskConfig{TaskType: "http.request"}),
			node("transform", schema.NodeTask, schema.TaskConfig{TaskType: "expr.eval"}),
			node("end", schema.NodeEnd, nil),
		},
		Edges: []schema.Edge{
			edge("e1", "start", "fetch", ""),
			edge("e2", "fetch", "transform", ""),
			edge("e3", "transform", "end", ""),
		},
	}
}

func conditionalGraph() *schema.GraphDefinition {
	return &schema.GraphDefinition{
		Nodes: []schema.Node{
			node("start", schema.NodeStart, nil),
			node("decide", schema.NodeConditional, schema.ConditionalConfig{Condition: "amount > 100"}),
			node("review", schema.NodeApproval, schema.ApprovalConfig{Approvers: []string{"ann"}, ApprovalType: schema.ApprovalAny}),
			node("auto", schema.NodeTask, schema.TaskConfig{TaskType: "echo"}),
			node("end", schema.NodeEnd, nil),
		},
		Edges: []schema.Edge{
			edge("e1", "start", "decide", ""),
			edge("e2", "decide", "review", schema.TagTrue),
			edge("e3", "decide", "auto", schema.TagFalse),
			edge("e4", "review", "end", ""),
			edge("e5", "auto", "end", ""),
		},
	}
}

func parallelGraph() *schema.GraphDefinition {
	return &schema.GraphDefinition{
		Nodes: []schema.Node{
			node("start", schema.NodeStart, nil),
			node("fan-out", schema.NodeParallel, schema.ParallelConfig{
				Branches: []schema.BranchSpec{{ID: "a", TargetNodeID: "ta"}, {ID: "b", TargetNodeID: "tb"}},
			}),
			node("ta", schema.NodeTask, schema.TaskConfig{TaskType: "echo"}),
			node("tb", schema.NodeAIAgent, schema.AIAgentConfig{Model: "gpt", Prompt: "hi"}),
			node("join", schema.NodeTask, schema.TaskConfig{TaskType: "echo"}),
			node("end", schema.NodeEnd, nil),
		},
		Edges: []schema.Edge{
			edge("e1", "start", "fan-out", ""),
			edge("e2", "fan-out", "ta", "a"),
			edge("e3", "fan-out", "tb", "b"),
			edge("e4", "ta", "join", ""),
			edge("e5", "tb", "join", ""),
			edge("e6", "join", "end", ""),
		},
	}
}

func loopGraph() *schema.GraphDefinition {
	def := linearGraph()
	def.Nodes = append(def.Nodes[:3:3],
		node("check", schema.NodeConditional, schema.ConditionalConfig{Condition: "done"}),
		def.Nodes[3],
	)
	def.Edges = []schema.Edge{
		edge("e1", "start", "fetch", ""),
		edge("e2", "fetch", "transform", ""),
		edge("e3", "transform", "check", ""),
		edge("e4", "check", "end", schema.TagTrue),
		{ID: "again", SourceNodeID: "check", TargetNodeID: "fetch", BranchTag: schema.TagFalse, Loop: &schema.LoopGuard{MaxIterations: 3}},
	}
	return def
}

func findModelNode(t *testing.T, model *DiagramModel, id string) *Node {
	t.Helper()
	for _, n := range model.Nodes {
		if n.ID == id {
			return n
		}
	}
	t.Fatalf("node %s not in model", id)
	return nil
}

// --- Tests ---

func TestBuildLinearGraph(t *testing.T) {
	model, err := Build(linearGraph(), nil)
	require.NoError(t, err)

	assert.Equal(t, "ETL Pipeline", model.Title)
	assert.Len(t, model.Nodes, 4)
	assert.Len(t, model.Edges, 3)
	assert.Equal(t, [][]string{{"start"}, {"fetch"}, {"transform"}, {"end"}}, model.Levels)

	assert.Equal(t, NodeKindStart, findModelNode(t, model, "start").Kind)
	assert.Equal(t, NodeKindTask, findModelNode(t, model, "fetch").Kind)
	assert.Equal(t, "fetch\n(http.request)", findModelNode(t, model, "fetch").Label)
	assert.Equal(t, NodeKindEnd, findModelNode(t, model, "end").Kind)
}

func TestBuildConditionalGraph(t *testing.T) {
	model, err := Build(conditionalGraph(), nil)
	require.NoError(t, err)

	assert.Equal(t, "Workflow", model.Title)
	assert.Equal(t, NodeKindConditional, findModelNode(t, model, "decide").Kind)
	assert.Equal(t, NodeKindApproval, findModelNode(t, model, "review").Kind)

	labels := map[string]string{}
	for _, e := range model.Edges {
		labels[e.To] = e.Label
	}
	assert.Equal(t, "true", labels["review"])
	assert.Equal(t, "false", labels["auto"])
	assert.Equal(t, []string{"review", "auto"}, model.Levels[2])
}

func TestBuildParallelBranches(t *testing.T) {
	model, err := Build(parallelGraph(), nil)
	require.NoError(t, err)

	par := findModelNode(t, model, "fan-out")
	assert.Equal(t, NodeKindParallel, par.Kind)
	require.Len(t, par.Children, 2)
	assert.Equal(t, "a", par.Children[0].Label)
	assert.Equal(t, []string{"ta"}, par.Children[0].NodeIDs)
	assert.Equal(t, []string{"tb"}, par.Children[1].NodeIDs)
	assert.Equal(t, NodeKindAIAgent, findModelNode(t, model, "tb").Kind)
}

func TestBuildLoopEdgeSkippedForLevels(t *testing.T) {
	model, err := Build(loopGraph(), nil)
	require.NoError(t, err)

	var loop *Edge
	for i := range model.Edges {
		if model.Edges[i].Loop {
			loop = &model.Edges[i]
		}
	}
	require.NotNil(t, loop)
	assert.Equal(t, "false, max 3", loop.Label)
	assert.Equal(t, []string{"start"}, model.Levels[0])
	assert.Equal(t, []string{"end"}, model.Levels[len(model.Levels)-1])
}

func TestBuildRejectsUnmarkedCycle(t *testing.T) {
	def := loopGraph()
	def.Edges[4].Loop = nil
	_, err := Build(def, nil)
	require.Error(t, err)
}

func TestBuildWithStatusOverlay(t *testing.T) {
	started := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	done := started.Add(150 * time.Millisecond)
	states := map[string]*schema.StepState{
		"fetch":     {NodeID: "fetch", Status: schema.StepCompleted, Attempt: 2, RetryCount: 1, StartedAt: &started, CompletedAt: &done},
		"transform": {NodeID: "transform", Status: schema.StepFailed, Error: &schema.StepError{Code: "X", Message: "connection timeout"}},
	}

	model, err := Build(linearGraph(), states)
	require.NoError(t, err)

	fetch := findModelNode(t, model, "fetch")
	require.NotNil(t, fetch.Status)
	assert.Equal(t, "completed", fetch.Status.Status)
	assert.Equal(t, int64(150), fetch.Status.DurationMs)
	assert.Equal(t, 1, fetch.Status.RetryCount)

	transform := findModelNode(t, model, "transform")
	require.NotNil(t, transform.Status)
	assert.Equal(t, "connection timeout", transform.Status.Error)

	assert.Nil(t, findModelNode(t, model, "start").Status)
}

func TestBuildNilDefinition(t *testing.T) {
	_, err := Build(nil, nil)
	require.Error(t, err)
}

func TestBuildEmptyGraph(t *testing.T) {
	_, err := Build(&schema.GraphDefinition{}, nil)
	require.Error(t, err)
}

func TestBuildDanglingEdge(t *testing.T) {
	def := linearGraph()
	def.Edges = append(def.Edges, edge("bad", "fetch", "missing", ""))
	_, err := Build(def, nil)
	require.Error(t, err)
}
