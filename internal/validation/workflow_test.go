package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/procflow/internal/expressions"
	"github.com/rendis/procflow/pkg/schema"
)

// --- Fixtures ---

func newTestValidator(t *testing.T) *GraphValidator {
	t.Helper()
	conds, err := expressions.NewConditionEvaluator()
	require.NoError(t, err)
	gv, err := NewGraphValidator(conds, expressions.NewInterpolator(), expressions.NewOutputMapper())
	require.NoError(t, err)
	return gv
}

func testCompilers(t *testing.T) compilers {
	t.Helper()
	conds, err := expressions.NewConditionEvaluator()
	require.NoError(t, err)
	return compilers{conditions: conds, templates: expressions.NewInterpolator(), mappings: expressions.NewOutputMapper()}
}

func node(id string, kind schema.NodeKind, cfg any) schema.Node {
	n := schema.Node{ID: id, Kind: kind}
	if cfg != nil {
		n.Config = schema.MustConfig(cfg)
	}
	return n
}

func edge(id, from, to string) schema.Edge {
	return schema.Edge{ID: id, SourceNodeID: from, TargetNodeID: to}
}

func tagged(id, from, to, tag string) schema.Edge {
	return schema.Edge{ID: id, SourceNodeID: from, TargetNodeID: to, BranchTag: tag}
}

func task(taskType string) schema.TaskConfig {
	return schema.TaskConfig{TaskType: taskType}
}

// invoiceGraph routes large invoices through an approval:
// start -> fetch -> big? -(true)-> review -> end
//                        -(false)-> end
func invoiceGraph() *schema.GraphDefinition {
	return &schema.GraphDefinition{
		Name: "invoice",
		Nodes: []schema.Node{
			node("start", schema.NodeStart, nil),
			node("fetch", schema.NodeTask, schema.TaskConfig{
				TaskType:      "http.fetch",
				Params:        map[string]any{"url": "https://erp/{{ invoiceId }}"},
				OutputMapping: map[string]string{"amount": ".total"},
			}),
			node("big", schema.NodeConditional, schema.ConditionalConfig{Condition: "amount >= 1000"}),
			node("review", schema.NodeApproval, schema.ApprovalConfig{
				Approvers:    []string{"alice", "bob"},
				ApprovalType: schema.ApprovalAny,
				DueInHours:   24,
			}),
			node("end", schema.NodeEnd, nil),
		},
		Edges: []schema.Edge{
			edge("e1", "start", "fetch"),
			edge("e2", "fetch", "big"),
			tagged("e3", "big", "review", schema.TagTrue),
			tagged("e4", "big", "end", schema.TagFalse),
			edge("e5", "review", "end"),
		},
		VariableSchema: map[string]schema.VariableSpec{
			"invoiceId": {Type: "string", Required: true},
			"amount":    {Type: "number", Default: 0},
		},
	}
}

// fanOutGraph runs two branches that meet at "merge".
func fanOutGraph() *schema.GraphDefinition {
	return &schema.GraphDefinition{
		Nodes: []schema.Node{
			node("start", schema.NodeStart, nil),
			node("fan", schema.NodeParallel, schema.ParallelConfig{
				Branches: []schema.BranchSpec{
					{ID: "credit", TargetNodeID: "credit_check"},
					{ID: "fraud", TargetNodeID: "fraud_check"},
				},
				ExecutionMode: schema.ExecutionAll,
				FailureMode:   schema.FailureFailFast,
			}),
			node("credit_check", schema.NodeTask, task("credit")),
			node("credit_score", schema.NodeTask, task("score")),
			node("fraud_check", schema.NodeTask, task("fraud")),
			node("merge", schema.NodeTask, task("merge")),
			node("end", schema.NodeEnd, nil),
		},
		Edges: []schema.Edge{
			edge("e1", "start", "fan"),
			tagged("e2", "fan", "credit_check", "credit"),
			tagged("e3", "fan", "fraud_check", "fraud"),
			edge("e4", "credit_check", "credit_score"),
			edge("e5", "credit_score", "merge"),
			edge("e6", "fraud_check", "merge"),
			edge("e7", "merge", "end"),
		},
	}
}

func codes(issues []schema.ValidationIssue) []string {
	out := make([]string, 0, len(issues))
	for _, i := range issues {
		out = append(out, i.Code)
	}
	return out
}

// --- Full pipeline ---

func TestGraphValidator_ImplementsValidator(t *testing.T) {
	var _ Validator = (*GraphValidator)(nil)
}

func TestGraphValidator_FullValid(t *testing.T) {
	gv := newTestValidator(t)

	for name, def := range map[string]*schema.GraphDefinition{
		"invoice": invoiceGraph(),
		"fan-out": fanOutGraph(),
	} {
		t.Run(name, func(t *testing.T) {
			result := gv.Validate(def)
			assert.True(t, result.Valid(), "%v", result.Errors)
			assert.Empty(t, result.Warnings)
			assert.NoError(t, gv.ValidateGraph(def))
		})
	}
}

func TestGraphValidator_NilDef(t *testing.T) {
	gv := newTestValidator(t)
	result := gv.Validate(nil)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0].Message, "nil")
}

// --- Aggregation ---

func TestGraphValidator_ListsEveryViolation(t *testing.T) {
	gv := newTestValidator(t)

	def := invoiceGraph()
	def.Nodes[3].Config = schema.MustConfig(map[string]any{
		"approvers":    []string{"alice", "bob"},
		"approvalType": "unanimous",
	})
	def.Edges = append(def.Edges, edge("e9", "review", "ghost"))

	result := gv.Validate(def)
	require.False(t, result.Valid())
	assert.True(t, result.HasCode(schema.IssueSchema), "%v", codes(result.Errors))
	assert.True(t, result.HasCode(schema.IssueDanglingEdge), "%v", codes(result.Errors))
}

func TestGraphValidator_StructuralAndGraphErrorsTogether(t *testing.T) {
	gv := newTestValidator(t)

	def := invoiceGraph()
	def.Nodes[3].Config = schema.MustConfig(map[string]any{
		"approvers":    []string{"alice"},
		"approvalType": "unanimous",
	})
	def.Nodes = append(def.Nodes, node("orphan", schema.NodeTask, task("noop")))
	def.Edges = append(def.Edges, edge("e9", "orphan", "end"))

	result := gv.Validate(def)
	require.False(t, result.Valid())
	assert.True(t, result.HasCode(schema.IssueSchema))
	assert.True(t, result.HasCode(schema.IssueUnreachable))
}

func TestGraphValidator_SemanticErrorsSkipGraph(t *testing.T) {
	gv := newTestValidator(t)

	def := invoiceGraph()
	// Orphan node would be unreachable, but the dangling edge stops the pipeline first.
	def.Nodes = append(def.Nodes, node("orphan", schema.NodeTask, task("noop")))
	def.Edges = append(def.Edges, edge("e9", "review", "ghost"))

	result := gv.Validate(def)
	require.False(t, result.Valid())
	assert.True(t, result.HasCode(schema.IssueDanglingEdge))
	assert.False(t, result.HasCode(schema.IssueUnreachable))
}

func TestGraphValidator_ValidateGraphReturnsFlowError(t *testing.T) {
	gv := newTestValidator(t)

	def := invoiceGraph()
	def.Edges = append(def.Edges, edge("e9", "end", "fetch"))

	err := gv.ValidateGraph(def)
	require.Error(t, err)
	fe, ok := schema.AsFlowError(err)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeValidation, fe.Code)
	assert.NotZero(t, fe.Details["error_count"])
}

func TestGraphValidator_WarmsConditionCache(t *testing.T) {
	conds, err := expressions.NewConditionEvaluator()
	require.NoError(t, err)
	gv, err := NewGraphValidator(conds, expressions.NewInterpolator(), expressions.NewOutputMapper())
	require.NoError(t, err)

	require.True(t, gv.Validate(invoiceGraph()).Valid())

	c1, err := conds.Compile("amount >= 1000")
	require.NoError(t, err)
	c2, err := conds.Compile("amount >= 1000")
	require.NoError(t, err)
	assert.Same(t, c1, c2)
}

func TestGraphValidator_ValidateVariables(t *testing.T) {
	gv := newTestValidator(t)
	def := invoiceGraph()

	vars, err := gv.ValidateVariables(map[string]any{"invoiceId": "inv-7"}, def.VariableSchema)
	require.NoError(t, err)
	assert.Equal(t, "inv-7", vars["invoiceId"])
	assert.EqualValues(t, 0, vars["amount"])

	_, err = gv.ValidateVariables(map[string]any{}, def.VariableSchema)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}
