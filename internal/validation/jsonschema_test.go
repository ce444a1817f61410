package validation

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/procflow/pkg/schema"
)

func newJSV(t *testing.T) *JSONSchemaValidator {
	t.Helper()
	v, err := NewJSONSchemaValidator()
	require.NoError(t, err)
	return v
}

func TestValidateStructure_Valid(t *testing.T) {
	v := newJSV(t)
	assert.True(t, v.ValidateStructure(invoiceGraph()).Valid())
	assert.True(t, v.ValidateStructure(fanOutGraph()).Valid())
}

func TestValidateStructure_Violations(t *testing.T) {
	v := newJSV(t)

	cases := map[string]func(def *schema.GraphDefinition){
		"unknown kind": func(def *schema.GraphDefinition) {
			def.Nodes[1].Kind = "webhook"
		},
		"task without config": func(def *schema.GraphDefinition) {
			def.Nodes[1].Config = nil
		},
		"task without taskType": func(def *schema.GraphDefinition) {
			def.Nodes[1].Config = json.RawMessage(`{"params":{}}`)
		},
		"unknown approval type": func(def *schema.GraphDefinition) {
			def.Nodes[3].Config = json.RawMessage(`{"approvers":["a"],"approvalType":"quorum"}`)
		},
		"empty approvers": func(def *schema.GraphDefinition) {
			def.Nodes[3].Config = json.RawMessage(`{"approvers":[],"approvalType":"any"}`)
		},
		"unknown config field": func(def *schema.GraphDefinition) {
			def.Nodes[2].Config = json.RawMessage(`{"condition":"amount > 1","else":"e4"}`)
		},
		"negative retries": func(def *schema.GraphDefinition) {
			def.Nodes[1].Config = json.RawMessage(`{"taskType":"x","retryPolicy":{"maxRetries":-1,"retryDelay":1}}`)
		},
		"negative loop cap": func(def *schema.GraphDefinition) {
			def.Edges[4].Loop = &schema.LoopGuard{MaxIterations: -2}
		},
		"edge without target": func(def *schema.GraphDefinition) {
			def.Edges[0].TargetNodeID = ""
		},
		"bad variable type": func(def *schema.GraphDefinition) {
			def.VariableSchema["amount"] = schema.VariableSpec{Type: "decimal"}
		},
	}

	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			def := invoiceGraph()
			mutate(def)
			result := v.ValidateStructure(def)
			require.False(t, result.Valid())
			for _, issue := range result.Errors {
				assert.Equal(t, schema.IssueSchema, issue.Code)
			}
		})
	}
}

func TestValidateStructure_TooFewNodes(t *testing.T) {
	v := newJSV(t)
	result := v.ValidateStructure(&schema.GraphDefinition{
		Nodes: []schema.Node{node("start", schema.NodeStart, nil)},
		Edges: []schema.Edge{},
	})
	require.False(t, result.Valid())
	assert.Equal(t, "/nodes", result.Errors[0].Path)
}

func TestValidateVariables_NoSpecs(t *testing.T) {
	v := newJSV(t)
	in := map[string]any{"anything": 1}
	out, err := v.ValidateVariables(in, nil)
	require.NoError(t, err)
	assert.Equal(t, in, out)

	out["anything"] = 2
	assert.Equal(t, 1, in["anything"], "returned map is a copy")
}

func TestValidateVariables_Defaults(t *testing.T) {
	v := newJSV(t)
	specs := map[string]schema.VariableSpec{
		"region":  {Type: "string", Default: "eu"},
		"retries": {Type: "integer", Default: 3},
	}

	out, err := v.ValidateVariables(map[string]any{"region": "us"}, specs)
	require.NoError(t, err)
	assert.Equal(t, "us", out["region"])
	assert.Equal(t, 3, out["retries"])
}

func TestValidateVariables_Violations(t *testing.T) {
	v := newJSV(t)
	specs := map[string]schema.VariableSpec{
		"amount":   {Type: "number", Required: true},
		"approved": {Type: "boolean"},
	}

	_, err := v.ValidateVariables(map[string]any{"approved": true}, specs)
	require.Error(t, err)
	fe, ok := schema.AsFlowError(err)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeValidation, fe.Code)
	assert.Contains(t, fe.Message, "amount")

	_, err = v.ValidateVariables(map[string]any{"amount": "12", "approved": "yes"}, specs)
	require.Error(t, err)
	fe, _ = schema.AsFlowError(err)
	assert.Equal(t, 2, fe.Details["error_count"])
}

func TestValidateVariables_CachesSchemas(t *testing.T) {
	v := newJSV(t)
	specs := map[string]schema.VariableSpec{"n": {Type: "integer"}}

	for i := 0; i < 3; i++ {
		_, err := v.ValidateVariables(map[string]any{"n": i}, specs)
		require.NoError(t, err)
	}
	v.mu.RLock()
	defer v.mu.RUnlock()
	assert.Len(t, v.cache, 1)
}
