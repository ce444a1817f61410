package expressions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/procflow/pkg/schema"
)

type invoiceOutput struct {
	Total int      `json:"total"`
	Lines []string `json:"lines"`
}

func TestOutputMapper_Apply(t *testing.T) {
	m := NewOutputMapper()
	output := map[string]any{
		"risk": map[string]any{"score": 0.82, "flags": []any{"velocity", "geo"}},
		"id":   "r-1",
	}

	updates, err := m.Apply(context.Background(), map[string]string{
		"riskScore": ".risk.score",
		"flagCount": ".risk.flags | length",
		"eachFlag":  ".risk.flags[]",
		"nothing":   "empty",
	}, output)
	require.NoError(t, err)

	assert.Equal(t, 0.82, updates["riskScore"])
	assert.Equal(t, 2, updates["flagCount"])
	assert.Equal(t, []any{"velocity", "geo"}, updates["eachFlag"])
	_, set := updates["nothing"]
	assert.False(t, set)
}

func TestOutputMapper_NormalizesStructs(t *testing.T) {
	m := NewOutputMapper()
	updates, err := m.Apply(context.Background(), map[string]string{
		"total": ".total",
		"first": ".lines[0]",
	}, invoiceOutput{Total: 30, Lines: []string{"a", "b"}})
	require.NoError(t, err)
	assert.Equal(t, float64(30), updates["total"])
	assert.Equal(t, "a", updates["first"])
}

func TestOutputMapper_Empty(t *testing.T) {
	m := NewOutputMapper()
	updates, err := m.Apply(context.Background(), nil, map[string]any{"a": 1})
	require.NoError(t, err)
	assert.Nil(t, updates)
}

func TestOutputMapper_Errors(t *testing.T) {
	m := NewOutputMapper()

	_, err := m.Compile(".a | ")
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	_, err = m.Apply(context.Background(), map[string]string{"x": ".a.b"}, map[string]any{"a": "str"})
	require.Error(t, err)
	fe, ok := schema.AsFlowError(err)
	require.True(t, ok)
	assert.Equal(t, "x", fe.Details["variable"])
}

func TestOutputMapper_NoEnvAccess(t *testing.T) {
	t.Setenv("PROCFLOW_SECRET", "hunter2")
	m := NewOutputMapper()
	updates, err := m.Apply(context.Background(), map[string]string{"env": "$ENV.PROCFLOW_SECRET"}, map[string]any{})
	require.NoError(t, err)
	assert.Nil(t, updates["env"])
}
