package expressions

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/procflow/pkg/schema"
)

func newEvaluator(t *testing.T) *ConditionEvaluator {
	t.Helper()
	e, err := NewConditionEvaluator()
	require.NoError(t, err)
	return e
}

func TestCondition_AmountRouting(t *testing.T) {
	e := newEvaluator(t)

	t.Run("above threshold", func(t *testing.T) {
		ok, err := e.Evaluate("amount >= 10000", map[string]any{"amount": 15000})
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("below threshold", func(t *testing.T) {
		ok, err := e.Evaluate("amount >= 10000", map[string]any{"amount": 500})
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("string value fails closed", func(t *testing.T) {
		_, err := e.Evaluate("amount >= 10000", map[string]any{"amount": "abc"})
		require.Error(t, err)
		assert.True(t, schema.IsCode(err, schema.ErrCodeConditionEvaluation))
	})
}

func TestCondition_JSONNumbers(t *testing.T) {
	e := newEvaluator(t)

	// Variables decoded from JSON arrive as float64.
	ok, err := e.Evaluate("amount > 100 && amount <= 200.5", map[string]any{"amount": float64(150)})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = e.Evaluate("count == 3", map[string]any{"count": float64(3)})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCondition_Connectives(t *testing.T) {
	e := newEvaluator(t)
	vars := map[string]any{"approved": true, "region": "eu", "score": int64(7)}

	cases := []struct {
		expr string
		want bool
	}{
		{expr: `approved && region == "eu"`, want: true},
		{expr: `!approved || score > 10`, want: false},
		{expr: `region != "us" && !(score < 5)`, want: true},
		{expr: `score >= -1`, want: true},
		{expr: `approved == false`, want: false},
	}
	for _, tc := range cases {
		got, err := e.Evaluate(tc.expr, vars)
		require.NoError(t, err, tc.expr)
		assert.Equal(t, tc.want, got, tc.expr)
	}
}

func TestCondition_FieldAccess(t *testing.T) {
	e := newEvaluator(t)
	vars := map[string]any{
		"customer": map[string]any{
			"tier":    "gold",
			"address": map[string]any{"country": "CL"},
		},
	}

	ok, err := e.Evaluate(`customer.tier == "gold" && customer.address.country == "CL"`, vars)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = e.Evaluate(`customer.segment == "smb"`, vars)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeConditionEvaluation))
}

func TestCondition_UnboundVariable(t *testing.T) {
	e := newEvaluator(t)
	_, err := e.Evaluate("missing > 1", map[string]any{})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeConditionEvaluation))
	assert.Contains(t, err.Error(), "missing")
}

func TestCondition_NonBoolResult(t *testing.T) {
	e := newEvaluator(t)
	_, err := e.Evaluate("amount", map[string]any{"amount": 5})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeConditionEvaluation))
}

func TestCondition_GrammarRejections(t *testing.T) {
	e := newEvaluator(t)

	rejected := []string{
		`size(name) > 3`,
		`name.startsWith("a")`,
		`amount + 1 > 3`,
		`amount > 3 ? true : false`,
		`tags[0] == "x"`,
		`"a" in tags`,
		`[1, 2] == items`,
		`{"a": 1} == m`,
		`has(customer.tier)`,
		`items.all(i, i > 0)`,
		`amount == null`,
		`amount >`,
		``,
	}
	for _, expr := range rejected {
		_, err := e.Compile(expr)
		require.Error(t, err, "expected %q to be rejected", expr)
		assert.True(t, schema.IsCode(err, schema.ErrCodeValidation), expr)
	}
}

func TestCondition_Roots(t *testing.T) {
	e := newEvaluator(t)
	c, err := e.Compile(`customer.tier == "gold" && amount > 10 && amount < 100`)
	require.NoError(t, err)
	assert.Equal(t, []string{"amount", "customer"}, c.Roots)
}

func TestCondition_CompileCached(t *testing.T) {
	e := newEvaluator(t)
	c1, err := e.Compile("a == 1")
	require.NoError(t, err)
	c2, err := e.Compile("a == 1")
	require.NoError(t, err)
	assert.Same(t, c1, c2)
}

func TestCondition_ConcurrentEvaluate(t *testing.T) {
	e := newEvaluator(t)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			ok, err := e.Evaluate("n >= 25", map[string]any{"n": n})
			assert.NoError(t, err)
			assert.Equal(t, n >= 25, ok)
		}(i)
	}
	wg.Wait()
}
