package expressions

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/itchyny/gojq"

	"github.com/rendis/procflow/pkg/schema"
)

// OutputMapper applies a step's outputMapping (variable -> jq expression) to
// its output and returns the variable updates.
// Thread-safe: compiled *Code objects are cached and reused across goroutines.
type OutputMapper struct {
	mu    sync.RWMutex
	cache map[string]*gojq.Code
}

// NewOutputMapper creates an OutputMapper with an empty cache.
func NewOutputMapper() *OutputMapper {
	return &OutputMapper{cache: make(map[string]*gojq.Code)}
}

// Compile parses and caches a jq expression.
func (m *OutputMapper) Compile(expression string) (*gojq.Code, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty jq expression")
	}

	m.mu.RLock()
	if code, ok := m.cache[expression]; ok {
		m.mu.RUnlock()
		return code, nil
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	if code, ok := m.cache[expression]; ok {
		return code, nil
	}

	query, err := gojq.Parse(expression)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"jq parse error in %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	code, err := gojq.Compile(query,
		// Sandbox: return empty env to block $ENV and env access.
		gojq.WithEnvironLoader(func() []string { return nil }),
	)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"jq compile error in %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	m.cache[expression] = code
	return code, nil
}

// Apply evaluates every mapping against output. A query with no result leaves
// the variable unset; several results are collected into a slice.
func (m *OutputMapper) Apply(ctx context.Context, mapping map[string]string, output any) (map[string]any, error) {
	if len(mapping) == 0 {
		return nil, nil
	}

	input, err := normalizeJSON(output)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "step output is not JSON: %s", err.Error()).WithCause(err)
	}

	names := make([]string, 0, len(mapping))
	for name := range mapping {
		names = append(names, name)
	}
	sort.Strings(names)

	updates := make(map[string]any, len(mapping))
	for _, name := range names {
		expression := mapping[name]
		code, err := m.Compile(expression)
		if err != nil {
			return nil, err
		}

		var results []any
		iter := code.RunWithContext(ctx, input)
		for {
			val, ok := iter.Next()
			if !ok {
				break
			}
			if err, isErr := val.(error); isErr {
				return nil, schema.NewErrorf(schema.ErrCodeValidation,
					"output mapping %s = %q failed: %s", name, expression, err.Error()).
					WithCause(err).
					WithDetails(map[string]any{"variable": name, "expression": expression})
			}
			results = append(results, val)
		}

		switch len(results) {
		case 0:
		case 1:
			updates[name] = results[0]
		default:
			updates[name] = results
		}
	}
	return updates, nil
}

// normalizeJSON converts arbitrary Go values into the map/slice/float64 shape
// gojq expects.
func normalizeJSON(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}
