package expressions

import (
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/rendis/procflow/pkg/schema"
)

// exprCache compiles expr-lang programs once and reuses them.
// Programs are compiled without a typed environment: identifiers resolve
// against the variables map at run time.
type exprCache struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

func newExprCache() *exprCache {
	return &exprCache{cache: make(map[string]*vm.Program)}
}

func (c *exprCache) compile(code string) (*vm.Program, error) {
	c.mu.RLock()
	if prg, ok := c.cache[code]; ok {
		c.mu.RUnlock()
		return prg, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	if prg, ok := c.cache[code]; ok {
		return prg, nil
	}

	prg, err := expr.Compile(code)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"expression compile error in {{ %s }}: %s", code, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": code})
	}
	c.cache[code] = prg
	return prg, nil
}

func runExpr(prg *vm.Program, code string, vars map[string]any) (any, error) {
	env := vars
	if env == nil {
		env = map[string]any{}
	}
	out, err := vm.Run(prg, env)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"expression evaluation failed for {{ %s }}: %s", code, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": code})
	}
	if out == nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"expression {{ %s }} evaluated to nil", code).
			WithDetails(map[string]any{"expression": code})
	}
	return out, nil
}
