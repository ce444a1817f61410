package expressions

import (
	"fmt"
	"sort"
	"sync"

	"github.com/google/cel-go/cel"
	celast "github.com/google/cel-go/common/ast"
	"github.com/google/cel-go/common/operators"
	"github.com/google/cel-go/common/types"

	"github.com/rendis/procflow/pkg/schema"
)

// allowedOperators is the closed operator set of the condition grammar.
var allowedOperators = map[string]bool{
	operators.Less:          true,
	operators.LessEquals:    true,
	operators.Greater:       true,
	operators.GreaterEquals: true,
	operators.Equals:        true,
	operators.NotEquals:     true,
	operators.LogicalAnd:    true,
	operators.LogicalOr:     true,
	operators.LogicalNot:    true,
	operators.Negate:        true,
}

// Condition is a compiled boolean expression over instance variables.
type Condition struct {
	Source string
	// Roots are the top-level variable names the expression reads.
	Roots []string
	prg   cel.Program
}

// ConditionEvaluator compiles and evaluates conditional expressions on CEL,
// restricted to variable lookup, literals, comparisons and boolean connectives.
// Thread-safe: compiled conditions are cached and reused across goroutines.
type ConditionEvaluator struct {
	env *cel.Env

	mu    sync.RWMutex
	cache map[string]*Condition
}

// NewConditionEvaluator creates an evaluator with macros disabled, so
// comprehensions such as all()/exists() never reach the parser output.
func NewConditionEvaluator() (*ConditionEvaluator, error) {
	env, err := cel.NewEnv(
		cel.ClearMacros(),
		cel.CrossTypeNumericComparisons(true),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}
	return &ConditionEvaluator{
		env:   env,
		cache: make(map[string]*Condition),
	}, nil
}

// Compile parses, checks and caches an expression. Anything outside the
// grammar is rejected with a VALIDATION_ERROR.
func (e *ConditionEvaluator) Compile(expression string) (*Condition, error) {
	e.mu.RLock()
	if c, ok := e.cache[expression]; ok {
		e.mu.RUnlock()
		return c, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	if c, ok := e.cache[expression]; ok {
		return c, nil
	}

	c, err := e.compile(expression)
	if err != nil {
		return nil, err
	}
	e.cache[expression] = c
	return c, nil
}

func (e *ConditionEvaluator) compile(expression string) (*Condition, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty condition expression")
	}

	parsed, issues := e.env.Parse(expression)
	if issues != nil && issues.Err() != nil {
		return nil, compileErr(expression, "syntax error: %s", issues.Err())
	}

	roots := map[string]bool{}
	if err := checkGrammar(parsed.NativeRep().Expr(), roots); err != nil {
		return nil, compileErr(expression, "%s", err)
	}

	names := make([]string, 0, len(roots))
	opts := make([]cel.EnvOption, 0, len(roots))
	for name := range roots {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		opts = append(opts, cel.Variable(name, cel.DynType))
	}

	env, err := e.env.Extend(opts...)
	if err != nil {
		return nil, compileErr(expression, "declare variables: %s", err)
	}
	checked, issues := env.Check(parsed)
	if issues != nil && issues.Err() != nil {
		return nil, compileErr(expression, "type check: %s", issues.Err())
	}
	prg, err := env.Program(checked)
	if err != nil {
		return nil, compileErr(expression, "program: %s", err)
	}

	return &Condition{Source: expression, Roots: names, prg: prg}, nil
}

// Evaluate runs a compiled condition. Unbound variables, missing fields, type
// mismatches and non-bool results fail with CONDITION_EVALUATION_ERROR.
func (c *Condition) Evaluate(vars map[string]any) (bool, error) {
	activation := make(map[string]any, len(c.Roots))
	for _, name := range c.Roots {
		v, ok := vars[name]
		if !ok {
			return false, evalErr(c.Source, "variable %q is not set", name)
		}
		activation[name] = v
	}

	out, _, err := c.prg.Eval(activation)
	if err != nil {
		return false, evalErr(c.Source, "%s", err).WithCause(err)
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, evalErr(c.Source, "result is %s, not bool", out.Type().TypeName())
	}
	return b, nil
}

// Evaluate compiles (or fetches from cache) and evaluates an expression.
// Compile failures surface as CONDITION_EVALUATION_ERROR here since the
// caller asked for a decision, not a validation.
func (e *ConditionEvaluator) Evaluate(expression string, vars map[string]any) (bool, error) {
	c, err := e.Compile(expression)
	if err != nil {
		fe, _ := schema.AsFlowError(err)
		return false, evalErr(expression, "%s", fe.Message).WithCause(err)
	}
	return c.Evaluate(vars)
}

// checkGrammar walks the parsed expression and rejects every construct the
// condition grammar does not allow. Root identifiers are collected in roots.
func checkGrammar(expr celast.Expr, roots map[string]bool) error {
	switch expr.Kind() {
	case celast.IdentKind:
		roots[expr.AsIdent()] = true
		return nil

	case celast.SelectKind:
		sel := expr.AsSelect()
		if sel.IsTestOnly() {
			return fmt.Errorf("has() tests are not allowed")
		}
		operand := sel.Operand()
		if operand.Kind() != celast.IdentKind && operand.Kind() != celast.SelectKind {
			return fmt.Errorf("field access on %s is not allowed", kindName(operand.Kind()))
		}
		return checkGrammar(operand, roots)

	case celast.LiteralKind:
		switch lit := expr.AsLiteral().(type) {
		case types.Int, types.Uint, types.Double, types.String, types.Bool:
			return nil
		default:
			return fmt.Errorf("literal of type %s is not allowed", lit.Type().TypeName())
		}

	case celast.CallKind:
		call := expr.AsCall()
		if call.IsMemberFunction() || !allowedOperators[call.FunctionName()] {
			return fmt.Errorf("%s is not allowed", describeCall(call.FunctionName()))
		}
		for _, arg := range call.Args() {
			if err := checkGrammar(arg, roots); err != nil {
				return err
			}
		}
		return nil

	default:
		return fmt.Errorf("%s is not allowed", kindName(expr.Kind()))
	}
}

func describeCall(fn string) string {
	switch fn {
	case operators.Conditional:
		return "ternary operator"
	case operators.Index:
		return "indexing"
	case operators.In:
		return "'in' operator"
	case operators.Add, operators.Subtract, operators.Multiply, operators.Divide, operators.Modulo:
		return "arithmetic"
	}
	return fmt.Sprintf("function %q", fn)
}

func kindName(k celast.ExprKind) string {
	switch k {
	case celast.ListKind:
		return "list literal"
	case celast.MapKind:
		return "map literal"
	case celast.StructKind:
		return "message literal"
	case celast.ComprehensionKind:
		return "comprehension"
	case celast.CallKind:
		return "call result"
	case celast.LiteralKind:
		return "literal"
	}
	return "expression"
}

func compileErr(expression, format string, args ...any) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeValidation, "condition %q: "+format, append([]any{expression}, args...)...).
		WithDetails(map[string]any{"expression": expression})
}

func evalErr(expression, format string, args ...any) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeConditionEvaluation, "condition %q: "+format, append([]any{expression}, args...)...).
		WithDetails(map[string]any{"expression": expression})
}
