package handlers

import (
	"context"

	"github.com/expr-lang/expr"

	"github.com/rendis/procflow/pkg/schema"
)

// Built-in task types.
const (
	TaskHTTPRequest = "http.request"
	TaskExprEval    = "expr.eval"
	TaskEcho        = "echo"
	TaskExternal    = "external"
)

// RegisterBuiltins registers the built-in task handlers.
func RegisterBuiltins(reg *Registry, httpCfg HTTPConfig) error {
	builtins := map[string]Handler{
		TaskHTTPRequest: NewHTTPRequest(httpCfg),
		TaskExprEval:    HandlerFunc(exprEval),
		TaskEcho:        HandlerFunc(echo),
		TaskExternal:    Deferred(),
	}
	for _, name := range []string{TaskHTTPRequest, TaskExprEval, TaskEcho, TaskExternal} {
		if err := reg.RegisterTask(name, builtins[name]); err != nil {
			return err
		}
	}
	return nil
}

// exprEval evaluates params.expression with the instance variables in scope,
// plus params.data when given.
func exprEval(_ context.Context, input any, tc TaskContext) (*Result, error) {
	params, _ := input.(map[string]any)
	code, _ := params["expression"].(string)
	if code == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "expr.eval requires a non-empty 'expression' param").
			WithNode(tc.NodeID)
	}

	env := make(map[string]any, len(tc.Variables)+1)
	for k, v := range tc.Variables {
		env[k] = v
	}
	if data, ok := params["data"]; ok {
		env["data"] = data
	}

	out, err := expr.Eval(code, env)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "expr.eval: %s", err.Error()).
			WithNode(tc.NodeID).WithCause(err)
	}
	return &Result{Output: map[string]any{"result": out}}, nil
}

func echo(_ context.Context, input any, _ TaskContext) (*Result, error) {
	return &Result{Output: input}, nil
}
