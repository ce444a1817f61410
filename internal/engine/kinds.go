package engine

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"time"

	"github.com/rendis/procflow/internal/handlers"
	"github.com/rendis/procflow/pkg/schema"
)

// stepKind is the behavior bound to a node kind when the graph is compiled.
// The set is closed: one implementation per schema.NodeKind.
type stepKind interface {
	// input renders what the step is started with.
	input(tx *txn, n *compiledNode) (any, error)
	// activate runs once step_started has been recorded.
	activate(tx *txn, st *schema.StepState, n *compiledNode) error
}

type startKind struct{}

func (startKind) input(*txn, *compiledNode) (any, error) { return nil, nil }

func (startKind) activate(tx *txn, st *schema.StepState, n *compiledNode) error {
	return tx.complete(st, n, nil, schema.StepCompleted)
}

// endKind is never activated as a step: txn.activate routes End nodes to
// reachEnd, which needs the token's branch scope.
type endKind struct{}

func (endKind) input(*txn, *compiledNode) (any, error) { return nil, nil }

func (endKind) activate(*txn, *schema.StepState, *compiledNode) error { return nil }

type conditionalKind struct{}

func (conditionalKind) input(*txn, *compiledNode) (any, error) { return nil, nil }

// activate evaluates the condition once. An unevaluable condition fails the
// step instead of picking a default branch.
func (conditionalKind) activate(tx *txn, st *schema.StepState, n *compiledNode) error {
	result, err := n.condition.Evaluate(tx.inst.Variables)
	if err != nil {
		return tx.failStep(st, schema.StepErrorFrom(err))
	}
	return tx.complete(st, n, map[string]any{"result": result}, schema.StepCompleted)
}

type taskKind struct{}

func (taskKind) input(tx *txn, n *compiledNode) (any, error) {
	if len(n.task.Params) == 0 {
		return map[string]any{}, nil
	}
	return tx.e.compilers.templates.RenderValue(map[string]any(n.task.Params), tx.inst.Variables)
}

func (taskKind) activate(tx *txn, st *schema.StepState, n *compiledNode) error {
	tx.dispatch(st, n)
	return nil
}

// --- handler dispatch ---

func (n *compiledNode) handlerKey() string {
	if n.ai != nil {
		return n.ai.Model
	}
	if n.task != nil {
		return n.task.TaskType
	}
	return ""
}

func (n *compiledNode) retryPolicy() *schema.RetryPolicy {
	if n.ai != nil {
		return n.ai.RetryPolicy
	}
	if n.task != nil {
		return n.task.RetryPolicy
	}
	return nil
}

func (n *compiledNode) timeout() time.Duration {
	if n.ai != nil {
		return minutes(n.ai.TimeoutMinutes)
	}
	if n.task != nil {
		return minutes(n.task.TimeoutMinutes)
	}
	return 0
}

// handlerCall is one handler invocation for one step attempt.
type handlerCall struct {
	executionID string
	kind        schema.NodeKind
	key         string
	input       any
	timeout     time.Duration
	tc          handlers.TaskContext
}

// dispatch queues the handler call of the step's current attempt and arms
// its timeout.
func (tx *txn) dispatch(st *schema.StepState, n *compiledNode) {
	call := handlerCall{
		executionID: tx.inst.ID,
		kind:        n.Kind,
		key:         n.handlerKey(),
		input:       st.Input,
		timeout:     n.timeout(),
		tc: handlers.TaskContext{
			ExecutionID: tx.inst.ID,
			WorkflowID:  tx.inst.WorkflowID,
			NodeID:      n.ID,
			Kind:        n.Kind,
			Attempt:     st.Attempt,
			Variables:   maps.Clone(tx.inst.Variables),
			AI:          n.ai,
		},
	}
	if call.timeout > 0 {
		tx.schedule(schema.EventStepTimeout, n.ID, st.Attempt, tx.now.Add(call.timeout))
	}
	tx.after(func(context.Context) { tx.e.call(call) })
}

// redispatch starts the next attempt of a step whose retry fell due.
func (tx *txn) redispatch(st *schema.StepState, n *compiledNode) error {
	st.Attempt++
	st.RetryAt = nil
	tx.emitStarted(st)
	tx.dispatch(st, n)
	return nil
}

// handlerSucceeded applies a step_completed result to a task or AI step.
func (tx *txn) handlerSucceeded(st *schema.StepState, n *compiledNode, ev schema.Event) error {
	tx.recordUsage(st, n, ev.Usage)
	if n.Kind == schema.NodeAIAgent {
		if err := tx.finishAITask(st, schema.StepCompleted, nil); err != nil {
			return err
		}
	}
	return tx.complete(st, n, ev.Output, schema.StepCompleted)
}

// recordUsage adds reported usage to the step. Usage never gates control flow.
func (tx *txn) recordUsage(st *schema.StepState, n *compiledNode, u *schema.Usage) {
	if u == nil {
		return
	}
	if st.Usage == nil {
		st.Usage = &schema.Usage{}
	}
	st.Usage.Tokens += u.Tokens
	st.Usage.Cost += u.Cost
	if n.Kind == schema.NodeAIAgent {
		model, tokens, cost := n.ai.Model, u.Tokens, u.Cost
		tx.after(func(context.Context) { tx.e.metrics.AIUsage(model, tokens, cost) })
	}
}

// call runs on the worker pool and feeds the outcome back as an event.
func (e *Engine) call(c handlerCall) {
	err := e.pool.Submit(e.rootCtx, func(ctx context.Context) error {
		e.invoke(ctx, c)
		return nil
	})
	if err != nil {
		e.logger.Warn("handler call not queued",
			slog.String("execution_id", c.executionID),
			slog.String("node_id", c.tc.NodeID),
			slog.String("error", err.Error()),
		)
	}
}

func (e *Engine) invoke(ctx context.Context, c handlerCall) {
	label := handlers.Describe(c.kind, c.key)
	logger := e.logger.With(
		slog.String("execution_id", c.executionID),
		slog.String("node_id", c.tc.NodeID),
		slog.String("handler", label),
		slog.Int("attempt", c.tc.Attempt),
	)

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	start := time.Now()
	var res *handlers.Result
	err := e.breakers.Allow(label)
	if err == nil {
		res, err = e.handlers.Execute(ctx, c.kind, c.key, c.input, c.tc)
		switch {
		case errors.Is(err, handlers.ErrDeferred):
		case err != nil:
			e.breakers.RecordFailure(label)
		default:
			e.breakers.RecordSuccess(label)
		}
	}
	e.metrics.HandlerCall(label, outcome(err), time.Since(start))
	pm := e.pool.Metrics()
	e.metrics.Pool(pm.Active, pm.Queued)

	if errors.Is(err, handlers.ErrDeferred) {
		logger.Debug("handler deferred its result")
		return
	}
	if e.rootCtx.Err() != nil {
		// Shutting down: the attempt is redispatched by Recover.
		logger.Info("dropping handler result after shutdown")
		return
	}

	ev := schema.Event{NodeID: c.tc.NodeID, Attempt: c.tc.Attempt}
	if err != nil {
		ev.Type = schema.EventAttemptFailed
		ev.Error = stepErrorOf(err)
		logger.Warn("handler attempt failed", slog.String("error", err.Error()))
	} else {
		ev.Type = schema.EventStepCompleted
		ev.Output = res.Output
		ev.Usage = res.Usage
	}
	if err := e.submit(e.rootCtx, c.executionID, ev); err != nil {
		logger.Error("deliver handler result", slog.String("error", err.Error()))
	}
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, handlers.ErrDeferred):
		return "deferred"
	case schema.IsCode(err, schema.ErrCodeCircuitOpen):
		return "circuit_open"
	default:
		return "error"
	}
}

// stepErrorOf converts a handler error into the error recorded on the step.
func stepErrorOf(err error) *schema.StepError {
	var se *schema.StepError
	if errors.As(err, &se) {
		out := *se
		return &out
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &schema.StepError{Code: schema.ErrCodeTimeout, Message: err.Error(), Retryable: true}
	}
	out := schema.StepErrorFrom(err)
	out.Retryable = IsRetryableError(err)
	return out
}
