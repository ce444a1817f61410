package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/procflow/internal/expressions"
	"github.com/rendis/procflow/internal/handlers"
	"github.com/rendis/procflow/internal/metrics"
	"github.com/rendis/procflow/internal/notify"
	"github.com/rendis/procflow/internal/store"
	"github.com/rendis/procflow/internal/timer"
	"github.com/rendis/procflow/internal/validation"
	"github.com/rendis/procflow/pkg/schema"
)

// DefaultPoolSize is the default number of concurrent handler calls.
const DefaultPoolSize = 10

// Timers is the timer service the engine schedules its wake-ups on.
type Timers interface {
	ScheduleAt(ctx context.Context, key, executionID string, at time.Time, ev schema.Event) error
	Cancel(ctx context.Context, key string) error
	CancelExecution(ctx context.Context, executionID string) error
}

// Config holds engine tuning.
type Config struct {
	// PoolSize bounds concurrent handler calls.
	PoolSize int
	// DefaultLoopLimit caps loop edges without maxIterations.
	DefaultLoopLimit int
	// CircuitBreaker configures per-handler breakers. Nil uses the defaults.
	CircuitBreaker *CircuitBreakerConfig
}

// Deps are the engine collaborators. Store and Handlers are required; the
// rest fall back to in-process defaults.
type Deps struct {
	Store    store.Store
	Handlers *handlers.Registry
	Timers   Timers
	Notifier notify.Dispatcher
	Metrics  *metrics.Collector
	Logger   *slog.Logger
	Clock    timer.Clock
}

// Engine registers graphs, starts instances and advances them. Every
// mutation of an instance runs under that instance's lock; instances never
// wait on each other.
type Engine struct {
	store     store.Store
	timers    Timers
	handlers  *handlers.Registry
	notifier  notify.Dispatcher
	metrics   *metrics.Collector
	logger    *slog.Logger
	now       timer.Clock
	cfg       Config
	validator *validation.GraphValidator
	compilers compilers

	graphs   graphCache
	locks    *keyedMutex
	pool     *WorkerPool
	breakers *CircuitBreakerRegistry

	rootCtx context.Context
	stop    context.CancelFunc
}

// New wires an engine. When deps.Timers is nil an in-process timer service
// over the store is created; a timer service with a Bind method is bound to
// Fire.
func New(deps Deps, cfg Config) (*Engine, error) {
	if deps.Store == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "engine requires a store")
	}
	if deps.Handlers == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "engine requires a handler registry")
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = DefaultPoolSize
	}
	if cfg.DefaultLoopLimit <= 0 {
		cfg.DefaultLoopLimit = DefaultLoopLimit
	}
	cbConfig := DefaultCircuitBreakerConfig()
	if cfg.CircuitBreaker != nil {
		cbConfig = *cfg.CircuitBreaker
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "engine"))
	clock := deps.Clock
	if clock == nil {
		clock = timer.SystemClock
	}
	notifier := deps.Notifier
	if notifier == nil {
		notifier = notify.Nop{}
	}

	conds, err := expressions.NewConditionEvaluator()
	if err != nil {
		return nil, err
	}
	c := compilers{
		conditions: conds,
		templates:  expressions.NewInterpolator(),
		mappings:   expressions.NewOutputMapper(),
	}
	validator, err := validation.NewGraphValidator(c.conditions, c.templates, c.mappings)
	if err != nil {
		return nil, err
	}

	timers := deps.Timers
	if timers == nil {
		timers = timer.New(deps.Store, clock, logger)
	}

	rootCtx, stop := context.WithCancel(context.Background())
	e := &Engine{
		store:     deps.Store,
		timers:    timers,
		handlers:  deps.Handlers,
		notifier:  notifier,
		metrics:   deps.Metrics,
		logger:    logger,
		now:       clock,
		cfg:       cfg,
		validator: validator,
		compilers: c,
		locks:     newKeyedMutex(),
		pool:      NewWorkerPool(cfg.PoolSize, logger),
		breakers:  NewCircuitBreakerRegistry(cbConfig, clock),
		rootCtx:   rootCtx,
		stop:      stop,
	}
	if b, ok := timers.(interface{ Bind(timer.FireFunc) }); ok {
		b.Bind(e.Fire)
	}
	return e, nil
}

// Timers returns the timer service the engine schedules on.
func (e *Engine) Timers() Timers { return e.timers }

// Register validates a graph definition, stores it as a new version and
// compiles it. It returns the workflow id.
func (e *Engine) Register(ctx context.Context, def *schema.GraphDefinition) (string, error) {
	if def == nil {
		return "", schema.NewError(schema.ErrCodeValidation, "graph definition is nil")
	}
	if err := e.validator.ValidateGraph(def); err != nil {
		return "", err
	}

	wf := &store.Workflow{
		ID:         uuid.NewString(),
		Name:       def.Name,
		Definition: *def,
		CreatedAt:  e.now(),
	}
	if wf.Name == "" {
		wf.Name = wf.ID
	}
	if err := e.store.CreateWorkflow(ctx, wf); err != nil {
		return "", err
	}
	g, err := CompileGraph(wf.ID, &wf.Definition, e.compilers)
	if err != nil {
		return "", err
	}
	e.graphs.put(g)

	e.logger.Info("workflow registered",
		slog.String("workflow_id", wf.ID),
		slog.String("name", wf.Name),
		slog.Int("version", wf.Version),
		slog.Int("nodes", len(def.Nodes)),
	)
	return wf.ID, nil
}

// Validate checks a definition without registering it.
func (e *Engine) Validate(def *schema.GraphDefinition) *schema.ValidationResult {
	return e.validator.Validate(def)
}

// LookupWorkflow resolves a workflow by name. Version 0 selects the latest.
func (e *Engine) LookupWorkflow(ctx context.Context, name string, version int) (*store.Workflow, error) {
	return e.store.GetWorkflowByName(ctx, name, version)
}

// Start creates an instance of a registered workflow and runs it until it
// suspends or finishes. Variables are validated against and defaulted from
// the workflow's variable schema.
func (e *Engine) Start(ctx context.Context, workflowID string, vars map[string]any) (string, error) {
	return e.StartWithPriority(ctx, workflowID, vars, 0)
}

// StartWithPriority is Start with an instance priority recorded for listing.
func (e *Engine) StartWithPriority(ctx context.Context, workflowID string, vars map[string]any, priority int) (string, error) {
	g, err := e.graph(ctx, workflowID)
	if err != nil {
		return "", err
	}
	vars, err = e.validator.ValidateVariables(vars, g.Def.VariableSchema)
	if err != nil {
		return "", err
	}

	inst := schema.NewExecutionInstance(uuid.NewString(), workflowID, g.Def.Version, vars, e.now())
	inst.Priority = priority

	unlock := e.locks.Lock(inst.ID)
	tx := e.newTxn(ctx, g, inst)
	if err := tx.begin(); err != nil {
		unlock()
		return "", err
	}
	inst.Revision = 1
	if err := e.store.Commit(ctx, tx.mutation(true)); err != nil {
		unlock()
		return "", err
	}
	unlock()

	e.metrics.ExecutionStarted(workflowID)
	tx.logger.Info("execution started", slog.Int("workflow_version", inst.WorkflowVersion))
	tx.run(context.WithoutCancel(ctx))
	return inst.ID, nil
}

// begin moves a new instance to running and activates its start node.
func (tx *txn) begin() error {
	if err := tx.setStatus(schema.ExecutionRunning); err != nil {
		return err
	}
	now := tx.now
	tx.inst.StartedAt = &now
	tx.emit("", schema.TransitionExecutionStarted, map[string]any{
		"workflow_version": tx.inst.WorkflowVersion,
		"variables":        tx.inst.Variables,
	})
	if err := tx.activate(tx.g.StartID, nil); err != nil {
		return err
	}
	return tx.settleInstance()
}

// SubmitEvent advances an instance by one collaborator event: a step result,
// an approval decision or a cancel. Results that no longer apply are
// discarded and reported to subscribers as stale.
func (e *Engine) SubmitEvent(ctx context.Context, executionID string, ev schema.Event) error {
	if ev.Type.IsInternal() {
		return schema.NewErrorf(schema.ErrCodeValidation, "event type %q is reserved for the engine", ev.Type)
	}
	return e.submit(ctx, executionID, ev)
}

// Fire delivers a due timer. It is bound to the timer service.
func (e *Engine) Fire(ctx context.Context, executionID string, ev schema.Event) error {
	e.metrics.TimerFired(string(ev.Type))
	err := e.submit(ctx, executionID, ev)
	if schema.IsCode(err, schema.ErrCodeNotFound) {
		e.logger.Warn("timer for unknown execution dropped",
			slog.String("execution_id", executionID),
			slog.String("event", string(ev.Type)),
		)
		return nil
	}
	return err
}

func (e *Engine) submit(ctx context.Context, executionID string, ev schema.Event) error {
	_, err := e.transact(ctx, executionID, func(tx *txn) error {
		return tx.apply(ev)
	})
	return err
}

// Decide records an approver's decision on an approval request.
func (e *Engine) Decide(ctx context.Context, requestID, approverID string, decision schema.Decision, comment string) error {
	req, err := e.store.GetApproval(ctx, requestID)
	if err != nil {
		return err
	}
	ev := schema.ApprovalDecidedEvent(req.NodeID, approverID, decision, comment)
	ev.RequestID = req.ID
	return e.submit(ctx, req.ExecutionID, ev)
}

// Cancel cancels an instance and returns its final snapshot. Cancelling a
// finished instance changes nothing.
func (e *Engine) Cancel(ctx context.Context, executionID, reason string) (*schema.Snapshot, error) {
	inst, err := e.transact(ctx, executionID, func(tx *txn) error {
		return tx.cancel(reason)
	})
	if err != nil {
		return nil, err
	}
	return schema.SnapshotOf(inst, e.now()), nil
}

// Snapshot returns the current state of an instance.
func (e *Engine) Snapshot(ctx context.Context, executionID string) (*schema.Snapshot, error) {
	inst, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	return schema.SnapshotOf(inst, e.now()), nil
}

// Recover reloads durable timers and re-dispatches the handler calls that
// were in flight when the process stopped. It returns the number of
// instances touched.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	if l, ok := e.timers.(interface {
		Load(ctx context.Context) (int, error)
	}); ok {
		n, err := l.Load(ctx)
		if err != nil {
			return 0, err
		}
		e.logger.Info("timers loaded", slog.Int("count", n))
	}

	running, err := e.store.ListExecutions(ctx, store.ExecutionFilter{
		Statuses: []schema.ExecutionStatus{schema.ExecutionRunning},
	})
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, inst := range running {
		redispatched := 0
		_, err := e.transact(ctx, inst.ID, func(tx *txn) error {
			for _, id := range sortedStepIDs(tx.inst) {
				st := tx.inst.StepStates[id]
				if st.Status != schema.StepRunning || st.Ignored || st.RetryAt != nil {
					continue
				}
				if st.Kind != schema.NodeTask && st.Kind != schema.NodeAIAgent {
					continue
				}
				if err := tx.redispatch(st, tx.g.node(id)); err != nil {
					return err
				}
				redispatched++
			}
			return nil
		})
		if err != nil {
			e.logger.Error("recover execution",
				slog.String("execution_id", inst.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if redispatched > 0 {
			recovered++
			e.logger.Info("execution recovered",
				slog.String("execution_id", inst.ID),
				slog.Int("steps", redispatched),
			)
		}
	}
	return recovered, nil
}

// Close stops accepting handler results and waits for running handler calls.
func (e *Engine) Close() {
	e.stop()
	e.pool.Shutdown()
}

// PoolMetrics returns the handler pool counters.
func (e *Engine) PoolMetrics() PoolMetrics {
	return e.pool.Metrics()
}

// transact runs fn on the stored instance under its lock, commits what fn
// changed and runs the collected side effects once the lock is released.
func (e *Engine) transact(ctx context.Context, executionID string, fn func(tx *txn) error) (*schema.ExecutionInstance, error) {
	unlock := e.locks.Lock(executionID)
	tx, err := e.load(ctx, executionID)
	if err == nil {
		err = fn(tx)
	}
	if err == nil {
		err = tx.settleInstance()
	}
	if err == nil && tx.changed() {
		tx.inst.Revision++
		err = e.store.Commit(ctx, tx.mutation(false))
	}
	unlock()
	if err != nil {
		return nil, err
	}

	tx.run(context.WithoutCancel(ctx))
	return tx.inst, nil
}

func (e *Engine) load(ctx context.Context, executionID string) (*txn, error) {
	inst, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	g, err := e.graph(ctx, inst.WorkflowID)
	if err != nil {
		return nil, err
	}
	return e.newTxn(ctx, g, inst), nil
}

// graph returns the compiled graph of a workflow, compiling it from the
// stored definition on first use.
func (e *Engine) graph(ctx context.Context, workflowID string) (*Graph, error) {
	return e.graphs.get(ctx, workflowID, func(ctx context.Context, id string) (*Graph, error) {
		wf, err := e.store.GetWorkflow(ctx, id)
		if err != nil {
			return nil, err
		}
		return CompileGraph(wf.ID, &wf.Definition, e.compilers)
	})
}
