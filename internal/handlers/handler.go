package handlers

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rendis/procflow/pkg/schema"
)

// TaskContext identifies the step a handler runs for.
type TaskContext struct {
	ExecutionID string
	WorkflowID  string
	NodeID      string
	Kind        schema.NodeKind
	Attempt     int
	Variables   map[string]any
	// AI is set for ai_agent steps.
	AI *schema.AIAgentConfig
}

// Result is what a handler produced for one attempt.
type Result struct {
	Output any
	Usage  *schema.Usage
}

// Handler executes the work behind a task type or an AI model.
type Handler interface {
	Execute(ctx context.Context, input any, tc TaskContext) (*Result, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, input any, tc TaskContext) (*Result, error)

func (f HandlerFunc) Execute(ctx context.Context, input any, tc TaskContext) (*Result, error) {
	return f(ctx, input, tc)
}

// ErrDeferred is returned by handlers whose result arrives later as a
// step_completed or step_failed event.
var ErrDeferred = errors.New("handler result deferred to an external event")

// Deferred returns a handler for work completed outside the engine.
func Deferred() Handler {
	return HandlerFunc(func(context.Context, any, TaskContext) (*Result, error) {
		return nil, ErrDeferred
	})
}

// Registry is the thread-safe lookup of task handlers by taskType and of
// AI handlers by model.
type Registry struct {
	mu     sync.RWMutex
	tasks  map[string]Handler
	models map[string]Handler
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		tasks:  make(map[string]Handler),
		models: make(map[string]Handler),
	}
}

// RegisterTask binds a handler to a taskType. Returns error on duplicates.
func (r *Registry) RegisterTask(taskType string, h Handler) error {
	return r.register(r.tasks, "task type", taskType, h)
}

// RegisterModel binds a handler to an AI model name. Returns error on duplicates.
func (r *Registry) RegisterModel(model string, h Handler) error {
	return r.register(r.models, "model", model, h)
}

func (r *Registry) register(into map[string]Handler, what, key string, h Handler) error {
	if h == nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "%s handler is nil", what)
	}
	if key == "" {
		return schema.NewErrorf(schema.ErrCodeValidation, "%s is empty", what)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := into[key]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "%s %q already registered", what, key)
	}
	into[key] = h
	return nil
}

// Lookup returns the handler for a task type (task steps) or model
// (ai_agent steps).
func (r *Registry) Lookup(kind schema.NodeKind, key string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var h Handler
	var ok bool
	switch kind {
	case schema.NodeTask:
		h, ok = r.tasks[key]
	case schema.NodeAIAgent:
		h, ok = r.models[key]
	default:
		return nil, schema.NewErrorf(schema.ErrCodeHandlerUnavailable, "%s steps have no handlers", kind)
	}
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeHandlerUnavailable, "no handler registered for %s %q", kind, key)
	}
	return h, nil
}

// Execute looks up and runs a handler. A panicking handler is reported as a
// STEP_EXECUTION_ERROR instead of taking the worker down.
func (r *Registry) Execute(ctx context.Context, kind schema.NodeKind, key string, input any, tc TaskContext) (res *Result, err error) {
	h, err := r.Lookup(kind, key)
	if err != nil {
		return nil, err
	}

	defer func() {
		if p := recover(); p != nil {
			res = nil
			err = schema.NewErrorf(schema.ErrCodeStepExecution, "handler %q panicked: %v", key, p).
				WithNode(tc.NodeID)
		}
	}()

	res, err = h.Execute(ctx, input, tc)
	if err != nil {
		return nil, err
	}
	if res == nil {
		res = &Result{}
	}
	return res, nil
}

// Has reports whether a handler is bound to the task type or model.
func (r *Registry) Has(kind schema.NodeKind, key string) bool {
	_, err := r.Lookup(kind, key)
	return err == nil
}

// TaskTypes returns the registered task types, sorted.
func (r *Registry) TaskTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.tasks)
}

// Models returns the registered model names, sorted.
func (r *Registry) Models() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.models)
}

func sortedKeys(m map[string]Handler) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Describe is a short label for logs and metrics.
func Describe(kind schema.NodeKind, key string) string {
	return fmt.Sprintf("%s:%s", kind, key)
}
