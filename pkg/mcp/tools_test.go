package mcp

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/procflow/internal/engine"
	"github.com/rendis/procflow/internal/handlers"
	"github.com/rendis/procflow/internal/logging"
	"github.com/rendis/procflow/internal/scheduler"
	"github.com/rendis/procflow/internal/store"
	"github.com/rendis/procflow/pkg/schema"
)

type toolHarness struct {
	ctx    context.Context
	store  *store.LibSQLStore
	engine *engine.Engine
	server *FlowServer
}

func newToolHarness(t *testing.T) *toolHarness {
	t.Helper()
	s, err := store.NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "mcp.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })

	reg := handlers.NewRegistry()
	require.NoError(t, handlers.RegisterBuiltins(reg, handlers.HTTPConfig{}))
	e, err := engine.New(engine.Deps{Store: s, Handlers: reg, Logger: logging.Discard()}, engine.Config{})
	require.NoError(t, err)
	t.Cleanup(e.Close)

	srv := NewFlowServer(FlowServerDeps{
		Engine:   e,
		Store:    s,
		Triggers: scheduler.NewScheduler(s, e, logging.Discard()),
		Logger:   logging.Discard(),
	})
	return &toolHarness{ctx: context.Background(), store: s, engine: e, server: srv}
}

// reviewDefinition is start -> review (approval by alice) -> done, as the
// JSON object a client would send.
func reviewDefinition() map[string]any {
	return map[string]any{
		"name": "expense-review",
		"nodes": []any{
			map[string]any{"id": "start", "kind": "start"},
			map[string]any{"id": "review", "kind": "approval", "config": map[string]any{
				"approvers":    []any{"alice"},
				"approvalType": "any",
			}},
			map[string]any{"id": "done", "kind": "end"},
		},
		"edges": []any{
			map[string]any{"id": "e1", "sourceNodeId": "start", "targetNodeId": "review"},
			map[string]any{"id": "e2", "sourceNodeId": "review", "targetNodeId": "done"},
		},
	}
}

// signDefinition is start -> sign (external task) -> done.
func signDefinition() map[string]any {
	return map[string]any{
		"name": "contract",
		"nodes": []any{
			map[string]any{"id": "start", "kind": "start"},
			map[string]any{"id": "sign", "kind": "task", "config": map[string]any{"taskType": handlers.TaskExternal}},
			map[string]any{"id": "done", "kind": "end"},
		},
		"edges": []any{
			map[string]any{"id": "e1", "sourceNodeId": "start", "targetNodeId": "sign"},
			map[string]any{"id": "e2", "sourceNodeId": "sign", "targetNodeId": "done"},
		},
	}
}

func buildRequest(toolName string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      toolName,
			Arguments: args,
		},
	}
}

func (h *toolHarness) call(t *testing.T, fn toolHandler, name string, args map[string]any) *mcp.CallToolResult {
	t.Helper()
	result, err := fn(h.ctx, buildRequest(name, args))
	require.NoError(t, err)
	require.NotNil(t, result)
	return result
}

type toolHandler = func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error)

func (h *toolHarness) register(t *testing.T, def map[string]any) string {
	t.Helper()
	result := h.call(t, h.server.handleRegister, "procflow.register", map[string]any{"definition": def})
	require.False(t, result.IsError, extractText(t, result))
	var out struct {
		WorkflowID string `json:"workflow_id"`
	}
	unmarshalResult(t, result, &out)
	return out.WorkflowID
}

func (h *toolHarness) startExecution(t *testing.T, args map[string]any) *schema.Snapshot {
	t.Helper()
	result := h.call(t, h.server.handleStart, "procflow.start", args)
	require.False(t, result.IsError, extractText(t, result))
	var snap schema.Snapshot
	unmarshalResult(t, result, &snap)
	return &snap
}

func TestRegisterTool(t *testing.T) {
	h := newToolHarness(t)

	result := h.call(t, h.server.handleRegister, "procflow.register", map[string]any{"definition": reviewDefinition()})
	require.False(t, result.IsError)
	var out map[string]any
	unmarshalResult(t, result, &out)
	assert.Equal(t, "expense-review", out["name"])
	assert.EqualValues(t, 1, out["version"])

	result = h.call(t, h.server.handleRegister, "procflow.register", map[string]any{"definition": reviewDefinition()})
	unmarshalResult(t, result, &out)
	assert.EqualValues(t, 2, out["version"])
}

func TestRegisterToolValidateOnly(t *testing.T) {
	h := newToolHarness(t)
	def := reviewDefinition()
	def["edges"] = []any{}

	result := h.call(t, h.server.handleRegister, "procflow.register", map[string]any{
		"definition":    def,
		"validate_only": true,
	})
	require.False(t, result.IsError)
	var out struct {
		Valid  bool                     `json:"valid"`
		Errors []schema.ValidationIssue `json:"errors"`
	}
	unmarshalResult(t, result, &out)
	assert.False(t, out.Valid)
	assert.NotEmpty(t, out.Errors)

	workflows, err := h.store.ListWorkflows(h.ctx, store.WorkflowFilter{})
	require.NoError(t, err)
	assert.Empty(t, workflows)
}

func TestRegisterToolRejectsInvalidGraph(t *testing.T) {
	h := newToolHarness(t)
	def := reviewDefinition()
	def["edges"] = []any{}

	result := h.call(t, h.server.handleRegister, "procflow.register", map[string]any{"definition": def})
	assert.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), schema.ErrCodeValidation)

	result = h.call(t, h.server.handleRegister, "procflow.register", map[string]any{})
	assert.True(t, result.IsError)
}

func TestStartAndDecideTools(t *testing.T) {
	h := newToolHarness(t)
	h.register(t, reviewDefinition())

	snap := h.startExecution(t, map[string]any{
		"name":      "expense-review",
		"variables": map[string]any{"amount": 120},
		"agent_id":  "planner",
	})
	assert.Equal(t, schema.ExecutionRunning, snap.Status)
	review := snap.StepStates["review"]
	require.NotNil(t, review)
	assert.Equal(t, schema.StepWaitingApproval, review.Status)

	watcher, ok := h.server.Sessions().WatcherOf(snap.ExecutionID)
	assert.True(t, ok)
	assert.Equal(t, "planner", watcher)

	result := h.call(t, h.server.handleDecide, "procflow.decide", map[string]any{
		"request_id":  review.RequestID,
		"approver_id": "mallory",
		"decision":    "approved",
	})
	assert.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), schema.ErrCodeApprovalUnauthorized)

	result = h.call(t, h.server.handleDecide, "procflow.decide", map[string]any{
		"request_id":  review.RequestID,
		"approver_id": "alice",
		"decision":    "approved",
		"comment":     "within budget",
	})
	require.False(t, result.IsError, extractText(t, result))
	var req schema.ApprovalRequest
	unmarshalResult(t, result, &req)
	assert.Equal(t, schema.ApprovalApproved, req.Status)
	require.Len(t, req.Decisions, 1)
	assert.Equal(t, "within budget", req.Decisions[0].Comment)

	result = h.call(t, h.server.handleStatus, "procflow.status", map[string]any{"execution_id": snap.ExecutionID})
	require.False(t, result.IsError)
	var final schema.Snapshot
	unmarshalResult(t, result, &final)
	assert.Equal(t, schema.ExecutionCompleted, final.Status)
}

func TestStartToolErrors(t *testing.T) {
	h := newToolHarness(t)

	result := h.call(t, h.server.handleStart, "procflow.start", map[string]any{})
	assert.True(t, result.IsError)

	result = h.call(t, h.server.handleStart, "procflow.start", map[string]any{"name": "missing"})
	assert.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), schema.ErrCodeNotFound)

	result = h.call(t, h.server.handleStart, "procflow.start", map[string]any{"workflow_id": "missing"})
	assert.True(t, result.IsError)
}

func TestEventTool(t *testing.T) {
	h := newToolHarness(t)
	wf := h.register(t, signDefinition())
	snap := h.startExecution(t, map[string]any{"workflow_id": wf})
	require.Equal(t, schema.StepRunning, snap.StepStates["sign"].Status)

	result := h.call(t, h.server.handleEvent, "procflow.event", map[string]any{
		"execution_id": snap.ExecutionID,
		"type":         "step_completed",
	})
	assert.True(t, result.IsError, "node_id is required")

	result = h.call(t, h.server.handleEvent, "procflow.event", map[string]any{
		"execution_id": snap.ExecutionID,
		"type":         "step_completed",
		"node_id":      "sign",
		"output":       map[string]any{"signer": "dana"},
	})
	require.False(t, result.IsError, extractText(t, result))
	var after schema.Snapshot
	unmarshalResult(t, result, &after)
	assert.Equal(t, schema.ExecutionCompleted, after.Status)
	assert.Equal(t, "dana", after.StepStates["sign"].Output.(map[string]any)["signer"])
}

func TestEventToolFailureAndCancel(t *testing.T) {
	h := newToolHarness(t)
	wf := h.register(t, signDefinition())

	failed := h.startExecution(t, map[string]any{"workflow_id": wf})
	result := h.call(t, h.server.handleEvent, "procflow.event", map[string]any{
		"execution_id":  failed.ExecutionID,
		"type":          "step_failed",
		"node_id":       "sign",
		"error_message": "signer unreachable",
	})
	require.False(t, result.IsError, extractText(t, result))
	var snap schema.Snapshot
	unmarshalResult(t, result, &snap)
	assert.Equal(t, schema.ExecutionFailed, snap.Status)
	require.NotNil(t, snap.Error)
	assert.Equal(t, "signer unreachable", snap.Error.Message)

	cancelled := h.startExecution(t, map[string]any{"workflow_id": wf})
	result = h.call(t, h.server.handleEvent, "procflow.event", map[string]any{
		"execution_id": cancelled.ExecutionID,
		"type":         "cancel",
		"reason":       "duplicate",
	})
	require.False(t, result.IsError)
	unmarshalResult(t, result, &snap)
	assert.Equal(t, schema.ExecutionCancelled, snap.Status)

	result = h.call(t, h.server.handleEvent, "procflow.event", map[string]any{
		"execution_id": cancelled.ExecutionID,
		"type":         "retry_due",
		"node_id":      "sign",
	})
	assert.True(t, result.IsError)
}

func TestDiagramTool(t *testing.T) {
	h := newToolHarness(t)
	wf := h.register(t, signDefinition())
	snap := h.startExecution(t, map[string]any{"workflow_id": wf})

	result := h.call(t, h.server.handleDiagram, "procflow.diagram", map[string]any{"execution_id": snap.ExecutionID})
	require.False(t, result.IsError)
	assert.Contains(t, extractText(t, result), "graph TD")

	result = h.call(t, h.server.handleDiagram, "procflow.diagram", map[string]any{
		"workflow_id": wf,
		"format":      "ascii",
	})
	require.False(t, result.IsError)
	assert.Contains(t, extractText(t, result), "sign")

	result = h.call(t, h.server.handleDiagram, "procflow.diagram", map[string]any{"format": "svg", "workflow_id": wf})
	assert.True(t, result.IsError)

	result = h.call(t, h.server.handleDiagram, "procflow.diagram", map[string]any{})
	assert.True(t, result.IsError)
}

func TestQueryTool(t *testing.T) {
	h := newToolHarness(t)
	wf := h.register(t, reviewDefinition())
	snap := h.startExecution(t, map[string]any{"workflow_id": wf})

	var workflows struct {
		Workflows []*store.Workflow `json:"workflows"`
	}
	unmarshalResult(t, h.call(t, h.server.handleQuery, "procflow.query", map[string]any{
		"resource": "workflows",
		"filter":   map[string]any{"name": "expense-review"},
	}), &workflows)
	require.Len(t, workflows.Workflows, 1)

	var executions struct {
		Executions []*schema.Snapshot `json:"executions"`
	}
	unmarshalResult(t, h.call(t, h.server.handleQuery, "procflow.query", map[string]any{
		"resource": "executions",
		"filter":   map[string]any{"status": "running"},
	}), &executions)
	require.Len(t, executions.Executions, 1)
	assert.Equal(t, snap.ExecutionID, executions.Executions[0].ExecutionID)

	var approvals struct {
		Approvals []*schema.ApprovalRequest `json:"approvals"`
	}
	unmarshalResult(t, h.call(t, h.server.handleQuery, "procflow.query", map[string]any{
		"resource": "approvals",
		"filter":   map[string]any{"execution_id": snap.ExecutionID},
	}), &approvals)
	require.Len(t, approvals.Approvals, 1)
	assert.Equal(t, []string{"alice"}, approvals.Approvals[0].Approvers)

	var transitions struct {
		Transitions []*schema.Transition `json:"transitions"`
	}
	unmarshalResult(t, h.call(t, h.server.handleQuery, "procflow.query", map[string]any{
		"resource": "transitions",
		"filter":   map[string]any{"execution_id": snap.ExecutionID},
	}), &transitions)
	var types []string
	for _, tr := range transitions.Transitions {
		types = append(types, tr.Type)
	}
	assert.Contains(t, types, schema.TransitionExecutionStarted)
	assert.Contains(t, types, schema.TransitionStepWaiting)

	result := h.call(t, h.server.handleQuery, "procflow.query", map[string]any{"resource": "agents"})
	assert.True(t, result.IsError)
}

func TestTriggerTool(t *testing.T) {
	h := newToolHarness(t)
	wf := h.register(t, reviewDefinition())

	result := h.call(t, h.server.handleTrigger, "procflow.trigger", map[string]any{
		"action":      "add",
		"workflow_id": wf,
		"cron":        "@hourly",
		"variables":   map[string]any{"amount": 10},
	})
	require.False(t, result.IsError, extractText(t, result))
	var tr store.Trigger
	unmarshalResult(t, result, &tr)
	assert.True(t, tr.Enabled)
	assert.NotNil(t, tr.NextRunAt)

	result = h.call(t, h.server.handleTrigger, "procflow.trigger", map[string]any{
		"action":      "add",
		"workflow_id": wf,
		"cron":        "every tuesday",
	})
	assert.True(t, result.IsError)

	result = h.call(t, h.server.handleTrigger, "procflow.trigger", map[string]any{
		"action":     "disable",
		"trigger_id": tr.ID,
	})
	require.False(t, result.IsError, extractText(t, result))
	stored, err := h.store.GetTrigger(h.ctx, tr.ID)
	require.NoError(t, err)
	assert.False(t, stored.Enabled)

	var listed struct {
		Triggers []*store.Trigger `json:"triggers"`
	}
	unmarshalResult(t, h.call(t, h.server.handleQuery, "procflow.query", map[string]any{
		"resource": "triggers",
		"filter":   map[string]any{"workflow_id": wf},
	}), &listed)
	require.Len(t, listed.Triggers, 1)

	result = h.call(t, h.server.handleTrigger, "procflow.trigger", map[string]any{
		"action":     "remove",
		"trigger_id": tr.ID,
	})
	require.False(t, result.IsError)
	_, err = h.store.GetTrigger(h.ctx, tr.ID)
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}

func TestExtractInt(t *testing.T) {
	filter := map[string]any{"a": float64(3), "b": 4, "c": "5", "d": "x"}
	assert.Equal(t, 3, extractInt(filter, "a", 0))
	assert.Equal(t, 4, extractInt(filter, "b", 0))
	assert.Equal(t, 5, extractInt(filter, "c", 0))
	assert.Equal(t, 9, extractInt(filter, "d", 9))
	assert.Equal(t, 9, extractInt(nil, "a", 9))
}

func extractText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)
	return mcp.GetTextFromContent(result.Content[0])
}

func unmarshalResult(t *testing.T, result *mcp.CallToolResult, target any) {
	t.Helper()
	text := extractText(t, result)
	require.NoError(t, json.Unmarshal([]byte(text), target))
}
