package mcp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/procflow/internal/diagram"
	"github.com/rendis/procflow/internal/store"
	"github.com/rendis/procflow/pkg/schema"
)

// handleRegister validates a graph definition and registers it as a new
// version of its workflow.
func (s *FlowServer) handleRegister(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	defRaw := mcp.ParseStringMap(req, "definition", nil)
	if defRaw == nil {
		return mcp.NewToolResultError("definition is required"), nil
	}
	var def schema.GraphDefinition
	if err := remarshal(defRaw, &def); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", err)), nil
	}
	if name := req.GetString("name", ""); name != "" {
		def.Name = name
	}

	if extractBool(req.GetArguments(), "validate_only") {
		result := s.engine.Validate(&def)
		return marshalResult(map[string]any{
			"valid":    result.Valid(),
			"errors":   result.Errors,
			"warnings": result.Warnings,
		})
	}

	id, err := s.engine.Register(ctx, &def)
	if err != nil {
		return errorResult("register failed", err)
	}
	wf, err := s.store.GetWorkflow(ctx, id)
	if err != nil {
		return errorResult("workflow lookup failed", err)
	}
	return marshalResult(map[string]any{
		"workflow_id": wf.ID,
		"name":        wf.Name,
		"version":     wf.Version,
	})
}

// handleStart starts an execution, resolving the workflow by id or by name.
func (s *FlowServer) handleStart(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID := req.GetString("workflow_id", "")
	if workflowID == "" {
		name := req.GetString("name", "")
		if name == "" {
			return mcp.NewToolResultError("workflow_id or name is required"), nil
		}
		wf, err := s.engine.LookupWorkflow(ctx, name, extractInt(req.GetArguments(), "version", 0))
		if err != nil {
			return errorResult("workflow lookup failed", err)
		}
		workflowID = wf.ID
	}
	vars := mcp.ParseStringMap(req, "variables", nil)

	executionID, err := s.engine.Start(ctx, workflowID, vars)
	if err != nil {
		return errorResult("start failed", err)
	}
	if agentID := req.GetString("agent_id", ""); agentID != "" {
		s.captureSession(ctx, agentID)
		s.sessions.Watch(executionID, agentID)
	}

	snap, err := s.engine.Snapshot(ctx, executionID)
	if err != nil {
		return errorResult("status query failed", err)
	}
	return marshalResult(snap)
}

// handleEvent submits a collaborator event to an execution.
func (s *FlowServer) handleEvent(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	typ, err := req.RequireString("type")
	if err != nil {
		return mcp.NewToolResultError("type is required"), nil
	}
	nodeID := req.GetString("node_id", "")

	var ev schema.Event
	switch schema.EventType(typ) {
	case schema.EventStepCompleted:
		if nodeID == "" {
			return mcp.NewToolResultError("node_id is required for step_completed"), nil
		}
		ev = schema.StepCompletedEvent(nodeID, mcp.ParseStringMap(req, "output", nil))
	case schema.EventStepFailed:
		if nodeID == "" {
			return mcp.NewToolResultError("node_id is required for step_failed"), nil
		}
		ev = schema.StepFailedEvent(nodeID, &schema.StepError{
			Code:    req.GetString("error_code", schema.ErrCodeStepExecution),
			Message: req.GetString("error_message", "step failed"),
		})
	case schema.EventCancel:
		ev = schema.CancelEvent(req.GetString("reason", ""))
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unsupported event type: %s", typ)), nil
	}

	if err := s.engine.SubmitEvent(ctx, executionID, ev); err != nil {
		return errorResult("event rejected", err)
	}
	snap, err := s.engine.Snapshot(ctx, executionID)
	if err != nil {
		return errorResult("status query failed", err)
	}
	return marshalResult(snap)
}

// handleDecide records an approver's decision.
func (s *FlowServer) handleDecide(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	requestID, err := req.RequireString("request_id")
	if err != nil {
		return mcp.NewToolResultError("request_id is required"), nil
	}
	approverID, err := req.RequireString("approver_id")
	if err != nil {
		return mcp.NewToolResultError("approver_id is required"), nil
	}
	decision, err := req.RequireString("decision")
	if err != nil {
		return mcp.NewToolResultError("decision is required"), nil
	}

	s.captureSession(ctx, approverID)

	if err := s.engine.Decide(ctx, requestID, approverID, schema.Decision(decision), req.GetString("comment", "")); err != nil {
		return errorResult("decision rejected", err)
	}
	approval, err := s.store.GetApproval(ctx, requestID)
	if err != nil {
		return errorResult("approval lookup failed", err)
	}
	return marshalResult(approval)
}

// handleStatus returns the snapshot of an execution.
func (s *FlowServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	snap, err := s.engine.Snapshot(ctx, executionID)
	if err != nil {
		return errorResult("status query failed", err)
	}
	return marshalResult(snap)
}

// handleDiagram renders a workflow or an execution in the requested format.
func (s *FlowServer) handleDiagram(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	format := req.GetString("format", "mermaid")
	if format != "ascii" && format != "mermaid" && format != "image" {
		return mcp.NewToolResultError("format must be ascii, mermaid, or image"), nil
	}
	executionID := req.GetString("execution_id", "")
	workflowID := req.GetString("workflow_id", "")

	var (
		model *diagram.DiagramModel
		err   error
	)
	switch {
	case executionID != "":
		model, err = s.engine.ExecutionDiagram(ctx, executionID)
	case workflowID != "":
		model, err = s.engine.WorkflowDiagram(ctx, workflowID)
	default:
		return mcp.NewToolResultError("execution_id or workflow_id is required"), nil
	}
	if err != nil {
		return errorResult("diagram build failed", err)
	}

	switch format {
	case "ascii":
		return mcp.NewToolResultText(diagram.RenderASCII(model)), nil
	case "image":
		png, err := diagram.RenderImage(ctx, model)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("image render failed: %v", err)), nil
		}
		return mcp.NewToolResultImage(model.Title, base64.StdEncoding.EncodeToString(png), "image/png"), nil
	default:
		return mcp.NewToolResultText(diagram.RenderMermaid(model)), nil
	}
}

// handleQuery lists stored resources.
func (s *FlowServer) handleQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resource, err := req.RequireString("resource")
	if err != nil {
		return mcp.NewToolResultError("resource is required"), nil
	}
	filter := mcp.ParseStringMap(req, "filter", nil)

	switch resource {
	case "workflows":
		return s.queryWorkflows(ctx, filter)
	case "executions":
		return s.queryExecutions(ctx, filter)
	case "approvals":
		return s.queryApprovals(ctx, filter)
	case "transitions":
		return s.queryTransitions(ctx, filter)
	case "triggers":
		return s.queryTriggers(ctx, filter)
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown resource type: %s", resource)), nil
	}
}

// handleTrigger adds, toggles or removes a cron trigger.
func (s *FlowServer) handleTrigger(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	action, err := req.RequireString("action")
	if err != nil {
		return mcp.NewToolResultError("action is required"), nil
	}

	if action == "add" {
		workflowID := req.GetString("workflow_id", "")
		cronExpr := req.GetString("cron", "")
		if workflowID == "" || cronExpr == "" {
			return mcp.NewToolResultError("workflow_id and cron are required to add a trigger"), nil
		}
		if _, err := s.store.GetWorkflow(ctx, workflowID); err != nil {
			return errorResult("workflow lookup failed", err)
		}
		tr, err := s.triggers.AddTrigger(ctx, workflowID, cronExpr, mcp.ParseStringMap(req, "variables", nil))
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("add trigger failed: %v", err)), nil
		}
		return marshalResult(tr)
	}

	id := req.GetString("trigger_id", "")
	if id == "" {
		return mcp.NewToolResultError("trigger_id is required"), nil
	}
	switch action {
	case "enable", "disable":
		err = s.triggers.SetEnabled(ctx, id, action == "enable")
	case "remove":
		err = s.triggers.RemoveTrigger(ctx, id)
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown trigger action: %s", action)), nil
	}
	if err != nil {
		return errorResult(action+" trigger failed", err)
	}
	return marshalResult(map[string]any{"ok": true, "trigger_id": id, "action": action})
}

// --- Query helpers ---

func (s *FlowServer) queryWorkflows(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	wf := store.WorkflowFilter{
		Name:  extractString(filter, "name"),
		Limit: extractInt(filter, "limit", 50),
	}
	workflows, err := s.store.ListWorkflows(ctx, wf)
	if err != nil {
		return errorResult("query failed", err)
	}
	return marshalResult(map[string]any{"workflows": workflows})
}

func (s *FlowServer) queryExecutions(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	ef := store.ExecutionFilter{
		WorkflowID: extractString(filter, "workflow_id"),
		Limit:      extractInt(filter, "limit", 50),
		Offset:     extractInt(filter, "offset", 0),
	}
	if status := extractString(filter, "status"); status != "" {
		ef.Statuses = []schema.ExecutionStatus{schema.ExecutionStatus(status)}
	}
	executions, err := s.store.ListExecutions(ctx, ef)
	if err != nil {
		return errorResult("query failed", err)
	}
	now := time.Now().UTC()
	snaps := make([]*schema.Snapshot, 0, len(executions))
	for _, inst := range executions {
		snaps = append(snaps, schema.SnapshotOf(inst, now))
	}
	return marshalResult(map[string]any{"executions": snaps})
}

func (s *FlowServer) queryApprovals(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	af := store.ApprovalFilter{
		ExecutionID: extractString(filter, "execution_id"),
		ApproverID:  extractString(filter, "approver_id"),
		Status:      schema.ApprovalStatus(extractString(filter, "status")),
		Limit:       extractInt(filter, "limit", 50),
	}
	approvals, err := s.store.ListApprovals(ctx, af)
	if err != nil {
		return errorResult("query failed", err)
	}
	return marshalResult(map[string]any{"approvals": approvals})
}

func (s *FlowServer) queryTransitions(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	tf := store.TransitionFilter{
		ExecutionID: extractString(filter, "execution_id"),
		NodeID:      extractString(filter, "node_id"),
		Limit:       extractInt(filter, "limit", 100),
	}
	if since := extractString(filter, "since"); since != "" {
		if t, err := time.Parse(time.RFC3339, since); err == nil {
			tf.Since = &t
		}
	}
	transitions, err := s.store.ListTransitions(ctx, tf)
	if err != nil {
		return errorResult("query failed", err)
	}
	return marshalResult(map[string]any{"transitions": transitions})
}

func (s *FlowServer) queryTriggers(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	tf := store.TriggerFilter{WorkflowID: extractString(filter, "workflow_id")}
	if v, ok := filter["enabled"].(bool); ok {
		tf.Enabled = &v
	}
	triggers, err := s.store.ListTriggers(ctx, tf)
	if err != nil {
		return errorResult("query failed", err)
	}
	return marshalResult(map[string]any{"triggers": triggers})
}

// --- Internal helpers ---

// remarshal converts a decoded JSON object into a typed value.
func remarshal(in any, out any) error {
	b, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, out)
}

func extractString(filter map[string]any, key string) string {
	if filter == nil {
		return ""
	}
	s, _ := filter[key].(string)
	return s
}

// extractInt safely extracts an integer from a filter map.
func extractInt(filter map[string]any, key string, defaultVal int) int {
	if filter == nil {
		return defaultVal
	}
	v, ok := filter[key]
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case float64:
		return int(val)
	case int:
		return val
	case string:
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

func extractBool(args map[string]any, key string) bool {
	switch v := args[key].(type) {
	case bool:
		return v
	case string:
		b, _ := strconv.ParseBool(v)
		return b
	}
	return false
}

// captureSession maps the agent ID to its current MCP session for notifications.
func (s *FlowServer) captureSession(ctx context.Context, agentID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(agentID, session.SessionID())
	}
}

// errorResult reports an engine error to the caller, keeping its code.
func errorResult(prefix string, err error) (*mcp.CallToolResult, error) {
	if fe, ok := schema.AsFlowError(err); ok {
		data, _ := json.Marshal(fe)
		return mcp.NewToolResultError(fmt.Sprintf("%s: %s", prefix, data)), nil
	}
	return mcp.NewToolResultError(fmt.Sprintf("%s: %v", prefix, err)), nil
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
