package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/procflow/internal/diagram"
	"github.com/rendis/procflow/internal/store"
	"github.com/rendis/procflow/pkg/schema"
)

// Engine is the part of the workflow engine exposed as tools.
type Engine interface {
	Register(ctx context.Context, def *schema.GraphDefinition) (string, error)
	Validate(def *schema.GraphDefinition) *schema.ValidationResult
	LookupWorkflow(ctx context.Context, name string, version int) (*store.Workflow, error)
	Start(ctx context.Context, workflowID string, vars map[string]any) (string, error)
	SubmitEvent(ctx context.Context, executionID string, ev schema.Event) error
	Decide(ctx context.Context, requestID, approverID string, decision schema.Decision, comment string) error
	Cancel(ctx context.Context, executionID, reason string) (*schema.Snapshot, error)
	Snapshot(ctx context.Context, executionID string) (*schema.Snapshot, error)
	ExecutionDiagram(ctx context.Context, executionID string) (*diagram.DiagramModel, error)
	WorkflowDiagram(ctx context.Context, workflowID string) (*diagram.DiagramModel, error)
}

// Triggers manages cron triggers. Optional: without it the trigger tool is
// not registered.
type Triggers interface {
	AddTrigger(ctx context.Context, workflowID, cronExpr string, vars map[string]any) (*store.Trigger, error)
	SetEnabled(ctx context.Context, id string, enabled bool) error
	RemoveTrigger(ctx context.Context, id string) error
}

// FlowServerDeps holds the dependencies for creating a FlowServer.
type FlowServerDeps struct {
	Engine   Engine
	Store    store.Store
	Triggers Triggers
	Sessions *SessionRegistry
	Logger   *slog.Logger
}

// FlowServer wraps an MCP server with procflow tool handlers.
type FlowServer struct {
	engine    Engine
	store     store.Store
	triggers  Triggers
	sessions  *SessionRegistry
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewFlowServer creates a FlowServer with its tools registered.
func NewFlowServer(deps FlowServerDeps) *FlowServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	sessions := deps.Sessions
	if sessions == nil {
		sessions = NewSessionRegistry()
	}

	s := &FlowServer{
		engine:   deps.Engine,
		store:    deps.Store,
		triggers: deps.Triggers,
		sessions: sessions,
		logger:   logger,
	}

	mcpSrv := server.NewMCPServer(
		"procflow",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("procflow runs graph workflows with tasks, human approvals, AI agent steps, conditionals and parallel branches. "+
			"Use procflow.register to add a graph, procflow.start to run it, procflow.status to inspect an execution, "+
			"procflow.event to report external step results or cancel, and procflow.decide to approve or reject a pending approval."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *FlowServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *FlowServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// Sessions returns the registry mapping agents to MCP sessions.
func (s *FlowServer) Sessions() *SessionRegistry {
	return s.sessions
}

func (s *FlowServer) tools() []server.ServerTool {
	tools := []server.ServerTool{
		{Tool: registerTool(), Handler: s.handleRegister},
		{Tool: startTool(), Handler: s.handleStart},
		{Tool: eventTool(), Handler: s.handleEvent},
		{Tool: decideTool(), Handler: s.handleDecide},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: diagramTool(), Handler: s.handleDiagram},
		{Tool: queryTool(), Handler: s.handleQuery},
	}
	if s.triggers != nil {
		tools = append(tools, server.ServerTool{Tool: triggerTool(), Handler: s.handleTrigger})
	}
	return tools
}

// --- Tool definitions ---

func registerTool() mcp.Tool {
	return mcp.NewTool("procflow.register",
		mcp.WithDescription("Validate and register a workflow graph as a new version"),
		mcp.WithObject("definition", mcp.Required(), mcp.Description("Graph definition: nodes, edges and an optional variableSchema")),
		mcp.WithString("name", mcp.Description("Workflow name (overrides definition.name)")),
		mcp.WithBoolean("validate_only", mcp.Description("Only validate; do not register")),
	)
}

func startTool() mcp.Tool {
	return mcp.NewTool("procflow.start",
		mcp.WithDescription("Start an execution of a registered workflow"),
		mcp.WithString("workflow_id", mcp.Description("ID of the registered workflow")),
		mcp.WithString("name", mcp.Description("Workflow name, used when workflow_id is not given")),
		mcp.WithNumber("version", mcp.Description("Workflow version for name lookups (default: latest)")),
		mcp.WithObject("variables", mcp.Description("Initial execution variables")),
		mcp.WithString("agent_id", mcp.Description("ID of the agent starting the execution; it is notified when the execution finishes")),
	)
}

func eventTool() mcp.Tool {
	return mcp.NewTool("procflow.event",
		mcp.WithDescription("Report the result of an externally executed step, or cancel an execution"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the target execution")),
		mcp.WithString("type", mcp.Required(),
			mcp.Enum(string(schema.EventStepCompleted), string(schema.EventStepFailed), string(schema.EventCancel)),
			mcp.Description("Event type"),
		),
		mcp.WithString("node_id", mcp.Description("Target node (required for step events)")),
		mcp.WithObject("output", mcp.Description("Step output for step_completed")),
		mcp.WithString("error_code", mcp.Description("Error code for step_failed")),
		mcp.WithString("error_message", mcp.Description("Error message for step_failed")),
		mcp.WithString("reason", mcp.Description("Cancel reason")),
	)
}

func decideTool() mcp.Tool {
	return mcp.NewTool("procflow.decide",
		mcp.WithDescription("Approve or reject a pending approval request"),
		mcp.WithString("request_id", mcp.Required(), mcp.Description("ID of the approval request")),
		mcp.WithString("approver_id", mcp.Required(), mcp.Description("ID of the deciding approver")),
		mcp.WithString("decision", mcp.Required(),
			mcp.Enum(string(schema.DecisionApproved), string(schema.DecisionRejected)),
			mcp.Description("The decision"),
		),
		mcp.WithString("comment", mcp.Description("Optional comment")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("procflow.status",
		mcp.WithDescription("Get the snapshot of an execution"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution")),
	)
}

func diagramTool() mcp.Tool {
	return mcp.NewTool("procflow.diagram",
		mcp.WithDescription("Render a workflow graph as Mermaid, ASCII art or a PNG image. Executions include step status"),
		mcp.WithString("execution_id", mcp.Description("Execution to render with its step states")),
		mcp.WithString("workflow_id", mcp.Description("Registered workflow to render")),
		mcp.WithString("format",
			mcp.Enum("mermaid", "ascii", "image"),
			mcp.Description("Output format (default: mermaid)"),
		),
	)
}

func queryTool() mcp.Tool {
	return mcp.NewTool("procflow.query",
		mcp.WithDescription("List workflows, executions, approval requests or transitions"),
		mcp.WithString("resource", mcp.Required(),
			mcp.Enum("workflows", "executions", "approvals", "transitions", "triggers"),
			mcp.Description("Type of resource to query"),
		),
		mcp.WithObject("filter", mcp.Description("Filter criteria (name, workflow_id, execution_id, status, approver_id, type, limit)")),
	)
}

func triggerTool() mcp.Tool {
	return mcp.NewTool("procflow.trigger",
		mcp.WithDescription("Manage cron triggers that start executions on a schedule"),
		mcp.WithString("action", mcp.Required(),
			mcp.Enum("add", "enable", "disable", "remove"),
			mcp.Description("Trigger operation"),
		),
		mcp.WithString("workflow_id", mcp.Description("Workflow to start (add)")),
		mcp.WithString("cron", mcp.Description("Cron expression, five fields or a descriptor such as @hourly (add)")),
		mcp.WithObject("variables", mcp.Description("Variables for each started execution (add)")),
		mcp.WithString("trigger_id", mcp.Description("Trigger to change (enable, disable, remove)")),
	)
}
