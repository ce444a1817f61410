package mcp

import (
	"context"
	"errors"

	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/procflow/internal/notify"
	"github.com/rendis/procflow/pkg/schema"
)

// notificationMethod is the MCP method used for pushed notifications.
const notificationMethod = "notifications/message"

// MCPNotifier pushes engine notifications to connected agents: approval
// requests to their approvers, and the outcome of an execution to the agent
// that started it. It implements notify.Dispatcher.
type MCPNotifier struct {
	mcpServer *server.MCPServer
	sessions  *SessionRegistry
}

// NewMCPNotifier creates a notifier that pushes over MCP sessions.
func NewMCPNotifier(mcpServer *server.MCPServer, sessions *SessionRegistry) *MCPNotifier {
	return &MCPNotifier{mcpServer: mcpServer, sessions: sessions}
}

// Publish routes one notification. Best-effort: agents that are not
// connected are skipped.
func (n *MCPNotifier) Publish(ctx context.Context, note notify.Notification) error {
	switch note.Type {
	case notify.TypeApprovalRequested:
		var errs []error
		for _, approver := range approversOf(note) {
			errs = append(errs, n.Notify(ctx, approver, payloadOf(note)))
		}
		return errors.Join(errs...)

	case schema.TransitionStepWaiting:
		if agent, ok := n.sessions.WatcherOf(note.ExecutionID); ok {
			return n.Notify(ctx, agent, payloadOf(note))
		}

	case schema.TransitionExecutionCompleted, schema.TransitionExecutionFailed, schema.TransitionExecutionCancelled:
		agent, ok := n.sessions.WatcherOf(note.ExecutionID)
		if !ok {
			return nil
		}
		n.sessions.Unwatch(note.ExecutionID)
		return n.Notify(ctx, agent, payloadOf(note))
	}
	return nil
}

// Notify sends a payload to the agent's session.
// Best-effort: returns nil if the agent is not connected.
func (n *MCPNotifier) Notify(_ context.Context, agentID string, payload map[string]any) error {
	sessionID, ok := n.sessions.SessionFor(agentID)
	if !ok {
		return nil // agent not connected, best-effort
	}
	err := n.mcpServer.SendNotificationToSpecificClient(sessionID, notificationMethod, payload)
	if errors.Is(err, server.ErrSessionNotFound) {
		// Session expired between lookup and send.
		n.sessions.Remove(sessionID)
		return nil
	}
	return err
}

func approversOf(note notify.Notification) []string {
	switch v := note.Data["approvers"].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, a := range v {
			if s, ok := a.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func payloadOf(note notify.Notification) map[string]any {
	return map[string]any{
		"type":         note.Type,
		"execution_id": note.ExecutionID,
		"workflow_id":  note.WorkflowID,
		"node_id":      note.NodeID,
		"data":         note.Data,
		"timestamp":    note.Timestamp,
	}
}

var _ notify.Dispatcher = (*MCPNotifier)(nil)
