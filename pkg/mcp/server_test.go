package mcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewFlowServer(t *testing.T) {
	s := NewFlowServer(FlowServerDeps{})
	require.NotNil(t, s)
	assert.NotNil(t, s.mcpServer)
	assert.NotNil(t, s.logger)
	assert.NotNil(t, s.Sessions())
}

func TestToolRegistration(t *testing.T) {
	s := NewFlowServer(FlowServerDeps{})

	expected := []string{
		"procflow.register",
		"procflow.start",
		"procflow.event",
		"procflow.decide",
		"procflow.status",
		"procflow.diagram",
		"procflow.query",
	}
	require.Len(t, s.mcpServer.ListTools(), len(expected))
	for _, name := range expected {
		assert.NotNil(t, s.mcpServer.GetTool(name), "tool %s should be registered", name)
	}
	assert.Nil(t, s.mcpServer.GetTool("procflow.trigger"))
}

func TestTriggerToolNeedsScheduler(t *testing.T) {
	h := newToolHarness(t)
	assert.NotNil(t, h.server.mcpServer.GetTool("procflow.trigger"))
	assert.Len(t, h.server.mcpServer.ListTools(), 8)
}
