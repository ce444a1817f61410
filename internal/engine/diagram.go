package engine

import (
	"context"

	"github.com/rendis/procflow/internal/diagram"
)

// Diagram renders the graph of an execution as Mermaid with the step states
// overlaid.
func (e *Engine) Diagram(ctx context.Context, executionID string) (string, error) {
	model, err := e.ExecutionDiagram(ctx, executionID)
	if err != nil {
		return "", err
	}
	return diagram.RenderMermaid(model), nil
}

// ExecutionDiagram builds the diagram model of an execution.
func (e *Engine) ExecutionDiagram(ctx context.Context, executionID string) (*diagram.DiagramModel, error) {
	inst, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	g, err := e.graph(ctx, inst.WorkflowID)
	if err != nil {
		return nil, err
	}
	return diagram.Build(g.Def, inst.StepStates)
}

// WorkflowDiagram builds the diagram model of a registered workflow.
func (e *Engine) WorkflowDiagram(ctx context.Context, workflowID string) (*diagram.DiagramModel, error) {
	g, err := e.graph(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	return diagram.Build(g.Def, nil)
}
