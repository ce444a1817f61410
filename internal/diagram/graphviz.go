package diagram

import (
	"bytes"
	"context"
	"fmt"

	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"
)

// RenderImage renders a DiagramModel as a PNG using the embedded graphviz.
func RenderImage(ctx context.Context, model *DiagramModel) ([]byte, error) {
	gv, err := graphviz.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("diagram: create graphviz: %w", err)
	}
	defer gv.Close()
	gv.SetLayout(graphviz.DOT)

	graph, err := gv.Graph()
	if err != nil {
		return nil, fmt.Errorf("diagram: create graph: %w", err)
	}
	defer graph.Close()

	graph.SetRankDir(cgraph.TBRank)
	if model.Title != "" {
		graph.SetLabel(model.Title)
	}

	index := make(map[string]*Node, len(model.Nodes))
	drawn := make(map[string]*cgraph.Node, len(model.Nodes))
	for _, node := range model.Nodes {
		index[node.ID] = node
		gvNode, err := graph.CreateNodeByName(node.ID)
		if err != nil {
			return nil, fmt.Errorf("diagram: create node %s: %w", node.ID, err)
		}
		styleNode(gvNode, node)
		drawn[node.ID] = gvNode
	}

	// Each parallel branch is a dashed cluster around its members.
	for _, node := range model.Nodes {
		for _, sg := range node.Children {
			cluster, err := graph.CreateSubGraphByName("cluster_" + node.ID + "_" + sg.Label)
			if err != nil {
				return nil, fmt.Errorf("diagram: create cluster %s/%s: %w", node.ID, sg.Label, err)
			}
			cluster.SetLabel(sg.Label)
			cluster.SetStyle(cgraph.DashedGraphStyle)
			for _, id := range sg.NodeIDs {
				member, ok := index[id]
				if !ok {
					continue
				}
				if gvNode, err := cluster.CreateNodeByName(id); err == nil {
					styleNode(gvNode, member)
				}
			}
		}
	}

	for _, edge := range model.Edges {
		from, to := drawn[edge.From], drawn[edge.To]
		if from == nil || to == nil {
			continue
		}
		gvEdge, err := graph.CreateEdgeByName("", from, to)
		if err != nil {
			return nil, fmt.Errorf("diagram: create edge %s->%s: %w", edge.From, edge.To, err)
		}
		if edge.Label != "" {
			gvEdge.SetLabel(edge.Label)
		}
		if edge.Loop {
			gvEdge.SetStyle(cgraph.DashedEdgeStyle)
			gvEdge.SetConstraint(false)
		}
	}

	var buf bytes.Buffer
	if err := gv.Render(ctx, graph, graphviz.PNG, &buf); err != nil {
		return nil, fmt.Errorf("diagram: render PNG: %w", err)
	}
	return buf.Bytes(), nil
}

// styleNode sets the label, the shape of the node kind and the status colours.
func styleNode(gvNode *cgraph.Node, node *Node) {
	gvNode.SetLabel(firstLine(node.Label))

	switch node.Kind {
	case NodeKindConditional:
		gvNode.SetShape(cgraph.DiamondShape)
	case NodeKindAIAgent:
		gvNode.SetShape(cgraph.HexagonShape)
	case NodeKindApproval:
		gvNode.SetShape(cgraph.EllipseShape)
	case NodeKindParallel:
		gvNode.SetShape(cgraph.BoxShape)
		gvNode.SetPeripheries(2)
	case NodeKindStart, NodeKindEnd:
		gvNode.SetShape(cgraph.CircleShape)
		gvNode.SetWidth(0.5)
		gvNode.SetHeight(0.5)
	default:
		gvNode.SetShape(cgraph.BoxShape)
	}

	st, ok := styleFor(node)
	if !ok {
		return
	}
	gvNode.SetStyle(cgraph.FilledNodeStyle)
	if st.dashed {
		gvNode.SetStyle(cgraph.DashedNodeStyle)
	}
	gvNode.SetFillColor(st.fill)
	gvNode.SetColor(st.stroke)
	gvNode.SetFontColor(st.font)
}
