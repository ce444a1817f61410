package diagram

import (
	"fmt"
	"strings"
)

var mermaidIDReplacer = strings.NewReplacer(".", "_", "-", "_", " ", "_")

// RenderMermaid renders a DiagramModel as a Mermaid flowchart.
func RenderMermaid(model *DiagramModel) string {
	var b strings.Builder
	b.WriteString("graph TD\n")
	if model.Title != "" {
		fmt.Fprintf(&b, "    %%%% %s\n", model.Title)
	}

	for _, node := range model.Nodes {
		fmt.Fprintf(&b, "    %s\n", mermaidNodeDef(node))
	}

	// Subgraphs only frame nodes defined above.
	for _, node := range model.Nodes {
		for _, sg := range node.Children {
			fmt.Fprintf(&b, "    subgraph %s[\"%s: %s\"]\n", mermaidSafeID(node.ID+"_"+sg.Label), node.ID, sg.Label)
			for _, id := range sg.NodeIDs {
				fmt.Fprintf(&b, "        %s\n", mermaidSafeID(id))
			}
			b.WriteString("    end\n")
		}
	}

	for _, edge := range model.Edges {
		b.WriteString("    " + mermaidSafeID(edge.From) + " " + mermaidArrow(edge) + " " + mermaidSafeID(edge.To) + "\n")
	}

	b.WriteByte('\n')
	for _, class := range styleClasses {
		st := classStyle(class)
		def := fmt.Sprintf("fill:%s,stroke:%s,color:%s", st.fill, st.stroke, st.font)
		if st.dashed {
			def += ",stroke-dasharray:5 5"
		}
		fmt.Fprintf(&b, "    classDef %s %s\n", class, def)
	}
	for _, node := range model.Nodes {
		if st, ok := styleFor(node); ok {
			fmt.Fprintf(&b, "    class %s %s\n", mermaidSafeID(node.ID), st.class)
		}
	}
	return b.String()
}

func mermaidArrow(e Edge) string {
	arrow := "-->"
	if e.Loop {
		arrow = "-.->"
	}
	if e.Label != "" {
		arrow += "|" + e.Label + "|"
	}
	return arrow
}

// mermaidNodeDef returns the node definition in the shape of its kind.
func mermaidNodeDef(node *Node) string {
	id := mermaidSafeID(node.ID)
	label := mermaidEscapeLabel(firstLine(node.Label))
	if node.Status != nil && node.Status.RetryCount > 0 {
		label = fmt.Sprintf("%s (retries: %d)", label, node.Status.RetryCount)
	}

	left, right := "[", "]"
	switch node.Kind {
	case NodeKindConditional:
		left, right = "{", "}"
	case NodeKindAIAgent:
		left, right = "{{", "}}"
	case NodeKindApproval:
		left, right = "([", "])"
	case NodeKindParallel:
		left, right = "[[", "]]"
	case NodeKindStart, NodeKindEnd:
		left, right = "((", "))"
	}
	return fmt.Sprintf("%s%s%q%s", id, left, label, right)
}

// mermaidSafeID maps a node ID to a Mermaid identifier. "end" is a keyword.
func mermaidSafeID(id string) string {
	id = mermaidIDReplacer.Replace(id)
	if strings.EqualFold(id, "end") {
		return id + "_"
	}
	return id
}

// mermaidEscapeLabel replaces the quotes %q cannot carry into a label.
func mermaidEscapeLabel(s string) string {
	return strings.ReplaceAll(s, `"`, "'")
}

func mermaidStatusClass(status string) string {
	return statusStyles[status].class
}
