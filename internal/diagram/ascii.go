package diagram

import (
	"fmt"
	"slices"
	"strings"
)

var statusTags = map[string]string{
	"completed":        "[OK]",
	"partial":          "[PART]",
	"failed":           "[FAIL]",
	"expired":          "[EXP]",
	"running":          "[RUN]",
	"waiting_approval": "[WAIT]",
	"skipped":          "[SKIP]",
	"cancelled":        "[CXL]",
	"pending":          "[PEND]",
}

// kindMarkers prefix node labels so kinds stay readable without shapes.
var kindMarkers = map[NodeKind]string{
	NodeKindStart:       "(",
	NodeKindEnd:         "(",
	NodeKindApproval:    "?",
	NodeKindAIAgent:     "*",
	NodeKindConditional: "<>",
	NodeKindParallel:    "||",
}

const boxGap = "  "

// RenderASCII renders a DiagramModel as boxes laid out level by level,
// followed by the parallel branches, the tagged routes and the loop edges.
func RenderASCII(model *DiagramModel) string {
	var b strings.Builder
	if model.Title != "" {
		fmt.Fprintf(&b, "=== %s ===\n\n", model.Title)
	}

	index := make(map[string]*Node, len(model.Nodes))
	for _, n := range model.Nodes {
		index[n.ID] = n
	}

	for i, level := range model.Levels {
		var row []asciiBox
		for _, id := range level {
			if n, ok := index[id]; ok {
				row = append(row, makeBox(n))
			}
		}
		if len(row) == 0 {
			continue
		}
		writeRow(&b, row)
		if i < len(model.Levels)-1 {
			writeConnector(&b, row)
		}
	}

	for _, n := range model.Nodes {
		if len(n.Children) == 0 {
			continue
		}
		fmt.Fprintf(&b, "\n--- %s branches ---\n", n.ID)
		for _, sg := range n.Children {
			fmt.Fprintf(&b, "  [%s]\n", sg.Label)
			for _, id := range sg.NodeIDs {
				if member, ok := index[id]; ok {
					fmt.Fprintf(&b, "    %s%s\n", firstLine(member.Label), statusSuffix(member))
				}
			}
		}
	}

	var routes, loops []Edge
	for _, e := range sortedEdges(model.Edges) {
		switch {
		case e.Loop:
			loops = append(loops, e)
		case e.Label != "":
			routes = append(routes, e)
		}
	}
	if len(routes) > 0 {
		b.WriteString("\n--- routes ---\n")
		for _, e := range routes {
			fmt.Fprintf(&b, "  %s ─[%s]→ %s\n", e.From, e.Label, e.To)
		}
	}
	if len(loops) > 0 {
		b.WriteString("\n--- loops ---\n")
		for _, e := range loops {
			arrow := "─→"
			if e.Label != "" {
				arrow = "─[" + e.Label + "]→"
			}
			fmt.Fprintf(&b, "  %s %s %s\n", e.From, arrow, e.To)
		}
	}
	return b.String()
}

type asciiBox struct {
	lines []string
	width int
}

func makeBox(node *Node) asciiBox {
	label := firstLine(node.Label)
	if m := kindMarkers[node.Kind]; m != "" {
		label = m + " " + label
	}
	content := []string{label}

	if st := node.Status; st != nil {
		if tag := statusTags[st.Status]; tag != "" {
			content = append(content, tag)
		}
		if st.DurationMs > 0 {
			content = append(content, fmt.Sprintf("%dms", st.DurationMs))
		}
		if st.RetryCount > 0 {
			content = append(content, fmt.Sprintf("attempt %d, %d retries", st.Attempt, st.RetryCount))
		}
		if st.Error != "" {
			content = append(content, truncate(st.Error, 32))
		}
	}

	inner := 0
	for _, line := range content {
		inner = max(inner, len(line))
	}

	lines := make([]string, 0, len(content)+2)
	lines = append(lines, "┌"+strings.Repeat("─", inner+2)+"┐")
	for _, line := range content {
		lines = append(lines, "│ "+line+strings.Repeat(" ", inner-len(line))+" │")
	}
	lines = append(lines, "└"+strings.Repeat("─", inner+2)+"┘")
	return asciiBox{lines: lines, width: inner + 4}
}

func writeRow(b *strings.Builder, row []asciiBox) {
	height := 0
	for _, box := range row {
		height = max(height, len(box.lines))
	}
	for line := range height {
		for i, box := range row {
			if i > 0 {
				b.WriteString(boxGap)
			}
			if line < len(box.lines) {
				b.WriteString(box.lines[line])
			} else {
				b.WriteString(strings.Repeat(" ", box.width))
			}
		}
		b.WriteByte('\n')
	}
}

// writeConnector draws an arrow under the middle of each box in the row.
func writeConnector(b *strings.Builder, row []asciiBox) {
	var stem, head strings.Builder
	for i, box := range row {
		if i > 0 {
			stem.WriteString(boxGap)
			head.WriteString(boxGap)
		}
		mid := box.width / 2
		stem.WriteString(strings.Repeat(" ", mid) + "│" + strings.Repeat(" ", box.width-mid-1))
		head.WriteString(strings.Repeat(" ", mid) + "▼" + strings.Repeat(" ", box.width-mid-1))
	}
	b.WriteString(strings.TrimRight(stem.String(), " ") + "\n")
	b.WriteString(strings.TrimRight(head.String(), " ") + "\n")
}

func statusSuffix(n *Node) string {
	if n.Status == nil {
		return ""
	}
	if tag := statusTags[n.Status.Status]; tag != "" {
		return " " + tag
	}
	return ""
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

// sortedEdges orders edges by source then target.
func sortedEdges(edges []Edge) []Edge {
	out := slices.Clone(edges)
	slices.SortStableFunc(out, func(a, b Edge) int {
		if c := strings.Compare(a.From, b.From); c != 0 {
			return c
		}
		return strings.Compare(a.To, b.To)
	})
	return out
}
