package diagram

// statusStyle is the colouring shared by the Mermaid and image renderers.
type statusStyle struct {
	class  string
	fill   string
	stroke string
	font   string
	dashed bool
}

var statusStyles = map[string]statusStyle{
	"completed":        {class: "completed", fill: "#2d6a2d", stroke: "#1a4a1a", font: "#ffffff"},
	"partial":          {class: "completed", fill: "#2d6a2d", stroke: "#1a4a1a", font: "#ffffff"},
	"failed":           {class: "failed", fill: "#8b1a1a", stroke: "#5c0e0e", font: "#ffffff"},
	"expired":          {class: "failed", fill: "#8b1a1a", stroke: "#5c0e0e", font: "#ffffff"},
	"running":          {class: "running", fill: "#1a5276", stroke: "#0e3a52", font: "#ffffff"},
	"waiting_approval": {class: "waiting", fill: "#b7791a", stroke: "#8a5c14", font: "#ffffff"},
	"pending":          {class: "pending", fill: "#6b6b6b", stroke: "#4a4a4a", font: "#ffffff"},
	"skipped":          {class: "skipped", fill: "#4a4a4a", stroke: "#333333", font: "#aaaaaa", dashed: true},
	"cancelled":        {class: "skipped", fill: "#4a4a4a", stroke: "#333333", font: "#aaaaaa", dashed: true},
}

// styleClasses lists each class once, in declaration order for stable output.
var styleClasses = []string{"completed", "failed", "running", "waiting", "pending", "skipped"}

func styleFor(n *Node) (statusStyle, bool) {
	if n.Status == nil {
		return statusStyle{}, false
	}
	st, ok := statusStyles[n.Status.Status]
	return st, ok
}

func classStyle(class string) statusStyle {
	for _, st := range statusStyles {
		if st.class == class {
			return st
		}
	}
	return statusStyle{}
}
