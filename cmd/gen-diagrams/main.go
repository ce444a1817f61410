// gen-diagrams renders a workflow definition as ASCII, Mermaid and PNG for
// documentation.
// Run: go run ./cmd/gen-diagrams -def examples/expense-approval/workflow.json
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rendis/procflow/internal/diagram"
	"github.com/rendis/procflow/pkg/schema"
)

func main() {
	defPath := flag.String("def", filepath.Join("examples", "expense-approval", "workflow.json"), "graph definition (JSON)")
	outDir := flag.String("out", filepath.Join("docs", "assets"), "output directory")
	sample := flag.Bool("sample-states", true, "overlay a sample in-flight execution")
	flag.Parse()

	data, err := os.ReadFile(*defPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "read definition: %v\n", err)
		os.Exit(1)
	}
	var def schema.GraphDefinition
	if err := json.Unmarshal(data, &def); err != nil {
		fmt.Fprintf(os.Stderr, "decode definition: %v\n", err)
		os.Exit(1)
	}

	var states map[string]*schema.StepState
	if *sample {
		states = sampleStates(&def)
	}
	model, err := diagram.Build(&def, states)
	if err != nil {
		fmt.Fprintf(os.Stderr, "build error: %v\n", err)
		os.Exit(1)
	}

	if err := os.MkdirAll(*outDir, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "create %s: %v\n", *outDir, err)
		os.Exit(1)
	}

	ascii := diagram.RenderASCII(model)
	write(filepath.Join(*outDir, "diagram-ascii.txt"), []byte(ascii))
	fmt.Println("=== ASCII ===")
	fmt.Println(ascii)

	mermaid := diagram.RenderMermaid(model)
	write(filepath.Join(*outDir, "diagram-mermaid.md"), []byte("```mermaid\n"+mermaid+"\n```\n"))
	fmt.Println("=== Mermaid ===")
	fmt.Println(mermaid)

	png, err := diagram.RenderImage(context.Background(), model)
	if err != nil {
		fmt.Fprintf(os.Stderr, "image error: %v\n", err)
		return
	}
	pngPath := filepath.Join(*outDir, "diagram-sample.png")
	write(pngPath, png)
	fmt.Printf("=== Image (PNG) ===\nWritten: %s (%d bytes)\n", pngPath, len(png))
}

// sampleStates marks the first half of the nodes completed and the next one
// running, in definition order.
func sampleStates(def *schema.GraphDefinition) map[string]*schema.StepState {
	states := make(map[string]*schema.StepState)
	done := len(def.Nodes) / 2
	for i, n := range def.Nodes {
		switch {
		case i < done:
			states[n.ID] = &schema.StepState{NodeID: n.ID, Kind: n.Kind, Status: schema.StepCompleted, Attempt: 1}
		case i == done:
			status := schema.StepRunning
			if n.Kind == schema.NodeApproval {
				status = schema.StepWaitingApproval
			}
			states[n.ID] = &schema.StepState{NodeID: n.ID, Kind: n.Kind, Status: status, Attempt: 1}
		}
	}
	return states
}

func write(path string, data []byte) {
	if err := os.WriteFile(path, data, 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "write %s: %v\n", path, err)
	}
}
