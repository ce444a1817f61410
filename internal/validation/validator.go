package validation

import "github.com/rendis/procflow/pkg/schema"

// Validator checks graph definitions before registration and instance
// variables before start.
type Validator interface {
	ValidateGraph(def *schema.GraphDefinition) error
	ValidateVariables(vars map[string]any, specs map[string]schema.VariableSpec) (map[string]any, error)
}
