package validation

import (
	"github.com/rendis/procflow/internal/expressions"
	"github.com/rendis/procflow/pkg/schema"
)

// GraphValidator orchestrates the three-stage validation pipeline:
// 1. Structural (JSON Schema)
// 2. Semantic (ids, endpoints, tags, kind configs, expressions)
// 3. Graph (reachability, paths to end, loop-guarded cycles, branch isolation)
type GraphValidator struct {
	jsonSchema *JSONSchemaValidator
	compilers  compilers
}

// NewGraphValidator creates a GraphValidator that compiles expressions with
// the given compilers, so a successful validation warms their caches for the
// engine.
func NewGraphValidator(conds *expressions.ConditionEvaluator, templates *expressions.Interpolator, mappings *expressions.OutputMapper) (*GraphValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &GraphValidator{
		jsonSchema: jsv,
		compilers:  compilers{conditions: conds, templates: templates, mappings: mappings},
	}, nil
}

// Validate runs the full pipeline and returns every violation it finds.
// The structural and semantic passes always run. Graph checks are skipped
// while node ids or edge endpoints are broken, since reachability over such
// a graph would only repeat those errors.
func (gv *GraphValidator) Validate(def *schema.GraphDefinition) *schema.ValidationResult {
	if def == nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.IssueSchema, "graph definition is nil")
		return r
	}

	result := gv.jsonSchema.ValidateStructure(def)

	semantic := validateSemantic(def, gv.compilers)
	result.Merge(semantic)

	if graphCheckable(semantic) {
		result.Merge(validateGraph(def))
	}
	return result
}

// graphCheckable reports whether the node set and edge endpoints are sound
// enough for reachability and cycle analysis.
func graphCheckable(semantic *schema.ValidationResult) bool {
	return !semantic.HasCode(schema.IssueDanglingEdge) &&
		!semantic.HasCode(schema.IssueDuplicateID) &&
		!semantic.HasCode(schema.IssueStartNode)
}

// ValidateGraph satisfies the Validator interface.
func (gv *GraphValidator) ValidateGraph(def *schema.GraphDefinition) error {
	return gv.Validate(def).ToError()
}

// ValidateVariables delegates to the underlying JSONSchemaValidator.
func (gv *GraphValidator) ValidateVariables(vars map[string]any, specs map[string]schema.VariableSpec) (map[string]any, error) {
	return gv.jsonSchema.ValidateVariables(vars, specs)
}

var _ Validator = (*GraphValidator)(nil)
