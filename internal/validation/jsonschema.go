package validation

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/procflow/pkg/schema"
)

const graphSchemaURL = "https://procflow.dev/schemas/graph.json"

// graphSchemaJSON is the JSON Schema for GraphDefinition validation.
// Embedded as a constant to avoid filesystem dependencies.
const graphSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://procflow.dev/schemas/graph.json",
  "type": "object",
  "required": ["nodes", "edges"],
  "properties": {
    "name": { "type": "string" },
    "version": { "type": "integer", "minimum": 0 },
    "nodes": {
      "type": "array",
      "minItems": 2,
      "items": { "$ref": "#/$defs/node" }
    },
    "edges": {
      "type": "array",
      "items": { "$ref": "#/$defs/edge" }
    },
    "variableSchema": {
      "type": "object",
      "additionalProperties": { "$ref": "#/$defs/variable" }
    },
    "metadata": { "type": "object" }
  },
  "additionalProperties": false,
  "$defs": {
    "node": {
      "type": "object",
      "required": ["id", "kind"],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "kind": {
          "type": "string",
          "enum": ["start", "end", "task", "approval", "ai_agent", "conditional", "parallel"]
        },
        "name": { "type": "string" },
        "config": {}
      },
      "additionalProperties": false,
      "allOf": [
        {
          "if": { "properties": { "kind": { "const": "task" } } },
          "then": { "required": ["config"], "properties": { "config": { "$ref": "#/$defs/task" } } }
        },
        {
          "if": { "properties": { "kind": { "const": "approval" } } },
          "then": { "required": ["config"], "properties": { "config": { "$ref": "#/$defs/approval" } } }
        },
        {
          "if": { "properties": { "kind": { "const": "ai_agent" } } },
          "then": { "required": ["config"], "properties": { "config": { "$ref": "#/$defs/aiAgent" } } }
        },
        {
          "if": { "properties": { "kind": { "const": "conditional" } } },
          "then": { "required": ["config"], "properties": { "config": { "$ref": "#/$defs/conditional" } } }
        },
        {
          "if": { "properties": { "kind": { "const": "parallel" } } },
          "then": { "required": ["config"], "properties": { "config": { "$ref": "#/$defs/parallel" } } }
        }
      ]
    },
    "edge": {
      "type": "object",
      "required": ["id", "sourceNodeId", "targetNodeId"],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "sourceNodeId": { "type": "string", "minLength": 1 },
        "targetNodeId": { "type": "string", "minLength": 1 },
        "branchTag": { "type": "string" },
        "loop": {
          "type": "object",
          "properties": {
            "maxIterations": { "type": "integer", "minimum": 1 }
          },
          "additionalProperties": false
        }
      },
      "additionalProperties": false
    },
    "variable": {
      "type": "object",
      "required": ["type"],
      "properties": {
        "type": {
          "type": "string",
          "enum": ["string", "number", "integer", "boolean", "object", "array"]
        },
        "required": { "type": "boolean" },
        "default": {}
      },
      "additionalProperties": false
    },
    "retryPolicy": {
      "type": "object",
      "required": ["maxRetries", "retryDelay"],
      "properties": {
        "maxRetries": { "type": "integer", "minimum": 0 },
        "retryDelay": { "type": "number", "minimum": 0 },
        "backoffMultiplier": { "type": "number", "minimum": 1 },
        "maxDelay": { "type": "number", "minimum": 0 }
      },
      "additionalProperties": false
    },
    "outputMapping": {
      "type": "object",
      "additionalProperties": { "type": "string", "minLength": 1 }
    },
    "task": {
      "type": "object",
      "required": ["taskType"],
      "properties": {
        "taskType": { "type": "string", "minLength": 1 },
        "timeoutMinutes": { "type": "number", "minimum": 0 },
        "retryPolicy": { "$ref": "#/$defs/retryPolicy" },
        "params": { "type": "object" },
        "outputMapping": { "$ref": "#/$defs/outputMapping" }
      },
      "additionalProperties": false
    },
    "approval": {
      "type": "object",
      "required": ["approvers", "approvalType"],
      "properties": {
        "approvers": {
          "type": "array",
          "minItems": 1,
          "items": { "type": "string", "minLength": 1 }
        },
        "approvalType": { "type": "string", "enum": ["any", "all", "majority"] },
        "dueInHours": { "type": "number", "minimum": 0 },
        "escalation": {
          "type": "object",
          "properties": {
            "enabled": { "type": "boolean" },
            "escalateAfterHours": { "type": "number", "minimum": 0 },
            "escalateTo": { "type": "array", "items": { "type": "string", "minLength": 1 } }
          },
          "additionalProperties": false
        },
        "autoApprove": {
          "type": "object",
          "properties": {
            "enabled": { "type": "boolean" },
            "conditions": { "type": "array", "items": { "type": "string", "minLength": 1 } },
            "decision": { "type": "string", "enum": ["approved", "rejected"] }
          },
          "additionalProperties": false
        }
      },
      "additionalProperties": false
    },
    "aiAgent": {
      "type": "object",
      "required": ["model", "prompt"],
      "properties": {
        "model": { "type": "string", "minLength": 1 },
        "temperature": { "type": "number", "minimum": 0, "maximum": 2 },
        "maxTokens": { "type": "integer", "minimum": 1 },
        "prompt": { "type": "string", "minLength": 1 },
        "timeoutMinutes": { "type": "number", "minimum": 0 },
        "retryPolicy": { "$ref": "#/$defs/retryPolicy" },
        "outputMapping": { "$ref": "#/$defs/outputMapping" }
      },
      "additionalProperties": false
    },
    "conditional": {
      "type": "object",
      "required": ["condition"],
      "properties": {
        "condition": { "type": "string", "minLength": 1 },
        "trueEdgeId": { "type": "string" },
        "falseEdgeId": { "type": "string" }
      },
      "additionalProperties": false
    },
    "parallel": {
      "type": "object",
      "required": ["branches"],
      "properties": {
        "branches": {
          "type": "array",
          "minItems": 1,
          "items": {
            "type": "object",
            "required": ["id", "targetNodeId"],
            "properties": {
              "id": { "type": "string", "minLength": 1 },
              "targetNodeId": { "type": "string", "minLength": 1 }
            },
            "additionalProperties": false
          }
        },
        "executionMode": { "type": "string", "enum": ["all", "any", "first"] },
        "maxConcurrency": { "type": "integer", "minimum": 0 },
        "failureMode": { "type": "string", "enum": ["fail_fast", "continue", "ignore"] },
        "timeoutMinutes": { "type": "number", "minimum": 0 },
        "joinNodeId": { "type": "string" }
      },
      "additionalProperties": false
    }
  }
}`

// JSONSchemaValidator checks graph structure and instance variables against
// JSON Schema Draft 2020-12. It is safe for concurrent use.
type JSONSchemaValidator struct {
	graphSchema *jsonschema.Schema

	// mu guards the cache of compiled variable schemas.
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewJSONSchemaValidator creates a JSONSchemaValidator with the graph schema pre-compiled.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := newCompiler()

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(graphSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal graph schema: %w", err)
	}
	if err := c.AddResource(graphSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add graph schema resource: %w", err)
	}
	compiled, err := c.Compile(graphSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile graph schema: %w", err)
	}

	return &JSONSchemaValidator{
		graphSchema: compiled,
		cache:       make(map[string]*jsonschema.Schema),
	}, nil
}

// ValidateStructure checks the serialized definition against the graph schema
// and reports every violation as a SCHEMA issue.
func (v *JSONSchemaValidator) ValidateStructure(def *schema.GraphDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	doc, err := toJSONValue(def)
	if err != nil {
		result.AddError("/", schema.IssueSchema, "failed to serialize graph definition: "+err.Error())
		return result
	}
	if err := v.graphSchema.Validate(doc); err != nil {
		addViolations(result, schema.IssueSchema, err)
	}
	return result
}

// ValidateVariables applies defaults from specs and checks vars against the
// JSON Schema derived from them. The returned map is a copy of vars with
// defaults filled in.
func (v *JSONSchemaValidator) ValidateVariables(vars map[string]any, specs map[string]schema.VariableSpec) (map[string]any, error) {
	out := make(map[string]any, len(vars)+len(specs))
	for k, val := range vars {
		out[k] = val
	}
	if len(specs) == 0 {
		return out, nil
	}

	for name, spec := range specs {
		if _, ok := out[name]; !ok && spec.Default != nil {
			out[name] = spec.Default
		}
	}

	compiled, err := v.variablesSchema(specs)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "invalid variable schema").WithCause(err)
	}
	doc, err := toJSONValue(out)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "failed to serialize variables").WithCause(err)
	}
	if err := compiled.Validate(doc); err != nil {
		result := &schema.ValidationResult{}
		addViolations(result, schema.IssueVariableSchema, err)
		return nil, result.ToError()
	}
	return out, nil
}

// variablesSchema builds (or fetches from cache) the object schema for specs.
func (v *JSONSchemaValidator) variablesSchema(specs map[string]schema.VariableSpec) (*jsonschema.Schema, error) {
	names := make([]string, 0, len(specs))
	for name := range specs {
		names = append(names, name)
	}
	sort.Strings(names)

	props := make(map[string]any, len(specs))
	required := []string{}
	for _, name := range names {
		props[name] = map[string]any{"type": specs[name].Type}
		if specs[name].Required {
			required = append(required, name)
		}
	}
	raw, err := json.Marshal(map[string]any{
		"type":       "object",
		"properties": props,
		"required":   required,
	})
	if err != nil {
		return nil, err
	}
	key := string(raw)

	v.mu.RLock()
	if cached, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()

	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	// Each schema gets a unique URL; a fresh compiler avoids resource collisions.
	url := fmt.Sprintf("procflow://variables/%d", len(v.cache))
	c := newCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	v.cache[key] = compiled
	return compiled, nil
}

func newCompiler() *jsonschema.Compiler {
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	return c
}

// toJSONValue round-trips a Go value through JSON encoding/decoding so that
// numeric values become json.Number (required by the jsonschema library).
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// addViolations walks a ValidationError tree and records every leaf with its
// instance location.
func addViolations(result *schema.ValidationResult, code string, err error) {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		result.AddError("/", code, err.Error())
		return
	}
	collectViolations(result, code, verr)
}

func collectViolations(result *schema.ValidationResult, code string, verr *jsonschema.ValidationError) {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		result.AddError(loc, code, verr.Error())
		return
	}
	for _, cause := range verr.Causes {
		collectViolations(result, code, cause)
	}
}
