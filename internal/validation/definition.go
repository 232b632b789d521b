package validation

import (
	"encoding/json"
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/weaveflow/weave/pkg/schema"
)

// workflowSchemaJSON is the JSON Schema for Workflow definition validation.
// Embedded as a constant to avoid filesystem dependencies.
const workflowSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://weaveflow.dev/schemas/workflow.json",
  "type": "object",
  "required": ["name", "steps"],
  "properties": {
    "id": { "type": "string" },
    "name": { "type": "string", "minLength": 1 },
    "steps": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/step" }
    },
    "config": { "$ref": "#/$defs/config" }
  },
  "additionalProperties": false,
  "$defs": {
    "config": {
      "type": "object",
      "properties": {
        "max_concurrency": { "type": "integer", "minimum": 1 },
        "failure_policy": {
          "type": "string",
          "enum": ["stop", "continue", "rollback"]
        },
        "default_retries": { "type": "integer", "minimum": 0 },
        "default_timeout": { "$ref": "#/$defs/duration" }
      },
      "additionalProperties": false
    },
    "step": {
      "type": "object",
      "required": ["id"],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "name": { "type": "string" },
        "kind": {
          "type": "string",
          "enum": ["task", "decision", "conditional"]
        },
        "depends_on": {
          "type": "array",
          "items": { "type": "string" }
        },
        "inputs": { "type": "object" },
        "task": { "$ref": "#/$defs/task" },
        "decision": { "$ref": "#/$defs/decision" },
        "conditional": { "$ref": "#/$defs/conditional" },
        "output_selector": { "type": "string" },
        "retries": { "type": "integer", "minimum": 0 },
        "timeout": { "$ref": "#/$defs/duration" }
      },
      "additionalProperties": false
    },
    "task": {
      "type": "object",
      "required": ["handler"],
      "properties": {
        "handler": { "type": "string", "minLength": 1 },
        "params": { "type": "object" }
      },
      "additionalProperties": false
    },
    "decision": {
      "type": "object",
      "required": ["alternatives"],
      "properties": {
        "handler": { "type": "string" },
        "criteria": {
          "type": "array",
          "items": { "type": "string" }
        },
        "alternatives": {
          "type": "array",
          "minItems": 1,
          "items": {
            "type": "object",
            "required": ["id"],
            "properties": {
              "id": { "type": "string", "minLength": 1 },
              "description": { "type": "string" },
              "when": { "type": "string" }
            },
            "additionalProperties": false
          }
        }
      },
      "additionalProperties": false
    },
    "conditional": {
      "type": "object",
      "required": ["predicate"],
      "properties": {
        "predicate": { "type": "string", "minLength": 1 },
        "language": { "type": "string", "enum": ["cel", "expr"] }
      },
      "additionalProperties": false
    },
    "duration": {
      "type": "string",
      "pattern": "^[0-9]+(ns|us|µs|ms|s|m|h)$"
    }
  }
}`

// DefinitionValidator validates workflow definitions against the embedded
// JSON Schema (Draft 2020-12). Safe for concurrent use.
type DefinitionValidator struct {
	workflowSchema *jsonschema.Schema
}

// NewDefinitionValidator compiles the workflow schema and returns a validator.
func NewDefinitionValidator() (*DefinitionValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	schemaDoc, err := jsonschema.UnmarshalJSON(strings.NewReader(workflowSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal workflow schema: %w", err)
	}
	if err := c.AddResource("https://weaveflow.dev/schemas/workflow.json", schemaDoc); err != nil {
		return nil, fmt.Errorf("add workflow schema resource: %w", err)
	}

	wfSchema, err := c.Compile("https://weaveflow.dev/schemas/workflow.json")
	if err != nil {
		return nil, fmt.Errorf("compile workflow schema: %w", err)
	}

	return &DefinitionValidator{workflowSchema: wfSchema}, nil
}

// ValidateWorkflow validates a Workflow against the workflow JSON Schema,
// plus the kind/payload pairing rules the schema cannot express.
func (v *DefinitionValidator) ValidateWorkflow(wf *schema.Workflow) error {
	if wf == nil {
		return schema.NewError(schema.ErrCodeValidation, "workflow is nil")
	}

	doc, err := toJSONValue(wf)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize workflow").WithCause(err)
	}

	if err := v.workflowSchema.Validate(doc); err != nil {
		return toSchemaError(err)
	}

	for i := range wf.Steps {
		if err := validatePayload(&wf.Steps[i]); err != nil {
			return err
		}
	}

	return nil
}

// validatePayload checks that exactly the payload matching the step kind is set.
func validatePayload(s *schema.Step) error {
	switch s.EffectiveKind() {
	case schema.StepKindTask:
		if s.Task == nil {
			return schema.NewErrorf(schema.ErrCodeValidation, "task step %q has no task payload", s.ID).WithStep(s.ID)
		}
		if s.Decision != nil || s.Conditional != nil {
			return schema.NewErrorf(schema.ErrCodeValidation, "task step %q carries a foreign payload", s.ID).WithStep(s.ID)
		}
	case schema.StepKindDecision:
		if s.Decision == nil {
			return schema.NewErrorf(schema.ErrCodeValidation, "decision step %q has no decision payload", s.ID).WithStep(s.ID)
		}
		if s.Task != nil || s.Conditional != nil {
			return schema.NewErrorf(schema.ErrCodeValidation, "decision step %q carries a foreign payload", s.ID).WithStep(s.ID)
		}
	case schema.StepKindConditional:
		if s.Conditional == nil {
			return schema.NewErrorf(schema.ErrCodeValidation, "conditional step %q has no conditional payload", s.ID).WithStep(s.ID)
		}
		if s.Task != nil || s.Decision != nil {
			return schema.NewErrorf(schema.ErrCodeValidation, "conditional step %q carries a foreign payload", s.ID).WithStep(s.ID)
		}
	default:
		return schema.NewErrorf(schema.ErrCodeValidation, "step %q has unknown kind %q", s.ID, s.Kind).WithStep(s.ID)
	}
	return nil
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

// toSchemaError converts a jsonschema.ValidationError into a structured
// engine error with per-location violation messages.
func toSchemaError(err error) *schema.Error {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}

	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}

	msg := fmt.Sprintf("definition failed validation with %d errors", len(violations))
	return schema.NewError(schema.ErrCodeValidation, msg).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree and collects leaf error
// messages with their instance locations.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
