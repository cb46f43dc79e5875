package validation

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/calydon/orchid/pkg/schema"
)

// definitionSchemaJSON is the JSON Schema for WorkflowDefinition documents.
// Embedded as a constant to avoid filesystem dependencies.
const definitionSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "orchid://schemas/workflow.json",
  "type": "object",
  "required": ["name", "steps"],
  "properties": {
    "name": {
      "type": "string",
      "minLength": 1
    },
    "steps": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/step" }
    },
    "inputs": {
      "type": "array",
      "items": { "type": "string", "minLength": 1 }
    },
    "compensations": {
      "type": "array",
      "items": { "$ref": "#/$defs/compensation" }
    },
    "default_timeout": {
      "type": "string",
      "pattern": "^[0-9]+(ns|us|µs|ms|s|m|h)$"
    },
    "default_retry": { "$ref": "#/$defs/retry" }
  },
  "additionalProperties": false,
  "$defs": {
    "step": {
      "type": "object",
      "required": ["id", "tool"],
      "properties": {
        "id": {
          "type": "string",
          "minLength": 1,
          "pattern": "^[^.]+$"
        },
        "tool": {
          "type": "string",
          "minLength": 1
        },
        "alternate_tool": { "type": "string" },
        "bindings": { "type": "object" },
        "outputs": {
          "type": "array",
          "items": { "type": "string", "minLength": 1 }
        },
        "depends_on": {
          "type": "array",
          "items": { "type": "string" }
        },
        "condition": { "type": "string" },
        "optional": { "type": "boolean" },
        "allow_skipped": { "type": "boolean" },
        "timeout": {
          "type": "string",
          "pattern": "^[0-9]+(ns|us|µs|ms|s|m|h)$"
        },
        "retry": { "$ref": "#/$defs/retry" }
      },
      "additionalProperties": false
    },
    "compensation": {
      "type": "object",
      "required": ["step_id", "tool"],
      "properties": {
        "step_id": { "type": "string", "minLength": 1 },
        "tool": { "type": "string", "minLength": 1 }
      },
      "additionalProperties": false
    },
    "retry": {
      "type": "object",
      "required": ["max"],
      "properties": {
        "max": {
          "type": "integer",
          "minimum": 0
        },
        "delay": {
          "type": "string",
          "pattern": "^[0-9]+(ns|us|µs|ms|s|m|h)$"
        },
        "max_delay": {
          "type": "string",
          "pattern": "^[0-9]+(ns|us|µs|ms|s|m|h)$"
        }
      },
      "additionalProperties": false
    }
  }
}`

var (
	definitionSchemaOnce sync.Once
	definitionSchema     *jsonschema.Schema
	definitionSchemaErr  error
)

func compiledDefinitionSchema() (*jsonschema.Schema, error) {
	definitionSchemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.AssertFormat()

		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(definitionSchemaJSON))
		if err != nil {
			definitionSchemaErr = fmt.Errorf("unmarshal definition schema: %w", err)
			return
		}
		if err := c.AddResource("orchid://schemas/workflow.json", doc); err != nil {
			definitionSchemaErr = fmt.Errorf("add definition schema resource: %w", err)
			return
		}
		definitionSchema, definitionSchemaErr = c.Compile("orchid://schemas/workflow.json")
	})
	return definitionSchema, definitionSchemaErr
}

// ParseDefinition validates a raw JSON workflow definition against the
// definition schema and decodes it. Semantic defects the schema cannot
// express (dangling dependencies, cycles, unresolvable references) are the
// graph builder's job; this catches the shape errors first with precise
// locations.
func ParseDefinition(raw []byte) (*schema.WorkflowDefinition, error) {
	compiled, err := compiledDefinitionSchema()
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "definition schema unavailable").WithCause(err)
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "definition is not valid JSON: %s", err.Error()).WithCause(err)
	}
	if err := compiled.Validate(doc); err != nil {
		return nil, toEngineError(err)
	}

	def := &schema.WorkflowDefinition{}
	if err := json.Unmarshal(raw, def); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "decode definition: %s", err.Error()).WithCause(err)
	}
	return def, nil
}

// ValidateDefinition checks an already-decoded definition against the
// schema, round-tripping through JSON so numbers compare correctly.
func ValidateDefinition(def *schema.WorkflowDefinition) error {
	if def == nil {
		return schema.NewError(schema.ErrCodeValidation, "workflow definition is nil")
	}
	raw, err := json.Marshal(def)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "serialize workflow definition").WithCause(err)
	}
	_, err = ParseDefinition(raw)
	return err
}

// toEngineError converts a jsonschema.ValidationError into an EngineError
// with one message per leaf violation.
func toEngineError(err error) *schema.EngineError {
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
	return schema.NewErrorf(schema.ErrCodeValidation, "definition has %d violations", len(violations)).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree and collects leaf messages
// with their instance locations.
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
