package validation

import (
	"encoding/json"
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/flowline-dev/flowline/pkg/schema"
)

// workflowSchemaJSON is the JSON Schema for WorkflowDefinition documents.
// Embedded as a constant to avoid filesystem dependencies.
const workflowSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://flowline.dev/schemas/workflow.json",
  "type": "object",
  "required": ["tenant_id", "logical_name", "trigger", "max_attempts"],
  "properties": {
    "tenant_id": { "type": "string", "minLength": 1 },
    "logical_name": { "type": "string", "minLength": 1 },
    "display_name": { "type": "string" },
    "trigger": { "$ref": "#/$defs/trigger" },
    "action": { "$ref": "#/$defs/step" },
    "steps": {
      "type": "array",
      "items": { "$ref": "#/$defs/step" }
    },
    "max_attempts": { "type": "integer", "minimum": 1 },
    "is_enabled": { "type": "boolean" }
  },
  "additionalProperties": false,
  "$defs": {
    "trigger": {
      "type": "object",
      "required": ["type"],
      "properties": {
        "type": {
          "type": "string",
          "enum": ["manual", "record_created", "record_updated", "record_deleted", "schedule_tick"]
        },
        "entity": { "type": "string" },
        "schedule_key": { "type": "string" }
      },
      "additionalProperties": false
    },
    "step": {
      "type": "object",
      "required": ["type"],
      "properties": {
        "type": {
          "type": "string",
          "enum": ["log_message", "create_record", "condition", "http_request"]
        },
        "message": { "type": "string" },
        "entity": { "type": "string" },
        "data": {},
        "field_path": { "type": "string" },
        "operator": {
          "type": "string",
          "enum": ["equals", "not_equals", "exists", "expression"]
        },
        "value": {},
        "then_steps": {
          "type": "array",
          "items": { "$ref": "#/$defs/step" }
        },
        "else_steps": {
          "type": "array",
          "items": { "$ref": "#/$defs/step" }
        },
        "method": { "type": "string" },
        "url": { "type": "string" },
        "headers": {
          "type": "object",
          "additionalProperties": { "type": "string" }
        },
        "body": {}
      },
      "additionalProperties": false
    }
  }
}`

// Validator checks workflow definition documents before they are saved or
// executed. Safe for concurrent use.
type Validator struct {
	workflowSchema *jsonschema.Schema
}

// NewValidator creates a Validator with the workflow schema pre-compiled.
func NewValidator() (*Validator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	schemaDoc, err := jsonschema.UnmarshalJSON(strings.NewReader(workflowSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal workflow schema: %w", err)
	}
	if err := c.AddResource("https://flowline.dev/schemas/workflow.json", schemaDoc); err != nil {
		return nil, fmt.Errorf("add workflow schema resource: %w", err)
	}
	compiled, err := c.Compile("https://flowline.dev/schemas/workflow.json")
	if err != nil {
		return nil, fmt.Errorf("compile workflow schema: %w", err)
	}

	return &Validator{workflowSchema: compiled}, nil
}

// ValidateDefinition checks a definition against the JSON Schema and the
// semantic rules the schema cannot express.
func (v *Validator) ValidateDefinition(def *schema.WorkflowDefinition) error {
	if def == nil {
		return schema.NewError(schema.ErrCodeValidation, "workflow definition is nil")
	}

	raw, err := json.Marshal(def)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"encode workflow definition: %s", err.Error()).WithCause(err)
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"decode workflow definition: %s", err.Error()).WithCause(err)
	}
	if err := v.workflowSchema.Validate(doc); err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"workflow definition does not match schema: %s", err.Error()).WithCause(err)
	}

	return validateSemantic(def)
}

// validateSemantic performs the checks the JSON Schema cannot express:
// trigger scoping, action/steps presence, and operator/value pairing
// through the whole step tree.
func validateSemantic(def *schema.WorkflowDefinition) error {
	switch def.Trigger.Type {
	case schema.TriggerRecordCreated, schema.TriggerRecordUpdated, schema.TriggerRecordDeleted:
		if def.Trigger.Entity == "" {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"trigger %s requires an entity", def.Trigger.Type)
		}
	case schema.TriggerScheduleTick:
		if def.Trigger.ScheduleKey == "" {
			return schema.NewError(schema.ErrCodeValidation,
				"trigger schedule_tick requires a schedule_key")
		}
	case schema.TriggerManual:
	default:
		return schema.NewErrorf(schema.ErrCodeValidation,
			"unknown trigger type %q", def.Trigger.Type)
	}

	if def.Action == nil && len(def.Steps) == 0 {
		return schema.NewError(schema.ErrCodeValidation,
			"workflow must define either an action or steps")
	}
	if def.Action != nil && len(def.Steps) > 0 {
		return schema.NewError(schema.ErrCodeValidation,
			"workflow cannot define both a legacy action and steps")
	}

	if def.Action != nil {
		if err := validateStep(def.Action, schema.StepPath{}.Child(0)); err != nil {
			return err
		}
	}
	return validateSteps(def.Steps, schema.StepPath{})
}

func validateSteps(steps []schema.Step, prefix schema.StepPath) error {
	for i := range steps {
		if err := validateStep(&steps[i], prefix.Child(i)); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(step *schema.Step, path schema.StepPath) error {
	switch step.Type {
	case schema.StepLogMessage:
		if step.Message == "" {
			return schema.NewError(schema.ErrCodeValidation, "log_message step requires a message").
				WithStepPath(path.String())
		}
	case schema.StepCreateRecord:
		if step.Entity == "" {
			return schema.NewError(schema.ErrCodeValidation, "create_record step requires an entity").
				WithStepPath(path.String())
		}
	case schema.StepHTTPRequest:
		if step.URL == "" {
			return schema.NewError(schema.ErrCodeValidation, "http_request step requires a url").
				WithStepPath(path.String())
		}
	case schema.StepCondition:
		switch step.Operator {
		case schema.OpEquals, schema.OpNotEquals:
			if step.FieldPath == "" {
				return schema.NewErrorf(schema.ErrCodeValidation,
					"condition operator %s requires a field_path", step.Operator).
					WithStepPath(path.String())
			}
			if len(step.Value) == 0 {
				return schema.NewErrorf(schema.ErrCodeValidation,
					"condition operator %s requires a comparison value", step.Operator).
					WithStepPath(path.String())
			}
		case schema.OpExists:
			if step.FieldPath == "" {
				return schema.NewError(schema.ErrCodeValidation,
					"condition operator exists requires a field_path").
					WithStepPath(path.String())
			}
		case schema.OpExpression:
			if len(step.Value) == 0 {
				return schema.NewError(schema.ErrCodeValidation,
					"condition operator expression requires an expression value").
					WithStepPath(path.String())
			}
		default:
			return schema.NewErrorf(schema.ErrCodeValidation,
				"unknown condition operator %q", step.Operator).
				WithStepPath(path.String())
		}
		if err := validateSteps(step.Then, path.Into(schema.BranchThen)); err != nil {
			return err
		}
		if err := validateSteps(step.Else, path.Into(schema.BranchElse)); err != nil {
			return err
		}
	default:
		return schema.NewErrorf(schema.ErrCodeValidation, "unknown step type %q", step.Type).
			WithStepPath(path.String())
	}
	return nil
}
