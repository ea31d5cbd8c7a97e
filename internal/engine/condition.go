package engine

import (
	"context"
	"encoding/json"
	"reflect"

	"github.com/flowline-dev/flowline/internal/expressions"
	"github.com/flowline-dev/flowline/pkg/schema"
)

// evalCondition evaluates a condition step's predicate against the trigger
// payload. Returns the branch outcome and a summary for the step trace.
//
// For equals/not_equals the comparison value may itself contain template
// tokens; interpolation failures surface as the step's error. A missing
// field compares as null rather than failing.
func (in *Interpreter) evalCondition(ctx context.Context, step *schema.Step, scope *expressions.Scope) (bool, map[string]any, error) {
	switch step.Operator {
	case schema.OpExists:
		_, found := expressions.LookupPath(orEmptyMap(scope.Trigger), step.FieldPath)
		return found, map[string]any{
			"operator":   string(step.Operator),
			"field_path": step.FieldPath,
		}, nil

	case schema.OpEquals, schema.OpNotEquals:
		if len(step.Value) == 0 {
			return false, nil, schema.NewErrorf(schema.ErrCodeValidation,
				"condition operator %s requires a comparison value", step.Operator)
		}

		resolved, err := in.resolver.ResolveJSON(ctx, step.Value, scope)
		if err != nil {
			return false, nil, err
		}
		var want any
		if err := json.Unmarshal(resolved, &want); err != nil {
			return false, nil, schema.NewErrorf(schema.ErrCodeValidation,
				"malformed comparison value: %s", err.Error()).WithCause(err)
		}

		got, _ := expressions.LookupPath(orEmptyMap(scope.Trigger), step.FieldPath)
		equal := jsonEqual(got, want)
		passes := equal
		if step.Operator == schema.OpNotEquals {
			passes = !equal
		}
		return passes, map[string]any{
			"operator":   string(step.Operator),
			"field_path": step.FieldPath,
			"expected":   want,
			"actual":     got,
		}, nil

	case schema.OpExpression:
		var src string
		if err := json.Unmarshal(step.Value, &src); err != nil {
			return false, nil, schema.NewError(schema.ErrCodeValidation,
				"expression condition value must be a string").WithCause(err)
		}
		engine, err := in.engines.Get(step.FieldPath)
		if err != nil {
			return false, nil, err
		}
		out, err := engine.Evaluate(ctx, src, scope.EngineData())
		if err != nil {
			return false, nil, err
		}
		passes, ok := out.(bool)
		if !ok {
			return false, nil, schema.NewErrorf(schema.ErrCodeValidation,
				"expression condition must evaluate to a boolean, got %T", out)
		}
		return passes, map[string]any{
			"operator":   string(step.Operator),
			"engine":     engine.Name(),
			"expression": src,
		}, nil

	default:
		return false, nil, schema.NewErrorf(schema.ErrCodeValidation,
			"unknown condition operator %q", step.Operator)
	}
}

// jsonEqual compares two JSON-decoded values. Both sides originate from
// encoding/json, so numbers are float64 and objects map[string]any.
func jsonEqual(a, b any) bool {
	return reflect.DeepEqual(a, b)
}

func orEmptyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
