package expressions

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/flowline-dev/flowline/pkg/schema"
)

// CELEngine evaluates Common Expression Language predicates, the default
// engine for expression-typed condition steps.
type CELEngine struct {
	env      *cel.Env
	programs *compileCache[cel.Program]
}

// NewCELEngine builds a sandboxed CEL environment exposing three
// top-level map(string, dyn) variables:
//   - trigger:  the trigger payload
//   - run:      run metadata (id, attempt)
//   - workflow: workflow metadata (name, tenant_id)
func NewCELEngine() (*CELEngine, error) {
	mapType := cel.MapType(cel.StringType, cel.DynType)
	env, err := cel.NewEnv(
		cel.Variable("trigger", mapType),
		cel.Variable("run", mapType),
		cel.Variable("workflow", mapType),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}
	return &CELEngine{env: env, programs: newCompileCache[cel.Program]()}, nil
}

func (e *CELEngine) Name() string { return "cel" }

// Evaluate runs a CEL expression against the provided data. Declared
// variables absent from the data map are backfilled with empty maps so a
// reference to, say, run in a manually triggered run type-checks.
func (e *CELEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty CEL expression")
	}

	prg, err := e.programs.fetch(expression, e.compile)
	if err != nil {
		return nil, err
	}

	activation := map[string]any{
		"trigger":  map[string]any{},
		"run":      map[string]any{},
		"workflow": map[string]any{},
	}
	for k, v := range data {
		activation[k] = v
	}

	out, _, err := prg.ContextEval(ctx, activation)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"CEL evaluation failed for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}
	return out.Value(), nil
}

func (e *CELEngine) compile(expression string) (cel.Program, error) {
	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"invalid CEL expression %q: %s", expression, issues.Err().Error()).
			WithDetails(map[string]any{"expression": expression})
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"compile CEL expression %q: %s", expression, err.Error()).
			WithDetails(map[string]any{"expression": expression})
	}
	return prg, nil
}

var _ Engine = (*CELEngine)(nil)
