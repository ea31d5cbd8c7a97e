package expressions

import (
	"context"

	"github.com/itchyny/gojq"

	"github.com/flowline-dev/flowline/pkg/schema"
)

// GoJQEngine evaluates jq expressions against the trigger payload. It
// backs expression conditions and jq-prefixed template references.
type GoJQEngine struct {
	programs *compileCache[*gojq.Code]
}

func NewGoJQEngine() *GoJQEngine {
	return &GoJQEngine{programs: newCompileCache[*gojq.Code]()}
}

func (e *GoJQEngine) Name() string { return "jq" }

// Evaluate runs a jq expression with the data map as the input document.
// jq can emit any number of outputs: none yields nil, exactly one is
// returned as-is, several are collected into a []any.
func (e *GoJQEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty jq expression")
	}

	code, err := e.programs.fetch(expression, compileJQ)
	if err != nil {
		return nil, err
	}

	var input any = data
	if data == nil {
		input = map[string]any{}
	}

	var outputs []any
	iter := code.RunWithContext(ctx, input)
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if iterErr, isErr := v.(error); isErr {
			return nil, schema.NewErrorf(schema.ErrCodeExecution,
				"jq evaluation failed for %q: %s", expression, iterErr.Error()).
				WithCause(iterErr).
				WithDetails(map[string]any{"expression": expression})
		}
		outputs = append(outputs, v)
	}

	switch len(outputs) {
	case 0:
		return nil, nil
	case 1:
		return outputs[0], nil
	default:
		return outputs, nil
	}
}

func compileJQ(expression string) (*gojq.Code, error) {
	query, err := gojq.Parse(expression)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"invalid jq expression %q: %s", expression, err.Error()).
			WithDetails(map[string]any{"expression": expression})
	}
	code, err := gojq.Compile(query)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"compile jq expression %q: %s", expression, err.Error()).
			WithDetails(map[string]any{"expression": expression})
	}
	return code, nil
}

var _ Engine = (*GoJQEngine)(nil)
