package expressions

import (
	"context"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/flowline-dev/flowline/pkg/schema"
)

// ExprEngine evaluates expr-lang expressions. It covers the deterministic
// condition vocabulary: array operations (filter, any, all), string
// operations, nil coalescing (??) and optional chaining (?.).
type ExprEngine struct {
	programs *compileCache[*vm.Program]
}

func NewExprEngine() *ExprEngine {
	return &ExprEngine{programs: newCompileCache[*vm.Program]()}
}

func (e *ExprEngine) Name() string { return "expr" }

// Evaluate runs an expr expression with the data map as its environment,
// so trigger/run/workflow are addressable as top-level variables.
// Compilation results are cached per source string.
func (e *ExprEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty expr expression")
	}

	prg, err := e.programs.fetch(expression, compileExpr)
	if err != nil {
		return nil, err
	}

	env := data
	if env == nil {
		env = map[string]any{}
	}

	out, err := vm.Run(prg, env)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"expr evaluation failed for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}
	return out, nil
}

func compileExpr(expression string) (*vm.Program, error) {
	prg, err := expr.Compile(expression, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"invalid expr expression %q: %s", expression, err.Error()).
			WithDetails(map[string]any{"expression": expression})
	}
	return prg, nil
}

var _ Engine = (*ExprEngine)(nil)
