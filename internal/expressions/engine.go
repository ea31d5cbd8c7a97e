package expressions

import (
	"context"

	"github.com/flowline-dev/flowline/pkg/schema"
)

// Engine evaluates predicate expressions against a trigger payload.
// Three implementations: CEL (default for expression conditions),
// Expr (deterministic logic), GoJQ (JSON transforms and filters).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// Engines is a lookup of expression engines by name.
type Engines map[string]Engine

// NewEngines builds the default engine set (cel, expr, jq).
func NewEngines() (Engines, error) {
	celEngine, err := NewCELEngine()
	if err != nil {
		return nil, err
	}
	return Engines{
		"cel":  celEngine,
		"expr": NewExprEngine(),
		"jq":   NewGoJQEngine(),
	}, nil
}

// Get returns the engine with the given name, defaulting to cel when
// name is empty.
func (e Engines) Get(name string) (Engine, error) {
	if name == "" {
		name = "cel"
	}
	engine, ok := e[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"unknown expression engine %q; available: cel, expr, jq", name)
	}
	return engine, nil
}
