package expressions

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/flowline-dev/flowline/pkg/schema"
)

// Scope holds all data available for template token resolution.
type Scope struct {
	Trigger  map[string]any // trigger payload fields
	Run      map[string]any // run metadata (id, attempt)
	Workflow map[string]any // workflow metadata (name, tenant_id)
}

// EngineData converts the scope into the environment map expected by
// expression engines.
func (s *Scope) EngineData() map[string]any {
	return map[string]any{
		"trigger":  orEmpty(s.Trigger),
		"run":      orEmpty(s.Run),
		"workflow": orEmpty(s.Workflow),
	}
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

// Resolver substitutes {{...}} tokens in step payloads against a scope.
//
// A string value that consists of exactly one token is replaced by the
// token's native JSON value (type-preserving substitution); a string
// mixing literals and tokens is rendered as concatenated text with
// numbers in decimal form.
//
// Token namespaces: trigger.<path>, run.<field>, workflow.<field>, and
// jq:<expression> evaluated against the trigger payload.
type Resolver struct {
	jq *GoJQEngine
}

// NewResolver creates a Resolver. jq is optional; without it jq: tokens
// fail with a validation error.
func NewResolver(jq *GoJQEngine) *Resolver {
	return &Resolver{jq: jq}
}

// ResolveJSON resolves all tokens in a raw JSON document, walking nested
// objects and arrays. Returns the resolved document.
func (r *Resolver) ResolveJSON(ctx context.Context, raw json.RawMessage, scope *Scope) (json.RawMessage, error) {
	if len(raw) == 0 {
		return raw, nil
	}

	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"malformed step payload: %s", err.Error()).WithCause(err)
	}

	resolved, err := r.resolveValue(ctx, doc, scope)
	if err != nil {
		return nil, err
	}

	out, err := json.Marshal(resolved)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"encode resolved payload: %s", err.Error()).WithCause(err)
	}
	return out, nil
}

func (r *Resolver) resolveValue(ctx context.Context, v any, scope *Scope) (any, error) {
	switch val := v.(type) {
	case string:
		return r.ResolveString(ctx, val, scope)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			resolved, err := r.resolveValue(ctx, item, scope)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			resolved, err := r.resolveValue(ctx, item, scope)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return v, nil
	}
}

// ResolveString resolves tokens within a single string. A string that is
// exactly one {{...}} token yields the token's native value; otherwise the
// result is the concatenation of literals and stringified token values.
func (r *Resolver) ResolveString(ctx context.Context, s string, scope *Scope) (any, error) {
	if !strings.Contains(s, "{{") {
		return s, nil
	}

	var result strings.Builder
	result.Grow(len(s))

	var (
		singleToken    any
		tokenCount     int
		literalOutside bool
	)

	i := 0
	for i < len(s) {
		idx := strings.Index(s[i:], "{{")
		if idx == -1 {
			if s[i:] != "" {
				literalOutside = true
			}
			result.WriteString(s[i:])
			break
		}

		before := s[i : i+idx]
		if before != "" {
			literalOutside = true
		}
		result.WriteString(before)

		start := i + idx + 2
		end := strings.Index(s[start:], "}}")
		if end == -1 {
			return nil, schema.NewError(schema.ErrCodeInterpolation, "unclosed {{ token")
		}
		end += start

		token := strings.TrimSpace(s[start:end])
		if token == "" {
			return nil, schema.NewError(schema.ErrCodeInterpolation, "empty template token: {{ }}")
		}

		val, err := r.resolveToken(ctx, token, scope)
		if err != nil {
			return nil, err
		}

		tokenCount++
		singleToken = val
		result.WriteString(stringify(val))

		i = end + 2
	}

	// The whole string is exactly one token: substitute the native value,
	// preserving its JSON type.
	if tokenCount == 1 && !literalOutside {
		return singleToken, nil
	}
	return result.String(), nil
}

// resolveToken resolves a single token body.
func (r *Resolver) resolveToken(ctx context.Context, token string, scope *Scope) (any, error) {
	if rest, ok := strings.CutPrefix(token, "jq:"); ok {
		if r.jq == nil {
			return nil, schema.NewError(schema.ErrCodeValidation,
				"jq token used but no jq engine configured")
		}
		return r.jq.Evaluate(ctx, strings.TrimSpace(rest), orEmpty(scope.Trigger))
	}

	namespace, path, _ := strings.Cut(token, ".")
	var root map[string]any
	switch namespace {
	case "trigger":
		root = scope.Trigger
	case "run":
		root = scope.Run
	case "workflow":
		root = scope.Workflow
	default:
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"unknown namespace %q in {{%s}}; available: trigger, run, workflow, jq:", namespace, token).
			WithDetails(map[string]any{"token": token})
	}

	if path == "" {
		return orEmpty(root), nil
	}

	val, ok := LookupPath(root, path)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"field %q not found in {{%s}}", path, token).
			WithDetails(map[string]any{"token": token})
	}
	return val, nil
}

// LookupPath navigates into nested maps and slices using a dot-delimited
// path. Numeric segments index into arrays.
func LookupPath(root any, path string) (any, bool) {
	current := root
	for _, seg := range strings.Split(path, ".") {
		if seg == "" {
			return nil, false
		}
		switch v := current.(type) {
		case map[string]any:
			val, ok := v[seg]
			if !ok {
				return nil, false
			}
			current = val
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(v) {
				return nil, false
			}
			current = v[idx]
		default:
			return nil, false
		}
	}
	return current, true
}

// stringify renders a resolved value as text for in-string concatenation.
// Numbers use decimal form, complex values their JSON encoding.
func stringify(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case nil:
		return "null"
	case bool:
		if v {
			return "true"
		}
		return "false"
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case json.Number:
		return v.String()
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(b)
	}
}
