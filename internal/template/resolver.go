package template

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/conduitworks/maestro/pkg/schema"
)

const jqPrefix = "jq:"

// Resolver renders task input templates and evaluates skip guards against a
// Scope. Two template forms are supported inside string values:
//
//   - ${{ tasks.fetch.output.url }}  — an expr-lang expression; a string that
//     is exactly one token keeps the expression's type, otherwise values are
//     stringified in place.
//   - "jq: .tasks.fetch.output | keys" — the whole string is a jq program run
//     against the scope.
//
// Skip guards (skip_when) are CEL expressions over the same scope.
// Safe for concurrent use; all compiled forms are cached.
type Resolver struct {
	expr *exprEngine
	cel  *celEngine
	jq   *jqEngine
}

// NewResolver creates a Resolver with empty caches.
func NewResolver() (*Resolver, error) {
	ce, err := newCELEngine()
	if err != nil {
		return nil, err
	}
	return &Resolver{
		expr: newExprEngine(),
		cel:  ce,
		jq:   newJQEngine(),
	}, nil
}

// ResolveInput renders a raw input template. The input is decoded, every
// string value is resolved, and the result re-encoded. Unknown task
// references fail resolution rather than rendering empty.
func (r *Resolver) ResolveInput(ctx context.Context, raw json.RawMessage, scope *Scope) (json.RawMessage, error) {
	if len(raw) == 0 {
		return raw, nil
	}

	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "input is not valid JSON: %s", err.Error()).WithCause(err)
	}

	resolved, err := r.resolveValue(ctx, decoded, scope.env())
	if err != nil {
		return nil, err
	}

	out, err := json.Marshal(resolved)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "resolved input is not serializable: %s", err.Error()).WithCause(err)
	}
	return out, nil
}

// ShouldSkip evaluates a skip_when guard. An empty guard never skips.
func (r *Resolver) ShouldSkip(ctx context.Context, guard string, scope *Scope) (bool, error) {
	if guard == "" {
		return false, nil
	}
	return r.cel.evalBool(guard, scope.env())
}

func (r *Resolver) resolveValue(ctx context.Context, v any, env map[string]any) (any, error) {
	switch val := v.(type) {
	case string:
		return r.resolveString(ctx, val, env)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			resolved, err := r.resolveValue(ctx, item, env)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			resolved, err := r.resolveValue(ctx, item, env)
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

func (r *Resolver) resolveString(ctx context.Context, s string, env map[string]any) (any, error) {
	if strings.HasPrefix(s, jqPrefix) {
		return r.jq.eval(ctx, strings.TrimSpace(s[len(jqPrefix):]), env)
	}
	if !strings.Contains(s, "${{") {
		return s, nil
	}

	// A string that is exactly one token keeps the expression's type.
	if strings.HasPrefix(s, "${{") && strings.HasSuffix(s, "}}") {
		body := s[3 : len(s)-2]
		if !strings.Contains(body, "${{") && !strings.Contains(body, "}}") {
			return r.evalToken(body, env)
		}
	}

	var b strings.Builder
	b.Grow(len(s))
	rest := s
	for {
		idx := strings.Index(rest, "${{")
		if idx == -1 {
			b.WriteString(rest)
			return b.String(), nil
		}
		b.WriteString(rest[:idx])
		rest = rest[idx+3:]

		end := strings.Index(rest, "}}")
		if end == -1 {
			return nil, schema.NewError(schema.ErrCodeValidation, "unclosed ${{ expression")
		}
		val, err := r.evalToken(rest[:end], env)
		if err != nil {
			return nil, err
		}
		b.WriteString(stringify(val))
		rest = rest[end+2:]
	}
}

func (r *Resolver) evalToken(body string, env map[string]any) (any, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty ${{ }} expression")
	}
	if strings.Contains(body, "${{") {
		return nil, schema.NewError(schema.ErrCodeValidation, "nested ${{ }} expressions are not allowed")
	}
	return r.expr.eval(body, env)
}

// stringify embeds a resolved value inside a larger string.
func stringify(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case nil:
		return "null"
	case bool, float64, int, int64:
		return fmt.Sprintf("%v", val)
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(b)
	}
}
