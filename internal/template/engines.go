package template

import (
	"context"
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/google/cel-go/cel"
	"github.com/itchyny/gojq"

	"github.com/conduitworks/maestro/pkg/schema"
)

// exprEngine evaluates ${{ ... }} token bodies with expr-lang. Compiled
// programs are cached; safe for concurrent use.
type exprEngine struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

func newExprEngine() *exprEngine {
	return &exprEngine{cache: make(map[string]*vm.Program)}
}

func (e *exprEngine) eval(expression string, env map[string]any) (any, error) {
	prg, err := e.getOrCompile(expression, env)
	if err != nil {
		return nil, err
	}
	out, err := vm.Run(prg, env)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"expression %q failed: %s", expression, err.Error()).WithCause(err)
	}
	return out, nil
}

func (e *exprEngine) getOrCompile(expression string, env map[string]any) (*vm.Program, error) {
	e.mu.RLock()
	if prg, ok := e.cache[expression]; ok {
		e.mu.RUnlock()
		return prg, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	if prg, ok := e.cache[expression]; ok {
		return prg, nil
	}

	prg, err := expr.Compile(expression,
		expr.Env(env),
		expr.AllowUndefinedVariables(),
	)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"invalid expression %q: %s", expression, err.Error()).WithCause(err)
	}
	e.cache[expression] = prg
	return prg, nil
}

// celEngine evaluates skip_when guards. The environment exposes the same two
// top-level variables as the Scope: tasks and workflow.
type celEngine struct {
	env *cel.Env

	mu    sync.RWMutex
	cache map[string]cel.Program
}

func newCELEngine() (*celEngine, error) {
	mapType := cel.MapType(cel.StringType, cel.DynType)
	env, err := cel.NewEnv(
		cel.Variable("tasks", mapType),
		cel.Variable("workflow", mapType),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}
	return &celEngine{env: env, cache: make(map[string]cel.Program)}, nil
}

// evalBool evaluates a guard expression; non-boolean results are rejected.
func (e *celEngine) evalBool(expression string, data map[string]any) (bool, error) {
	prg, err := e.getOrCompile(expression)
	if err != nil {
		return false, err
	}

	out, _, err := prg.Eval(data)
	if err != nil {
		return false, schema.NewErrorf(schema.ErrCodeExecution,
			"guard %q failed: %s", expression, err.Error()).WithCause(err)
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeValidation,
			"guard %q must evaluate to a boolean, got %T", expression, out.Value())
	}
	return b, nil
}

func (e *celEngine) getOrCompile(expression string) (cel.Program, error) {
	e.mu.RLock()
	if prg, ok := e.cache[expression]; ok {
		e.mu.RUnlock()
		return prg, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	if prg, ok := e.cache[expression]; ok {
		return prg, nil
	}

	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"invalid guard %q: %s", expression, issues.Err().Error()).WithCause(issues.Err())
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"invalid guard %q: %s", expression, err.Error()).WithCause(err)
	}
	e.cache[expression] = prg
	return prg, nil
}

// jqEngine evaluates "jq:" input expressions against the scope. gojq can
// yield multiple values; a single value is returned bare, multiple as a list.
type jqEngine struct {
	mu    sync.RWMutex
	cache map[string]*gojq.Code
}

func newJQEngine() *jqEngine {
	return &jqEngine{cache: make(map[string]*gojq.Code)}
}

func (e *jqEngine) eval(ctx context.Context, expression string, data map[string]any) (any, error) {
	code, err := e.getOrCompile(expression)
	if err != nil {
		return nil, err
	}

	iter := code.RunWithContext(ctx, data)
	var results []any
	for {
		val, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := val.(error); isErr {
			return nil, schema.NewErrorf(schema.ErrCodeExecution,
				"jq expression %q failed: %s", expression, err.Error()).WithCause(err)
		}
		results = append(results, val)
	}

	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	default:
		return results, nil
	}
}

func (e *jqEngine) getOrCompile(expression string) (*gojq.Code, error) {
	e.mu.RLock()
	if code, ok := e.cache[expression]; ok {
		e.mu.RUnlock()
		return code, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	if code, ok := e.cache[expression]; ok {
		return code, nil
	}

	query, err := gojq.Parse(expression)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"invalid jq expression %q: %s", expression, err.Error()).WithCause(err)
	}
	code, err := gojq.Compile(query,
		// Sandbox: empty env blocks $ENV and env access.
		gojq.WithEnvironLoader(func() []string { return nil }),
	)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"invalid jq expression %q: %s", expression, err.Error()).WithCause(err)
	}
	e.cache[expression] = code
	return code, nil
}
