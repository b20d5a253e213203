package graph

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/conduitworks/maestro/pkg/schema"
	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
)

// workflowSchemaJSON is the JSON Schema for WorkflowDefinition validation.
// Embedded as a constant to avoid filesystem dependencies.
const workflowSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://maestro.dev/schemas/workflow.json",
  "type": "object",
  "required": ["id", "tasks"],
  "properties": {
    "id": {
      "type": "string",
      "minLength": 1
    },
    "name": { "type": "string" },
    "tasks": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/task" }
    },
    "timeout": {
      "type": "string",
      "pattern": "^[0-9]+(ns|us|µs|ms|s|m|h)$"
    },
    "failure_policy": {
      "type": "string",
      "enum": ["fail_fast", "continue_on_error"]
    },
    "metadata": {
      "type": "object"
    }
  },
  "additionalProperties": false,
  "$defs": {
    "task": {
      "type": "object",
      "required": ["task_id", "type"],
      "properties": {
        "task_id": {
          "type": "string",
          "minLength": 1
        },
        "type": {
          "type": "string",
          "enum": ["llm", "tool", "agent", "hitl"]
        },
        "depends_on": {
          "type": "array",
          "items": { "type": "string" }
        },
        "input": {},
        "timeout": {
          "type": "string",
          "pattern": "^[0-9]+(ns|us|µs|ms|s|m|h)$"
        },
        "retry": { "$ref": "#/$defs/retry" },
        "skip_when": { "type": "string" }
      },
      "additionalProperties": false
    },
    "retry": {
      "type": "object",
      "required": ["max_retries"],
      "properties": {
        "max_retries": {
          "type": "integer",
          "minimum": 0
        },
        "backoff_base": {
          "type": "string",
          "pattern": "^[0-9]+(ns|us|µs|ms|s|m|h)$"
        },
        "backoff_max": {
          "type": "string",
          "pattern": "^[0-9]+(ns|us|µs|ms|s|m|h)$"
        },
        "jitter": { "type": "boolean" }
      },
      "additionalProperties": false
    }
  }
}`

// Validator checks workflow definitions before any instance is created. It
// runs a structural JSON Schema stage first, then semantic checks (unique
// ids, resolvable references), then graph analysis (cycle detection). It is
// safe for concurrent use.
type Validator struct {
	workflowSchema *jsonschema.Schema
}

// NewValidator compiles the embedded workflow schema.
func NewValidator() (*Validator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(workflowSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal workflow schema: %w", err)
	}
	if err := c.AddResource("https://maestro.dev/schemas/workflow.json", doc); err != nil {
		return nil, fmt.Errorf("add workflow schema resource: %w", err)
	}

	compiled, err := c.Compile("https://maestro.dev/schemas/workflow.json")
	if err != nil {
		return nil, fmt.Errorf("compile workflow schema: %w", err)
	}
	return &Validator{workflowSchema: compiled}, nil
}

// Validate runs all stages and returns an aggregate result. Later stages run
// only when earlier ones pass: a definition that fails the structural stage
// gets no graph analysis, and a cyclic graph gets no layering.
func (v *Validator) Validate(def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	if def == nil {
		result.AddIssue("/", schema.ErrCodeValidation, "workflow definition is nil")
		return result
	}

	v.validateStructure(def, result)
	if !result.Valid() {
		return result
	}

	validateSemantics(def, result)
	if !result.Valid() {
		return result
	}

	g := Build(def)
	if cycle := findCycle(g); cycle != nil {
		result.Cycle = cycle
		result.AddIssue("/tasks", schema.ErrCodeCycleDetected,
			fmt.Sprintf("dependency cycle: %s", strings.Join(cycle, " -> ")))
		return result
	}

	result.Layers = g.LayerIDs()
	return result
}

// validateStructure runs the JSON Schema stage.
func (v *Validator) validateStructure(def *schema.WorkflowDefinition, result *schema.ValidationResult) {
	doc, err := toJSONValue(def)
	if err != nil {
		result.AddIssue("/", schema.ErrCodeValidation, "failed to serialize workflow definition: "+err.Error())
		return
	}
	if err := v.workflowSchema.Validate(doc); err != nil {
		collectSchemaIssues(err, result)
	}
}

// validateSemantics covers what JSON Schema cannot express: duplicate task
// ids, unresolvable or self-referential dependencies, and retry/timeout
// durations that parse but make no sense.
func validateSemantics(def *schema.WorkflowDefinition, result *schema.ValidationResult) {
	seen := make(map[string]bool, len(def.Tasks))
	for _, t := range def.Tasks {
		if seen[t.TaskID] {
			result.AddIssue(fmt.Sprintf("/tasks[%s]", t.TaskID), schema.ErrCodeValidation,
				fmt.Sprintf("duplicate task id %q", t.TaskID))
		}
		seen[t.TaskID] = true
	}

	for _, t := range def.Tasks {
		path := fmt.Sprintf("/tasks[%s]", t.TaskID)

		depSeen := make(map[string]bool, len(t.DependsOn))
		for _, dep := range t.DependsOn {
			if dep == t.TaskID {
				result.AddIssue(path, schema.ErrCodeValidation,
					fmt.Sprintf("task %q depends on itself", t.TaskID))
				continue
			}
			if !seen[dep] {
				result.AddIssue(path, schema.ErrCodeValidation,
					fmt.Sprintf("task %q depends on unknown task %q", t.TaskID, dep))
			}
			if depSeen[dep] {
				result.AddIssue(path, schema.ErrCodeValidation,
					fmt.Sprintf("task %q lists dependency %q more than once", t.TaskID, dep))
			}
			depSeen[dep] = true
		}

		if t.Retry != nil {
			validateDuration(path+"/retry/backoff_base", t.Retry.BackoffBase, result)
			validateDuration(path+"/retry/backoff_max", t.Retry.BackoffMax, result)
		}
		validateDuration(path+"/timeout", t.Timeout, result)
	}

	validateDuration("/timeout", def.Timeout, result)
}

func validateDuration(path, raw string, result *schema.ValidationResult) {
	if raw == "" {
		return
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		result.AddIssue(path, schema.ErrCodeValidation, fmt.Sprintf("invalid duration %q", raw))
		return
	}
	if d <= 0 {
		result.AddIssue(path, schema.ErrCodeValidation, fmt.Sprintf("duration %q must be positive", raw))
	}
}

// findCycle returns one dependency cycle as an ordered id list (first id
// repeated at the end), or nil when the graph is acyclic. DFS with a
// recursion stack; nodes are visited in lexical order so the reported cycle
// is deterministic.
func findCycle(g *Graph) []string {
	const (
		unvisited = 0
		inStack   = 1
		done      = 2
	)
	state := make([]int, len(g.Tasks))
	stack := make([]int, 0, len(g.Tasks))

	var cycle []string
	var visit func(n int) bool
	visit = func(n int) bool {
		state[n] = inStack
		stack = append(stack, n)
		for _, dep := range g.deps[n] {
			switch state[dep] {
			case inStack:
				// Walk back up the stack to the first occurrence of dep.
				start := len(stack) - 1
				for start >= 0 && stack[start] != dep {
					start--
				}
				for _, m := range stack[start:] {
					cycle = append(cycle, g.Tasks[m].TaskID)
				}
				cycle = append(cycle, g.Tasks[dep].TaskID)
				return true
			case unvisited:
				if visit(dep) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		state[n] = done
		return false
	}

	order := make([]int, len(g.Tasks))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool {
		return g.Tasks[order[a]].TaskID < g.Tasks[order[b]].TaskID
	})

	for _, n := range order {
		if state[n] == unvisited && visit(n) {
			return cycle
		}
	}
	return nil
}

// toJSONValue round-trips a Go value through JSON encoding so numbers become
// json.Number, which the jsonschema library requires.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// collectSchemaIssues flattens a ValidationError tree into per-leaf issues
// with their instance locations.
func collectSchemaIssues(err error, result *schema.ValidationResult) {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		result.AddIssue("/", schema.ErrCodeValidation, err.Error())
		return
	}
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			loc := "/"
			if len(e.InstanceLocation) > 0 {
				loc = "/" + strings.Join(e.InstanceLocation, "/")
			}
			result.AddIssue(loc, schema.ErrCodeValidation, e.Error())
			return
		}
		for _, cause := range e.Causes {
			walk(cause)
		}
	}
	walk(verr)
}
