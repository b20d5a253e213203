package template

import (
	"encoding/json"
	"sync"

	"github.com/conduitworks/maestro/pkg/schema"
)

// Scope holds the data visible to input templates and skip guards of one
// task: the outputs of settled tasks and instance-level metadata.
type Scope struct {
	Tasks    map[string]any // task ID -> unmarshalled output
	Workflow map[string]any // instance metadata (instance_id, workflow id, definition metadata)
}

// env flattens the scope for the expression engines.
func (s *Scope) env() map[string]any {
	tasks := s.Tasks
	if tasks == nil {
		tasks = map[string]any{}
	}
	wf := s.Workflow
	if wf == nil {
		wf = map[string]any{}
	}
	return map[string]any{"tasks": tasks, "workflow": wf}
}

// ScopeBuilder accumulates settled task outputs over the lifetime of an
// instance. Outputs are frozen on insert: a second registration for the same
// task is rejected, and readers get deep copies.
type ScopeBuilder struct {
	mu       sync.RWMutex
	tasks    map[string]any
	workflow map[string]any
}

// NewScopeBuilder creates a builder seeded with instance metadata.
func NewScopeBuilder(workflow map[string]any) *ScopeBuilder {
	return &ScopeBuilder{
		tasks:    make(map[string]any),
		workflow: deepCopyMap(workflow),
	}
}

// AddTaskOutput registers a settled task's output, parsed and frozen.
func (sb *ScopeBuilder) AddTaskOutput(taskID string, output json.RawMessage) error {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	if _, exists := sb.tasks[taskID]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict,
			"output for task %q already registered", taskID)
	}

	if len(output) == 0 {
		sb.tasks[taskID] = nil
		return nil
	}
	var parsed any
	if err := json.Unmarshal(output, &parsed); err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"cannot parse output of task %q: %s", taskID, err.Error()).WithTask(taskID)
	}
	sb.tasks[taskID] = deepCopyAny(parsed)
	return nil
}

// Build snapshots the current scope. The snapshot is safe for concurrent use.
func (sb *ScopeBuilder) Build() *Scope {
	sb.mu.RLock()
	defer sb.mu.RUnlock()
	return &Scope{
		Tasks:    deepCopyMap(sb.tasks),
		Workflow: sb.workflow, // frozen at init
	}
}

func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = deepCopyAny(v)
	}
	return cp
}

func deepCopyAny(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		cp := make([]any, len(val))
		for i, item := range val {
			cp[i] = deepCopyAny(item)
		}
		return cp
	default:
		// Primitives are value types.
		return v
	}
}
