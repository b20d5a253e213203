package dispatch

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/conduitworks/maestro/pkg/schema"
)

// Task is the unit of work handed to an executor: the resolved input of one
// task attempt.
type Task struct {
	InstanceID string
	TaskID     string
	Type       schema.TaskType
	Input      json.RawMessage
	Attempt    int
}

// Result is an executor outcome. Suspend means the task cannot complete
// synchronously and waits for an external decision (HITL gates). Duration is
// the wall time of the attempt, measured by the registry.
type Result struct {
	Output   json.RawMessage
	Suspend  bool
	Duration time.Duration
}

// Executor runs one task attempt. Implementations must honor ctx
// cancellation; the scheduler applies per-task timeouts through it.
type Executor interface {
	Execute(ctx context.Context, task Task) (*Result, error)
}

// Registry routes task types to executors.
type Registry struct {
	mu        sync.RWMutex
	executors map[schema.TaskType]Executor
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{executors: make(map[schema.TaskType]Executor)}
}

// Register binds an executor to a task type, replacing any previous binding.
func (r *Registry) Register(taskType schema.TaskType, ex Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[taskType] = ex
}

// Dispatch routes a task to its executor. Executor panics become execution
// errors instead of taking down the scheduler.
func (r *Registry) Dispatch(ctx context.Context, task Task) (result *Result, err error) {
	r.mu.RLock()
	ex, ok := r.executors[task.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"no executor registered for task type %q", task.Type).WithTask(task.TaskID)
	}

	start := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			result = nil
			err = schema.NewErrorf(schema.ErrCodeExecution,
				"executor panic: %v", rec).WithTask(task.TaskID)
		}
	}()

	result, err = ex.Execute(ctx, task)
	if err != nil {
		if _, ok := err.(*schema.Error); !ok {
			err = schema.NewError(schema.ErrCodeExecution, err.Error()).
				WithTask(task.TaskID).WithCause(err)
		}
		return nil, err
	}
	if result == nil {
		result = &Result{}
	}
	result.Duration = time.Since(start)
	return result, nil
}
