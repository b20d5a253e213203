package schema

import (
	"encoding/json"
	"time"
)

// WorkflowDefinition is the JSON/YAML-serializable workflow format submitted
// by clients. Immutable once validated; instances reference it by value.
type WorkflowDefinition struct {
	ID            string           `json:"id" yaml:"id"`
	Name          string           `json:"name,omitempty" yaml:"name,omitempty"`
	Tasks         []TaskDefinition `json:"tasks" yaml:"tasks"`
	Timeout       string           `json:"timeout,omitempty" yaml:"timeout,omitempty"`               // workflow-level timeout (e.g. "30s", "5m")
	FailurePolicy FailurePolicy    `json:"failure_policy,omitempty" yaml:"failure_policy,omitempty"` // fail_fast | continue_on_error
	Metadata      map[string]any   `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// TaskDefinition describes a single task in a workflow.
type TaskDefinition struct {
	TaskID    string          `json:"task_id" yaml:"task_id"`
	Type      TaskType        `json:"type" yaml:"type"`                                 // llm, tool, agent, hitl
	DependsOn []string        `json:"depends_on,omitempty" yaml:"depends_on,omitempty"` // task IDs that must succeed first
	Input     json.RawMessage `json:"input,omitempty" yaml:"input,omitempty"`           // input template; may reference dependency outputs
	Timeout   string          `json:"timeout,omitempty" yaml:"timeout,omitempty"`       // task-level timeout (e.g. "30s")
	Retry     *RetryConfig    `json:"retry,omitempty" yaml:"retry,omitempty"`
	SkipWhen  string          `json:"skip_when,omitempty" yaml:"skip_when,omitempty"` // CEL expression; true skips the task
}

// TaskType enumerates the kinds of executors a task can be routed to.
type TaskType string

const (
	TaskTypeLLM   TaskType = "llm"
	TaskTypeTool  TaskType = "tool"
	TaskTypeAgent TaskType = "agent"
	TaskTypeHITL  TaskType = "hitl"
)

// ValidTaskTypes is the set of recognized task types.
var ValidTaskTypes = map[TaskType]bool{
	TaskTypeLLM:   true,
	TaskTypeTool:  true,
	TaskTypeAgent: true,
	TaskTypeHITL:  true,
}

// FailurePolicy controls what happens to the rest of the graph when a task
// fails terminally.
type FailurePolicy string

const (
	// FailFast cancels all remaining work on the first terminal failure.
	FailFast FailurePolicy = "fail_fast"
	// ContinueOnError keeps executing unaffected branches; only the failed
	// task's transitive dependents are cancelled.
	ContinueOnError FailurePolicy = "continue_on_error"
)

// RetryConfig configures retry behavior for a task.
type RetryConfig struct {
	MaxRetries  int    `json:"max_retries" yaml:"max_retries"`
	BackoffBase string `json:"backoff_base,omitempty" yaml:"backoff_base,omitempty"` // initial delay (e.g. "1s", "500ms")
	BackoffMax  string `json:"backoff_max,omitempty" yaml:"backoff_max,omitempty"`   // delay cap
	Jitter      bool   `json:"jitter,omitempty" yaml:"jitter,omitempty"`
}

// WorkflowInstance is one execution of a validated definition. Mutated only by
// the scheduler that owns it; snapshots are what everyone else sees.
type WorkflowInstance struct {
	InstanceID  string                 `json:"instance_id"`
	Definition  WorkflowDefinition     `json:"definition"`
	Status      InstanceStatus         `json:"status"`
	Tasks       map[string]*TaskRecord `json:"tasks"`
	Output      json.RawMessage        `json:"output,omitempty"`
	Error       *Error                 `json:"error,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
	StartedAt   *time.Time             `json:"started_at,omitempty"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
}

// TaskRecord is the lifecycle record of a single task within one instance.
// Version increases on every accepted mutation; updates carrying a stale
// version are rejected (optimistic concurrency).
type TaskRecord struct {
	TaskID     string          `json:"task_id"`
	State      TaskState       `json:"state"`
	Attempts   int             `json:"attempts"`
	StartedAt  *time.Time      `json:"started_at,omitempty"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
	Output     json.RawMessage `json:"output,omitempty"`
	Error      string          `json:"error,omitempty"`
	Version    int64           `json:"version"`
}

// Clone returns a deep-enough copy for snapshot readers: scalar fields are
// copied, Output shares the underlying bytes (records never mutate Output in
// place, they replace it).
func (r *TaskRecord) Clone() *TaskRecord {
	if r == nil {
		return nil
	}
	c := *r
	if r.StartedAt != nil {
		t := *r.StartedAt
		c.StartedAt = &t
	}
	if r.FinishedAt != nil {
		t := *r.FinishedAt
		c.FinishedAt = &t
	}
	return &c
}
