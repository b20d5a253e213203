package schema

// InstanceStatus represents the lifecycle state of a workflow instance.
type InstanceStatus string

const (
	InstancePending    InstanceStatus = "pending"
	InstanceRunning    InstanceStatus = "running"
	InstanceCompleted  InstanceStatus = "completed"
	InstanceFailed     InstanceStatus = "failed"
	InstanceCancelling InstanceStatus = "cancelling"
	InstanceCancelled  InstanceStatus = "cancelled"
)

// Terminal reports whether no further instance transition may occur.
func (s InstanceStatus) Terminal() bool {
	return s == InstanceCompleted || s == InstanceFailed || s == InstanceCancelled
}

// TaskState represents the lifecycle state of a task.
type TaskState string

const (
	TaskPending   TaskState = "pending"
	TaskReady     TaskState = "ready"
	TaskRunning   TaskState = "running"
	TaskSuccess   TaskState = "success"
	TaskFailed    TaskState = "failed"
	TaskHITLWait  TaskState = "hitl_wait"
	TaskRetryWait TaskState = "retry_wait"
	TaskCancelled TaskState = "cancelled"
	TaskSkipped   TaskState = "skipped"
)

// Terminal reports whether the state admits no further transition.
func (s TaskState) Terminal() bool {
	switch s {
	case TaskSuccess, TaskFailed, TaskCancelled, TaskSkipped:
		return true
	}
	return false
}

// Settled reports whether a dependency in this state satisfies a dependent
// under the given failure policy. SUCCESS always satisfies; SKIPPED satisfies
// only under continue_on_error.
func (s TaskState) Settled(policy FailurePolicy) bool {
	if s == TaskSuccess {
		return true
	}
	return s == TaskSkipped && policy == ContinueOnError
}

// ValidInstanceTransitions defines the allowed instance state transitions.
var ValidInstanceTransitions = map[InstanceStatus][]InstanceStatus{
	InstancePending:    {InstanceRunning, InstanceCancelled},
	InstanceRunning:    {InstanceCompleted, InstanceFailed, InstanceCancelling, InstanceCancelled},
	InstanceCancelling: {InstanceCancelled, InstanceFailed},
	InstanceCompleted:  {},
	InstanceFailed:     {},
	InstanceCancelled:  {},
}

// ValidTaskTransitions defines the allowed task state transitions.
// Transitions are monotonic except for the retry_wait -> running re-entry.
var ValidTaskTransitions = map[TaskState][]TaskState{
	TaskPending:   {TaskReady, TaskSkipped, TaskCancelled},
	TaskReady:     {TaskRunning, TaskCancelled},
	TaskRunning:   {TaskSuccess, TaskFailed, TaskHITLWait, TaskCancelled},
	TaskFailed:    {TaskRetryWait},
	TaskRetryWait: {TaskRunning, TaskCancelled},
	TaskHITLWait:  {TaskSuccess, TaskFailed, TaskCancelled},
	TaskSuccess:   {},
	TaskCancelled: {},
	TaskSkipped:   {},
}

// CanTransitionTask reports whether from -> to is an allowed task transition.
func CanTransitionTask(from, to TaskState) bool {
	for _, a := range ValidTaskTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}

// CanTransitionInstance reports whether from -> to is an allowed instance transition.
func CanTransitionInstance(from, to InstanceStatus) bool {
	for _, a := range ValidInstanceTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}
