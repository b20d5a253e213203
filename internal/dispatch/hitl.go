package dispatch

import (
	"context"
)

// HITLExecutor handles hitl tasks. It never produces output itself: the task
// suspends with its resolved input as the gate context, and the scheduler
// settles it when a human records a decision.
type HITLExecutor struct{}

// NewHITLExecutor creates a HITLExecutor.
func NewHITLExecutor() *HITLExecutor {
	return &HITLExecutor{}
}

func (e *HITLExecutor) Execute(_ context.Context, task Task) (*Result, error) {
	return &Result{Suspend: true, Output: task.Input}, nil
}
