package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/conduitworks/maestro/internal/dispatch"
	"github.com/conduitworks/maestro/internal/events"
	"github.com/conduitworks/maestro/internal/graph"
	"github.com/conduitworks/maestro/internal/hitl"
	"github.com/conduitworks/maestro/internal/logging"
	"github.com/conduitworks/maestro/internal/state"
	"github.com/conduitworks/maestro/internal/template"
	"github.com/conduitworks/maestro/pkg/schema"
)

// outcome is one finished task attempt, posted by a worker to the run loop.
// version is the record version captured at dispatch; applying the result is
// guarded on it so a stale worker can never overwrite a record that moved on.
type outcome struct {
	taskID  string
	result  *dispatch.Result
	err     error
	version int64
}

// run drives a single workflow instance from submission to a terminal
// status. The loop goroutine owns all instance-level decisions; workers and
// gate resolutions only post to channels or the thread-safe stores.
type run struct {
	instance *schema.WorkflowInstance
	graph    *graph.Graph
	tasks    *state.Store
	scope    *template.ScopeBuilder
	policy   schema.FailurePolicy

	// defaultRetry backs tasks that carry no retry config of their own.
	defaultRetry *schema.RetryConfig

	registry *dispatch.Registry
	gates    *hitl.Manager
	emitter  *events.Emitter
	resolver *template.Resolver
	pool     *WorkerPool
	persist  func(ctx context.Context, snapshot *schema.WorkflowInstance)
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	outcomes chan outcome
	wake     chan struct{}
	doneCh   chan struct{}
	inflight int

	mu           sync.Mutex
	cancelReason *schema.Error // non-nil once cancellation was requested
	retryDue     map[string]bool
	retryTimers  map[string]*time.Timer

	handledFailures map[string]bool
	rootCause       *schema.Error
	final           *schema.WorkflowInstance
}

func (r *run) requestCancel(reason *schema.Error) {
	r.mu.Lock()
	already := r.cancelReason != nil
	if !already {
		r.cancelReason = reason
	}
	r.mu.Unlock()
	if already {
		return
	}
	r.cancel()
	r.notify()
}

func (r *run) cancelRequested() *schema.Error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelReason
}

// recordRootCause keeps the first terminal failure as the instance error.
func (r *run) recordRootCause(me *schema.Error) {
	r.mu.Lock()
	if r.rootCause == nil {
		r.rootCause = me
	}
	r.mu.Unlock()
}

func (r *run) firstFailure() *schema.Error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rootCause
}

// notify wakes the loop without blocking.
func (r *run) notify() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// loop is the scheduler tick loop. Each tick handles newly terminal failures,
// dispatches every runnable task in lexical order, then waits for the whole
// batch to report back before computing the next runnable set.
func (r *run) loop() {
	defer close(r.doneCh)

	ctx := logging.WithInstanceID(r.ctx, r.instance.InstanceID)
	r.emitter.EmitInstance(ctx, r.instance.InstanceID, schema.EventInstanceStarted, nil)
	r.logger.InfoContext(ctx, "instance started",
		"workflow_id", r.instance.Definition.ID, "tasks", len(r.graph.Tasks))

	for {
		if reason := r.cancelRequested(); reason != nil {
			r.drainAndCancel(reason)
			return
		}

		r.processFailures(ctx)

		for _, id := range r.runnable() {
			r.startTask(ctx, id)
		}

		if r.inflight > 0 {
			// Batch barrier: every dispatched task settles (or suspends)
			// before the next runnable set is computed. Cancellation breaks
			// the barrier; drainAndCancel collects the stragglers.
			for r.inflight > 0 && r.cancelRequested() == nil {
				select {
				case o := <-r.outcomes:
					r.inflight--
					r.handleOutcome(ctx, o)
				case <-r.ctx.Done():
					r.onContextDone()
				}
			}
			continue
		}

		r.processFailures(ctx)

		if r.tasks.AllTerminal() {
			r.finish(ctx)
			return
		}
		if len(r.runnable()) > 0 {
			continue
		}
		if r.stalled() {
			r.requestCancel(schema.NewError(schema.ErrCodeInternal,
				"no runnable tasks and nothing to wait for"))
			continue
		}

		// Nothing running and nothing runnable: wait for a gate resolution,
		// a retry timer, or cancellation.
		select {
		case <-r.wake:
		case o := <-r.outcomes:
			r.inflight--
			r.handleOutcome(ctx, o)
		case <-r.ctx.Done():
			r.onContextDone()
		}
	}
}

func (r *run) onContextDone() {
	if r.cancelRequested() != nil {
		return
	}
	code := schema.ErrCodeCancelled
	msg := "instance cancelled"
	if r.ctx.Err() == context.DeadlineExceeded {
		code = schema.ErrCodeTimeout
		msg = "instance timed out"
	}
	r.requestCancel(schema.NewError(code, msg))
}

// runnable returns pending tasks whose dependencies are all settled, plus
// retry_wait tasks whose backoff elapsed, in lexical order.
func (r *run) runnable() []string {
	var out []string
	for _, id := range r.tasks.InStates(schema.TaskPending) {
		if r.depsSettled(id) {
			out = append(out, id)
		}
	}

	r.mu.Lock()
	for _, id := range r.tasks.InStates(schema.TaskRetryWait) {
		if r.retryDue[id] {
			out = append(out, id)
		}
	}
	r.mu.Unlock()
	return out
}

// stalled reports whether the run can make no further progress on its own:
// nothing in flight, nothing runnable, and no retry timer or gate to wait
// for. A stalled run is a scheduling bug and is failed rather than hung.
func (r *run) stalled() bool {
	if len(r.tasks.InStates(schema.TaskHITLWait)) > 0 {
		return false
	}
	if len(r.tasks.InStates(schema.TaskRetryWait)) > 0 {
		return false
	}
	return true
}

func (r *run) depsSettled(id string) bool {
	for _, dep := range r.graph.Dependencies(id) {
		if !r.tasks.State(dep).Settled(r.policy) {
			return false
		}
	}
	return true
}

// startTask moves one runnable task into execution. Skip guards are checked
// while the task is still pending; guard failures count as a failed attempt.
func (r *run) startTask(ctx context.Context, id string) {
	def := r.graph.Task(id)
	fromRetry := r.tasks.State(id) == schema.TaskRetryWait
	if fromRetry {
		r.mu.Lock()
		delete(r.retryDue, id)
		r.mu.Unlock()
	}

	if !fromRetry {
		if def.SkipWhen != "" {
			skip, err := r.resolver.ShouldSkip(ctx, def.SkipWhen, r.scope.Build())
			if err != nil {
				r.failFromPending(ctx, id, err)
				return
			}
			if skip {
				if _, terr := r.tasks.Transition(id, schema.TaskSkipped, nil); terr != nil {
					r.logger.ErrorContext(ctx, "skip transition failed", "task_id", id, "error", terr)
					return
				}
				r.emitter.EmitTask(ctx, r.instance.InstanceID, id, schema.EventTaskSkipped,
					schema.TaskPending, schema.TaskSkipped, nil)
				r.logger.InfoContext(ctx, "task skipped", "task_id", id, "guard", def.SkipWhen)
				return
			}
		}

		if _, err := r.tasks.Transition(id, schema.TaskReady, nil); err != nil {
			r.logger.ErrorContext(ctx, "ready transition failed", "task_id", id, "error", err)
			return
		}
		r.emitter.EmitTask(ctx, r.instance.InstanceID, id, schema.EventTaskReady,
			schema.TaskPending, schema.TaskReady, nil)
	}

	from := schema.TaskReady
	if fromRetry {
		from = schema.TaskRetryWait
	}
	rec, err := r.tasks.Transition(id, schema.TaskRunning, nil)
	if err != nil {
		r.logger.ErrorContext(ctx, "running transition failed", "task_id", id, "error", err)
		return
	}
	r.emitter.EmitTask(ctx, r.instance.InstanceID, id, schema.EventTaskStarted,
		from, schema.TaskRunning, nil)

	attempt := rec.Attempts
	version := rec.Version
	r.inflight++
	submitErr := r.pool.Submit(r.ctx, func(workerCtx context.Context) error {
		o := r.attempt(workerCtx, def, attempt)
		o.version = version
		r.outcomes <- o
		return o.err
	})
	if submitErr != nil {
		r.inflight--
		r.handleOutcome(ctx, outcome{taskID: id, err: submitErr})
	}
}

// failFromPending records a terminal failure for a task that never reached
// dispatch (guard evaluation errors). The record walks the full state path so
// the trace stays honest.
func (r *run) failFromPending(ctx context.Context, id string, cause error) {
	for _, st := range []schema.TaskState{schema.TaskReady, schema.TaskRunning} {
		if _, err := r.tasks.Transition(id, st, nil); err != nil {
			r.logger.ErrorContext(ctx, "failure path transition failed", "task_id", id, "error", err)
			return
		}
	}
	r.settleFailure(ctx, id, cause)
}

// attempt resolves the task input and dispatches it, honoring the task
// timeout. Runs on a worker goroutine.
func (r *run) attempt(ctx context.Context, def *schema.TaskDefinition, attempt int) outcome {
	ctx = logging.WithIDs(ctx, r.instance.InstanceID, def.TaskID)

	input, err := r.resolver.ResolveInput(ctx, def.Input, r.scope.Build())
	if err != nil {
		return outcome{taskID: def.TaskID, err: err}
	}

	if def.Timeout != "" {
		if d, perr := time.ParseDuration(def.Timeout); perr == nil {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, d)
			defer cancel()
		}
	}

	result, err := r.registry.Dispatch(ctx, dispatch.Task{
		InstanceID: r.instance.InstanceID,
		TaskID:     def.TaskID,
		Type:       def.Type,
		Input:      input,
		Attempt:    attempt,
	})
	if err != nil && ctx.Err() == context.DeadlineExceeded {
		err = schema.NewErrorf(schema.ErrCodeTimeout,
			"task timed out after %s", def.Timeout).WithTask(def.TaskID).WithCause(err)
	}
	return outcome{taskID: def.TaskID, result: result, err: err}
}

func (r *run) handleOutcome(ctx context.Context, o outcome) {
	if o.err != nil {
		r.handleFailure(ctx, o.taskID, o.err)
		return
	}
	if o.result.Suspend {
		r.suspendForGate(ctx, o.taskID, o.result.Output)
		return
	}

	// Apply the result under the version captured at dispatch: the record
	// moving in between means a double dispatch or a concurrent settlement,
	// and the stale outcome must not win.
	now := time.Now().UTC()
	rec, err := r.tasks.CompareAndUpdate(o.taskID, o.version, func(t *schema.TaskRecord) error {
		t.State = schema.TaskSuccess
		t.Output = o.result.Output
		t.FinishedAt = &now
		return nil
	})
	if err != nil {
		var me *schema.Error
		if errors.As(err, &me) && me.Code == schema.ErrCodeVersionConflict {
			r.settleFailure(ctx, o.taskID, schema.NewErrorf(schema.ErrCodeInternal,
				"double dispatch detected for task %q: %v", o.taskID, err).
				WithTask(o.taskID).WithCause(err))
			return
		}
		r.logger.ErrorContext(ctx, "success transition failed", "task_id", o.taskID, "error", err)
		return
	}
	if aerr := r.scope.AddTaskOutput(o.taskID, rec.Output); aerr != nil {
		r.logger.ErrorContext(ctx, "scope registration failed", "task_id", o.taskID, "error", aerr)
	}
	r.emitter.EmitTask(ctx, r.instance.InstanceID, o.taskID, schema.EventTaskSucceeded,
		schema.TaskRunning, schema.TaskSuccess, rec.Output)
	r.persistSnapshot(ctx)
}

func (r *run) handleFailure(ctx context.Context, id string, cause error) {
	if r.cancelRequested() != nil || r.ctx.Err() == context.Canceled {
		if _, err := r.tasks.Transition(id, schema.TaskCancelled, nil); err == nil {
			r.emitter.EmitTask(ctx, r.instance.InstanceID, id, schema.EventTaskCancelled,
				schema.TaskRunning, schema.TaskCancelled, nil)
		}
		return
	}

	rec, err := r.tasks.Get(id)
	if err != nil {
		r.logger.ErrorContext(ctx, "failure for unknown task", "task_id", id, "error", cause)
		return
	}

	def := r.graph.Task(id)
	retryCfg := def.Retry
	if retryCfg == nil {
		retryCfg = r.defaultRetry
	}
	decision := DecideRetry(retryCfg, rec.Attempts, cause)
	if !decision.Retry {
		if retryCfg != nil && retryCfg.MaxRetries > 0 &&
			rec.Attempts > retryCfg.MaxRetries && IsRetryableError(cause) {
			cause = schema.NewErrorf(schema.ErrCodeRetryExhausted,
				"retries exhausted after %d attempts: %v", rec.Attempts, cause).
				WithTask(id).WithCause(cause)
		}
		r.settleFailure(ctx, id, cause)
		return
	}

	if _, err := r.tasks.Transition(id, schema.TaskFailed, func(t *schema.TaskRecord) {
		t.Error = cause.Error()
	}); err != nil {
		r.logger.ErrorContext(ctx, "failed transition failed", "task_id", id, "error", err)
		return
	}
	r.emitter.EmitTask(ctx, r.instance.InstanceID, id, schema.EventTaskFailed,
		schema.TaskRunning, schema.TaskFailed, nil)

	if _, err := r.tasks.Transition(id, schema.TaskRetryWait, nil); err != nil {
		r.logger.ErrorContext(ctx, "retry transition failed", "task_id", id, "error", err)
		return
	}
	payload, _ := json.Marshal(map[string]any{
		"attempt": rec.Attempts,
		"delay":   decision.Delay.String(),
	})
	r.emitter.EmitTask(ctx, r.instance.InstanceID, id, schema.EventTaskRetrying,
		schema.TaskFailed, schema.TaskRetryWait, payload)
	r.logger.WarnContext(ctx, "task retry scheduled",
		"task_id", id, "attempt", rec.Attempts, "delay", decision.Delay, "error", cause)

	r.mu.Lock()
	r.retryTimers[id] = time.AfterFunc(decision.Delay, func() {
		r.mu.Lock()
		r.retryDue[id] = true
		delete(r.retryTimers, id)
		r.mu.Unlock()
		r.notify()
	})
	r.mu.Unlock()
}

// settleFailure marks a task terminally failed and records the instance root
// cause. Cascading to dependents happens on the next tick.
func (r *run) settleFailure(ctx context.Context, id string, cause error) {
	me, ok := cause.(*schema.Error)
	if !ok {
		me = schema.NewError(schema.ErrCodeExecution, cause.Error()).WithTask(id)
	}

	if _, err := r.tasks.Transition(id, schema.TaskFailed, func(t *schema.TaskRecord) {
		t.Error = me.Error()
	}); err != nil {
		r.logger.ErrorContext(ctx, "failed transition failed", "task_id", id, "error", err)
		return
	}
	r.recordRootCause(me)
	payload, _ := json.Marshal(map[string]any{"error": me.Error(), "code": me.Code})
	r.emitter.EmitTask(ctx, r.instance.InstanceID, id, schema.EventTaskFailed,
		schema.TaskRunning, schema.TaskFailed, payload)
	r.logger.ErrorContext(ctx, "task failed", "task_id", id, "code", me.Code, "error", me.Message)
	r.persistSnapshot(ctx)

	// fail_fast does not wait for the next tick: cancel in-flight siblings now.
	if r.policy == schema.FailFast {
		r.requestCancel(me)
	}
}

// processFailures cascades each newly terminal failure per the failure
// policy: fail_fast cancels the whole instance, continue_on_error cancels
// only the transitive dependents. Under fail_fast a skipped task also
// cascades, as skips to its dependents: a skipped dependency never settles
// there, so the dependents can never run.
func (r *run) processFailures(ctx context.Context) {
	if r.policy == schema.FailFast {
		for _, id := range r.tasks.InStates(schema.TaskSkipped) {
			key := "skip:" + id
			if r.handledFailures[key] {
				continue
			}
			r.handledFailures[key] = true
			for _, dep := range r.graph.TransitiveDependents(id) {
				if r.tasks.State(dep) != schema.TaskPending {
					continue
				}
				if _, err := r.tasks.Transition(dep, schema.TaskSkipped, nil); err != nil {
					continue
				}
				r.emitter.EmitTask(ctx, r.instance.InstanceID, dep, schema.EventTaskSkipped,
					schema.TaskPending, schema.TaskSkipped, nil)
			}
		}
	}

	for _, id := range r.tasks.InStates(schema.TaskFailed) {
		if r.handledFailures[id] {
			continue
		}
		r.handledFailures[id] = true

		if r.policy == schema.FailFast {
			reason := r.firstFailure()
			if reason == nil {
				reason = schema.NewErrorf(schema.ErrCodeExecution, "task %s failed", id).WithTask(id)
			}
			r.requestCancel(reason)
			return
		}

		for _, dep := range r.graph.TransitiveDependents(id) {
			st := r.tasks.State(dep)
			if st.Terminal() || st == schema.TaskRunning {
				continue
			}
			if _, err := r.tasks.Transition(dep, schema.TaskCancelled, nil); err != nil {
				continue
			}
			r.emitter.EmitTask(ctx, r.instance.InstanceID, dep, schema.EventTaskCancelled,
				st, schema.TaskCancelled, nil)
			r.logger.InfoContext(ctx, "task cancelled, upstream failed",
				"task_id", dep, "failed_dependency", id)
		}
	}
}

// suspendForGate parks a hitl task and opens an approval gate carrying the
// resolved input as context.
func (r *run) suspendForGate(ctx context.Context, id string, gateContext json.RawMessage) {
	if _, err := r.tasks.Transition(id, schema.TaskHITLWait, nil); err != nil {
		r.logger.ErrorContext(ctx, "hitl transition failed", "task_id", id, "error", err)
		return
	}
	gate, err := r.gates.Open(ctx, r.instance.InstanceID, id, gateContext)
	if err != nil {
		r.logger.ErrorContext(ctx, "gate open failed", "task_id", id, "error", err)
		r.settleGate(ctx, id, schema.GateDecision{Action: schema.GateReject, Comment: "gate could not be opened"})
		return
	}
	payload, _ := json.Marshal(map[string]any{"request_id": gate.RequestID})
	r.emitter.EmitTask(ctx, r.instance.InstanceID, id, schema.EventGateOpened,
		schema.TaskRunning, schema.TaskHITLWait, payload)
	r.persistSnapshot(ctx)
}

// settleGate applies a human decision to a waiting hitl task. Called from
// the gate manager's resolution callback (any goroutine) and from the loop.
func (r *run) settleGate(ctx context.Context, id string, decision schema.GateDecision) {
	if r.tasks.State(id) != schema.TaskHITLWait {
		r.logger.WarnContext(ctx, "gate decision for task not waiting", "task_id", id)
		return
	}

	if decision.Action == schema.GateApprove {
		rec, err := r.tasks.Transition(id, schema.TaskSuccess, func(t *schema.TaskRecord) {
			t.Output = decision.Payload
		})
		if err != nil {
			r.logger.ErrorContext(ctx, "approve transition failed", "task_id", id, "error", err)
			return
		}
		if aerr := r.scope.AddTaskOutput(id, rec.Output); aerr != nil {
			r.logger.ErrorContext(ctx, "scope registration failed", "task_id", id, "error", aerr)
		}
		r.emitter.EmitTask(ctx, r.instance.InstanceID, id, schema.EventGateResolved,
			schema.TaskHITLWait, schema.TaskSuccess, decision.Payload)
		r.emitter.EmitTask(ctx, r.instance.InstanceID, id, schema.EventTaskSucceeded,
			schema.TaskHITLWait, schema.TaskSuccess, rec.Output)
	} else {
		me := schema.NewErrorf(schema.ErrCodeHITLRejected, "rejected by %s", decision.ResolvedBy).WithTask(id)
		if decision.Comment != "" {
			me = me.WithDetails(map[string]any{"comment": decision.Comment})
		}
		if _, err := r.tasks.Transition(id, schema.TaskFailed, func(t *schema.TaskRecord) {
			t.Error = me.Error()
		}); err != nil {
			r.logger.ErrorContext(ctx, "reject transition failed", "task_id", id, "error", err)
			return
		}
		r.recordRootCause(me)
		r.emitter.EmitTask(ctx, r.instance.InstanceID, id, schema.EventGateResolved,
			schema.TaskHITLWait, schema.TaskFailed, nil)
		payload, _ := json.Marshal(map[string]any{"error": me.Error(), "code": me.Code})
		r.emitter.EmitTask(ctx, r.instance.InstanceID, id, schema.EventTaskFailed,
			schema.TaskHITLWait, schema.TaskFailed, payload)
	}
	r.persistSnapshot(ctx)
	r.notify()
}

// drainAndCancel waits for in-flight workers, then cancels every remaining
// non-terminal task and finalizes the instance.
func (r *run) drainAndCancel(reason *schema.Error) {
	ctx := logging.WithInstanceID(context.Background(), r.instance.InstanceID)

	r.setStatus(schema.InstanceCancelling)
	r.emitter.EmitInstance(ctx, r.instance.InstanceID, schema.EventInstanceCancelling, nil)

	for r.inflight > 0 {
		o := <-r.outcomes
		r.inflight--
		if o.err != nil || o.result == nil || o.result.Suspend {
			if _, err := r.tasks.Transition(o.taskID, schema.TaskCancelled, nil); err == nil {
				r.emitter.EmitTask(ctx, r.instance.InstanceID, o.taskID, schema.EventTaskCancelled,
					schema.TaskRunning, schema.TaskCancelled, nil)
			}
			continue
		}
		// Work that finished before the cancel landed still counts.
		r.handleOutcome(ctx, o)
	}

	r.stopTimers()
	for _, id := range r.tasks.InStates(
		schema.TaskPending, schema.TaskReady, schema.TaskHITLWait, schema.TaskRetryWait) {
		st := r.tasks.State(id)
		if _, err := r.tasks.Transition(id, schema.TaskCancelled, nil); err != nil {
			continue
		}
		r.emitter.EmitTask(ctx, r.instance.InstanceID, id, schema.EventTaskCancelled,
			st, schema.TaskCancelled, nil)
	}

	r.finalize(ctx, reason)
}

func (r *run) stopTimers() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, t := range r.retryTimers {
		t.Stop()
		delete(r.retryTimers, id)
	}
}

// finish closes out an instance whose tasks all reached terminal states.
func (r *run) finish(ctx context.Context) {
	r.stopTimers()
	r.finalize(ctx, nil)
}

// finalize computes the final status, emits the closing event, and persists
// the last snapshot.
func (r *run) finalize(ctx context.Context, cancelReason *schema.Error) {
	now := time.Now().UTC()
	inst := r.snapshot()
	inst.CompletedAt = &now
	rootCause := r.firstFailure()

	switch {
	case cancelReason != nil && cancelReason.Code == schema.ErrCodeTimeout:
		inst.Status = schema.InstanceFailed
		inst.Error = cancelReason
	case cancelReason != nil && rootCause != nil && r.policy == schema.FailFast:
		// fail_fast turns the first failure into instance failure; the
		// cancellation of siblings is a consequence, not the outcome.
		inst.Status = schema.InstanceFailed
		inst.Error = rootCause
	case cancelReason != nil:
		inst.Status = schema.InstanceCancelled
		inst.Error = cancelReason
	case rootCause != nil:
		inst.Status = schema.InstanceFailed
		inst.Error = rootCause
	default:
		inst.Status = schema.InstanceCompleted
		inst.Output = r.collectOutput()
	}

	r.mu.Lock()
	r.final = inst
	r.mu.Unlock()
	r.setStatus(inst.Status)

	eventType := schema.EventInstanceCompleted
	switch inst.Status {
	case schema.InstanceFailed:
		eventType = schema.EventInstanceFailed
	case schema.InstanceCancelled:
		eventType = schema.EventInstanceCancelled
	}
	var payload json.RawMessage
	if inst.Error != nil {
		payload, _ = json.Marshal(map[string]any{"error": inst.Error.Error(), "code": inst.Error.Code})
	}
	r.emitter.EmitInstance(ctx, r.instance.InstanceID, eventType, payload)
	r.logger.InfoContext(ctx, "instance finished", "status", inst.Status)

	if r.persist != nil {
		r.persist(ctx, inst)
	}
}

// collectOutput aggregates successful task outputs keyed by task id.
func (r *run) collectOutput() json.RawMessage {
	outputs := make(map[string]json.RawMessage)
	for id, rec := range r.tasks.Snapshot() {
		if rec.State == schema.TaskSuccess && len(rec.Output) > 0 {
			outputs[id] = rec.Output
		}
	}
	out, err := json.Marshal(outputs)
	if err != nil {
		return nil
	}
	return out
}

func (r *run) setStatus(status schema.InstanceStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if schema.CanTransitionInstance(r.instance.Status, status) {
		r.instance.Status = status
	}
}

// snapshot builds a consistent copy of the instance for readers and
// persistence.
func (r *run) snapshot() *schema.WorkflowInstance {
	r.mu.Lock()
	inst := &schema.WorkflowInstance{
		InstanceID:  r.instance.InstanceID,
		Definition:  r.instance.Definition,
		Status:      r.instance.Status,
		Error:       r.instance.Error,
		CreatedAt:   r.instance.CreatedAt,
		StartedAt:   r.instance.StartedAt,
		CompletedAt: r.instance.CompletedAt,
		Output:      r.instance.Output,
	}
	final := r.final
	r.mu.Unlock()
	if final != nil {
		return final
	}
	inst.Tasks = r.tasks.Snapshot()
	return inst
}

func (r *run) persistSnapshot(ctx context.Context) {
	if r.persist != nil {
		r.persist(ctx, r.snapshot())
	}
}
