package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/conduitworks/maestro/internal/dispatch"
	"github.com/conduitworks/maestro/internal/events"
	"github.com/conduitworks/maestro/internal/graph"
	"github.com/conduitworks/maestro/internal/hitl"
	"github.com/conduitworks/maestro/internal/state"
	"github.com/conduitworks/maestro/internal/template"
	"github.com/conduitworks/maestro/pkg/schema"
)

// InstanceStore persists instance snapshots. The store package provides the
// durable implementation; nil keeps everything in memory.
type InstanceStore interface {
	SaveInstance(ctx context.Context, inst *schema.WorkflowInstance) error
	LoadInstance(ctx context.Context, instanceID string) (*schema.WorkflowInstance, error)
	LastEventSeq(ctx context.Context, instanceID string) (int64, error)
	PendingGates(ctx context.Context, instanceID string) ([]*schema.GateRequest, error)
}

// Config tunes the engine.
type Config struct {
	// PoolSize bounds concurrently executing task attempts across all
	// instances.
	PoolSize int

	// DefaultFailurePolicy applies to definitions that do not set one.
	DefaultFailurePolicy schema.FailurePolicy

	// DefaultRetry applies to tasks that do not carry their own retry
	// config. Nil means no retries unless the task asks for them.
	DefaultRetry *schema.RetryConfig

	// DefaultTimeout caps instances whose definition has no timeout.
	// Empty or unparsable means no cap.
	DefaultTimeout string
}

// Deps are the engine's collaborators.
type Deps struct {
	Validator *graph.Validator
	Registry  *dispatch.Registry
	Gates     *hitl.Manager
	Emitter   *events.Emitter
	Resolver  *template.Resolver
	Store     InstanceStore
	Logger    *slog.Logger
	Config    Config
}

// Engine validates definitions, creates instances, and drives them through
// the scheduler. One Engine serves many concurrent instances over a shared
// worker pool.
type Engine struct {
	validator *graph.Validator
	registry  *dispatch.Registry
	gates     *hitl.Manager
	emitter   *events.Emitter
	resolver  *template.Resolver
	store     InstanceStore
	logger    *slog.Logger
	pool      *WorkerPool
	config    Config

	mu   sync.RWMutex
	runs map[string]*run

	persistMu sync.Mutex
}

// New creates an Engine and registers it for gate resolutions.
func New(deps Deps) *Engine {
	size := deps.Config.PoolSize
	if size <= 0 {
		size = 8
	}
	e := &Engine{
		validator: deps.Validator,
		registry:  deps.Registry,
		gates:     deps.Gates,
		emitter:   deps.Emitter,
		resolver:  deps.Resolver,
		store:     deps.Store,
		logger:    deps.Logger,
		pool:      NewWorkerPool(size),
		config:    deps.Config,
		runs:      make(map[string]*run),
	}
	e.gates.OnResolve(e.onGateResolved)
	return e
}

// Validate checks a definition without creating an instance.
func (e *Engine) Validate(def *schema.WorkflowDefinition) *schema.ValidationResult {
	return e.validator.Validate(def)
}

// Submit validates a definition, creates an instance, and starts executing
// it. It returns as soon as the scheduler is running.
func (e *Engine) Submit(ctx context.Context, def *schema.WorkflowDefinition) (*schema.WorkflowInstance, error) {
	result := e.validator.Validate(def)
	if err := result.ToError(); err != nil {
		return nil, err
	}

	g := graph.Build(def)
	now := time.Now().UTC()
	inst := &schema.WorkflowInstance{
		InstanceID: uuid.NewString(),
		Definition: *def,
		Status:     schema.InstancePending,
		CreatedAt:  now,
	}

	taskIDs := make([]string, 0, len(def.Tasks))
	for _, t := range def.Tasks {
		taskIDs = append(taskIDs, t.TaskID)
	}
	r := e.newRun(inst, g, state.NewStore(taskIDs), e.buildScope(inst))

	if err := e.persistInstance(ctx, r.snapshot()); err != nil {
		return nil, err
	}
	e.startRun(r)
	return r.snapshot(), nil
}

// Run is Submit plus waiting for the terminal state. The ctx bounds the wait,
// not the instance.
func (e *Engine) Run(ctx context.Context, def *schema.WorkflowDefinition) (*schema.WorkflowInstance, error) {
	inst, err := e.Submit(ctx, def)
	if err != nil {
		return nil, err
	}
	return e.Wait(ctx, inst.InstanceID)
}

// Wait blocks until the instance reaches a terminal status or ctx expires.
func (e *Engine) Wait(ctx context.Context, instanceID string) (*schema.WorkflowInstance, error) {
	e.mu.RLock()
	r, ok := e.runs[instanceID]
	e.mu.RUnlock()
	if !ok {
		return e.Status(ctx, instanceID)
	}

	select {
	case <-r.doneCh:
		return r.snapshot(), nil
	case <-ctx.Done():
		return nil, schema.NewError(schema.ErrCodeTimeout, "wait cancelled").WithCause(ctx.Err())
	}
}

// Cancel requests cancellation of a running instance. Running attempts get
// their contexts cancelled; the instance settles as cancelled once they
// drain.
func (e *Engine) Cancel(ctx context.Context, instanceID, reason string) error {
	e.mu.RLock()
	r, ok := e.runs[instanceID]
	e.mu.RUnlock()
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "unknown instance %q", instanceID)
	}
	if reason == "" {
		reason = "cancelled by request"
	}
	r.requestCancel(schema.NewError(schema.ErrCodeCancelled, reason))
	return nil
}

// Status returns the current snapshot of an instance, falling back to the
// store for instances this process is not running.
func (e *Engine) Status(ctx context.Context, instanceID string) (*schema.WorkflowInstance, error) {
	e.mu.RLock()
	r, ok := e.runs[instanceID]
	e.mu.RUnlock()
	if ok {
		return r.snapshot(), nil
	}
	if e.store == nil {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "unknown instance %q", instanceID)
	}
	return e.store.LoadInstance(ctx, instanceID)
}

// Resume restarts a persisted, non-terminal instance after a process
// restart. Attempts that were in flight are rolled back to pending and run
// again; hitl_wait tasks keep waiting for their restored gates.
func (e *Engine) Resume(ctx context.Context, instanceID string) (*schema.WorkflowInstance, error) {
	if e.store == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "resume requires a persistent store")
	}

	e.mu.RLock()
	_, running := e.runs[instanceID]
	e.mu.RUnlock()
	if running {
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "instance %q is already running", instanceID)
	}

	inst, err := e.store.LoadInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if inst.Status.Terminal() {
		return nil, schema.NewErrorf(schema.ErrCodeConflict,
			"instance %q already finished with status %s", instanceID, inst.Status)
	}

	result := e.validator.Validate(&inst.Definition)
	if verr := result.ToError(); verr != nil {
		return nil, verr
	}
	g := graph.Build(&inst.Definition)

	// Roll interrupted attempts back to pending; their outputs were never
	// recorded so they run again.
	records := make(map[string]*schema.TaskRecord, len(inst.Tasks))
	for id, rec := range inst.Tasks {
		c := rec.Clone()
		switch c.State {
		case schema.TaskReady, schema.TaskRunning, schema.TaskRetryWait:
			c.State = schema.TaskPending
			c.StartedAt = nil
		}
		records[id] = c
	}

	scope := e.buildScope(inst)
	for id, rec := range records {
		if rec.State == schema.TaskSuccess {
			if aerr := scope.AddTaskOutput(id, rec.Output); aerr != nil {
				return nil, aerr
			}
		}
	}

	if seq, serr := e.store.LastEventSeq(ctx, instanceID); serr == nil {
		e.emitter.ResumeFrom(instanceID, seq)
	}

	// Tasks that were waiting on a gate keep waiting on the same gate.
	if gates, gerr := e.store.PendingGates(ctx, instanceID); gerr == nil && len(gates) > 0 {
		e.gates.Restore(gates)
	}

	inst.Status = schema.InstancePending
	inst.Tasks = nil
	r := e.newRun(inst, g, state.Restore(records), scope)
	e.startRun(r)
	return r.snapshot(), nil
}

// GateManager exposes the HITL manager for API surfaces.
func (e *Engine) GateManager() *hitl.Manager {
	return e.gates
}

// PoolMetrics reports worker pool counters.
func (e *Engine) PoolMetrics() PoolMetrics {
	return e.pool.Metrics()
}

// Shutdown cancels all running instances and waits for workers to drain.
func (e *Engine) Shutdown(ctx context.Context) {
	e.mu.RLock()
	active := make([]*run, 0, len(e.runs))
	for _, r := range e.runs {
		active = append(active, r)
	}
	e.mu.RUnlock()

	reason := schema.NewError(schema.ErrCodeCancelled, "engine shutting down")
	for _, r := range active {
		r.requestCancel(reason)
	}
	for _, r := range active {
		select {
		case <-r.doneCh:
		case <-ctx.Done():
			e.pool.Shutdown()
			return
		}
	}
	e.pool.Shutdown()
}

func (e *Engine) newRun(inst *schema.WorkflowInstance, g *graph.Graph, tasks *state.Store, scope *template.ScopeBuilder) *run {
	policy := inst.Definition.FailurePolicy
	if policy == "" {
		policy = e.config.DefaultFailurePolicy
	}
	if policy == "" {
		policy = schema.ContinueOnError
	}

	timeout := inst.Definition.Timeout
	if timeout == "" {
		timeout = e.config.DefaultTimeout
	}
	runCtx := context.Background()
	var cancel context.CancelFunc
	if timeout != "" {
		if d, err := time.ParseDuration(timeout); err == nil {
			runCtx, cancel = context.WithTimeout(runCtx, d)
		}
	}
	if cancel == nil {
		runCtx, cancel = context.WithCancel(runCtx)
	}

	return &run{
		instance:        inst,
		graph:           g,
		tasks:           tasks,
		scope:           scope,
		policy:          policy,
		defaultRetry:    e.config.DefaultRetry,
		registry:        e.registry,
		gates:           e.gates,
		emitter:         e.emitter,
		resolver:        e.resolver,
		pool:            e.pool,
		persist:         e.persistQuietly,
		logger:          e.logger,
		ctx:             runCtx,
		cancel:          cancel,
		outcomes:        make(chan outcome, len(g.Tasks)+1),
		wake:            make(chan struct{}, 1),
		doneCh:          make(chan struct{}),
		retryDue:        make(map[string]bool),
		retryTimers:     make(map[string]*time.Timer),
		handledFailures: make(map[string]bool),
	}
}

func (e *Engine) buildScope(inst *schema.WorkflowInstance) *template.ScopeBuilder {
	meta := map[string]any{
		"instance_id": inst.InstanceID,
		"id":          inst.Definition.ID,
		"name":        inst.Definition.Name,
	}
	for k, v := range inst.Definition.Metadata {
		if _, taken := meta[k]; !taken {
			meta[k] = v
		}
	}
	return template.NewScopeBuilder(meta)
}

func (e *Engine) startRun(r *run) {
	now := time.Now().UTC()
	r.mu.Lock()
	r.instance.Status = schema.InstanceRunning
	r.instance.StartedAt = &now
	r.mu.Unlock()

	e.mu.Lock()
	e.runs[r.instance.InstanceID] = r
	e.mu.Unlock()

	go func() {
		r.loop()
		r.cancel()
		e.finishRun(r)
	}()
}

// finishRun releases the per-instance state a terminal run no longer needs:
// the event sequence counter, any gates still open, and — when snapshots are
// persisted — the run itself. Memory-only engines keep the run so Status
// still has somewhere to read from.
func (e *Engine) finishRun(r *run) {
	id := r.instance.InstanceID
	e.emitter.Forget(id)
	e.gates.CloseInstance(context.Background(), id)
	if e.store != nil {
		e.mu.Lock()
		delete(e.runs, id)
		e.mu.Unlock()
	}
}

func (e *Engine) onGateResolved(gate *schema.GateRequest) {
	e.mu.RLock()
	r, ok := e.runs[gate.InstanceID]
	e.mu.RUnlock()
	if !ok || gate.Decision == nil {
		return
	}
	ctx := context.Background()
	r.settleGate(ctx, gate.TaskID, *gate.Decision)
}

func (e *Engine) persistInstance(ctx context.Context, inst *schema.WorkflowInstance) error {
	if e.store == nil {
		return nil
	}
	e.persistMu.Lock()
	defer e.persistMu.Unlock()
	if err := e.store.SaveInstance(ctx, inst); err != nil {
		return schema.NewError(schema.ErrCodeStore, "persist instance").WithCause(err)
	}
	return nil
}

// persistQuietly saves a snapshot and only logs failures: a broken store must
// not take the scheduler down mid-run.
func (e *Engine) persistQuietly(ctx context.Context, inst *schema.WorkflowInstance) {
	if err := e.persistInstance(ctx, inst); err != nil {
		e.logger.ErrorContext(ctx, "snapshot persistence failed",
			"instance_id", inst.InstanceID, "error", err)
	}
}
