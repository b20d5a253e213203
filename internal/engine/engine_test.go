package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conduitworks/maestro/internal/dispatch"
	"github.com/conduitworks/maestro/internal/events"
	"github.com/conduitworks/maestro/internal/graph"
	"github.com/conduitworks/maestro/internal/hitl"
	"github.com/conduitworks/maestro/internal/state"
	"github.com/conduitworks/maestro/internal/store"
	"github.com/conduitworks/maestro/internal/template"
	"github.com/conduitworks/maestro/pkg/schema"
)

// scriptedExecutor routes each task id to a scripted function and records
// call counts and start order. Tasks without a script succeed with a
// canned output.
type scriptedExecutor struct {
	mu    sync.Mutex
	fns   map[string]func(ctx context.Context, task dispatch.Task) (*dispatch.Result, error)
	calls map[string]int
	order []string
}

func newScriptedExecutor() *scriptedExecutor {
	return &scriptedExecutor{
		fns:   make(map[string]func(ctx context.Context, task dispatch.Task) (*dispatch.Result, error)),
		calls: make(map[string]int),
	}
}

func (s *scriptedExecutor) script(taskID string, fn func(ctx context.Context, task dispatch.Task) (*dispatch.Result, error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fns[taskID] = fn
}

func (s *scriptedExecutor) Execute(ctx context.Context, task dispatch.Task) (*dispatch.Result, error) {
	s.mu.Lock()
	s.calls[task.TaskID]++
	s.order = append(s.order, task.TaskID)
	fn := s.fns[task.TaskID]
	s.mu.Unlock()

	if fn == nil {
		return &dispatch.Result{Output: json.RawMessage(`{"ok":true}`)}, nil
	}
	return fn(ctx, task)
}

func (s *scriptedExecutor) callCount(taskID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[taskID]
}

func (s *scriptedExecutor) startOrder() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.order...)
}

// recSink records every appended event for assertions.
type recSink struct {
	mu     sync.Mutex
	events []schema.Event
}

func (s *recSink) Append(_ context.Context, ev schema.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *recSink) ofType(eventType string) []schema.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []schema.Event
	for _, ev := range s.events {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}

func (s *recSink) taskOrder(eventType string) []string {
	var ids []string
	for _, ev := range s.ofType(eventType) {
		ids = append(ids, ev.TaskID)
	}
	return ids
}

type testEnv struct {
	engine *Engine
	exec   *scriptedExecutor
	sink   *recSink
	gates  *hitl.Manager
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)

	validator, err := graph.NewValidator()
	require.NoError(t, err)
	resolver, err := template.NewResolver()
	require.NoError(t, err)

	sink := &recSink{}
	emitter := events.NewEmitter(events.NewMemoryHub(), sink, logger)
	gates := hitl.NewManager(nil, logger)

	exec := newScriptedExecutor()
	registry := dispatch.NewRegistry()
	registry.Register(schema.TaskTypeLLM, exec)
	registry.Register(schema.TaskTypeTool, exec)
	registry.Register(schema.TaskTypeAgent, exec)
	registry.Register(schema.TaskTypeHITL, dispatch.NewHITLExecutor())

	eng := New(Deps{
		Validator: validator,
		Registry:  registry,
		Gates:     gates,
		Emitter:   emitter,
		Resolver:  resolver,
		Logger:    logger,
		Config:    Config{PoolSize: 4},
	})
	return &testEnv{engine: eng, exec: exec, sink: sink, gates: gates}
}

// newPersistentEnv wires an engine whose snapshots, events, and gates all
// land in the given store, so a second engine over the same store can resume
// its instances.
func newPersistentEnv(t *testing.T, st *store.MemoryStore) *testEnv {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)

	validator, err := graph.NewValidator()
	require.NoError(t, err)
	resolver, err := template.NewResolver()
	require.NoError(t, err)

	emitter := events.NewEmitter(events.NewMemoryHub(), st, logger)
	gates := hitl.NewManager(st, logger)

	exec := newScriptedExecutor()
	registry := dispatch.NewRegistry()
	registry.Register(schema.TaskTypeTool, exec)
	registry.Register(schema.TaskTypeHITL, dispatch.NewHITLExecutor())

	eng := New(Deps{
		Validator: validator,
		Registry:  registry,
		Gates:     gates,
		Emitter:   emitter,
		Resolver:  resolver,
		Store:     st,
		Logger:    logger,
		Config:    Config{PoolSize: 4},
	})
	return &testEnv{engine: eng, exec: exec, gates: gates}
}

func (env *testEnv) wait(t *testing.T, instanceID string) *schema.WorkflowInstance {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	inst, err := env.engine.Wait(ctx, instanceID)
	require.NoError(t, err)
	return inst
}

func (env *testEnv) waitForGate(t *testing.T, instanceID string) *schema.GateRequest {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if pending := env.gates.Pending(instanceID); len(pending) > 0 {
			return pending[0]
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("no gate opened before deadline")
	return nil
}

func defWith(id string, tasks ...schema.TaskDefinition) *schema.WorkflowDefinition {
	return &schema.WorkflowDefinition{ID: id, Tasks: tasks}
}

func taskOf(id string, deps ...string) schema.TaskDefinition {
	return schema.TaskDefinition{TaskID: id, Type: schema.TaskTypeTool, DependsOn: deps}
}

func TestRunLinearChain(t *testing.T) {
	env := newTestEnv(t)

	def := defWith("chain", taskOf("a"), taskOf("b", "a"), taskOf("c", "b"))
	inst, err := env.engine.Run(context.Background(), def)
	require.NoError(t, err)

	assert.Equal(t, schema.InstanceCompleted, inst.Status)
	assert.Equal(t, []string{"a", "b", "c"}, env.exec.startOrder())
	for _, id := range []string{"a", "b", "c"} {
		require.Contains(t, inst.Tasks, id)
		assert.Equal(t, schema.TaskSuccess, inst.Tasks[id].State)
		assert.Equal(t, 1, inst.Tasks[id].Attempts)
	}
	require.NotNil(t, inst.CompletedAt)

	var output map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(inst.Output, &output))
	assert.Len(t, output, 3)
	assert.JSONEq(t, `{"ok":true}`, string(output["a"]))
}

func TestRunDiamondReadyOrder(t *testing.T) {
	env := newTestEnv(t)

	def := defWith("diamond",
		taskOf("a"),
		taskOf("c", "a"),
		taskOf("b", "a"),
		taskOf("d", "b", "c"),
	)
	inst, err := env.engine.Run(context.Background(), def)
	require.NoError(t, err)

	assert.Equal(t, schema.InstanceCompleted, inst.Status)
	// Tasks in the same layer are dispatched in lexical order.
	assert.Equal(t, []string{"a", "b", "c", "d"}, env.sink.taskOrder(schema.EventTaskReady))
	assert.Equal(t, schema.EventInstanceStarted, env.sink.ofType(schema.EventInstanceStarted)[0].Type)
	assert.Len(t, env.sink.ofType(schema.EventInstanceCompleted), 1)
}

func TestRunTemplatesFlowBetweenTasks(t *testing.T) {
	env := newTestEnv(t)

	env.exec.script("fetch", func(_ context.Context, _ dispatch.Task) (*dispatch.Result, error) {
		return &dispatch.Result{Output: json.RawMessage(`{"count":7,"source":"feed"}`)}, nil
	})
	var got json.RawMessage
	env.exec.script("report", func(_ context.Context, task dispatch.Task) (*dispatch.Result, error) {
		got = task.Input
		return &dispatch.Result{Output: json.RawMessage(`{"done":true}`)}, nil
	})

	def := defWith("templated",
		taskOf("fetch"),
		schema.TaskDefinition{
			TaskID:    "report",
			Type:      schema.TaskTypeTool,
			DependsOn: []string{"fetch"},
			Input:     json.RawMessage(`{"total":"${{ tasks.fetch.output.count }}","label":"from ${{ tasks.fetch.output.source }}"}`),
		},
	)
	inst, err := env.engine.Run(context.Background(), def)
	require.NoError(t, err)

	assert.Equal(t, schema.InstanceCompleted, inst.Status)
	assert.JSONEq(t, `{"total":7,"label":"from feed"}`, string(got))
}

func TestRunContinueOnErrorCascade(t *testing.T) {
	env := newTestEnv(t)

	env.exec.script("ingest", func(_ context.Context, _ dispatch.Task) (*dispatch.Result, error) {
		return nil, schema.NewError(schema.ErrCodeExecution, "upstream unavailable")
	})

	def := defWith("branches",
		taskOf("ingest"),
		taskOf("transform", "ingest"),
		taskOf("audit"),
		taskOf("archive", "audit"),
	)
	def.FailurePolicy = schema.ContinueOnError

	inst, err := env.engine.Run(context.Background(), def)
	require.NoError(t, err)

	assert.Equal(t, schema.InstanceFailed, inst.Status)
	require.NotNil(t, inst.Error)
	assert.Equal(t, schema.ErrCodeExecution, inst.Error.Code)

	assert.Equal(t, schema.TaskFailed, inst.Tasks["ingest"].State)
	assert.Equal(t, schema.TaskCancelled, inst.Tasks["transform"].State)
	// The unaffected branch still runs to completion.
	assert.Equal(t, schema.TaskSuccess, inst.Tasks["audit"].State)
	assert.Equal(t, schema.TaskSuccess, inst.Tasks["archive"].State)
	assert.Equal(t, 0, env.exec.callCount("transform"))
}

func TestRunFailFastCancelsInFlight(t *testing.T) {
	env := newTestEnv(t)

	env.exec.script("fragile", func(_ context.Context, _ dispatch.Task) (*dispatch.Result, error) {
		return nil, schema.NewError(schema.ErrCodeExecution, "boom")
	})
	env.exec.script("slow", func(ctx context.Context, _ dispatch.Task) (*dispatch.Result, error) {
		// Holds until the scheduler cancels the attempt.
		<-ctx.Done()
		return nil, ctx.Err()
	})

	def := defWith("fast",
		taskOf("fragile"),
		taskOf("slow"),
		taskOf("downstream", "slow"),
	)
	def.FailurePolicy = schema.FailFast

	inst, err := env.engine.Run(context.Background(), def)
	require.NoError(t, err)

	assert.Equal(t, schema.InstanceFailed, inst.Status)
	require.NotNil(t, inst.Error)
	assert.Equal(t, schema.ErrCodeExecution, inst.Error.Code)
	assert.Equal(t, schema.TaskFailed, inst.Tasks["fragile"].State)
	assert.Equal(t, schema.TaskCancelled, inst.Tasks["slow"].State)
	assert.Equal(t, schema.TaskCancelled, inst.Tasks["downstream"].State)
}

func TestRunRetryThenSuccess(t *testing.T) {
	env := newTestEnv(t)

	attempts := 0
	env.exec.script("flaky", func(_ context.Context, _ dispatch.Task) (*dispatch.Result, error) {
		attempts++
		if attempts == 1 {
			return nil, schema.NewError(schema.ErrCodeExecution, "transient")
		}
		return &dispatch.Result{Output: json.RawMessage(`{"ok":true}`)}, nil
	})

	def := defWith("retry", schema.TaskDefinition{
		TaskID: "flaky",
		Type:   schema.TaskTypeTool,
		Retry:  &schema.RetryConfig{MaxRetries: 2, BackoffBase: "1ms"},
	})

	inst, err := env.engine.Run(context.Background(), def)
	require.NoError(t, err)

	assert.Equal(t, schema.InstanceCompleted, inst.Status)
	assert.Equal(t, schema.TaskSuccess, inst.Tasks["flaky"].State)
	assert.Equal(t, 2, inst.Tasks["flaky"].Attempts)
	assert.Equal(t, 2, env.exec.callCount("flaky"))

	retrying := env.sink.ofType(schema.EventTaskRetrying)
	require.Len(t, retrying, 1)
	var payload map[string]any
	require.NoError(t, json.Unmarshal(retrying[0].Payload, &payload))
	assert.Equal(t, float64(1), payload["attempt"])
}

func TestRunRetriesExhausted(t *testing.T) {
	env := newTestEnv(t)

	env.exec.script("flaky", func(_ context.Context, _ dispatch.Task) (*dispatch.Result, error) {
		return nil, schema.NewError(schema.ErrCodeExecution, "still broken")
	})

	def := defWith("retry", schema.TaskDefinition{
		TaskID: "flaky",
		Type:   schema.TaskTypeTool,
		Retry:  &schema.RetryConfig{MaxRetries: 2, BackoffBase: "1ms"},
	})

	inst, err := env.engine.Run(context.Background(), def)
	require.NoError(t, err)

	assert.Equal(t, schema.InstanceFailed, inst.Status)
	assert.Equal(t, schema.TaskFailed, inst.Tasks["flaky"].State)
	assert.Equal(t, 3, inst.Tasks["flaky"].Attempts)
	assert.Equal(t, 3, env.exec.callCount("flaky"))
	require.NotNil(t, inst.Error)
	assert.Equal(t, schema.ErrCodeRetryExhausted, inst.Error.Code)
	assert.Contains(t, inst.Tasks["flaky"].Error, "still broken")
}

func TestRunSkipWhen(t *testing.T) {
	env := newTestEnv(t)

	def := defWith("guarded",
		taskOf("collect"),
		schema.TaskDefinition{
			TaskID:    "notify",
			Type:      schema.TaskTypeTool,
			DependsOn: []string{"collect"},
			SkipWhen:  `workflow.env == "test"`,
		},
		taskOf("publish", "notify"),
	)
	def.Metadata = map[string]any{"env": "test"}
	def.FailurePolicy = schema.ContinueOnError

	inst, err := env.engine.Run(context.Background(), def)
	require.NoError(t, err)

	assert.Equal(t, schema.InstanceCompleted, inst.Status)
	assert.Equal(t, schema.TaskSkipped, inst.Tasks["notify"].State)
	assert.Equal(t, 0, env.exec.callCount("notify"))
	// Skipped dependencies settle under continue_on_error.
	assert.Equal(t, schema.TaskSuccess, inst.Tasks["publish"].State)
	assert.Equal(t, []string{"notify"}, env.sink.taskOrder(schema.EventTaskSkipped))
}

func TestRunTaskTimeout(t *testing.T) {
	env := newTestEnv(t)

	env.exec.script("hang", func(ctx context.Context, _ dispatch.Task) (*dispatch.Result, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	def := defWith("timed", schema.TaskDefinition{
		TaskID:  "hang",
		Type:    schema.TaskTypeTool,
		Timeout: "25ms",
	})

	inst, err := env.engine.Run(context.Background(), def)
	require.NoError(t, err)

	assert.Equal(t, schema.InstanceFailed, inst.Status)
	require.NotNil(t, inst.Error)
	assert.Equal(t, schema.ErrCodeTimeout, inst.Error.Code)
	assert.Equal(t, schema.TaskFailed, inst.Tasks["hang"].State)
}

func TestGateApproveFeedsDownstream(t *testing.T) {
	env := newTestEnv(t)

	var got json.RawMessage
	env.exec.script("spend", func(_ context.Context, task dispatch.Task) (*dispatch.Result, error) {
		got = task.Input
		return &dispatch.Result{Output: json.RawMessage(`{"spent":true}`)}, nil
	})

	def := defWith("approval",
		schema.TaskDefinition{
			TaskID: "review",
			Type:   schema.TaskTypeHITL,
			Input:  json.RawMessage(`{"question":"approve budget?"}`),
		},
		schema.TaskDefinition{
			TaskID:    "spend",
			Type:      schema.TaskTypeTool,
			DependsOn: []string{"review"},
			Input:     json.RawMessage(`{"limit":"${{ tasks.review.output.limit }}"}`),
		},
	)

	inst, err := env.engine.Submit(context.Background(), def)
	require.NoError(t, err)

	gate := env.waitForGate(t, inst.InstanceID)
	assert.Equal(t, "review", gate.TaskID)
	assert.JSONEq(t, `{"question":"approve budget?"}`, string(gate.Context))

	mid, err := env.engine.Status(context.Background(), inst.InstanceID)
	require.NoError(t, err)
	assert.Equal(t, schema.TaskHITLWait, mid.Tasks["review"].State)

	_, err = env.gates.Resolve(context.Background(), inst.InstanceID, gate.RequestID, schema.GateDecision{
		Action:     schema.GateApprove,
		Payload:    json.RawMessage(`{"approved":true,"limit":500}`),
		ResolvedBy: "ops",
	})
	require.NoError(t, err)

	final := env.wait(t, inst.InstanceID)
	assert.Equal(t, schema.InstanceCompleted, final.Status)
	assert.Equal(t, schema.TaskSuccess, final.Tasks["review"].State)
	assert.JSONEq(t, `{"approved":true,"limit":500}`, string(final.Tasks["review"].Output))
	assert.JSONEq(t, `{"limit":500}`, string(got))
	assert.Len(t, env.sink.ofType(schema.EventGateOpened), 1)
	assert.Len(t, env.sink.ofType(schema.EventGateResolved), 1)
}

func TestGateRejectFailsInstance(t *testing.T) {
	env := newTestEnv(t)

	def := defWith("approval",
		schema.TaskDefinition{TaskID: "review", Type: schema.TaskTypeHITL},
		taskOf("spend", "review"),
	)

	inst, err := env.engine.Submit(context.Background(), def)
	require.NoError(t, err)

	gate := env.waitForGate(t, inst.InstanceID)
	_, err = env.gates.Resolve(context.Background(), inst.InstanceID, gate.RequestID, schema.GateDecision{
		Action:     schema.GateReject,
		ResolvedBy: "ops",
		Comment:    "over budget",
	})
	require.NoError(t, err)

	final := env.wait(t, inst.InstanceID)
	assert.Equal(t, schema.InstanceFailed, final.Status)
	require.NotNil(t, final.Error)
	assert.Equal(t, schema.ErrCodeHITLRejected, final.Error.Code)
	assert.Equal(t, schema.TaskFailed, final.Tasks["review"].State)
	assert.Equal(t, schema.TaskCancelled, final.Tasks["spend"].State)
	assert.Equal(t, 0, env.exec.callCount("spend"))
}

func TestCancelRunningInstance(t *testing.T) {
	env := newTestEnv(t)

	started := make(chan struct{})
	var once sync.Once
	env.exec.script("slow", func(ctx context.Context, _ dispatch.Task) (*dispatch.Result, error) {
		once.Do(func() { close(started) })
		<-ctx.Done()
		return nil, ctx.Err()
	})

	def := defWith("cancellable", taskOf("slow"), taskOf("after", "slow"))
	inst, err := env.engine.Submit(context.Background(), def)
	require.NoError(t, err)

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("task never started")
	}
	require.NoError(t, env.engine.Cancel(context.Background(), inst.InstanceID, "operator abort"))

	final := env.wait(t, inst.InstanceID)
	assert.Equal(t, schema.InstanceCancelled, final.Status)
	assert.Equal(t, schema.TaskCancelled, final.Tasks["slow"].State)
	assert.Equal(t, schema.TaskCancelled, final.Tasks["after"].State)
	assert.Len(t, env.sink.ofType(schema.EventInstanceCancelling), 1)
	assert.Len(t, env.sink.ofType(schema.EventInstanceCancelled), 1)
}

func TestCancelUnknownInstance(t *testing.T) {
	env := newTestEnv(t)

	err := env.engine.Cancel(context.Background(), "nope", "")
	require.Error(t, err)
	var me *schema.Error
	require.ErrorAs(t, err, &me)
	assert.Equal(t, schema.ErrCodeNotFound, me.Code)
}

func TestSubmitRejectsInvalidDefinition(t *testing.T) {
	env := newTestEnv(t)

	def := defWith("cyclic", taskOf("a", "b"), taskOf("b", "a"))
	_, err := env.engine.Submit(context.Background(), def)
	require.Error(t, err)
	var me *schema.Error
	require.ErrorAs(t, err, &me)
	assert.Equal(t, schema.ErrCodeCycleDetected, me.Code)
}

func TestStatusUnknownInstance(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.engine.Status(context.Background(), "missing")
	require.Error(t, err)
	var me *schema.Error
	require.ErrorAs(t, err, &me)
	assert.Equal(t, schema.ErrCodeNotFound, me.Code)
}

func TestWorkflowTimeout(t *testing.T) {
	env := newTestEnv(t)

	env.exec.script("slow", func(ctx context.Context, _ dispatch.Task) (*dispatch.Result, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	def := defWith("deadline", taskOf("slow"))
	def.Timeout = "30ms"

	inst, err := env.engine.Run(context.Background(), def)
	require.NoError(t, err)

	assert.Equal(t, schema.InstanceFailed, inst.Status)
	require.NotNil(t, inst.Error)
	assert.Equal(t, schema.ErrCodeTimeout, inst.Error.Code)
}

func TestShutdownDrainsInstances(t *testing.T) {
	env := newTestEnv(t)

	env.exec.script("slow", func(ctx context.Context, _ dispatch.Task) (*dispatch.Result, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	inst, err := env.engine.Submit(context.Background(), defWith("draining", taskOf("slow")))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	env.engine.Shutdown(ctx)

	final, err := env.engine.Status(context.Background(), inst.InstanceID)
	require.NoError(t, err)
	assert.Equal(t, schema.InstanceCancelled, final.Status)
}

func TestRunIndependentTasksOverlap(t *testing.T) {
	env := newTestEnv(t)

	var mu sync.Mutex
	starts := make(map[string]time.Time)
	ends := make(map[string]time.Time)
	arrived := make(chan string, 2)
	release := make(chan struct{})

	rendezvous := func(id string) func(ctx context.Context, task dispatch.Task) (*dispatch.Result, error) {
		return func(_ context.Context, _ dispatch.Task) (*dispatch.Result, error) {
			mu.Lock()
			starts[id] = time.Now()
			mu.Unlock()
			arrived <- id
			select {
			case <-release:
			case <-time.After(2 * time.Second):
				return nil, schema.NewError(schema.ErrCodeExecution, "peer never started")
			}
			mu.Lock()
			ends[id] = time.Now()
			mu.Unlock()
			return &dispatch.Result{Output: json.RawMessage(`{"ok":true}`)}, nil
		}
	}
	env.exec.script("left", rendezvous("left"))
	env.exec.script("right", rendezvous("right"))

	inst, err := env.engine.Submit(context.Background(), defWith("parallel", taskOf("left"), taskOf("right")))
	require.NoError(t, err)

	// Both tasks must be in flight at the same time before either finishes.
	for range 2 {
		select {
		case <-arrived:
		case <-time.After(2 * time.Second):
			t.Fatal("independent tasks did not run concurrently")
		}
	}
	close(release)

	final := env.wait(t, inst.InstanceID)
	assert.Equal(t, schema.InstanceCompleted, final.Status)
	assert.True(t, starts["left"].Before(ends["right"]), "left started before right finished")
	assert.True(t, starts["right"].Before(ends["left"]), "right started before left finished")
}

func TestResumeRestoresGateAndEventSequence(t *testing.T) {
	st := store.NewMemoryStore()
	env1 := newPersistentEnv(t, st)

	def := defWith("release",
		schema.TaskDefinition{TaskID: "review", Type: schema.TaskTypeHITL},
		taskOf("ship", "review"),
	)
	inst, err := env1.engine.Submit(context.Background(), def)
	require.NoError(t, err)
	gate := env1.waitForGate(t, inst.InstanceID)

	seqBefore, err := st.LastEventSeq(context.Background(), inst.InstanceID)
	require.NoError(t, err)
	require.Positive(t, seqBefore)

	// A new process over the same store; the old engine is abandoned, as a
	// crash would leave it.
	env2 := newPersistentEnv(t, st)
	resumed, err := env2.engine.Resume(context.Background(), inst.InstanceID)
	require.NoError(t, err)
	assert.Equal(t, inst.InstanceID, resumed.InstanceID)

	restored := env2.waitForGate(t, inst.InstanceID)
	assert.Equal(t, gate.RequestID, restored.RequestID)
	assert.Equal(t, "review", restored.TaskID)

	_, err = env2.gates.Resolve(context.Background(), inst.InstanceID, restored.RequestID, schema.GateDecision{
		Action:     schema.GateApprove,
		Payload:    json.RawMessage(`{"go":true}`),
		ResolvedBy: "ops",
	})
	require.NoError(t, err)

	final := env2.wait(t, inst.InstanceID)
	assert.Equal(t, schema.InstanceCompleted, final.Status)
	assert.Equal(t, schema.TaskSuccess, final.Tasks["review"].State)
	assert.Equal(t, schema.TaskSuccess, final.Tasks["ship"].State)

	// Event numbering continued past the pre-restart watermark, strictly
	// increasing, with no seq reused.
	evs, err := st.ListEvents(context.Background(), inst.InstanceID, 0)
	require.NoError(t, err)
	var last int64
	for _, ev := range evs {
		require.Greater(t, ev.Seq, last)
		last = ev.Seq
	}
	assert.Greater(t, last, seqBefore)
}

func TestOutcomeVersionGuard(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)
	sink := &recSink{}
	tasks := state.NewStore([]string{"job"})
	r := &run{
		instance:        &schema.WorkflowInstance{InstanceID: "inst-guard"},
		tasks:           tasks,
		policy:          schema.ContinueOnError,
		emitter:         events.NewEmitter(events.NewMemoryHub(), sink, logger),
		logger:          logger,
		handledFailures: make(map[string]bool),
	}

	_, err := tasks.Transition("job", schema.TaskReady, nil)
	require.NoError(t, err)
	rec, err := tasks.Transition("job", schema.TaskRunning, nil)
	require.NoError(t, err)

	// The record moves after dispatch; the captured version goes stale.
	_, err = tasks.CompareAndUpdate("job", rec.Version, func(*schema.TaskRecord) error { return nil })
	require.NoError(t, err)

	r.handleOutcome(context.Background(), outcome{
		taskID:  "job",
		result:  &dispatch.Result{Output: json.RawMessage(`{"late":true}`)},
		version: rec.Version,
	})

	got, err := tasks.Get("job")
	require.NoError(t, err)
	assert.Equal(t, schema.TaskFailed, got.State)
	assert.Contains(t, got.Error, "double dispatch")
	assert.Empty(t, got.Output, "stale outcome must not land")

	require.NotNil(t, r.rootCause)
	assert.Equal(t, schema.ErrCodeInternal, r.rootCause.Code)
}
