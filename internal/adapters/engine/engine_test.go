package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/eleven-am/weft/internal/adapters/memory"
	"github.com/eleven-am/weft/internal/adapters/metrics"
	"github.com/eleven-am/weft/internal/adapters/queue"
	"github.com/eleven-am/weft/internal/adapters/registry"
	execrepo "github.com/eleven-am/weft/internal/adapters/repo"
	"github.com/eleven-am/weft/internal/adapters/resilience"
	"github.com/eleven-am/weft/internal/adapters/sandbox"
	"github.com/eleven-am/weft/internal/adapters/semaphore"
	"github.com/eleven-am/weft/internal/domain"
	"github.com/eleven-am/weft/internal/ports"
	"github.com/eleven-am/weft/internal/xjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testRig struct {
	engine   *Engine
	registry *registry.Registry
	repo     *execrepo.Repo
	storage  *memory.Storage
	metrics  *metrics.Atomic
	config   *domain.Config
}

func newTestRig(t *testing.T, mutate ...func(*domain.Config)) *testRig {
	t.Helper()
	logger := testLogger()

	cfg := domain.DefaultConfig()
	cfg.WorkerID = "worker-1"
	cfg.Retry = domain.RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
	cfg.Lease.TTL = 2 * time.Second
	cfg.Lease.RenewInterval = 500 * time.Millisecond
	cfg.Engine.ExecutionTimeout = 30 * time.Second
	cfg.Engine.NodeExecutionTimeout = 10 * time.Second
	for _, m := range mutate {
		m(cfg)
	}

	store := memory.NewStorage()
	rep := execrepo.New(store, logger)
	reg := registry.New(logger)
	collector := metrics.NewAtomic()

	deps := Deps{
		WorkerID:  cfg.WorkerID,
		Repo:      rep,
		Runner:    sandbox.NewRunner(reg, logger),
		Actions:   reg,
		Advisor:   resilience.NewAdvisor(cfg.CircuitBreaker, logger),
		Admission: semaphore.New(cfg.Engine.MaxConcurrentNodes),
		Metrics:   collector,
	}
	if cfg.Queue.Enabled {
		deps.Queue = queue.New(store, cfg.Queue, logger)
	}

	eng := New(deps, cfg, logger)
	// retry and CAS backoffs collapse to nothing under test
	eng.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = eng.Stop(ctx)
	})
	return &testRig{engine: eng, registry: reg, repo: rep, storage: store, metrics: collector, config: cfg}
}

func (r *testRig) register(t *testing.T, key string, fn func(ctx context.Context, in map[string]any) (map[string]any, error)) *atomic.Int64 {
	t.Helper()
	calls := &atomic.Int64{}
	err := r.registry.Register(registry.ActionFunc(key, func(ctx context.Context, in map[string]any) (map[string]any, error) {
		calls.Add(1)
		return fn(ctx, in)
	}))
	require.NoError(t, err)
	return calls
}

func (r *testRig) registerEcho(t *testing.T, key, field string) *atomic.Int64 {
	return r.register(t, key, func(ctx context.Context, in map[string]any) (map[string]any, error) {
		return map[string]any{field: "done"}, nil
	})
}

func connect(source, target string) domain.Connection {
	return domain.Connection{Source: source, Target: target, Condition: domain.Unconditional()}
}

func eventTypes(entries []domain.JournalEntry) []domain.EventType {
	types := make([]domain.EventType, 0, len(entries))
	for _, entry := range entries {
		types = append(types, entry.Event)
	}
	return types
}

func countEvents(entries []domain.JournalEntry, event domain.EventType) int {
	n := 0
	for _, entry := range entries {
		if entry.Event == event {
			n++
		}
	}
	return n
}

func TestExecuteDiamond(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	var order atomic.Int64
	finished := make(map[string]*atomic.Int64)
	for _, id := range []string{"a", "b", "c", "d"} {
		slot := &atomic.Int64{}
		finished[id] = slot
		rig.register(t, "act."+id, func(ctx context.Context, in map[string]any) (map[string]any, error) {
			slot.Store(order.Add(1))
			return map[string]any{"ran": true}, nil
		})
	}

	def := &domain.WorkflowDefinition{
		Name:    "diamond",
		Version: 1,
		Nodes: []domain.NodeDefinition{
			{ID: "a", ActionKey: "act.a"},
			{ID: "b", ActionKey: "act.b"},
			{ID: "c", ActionKey: "act.c"},
			{ID: "d", ActionKey: "act.d"},
		},
		Connections: []domain.Connection{
			connect("a", "b"), connect("a", "c"),
			connect("b", "d"), connect("c", "d"),
		},
	}

	result, err := rig.engine.Execute(ctx, def, xjson.RawMessage(`{"seed":1}`))
	require.NoError(t, err)
	require.Equal(t, domain.ExecutionCompleted, result.Status)

	for id, state := range result.NodeStates {
		assert.Equal(t, domain.NodeCompleted, state.Status, "node %s", id)
	}

	// barrier ordering: a before b and c, both before d
	assert.Less(t, finished["a"].Load(), finished["b"].Load())
	assert.Less(t, finished["a"].Load(), finished["c"].Load())
	assert.Greater(t, finished["d"].Load(), finished["b"].Load())
	assert.Greater(t, finished["d"].Load(), finished["c"].Load())
}

func TestExecuteTwoEntryNodes(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	callsA := rig.registerEcho(t, "act.a", "a")
	callsB := rig.registerEcho(t, "act.b", "b")
	callsC := rig.registerEcho(t, "act.c", "c")

	def := &domain.WorkflowDefinition{
		Name: "fan-in",
		Nodes: []domain.NodeDefinition{
			{ID: "a", ActionKey: "act.a"},
			{ID: "b", ActionKey: "act.b"},
			{ID: "c", ActionKey: "act.c"},
		},
		Connections: []domain.Connection{connect("a", "c"), connect("b", "c")},
	}

	result, err := rig.engine.Execute(ctx, def, nil)
	require.NoError(t, err)
	require.Equal(t, domain.ExecutionCompleted, result.Status)
	assert.EqualValues(t, 1, callsA.Load())
	assert.EqualValues(t, 1, callsB.Load())
	assert.EqualValues(t, 1, callsC.Load())
}

func TestExecuteRejectsCycle(t *testing.T) {
	rig := newTestRig(t)
	rig.registerEcho(t, "act.noop", "x")

	def := &domain.WorkflowDefinition{
		Name: "cyclic",
		Nodes: []domain.NodeDefinition{
			{ID: "a", ActionKey: "act.noop"},
			{ID: "b", ActionKey: "act.noop"},
		},
		Connections: []domain.Connection{connect("a", "b"), connect("b", "a")},
	}

	_, err := rig.engine.Execute(context.Background(), def, nil)
	require.Error(t, err)
	assert.True(t, domain.IsValidationError(err))
}

func TestExecuteRejectsUnknownAction(t *testing.T) {
	rig := newTestRig(t)

	def := &domain.WorkflowDefinition{
		Name:  "bad-action",
		Nodes: []domain.NodeDefinition{{ID: "a", ActionKey: "act.missing"}},
	}

	_, err := rig.engine.Execute(context.Background(), def, nil)
	require.Error(t, err)
	assert.True(t, domain.IsPlanValidation(err))
}

func TestExecuteRejectsMissingRequiredParameter(t *testing.T) {
	rig := newTestRig(t)
	metadata := ports.ActionMetadata{
		Parameters: []ports.ParameterSpec{{Name: "user_id", Required: true}},
		Retryable:  true,
	}
	err := rig.registry.Register(registry.ActionFuncWithMetadata("act.strict",
		metadata, func(ctx context.Context, in map[string]any) (map[string]any, error) {
			return in, nil
		}))
	require.NoError(t, err)

	def := &domain.WorkflowDefinition{
		Name:  "missing-param",
		Nodes: []domain.NodeDefinition{{ID: "a", ActionKey: "act.strict"}},
	}

	_, err = rig.engine.Execute(context.Background(), def, nil)
	require.Error(t, err)
	assert.True(t, domain.IsPlanValidation(err))
}

func TestRetrySucceedsWithinBudget(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	var attempts atomic.Int64
	rig.register(t, "act.flaky", func(ctx context.Context, in map[string]any) (map[string]any, error) {
		if attempts.Add(1) < 3 {
			return nil, errors.New("connection reset by peer")
		}
		return map[string]any{"ok": true}, nil
	})

	def := &domain.WorkflowDefinition{
		Name:  "flaky",
		Nodes: []domain.NodeDefinition{{ID: "a", ActionKey: "act.flaky"}},
	}

	result, err := rig.engine.Execute(ctx, def, nil, WithExecutionID("exec-retry"))
	require.NoError(t, err)
	require.Equal(t, domain.ExecutionCompleted, result.Status)
	assert.Equal(t, 3, result.NodeStates["a"].AttemptCount)

	entries, err := rig.engine.Journal(ctx, "exec-retry", 0)
	require.NoError(t, err)
	assert.Equal(t, 3, countEvents(entries, domain.EventNodeStarted))
	assert.Equal(t, 2, countEvents(entries, domain.EventNodeFailed))
	assert.Equal(t, 1, countEvents(entries, domain.EventNodeCompleted))

	// every failure entry before the success announced the coming retry
	for _, entry := range entries {
		if entry.Event != domain.EventNodeFailed {
			continue
		}
		payload, err := domain.DecodeJournalPayload[domain.NodeFailedPayload](entry)
		require.NoError(t, err)
		assert.True(t, payload.WillRetry)
	}
}

func TestRetryBudgetExhausted(t *testing.T) {
	rig := newTestRig(t)

	calls := rig.register(t, "act.down", func(ctx context.Context, in map[string]any) (map[string]any, error) {
		return nil, errors.New("service unavailable")
	})

	def := &domain.WorkflowDefinition{
		Name:  "down",
		Nodes: []domain.NodeDefinition{{ID: "a", ActionKey: "act.down"}},
	}

	result, err := rig.engine.Execute(context.Background(), def, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionFailed, result.Status)
	assert.Equal(t, "a", result.FailedNodeID)
	assert.EqualValues(t, 3, calls.Load())
	assert.Equal(t, domain.NodeFailed, result.NodeStates["a"].Status)
	assert.Equal(t, domain.ErrorClassTransient, result.NodeStates["a"].ErrorClass)
}

func TestPermanentFailureSkipsRetries(t *testing.T) {
	rig := newTestRig(t)

	calls := rig.register(t, "act.bad", func(ctx context.Context, in map[string]any) (map[string]any, error) {
		return nil, domain.NewClassifiedError(domain.ErrorClassPermanent, errors.New("schema rejected"))
	})

	def := &domain.WorkflowDefinition{
		Name:  "permanent",
		Nodes: []domain.NodeDefinition{{ID: "a", ActionKey: "act.bad"}},
	}

	result, err := rig.engine.Execute(context.Background(), def, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionFailed, result.Status)
	assert.EqualValues(t, 1, calls.Load())
}

func TestFailFastStopsScheduling(t *testing.T) {
	rig := newTestRig(t)

	rig.register(t, "act.boom", func(ctx context.Context, in map[string]any) (map[string]any, error) {
		return nil, domain.NewClassifiedError(domain.ErrorClassPermanent, errors.New("boom"))
	})
	downstream := rig.registerEcho(t, "act.after", "after")

	def := &domain.WorkflowDefinition{
		Name: "fail-fast",
		Nodes: []domain.NodeDefinition{
			{ID: "a", ActionKey: "act.boom"},
			{ID: "b", ActionKey: "act.after"},
		},
		Connections: []domain.Connection{connect("a", "b")},
	}

	result, err := rig.engine.Execute(context.Background(), def, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionFailed, result.Status)
	assert.Equal(t, "a", result.FailedNodeID)
	assert.EqualValues(t, 0, downstream.Load())
	assert.Equal(t, domain.NodeNotStarted, result.NodeStates["b"].Status)
}

func TestContinueIndependentRunsUnaffectedNodes(t *testing.T) {
	rig := newTestRig(t)

	rig.register(t, "act.boom", func(ctx context.Context, in map[string]any) (map[string]any, error) {
		return nil, domain.NewClassifiedError(domain.ErrorClassPermanent, errors.New("boom"))
	})
	dependent := rig.registerEcho(t, "act.dependent", "dep")
	independent := rig.registerEcho(t, "act.independent", "ind")

	def := &domain.WorkflowDefinition{
		Name: "continue",
		Nodes: []domain.NodeDefinition{
			{ID: "a", ActionKey: "act.boom"},
			{ID: "x", ActionKey: "act.independent"},
			{ID: "b", ActionKey: "act.dependent"},
		},
		Connections: []domain.Connection{connect("a", "b"), connect("x", "b")},
		Config:      domain.WorkflowConfig{FailurePolicy: domain.FailurePolicyContinueIndependent},
	}

	result, err := rig.engine.Execute(context.Background(), def, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionFailed, result.Status)
	assert.Equal(t, "a", result.FailedNodeID)
	assert.EqualValues(t, 1, independent.Load())
	assert.EqualValues(t, 0, dependent.Load())
	assert.Equal(t, domain.NodeSkipped, result.NodeStates["b"].Status)
	assert.Equal(t, domain.NodeCompleted, result.NodeStates["x"].Status)
}

func TestOnErrorMatchHandlesFailure(t *testing.T) {
	rig := newTestRig(t)

	rig.register(t, "act.boom", func(ctx context.Context, in map[string]any) (map[string]any, error) {
		return nil, domain.NewClassifiedError(domain.ErrorClassPermanent, errors.New("quota exceeded"))
	})
	handler := rig.registerEcho(t, "act.handler", "handled")
	happyPath := rig.registerEcho(t, "act.happy", "happy")

	def := &domain.WorkflowDefinition{
		Name: "error-handled",
		Nodes: []domain.NodeDefinition{
			{ID: "a", ActionKey: "act.boom"},
			{ID: "ok", ActionKey: "act.happy"},
			{ID: "rescue", ActionKey: "act.handler"},
		},
		Connections: []domain.Connection{
			connect("a", "ok"),
			{Source: "a", Target: "rescue", Condition: domain.OnErrorMatch("quota")},
		},
		Config: domain.WorkflowConfig{FailurePolicy: domain.FailurePolicyContinueIndependent},
	}

	result, err := rig.engine.Execute(context.Background(), def, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionCompleted, result.Status)
	assert.EqualValues(t, 1, handler.Load())
	assert.EqualValues(t, 0, happyPath.Load())
	assert.Equal(t, domain.NodeSkipped, result.NodeStates["ok"].Status)
	assert.Equal(t, domain.NodeCompleted, result.NodeStates["rescue"].Status)
}

func TestOnResultMatchRoutes(t *testing.T) {
	rig := newTestRig(t)

	rig.register(t, "act.route", func(ctx context.Context, in map[string]any) (map[string]any, error) {
		return map[string]any{"route": "left"}, nil
	})
	left := rig.registerEcho(t, "act.left", "left")
	right := rig.registerEcho(t, "act.right", "right")

	def := &domain.WorkflowDefinition{
		Name: "router",
		Nodes: []domain.NodeDefinition{
			{ID: "router", ActionKey: "act.route"},
			{ID: "l", ActionKey: "act.left"},
			{ID: "r", ActionKey: "act.right"},
		},
		Connections: []domain.Connection{
			{Source: "router", Target: "l", Condition: domain.OnResultMatch("left")},
			{Source: "router", Target: "r", Condition: domain.OnResultMatch("right")},
		},
	}

	result, err := rig.engine.Execute(context.Background(), def, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionCompleted, result.Status)
	assert.EqualValues(t, 1, left.Load())
	assert.EqualValues(t, 0, right.Load())
	assert.Equal(t, domain.NodeSkipped, result.NodeStates["r"].Status)
}

func TestParameterReferenceResolution(t *testing.T) {
	rig := newTestRig(t)

	rig.register(t, "act.produce", func(ctx context.Context, in map[string]any) (map[string]any, error) {
		return map[string]any{"user": map[string]any{"id": "u-42"}}, nil
	})
	var seen atomic.Value
	rig.register(t, "act.consume", func(ctx context.Context, in map[string]any) (map[string]any, error) {
		seen.Store(in)
		return map[string]any{"done": true}, nil
	})

	def := &domain.WorkflowDefinition{
		Name: "refs",
		Nodes: []domain.NodeDefinition{
			{ID: "p", ActionKey: "act.produce"},
			{ID: "c", ActionKey: "act.consume", Parameters: map[string]domain.ParameterValue{
				"user_id": {Ref: &domain.ParameterReference{SourceNodeID: "p", OutputPath: "user.id"}},
				"mode":    {Literal: "strict"},
			}},
		},
		Connections: []domain.Connection{connect("p", "c")},
	}

	result, err := rig.engine.Execute(context.Background(), def, nil)
	require.NoError(t, err)
	require.Equal(t, domain.ExecutionCompleted, result.Status)

	input, ok := seen.Load().(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "u-42", input["user_id"])
	assert.Equal(t, "strict", input["mode"])
}

func TestCancellation(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	started := make(chan struct{})
	rig.register(t, "act.block", func(ctx context.Context, in map[string]any) (map[string]any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})

	def := &domain.WorkflowDefinition{
		Name:  "cancellable",
		Nodes: []domain.NodeDefinition{{ID: "a", ActionKey: "act.block"}},
	}

	type runResult struct {
		result *domain.ExecutionResult
		err    error
	}
	done := make(chan runResult, 1)
	go func() {
		result, err := rig.engine.Execute(ctx, def, nil, WithExecutionID("exec-cancel"))
		done <- runResult{result, err}
	}()

	<-started
	require.NoError(t, rig.engine.Cancel(ctx, "exec-cancel", "operator"))

	select {
	case run := <-done:
		require.NoError(t, run.err)
		assert.Equal(t, domain.ExecutionCancelled, run.result.Status)
	case <-time.After(5 * time.Second):
		t.Fatal("execution did not cancel")
	}

	entries, err := rig.engine.Journal(ctx, "exec-cancel", 0)
	require.NoError(t, err)
	assert.Equal(t, 1, countEvents(entries, domain.EventCancelRequested))

	terminal := entries[len(entries)-1]
	require.Equal(t, domain.EventExecutionTerminal, terminal.Event)
	payload, err := domain.DecodeJournalPayload[domain.ExecutionTerminalPayload](terminal)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionCancelled, payload.Status)
}

func TestExecutionTimeout(t *testing.T) {
	rig := newTestRig(t, func(cfg *domain.Config) {
		cfg.Engine.ExecutionTimeout = 50 * time.Millisecond
	})

	rig.register(t, "act.slow", func(ctx context.Context, in map[string]any) (map[string]any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	def := &domain.WorkflowDefinition{
		Name:  "slow",
		Nodes: []domain.NodeDefinition{{ID: "a", ActionKey: "act.slow"}},
	}

	result, err := rig.engine.Execute(context.Background(), def, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionTimedOut, result.Status)
}

func TestLeaseExclusivity(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	calls := rig.registerEcho(t, "act.a", "a")
	def := &domain.WorkflowDefinition{
		Name:  "owned",
		Nodes: []domain.NodeDefinition{{ID: "a", ActionKey: "act.a"}},
	}

	_, acquired, err := rig.repo.AcquireLease(ctx, "exec-owned", "rival-worker", time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)

	_, err = rig.engine.Execute(ctx, def, nil, WithExecutionID("exec-owned"))
	require.Error(t, err)
	assert.True(t, domain.IsLeaseError(err))
	assert.EqualValues(t, 0, calls.Load())
}

func TestLeaseLossCancelsWithoutFailing(t *testing.T) {
	rig := newTestRig(t, func(cfg *domain.Config) {
		cfg.Lease.TTL = 500 * time.Millisecond
		cfg.Lease.RenewInterval = 20 * time.Millisecond
	})
	ctx := context.Background()

	started := make(chan struct{})
	rig.register(t, "act.block", func(ctx context.Context, in map[string]any) (map[string]any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})

	def := &domain.WorkflowDefinition{
		Name:  "leased",
		Nodes: []domain.NodeDefinition{{ID: "a", ActionKey: "act.block"}},
	}

	done := make(chan error, 1)
	go func() {
		_, err := rig.engine.Execute(ctx, def, nil, WithExecutionID("exec-lost"))
		done <- err
	}()

	<-started
	// steal the lease out from under the running engine
	require.NoError(t, rig.repo.ReleaseLease(ctx, "exec-lost", "worker-1"))
	_, acquired, err := rig.repo.AcquireLease(ctx, "exec-lost", "rival-worker", time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)

	select {
	case err := <-done:
		require.Error(t, err)
		assert.True(t, domain.IsLeaseError(err))
	case <-time.After(5 * time.Second):
		t.Fatal("execution did not observe lease loss")
	}

	state, err := rig.engine.Status(ctx, "exec-lost")
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionRunning, state.Status, "lease loss must not fail the execution")

	entries, err := rig.engine.Journal(ctx, "exec-lost", 0)
	require.NoError(t, err)
	assert.Equal(t, 1, countEvents(entries, domain.EventLeaseLost))
}

func TestTerminalExecutionReturnsRecordedResult(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	calls := rig.registerEcho(t, "act.a", "a")
	def := &domain.WorkflowDefinition{
		Name:  "once",
		Nodes: []domain.NodeDefinition{{ID: "a", ActionKey: "act.a"}},
	}

	first, err := rig.engine.Execute(ctx, def, nil, WithExecutionID("exec-once"))
	require.NoError(t, err)
	require.Equal(t, domain.ExecutionCompleted, first.Status)
	require.EqualValues(t, 1, calls.Load())

	second, err := rig.engine.Execute(ctx, def, nil, WithExecutionID("exec-once"))
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionCompleted, second.Status)
	assert.EqualValues(t, 1, calls.Load(), "terminal executions must not re-invoke")
}

func TestResumeReusesCompletedNodes(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	callsA := rig.registerEcho(t, "act.a", "a")
	callsB := rig.registerEcho(t, "act.b", "b")

	def := &domain.WorkflowDefinition{
		Name: "resumable",
		Nodes: []domain.NodeDefinition{
			{ID: "a", ActionKey: "act.a"},
			{ID: "b", ActionKey: "act.b"},
		},
		Connections: []domain.Connection{connect("a", "b")},
	}

	plan, err := rig.engine.planFor(def)
	require.NoError(t, err)

	// hand-craft the record a crashed worker would leave behind: node a
	// committed, node b untouched, execution still Running
	state := domain.NewExecutionState("exec-resume", plan, nil)
	require.NoError(t, rig.repo.CreateState(ctx, state))
	require.NoError(t, rig.repo.PutNodeOutput(ctx, "exec-resume", "a_1", xjson.RawMessage(`{"a":"done"}`)))

	next, err := state.Clone()
	require.NoError(t, err)
	require.NoError(t, next.TransitionTo(domain.ExecutionRunning, time.Now()))
	now := time.Now()
	next.NodeStates["a"] = &domain.NodeExecutionState{
		Status:        domain.NodeCompleted,
		AttemptCount:  1,
		LastOutputRef: "a_1",
		FinishedAt:    &now,
	}
	next.CurrentState = xjson.RawMessage(`{"a":"done"}`)
	next.Version = state.Version + 1
	ok, err := rig.repo.Transition(ctx, "exec-resume", state.Version, next)
	require.NoError(t, err)
	require.True(t, ok)

	result, err := rig.engine.Execute(ctx, def, nil, WithExecutionID("exec-resume"))
	require.NoError(t, err)
	require.Equal(t, domain.ExecutionCompleted, result.Status)
	assert.EqualValues(t, 0, callsA.Load(), "completed node must not re-invoke on resume")
	assert.EqualValues(t, 1, callsB.Load())
}

func TestResumeLevelMixesTerminalAndRunnableSiblings(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	callsA := rig.registerEcho(t, "act.a", "a")
	callsB := rig.registerEcho(t, "act.b", "b")
	callsC := rig.registerEcho(t, "act.c", "c")
	callsZ := rig.registerEcho(t, "act.z", "z")

	// four entry nodes share level 0; z sorts after its runnable siblings,
	// so its recorded outcome settles while they are still dispatching
	def := &domain.WorkflowDefinition{
		Name: "wide-resume",
		Nodes: []domain.NodeDefinition{
			{ID: "a", ActionKey: "act.a"},
			{ID: "b", ActionKey: "act.b"},
			{ID: "c", ActionKey: "act.c"},
			{ID: "z", ActionKey: "act.z"},
		},
	}

	plan, err := rig.engine.planFor(def)
	require.NoError(t, err)

	state := domain.NewExecutionState("exec-wide", plan, nil)
	require.NoError(t, rig.repo.CreateState(ctx, state))
	require.NoError(t, rig.repo.PutNodeOutput(ctx, "exec-wide", "z_1", xjson.RawMessage(`{"z":"done"}`)))

	next, err := state.Clone()
	require.NoError(t, err)
	require.NoError(t, next.TransitionTo(domain.ExecutionRunning, time.Now()))
	now := time.Now()
	next.NodeStates["z"] = &domain.NodeExecutionState{
		Status:        domain.NodeCompleted,
		AttemptCount:  1,
		LastOutputRef: "z_1",
		FinishedAt:    &now,
	}
	next.CurrentState = xjson.RawMessage(`{"z":"done"}`)
	next.Version = state.Version + 1
	ok, err := rig.repo.Transition(ctx, "exec-wide", state.Version, next)
	require.NoError(t, err)
	require.True(t, ok)

	result, err := rig.engine.Execute(ctx, def, nil, WithExecutionID("exec-wide"))
	require.NoError(t, err)
	require.Equal(t, domain.ExecutionCompleted, result.Status)

	assert.EqualValues(t, 0, callsZ.Load(), "completed node must not re-invoke on resume")
	assert.EqualValues(t, 1, callsA.Load())
	assert.EqualValues(t, 1, callsB.Load())
	assert.EqualValues(t, 1, callsC.Load())
	for _, id := range []string{"a", "b", "c", "z"} {
		require.Contains(t, result.NodeStates, id)
		assert.Equal(t, domain.NodeCompleted, result.NodeStates[id].Status, id)
	}
}

func TestResumeReplaysIdempotentAttempt(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	calls := rig.registerEcho(t, "act.a", "a")
	def := &domain.WorkflowDefinition{
		Name:  "claimed",
		Nodes: []domain.NodeDefinition{{ID: "a", ActionKey: "act.a"}},
	}

	plan, err := rig.engine.planFor(def)
	require.NoError(t, err)

	// crash window: the attempt's output and idempotency record landed but
	// the node-completion CAS never did, leaving the node Running
	input := xjson.RawMessage(`{"seed":1}`)
	state := domain.NewExecutionState("exec-claimed", plan, input)
	require.NoError(t, rig.repo.CreateState(ctx, state))

	next, err := state.Clone()
	require.NoError(t, err)
	require.NoError(t, next.TransitionTo(domain.ExecutionRunning, time.Now()))
	next.NodeStates["a"] = &domain.NodeExecutionState{Status: domain.NodeRunning, AttemptCount: 1}
	next.Version = state.Version + 1
	ok, err := rig.repo.Transition(ctx, "exec-claimed", state.Version, next)
	require.NoError(t, err)
	require.True(t, ok)

	fingerprint := domain.InputFingerprint(input)
	claim := domain.NewIdempotencyClaim("exec-claimed", "a", 1, fingerprint, "worker-1")
	_, claimed, err := rig.repo.ClaimIdempotency(ctx, claim, time.Minute)
	require.NoError(t, err)
	require.True(t, claimed)
	require.NoError(t, rig.repo.PutNodeOutput(ctx, "exec-claimed", "a_1", xjson.RawMessage(`{"cached":true}`)))
	require.NoError(t, rig.repo.CompleteIdempotency(ctx, "exec-claimed", claim.Key, "a_1"))

	result, err := rig.engine.Execute(ctx, def, input, WithExecutionID("exec-claimed"))
	require.NoError(t, err)
	require.Equal(t, domain.ExecutionCompleted, result.Status)
	assert.EqualValues(t, 0, calls.Load(), "completed idempotency record must replay, not re-invoke")
	assert.Equal(t, "a_1", result.NodeStates["a"].LastOutputRef)
}

func TestPauseAndResume(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	gate := make(chan struct{})
	reached := make(chan struct{})
	rig.register(t, "act.first", func(ctx context.Context, in map[string]any) (map[string]any, error) {
		close(reached)
		<-gate
		return map[string]any{"first": true}, nil
	})
	second := rig.registerEcho(t, "act.second", "second")

	def := &domain.WorkflowDefinition{
		Name: "pausable",
		Nodes: []domain.NodeDefinition{
			{ID: "a", ActionKey: "act.first"},
			{ID: "b", ActionKey: "act.second"},
		},
		Connections: []domain.Connection{connect("a", "b")},
	}

	done := make(chan *domain.ExecutionResult, 1)
	go func() {
		result, err := rig.engine.Execute(ctx, def, nil, WithExecutionID("exec-pause"))
		require.NoError(t, err)
		done <- result
	}()

	<-reached
	require.NoError(t, rig.engine.Pause(ctx, "exec-pause", "operator"))
	close(gate)

	select {
	case result := <-done:
		assert.Equal(t, domain.ExecutionPaused, result.Status)
		assert.EqualValues(t, 0, second.Load())
	case <-time.After(5 * time.Second):
		t.Fatal("execution did not pause")
	}

	result, err := rig.engine.Resume(ctx, "exec-pause")
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionCompleted, result.Status)
	assert.EqualValues(t, 1, second.Load())

	entries, err := rig.engine.Journal(ctx, "exec-pause", 0)
	require.NoError(t, err)
	assert.Equal(t, 1, countEvents(entries, domain.EventExecutionPaused))
	assert.Equal(t, 1, countEvents(entries, domain.EventExecutionResumed))
}

func TestJournalShape(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	rig.registerEcho(t, "act.a", "a")
	def := &domain.WorkflowDefinition{
		Name:  "audited",
		Nodes: []domain.NodeDefinition{{ID: "a", ActionKey: "act.a"}},
	}

	_, err := rig.engine.Execute(ctx, def, nil, WithExecutionID("exec-audit"))
	require.NoError(t, err)

	entries, err := rig.engine.Journal(ctx, "exec-audit", 0)
	require.NoError(t, err)
	require.NotEmpty(t, entries)

	for i, entry := range entries {
		assert.EqualValues(t, i+1, entry.Sequence, "sequences are dense and monotonic")
		assert.Equal(t, "exec-audit", entry.ExecutionID)
	}

	types := eventTypes(entries)
	assert.Equal(t, domain.EventLeaseAcquired, types[0])
	assert.Equal(t, domain.EventExecutionStarted, types[1])
	assert.Equal(t, domain.EventExecutionTerminal, types[len(types)-1])
}

func TestExecuteAfterStop(t *testing.T) {
	rig := newTestRig(t)
	rig.registerEcho(t, "act.a", "a")

	require.NoError(t, rig.engine.Stop(context.Background()))

	def := &domain.WorkflowDefinition{
		Name:  "late",
		Nodes: []domain.NodeDefinition{{ID: "a", ActionKey: "act.a"}},
	}
	_, err := rig.engine.Execute(context.Background(), def, nil)
	assert.ErrorIs(t, err, domain.ErrStopped)
}

func TestQueueDispatch(t *testing.T) {
	rig := newTestRig(t, func(cfg *domain.Config) {
		cfg.Queue.Enabled = true
		cfg.Queue.PollInterval = 10 * time.Millisecond
		cfg.Engine.WorkerCount = 2
	})
	ctx := context.Background()

	calls := rig.registerEcho(t, "act.a", "a")
	def := &domain.WorkflowDefinition{
		Name:  "queued",
		Nodes: []domain.NodeDefinition{{ID: "a", ActionKey: "act.a"}},
	}

	require.NoError(t, rig.engine.Start(ctx))

	executionID, err := rig.engine.Submit(ctx, def, xjson.RawMessage(`{"seed":1}`))
	require.NoError(t, err)
	require.NotEmpty(t, executionID)

	require.Eventually(t, func() bool {
		state, err := rig.engine.Status(ctx, executionID)
		if err != nil {
			return false
		}
		return state.Status == domain.ExecutionCompleted
	}, 5*time.Second, 20*time.Millisecond)

	assert.EqualValues(t, 1, calls.Load())
}

func TestConcurrentSiblingsShareOneBarrier(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	const siblings = 8
	var running atomic.Int64
	var peak atomic.Int64

	nodes := make([]domain.NodeDefinition, 0, siblings+1)
	conns := make([]domain.Connection, 0, siblings)
	for i := 0; i < siblings; i++ {
		id := string(rune('a' + i))
		key := "act." + id
		rig.register(t, key, func(ctx context.Context, in map[string]any) (map[string]any, error) {
			n := running.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			running.Add(-1)
			return map[string]any{"n": n}, nil
		})
		nodes = append(nodes, domain.NodeDefinition{ID: id, ActionKey: key})
		conns = append(conns, connect(id, "sink"))
	}
	sink := rig.registerEcho(t, "act.sink", "sink")
	nodes = append(nodes, domain.NodeDefinition{ID: "sink", ActionKey: "act.sink"})

	def := &domain.WorkflowDefinition{Name: "wide", Nodes: nodes, Connections: conns}

	result, err := rig.engine.Execute(ctx, def, nil)
	require.NoError(t, err)
	require.Equal(t, domain.ExecutionCompleted, result.Status)
	assert.EqualValues(t, 1, sink.Load())
	assert.Greater(t, peak.Load(), int64(1), "level siblings should overlap")
}
