// Package engine is the orchestration core: it drives executions level by
// level under a storage lease, persists every state change through a
// compare-and-swap on the execution record, and journals every observable
// event before emitting it.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/eleven-am/weft/internal/domain"
	"github.com/eleven-am/weft/internal/ports"
	"github.com/eleven-am/weft/internal/xjson"
	"github.com/google/uuid"
)

var (
	errLeaseLost       = errors.New("execution lease lost")
	errCancelRequested = errors.New("cancellation requested")
	errEngineStopping  = errors.New("engine stopping")
)

// Deps carries the collaborators the engine is wired with. Queue and Events
// are optional; everything else is required.
type Deps struct {
	WorkerID  string
	Repo      ports.ExecutionRepo
	Runner    ports.SandboxRunner
	Actions   ports.ActionProvider
	Advisor   ports.RetryAdvisor
	Admission ports.AdmissionPort
	Queue     ports.TaskQueue
	Events    ports.EventSink
	Metrics   ports.MetricsCollector
}

// Engine owns the execution loop. One engine instance per worker process;
// a single engine can drive many executions concurrently, each behind its
// own lease.
type Engine struct {
	workerID  string
	repo      ports.ExecutionRepo
	runner    ports.SandboxRunner
	actions   ports.ActionProvider
	advisor   ports.RetryAdvisor
	admission ports.AdmissionPort
	queue     ports.TaskQueue
	events    ports.EventSink
	metrics   ports.MetricsCollector
	config    *domain.Config
	logger    *slog.Logger

	plans *planCache
	clock func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	mu        sync.Mutex
	started   bool
	stopped   bool
	running   map[string]context.CancelCauseFunc
	workersMu sync.Mutex
	stopPoll  context.CancelFunc
	wg        sync.WaitGroup
}

func New(deps Deps, config *domain.Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		workerID:  deps.WorkerID,
		repo:      deps.Repo,
		runner:    deps.Runner,
		actions:   deps.Actions,
		advisor:   deps.Advisor,
		admission: deps.Admission,
		queue:     deps.Queue,
		events:    deps.Events,
		metrics:   deps.Metrics,
		config:    config,
		logger:    logger.With("component", "engine"),
		plans:     newPlanCache(),
		clock:     time.Now,
		sleep:     sleepFor,
		running:   make(map[string]context.CancelCauseFunc),
	}
}

func sleepFor(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// ExecuteOption customizes one run request.
type ExecuteOption func(*runMeta)

type runMeta struct {
	executionID string
	tenantID    string
	metadata    map[string]string
}

// WithExecutionID pins the execution id instead of generating one, which
// makes retried submissions idempotent at the execution level.
func WithExecutionID(id string) ExecuteOption {
	return func(m *runMeta) { m.executionID = id }
}

func WithTenant(tenantID string) ExecuteOption {
	return func(m *runMeta) { m.tenantID = tenantID }
}

func WithMetadata(metadata map[string]string) ExecuteOption {
	return func(m *runMeta) { m.metadata = metadata }
}

// Execute runs the definition to a terminal state and returns the result.
// Re-invoking with the same execution id resumes: terminal executions
// return their recorded result, in-flight node work is reconciled from the
// journal, and completed node outputs are reused without re-invocation.
func (e *Engine) Execute(ctx context.Context, def *domain.WorkflowDefinition, input xjson.RawMessage, opts ...ExecuteOption) (*domain.ExecutionResult, error) {
	if def == nil {
		return nil, domain.ErrInvalidInput
	}
	if err := e.acceptWork(); err != nil {
		return nil, err
	}
	defer e.wg.Done()

	plan, err := e.planFor(def)
	if err != nil {
		return nil, err
	}

	meta := runMeta{executionID: uuid.New().String()}
	for _, opt := range opts {
		opt(&meta)
	}

	if err := e.repo.PutDefinition(ctx, def); err != nil {
		e.logger.Warn("persisting definition failed",
			"workflow", def.Name, "error", err)
	}

	state, err := e.loadOrCreateState(ctx, plan, input, meta)
	if err != nil {
		return nil, err
	}
	if state.Status.IsTerminal() {
		return domain.ResultFromState(state), nil
	}

	return e.run(ctx, def, plan, state, meta)
}

// Resume picks up a paused or interrupted execution using the persisted
// definition. It blocks like Execute and returns the terminal result.
func (e *Engine) Resume(ctx context.Context, executionID string) (*domain.ExecutionResult, error) {
	if err := e.acceptWork(); err != nil {
		return nil, err
	}
	defer e.wg.Done()

	state, err := e.repo.GetState(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if state.Status.IsTerminal() {
		return domain.ResultFromState(state), nil
	}

	def, err := e.repo.GetDefinition(ctx, state.WorkflowName)
	if err != nil {
		return nil, err
	}
	plan, err := e.planFor(def)
	if err != nil {
		return nil, err
	}

	meta := runMeta{
		executionID: executionID,
		tenantID:    state.TenantID,
		metadata:    state.Metadata,
	}
	return e.run(ctx, def, plan, state, meta)
}

// Pause asks a running execution to stop scheduling new levels. In-flight
// nodes finish; the driving Execute call returns with a Paused result once
// the current level barrier clears.
func (e *Engine) Pause(ctx context.Context, executionID, requestedBy string) error {
	_, err := e.updateState(ctx, executionID, func(state *domain.ExecutionState) error {
		return state.TransitionTo(domain.ExecutionPaused, e.clock())
	})
	if err != nil {
		return err
	}
	e.journalAndEmit(ctx, executionID, domain.EventExecutionPaused,
		domain.ExecutionPausedPayload{RequestedBy: requestedBy})
	return nil
}

// Cancel requests cooperative cancellation: the record moves to Cancelling,
// in-flight invocations observe their context, and the execution lands in
// Cancelled once the level barrier drains.
func (e *Engine) Cancel(ctx context.Context, executionID, requestedBy string) error {
	_, err := e.updateState(ctx, executionID, func(state *domain.ExecutionState) error {
		return state.TransitionTo(domain.ExecutionCancelling, e.clock())
	})
	if err != nil {
		return err
	}
	e.journalAndEmit(ctx, executionID, domain.EventCancelRequested,
		domain.CancelRequestedPayload{RequestedBy: requestedBy})

	e.mu.Lock()
	cancel, local := e.running[executionID]
	e.mu.Unlock()
	if local {
		cancel(errCancelRequested)
	}
	return nil
}

// Status returns the current persisted execution record.
func (e *Engine) Status(ctx context.Context, executionID string) (*domain.ExecutionState, error) {
	return e.repo.GetState(ctx, executionID)
}

// Journal returns the execution's audit records from fromSequence onward.
func (e *Engine) Journal(ctx context.Context, executionID string, fromSequence int64) ([]domain.JournalEntry, error) {
	return e.repo.GetJournal(ctx, executionID, fromSequence)
}

// Start brings up background work: queue workers and the visibility reaper
// when queue dispatch is enabled. Direct Execute calls work without Start.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return domain.ErrStopped
	}
	if e.started {
		return nil
	}
	e.started = true
	if e.queue != nil && e.config.Queue.Enabled {
		e.startWorkers()
	}
	e.logger.Info("engine started", "worker_id", e.workerID)
	return nil
}

// Stop drains gracefully: no new work is accepted, queue polling stops, and
// Stop waits for in-flight executions until ctx expires, at which point they
// are cancelled and awaited.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return nil
	}
	e.stopped = true
	e.mu.Unlock()

	e.stopWorkers()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		e.logger.Info("engine stopped", "worker_id", e.workerID)
		return nil
	case <-ctx.Done():
	}

	e.mu.Lock()
	for _, cancel := range e.running {
		cancel(errEngineStopping)
	}
	e.mu.Unlock()
	<-done
	e.logger.Warn("engine stopped after forced cancellation", "worker_id", e.workerID)
	return ctx.Err()
}

func (e *Engine) Healthy() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.stopped
}

func (e *Engine) Ready() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.started && !e.stopped
}

func (e *Engine) acceptWork() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return domain.ErrStopped
	}
	e.wg.Add(1)
	return nil
}

func (e *Engine) loadOrCreateState(ctx context.Context, plan *domain.ExecutionPlan, input xjson.RawMessage, meta runMeta) (*domain.ExecutionState, error) {
	state, err := e.repo.GetState(ctx, meta.executionID)
	if err == nil {
		state.EnsureNodeStates(plan)
		return state, nil
	}
	if !domain.IsNotFound(err) {
		return nil, err
	}

	state = domain.NewExecutionState(meta.executionID, plan, input)
	state.TenantID = meta.tenantID
	state.Metadata = meta.metadata
	if err := e.repo.CreateState(ctx, state); err != nil {
		// lost the creation race to another submitter; their record wins
		if domain.IsAlreadyExists(err) {
			return e.repo.GetState(ctx, meta.executionID)
		}
		return nil, err
	}
	return state, nil
}

// run drives one execution to completion under a lease. It owns the level
// loop; per-node work lives in executor.go and finalization below.
func (e *Engine) run(ctx context.Context, def *domain.WorkflowDefinition, plan *domain.ExecutionPlan, state *domain.ExecutionState, meta runMeta) (*domain.ExecutionResult, error) {
	executionID := state.ID

	lease, acquired, err := e.repo.AcquireLease(ctx, executionID, e.workerID, e.config.Lease.TTL)
	if err != nil {
		return nil, domain.NewLeaseError(executionID, "acquire", err)
	}
	if !acquired {
		holder := "unknown"
		if lease != nil {
			holder = lease.HolderID
		}
		e.logger.Debug("execution already owned",
			"execution_id", executionID, "holder", holder)
		return nil, domain.NewLeaseError(executionID, "acquire", domain.ErrConflict)
	}
	e.metrics.LeaseAcquired()
	e.journalAndEmit(ctx, executionID, domain.EventLeaseAcquired, domain.LeaseAcquiredPayload{
		HolderID:   e.workerID,
		Generation: lease.Generation,
		ExpiresAt:  lease.ExpiresAt,
	})

	runCtx, cancelRun := context.WithCancelCause(ctx)
	defer cancelRun(nil)

	deadline := e.clock().Add(def.EffectiveExecutionTimeout(e.config.Engine.ExecutionTimeout))
	execCtx, cancelDeadline := context.WithDeadline(runCtx, deadline)
	defer cancelDeadline()
	execCtx = domain.WithExecutionContext(execCtx, &domain.ExecutionContext{
		ExecutionID:  executionID,
		WorkflowName: def.Name,
		TenantID:     meta.tenantID,
		HolderID:     e.workerID,
		StartedAt:    e.clock(),
		Metadata:     meta.metadata,
	})

	e.mu.Lock()
	e.running[executionID] = cancelRun
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.running, executionID)
		e.mu.Unlock()
	}()

	defer e.releaseLease(executionID)
	keeper := e.startLeaseKeeper(executionID, cancelRun)
	defer keeper.stop()

	state, err = e.beginRun(execCtx, executionID, def)
	if err != nil {
		return nil, err
	}
	if state.Status == domain.ExecutionRunning {
		if err := e.reconcile(execCtx, executionID); err != nil {
			e.logger.Warn("journal reconciliation failed",
				"execution_id", executionID, "error", err)
		}
	}

	policy := def.EffectiveFailurePolicy(e.config.Engine.FailurePolicy)
	var failedNodeID string
	var failureErr error

levels:
	for _, level := range plan.Levels {
		state, err = e.repo.GetState(execCtx, executionID)
		if err != nil {
			break
		}
		switch state.Status {
		case domain.ExecutionPaused:
			e.logger.Info("execution paused", "execution_id", executionID,
				"level", level.Index)
			return domain.ResultFromState(state), nil
		case domain.ExecutionCancelling:
			break levels
		}
		if execCtx.Err() != nil {
			break levels
		}

		outcomes := e.runLevel(execCtx, state, level, meta)

		for _, outcome := range outcomes {
			if outcome.status == domain.NodeFailed && failureErr == nil {
				failedNodeID = outcome.nodeID
				failureErr = outcome.err
			}
		}
		if failureErr != nil && policy == domain.FailurePolicyFailFast {
			break levels
		}
	}

	if err != nil {
		return nil, err
	}
	return e.finalize(ctx, execCtx, runCtx, def, policy, executionID, failedNodeID, failureErr)
}

// finalize settles the terminal status after the level loop exits, for
// whichever reason it exited.
func (e *Engine) finalize(parent, execCtx, runCtx context.Context, def *domain.WorkflowDefinition, policy domain.FailurePolicy, executionID, failedNodeID string, failureErr error) (*domain.ExecutionResult, error) {
	// journaling and the terminal CAS must survive the run context closing
	ctx := context.WithoutCancel(parent)

	if cause := context.Cause(runCtx); errors.Is(cause, errLeaseLost) {
		// ownership is gone: no terminal transition, another worker resumes
		return nil, domain.NewLeaseError(executionID, "renew", domain.ErrExpired)
	}

	state, err := e.repo.GetState(ctx, executionID)
	if err != nil {
		return nil, err
	}

	next := domain.ExecutionCompleted
	switch {
	case state.Status == domain.ExecutionCancelling:
		next = domain.ExecutionCancelled
	case execCtx.Err() != nil && errors.Is(context.Cause(execCtx), context.DeadlineExceeded):
		next = domain.ExecutionTimedOut
	case execCtx.Err() != nil:
		next = domain.ExecutionCancelled
	case failureErr != nil && policy == domain.FailurePolicyFailFast:
		next = domain.ExecutionFailed
	default:
		// under continue_independent a failure consumed by a completed
		// on_error_match successor does not fail the execution
		if nodeID, err := e.unhandledFailure(def, state); err != nil {
			failedNodeID, failureErr = nodeID, err
			next = domain.ExecutionFailed
		}
	}

	state, err = e.updateState(ctx, executionID, func(state *domain.ExecutionState) error {
		now := e.clock()
		// a pause that landed after the last barrier loses to the terminal
		if state.Status == domain.ExecutionPaused && next != domain.ExecutionTimedOut {
			if err := state.TransitionTo(domain.ExecutionRunning, now); err != nil {
				return err
			}
		}
		if next == domain.ExecutionCancelled && state.Status == domain.ExecutionRunning {
			if err := state.TransitionTo(domain.ExecutionCancelling, now); err != nil {
				return err
			}
		}
		if err := state.TransitionTo(next, now); err != nil {
			return err
		}
		if next == domain.ExecutionFailed {
			state.FailedNodeID = failedNodeID
			if failureErr != nil {
				state.Error = failureErr.Error()
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.journalAndEmit(ctx, executionID, domain.EventExecutionTerminal, domain.ExecutionTerminalPayload{
		Status:       state.Status,
		FailedNodeID: state.FailedNodeID,
		Error:        state.Error,
	})
	e.metrics.ExecutionFinished(state.Status)
	e.logger.Info("execution finished",
		"execution_id", executionID,
		"workflow", state.WorkflowName,
		"status", state.Status)
	return domain.ResultFromState(state), nil
}

// beginRun moves the record into Running, journaling a start or resume
// event depending on where it came from.
func (e *Engine) beginRun(ctx context.Context, executionID string, def *domain.WorkflowDefinition) (*domain.ExecutionState, error) {
	resumed := false
	state, err := e.updateState(ctx, executionID, func(state *domain.ExecutionState) error {
		switch state.Status {
		case domain.ExecutionNotStarted:
			return state.TransitionTo(domain.ExecutionRunning, e.clock())
		case domain.ExecutionPaused:
			resumed = true
			return state.TransitionTo(domain.ExecutionRunning, e.clock())
		case domain.ExecutionRunning:
			// crash recovery: same status, fresh lease holder
			resumed = true
			return nil
		case domain.ExecutionCancelling:
			return nil
		default:
			return domain.NewInvalidTransitionError("execution "+executionID,
				string(state.Status), string(domain.ExecutionRunning))
		}
	})
	if err != nil {
		return nil, err
	}

	if resumed {
		e.metrics.ExecutionResumed()
		e.journalAndEmit(ctx, executionID, domain.EventExecutionResumed,
			domain.ExecutionResumedPayload{HolderID: e.workerID})
	} else if state.Status == domain.ExecutionRunning {
		e.metrics.ExecutionStarted()
		e.journalAndEmit(ctx, executionID, domain.EventExecutionStarted, domain.ExecutionStartedPayload{
			WorkflowName:      def.Name,
			DefinitionVersion: def.EffectiveVersion(),
			HolderID:          e.workerID,
		})
	}
	return state, nil
}

// unhandledFailure scans terminally failed nodes under continue_independent
// and reports the first one no Completed on_error_match successor consumed.
func (e *Engine) unhandledFailure(def *domain.WorkflowDefinition, state *domain.ExecutionState) (string, error) {
	for _, node := range def.Nodes {
		nodeState, ok := state.NodeStates[node.ID]
		if !ok || nodeState.Status != domain.NodeFailed {
			continue
		}
		handled := false
		for _, conn := range def.Connections {
			if conn.Source != node.ID || conn.Condition.Type != domain.EdgeOnErrorMatch {
				continue
			}
			if target, ok := state.NodeStates[conn.Target]; ok && target.Status == domain.NodeCompleted {
				handled = true
				break
			}
		}
		if !handled {
			return node.ID, errors.New(nodeState.LastError)
		}
	}
	return "", nil
}

func (e *Engine) releaseLease(executionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.repo.ReleaseLease(ctx, executionID, e.workerID); err != nil {
		e.logger.Warn("lease release failed",
			"execution_id", executionID, "error", err)
	}
}
