// Package weft is a workflow orchestration engine for Go applications.
//
// Weft runs directed acyclic workflows of typed actions: a definition's
// nodes are validated into levels, each level's nodes run concurrently
// behind a shared barrier, and every state change lands through a
// compare-and-swap on a persisted execution record. Executions survive
// crashes: a lease guarantees a single writer, an append-only journal
// records every observable event, and per-attempt idempotency keys make
// resume safe without repeating side effects.
//
// Basic usage:
//
//	manager, err := weft.New("worker-1", "./data", logger)
//	if err != nil { ... }
//	manager.RegisterAction(weft.ActionFunc("charge", chargeCard))
//
//	def, err := weft.LoadDefinition("billing.yaml")
//	if err != nil { ... }
//
//	result, err := manager.Execute(ctx, def, input)
package weft

import (
	"context"
	"log/slog"

	"github.com/eleven-am/weft/internal/adapters/engine"
	"github.com/eleven-am/weft/internal/adapters/events"
	"github.com/eleven-am/weft/internal/adapters/memory"
	"github.com/eleven-am/weft/internal/adapters/metrics"
	"github.com/eleven-am/weft/internal/adapters/observability"
	"github.com/eleven-am/weft/internal/adapters/queue"
	"github.com/eleven-am/weft/internal/adapters/registry"
	execrepo "github.com/eleven-am/weft/internal/adapters/repo"
	"github.com/eleven-am/weft/internal/adapters/resilience"
	"github.com/eleven-am/weft/internal/adapters/sandbox"
	"github.com/eleven-am/weft/internal/adapters/semaphore"
	"github.com/eleven-am/weft/internal/adapters/sqlite"
	"github.com/eleven-am/weft/internal/adapters/storage"
	"github.com/eleven-am/weft/internal/domain"
	"github.com/eleven-am/weft/internal/ports"
	"github.com/eleven-am/weft/internal/xjson"
)

// Definition describes one workflow: its nodes, the conditional edges
// between them, and workflow-level retry and timeout overrides.
type Definition = domain.WorkflowDefinition

// NodeDefinition is one unit of work inside a definition, bound to a
// registered action key.
type NodeDefinition = domain.NodeDefinition

// Connection is a directed edge between two nodes, gated by its condition.
type Connection = domain.Connection

// EdgeCondition decides whether an edge is satisfied by the source node's
// terminal outcome.
type EdgeCondition = domain.EdgeCondition

// ParameterValue is either a literal or a reference into a predecessor's
// output document.
type ParameterValue = domain.ParameterValue

// ParameterReference points into a source node's output by dot path.
type ParameterReference = domain.ParameterReference

// RetrySpec carries per-node or per-workflow retry overrides.
type RetrySpec = domain.RetrySpec

// WorkflowConfig holds workflow-level overrides for retries, timeouts, and
// the failure policy.
type WorkflowConfig = domain.WorkflowConfig

// ExecutionResult is what Execute returns: the terminal (or paused)
// status, the merged output document, and per-node outcomes.
type ExecutionResult = domain.ExecutionResult

// ExecutionState is the persisted execution record.
type ExecutionState = domain.ExecutionState

// NodeExecutionState is one node's slice of the execution record.
type NodeExecutionState = domain.NodeExecutionState

// JournalEntry is one append-only audit record of an execution.
type JournalEntry = domain.JournalEntry

// EngineMetrics is a point-in-time snapshot of engine counters.
type EngineMetrics = domain.EngineMetrics

// ActionHandler is the capability interface behind one action key.
type ActionHandler = ports.ActionHandler

// ActionMetadata declares an action's accepted parameters and whether its
// failures are worth retrying.
type ActionMetadata = ports.ActionMetadata

// ParameterSpec is one accepted parameter of an action.
type ParameterSpec = ports.ParameterSpec

// EventHandler receives journal entries on a subscription.
type EventHandler = ports.EventHandler

// ExecuteOption customizes one run request.
type ExecuteOption = engine.ExecuteOption

type ExecutionStatus = domain.ExecutionStatus

const (
	ExecutionNotStarted = domain.ExecutionNotStarted
	ExecutionRunning    = domain.ExecutionRunning
	ExecutionPaused     = domain.ExecutionPaused
	ExecutionCancelling = domain.ExecutionCancelling
	ExecutionCompleted  = domain.ExecutionCompleted
	ExecutionFailed     = domain.ExecutionFailed
	ExecutionCancelled  = domain.ExecutionCancelled
	ExecutionTimedOut   = domain.ExecutionTimedOut
)

type NodeStatus = domain.NodeStatus

const (
	NodeNotStarted = domain.NodeNotStarted
	NodeRunning    = domain.NodeRunning
	NodeCompleted  = domain.NodeCompleted
	NodeFailed     = domain.NodeFailed
	NodeSkipped    = domain.NodeSkipped
)

type ErrorClass = domain.ErrorClass

const (
	ErrorClassTransient = domain.ErrorClassTransient
	ErrorClassPermanent = domain.ErrorClassPermanent
	ErrorClassTimeout   = domain.ErrorClassTimeout
	ErrorClassCancelled = domain.ErrorClassCancelled
)

type EventType = domain.EventType

const (
	EventExecutionStarted  = domain.EventExecutionStarted
	EventExecutionResumed  = domain.EventExecutionResumed
	EventExecutionPaused   = domain.EventExecutionPaused
	EventCancelRequested   = domain.EventCancelRequested
	EventExecutionTerminal = domain.EventExecutionTerminal
	EventNodeStarted       = domain.EventNodeStarted
	EventNodeCompleted     = domain.EventNodeCompleted
	EventNodeFailed        = domain.EventNodeFailed
	EventNodeSkipped       = domain.EventNodeSkipped
	EventLeaseAcquired     = domain.EventLeaseAcquired
	EventLeaseLost         = domain.EventLeaseLost
)

// Unconditional builds an edge condition satisfied by the source
// completing.
func Unconditional() EdgeCondition { return domain.Unconditional() }

// OnResultMatch builds an edge condition satisfied when the source
// completes and its output matches the pattern.
func OnResultMatch(pattern string) EdgeCondition { return domain.OnResultMatch(pattern) }

// OnErrorMatch builds an edge condition satisfied when the source fails
// terminally and its error matches the pattern.
func OnErrorMatch(pattern string) EdgeCondition { return domain.OnErrorMatch(pattern) }

// WithExecutionID pins the execution id instead of generating one.
func WithExecutionID(id string) ExecuteOption { return engine.WithExecutionID(id) }

// WithTenant stamps a tenant id onto the execution record.
func WithTenant(tenantID string) ExecuteOption { return engine.WithTenant(tenantID) }

// WithMetadata attaches opaque metadata to the execution record.
func WithMetadata(metadata map[string]string) ExecuteOption { return engine.WithMetadata(metadata) }

// ActionFunc wraps a typed function as a retryable action handler; input
// and output convert through JSON at the boundary.
func ActionFunc[I, O any](key string, fn func(ctx context.Context, input I) (O, error)) ActionHandler {
	return registry.ActionFunc(key, fn)
}

// ActionFuncWithMetadata wraps a typed function with explicit metadata.
func ActionFuncWithMetadata[I, O any](key string, metadata ActionMetadata, fn func(ctx context.Context, input I) (O, error)) ActionHandler {
	return registry.ActionFuncWithMetadata(key, metadata, fn)
}

// ParseDefinitionYAML decodes a workflow definition from YAML bytes.
func ParseDefinitionYAML(data []byte) (*Definition, error) {
	return domain.ParseDefinitionYAML(data)
}

// LoadDefinition reads a workflow definition from a YAML file.
func LoadDefinition(path string) (*Definition, error) {
	return domain.LoadDefinition(path)
}

// Manager wires the storage driver, repository, action registry, event
// manager, metrics, and engine into one handle an application embeds.
type Manager struct {
	config   *domain.Config
	logger   *slog.Logger
	registry *registry.Registry
	events   *events.Manager
	engine   *engine.Engine
	repo     ports.ExecutionRepo
	atomic   *metrics.Atomic
	obs      *observability.Server
}

// New builds a manager with default configuration for the given worker
// identity and data directory.
func New(workerID, dataDir string, logger *slog.Logger) (*Manager, error) {
	return NewWithConfig(domain.NewConfigFromSimple(workerID, dataDir, logger))
}

// NewWithConfig builds a manager from an explicit configuration.
func NewWithConfig(config *Config) (*Manager, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	logger := config.Logger

	repo, kv, err := openRepo(config, logger)
	if err != nil {
		return nil, err
	}

	reg := registry.New(logger)
	eventManager := events.NewManager(logger)

	atomicMetrics := metrics.NewAtomic()
	var collector ports.MetricsCollector = atomicMetrics
	prom := metrics.NewPrometheus()
	if config.Observability.Enabled && config.Observability.EnableMetrics {
		collector = metrics.NewComposite(atomicMetrics, prom)
	}

	deps := engine.Deps{
		WorkerID:  config.WorkerID,
		Repo:      repo,
		Runner:    sandbox.NewRunner(reg, logger),
		Actions:   reg,
		Advisor:   resilience.NewAdvisor(config.CircuitBreaker, logger),
		Admission: semaphore.New(config.Engine.MaxConcurrentNodes),
		Events:    eventManager,
		Metrics:   collector,
	}
	if config.Queue.Enabled {
		deps.Queue = queue.New(kv, config.Queue, logger)
	}
	eng := engine.New(deps, config, logger)

	m := &Manager{
		config:   config,
		logger:   logger,
		registry: reg,
		events:   eventManager,
		engine:   eng,
		repo:     repo,
		atomic:   atomicMetrics,
	}
	if config.Observability.Enabled {
		m.obs = observability.NewServer(config.Observability, eng, atomicMetrics, prom.Registry(), logger)
	}
	return m, nil
}

// openRepo builds the execution repository for the configured storage
// driver. The returned key-value store backs the task queue; the sqlite
// driver has none, so queue state stays process-local in memory there.
func openRepo(config *domain.Config, logger *slog.Logger) (ports.ExecutionRepo, ports.StoragePort, error) {
	switch config.Storage.Driver {
	case domain.StorageDriverMemory:
		kv := memory.NewStorage()
		return execrepo.New(kv, logger), kv, nil
	case domain.StorageDriverSQLite:
		repo, err := sqlite.Open(config.StoragePath(), logger)
		if err != nil {
			return nil, nil, err
		}
		return repo, memory.NewStorage(), nil
	default:
		kv, err := storage.Open(config.StoragePath(), logger)
		if err != nil {
			return nil, nil, err
		}
		return execrepo.New(kv, logger), kv, nil
	}
}

// RegisterAction makes a handler available to workflow nodes under its key.
// Registration must happen before a definition referencing the key runs.
func (m *Manager) RegisterAction(handler ActionHandler) error {
	return m.registry.Register(handler)
}

// Execute runs a definition to a terminal state and returns its result.
func (m *Manager) Execute(ctx context.Context, def *Definition, input []byte, opts ...ExecuteOption) (*ExecutionResult, error) {
	return m.engine.Execute(ctx, def, xjson.RawMessage(input), opts...)
}

// Submit enqueues a definition for queue-backed execution and returns the
// assigned execution id.
func (m *Manager) Submit(ctx context.Context, def *Definition, input []byte, opts ...ExecuteOption) (string, error) {
	return m.engine.Submit(ctx, def, xjson.RawMessage(input), opts...)
}

// Pause stops a running execution at its next level barrier.
func (m *Manager) Pause(ctx context.Context, executionID string) error {
	return m.engine.Pause(ctx, executionID, m.config.WorkerID)
}

// Resume picks a paused or interrupted execution back up and blocks until
// it reaches a terminal state.
func (m *Manager) Resume(ctx context.Context, executionID string) (*ExecutionResult, error) {
	return m.engine.Resume(ctx, executionID)
}

// Cancel requests cooperative cancellation of an execution.
func (m *Manager) Cancel(ctx context.Context, executionID string) error {
	return m.engine.Cancel(ctx, executionID, m.config.WorkerID)
}

// Status returns the current persisted execution record.
func (m *Manager) Status(ctx context.Context, executionID string) (*ExecutionState, error) {
	return m.engine.Status(ctx, executionID)
}

// Journal returns an execution's audit trail from fromSequence onward.
func (m *Manager) Journal(ctx context.Context, executionID string, fromSequence int64) ([]JournalEntry, error) {
	return m.engine.Journal(ctx, executionID, fromSequence)
}

// Subscribe registers a handler for one event type and returns the
// subscription id.
func (m *Manager) Subscribe(event EventType, handler EventHandler) string {
	return m.events.Subscribe(event, handler)
}

// SubscribeAll registers a handler for every event.
func (m *Manager) SubscribeAll(handler EventHandler) string {
	return m.events.SubscribeAll(handler)
}

func (m *Manager) Unsubscribe(id string) {
	m.events.Unsubscribe(id)
}

// Metrics returns a snapshot of the engine counters.
func (m *Manager) Metrics() EngineMetrics {
	return m.atomic.Snapshot()
}

// Start brings up background work: queue workers when queue dispatch is
// enabled and the observability server when configured.
func (m *Manager) Start(ctx context.Context) error {
	if err := m.engine.Start(ctx); err != nil {
		return err
	}
	if m.obs != nil {
		if err := m.obs.Start(); err != nil {
			return err
		}
	}
	return nil
}

// Stop drains gracefully: in-flight executions finish (until ctx expires),
// then the event manager, observability server, and storage close.
func (m *Manager) Stop(ctx context.Context) error {
	err := m.engine.Stop(ctx)
	if m.obs != nil {
		if obsErr := m.obs.Stop(ctx); obsErr != nil && err == nil {
			err = obsErr
		}
	}
	if closeErr := m.events.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	if closeErr := m.repo.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	return err
}
