package domain

import (
	"sync/atomic"
	"time"
)

type EngineMetrics struct {
	ExecutionsStarted   int64 `json:"executions_started"`
	ExecutionsCompleted int64 `json:"executions_completed"`
	ExecutionsFailed    int64 `json:"executions_failed"`
	ExecutionsCancelled int64 `json:"executions_cancelled"`
	ExecutionsTimedOut  int64 `json:"executions_timed_out"`
	ExecutionsPaused    int64 `json:"executions_paused"`
	ExecutionsResumed   int64 `json:"executions_resumed"`

	NodesStarted   int64 `json:"nodes_started"`
	NodesCompleted int64 `json:"nodes_completed"`
	NodesFailed    int64 `json:"nodes_failed"`
	NodesSkipped   int64 `json:"nodes_skipped"`
	NodesRetried   int64 `json:"nodes_retried"`

	LeasesAcquired int64 `json:"leases_acquired"`
	LeasesRenewed  int64 `json:"leases_renewed"`
	LeasesLost     int64 `json:"leases_lost"`

	IdempotentReplays int64 `json:"idempotent_replays"`

	TasksEnqueued     int64 `json:"tasks_enqueued"`
	TasksProcessed    int64 `json:"tasks_processed"`
	TasksDeadLettered int64 `json:"tasks_dead_lettered"`

	TotalNodeTimeNs int64 `json:"total_node_time_ns"`
	NodeTimeSamples int64 `json:"node_time_samples"`
}

func NewEngineMetrics() *EngineMetrics {
	return &EngineMetrics{}
}

func (m *EngineMetrics) IncrementExecutionsStarted() {
	atomic.AddInt64(&m.ExecutionsStarted, 1)
}

func (m *EngineMetrics) IncrementExecutionsCompleted() {
	atomic.AddInt64(&m.ExecutionsCompleted, 1)
}

func (m *EngineMetrics) IncrementExecutionsFailed() {
	atomic.AddInt64(&m.ExecutionsFailed, 1)
}

func (m *EngineMetrics) IncrementExecutionsCancelled() {
	atomic.AddInt64(&m.ExecutionsCancelled, 1)
}

func (m *EngineMetrics) IncrementExecutionsTimedOut() {
	atomic.AddInt64(&m.ExecutionsTimedOut, 1)
}

func (m *EngineMetrics) IncrementExecutionsPaused() {
	atomic.AddInt64(&m.ExecutionsPaused, 1)
}

func (m *EngineMetrics) IncrementExecutionsResumed() {
	atomic.AddInt64(&m.ExecutionsResumed, 1)
}

func (m *EngineMetrics) IncrementNodesStarted() {
	atomic.AddInt64(&m.NodesStarted, 1)
}

func (m *EngineMetrics) IncrementNodesCompleted() {
	atomic.AddInt64(&m.NodesCompleted, 1)
}

func (m *EngineMetrics) IncrementNodesFailed() {
	atomic.AddInt64(&m.NodesFailed, 1)
}

func (m *EngineMetrics) IncrementNodesSkipped() {
	atomic.AddInt64(&m.NodesSkipped, 1)
}

func (m *EngineMetrics) IncrementNodesRetried() {
	atomic.AddInt64(&m.NodesRetried, 1)
}

func (m *EngineMetrics) IncrementLeasesAcquired() {
	atomic.AddInt64(&m.LeasesAcquired, 1)
}

func (m *EngineMetrics) IncrementLeasesRenewed() {
	atomic.AddInt64(&m.LeasesRenewed, 1)
}

func (m *EngineMetrics) IncrementLeasesLost() {
	atomic.AddInt64(&m.LeasesLost, 1)
}

func (m *EngineMetrics) IncrementIdempotentReplays() {
	atomic.AddInt64(&m.IdempotentReplays, 1)
}

func (m *EngineMetrics) IncrementTasksEnqueued() {
	atomic.AddInt64(&m.TasksEnqueued, 1)
}

func (m *EngineMetrics) IncrementTasksProcessed() {
	atomic.AddInt64(&m.TasksProcessed, 1)
}

func (m *EngineMetrics) IncrementTasksDeadLettered() {
	atomic.AddInt64(&m.TasksDeadLettered, 1)
}

func (m *EngineMetrics) AddNodeTime(duration time.Duration) {
	atomic.AddInt64(&m.TotalNodeTimeNs, int64(duration))
	atomic.AddInt64(&m.NodeTimeSamples, 1)
}

func (m *EngineMetrics) GetSnapshot() EngineMetrics {
	return EngineMetrics{
		ExecutionsStarted:   atomic.LoadInt64(&m.ExecutionsStarted),
		ExecutionsCompleted: atomic.LoadInt64(&m.ExecutionsCompleted),
		ExecutionsFailed:    atomic.LoadInt64(&m.ExecutionsFailed),
		ExecutionsCancelled: atomic.LoadInt64(&m.ExecutionsCancelled),
		ExecutionsTimedOut:  atomic.LoadInt64(&m.ExecutionsTimedOut),
		ExecutionsPaused:    atomic.LoadInt64(&m.ExecutionsPaused),
		ExecutionsResumed:   atomic.LoadInt64(&m.ExecutionsResumed),
		NodesStarted:        atomic.LoadInt64(&m.NodesStarted),
		NodesCompleted:      atomic.LoadInt64(&m.NodesCompleted),
		NodesFailed:         atomic.LoadInt64(&m.NodesFailed),
		NodesSkipped:        atomic.LoadInt64(&m.NodesSkipped),
		NodesRetried:        atomic.LoadInt64(&m.NodesRetried),
		LeasesAcquired:      atomic.LoadInt64(&m.LeasesAcquired),
		LeasesRenewed:       atomic.LoadInt64(&m.LeasesRenewed),
		LeasesLost:          atomic.LoadInt64(&m.LeasesLost),
		IdempotentReplays:   atomic.LoadInt64(&m.IdempotentReplays),
		TasksEnqueued:       atomic.LoadInt64(&m.TasksEnqueued),
		TasksProcessed:      atomic.LoadInt64(&m.TasksProcessed),
		TasksDeadLettered:   atomic.LoadInt64(&m.TasksDeadLettered),
		TotalNodeTimeNs:     atomic.LoadInt64(&m.TotalNodeTimeNs),
		NodeTimeSamples:     atomic.LoadInt64(&m.NodeTimeSamples),
	}
}

func (m *EngineMetrics) GetAverageNodeTime() time.Duration {
	totalNs := atomic.LoadInt64(&m.TotalNodeTimeNs)
	count := atomic.LoadInt64(&m.NodeTimeSamples)

	if count == 0 {
		return 0
	}

	return time.Duration(totalNs / count)
}

func (m *EngineMetrics) Reset() {
	atomic.StoreInt64(&m.ExecutionsStarted, 0)
	atomic.StoreInt64(&m.ExecutionsCompleted, 0)
	atomic.StoreInt64(&m.ExecutionsFailed, 0)
	atomic.StoreInt64(&m.ExecutionsCancelled, 0)
	atomic.StoreInt64(&m.ExecutionsTimedOut, 0)
	atomic.StoreInt64(&m.ExecutionsPaused, 0)
	atomic.StoreInt64(&m.ExecutionsResumed, 0)
	atomic.StoreInt64(&m.NodesStarted, 0)
	atomic.StoreInt64(&m.NodesCompleted, 0)
	atomic.StoreInt64(&m.NodesFailed, 0)
	atomic.StoreInt64(&m.NodesSkipped, 0)
	atomic.StoreInt64(&m.NodesRetried, 0)
	atomic.StoreInt64(&m.LeasesAcquired, 0)
	atomic.StoreInt64(&m.LeasesRenewed, 0)
	atomic.StoreInt64(&m.LeasesLost, 0)
	atomic.StoreInt64(&m.IdempotentReplays, 0)
	atomic.StoreInt64(&m.TasksEnqueued, 0)
	atomic.StoreInt64(&m.TasksProcessed, 0)
	atomic.StoreInt64(&m.TasksDeadLettered, 0)
	atomic.StoreInt64(&m.TotalNodeTimeNs, 0)
	atomic.StoreInt64(&m.NodeTimeSamples, 0)
}
