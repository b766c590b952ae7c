// Package metrics provides the MetricsCollector implementations: an atomic
// in-process collector that is always on, and a prometheus collector for
// scraping. Both receive the same engine callbacks; composite fans one
// callback out to several collectors.
package metrics

import (
	"time"

	"github.com/eleven-am/weft/internal/domain"
	"github.com/eleven-am/weft/internal/ports"
)

// Atomic wraps the domain's counter block as a MetricsCollector.
type Atomic struct {
	counters *domain.EngineMetrics
}

func NewAtomic() *Atomic {
	return &Atomic{counters: domain.NewEngineMetrics()}
}

func (a *Atomic) Snapshot() domain.EngineMetrics {
	return a.counters.GetSnapshot()
}

func (a *Atomic) AverageNodeTime() time.Duration {
	return a.counters.GetAverageNodeTime()
}

func (a *Atomic) ExecutionStarted() {
	a.counters.IncrementExecutionsStarted()
}

func (a *Atomic) ExecutionResumed() {
	a.counters.IncrementExecutionsResumed()
}

func (a *Atomic) ExecutionFinished(status domain.ExecutionStatus) {
	switch status {
	case domain.ExecutionCompleted:
		a.counters.IncrementExecutionsCompleted()
	case domain.ExecutionFailed:
		a.counters.IncrementExecutionsFailed()
	case domain.ExecutionCancelled:
		a.counters.IncrementExecutionsCancelled()
	case domain.ExecutionTimedOut:
		a.counters.IncrementExecutionsTimedOut()
	case domain.ExecutionPaused:
		a.counters.IncrementExecutionsPaused()
	}
}

func (a *Atomic) NodeStarted() {
	a.counters.IncrementNodesStarted()
}

func (a *Atomic) NodeFinished(status domain.NodeStatus, duration time.Duration) {
	switch status {
	case domain.NodeCompleted:
		a.counters.IncrementNodesCompleted()
		a.counters.AddNodeTime(duration)
	case domain.NodeFailed:
		a.counters.IncrementNodesFailed()
	case domain.NodeSkipped:
		a.counters.IncrementNodesSkipped()
	}
}

func (a *Atomic) RetryScheduled(actionKey string) {
	a.counters.IncrementNodesRetried()
}

func (a *Atomic) IdempotentReplay() {
	a.counters.IncrementIdempotentReplays()
}

func (a *Atomic) CASConflict() {}

func (a *Atomic) LeaseAcquired() {
	a.counters.IncrementLeasesAcquired()
}

func (a *Atomic) LeaseRenewed() {
	a.counters.IncrementLeasesRenewed()
}

func (a *Atomic) LeaseLost() {
	a.counters.IncrementLeasesLost()
}

func (a *Atomic) InvocationStarted() {}

func (a *Atomic) InvocationFinished() {}

func (a *Atomic) TaskEnqueued() {
	a.counters.IncrementTasksEnqueued()
}

func (a *Atomic) TaskDeadLettered() {
	a.counters.IncrementTasksDeadLettered()
}

// Composite fans engine callbacks out to several collectors.
type Composite struct {
	collectors []ports.MetricsCollector
}

func NewComposite(collectors ...ports.MetricsCollector) *Composite {
	return &Composite{collectors: collectors}
}

func (c *Composite) ExecutionStarted() {
	for _, m := range c.collectors {
		m.ExecutionStarted()
	}
}

func (c *Composite) ExecutionResumed() {
	for _, m := range c.collectors {
		m.ExecutionResumed()
	}
}

func (c *Composite) ExecutionFinished(status domain.ExecutionStatus) {
	for _, m := range c.collectors {
		m.ExecutionFinished(status)
	}
}

func (c *Composite) NodeStarted() {
	for _, m := range c.collectors {
		m.NodeStarted()
	}
}

func (c *Composite) NodeFinished(status domain.NodeStatus, duration time.Duration) {
	for _, m := range c.collectors {
		m.NodeFinished(status, duration)
	}
}

func (c *Composite) RetryScheduled(actionKey string) {
	for _, m := range c.collectors {
		m.RetryScheduled(actionKey)
	}
}

func (c *Composite) IdempotentReplay() {
	for _, m := range c.collectors {
		m.IdempotentReplay()
	}
}

func (c *Composite) CASConflict() {
	for _, m := range c.collectors {
		m.CASConflict()
	}
}

func (c *Composite) LeaseAcquired() {
	for _, m := range c.collectors {
		m.LeaseAcquired()
	}
}

func (c *Composite) LeaseRenewed() {
	for _, m := range c.collectors {
		m.LeaseRenewed()
	}
}

func (c *Composite) LeaseLost() {
	for _, m := range c.collectors {
		m.LeaseLost()
	}
}

func (c *Composite) InvocationStarted() {
	for _, m := range c.collectors {
		m.InvocationStarted()
	}
}

func (c *Composite) InvocationFinished() {
	for _, m := range c.collectors {
		m.InvocationFinished()
	}
}

func (c *Composite) TaskEnqueued() {
	for _, m := range c.collectors {
		m.TaskEnqueued()
	}
}

func (c *Composite) TaskDeadLettered() {
	for _, m := range c.collectors {
		m.TaskDeadLettered()
	}
}
