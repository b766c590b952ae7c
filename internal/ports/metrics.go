package ports

import (
	"time"

	"github.com/eleven-am/weft/internal/domain"
)

// MetricsCollector receives engine instrumentation callbacks. The atomic
// in-process collector is the default; the prometheus adapter implements
// the same contract for scraping.
type MetricsCollector interface {
	ExecutionStarted()
	ExecutionResumed()
	ExecutionFinished(status domain.ExecutionStatus)
	NodeStarted()
	NodeFinished(status domain.NodeStatus, duration time.Duration)
	RetryScheduled(actionKey string)
	IdempotentReplay()
	CASConflict()
	LeaseAcquired()
	LeaseRenewed()
	LeaseLost()
	InvocationStarted()
	InvocationFinished()
	TaskEnqueued()
	TaskDeadLettered()
}
