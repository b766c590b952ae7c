package ports

import (
	"time"

	"github.com/eleven-am/weft/internal/domain"
)

// RetryQuery describes a node failure the orchestrator asks the advisor
// about. Attempt is the attempt that just failed, counting from 1.
type RetryQuery struct {
	ExecutionID string
	NodeID      string
	ActionKey   string
	Attempt     int
	Budget      domain.RetryConfig
	Class       domain.ErrorClass
	Retryable   bool
	Err         error
}

// RetryDecision is advisory only: the orchestrator applies it but owns the
// resulting state transitions.
type RetryDecision struct {
	Retry  bool
	Delay  time.Duration
	Reason string
}

// RetryAdvisor is the external resilience collaborator. Allow gates an
// invocation before it starts (circuit breaking); Decide rules on a failure
// after the fact; Record* feed the breaker state.
type RetryAdvisor interface {
	Allow(actionKey string) error
	Decide(query RetryQuery) RetryDecision
	RecordSuccess(actionKey string)
	RecordFailure(actionKey string)
}
