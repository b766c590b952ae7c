// Package resilience is the default RetryAdvisor: exponential backoff with
// jitter, error-class awareness, and optional per-action circuit breakers.
// It is advisory only; the engine owns the state transitions that follow
// its decisions.
package resilience

import (
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/eleven-am/weft/internal/domain"
	"github.com/eleven-am/weft/internal/ports"
)

type Advisor struct {
	config domain.CircuitBreakerConfig
	logger *slog.Logger
	clock  func() time.Time

	mu       sync.Mutex
	breakers map[string]*breaker
}

func NewAdvisor(config domain.CircuitBreakerConfig, logger *slog.Logger) *Advisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Advisor{
		config:   config,
		logger:   logger.With("component", "retry-advisor"),
		clock:    time.Now,
		breakers: make(map[string]*breaker),
	}
}

func (a *Advisor) SetClock(clock func() time.Time) {
	a.clock = clock
}

// Allow gates an invocation before it starts. With breakers disabled it
// always passes.
func (a *Advisor) Allow(actionKey string) error {
	if !a.config.Enabled {
		return nil
	}
	return a.breakerFor(actionKey).allow()
}

// Decide rules on a failed attempt. Permanent, cancelled, and timeout
// classes never retry; neither does an action whose metadata marks it
// unretryable or an attempt that exhausted its budget.
func (a *Advisor) Decide(query ports.RetryQuery) ports.RetryDecision {
	switch query.Class {
	case domain.ErrorClassPermanent:
		return ports.RetryDecision{Reason: "permanent failure"}
	case domain.ErrorClassCancelled:
		return ports.RetryDecision{Reason: "cancelled"}
	case domain.ErrorClassTimeout:
		return ports.RetryDecision{Reason: "timeout"}
	}
	if !query.Retryable {
		return ports.RetryDecision{Reason: "action is not retryable"}
	}
	if query.Attempt >= query.Budget.MaxAttempts {
		return ports.RetryDecision{Reason: "retry budget exhausted"}
	}

	delay := Backoff(query.Budget, query.Attempt)
	return ports.RetryDecision{
		Retry:  true,
		Delay:  delay,
		Reason: "transient failure within budget",
	}
}

func (a *Advisor) RecordSuccess(actionKey string) {
	if !a.config.Enabled {
		return
	}
	a.breakerFor(actionKey).recordSuccess()
}

func (a *Advisor) RecordFailure(actionKey string) {
	if !a.config.Enabled {
		return
	}
	a.breakerFor(actionKey).recordFailure()
}

func (a *Advisor) breakerFor(actionKey string) *breaker {
	a.mu.Lock()
	defer a.mu.Unlock()

	b, ok := a.breakers[actionKey]
	if !ok {
		b = newBreaker(actionKey, a.config.SettingsFor(actionKey), a.logger, a.clock)
		a.breakers[actionKey] = b
	}
	return b
}

// Backoff computes min(base * 2^(attempt-1), max) with proportional jitter.
// Attempt counts from 1, matching NodeExecutionState.AttemptCount.
func Backoff(budget domain.RetryConfig, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	delay := budget.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= budget.MaxDelay {
			delay = budget.MaxDelay
			break
		}
	}
	if budget.MaxDelay > 0 && delay > budget.MaxDelay {
		delay = budget.MaxDelay
	}

	if budget.JitterFactor > 0 && delay > 0 {
		jitter := time.Duration(float64(delay) * budget.JitterFactor * rand.Float64())
		delay += jitter
	}
	return delay
}
