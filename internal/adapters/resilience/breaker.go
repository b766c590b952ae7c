package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/eleven-am/weft/internal/domain"
)

var ErrBreakerOpen = errors.New("circuit breaker is open")

type breakerState int

const (
	stateClosed breakerState = iota
	stateOpen
	stateHalfOpen
)

func (s breakerState) String() string {
	switch s {
	case stateOpen:
		return "open"
	case stateHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// breaker is a per-action circuit breaker: consecutive failures past the
// threshold open it, the open timeout moves it to half-open with a bounded
// probe budget, and consecutive probe successes close it again.
type breaker struct {
	name     string
	settings domain.BreakerSettings
	logger   *slog.Logger
	clock    func() time.Time

	mu                 sync.Mutex
	state              breakerState
	consecutiveFailure int
	consecutiveSuccess int
	openedAt           time.Time
	halfOpenInFlight   int
}

func newBreaker(name string, settings domain.BreakerSettings, logger *slog.Logger, clock func() time.Time) *breaker {
	return &breaker{
		name:     name,
		settings: settings,
		logger:   logger.With("component", "circuit-breaker", "action", name),
		clock:    clock,
	}
}

func (b *breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case stateClosed:
		return nil
	case stateOpen:
		if b.clock().Sub(b.openedAt) < b.settings.OpenTimeout {
			return ErrBreakerOpen
		}
		b.transition(stateHalfOpen)
		fallthrough
	default:
		if b.halfOpenInFlight >= b.settings.HalfOpenMaxCalls {
			return ErrBreakerOpen
		}
		b.halfOpenInFlight++
		return nil
	}
}

func (b *breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFailure = 0
	if b.state == stateHalfOpen {
		b.halfOpenInFlight--
		b.consecutiveSuccess++
		if b.consecutiveSuccess >= b.settings.SuccessThreshold {
			b.transition(stateClosed)
		}
	}
}

func (b *breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveSuccess = 0
	switch b.state {
	case stateHalfOpen:
		b.halfOpenInFlight--
		b.openedAt = b.clock()
		b.transition(stateOpen)
	case stateClosed:
		b.consecutiveFailure++
		if b.consecutiveFailure >= b.settings.FailureThreshold {
			b.openedAt = b.clock()
			b.transition(stateOpen)
		}
	}
}

func (b *breaker) transition(next breakerState) {
	if b.state == next {
		return
	}
	b.logger.Info("circuit breaker state change", "from", b.state.String(), "to", next.String())
	b.state = next
	b.consecutiveFailure = 0
	b.consecutiveSuccess = 0
	if next != stateHalfOpen {
		b.halfOpenInFlight = 0
	}
}
