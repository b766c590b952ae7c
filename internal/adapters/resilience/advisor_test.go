package resilience

import (
	"testing"
	"time"

	"github.com/eleven-am/weft/internal/domain"
	"github.com/eleven-am/weft/internal/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func budget() domain.RetryConfig {
	return domain.RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    10 * time.Second,
	}
}

func TestAdvisor_TransientWithinBudgetRetries(t *testing.T) {
	a := NewAdvisor(domain.CircuitBreakerConfig{}, nil)

	decision := a.Decide(ports.RetryQuery{
		Attempt:   1,
		Budget:    budget(),
		Class:     domain.ErrorClassTransient,
		Retryable: true,
	})
	require.True(t, decision.Retry)
	assert.Equal(t, time.Second, decision.Delay)
}

func TestAdvisor_ExhaustedBudgetStops(t *testing.T) {
	a := NewAdvisor(domain.CircuitBreakerConfig{}, nil)

	decision := a.Decide(ports.RetryQuery{
		Attempt:   3,
		Budget:    budget(),
		Class:     domain.ErrorClassTransient,
		Retryable: true,
	})
	assert.False(t, decision.Retry)
}

func TestAdvisor_TerminalClassesNeverRetry(t *testing.T) {
	a := NewAdvisor(domain.CircuitBreakerConfig{}, nil)

	for _, class := range []domain.ErrorClass{
		domain.ErrorClassPermanent,
		domain.ErrorClassCancelled,
		domain.ErrorClassTimeout,
	} {
		decision := a.Decide(ports.RetryQuery{
			Attempt:   1,
			Budget:    budget(),
			Class:     class,
			Retryable: true,
		})
		assert.False(t, decision.Retry, "class %s", class)
	}
}

func TestAdvisor_UnretryableActionStops(t *testing.T) {
	a := NewAdvisor(domain.CircuitBreakerConfig{}, nil)

	decision := a.Decide(ports.RetryQuery{
		Attempt:   1,
		Budget:    budget(),
		Class:     domain.ErrorClassTransient,
		Retryable: false,
	})
	assert.False(t, decision.Retry)
}

func TestBackoff_DoublesAndCaps(t *testing.T) {
	b := budget()

	assert.Equal(t, time.Second, Backoff(b, 1))
	assert.Equal(t, 2*time.Second, Backoff(b, 2))
	assert.Equal(t, 4*time.Second, Backoff(b, 3))
	assert.Equal(t, 10*time.Second, Backoff(b, 10), "capped at max delay")
}

func TestBackoff_JitterStaysInRange(t *testing.T) {
	b := budget()
	b.JitterFactor = 0.5

	for i := 0; i < 50; i++ {
		delay := Backoff(b, 2)
		assert.GreaterOrEqual(t, delay, 2*time.Second)
		assert.LessOrEqual(t, delay, 3*time.Second)
	}
}

func breakerConfig() domain.CircuitBreakerConfig {
	return domain.CircuitBreakerConfig{
		Enabled: true,
		Defaults: domain.BreakerSettings{
			FailureThreshold: 2,
			SuccessThreshold: 2,
			OpenTimeout:      30 * time.Second,
			HalfOpenMaxCalls: 1,
		},
	}
}

func TestAdvisor_BreakerOpensAfterThreshold(t *testing.T) {
	a := NewAdvisor(breakerConfig(), nil)

	now := time.Now()
	a.SetClock(func() time.Time { return now })

	require.NoError(t, a.Allow("flaky"))
	a.RecordFailure("flaky")
	require.NoError(t, a.Allow("flaky"))
	a.RecordFailure("flaky")

	assert.ErrorIs(t, a.Allow("flaky"), ErrBreakerOpen)

	// other actions are unaffected
	assert.NoError(t, a.Allow("steady"))
}

func TestAdvisor_BreakerHalfOpenRecovery(t *testing.T) {
	a := NewAdvisor(breakerConfig(), nil)

	now := time.Now()
	a.SetClock(func() time.Time { return now })

	a.RecordFailure("flaky")
	a.RecordFailure("flaky")
	require.ErrorIs(t, a.Allow("flaky"), ErrBreakerOpen)

	now = now.Add(time.Minute)

	// half-open admits one probe at a time
	require.NoError(t, a.Allow("flaky"))
	assert.ErrorIs(t, a.Allow("flaky"), ErrBreakerOpen)
	a.RecordSuccess("flaky")

	require.NoError(t, a.Allow("flaky"))
	a.RecordSuccess("flaky")

	// two consecutive probe successes close the breaker
	assert.NoError(t, a.Allow("flaky"))
	assert.NoError(t, a.Allow("flaky"))
}

func TestAdvisor_BreakerReopensOnProbeFailure(t *testing.T) {
	a := NewAdvisor(breakerConfig(), nil)

	now := time.Now()
	a.SetClock(func() time.Time { return now })

	a.RecordFailure("flaky")
	a.RecordFailure("flaky")

	now = now.Add(time.Minute)
	require.NoError(t, a.Allow("flaky"))
	a.RecordFailure("flaky")

	assert.ErrorIs(t, a.Allow("flaky"), ErrBreakerOpen)
}
