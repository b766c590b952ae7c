package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/eleven-am/weft/internal/domain"
)

const stateRetryBackoff = 5 * time.Millisecond

// updateState is the single write path for execution records: load, clone,
// mutate, bump the version, compare-and-swap. A version mismatch means a
// concurrent writer landed first; the loop reloads and reapplies the
// mutation against the fresh record, backing off quadratically between
// rounds.
func (e *Engine) updateState(ctx context.Context, executionID string, mutate func(*domain.ExecutionState) error) (*domain.ExecutionState, error) {
	retries := e.config.Engine.StateUpdateRetries
	if retries <= 0 {
		retries = 10
	}

	for i := 0; i < retries; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		current, err := e.repo.GetState(ctx, executionID)
		if err != nil {
			return nil, err
		}

		next, err := current.Clone()
		if err != nil {
			return nil, err
		}
		if err := mutate(next); err != nil {
			return nil, err
		}
		next.Version = current.Version + 1

		ok, err := e.repo.Transition(ctx, executionID, current.Version, next)
		if err != nil {
			return nil, err
		}
		if ok {
			return next, nil
		}

		e.metrics.CASConflict()
		backoff := time.Duration((i+1)*(i+1)) * stateRetryBackoff
		if err := e.sleep(ctx, backoff); err != nil {
			return nil, err
		}
	}

	return nil, fmt.Errorf("state update for execution %s exhausted %d attempts: %w",
		executionID, retries, domain.ErrConflict)
}
