// Package sandbox is the in-process SandboxRunner: it executes registered
// actions with per-invocation timeouts, panic recovery, and cooperative
// cancellation. Remote isolation boundaries implement the same port.
package sandbox

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/eleven-am/weft/internal/domain"
	"github.com/eleven-am/weft/internal/ports"
	"github.com/eleven-am/weft/internal/xjson"
)

type Runner struct {
	actions ports.ActionProvider
	logger  *slog.Logger
}

func NewRunner(actions ports.ActionProvider, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		actions: actions,
		logger:  logger.With("component", "sandbox"),
	}
}

func (r *Runner) Invoke(ctx context.Context, inv ports.Invocation) (*ports.InvocationResult, error) {
	handler, err := r.actions.Handler(inv.ActionKey)
	if err != nil {
		return nil, domain.NewClassifiedError(domain.ErrorClassPermanent, err)
	}

	invokeCtx := ctx
	if inv.Timeout > 0 {
		var cancel context.CancelFunc
		invokeCtx, cancel = context.WithTimeout(ctx, inv.Timeout)
		defer cancel()
	}

	startedAt := time.Now()
	output, err := r.run(invokeCtx, handler, inv)
	finishedAt := time.Now()

	if err != nil {
		return nil, r.classify(ctx, invokeCtx, inv, err)
	}

	return &ports.InvocationResult{
		Output:     output,
		StartedAt:  startedAt,
		FinishedAt: finishedAt,
	}, nil
}

// run executes the handler in its own goroutine so a blocked action cannot
// wedge the orchestrator past its deadline. The goroutine is left to finish
// on its own after a timeout; cancellation stays cooperative.
func (r *Runner) run(ctx context.Context, handler ports.ActionHandler, inv ports.Invocation) (xjson.RawMessage, error) {
	type outcome struct {
		output xjson.RawMessage
		err    error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if recovered := recover(); recovered != nil {
				panicErr := domain.NewPanicError(inv.ExecutionID, inv.NodeID, recovered)
				r.logger.Error("action panicked",
					"execution_id", inv.ExecutionID,
					"node_id", inv.NodeID,
					"action_key", inv.ActionKey,
					"panic", recovered,
				)
				done <- outcome{err: domain.NewClassifiedError(domain.ErrorClassPermanent, panicErr)}
			}
		}()
		output, err := handler.Execute(ctx, inv.Input)
		done <- outcome{output: output, err: err}
	}()

	select {
	case result := <-done:
		return result.output, result.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// classify tags the failure so the retry advisor can rule on it. A deadline
// hit on the invocation context is a timeout; cancellation arriving from the
// parent (execution-level cancel or lease loss) is cancelled.
func (r *Runner) classify(parent, invokeCtx context.Context, inv ports.Invocation, err error) error {
	var classified *domain.ClassifiedError
	if errors.As(err, &classified) {
		return err
	}

	switch {
	case parent.Err() != nil:
		return domain.NewClassifiedError(domain.ErrorClassCancelled, err)
	case invokeCtx.Err() == context.DeadlineExceeded:
		return domain.NewClassifiedError(domain.ErrorClassTimeout, err)
	default:
		return domain.NewClassifiedError(domain.ClassOf(err), err)
	}
}
