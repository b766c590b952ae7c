package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/eleven-am/weft/internal/domain"
	"github.com/eleven-am/weft/internal/ports"
	"github.com/eleven-am/weft/internal/xjson"
	"golang.org/x/sync/errgroup"
)

type nodeOutcome struct {
	nodeID string
	status domain.NodeStatus
	err    error
}

// runLevel dispatches every runnable node of one level concurrently and
// blocks until all of them land in a terminal node status. The barrier is
// unconditional: a failure never interrupts siblings mid-flight.
func (e *Engine) runLevel(ctx context.Context, state *domain.ExecutionState, level domain.PlanLevel, meta runMeta) []nodeOutcome {
	// settle already-terminal nodes before any worker can touch the slice
	outcomes := make([]nodeOutcome, 0, len(level.Nodes))
	runnable := make([]domain.PlanNode, 0, len(level.Nodes))
	for _, node := range level.Nodes {
		if nodeState, ok := state.NodeStates[node.ID]; ok && nodeState.Status.IsTerminal() {
			outcomes = append(outcomes, nodeOutcome{nodeID: node.ID, status: nodeState.Status})
			continue
		}
		runnable = append(runnable, node)
	}

	var mu sync.Mutex
	g := new(errgroup.Group)
	for _, node := range runnable {
		node := node
		g.Go(func() error {
			outcome := e.runNode(ctx, node, meta)
			mu.Lock()
			outcomes = append(outcomes, outcome)
			mu.Unlock()
			return nil
		})
	}
	g.Wait()
	return outcomes
}

// runNode drives one node through edge evaluation, the retry loop, and the
// terminal state commit. It never returns before the node is terminal or
// the run context is gone.
func (e *Engine) runNode(ctx context.Context, node domain.PlanNode, meta runMeta) nodeOutcome {
	executionID := meta.executionID
	logger := e.logger.With("execution_id", executionID, "node_id", node.ID)

	state, err := e.repo.GetState(ctx, executionID)
	if err != nil {
		return nodeOutcome{nodeID: node.ID, status: domain.NodeFailed, err: err}
	}

	if run, reason := e.edgesSatisfied(ctx, state, node); !run {
		return e.skipNode(ctx, executionID, node.ID, reason)
	}

	input, err := e.resolveInput(ctx, state, node)
	if err != nil {
		// unresolvable references do not improve with retries
		return e.failNodeTerminally(ctx, executionID, node, 0,
			domain.NewClassifiedError(domain.ErrorClassPermanent, err))
	}

	metadata, err := e.actions.Resolve(node.ActionKey)
	if err != nil {
		return e.failNodeTerminally(ctx, executionID, node, 0,
			domain.NewClassifiedError(domain.ErrorClassPermanent, err))
	}

	nodeState := state.NodeStates[node.ID]
	attempt := nodeState.AttemptCount + 1
	inFlight := nodeState.Status == domain.NodeRunning
	if inFlight {
		// a previous holder crashed mid-attempt; re-enter the same attempt
		// number so the idempotency key lines up with any persisted claim
		attempt = nodeState.AttemptCount
	}

	for {
		if err := ctx.Err(); err != nil {
			return nodeOutcome{nodeID: node.ID, status: domain.NodeRunning, err: err}
		}

		startedAt := e.clock()
		if !inFlight {
			if _, err := e.updateState(ctx, executionID, func(state *domain.ExecutionState) error {
				ns, ok := state.NodeStates[node.ID]
				if !ok {
					return domain.NewNodeNotFoundError(node.ID)
				}
				if !ns.Status.CanTransitionTo(domain.NodeRunning) {
					return domain.NewInvalidTransitionError("node "+node.ID,
						string(ns.Status), string(domain.NodeRunning))
				}
				ns.Status = domain.NodeRunning
				ns.AttemptCount = attempt
				ns.StartedAt = &startedAt
				return nil
			}); err != nil {
				return nodeOutcome{nodeID: node.ID, status: domain.NodeFailed, err: err}
			}
		}
		inFlight = false

		e.metrics.NodeStarted()
		e.journalAndEmit(ctx, executionID, domain.EventNodeStarted,
			domain.NodeStartedPayload{NodeID: node.ID, Attempt: attempt})
		logger.Debug("node attempt started", "attempt", attempt, "action", node.ActionKey)

		output, outputRef, attemptErr := e.attemptNode(ctx, executionID, node, attempt, input)
		duration := e.clock().Sub(startedAt)

		if attemptErr == nil {
			outcome, err := e.completeNode(ctx, executionID, node.ID, attempt, output, outputRef, duration)
			if err != nil {
				return nodeOutcome{nodeID: node.ID, status: domain.NodeFailed, err: err}
			}
			e.advisor.RecordSuccess(node.ActionKey)
			return outcome
		}

		e.advisor.RecordFailure(node.ActionKey)
		class := domain.ClassOf(attemptErr)
		decision := e.advisor.Decide(ports.RetryQuery{
			ExecutionID: executionID,
			NodeID:      node.ID,
			ActionKey:   node.ActionKey,
			Attempt:     attempt,
			Budget:      node.Retry,
			Class:       class,
			Retryable:   metadata.Retryable,
			Err:         attemptErr,
		})

		if err := e.recordNodeFailure(ctx, executionID, node.ID, attempt, attemptErr, class, decision, duration); err != nil {
			return nodeOutcome{nodeID: node.ID, status: domain.NodeFailed, err: err}
		}
		logger.Warn("node attempt failed",
			"attempt", attempt,
			"class", class,
			"will_retry", decision.Retry,
			"error", attemptErr)

		if !decision.Retry {
			return nodeOutcome{nodeID: node.ID, status: domain.NodeFailed, err: attemptErr}
		}
		e.metrics.RetryScheduled(node.ActionKey)
		if err := e.sleep(ctx, decision.Delay); err != nil {
			return nodeOutcome{nodeID: node.ID, status: domain.NodeFailed, err: attemptErr}
		}
		attempt++
	}
}

// attemptNode performs one invocation under the idempotency protocol:
// claim, invoke, persist output, upgrade the claim. A completed record for
// the same key short-circuits to the recorded output without invoking.
func (e *Engine) attemptNode(ctx context.Context, executionID string, node domain.PlanNode, attempt int, input xjson.RawMessage) (xjson.RawMessage, string, error) {
	if err := e.advisor.Allow(node.ActionKey); err != nil {
		return nil, "", domain.NewClassifiedError(domain.ErrorClassTransient, err)
	}

	fingerprint := domain.InputFingerprint(input)
	claim := domain.NewIdempotencyClaim(executionID, node.ID, attempt, fingerprint, e.workerID)

	existing, claimed, err := e.repo.ClaimIdempotency(ctx, claim, e.config.Engine.IdempotencyClaimTTL)
	if err != nil {
		return nil, "", err
	}
	if !claimed {
		switch {
		case existing.IsCompleted():
			output, err := e.repo.GetNodeOutput(ctx, executionID, existing.OutputRef)
			if err != nil {
				return nil, "", err
			}
			e.metrics.IdempotentReplay()
			e.logger.Info("idempotent replay",
				"execution_id", executionID,
				"node_id", node.ID,
				"attempt", attempt,
				"output_ref", existing.OutputRef)
			return output, existing.OutputRef, nil
		case existing.HolderID == e.workerID:
			// our own claim from an interrupted run of this attempt
		default:
			return nil, "", domain.NewClassifiedError(domain.ErrorClassPermanent,
				domain.NewDuplicateIdempotencyKeyError(claim.Key, existing.HolderID))
		}
	}

	output, err := e.invoke(ctx, executionID, node, attempt, input)
	if err != nil {
		if relErr := e.repo.ReleaseIdempotency(ctx, executionID, claim.Key, e.workerID); relErr != nil {
			e.logger.Warn("idempotency release failed",
				"execution_id", executionID, "node_id", node.ID, "error", relErr)
		}
		return nil, "", err
	}

	outputRef := domain.OutputRef(node.ID, attempt)
	if err := e.repo.PutNodeOutput(ctx, executionID, outputRef, output); err != nil {
		return nil, "", err
	}
	if err := e.repo.CompleteIdempotency(ctx, executionID, claim.Key, outputRef); err != nil {
		return nil, "", err
	}
	return output, outputRef, nil
}

func (e *Engine) invoke(ctx context.Context, executionID string, node domain.PlanNode, attempt int, input xjson.RawMessage) (xjson.RawMessage, error) {
	if err := e.admission.Acquire(ctx); err != nil {
		return nil, err
	}
	defer e.admission.Release()

	e.metrics.InvocationStarted()
	defer e.metrics.InvocationFinished()

	result, err := e.runner.Invoke(ctx, ports.Invocation{
		ExecutionID: executionID,
		NodeID:      node.ID,
		ActionKey:   node.ActionKey,
		Attempt:     attempt,
		Input:       input,
		Timeout:     node.Timeout,
	})
	if err != nil {
		return nil, err
	}
	return result.Output, nil
}

func (e *Engine) completeNode(ctx context.Context, executionID, nodeID string, attempt int, output xjson.RawMessage, outputRef string, duration time.Duration) (nodeOutcome, error) {
	_, err := e.updateState(ctx, executionID, func(state *domain.ExecutionState) error {
		ns, ok := state.NodeStates[nodeID]
		if !ok {
			return domain.NewNodeNotFoundError(nodeID)
		}
		if !ns.Status.CanTransitionTo(domain.NodeCompleted) {
			return domain.NewInvalidTransitionError("node "+nodeID,
				string(ns.Status), string(domain.NodeCompleted))
		}
		merged, err := domain.MergeStates(state.CurrentState, output)
		if err != nil {
			return err
		}
		finishedAt := e.clock()
		ns.Status = domain.NodeCompleted
		ns.LastOutputRef = outputRef
		ns.LastError = ""
		ns.ErrorClass = ""
		ns.FinishedAt = &finishedAt
		state.CurrentState = merged
		return nil
	})
	if err != nil {
		return nodeOutcome{}, err
	}

	e.metrics.NodeFinished(domain.NodeCompleted, duration)
	e.journalAndEmit(ctx, executionID, domain.EventNodeCompleted, domain.NodeCompletedPayload{
		NodeID:     nodeID,
		Attempt:    attempt,
		OutputRef:  outputRef,
		DurationMS: duration.Milliseconds(),
	})
	return nodeOutcome{nodeID: nodeID, status: domain.NodeCompleted}, nil
}

func (e *Engine) recordNodeFailure(ctx context.Context, executionID, nodeID string, attempt int, attemptErr error, class domain.ErrorClass, decision ports.RetryDecision, duration time.Duration) error {
	_, err := e.updateState(ctx, executionID, func(state *domain.ExecutionState) error {
		ns, ok := state.NodeStates[nodeID]
		if !ok {
			return domain.NewNodeNotFoundError(nodeID)
		}
		// a fault before any invocation (unresolvable input) fails the node
		// straight from NotStarted
		if ns.Status != domain.NodeNotStarted && !ns.Status.CanTransitionTo(domain.NodeFailed) {
			return domain.NewInvalidTransitionError("node "+nodeID,
				string(ns.Status), string(domain.NodeFailed))
		}
		finishedAt := e.clock()
		ns.Status = domain.NodeFailed
		ns.LastError = attemptErr.Error()
		ns.ErrorClass = class
		ns.FinishedAt = &finishedAt
		return nil
	})
	if err != nil {
		return err
	}

	e.metrics.NodeFinished(domain.NodeFailed, duration)
	e.journalAndEmit(ctx, executionID, domain.EventNodeFailed, domain.NodeFailedPayload{
		NodeID:    nodeID,
		Attempt:   attempt,
		Error:     attemptErr.Error(),
		Class:     class,
		WillRetry: decision.Retry,
	})
	return nil
}

// failNodeTerminally marks a node Failed outside the retry loop, for faults
// that precede any invocation.
func (e *Engine) failNodeTerminally(ctx context.Context, executionID string, node domain.PlanNode, attempt int, attemptErr error) nodeOutcome {
	class := domain.ClassOf(attemptErr)
	if err := e.recordNodeFailure(ctx, executionID, node.ID, attempt, attemptErr, class,
		ports.RetryDecision{Retry: false, Reason: "not retryable"}, 0); err != nil {
		return nodeOutcome{nodeID: node.ID, status: domain.NodeFailed, err: err}
	}
	return nodeOutcome{nodeID: node.ID, status: domain.NodeFailed, err: attemptErr}
}

func (e *Engine) skipNode(ctx context.Context, executionID, nodeID, reason string) nodeOutcome {
	_, err := e.updateState(ctx, executionID, func(state *domain.ExecutionState) error {
		ns, ok := state.NodeStates[nodeID]
		if !ok {
			return domain.NewNodeNotFoundError(nodeID)
		}
		if ns.Status.IsTerminal() {
			return nil
		}
		if !ns.Status.CanTransitionTo(domain.NodeSkipped) {
			return domain.NewInvalidTransitionError("node "+nodeID,
				string(ns.Status), string(domain.NodeSkipped))
		}
		finishedAt := e.clock()
		ns.Status = domain.NodeSkipped
		ns.SkipReason = reason
		ns.FinishedAt = &finishedAt
		return nil
	})
	if err != nil {
		return nodeOutcome{nodeID: nodeID, status: domain.NodeFailed, err: err}
	}

	e.metrics.NodeFinished(domain.NodeSkipped, 0)
	e.journalAndEmit(ctx, executionID, domain.EventNodeSkipped,
		domain.NodeSkippedPayload{NodeID: nodeID, Reason: reason})
	return nodeOutcome{nodeID: nodeID, status: domain.NodeSkipped}
}

// edgesSatisfied evaluates every incoming edge against the predecessors'
// terminal outcomes. All edges must hold for the node to run; entry nodes
// always run. Skipped or unmatched predecessors cascade into a skip.
func (e *Engine) edgesSatisfied(ctx context.Context, state *domain.ExecutionState, node domain.PlanNode) (bool, string) {
	for _, conn := range node.Incoming {
		pred, ok := state.NodeStates[conn.Source]
		if !ok {
			return false, fmt.Sprintf("predecessor %s has no state", conn.Source)
		}
		switch conn.Condition.Type {
		case domain.EdgeOnErrorMatch:
			if pred.Status != domain.NodeFailed {
				return false, fmt.Sprintf("predecessor %s is %s, not failed", conn.Source, pred.Status)
			}
			if !conn.Condition.MatchesPattern(pred.LastError) {
				return false, fmt.Sprintf("predecessor %s error did not match %q", conn.Source, conn.Condition.Pattern)
			}
		case domain.EdgeOnResultMatch:
			if pred.Status != domain.NodeCompleted {
				return false, fmt.Sprintf("predecessor %s is %s, not completed", conn.Source, pred.Status)
			}
			output, err := e.repo.GetNodeOutput(ctx, state.ID, pred.LastOutputRef)
			if err != nil {
				return false, fmt.Sprintf("predecessor %s output unavailable", conn.Source)
			}
			if !conn.Condition.MatchesPattern(string(output)) {
				return false, fmt.Sprintf("predecessor %s result did not match %q", conn.Source, conn.Condition.Pattern)
			}
		default:
			if pred.Status != domain.NodeCompleted {
				return false, fmt.Sprintf("predecessor %s is %s", conn.Source, pred.Status)
			}
		}
	}
	return true, ""
}

// resolveInput builds the node's input document. Parameterless nodes see
// the accumulated execution state; parameterized nodes see exactly their
// declared parameters, with references resolved against predecessor
// outputs. Parameter names marshal sorted, so equal inputs yield equal
// fingerprints.
func (e *Engine) resolveInput(ctx context.Context, state *domain.ExecutionState, node domain.PlanNode) (xjson.RawMessage, error) {
	if len(node.Parameters) == 0 {
		if len(state.CurrentState) == 0 {
			return xjson.RawMessage(`{}`), nil
		}
		return state.CurrentState, nil
	}

	names := make([]string, 0, len(node.Parameters))
	for name := range node.Parameters {
		names = append(names, name)
	}
	sort.Strings(names)

	resolved := make(map[string]interface{}, len(names))
	for _, name := range names {
		param := node.Parameters[name]
		if !param.IsRef() {
			resolved[name] = param.Literal
			continue
		}

		source, ok := state.NodeStates[param.Ref.SourceNodeID]
		if !ok || source.Status != domain.NodeCompleted {
			return nil, fmt.Errorf("parameter %q of node %s: source node %s has no completed output",
				name, node.ID, param.Ref.SourceNodeID)
		}
		output, err := e.repo.GetNodeOutput(ctx, state.ID, source.LastOutputRef)
		if err != nil {
			return nil, fmt.Errorf("parameter %q of node %s: %w", name, node.ID, err)
		}
		value, found, err := domain.LookupPath(output, param.Ref.OutputPath)
		if err != nil {
			return nil, err
		}
		if !found {
			return nil, fmt.Errorf("parameter %q of node %s: path %q not found in output of %s",
				name, node.ID, param.Ref.OutputPath, param.Ref.SourceNodeID)
		}
		var decoded interface{}
		if err := xjson.Unmarshal(value, &decoded); err != nil {
			return nil, domain.NewSerializationError("resolve parameter "+name, err)
		}
		resolved[name] = decoded
	}

	input, err := xjson.Marshal(resolved)
	if err != nil {
		return nil, domain.NewSerializationError("marshal node input", err)
	}
	return input, nil
}
