package engine

import (
	"context"

	"github.com/eleven-am/weft/internal/domain"
)

// reconcile replays the journal against the execution record on resume.
// A crash between persisting a node outcome to the journal and landing the
// state CAS leaves the node Running in the record while the journal already
// knows how the attempt ended; this finalizes those nodes so the level loop
// does not re-run finished work.
func (e *Engine) reconcile(ctx context.Context, executionID string) error {
	state, err := e.repo.GetState(ctx, executionID)
	if err != nil {
		return err
	}

	inFlight := make(map[string]*domain.NodeExecutionState)
	for nodeID, ns := range state.NodeStates {
		if ns.Status == domain.NodeRunning {
			inFlight[nodeID] = ns
		}
	}
	if len(inFlight) == 0 {
		return nil
	}

	entries, err := e.repo.GetJournal(ctx, executionID, 0)
	if err != nil {
		return err
	}

	completed := make(map[string]domain.NodeCompletedPayload)
	failed := make(map[string]domain.NodeFailedPayload)
	for _, entry := range entries {
		switch entry.Event {
		case domain.EventNodeCompleted:
			payload, err := domain.DecodeJournalPayload[domain.NodeCompletedPayload](entry)
			if err != nil {
				continue
			}
			completed[payload.NodeID] = payload
		case domain.EventNodeFailed:
			payload, err := domain.DecodeJournalPayload[domain.NodeFailedPayload](entry)
			if err != nil {
				continue
			}
			failed[payload.NodeID] = payload
		}
	}

	for nodeID, ns := range inFlight {
		if payload, ok := completed[nodeID]; ok && payload.Attempt == ns.AttemptCount {
			output, err := e.repo.GetNodeOutput(ctx, executionID, payload.OutputRef)
			if err != nil {
				e.logger.Warn("reconciliation output missing",
					"execution_id", executionID, "node_id", nodeID, "output_ref", payload.OutputRef)
				continue
			}
			if _, err := e.completeNode(ctx, executionID, nodeID, payload.Attempt, output, payload.OutputRef, 0); err != nil {
				return err
			}
			e.logger.Info("reconciled node from journal",
				"execution_id", executionID, "node_id", nodeID, "outcome", domain.NodeCompleted)
			continue
		}
		if payload, ok := failed[nodeID]; ok && payload.Attempt == ns.AttemptCount && !payload.WillRetry {
			if err := e.finalizeReconciledFailure(ctx, executionID, nodeID, payload); err != nil {
				return err
			}
			e.logger.Info("reconciled node from journal",
				"execution_id", executionID, "node_id", nodeID, "outcome", domain.NodeFailed)
		}
		// no journaled outcome: the executor re-enters the attempt and the
		// idempotency record decides between replay and re-invocation
	}
	return nil
}

func (e *Engine) finalizeReconciledFailure(ctx context.Context, executionID, nodeID string, payload domain.NodeFailedPayload) error {
	_, err := e.updateState(ctx, executionID, func(state *domain.ExecutionState) error {
		ns, ok := state.NodeStates[nodeID]
		if !ok {
			return domain.NewNodeNotFoundError(nodeID)
		}
		if ns.Status != domain.NodeRunning {
			return nil
		}
		finishedAt := e.clock()
		ns.Status = domain.NodeFailed
		ns.LastError = payload.Error
		ns.ErrorClass = payload.Class
		ns.FinishedAt = &finishedAt
		return nil
	})
	return err
}
