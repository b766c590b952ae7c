package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/eleven-am/weft/internal/domain"
	"github.com/eleven-am/weft/internal/xjson"
	"github.com/google/uuid"
)

// taskPayload is the work item body carried through the queue. The task's
// ExecutionID field pins the execution identity, so redeliveries resume
// instead of starting over.
type taskPayload struct {
	WorkflowName string           `json:"workflow_name"`
	Input        xjson.RawMessage `json:"input,omitempty"`
	TenantID     string           `json:"tenant_id,omitempty"`
}

// Submit hands an execution to the queue instead of running it inline and
// returns the assigned execution id. Requires queue dispatch to be enabled.
func (e *Engine) Submit(ctx context.Context, def *domain.WorkflowDefinition, input xjson.RawMessage, opts ...ExecuteOption) (string, error) {
	if e.queue == nil || !e.config.Queue.Enabled {
		return "", fmt.Errorf("queue dispatch is not enabled: %w", domain.ErrInvalidConfig)
	}
	if _, err := e.planFor(def); err != nil {
		return "", err
	}
	if err := e.repo.PutDefinition(ctx, def); err != nil {
		return "", err
	}

	meta := runMeta{executionID: uuid.New().String()}
	for _, opt := range opts {
		opt(&meta)
	}

	payload, err := xjson.Marshal(taskPayload{
		WorkflowName: def.Name,
		Input:        input,
		TenantID:     meta.tenantID,
	})
	if err != nil {
		return "", domain.NewSerializationError("encode task payload", err)
	}

	task := domain.NewTask(domain.TaskKindStartExecution, meta.executionID, payload)
	if err := e.queue.Enqueue(ctx, task); err != nil {
		return "", err
	}
	e.metrics.TaskEnqueued()
	e.logger.Info("execution enqueued",
		"execution_id", meta.executionID, "workflow", def.Name, "task_id", task.ID)
	return meta.executionID, nil
}

func (e *Engine) startWorkers() {
	e.workersMu.Lock()
	defer e.workersMu.Unlock()

	pollCtx, cancel := context.WithCancel(context.Background())
	e.stopPoll = cancel

	count := e.config.Engine.WorkerCount
	if count <= 0 {
		count = 1
	}
	for i := 0; i < count; i++ {
		consumerID := fmt.Sprintf("%s-%d", e.workerID, i)
		e.wg.Add(1)
		go e.workerLoop(pollCtx, consumerID)
	}
	e.wg.Add(1)
	go e.reaperLoop(pollCtx)
	e.logger.Info("queue workers started", "count", count)
}

func (e *Engine) stopWorkers() {
	e.workersMu.Lock()
	defer e.workersMu.Unlock()
	if e.stopPoll != nil {
		e.stopPoll()
		e.stopPoll = nil
	}
}

func (e *Engine) workerLoop(ctx context.Context, consumerID string) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.config.Queue.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		task, ok, err := e.queue.Dequeue(ctx, consumerID)
		if err != nil {
			if ctx.Err() == nil {
				e.logger.Warn("dequeue failed", "consumer", consumerID, "error", err)
			}
			continue
		}
		if !ok {
			continue
		}
		e.handleTask(ctx, consumerID, task)
	}
}

// handleTask runs one queued execution to its terminal state. A lease held
// elsewhere redelivers the task; invalid work dead-letters it.
func (e *Engine) handleTask(ctx context.Context, consumerID string, task *domain.Task) {
	logger := e.logger.With("consumer", consumerID, "task_id", task.ID, "execution_id", task.ExecutionID)

	var payload taskPayload
	if err := xjson.Unmarshal(task.Payload, &payload); err != nil {
		logger.Error("task payload undecodable, dead-lettering", "error", err)
		e.deadLetter(ctx, task)
		return
	}

	def, err := e.repo.GetDefinition(ctx, payload.WorkflowName)
	if err != nil {
		logger.Error("task workflow definition missing, dead-lettering",
			"workflow", payload.WorkflowName, "error", err)
		e.deadLetter(ctx, task)
		return
	}

	opts := []ExecuteOption{WithExecutionID(task.ExecutionID)}
	if payload.TenantID != "" {
		opts = append(opts, WithTenant(payload.TenantID))
	}

	_, err = e.Execute(ctx, def, payload.Input, opts...)
	switch {
	case err == nil:
		if ackErr := e.queue.Ack(ctx, task.ID); ackErr != nil {
			logger.Warn("ack failed", "error", ackErr)
		}
	case domain.IsLeaseError(err):
		// someone else is driving this execution right now; try again later
		logger.Debug("execution lease unavailable, redelivering")
		if nackErr := e.queue.Nack(ctx, task.ID, true); nackErr != nil {
			logger.Warn("nack failed", "error", nackErr)
		}
	case domain.IsPlanValidation(err):
		logger.Error("task rejected by planner, dead-lettering", "error", err)
		e.deadLetter(ctx, task)
	default:
		logger.Warn("task execution failed, redelivering", "error", err)
		if nackErr := e.queue.Nack(ctx, task.ID, true); nackErr != nil {
			logger.Warn("nack failed", "error", nackErr)
		}
	}
}

func (e *Engine) deadLetter(ctx context.Context, task *domain.Task) {
	if err := e.queue.Nack(ctx, task.ID, false); err != nil {
		e.logger.Warn("dead-letter failed", "task_id", task.ID, "error", err)
		return
	}
	e.metrics.TaskDeadLettered()
}

// reaperLoop returns expired claims to the ready set so tasks claimed by a
// crashed worker become visible again.
func (e *Engine) reaperLoop(ctx context.Context) {
	defer e.wg.Done()

	interval := e.config.Queue.VisibilityTimeout / 2
	if interval <= 0 {
		interval = e.config.Queue.PollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		reaped, err := e.queue.ReapExpired(ctx)
		if err != nil {
			if ctx.Err() == nil {
				e.logger.Warn("claim reaping failed", "error", err)
			}
			continue
		}
		if reaped > 0 {
			e.logger.Info("expired claims reaped", "count", reaped)
		}
	}
}
