// Package queue is the storage-backed TaskQueue: at-least-once delivery of
// execution work items with claim visibility deadlines, payload checksums,
// and a dead-letter set for tasks that exhaust their deliveries.
package queue

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/eleven-am/weft/internal/domain"
	"github.com/eleven-am/weft/internal/ports"
	"github.com/eleven-am/weft/internal/xjson"
)

const (
	readyPrefix  = "queue:ready:"
	claimsPrefix = "queue:claims:"
	deadPrefix   = "queue:dead:"
	seqKey       = "queue:seq"
)

// envelope wraps a task with delivery bookkeeping and a checksum of the
// serialized task so a corrupted record dead-letters instead of executing.
type envelope struct {
	Task       *domain.Task `json:"task"`
	Checksum   string       `json:"checksum"`
	ConsumerID string       `json:"consumer_id,omitempty"`
	ClaimedAt  *time.Time   `json:"claimed_at,omitempty"`
	Deadline   *time.Time   `json:"deadline,omitempty"`
}

type Queue struct {
	storage ports.StoragePort
	config  domain.QueueConfig
	logger  *slog.Logger
	clock   func() time.Time

	mu sync.Mutex
}

func New(storage ports.StoragePort, config domain.QueueConfig, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		storage: storage,
		config:  config,
		logger:  logger.With("component", "queue"),
		clock:   time.Now,
	}
}

func (q *Queue) SetClock(clock func() time.Time) {
	q.clock = clock
}

func (q *Queue) Enqueue(ctx context.Context, task *domain.Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	sequence, err := q.storage.AtomicIncrement(seqKey)
	if err != nil {
		return err
	}
	task.Sequence = sequence
	if task.EnqueuedAt.IsZero() {
		task.EnqueuedAt = q.clock()
	}

	env, err := q.seal(task)
	if err != nil {
		return err
	}

	if err := q.storage.Put(readyKey(sequence, task.ID), env, 0); err != nil {
		return err
	}
	q.logger.Debug("task enqueued", "task_id", task.ID, "execution_id", task.ExecutionID, "sequence", sequence)
	return nil
}

// Dequeue claims the oldest visible ready task. The move from the ready set
// to the claims set happens under the adapter mutex; cross-process safety
// comes from the storage CAS when the same key is raced.
func (q *Queue) Dequeue(ctx context.Context, consumerID string) (*domain.Task, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	items, err := q.storage.ListByPrefix(readyPrefix)
	if err != nil {
		return nil, false, err
	}

	now := q.clock()
	for _, item := range items {
		env, err := q.open(item.Value)
		if err != nil {
			q.logger.Warn("dead-lettering undecodable task", "key", item.Key, "error", err)
			q.storage.Put(deadPrefix+item.Key, item.Value, 0)
			q.storage.Delete(item.Key)
			continue
		}
		if !env.Task.IsVisible(now) {
			continue
		}

		env.Task.Deliveries++
		env.ConsumerID = consumerID
		claimedAt := now
		deadline := now.Add(q.config.VisibilityTimeout)
		env.ClaimedAt = &claimedAt
		env.Deadline = &deadline

		payload, err := xjson.Marshal(env)
		if err != nil {
			return nil, false, domain.NewSerializationError("encode task envelope", err)
		}
		if err := q.storage.Put(claimKey(env.Task.ID), payload, 0); err != nil {
			return nil, false, err
		}
		if err := q.storage.Delete(item.Key); err != nil && !domain.IsKeyNotFound(err) {
			return nil, false, err
		}

		q.logger.Debug("task claimed",
			"task_id", env.Task.ID,
			"consumer_id", consumerID,
			"deliveries", env.Task.Deliveries,
		)
		return env.Task, true, nil
	}
	return nil, false, nil
}

func (q *Queue) Ack(ctx context.Context, taskID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := q.storage.Delete(claimKey(taskID)); err != nil && !domain.IsKeyNotFound(err) {
		return err
	}
	return nil
}

func (q *Queue) Nack(ctx context.Context, taskID string, redeliver bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	value, _, exists, err := q.storage.Get(claimKey(taskID))
	if err != nil {
		return err
	}
	if !exists {
		return domain.ErrNotFound
	}

	env, err := q.open(value)
	if err != nil {
		return err
	}

	if err := q.storage.Delete(claimKey(taskID)); err != nil && !domain.IsKeyNotFound(err) {
		return err
	}

	if !redeliver || env.Task.Deliveries >= q.config.MaxDeliveries {
		return q.deadLetter(env)
	}
	return q.requeue(env)
}

// ReapExpired returns claims past their visibility deadline to the ready
// set, dead-lettering those out of deliveries. Run periodically by the
// engine's queue workers.
func (q *Queue) ReapExpired(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	items, err := q.storage.ListByPrefix(claimsPrefix)
	if err != nil {
		return 0, err
	}

	now := q.clock()
	reaped := 0
	for _, item := range items {
		env, err := q.open(item.Value)
		if err != nil {
			q.storage.Put(deadPrefix+item.Key, item.Value, 0)
			q.storage.Delete(item.Key)
			continue
		}
		if env.Deadline == nil || now.Before(*env.Deadline) {
			continue
		}

		if err := q.storage.Delete(item.Key); err != nil && !domain.IsKeyNotFound(err) {
			return reaped, err
		}

		if env.Task.Deliveries >= q.config.MaxDeliveries {
			if err := q.deadLetter(env); err != nil {
				return reaped, err
			}
		} else {
			if err := q.requeue(env); err != nil {
				return reaped, err
			}
		}
		reaped++
	}
	return reaped, nil
}

func (q *Queue) Size(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	ready, err := q.storage.CountPrefix(readyPrefix)
	if err != nil {
		return 0, err
	}
	claimed, err := q.storage.CountPrefix(claimsPrefix)
	if err != nil {
		return 0, err
	}
	return ready + claimed, nil
}

// DeadLetters lists the tasks parked in the dead-letter set.
func (q *Queue) DeadLetters(ctx context.Context) ([]*domain.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	items, err := q.storage.ListByPrefix(deadPrefix)
	if err != nil {
		return nil, err
	}

	tasks := make([]*domain.Task, 0, len(items))
	for _, item := range items {
		env, err := q.open(item.Value)
		if err != nil {
			continue
		}
		tasks = append(tasks, env.Task)
	}
	return tasks, nil
}

func (q *Queue) requeue(env *envelope) error {
	env.ConsumerID = ""
	env.ClaimedAt = nil
	env.Deadline = nil

	sequence, err := q.storage.AtomicIncrement(seqKey)
	if err != nil {
		return err
	}
	env.Task.Sequence = sequence

	payload, err := q.seal(env.Task)
	if err != nil {
		return err
	}
	q.logger.Debug("task requeued", "task_id", env.Task.ID, "deliveries", env.Task.Deliveries)
	return q.storage.Put(readyKey(sequence, env.Task.ID), payload, 0)
}

func (q *Queue) deadLetter(env *envelope) error {
	payload, err := xjson.Marshal(env)
	if err != nil {
		return domain.NewSerializationError("encode task envelope", err)
	}
	q.logger.Warn("task dead-lettered",
		"task_id", env.Task.ID,
		"execution_id", env.Task.ExecutionID,
		"deliveries", env.Task.Deliveries,
	)
	return q.storage.Put(deadPrefix+env.Task.ID, payload, 0)
}

func (q *Queue) seal(task *domain.Task) ([]byte, error) {
	env := envelope{Task: task, Checksum: taskChecksum(task)}
	payload, err := xjson.Marshal(env)
	if err != nil {
		return nil, domain.NewSerializationError("encode task envelope", err)
	}
	return payload, nil
}

func (q *Queue) open(value []byte) (*envelope, error) {
	var env envelope
	if err := xjson.Unmarshal(value, &env); err != nil {
		return nil, domain.NewSerializationError("decode task envelope", err)
	}
	if env.Task == nil {
		return nil, domain.NewSerializationError("decode task envelope", fmt.Errorf("missing task"))
	}
	if env.Checksum != taskChecksum(env.Task) {
		return nil, fmt.Errorf("task %s failed checksum verification", env.Task.ID)
	}
	return &env, nil
}

func readyKey(sequence int64, taskID string) string {
	return fmt.Sprintf("%s%020d:%s", readyPrefix, sequence, taskID)
}

func claimKey(taskID string) string {
	return claimsPrefix + taskID
}

// taskChecksum covers the immutable identity and payload of a task, not the
// delivery bookkeeping that changes on every claim.
func taskChecksum(task *domain.Task) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\n%s\n%s\n", task.ID, task.Kind, task.ExecutionID)
	h.Write(task.Payload)
	return hex.EncodeToString(h.Sum(nil))
}
