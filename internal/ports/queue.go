package ports

import (
	"context"

	"github.com/eleven-am/weft/internal/domain"
)

// TaskQueue distributes execution work items across workers with
// at-least-once delivery. Dequeued tasks become invisible until acked,
// nacked, or their visibility deadline passes; redelivery past the
// configured maximum moves a task to the dead-letter set.
type TaskQueue interface {
	Enqueue(ctx context.Context, task *domain.Task) error

	// Dequeue claims the oldest visible task for consumerID, or returns
	// ok == false when the queue has nothing visible.
	Dequeue(ctx context.Context, consumerID string) (task *domain.Task, ok bool, err error)

	// Ack removes a claimed task permanently.
	Ack(ctx context.Context, taskID string) error

	// Nack releases a claimed task; with redeliver it returns to the ready
	// set, otherwise it is dead-lettered immediately.
	Nack(ctx context.Context, taskID string, redeliver bool) error

	// ReapExpired returns claims whose visibility deadline passed back to
	// the ready set (or dead-letters them when deliveries are exhausted).
	ReapExpired(ctx context.Context) (reaped int, err error)

	Size(ctx context.Context) (int, error)
}
