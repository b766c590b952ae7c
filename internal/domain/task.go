package domain

import (
	"time"

	"github.com/eleven-am/weft/internal/xjson"
	"github.com/google/uuid"
)

type TaskKind string

const (
	TaskKindStartExecution  TaskKind = "start_execution"
	TaskKindResumeExecution TaskKind = "resume_execution"
)

type Task struct {
	ID          string           `json:"id"`
	Kind        TaskKind         `json:"kind"`
	ExecutionID string           `json:"execution_id"`
	Payload     xjson.RawMessage `json:"payload,omitempty"`
	Sequence    int64            `json:"sequence"`
	EnqueuedAt  time.Time        `json:"enqueued_at"`
	Deliveries  int              `json:"deliveries"`
	VisibleAt   time.Time        `json:"visible_at"`
}

func NewTask(kind TaskKind, executionID string, payload xjson.RawMessage) *Task {
	return &Task{
		ID:          uuid.New().String(),
		Kind:        kind,
		ExecutionID: executionID,
		Payload:     payload,
		EnqueuedAt:  time.Now(),
	}
}

func (t *Task) ToBytes() ([]byte, error) {
	data, err := xjson.Marshal(t)
	if err != nil {
		return nil, NewSerializationError("encode task", err)
	}
	return data, nil
}

func TaskFromBytes(data []byte) (*Task, error) {
	var task Task
	if err := xjson.Unmarshal(data, &task); err != nil {
		return nil, NewSerializationError("decode task", err)
	}
	return &task, nil
}

func (t *Task) IsVisible(now time.Time) bool {
	return !now.Before(t.VisibleAt)
}
