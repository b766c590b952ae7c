package domain

import (
	"time"

	"github.com/eleven-am/weft/internal/xjson"
)

type EventType string

const (
	EventExecutionStarted  EventType = "execution_started"
	EventExecutionResumed  EventType = "execution_resumed"
	EventExecutionPaused   EventType = "execution_paused"
	EventCancelRequested   EventType = "cancel_requested"
	EventExecutionTerminal EventType = "execution_terminal"
	EventNodeStarted       EventType = "node_started"
	EventNodeCompleted     EventType = "node_completed"
	EventNodeFailed        EventType = "node_failed"
	EventNodeSkipped       EventType = "node_skipped"
	EventLeaseAcquired     EventType = "lease_acquired"
	EventLeaseLost         EventType = "lease_lost"
)

// JournalEntry is one append-only audit record. Sequence numbers are
// allocated by the repository, monotonic per execution id, and entries are
// never mutated or reordered once written.
type JournalEntry struct {
	ExecutionID string           `json:"execution_id"`
	Sequence    int64            `json:"sequence"`
	Timestamp   time.Time        `json:"timestamp"`
	Event       EventType        `json:"event"`
	Payload     xjson.RawMessage `json:"payload,omitempty"`
}

func NewJournalEntry(executionID string, event EventType, payload interface{}) (JournalEntry, error) {
	entry := JournalEntry{
		ExecutionID: executionID,
		Timestamp:   time.Now(),
		Event:       event,
	}
	if payload != nil {
		data, err := xjson.Marshal(payload)
		if err != nil {
			return JournalEntry{}, NewSerializationError("journal payload", err)
		}
		entry.Payload = data
	}
	return entry, nil
}

func DecodeJournalPayload[T any](entry JournalEntry) (T, error) {
	var payload T
	if len(entry.Payload) == 0 {
		return payload, nil
	}
	if err := xjson.Unmarshal(entry.Payload, &payload); err != nil {
		return payload, NewSerializationError("journal payload", err)
	}
	return payload, nil
}

type ExecutionStartedPayload struct {
	WorkflowName      string `json:"workflow_name"`
	DefinitionVersion int64  `json:"definition_version"`
	HolderID          string `json:"holder_id"`
}

type ExecutionResumedPayload struct {
	HolderID string `json:"holder_id"`
}

type ExecutionPausedPayload struct {
	RequestedBy string `json:"requested_by,omitempty"`
}

type CancelRequestedPayload struct {
	RequestedBy string `json:"requested_by,omitempty"`
}

type ExecutionTerminalPayload struct {
	Status       ExecutionStatus `json:"status"`
	FailedNodeID string          `json:"failed_node_id,omitempty"`
	Error        string          `json:"error,omitempty"`
}

type NodeStartedPayload struct {
	NodeID  string `json:"node_id"`
	Attempt int    `json:"attempt"`
}

type NodeCompletedPayload struct {
	NodeID     string `json:"node_id"`
	Attempt    int    `json:"attempt"`
	OutputRef  string `json:"output_ref,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}

type NodeFailedPayload struct {
	NodeID    string     `json:"node_id"`
	Attempt   int        `json:"attempt"`
	Error     string     `json:"error"`
	Class     ErrorClass `json:"class"`
	WillRetry bool       `json:"will_retry"`
}

type NodeSkippedPayload struct {
	NodeID string `json:"node_id"`
	Reason string `json:"reason,omitempty"`
}

type LeaseAcquiredPayload struct {
	HolderID   string    `json:"holder_id"`
	Generation int64     `json:"generation"`
	ExpiresAt  time.Time `json:"expires_at"`
}

type LeaseLostPayload struct {
	HolderID string `json:"holder_id"`
	Reason   string `json:"reason,omitempty"`
}
