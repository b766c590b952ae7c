package ports

import (
	"context"

	"github.com/eleven-am/weft/internal/domain"
)

// EventSink receives every journal entry after it is durably appended.
// Emit must not block the orchestrator; slow consumers buffer or drop on
// their own side.
type EventSink interface {
	Emit(ctx context.Context, entry domain.JournalEntry)
}

// EventHandler receives one journal entry. Handlers run outside the
// orchestrator's critical path and panics in them are isolated.
type EventHandler func(entry domain.JournalEntry)

// EventManagerPort fans journal entries out to in-process subscribers and
// acts as the engine's EventSink.
type EventManagerPort interface {
	EventSink

	// Subscribe registers a handler for one event type and returns the
	// subscription id used to unsubscribe.
	Subscribe(event domain.EventType, handler EventHandler) string

	// SubscribeAll registers a handler for every event.
	SubscribeAll(handler EventHandler) string

	Unsubscribe(id string)

	Close() error
}
