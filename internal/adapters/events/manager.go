// Package events fans journal entries out to in-process subscribers. The
// manager is the engine's EventSink; handlers run on a dedicated dispatch
// goroutine so they never block the orchestrator, and a panicking handler
// is isolated from its siblings.
package events

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/eleven-am/weft/internal/domain"
	"github.com/eleven-am/weft/internal/ports"
)

const dispatchBuffer = 256

type subscription struct {
	id      string
	event   domain.EventType
	all     bool
	handler ports.EventHandler
}

type Manager struct {
	logger *slog.Logger

	mu            sync.RWMutex
	subscriptions map[string]*subscription
	closed        bool

	entries chan domain.JournalEntry
	done    chan struct{}
}

func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		logger:        logger.With("component", "event-manager"),
		subscriptions: make(map[string]*subscription),
		entries:       make(chan domain.JournalEntry, dispatchBuffer),
		done:          make(chan struct{}),
	}
	go m.dispatch()
	return m
}

// Emit queues the entry for dispatch. When the buffer is full the entry is
// dropped with a warning rather than stalling the orchestrator; the journal
// itself remains the durable record.
func (m *Manager) Emit(ctx context.Context, entry domain.JournalEntry) {
	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return
	}

	select {
	case m.entries <- entry:
	default:
		m.logger.Warn("event buffer full, dropping entry",
			"execution_id", entry.ExecutionID,
			"event", string(entry.Event),
			"sequence", entry.Sequence,
		)
	}
}

func (m *Manager) Subscribe(event domain.EventType, handler ports.EventHandler) string {
	return m.add(&subscription{event: event, handler: handler})
}

func (m *Manager) SubscribeAll(handler ports.EventHandler) string {
	return m.add(&subscription{all: true, handler: handler})
}

func (m *Manager) add(sub *subscription) string {
	sub.id = uuid.New().String()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscriptions[sub.id] = sub
	return sub.id
}

func (m *Manager) Unsubscribe(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subscriptions, id)
}

func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.entries)
	<-m.done
	return nil
}

func (m *Manager) dispatch() {
	defer close(m.done)
	for entry := range m.entries {
		m.mu.RLock()
		subs := make([]*subscription, 0, len(m.subscriptions))
		for _, sub := range m.subscriptions {
			if sub.all || sub.event == entry.Event {
				subs = append(subs, sub)
			}
		}
		m.mu.RUnlock()

		for _, sub := range subs {
			m.deliver(sub, entry)
		}
	}
}

func (m *Manager) deliver(sub *subscription, entry domain.JournalEntry) {
	defer func() {
		if recovered := recover(); recovered != nil {
			m.logger.Error("event handler panicked",
				"subscription_id", sub.id,
				"event", string(entry.Event),
				"panic", recovered,
			)
		}
	}()
	sub.handler(entry)
}
