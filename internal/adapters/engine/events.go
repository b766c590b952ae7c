package engine

import (
	"context"

	"github.com/eleven-am/weft/internal/domain"
)

// journalAndEmit appends one audit entry and only then hands it to the
// event sink, so subscribers never observe an event the journal does not
// carry. Journal failures are logged, never fatal: the journal is an audit
// trail, the execution record is the source of truth.
func (e *Engine) journalAndEmit(ctx context.Context, executionID string, event domain.EventType, payload interface{}) {
	entry, err := domain.NewJournalEntry(executionID, event, payload)
	if err != nil {
		e.logger.Warn("journal entry encoding failed",
			"execution_id", executionID, "event", event, "error", err)
		return
	}

	seq, err := e.repo.AppendJournal(ctx, entry)
	if err != nil {
		e.logger.Warn("journal append failed",
			"execution_id", executionID, "event", event, "error", err)
		return
	}
	entry.Sequence = seq

	if e.events != nil {
		e.events.Emit(ctx, entry)
	}
}
