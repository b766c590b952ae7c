package ports

import (
	"context"
	"time"

	"github.com/eleven-am/weft/internal/domain"
	"github.com/eleven-am/weft/internal/xjson"
)

// ExecutionRepo is the persistence contract of the orchestration core: the
// execution record under compare-and-swap, the append-only journal, the
// lease protocol, the idempotency key space, node outputs, and persisted
// definitions. Implementations back it with the versioned KV store or a SQL
// database; either way the semantics below are binding.
type ExecutionRepo interface {
	// CreateState persists a fresh NotStarted record. It fails with
	// ErrAlreadyExists when a record for the execution id is present.
	CreateState(ctx context.Context, state *domain.ExecutionState) error

	// GetState loads the current record, or ErrNotFound.
	GetState(ctx context.Context, executionID string) (*domain.ExecutionState, error)

	// Transition stores next only if the persisted record still carries
	// expectedVersion. It returns false on a version mismatch and never
	// mutates stored state in that case; the caller reloads and retries or
	// aborts. next.Version must already be expectedVersion+1.
	Transition(ctx context.Context, executionID string, expectedVersion int64, next *domain.ExecutionState) (bool, error)

	// AppendJournal allocates the next monotonic sequence for the entry's
	// execution id, stamps it into the entry, and persists it. Entries are
	// never mutated or reordered once written.
	AppendJournal(ctx context.Context, entry domain.JournalEntry) (int64, error)

	// GetJournal returns entries with sequence >= fromSequence in order.
	GetJournal(ctx context.Context, executionID string, fromSequence int64) ([]domain.JournalEntry, error)

	// AcquireLease takes ownership of the execution unless a different
	// holder's unexpired lease exists. acquired == false with a nil error
	// means someone else owns it; the returned lease is then theirs.
	AcquireLease(ctx context.Context, executionID, holderID string, ttl time.Duration) (lease *domain.Lease, acquired bool, err error)

	// RenewLease extends the holder's lease. ErrUnauthorized when the lease
	// changed hands, ErrNotFound when it is gone.
	RenewLease(ctx context.Context, executionID, holderID string, ttl time.Duration) (*domain.Lease, error)

	// ReleaseLease drops the lease if held by holderID. Releasing an absent
	// lease is not an error.
	ReleaseLease(ctx context.Context, executionID, holderID string) error

	GetLease(ctx context.Context, executionID string) (*domain.Lease, bool, error)

	// ClaimIdempotency writes the claim record unless one already exists.
	// claimed == false returns the existing record untouched. Claims carry
	// a TTL so a crashed holder's claim eventually clears.
	ClaimIdempotency(ctx context.Context, record *domain.IdempotencyRecord, claimTTL time.Duration) (existing *domain.IdempotencyRecord, claimed bool, err error)

	GetIdempotency(ctx context.Context, executionID, key string) (*domain.IdempotencyRecord, bool, error)

	// CompleteIdempotency upgrades a claim to a completed record carrying
	// the output reference. Completed records do not expire.
	CompleteIdempotency(ctx context.Context, executionID, key, outputRef string) error

	// ReleaseIdempotency deletes an unresolved claim held by holderID so a
	// failed attempt does not block its retry.
	ReleaseIdempotency(ctx context.Context, executionID, key, holderID string) error

	PutNodeOutput(ctx context.Context, executionID, outputRef string, output xjson.RawMessage) error
	GetNodeOutput(ctx context.Context, executionID, outputRef string) (xjson.RawMessage, error)

	PutDefinition(ctx context.Context, def *domain.WorkflowDefinition) error
	GetDefinition(ctx context.Context, name string) (*domain.WorkflowDefinition, error)

	Close() error
}
