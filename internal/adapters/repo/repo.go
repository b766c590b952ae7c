// Package repo implements the ExecutionRepo over a versioned StoragePort:
// execution records under compare-and-swap, the append-only journal with an
// atomic per-execution sequence, storage-backed leases, the durable
// idempotency key space, node outputs, and persisted definitions.
package repo

import (
	"context"
	"log/slog"
	"time"

	"github.com/eleven-am/weft/internal/domain"
	"github.com/eleven-am/weft/internal/ports"
	"github.com/eleven-am/weft/internal/xjson"
)

type Repo struct {
	storage ports.StoragePort
	logger  *slog.Logger
	clock   func() time.Time
}

func New(storage ports.StoragePort, logger *slog.Logger) *Repo {
	if logger == nil {
		logger = slog.Default()
	}
	return &Repo{
		storage: storage,
		logger:  logger.With("component", "repo"),
		clock:   time.Now,
	}
}

// SetClock injects a time source; lease expiry tests walk it forward.
func (r *Repo) SetClock(clock func() time.Time) {
	r.clock = clock
}

func (r *Repo) CreateState(ctx context.Context, state *domain.ExecutionState) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	key := domain.ExecutionStateKey(state.ID)
	exists, err := r.storage.Exists(key)
	if err != nil {
		return err
	}
	if exists {
		return domain.ErrAlreadyExists
	}

	payload, err := xjson.Marshal(state)
	if err != nil {
		return domain.NewSerializationError("encode execution state", err)
	}

	if err := r.storage.Put(key, payload, 1); err != nil {
		if domain.IsVersionMismatch(err) {
			return domain.ErrAlreadyExists
		}
		return err
	}

	r.logger.Debug("execution state created", "execution_id", state.ID, "workflow", state.WorkflowName)
	return nil
}

func (r *Repo) GetState(ctx context.Context, executionID string) (*domain.ExecutionState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	value, _, exists, err := r.storage.Get(domain.ExecutionStateKey(executionID))
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, domain.ErrNotFound
	}

	var state domain.ExecutionState
	if err := xjson.Unmarshal(value, &state); err != nil {
		return nil, domain.NewSerializationError("decode execution state", err)
	}
	return &state, nil
}

// Transition stores next only when the record still carries expectedVersion.
// The storage layer's version counter tracks the record's own Version field
// one-to-one, so the KV CAS enforces the state machine's CAS.
func (r *Repo) Transition(ctx context.Context, executionID string, expectedVersion int64, next *domain.ExecutionState) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	payload, err := xjson.Marshal(next)
	if err != nil {
		return false, domain.NewSerializationError("encode execution state", err)
	}

	if err := r.storage.Put(domain.ExecutionStateKey(executionID), payload, expectedVersion+1); err != nil {
		if domain.IsVersionMismatch(err) {
			r.logger.Debug("transition lost version race",
				"execution_id", executionID,
				"expected_version", expectedVersion,
			)
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (r *Repo) AppendJournal(ctx context.Context, entry domain.JournalEntry) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	sequence, err := r.storage.AtomicIncrement(domain.JournalSeqKey(entry.ExecutionID))
	if err != nil {
		return 0, err
	}
	entry.Sequence = sequence
	if entry.Timestamp.IsZero() {
		entry.Timestamp = r.clock()
	}

	payload, err := xjson.Marshal(entry)
	if err != nil {
		return 0, domain.NewSerializationError("encode journal entry", err)
	}

	if err := r.storage.Put(domain.JournalEntryKey(entry.ExecutionID, sequence), payload, 1); err != nil {
		return 0, err
	}
	return sequence, nil
}

func (r *Repo) GetJournal(ctx context.Context, executionID string, fromSequence int64) ([]domain.JournalEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	items, err := r.storage.ListByPrefix(domain.JournalPrefix(executionID))
	if err != nil {
		return nil, err
	}

	entries := make([]domain.JournalEntry, 0, len(items))
	for _, item := range items {
		var entry domain.JournalEntry
		if err := xjson.Unmarshal(item.Value, &entry); err != nil {
			return nil, domain.NewSerializationError("decode journal entry", err)
		}
		if entry.Sequence >= fromSequence {
			entries = append(entries, entry)
		}
	}
	return entries, nil
}

// AcquireLease follows the storage-CAS protocol: read the record, and when
// a different holder's unexpired lease exists report not-acquired; otherwise
// write the new record at version+1. Losing the write race also reports
// not-acquired, it is never an error.
func (r *Repo) AcquireLease(ctx context.Context, executionID, holderID string, ttl time.Duration) (*domain.Lease, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	key := domain.LeaseKey(executionID)
	current, version, exists, err := r.readLease(key)
	if err != nil {
		return nil, false, err
	}

	now := r.clock()
	if exists && !current.IsHeldBy(holderID) && !current.IsExpired(now) {
		return current, false, nil
	}

	lease := &domain.Lease{
		ExecutionID: executionID,
		HolderID:    holderID,
		Generation:  1,
		AcquiredAt:  now,
		RenewedAt:   now,
		ExpiresAt:   now.Add(ttl),
	}
	if exists {
		lease.Generation = current.Generation
		if !current.IsHeldBy(holderID) {
			lease.Generation++
		}
	}

	payload, err := xjson.Marshal(lease)
	if err != nil {
		return nil, false, domain.NewSerializationError("encode lease", err)
	}

	if err := r.storage.Put(key, payload, version+1); err != nil {
		if domain.IsVersionMismatch(err) {
			return nil, false, nil
		}
		return nil, false, domain.NewLeaseError(executionID, "acquire", err)
	}

	r.logger.Debug("lease acquired",
		"execution_id", executionID,
		"holder_id", holderID,
		"generation", lease.Generation,
	)
	return lease, true, nil
}

func (r *Repo) RenewLease(ctx context.Context, executionID, holderID string, ttl time.Duration) (*domain.Lease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	key := domain.LeaseKey(executionID)
	current, version, exists, err := r.readLease(key)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, domain.NewLeaseError(executionID, "renew", domain.ErrNotFound)
	}
	if !current.IsHeldBy(holderID) {
		return nil, domain.NewLeaseError(executionID, "renew", domain.ErrUnauthorized)
	}

	now := r.clock()
	current.RenewedAt = now
	current.ExpiresAt = now.Add(ttl)

	payload, err := xjson.Marshal(current)
	if err != nil {
		return nil, domain.NewSerializationError("encode lease", err)
	}

	if err := r.storage.Put(key, payload, version+1); err != nil {
		if domain.IsVersionMismatch(err) {
			// a takeover raced the renewal; ownership is gone
			return nil, domain.NewLeaseError(executionID, "renew", domain.ErrUnauthorized)
		}
		return nil, domain.NewLeaseError(executionID, "renew", err)
	}
	return current, nil
}

func (r *Repo) ReleaseLease(ctx context.Context, executionID, holderID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	key := domain.LeaseKey(executionID)
	current, _, exists, err := r.readLease(key)
	if err != nil {
		return err
	}
	if !exists {
		return nil
	}
	if !current.IsHeldBy(holderID) {
		return domain.NewLeaseError(executionID, "release", domain.ErrUnauthorized)
	}

	if err := r.storage.Delete(key); err != nil {
		if domain.IsKeyNotFound(err) {
			return nil
		}
		return domain.NewLeaseError(executionID, "release", err)
	}
	return nil
}

func (r *Repo) GetLease(ctx context.Context, executionID string) (*domain.Lease, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	lease, _, exists, err := r.readLease(domain.LeaseKey(executionID))
	if err != nil {
		return nil, false, err
	}
	return lease, exists, nil
}

func (r *Repo) readLease(key string) (*domain.Lease, int64, bool, error) {
	value, version, exists, err := r.storage.Get(key)
	if err != nil {
		return nil, 0, false, err
	}
	if !exists || len(value) == 0 {
		return nil, version, false, nil
	}
	var lease domain.Lease
	if err := xjson.Unmarshal(value, &lease); err != nil {
		return nil, version, false, domain.NewSerializationError("decode lease", err)
	}
	return &lease, version, true, nil
}

func (r *Repo) ClaimIdempotency(ctx context.Context, record *domain.IdempotencyRecord, claimTTL time.Duration) (*domain.IdempotencyRecord, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	key := domain.IdempotencyRecordKey(record.ExecutionID, record.Key)
	value, _, exists, err := r.storage.Get(key)
	if err != nil {
		return nil, false, err
	}
	if exists {
		var existing domain.IdempotencyRecord
		if err := xjson.Unmarshal(value, &existing); err != nil {
			return nil, false, domain.NewSerializationError("decode idempotency record", err)
		}
		return &existing, false, nil
	}

	payload, err := xjson.Marshal(record)
	if err != nil {
		return nil, false, domain.NewSerializationError("encode idempotency record", err)
	}

	// claims expire so a crashed holder does not block the key forever;
	// completion rewrites the record without a TTL
	if err := r.storage.PutWithTTL(key, payload, 1, claimTTL); err != nil {
		if domain.IsVersionMismatch(err) {
			// another holder claimed between read and write
			existing, found, err := r.GetIdempotency(ctx, record.ExecutionID, record.Key)
			if err != nil || !found {
				return nil, false, err
			}
			return existing, false, nil
		}
		return nil, false, err
	}
	return record, true, nil
}

func (r *Repo) GetIdempotency(ctx context.Context, executionID, key string) (*domain.IdempotencyRecord, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	value, _, exists, err := r.storage.Get(domain.IdempotencyRecordKey(executionID, key))
	if err != nil {
		return nil, false, err
	}
	if !exists {
		return nil, false, nil
	}

	var record domain.IdempotencyRecord
	if err := xjson.Unmarshal(value, &record); err != nil {
		return nil, false, domain.NewSerializationError("decode idempotency record", err)
	}
	return &record, true, nil
}

func (r *Repo) CompleteIdempotency(ctx context.Context, executionID, key, outputRef string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	record, found, err := r.GetIdempotency(ctx, executionID, key)
	if err != nil {
		return err
	}
	if !found {
		return domain.ErrNotFound
	}

	now := r.clock()
	record.State = domain.IdempotencyCompleted
	record.OutputRef = outputRef
	record.CompletedAt = &now

	payload, err := xjson.Marshal(record)
	if err != nil {
		return domain.NewSerializationError("encode idempotency record", err)
	}
	return r.storage.Put(domain.IdempotencyRecordKey(executionID, key), payload, 0)
}

func (r *Repo) ReleaseIdempotency(ctx context.Context, executionID, key, holderID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	record, found, err := r.GetIdempotency(ctx, executionID, key)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	if record.HolderID != holderID || record.IsCompleted() {
		return domain.ErrUnauthorized
	}

	if err := r.storage.Delete(domain.IdempotencyRecordKey(executionID, key)); err != nil {
		if domain.IsKeyNotFound(err) {
			return nil
		}
		return err
	}
	return nil
}

func (r *Repo) PutNodeOutput(ctx context.Context, executionID, outputRef string, output xjson.RawMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return r.storage.Put(domain.NodeOutputKey(executionID, outputRef), output, 0)
}

func (r *Repo) GetNodeOutput(ctx context.Context, executionID, outputRef string) (xjson.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	value, _, exists, err := r.storage.Get(domain.NodeOutputKey(executionID, outputRef))
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, domain.ErrNotFound
	}
	return value, nil
}

func (r *Repo) PutDefinition(ctx context.Context, def *domain.WorkflowDefinition) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	payload, err := xjson.Marshal(def)
	if err != nil {
		return domain.NewSerializationError("encode definition", err)
	}
	return r.storage.Put(domain.DefinitionKey(def.Name), payload, 0)
}

func (r *Repo) GetDefinition(ctx context.Context, name string) (*domain.WorkflowDefinition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	value, _, exists, err := r.storage.Get(domain.DefinitionKey(name))
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, domain.ErrNotFound
	}

	var def domain.WorkflowDefinition
	if err := xjson.Unmarshal(value, &def); err != nil {
		return nil, domain.NewSerializationError("decode definition", err)
	}
	return &def, nil
}

func (r *Repo) Close() error {
	return r.storage.Close()
}
