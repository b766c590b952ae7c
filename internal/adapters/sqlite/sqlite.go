// Package sqlite is the SQL-native ExecutionRepo. It keeps the same
// semantics as the KV-backed repo but expresses the CAS as a guarded UPDATE
// and the journal sequence as a transactional MAX+1, which makes the record
// layout directly queryable for audits.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/eleven-am/weft/internal/domain"
	"github.com/eleven-am/weft/internal/xjson"
)

const schema = `
CREATE TABLE IF NOT EXISTS executions (
    id       TEXT PRIMARY KEY,
    version  INTEGER NOT NULL,
    status   TEXT NOT NULL,
    payload  BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS journal (
    execution_id TEXT NOT NULL,
    sequence     INTEGER NOT NULL,
    payload      BLOB NOT NULL,
    PRIMARY KEY (execution_id, sequence)
);
CREATE TABLE IF NOT EXISTS leases (
    execution_id TEXT PRIMARY KEY,
    holder_id    TEXT NOT NULL,
    generation   INTEGER NOT NULL,
    expires_at   INTEGER NOT NULL,
    payload      BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS idempotency (
    execution_id TEXT NOT NULL,
    key          TEXT NOT NULL,
    state        TEXT NOT NULL,
    holder_id    TEXT NOT NULL,
    expires_at   INTEGER,
    payload      BLOB NOT NULL,
    PRIMARY KEY (execution_id, key)
);
CREATE TABLE IF NOT EXISTS node_outputs (
    execution_id TEXT NOT NULL,
    ref          TEXT NOT NULL,
    output       BLOB NOT NULL,
    PRIMARY KEY (execution_id, ref)
);
CREATE TABLE IF NOT EXISTS definitions (
    name    TEXT PRIMARY KEY,
    payload BLOB NOT NULL
);
`

type Repo struct {
	db     *sql.DB
	logger *slog.Logger
	clock  func() time.Time
}

func Open(path string, logger *slog.Logger) (*Repo, error) {
	if logger == nil {
		logger = slog.Default()
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite at %s: %w", path, err)
	}

	// the modernc driver is not safe for concurrent writes on one
	// connection pool; a single connection with WAL serves this workload
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply sqlite schema: %w", err)
	}

	return &Repo{
		db:     db,
		logger: logger.With("component", "sqlite-repo"),
		clock:  time.Now,
	}, nil
}

func (r *Repo) SetClock(clock func() time.Time) {
	r.clock = clock
}

func (r *Repo) CreateState(ctx context.Context, state *domain.ExecutionState) error {
	payload, err := xjson.Marshal(state)
	if err != nil {
		return domain.NewSerializationError("encode execution state", err)
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO executions (id, version, status, payload) VALUES (?, ?, ?, ?)`,
		state.ID, state.Version, string(state.Status), payload)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrAlreadyExists
		}
		return fmt.Errorf("insert execution %s: %w", state.ID, err)
	}
	return nil
}

func (r *Repo) GetState(ctx context.Context, executionID string) (*domain.ExecutionState, error) {
	var payload []byte
	err := r.db.QueryRowContext(ctx,
		`SELECT payload FROM executions WHERE id = ?`, executionID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select execution %s: %w", executionID, err)
	}

	var state domain.ExecutionState
	if err := xjson.Unmarshal(payload, &state); err != nil {
		return nil, domain.NewSerializationError("decode execution state", err)
	}
	return &state, nil
}

func (r *Repo) Transition(ctx context.Context, executionID string, expectedVersion int64, next *domain.ExecutionState) (bool, error) {
	payload, err := xjson.Marshal(next)
	if err != nil {
		return false, domain.NewSerializationError("encode execution state", err)
	}

	res, err := r.db.ExecContext(ctx,
		`UPDATE executions SET version = ?, status = ?, payload = ? WHERE id = ? AND version = ?`,
		next.Version, string(next.Status), payload, executionID, expectedVersion)
	if err != nil {
		return false, fmt.Errorf("update execution %s: %w", executionID, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

func (r *Repo) AppendJournal(ctx context.Context, entry domain.JournalEntry) (int64, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var sequence int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM journal WHERE execution_id = ?`,
		entry.ExecutionID).Scan(&sequence)
	if err != nil {
		return 0, fmt.Errorf("allocate journal sequence for %s: %w", entry.ExecutionID, err)
	}

	entry.Sequence = sequence
	if entry.Timestamp.IsZero() {
		entry.Timestamp = r.clock()
	}

	payload, err := xjson.Marshal(entry)
	if err != nil {
		return 0, domain.NewSerializationError("encode journal entry", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO journal (execution_id, sequence, payload) VALUES (?, ?, ?)`,
		entry.ExecutionID, sequence, payload)
	if err != nil {
		return 0, fmt.Errorf("insert journal entry for %s: %w", entry.ExecutionID, err)
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return sequence, nil
}

func (r *Repo) GetJournal(ctx context.Context, executionID string, fromSequence int64) ([]domain.JournalEntry, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT payload FROM journal WHERE execution_id = ? AND sequence >= ? ORDER BY sequence`,
		executionID, fromSequence)
	if err != nil {
		return nil, fmt.Errorf("select journal for %s: %w", executionID, err)
	}
	defer rows.Close()

	var entries []domain.JournalEntry
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var entry domain.JournalEntry
		if err := xjson.Unmarshal(payload, &entry); err != nil {
			return nil, domain.NewSerializationError("decode journal entry", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (r *Repo) AcquireLease(ctx context.Context, executionID, holderID string, ttl time.Duration) (*domain.Lease, bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback()

	now := r.clock()
	current, exists, err := readLeaseTx(ctx, tx, executionID)
	if err != nil {
		return nil, false, err
	}

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

	_, err = tx.ExecContext(ctx,
		`INSERT INTO leases (execution_id, holder_id, generation, expires_at, payload)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(execution_id) DO UPDATE SET
		   holder_id = excluded.holder_id,
		   generation = excluded.generation,
		   expires_at = excluded.expires_at,
		   payload = excluded.payload`,
		executionID, holderID, lease.Generation, lease.ExpiresAt.UnixNano(), payload)
	if err != nil {
		return nil, false, domain.NewLeaseError(executionID, "acquire", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, false, err
	}
	return lease, true, nil
}

func (r *Repo) RenewLease(ctx context.Context, executionID, holderID string, ttl time.Duration) (*domain.Lease, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	current, exists, err := readLeaseTx(ctx, tx, executionID)
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

	res, err := tx.ExecContext(ctx,
		`UPDATE leases SET expires_at = ?, payload = ? WHERE execution_id = ? AND holder_id = ?`,
		current.ExpiresAt.UnixNano(), payload, executionID, holderID)
	if err != nil {
		return nil, domain.NewLeaseError(executionID, "renew", err)
	}
	if affected, _ := res.RowsAffected(); affected != 1 {
		return nil, domain.NewLeaseError(executionID, "renew", domain.ErrUnauthorized)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return current, nil
}

func (r *Repo) ReleaseLease(ctx context.Context, executionID, holderID string) error {
	current, exists, err := r.leaseRow(ctx, executionID)
	if err != nil {
		return err
	}
	if !exists {
		return nil
	}
	if !current.IsHeldBy(holderID) {
		return domain.NewLeaseError(executionID, "release", domain.ErrUnauthorized)
	}

	_, err = r.db.ExecContext(ctx,
		`DELETE FROM leases WHERE execution_id = ? AND holder_id = ?`, executionID, holderID)
	if err != nil {
		return domain.NewLeaseError(executionID, "release", err)
	}
	return nil
}

func (r *Repo) GetLease(ctx context.Context, executionID string) (*domain.Lease, bool, error) {
	return r.leaseRow(ctx, executionID)
}

func (r *Repo) leaseRow(ctx context.Context, executionID string) (*domain.Lease, bool, error) {
	var payload []byte
	err := r.db.QueryRowContext(ctx,
		`SELECT payload FROM leases WHERE execution_id = ?`, executionID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var lease domain.Lease
	if err := xjson.Unmarshal(payload, &lease); err != nil {
		return nil, false, domain.NewSerializationError("decode lease", err)
	}
	return &lease, true, nil
}

func readLeaseTx(ctx context.Context, tx *sql.Tx, executionID string) (*domain.Lease, bool, error) {
	var payload []byte
	err := tx.QueryRowContext(ctx,
		`SELECT payload FROM leases WHERE execution_id = ?`, executionID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var lease domain.Lease
	if err := xjson.Unmarshal(payload, &lease); err != nil {
		return nil, false, domain.NewSerializationError("decode lease", err)
	}
	return &lease, true, nil
}

func (r *Repo) ClaimIdempotency(ctx context.Context, record *domain.IdempotencyRecord, claimTTL time.Duration) (*domain.IdempotencyRecord, bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback()

	now := r.clock()

	var payload []byte
	var expiresAt sql.NullInt64
	err = tx.QueryRowContext(ctx,
		`SELECT payload, expires_at FROM idempotency WHERE execution_id = ? AND key = ?`,
		record.ExecutionID, record.Key).Scan(&payload, &expiresAt)
	switch {
	case err == nil:
		live := !expiresAt.Valid || now.UnixNano() < expiresAt.Int64
		if live {
			var existing domain.IdempotencyRecord
			if err := xjson.Unmarshal(payload, &existing); err != nil {
				return nil, false, domain.NewSerializationError("decode idempotency record", err)
			}
			return &existing, false, nil
		}
		// expired claim: fall through and overwrite
	case errors.Is(err, sql.ErrNoRows):
	default:
		return nil, false, err
	}

	encoded, err := xjson.Marshal(record)
	if err != nil {
		return nil, false, domain.NewSerializationError("encode idempotency record", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO idempotency (execution_id, key, state, holder_id, expires_at, payload)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(execution_id, key) DO UPDATE SET
		   state = excluded.state,
		   holder_id = excluded.holder_id,
		   expires_at = excluded.expires_at,
		   payload = excluded.payload`,
		record.ExecutionID, record.Key, string(record.State), record.HolderID,
		now.Add(claimTTL).UnixNano(), encoded)
	if err != nil {
		return nil, false, fmt.Errorf("claim idempotency %s: %w", record.Key, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, false, err
	}
	return record, true, nil
}

func (r *Repo) GetIdempotency(ctx context.Context, executionID, key string) (*domain.IdempotencyRecord, bool, error) {
	var payload []byte
	var expiresAt sql.NullInt64
	err := r.db.QueryRowContext(ctx,
		`SELECT payload, expires_at FROM idempotency WHERE execution_id = ? AND key = ?`,
		executionID, key).Scan(&payload, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if expiresAt.Valid && r.clock().UnixNano() >= expiresAt.Int64 {
		return nil, false, nil
	}

	var record domain.IdempotencyRecord
	if err := xjson.Unmarshal(payload, &record); err != nil {
		return nil, false, domain.NewSerializationError("decode idempotency record", err)
	}
	return &record, true, nil
}

func (r *Repo) CompleteIdempotency(ctx context.Context, executionID, key, outputRef string) error {
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

	_, err = r.db.ExecContext(ctx,
		`UPDATE idempotency SET state = ?, expires_at = NULL, payload = ? WHERE execution_id = ? AND key = ?`,
		string(domain.IdempotencyCompleted), payload, executionID, key)
	return err
}

func (r *Repo) ReleaseIdempotency(ctx context.Context, executionID, key, holderID string) error {
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

	_, err = r.db.ExecContext(ctx,
		`DELETE FROM idempotency WHERE execution_id = ? AND key = ?`, executionID, key)
	return err
}

func (r *Repo) PutNodeOutput(ctx context.Context, executionID, outputRef string, output xjson.RawMessage) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO node_outputs (execution_id, ref, output) VALUES (?, ?, ?)
		 ON CONFLICT(execution_id, ref) DO UPDATE SET output = excluded.output`,
		executionID, outputRef, []byte(output))
	return err
}

func (r *Repo) GetNodeOutput(ctx context.Context, executionID, outputRef string) (xjson.RawMessage, error) {
	var output []byte
	err := r.db.QueryRowContext(ctx,
		`SELECT output FROM node_outputs WHERE execution_id = ? AND ref = ?`,
		executionID, outputRef).Scan(&output)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return output, nil
}

func (r *Repo) PutDefinition(ctx context.Context, def *domain.WorkflowDefinition) error {
	payload, err := xjson.Marshal(def)
	if err != nil {
		return domain.NewSerializationError("encode definition", err)
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO definitions (name, payload) VALUES (?, ?)
		 ON CONFLICT(name) DO UPDATE SET payload = excluded.payload`,
		def.Name, payload)
	return err
}

func (r *Repo) GetDefinition(ctx context.Context, name string) (*domain.WorkflowDefinition, error) {
	var payload []byte
	err := r.db.QueryRowContext(ctx,
		`SELECT payload FROM definitions WHERE name = ?`, name).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var def domain.WorkflowDefinition
	if err := xjson.Unmarshal(payload, &def); err != nil {
		return nil, domain.NewSerializationError("decode definition", err)
	}
	return &def, nil
}

func (r *Repo) Close() error {
	return r.db.Close()
}

func isUniqueViolation(err error) bool {
	// the modernc driver reports constraint violations in the message; there
	// is no exported error type to match on
	return err != nil && strings.Contains(err.Error(), "constraint failed")
}
