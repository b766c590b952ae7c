package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/eleven-am/weft/internal/xjson"
)

type IdempotencyState string

const (
	IdempotencyClaimed   IdempotencyState = "claimed"
	IdempotencyCompleted IdempotencyState = "completed"
)

// IdempotencyRecord is the durable claim/result entry for one node attempt.
// Its purpose is surviving crash-and-resume, so the record space always
// lives behind the repository, never in process memory alone.
type IdempotencyRecord struct {
	Key         string           `json:"key"`
	ExecutionID string           `json:"execution_id"`
	NodeID      string           `json:"node_id"`
	Attempt     int              `json:"attempt"`
	Fingerprint string           `json:"fingerprint"`
	State       IdempotencyState `json:"state"`
	HolderID    string           `json:"holder_id"`
	OutputRef   string           `json:"output_ref,omitempty"`
	ClaimedAt   time.Time        `json:"claimed_at"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
}

func (r *IdempotencyRecord) IsCompleted() bool {
	return r.State == IdempotencyCompleted
}

// ComputeIdempotencyKey derives the deterministic per-attempt key. The same
// execution, node, attempt number, and input bytes always hash to the same
// key across processes and restarts.
func ComputeIdempotencyKey(executionID, nodeID string, attempt int, fingerprint string) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\n%s\n%d\n%s", executionID, nodeID, attempt, fingerprint)
	return hex.EncodeToString(h.Sum(nil))
}

// InputFingerprint hashes the resolved input document. Inputs are built from
// sorted parameter maps, so equal inputs serialize to equal bytes.
func InputFingerprint(input xjson.RawMessage) string {
	sum := sha256.Sum256(input)
	return hex.EncodeToString(sum[:])
}

func NewIdempotencyClaim(executionID, nodeID string, attempt int, fingerprint, holderID string) *IdempotencyRecord {
	return &IdempotencyRecord{
		Key:         ComputeIdempotencyKey(executionID, nodeID, attempt, fingerprint),
		ExecutionID: executionID,
		NodeID:      nodeID,
		Attempt:     attempt,
		Fingerprint: fingerprint,
		State:       IdempotencyClaimed,
		HolderID:    holderID,
		ClaimedAt:   time.Now(),
	}
}
