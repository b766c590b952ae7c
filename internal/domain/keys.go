package domain

import "fmt"

const (
	ExecutionStatePrefix   = "execution:state:"
	ExecutionJournalPrefix = "execution:journal:"
	ExecutionSeqPrefix     = "execution:seq:"
	ExecutionLeasePrefix   = "execution:lease:"
	IdempotencyPrefix      = "execution:idempotency:"
	NodeOutputPrefix       = "execution:output:"
	DefinitionPrefix       = "workflow:definition:"
)

// ExecutionStateKey builds the canonical key for an execution state record
func ExecutionStateKey(executionID string) string {
	return fmt.Sprintf("%s%s", ExecutionStatePrefix, executionID)
}

// JournalEntryKey builds the key for one journal entry; the zero-padded
// sequence keeps lexicographic order equal to numeric order under prefix scans
func JournalEntryKey(executionID string, sequence int64) string {
	return fmt.Sprintf("%s%s:%020d", ExecutionJournalPrefix, executionID, sequence)
}

// JournalPrefix builds the scan prefix covering one execution's journal
func JournalPrefix(executionID string) string {
	return fmt.Sprintf("%s%s:", ExecutionJournalPrefix, executionID)
}

// JournalSeqKey builds the key of the atomic sequence counter for an execution
func JournalSeqKey(executionID string) string {
	return fmt.Sprintf("%s%s", ExecutionSeqPrefix, executionID)
}

// LeaseKey builds the key for an execution's lease record
func LeaseKey(executionID string) string {
	return fmt.Sprintf("%s%s", ExecutionLeasePrefix, executionID)
}

// IdempotencyRecordKey builds the key for one idempotency claim/result record
func IdempotencyRecordKey(executionID, idempotencyKey string) string {
	return fmt.Sprintf("%s%s:%s", IdempotencyPrefix, executionID, idempotencyKey)
}

// NodeOutputKey builds the storage key behind a node output reference
func NodeOutputKey(executionID, outputRef string) string {
	return fmt.Sprintf("%s%s:%s", NodeOutputPrefix, executionID, outputRef)
}

// OutputRef names one attempt's output within an execution
func OutputRef(nodeID string, attempt int) string {
	return fmt.Sprintf("%s_%d", nodeID, attempt)
}

// DefinitionKey builds the key for a persisted workflow definition
func DefinitionKey(name string) string {
	return fmt.Sprintf("%s%s", DefinitionPrefix, name)
}
