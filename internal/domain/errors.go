package domain

import (
	"errors"
	"fmt"
	"strings"
)

type StorageError struct {
	Type    ErrorType
	Key     string
	Message string
}

func (e *StorageError) Error() string {
	return e.Message
}

type ErrorType int

const (
	ErrKeyNotFound ErrorType = iota
	ErrVersionMismatch
	ErrTransactionConflict
	ErrStorageFull
	ErrCorrupted
	ErrClosed
)

func NewKeyNotFoundError(key string) *StorageError {
	return &StorageError{
		Type:    ErrKeyNotFound,
		Key:     key,
		Message: "key not found: " + key,
	}
}

func NewVersionMismatchError(key string, expected, actual int64) *StorageError {
	return &StorageError{
		Type:    ErrVersionMismatch,
		Key:     key,
		Message: fmt.Sprintf("version mismatch for key %s: expected %d, got %d", key, expected, actual),
	}
}

func IsKeyNotFound(err error) bool {
	var storageErr *StorageError
	if errors.As(err, &storageErr) {
		return storageErr.Type == ErrKeyNotFound
	}
	return false
}

func IsVersionMismatch(err error) bool {
	var storageErr *StorageError
	if errors.As(err, &storageErr) {
		return storageErr.Type == ErrVersionMismatch
	}
	return false
}

var (
	ErrNotFound      = errors.New("resource not found")
	ErrAlreadyExists = errors.New("resource already exists")
	ErrConflict      = errors.New("resource conflict")
	ErrExpired       = errors.New("resource expired")
	ErrUnauthorized  = errors.New("not the owner")
	ErrTimeout       = errors.New("operation timeout")
	ErrInvalidInput  = errors.New("invalid input")
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrStopped       = errors.New("engine stopped")
)

type ErrorCode string

const (
	CodeInvalidTransition       ErrorCode = "invalid_transition"
	CodeNodeNotFound            ErrorCode = "node_not_found"
	CodePlanValidation          ErrorCode = "plan_validation"
	CodeBudgetExceeded          ErrorCode = "budget_exceeded"
	CodeDuplicateIdempotencyKey ErrorCode = "duplicate_idempotency_key"
	CodeSerialization           ErrorCode = "serialization"
	CodeCancelled               ErrorCode = "cancelled"
)

type Error struct {
	Code    ErrorCode
	Message string
	Details map[string]string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func NewInvalidTransitionError(entity string, from, to string) *Error {
	return &Error{
		Code:    CodeInvalidTransition,
		Message: fmt.Sprintf("cannot transition %s from %s to %s", entity, from, to),
		Details: map[string]string{"entity": entity, "from": from, "to": to},
	}
}

func NewNodeNotFoundError(nodeID string) *Error {
	return &Error{
		Code:    CodeNodeNotFound,
		Message: "node not found: " + nodeID,
		Details: map[string]string{"node_id": nodeID},
	}
}

func NewPlanValidationError(message string, details map[string]string) *Error {
	return &Error{
		Code:    CodePlanValidation,
		Message: message,
		Details: details,
	}
}

func NewBudgetExceededError(nodeID string, attempts int) *Error {
	return &Error{
		Code:    CodeBudgetExceeded,
		Message: fmt.Sprintf("retry budget exhausted for node %s after %d attempts", nodeID, attempts),
		Details: map[string]string{"node_id": nodeID, "attempts": fmt.Sprintf("%d", attempts)},
	}
}

func NewDuplicateIdempotencyKeyError(key, holder string) *Error {
	return &Error{
		Code:    CodeDuplicateIdempotencyKey,
		Message: fmt.Sprintf("idempotency key %s already claimed by %s", key, holder),
		Details: map[string]string{"key": key, "holder": holder},
	}
}

func NewSerializationError(op string, err error) *Error {
	return &Error{
		Code:    CodeSerialization,
		Message: "serialization failed during " + op,
		Err:     err,
	}
}

func NewCancelledError(reason string) *Error {
	return &Error{
		Code:    CodeCancelled,
		Message: reason,
	}
}

func codeIs(err error, code ErrorCode) bool {
	var domainErr *Error
	if errors.As(err, &domainErr) {
		return domainErr.Code == code
	}
	return false
}

func IsInvalidTransition(err error) bool { return codeIs(err, CodeInvalidTransition) }

func IsNodeNotFound(err error) bool { return codeIs(err, CodeNodeNotFound) }

func IsPlanValidation(err error) bool { return codeIs(err, CodePlanValidation) }

func IsBudgetExceeded(err error) bool { return codeIs(err, CodeBudgetExceeded) }

func IsDuplicateIdempotencyKey(err error) bool { return codeIs(err, CodeDuplicateIdempotencyKey) }

func IsSerialization(err error) bool { return codeIs(err, CodeSerialization) }

func IsCancelled(err error) bool { return codeIs(err, CodeCancelled) }

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func IsAlreadyExists(err error) bool {
	return errors.Is(err, ErrAlreadyExists)
}

func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

func IsUnauthorized(err error) bool {
	return errors.Is(err, ErrUnauthorized)
}

type LeaseError struct {
	ExecutionID string
	Op          string
	Err         error
}

func (e *LeaseError) Error() string {
	return fmt.Sprintf("lease[%s] %s: %v", e.ExecutionID, e.Op, e.Err)
}

func (e *LeaseError) Unwrap() error {
	return e.Err
}

func NewLeaseError(executionID, op string, err error) *LeaseError {
	return &LeaseError{
		ExecutionID: executionID,
		Op:          op,
		Err:         err,
	}
}

func IsLeaseError(err error) bool {
	var leaseErr *LeaseError
	return errors.As(err, &leaseErr)
}

type ValidationCode string

const (
	ValidationEmptyName       ValidationCode = "empty_name"
	ValidationNoNodes         ValidationCode = "no_nodes"
	ValidationDuplicateNodeID ValidationCode = "duplicate_node_id"
	ValidationUnknownNode     ValidationCode = "unknown_node"
	ValidationSelfLoop        ValidationCode = "self_loop"
	ValidationCycleDetected   ValidationCode = "cycle_detected"
	ValidationNoEntryNodes    ValidationCode = "no_entry_nodes"
	ValidationInvalidParamRef ValidationCode = "invalid_parameter_reference"
)

type ValidationIssue struct {
	Code    ValidationCode `json:"code"`
	NodeID  string         `json:"node_id,omitempty"`
	Message string         `json:"message"`
}

// ValidationError aggregates every structural problem found in a workflow
// definition so callers can fix them all in one pass.
type ValidationError struct {
	Workflow string
	Issues   []ValidationIssue
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Issues))
	for _, issue := range e.Issues {
		parts = append(parts, issue.Message)
	}
	return fmt.Sprintf("workflow %q failed validation with %d issue(s): %s",
		e.Workflow, len(e.Issues), strings.Join(parts, "; "))
}

func (e *ValidationError) Add(code ValidationCode, nodeID, message string) {
	e.Issues = append(e.Issues, ValidationIssue{Code: code, NodeID: nodeID, Message: message})
}

func (e *ValidationError) Has(code ValidationCode) bool {
	for _, issue := range e.Issues {
		if issue.Code == code {
			return true
		}
	}
	return false
}

func (e *ValidationError) Empty() bool {
	return len(e.Issues) == 0
}

func AsValidationError(err error) (*ValidationError, bool) {
	var validationErr *ValidationError
	if errors.As(err, &validationErr) {
		return validationErr, true
	}
	return nil, false
}

func IsValidationError(err error) bool {
	_, ok := AsValidationError(err)
	return ok
}
