package domain

import (
	"context"
	"errors"
	"time"

	"github.com/eleven-am/weft/internal/xjson"
)

type ExecutionStatus string

const (
	ExecutionNotStarted ExecutionStatus = "not_started"
	ExecutionRunning    ExecutionStatus = "running"
	ExecutionPaused     ExecutionStatus = "paused"
	ExecutionCancelling ExecutionStatus = "cancelling"
	ExecutionCompleted  ExecutionStatus = "completed"
	ExecutionFailed     ExecutionStatus = "failed"
	ExecutionCancelled  ExecutionStatus = "cancelled"
	ExecutionTimedOut   ExecutionStatus = "timed_out"
)

func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case ExecutionCompleted, ExecutionFailed, ExecutionCancelled, ExecutionTimedOut:
		return true
	}
	return false
}

// CanTransitionTo encodes the execution state machine. Any pair outside this
// table is rejected with an InvalidTransition error by callers.
func (s ExecutionStatus) CanTransitionTo(next ExecutionStatus) bool {
	switch s {
	case ExecutionNotStarted:
		return next == ExecutionRunning
	case ExecutionRunning:
		switch next {
		case ExecutionPaused, ExecutionCancelling, ExecutionCompleted, ExecutionFailed, ExecutionTimedOut:
			return true
		}
	case ExecutionPaused:
		return next == ExecutionRunning || next == ExecutionTimedOut
	case ExecutionCancelling:
		return next == ExecutionCancelled
	}
	return false
}

type NodeStatus string

const (
	NodeNotStarted NodeStatus = "not_started"
	NodeRunning    NodeStatus = "running"
	NodeCompleted  NodeStatus = "completed"
	NodeFailed     NodeStatus = "failed"
	NodeSkipped    NodeStatus = "skipped"
)

func (s NodeStatus) IsTerminal() bool {
	switch s {
	case NodeCompleted, NodeFailed, NodeSkipped:
		return true
	}
	return false
}

func (s NodeStatus) CanTransitionTo(next NodeStatus) bool {
	switch s {
	case NodeNotStarted:
		return next == NodeRunning || next == NodeSkipped
	case NodeRunning:
		return next == NodeCompleted || next == NodeFailed
	case NodeFailed:
		// re-entry while the retry budget allows another attempt
		return next == NodeRunning
	}
	return false
}

type ErrorClass string

const (
	ErrorClassTransient ErrorClass = "transient"
	ErrorClassPermanent ErrorClass = "permanent"
	ErrorClassTimeout   ErrorClass = "timeout"
	ErrorClassCancelled ErrorClass = "cancelled"
)

// ClassifiedError tags a node failure with a class the retry advisor and
// the state machine act on. Cancelled and timeout outcomes are never
// retried; permanent failures exhaust the budget immediately.
type ClassifiedError struct {
	Class ErrorClass
	Err   error
}

func (e *ClassifiedError) Error() string {
	return string(e.Class) + ": " + e.Err.Error()
}

func (e *ClassifiedError) Unwrap() error {
	return e.Err
}

func NewClassifiedError(class ErrorClass, err error) *ClassifiedError {
	return &ClassifiedError{Class: class, Err: err}
}

// ClassOf extracts the class of an error, defaulting by context state:
// deadline errors are timeouts, context cancellation is cancelled, anything
// else is considered transient until the advisor says otherwise.
func ClassOf(err error) ErrorClass {
	var classified *ClassifiedError
	if errors.As(err, &classified) {
		return classified.Class
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorClassTimeout
	}
	if errors.Is(err, context.Canceled) {
		return ErrorClassCancelled
	}
	return ErrorClassTransient
}

type NodeExecutionState struct {
	Status        NodeStatus `json:"status"`
	AttemptCount  int        `json:"attempt_count"`
	LastOutputRef string     `json:"last_output_ref,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
	ErrorClass    ErrorClass `json:"error_class,omitempty"`
	SkipReason    string     `json:"skip_reason,omitempty"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
}

// NodeAttempt describes one timed invocation of one node. Attempts live in
// the journal; the state record only keeps the running count and the last
// outcome.
type NodeAttempt struct {
	Number     int        `json:"number"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	OutputRef  string     `json:"output_ref,omitempty"`
	Error      string     `json:"error,omitempty"`
	Class      ErrorClass `json:"class,omitempty"`
}

// ExecutionState is the persisted record of one execution. It is mutated
// only by the current lease holder, always through a compare-and-swap on
// Version; the record becomes immutable once Status is terminal.
type ExecutionState struct {
	ID                string                         `json:"id"`
	WorkflowName      string                         `json:"workflow_name"`
	DefinitionVersion int64                          `json:"definition_version"`
	Status            ExecutionStatus                `json:"status"`
	Version           int64                          `json:"version"`
	CurrentState      xjson.RawMessage               `json:"current_state,omitempty"`
	NodeStates        map[string]*NodeExecutionState `json:"node_states"`
	TenantID          string                         `json:"tenant_id,omitempty"`
	Metadata          map[string]string              `json:"metadata,omitempty"`
	CreatedAt         time.Time                      `json:"created_at"`
	StartedAt         *time.Time                     `json:"started_at,omitempty"`
	CompletedAt       *time.Time                     `json:"completed_at,omitempty"`
	FailedNodeID      string                         `json:"failed_node_id,omitempty"`
	Error             string                         `json:"error,omitempty"`
}

// NewExecutionState creates the NotStarted record for a run request, with
// one NotStarted node entry per plan node and the version counter at 1.
func NewExecutionState(executionID string, plan *ExecutionPlan, initialInput xjson.RawMessage) *ExecutionState {
	nodeStates := make(map[string]*NodeExecutionState, plan.NodeCount())
	for _, level := range plan.Levels {
		for _, node := range level.Nodes {
			nodeStates[node.ID] = &NodeExecutionState{Status: NodeNotStarted}
		}
	}
	return &ExecutionState{
		ID:                executionID,
		WorkflowName:      plan.WorkflowName,
		DefinitionVersion: plan.DefinitionVersion,
		Status:            ExecutionNotStarted,
		Version:           1,
		CurrentState:      initialInput,
		NodeStates:        nodeStates,
		CreatedAt:         time.Now(),
	}
}

// TransitionTo applies an execution-level transition after checking the
// state machine table, stamping the lifecycle timestamps as a side effect.
func (s *ExecutionState) TransitionTo(next ExecutionStatus, now time.Time) error {
	if !s.Status.CanTransitionTo(next) {
		return NewInvalidTransitionError("execution "+s.ID, string(s.Status), string(next))
	}
	if s.Status == ExecutionNotStarted && next == ExecutionRunning {
		startedAt := now
		s.StartedAt = &startedAt
	}
	if next.IsTerminal() {
		completedAt := now
		s.CompletedAt = &completedAt
	}
	s.Status = next
	return nil
}

func (s *ExecutionState) NodeState(nodeID string) (*NodeExecutionState, bool) {
	node, ok := s.NodeStates[nodeID]
	return node, ok
}

// EnsureNodeStates backfills entries for plan nodes missing from the record,
// which happens when a resumed execution meets a plan that grew new nodes.
func (s *ExecutionState) EnsureNodeStates(plan *ExecutionPlan) {
	if s.NodeStates == nil {
		s.NodeStates = make(map[string]*NodeExecutionState, plan.NodeCount())
	}
	for _, level := range plan.Levels {
		for _, node := range level.Nodes {
			if _, ok := s.NodeStates[node.ID]; !ok {
				s.NodeStates[node.ID] = &NodeExecutionState{Status: NodeNotStarted}
			}
		}
	}
}

// Clone deep-copies the record through a JSON round trip so optimistic
// update loops never mutate a shared snapshot.
func (s *ExecutionState) Clone() (*ExecutionState, error) {
	data, err := xjson.Marshal(s)
	if err != nil {
		return nil, NewSerializationError("execution state clone", err)
	}
	var clone ExecutionState
	if err := xjson.Unmarshal(data, &clone); err != nil {
		return nil, NewSerializationError("execution state clone", err)
	}
	return &clone, nil
}

// ExecutionResult is what Execute returns: a definitive terminal (or
// paused) status, the merged output document, and per-node outcomes. On
// failure it names the node that caused it.
type ExecutionResult struct {
	ExecutionID  string                         `json:"execution_id"`
	Status       ExecutionStatus                `json:"status"`
	Output       xjson.RawMessage               `json:"output,omitempty"`
	NodeStates   map[string]*NodeExecutionState `json:"node_states"`
	FailedNodeID string                         `json:"failed_node_id,omitempty"`
	Error        string                         `json:"error,omitempty"`
	Duration     time.Duration                  `json:"duration"`
}

func ResultFromState(state *ExecutionState) *ExecutionResult {
	result := &ExecutionResult{
		ExecutionID:  state.ID,
		Status:       state.Status,
		Output:       state.CurrentState,
		NodeStates:   state.NodeStates,
		FailedNodeID: state.FailedNodeID,
		Error:        state.Error,
	}
	if state.StartedAt != nil && state.CompletedAt != nil {
		result.Duration = state.CompletedAt.Sub(*state.StartedAt)
	}
	return result
}
