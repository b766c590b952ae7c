package domain

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func planFixture(t *testing.T) *ExecutionPlan {
	t.Helper()
	def := &WorkflowDefinition{
		Name:  "fixture",
		Nodes: []NodeDefinition{simpleNode("A"), simpleNode("B")},
		Connections: []Connection{
			edge("A", "B"),
		},
	}
	graph, err := BuildGraph(def)
	require.NoError(t, err)
	return NewExecutionPlan(graph, DefaultRetryConfig(), time.Minute)
}

func TestExecutionStatusTransitions(t *testing.T) {
	allowed := []struct {
		from ExecutionStatus
		to   ExecutionStatus
	}{
		{ExecutionNotStarted, ExecutionRunning},
		{ExecutionRunning, ExecutionPaused},
		{ExecutionRunning, ExecutionCancelling},
		{ExecutionRunning, ExecutionCompleted},
		{ExecutionRunning, ExecutionFailed},
		{ExecutionRunning, ExecutionTimedOut},
		{ExecutionPaused, ExecutionRunning},
		{ExecutionPaused, ExecutionTimedOut},
		{ExecutionCancelling, ExecutionCancelled},
	}
	for _, tr := range allowed {
		assert.True(t, tr.from.CanTransitionTo(tr.to), "%s -> %s should be allowed", tr.from, tr.to)
	}

	denied := []struct {
		from ExecutionStatus
		to   ExecutionStatus
	}{
		{ExecutionNotStarted, ExecutionCompleted},
		{ExecutionNotStarted, ExecutionPaused},
		{ExecutionPaused, ExecutionCompleted},
		{ExecutionPaused, ExecutionCancelled},
		{ExecutionCancelling, ExecutionRunning},
		{ExecutionCancelling, ExecutionCompleted},
		{ExecutionCompleted, ExecutionRunning},
		{ExecutionFailed, ExecutionRunning},
		{ExecutionCancelled, ExecutionRunning},
		{ExecutionTimedOut, ExecutionRunning},
	}
	for _, tr := range denied {
		assert.False(t, tr.from.CanTransitionTo(tr.to), "%s -> %s should be denied", tr.from, tr.to)
	}
}

func TestExecutionStatusTerminal(t *testing.T) {
	for _, status := range []ExecutionStatus{ExecutionCompleted, ExecutionFailed, ExecutionCancelled, ExecutionTimedOut} {
		assert.True(t, status.IsTerminal(), "%s should be terminal", status)
	}
	for _, status := range []ExecutionStatus{ExecutionNotStarted, ExecutionRunning, ExecutionPaused, ExecutionCancelling} {
		assert.False(t, status.IsTerminal(), "%s should not be terminal", status)
	}
}

func TestNodeStatusTransitions(t *testing.T) {
	assert.True(t, NodeNotStarted.CanTransitionTo(NodeRunning))
	assert.True(t, NodeNotStarted.CanTransitionTo(NodeSkipped))
	assert.True(t, NodeRunning.CanTransitionTo(NodeCompleted))
	assert.True(t, NodeRunning.CanTransitionTo(NodeFailed))
	assert.True(t, NodeFailed.CanTransitionTo(NodeRunning), "failed nodes re-enter running on retry")

	assert.False(t, NodeNotStarted.CanTransitionTo(NodeCompleted))
	assert.False(t, NodeRunning.CanTransitionTo(NodeSkipped))
	assert.False(t, NodeCompleted.CanTransitionTo(NodeRunning))
	assert.False(t, NodeSkipped.CanTransitionTo(NodeRunning))
}

func TestNewExecutionState(t *testing.T) {
	plan := planFixture(t)
	state := NewExecutionState("exec-1", plan, []byte(`{"seed": 1}`))

	assert.Equal(t, "exec-1", state.ID)
	assert.Equal(t, "fixture", state.WorkflowName)
	assert.Equal(t, ExecutionNotStarted, state.Status)
	assert.Equal(t, int64(1), state.Version)
	assert.Len(t, state.NodeStates, 2)
	for id, node := range state.NodeStates {
		assert.Equal(t, NodeNotStarted, node.Status, "node %s", id)
		assert.Zero(t, node.AttemptCount)
	}
}

func TestExecutionStateTransitionTo(t *testing.T) {
	plan := planFixture(t)
	state := NewExecutionState("exec-1", plan, nil)
	now := time.Now()

	require.NoError(t, state.TransitionTo(ExecutionRunning, now))
	require.NotNil(t, state.StartedAt)
	assert.Nil(t, state.CompletedAt)

	require.NoError(t, state.TransitionTo(ExecutionCompleted, now.Add(time.Second)))
	require.NotNil(t, state.CompletedAt)
	assert.Equal(t, ExecutionCompleted, state.Status)

	err := state.TransitionTo(ExecutionRunning, now.Add(2*time.Second))
	require.Error(t, err)
	assert.True(t, IsInvalidTransition(err))
	assert.Equal(t, ExecutionCompleted, state.Status, "terminal state must not change")
}

func TestExecutionStateClone(t *testing.T) {
	plan := planFixture(t)
	state := NewExecutionState("exec-1", plan, []byte(`{"seed": 1}`))
	state.Metadata = map[string]string{"tenant": "acme"}

	clone, err := state.Clone()
	require.NoError(t, err)

	clone.NodeStates["A"].Status = NodeRunning
	clone.NodeStates["A"].AttemptCount = 1
	clone.Metadata["tenant"] = "other"
	clone.Version = 9

	assert.Equal(t, NodeNotStarted, state.NodeStates["A"].Status)
	assert.Zero(t, state.NodeStates["A"].AttemptCount)
	assert.Equal(t, "acme", state.Metadata["tenant"])
	assert.Equal(t, int64(1), state.Version)
}

func TestEnsureNodeStatesBackfills(t *testing.T) {
	plan := planFixture(t)
	state := NewExecutionState("exec-1", plan, nil)
	delete(state.NodeStates, "B")

	state.EnsureNodeStates(plan)

	require.Contains(t, state.NodeStates, "B")
	assert.Equal(t, NodeNotStarted, state.NodeStates["B"].Status)
}

func TestClassOf(t *testing.T) {
	assert.Equal(t, ErrorClassPermanent, ClassOf(NewClassifiedError(ErrorClassPermanent, errors.New("boom"))))
	assert.Equal(t, ErrorClassTimeout, ClassOf(context.DeadlineExceeded))
	assert.Equal(t, ErrorClassCancelled, ClassOf(context.Canceled))
	assert.Equal(t, ErrorClassTransient, ClassOf(errors.New("flaky downstream")))
}

func TestResultFromState(t *testing.T) {
	plan := planFixture(t)
	state := NewExecutionState("exec-1", plan, []byte(`{"out": true}`))
	start := time.Now()
	require.NoError(t, state.TransitionTo(ExecutionRunning, start))
	state.FailedNodeID = "A"
	state.Error = "boom"
	require.NoError(t, state.TransitionTo(ExecutionFailed, start.Add(3*time.Second)))

	result := ResultFromState(state)
	assert.Equal(t, "exec-1", result.ExecutionID)
	assert.Equal(t, ExecutionFailed, result.Status)
	assert.Equal(t, "A", result.FailedNodeID)
	assert.Equal(t, "boom", result.Error)
	assert.Equal(t, 3*time.Second, result.Duration)
}
