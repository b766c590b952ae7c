package ports

import (
	"context"
	"time"

	"github.com/eleven-am/weft/internal/xjson"
)

// Invocation is one attempt of one node handed to the sandbox.
type Invocation struct {
	ExecutionID string           `json:"execution_id"`
	NodeID      string           `json:"node_id"`
	ActionKey   string           `json:"action_key"`
	Attempt     int              `json:"attempt"`
	Input       xjson.RawMessage `json:"input,omitempty"`
	Timeout     time.Duration    `json:"timeout,omitempty"`
}

// InvocationResult carries the structured output and timing of a successful
// invocation. Failures are returned as the error, classified with
// domain.ClassifiedError so the retry advisor can act on the class.
type InvocationResult struct {
	Output     xjson.RawMessage `json:"output,omitempty"`
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt time.Time        `json:"finished_at"`
}

// SandboxRunner executes one action in isolation. Isolation internals are
// out of scope here; the in-process runner is the default, remote sandboxes
// plug in behind the same contract. Cancellation is cooperative: the runner
// must observe ctx and return a cancelled-classified error.
type SandboxRunner interface {
	Invoke(ctx context.Context, inv Invocation) (*InvocationResult, error)
}
