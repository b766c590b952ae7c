package domain

import (
	"context"
	"time"
)

// ExecutionContext carries the identifiers and metadata of one run attempt.
// The orchestrator owns it for the lifetime of the run and shares it
// read-only with every node invocation it spawns.
type ExecutionContext struct {
	ExecutionID  string            `json:"execution_id"`
	WorkflowName string            `json:"workflow_name"`
	NodeID       string            `json:"node_id,omitempty"`
	Attempt      int               `json:"attempt,omitempty"`
	TenantID     string            `json:"tenant_id,omitempty"`
	HolderID     string            `json:"holder_id"`
	StartedAt    time.Time         `json:"started_at"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

type contextKey string

const executionContextKey contextKey = "weft:execution_context"

func WithExecutionContext(ctx context.Context, execCtx *ExecutionContext) context.Context {
	return context.WithValue(ctx, executionContextKey, execCtx)
}

func GetExecutionContext(ctx context.Context) (*ExecutionContext, bool) {
	execCtx, ok := ctx.Value(executionContextKey).(*ExecutionContext)
	return execCtx, ok
}
