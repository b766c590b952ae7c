package domain

import (
	"runtime"
	"strconv"
	"time"
)

// NodePanicError is what a recovered action panic surfaces as: a permanent
// failure carrying the panic value and the stack captured at recovery.
type NodePanicError struct {
	ExecutionID string      `json:"execution_id"`
	NodeID      string      `json:"node_id"`
	PanicValue  interface{} `json:"panic_value"`
	StackTrace  string      `json:"stack_trace"`
	Timestamp   time.Time   `json:"timestamp"`
	RecoveredAt string      `json:"recovered_at"`
}

func (e *NodePanicError) Error() string {
	return "node execution panicked: " + e.NodeID
}

func NewPanicError(executionID, nodeID string, panicValue interface{}) *NodePanicError {
	buf := make([]byte, 4096)
	n := runtime.Stack(buf, false)

	pc, file, line, ok := runtime.Caller(2)
	recoveredAt := "unknown"
	if ok {
		fn := runtime.FuncForPC(pc)
		if fn != nil {
			recoveredAt = fn.Name() + " at " + file + ":" + strconv.Itoa(line)
		}
	}

	return &NodePanicError{
		ExecutionID: executionID,
		NodeID:      nodeID,
		PanicValue:  panicValue,
		StackTrace:  string(buf[:n]),
		Timestamp:   time.Now(),
		RecoveredAt: recoveredAt,
	}
}
