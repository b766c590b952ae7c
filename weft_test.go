package weft

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	config, err := NewConfig("worker-test", t.TempDir()).
		WithLogger(logger).
		WithStorage(StorageDriverMemory, "").
		WithRetry(RetryConfig{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}).
		Build()
	require.NoError(t, err)

	manager, err := NewWithConfig(config)
	require.NoError(t, err)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = manager.Stop(ctx)
	})
	return manager
}

func TestManagerRunsWorkflow(t *testing.T) {
	manager := newTestManager(t)
	ctx := context.Background()

	type greetInput struct {
		Name string `json:"name"`
	}
	type greetOutput struct {
		Greeting string `json:"greeting"`
	}
	require.NoError(t, manager.RegisterAction(ActionFunc("greet",
		func(ctx context.Context, in greetInput) (greetOutput, error) {
			return greetOutput{Greeting: "hello " + in.Name}, nil
		})))

	def := &Definition{
		Name:  "greeter",
		Nodes: []NodeDefinition{{ID: "greet", ActionKey: "greet"}},
	}

	result, err := manager.Execute(ctx, def, []byte(`{"name":"ada"}`))
	require.NoError(t, err)
	assert.Equal(t, ExecutionCompleted, result.Status)
	assert.Contains(t, string(result.Output), "hello ada")

	snapshot := manager.Metrics()
	assert.EqualValues(t, 1, snapshot.ExecutionsStarted)
	assert.EqualValues(t, 1, snapshot.ExecutionsCompleted)
}

func TestManagerEventSubscription(t *testing.T) {
	manager := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, manager.RegisterAction(ActionFunc("noop",
		func(ctx context.Context, in map[string]any) (map[string]any, error) {
			return map[string]any{"ok": true}, nil
		})))

	var completions atomic.Int64
	id := manager.Subscribe(EventNodeCompleted, func(entry JournalEntry) {
		completions.Add(1)
	})
	defer manager.Unsubscribe(id)

	def := &Definition{
		Name:  "observed",
		Nodes: []NodeDefinition{{ID: "a", ActionKey: "noop"}},
	}
	result, err := manager.Execute(ctx, def, nil)
	require.NoError(t, err)
	require.Equal(t, ExecutionCompleted, result.Status)

	require.Eventually(t, func() bool {
		return completions.Load() == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestManagerJournalAndStatus(t *testing.T) {
	manager := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, manager.RegisterAction(ActionFunc("noop",
		func(ctx context.Context, in map[string]any) (map[string]any, error) {
			return map[string]any{"ok": true}, nil
		})))

	def := &Definition{
		Name:  "audited",
		Nodes: []NodeDefinition{{ID: "a", ActionKey: "noop"}},
	}
	_, err := manager.Execute(ctx, def, nil, WithExecutionID("exec-1"))
	require.NoError(t, err)

	state, err := manager.Status(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, ExecutionCompleted, state.Status)

	entries, err := manager.Journal(ctx, "exec-1", 0)
	require.NoError(t, err)
	assert.NotEmpty(t, entries)
	assert.Equal(t, EventExecutionTerminal, entries[len(entries)-1].Event)
}

func TestConfigBuilderValidation(t *testing.T) {
	_, err := NewConfig("", "").Build()
	require.Error(t, err)
}

func TestParseDefinitionYAML(t *testing.T) {
	def, err := ParseDefinitionYAML([]byte(`
name: pipeline
version: 2
nodes:
  - id: extract
    action_key: etl.extract
  - id: load
    action_key: etl.load
connections:
  - source: extract
    target: load
    condition:
      type: unconditional
`))
	require.NoError(t, err)
	assert.Equal(t, "pipeline", def.Name)
	assert.EqualValues(t, 2, def.Version)
	assert.Len(t, def.Nodes, 2)
	assert.Len(t, def.Connections, 1)
}
