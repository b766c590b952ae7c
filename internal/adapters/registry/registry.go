// Package registry is the in-process ActionProvider: a keyed map from
// action key to handler, with registration-time duplicate detection.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/eleven-am/weft/internal/domain"
	"github.com/eleven-am/weft/internal/ports"
	"github.com/eleven-am/weft/internal/xjson"
)

type Registry struct {
	logger *slog.Logger

	mu       sync.RWMutex
	handlers map[string]ports.ActionHandler
}

func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger:   logger.With("component", "action-registry"),
		handlers: make(map[string]ports.ActionHandler),
	}
}

func (r *Registry) Register(handler ports.ActionHandler) error {
	if handler == nil {
		return domain.ErrInvalidInput
	}
	key := handler.Key()
	if key == "" {
		return fmt.Errorf("action handler has an empty key: %w", domain.ErrInvalidInput)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[key]; exists {
		return fmt.Errorf("action %q: %w", key, domain.ErrAlreadyExists)
	}
	r.handlers[key] = handler
	r.logger.Debug("action registered", "action_key", key)
	return nil
}

func (r *Registry) Unregister(actionKey string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handlers, actionKey)
}

func (r *Registry) Resolve(actionKey string) (ports.ActionMetadata, error) {
	handler, err := r.Handler(actionKey)
	if err != nil {
		return ports.ActionMetadata{}, err
	}
	return handler.Metadata(), nil
}

func (r *Registry) Handler(actionKey string) (ports.ActionHandler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	handler, ok := r.handlers[actionKey]
	if !ok {
		return nil, fmt.Errorf("action %q: %w", actionKey, domain.ErrNotFound)
	}
	return handler, nil
}

func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]string, 0, len(r.handlers))
	for key := range r.handlers {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// funcHandler adapts a typed Go function into an ActionHandler, doing the
// JSON conversion at the boundary.
type funcHandler[I, O any] struct {
	key      string
	metadata ports.ActionMetadata
	fn       func(ctx context.Context, input I) (O, error)
}

// ActionFunc wraps a typed function as a retryable action handler.
func ActionFunc[I, O any](key string, fn func(ctx context.Context, input I) (O, error)) ports.ActionHandler {
	return ActionFuncWithMetadata(key, ports.ActionMetadata{Key: key, Retryable: true}, fn)
}

// ActionFuncWithMetadata wraps a typed function with explicit metadata; the
// metadata's key is forced to match the handler's.
func ActionFuncWithMetadata[I, O any](key string, metadata ports.ActionMetadata, fn func(ctx context.Context, input I) (O, error)) ports.ActionHandler {
	metadata.Key = key
	return &funcHandler[I, O]{key: key, metadata: metadata, fn: fn}
}

func (h *funcHandler[I, O]) Key() string {
	return h.key
}

func (h *funcHandler[I, O]) Metadata() ports.ActionMetadata {
	return h.metadata
}

func (h *funcHandler[I, O]) Execute(ctx context.Context, input xjson.RawMessage) (xjson.RawMessage, error) {
	var typed I
	if len(input) > 0 {
		if err := xjson.Unmarshal(input, &typed); err != nil {
			return nil, domain.NewClassifiedError(domain.ErrorClassPermanent,
				domain.NewSerializationError("decode action input", err))
		}
	}

	output, err := h.fn(ctx, typed)
	if err != nil {
		return nil, err
	}

	encoded, err := xjson.Marshal(output)
	if err != nil {
		return nil, domain.NewClassifiedError(domain.ErrorClassPermanent,
			domain.NewSerializationError("encode action output", err))
	}
	return encoded, nil
}
