package ports

import (
	"context"

	"github.com/eleven-am/weft/internal/xjson"
)

// ParameterSpec is one accepted parameter of an action.
type ParameterSpec struct {
	Name     string `json:"name"`
	Required bool   `json:"required,omitempty"`
}

// ActionMetadata is what the planner validates parameter references against
// and what the orchestrator reads retryability hints from. An empty
// Parameters slice means the action accepts anything.
type ActionMetadata struct {
	Key        string          `json:"key"`
	Parameters []ParameterSpec `json:"parameters,omitempty"`
	Retryable  bool            `json:"retryable"`
}

func (m ActionMetadata) Accepts(name string) bool {
	if len(m.Parameters) == 0 {
		return true
	}
	for _, p := range m.Parameters {
		if p.Name == name {
			return true
		}
	}
	return false
}

func (m ActionMetadata) RequiredParameters() []string {
	var required []string
	for _, p := range m.Parameters {
		if p.Required {
			required = append(required, p.Name)
		}
	}
	return required
}

// ActionHandler is the capability interface behind one action key.
type ActionHandler interface {
	Key() string
	Metadata() ActionMetadata
	Execute(ctx context.Context, input xjson.RawMessage) (xjson.RawMessage, error)
}

// ActionProvider resolves action keys to metadata and handlers. The default
// implementation is the in-process registry; a host can substitute a
// catalog-backed provider.
type ActionProvider interface {
	Resolve(actionKey string) (ActionMetadata, error)
	Handler(actionKey string) (ActionHandler, error)
	Keys() []string
}
