package providers

import (
	"fmt"
	"sync"

	"github.com/storyloom/loom/pkg/config"
	"github.com/storyloom/loom/pkg/models"
)

// Registry resolves opaque "provider/model" identifiers to chat adapters.
// The provider prefix and model name are split only here and in the model
// cascade; everything else treats the identifier as opaque.
type Registry struct {
	mu              sync.RWMutex
	chat            map[string]ChatProvider
	defaultProvider string
}

// NewRegistry builds one adapter per configured provider. The default
// model's provider prefix becomes the fallback for identifiers without one.
func NewRegistry(cfg *config.Config) (*Registry, error) {
	reg := &Registry{chat: make(map[string]ChatProvider)}

	for name, pc := range cfg.ProviderRegistry.GetAll() {
		adapter, err := newChatAdapter(name, pc)
		if err != nil {
			return nil, fmt.Errorf("failed to build provider %q: %w", name, err)
		}
		reg.chat[name] = adapter
	}

	if provider, _ := models.SplitModelID(cfg.DefaultModel()); provider != "" {
		reg.defaultProvider = provider
	}
	return reg, nil
}

func newChatAdapter(name string, pc *config.ProviderConfig) (ChatProvider, error) {
	switch pc.Type {
	case config.ProviderTypeOpenAI, config.ProviderTypeOpenAICompatible:
		return NewOpenAIChat(name, pc), nil
	case config.ProviderTypeFake:
		return NewFake(), nil
	default:
		return nil, fmt.Errorf("unknown provider type %q", pc.Type)
	}
}

// ChatFor resolves a model identifier to its adapter and bare model name.
func (r *Registry) ChatFor(modelID string) (ChatProvider, string, error) {
	provider, model := models.SplitModelID(modelID)
	if provider == "" {
		provider = r.defaultProvider
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	adapter, ok := r.chat[provider]
	if !ok {
		return nil, "", fmt.Errorf("no chat provider registered for %q", provider)
	}
	return adapter, model, nil
}

// Register adds or replaces an adapter. Tests use it to inject fakes.
func (r *Registry) Register(name string, p ChatProvider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chat[name] = p
}

// Has reports whether a provider name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.chat[name]
	return ok
}
