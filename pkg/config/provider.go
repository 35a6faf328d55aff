package config

import (
	"fmt"
	"sync"
)

// ProviderType discriminates model provider adapters.
type ProviderType string

const (
	// ProviderTypeOpenAI is the hosted OpenAI API.
	ProviderTypeOpenAI ProviderType = "openai"

	// ProviderTypeOpenAICompatible is any endpoint speaking the OpenAI wire
	// protocol (local inference servers, proxies).
	ProviderTypeOpenAICompatible ProviderType = "openai-compatible"

	// ProviderTypeFake is the deterministic in-process provider used by
	// tests and offline development.
	ProviderTypeFake ProviderType = "fake"
)

// IsValid reports whether the provider type is known.
func (t ProviderType) IsValid() bool {
	switch t {
	case ProviderTypeOpenAI, ProviderTypeOpenAICompatible, ProviderTypeFake:
		return true
	}
	return false
}

// ProviderConfig defines model provider configuration
type ProviderConfig struct {
	// Provider type (required)
	Type ProviderType `yaml:"type" validate:"required"`

	// Environment variable name for the API key
	APIKeyEnv string `yaml:"api_key_env,omitempty"`

	// Optional custom endpoint/base URL (required for openai-compatible)
	BaseURL string `yaml:"base_url,omitempty"`

	// Default chat model when the model id carries no model segment
	DefaultModel string `yaml:"default_model,omitempty"`

	// Embedding model used by the vector index
	EmbeddingModel string `yaml:"embedding_model,omitempty"`

	// Request timeout in seconds; 0 uses the client library default
	TimeoutSeconds int `yaml:"timeout_seconds,omitempty" validate:"omitempty,min=1"`
}

// ProviderRegistry stores model provider configurations in memory with
// thread-safe access
type ProviderRegistry struct {
	providers map[string]*ProviderConfig
	mu        sync.RWMutex
}

// NewProviderRegistry creates a new model provider registry
func NewProviderRegistry(providers map[string]*ProviderConfig) *ProviderRegistry {
	// Defensive copy to prevent external mutation
	copied := make(map[string]*ProviderConfig, len(providers))
	for k, v := range providers {
		copied[k] = v
	}
	return &ProviderRegistry{
		providers: copied,
	}
}

// Get retrieves a provider configuration by name (thread-safe)
func (r *ProviderRegistry) Get(name string) (*ProviderConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	provider, exists := r.providers[name]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrProviderNotFound, name)
	}
	return provider, nil
}

// GetAll returns all provider configurations (thread-safe, returns copy)
func (r *ProviderRegistry) GetAll() map[string]*ProviderConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make(map[string]*ProviderConfig, len(r.providers))
	for k, v := range r.providers {
		result[k] = v
	}
	return result
}

// Has checks if a provider exists in the registry (thread-safe)
func (r *ProviderRegistry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, exists := r.providers[name]
	return exists
}

// Len returns the number of providers in the registry (thread-safe)
func (r *ProviderRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.providers)
}
