// Package config provides configuration management for the loom system,
// including agent, model provider, engine, and retention configuration.
package config

import (
	"fmt"
	"sync"
)

// AgentConfig defines per-agent generation settings. Agents are the named
// personas the pipeline engine and chat orchestrator dispatch work to; the
// model cascade consults the agent's override before falling back to the
// compiled-in default table and the project default.
type AgentConfig struct {
	// Human-readable description
	Description string `yaml:"description,omitempty"`

	// Model override for this agent ("provider/model"). Empty falls through.
	Model string `yaml:"model,omitempty"`

	// Sampling temperature. Nil falls through to the defaults section.
	Temperature *float64 `yaml:"temperature,omitempty"`

	// Max output tokens for a single call. Nil falls through.
	MaxTokens *int `yaml:"max_tokens,omitempty"`

	// Max ReAct iterations for this agent's skill executions.
	MaxIterations *int `yaml:"max_iterations,omitempty" validate:"omitempty,min=1"`
}

// AgentRegistry stores agent configurations in memory with thread-safe access
type AgentRegistry struct {
	agents map[string]*AgentConfig
	mu     sync.RWMutex
}

// NewAgentRegistry creates a new agent registry
func NewAgentRegistry(agents map[string]*AgentConfig) *AgentRegistry {
	// Defensive copy to prevent external mutation
	copied := make(map[string]*AgentConfig, len(agents))
	for k, v := range agents {
		copied[k] = v
	}
	return &AgentRegistry{
		agents: copied,
	}
}

// Get retrieves an agent configuration by name (thread-safe)
func (r *AgentRegistry) Get(name string) (*AgentConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agent, exists := r.agents[name]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, name)
	}
	return agent, nil
}

// GetAll returns all agent configurations (thread-safe, returns copy)
func (r *AgentRegistry) GetAll() map[string]*AgentConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make(map[string]*AgentConfig, len(r.agents))
	for k, v := range r.agents {
		result[k] = v
	}
	return result
}

// Has checks if an agent exists in the registry (thread-safe)
func (r *AgentRegistry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, exists := r.agents[name]
	return exists
}

// Len returns the number of agents in the registry (thread-safe)
func (r *AgentRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}

// SetModel updates an agent's model override in place, creating the agent
// entry when absent. Used by configuration write-back.
func (r *AgentRegistry) SetModel(name, model string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, exists := r.agents[name]
	if !exists {
		agent = &AgentConfig{}
		r.agents[name] = agent
	}
	agent.Model = model
}
