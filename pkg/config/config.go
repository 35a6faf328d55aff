package config

// Config is the umbrella configuration object that encapsulates all
// registries, defaults, and configuration state. This is the primary object
// returned by Initialize() and used throughout the application.
type Config struct {
	configDir string // Configuration directory path (for write-back)

	// Storage layout and project identity
	Project *ProjectConfig

	// System-wide generation defaults
	Defaults *Defaults

	// Pipeline engine limits and polling
	Engine *EngineConfig

	// HTTP server settings
	Server *ServerConfig

	// Trash and finished-run retention
	Retention *RetentionConfig

	// Component registries
	AgentRegistry    *AgentRegistry
	ProviderRegistry *ProviderRegistry
}

// Stats contains statistics about loaded configuration
type Stats struct {
	Agents    int
	Providers int
}

// Stats returns configuration statistics for logging/monitoring
func (c *Config) Stats() Stats {
	s := Stats{}
	if c.AgentRegistry != nil {
		s.Agents = c.AgentRegistry.Len()
	}
	if c.ProviderRegistry != nil {
		s.Providers = c.ProviderRegistry.Len()
	}
	return s
}

// ConfigDir returns the configuration directory path
func (c *Config) ConfigDir() string {
	return c.configDir
}

// GetAgent retrieves an agent configuration by name.
// This is a convenience method that wraps AgentRegistry.Get().
func (c *Config) GetAgent(name string) (*AgentConfig, error) {
	return c.AgentRegistry.Get(name)
}

// GetProvider retrieves a model provider configuration by name.
// This is a convenience method that wraps ProviderRegistry.Get().
func (c *Config) GetProvider(name string) (*ProviderConfig, error) {
	return c.ProviderRegistry.Get(name)
}

// DefaultModel returns the project-wide default model identifier.
func (c *Config) DefaultModel() string {
	if c.Defaults == nil {
		return ""
	}
	return c.Defaults.DefaultModel
}

// AgentModel returns the configured model override for an agent, or "" when
// the agent is unknown or carries no override.
func (c *Config) AgentModel(name string) string {
	agent, err := c.AgentRegistry.Get(name)
	if err != nil {
		return ""
	}
	return agent.Model
}
