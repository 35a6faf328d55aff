package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validTestConfig() *Config {
	return &Config{
		Project: &ProjectConfig{
			ID:           "test",
			Root:         "/tmp/loom/data",
			DatabasePath: ":memory:",
		},
		Defaults: &Defaults{
			DefaultModel:  "openai/gpt-4o",
			Temperature:   0.7,
			MaxTokens:     2048,
			MaxIterations: 5,
			ContextBudget: 8000,
		},
		Engine:    DefaultEngineConfig(),
		Server:    &ServerConfig{ListenAddr: ":8175"},
		Retention: DefaultRetentionConfig(),
		AgentRegistry: NewAgentRegistry(map[string]*AgentConfig{
			"prose_stylist": {Model: "openai/gpt-4o"},
		}),
		ProviderRegistry: NewProviderRegistry(map[string]*ProviderConfig{
			"openai": {Type: ProviderTypeOpenAI, APIKeyEnv: "OPENAI_API_KEY"},
		}),
	}
}

func TestValidateAllPasses(t *testing.T) {
	cfg := validTestConfig()
	require.NoError(t, NewValidator(cfg).ValidateAll())
}

func TestValidateProviders(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(*Config)
		wantErr  string
	}{
		{
			name: "missing type",
			mutate: func(c *Config) {
				c.ProviderRegistry = NewProviderRegistry(map[string]*ProviderConfig{
					"broken": {},
				})
			},
			wantErr: "missing required field",
		},
		{
			name: "unknown type",
			mutate: func(c *Config) {
				c.ProviderRegistry = NewProviderRegistry(map[string]*ProviderConfig{
					"broken": {Type: "carrier-pigeon"},
				})
			},
			wantErr: "invalid field value",
		},
		{
			name: "openai-compatible without base_url",
			mutate: func(c *Config) {
				c.ProviderRegistry = NewProviderRegistry(map[string]*ProviderConfig{
					"local": {Type: ProviderTypeOpenAICompatible},
				})
				c.Defaults.DefaultModel = "local/llama3"
				c.AgentRegistry = NewAgentRegistry(nil)
			},
			wantErr: "base_url",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validTestConfig()
			tt.mutate(cfg)
			err := NewValidator(cfg).ValidateAll()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidateAgentModelReference(t *testing.T) {
	cfg := validTestConfig()
	cfg.AgentRegistry = NewAgentRegistry(map[string]*AgentConfig{
		"prose_stylist": {Model: "missing-provider/gpt-4o"},
	})

	err := NewValidator(cfg).ValidateAll()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing-provider")
	assert.Contains(t, err.Error(), "prose_stylist")
}

func TestValidateAgentBareModelNameAccepted(t *testing.T) {
	// A bare model name has no provider prefix to check.
	cfg := validTestConfig()
	cfg.AgentRegistry = NewAgentRegistry(map[string]*AgentConfig{
		"prose_stylist": {Model: "gpt-4o"},
	})

	require.NoError(t, NewValidator(cfg).ValidateAll())
}

func TestValidateDefaults(t *testing.T) {
	cfg := validTestConfig()
	cfg.Defaults.DefaultModel = ""

	err := NewValidator(cfg).ValidateAll()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "default_model")
}

func TestValidateTemperatureRange(t *testing.T) {
	cfg := validTestConfig()
	bad := 3.5
	cfg.AgentRegistry = NewAgentRegistry(map[string]*AgentConfig{
		"prose_stylist": {Temperature: &bad},
	})

	err := NewValidator(cfg).ValidateAll()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "temperature")
}

func TestValidateEngine(t *testing.T) {
	cfg := validTestConfig()
	cfg.Engine.MaxConcurrentRuns = 0

	err := NewValidator(cfg).ValidateAll()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_concurrent_runs")
}

func TestValidationErrorFormat(t *testing.T) {
	err := NewValidationError("agent", "prose_stylist", "model", ErrInvalidValue)
	assert.Contains(t, err.Error(), "agent 'prose_stylist'")
	assert.Contains(t, err.Error(), "field 'model'")

	withoutField := NewValidationError("engine", "engine", "", ErrInvalidValue)
	assert.Contains(t, withoutField.Error(), "engine 'engine'")
	assert.NotContains(t, withoutField.Error(), "field")
}
