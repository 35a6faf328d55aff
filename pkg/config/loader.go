package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// LoomYAMLConfig represents the complete loom.yaml file structure
type LoomYAMLConfig struct {
	Project   *ProjectConfig         `yaml:"project"`
	Agents    map[string]AgentConfig `yaml:"agents"`
	Defaults  *Defaults              `yaml:"defaults"`
	Engine    *EngineConfig          `yaml:"engine"`
	Server    *ServerConfig          `yaml:"server"`
	Retention *RetentionConfig       `yaml:"retention"`
}

// ModelProvidersYAMLConfig represents the complete model-providers.yaml file
// structure
type ModelProvidersYAMLConfig struct {
	ModelProviders map[string]ProviderConfig `yaml:"model_providers"`
}

// Initialize loads, validates, and returns ready-to-use configuration.
// This is the primary entry point for configuration loading.
//
// Steps performed:
//  1. Load YAML files from configDir
//  2. Expand environment variables
//  3. Parse YAML into structs
//  4. Merge built-in + user-defined configurations
//  5. Build in-memory registries
//  6. Apply default values
//  7. Validate all configuration
//  8. Return Config ready for use
func Initialize(ctx context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("Initializing configuration")

	cfg, err := load(ctx, configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	stats := cfg.Stats()
	log.Info("Configuration initialized successfully",
		"agents", stats.Agents,
		"providers", stats.Providers,
		"default_model", cfg.DefaultModel())

	return cfg, nil
}

// load is the internal loader (not exported)
func load(_ context.Context, configDir string) (*Config, error) {
	loader := &configLoader{
		configDir: configDir,
	}

	// 1. Load loom.yaml (project, agents, defaults, engine, server, retention)
	loomConfig, err := loader.loadLoomYAML()
	if err != nil {
		return nil, NewLoadError("loom.yaml", err)
	}

	// 2. Load model-providers.yaml
	providers, err := loader.loadModelProvidersYAML()
	if err != nil {
		return nil, NewLoadError("model-providers.yaml", err)
	}

	// 3. Get built-in configuration
	builtin := GetBuiltinConfig()

	// 4. Merge built-in + user-defined components (user overrides built-in)
	agents := mergeAgents(builtin.Agents, loomConfig.Agents)
	providersMerged := mergeProviders(builtin.Providers, providers)

	// 5. Build registries
	agentRegistry := NewAgentRegistry(agents)
	providerRegistry := NewProviderRegistry(providersMerged)

	// 6. Resolve defaults (YAML overrides built-in)
	defaults := loomConfig.Defaults
	if defaults == nil {
		defaults = &Defaults{}
	}
	if defaults.DefaultModel == "" {
		defaults.DefaultModel = builtin.DefaultModel
	}
	if defaults.Temperature == 0 {
		defaults.Temperature = builtin.DefaultTemp
	}
	if defaults.MaxTokens == 0 {
		defaults.MaxTokens = builtin.DefaultMaxTokens
	}
	if defaults.MaxIterations == 0 {
		defaults.MaxIterations = 5
	}
	if defaults.ContextBudget == 0 {
		defaults.ContextBudget = 8000
	}

	// Resolve project layout (merge user YAML over built-in defaults)
	project := builtin.DefaultProject
	if loomConfig.Project != nil {
		if err := mergo.Merge(&project, loomConfig.Project, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge project config: %w", err)
		}
	}

	// Resolve engine config the same way, preserving unset defaults
	engineConfig := DefaultEngineConfig()
	if loomConfig.Engine != nil {
		if err := mergo.Merge(engineConfig, loomConfig.Engine, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge engine config: %w", err)
		}
	}

	retentionConfig := DefaultRetentionConfig()
	if loomConfig.Retention != nil {
		if err := mergo.Merge(retentionConfig, loomConfig.Retention, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge retention config: %w", err)
		}
	}

	server := resolveServerConfig(loomConfig.Server)

	return &Config{
		configDir:        configDir,
		Project:          &project,
		Defaults:         defaults,
		Engine:           engineConfig,
		Server:           server,
		Retention:        retentionConfig,
		AgentRegistry:    agentRegistry,
		ProviderRegistry: providerRegistry,
	}, nil
}

// validate performs comprehensive validation on loaded configuration
func validate(cfg *Config) error {
	validator := NewValidator(cfg)
	return validator.ValidateAll()
}

type configLoader struct {
	configDir string
}

func (l *configLoader) loadYAML(filename string, target any) error {
	path := filepath.Join(l.configDir, filename)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return err
	}

	// Expand environment variables using {{.VAR}} template syntax.
	// ExpandEnv passes the original data through on parse/execution errors,
	// letting the YAML parser produce the clearer error message.
	data = ExpandEnv(data)

	if err := yaml.Unmarshal(data, target); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}

	return nil
}

// loadLoomYAML reads loom.yaml. A missing file is not fatal — the system
// boots on built-in defaults so a fresh checkout works without ceremony.
func (l *configLoader) loadLoomYAML() (*LoomYAMLConfig, error) {
	var config LoomYAMLConfig
	config.Agents = make(map[string]AgentConfig)

	if err := l.loadYAML("loom.yaml", &config); err != nil {
		if errors.Is(err, ErrConfigNotFound) {
			slog.Warn("loom.yaml not found, using built-in defaults")
			return &config, nil
		}
		return nil, err
	}

	return &config, nil
}

// loadModelProvidersYAML reads model-providers.yaml, also optional.
func (l *configLoader) loadModelProvidersYAML() (map[string]ProviderConfig, error) {
	var config ModelProvidersYAMLConfig
	config.ModelProviders = make(map[string]ProviderConfig)

	if err := l.loadYAML("model-providers.yaml", &config); err != nil {
		if errors.Is(err, ErrConfigNotFound) {
			slog.Warn("model-providers.yaml not found, using built-in providers")
			return config.ModelProviders, nil
		}
		return nil, err
	}

	return config.ModelProviders, nil
}

// resolveServerConfig resolves server configuration from YAML, applying defaults.
func resolveServerConfig(server *ServerConfig) *ServerConfig {
	cfg := &ServerConfig{
		ListenAddr: ":8175",
	}

	if server == nil {
		return cfg
	}

	if server.ListenAddr != "" {
		cfg.ListenAddr = server.ListenAddr
	}
	cfg.AllowedWSOrigins = server.AllowedWSOrigins

	return cfg
}
