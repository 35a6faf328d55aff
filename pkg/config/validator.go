package config

import (
	"fmt"
	"strings"
)

// ConfigValidator validates configuration comprehensively with clear error messages
type ConfigValidator struct {
	cfg *Config
}

// NewValidator creates a validator for the given configuration
func NewValidator(cfg *Config) *ConfigValidator {
	return &ConfigValidator{cfg: cfg}
}

// ValidateAll performs comprehensive validation (fail-fast - stops at first error)
func (v *ConfigValidator) ValidateAll() error {
	// Validate in order: providers → agents → defaults → project → engine.
	// Providers first so model references can be checked against them.

	if err := v.validateProviders(); err != nil {
		return fmt.Errorf("provider validation failed: %w", err)
	}

	if err := v.validateAgents(); err != nil {
		return fmt.Errorf("agent validation failed: %w", err)
	}

	if err := v.validateDefaults(); err != nil {
		return fmt.Errorf("defaults validation failed: %w", err)
	}

	if err := v.validateProject(); err != nil {
		return fmt.Errorf("project validation failed: %w", err)
	}

	if err := v.validateEngine(); err != nil {
		return fmt.Errorf("engine validation failed: %w", err)
	}

	return nil
}

func (v *ConfigValidator) validateProviders() error {
	for name, provider := range v.cfg.ProviderRegistry.GetAll() {
		if provider.Type == "" {
			return NewValidationError("provider", name, "type", ErrMissingRequiredField)
		}
		if !provider.Type.IsValid() {
			return NewValidationError("provider", name, "type", fmt.Errorf("%w: %s", ErrInvalidValue, provider.Type))
		}
		if provider.Type == ProviderTypeOpenAICompatible && provider.BaseURL == "" {
			return NewValidationError("provider", name, "base_url", fmt.Errorf("required for openai-compatible providers"))
		}
		if provider.TimeoutSeconds < 0 {
			return NewValidationError("provider", name, "timeout_seconds", fmt.Errorf("%w: must not be negative", ErrInvalidValue))
		}
	}
	return nil
}

func (v *ConfigValidator) validateAgents() error {
	for name, agent := range v.cfg.AgentRegistry.GetAll() {
		if agent.Model != "" {
			if err := v.checkModelRef(agent.Model); err != nil {
				return NewValidationError("agent", name, "model", err)
			}
		}
		if agent.Temperature != nil && (*agent.Temperature < 0 || *agent.Temperature > 2) {
			return NewValidationError("agent", name, "temperature", fmt.Errorf("%w: must be within [0, 2]", ErrInvalidValue))
		}
		if agent.MaxIterations != nil && *agent.MaxIterations < 1 {
			return NewValidationError("agent", name, "max_iterations", fmt.Errorf("%w: must be at least 1", ErrInvalidValue))
		}
	}
	return nil
}

func (v *ConfigValidator) validateDefaults() error {
	d := v.cfg.Defaults
	if d == nil || d.DefaultModel == "" {
		return NewValidationError("defaults", "defaults", "default_model", ErrMissingRequiredField)
	}
	if err := v.checkModelRef(d.DefaultModel); err != nil {
		return NewValidationError("defaults", "defaults", "default_model", err)
	}
	if d.ContextBudget < 1 {
		return NewValidationError("defaults", "defaults", "context_budget", fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	if d.AutonomyLevel < 0 || d.AutonomyLevel > 2 {
		return NewValidationError("defaults", "defaults", "autonomy_level", fmt.Errorf("%w: must be 0, 1, or 2", ErrInvalidValue))
	}
	return nil
}

func (v *ConfigValidator) validateProject() error {
	p := v.cfg.Project
	if p == nil || p.Root == "" {
		return NewValidationError("project", "project", "root", ErrMissingRequiredField)
	}
	if p.DatabasePath == "" {
		return NewValidationError("project", "project", "database_path", ErrMissingRequiredField)
	}
	return nil
}

func (v *ConfigValidator) validateEngine() error {
	e := v.cfg.Engine
	if e.MaxConcurrentRuns < 1 {
		return NewValidationError("engine", "engine", "max_concurrent_runs", fmt.Errorf("%w: must be at least 1", ErrInvalidValue))
	}
	if e.StreamPollInterval <= 0 {
		return NewValidationError("engine", "engine", "stream_poll_interval", fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	if e.HTTPStepTimeout <= 0 {
		return NewValidationError("engine", "engine", "http_step_timeout", fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	return nil
}

// checkModelRef verifies a "provider/model" identifier names a registered
// provider. A bare model name is accepted — the default provider applies.
func (v *ConfigValidator) checkModelRef(id string) error {
	if i := strings.Index(id, "/"); i > 0 {
		providerName := id[:i]
		if !v.cfg.ProviderRegistry.Has(providerName) {
			return fmt.Errorf("%w: provider '%s' not configured", ErrInvalidReference, providerName)
		}
	}
	return nil
}
