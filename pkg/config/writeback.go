package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

// writeBackMu serialises configuration file rewrites process-wide. Two
// concurrent write-backs would otherwise race on the read-modify-write of
// loom.yaml.
var writeBackMu sync.Mutex

// UpdateAgentModel persists a per-agent model override to loom.yaml and
// updates the in-memory registry so subsequent cascades see the new value.
//
// The raw file is patched rather than re-marshalling the resolved Config:
// resolved values would bake expanded environment variables and built-in
// defaults into the user's file.
func (c *Config) UpdateAgentModel(agentName, model string) error {
	if agentName == "" {
		return NewValidationError("agent", agentName, "name", ErrMissingRequiredField)
	}

	writeBackMu.Lock()
	defer writeBackMu.Unlock()

	raw, err := c.readLoomYAMLRaw()
	if err != nil {
		return err
	}

	if raw.Agents == nil {
		raw.Agents = make(map[string]AgentConfig)
	}
	agent := raw.Agents[agentName]
	agent.Model = model
	raw.Agents[agentName] = agent

	if err := c.writeLoomYAMLRaw(raw); err != nil {
		return err
	}

	c.AgentRegistry.SetModel(agentName, model)
	return nil
}

// SetDefaultModel persists a new project-wide default model to loom.yaml and
// updates the in-memory defaults.
func (c *Config) SetDefaultModel(model string) error {
	if model == "" {
		return NewValidationError("defaults", "defaults", "default_model", ErrMissingRequiredField)
	}

	writeBackMu.Lock()
	defer writeBackMu.Unlock()

	raw, err := c.readLoomYAMLRaw()
	if err != nil {
		return err
	}

	if raw.Defaults == nil {
		raw.Defaults = &Defaults{}
	}
	raw.Defaults.DefaultModel = model

	if err := c.writeLoomYAMLRaw(raw); err != nil {
		return err
	}

	c.Defaults.DefaultModel = model
	return nil
}

// readLoomYAMLRaw parses loom.yaml without environment expansion or
// defaulting, preserving the file as the user wrote it. A missing file
// yields an empty document so write-back can create it.
func (c *Config) readLoomYAMLRaw() (*LoomYAMLConfig, error) {
	path := filepath.Join(c.configDir, "loom.yaml")

	var raw LoomYAMLConfig
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &raw, nil
		}
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}
	return &raw, nil
}

func (c *Config) writeLoomYAMLRaw(raw *LoomYAMLConfig) error {
	path := filepath.Join(c.configDir, "loom.yaml")

	data, err := yaml.Marshal(raw)
	if err != nil {
		return fmt.Errorf("failed to marshal loom.yaml: %w", err)
	}

	// Write via temp + rename so a crash cannot truncate the config.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return nil
}
