package config

import (
	"sync"
)

// BuiltinConfig holds all built-in configuration data: the default agents,
// their compiled-in model table, and the default model providers. User YAML
// overrides any of it by name.
type BuiltinConfig struct {
	Agents           map[string]BuiltinAgentConfig
	Providers        map[string]ProviderConfig
	DefaultModel     string
	DefaultProject   ProjectConfig
	DefaultTemp      float64
	DefaultMaxTokens int
}

// BuiltinAgentConfig holds built-in agent metadata. The Model field is the
// compiled-in per-agent default consulted by the model cascade when the
// project configuration carries no override.
type BuiltinAgentConfig struct {
	Description string
	Model       string
	Temperature float64
}

var (
	builtinConfig     *BuiltinConfig
	builtinConfigOnce sync.Once
)

// GetBuiltinConfig returns the singleton built-in configuration
// (thread-safe, lazy-initialized)
func GetBuiltinConfig() *BuiltinConfig {
	builtinConfigOnce.Do(initBuiltinConfig)
	return builtinConfig
}

func initBuiltinConfig() {
	builtinConfig = &BuiltinConfig{
		Agents:       initBuiltinAgents(),
		Providers:    initBuiltinProviders(),
		DefaultModel: "openai/gpt-4o",
		DefaultProject: ProjectConfig{
			ID:           "default",
			Root:         "./data",
			DatabasePath: "./data/loom.db",
			SkillsDir:    "./config/skills",
		},
		DefaultTemp:      0.7,
		DefaultMaxTokens: 2048,
	}
}

func initBuiltinAgents() map[string]BuiltinAgentConfig {
	return map[string]BuiltinAgentConfig{
		"character_architect": {
			Description: "Designs characters: voice, backstory, arcs",
			Model:       "openai/gpt-4o",
			Temperature: 0.8,
		},
		"plot_weaver": {
			Description: "Outlines plots and restructures scene sequences",
			Model:       "openai/gpt-4o",
			Temperature: 0.7,
		},
		"prose_stylist": {
			Description: "Generates and rewrites prose in the project voice",
			Model:       "openai/gpt-4o",
			Temperature: 0.9,
		},
		"dialogue_coach": {
			Description: "Rewrites dialogue lines to match character voice profiles",
			Model:       "openai/gpt-4o-mini",
			Temperature: 0.6,
		},
		"research_librarian": {
			Description: "Runs deep-dive research and files research_topic entities",
			Model:       "openai/gpt-4o-mini",
			Temperature: 0.3,
		},
		"continuity_editor": {
			Description: "Reviews drafts for continuity errors against the knowledge graph",
			Model:       "openai/gpt-4o-mini",
			Temperature: 0.2,
		},
		"planner": {
			Description: "Turns natural-language intents into pipeline definitions",
			Model:       "openai/gpt-4o-mini",
			Temperature: 0.1,
		},
	}
}

func initBuiltinProviders() map[string]ProviderConfig {
	return map[string]ProviderConfig{
		"openai": {
			Type:           ProviderTypeOpenAI,
			APIKeyEnv:      "OPENAI_API_KEY",
			DefaultModel:   "gpt-4o",
			EmbeddingModel: "text-embedding-3-small",
		},
	}
}
