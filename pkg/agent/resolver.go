package agent

import (
	"github.com/storyloom/loom/pkg/config"
	"github.com/storyloom/loom/pkg/models"
)

// ResolveModelConfig resolves the model configuration for one LLM call by a
// four-level cascade, highest priority first:
//
//  1. explicit model/temperature/max_tokens in the step config
//  2. the model_preference of the entity being operated on
//  3. the per-agent override from project configuration, which the loader
//     pre-merges with the compiled-in per-agent default table
//  4. the project-wide default model
//
// An empty value at any level falls through to the next.
func ResolveModelConfig(cfg *config.Config, stepConfig map[string]any, entityPreference, agentName string) models.ModelConfig {
	builtin := config.GetBuiltinConfig()

	out := models.ModelConfig{
		Model:       builtin.DefaultModel,
		Temperature: builtin.DefaultTemp,
		MaxTokens:   builtin.DefaultMaxTokens,
	}

	// Level 4: project defaults.
	if cfg != nil {
		if m := cfg.DefaultModel(); m != "" {
			out.Model = m
		}
		if cfg.Defaults != nil {
			if cfg.Defaults.Temperature > 0 {
				out.Temperature = cfg.Defaults.Temperature
			}
			if cfg.Defaults.MaxTokens > 0 {
				out.MaxTokens = cfg.Defaults.MaxTokens
			}
		}
	}

	// Level 3: agent override. The registry already carries the compiled-in
	// table; consult it directly when the registry lacks the agent.
	if agentName != "" {
		resolved := false
		if cfg != nil && cfg.AgentRegistry != nil {
			if ac, err := cfg.GetAgent(agentName); err == nil {
				if ac.Model != "" {
					out.Model = ac.Model
				}
				if ac.Temperature != nil {
					out.Temperature = *ac.Temperature
				}
				if ac.MaxTokens != nil {
					out.MaxTokens = *ac.MaxTokens
				}
				resolved = true
			}
		}
		if !resolved {
			if ba, ok := builtin.Agents[agentName]; ok {
				if ba.Model != "" {
					out.Model = ba.Model
				}
				if ba.Temperature > 0 {
					out.Temperature = ba.Temperature
				}
			}
		}
	}

	// Level 2: entity preference.
	if entityPreference != "" {
		out.Model = entityPreference
	}

	// Level 1: step config.
	if stepConfig != nil {
		if m, ok := stepConfig["model"].(string); ok && m != "" {
			out.Model = m
		}
		if t, ok := asFloat(stepConfig["temperature"]); ok {
			out.Temperature = t
		}
		if n, ok := asInt(stepConfig["max_tokens"]); ok && n > 0 {
			out.MaxTokens = n
		}
	}

	return out
}

// asFloat coerces JSON-decoded numbers (float64, int) to float64.
func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// asInt coerces JSON-decoded numbers to int.
func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	case float32:
		return int(n), true
	}
	return 0, false
}
