package config

// mergeAgents merges built-in and user-defined agent configurations.
// User-defined agents override built-in agents with the same name; the
// built-in model survives as the compiled-in default only when the user
// entry leaves model empty.
func mergeAgents(builtinAgents map[string]BuiltinAgentConfig, userAgents map[string]AgentConfig) map[string]*AgentConfig {
	result := make(map[string]*AgentConfig)

	for name, builtin := range builtinAgents {
		temp := builtin.Temperature
		result[name] = &AgentConfig{
			Description: builtin.Description,
			Model:       builtin.Model,
			Temperature: &temp,
		}
	}

	for name, userAgent := range userAgents {
		agentCopy := userAgent
		if existing, ok := result[name]; ok {
			// Preserve built-in fields the user left unset.
			if agentCopy.Description == "" {
				agentCopy.Description = existing.Description
			}
			if agentCopy.Model == "" {
				agentCopy.Model = existing.Model
			}
			if agentCopy.Temperature == nil {
				agentCopy.Temperature = existing.Temperature
			}
		}
		result[name] = &agentCopy
	}

	return result
}

// mergeProviders merges built-in and user-defined provider configurations.
// User-defined providers override built-in providers with the same name.
func mergeProviders(builtinProviders map[string]ProviderConfig, userProviders map[string]ProviderConfig) map[string]*ProviderConfig {
	result := make(map[string]*ProviderConfig)

	for name, provider := range builtinProviders {
		providerCopy := provider
		result[name] = &providerCopy
	}

	for name, userProvider := range userProviders {
		providerCopy := userProvider
		result[name] = &providerCopy
	}

	return result
}
