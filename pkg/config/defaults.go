package config

// Defaults contains system-wide default generation settings.
// These values apply when neither the step config, the entity preference,
// nor the agent override specifies a value.
type Defaults struct {
	// Project-wide default model ("provider/model"); the last level of the
	// model resolution cascade.
	DefaultModel string `yaml:"default_model,omitempty"`

	// Sampling temperature applied when nothing more specific is set.
	Temperature float64 `yaml:"temperature,omitempty"`

	// Max output tokens per call.
	MaxTokens int `yaml:"max_tokens,omitempty"`

	// Max ReAct iterations for skill executions.
	MaxIterations int `yaml:"max_iterations,omitempty" validate:"omitempty,min=1"`

	// Token budget for assembled context and new chat sessions.
	ContextBudget int `yaml:"context_budget,omitempty" validate:"omitempty,min=1"`

	// Autonomy level for new chat sessions (0 ask, 1 suggest, 2 execute).
	AutonomyLevel int `yaml:"autonomy_level,omitempty" validate:"omitempty,min=0,max=2"`
}
