package models

import "strings"

// ModelConfig is a fully resolved model configuration for one LLM call.
type ModelConfig struct {
	Model       string  `json:"model"`
	Temperature float64 `json:"temperature"`
	MaxTokens   int     `json:"max_tokens"`
}

// SplitModelID splits an opaque "provider/model" identifier. When no
// separator is present the whole string is the model name and the provider
// is empty; adapters apply their own default.
func SplitModelID(id string) (provider, model string) {
	if i := strings.Index(id, "/"); i >= 0 {
		return id[:i], id[i+1:]
	}
	return "", id
}
