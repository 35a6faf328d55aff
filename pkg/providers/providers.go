// Package providers adapts external language-model APIs to the narrow chat
// and embedding contracts the rest of the system consumes. Adapters normalise
// at this boundary; no provider-specific shape leaks past it.
package providers

import "context"

// Message is one turn of a chat conversation sent to a provider.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is a provider-neutral completion request. Model carries the
// bare model name (the provider prefix is stripped by the registry).
type ChatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

// ChatResponse is a whole completion.
type ChatResponse struct {
	Content          string `json:"content"`
	Model            string `json:"model,omitempty"`
	PromptTokens     int    `json:"prompt_tokens,omitempty"`
	CompletionTokens int    `json:"completion_tokens,omitempty"`
}

// ChatDelta is one chunk of a streaming completion. The channel is closed
// after a delta with Done set; a failed stream carries the error in Err on
// its final delta.
type ChatDelta struct {
	Content string
	Done    bool
	Err     error
}

// ChatProvider is the chat contract every adapter implements.
type ChatProvider interface {
	// Complete returns the whole completion in one call.
	Complete(ctx context.Context, req ChatRequest) (ChatResponse, error)

	// Stream returns completion deltas as the provider produces them. An
	// error return means the stream never opened; errors after that arrive
	// on the channel.
	Stream(ctx context.Context, req ChatRequest) (<-chan ChatDelta, error)
}
