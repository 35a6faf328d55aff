package providers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/storyloom/loom/pkg/config"
)

const streamBufferSize = 100

// OpenAIChat talks to the hosted OpenAI API or any endpoint speaking the
// same wire protocol (local inference servers, proxies). It is safe for
// concurrent use; each Stream call owns an independent stream and goroutine.
type OpenAIChat struct {
	client       *openai.Client
	name         string
	defaultModel string
	maxRetries   int
	retryDelay   time.Duration
}

// NewOpenAIChat builds an adapter from provider configuration. A missing API
// key is tolerated at construction time so offline setups still boot; calls
// fail until the key is supplied.
func NewOpenAIChat(name string, cfg *config.ProviderConfig) *OpenAIChat {
	p := &OpenAIChat{
		name:         name,
		defaultModel: cfg.DefaultModel,
		maxRetries:   3,
		retryDelay:   time.Second,
	}

	apiKey := ""
	if cfg.APIKeyEnv != "" {
		apiKey = os.Getenv(cfg.APIKeyEnv)
	}
	if apiKey == "" && cfg.BaseURL == "" {
		return p
	}

	clientCfg := openai.DefaultConfig(apiKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	if cfg.TimeoutSeconds > 0 {
		clientCfg.HTTPClient = &http.Client{Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second}
	}
	p.client = openai.NewClientWithConfig(clientCfg)
	return p
}

// Complete sends a non-streaming completion request.
func (p *OpenAIChat) Complete(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	if p.client == nil {
		return ChatResponse{}, fmt.Errorf("provider %q has no API key configured", p.name)
	}

	chatReq := p.buildRequest(req, false)

	var resp openai.ChatCompletionResponse
	var lastErr error
	for attempt := 0; attempt < p.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ChatResponse{}, ctx.Err()
			case <-time.After(p.retryDelay * time.Duration(attempt)):
			}
		}

		resp, lastErr = p.client.CreateChatCompletion(ctx, chatReq)
		if lastErr == nil {
			break
		}
		if !retryable(lastErr) {
			return ChatResponse{}, fmt.Errorf("chat completion failed: %w", lastErr)
		}
	}
	if lastErr != nil {
		return ChatResponse{}, fmt.Errorf("chat completion failed after %d attempts: %w", p.maxRetries, lastErr)
	}

	if len(resp.Choices) == 0 {
		return ChatResponse{}, errors.New("chat completion returned no choices")
	}
	return ChatResponse{
		Content:          resp.Choices[0].Message.Content,
		Model:            resp.Model,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
	}, nil
}

// Stream opens a streaming completion and pumps deltas into the returned
// channel until the provider finishes or fails.
func (p *OpenAIChat) Stream(ctx context.Context, req ChatRequest) (<-chan ChatDelta, error) {
	if p.client == nil {
		return nil, fmt.Errorf("provider %q has no API key configured", p.name)
	}

	chatReq := p.buildRequest(req, true)

	var stream *openai.ChatCompletionStream
	var lastErr error
	for attempt := 0; attempt < p.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(p.retryDelay * time.Duration(attempt)):
			}
		}

		stream, lastErr = p.client.CreateChatCompletionStream(ctx, chatReq)
		if lastErr == nil {
			break
		}
		if !retryable(lastErr) {
			return nil, fmt.Errorf("failed to open completion stream: %w", lastErr)
		}
	}
	if lastErr != nil {
		return nil, fmt.Errorf("failed to open completion stream after %d attempts: %w", p.maxRetries, lastErr)
	}

	deltas := make(chan ChatDelta, streamBufferSize)
	go p.pump(ctx, stream, deltas)
	return deltas, nil
}

// pump converts provider stream events into deltas. It owns the channel and
// the stream and closes both on exit.
func (p *OpenAIChat) pump(ctx context.Context, stream *openai.ChatCompletionStream, deltas chan<- ChatDelta) {
	defer close(deltas)
	defer stream.Close()

	for {
		resp, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				send(ctx, deltas, ChatDelta{Done: true})
				return
			}
			send(ctx, deltas, ChatDelta{Err: err, Done: true})
			return
		}

		if len(resp.Choices) == 0 {
			continue
		}
		content := resp.Choices[0].Delta.Content
		if content == "" {
			continue
		}
		if !send(ctx, deltas, ChatDelta{Content: content}) {
			return
		}
	}
}

// send delivers a delta unless the context is cancelled first. A false
// return means the consumer is gone.
func send(ctx context.Context, deltas chan<- ChatDelta, d ChatDelta) bool {
	select {
	case deltas <- d:
		return true
	case <-ctx.Done():
		return false
	}
}

func (p *OpenAIChat) buildRequest(req ChatRequest, stream bool) openai.ChatCompletionRequest {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    m.Role,
			Content: m.Content,
		})
	}

	out := openai.ChatCompletionRequest{
		Model:    model,
		Messages: messages,
		Stream:   stream,
	}
	if req.Temperature > 0 {
		out.Temperature = float32(req.Temperature)
	}
	if req.MaxTokens > 0 {
		out.MaxTokens = req.MaxTokens
	}
	return out
}

// retryable reports whether an API error is transient: rate limits and
// server-side failures retry, everything else (auth, validation) fails fast.
func retryable(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == http.StatusTooManyRequests || apiErr.HTTPStatusCode >= 500
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode == http.StatusTooManyRequests || reqErr.HTTPStatusCode >= 500
	}
	return false
}
