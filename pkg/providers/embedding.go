package providers

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	openai "github.com/sashabaranov/go-openai"

	"github.com/storyloom/loom/pkg/config"
	"github.com/storyloom/loom/pkg/models"
	"github.com/storyloom/loom/pkg/vector"
)

const defaultEmbeddingModel = "text-embedding-3-small"

// OpenAIEmbedder generates embeddings through the OpenAI embeddings API (or
// a compatible endpoint).
type OpenAIEmbedder struct {
	client *openai.Client
	model  string
}

var _ vector.Embedder = (*OpenAIEmbedder)(nil)

// NewOpenAIEmbedder builds an embedding adapter from provider configuration.
func NewOpenAIEmbedder(cfg *config.ProviderConfig) (*OpenAIEmbedder, error) {
	apiKey := ""
	if cfg.APIKeyEnv != "" {
		apiKey = os.Getenv(cfg.APIKeyEnv)
	}
	if apiKey == "" && cfg.BaseURL == "" {
		return nil, fmt.Errorf("embedding provider has no API key configured")
	}

	model := cfg.EmbeddingModel
	if model == "" {
		model = defaultEmbeddingModel
	}

	clientCfg := openai.DefaultConfig(apiKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	return &OpenAIEmbedder{
		client: openai.NewClientWithConfig(clientCfg),
		model:  model,
	}, nil
}

// Embed generates one embedding per input text, in input order.
func (e *OpenAIEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: texts,
		Model: openai.EmbeddingModel(e.model),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create embeddings: %w", err)
	}

	out := make([][]float32, len(texts))
	for _, data := range resp.Data {
		if data.Index < 0 || data.Index >= len(out) {
			continue
		}
		out[data.Index] = data.Embedding
	}
	return out, nil
}

// NewEmbedder builds the embedding adapter for the default model's provider.
// It returns nil (no provider) when the configuration cannot support real
// embeddings — the vector index then runs entirely on its fallback space.
func NewEmbedder(cfg *config.Config) vector.Embedder {
	providerName, _ := models.SplitModelID(cfg.DefaultModel())
	if providerName == "" {
		return nil
	}

	pc, err := cfg.GetProvider(providerName)
	if err != nil {
		slog.Warn("Embedding provider not configured; semantic search uses the fallback space",
			"provider", providerName)
		return nil
	}
	if pc.Type == config.ProviderTypeFake {
		return nil
	}

	embedder, err := NewOpenAIEmbedder(pc)
	if err != nil {
		slog.Warn("Embedding provider unavailable; semantic search uses the fallback space",
			"provider", providerName, "error", err)
		return nil
	}
	return embedder
}
