// Package vector maintains the semantic search index: one embedding per
// entity, stored as float32 little-endian blobs in SQLite and compared with
// in-process cosine similarity. Collections are small enough that a full
// scan beats shipping vectors to an external index.
package vector

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/storyloom/loom/pkg/database"
	"github.com/storyloom/loom/pkg/models"
)

// Embedder computes embeddings for a batch of texts.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Embedding spaces. Provider vectors and fallback vectors are never compared
// against each other.
const (
	SpaceProvider = "provider"
	SpaceFallback = "fallback"
)

// fallbackDimension is the size of the deterministic hashed bag-of-words
// embedding used when no provider is available.
const fallbackDimension = 256

const defaultSearchLimit = 10

// SearchResult pairs an entity id with its similarity to the query,
// best-first.
type SearchResult struct {
	EntityID string  `json:"entity_id"`
	Score    float32 `json:"score"`
}

// Store is the vector index. A nil embedder is valid: every embedding then
// lands in the fallback space.
type Store struct {
	client   *database.Client
	embedder Embedder
}

// NewStore creates a vector index backed by the given client.
func NewStore(client *database.Client, embedder Embedder) *Store {
	return &Store{client: client, embedder: embedder}
}

// UpsertEmbedding computes and stores the embedding for an entity's text.
// Provider failures degrade to the deterministic fallback embedding so the
// vector index never diverges from the relational index in cardinality.
func (s *Store) UpsertEmbedding(ctx context.Context, entityID, text string, metadata map[string]any) error {
	if entityID == "" {
		return models.NewValidationError("EntityID", "required")
	}

	embedding, space := s.embed(ctx, text)
	meta, err := marshalMetadata(metadata)
	if err != nil {
		return err
	}

	_, err = s.client.DB().ExecContext(ctx,
		`INSERT INTO embeddings (entity_id, embedding, dimension, space, text, metadata_json, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(entity_id) DO UPDATE SET
			embedding = excluded.embedding,
			dimension = excluded.dimension,
			space = excluded.space,
			text = excluded.text,
			metadata_json = excluded.metadata_json,
			updated_at = excluded.updated_at`,
		entityID, encodeEmbedding(embedding), len(embedding), space, text, meta,
		time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to upsert embedding: %w", err)
	}
	return nil
}

// Delete removes an entity's embedding. Unknown ids are a no-op.
func (s *Store) Delete(ctx context.Context, entityID string) error {
	_, err := s.client.DB().ExecContext(ctx,
		`DELETE FROM embeddings WHERE entity_id = ?`, entityID)
	if err != nil {
		return fmt.Errorf("failed to delete embedding: %w", err)
	}
	return nil
}

// SemanticSearch returns up to limit entity ids ordered by similarity to the
// query. The query is embedded in the same way stored vectors were, and only
// vectors from the same space and dimension are candidates.
func (s *Store) SemanticSearch(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	queryEmbedding, space := s.embed(ctx, query)

	rows, err := s.client.DB().QueryContext(ctx,
		`SELECT entity_id, embedding FROM embeddings WHERE space = ? AND dimension = ?`,
		space, len(queryEmbedding))
	if err != nil {
		return nil, fmt.Errorf("failed to search embeddings: %w", err)
	}
	defer rows.Close()

	results := []SearchResult{}
	for rows.Next() {
		var (
			entityID string
			blob     []byte
		)
		if err := rows.Scan(&entityID, &blob); err != nil {
			return nil, fmt.Errorf("failed to search embeddings: %w", err)
		}
		results = append(results, SearchResult{
			EntityID: entityID,
			Score:    cosineSimilarity(queryEmbedding, decodeEmbedding(blob)),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to search embeddings: %w", err)
	}

	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// Count returns the number of stored embeddings.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var count int64
	err := s.client.DB().QueryRowContext(ctx, `SELECT COUNT(*) FROM embeddings`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count embeddings: %w", err)
	}
	return count, nil
}

// embed returns the embedding for text plus the space it belongs to,
// degrading to the fallback space when the provider is absent or failing.
func (s *Store) embed(ctx context.Context, text string) ([]float32, string) {
	if s.embedder == nil {
		return fallbackEmbedding(text), SpaceFallback
	}
	vectors, err := s.embedder.Embed(ctx, []string{text})
	if err != nil || len(vectors) == 0 || len(vectors[0]) == 0 {
		if err == nil {
			err = errors.New("embedder returned no vectors")
		}
		slog.Warn("Embedding provider failed, using fallback embedding", "error", err)
		return fallbackEmbedding(text), SpaceFallback
	}
	return vectors[0], SpaceProvider
}

func marshalMetadata(metadata map[string]any) (string, error) {
	if metadata == nil {
		return "{}", nil
	}
	raw, err := json.Marshal(metadata)
	if err != nil {
		return "", fmt.Errorf("failed to marshal embedding metadata: %w", err)
	}
	return string(raw), nil
}

func encodeEmbedding(embedding []float32) []byte {
	data := make([]byte, len(embedding)*4)
	for i, f := range embedding {
		binary.LittleEndian.PutUint32(data[i*4:], math.Float32bits(f))
	}
	return data
}

func decodeEmbedding(data []byte) []float32 {
	if len(data) == 0 || len(data)%4 != 0 {
		return nil
	}
	embedding := make([]float32, len(data)/4)
	for i := range embedding {
		embedding[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return embedding
}

func cosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(normA) * math.Sqrt(normB)))
}
