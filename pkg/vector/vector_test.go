package vector

import (
	"context"
	"errors"
	"testing"

	"github.com/storyloom/loom/pkg/models"
	testdb "github.com/storyloom/loom/test/database"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubEmbedder returns canned vectors, or fails when err is set.
type stubEmbedder struct {
	vectors map[string][]float32
	err     error
	calls   int
}

func (s *stubEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec, ok := s.vectors[text]
		if !ok {
			vec = []float32{0, 0, 1}
		}
		out[i] = vec
	}
	return out, nil
}

func TestStore_UpsertAndSearch(t *testing.T) {
	client := testdb.NewTestClient(t)
	embedder := &stubEmbedder{vectors: map[string][]float32{
		"a stormy harbor":  {1, 0, 0},
		"a quiet library":  {0, 1, 0},
		"harbor at night":  {0.9, 0.1, 0},
		"storm over docks": {0.95, 0, 0.05},
	}}
	store := NewStore(client, embedder)
	ctx := context.Background()

	seed := map[string]string{
		"loc-harbor":  "a stormy harbor",
		"loc-library": "a quiet library",
		"scene-docks": "harbor at night",
	}
	for id, text := range seed {
		require.NoError(t, store.UpsertEmbedding(ctx, id, text, nil))
	}

	t.Run("orders matches best-first", func(t *testing.T) {
		results, err := store.SemanticSearch(ctx, "storm over docks", 10)
		require.NoError(t, err)
		require.Len(t, results, 3)
		assert.Equal(t, "loc-harbor", results[0].EntityID)
		assert.Equal(t, "scene-docks", results[1].EntityID)
		assert.Equal(t, "loc-library", results[2].EntityID)
		assert.Greater(t, results[0].Score, results[2].Score)
	})

	t.Run("limit caps results", func(t *testing.T) {
		results, err := store.SemanticSearch(ctx, "storm over docks", 1)
		require.NoError(t, err)
		require.Len(t, results, 1)
		assert.Equal(t, "loc-harbor", results[0].EntityID)
	})

	t.Run("upsert replaces the stored vector", func(t *testing.T) {
		embedder.vectors["a stormy harbor"] = []float32{0, 0, 1}
		require.NoError(t, store.UpsertEmbedding(ctx, "loc-harbor", "a stormy harbor", nil))

		count, err := store.Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(3), count, "upsert must not grow the index")

		// Unknown texts embed to {0,0,1}, which now matches only the
		// replaced vector.
		results, err := store.SemanticSearch(ctx, "anything else", 1)
		require.NoError(t, err)
		require.Len(t, results, 1)
		assert.Equal(t, "loc-harbor", results[0].EntityID)
	})

	t.Run("requires an entity id", func(t *testing.T) {
		err := store.UpsertEmbedding(ctx, "", "text", nil)
		assert.True(t, models.IsValidationError(err))
	})
}

func TestStore_FallbackOnProviderFailure(t *testing.T) {
	client := testdb.NewTestClient(t)
	embedder := &stubEmbedder{err: errors.New("provider down")}
	store := NewStore(client, embedder)
	ctx := context.Background()

	require.NoError(t, store.UpsertEmbedding(ctx, "char-aria", "Aria the lighthouse keeper", nil))
	require.NoError(t, store.UpsertEmbedding(ctx, "char-bram", "Bram the smuggler captain", nil))

	t.Run("failed provider still indexes every entity", func(t *testing.T) {
		count, err := store.Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(2), count)
	})

	t.Run("fallback search finds lexical overlap", func(t *testing.T) {
		results, err := store.SemanticSearch(ctx, "the lighthouse keeper", 2)
		require.NoError(t, err)
		require.Len(t, results, 2)
		assert.Equal(t, "char-aria", results[0].EntityID)
		assert.Greater(t, results[0].Score, results[1].Score)
	})
}

func TestStore_SpacesDoNotMix(t *testing.T) {
	client := testdb.NewTestClient(t)
	embedder := &stubEmbedder{vectors: map[string][]float32{}}
	store := NewStore(client, embedder)
	ctx := context.Background()

	// First write succeeds through the provider, second degrades to fallback.
	embedder.vectors["provider text"] = []float32{1, 0}
	require.NoError(t, store.UpsertEmbedding(ctx, "ent-provider", "provider text", nil))
	embedder.err = errors.New("provider down")
	require.NoError(t, store.UpsertEmbedding(ctx, "ent-fallback", "fallback text", nil))

	t.Run("fallback query only sees fallback vectors", func(t *testing.T) {
		results, err := store.SemanticSearch(ctx, "fallback text", 10)
		require.NoError(t, err)
		require.Len(t, results, 1)
		assert.Equal(t, "ent-fallback", results[0].EntityID)
	})

	t.Run("provider query only sees provider vectors", func(t *testing.T) {
		embedder.err = nil
		embedder.vectors["provider text again"] = []float32{1, 0}
		results, err := store.SemanticSearch(ctx, "provider text again", 10)
		require.NoError(t, err)
		require.Len(t, results, 1)
		assert.Equal(t, "ent-provider", results[0].EntityID)
	})
}

func TestStore_NilEmbedderUsesFallback(t *testing.T) {
	client := testdb.NewTestClient(t)
	store := NewStore(client, nil)
	ctx := context.Background()

	require.NoError(t, store.UpsertEmbedding(ctx, "ent-1", "some entity text", nil))
	results, err := store.SemanticSearch(ctx, "some entity text", 5)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.InDelta(t, 1.0, float64(results[0].Score), 1e-5, "identical text embeds identically")
}

func TestStore_Delete(t *testing.T) {
	client := testdb.NewTestClient(t)
	store := NewStore(client, nil)
	ctx := context.Background()

	require.NoError(t, store.UpsertEmbedding(ctx, "ent-1", "text", nil))
	require.NoError(t, store.Delete(ctx, "ent-1"))

	count, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)

	assert.NoError(t, store.Delete(ctx, "ent-1"), "delete is idempotent")
}

func TestFallbackEmbedding(t *testing.T) {
	t.Run("deterministic and normalised", func(t *testing.T) {
		a := fallbackEmbedding("The Storm-Touched Harbor!")
		b := fallbackEmbedding("the storm touched harbor")
		assert.Equal(t, a, b, "case and punctuation do not change tokens")

		var norm float64
		for _, v := range a {
			norm += float64(v) * float64(v)
		}
		assert.InDelta(t, 1.0, norm, 1e-5)
	})

	t.Run("empty text embeds to the zero vector", func(t *testing.T) {
		vec := fallbackEmbedding("")
		require.Len(t, vec, fallbackDimension)
		for _, v := range vec {
			assert.Zero(t, v)
		}
	})
}
