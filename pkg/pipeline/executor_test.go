package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storyloom/loom/pkg/models"
)

func TestLinearGeneration(t *testing.T) {
	fx := newTestEngine(t)
	fx.fake.Enqueue(`{"generated_text": "The tide turns at dusk.", "confidence_score": 88, "continuity_errors": []}`)

	def := &models.PipelineDefinition{
		ID:   "draft",
		Name: "Draft",
		Steps: []models.PipelineStep{
			{ID: "compose", StepType: models.StepPromptTemplate, Label: "Compose",
				Config: map[string]any{"template": "Write about {{topic}}"}},
			{ID: "generate", StepType: models.StepLLMGenerate, Label: "Generate"},
		},
		Edges: []models.PipelineEdge{{Source: "compose", Target: "generate"}},
	}

	runID, err := fx.engine.StartDefinition(def, map[string]any{"topic": "tides"})
	require.NoError(t, err)
	snap := waitState(t, fx.engine, runID, models.RunStateCompleted)

	assert.Equal(t, []string{"compose", "generate"}, snap.StepsCompleted)
	assert.Equal(t, "Write about tides", snap.Payload["prompt_text"])
	assert.Equal(t, "The tide turns at dusk.", snap.Payload["generated_text"])
	assert.Equal(t, float64(88), snap.Payload["confidence_score"])
	assert.Equal(t, "fake/fake-model", snap.Payload["resolved_model"])
	assert.Empty(t, snap.Payload["continuity_errors"])

	requests := fx.fake.Requests()
	require.Len(t, requests, 1)
	assert.Equal(t, "fake-model", requests[0].Model, "the provider prefix is stripped")
	require.Len(t, requests[0].Messages, 2)
	assert.Equal(t, models.RoleSystem, requests[0].Messages[0].Role)
	assert.Equal(t, generateSystemPrompt, requests[0].Messages[0].Content)
	assert.Equal(t, models.RoleUser, requests[0].Messages[1].Role)
	assert.Equal(t, "Write about tides", requests[0].Messages[1].Content)
}

func TestGenerationFailureHandling(t *testing.T) {
	generateOnly := func() *models.PipelineDefinition {
		return &models.PipelineDefinition{
			ID:   "gen",
			Name: "Generate Only",
			Steps: []models.PipelineStep{
				{ID: "generate", StepType: models.StepLLMGenerate, Label: "Generate"},
			},
		}
	}

	t.Run("a payload without any prompt fails the run", func(t *testing.T) {
		fx := newTestEngine(t)

		runID, err := fx.engine.StartDefinition(generateOnly(), map[string]any{"mood": "wistful"})
		require.NoError(t, err)
		snap := waitState(t, fx.engine, runID, models.RunStateFailed)

		assert.Contains(t, snap.Error, "step generate (LLM_GENERATE) failed")
		assert.Contains(t, snap.Error, "no prompt available")
		assert.Equal(t, 0, fx.fake.CallCount(), "the model is never called without a prompt")
	})

	t.Run("a provider error is captured and the run continues", func(t *testing.T) {
		fx := newTestEngine(t)
		fx.fake.EnqueueError(errors.New("model offline"))

		runID, err := fx.engine.StartDefinition(generateOnly(), map[string]any{"text": "Write a scene"})
		require.NoError(t, err)
		snap := waitState(t, fx.engine, runID, models.RunStateCompleted)

		assert.Empty(t, snap.Error)
		assert.Equal(t, []string{"generate"}, snap.StepsCompleted)
		assert.Equal(t, "[error: model offline]", snap.Payload["generated_text"])
		assert.Equal(t, float64(0), snap.Payload["confidence_score"])
		assert.Equal(t, []any{"model offline"}, snap.Payload["continuity_errors"])
		assert.Equal(t, "model offline", snap.Payload["generation_error"])
	})
}

func TestMalformedEnvelopeKeptRaw(t *testing.T) {
	run := func(t *testing.T, reply string) models.RunSnapshot {
		t.Helper()
		fx := newTestEngine(t)
		fx.fake.Enqueue(reply)

		def := &models.PipelineDefinition{
			ID:   "gen",
			Name: "Generate Only",
			Steps: []models.PipelineStep{
				{ID: "generate", StepType: models.StepLLMGenerate, Label: "Generate"},
			},
		}
		runID, err := fx.engine.StartDefinition(def, map[string]any{"text": "Write a scene"})
		require.NoError(t, err)
		return waitState(t, fx.engine, runID, models.RunStateCompleted)
	}

	t.Run("plain prose is kept verbatim with zero confidence", func(t *testing.T) {
		snap := run(t, "Once upon a midnight dreary, no JSON in sight.")

		assert.Equal(t, "Once upon a midnight dreary, no JSON in sight.", snap.Payload["generated_text"])
		assert.Equal(t, float64(0), snap.Payload["confidence_score"])
		assert.Equal(t, "model response was not valid JSON", snap.Payload["generation_error"])
	})

	t.Run("an envelope without generated_text is kept raw", func(t *testing.T) {
		snap := run(t, `{"confidence_score": 50}`)

		assert.Equal(t, `{"confidence_score": 50}`, snap.Payload["generated_text"])
		assert.Equal(t, float64(0), snap.Payload["confidence_score"])
		assert.Equal(t, "model response lacked generated_text", snap.Payload["generation_error"])
	})
}

func TestLoopBrokenConditionExits(t *testing.T) {
	fx := newTestEngine(t)

	def := &models.PipelineDefinition{
		ID:   "loop-flow",
		Name: "Loop Flow",
		Steps: []models.PipelineStep{
			{ID: "note", StepType: models.StepPromptTemplate, Label: "Note",
				Config: map[string]any{"template": "noted"}},
			{ID: "gate", StepType: models.StepLoop, Label: "Gate",
				Config: map[string]any{"exit_condition": "iteration >"}},
		},
		Edges: []models.PipelineEdge{{Source: "note", Target: "gate"}},
	}

	runID, err := fx.engine.StartDefinition(def, nil)
	require.NoError(t, err)
	snap := waitState(t, fx.engine, runID, models.RunStateCompleted)

	assert.Equal(t, []string{"note", "gate"}, snap.StepsCompleted,
		"an unparsable exit condition leaves the loop on the first pass")
	assert.Equal(t, 1, snap.Payload["iteration"])
}

func TestIfElseBrokenConditionFalseBranch(t *testing.T) {
	fx := newTestEngine(t)

	def := &models.PipelineDefinition{
		ID:   "branch-flow",
		Name: "Branch Flow",
		Steps: []models.PipelineStep{
			{ID: "branch", StepType: models.StepIfElse, Label: "Branch",
				Config: map[string]any{
					"condition":    "((",
					"true_target":  "sunny",
					"false_target": "rainy",
				}},
			{ID: "sunny", StepType: models.StepPromptTemplate, Label: "Sunny",
				Config: map[string]any{"template": "clear skies"}},
			{ID: "rainy", StepType: models.StepPromptTemplate, Label: "Rainy",
				Config: map[string]any{"template": "steady rain"}},
		},
		Edges: []models.PipelineEdge{
			{Source: "branch", Target: "sunny"},
			{Source: "branch", Target: "rainy"},
		},
	}

	runID, err := fx.engine.StartDefinition(def, nil)
	require.NoError(t, err)
	snap := waitState(t, fx.engine, runID, models.RunStateCompleted)

	assert.Equal(t, []string{"branch", "rainy"}, snap.StepsCompleted)
	assert.Equal(t, "steady rain", snap.Payload["prompt_text"])
}

func TestMergeOutputsKeepsNonMapSources(t *testing.T) {
	fx := newTestEngine(t)

	def := &models.PipelineDefinition{
		ID:   "merge-flow",
		Name: "Merge Flow",
		Steps: []models.PipelineStep{
			{ID: "merge", StepType: models.StepMergeOutputs, Label: "Merge",
				Config: map[string]any{"source_keys": []string{"title", "meta", "missing"}}},
		},
	}

	runID, err := fx.engine.StartDefinition(def, map[string]any{
		"title": "Dawn",
		"meta":  map[string]any{"author": "rena"},
	})
	require.NoError(t, err)
	snap := waitState(t, fx.engine, runID, models.RunStateCompleted)

	merged, ok := snap.Payload["merged"].(map[string]any)
	require.True(t, ok, "merge produces a payload.merged map")
	assert.Equal(t, map[string]any{"title": "Dawn", "author": "rena"}, merged)
}

func TestPayloadModelConsumedOnce(t *testing.T) {
	fx := newTestEngine(t)
	fx.fake.Enqueue(`{"generated_text": "First pass.", "confidence_score": 70}`)
	fx.fake.Enqueue(`{"generated_text": "Second pass.", "confidence_score": 80}`)

	def := &models.PipelineDefinition{
		ID:   "two-gen",
		Name: "Two Generations",
		Steps: []models.PipelineStep{
			{ID: "first", StepType: models.StepLLMGenerate, Label: "First"},
			{ID: "second", StepType: models.StepLLMGenerate, Label: "Second"},
		},
		Edges: []models.PipelineEdge{{Source: "first", Target: "second"}},
	}

	runID, err := fx.engine.StartDefinition(def, map[string]any{
		"text":        "Write a pitch",
		"model":       "fake/one-shot",
		"temperature": 0.5,
	})
	require.NoError(t, err)
	snap := waitState(t, fx.engine, runID, models.RunStateCompleted)

	requests := fx.fake.Requests()
	require.Len(t, requests, 2)
	assert.Equal(t, "one-shot", requests[0].Model, "the payload model applies to the first generation")
	assert.Equal(t, 0.5, requests[0].Temperature)
	assert.Equal(t, "fake-model", requests[1].Model, "the second generation falls back to the default")

	assert.NotContains(t, snap.Payload, "model")
	assert.NotContains(t, snap.Payload, "temperature")
	assert.Equal(t, "fake/fake-model", snap.Payload["resolved_model"])
}

func TestPinnedContextAppended(t *testing.T) {
	fx := newTestEngine(t)
	ctx := context.Background()

	entity, err := fx.graph.CreateEntity(ctx, models.CreateEntityRequest{
		EntityType: "lore",
		Name:       "Tide Charts",
		Attributes: map[string]any{"text": "Spring tides rise highest at the new moon."},
	})
	require.NoError(t, err)

	fx.fake.Enqueue(`{"generated_text": "Under a new moon the water climbed.", "confidence_score": 90}`)

	def := &models.PipelineDefinition{
		ID:   "gen",
		Name: "Generate Only",
		Steps: []models.PipelineStep{
			{ID: "generate", StepType: models.StepLLMGenerate, Label: "Generate"},
		},
	}
	runID, err := fx.engine.StartDefinition(def, map[string]any{
		"text":               "Write about tides",
		"pinned_context_ids": []string{entity.ID},
	})
	require.NoError(t, err)
	waitState(t, fx.engine, runID, models.RunStateCompleted)

	requests := fx.fake.Requests()
	require.Len(t, requests, 1)
	prompt := requests[0].Messages[1].Content
	assert.Contains(t, prompt, "Write about tides")
	assert.Contains(t, prompt, "[Pinned: Tide Charts]")
	assert.Contains(t, prompt, "Spring tides rise highest at the new moon.")
}

func TestHTTPRequestStep(t *testing.T) {
	fx := newTestEngine(t)

	var (
		gotMethod      string
		gotContentType string
		gotBody        map[string]any
		decodeErr      error
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotContentType = r.Header.Get("Content-Type")
		decodeErr = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	def := &models.PipelineDefinition{
		ID:   "notify-flow",
		Name: "Notify Flow",
		Steps: []models.PipelineStep{
			{ID: "notify", StepType: models.StepHTTPRequest, Label: "Notify",
				Config: map[string]any{"url": server.URL}},
		},
	}

	runID, err := fx.engine.StartDefinition(def, map[string]any{"title": "Dawn"})
	require.NoError(t, err)
	snap := waitState(t, fx.engine, runID, models.RunStateCompleted)

	assert.Equal(t, http.MethodPost, gotMethod, "POST is the default method")
	assert.Equal(t, "application/json", gotContentType)
	require.NoError(t, decodeErr)
	assert.Equal(t, "Dawn", gotBody["title"], "the request body is the run payload")

	assert.Equal(t, http.StatusOK, snap.Payload["http_status"])
	assert.Equal(t, `{"ok":true}`, snap.Payload["http_response"])
}
