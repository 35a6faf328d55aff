package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storyloom/loom/pkg/models"
)

func TestParsePlannedDefinition(t *testing.T) {
	t.Run("fenced plan parses", func(t *testing.T) {
		response := "Here is the pipeline:\n```json\n" +
			`{"steps": [
				{"id": "step_1", "step_type": "GATHER_BUCKETS", "label": "Gather"},
				{"id": "step_2", "step_type": "LLM_GENERATE", "label": "Draft"},
				{"id": "step_3", "step_type": "APPROVE_OUTPUT", "label": "Review"}
			], "edges": [
				{"source": "step_1", "target": "step_2"},
				{"source": "step_2", "target": "step_3"}
			]}` + "\n```"

		def, err := parsePlannedDefinition(response, "Chapter Draft")
		require.NoError(t, err)
		assert.Equal(t, "Chapter Draft", def.Name)
		assert.NotEmpty(t, def.ID)
		require.Len(t, def.Steps, 3)
		assert.Equal(t, models.StepLLMGenerate, def.Steps[1].StepType)
		require.Len(t, def.Edges, 2)
		require.NoError(t, ValidateDefinition(def))
	})

	t.Run("unknown step types are skipped", func(t *testing.T) {
		response := `{"steps": [
			{"id": "step_1", "step_type": "SUMMON_MUSE", "label": "Nope"},
			{"id": "step_2", "step_type": "LLM_GENERATE", "label": "Draft"}
		], "edges": [{"source": "step_1", "target": "step_2"}]}`

		def, err := parsePlannedDefinition(response, "Tolerant")
		require.NoError(t, err)
		require.Len(t, def.Steps, 1)
		assert.Equal(t, "step_2", def.Steps[0].ID)
		// The edge referenced the skipped step, so it is dropped too.
		assert.Empty(t, def.Edges)
	})

	t.Run("duplicate and empty ids are skipped", func(t *testing.T) {
		response := `{"steps": [
			{"id": "step_1", "step_type": "LLM_GENERATE", "label": "First"},
			{"id": "step_1", "step_type": "LLM_GENERATE", "label": "Dup"},
			{"id": "", "step_type": "LLM_GENERATE", "label": "Anon"}
		], "edges": []}`

		def, err := parsePlannedDefinition(response, "Dedup")
		require.NoError(t, err)
		require.Len(t, def.Steps, 1)
		assert.Equal(t, "First", def.Steps[0].Label)
	})

	t.Run("no JSON at all", func(t *testing.T) {
		_, err := parsePlannedDefinition("I would rather describe it in prose.", "None")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "planner produced no JSON plan")
	})

	t.Run("no usable steps", func(t *testing.T) {
		_, err := parsePlannedDefinition(`{"steps": [{"id": "x", "step_type": "NOT_A_TYPE"}]}`, "Empty")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no usable steps")
	})
}
