package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storyloom/loom/pkg/models"
)

func linearDefinition() *models.PipelineDefinition {
	return &models.PipelineDefinition{
		ID:   "def-linear",
		Name: "Draft Scene",
		Steps: []models.PipelineStep{
			{ID: "gather", StepType: models.StepGatherBuckets, Label: "Gather Context"},
			{ID: "template", StepType: models.StepPromptTemplate, Label: "Assemble Prompt",
				Config: map[string]any{"template": "Write about {{input_text}}"}},
			{ID: "generate", StepType: models.StepLLMGenerate, Label: "Generate"},
			{ID: "approve", StepType: models.StepApproveOutput, Label: "Review"},
		},
		Edges: []models.PipelineEdge{
			{Source: "gather", Target: "template"},
			{Source: "template", Target: "generate"},
			{Source: "generate", Target: "approve"},
		},
	}
}

func TestValidateDefinition(t *testing.T) {
	t.Run("valid definition passes", func(t *testing.T) {
		require.NoError(t, ValidateDefinition(linearDefinition()))
	})

	t.Run("nil definition", func(t *testing.T) {
		err := ValidateDefinition(nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no steps")
	})

	t.Run("no steps", func(t *testing.T) {
		err := ValidateDefinition(&models.PipelineDefinition{ID: "empty"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no steps")
	})

	t.Run("empty step id", func(t *testing.T) {
		def := linearDefinition()
		def.Steps[1].ID = ""
		err := ValidateDefinition(def)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "empty id")
	})

	t.Run("duplicate step id", func(t *testing.T) {
		def := linearDefinition()
		def.Steps[2].ID = "gather"
		err := ValidateDefinition(def)
		require.Error(t, err)
		assert.Contains(t, err.Error(), `duplicate step id "gather"`)
	})

	t.Run("unknown step type", func(t *testing.T) {
		def := linearDefinition()
		def.Steps[0].StepType = "TELEPORT"
		err := ValidateDefinition(def)
		require.Error(t, err)
		assert.Contains(t, err.Error(), `unknown type "TELEPORT"`)
	})

	t.Run("edge to unknown step", func(t *testing.T) {
		def := linearDefinition()
		def.Edges = append(def.Edges, models.PipelineEdge{Source: "approve", Target: "ghost"})
		err := ValidateDefinition(def)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unknown step")
	})

	t.Run("structural cycle rejected", func(t *testing.T) {
		def := linearDefinition()
		def.Edges = append(def.Edges, models.PipelineEdge{Source: "approve", Target: "gather"})
		err := ValidateDefinition(def)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "cycle")
	})

	t.Run("mirrored loop-back edge accepted", func(t *testing.T) {
		require.NoError(t, ValidateDefinition(loopDefinition()))
	})
}

// loopDefinition draws the loop-back jump as an edge the way the pipeline
// editor does, alongside the loop_back_to config the executor follows.
func loopDefinition() *models.PipelineDefinition {
	return &models.PipelineDefinition{
		ID:   "def-loop",
		Name: "Revise Until Ready",
		Steps: []models.PipelineStep{
			{ID: "init", StepType: models.StepGatherBuckets, Label: "Gather"},
			{ID: "work", StepType: models.StepSaveToBucket, Label: "Work"},
			{ID: "check", StepType: models.StepLoop, Label: "Check",
				Config: map[string]any{"exit_condition": "ready == true", "loop_back_to": "work", "max_iterations": 3}},
			{ID: "done", StepType: models.StepApproveOutput, Label: "Done"},
		},
		Edges: []models.PipelineEdge{
			{Source: "init", Target: "work"},
			{Source: "work", Target: "check"},
			{Source: "check", Target: "work"},
			{Source: "check", Target: "done"},
		},
	}
}

func TestTopoOrder(t *testing.T) {
	t.Run("linear chain keeps definition order", func(t *testing.T) {
		order, err := TopoOrder(linearDefinition())
		require.NoError(t, err)
		assert.Equal(t, []string{"gather", "template", "generate", "approve"}, order)
	})

	t.Run("diamond stays stable among ready steps", func(t *testing.T) {
		def := &models.PipelineDefinition{
			ID: "diamond",
			Steps: []models.PipelineStep{
				{ID: "root", StepType: models.StepGatherBuckets},
				{ID: "left", StepType: models.StepLLMGenerate},
				{ID: "right", StepType: models.StepSemanticSearch},
				{ID: "join", StepType: models.StepMergeOutputs},
			},
			Edges: []models.PipelineEdge{
				{Source: "root", Target: "left"},
				{Source: "root", Target: "right"},
				{Source: "left", Target: "join"},
				{Source: "right", Target: "join"},
			},
		}
		order, err := TopoOrder(def)
		require.NoError(t, err)
		assert.Equal(t, []string{"root", "left", "right", "join"}, order)
	})

	t.Run("loop-back edge left out of the sort", func(t *testing.T) {
		order, err := TopoOrder(loopDefinition())
		require.NoError(t, err)
		assert.Equal(t, []string{"init", "work", "check", "done"}, order)
	})

	t.Run("cycle detected", func(t *testing.T) {
		def := &models.PipelineDefinition{
			ID: "cyclic",
			Steps: []models.PipelineStep{
				{ID: "a", StepType: models.StepLLMGenerate},
				{ID: "b", StepType: models.StepLLMGenerate},
			},
			Edges: []models.PipelineEdge{
				{Source: "a", Target: "b"},
				{Source: "b", Target: "a"},
			},
		}
		_, err := TopoOrder(def)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "cycle")
	})
}

func TestDefaultNext(t *testing.T) {
	def := linearDefinition()
	assert.Equal(t, "template", defaultNext(def, "gather"))
	assert.Equal(t, "approve", defaultNext(def, "generate"))
	assert.Equal(t, "", defaultNext(def, "approve"))

	// First outgoing edge in definition order wins on branches.
	def.Edges = append([]models.PipelineEdge{{Source: "gather", Target: "generate"}}, def.Edges...)
	assert.Equal(t, "generate", defaultNext(def, "gather"))

	// A LOOP step's mirrored loop-back edge is never its forward
	// continuation, regardless of edge order.
	loop := loopDefinition()
	assert.Equal(t, "done", defaultNext(loop, "check"))
}

func TestEncodeDecodeDefinition(t *testing.T) {
	original := linearDefinition()
	original.Description = "Gather, draft, review."
	original.Steps[0].Position = &models.StepPosition{X: 120, Y: 40}

	attributes, err := EncodeDefinition(original)
	require.NoError(t, err)
	assert.Equal(t, "Draft Scene", attributes["name"])

	decoded, err := DecodeDefinition(attributes)
	require.NoError(t, err)
	assert.Equal(t, original.ID, decoded.ID)
	assert.Equal(t, original.Description, decoded.Description)
	require.Len(t, decoded.Steps, 4)
	assert.Equal(t, models.StepPromptTemplate, decoded.Steps[1].StepType)
	assert.Equal(t, "Write about {{input_text}}", decoded.Steps[1].Config["template"])
	require.NotNil(t, decoded.Steps[0].Position)
	assert.Equal(t, float64(120), decoded.Steps[0].Position.X)
	require.Len(t, decoded.Edges, 3)
	assert.Equal(t, "generate", decoded.Edges[2].Source)
}

func TestDecodeDefinition_Invalid(t *testing.T) {
	t.Run("attributes without steps", func(t *testing.T) {
		_, err := DecodeDefinition(map[string]any{"name": "bare"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no steps")
	})

	t.Run("steps of the wrong shape", func(t *testing.T) {
		_, err := DecodeDefinition(map[string]any{"steps": "not-a-list"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to decode pipeline definition")
	})
}
