package pipeline

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/storyloom/loom/pkg/models"
)

// commandTemplates maps slash commands to prompt templates. Commands outside
// the table fall back to the bare input placeholder.
var commandTemplates = map[string]string{
	"brainstorm": "Brainstorm several distinct directions for:\n\n{{input_text}}",
	"expand":     "Expand the following passage, keeping its voice and point of view:\n\n{{input_text}}",
	"describe":   "Write a vivid description of:\n\n{{input_text}}",
	"dialogue":   "Write a dialogue scene about:\n\n{{input_text}}",
	"continue":   "Continue the following passage seamlessly:\n\n{{input_text}}",
	"summarize":  "Summarise the following passage:\n\n{{input_text}}",
}

const genericTemplate = "{{input_text}}"

// DistillDefinition synthesises a canonical pipeline from recorded UI
// actions, rule by rule. The concrete text captured with an action is never
// baked into the definition: prompts reference {{input_text}} and read the
// real text from the run payload, so the distilled pipeline replays against
// any input. A session that contained an approval always ends on one.
func DistillDefinition(actions []models.RecordedAction, title string) (*models.PipelineDefinition, error) {
	if len(actions) == 0 {
		return nil, models.NewValidationError("actions", "no recorded actions to distill")
	}

	def := &models.PipelineDefinition{ID: uuid.NewString(), Name: title}
	seq := 0
	last := ""
	hadApproval := false

	add := func(stepType models.StepType, label string, config map[string]any) {
		seq++
		id := fmt.Sprintf("step_%d", seq)
		def.Steps = append(def.Steps, models.PipelineStep{
			ID:       id,
			StepType: stepType,
			Label:    label,
			Config:   config,
		})
		if last != "" {
			def.Edges = append(def.Edges, models.PipelineEdge{Source: last, Target: id})
		}
		last = id
	}

	for _, action := range actions {
		switch action.Type {
		case models.ActionSlashCommand:
			name := commandName(action.Command)
			template, ok := commandTemplates[name]
			if !ok {
				template = genericTemplate
			}
			add(models.StepPromptTemplate, commandLabel(name)+" Prompt", map[string]any{"template": template})
			add(models.StepLLMGenerate, "Generate", nil)

		case models.ActionApproval:
			hadApproval = true
			add(models.StepApproveOutput, "Approve Output", nil)

		case models.ActionTextSelection:
			add(models.StepGatherBuckets, "Gather Context", nil)

		case models.ActionSave:
			add(models.StepSaveToBucket, "Save Result", nil)

		case models.ActionOptionSelect:
			add(models.StepReviewPrompt, "Review Options", nil)

		case models.ActionEntityMention:
			add(models.StepSemanticSearch, "Semantic Search", map[string]any{"query": genericTemplate})

		case models.ActionChatMessage:
			add(models.StepLLMGenerate, "Generate", map[string]any{"prompt_template": genericTemplate})

		default:
			slog.Debug("skipping unknown recorded action", "type", action.Type)
		}
	}

	if len(def.Steps) == 0 {
		return nil, models.NewValidationError("actions", "recorded actions produced no steps")
	}

	if hadApproval && def.Steps[len(def.Steps)-1].StepType != models.StepApproveOutput {
		add(models.StepApproveOutput, "Final Review", nil)
	}
	return def, nil
}

// commandName normalises a recorded command to its bare lower-case name.
func commandName(command string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(command), "/"))
}

func commandLabel(name string) string {
	if name == "" {
		return "Command"
	}
	return strings.ToUpper(name[:1]) + name[1:]
}
