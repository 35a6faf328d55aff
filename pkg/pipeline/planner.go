package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/storyloom/loom/pkg/agent"
	"github.com/storyloom/loom/pkg/models"
)

const plannerPromptFormat = `Design a writing pipeline for the intent below.

Respond with a single JSON object of the form:
{"steps": [{"id": "step_1", "step_type": "...", "label": "...", "config": {}}], "edges": [{"source": "step_1", "target": "step_2"}]}

step_type must be one of: %s.

Intent: %s`

// GenerateDefinition asks the planner skill to design a pipeline for the
// intent and parses its response tolerantly: code fences stripped, unknown
// step types skipped, edges with unknown endpoints dropped.
func (e *Engine) GenerateDefinition(ctx context.Context, intent, title string) (*models.PipelineDefinition, error) {
	skill, ok := e.dispatcher.Skills().Get("planner")
	if !ok {
		return nil, fmt.Errorf("planner skill is not registered")
	}

	types := models.StepTypes()
	names := make([]string, len(types))
	for i, t := range types {
		names[i] = string(t)
	}

	result := e.dispatcher.Execute(ctx, skill, fmt.Sprintf(plannerPromptFormat, strings.Join(names, ", "), intent), nil)
	if !result.Success {
		return nil, fmt.Errorf("planner dispatch failed: %w", result.Err)
	}

	return parsePlannedDefinition(result.Response, title)
}

func parsePlannedDefinition(response, title string) (*models.PipelineDefinition, error) {
	obj, err := agent.ExtractJSONObject(response)
	if err != nil {
		return nil, fmt.Errorf("planner produced no JSON plan: %w", err)
	}

	raw, err := json.Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("failed to re-encode plan: %w", err)
	}
	var doc struct {
		Steps []models.PipelineStep `json:"steps"`
		Edges []models.PipelineEdge `json:"edges"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("plan does not match the expected schema: %w", err)
	}

	def := &models.PipelineDefinition{ID: uuid.NewString(), Name: title}
	known := make(map[string]bool)
	for _, step := range doc.Steps {
		if step.ID == "" || known[step.ID] {
			continue
		}
		if !step.StepType.Valid() {
			slog.Warn("planner emitted unknown step type", "step_id", step.ID, "step_type", step.StepType)
			continue
		}
		known[step.ID] = true
		def.Steps = append(def.Steps, step)
	}
	if len(def.Steps) == 0 {
		return nil, fmt.Errorf("planner produced no usable steps")
	}

	for _, edge := range doc.Edges {
		if !known[edge.Source] || !known[edge.Target] {
			continue
		}
		def.Edges = append(def.Edges, edge)
	}
	return def, nil
}
