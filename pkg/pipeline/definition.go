package pipeline

import (
	"encoding/json"
	"fmt"

	"github.com/storyloom/loom/pkg/models"
)

// ValidateDefinition checks step ids, step types, and edge endpoints.
// Edges mirroring a LOOP step's loop_back_to target are legal; any other
// cycle is rejected.
func ValidateDefinition(def *models.PipelineDefinition) error {
	if def == nil || len(def.Steps) == 0 {
		return models.NewValidationError("steps", "pipeline definition has no steps")
	}

	seen := make(map[string]bool, len(def.Steps))
	for _, step := range def.Steps {
		if step.ID == "" {
			return models.NewValidationError("steps", "pipeline definition contains a step with an empty id")
		}
		if seen[step.ID] {
			return models.NewValidationError("steps", fmt.Sprintf("duplicate step id %q", step.ID))
		}
		seen[step.ID] = true
		if !step.StepType.Valid() {
			return models.NewValidationError("steps", fmt.Sprintf("step %q has unknown type %q", step.ID, step.StepType))
		}
	}

	for _, edge := range def.Edges {
		if !seen[edge.Source] || !seen[edge.Target] {
			return models.NewValidationError("edges", fmt.Sprintf("edge %s -> %s references an unknown step", edge.Source, edge.Target))
		}
	}

	if _, err := TopoOrder(def); err != nil {
		return models.NewValidationError("edges", err.Error())
	}
	return nil
}

// TopoOrder returns a topological ordering of step ids, stable with respect
// to definition order among ready steps. Loop-back edges (a LOOP step to
// its configured loop_back_to target) are left out of the sort; the
// executor follows them through the step config, not the edge list.
func TopoOrder(def *models.PipelineDefinition) ([]string, error) {
	indegree := make(map[string]int, len(def.Steps))
	adjacent := make(map[string][]string)
	for _, step := range def.Steps {
		indegree[step.ID] = 0
	}
	loopBack := loopBackTargets(def)
	for _, edge := range def.Edges {
		if loopBack[edge.Source] == edge.Target {
			continue
		}
		adjacent[edge.Source] = append(adjacent[edge.Source], edge.Target)
		indegree[edge.Target]++
	}

	var queue []string
	for _, step := range def.Steps {
		if indegree[step.ID] == 0 {
			queue = append(queue, step.ID)
		}
	}

	order := make([]string, 0, len(def.Steps))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)
		for _, next := range adjacent[id] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if len(order) != len(def.Steps) {
		return nil, fmt.Errorf("pipeline definition contains a cycle")
	}
	return order, nil
}

// defaultNext returns the target of the step's first outgoing edge in
// definition order, or "" when the step is terminal. A LOOP step's
// mirrored loop-back edge never counts as its forward continuation.
func defaultNext(def *models.PipelineDefinition, stepID string) string {
	loopBack := loopBackTargets(def)
	for _, edge := range def.Edges {
		if edge.Source != stepID {
			continue
		}
		if loopBack[edge.Source] == edge.Target {
			continue
		}
		return edge.Target
	}
	return ""
}

// loopBackTargets maps each LOOP step id to its loop_back_to target.
func loopBackTargets(def *models.PipelineDefinition) map[string]string {
	targets := make(map[string]string)
	for _, step := range def.Steps {
		if step.StepType != models.StepLoop {
			continue
		}
		if back := configString(step.Config, "loop_back_to"); back != "" {
			targets[step.ID] = back
		}
	}
	return targets
}

// DecodeDefinition reconstructs a definition from entity attributes, the
// storage shape used for pipeline_def entities.
func DecodeDefinition(attributes map[string]any) (*models.PipelineDefinition, error) {
	raw, err := json.Marshal(attributes)
	if err != nil {
		return nil, fmt.Errorf("failed to encode definition attributes: %w", err)
	}
	var def models.PipelineDefinition
	if err := json.Unmarshal(raw, &def); err != nil {
		return nil, fmt.Errorf("failed to decode pipeline definition: %w", err)
	}
	if err := ValidateDefinition(&def); err != nil {
		return nil, err
	}
	return &def, nil
}

// EncodeDefinition renders a definition as entity attributes for storage.
func EncodeDefinition(def *models.PipelineDefinition) (map[string]any, error) {
	raw, err := json.Marshal(def)
	if err != nil {
		return nil, fmt.Errorf("failed to encode pipeline definition: %w", err)
	}
	var attributes map[string]any
	if err := json.Unmarshal(raw, &attributes); err != nil {
		return nil, fmt.Errorf("failed to decode definition attributes: %w", err)
	}
	return attributes, nil
}
