package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/storyloom/loom/pkg/models"
)

// Run is one live pipeline execution. The executor goroutine owns the
// traversal; every payload access goes through the mutex so observers can
// snapshot a consistent state at any time.
type Run struct {
	id           string
	definitionID string
	def          *models.PipelineDefinition
	createdAt    time.Time

	resumeCh chan map[string]any
	cancel   context.CancelFunc

	mu             sync.Mutex
	state          models.RunState
	currentStep    *models.PipelineStep
	payload        map[string]any
	stepsCompleted []string
	overrides      map[string]map[string]any
	errText        string
}

func newRun(id string, def *models.PipelineDefinition, definitionID string, payload map[string]any, cancel context.CancelFunc) *Run {
	if payload == nil {
		payload = make(map[string]any)
	}
	return &Run{
		id:           id,
		definitionID: definitionID,
		def:          def,
		createdAt:    time.Now().UTC(),
		resumeCh:     make(chan map[string]any, 1),
		cancel:       cancel,
		state:        models.RunStateContextGathering,
		payload:      deepCopyMap(payload),
		overrides:    make(map[string]map[string]any),
	}
}

// ID returns the run identifier.
func (r *Run) ID() string { return r.id }

// Snapshot returns an immutable copy of the run state, safe to serialise
// while the run keeps executing.
func (r *Run) Snapshot() models.RunSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap := models.RunSnapshot{
		ID:             r.id,
		DefinitionID:   r.definitionID,
		CurrentState:   r.state,
		Payload:        deepCopyMap(r.payload),
		StepsCompleted: append([]string(nil), r.stepsCompleted...),
		CreatedAt:      r.createdAt,
		Error:          r.errText,
	}
	if r.currentStep != nil {
		snap.CurrentStepID = r.currentStep.ID
		snap.CurrentStepType = r.currentStep.StepType
		snap.CurrentStepLbl = r.currentStep.Label
	}
	if len(r.overrides) > 0 {
		snap.StepOverrides = make(map[string]map[string]any, len(r.overrides))
		for id, ov := range r.overrides {
			snap.StepOverrides[id] = deepCopyMap(ov)
		}
	}
	return snap
}

// State returns the current run state.
func (r *Run) State() models.RunState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Run) setState(state models.RunState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = state
}

func (r *Run) setCursor(step *models.PipelineStep, state models.RunState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.currentStep = step
	r.state = state
}

func (r *Run) fail(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = models.RunStateFailed
	if err != nil {
		r.errText = err.Error()
	}
}

func (r *Run) complete() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = models.RunStateCompleted
	r.currentStep = nil
}

func (r *Run) markCompleted(stepID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stepsCompleted = append(r.stepsCompleted, stepID)
}

// Payload returns a deep copy of the payload.
func (r *Run) Payload() map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return deepCopyMap(r.payload)
}

// GetPayload reads one payload key.
func (r *Run) GetPayload(key string) (any, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.payload[key]
	return v, ok
}

// GetString reads one payload key as a string, "" when absent or not one.
func (r *Run) GetString(key string) string {
	v, _ := r.GetPayload(key)
	s, _ := v.(string)
	return s
}

// SetPayload writes one payload key.
func (r *Run) SetPayload(key string, value any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.payload[key] = value
}

// DeletePayload removes one payload key.
func (r *Run) DeletePayload(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.payload, key)
}

// MergePayload shallow-merges a patch into the payload.
func (r *Run) MergePayload(patch map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, v := range patch {
		r.payload[k] = v
	}
}

func (r *Run) appendPayloadList(key, value string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	list, _ := r.payload[key].([]any)
	r.payload[key] = append(list, value)
}

func (r *Run) setOverride(stepID string, override map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.overrides[stepID] = deepCopyMap(override)
}

func (r *Run) override(stepID string) map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ov, ok := r.overrides[stepID]; ok {
		return deepCopyMap(ov)
	}
	return nil
}

// lastGenerateStep scans completed steps backward for the most recent
// LLM_GENERATE, the rewind target for refine/regenerate resumes.
func (r *Run) lastGenerateStep() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.def == nil {
		return ""
	}
	for i := len(r.stepsCompleted) - 1; i >= 0; i-- {
		step := r.def.Step(r.stepsCompleted[i])
		if step != nil && step.StepType == models.StepLLMGenerate {
			return step.ID
		}
	}
	return ""
}

// deepCopyMap copies nested maps and slices; scalar values are shared,
// which is safe because payload scalars are immutable.
func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return make(map[string]any)
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return deepCopyMap(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = deepCopyValue(item)
		}
		return out
	case []string:
		return append([]string(nil), t...)
	}
	return v
}
