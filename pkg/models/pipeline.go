package models

import "time"

// StepType identifies one variant of pipeline step. Each type has a distinct
// config shape and a registered handler; logic types are routed by the
// executor cursor itself.
type StepType string

const (
	// CONTEXT
	StepGatherBuckets  StepType = "GATHER_BUCKETS"
	StepSemanticSearch StepType = "SEMANTIC_SEARCH"

	// TRANSFORM
	StepPromptTemplate StepType = "PROMPT_TEMPLATE"
	StepMultiVariant   StepType = "MULTI_VARIANT"

	// HUMAN
	StepReviewPrompt  StepType = "REVIEW_PROMPT"
	StepApproveOutput StepType = "APPROVE_OUTPUT"
	StepApproveImage  StepType = "APPROVE_IMAGE"

	// EXECUTE
	StepLLMGenerate          StepType = "LLM_GENERATE"
	StepImageGenerate        StepType = "IMAGE_GENERATE"
	StepSaveToBucket         StepType = "SAVE_TO_BUCKET"
	StepHTTPRequest          StepType = "HTTP_REQUEST"
	StepResearchDeepDive     StepType = "RESEARCH_DEEP_DIVE"
	StepStyleEnforceDialogue StepType = "STYLE_ENFORCE_DIALOGUE"

	// LOGIC
	StepIfElse       StepType = "IF_ELSE"
	StepLoop         StepType = "LOOP"
	StepMergeOutputs StepType = "MERGE_OUTPUTS"
)

// StepCategory groups step types by execution discipline.
type StepCategory string

const (
	CategoryContext   StepCategory = "CONTEXT"
	CategoryTransform StepCategory = "TRANSFORM"
	CategoryHuman     StepCategory = "HUMAN"
	CategoryExecute   StepCategory = "EXECUTE"
	CategoryLogic     StepCategory = "LOGIC"
)

var stepCategories = map[StepType]StepCategory{
	StepGatherBuckets:        CategoryContext,
	StepSemanticSearch:       CategoryContext,
	StepPromptTemplate:       CategoryTransform,
	StepMultiVariant:         CategoryTransform,
	StepReviewPrompt:         CategoryHuman,
	StepApproveOutput:        CategoryHuman,
	StepApproveImage:         CategoryHuman,
	StepLLMGenerate:          CategoryExecute,
	StepImageGenerate:        CategoryExecute,
	StepSaveToBucket:         CategoryExecute,
	StepHTTPRequest:          CategoryExecute,
	StepResearchDeepDive:     CategoryExecute,
	StepStyleEnforceDialogue: CategoryExecute,
	StepIfElse:               CategoryLogic,
	StepLoop:                 CategoryLogic,
	StepMergeOutputs:         CategoryLogic,
}

// Category returns the execution category for the step type, or "" when the
// type is unknown.
func (t StepType) Category() StepCategory { return stepCategories[t] }

// StepTypes lists the full taxonomy in a stable order, grouped by category.
func StepTypes() []StepType {
	return []StepType{
		StepGatherBuckets, StepSemanticSearch,
		StepPromptTemplate, StepMultiVariant,
		StepReviewPrompt, StepApproveOutput, StepApproveImage,
		StepLLMGenerate, StepImageGenerate, StepSaveToBucket,
		StepHTTPRequest, StepResearchDeepDive, StepStyleEnforceDialogue,
		StepIfElse, StepLoop, StepMergeOutputs,
	}
}

// Valid reports whether the step type is part of the taxonomy.
func (t StepType) Valid() bool { _, ok := stepCategories[t]; return ok }

// IsHuman reports whether the step pauses for operator input.
func (t StepType) IsHuman() bool { return stepCategories[t] == CategoryHuman }

// IsLogic reports whether the step is routed by the executor cursor.
func (t StepType) IsLogic() bool { return stepCategories[t] == CategoryLogic }

// StepPosition is UI-only placement data carried through unchanged.
type StepPosition struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// PipelineStep is one node of a pipeline definition.
type PipelineStep struct {
	ID       string         `json:"id"`
	StepType StepType       `json:"step_type"`
	Label    string         `json:"label"`
	Config   map[string]any `json:"config,omitempty"`
	Position *StepPosition  `json:"position,omitempty"`
}

// PipelineEdge connects two steps by id. The first outgoing edge of a step,
// in definition order, is its default next.
type PipelineEdge struct {
	Source string `json:"source"`
	Target string `json:"target"`
}

// PipelineDefinition is a reusable DAG of steps. Stored as an entity with
// entity_type "pipeline_def". Loops are expressed as explicit loop-back
// targets inside LOOP step config, not as structural cycles.
type PipelineDefinition struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Steps       []PipelineStep `json:"steps"`
	Edges       []PipelineEdge `json:"edges"`
}

// Step returns the step with the given id, or nil.
func (d *PipelineDefinition) Step(id string) *PipelineStep {
	for i := range d.Steps {
		if d.Steps[i].ID == id {
			return &d.Steps[i]
		}
	}
	return nil
}

// RunState is the pipeline run state machine:
// CONTEXT_GATHERING → PROMPT_ASSEMBLY → EXECUTING ⇄ PAUSED_FOR_USER →
// COMPLETED | FAILED.
type RunState string

const (
	RunStateContextGathering RunState = "CONTEXT_GATHERING"
	RunStatePromptAssembly   RunState = "PROMPT_ASSEMBLY"
	RunStateExecuting        RunState = "EXECUTING"
	RunStatePausedForUser    RunState = "PAUSED_FOR_USER"
	RunStateCompleted        RunState = "COMPLETED"
	RunStateFailed           RunState = "FAILED"
)

// Terminal reports whether the state ends the run.
func (s RunState) Terminal() bool {
	return s == RunStateCompleted || s == RunStateFailed
}

// RunSnapshot is the JSON shape streamed to run observers and persisted on
// terminal transition. It is an immutable copy; live run mutation happens
// only inside the owning run task.
type RunSnapshot struct {
	ID              string                    `json:"id"`
	DefinitionID    string                    `json:"definition_id,omitempty"`
	CurrentState    RunState                  `json:"current_state"`
	CurrentStepID   string                    `json:"current_step_id,omitempty"`
	CurrentStepType StepType                  `json:"current_step_type,omitempty"`
	CurrentStepLbl  string                    `json:"current_step_label,omitempty"`
	CurrentAgentID  string                    `json:"current_agent_id,omitempty"`
	Payload         map[string]any            `json:"payload"`
	StepsCompleted  []string                  `json:"steps_completed"`
	StepOverrides   map[string]map[string]any `json:"step_overrides,omitempty"`
	CreatedAt       time.Time                 `json:"created_at"`
	Error           string                    `json:"error,omitempty"`
}

// StartRunRequest starts a pipeline run.
type StartRunRequest struct {
	DefinitionID string         `json:"definition_id,omitempty"`
	Payload      map[string]any `json:"payload,omitempty"`
}

// ResumeRunRequest releases a paused run with a payload patch. Patch keys
// refine_instructions and regenerate rewind the cursor to the most recent
// LLM_GENERATE step.
type ResumeRunRequest struct {
	Patch map[string]any `json:"patch,omitempty"`
}

// StepModelOverrideRequest records a runtime model override for one step.
type StepModelOverrideRequest struct {
	StepID string `json:"step_id"`
	Model  string `json:"model"`
}

// RecordedAction is one captured UI interaction from a writing session.
// Command names the slash command when Type is "slash_command"; Text carries
// the concrete text the user typed or selected, which distillation
// generalises away rather than baking into the definition.
type RecordedAction struct {
	Type    string `json:"type"`
	Command string `json:"command,omitempty"`
	Text    string `json:"text,omitempty"`
}

// Recorded action types accepted by pipeline distillation.
const (
	ActionSlashCommand  = "slash_command"
	ActionChatMessage   = "chat_message"
	ActionApproval      = "approval"
	ActionTextSelection = "text_selection"
	ActionOptionSelect  = "option_select"
	ActionSave          = "save"
	ActionEntityMention = "entity_mention"
)

// GeneratePipelineRequest asks the planner skill to design a definition
// from a natural-language intent.
type GeneratePipelineRequest struct {
	Intent string `json:"intent"`
	Title  string `json:"title"`
}

// DistillPipelineRequest turns a recorded session into a reusable
// definition.
type DistillPipelineRequest struct {
	Actions []RecordedAction `json:"actions"`
	Title   string           `json:"title"`
}
