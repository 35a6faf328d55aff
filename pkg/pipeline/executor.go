package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"dario.cat/mergo"

	"github.com/storyloom/loom/pkg/models"
)

// execute owns one run from launch to terminal state.
func (e *Engine) execute(ctx context.Context, run *Run) {
	defer e.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			slog.Error("pipeline run panicked", "run_id", run.id, "panic", r)
			run.fail(fmt.Errorf("run panicked: %v", r))
			e.persistTerminal(run)
		}
	}()

	if run.def == nil {
		e.runScripted(ctx, run)
		e.persistTerminal(run)
		return
	}

	if err := e.traverse(ctx, run); err != nil {
		slog.Warn("pipeline run failed", "run_id", run.id, "error", err)
		run.fail(err)
	} else {
		run.complete()
	}
	e.persistTerminal(run)
	slog.Info("pipeline run finished", "run_id", run.id, "state", run.State())
}

// traverse follows the current-step cursor through the definition. The
// topological order only supplies the entry point and validation; routing
// comes from edges and logic-step targets.
func (e *Engine) traverse(ctx context.Context, run *Run) error {
	def := run.def
	order, err := TopoOrder(def)
	if err != nil {
		return err
	}

	cursor := order[0]
	loopCounts := make(map[string]int)

	for cursor != "" {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("run cancelled: %w", err)
		}

		step := def.Step(cursor)
		if step == nil {
			return fmt.Errorf("cursor points at unknown step %q", cursor)
		}
		run.setCursor(step, stateForStep(step))

		var next string
		switch {
		case step.StepType.IsHuman():
			next, err = e.stepHuman(ctx, run, step)
		case step.StepType.IsLogic():
			next, err = e.stepLogic(run, step, loopCounts)
		default:
			handler, ok := e.handlers[step.StepType]
			if !ok {
				return fmt.Errorf("no handler registered for step type %s", step.StepType)
			}
			if err = handler(ctx, run, step); err != nil {
				err = fmt.Errorf("step %s (%s) failed: %w", step.ID, step.StepType, err)
			}
			next = defaultNext(def, step.ID)
		}
		if err != nil {
			return err
		}

		run.markCompleted(step.ID)
		cursor = next
	}
	return nil
}

// stateForStep maps the step category onto the run state machine. The pause
// transition for human steps happens inside stepHuman, after the
// auto-approval check.
func stateForStep(step *models.PipelineStep) models.RunState {
	switch step.StepType.Category() {
	case models.CategoryContext:
		return models.RunStateContextGathering
	case models.CategoryTransform:
		return models.RunStatePromptAssembly
	default:
		return models.RunStateExecuting
	}
}

// stepHuman pauses for operator input unless the output qualifies for
// auto-approval. A resume patch carrying refine_instructions or
// regenerate=true rewinds the cursor to the most recent generation step.
func (e *Engine) stepHuman(ctx context.Context, run *Run, step *models.PipelineStep) (string, error) {
	if step.StepType == models.StepApproveOutput && e.autoApproved(run, step) {
		run.appendPayloadList("auto_approved_steps", step.ID)
		slog.Debug("step auto-approved", "run_id", run.id, "step_id", step.ID)
		return defaultNext(run.def, step.ID), nil
	}

	run.MergePayload(map[string]any{
		"step_name":   step.Label,
		"step_type":   string(step.StepType),
		"step_config": deepCopyMap(step.Config),
	})
	run.setState(models.RunStatePausedForUser)
	slog.Info("pipeline run paused for user", "run_id", run.id, "step_id", step.ID)

	select {
	case patch := <-run.resumeCh:
		run.MergePayload(patch)
		run.setState(models.RunStateExecuting)
		if target := e.rewindTarget(run); target != "" {
			slog.Info("resuming with rewind", "run_id", run.id, "target_step", target)
			return target, nil
		}
		return defaultNext(run.def, step.ID), nil

	case <-ctx.Done():
		return "", fmt.Errorf("run cancelled while paused: %w", ctx.Err())
	}
}

// autoApproved reports whether an APPROVE_OUTPUT step can pass without an
// operator: confidence above the step's threshold and no continuity errors.
func (e *Engine) autoApproved(run *Run, step *models.PipelineStep) bool {
	threshold := configFloat(step.Config, "auto_approve_threshold", defaultAutoApprove)

	confidence, ok := run.GetPayload("confidence_score")
	score, numeric := toNumber(confidence)
	if !ok || !numeric || score <= threshold {
		return false
	}

	if errs, ok := run.GetPayload("continuity_errors"); ok && truthy(errs) {
		return false
	}
	return true
}

// rewindTarget inspects the merged payload after a resume: refinement or
// regeneration requests send the cursor back to the nearest LLM_GENERATE.
func (e *Engine) rewindTarget(run *Run) string {
	wantsRegen := false
	if v, ok := run.GetPayload("regenerate"); ok {
		b, isBool := v.(bool)
		wantsRegen = isBool && b
	}
	if run.GetString("refine_instructions") == "" && !wantsRegen {
		return ""
	}
	return run.lastGenerateStep()
}

// stepLogic routes IF_ELSE, LOOP, and MERGE_OUTPUTS from the cursor itself.
func (e *Engine) stepLogic(run *Run, step *models.PipelineStep, loopCounts map[string]int) (string, error) {
	def := run.def

	switch step.StepType {
	case models.StepIfElse:
		condition, _ := step.Config["condition"].(string)
		pass, err := EvalCondition(condition, run.Payload())
		if err != nil {
			slog.Warn("condition evaluation failed, taking the false branch",
				"run_id", run.id, "step_id", step.ID, "error", err)
			pass = false
		}
		if pass {
			return configString(step.Config, "true_target"), nil
		}
		return configString(step.Config, "false_target"), nil

	case models.StepLoop:
		loopCounts[step.ID]++
		count := loopCounts[step.ID]
		run.SetPayload("iteration", count)

		condition, _ := step.Config["exit_condition"].(string)
		if condition == "" {
			condition, _ = step.Config["condition"].(string)
		}

		exit := false
		done, err := EvalCondition(condition, run.Payload())
		switch {
		case err != nil:
			// A broken condition must not loop forever.
			slog.Warn("loop condition failed, exiting loop",
				"run_id", run.id, "step_id", step.ID, "error", err)
			exit = true
		case done:
			exit = true
		case count >= configInt(step.Config, "max_iterations", defaultLoopIterations):
			exit = true
		}

		if exit {
			return defaultNext(def, step.ID), nil
		}
		back := configString(step.Config, "loop_back_to")
		if back == "" {
			return defaultNext(def, step.ID), nil
		}
		return back, nil

	case models.StepMergeOutputs:
		if err := mergeOutputs(run, step); err != nil {
			return "", fmt.Errorf("step %s (MERGE_OUTPUTS) failed: %w", step.ID, err)
		}
		return defaultNext(def, step.ID), nil
	}

	return "", fmt.Errorf("unhandled logic step type %s", step.StepType)
}

// mergeOutputs builds payload.merged from the configured source keys, with
// shallow or deep strategy. Non-map sources keep their own key.
func mergeOutputs(run *Run, step *models.PipelineStep) error {
	strategy := configString(step.Config, "merge_strategy")
	merged := make(map[string]any)

	for _, key := range configStrings(step.Config, "source_keys") {
		value, ok := run.GetPayload(key)
		if !ok {
			continue
		}
		source, isMap := value.(map[string]any)
		if !isMap {
			merged[key] = value
			continue
		}
		if strategy == "deep" {
			if err := mergo.Merge(&merged, source, mergo.WithOverride); err != nil {
				return fmt.Errorf("deep merge of %s: %w", key, err)
			}
			continue
		}
		for k, v := range source {
			merged[k] = v
		}
	}

	run.SetPayload("merged", merged)
	return nil
}

// runScripted is the legacy sequence for runs without a definition:
// context gathering, prompt assembly, a single pause, execution, done.
func (e *Engine) runScripted(ctx context.Context, run *Run) {
	run.SetPayload("scripted", true)

	run.setState(models.RunStateContextGathering)
	run.setState(models.RunStatePromptAssembly)
	run.setState(models.RunStatePausedForUser)

	select {
	case patch := <-run.resumeCh:
		run.MergePayload(patch)
	case <-ctx.Done():
		run.fail(fmt.Errorf("run cancelled while paused: %w", ctx.Err()))
		return
	}

	run.setState(models.RunStateExecuting)
	run.complete()
}

func snapshotAttributes(snap models.RunSnapshot) (map[string]any, error) {
	raw, err := json.Marshal(snap)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
