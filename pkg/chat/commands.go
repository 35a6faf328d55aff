package chat

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/storyloom/loom/pkg/agent"
	"github.com/storyloom/loom/pkg/models"
	"github.com/storyloom/loom/pkg/providers"
)

// Plan step statuses.
const (
	planPending  = "pending"
	planApproved = "approved"
)

const planStepCount = 4

const planPrompt = `You are a planning assistant for a writing project. Break the user's goal into exactly four plan steps. Respond with a JSON array only: [{"step": 1, "action": "...", "status": "pending"}, ...].`

type planStep struct {
	Step   int    `json:"step"`
	Action string `json:"action"`
	Status string `json:"status"`
}

// planBoard holds the per-session plans. State is in-memory only and does
// not survive a restart.
type planBoard struct {
	mu    sync.Mutex
	plans map[string][]planStep
}

func newPlanBoard() *planBoard {
	return &planBoard{plans: map[string][]planStep{}}
}

func (b *planBoard) set(sessionID string, steps []planStep) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.plans[sessionID] = steps
}

func (b *planBoard) get(sessionID string) []planStep {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]planStep(nil), b.plans[sessionID]...)
}

// approve flips the named steps (or all of them) to approved and returns the
// step numbers that changed or were already approved.
func (b *planBoard) approve(sessionID string, numbers []int, all bool) []int {
	b.mu.Lock()
	defer b.mu.Unlock()
	wanted := map[int]bool{}
	for _, n := range numbers {
		wanted[n] = true
	}
	var approved []int
	for i := range b.plans[sessionID] {
		step := &b.plans[sessionID][i]
		if !all && !wanted[step.Step] {
			continue
		}
		step.Status = planApproved
		approved = append(approved, step.Step)
	}
	return approved
}

func (b *planBoard) approvedSteps(sessionID string) []planStep {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []planStep
	for _, step := range b.plans[sessionID] {
		if step.Status == planApproved {
			out = append(out, step)
		}
	}
	return out
}

func (b *planBoard) clear(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.plans, sessionID)
}

// handleCommand runs one slash command and returns the reply text plus any
// traces to persist on the assistant message. Commands never fail a turn;
// problems come back as reply text.
func (o *Orchestrator) handleCommand(ctx context.Context, session *models.ChatSession, content string, out chan<- Event) (string, []models.ActionTrace) {
	fields := strings.Fields(content)
	command := strings.ToLower(fields[0])
	args := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(content), fields[0]))

	switch command {
	case "/plan":
		if args == "" {
			return "Usage: /plan <goal>", nil
		}
		steps := o.generatePlan(ctx, args)
		o.plans.set(session.ID, steps)
		return formatPlan(steps), nil

	case "/approve":
		if args == "" {
			return "Usage: /approve <numbers|all>", nil
		}
		if len(o.plans.get(session.ID)) == 0 {
			return "No plan to approve. Create one with /plan <goal>.", nil
		}
		approved := o.plans.approve(session.ID, parseStepNumbers(args), strings.EqualFold(args, "all"))
		if len(approved) == 0 {
			return "No plan steps matched.\n" + formatPlan(o.plans.get(session.ID)), nil
		}
		return fmt.Sprintf("Approved steps: %s.\n%s", joinInts(approved), formatPlan(o.plans.get(session.ID))), nil

	case "/execute":
		return o.executePlan(ctx, session, out)

	case "/compact":
		return o.compactCommand(ctx, session), nil

	default:
		return fmt.Sprintf("Unknown command %s. Available commands: /plan <goal>, /approve <numbers|all>, /execute, /compact.", command), nil
	}
}

// generatePlan asks the model for a four-step plan and falls back to a
// canned one when the model is unavailable or returns nothing usable.
func (o *Orchestrator) generatePlan(ctx context.Context, goal string) []planStep {
	provider, model, err := o.chat.ChatFor(o.model)
	if err != nil {
		slog.Warn("Plan model unavailable, using canned plan", "model", o.model, "error", err)
		return fallbackPlan(goal)
	}
	resp, err := provider.Complete(ctx, providers.ChatRequest{
		Model: model,
		Messages: []providers.Message{
			{Role: models.RoleSystem, Content: planPrompt},
			{Role: models.RoleUser, Content: goal},
		},
		Temperature: 0,
		MaxTokens:   digestMaxTokens,
	})
	if err != nil {
		slog.Warn("Plan generation failed, using canned plan", "model", o.model, "error", err)
		return fallbackPlan(goal)
	}
	steps := parsePlan(resp.Content)
	if len(steps) == 0 {
		return fallbackPlan(goal)
	}
	return steps
}

// parsePlan pulls plan steps out of a model response. Step numbers are taken
// from the payload when sane, renumbered otherwise; statuses always start
// pending.
func parsePlan(text string) []planStep {
	var steps []planStep
	for _, obj := range agent.ExtractJSONActions(text) {
		action, _ := obj["action"].(string)
		action = strings.TrimSpace(action)
		if action == "" {
			continue
		}
		number := len(steps) + 1
		if n, ok := obj["step"].(float64); ok && int(n) > 0 {
			number = int(n)
		}
		steps = append(steps, planStep{Step: number, Action: action, Status: planPending})
	}
	return steps
}

func fallbackPlan(goal string) []planStep {
	actions := []string{
		"Outline the approach for: " + goal,
		"Gather the relevant entities and context",
		"Draft the changes",
		"Review the draft against the goal",
	}
	steps := make([]planStep, planStepCount)
	for i, action := range actions {
		steps[i] = planStep{Step: i + 1, Action: action, Status: planPending}
	}
	return steps
}

func formatPlan(steps []planStep) string {
	var b strings.Builder
	b.WriteString("Plan:\n")
	for _, step := range steps {
		fmt.Fprintf(&b, "%d. [%s] %s\n", step.Step, step.Status, step.Action)
	}
	b.WriteString("Approve steps with /approve <numbers|all>, then run them with /execute.")
	return b.String()
}

// executePlan runs the approved steps in order, emitting an action_trace per
// step and a background_update at the end, then clears the plan. Step
// failures become part of the reply, never an aborted turn.
func (o *Orchestrator) executePlan(ctx context.Context, session *models.ChatSession, out chan<- Event) (string, []models.ActionTrace) {
	steps := o.plans.approvedSteps(session.ID)
	if len(steps) == 0 {
		return "No approved plan steps to execute. Create a plan with /plan <goal> and approve it first.", nil
	}

	var (
		results []string
		traces  []models.ActionTrace
	)
	for _, step := range steps {
		started := time.Now()
		result, tokens := o.runPlanStep(ctx, step)
		trace := models.ActionTrace{
			ToolName:       "plan_step",
			ContextSummary: fmt.Sprintf("step %d: %s", step.Step, step.Action),
			DurationMS:     time.Since(started).Milliseconds(),
			TokenUsageOut:  tokens,
		}
		traces = append(traces, trace)
		out <- Event{Type: EventActionTrace, Data: map[string]any{
			"tool_name":   trace.ToolName,
			"step":        step.Step,
			"action":      step.Action,
			"duration_ms": trace.DurationMS,
		}}
		results = append(results, fmt.Sprintf("Step %d: %s", step.Step, result))
	}
	o.plans.clear(session.ID)

	out <- Event{Type: EventBackgroundUpdate, Data: map[string]any{
		"session_id": session.ID,
		"message":    fmt.Sprintf("Executed %d plan steps.", len(steps)),
	}}
	return strings.Join(results, "\n"), traces
}

func (o *Orchestrator) runPlanStep(ctx context.Context, step planStep) (string, int) {
	provider, model, err := o.chat.ChatFor(o.model)
	if err != nil {
		return fmt.Sprintf("failed: %v", err), 0
	}
	resp, err := provider.Complete(ctx, providers.ChatRequest{
		Model: model,
		Messages: []providers.Message{
			{Role: models.RoleSystem, Content: "Carry out this plan step for the writing project and report the outcome concisely."},
			{Role: models.RoleUser, Content: step.Action},
		},
		MaxTokens: digestMaxTokens,
	})
	if err != nil {
		return fmt.Sprintf("failed: %v", err), 0
	}
	return strings.TrimSpace(resp.Content), resp.CompletionTokens
}

func (o *Orchestrator) compactCommand(ctx context.Context, session *models.ChatSession) string {
	result, err := o.contextMgr.Compact(ctx, session.ID, defaultKeepRecent)
	if err != nil {
		return fmt.Sprintf("Compaction failed: %v", err)
	}
	if result.Digest == "" {
		return fmt.Sprintf("Nothing to compact: the session has %d messages and the most recent %d are always kept.",
			result.OriginalMessageCount, defaultKeepRecent)
	}
	o.publishSessionStatus(ctx, session.ID, "compacted")
	return fmt.Sprintf("Compacted %d messages down to a digest (compaction #%d), saving roughly %d tokens.",
		result.OriginalMessageCount, result.CompactionNumber, result.TokenReduction)
}

func parseStepNumbers(args string) []int {
	fields := strings.FieldsFunc(args, func(r rune) bool {
		return r == ',' || unicode.IsSpace(r)
	})
	var numbers []int
	for _, field := range fields {
		if n, err := strconv.Atoi(field); err == nil {
			numbers = append(numbers, n)
		}
	}
	return numbers
}

func joinInts(numbers []int) string {
	parts := make([]string, len(numbers))
	for i, n := range numbers {
		parts[i] = strconv.Itoa(n)
	}
	return strings.Join(parts, ", ")
}
