package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/storyloom/loom/pkg/config"
	"github.com/storyloom/loom/pkg/models"
	"github.com/storyloom/loom/pkg/providers"
)

// DefaultMaxIterations bounds the reason-act loop when neither the project
// defaults nor the agent config say otherwise.
const DefaultMaxIterations = 5

const classifierSkill = "planner"

// Result is the outcome of one skill execution.
type Result struct {
	Skill       string           `json:"skill"`
	Response    string           `json:"response"`
	Actions     []map[string]any `json:"actions,omitempty"`
	Success     bool             `json:"success"`
	Err         error            `json:"-"`
	Iterations  int              `json:"iterations"`
	ModelUsed   string           `json:"model_used"`
	ContextKeys []string         `json:"context_keys,omitempty"`
}

// Dispatcher routes intents to skills and runs them against the configured
// chat providers.
type Dispatcher struct {
	cfg    *config.Config
	skills *SkillRegistry
	tools  *ToolRegistry
	chat   *providers.Registry
}

func NewDispatcher(cfg *config.Config, skills *SkillRegistry, tools *ToolRegistry, chat *providers.Registry) *Dispatcher {
	if skills == nil {
		skills = NewSkillRegistry()
	}
	if tools == nil {
		tools = NewToolRegistry()
	}
	return &Dispatcher{cfg: cfg, skills: skills, tools: tools, chat: chat}
}

func (d *Dispatcher) Skills() *SkillRegistry { return d.skills }

func (d *Dispatcher) Tools() *ToolRegistry { return d.tools }

// Route picks a skill by keyword score; nil means no match or a tie.
func (d *Dispatcher) Route(intent string) *Skill {
	return d.skills.Route(intent)
}

// RouteWithLLM asks a lightweight classification model to pick a skill name
// from the known set. A response outside the set yields nil, nil.
func (d *Dispatcher) RouteWithLLM(ctx context.Context, intent string) (*Skill, error) {
	names := d.skills.Names()
	if len(names) == 0 {
		return nil, nil
	}

	mc := ResolveModelConfig(d.cfg, nil, "", classifierSkill)
	provider, model, err := d.chat.ChatFor(mc.Model)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve classification provider: %w", err)
	}

	resp, err := provider.Complete(ctx, providers.ChatRequest{
		Model: model,
		Messages: []providers.Message{
			{
				Role: models.RoleSystem,
				Content: "You classify writing-assistant intents. Respond with exactly one " +
					"skill name from the provided list and nothing else.",
			},
			{
				Role: models.RoleUser,
				Content: fmt.Sprintf("Skills: %s\n\nIntent: %s\n\nSkill name:",
					strings.Join(names, ", "), intent),
			},
		},
		Temperature: mc.Temperature,
		MaxTokens:   mc.MaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("classification call failed: %w", err)
	}

	picked := strings.Trim(strings.TrimSpace(resp.Content), "\"'` .")
	for _, name := range names {
		if strings.EqualFold(name, picked) {
			skill, _ := d.skills.Get(name)
			return skill, nil
		}
	}

	slog.Debug("classification model named an unknown skill", "picked", picked, "intent", intent)
	return nil, nil
}

// Execute runs a skill's reason-act loop: call the model, dispatch any
// Action the turn requests, feed the observation back, and stop on a final
// answer or when the iteration budget runs out.
func (d *Dispatcher) Execute(ctx context.Context, skill *Skill, intent string, contextData map[string]string) Result {
	result := Result{Skill: skill.Name}

	mc := ResolveModelConfig(d.cfg, nil, "", skill.Name)
	provider, model, err := d.chat.ChatFor(mc.Model)
	if err != nil {
		result.Err = fmt.Errorf("failed to resolve chat provider: %w", err)
		return result
	}
	result.ModelUsed = mc.Model

	system := skill.SystemPrompt
	if preamble := d.tools.Preamble(); preamble != "" {
		system += "\n\n" + preamble
	}

	user := intent
	if len(contextData) > 0 {
		keys := make([]string, 0, len(contextData))
		for k := range contextData {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		result.ContextKeys = keys

		var sb strings.Builder
		sb.WriteString(intent)
		sb.WriteString("\n\nContext:\n")
		for _, k := range keys {
			fmt.Fprintf(&sb, "%s: %s\n", k, contextData[k])
		}
		user = strings.TrimRight(sb.String(), "\n")
	}

	messages := []providers.Message{
		{Role: models.RoleSystem, Content: system},
		{Role: models.RoleUser, Content: user},
	}

	maxIterations := d.maxIterations(skill.Name)
	slog.Debug("executing skill",
		"skill", skill.Name,
		"model", mc.Model,
		"max_iterations", maxIterations)

	var last string
	for i := 1; i <= maxIterations; i++ {
		result.Iterations = i

		resp, err := provider.Complete(ctx, providers.ChatRequest{
			Model:       model,
			Messages:    messages,
			Temperature: mc.Temperature,
			MaxTokens:   mc.MaxTokens,
		})
		if err != nil {
			result.Response = last
			result.Err = fmt.Errorf("model call failed on iteration %d: %w", i, err)
			return result
		}
		last = resp.Content

		parsed := ParseResponse(resp.Content)
		if parsed.HasAction {
			observation := d.dispatchTool(ctx, parsed.Tool, parsed.Argument)
			messages = append(messages,
				providers.Message{Role: models.RoleAssistant, Content: resp.Content},
				providers.Message{Role: models.RoleUser, Content: observation},
			)
			continue
		}

		result.Response = parsed.FinalAnswer
		result.Actions = ExtractJSONActions(resp.Content)
		result.Success = true
		return result
	}

	// Budget exhausted: the last turn stands as the answer.
	slog.Debug("skill hit iteration limit", "skill", skill.Name, "iterations", maxIterations)
	result.Response = last
	result.Actions = ExtractJSONActions(last)
	result.Success = true
	return result
}

// dispatchTool runs one tool call and renders the observation fed back to
// the model. Unknown tools and handler failures become observations so the
// model can recover.
func (d *Dispatcher) dispatchTool(ctx context.Context, name, arg string) string {
	tool, ok := d.tools.Get(name)
	if !ok {
		slog.Warn("skill requested unknown tool", "tool", name)
		return FormatUnknownToolObservation(name, d.tools.List())
	}

	output, err := invokeTool(ctx, tool, arg)
	if err != nil {
		slog.Warn("tool execution failed", "tool", name, "error", err)
		return FormatToolErrorObservation(name, err)
	}
	return FormatObservation(output)
}

// invokeTool shields the loop from panicking handlers.
func invokeTool(ctx context.Context, tool Tool, arg string) (out string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tool panicked: %v", r)
		}
	}()
	return tool.Handler(ctx, arg)
}

func (d *Dispatcher) maxIterations(agentName string) int {
	limit := DefaultMaxIterations
	if d.cfg != nil && d.cfg.Defaults != nil && d.cfg.Defaults.MaxIterations > 0 {
		limit = d.cfg.Defaults.MaxIterations
	}
	if d.cfg != nil && d.cfg.AgentRegistry != nil {
		if ac, err := d.cfg.GetAgent(agentName); err == nil && ac.MaxIterations != nil && *ac.MaxIterations > 0 {
			limit = *ac.MaxIterations
		}
	}
	return limit
}
