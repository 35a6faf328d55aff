package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strings"

	"github.com/storyloom/loom/pkg/agent"
	"github.com/storyloom/loom/pkg/assembler"
	"github.com/storyloom/loom/pkg/models"
	"github.com/storyloom/loom/pkg/providers"
)

// httpCaptureLimit bounds how much of an HTTP_REQUEST response body lands
// in the payload.
const httpCaptureLimit = 2000

const generateSystemPrompt = "Respond with a single JSON object with exactly these keys: " +
	"generated_text (string), confidence_score (number between 0 and 100), and " +
	"continuity_errors (array of strings). Output nothing but the JSON object."

func (e *Engine) handleGatherBuckets(ctx context.Context, run *Run, step *models.PipelineStep) error {
	result, err := e.assembler.Assemble(ctx, assembler.Request{
		Query:         runQuery(run),
		ExplicitTypes: configStrings(step.Config, "container_types"),
		MaxTokens:     configInt(step.Config, "max_tokens", e.contextBudget()),
	})
	if err != nil {
		return fmt.Errorf("context assembly failed: %w", err)
	}

	run.SetPayload("gathered_context", result.Text)
	run.SetPayload("gathered_context_meta", assemblyMeta(result))
	return nil
}

func (e *Engine) handleSemanticSearch(ctx context.Context, run *Run, step *models.PipelineStep) error {
	query := configString(step.Config, "query")
	if query == "" {
		query = runQuery(run)
	} else {
		query = substituteTemplate(query, run.Payload())
	}

	result, err := e.assembler.Assemble(ctx, assembler.Request{
		Query:     query,
		MaxTokens: configInt(step.Config, "max_tokens", e.contextBudget()),
	})
	if err != nil {
		return fmt.Errorf("semantic search failed: %w", err)
	}

	run.SetPayload("search_results", result.Text)
	run.SetPayload("search_results_meta", assemblyMeta(result))
	return nil
}

func (e *Engine) handlePromptTemplate(_ context.Context, run *Run, step *models.PipelineStep) error {
	template := configString(step.Config, "template")
	run.SetPayload("prompt_text", substituteTemplate(template, run.Payload()))
	run.SetPayload("step_name", step.Label)
	return nil
}

func (e *Engine) handleMultiVariant(_ context.Context, run *Run, step *models.PipelineStep) error {
	run.SetPayload("variant_count", configInt(step.Config, "count", 3))
	run.SetPayload("multi_variant", true)
	return nil
}

// handleLLMGenerate resolves the model (step config beats a one-shot
// payload.model, which beats a runtime step override, which beats the agent
// and project defaults), calls it with the structured-output instruction,
// and parses the JSON envelope into the payload.
func (e *Engine) handleLLMGenerate(ctx context.Context, run *Run, step *models.PipelineStep) error {
	// One-shot payload overrides are consumed by this execution.
	payloadModel := run.GetString("model")
	payloadTemp, hasPayloadTemp := payloadNumber(run, "temperature")
	run.DeletePayload("model")
	run.DeletePayload("temperature")

	overrideModel := ""
	if override := run.override(step.ID); override != nil {
		overrideModel, _ = override["model"].(string)
	}
	preferred := payloadModel
	if preferred == "" {
		preferred = overrideModel
	}

	mc := agent.ResolveModelConfig(e.cfg, step.Config, preferred, configString(step.Config, "agent"))
	if hasPayloadTemp {
		if _, inConfig := step.Config["temperature"]; !inConfig {
			mc.Temperature = payloadTemp
		}
	}

	prompt := run.GetString("prompt_text")
	if prompt == "" {
		if tpl := configString(step.Config, "prompt_template"); tpl != "" {
			prompt = substituteTemplate(tpl, run.Payload())
		} else {
			prompt = run.GetString("text")
		}
	}
	if prompt == "" {
		return fmt.Errorf("no prompt available: payload carries neither prompt_text nor text")
	}

	if refine := run.GetString("refine_instructions"); refine != "" {
		prompt += "\n\nRefinement instructions: " + refine
		run.DeletePayload("refine_instructions")
	}
	run.DeletePayload("regenerate")

	prompt += e.pinnedContext(ctx, run)

	provider, model, err := e.chat.ChatFor(mc.Model)
	if err != nil {
		return fmt.Errorf("failed to resolve model %q: %w", mc.Model, err)
	}

	run.SetPayload("resolved_model", mc.Model)

	resp, err := provider.Complete(ctx, providers.ChatRequest{
		Model: model,
		Messages: []providers.Message{
			{Role: models.RoleSystem, Content: generateSystemPrompt},
			{Role: models.RoleUser, Content: prompt},
		},
		Temperature: mc.Temperature,
		MaxTokens:   mc.MaxTokens,
	})
	if err != nil {
		captureGenerationFailure(run, err)
		return nil
	}

	applyGeneration(run, resp.Content)
	return nil
}

// captureGenerationFailure records a failed model call in the payload
// instead of failing the run; the operator sees the error text at the next
// checkpoint and can refine or regenerate.
func captureGenerationFailure(run *Run, err error) {
	run.SetPayload("generated_text", fmt.Sprintf("[error: %v]", err))
	run.SetPayload("confidence_score", float64(0))
	run.SetPayload("continuity_errors", []any{err.Error()})
	run.SetPayload("generation_error", err.Error())
}

// applyGeneration parses the structured generation envelope. A response
// that is not the expected JSON is kept raw with a zero confidence score.
func applyGeneration(run *Run, content string) {
	storeRaw := func(note string) {
		run.SetPayload("generated_text", content)
		run.SetPayload("confidence_score", float64(0))
		run.SetPayload("continuity_errors", []any{})
		run.SetPayload("generation_error", note)
	}

	obj, err := agent.ExtractJSONObject(content)
	if err != nil {
		storeRaw("model response was not valid JSON")
		return
	}
	text, _ := obj["generated_text"].(string)
	if text == "" {
		storeRaw("model response lacked generated_text")
		return
	}

	run.SetPayload("generated_text", text)

	score, _ := toNumber(obj["confidence_score"])
	run.SetPayload("confidence_score", clampScore(score))

	if errs, ok := obj["continuity_errors"].([]any); ok {
		run.SetPayload("continuity_errors", errs)
	} else {
		run.SetPayload("continuity_errors", []any{})
	}
	run.DeletePayload("generation_error")
}

// pinnedContext appends the text of pinned entities to the prompt.
func (e *Engine) pinnedContext(ctx context.Context, run *Run) string {
	ids, ok := run.GetPayload("pinned_context_ids")
	if !ok {
		return ""
	}

	var sb strings.Builder
	for _, id := range toStringSlice(ids) {
		entity, err := e.graph.GetEntity(ctx, id)
		if err != nil {
			slog.Warn("pinned entity unavailable", "entity_id", id, "error", err)
			continue
		}
		text := entity.StringAttr("text")
		if text == "" {
			text = entity.StringAttr("summary")
		}
		if text == "" {
			continue
		}
		fmt.Fprintf(&sb, "\n\n[Pinned: %s]\n%s", entity.Name, text)
	}
	return sb.String()
}

func (e *Engine) handleImageGenerate(_ context.Context, run *Run, step *models.PipelineStep) error {
	prompt := configString(step.Config, "prompt")
	if prompt == "" {
		prompt = run.GetString("prompt_text")
	}
	run.SetPayload("image_status", "queued")
	run.SetPayload("image_prompt", prompt)
	return nil
}

// handleSaveToBucket records the save intent; the caller persists through
// the knowledge store when it processes the finished run.
func (e *Engine) handleSaveToBucket(_ context.Context, run *Run, step *models.PipelineStep) error {
	name := configString(step.Config, "name")
	if name == "" {
		name = step.Label
	}
	sourceKey := configString(step.Config, "source_key")
	if sourceKey == "" {
		sourceKey = "generated_text"
	}

	run.SetPayload("save_intent", map[string]any{
		"bucket_type": configString(step.Config, "bucket_type"),
		"name":        name,
		"source_key":  sourceKey,
	})
	return nil
}

func (e *Engine) handleHTTPRequest(ctx context.Context, run *Run, step *models.PipelineStep) error {
	url := configString(step.Config, "url")
	if url == "" {
		return fmt.Errorf("no url configured")
	}
	method := strings.ToUpper(configString(step.Config, "method"))
	if method == "" {
		method = http.MethodPost
	}

	body, err := json.Marshal(run.Payload())
	if err != nil {
		return fmt.Errorf("failed to encode payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	captured, err := io.ReadAll(io.LimitReader(resp.Body, httpCaptureLimit))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	run.SetPayload("http_status", resp.StatusCode)
	run.SetPayload("http_response", string(captured))
	return nil
}

func (e *Engine) handleResearchDeepDive(ctx context.Context, run *Run, step *models.PipelineStep) error {
	topic := configString(step.Config, "topic")
	if topic == "" {
		topic = runQuery(run)
	}
	if topic == "" {
		return fmt.Errorf("no research topic available")
	}

	skill, ok := e.dispatcher.Skills().Get("research_librarian")
	if !ok {
		return fmt.Errorf("research skill is not registered")
	}

	result := e.dispatcher.Execute(ctx, skill, topic, nil)
	if !result.Success {
		return fmt.Errorf("research dispatch failed: %w", result.Err)
	}

	run.SetPayload("research_result", result.Response)
	run.SetPayload("research_model", result.ModelUsed)

	if configBool(step.Config, "save_as_entity") {
		entity, err := e.graph.CreateEntity(ctx, models.CreateEntityRequest{
			EntityType: "research_topic",
			Name:       topic,
			Attributes: map[string]any{"topic": topic, "findings": result.Response},
		})
		if err != nil {
			slog.Warn("failed to persist research topic", "topic", topic, "error", err)
		} else {
			run.SetPayload("research_entity_id", entity.ID)
		}
	}
	return nil
}

// dialogueLine matches speaker-attributed dialogue: an indented or bare
// capitalised name, a colon, and the spoken line.
var dialogueLine = regexp.MustCompile(`^(\s*)([A-Z][A-Za-z' .-]{0,40}?):\s*(.+)$`)

// handleStyleEnforceDialogue rewrites each attributed dialogue line whose
// speaker has a stored voice profile, leaving all other lines untouched.
func (e *Engine) handleStyleEnforceDialogue(ctx context.Context, run *Run, step *models.PipelineStep) error {
	text := run.GetString("generated_text")
	if text == "" {
		text = run.GetString("text")
	}
	if text == "" {
		return fmt.Errorf("no text to restyle")
	}

	profiles := voiceProfiles(step.Config, run)
	if len(profiles) == 0 {
		run.SetPayload("styled_text", text)
		run.SetPayload("dialogue_lines_restyled", 0)
		return nil
	}

	skill, ok := e.dispatcher.Skills().Get("dialogue_coach")
	if !ok {
		return fmt.Errorf("dialogue skill is not registered")
	}

	lines := strings.Split(text, "\n")
	restyled := 0
	for i, line := range lines {
		m := dialogueLine.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		speaker := strings.TrimSpace(m[2])
		profile, ok := profiles[speaker]
		if !ok {
			continue
		}

		result := e.dispatcher.Execute(ctx, skill,
			"Rewrite this dialogue line in the speaker's voice. Return only the rewritten line.",
			map[string]string{
				"speaker":       speaker,
				"voice_profile": profile,
				"line":          m[3],
			})
		if !result.Success || strings.TrimSpace(result.Response) == "" {
			slog.Warn("dialogue restyle skipped", "speaker", speaker, "error", result.Err)
			continue
		}

		lines[i] = m[1] + speaker + ": " + strings.TrimSpace(result.Response)
		restyled++
	}

	run.SetPayload("styled_text", strings.Join(lines, "\n"))
	run.SetPayload("dialogue_lines_restyled", restyled)
	return nil
}

// voiceProfiles collects speaker→profile mappings from step config first,
// then the payload.
func voiceProfiles(cfg map[string]any, run *Run) map[string]string {
	out := make(map[string]string)
	merge := func(v any) {
		m, ok := v.(map[string]any)
		if !ok {
			return
		}
		for speaker, profile := range m {
			if s, ok := profile.(string); ok && s != "" {
				out[speaker] = s
			}
		}
	}
	if v, ok := run.GetPayload("voice_profiles"); ok {
		merge(v)
	}
	if cfg != nil {
		merge(cfg["voice_profiles"])
	}
	return out
}

// runQuery derives the working query from the payload.
func runQuery(run *Run) string {
	if q := run.GetString("text"); q != "" {
		return q
	}
	return run.GetString("prompt_text")
}

// substituteTemplate replaces every {{key}} whose payload value is a string.
func substituteTemplate(template string, payload map[string]any) string {
	out := template
	for key, value := range payload {
		s, ok := value.(string)
		if !ok {
			continue
		}
		out = strings.ReplaceAll(out, "{{"+key+"}}", s)
	}
	return out
}

// assemblyMeta renders the glass-box accounting of an assembly for the
// payload.
func assemblyMeta(result *assembler.ContextResult) map[string]any {
	buckets := make([]map[string]any, 0, len(result.Included))
	for _, b := range result.Included {
		buckets = append(buckets, map[string]any{
			"entity_id":   b.EntityID,
			"name":        b.Name,
			"entity_type": b.EntityType,
			"preview":     b.Preview,
			"tokens":      b.Tokens,
			"score":       b.Score,
		})
	}
	return map[string]any{
		"buckets":         buckets,
		"token_estimate":  result.TokenEstimate,
		"truncated_count": result.TruncatedCount,
		"candidate_count": result.CandidateCount,
	}
}

func (e *Engine) contextBudget() int {
	if e.cfg != nil && e.cfg.Defaults != nil && e.cfg.Defaults.ContextBudget > 0 {
		return e.cfg.Defaults.ContextBudget
	}
	return 2000
}

func clampScore(score float64) float64 {
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

func payloadNumber(run *Run, key string) (float64, bool) {
	v, ok := run.GetPayload(key)
	if !ok {
		return 0, false
	}
	f, numeric := toNumber(v)
	return f, numeric
}

func configString(cfg map[string]any, key string) string {
	if cfg == nil {
		return ""
	}
	s, _ := cfg[key].(string)
	return s
}

func configStrings(cfg map[string]any, key string) []string {
	if cfg == nil {
		return nil
	}
	return toStringSlice(cfg[key])
}

func configInt(cfg map[string]any, key string, fallback int) int {
	if cfg == nil {
		return fallback
	}
	if f, ok := toNumber(cfg[key]); ok && int(f) > 0 {
		return int(f)
	}
	return fallback
}

func configFloat(cfg map[string]any, key string, fallback float64) float64 {
	if cfg == nil {
		return fallback
	}
	if f, ok := toNumber(cfg[key]); ok {
		return f
	}
	return fallback
}

func configBool(cfg map[string]any, key string) bool {
	if cfg == nil {
		return false
	}
	b, _ := cfg[key].(bool)
	return b
}

func toStringSlice(v any) []string {
	switch t := v.(type) {
	case []string:
		return append([]string(nil), t...)
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
