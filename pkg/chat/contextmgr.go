package chat

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/storyloom/loom/pkg/assembler"
	"github.com/storyloom/loom/pkg/models"
	"github.com/storyloom/loom/pkg/providers"
	"github.com/storyloom/loom/pkg/store"
)

const (
	// defaultKeepRecent is how many trailing messages a compaction leaves
	// untouched.
	defaultKeepRecent = 5
	// historyFetchLimit bounds how many recent messages are considered for
	// the history layer before budget trimming.
	historyFetchLimit = 50
	// digestMaxTokens caps the model-assisted compaction summary.
	digestMaxTokens = 512
	// digestClipChars bounds the excerpt lines in the deterministic digest.
	digestClipChars = 120
)

// LayerUsage is the per-layer token accounting of one context build.
type LayerUsage struct {
	ProjectMemory     int `json:"project_memory"`
	SessionHistory    int `json:"session_history"`
	OnDemandRetrieval int `json:"on_demand_retrieval"`
}

// BuiltContext is the assembled prompt material for one turn. SystemContext
// carries the project-memory section, Messages the trimmed history (led by
// the compaction digest as a system turn when one exists), and EntityContext
// the rendered blocks for the mentioned entities.
type BuiltContext struct {
	SystemContext string              `json:"system_context"`
	Messages      []providers.Message `json:"messages"`
	EntityContext string              `json:"entity_context"`
	TokenUsage    int                 `json:"token_usage"`
	Layers        LayerUsage          `json:"layers"`
}

// CompactionResult reports what one compaction changed.
type CompactionResult struct {
	Digest               string   `json:"digest"`
	OriginalMessageCount int      `json:"original_message_count"`
	TokenReduction       int      `json:"token_reduction"`
	PreservedEntities    []string `json:"preserved_entities"`
	CompactionNumber     int      `json:"compaction_number"`
}

// ContextManager assembles the three context layers for a chat turn and
// compacts long sessions into digests. The token budget is spent most
// specific first: mentioned entities, then session history, then project
// memory take whatever remains.
type ContextManager struct {
	sessions *Store
	memory   *store.Memory
	asm      *assembler.Assembler
	chat     *providers.Registry
	model    string
}

// NewContextManager wires the manager. The provider registry and model are
// used only for compaction digests; with a nil registry compaction falls
// back to the deterministic summary.
func NewContextManager(sessions *Store, memory *store.Memory, asm *assembler.Assembler, chat *providers.Registry, model string) *ContextManager {
	return &ContextManager{sessions: sessions, memory: memory, asm: asm, chat: chat, model: model}
}

// BuildContext assembles the prompt material for one turn of sessionID.
// A tokenBudget of zero or less falls back to the session's configured
// budget. The operational scope for memory injection is the mentioned ids
// plus any "scope_ids" list carried in contextPayload.
func (cm *ContextManager) BuildContext(ctx context.Context, sessionID string, mentionedIDs []string, contextPayload map[string]any, tokenBudget int) (*BuiltContext, error) {
	session, err := cm.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if tokenBudget <= 0 {
		tokenBudget = session.ContextBudget
	}
	if tokenBudget <= 0 {
		tokenBudget = defaultContextBudget
	}

	built := &BuiltContext{Messages: []providers.Message{}}
	remaining := tokenBudget

	// Layer 3: blocks for the explicitly mentioned entities.
	if len(mentionedIDs) > 0 && remaining > 0 {
		result, err := cm.asm.Assemble(ctx, assembler.Request{
			ExplicitIDs: mentionedIDs,
			MaxTokens:   remaining,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to assemble entity context: %w", err)
		}
		built.EntityContext = result.Text
		built.Layers.OnDemandRetrieval = result.TokenEstimate
		remaining -= result.TokenEstimate
	}

	// Layer 2: recent history, oldest dropped first, digest charged here.
	if remaining > 0 {
		messages, used, err := cm.historyLayer(ctx, session, remaining)
		if err != nil {
			return nil, err
		}
		built.Messages = messages
		built.Layers.SessionHistory = used
		remaining -= used
	}

	// Layer 1: auto-injected project memory takes whatever is left.
	if remaining > 0 {
		section, used, err := cm.memoryLayer(ctx, scopeIDs(mentionedIDs, contextPayload), remaining)
		if err != nil {
			return nil, err
		}
		built.SystemContext = section
		built.Layers.ProjectMemory = used
	}

	built.TokenUsage = built.Layers.ProjectMemory + built.Layers.SessionHistory + built.Layers.OnDemandRetrieval
	return built, nil
}

// historyLayer returns the newest messages that fit the budget, in
// chronological order. A compaction digest, when present, is kept ahead of
// the history as a system turn and spends from the same budget.
func (cm *ContextManager) historyLayer(ctx context.Context, session *models.ChatSession, budget int) ([]providers.Message, int, error) {
	recent, err := cm.sessions.RecentMessages(ctx, session.ID, historyFetchLimit)
	if err != nil {
		return nil, 0, err
	}

	used := 0
	digest := session.Digest
	if digest != "" {
		cost := assembler.EstimateTokens(digest)
		if cost > budget {
			digest = ""
		} else {
			used += cost
		}
	}

	keepFrom := len(recent)
	for i := len(recent) - 1; i >= 0; i-- {
		cost := assembler.EstimateTokens(recent[i].Content)
		if used+cost > budget {
			break
		}
		used += cost
		keepFrom = i
	}

	messages := make([]providers.Message, 0, len(recent)-keepFrom+1)
	if digest != "" {
		messages = append(messages, providers.Message{Role: models.RoleSystem, Content: digest})
	}
	for _, msg := range recent[keepFrom:] {
		messages = append(messages, providers.Message{Role: msg.Role, Content: msg.Content})
	}
	return messages, used, nil
}

// memoryLayer renders the auto-inject memory entries as one system section,
// dropping entries once the budget is spent.
func (cm *ContextManager) memoryLayer(ctx context.Context, scopes []string, budget int) (string, int, error) {
	entries, err := cm.memory.ListAutoInject(ctx, scopes...)
	if err != nil {
		return "", 0, fmt.Errorf("failed to load project memory: %w", err)
	}
	if len(entries) == 0 {
		return "", 0, nil
	}

	var b strings.Builder
	b.WriteString("## Project Memory")
	used := assembler.EstimateTokens(b.String())
	appended := 0
	for _, entry := range entries {
		line := "\n- " + formatMemoryEntry(entry)
		cost := assembler.EstimateTokens(line)
		if used+cost > budget {
			break
		}
		b.WriteString(line)
		used += cost
		appended++
	}
	if appended == 0 {
		return "", 0, nil
	}
	return b.String(), used, nil
}

// Compact summarises all but the most-recent keepRecent messages of a
// session into a digest, deletes the summarised messages, and bumps the
// session's compaction counter. Sessions at or below the threshold are left
// alone and report zero reduction. keepRecent of zero or less means the
// default of five.
func (cm *ContextManager) Compact(ctx context.Context, sessionID string, keepRecent int) (*CompactionResult, error) {
	if keepRecent <= 0 {
		keepRecent = defaultKeepRecent
	}

	session, err := cm.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	messages, err := cm.sessions.ListMessages(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if len(messages) <= keepRecent {
		return &CompactionResult{
			OriginalMessageCount: len(messages),
			PreservedEntities:    []string{},
			CompactionNumber:     session.CompactionCount,
		}, nil
	}

	older := messages[:len(messages)-keepRecent]
	kept := messages[len(messages)-keepRecent:]

	digest := "## Conversation Summary\n" + cm.digestBody(ctx, session, older)

	removed := make([]string, len(older))
	olderTokens := 0
	for i, msg := range older {
		removed[i] = msg.ID
		olderTokens += assembler.EstimateTokens(msg.Content)
	}
	reduction := olderTokens - assembler.EstimateTokens(digest)
	if reduction < 0 {
		reduction = 0
	}

	if err := cm.sessions.ApplyCompaction(ctx, sessionID, digest, removed); err != nil {
		return nil, err
	}

	result := &CompactionResult{
		Digest:               digest,
		OriginalMessageCount: len(messages),
		TokenReduction:       reduction,
		PreservedEntities:    preservedEntities(kept),
		CompactionNumber:     session.CompactionCount + 1,
	}
	slog.Info("Compacted chat session",
		"session_id", sessionID,
		"removed_messages", len(removed),
		"token_reduction", reduction,
		"compaction_number", result.CompactionNumber)
	return result, nil
}

// digestBody produces the summary text for the compacted messages: a model
// call when a provider is configured, the deterministic fallback otherwise
// or on any model failure.
func (cm *ContextManager) digestBody(ctx context.Context, session *models.ChatSession, older []*models.ChatMessage) string {
	if cm.chat == nil || cm.model == "" {
		return fallbackDigest(older)
	}
	provider, model, err := cm.chat.ChatFor(cm.model)
	if err != nil {
		slog.Warn("Compaction model unavailable, using deterministic digest", "model", cm.model, "error", err)
		return fallbackDigest(older)
	}

	var transcript strings.Builder
	if session.Digest != "" {
		transcript.WriteString(session.Digest)
		transcript.WriteString("\n\n")
	}
	for _, msg := range older {
		fmt.Fprintf(&transcript, "%s: %s\n", msg.Role, msg.Content)
	}

	resp, err := provider.Complete(ctx, providers.ChatRequest{
		Model: model,
		Messages: []providers.Message{
			{Role: models.RoleSystem, Content: "Summarise this conversation excerpt for continuity. Keep character and entity names, ids, plot facts, and decisions. Reply with the summary text only."},
			{Role: models.RoleUser, Content: transcript.String()},
		},
		Temperature: 0,
		MaxTokens:   digestMaxTokens,
	})
	if err != nil || strings.TrimSpace(resp.Content) == "" {
		slog.Warn("Compaction summary call failed, using deterministic digest", "model", cm.model, "error", err)
		return fallbackDigest(older)
	}
	return strings.TrimSpace(resp.Content)
}

// fallbackDigest is the deterministic summary used when no model is
// available: message counts plus clipped first and last lines.
func fallbackDigest(older []*models.ChatMessage) string {
	users := 0
	for _, msg := range older {
		if msg.Role == models.RoleUser {
			users++
		}
	}
	first := clip(older[0].Content, digestClipChars)
	last := clip(older[len(older)-1].Content, digestClipChars)
	return fmt.Sprintf("%d earlier messages (%d from the user). The exchange opened with %q and last covered %q.",
		len(older), users, first, last)
}

// preservedEntities collects the mentioned entity ids across the kept
// messages, deduplicated and sorted.
func preservedEntities(kept []*models.ChatMessage) []string {
	seen := map[string]bool{}
	ids := []string{}
	for _, msg := range kept {
		for _, id := range msg.MentionedIDs {
			if id == "" || seen[id] {
				continue
			}
			seen[id] = true
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// scopeIDs derives the operational scope for memory injection: every
// mentioned entity plus any "scope_ids" list the caller put in the payload.
func scopeIDs(mentionedIDs []string, contextPayload map[string]any) []string {
	ids := append([]string{}, mentionedIDs...)
	extra, ok := contextPayload["scope_ids"]
	if !ok {
		return ids
	}
	switch values := extra.(type) {
	case []string:
		ids = append(ids, values...)
	case []any:
		for _, v := range values {
			if s, ok := v.(string); ok {
				ids = append(ids, s)
			}
		}
	}
	return ids
}

func formatMemoryEntry(entry models.MemoryEntry) string {
	scope := entry.Scope
	if entry.ScopeID != "" {
		scope += ":" + entry.ScopeID
	}
	return fmt.Sprintf("[%s] %s: %s", scope, entry.Key, entry.Value)
}

// clip shortens text to limit characters on a rune boundary.
func clip(text string, limit int) string {
	text = strings.TrimSpace(text)
	if len(text) <= limit {
		return text
	}
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit]) + "…"
}
