package chat

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/storyloom/loom/pkg/assembler"
	"github.com/storyloom/loom/pkg/models"
	"github.com/storyloom/loom/pkg/providers"
)

const chatSystemPrompt = "You are a collaborator on a long-form writing project. Ground your answers in the project memory and entity context provided, keep continuity with established facts, and be concrete."

// fallbackReply is the canned shell response streamed when the model cannot
// be reached. It is tokenised word by word like a real completion.
const fallbackReply = "I could not reach the language model just now. Your message is saved; try again in a moment."

// Orchestrator drives one chat turn end to end: persistence, slash
// commands, intent classification, tool dispatch, and the streaming model
// call. Every turn produces exactly one event stream and exactly one
// assistant message.
type Orchestrator struct {
	sessions   *Store
	classifier Classifier
	tools      *ToolRegistry
	contextMgr *ContextManager
	chat       *providers.Registry
	model      string
	plans      *planBoard
	publisher  EventPublisher
}

// NewOrchestrator wires the orchestrator. The model id ("provider/model")
// is used for the plain chat path, plan generation, and plan execution.
func NewOrchestrator(sessions *Store, classifier Classifier, tools *ToolRegistry, contextMgr *ContextManager, chat *providers.Registry, model string) *Orchestrator {
	return &Orchestrator{
		sessions:   sessions,
		classifier: classifier,
		tools:      tools,
		contextMgr: contextMgr,
		chat:       chat,
		model:      model,
		plans:      newPlanBoard(),
	}
}

// HandleMessage runs one user turn and returns its event stream. The user
// message is persisted before the stream is handed out, so a non-nil error
// means nothing was recorded. The returned channel is unbuffered and closed
// when the turn finishes; exactly one consumer must drain it. Cancelling ctx
// abandons the turn at its next yield.
func (o *Orchestrator) HandleMessage(ctx context.Context, sessionID, content string, mentionedIDs []string, contextPayload map[string]any) (<-chan Event, error) {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return nil, models.NewValidationError("content", "content is required")
	}
	session, err := o.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	userMsg, err := o.sessions.AddMessage(ctx, models.AddMessageRequest{
		SessionID:    sessionID,
		Role:         models.RoleUser,
		Content:      content,
		MentionedIDs: mentionedIDs,
	})
	if err != nil {
		return nil, err
	}
	o.publishMessage(ctx, userMsg)

	out := make(chan Event)
	go o.runTurn(ctx, session, trimmed, mentionedIDs, contextPayload, out)
	return out, nil
}

func (o *Orchestrator) runTurn(ctx context.Context, session *models.ChatSession, content string, mentionedIDs []string, contextPayload map[string]any, out chan<- Event) {
	defer close(out)
	started := time.Now()

	if strings.HasPrefix(content, "/") {
		reply, traces := o.handleCommand(ctx, session, content, out)
		emitTokens(out, reply)
		o.finishTurn(ctx, session, out, started, reply, traces, nil, 0)
		return
	}

	verdict := o.classify(ctx, session, content)
	if verdict.RequiresApproval {
		o.emitApprovalGate(ctx, session, out, verdict)
		return
	}

	out <- Event{Type: EventActionTrace, Data: map[string]any{
		"tool_name":  "classifier",
		"tool":       verdict.Tool,
		"confidence": verdict.Confidence,
	}}
	traces := []models.ActionTrace{{
		ToolName:       "classifier",
		ContextSummary: fmt.Sprintf("classified as %s at %.0f%% confidence", verdict.Tool, verdict.Confidence),
	}}

	var (
		reply         string
		artifacts     []models.Artifact
		contextTokens int
	)
	if verdict.Tool != ToolChat && o.tools.Has(verdict.Tool) {
		text, toolTraces, toolArtifacts := o.dispatchTool(ctx, session, verdict, content, mentionedIDs, contextPayload, out)
		reply = text
		traces = append(traces, toolTraces...)
		artifacts = toolArtifacts
	} else {
		reply, contextTokens = o.chatTurn(ctx, session, content, mentionedIDs, contextPayload, out)
	}

	o.finishTurn(ctx, session, out, started, reply, traces, artifacts, contextTokens)
}

// classify asks the injected classifier and clamps the verdict to the
// session's autonomy level. Classifier failures degrade to plain chat.
func (o *Orchestrator) classify(ctx context.Context, session *models.ChatSession, content string) Classification {
	verdict, err := o.classifier.Classify(ctx, content, session)
	if err != nil {
		slog.Warn("Intent classification failed, treating as chat", "session_id", session.ID, "error", err)
		verdict = Classification{Tool: ToolChat}
	}
	if verdict.Tool == "" {
		verdict.Tool = ToolChat
	}
	return applyAutonomy(session.AutonomyLevel, verdict)
}

// emitApprovalGate records a pending assistant message for the gated action
// and ends the turn with an approval_needed event. No complete event
// follows: the turn resumes only through an explicit approval.
func (o *Orchestrator) emitApprovalGate(ctx context.Context, session *models.ChatSession, out chan<- Event, verdict Classification) {
	reply := fmt.Sprintf("The %s action needs your approval before I proceed.", strings.ToLower(verdict.Tool))
	msg, err := o.sessions.AddMessage(ctx, models.AddMessageRequest{
		SessionID:     session.ID,
		Role:          models.RoleAssistant,
		Content:       reply,
		ApprovalState: models.ApprovalPending,
	})
	if err != nil {
		slog.Error("Failed to record approval gate", "session_id", session.ID, "error", err)
		out <- errorEvent("failed to record the approval request: " + err.Error())
		return
	}
	o.publishMessage(ctx, msg)
	out <- Event{Type: EventApprovalNeeded, Data: map[string]any{
		"message_id": msg.ID,
		"session_id": session.ID,
		"tool":       verdict.Tool,
		"confidence": verdict.Confidence,
		"parameters": verdict.Parameters,
	}}
}

// dispatchTool runs the registered handler for the classified tool.
// Streaming handlers own their event sequence; plain handlers get their
// result tokenised, and the artifact categories get one artifact event.
func (o *Orchestrator) dispatchTool(ctx context.Context, session *models.ChatSession, verdict Classification, content string, mentionedIDs []string, contextPayload map[string]any, out chan<- Event) (string, []models.ActionTrace, []models.Artifact) {
	inv := ToolInvocation{
		Content:        content,
		EntityIDs:      mentionedIDs,
		SessionID:      session.ID,
		Params:         verdict.Parameters,
		ContextPayload: contextPayload,
		ContextManager: o.contextMgr,
	}
	name := strings.ToLower(verdict.Tool)
	started := time.Now()

	if fn, ok := o.tools.streamHandler(verdict.Tool); ok {
		text := o.forwardToolStream(ctx, name, fn, inv, out)
		trace := models.ActionTrace{
			ToolName:       name,
			ContextSummary: clip(content, digestClipChars),
			DurationMS:     time.Since(started).Milliseconds(),
			TokenUsageOut:  assembler.EstimateTokens(text),
		}
		return text, []models.ActionTrace{trace}, nil
	}

	fn, ok := o.tools.plainHandler(verdict.Tool)
	if !ok {
		text := fmt.Sprintf("The %s tool is not registered.", name)
		emitTokens(out, text)
		return text, nil, nil
	}

	text, failed := invokePlain(ctx, verdict.Tool, fn, inv)
	emitTokens(out, text)
	trace := models.ActionTrace{
		ToolName:       name,
		ContextSummary: clip(content, digestClipChars),
		DurationMS:     time.Since(started).Milliseconds(),
		TokenUsageOut:  assembler.EstimateTokens(text),
	}

	var artifacts []models.Artifact
	if !failed && artifactTools[toolKey(verdict.Tool)] {
		artifact := models.Artifact{
			ArtifactType: name,
			Title:        name + " result",
			Content:      text,
		}
		artifacts = append(artifacts, artifact)
		out <- Event{Type: EventArtifact, Data: map[string]any{
			"artifact_type": artifact.ArtifactType,
			"title":         artifact.Title,
			"content":       artifact.Content,
		}}
	}
	return text, []models.ActionTrace{trace}, artifacts
}

// forwardToolStream relays a generator handler's events verbatim and
// collects its token text as the assistant reply.
func (o *Orchestrator) forwardToolStream(ctx context.Context, name string, fn ToolStream, inv ToolInvocation, out chan<- Event) string {
	stream, err := invokeStream(ctx, fn, inv)
	if err != nil {
		text := fmt.Sprintf("The %s tool failed: %v", name, err)
		emitTokens(out, text)
		return text
	}
	var reply strings.Builder
	for event := range stream {
		out <- event
		if event.Type == EventToken {
			if text, ok := event.Data["text"].(string); ok {
				reply.WriteString(text)
			}
		}
	}
	return reply.String()
}

// chatTurn is the plain conversational path: three-layer context, then a
// streaming completion re-emitted as token events.
func (o *Orchestrator) chatTurn(ctx context.Context, session *models.ChatSession, content string, mentionedIDs []string, contextPayload map[string]any, out chan<- Event) (string, int) {
	built, err := o.contextMgr.BuildContext(ctx, session.ID, mentionedIDs, contextPayload, session.ContextBudget)
	if err != nil {
		slog.Warn("Context build failed, continuing without context", "session_id", session.ID, "error", err)
		built = &BuiltContext{}
	}

	messages := make([]providers.Message, 0, len(built.Messages)+4)
	messages = append(messages, providers.Message{Role: models.RoleSystem, Content: chatSystemPrompt})
	if built.SystemContext != "" {
		messages = append(messages, providers.Message{Role: models.RoleSystem, Content: built.SystemContext})
	}
	if built.EntityContext != "" {
		messages = append(messages, providers.Message{Role: models.RoleSystem, Content: "## Mentioned Entities\n" + built.EntityContext})
	}
	messages = append(messages, built.Messages...)
	// The history layer usually already ends with the just-persisted user
	// message; append it only when trimming dropped it.
	if n := len(messages); messages[n-1].Role != models.RoleUser || messages[n-1].Content != content {
		messages = append(messages, providers.Message{Role: models.RoleUser, Content: content})
	}

	return o.streamModel(ctx, session.ID, messages, out), built.TokenUsage
}

// streamModel re-emits completion deltas as token events. Any failure
// before the first delta degrades to the canned reply; a failure after
// partial output keeps what was already streamed.
func (o *Orchestrator) streamModel(ctx context.Context, sessionID string, messages []providers.Message, out chan<- Event) string {
	provider, model, err := o.chat.ChatFor(o.model)
	if err != nil {
		slog.Warn("Chat model unavailable, using canned reply", "model", o.model, "error", err)
		emitTokens(out, fallbackReply)
		return fallbackReply
	}

	stream, err := provider.Stream(ctx, providers.ChatRequest{Model: model, Messages: messages})
	if err != nil {
		slog.Warn("Chat stream failed to open, using canned reply", "model", o.model, "error", err)
		emitTokens(out, fallbackReply)
		return fallbackReply
	}

	var reply strings.Builder
	for delta := range stream {
		if delta.Err != nil {
			slog.Warn("Chat stream failed mid-reply", "model", o.model, "error", delta.Err)
			break
		}
		if delta.Content != "" {
			out <- tokenEvent(delta.Content)
			o.publishChunk(sessionID, delta.Content)
			reply.WriteString(delta.Content)
		}
	}
	if reply.Len() == 0 {
		emitTokens(out, fallbackReply)
		return fallbackReply
	}
	return reply.String()
}

// finishTurn persists the assistant message, then closes the turn with the
// final action_trace and complete events and updates the session's token
// counter.
func (o *Orchestrator) finishTurn(ctx context.Context, session *models.ChatSession, out chan<- Event, started time.Time, reply string, traces []models.ActionTrace, artifacts []models.Artifact, contextTokens int) {
	msg, err := o.sessions.AddMessage(ctx, models.AddMessageRequest{
		SessionID:    session.ID,
		Role:         models.RoleAssistant,
		Content:      reply,
		ActionTraces: traces,
		Artifacts:    artifacts,
	})
	if err != nil {
		slog.Error("Failed to persist assistant message", "session_id", session.ID, "error", err)
		out <- errorEvent("failed to save the assistant reply: " + err.Error())
		return
	}
	o.publishMessage(ctx, msg)

	elapsed := time.Since(started).Milliseconds()
	out <- Event{Type: EventActionTrace, Data: map[string]any{
		"tool_name":   "turn",
		"duration_ms": elapsed,
		"trace_count": len(traces),
	}}
	out <- Event{Type: EventComplete, Data: map[string]any{
		"message_id":    msg.ID,
		"session_id":    session.ID,
		"elapsed_ms":    elapsed,
		"trace_summary": traceSummary(traces),
	}}

	if usage := contextTokens + assembler.EstimateTokens(reply); usage > 0 {
		if err := o.sessions.AddTokenUsage(ctx, session.ID, usage); err != nil {
			slog.Warn("Failed to update session token usage", "session_id", session.ID, "error", err)
		}
	}
}

func traceSummary(traces []models.ActionTrace) string {
	if len(traces) == 0 {
		return "no tools"
	}
	names := make([]string, len(traces))
	for i, trace := range traces {
		names[i] = trace.ToolName
	}
	return strings.Join(names, ", ")
}
