package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storyloom/loom/pkg/models"
	"github.com/storyloom/loom/pkg/providers"
)

// stubClassifier returns a fixed verdict so turn tests do not spend fake
// replies on classification.
type stubClassifier struct {
	verdict Classification
	err     error
}

func (s *stubClassifier) Classify(context.Context, string, *models.ChatSession) (Classification, error) {
	return s.verdict, s.err
}

type turnFixture struct {
	orch       *Orchestrator
	sessions   *Store
	fake       *providers.Fake
	classifier *stubClassifier
	tools      *ToolRegistry
}

func newTurnFixture(t *testing.T) *turnFixture {
	t.Helper()

	registry, fake := newFakeRegistry(t)
	f := newContextFixture(t, registry, "fake/fake-model")
	classifier := &stubClassifier{verdict: Classification{Tool: ToolChat, Confidence: 60}}
	tools := NewToolRegistry()
	orch := NewOrchestrator(f.sessions, classifier, tools, f.cm, registry, "fake/fake-model")

	return &turnFixture{
		orch:       orch,
		sessions:   f.sessions,
		fake:       fake,
		classifier: classifier,
		tools:      tools,
	}
}

func (f *turnFixture) newSession(t *testing.T, autonomy int) *models.ChatSession {
	t.Helper()
	return mustCreateSession(t, f.sessions, models.CreateSessionRequest{
		Name:          "Turn test",
		AutonomyLevel: autonomy,
	})
}

// runTurn sends one message and drains the whole event stream.
func (f *turnFixture) runTurn(t *testing.T, sessionID, content string, mentioned []string) []Event {
	t.Helper()
	stream, err := f.orch.HandleMessage(context.Background(), sessionID, content, mentioned, nil)
	require.NoError(t, err)

	var events []Event
	for event := range stream {
		events = append(events, event)
	}
	return events
}

func tokensText(events []Event) string {
	var b strings.Builder
	for _, event := range events {
		if event.Type == EventToken {
			if s, ok := event.Data["text"].(string); ok {
				b.WriteString(s)
			}
		}
	}
	return b.String()
}

func eventsByType(events []Event, et EventType) []Event {
	var out []Event
	for _, event := range events {
		if event.Type == et {
			out = append(out, event)
		}
	}
	return out
}

func firstEvent(t *testing.T, events []Event, et EventType) Event {
	t.Helper()
	for _, event := range events {
		if event.Type == et {
			return event
		}
	}
	t.Fatalf("no %s event among %d events", et, len(events))
	return Event{}
}

func TestOrchestrator_PlainChatTurn(t *testing.T) {
	f := newTurnFixture(t)
	session := f.newSession(t, models.AutonomySuggest)
	f.fake.Enqueue("The lighthouse waits.")

	events := f.runTurn(t, session.ID, "hello there", nil)

	assert.Equal(t, "The lighthouse waits.", tokensText(events),
		"streamed deltas concatenate to the reply")

	classTrace := firstEvent(t, events, EventActionTrace)
	assert.Equal(t, "classifier", classTrace.Data["tool_name"])
	assert.Equal(t, ToolChat, classTrace.Data["tool"])

	complete := firstEvent(t, events, EventComplete)
	assert.Equal(t, session.ID, complete.Data["session_id"])
	assert.NotEmpty(t, complete.Data["message_id"])
	assert.Equal(t, "classifier", complete.Data["trace_summary"])

	messages, err := f.sessions.ListMessages(context.Background(), session.ID)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, models.RoleUser, messages[0].Role)
	assert.Equal(t, "hello there", messages[0].Content)
	assert.Equal(t, models.RoleAssistant, messages[1].Role)
	assert.Equal(t, "The lighthouse waits.", messages[1].Content)
	assert.Equal(t, complete.Data["message_id"], messages[1].ID)
	require.Len(t, messages[1].ActionTraces, 1)

	loaded, err := f.sessions.GetSession(context.Background(), session.ID)
	require.NoError(t, err)
	assert.Positive(t, loaded.TokenUsage)

	requests := f.fake.Requests()
	require.Len(t, requests, 1)
	assert.Equal(t, models.RoleSystem, requests[0].Messages[0].Role)
	last := requests[0].Messages[len(requests[0].Messages)-1]
	assert.Equal(t, models.RoleUser, last.Role)
	assert.Equal(t, "hello there", last.Content, "the persisted user turn is not duplicated")
}

func TestOrchestrator_ModelFailureFallsBack(t *testing.T) {
	f := newTurnFixture(t)
	session := f.newSession(t, models.AutonomySuggest)
	f.fake.EnqueueError(errors.New("downstream 500"))

	events := f.runTurn(t, session.ID, "hello", nil)

	assert.Equal(t, fallbackReply, tokensText(events))
	firstEvent(t, events, EventComplete)

	messages, err := f.sessions.ListMessages(context.Background(), session.ID)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, fallbackReply, messages[1].Content)
}

func TestOrchestrator_ClassifierErrorDegradesToChat(t *testing.T) {
	f := newTurnFixture(t)
	session := f.newSession(t, models.AutonomySuggest)
	f.classifier.err = errors.New("classifier exploded")
	f.fake.Enqueue("Still here.")

	events := f.runTurn(t, session.ID, "hello", nil)

	trace := firstEvent(t, events, EventActionTrace)
	assert.Equal(t, ToolChat, trace.Data["tool"])
	assert.Equal(t, "Still here.", tokensText(events))
}

func TestOrchestrator_ApprovalGate(t *testing.T) {
	f := newTurnFixture(t)
	session := f.newSession(t, models.AutonomyAsk)
	f.classifier.verdict = Classification{Tool: ToolCreate, Confidence: 88}

	events := f.runTurn(t, session.ID, "create a new rival character", nil)

	require.Len(t, events, 1, "the gate stops the turn")
	gate := events[0]
	assert.Equal(t, EventApprovalNeeded, gate.Type)
	assert.Equal(t, ToolCreate, gate.Data["tool"])
	assert.Equal(t, session.ID, gate.Data["session_id"])
	assert.NotEmpty(t, gate.Data["message_id"])

	messages, err := f.sessions.ListMessages(context.Background(), session.ID)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, models.ApprovalPending, messages[1].ApprovalState)
	assert.Contains(t, messages[1].Content, "needs your approval")

	assert.Zero(t, f.fake.CallCount(), "no model call behind the gate")
}

func TestOrchestrator_ExecuteAutonomySkipsGate(t *testing.T) {
	f := newTurnFixture(t)
	session := f.newSession(t, models.AutonomyExecute)
	f.classifier.verdict = Classification{Tool: ToolDelete, Confidence: 95, RequiresApproval: true}
	f.fake.Enqueue("Nothing was deleted; no handler is wired.")

	events := f.runTurn(t, session.ID, "delete the harbor scene", nil)

	assert.Empty(t, eventsByType(events, EventApprovalNeeded))
	firstEvent(t, events, EventComplete)
	assert.Equal(t, "Nothing was deleted; no handler is wired.", tokensText(events),
		"an unregistered tool falls back to the chat path")
}

func TestOrchestrator_ToolDispatch(t *testing.T) {
	f := newTurnFixture(t)
	session := f.newSession(t, models.AutonomySuggest)
	f.classifier.verdict = Classification{
		Tool:       ToolSearch,
		Confidence: 90,
		Parameters: map[string]any{"query": "harbor"},
	}

	var seen ToolInvocation
	f.tools.Register(ToolSearch, func(_ context.Context, inv ToolInvocation) (string, error) {
		seen = inv
		return "Found 3 scenes about the harbor.", nil
	})

	events := f.runTurn(t, session.ID, "find harbor scenes", []string{"scene-7"})

	assert.Equal(t, "find harbor scenes", seen.Content)
	assert.Equal(t, session.ID, seen.SessionID)
	assert.Equal(t, []string{"scene-7"}, seen.EntityIDs)
	assert.Equal(t, "harbor", seen.Params["query"])
	assert.NotNil(t, seen.ContextManager)

	assert.Equal(t, "Found 3 scenes about the harbor.", tokensText(events))

	artifact := firstEvent(t, events, EventArtifact)
	assert.Equal(t, "search", artifact.Data["artifact_type"])
	assert.Equal(t, "Found 3 scenes about the harbor.", artifact.Data["content"])

	complete := firstEvent(t, events, EventComplete)
	assert.Equal(t, "classifier, search", complete.Data["trace_summary"])

	messages, err := f.sessions.ListMessages(context.Background(), session.ID)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	require.Len(t, messages[1].Artifacts, 1)
	assert.Equal(t, "search", messages[1].Artifacts[0].ArtifactType)
	require.Len(t, messages[1].ActionTraces, 2)

	assert.Zero(t, f.fake.CallCount(), "tool dispatch does not touch the model")
}

func TestOrchestrator_ToolErrorIsVisible(t *testing.T) {
	f := newTurnFixture(t)
	session := f.newSession(t, models.AutonomySuggest)
	f.classifier.verdict = Classification{Tool: ToolSearch, Confidence: 90}
	f.tools.Register(ToolSearch, func(context.Context, ToolInvocation) (string, error) {
		return "", errors.New("index offline")
	})

	events := f.runTurn(t, session.ID, "find harbor scenes", nil)

	assert.Equal(t, "The search tool failed: index offline", tokensText(events))
	assert.Empty(t, eventsByType(events, EventArtifact), "failed tools produce no artifact")
	firstEvent(t, events, EventComplete)
}

func TestOrchestrator_ToolPanicIsContained(t *testing.T) {
	f := newTurnFixture(t)
	session := f.newSession(t, models.AutonomySuggest)
	f.classifier.verdict = Classification{Tool: ToolCreate, Confidence: 90}
	f.tools.Register(ToolCreate, func(context.Context, ToolInvocation) (string, error) {
		panic("nil entity")
	})

	events := f.runTurn(t, session.ID, "create a rival", nil)

	assert.Contains(t, tokensText(events), "The create tool crashed")
	assert.Empty(t, eventsByType(events, EventArtifact))
	firstEvent(t, events, EventComplete)

	messages, err := f.sessions.ListMessages(context.Background(), session.ID)
	require.NoError(t, err)
	assert.Len(t, messages, 2, "the turn still persists both sides")
}

func TestOrchestrator_StreamingTool(t *testing.T) {
	f := newTurnFixture(t)
	session := f.newSession(t, models.AutonomySuggest)
	f.classifier.verdict = Classification{Tool: ToolResearch, Confidence: 90}

	f.tools.RegisterStream(ToolResearch, func(context.Context, ToolInvocation) (<-chan Event, error) {
		out := make(chan Event, 3)
		out <- tokenEvent("alpha ")
		out <- tokenEvent("beta")
		out <- Event{Type: EventBackgroundUpdate, Data: map[string]any{"message": "notes saved"}}
		close(out)
		return out, nil
	})

	events := f.runTurn(t, session.ID, "research sea trade routes", nil)

	assert.Equal(t, "alpha beta", tokensText(events))
	update := firstEvent(t, events, EventBackgroundUpdate)
	assert.Equal(t, "notes saved", update.Data["message"])
	assert.Empty(t, eventsByType(events, EventArtifact), "generator handlers own their artifacts")

	messages, err := f.sessions.ListMessages(context.Background(), session.ID)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, "alpha beta", messages[1].Content)
}

func TestOrchestrator_CommandFlow(t *testing.T) {
	f := newTurnFixture(t)
	session := f.newSession(t, models.AutonomyAsk)
	ctx := context.Background()

	f.fake.Enqueue(`[
		{"step": 1, "action": "Outline the arc", "status": "pending"},
		{"step": 2, "action": "Draft scene beats", "status": "pending"},
		{"step": 3, "action": "Write the confrontation", "status": "pending"},
		{"step": 4, "action": "Review pacing", "status": "pending"}
	]`)

	planEvents := f.runTurn(t, session.ID, "/plan rework the villain arc", nil)
	planReply := tokensText(planEvents)
	assert.Contains(t, planReply, "1. [pending] Outline the arc")
	assert.Contains(t, planReply, "4. [pending] Review pacing")
	require.Len(t, f.orch.plans.get(session.ID), 4)

	approveEvents := f.runTurn(t, session.ID, "/approve all", nil)
	assert.Contains(t, tokensText(approveEvents), "Approved steps: 1, 2, 3, 4")
	assert.Len(t, f.orch.plans.approvedSteps(session.ID), 4)

	// The fake's queue is empty now, so each step echoes its own action.
	executeEvents := f.runTurn(t, session.ID, "/execute", nil)

	stepTraces := 0
	for _, event := range eventsByType(executeEvents, EventActionTrace) {
		if event.Data["tool_name"] == "plan_step" {
			stepTraces++
		}
	}
	assert.Equal(t, 4, stepTraces, "one action_trace per executed step")

	update := firstEvent(t, executeEvents, EventBackgroundUpdate)
	assert.Equal(t, "Executed 4 plan steps.", update.Data["message"])

	executeReply := tokensText(executeEvents)
	assert.Contains(t, executeReply, "Step 1: Outline the arc")
	assert.Contains(t, executeReply, "Step 4: Review pacing")

	assert.Empty(t, f.orch.plans.get(session.ID), "the plan is cleared after execution")

	count, err := f.sessions.CountMessages(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, 6, count, "three user commands and three assistant replies")
}

func TestOrchestrator_UnknownCommand(t *testing.T) {
	f := newTurnFixture(t)
	session := f.newSession(t, models.AutonomyAsk)

	events := f.runTurn(t, session.ID, "/frobnicate now", nil)

	reply := tokensText(events)
	assert.Contains(t, reply, "Unknown command /frobnicate")
	assert.Contains(t, reply, "/plan <goal>")
	assert.Contains(t, reply, "/compact")
	firstEvent(t, events, EventComplete)
}

func TestOrchestrator_ApproveWithoutPlan(t *testing.T) {
	f := newTurnFixture(t)
	session := f.newSession(t, models.AutonomyAsk)

	events := f.runTurn(t, session.ID, "/approve all", nil)
	assert.Contains(t, tokensText(events), "No plan to approve")

	events = f.runTurn(t, session.ID, "/execute", nil)
	assert.Contains(t, tokensText(events), "No approved plan steps")
}

func TestOrchestrator_CompactCommand(t *testing.T) {
	f := newTurnFixture(t)
	session := f.newSession(t, models.AutonomyAsk)
	ctx := context.Background()

	for i := 1; i <= 7; i++ {
		_, err := f.sessions.AddMessage(ctx, models.AddMessageRequest{
			SessionID: session.ID,
			Role:      models.RoleUser,
			Content:   fmt.Sprintf("The tide shifted again on day %d and the crew argued about the lantern oil.", i),
		})
		require.NoError(t, err)
	}

	events := f.runTurn(t, session.ID, "/compact", nil)

	reply := tokensText(events)
	assert.Contains(t, reply, "Compacted 8 messages")
	assert.Contains(t, reply, "compaction #1")

	loaded, err := f.sessions.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(loaded.Digest, "## Conversation Summary\n"))
	assert.Equal(t, 1, loaded.CompactionCount)

	count, err := f.sessions.CountMessages(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, 6, count, "five kept messages plus the command reply")
}

func TestOrchestrator_InputValidation(t *testing.T) {
	f := newTurnFixture(t)
	session := f.newSession(t, models.AutonomyAsk)

	t.Run("empty content", func(t *testing.T) {
		_, err := f.orch.HandleMessage(context.Background(), session.ID, "   ", nil, nil)
		require.Error(t, err)
		assert.True(t, models.IsValidationError(err))
	})

	t.Run("unknown session", func(t *testing.T) {
		_, err := f.orch.HandleMessage(context.Background(), "missing", "hello", nil, nil)
		assert.ErrorIs(t, err, models.ErrNotFound)
	})
}
