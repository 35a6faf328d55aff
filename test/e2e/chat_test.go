package e2e

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storyloom/loom/pkg/chat"
	"github.com/storyloom/loom/pkg/models"
	"github.com/storyloom/loom/pkg/providers"
)

// frameData returns the data object of an SSE chat frame.
func frameData(t *testing.T, frame map[string]any) map[string]any {
	t.Helper()
	data, ok := frame["data"].(map[string]any)
	require.True(t, ok, "frame has no data object: %v", frame)
	return data
}

// singleFrame asserts exactly one frame of the type exists and returns its data.
func singleFrame(t *testing.T, frames []map[string]any, eventType string) map[string]any {
	t.Helper()
	matched := framesOfType(frames, eventType)
	require.Len(t, matched, 1, "expected exactly one %s frame", eventType)
	return frameData(t, matched[0])
}

func TestChatTurnStreamsTokens(t *testing.T) {
	app := NewTestApp(t)
	sessionID := app.createChatSession("drafting")

	const reply = "The harbor scene opens with rain on the pier."
	app.Fake.Enqueue(reply)

	frames := app.sendMessage(sessionID, "How should the harbor scene open?")

	assert.Equal(t, reply, joinTokens(frames), "streamed tokens should reassemble into the scripted reply")

	traces := framesOfType(frames, "action_trace")
	require.NotEmpty(t, traces, "a turn always opens with the classifier trace")
	classifier := frameData(t, traces[0])
	assert.Equal(t, "classifier", classifier["tool_name"])
	assert.Equal(t, chat.ToolChat, classifier["tool"])
	assert.Equal(t, float64(60), classifier["confidence"])

	turn := frameData(t, traces[len(traces)-1])
	assert.Equal(t, "turn", turn["tool_name"])
	assert.Equal(t, float64(1), turn["trace_count"], "a plain chat turn carries only the classifier trace")
	assert.Contains(t, turn, "duration_ms")

	complete := singleFrame(t, frames, "complete")
	assert.Equal(t, sessionID, complete["session_id"])
	assert.NotEmpty(t, complete["message_id"])
	assert.Contains(t, complete, "elapsed_ms")
	assert.Equal(t, "classifier", complete["trace_summary"])

	messages := app.listMessages(sessionID)
	require.Len(t, messages, 2)
	assert.Equal(t, models.RoleUser, messages[0]["role"])
	assert.Equal(t, "How should the harbor scene open?", messages[0]["content"])
	assert.Equal(t, models.RoleAssistant, messages[1]["role"])
	assert.Equal(t, reply, messages[1]["content"])
}

func TestChatProviderFailure(t *testing.T) {
	t.Run("failure before the first token degrades to the canned reply", func(t *testing.T) {
		app := NewTestApp(t)
		sessionID := app.createChatSession("offline")
		app.Fake.EnqueueError(errors.New("model offline"))

		frames := app.sendMessage(sessionID, "Continue the chapter.")

		reply := joinTokens(frames)
		assert.Contains(t, reply, "could not reach the language model")
		assert.Contains(t, reply, "Your message is saved")

		// The turn still finishes cleanly and the canned reply is persisted.
		complete := singleFrame(t, frames, "complete")
		assert.Equal(t, sessionID, complete["session_id"])
		messages := app.listMessages(sessionID)
		require.Len(t, messages, 2)
		assert.Equal(t, reply, messages[1]["content"])
	})

	t.Run("mid-stream failure keeps the partial output", func(t *testing.T) {
		app := NewTestApp(t)
		sessionID := app.createChatSession("flaky")
		app.Fake.EnqueueReply(providers.FakeReply{Content: "A partial draft", Err: errors.New("connection reset")})

		frames := app.sendMessage(sessionID, "Continue the chapter.")

		assert.Equal(t, "A partial draft", joinTokens(frames))
		singleFrame(t, frames, "complete")
		messages := app.listMessages(sessionID)
		require.Len(t, messages, 2)
		assert.Equal(t, "A partial draft", messages[1]["content"])
	})
}

func TestRegisteredToolDispatch(t *testing.T) {
	classifier := NewStubClassifier()
	app := NewTestApp(t, WithClassifier(classifier))
	sessionID := app.createChatSession("research")

	const result = "Found 3 scenes mentioning the lighthouse."
	app.ChatTools.Register(chat.ToolSearch, func(_ context.Context, inv chat.ToolInvocation) (string, error) {
		assert.Equal(t, sessionID, inv.SessionID)
		return result, nil
	})
	classifier.SetVerdict(chat.Classification{Tool: chat.ToolSearch, Confidence: 85})

	frames := app.sendMessage(sessionID, "Where does the lighthouse appear?")

	assert.Equal(t, result, joinTokens(frames))

	traces := framesOfType(frames, "action_trace")
	var toolTrace map[string]any
	for _, frame := range traces {
		data := frameData(t, frame)
		if data["tool_name"] == "search" {
			toolTrace = data
		}
	}
	require.NotNil(t, toolTrace, "the dispatched tool should emit its own trace")
	assert.Contains(t, toolTrace, "duration_ms")

	artifact := singleFrame(t, frames, "artifact")
	assert.Equal(t, "search", artifact["artifact_type"])
	assert.Equal(t, "search result", artifact["title"])
	assert.Equal(t, result, artifact["content"])

	turn := frameData(t, traces[len(traces)-1])
	assert.Equal(t, "turn", turn["tool_name"])
	assert.Equal(t, float64(2), turn["trace_count"], "classifier trace plus the tool trace")

	complete := singleFrame(t, frames, "complete")
	assert.Equal(t, "classifier, search", complete["trace_summary"])
}

func TestUnregisteredToolFallsBackToChat(t *testing.T) {
	classifier := NewStubClassifier()
	app := NewTestApp(t, WithClassifier(classifier))
	sessionID := app.createChatSession("no tools")

	// EVALUATE is non-mutating so the ask-level session lets it through,
	// but nothing is registered under it.
	classifier.SetVerdict(chat.Classification{Tool: chat.ToolEvaluate, Confidence: 70})
	app.Fake.Enqueue("Judging by the pacing, the chapter holds up.")

	frames := app.sendMessage(sessionID, "Does the chapter hold up?")

	assert.Equal(t, "Judging by the pacing, the chapter holds up.", joinTokens(frames))
	assert.Empty(t, framesOfType(frames, "artifact"))
	singleFrame(t, frames, "complete")
}

func TestApprovalGate(t *testing.T) {
	classifier := NewStubClassifier()
	app := NewTestApp(t, WithClassifier(classifier))
	sessionID := app.createChatSession("cautious")

	// Sessions default to the ask autonomy level, which forces approval
	// for mutating tools regardless of classifier confidence.
	classifier.SetVerdict(chat.Classification{Tool: chat.ToolCreate, Confidence: 88})

	frames := app.sendMessage(sessionID, "Create a character named Mara.")

	approval := singleFrame(t, frames, "approval_needed")
	assert.Equal(t, chat.ToolCreate, approval["tool"])
	assert.Equal(t, sessionID, approval["session_id"])
	assert.Equal(t, float64(88), approval["confidence"])
	assert.NotEmpty(t, approval["message_id"])

	assert.Empty(t, framesOfType(frames, "complete"), "a gated turn ends without a complete event")
	assert.Empty(t, framesOfType(frames, "token"))

	messages := app.listMessages(sessionID)
	require.Len(t, messages, 2)
	gate := messages[1]
	assert.Equal(t, models.RoleAssistant, gate["role"])
	assert.Equal(t, "The create action needs your approval before I proceed.", gate["content"])
	assert.Equal(t, models.ApprovalPending, gate["approval_state"])
}

func TestPlanApproveExecute(t *testing.T) {
	app := NewTestApp(t)
	sessionID := app.createChatSession("planning")

	const goal = "Draft the heist chapter"
	planActions := []string{
		"Outline the approach for: " + goal,
		"Gather the relevant entities and context",
		"Draft the changes",
		"Review the draft against the goal",
	}

	t.Run("plan proposes four pending steps", func(t *testing.T) {
		frames := app.sendMessage(sessionID, "/plan "+goal)
		reply := joinTokens(frames)
		assert.Contains(t, reply, "Plan:\n")
		for i, action := range planActions {
			assert.Contains(t, reply, fmt.Sprintf("%d. [pending] %s", i+1, action))
		}
		assert.Contains(t, reply, "Approve steps with /approve <numbers|all>, then run them with /execute.")
	})

	t.Run("approve all flips every step", func(t *testing.T) {
		frames := app.sendMessage(sessionID, "/approve all")
		reply := joinTokens(frames)
		assert.Contains(t, reply, "Approved steps: 1, 2, 3, 4.")
		for i, action := range planActions {
			assert.Contains(t, reply, fmt.Sprintf("%d. [approved] %s", i+1, action))
		}
		assert.NotContains(t, reply, "[pending]")
	})

	t.Run("execute runs each step and reports results", func(t *testing.T) {
		frames := app.sendMessage(sessionID, "/execute")

		stepTraces := make([]map[string]any, 0, 4)
		for _, frame := range framesOfType(frames, "action_trace") {
			data := frameData(t, frame)
			if data["tool_name"] == "plan_step" {
				stepTraces = append(stepTraces, data)
			}
		}
		require.Len(t, stepTraces, 4)
		for i, trace := range stepTraces {
			assert.Equal(t, float64(i+1), trace["step"])
			assert.Equal(t, planActions[i], trace["action"])
			assert.Contains(t, trace, "duration_ms")
		}

		update := singleFrame(t, frames, "background_update")
		assert.Equal(t, sessionID, update["session_id"])
		assert.Equal(t, "Executed 4 plan steps.", update["message"])

		// The unscripted model echoes each step's action back as its result.
		lines := make([]string, len(planActions))
		for i, action := range planActions {
			lines[i] = fmt.Sprintf("Step %d: %s", i+1, action)
		}
		assert.Equal(t, strings.Join(lines, "\n"), joinTokens(frames))
	})

	t.Run("executing again finds no plan", func(t *testing.T) {
		frames := app.sendMessage(sessionID, "/execute")
		assert.Equal(t, "No approved plan steps to execute. Create a plan with /plan <goal> and approve it first.", joinTokens(frames))
	})

	messages := app.listMessages(sessionID)
	assert.Len(t, messages, 8, "four command turns, each a user and an assistant message")
}

func TestUnknownSlashCommand(t *testing.T) {
	app := NewTestApp(t)
	sessionID := app.createChatSession("typos")

	frames := app.sendMessage(sessionID, "/warp nine")
	assert.Equal(t,
		"Unknown command /warp. Available commands: /plan <goal>, /approve <numbers|all>, /execute, /compact.",
		joinTokens(frames))
	singleFrame(t, frames, "complete")
}

func TestCompactCommand(t *testing.T) {
	t.Run("short sessions are left alone", func(t *testing.T) {
		app := NewTestApp(t)
		sessionID := app.createChatSession("tiny")

		frames := app.sendMessage(sessionID, "/compact")
		assert.Equal(t,
			"Nothing to compact: the session has 1 messages and the most recent 5 are always kept.",
			joinTokens(frames))
	})

	t.Run("long sessions fold older messages into a digest", func(t *testing.T) {
		app := NewTestApp(t)
		sessionID := app.createChatSession("long haul")

		for i := 1; i <= 3; i++ {
			app.sendMessage(sessionID, fmt.Sprintf("Tell me about chapter %d.", i))
		}
		// Six messages so far; the /compact user message makes seven, of
		// which the five most recent survive.
		frames := app.sendMessage(sessionID, "/compact")
		reply := joinTokens(frames)
		assert.Contains(t, reply, "Compacted 7 messages down to a digest (compaction #1")

		messages := app.listMessages(sessionID)
		assert.Len(t, messages, 6, "five kept messages plus the compaction reply")

		session := app.getJSON("/api/v1/chat/sessions/"+sessionID, 200)
		assert.Equal(t, float64(1), session["compaction_count"])
		digest, _ := session["digest"].(string)
		assert.Contains(t, digest, "## Conversation Summary")
	})
}

func TestEmptyChatMessageRejected(t *testing.T) {
	app := NewTestApp(t)
	sessionID := app.createChatSession("strict")

	body := app.postJSON("/api/v1/chat/sessions/"+sessionID+"/messages", map[string]any{"content": "   "}, 400)
	errMsg, _ := body["error"].(string)
	assert.Contains(t, errMsg, "content")

	frames := app.sendMessage(sessionID, "still works")
	singleFrame(t, frames, "complete")
}
