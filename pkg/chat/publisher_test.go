package chat

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storyloom/loom/pkg/events"
	"github.com/storyloom/loom/pkg/models"
)

// recordingPublisher captures broadcasts for assertions.
type recordingPublisher struct {
	mu       sync.Mutex
	messages []events.MessageCreatedPayload
	statuses []events.SessionStatusPayload
	chunks   []events.StreamChunkPayload
}

func (r *recordingPublisher) PublishMessageCreated(_ context.Context, payload events.MessageCreatedPayload) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, payload)
	return nil
}

func (r *recordingPublisher) PublishSessionStatus(_ context.Context, payload events.SessionStatusPayload) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, payload)
	return nil
}

func (r *recordingPublisher) PublishStreamChunk(payload events.StreamChunkPayload) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chunks = append(r.chunks, payload)
	return nil
}

func (r *recordingPublisher) Messages() []events.MessageCreatedPayload {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.MessageCreatedPayload(nil), r.messages...)
}

func (r *recordingPublisher) Chunks() []events.StreamChunkPayload {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.StreamChunkPayload(nil), r.chunks...)
}

func TestOrchestrator_BroadcastsTurnEvents(t *testing.T) {
	f := newTurnFixture(t)
	rec := &recordingPublisher{}
	f.orch.SetPublisher(rec)
	session := f.newSession(t, models.AutonomySuggest)
	f.fake.Enqueue("Dawn over the harbor.")

	f.runTurn(t, session.ID, "describe the morning", nil)

	msgs := rec.Messages()
	require.Len(t, msgs, 2, "user and assistant messages are broadcast")
	assert.Equal(t, models.RoleUser, msgs[0].Role)
	assert.Equal(t, "describe the morning", msgs[0].Content)
	assert.Equal(t, models.RoleAssistant, msgs[1].Role)
	assert.Equal(t, "Dawn over the harbor.", msgs[1].Content)
	for _, msg := range msgs {
		assert.Equal(t, session.ID, msg.SessionID)
		assert.NotEmpty(t, msg.MessageID)
		assert.NotEmpty(t, msg.Timestamp)
	}

	var streamed strings.Builder
	for _, chunk := range rec.Chunks() {
		assert.Equal(t, session.ID, chunk.SessionID)
		streamed.WriteString(chunk.Delta)
	}
	assert.Equal(t, "Dawn over the harbor.", streamed.String(),
		"broadcast chunks mirror the token stream")
}

func TestOrchestrator_BroadcastsApprovalGateMessage(t *testing.T) {
	f := newTurnFixture(t)
	rec := &recordingPublisher{}
	f.orch.SetPublisher(rec)
	f.classifier.verdict = Classification{Tool: ToolCreate, Confidence: 95}
	session := f.newSession(t, models.AutonomyAsk)

	events := f.runTurn(t, session.ID, "add a rival captain", nil)
	firstEvent(t, events, EventApprovalNeeded)

	msgs := rec.Messages()
	require.Len(t, msgs, 2, "user message and the pending gate message")
	assert.Equal(t, models.RoleAssistant, msgs[1].Role)
	assert.Contains(t, msgs[1].Content, "needs your approval")
}

func TestOrchestrator_NilPublisherIsSafe(t *testing.T) {
	f := newTurnFixture(t)
	session := f.newSession(t, models.AutonomySuggest)
	f.fake.Enqueue("Quiet tide.")

	events := f.runTurn(t, session.ID, "hello", nil)
	assert.Equal(t, "Quiet tide.", tokensText(events))
}
