package chat

import (
	"context"
	"log/slog"
	"time"

	"github.com/storyloom/loom/pkg/events"
	"github.com/storyloom/loom/pkg/models"
)

// EventPublisher broadcasts chat activity to WebSocket subscribers. The
// orchestrator publishes best-effort: a broadcast failure never fails the
// turn, because the requesting client already receives the event stream
// directly.
type EventPublisher interface {
	PublishMessageCreated(ctx context.Context, payload events.MessageCreatedPayload) error
	PublishSessionStatus(ctx context.Context, payload events.SessionStatusPayload) error
	PublishStreamChunk(payload events.StreamChunkPayload) error
}

// SetPublisher installs the WebSocket publisher. A nil publisher (the
// default) disables broadcasting; the turn's own event stream is unaffected.
func (o *Orchestrator) SetPublisher(p EventPublisher) {
	o.publisher = p
}

// publishMessage broadcasts a persisted chat message so other windows on the
// session learn about it without polling.
func (o *Orchestrator) publishMessage(ctx context.Context, msg *models.ChatMessage) {
	if o.publisher == nil || msg == nil {
		return
	}
	err := o.publisher.PublishMessageCreated(ctx, events.MessageCreatedPayload{
		SessionID: msg.SessionID,
		MessageID: msg.ID,
		Role:      msg.Role,
		Content:   msg.Content,
		Timestamp: msg.CreatedAt.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		slog.Warn("Failed to broadcast message event",
			"session_id", msg.SessionID, "message_id", msg.ID, "error", err)
	}
}

// publishChunk broadcasts one streaming delta. Chunks are transient; the
// full text follows in the assistant's message event.
func (o *Orchestrator) publishChunk(sessionID, delta string) {
	if o.publisher == nil || delta == "" {
		return
	}
	err := o.publisher.PublishStreamChunk(events.StreamChunkPayload{
		SessionID: sessionID,
		Delta:     delta,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		slog.Debug("Failed to broadcast stream chunk", "session_id", sessionID, "error", err)
	}
}

// publishSessionStatus broadcasts a session lifecycle change.
func (o *Orchestrator) publishSessionStatus(ctx context.Context, sessionID, status string) {
	if o.publisher == nil {
		return
	}
	err := o.publisher.PublishSessionStatus(ctx, events.SessionStatusPayload{
		SessionID: sessionID,
		Status:    status,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		slog.Warn("Failed to broadcast session status",
			"session_id", sessionID, "status", status, "error", err)
	}
}
