package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/storyloom/loom/pkg/models"
	"github.com/storyloom/loom/pkg/store"
)

// Publisher publishes events for WebSocket delivery. Durable events are
// appended to the event log on the session's event branch and then handed
// to the broker; transient events go to the broker only.
//
// Each public method accepts a specific typed payload struct — see
// payloads.go. The method stamps the payload's Type so callers cannot
// mislabel an event, and the broadcast copy carries a db_event_id (the
// log sequence) for catchup position tracking.
type Publisher struct {
	log    *store.EventLog
	broker *Broker
}

// NewPublisher creates a Publisher over the given event log and broker.
func NewPublisher(log *store.EventLog, broker *Broker) *Publisher {
	return &Publisher{log: log, broker: broker}
}

// PublishMessageCreated persists and broadcasts a message.created event.
func (p *Publisher) PublishMessageCreated(ctx context.Context, payload MessageCreatedPayload) error {
	payload.Type = EventTypeMessageCreated
	return p.persistAndNotify(ctx, payload.SessionID, SessionChannel(payload.SessionID),
		models.EventCreate, payload.MessageID, payload)
}

// PublishSessionStatus persists a session status event to the session
// channel and broadcasts a transient copy to the global sessions channel.
// Both publishes are best-effort relative to each other: a failure on the
// durable path still attempts the global broadcast. Returns the first
// error encountered.
func (p *Publisher) PublishSessionStatus(ctx context.Context, payload SessionStatusPayload) error {
	payload.Type = EventTypeSessionStatus

	var firstErr error
	if err := p.persistAndNotify(ctx, payload.SessionID, SessionChannel(payload.SessionID),
		models.EventUpdate, payload.SessionID, payload); err != nil {
		slog.Warn("Failed to publish session status to session channel",
			"session_id", payload.SessionID, "status", payload.Status, "error", err)
		firstErr = err
	}

	if err := p.notifyOnly(GlobalSessionsChannel, payload); err != nil {
		slog.Warn("Failed to publish session status to global channel",
			"session_id", payload.SessionID, "status", payload.Status, "error", err)
		if firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// PublishRunStatus persists and broadcasts a run.status event on the
// channel of the session that spawned the run.
func (p *Publisher) PublishRunStatus(ctx context.Context, payload RunStatusPayload) error {
	payload.Type = EventTypeRunStatus
	return p.persistAndNotify(ctx, payload.SessionID, SessionChannel(payload.SessionID),
		models.EventUpdate, payload.RunID, payload)
}

// PublishStreamChunk broadcasts a stream.chunk transient event without
// persistence. Deltas are ephemeral — the final content arrives in the
// subsequent message.created event.
func (p *Publisher) PublishStreamChunk(payload StreamChunkPayload) error {
	payload.Type = EventTypeStreamChunk
	return p.notifyOnly(SessionChannel(payload.SessionID), payload)
}

// persistAndNotify appends the payload to the session's event branch, then
// broadcasts it with the assigned sequence injected as db_event_id. Persist
// comes first: a dropped broadcast is recoverable via catchup, an
// unpersisted broadcast is not.
func (p *Publisher) persistAndNotify(ctx context.Context, sessionID, channel string,
	eventType models.EventType, containerID string, payload any) error {
	doc, err := payloadMap(payload)
	if err != nil {
		return err
	}

	event, err := p.log.AppendEvent(ctx, models.AppendEventRequest{
		BranchID:    SessionBranch(sessionID),
		EventType:   eventType,
		ContainerID: containerID,
		Payload:     doc,
	})
	if err != nil {
		return fmt.Errorf("failed to persist event: %w", err)
	}

	doc["db_event_id"] = event.Sequence
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal broadcast payload: %w", err)
	}
	p.broker.Publish(channel, raw)
	return nil
}

// notifyOnly broadcasts a payload via the broker without persisting it.
func (p *Publisher) notifyOnly(channel string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal broadcast payload: %w", err)
	}
	p.broker.Publish(channel, raw)
	return nil
}

// payloadMap converts a typed payload struct into the map form the event
// log stores.
func payloadMap(payload any) (map[string]any, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event payload: %w", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode event payload: %w", err)
	}
	return doc, nil
}
