// Package events provides real-time event delivery over WebSocket, fanned
// out by an in-process broker.
//
// Events come in two durability classes. Durable events are appended to the
// event log on the session's event branch before broadcast, so a client that
// reconnects can replay what it missed via catchup. Transient events are
// broadcast only — high-frequency streaming deltas that are superseded by a
// durable event carrying the final content.
//
//	message.created   durable    a chat message was persisted
//	session.status    durable    a chat session changed lifecycle state
//	run.status        durable    a pipeline run spawned from a session
//	                             changed state
//	stream.chunk      transient  incremental model output for a message
//
// Clients subscribe to channels ("session:<id>" for one session's events,
// "sessions" for cross-session status updates) and track their position via
// the db_event_id field injected into every durable broadcast.
package events

// Durable event types (persisted to the event log, then broadcast).
const (
	EventTypeMessageCreated = "message.created"
	EventTypeSessionStatus  = "session.status"
	EventTypeRunStatus      = "run.status"
)

// Transient event types (broadcast only, lost on disconnect).
const (
	EventTypeStreamChunk = "stream.chunk"
)

// GlobalSessionsChannel carries session-level status events across all
// sessions. The session list view subscribes here; it receives transient
// copies only, so it has no catchup.
const GlobalSessionsChannel = "sessions"

// SessionChannel returns the broadcast channel for one session's events.
// Format: "session:{session_id}"
func SessionChannel(sessionID string) string {
	return "session:" + sessionID
}

// SessionBranch returns the event-log branch that stores a session's durable
// events. Kept distinct from entity branches by the "sessions/" prefix.
func SessionBranch(sessionID string) string {
	return "sessions/" + sessionID
}

// ClientMessage is the JSON structure for client → server WebSocket messages.
type ClientMessage struct {
	Action      string `json:"action"`                  // "subscribe", "unsubscribe", "catchup", "ping"
	Channel     string `json:"channel,omitempty"`       // channel name (e.g. "session:abc-123")
	LastEventID *int   `json:"last_event_id,omitempty"` // for catchup
}
