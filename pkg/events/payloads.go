package events

// MessageCreatedPayload is the payload for message.created events.
// Published when a chat message (user or assistant) is persisted.
type MessageCreatedPayload struct {
	Type      string `json:"type"`       // always EventTypeMessageCreated
	SessionID string `json:"session_id"` // owning chat session
	MessageID string `json:"message_id"` // new message UUID
	Role      string `json:"role"`       // user, assistant, system
	Content   string `json:"content"`    // message text
	Timestamp string `json:"timestamp"`  // RFC3339Nano
}

// SessionStatusPayload is the payload for session.status events.
// Published when a chat session transitions between lifecycle states.
type SessionStatusPayload struct {
	Type      string `json:"type"`       // always EventTypeSessionStatus
	SessionID string `json:"session_id"` // session UUID
	Status    string `json:"status"`     // active, compacted, ended
	Timestamp string `json:"timestamp"`  // RFC3339Nano
}

// RunStatusPayload is the payload for run.status events. Published when a
// pipeline run started from a chat session changes state, so the session
// view can show background progress without polling the run endpoint.
type RunStatusPayload struct {
	Type        string `json:"type"`                   // always EventTypeRunStatus
	SessionID   string `json:"session_id"`             // session that started the run
	RunID       string `json:"run_id"`                 // pipeline run UUID
	PipelineID  string `json:"pipeline_id,omitempty"`  // definition the run executes
	Status      string `json:"status"`                 // run state, e.g. EXECUTING, PAUSED_FOR_USER, COMPLETED
	CurrentStep string `json:"current_step,omitempty"` // step id the cursor is on
	Timestamp   string `json:"timestamp"`              // RFC3339Nano
}

// StreamChunkPayload is the payload for stream.chunk transient events.
// Published for each model streaming delta — high frequency, ephemeral;
// the final text arrives in the following message.created event.
type StreamChunkPayload struct {
	Type      string `json:"type"`                 // always EventTypeStreamChunk
	SessionID string `json:"session_id"`           // owning chat session
	MessageID string `json:"message_id,omitempty"` // message being streamed, when known
	Delta     string `json:"delta"`                // incremental text chunk
	Timestamp string `json:"timestamp"`            // RFC3339Nano
}
