package chat

import "strings"

// EventType enumerates the events a chat turn can emit.
type EventType string

const (
	// EventToken carries one increment of assistant text.
	EventToken EventType = "token"
	// EventActionTrace describes a classification or tool invocation.
	EventActionTrace EventType = "action_trace"
	// EventArtifact carries a produced object the user may save.
	EventArtifact EventType = "artifact"
	// EventApprovalNeeded signals the turn stopped pending user approval.
	EventApprovalNeeded EventType = "approval_needed"
	// EventBackgroundUpdate reports progress of work running off-turn.
	EventBackgroundUpdate EventType = "background_update"
	// EventComplete closes a successful turn.
	EventComplete EventType = "complete"
	// EventError closes a failed turn.
	EventError EventType = "error"
)

// Event is one element of the stream produced for a user turn. The stream
// is lazy and single-consumer: the observer that receives the channel owns
// delivery to the client.
type Event struct {
	Type EventType      `json:"event_type"`
	Data map[string]any `json:"data"`
}

func tokenEvent(text string) Event {
	return Event{Type: EventToken, Data: map[string]any{"text": text}}
}

func errorEvent(message string) Event {
	return Event{Type: EventError, Data: map[string]any{"message": message}}
}

// emitTokens streams text as word-boundary token events. Concatenating the
// emitted pieces reproduces the text exactly.
func emitTokens(out chan<- Event, text string) {
	for _, piece := range splitWords(text) {
		out <- tokenEvent(piece)
	}
}

// splitWords cuts text after each space so the pieces concatenate back to
// the original.
func splitWords(text string) []string {
	if text == "" {
		return nil
	}
	parts := strings.SplitAfter(text, " ")
	out := parts[:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
