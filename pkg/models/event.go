package models

import "time"

// EventType discriminates mutations recorded in the event log.
type EventType string

const (
	EventCreate EventType = "CREATE"
	EventUpdate EventType = "UPDATE"
	EventDelete EventType = "DELETE"
)

// Valid reports whether the event type is one of the known mutations.
func (t EventType) Valid() bool {
	switch t {
	case EventCreate, EventUpdate, EventDelete:
		return true
	}
	return false
}

// MainBranch is the default branch every mutation lands on unless the caller
// targets an alternate timeline.
const MainBranch = "main"

// Event is the audit record of a single mutation. Events form a per-branch
// linear history ordered by Sequence; replaying a branch's events projects
// the current state of every entity on that branch.
type Event struct {
	EventID       string         `json:"event_id"`
	ParentEventID string         `json:"parent_event_id,omitempty"`
	BranchID      string         `json:"branch_id"`
	Sequence      int64          `json:"sequence"`
	EventType     EventType      `json:"event_type"`
	ContainerID   string         `json:"container_id"`
	Payload       map[string]any `json:"payload"`
	Timestamp     time.Time      `json:"timestamp"`
}

// AppendEventRequest carries the fields for recording a new mutation.
// Sequence and EventID are assigned by the event log.
type AppendEventRequest struct {
	BranchID    string         `json:"branch_id"`
	EventType   EventType      `json:"event_type"`
	ContainerID string         `json:"container_id"`
	Payload     map[string]any `json:"payload"`
}

// BranchRequest asks for a new branch forked from an existing event.
type BranchRequest struct {
	SourceBranch string `json:"source_branch"`
	NewBranch    string `json:"new_branch"`
	ForkEventID  string `json:"fork_event_id"`
}
