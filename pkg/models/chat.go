// Package models contains request/response models and business domain types.
package models

import "time"

// SessionState tracks the lifecycle of a chat session.
type SessionState string

const (
	SessionActive    SessionState = "active"
	SessionCompacted SessionState = "compacted"
	SessionEnded     SessionState = "ended"
)

// Autonomy levels control how much the orchestrator may do without asking.
const (
	AutonomyAsk     = 0
	AutonomySuggest = 1
	AutonomyExecute = 2
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Approval states for messages that gate an action.
const (
	ApprovalPending  = "pending"
	ApprovalApproved = "approved"
	ApprovalRejected = "rejected"
)

// ChatSession is one conversation with the orchestrator.
type ChatSession struct {
	ID              string       `json:"id"`
	Name            string       `json:"name"`
	ProjectID       string       `json:"project_id"`
	State           SessionState `json:"state"`
	AutonomyLevel   int          `json:"autonomy_level"`
	ContextBudget   int          `json:"context_budget"`
	TokenUsage      int          `json:"token_usage"`
	Digest          string       `json:"digest,omitempty"`
	CompactionCount int          `json:"compaction_count"`
	Tags            []string     `json:"tags,omitempty"`
	SchemaVersion   int          `json:"schema_version"`
	CreatedAt       time.Time    `json:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
	Notes           string       `json:"notes,omitempty"`
}

// ActionTrace records one tool invocation made while answering a message.
type ActionTrace struct {
	ToolName       string `json:"tool_name"`
	ContextSummary string `json:"context_summary,omitempty"`
	DurationMS     int64  `json:"duration_ms"`
	TokenUsageIn   int    `json:"token_usage_in"`
	TokenUsageOut  int    `json:"token_usage_out"`
	SubInvocations int    `json:"sub_invocations"`
}

// Artifact is a produced object attached to a message (a plan, a draft, a
// search result digest) that the user may save into the store.
type Artifact struct {
	ArtifactType string `json:"artifact_type"`
	Title        string `json:"title"`
	Content      string `json:"content"`
	ContainerID  string `json:"container_id,omitempty"`
	IsSaved      bool   `json:"is_saved"`
}

// ChatMessage is one message within a session. Messages are totally ordered
// by SortOrder, assigned monotonically at insert time.
type ChatMessage struct {
	ID            string        `json:"id"`
	SessionID     string        `json:"session_id"`
	Role          string        `json:"role"`
	Content       string        `json:"content"`
	ActionTraces  []ActionTrace `json:"action_traces,omitempty"`
	Artifacts     []Artifact    `json:"artifacts,omitempty"`
	MentionedIDs  []string      `json:"mentioned_entity_ids,omitempty"`
	ApprovalState string        `json:"approval_state,omitempty"`
	SortOrder     int           `json:"sort_order"`
	SchemaVersion int           `json:"schema_version"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
	Notes         string        `json:"notes,omitempty"`
}

// CreateSessionRequest contains fields for creating a chat session.
type CreateSessionRequest struct {
	Name          string   `json:"name"`
	ProjectID     string   `json:"project_id"`
	AutonomyLevel int      `json:"autonomy_level,omitempty"`
	ContextBudget int      `json:"context_budget,omitempty"`
	Tags          []string `json:"tags,omitempty"`
}

// AddMessageRequest contains fields for appending a message to a session.
type AddMessageRequest struct {
	SessionID     string        `json:"session_id"`
	Role          string        `json:"role"`
	Content       string        `json:"content"`
	ActionTraces  []ActionTrace `json:"action_traces,omitempty"`
	Artifacts     []Artifact    `json:"artifacts,omitempty"`
	MentionedIDs  []string      `json:"mentioned_entity_ids,omitempty"`
	ApprovalState string        `json:"approval_state,omitempty"`
}

// SendMessageRequest is the API-facing body for a user turn.
type SendMessageRequest struct {
	Content        string         `json:"content"`
	MentionedIDs   []string       `json:"mentioned_entity_ids,omitempty"`
	ContextPayload map[string]any `json:"context_payload,omitempty"`
}
