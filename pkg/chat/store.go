// Package chat implements the conversation orchestrator: session and
// message persistence, intent classification, the tool registry, layered
// context assembly with compaction, slash commands, and the event stream
// produced for each user turn.
package chat

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/storyloom/loom/pkg/database"
	"github.com/storyloom/loom/pkg/models"
)

// opTimeout bounds individual store operations so a wedged database cannot
// stall a chat turn indefinitely.
const opTimeout = 5 * time.Second

// defaultContextBudget is the per-session token budget applied when a
// create request does not set one. Matches the schema default.
const defaultContextBudget = 8000

// Store persists chat sessions and their messages. Message order within a
// session is total: sort_order is assigned from the current maximum inside
// the insert transaction, so concurrent writers cannot mint duplicates.
type Store struct {
	client *database.Client
}

// NewStore creates a Store backed by the given client.
func NewStore(client *database.Client) *Store {
	return &Store{client: client}
}

// CreateSession creates a new chat session.
func (s *Store) CreateSession(httpCtx context.Context, req models.CreateSessionRequest) (*models.ChatSession, error) {
	if req.Name == "" {
		return nil, models.NewValidationError("name", "required")
	}
	if req.AutonomyLevel < models.AutonomyAsk || req.AutonomyLevel > models.AutonomyExecute {
		return nil, models.NewValidationError("autonomy_level", "must be 0 (ask), 1 (suggest), or 2 (execute)")
	}

	ctx, cancel := context.WithTimeout(httpCtx, opTimeout)
	defer cancel()

	session := &models.ChatSession{
		ID:            newID(),
		Name:          req.Name,
		ProjectID:     req.ProjectID,
		State:         models.SessionActive,
		AutonomyLevel: req.AutonomyLevel,
		ContextBudget: req.ContextBudget,
		Tags:          req.Tags,
		SchemaVersion: 1,
		CreatedAt:     time.Now().UTC(),
		UpdatedAt:     time.Now().UTC(),
	}
	if session.ProjectID == "" {
		session.ProjectID = "default"
	}
	if session.ContextBudget <= 0 {
		session.ContextBudget = defaultContextBudget
	}

	tags, err := marshalList(session.Tags)
	if err != nil {
		return nil, err
	}

	_, err = s.client.DB().ExecContext(ctx,
		`INSERT INTO chat_sessions (id, name, project_id, state, autonomy_level, context_budget,
		    token_usage, digest, compaction_count, tags_json, schema_version, created_at, updated_at, notes)
		 VALUES (?, ?, ?, ?, ?, ?, 0, NULL, 0, ?, ?, ?, ?, NULL)`,
		session.ID, session.Name, session.ProjectID, string(session.State), session.AutonomyLevel,
		session.ContextBudget, tags, session.SchemaVersion,
		formatTime(session.CreatedAt), formatTime(session.UpdatedAt))
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	return session, nil
}

// GetSession retrieves a session by id.
func (s *Store) GetSession(httpCtx context.Context, sessionID string) (*models.ChatSession, error) {
	ctx, cancel := context.WithTimeout(httpCtx, opTimeout)
	defer cancel()

	row := s.client.DB().QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM chat_sessions WHERE id = ?`, sessionID)
	session, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return session, nil
}

// ListSessions returns all sessions, most recently updated first.
func (s *Store) ListSessions(httpCtx context.Context) ([]*models.ChatSession, error) {
	ctx, cancel := context.WithTimeout(httpCtx, opTimeout)
	defer cancel()

	rows, err := s.client.DB().QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM chat_sessions ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	sessions := []*models.ChatSession{}
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to list sessions: %w", err)
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	return sessions, nil
}

// UpdateSessionState transitions a session between lifecycle states.
func (s *Store) UpdateSessionState(httpCtx context.Context, sessionID string, state models.SessionState) error {
	ctx, cancel := context.WithTimeout(httpCtx, opTimeout)
	defer cancel()

	res, err := s.client.DB().ExecContext(ctx,
		`UPDATE chat_sessions SET state = ?, updated_at = ? WHERE id = ?`,
		string(state), formatTime(time.Now()), sessionID)
	if err != nil {
		return fmt.Errorf("failed to update session state: %w", err)
	}
	return requireRow(res)
}

// AddTokenUsage adds a turn's token consumption to the session counter.
func (s *Store) AddTokenUsage(httpCtx context.Context, sessionID string, delta int) error {
	ctx, cancel := context.WithTimeout(httpCtx, opTimeout)
	defer cancel()

	res, err := s.client.DB().ExecContext(ctx,
		`UPDATE chat_sessions SET token_usage = token_usage + ?, updated_at = ? WHERE id = ?`,
		delta, formatTime(time.Now()), sessionID)
	if err != nil {
		return fmt.Errorf("failed to update token usage: %w", err)
	}
	return requireRow(res)
}

// ApplyCompaction atomically replaces summarised history: the listed
// messages are deleted, the digest is stored, and the compaction counter
// and state advance together.
func (s *Store) ApplyCompaction(httpCtx context.Context, sessionID, digest string, deleteMessageIDs []string) error {
	ctx, cancel := context.WithTimeout(httpCtx, opTimeout)
	defer cancel()

	tx, err := s.client.DB().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin compaction transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, id := range deleteMessageIDs {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM chat_messages WHERE id = ? AND session_id = ?`, id, sessionID); err != nil {
			return fmt.Errorf("failed to prune message %s: %w", id, err)
		}
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE chat_sessions
		 SET digest = ?, compaction_count = compaction_count + 1, state = ?, updated_at = ?
		 WHERE id = ?`,
		digest, string(models.SessionCompacted), formatTime(time.Now()), sessionID)
	if err != nil {
		return fmt.Errorf("failed to store digest: %w", err)
	}
	if err := requireRow(res); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit compaction: %w", err)
	}
	return nil
}

// DeleteSession removes a session; its messages go with it via the
// ON DELETE CASCADE on chat_messages.
func (s *Store) DeleteSession(httpCtx context.Context, sessionID string) error {
	ctx, cancel := context.WithTimeout(httpCtx, opTimeout)
	defer cancel()

	res, err := s.client.DB().ExecContext(ctx,
		`DELETE FROM chat_sessions WHERE id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return requireRow(res)
}

// AddMessage appends a message to a session. The message's sort_order is
// the session's next position, assigned inside the insert transaction.
func (s *Store) AddMessage(httpCtx context.Context, req models.AddMessageRequest) (*models.ChatMessage, error) {
	if req.SessionID == "" {
		return nil, models.NewValidationError("session_id", "required")
	}
	if req.Role == "" {
		return nil, models.NewValidationError("role", "required")
	}
	if req.Content == "" {
		return nil, models.NewValidationError("content", "required")
	}

	ctx, cancel := context.WithTimeout(httpCtx, opTimeout)
	defer cancel()

	tx, err := s.client.DB().BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin message transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var one int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM chat_sessions WHERE id = ?`, req.SessionID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to verify session existence: %w", err)
	}

	var sortOrder int
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sort_order), 0) + 1 FROM chat_messages WHERE session_id = ?`,
		req.SessionID).Scan(&sortOrder)
	if err != nil {
		return nil, fmt.Errorf("failed to assign sort order: %w", err)
	}

	msg := &models.ChatMessage{
		ID:            newID(),
		SessionID:     req.SessionID,
		Role:          req.Role,
		Content:       req.Content,
		ActionTraces:  req.ActionTraces,
		Artifacts:     req.Artifacts,
		MentionedIDs:  req.MentionedIDs,
		ApprovalState: req.ApprovalState,
		SortOrder:     sortOrder,
		SchemaVersion: 1,
		CreatedAt:     time.Now().UTC(),
		UpdatedAt:     time.Now().UTC(),
	}

	traces, err := marshalList(msg.ActionTraces)
	if err != nil {
		return nil, err
	}
	artifacts, err := marshalList(msg.Artifacts)
	if err != nil {
		return nil, err
	}
	mentioned, err := marshalList(msg.MentionedIDs)
	if err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO chat_messages (id, session_id, role, content, action_traces_json, artifacts_json,
		    mentioned_entity_ids_json, approval_state, sort_order, schema_version, created_at, updated_at, notes)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)`,
		msg.ID, msg.SessionID, msg.Role, msg.Content, traces, artifacts,
		mentioned, nullable(msg.ApprovalState), msg.SortOrder, msg.SchemaVersion,
		formatTime(msg.CreatedAt), formatTime(msg.UpdatedAt))
	if err != nil {
		return nil, fmt.Errorf("failed to add message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit message: %w", err)
	}
	return msg, nil
}

// GetMessage retrieves a single message by id.
func (s *Store) GetMessage(httpCtx context.Context, messageID string) (*models.ChatMessage, error) {
	ctx, cancel := context.WithTimeout(httpCtx, opTimeout)
	defer cancel()

	row := s.client.DB().QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM chat_messages WHERE id = ?`, messageID)
	msg, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	return msg, nil
}

// ListMessages returns a session's messages in conversation order.
func (s *Store) ListMessages(httpCtx context.Context, sessionID string) ([]*models.ChatMessage, error) {
	ctx, cancel := context.WithTimeout(httpCtx, opTimeout)
	defer cancel()

	rows, err := s.client.DB().QueryContext(ctx,
		`SELECT `+messageColumns+` FROM chat_messages WHERE session_id = ? ORDER BY sort_order ASC`,
		sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()
	return collectMessages(rows)
}

// RecentMessages returns the last n messages of a session in conversation
// order.
func (s *Store) RecentMessages(httpCtx context.Context, sessionID string, n int) ([]*models.ChatMessage, error) {
	if n <= 0 {
		return []*models.ChatMessage{}, nil
	}

	ctx, cancel := context.WithTimeout(httpCtx, opTimeout)
	defer cancel()

	rows, err := s.client.DB().QueryContext(ctx,
		`SELECT `+messageColumns+` FROM (
		    SELECT `+messageColumns+` FROM chat_messages WHERE session_id = ? ORDER BY sort_order DESC LIMIT ?
		 ) ORDER BY sort_order ASC`,
		sessionID, n)
	if err != nil {
		return nil, fmt.Errorf("failed to list recent messages: %w", err)
	}
	defer rows.Close()
	return collectMessages(rows)
}

// SetApprovalState updates the approval gate on a message.
func (s *Store) SetApprovalState(httpCtx context.Context, messageID, state string) error {
	ctx, cancel := context.WithTimeout(httpCtx, opTimeout)
	defer cancel()

	res, err := s.client.DB().ExecContext(ctx,
		`UPDATE chat_messages SET approval_state = ?, updated_at = ? WHERE id = ?`,
		nullable(state), formatTime(time.Now()), messageID)
	if err != nil {
		return fmt.Errorf("failed to set approval state: %w", err)
	}
	return requireRow(res)
}

// CountMessages returns the number of messages in a session.
func (s *Store) CountMessages(httpCtx context.Context, sessionID string) (int, error) {
	ctx, cancel := context.WithTimeout(httpCtx, opTimeout)
	defer cancel()

	var count int
	err := s.client.DB().QueryRowContext(ctx,
		`SELECT COUNT(*) FROM chat_messages WHERE session_id = ?`, sessionID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return count, nil
}

const sessionColumns = `id, name, project_id, state, autonomy_level, context_budget,
    token_usage, digest, compaction_count, tags_json, schema_version, created_at, updated_at, notes`

const messageColumns = `id, session_id, role, content, action_traces_json, artifacts_json,
    mentioned_entity_ids_json, approval_state, sort_order, schema_version, created_at, updated_at, notes`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*models.ChatSession, error) {
	var (
		session          models.ChatSession
		state            string
		digest, notes    sql.NullString
		tags             string
		created, updated string
	)
	err := row.Scan(&session.ID, &session.Name, &session.ProjectID, &state, &session.AutonomyLevel,
		&session.ContextBudget, &session.TokenUsage, &digest, &session.CompactionCount,
		&tags, &session.SchemaVersion, &created, &updated, &notes)
	if err != nil {
		return nil, err
	}
	session.State = models.SessionState(state)
	session.Digest = digest.String
	session.Notes = notes.String
	session.CreatedAt = parseTime(created)
	session.UpdatedAt = parseTime(updated)
	if err := json.Unmarshal([]byte(tags), &session.Tags); err != nil {
		return nil, fmt.Errorf("failed to decode tags: %w", err)
	}
	return &session, nil
}

func scanMessage(row rowScanner) (*models.ChatMessage, error) {
	var (
		msg              models.ChatMessage
		traces           string
		artifacts        string
		mentioned        string
		approval, notes  sql.NullString
		created, updated string
	)
	err := row.Scan(&msg.ID, &msg.SessionID, &msg.Role, &msg.Content, &traces, &artifacts,
		&mentioned, &approval, &msg.SortOrder, &msg.SchemaVersion, &created, &updated, &notes)
	if err != nil {
		return nil, err
	}
	msg.ApprovalState = approval.String
	msg.Notes = notes.String
	msg.CreatedAt = parseTime(created)
	msg.UpdatedAt = parseTime(updated)
	if err := json.Unmarshal([]byte(traces), &msg.ActionTraces); err != nil {
		return nil, fmt.Errorf("failed to decode action traces: %w", err)
	}
	if err := json.Unmarshal([]byte(artifacts), &msg.Artifacts); err != nil {
		return nil, fmt.Errorf("failed to decode artifacts: %w", err)
	}
	if err := json.Unmarshal([]byte(mentioned), &msg.MentionedIDs); err != nil {
		return nil, fmt.Errorf("failed to decode mentioned ids: %w", err)
	}
	return &msg, nil
}

func collectMessages(rows *sql.Rows) ([]*models.ChatMessage, error) {
	messages := []*models.ChatMessage{}
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read messages: %w", err)
	}
	return messages, nil
}

// requireRow maps a zero-row update to ErrNotFound.
func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return models.ErrNotFound
	}
	return nil
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// marshalList serialises a slice column, normalising nil to the empty
// array so stored JSON is always valid.
func marshalList(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal json column: %w", err)
	}
	out := string(raw)
	if out == "null" {
		out = "[]"
	}
	return out, nil
}

// nullable maps the empty string to NULL for optional text columns.
func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
