package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/storyloom/loom/pkg/database"
	"github.com/storyloom/loom/pkg/models"
)

// EventLog is the append-only record of every mutation, partitioned by
// branch. Within a branch, sequence numbers are dense and assigned inside
// the append transaction, so the chain has no gaps even under concurrent
// writers.
type EventLog struct {
	client *database.Client
}

// NewEventLog creates an EventLog backed by the given client.
func NewEventLog(client *database.Client) *EventLog {
	return &EventLog{client: client}
}

// AppendEvent records a mutation at the head of a branch and returns the
// stored event with its assigned sequence number.
func (l *EventLog) AppendEvent(ctx context.Context, req models.AppendEventRequest) (*models.Event, error) {
	tx, err := l.client.DB().BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin append transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	event, err := l.AppendEventTx(ctx, tx, req)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit append transaction: %w", err)
	}
	return event, nil
}

// AppendEventTx is AppendEvent inside a caller-owned transaction. Unit-of-work
// commits use it to land index writes and their audit events atomically.
func (l *EventLog) AppendEventTx(ctx context.Context, tx *sql.Tx, req models.AppendEventRequest) (*models.Event, error) {
	if req.BranchID == "" {
		return nil, models.NewValidationError("BranchID", "required")
	}
	if !req.EventType.Valid() {
		return nil, models.NewValidationError("EventType", "must be CREATE, UPDATE, or DELETE")
	}
	if req.ContainerID == "" {
		return nil, models.NewValidationError("ContainerID", "required")
	}

	var (
		lastSeq sql.NullInt64
		lastID  sql.NullString
	)
	row := tx.QueryRowContext(ctx,
		`SELECT sequence, event_id FROM event_log WHERE branch_id = ? ORDER BY sequence DESC LIMIT 1`,
		req.BranchID)
	if err := row.Scan(&lastSeq, &lastID); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to read branch head: %w", err)
	}

	payload, err := marshalMap(req.Payload)
	if err != nil {
		return nil, err
	}

	event := &models.Event{
		EventID:       newID(),
		ParentEventID: lastID.String,
		BranchID:      req.BranchID,
		Sequence:      lastSeq.Int64 + 1,
		EventType:     req.EventType,
		ContainerID:   req.ContainerID,
		Payload:       req.Payload,
		Timestamp:     time.Now().UTC(),
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO event_log (event_id, parent_event_id, branch_id, sequence, event_type, container_id, payload_json, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		event.EventID, nullable(event.ParentEventID), event.BranchID, event.Sequence,
		string(event.EventType), event.ContainerID, payload, formatTime(event.Timestamp))
	if err != nil {
		return nil, fmt.Errorf("failed to append event: %w", err)
	}
	return event, nil
}

// GetEvent retrieves a single event by id.
func (l *EventLog) GetEvent(ctx context.Context, eventID string) (*models.Event, error) {
	row := l.client.DB().QueryRowContext(ctx,
		`SELECT event_id, parent_event_id, branch_id, sequence, event_type, container_id, payload_json, timestamp
		 FROM event_log WHERE event_id = ?`, eventID)
	event, err := scanEvent(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get event: %w", err)
	}
	return event, nil
}

// GetEventChain returns a branch's events in sequence order. An unknown
// branch yields an empty chain, not an error.
func (l *EventLog) GetEventChain(ctx context.Context, branchID string) ([]*models.Event, error) {
	rows, err := l.client.DB().QueryContext(ctx,
		`SELECT event_id, parent_event_id, branch_id, sequence, event_type, container_id, payload_json, timestamp
		 FROM event_log WHERE branch_id = ? ORDER BY sequence ASC`, branchID)
	if err != nil {
		return nil, fmt.Errorf("failed to get event chain: %w", err)
	}
	defer rows.Close()

	chain := []*models.Event{}
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to get event chain: %w", err)
		}
		chain = append(chain, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to get event chain: %w", err)
	}
	return chain, nil
}

// GetEventsSince returns up to limit events on a branch with sequence
// strictly greater than sinceSequence, in sequence order. Real-time
// subscribers use it to catch up after a reconnect.
func (l *EventLog) GetEventsSince(ctx context.Context, branchID string, sinceSequence int64, limit int) ([]*models.Event, error) {
	rows, err := l.client.DB().QueryContext(ctx,
		`SELECT event_id, parent_event_id, branch_id, sequence, event_type, container_id, payload_json, timestamp
		 FROM event_log WHERE branch_id = ? AND sequence > ? ORDER BY sequence ASC LIMIT ?`,
		branchID, sinceSequence, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get events since %d: %w", sinceSequence, err)
	}
	defer rows.Close()

	events := []*models.Event{}
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to get events since %d: %w", sinceSequence, err)
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to get events since %d: %w", sinceSequence, err)
	}
	return events, nil
}

// Branches lists every branch that has at least one event, main first, the
// rest in name order.
func (l *EventLog) Branches(ctx context.Context) ([]string, error) {
	rows, err := l.client.DB().QueryContext(ctx,
		`SELECT DISTINCT branch_id FROM event_log
		 ORDER BY CASE branch_id WHEN ? THEN 0 ELSE 1 END, branch_id`, models.MainBranch)
	if err != nil {
		return nil, fmt.Errorf("failed to list branches: %w", err)
	}
	defer rows.Close()

	branches := []string{}
	for rows.Next() {
		var b string
		if err := rows.Scan(&b); err != nil {
			return nil, fmt.Errorf("failed to list branches: %w", err)
		}
		branches = append(branches, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list branches: %w", err)
	}
	return branches, nil
}

// Branch forks a new branch at an existing event. Every source event at or
// before the fork point is copied onto the new branch with fresh ids and
// sequence numbers renumbered from 1; the first copy's parent points at the
// fork event, so the fork point stays recoverable from the copies alone.
// Returns the new branch's chain.
func (l *EventLog) Branch(ctx context.Context, req models.BranchRequest) ([]*models.Event, error) {
	if req.SourceBranch == "" {
		return nil, models.NewValidationError("SourceBranch", "required")
	}
	if req.NewBranch == "" {
		return nil, models.NewValidationError("NewBranch", "required")
	}
	if req.NewBranch == req.SourceBranch {
		return nil, models.NewValidationError("NewBranch", "must differ from source branch")
	}
	if req.ForkEventID == "" {
		return nil, models.NewValidationError("ForkEventID", "required")
	}

	tx, err := l.client.DB().BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin branch transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var existing int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM event_log WHERE branch_id = ?`, req.NewBranch).Scan(&existing); err != nil {
		return nil, fmt.Errorf("failed to check branch: %w", err)
	}
	if existing > 0 {
		return nil, fmt.Errorf("branch %q: %w", req.NewBranch, models.ErrAlreadyExists)
	}

	var forkSeq int64
	err = tx.QueryRowContext(ctx,
		`SELECT sequence FROM event_log WHERE event_id = ? AND branch_id = ?`,
		req.ForkEventID, req.SourceBranch).Scan(&forkSeq)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("fork event %q on branch %q: %w", req.ForkEventID, req.SourceBranch, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve fork event: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT event_id, parent_event_id, branch_id, sequence, event_type, container_id, payload_json, timestamp
		 FROM event_log WHERE branch_id = ? AND sequence <= ? ORDER BY sequence ASC`,
		req.SourceBranch, forkSeq)
	if err != nil {
		return nil, fmt.Errorf("failed to read source chain: %w", err)
	}
	source := []*models.Event{}
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to read source chain: %w", err)
		}
		source = append(source, event)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("failed to read source chain: %w", err)
	}
	rows.Close()

	copied := make([]*models.Event, 0, len(source))
	parent := req.ForkEventID
	for i, src := range source {
		payload, err := marshalMap(src.Payload)
		if err != nil {
			return nil, err
		}
		cp := &models.Event{
			EventID:       newID(),
			ParentEventID: parent,
			BranchID:      req.NewBranch,
			Sequence:      int64(i) + 1,
			EventType:     src.EventType,
			ContainerID:   src.ContainerID,
			Payload:       src.Payload,
			Timestamp:     src.Timestamp,
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO event_log (event_id, parent_event_id, branch_id, sequence, event_type, container_id, payload_json, timestamp)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			cp.EventID, nullable(cp.ParentEventID), cp.BranchID, cp.Sequence,
			string(cp.EventType), cp.ContainerID, payload, formatTime(cp.Timestamp))
		if err != nil {
			return nil, fmt.Errorf("failed to copy event onto branch: %w", err)
		}
		parent = cp.EventID
		copied = append(copied, cp)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit branch transaction: %w", err)
	}
	return copied, nil
}

// ProjectState replays a branch in sequence order and returns the resulting
// container states. Payloads carry the full post-event state, so CREATE and
// UPDATE both install the payload as-is and DELETE removes the container.
// Unknown branches project to empty state.
func (l *EventLog) ProjectState(ctx context.Context, branchID string) (map[string]map[string]any, error) {
	chain, err := l.GetEventChain(ctx, branchID)
	if err != nil {
		return nil, err
	}

	state := map[string]map[string]any{}
	for _, event := range chain {
		switch event.EventType {
		case models.EventCreate, models.EventUpdate:
			next := make(map[string]any, len(event.Payload))
			for k, v := range event.Payload {
				next[k] = v
			}
			state[event.ContainerID] = next
		case models.EventDelete:
			delete(state, event.ContainerID)
		}
	}
	return state, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*models.Event, error) {
	var (
		event     models.Event
		parentID  sql.NullString
		eventType string
		payload   string
		timestamp string
	)
	err := row.Scan(&event.EventID, &parentID, &event.BranchID, &event.Sequence,
		&eventType, &event.ContainerID, &payload, &timestamp)
	if err != nil {
		return nil, err
	}
	event.ParentEventID = parentID.String
	event.EventType = models.EventType(eventType)
	event.Timestamp = parseTime(timestamp)
	event.Payload, err = unmarshalMap(payload)
	if err != nil {
		return nil, err
	}
	return &event, nil
}
