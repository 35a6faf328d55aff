package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/storyloom/loom/pkg/database"
	"github.com/storyloom/loom/pkg/models"
)

// Memory persists project-memory facts: style rules, recurring details, and
// other notes the assembler and chat tools inject into prompts.
type Memory struct {
	client *database.Client
}

// NewMemory creates a Memory store backed by the given client.
func NewMemory(client *database.Client) *Memory {
	return &Memory{client: client}
}

// UpsertMemory stores a fact, replacing any existing entry with the same
// key, scope, and scope id.
func (m *Memory) UpsertMemory(ctx context.Context, entry models.MemoryEntry) error {
	if entry.Key == "" {
		return models.NewValidationError("Key", "required")
	}
	if entry.Scope == "" {
		return models.NewValidationError("Scope", "required")
	}
	_, err := m.client.DB().ExecContext(ctx,
		`INSERT INTO project_memory (key, scope, scope_id, value, source, auto_inject)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(key, scope, scope_id) DO UPDATE SET
			value = excluded.value,
			source = excluded.source,
			auto_inject = excluded.auto_inject`,
		entry.Key, entry.Scope, entry.ScopeID, entry.Value, entry.Source, entry.AutoInject)
	if err != nil {
		return fmt.Errorf("failed to upsert memory entry: %w", err)
	}
	return nil
}

// GetMemory retrieves a single fact.
func (m *Memory) GetMemory(ctx context.Context, key, scope, scopeID string) (*models.MemoryEntry, error) {
	var entry models.MemoryEntry
	err := m.client.DB().QueryRowContext(ctx,
		`SELECT key, scope, scope_id, value, source, auto_inject
		 FROM project_memory WHERE key = ? AND scope = ? AND scope_id = ?`,
		key, scope, scopeID).
		Scan(&entry.Key, &entry.Scope, &entry.ScopeID, &entry.Value, &entry.Source, &entry.AutoInject)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get memory entry: %w", err)
	}
	return &entry, nil
}

// ListMemory returns facts for a scope; an empty scope returns everything.
// Entries come back key-ordered for stable prompt rendering.
func (m *Memory) ListMemory(ctx context.Context, scope, scopeID string) ([]models.MemoryEntry, error) {
	query := `SELECT key, scope, scope_id, value, source, auto_inject FROM project_memory`
	where := []string{}
	args := []any{}
	if scope != "" {
		where = append(where, "scope = ?")
		args = append(args, scope)
	}
	if scopeID != "" {
		where = append(where, "scope_id = ?")
		args = append(args, scopeID)
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY scope, scope_id, key"
	return m.collectMemory(ctx, query, args...)
}

// ListAutoInject returns the facts eligible for automatic prompt injection:
// every global auto-inject entry plus entries whose scope id appears in
// scopeIDs.
func (m *Memory) ListAutoInject(ctx context.Context, scopeIDs ...string) ([]models.MemoryEntry, error) {
	query := `SELECT key, scope, scope_id, value, source, auto_inject
		 FROM project_memory WHERE auto_inject = 1 AND (scope = ?`
	args := []any{models.ScopeGlobal}
	if len(scopeIDs) > 0 {
		query += " OR scope_id IN (?" + strings.Repeat(", ?", len(scopeIDs)-1) + ")"
		for _, id := range scopeIDs {
			args = append(args, id)
		}
	}
	query += ") ORDER BY scope, scope_id, key"
	return m.collectMemory(ctx, query, args...)
}

// DeleteMemory removes a fact. Unknown keys are a no-op.
func (m *Memory) DeleteMemory(ctx context.Context, key, scope, scopeID string) error {
	_, err := m.client.DB().ExecContext(ctx,
		`DELETE FROM project_memory WHERE key = ? AND scope = ? AND scope_id = ?`,
		key, scope, scopeID)
	if err != nil {
		return fmt.Errorf("failed to delete memory entry: %w", err)
	}
	return nil
}

func (m *Memory) collectMemory(ctx context.Context, query string, args ...any) ([]models.MemoryEntry, error) {
	rows, err := m.client.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list memory entries: %w", err)
	}
	defer rows.Close()

	results := []models.MemoryEntry{}
	for rows.Next() {
		var entry models.MemoryEntry
		err := rows.Scan(&entry.Key, &entry.Scope, &entry.ScopeID, &entry.Value,
			&entry.Source, &entry.AutoInject)
		if err != nil {
			return nil, fmt.Errorf("failed to list memory entries: %w", err)
		}
		results = append(results, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list memory entries: %w", err)
	}
	return results, nil
}
