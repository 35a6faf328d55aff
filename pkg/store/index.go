package store

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/storyloom/loom/pkg/database"
	"github.com/storyloom/loom/pkg/models"
)

// Index is the queryable mirror of current entity state. The YAML files are
// the source of truth; the index exists so lookups, tree walks, and filtered
// queries never touch the filesystem.
type Index struct {
	client *database.Client
}

// NewIndex creates an Index backed by the given client.
func NewIndex(client *database.Client) *Index {
	return &Index{client: client}
}

const entityColumns = `id, entity_type, name, yaml_path, content_hash, attributes_json,
	created_at, updated_at, container_type, parent_id, sort_order, tags_json`

// UpsertEntity inserts or replaces an entity row. The content hash is always
// recomputed from the attributes, so a committed row can never disagree with
// what it stores. created_at survives updates.
func (i *Index) UpsertEntity(ctx context.Context, entity *models.Entity) (*models.Entity, error) {
	tx, err := i.client.DB().BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin upsert transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stored, err := i.UpsertEntityTx(ctx, tx, entity)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit upsert transaction: %w", err)
	}
	return stored, nil
}

// UpsertEntityTx is UpsertEntity inside a caller-owned transaction.
func (i *Index) UpsertEntityTx(ctx context.Context, tx *sql.Tx, entity *models.Entity) (*models.Entity, error) {
	if entity == nil {
		return nil, models.NewValidationError("Entity", "required")
	}
	if entity.ID == "" {
		return nil, models.NewValidationError("ID", "required")
	}
	if entity.EntityType == "" {
		return nil, models.NewValidationError("EntityType", "required")
	}
	if entity.Name == "" {
		return nil, models.NewValidationError("Name", "required")
	}
	if entity.YAMLPath == "" {
		return nil, models.NewValidationError("YAMLPath", "required")
	}

	attrs, err := marshalMap(entity.Attributes)
	if err != nil {
		return nil, err
	}
	tags, err := marshalStrings(entity.Tags)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	createdAt := entity.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	contentHash := models.HashAttributes(entity.Attributes)

	_, err = tx.ExecContext(ctx,
		`INSERT INTO entities (`+entityColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			entity_type = excluded.entity_type,
			name = excluded.name,
			yaml_path = excluded.yaml_path,
			content_hash = excluded.content_hash,
			attributes_json = excluded.attributes_json,
			updated_at = excluded.updated_at,
			container_type = excluded.container_type,
			parent_id = excluded.parent_id,
			sort_order = excluded.sort_order,
			tags_json = excluded.tags_json`,
		entity.ID, entity.EntityType, entity.Name, entity.YAMLPath, contentHash, attrs,
		formatTime(createdAt), formatTime(now), nullable(entity.ContainerType),
		nullable(entity.ParentID), entity.SortOrder, tags)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert entity: %w", err)
	}

	row := tx.QueryRowContext(ctx,
		`SELECT `+entityColumns+` FROM entities WHERE id = ?`, entity.ID)
	stored, err := scanEntity(row)
	if err != nil {
		return nil, fmt.Errorf("failed to read back entity: %w", err)
	}
	return stored, nil
}

// DeleteEntity removes an entity row along with its sync metadata and any
// relationships touching it. Deleting an unknown id is a no-op.
func (i *Index) DeleteEntity(ctx context.Context, id string) error {
	tx, err := i.client.DB().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin delete transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := i.DeleteEntityTx(ctx, tx, id); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit delete transaction: %w", err)
	}
	return nil
}

// DeleteEntityTx is DeleteEntity inside a caller-owned transaction.
func (i *Index) DeleteEntityTx(ctx context.Context, tx *sql.Tx, id string) error {
	if id == "" {
		return models.NewValidationError("ID", "required")
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sync_metadata WHERE entity_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete sync metadata: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM relationships WHERE source_id = ? OR target_id = ?`, id, id); err != nil {
		return fmt.Errorf("failed to delete relationships: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM entities WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete entity: %w", err)
	}
	return nil
}

// GetEntity retrieves an entity by id.
func (i *Index) GetEntity(ctx context.Context, id string) (*models.Entity, error) {
	row := i.client.DB().QueryRowContext(ctx,
		`SELECT `+entityColumns+` FROM entities WHERE id = ?`, id)
	entity, err := scanEntity(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get entity: %w", err)
	}
	return entity, nil
}

// GetEntityByPath retrieves an entity by its YAML path.
func (i *Index) GetEntityByPath(ctx context.Context, yamlPath string) (*models.Entity, error) {
	row := i.client.DB().QueryRowContext(ctx,
		`SELECT `+entityColumns+` FROM entities WHERE yaml_path = ?`, yamlPath)
	entity, err := scanEntity(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get entity by path: %w", err)
	}
	return entity, nil
}

// QueryEntities returns entities matching the filters. Type and container
// filters run in SQL; attribute filters compare decoded JSON values, so a
// filter of {"era_id": "e1"} matches regardless of key order or formatting
// in the stored document.
func (i *Index) QueryEntities(ctx context.Context, filters models.EntityFilters) ([]*models.Entity, error) {
	where := []string{}
	args := []any{}
	if filters.EntityType != "" {
		where = append(where, "entity_type = ?")
		args = append(args, filters.EntityType)
	}
	if filters.ContainerType != "" {
		where = append(where, "container_type = ?")
		args = append(args, filters.ContainerType)
	}

	query := `SELECT ` + entityColumns + ` FROM entities`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY entity_type, sort_order, name"

	rows, err := i.client.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query entities: %w", err)
	}
	defer rows.Close()

	results := []*models.Entity{}
	for rows.Next() {
		entity, err := scanEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to query entities: %w", err)
		}
		if !matchesAttributes(entity, filters.Attributes) {
			continue
		}
		results = append(results, entity)
		if filters.Limit > 0 && len(results) >= filters.Limit {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to query entities: %w", err)
	}
	return results, nil
}

// GetChildren returns the direct children of a container ordered by
// sort_order, then name for rows sharing a slot.
func (i *Index) GetChildren(ctx context.Context, parentID string) ([]*models.Entity, error) {
	return i.collectEntities(ctx,
		`SELECT `+entityColumns+` FROM entities WHERE parent_id = ? ORDER BY sort_order, name`,
		parentID)
}

// GetRoots returns entities with no parent, optionally restricted to the
// given types.
func (i *Index) GetRoots(ctx context.Context, entityTypes ...string) ([]*models.Entity, error) {
	query := `SELECT ` + entityColumns + ` FROM entities WHERE parent_id IS NULL`
	args := []any{}
	if len(entityTypes) > 0 {
		query += " AND entity_type IN (?" + strings.Repeat(", ?", len(entityTypes)-1) + ")"
		for _, t := range entityTypes {
			args = append(args, t)
		}
	}
	query += " ORDER BY sort_order, name"
	return i.collectEntities(ctx, query, args...)
}

// GetContentHash returns the stored content hash for an entity, or the empty
// string when no row exists. Optimistic concurrency checks treat a missing
// row and an empty hash the same way.
func (i *Index) GetContentHash(ctx context.Context, id string) (string, error) {
	var hash string
	err := i.client.DB().QueryRowContext(ctx,
		`SELECT content_hash FROM entities WHERE id = ?`, id).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get content hash: %w", err)
	}
	return hash, nil
}

// GetEntityCountByType returns a count of entities per type.
func (i *Index) GetEntityCountByType(ctx context.Context) (map[string]int, error) {
	rows, err := i.client.DB().QueryContext(ctx,
		`SELECT entity_type, COUNT(*) FROM entities GROUP BY entity_type`)
	if err != nil {
		return nil, fmt.Errorf("failed to count entities: %w", err)
	}
	defer rows.Close()

	counts := map[string]int{}
	for rows.Next() {
		var (
			entityType string
			count      int
		)
		if err := rows.Scan(&entityType, &count); err != nil {
			return nil, fmt.Errorf("failed to count entities: %w", err)
		}
		counts[entityType] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to count entities: %w", err)
	}
	return counts, nil
}

func (i *Index) collectEntities(ctx context.Context, query string, args ...any) ([]*models.Entity, error) {
	rows, err := i.client.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query entities: %w", err)
	}
	defer rows.Close()

	results := []*models.Entity{}
	for rows.Next() {
		entity, err := scanEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to query entities: %w", err)
		}
		results = append(results, entity)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to query entities: %w", err)
	}
	return results, nil
}

// matchesAttributes compares each required value against the decoded
// attribute through a JSON round-trip, so int filters match the float64
// values JSON decoding produces.
func matchesAttributes(entity *models.Entity, required map[string]any) bool {
	for key, want := range required {
		got, ok := entity.Attributes[key]
		if !ok {
			return false
		}
		wantRaw, err := json.Marshal(want)
		if err != nil {
			return false
		}
		gotRaw, err := json.Marshal(got)
		if err != nil {
			return false
		}
		if !bytes.Equal(wantRaw, gotRaw) {
			return false
		}
	}
	return true
}

func scanEntity(row rowScanner) (*models.Entity, error) {
	var (
		entity        models.Entity
		attrs         string
		createdAt     string
		updatedAt     string
		containerType sql.NullString
		parentID      sql.NullString
		tags          string
	)
	err := row.Scan(&entity.ID, &entity.EntityType, &entity.Name, &entity.YAMLPath,
		&entity.ContentHash, &attrs, &createdAt, &updatedAt, &containerType,
		&parentID, &entity.SortOrder, &tags)
	if err != nil {
		return nil, err
	}
	entity.ContainerType = containerType.String
	entity.ParentID = parentID.String
	entity.CreatedAt = parseTime(createdAt)
	entity.UpdatedAt = parseTime(updatedAt)
	if entity.Attributes, err = unmarshalMap(attrs); err != nil {
		return nil, err
	}
	if entity.Tags, err = unmarshalStrings(tags); err != nil {
		return nil, err
	}
	return &entity, nil
}
