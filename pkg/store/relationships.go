package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/storyloom/loom/pkg/models"
)

// AddRelationship records a typed edge between two entities and returns it
// with its assigned id.
func (i *Index) AddRelationship(ctx context.Context, rel *models.Relationship) (*models.Relationship, error) {
	if rel == nil {
		return nil, models.NewValidationError("Relationship", "required")
	}
	if rel.SourceID == "" {
		return nil, models.NewValidationError("SourceID", "required")
	}
	if rel.TargetID == "" {
		return nil, models.NewValidationError("TargetID", "required")
	}
	if rel.RelType == "" {
		return nil, models.NewValidationError("RelType", "required")
	}

	metadata, err := marshalMap(rel.Metadata)
	if err != nil {
		return nil, err
	}
	res, err := i.client.DB().ExecContext(ctx,
		`INSERT INTO relationships (source_id, target_id, rel_type, metadata_json)
		 VALUES (?, ?, ?, ?)`,
		rel.SourceID, rel.TargetID, rel.RelType, metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to add relationship: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to read relationship id: %w", err)
	}

	stored := *rel
	stored.ID = id
	if stored.Metadata == nil {
		stored.Metadata = map[string]any{}
	}
	return &stored, nil
}

// GetRelationship retrieves a single edge by id.
func (i *Index) GetRelationship(ctx context.Context, id int64) (*models.Relationship, error) {
	row := i.client.DB().QueryRowContext(ctx,
		`SELECT id, source_id, target_id, rel_type, metadata_json
		 FROM relationships WHERE id = ?`, id)
	rel, err := scanRelationship(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get relationship: %w", err)
	}
	return rel, nil
}

// GetRelated returns the entities a container points at, optionally filtered
// by edge type. The (source_id, rel_type) index covers the join.
func (i *Index) GetRelated(ctx context.Context, containerID, relType string) ([]*models.Entity, error) {
	query := `SELECT ` + prefixColumns("e", entityColumns) + `
		 FROM relationships r JOIN entities e ON e.id = r.target_id
		 WHERE r.source_id = ?`
	args := []any{containerID}
	if relType != "" {
		query += " AND r.rel_type = ?"
		args = append(args, relType)
	}
	query += " ORDER BY r.id"
	return i.collectEntities(ctx, query, args...)
}

// GetRelationshipsFor returns the raw edges touching an entity in either
// direction, so callers can label neighbours by edge type.
func (i *Index) GetRelationshipsFor(ctx context.Context, entityID string) ([]*models.Relationship, error) {
	return i.collectRelationships(ctx,
		`SELECT id, source_id, target_id, rel_type, metadata_json
		 FROM relationships WHERE source_id = ? OR target_id = ? ORDER BY id`,
		entityID, entityID)
}

// GetAllRelationships returns every edge in the index.
func (i *Index) GetAllRelationships(ctx context.Context) ([]*models.Relationship, error) {
	return i.collectRelationships(ctx,
		`SELECT id, source_id, target_id, rel_type, metadata_json
		 FROM relationships ORDER BY id`)
}

// UpdateRelationshipMetadata replaces an edge's metadata document.
func (i *Index) UpdateRelationshipMetadata(ctx context.Context, id int64, metadata map[string]any) error {
	raw, err := marshalMap(metadata)
	if err != nil {
		return err
	}
	res, err := i.client.DB().ExecContext(ctx,
		`UPDATE relationships SET metadata_json = ? WHERE id = ?`, raw, id)
	if err != nil {
		return fmt.Errorf("failed to update relationship metadata: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update relationship metadata: %w", err)
	}
	if affected == 0 {
		return models.ErrNotFound
	}
	return nil
}

func (i *Index) collectRelationships(ctx context.Context, query string, args ...any) ([]*models.Relationship, error) {
	rows, err := i.client.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query relationships: %w", err)
	}
	defer rows.Close()

	results := []*models.Relationship{}
	for rows.Next() {
		rel, err := scanRelationship(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to query relationships: %w", err)
		}
		results = append(results, rel)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to query relationships: %w", err)
	}
	return results, nil
}

func scanRelationship(row rowScanner) (*models.Relationship, error) {
	var (
		rel      models.Relationship
		metadata string
	)
	if err := row.Scan(&rel.ID, &rel.SourceID, &rel.TargetID, &rel.RelType, &metadata); err != nil {
		return nil, err
	}
	var err error
	if rel.Metadata, err = unmarshalMap(metadata); err != nil {
		return nil, err
	}
	return &rel, nil
}
