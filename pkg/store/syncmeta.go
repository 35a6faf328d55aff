package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/storyloom/loom/pkg/models"
)

// UpsertSyncMetadata records the on-disk state observed for a YAML file.
func (i *Index) UpsertSyncMetadata(ctx context.Context, meta models.SyncMetadata) error {
	tx, err := i.client.DB().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin sync metadata transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := i.UpsertSyncMetadataTx(ctx, tx, meta); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit sync metadata transaction: %w", err)
	}
	return nil
}

// UpsertSyncMetadataTx is UpsertSyncMetadata inside a caller-owned transaction.
func (i *Index) UpsertSyncMetadataTx(ctx context.Context, tx *sql.Tx, meta models.SyncMetadata) error {
	if meta.YAMLPath == "" {
		return models.NewValidationError("YAMLPath", "required")
	}
	if meta.EntityID == "" {
		return models.NewValidationError("EntityID", "required")
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO sync_metadata (yaml_path, entity_id, entity_type, content_hash, mtime, file_size)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(yaml_path) DO UPDATE SET
			entity_id = excluded.entity_id,
			entity_type = excluded.entity_type,
			content_hash = excluded.content_hash,
			mtime = excluded.mtime,
			file_size = excluded.file_size`,
		meta.YAMLPath, meta.EntityID, meta.EntityType, meta.ContentHash, meta.MTime, meta.FileSize)
	if err != nil {
		return fmt.Errorf("failed to upsert sync metadata: %w", err)
	}
	return nil
}

// GetSyncMetadata retrieves the recorded state for one YAML file.
func (i *Index) GetSyncMetadata(ctx context.Context, yamlPath string) (*models.SyncMetadata, error) {
	var meta models.SyncMetadata
	err := i.client.DB().QueryRowContext(ctx,
		`SELECT yaml_path, entity_id, entity_type, content_hash, mtime, file_size
		 FROM sync_metadata WHERE yaml_path = ?`, yamlPath).
		Scan(&meta.YAMLPath, &meta.EntityID, &meta.EntityType, &meta.ContentHash, &meta.MTime, &meta.FileSize)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sync metadata: %w", err)
	}
	return &meta, nil
}

// ListSyncMetadata returns every recorded file state, ordered by path. The
// sync scanner diffs this against the directory tree.
func (i *Index) ListSyncMetadata(ctx context.Context) ([]*models.SyncMetadata, error) {
	rows, err := i.client.DB().QueryContext(ctx,
		`SELECT yaml_path, entity_id, entity_type, content_hash, mtime, file_size
		 FROM sync_metadata ORDER BY yaml_path`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sync metadata: %w", err)
	}
	defer rows.Close()

	results := []*models.SyncMetadata{}
	for rows.Next() {
		var meta models.SyncMetadata
		err := rows.Scan(&meta.YAMLPath, &meta.EntityID, &meta.EntityType,
			&meta.ContentHash, &meta.MTime, &meta.FileSize)
		if err != nil {
			return nil, fmt.Errorf("failed to list sync metadata: %w", err)
		}
		results = append(results, &meta)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list sync metadata: %w", err)
	}
	return results, nil
}

// DeleteSyncMetadata removes the record for a YAML file. Unknown paths are a
// no-op.
func (i *Index) DeleteSyncMetadata(ctx context.Context, yamlPath string) error {
	_, err := i.client.DB().ExecContext(ctx,
		`DELETE FROM sync_metadata WHERE yaml_path = ?`, yamlPath)
	if err != nil {
		return fmt.Errorf("failed to delete sync metadata: %w", err)
	}
	return nil
}
