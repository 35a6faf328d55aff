// Package uow is the only legal mutation path for entities. Saves and
// deletes buffer on a unit of work and land together at commit: file locks,
// optimistic concurrency checks, fsync'd temp files, one relational
// transaction for index rows and audit events, then atomic renames. Vector
// updates and cloud-sync enqueues ride behind the commit as best-effort
// side effects.
package uow

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gofrs/flock"

	"github.com/storyloom/loom/pkg/database"
	"github.com/storyloom/loom/pkg/models"
	"github.com/storyloom/loom/pkg/store"
	"github.com/storyloom/loom/pkg/vector"
)

// lockRetryDelay is how often a blocked commit re-attempts a file lock.
const lockRetryDelay = 50 * time.Millisecond

// Manager holds the stores a unit of work commits into. Vectors and the
// sync queue may be nil; both are post-commit side effects.
type Manager struct {
	client   *database.Client
	index    *store.Index
	eventLog *store.EventLog
	vectors  *vector.Store
	queue    SyncQueue
	root     string
	mtimes   *MTimeCache
}

// NewManager creates a unit-of-work manager rooted at the project data
// directory. All yaml paths are interpreted relative to root.
func NewManager(client *database.Client, root string, index *store.Index, eventLog *store.EventLog, vectors *vector.Store, queue SyncQueue) *Manager {
	if queue == nil {
		queue = NopSyncQueue{}
	}
	return &Manager{
		client:   client,
		index:    index,
		eventLog: eventLog,
		vectors:  vectors,
		queue:    queue,
		root:     root,
		mtimes:   NewMTimeCache(),
	}
}

// Root returns the project data directory.
func (m *Manager) Root() string { return m.root }

// MTimes returns the shared file-mtime cache.
func (m *Manager) MTimes() *MTimeCache { return m.mtimes }

// Begin starts an empty unit of work.
func (m *Manager) Begin() *UnitOfWork {
	return &UnitOfWork{m: m}
}

// Scope runs fn with a fresh unit of work. On error or panic the work is
// rolled back; on clean return any pending operations are committed.
func (m *Manager) Scope(ctx context.Context, fn func(*UnitOfWork) error) error {
	u := m.Begin()
	defer func() {
		if r := recover(); r != nil {
			u.Rollback()
			panic(r)
		}
	}()
	if err := fn(u); err != nil {
		u.Rollback()
		return err
	}
	if u.Pending() == 0 {
		return nil
	}
	if _, err := u.Commit(ctx); err != nil {
		u.Rollback()
		return err
	}
	return nil
}

func (m *Manager) absPath(rel string) string {
	return filepath.Join(m.root, filepath.FromSlash(rel))
}

// SaveRequest buffers one entity write. ExpectedHash, when set, makes the
// commit fail with a conflict error unless the index still holds exactly
// that content hash (the empty string means "expect no row").
type SaveRequest struct {
	Entity       *models.Entity
	EventType    models.EventType
	EventPayload map[string]any
	BranchID     string
	ExpectedHash *string
}

// DeleteRequest buffers one entity removal.
type DeleteRequest struct {
	EntityID     string
	EntityType   string
	YAMLPath     string
	EventPayload map[string]any
	BranchID     string
}

type saveOp struct {
	entity       *models.Entity
	eventType    models.EventType
	eventPayload map[string]any
	branchID     string
	expectedHash *string
}

type deleteOp struct {
	entityID     string
	entityType   string
	yamlPath     string
	eventPayload map[string]any
	branchID     string
}

// UnitOfWork accumulates saves and deletes until Commit or Rollback. It is
// not safe for concurrent use; each caller begins its own.
type UnitOfWork struct {
	m       *Manager
	saves   []saveOp
	deletes []deleteOp
}

// Save buffers an entity write.
func (u *UnitOfWork) Save(req SaveRequest) error {
	if req.Entity == nil {
		return models.NewValidationError("Entity", "required")
	}
	if req.Entity.ID == "" {
		return models.NewValidationError("ID", "required")
	}
	if req.Entity.EntityType == "" {
		return models.NewValidationError("EntityType", "required")
	}
	if req.Entity.Name == "" {
		return models.NewValidationError("Name", "required")
	}
	if req.Entity.YAMLPath == "" {
		return models.NewValidationError("YAMLPath", "required")
	}
	if !req.EventType.Valid() {
		return models.NewValidationError("EventType", "must be CREATE, UPDATE, or DELETE")
	}
	if req.BranchID == "" {
		req.BranchID = models.MainBranch
	}
	u.saves = append(u.saves, saveOp{
		entity:       req.Entity,
		eventType:    req.EventType,
		eventPayload: req.EventPayload,
		branchID:     req.BranchID,
		expectedHash: req.ExpectedHash,
	})
	return nil
}

// Delete buffers an entity removal.
func (u *UnitOfWork) Delete(req DeleteRequest) error {
	if req.EntityID == "" {
		return models.NewValidationError("EntityID", "required")
	}
	if req.EntityType == "" {
		return models.NewValidationError("EntityType", "required")
	}
	if req.YAMLPath == "" {
		return models.NewValidationError("YAMLPath", "required")
	}
	if req.BranchID == "" {
		req.BranchID = models.MainBranch
	}
	u.deletes = append(u.deletes, deleteOp{
		entityID:     req.EntityID,
		entityType:   req.EntityType,
		yamlPath:     req.YAMLPath,
		eventPayload: req.EventPayload,
		branchID:     req.BranchID,
	})
	return nil
}

// Pending reports the number of buffered operations.
func (u *UnitOfWork) Pending() int {
	return len(u.saves) + len(u.deletes)
}

// Rollback discards all buffered operations.
func (u *UnitOfWork) Rollback() {
	u.saves = nil
	u.deletes = nil
}

// Commit executes the buffered operations and clears the buffer, returning
// the number of operations applied. Locks, the concurrency check, temp-file
// writes, the relational transaction, and renames form the atomic core; a
// failure there removes every temp file and leaves the buffer intact so the
// caller can retry or roll back.
func (u *UnitOfWork) Commit(ctx context.Context) (int, error) {
	total := u.Pending()
	if total == 0 {
		return 0, nil
	}

	relPaths := u.affectedPaths()
	locks, err := u.m.acquireLocks(ctx, relPaths)
	if err != nil {
		return 0, err
	}
	defer releaseLocks(locks)

	for _, op := range u.saves {
		if op.expectedHash == nil {
			continue
		}
		current, err := u.m.index.GetContentHash(ctx, op.entity.ID)
		if err != nil {
			return 0, err
		}
		if current != *op.expectedHash {
			return 0, fmt.Errorf("entity %s was modified since it was read: %w",
				op.entity.ID, models.ErrConcurrentModification)
		}
	}

	written := make(map[string][]byte, len(u.saves))
	tmpPaths := []string{}
	cleanupTmps := func() {
		for _, tmp := range tmpPaths {
			if err := os.Remove(tmp); err != nil && !os.IsNotExist(err) {
				slog.Warn("Failed to remove temp file", "path", tmp, "error", err)
			}
		}
	}

	for _, op := range u.saves {
		abs := u.m.absPath(op.entity.YAMLPath)
		if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
			cleanupTmps()
			return 0, fmt.Errorf("failed to create entity directory: %w", err)
		}
		data, err := EncodeEntity(op.entity)
		if err != nil {
			cleanupTmps()
			return 0, err
		}
		if err := writeFileSync(abs+".tmp", data); err != nil {
			cleanupTmps()
			return 0, err
		}
		tmpPaths = append(tmpPaths, abs+".tmp")
		written[op.entity.YAMLPath] = data
	}

	if err := u.applyTx(ctx, written); err != nil {
		cleanupTmps()
		return 0, err
	}

	for _, op := range u.saves {
		abs := u.m.absPath(op.entity.YAMLPath)
		if err := os.Rename(abs+".tmp", abs); err != nil {
			// The transaction is already durable; the sync scanner
			// reconciles the file from the index on the next pass.
			cleanupTmps()
			return 0, fmt.Errorf("failed to finalize %s: %w", op.entity.YAMLPath, err)
		}
	}

	for _, op := range u.deletes {
		if err := u.m.moveToTrash(op.yamlPath); err != nil {
			return 0, err
		}
	}

	u.m.mtimes.Invalidate(relPaths...)
	u.refreshSyncMetadata(ctx)
	u.updateVectors(ctx)
	u.enqueueSync(written)

	u.saves = nil
	u.deletes = nil
	return total, nil
}

// applyTx lands index rows, sync metadata, and audit events in a single
// relational transaction.
func (u *UnitOfWork) applyTx(ctx context.Context, written map[string][]byte) error {
	tx, err := u.m.client.DB().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin commit transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	now := float64(time.Now().UnixNano()) / 1e9
	for _, op := range u.saves {
		stored, err := u.m.index.UpsertEntityTx(ctx, tx, op.entity)
		if err != nil {
			return err
		}
		meta := models.SyncMetadata{
			YAMLPath:    op.entity.YAMLPath,
			EntityID:    op.entity.ID,
			EntityType:  op.entity.EntityType,
			ContentHash: stored.ContentHash,
			MTime:       now,
			FileSize:    int64(len(written[op.entity.YAMLPath])),
		}
		if err := u.m.index.UpsertSyncMetadataTx(ctx, tx, meta); err != nil {
			return err
		}
		payload := op.eventPayload
		if payload == nil {
			payload = op.entity.Attributes
		}
		_, err = u.m.eventLog.AppendEventTx(ctx, tx, models.AppendEventRequest{
			BranchID:    op.branchID,
			EventType:   op.eventType,
			ContainerID: op.entity.ID,
			Payload:     payload,
		})
		if err != nil {
			return err
		}
	}

	for _, op := range u.deletes {
		if err := u.m.index.DeleteEntityTx(ctx, tx, op.entityID); err != nil {
			return err
		}
		_, err := u.m.eventLog.AppendEventTx(ctx, tx, models.AppendEventRequest{
			BranchID:    op.branchID,
			EventType:   models.EventDelete,
			ContainerID: op.entityID,
			Payload:     op.eventPayload,
		})
		if err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// refreshSyncMetadata re-stats renamed files so recorded mtimes match the
// filesystem exactly. Best-effort.
func (u *UnitOfWork) refreshSyncMetadata(ctx context.Context) {
	for _, op := range u.saves {
		abs := u.m.absPath(op.entity.YAMLPath)
		fi, err := os.Stat(abs)
		if err != nil {
			slog.Warn("Failed to stat committed file", "path", op.entity.YAMLPath, "error", err)
			continue
		}
		meta := models.SyncMetadata{
			YAMLPath:    op.entity.YAMLPath,
			EntityID:    op.entity.ID,
			EntityType:  op.entity.EntityType,
			ContentHash: models.HashAttributes(op.entity.Attributes),
			MTime:       float64(fi.ModTime().UnixNano()) / 1e9,
			FileSize:    fi.Size(),
		}
		if err := u.m.index.UpsertSyncMetadata(ctx, meta); err != nil {
			slog.Warn("Failed to refresh sync metadata", "path", op.entity.YAMLPath, "error", err)
		}
	}
}

// updateVectors pushes embedding updates for committed work. Vector-index
// failures never fail a commit; the relational index stays authoritative.
func (u *UnitOfWork) updateVectors(ctx context.Context) {
	if u.m.vectors == nil {
		return
	}
	for _, op := range u.saves {
		err := u.m.vectors.UpsertEmbedding(ctx, op.entity.ID, embedText(op.entity), map[string]any{
			"entity_type": op.entity.EntityType,
			"name":        op.entity.Name,
		})
		if err != nil {
			slog.Warn("Vector index update failed", "entity_id", op.entity.ID, "error", err)
		}
	}
	for _, op := range u.deletes {
		if err := u.m.vectors.Delete(ctx, op.entityID); err != nil {
			slog.Warn("Vector index delete failed", "entity_id", op.entityID, "error", err)
		}
	}
}

// enqueueSync hands persisted bytes to the cloud-sync queue. Never fails.
func (u *UnitOfWork) enqueueSync(written map[string][]byte) {
	for _, op := range u.saves {
		u.m.queue.Enqueue(op.entity.YAMLPath, written[op.entity.YAMLPath])
	}
	for _, op := range u.deletes {
		u.m.queue.Enqueue(op.yamlPath, nil)
	}
}

// affectedPaths returns the sorted, de-duplicated relative paths this unit
// of work touches. Sorted acquisition keeps concurrent commits from
// deadlocking on overlapping path sets.
func (u *UnitOfWork) affectedPaths() []string {
	seen := map[string]bool{}
	paths := []string{}
	add := func(p string) {
		if !seen[p] {
			seen[p] = true
			paths = append(paths, p)
		}
	}
	for _, op := range u.saves {
		add(op.entity.YAMLPath)
	}
	for _, op := range u.deletes {
		add(op.yamlPath)
	}
	sort.Strings(paths)
	return paths
}

func (m *Manager) acquireLocks(ctx context.Context, relPaths []string) ([]*flock.Flock, error) {
	locks := make([]*flock.Flock, 0, len(relPaths))
	for _, rel := range relPaths {
		abs := m.absPath(rel)
		if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
			releaseLocks(locks)
			return nil, fmt.Errorf("failed to create entity directory: %w", err)
		}
		fl := flock.New(abs + ".lock")
		ok, err := fl.TryLockContext(ctx, lockRetryDelay)
		if err != nil || !ok {
			releaseLocks(locks)
			if err == nil {
				err = ctx.Err()
			}
			return nil, fmt.Errorf("failed to lock %s: %w", rel, err)
		}
		locks = append(locks, fl)
	}
	return locks, nil
}

func releaseLocks(locks []*flock.Flock) {
	for i := len(locks) - 1; i >= 0; i-- {
		if err := locks[i].Unlock(); err != nil {
			slog.Warn("Failed to release file lock", "path", locks[i].Path(), "error", err)
		}
	}
}

// moveToTrash soft-deletes a file into a sibling .trash/ directory with a
// timestamp suffix. A file already gone is not an error.
func (m *Manager) moveToTrash(rel string) error {
	abs := m.absPath(rel)
	if _, err := os.Stat(abs); os.IsNotExist(err) {
		return nil
	}
	trashDir := filepath.Join(filepath.Dir(abs), ".trash")
	if err := os.MkdirAll(trashDir, 0o755); err != nil {
		return fmt.Errorf("failed to create trash directory: %w", err)
	}
	target := filepath.Join(trashDir, fmt.Sprintf("%s.%d", filepath.Base(abs), time.Now().UnixNano()))
	if err := os.Rename(abs, target); err != nil {
		return fmt.Errorf("failed to move %s to trash: %w", rel, err)
	}
	return nil
}

func writeFileSync(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("failed to flush temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	return nil
}

// embedText flattens an entity into the text its embedding is computed from:
// the name plus scalar attribute values in key order.
func embedText(entity *models.Entity) string {
	keys := make([]string, 0, len(entity.Attributes))
	for k := range entity.Attributes {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(entity.Name)
	for _, k := range keys {
		switch v := entity.Attributes[k].(type) {
		case string:
			b.WriteString("\n")
			b.WriteString(v)
		case fmt.Stringer:
			b.WriteString("\n")
			b.WriteString(v.String())
		}
	}
	return b.String()
}
