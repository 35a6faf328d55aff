package cleanup

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storyloom/loom/pkg/config"
	"github.com/storyloom/loom/pkg/database"
	"github.com/storyloom/loom/pkg/graph"
	"github.com/storyloom/loom/pkg/models"
	"github.com/storyloom/loom/pkg/store"
	"github.com/storyloom/loom/pkg/uow"
	"github.com/storyloom/loom/pkg/vector"
	testdb "github.com/storyloom/loom/test/database"
)

type cleanupFixture struct {
	client *database.Client
	graph  *graph.Service
	root   string
}

func newCleanupFixture(t *testing.T) *cleanupFixture {
	t.Helper()

	client := testdb.NewTestClient(t)
	index := store.NewIndex(client)
	eventLog := store.NewEventLog(client)
	vectors := vector.NewStore(client, nil)
	root := t.TempDir()
	manager := uow.NewManager(client, root, index, eventLog, vectors, nil)

	return &cleanupFixture{
		client: client,
		graph:  graph.NewService(index, vectors, manager),
		root:   root,
	}
}

// writeTrashFile drops a file into <root>/<typeDir>/.trash/ with the given
// modification time.
func writeTrashFile(t *testing.T, root, typeDir, name string, mtime time.Time) string {
	t.Helper()

	dir := filepath.Join(root, typeDir, ".trash")
	require.NoError(t, os.MkdirAll(dir, 0o755))

	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("name: gone\n"), 0o644))
	require.NoError(t, os.Chtimes(path, mtime, mtime))
	return path
}

// ageEntity rewrites an entity's updated_at so retention sees it as old.
func ageEntity(t *testing.T, client *database.Client, id string, updatedAt time.Time) {
	t.Helper()

	_, err := client.DB().Exec(`UPDATE entities SET updated_at = ? WHERE id = ?`,
		updatedAt.UTC().Format(time.RFC3339Nano), id)
	require.NoError(t, err)
}

func TestSweepTrash(t *testing.T) {
	fix := newCleanupFixture(t)
	svc := NewService(&config.RetentionConfig{TrashTTL: time.Hour}, fix.root, fix.graph, nil)

	old := writeTrashFile(t, fix.root, "characters", "aria.yaml.1000", time.Now().Add(-2*time.Hour))
	fresh := writeTrashFile(t, fix.root, "scenes", "docks.yaml.2000", time.Now())

	svc.runAll(context.Background())

	_, err := os.Stat(old)
	assert.True(t, os.IsNotExist(err), "expired trash file should be removed")

	_, err = os.Stat(fresh)
	assert.NoError(t, err, "fresh trash file must survive")
}

func TestSweepTrashDisabled(t *testing.T) {
	fix := newCleanupFixture(t)
	svc := NewService(&config.RetentionConfig{TrashTTL: 0}, fix.root, fix.graph, nil)

	old := writeTrashFile(t, fix.root, "characters", "aria.yaml.1000", time.Now().Add(-48*time.Hour))

	svc.runAll(context.Background())

	_, err := os.Stat(old)
	assert.NoError(t, err, "zero TTL disables the trash sweep")
}

func TestPruneFinishedRuns(t *testing.T) {
	fix := newCleanupFixture(t)
	ctx := context.Background()

	mustCreateRun := func(name, state string) string {
		t.Helper()
		entity, err := fix.graph.CreateEntity(ctx, models.CreateEntityRequest{
			EntityType: "pipeline_run",
			Name:       name,
			Attributes: map[string]any{"current_state": state},
		})
		require.NoError(t, err)
		return entity.ID
	}

	oldCompleted := mustCreateRun("run-old-completed", "COMPLETED")
	oldExecuting := mustCreateRun("run-old-executing", "EXECUTING")
	freshCompleted := mustCreateRun("run-fresh-completed", "COMPLETED")

	aged := time.Now().AddDate(0, 0, -30)
	ageEntity(t, fix.client, oldCompleted, aged)
	ageEntity(t, fix.client, oldExecuting, aged)

	svc := NewService(&config.RetentionConfig{RunRetentionDays: 7}, fix.root, fix.graph, nil)
	svc.runAll(ctx)

	_, err := fix.graph.GetEntity(ctx, oldCompleted)
	assert.ErrorIs(t, err, models.ErrNotFound, "old finished run should be pruned")

	_, err = fix.graph.GetEntity(ctx, oldExecuting)
	assert.NoError(t, err, "non-terminal run survives regardless of age")

	_, err = fix.graph.GetEntity(ctx, freshCompleted)
	assert.NoError(t, err, "recent finished run survives")
}

func TestPruneFinishedRunsDisabled(t *testing.T) {
	fix := newCleanupFixture(t)
	ctx := context.Background()

	entity, err := fix.graph.CreateEntity(ctx, models.CreateEntityRequest{
		EntityType: "pipeline_run",
		Name:       "run-ancient",
		Attributes: map[string]any{"current_state": "FAILED"},
	})
	require.NoError(t, err)
	ageEntity(t, fix.client, entity.ID, time.Now().AddDate(-1, 0, 0))

	svc := NewService(&config.RetentionConfig{RunRetentionDays: 0}, fix.root, fix.graph, nil)
	svc.runAll(ctx)

	_, err = fix.graph.GetEntity(ctx, entity.ID)
	assert.NoError(t, err, "zero retention disables pruning")
}

func TestStartStop(t *testing.T) {
	fix := newCleanupFixture(t)
	svc := NewService(&config.RetentionConfig{
		TrashTTL:      time.Hour,
		SweepInterval: 10 * time.Millisecond,
	}, fix.root, fix.graph, nil)

	old := writeTrashFile(t, fix.root, "characters", "aria.yaml.1000", time.Now().Add(-2*time.Hour))

	svc.Start(context.Background())
	defer svc.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(old); os.IsNotExist(err) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("sweeper never removed the expired trash file")
}
