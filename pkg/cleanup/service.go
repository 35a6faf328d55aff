// Package cleanup provides data retention sweeps.
package cleanup

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/storyloom/loom/pkg/config"
	"github.com/storyloom/loom/pkg/graph"
	"github.com/storyloom/loom/pkg/models"
	"github.com/storyloom/loom/pkg/pipeline"
)

// liveRunTTL is how long terminal runs stay in the engine's live registry
// for snapshot queries before the sweeper drops them.
const liveRunTTL = time.Hour

// Service periodically enforces retention policies:
//   - Removes soft-deleted files under .trash/ past their TTL
//   - Deletes persisted pipeline_run entities from finished runs
//   - Drops stale terminal runs from the live engine registry
//
// All operations are idempotent.
type Service struct {
	config *config.RetentionConfig
	root   string
	graph  *graph.Service
	engine *pipeline.Engine

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates the retention sweeper. root is the project data
// directory holding the per-type entity folders. engine may be nil when no
// pipeline engine runs in this process.
func NewService(cfg *config.RetentionConfig, root string, g *graph.Service, engine *pipeline.Engine) *Service {
	return &Service{
		config: cfg,
		root:   root,
		graph:  g,
		engine: engine,
	}
}

// Start launches the background sweep loop.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	slog.Info("Cleanup service started",
		"trash_ttl", s.config.TrashTTL,
		"run_retention_days", s.config.RunRetentionDays,
		"interval", s.config.SweepInterval)
}

// Stop signals the sweep loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("Cleanup service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.runAll(ctx)

	ticker := time.NewTicker(s.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runAll(ctx)
		}
	}
}

func (s *Service) runAll(ctx context.Context) {
	s.sweepTrash()
	s.pruneFinishedRuns(ctx)
	s.purgeLiveRegistry()
}

// sweepTrash removes soft-deleted files under <root>/<type>/.trash/ whose
// modification time is older than the TTL.
func (s *Service) sweepTrash() {
	if s.config.TrashTTL <= 0 || s.root == "" {
		return
	}
	cutoff := time.Now().Add(-s.config.TrashTTL)

	matches, err := filepath.Glob(filepath.Join(s.root, "*", ".trash", "*"))
	if err != nil {
		slog.Error("Retention: trash sweep failed", "error", err)
		return
	}

	removed := 0
	for _, path := range matches {
		info, err := os.Stat(path)
		if err != nil || info.IsDir() {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(path); err != nil {
			slog.Warn("Retention: failed to remove trashed file", "path", path, "error", err)
			continue
		}
		removed++
	}
	if removed > 0 {
		slog.Info("Retention: removed trashed files", "count", removed)
	}
}

// pruneFinishedRuns deletes pipeline_run entities whose run reached a
// terminal state longer ago than the retention window. A non-positive
// window disables pruning.
func (s *Service) pruneFinishedRuns(ctx context.Context) {
	if s.config.RunRetentionDays <= 0 || s.graph == nil {
		return
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -s.config.RunRetentionDays)

	runs, err := s.graph.QueryEntities(ctx, models.EntityFilters{EntityType: "pipeline_run"})
	if err != nil {
		slog.Error("Retention: run query failed", "error", err)
		return
	}

	pruned := 0
	for _, run := range runs {
		state := models.RunState(run.StringAttr("current_state"))
		if !state.Terminal() || run.UpdatedAt.After(cutoff) {
			continue
		}
		if err := s.graph.DeleteEntity(ctx, run.ID, "main"); err != nil {
			slog.Warn("Retention: failed to prune run entity", "entity_id", run.ID, "error", err)
			continue
		}
		pruned++
	}
	if pruned > 0 {
		slog.Info("Retention: pruned finished run entities", "count", pruned)
	}
}

// purgeLiveRegistry drops terminal runs from the engine's in-memory
// registry once their snapshots are old news.
func (s *Service) purgeLiveRegistry() {
	if s.engine == nil {
		return
	}
	if purged := s.engine.PurgeTerminal(liveRunTTL); purged > 0 {
		slog.Info("Retention: purged terminal runs from live registry", "count", purged)
	}
}
