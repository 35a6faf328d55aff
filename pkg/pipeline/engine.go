package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/storyloom/loom/pkg/agent"
	"github.com/storyloom/loom/pkg/assembler"
	"github.com/storyloom/loom/pkg/config"
	"github.com/storyloom/loom/pkg/graph"
	"github.com/storyloom/loom/pkg/models"
	"github.com/storyloom/loom/pkg/providers"
)

const (
	defaultLoopIterations = 10
	defaultAutoApprove    = 90.0
)

// Handler executes one non-logic pipeline step against the live run.
type Handler func(ctx context.Context, run *Run, step *models.PipelineStep) error

// Engine runs pipeline definitions. It keeps a process-wide registry of
// live runs; cancellation removes the entry and the run observes it at its
// next suspension point.
type Engine struct {
	cfg        *config.Config
	graph      *graph.Service
	assembler  *assembler.Assembler
	chat       *providers.Registry
	dispatcher *agent.Dispatcher
	httpClient *http.Client

	maxRuns         int
	watchInterval   time.Duration
	shutdownTimeout time.Duration

	handlers map[models.StepType]Handler

	mu   sync.RWMutex
	runs map[string]*Run
	wg   sync.WaitGroup
}

// NewEngine wires the engine against the knowledge graph, the context
// assembler, the chat providers, and the skill dispatcher. Limits and
// polling come from cfg.Engine, falling back to the built-in defaults.
func NewEngine(cfg *config.Config, g *graph.Service, asm *assembler.Assembler, chat *providers.Registry, dispatcher *agent.Dispatcher) *Engine {
	limits := config.DefaultEngineConfig()
	if cfg != nil && cfg.Engine != nil {
		limits = cfg.Engine
	}
	e := &Engine{
		cfg:             cfg,
		graph:           g,
		assembler:       asm,
		chat:            chat,
		dispatcher:      dispatcher,
		httpClient:      &http.Client{Timeout: limits.HTTPStepTimeout},
		maxRuns:         limits.MaxConcurrentRuns,
		watchInterval:   limits.StreamPollInterval,
		shutdownTimeout: limits.GracefulShutdownTimeout,
		runs:            make(map[string]*Run),
	}
	e.handlers = map[models.StepType]Handler{
		models.StepGatherBuckets:        e.handleGatherBuckets,
		models.StepSemanticSearch:       e.handleSemanticSearch,
		models.StepPromptTemplate:       e.handlePromptTemplate,
		models.StepMultiVariant:         e.handleMultiVariant,
		models.StepLLMGenerate:          e.handleLLMGenerate,
		models.StepImageGenerate:        e.handleImageGenerate,
		models.StepSaveToBucket:         e.handleSaveToBucket,
		models.StepHTTPRequest:          e.handleHTTPRequest,
		models.StepResearchDeepDive:     e.handleResearchDeepDive,
		models.StepStyleEnforceDialogue: e.handleStyleEnforceDialogue,
	}
	return e
}

// Start initialises a run and launches it concurrently. Without a
// definition id the legacy scripted sequence runs instead.
func (e *Engine) Start(ctx context.Context, req models.StartRunRequest) (string, error) {
	var def *models.PipelineDefinition
	if req.DefinitionID != "" {
		loaded, err := e.LoadDefinition(ctx, req.DefinitionID)
		if err != nil {
			return "", err
		}
		def = loaded
	}
	return e.start(def, req.DefinitionID, req.Payload)
}

// StartDefinition launches a run over an in-memory definition, used by the
// generators and by callers that have not persisted the definition yet.
func (e *Engine) StartDefinition(def *models.PipelineDefinition, payload map[string]any) (string, error) {
	if err := ValidateDefinition(def); err != nil {
		return "", err
	}
	return e.start(def, def.ID, payload)
}

func (e *Engine) start(def *models.PipelineDefinition, definitionID string, payload map[string]any) (string, error) {
	runCtx, cancel := context.WithCancel(context.Background())
	run := newRun(newRunID(), def, definitionID, payload, cancel)

	e.mu.Lock()
	if e.maxRuns > 0 && e.activeLocked() >= e.maxRuns {
		e.mu.Unlock()
		cancel()
		return "", fmt.Errorf("%d runs already executing: %w", e.maxRuns, models.ErrRunLimit)
	}
	e.runs[run.id] = run
	e.mu.Unlock()

	e.wg.Add(1)
	go e.execute(runCtx, run)

	slog.Info("pipeline run started", "run_id", run.id, "definition_id", definitionID)
	return run.id, nil
}

// LoadDefinition reads a pipeline_def entity and decodes its definition.
func (e *Engine) LoadDefinition(ctx context.Context, definitionID string) (*models.PipelineDefinition, error) {
	entity, err := e.graph.GetEntity(ctx, definitionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load pipeline definition %s: %w", definitionID, err)
	}
	def, err := DecodeDefinition(entity.Attributes)
	if err != nil {
		return nil, err
	}
	if def.ID == "" {
		def.ID = entity.ID
	}
	if def.Name == "" {
		def.Name = entity.Name
	}
	return def, nil
}

// SaveDefinition persists a definition as a pipeline_def entity and returns
// the stored entity id.
func (e *Engine) SaveDefinition(ctx context.Context, def *models.PipelineDefinition) (string, error) {
	if err := ValidateDefinition(def); err != nil {
		return "", err
	}
	attributes, err := EncodeDefinition(def)
	if err != nil {
		return "", err
	}
	entity, err := e.graph.CreateEntity(ctx, models.CreateEntityRequest{
		EntityType: "pipeline_def",
		Name:       def.Name,
		Attributes: attributes,
	})
	if err != nil {
		return "", fmt.Errorf("failed to persist pipeline definition: %w", err)
	}
	return entity.ID, nil
}

// Resume merges a payload patch into a paused run and releases its wait.
func (e *Engine) Resume(runID string, patch map[string]any) error {
	run, ok := e.run(runID)
	if !ok {
		return fmt.Errorf("no live run %s: %w", runID, models.ErrNotFound)
	}
	if run.State() != models.RunStatePausedForUser {
		return fmt.Errorf("run %s: %w", runID, models.ErrNotPaused)
	}

	if patch == nil {
		patch = map[string]any{}
	}
	select {
	case run.resumeCh <- patch:
		return nil
	default:
		return fmt.Errorf("run %s already has a pending resume: %w", runID, models.ErrConcurrentModification)
	}
}

// SetStepModelOverride records a runtime model override consulted by
// LLM_GENERATE on its next execution of the step.
func (e *Engine) SetStepModelOverride(runID, stepID, model string) error {
	run, ok := e.run(runID)
	if !ok {
		return fmt.Errorf("no live run %s: %w", runID, models.ErrNotFound)
	}
	if model == "" {
		return models.NewValidationError("model", "model override must not be empty")
	}
	run.setOverride(stepID, map[string]any{"model": model})
	return nil
}

// Cancel removes a run from the live registry and cancels its context. The
// run observes the cancellation at its next suspension point.
func (e *Engine) Cancel(runID string) bool {
	e.mu.Lock()
	run, ok := e.runs[runID]
	if ok {
		delete(e.runs, runID)
	}
	e.mu.Unlock()

	if !ok {
		return false
	}
	run.cancel()
	slog.Info("pipeline run cancelled", "run_id", runID)
	return true
}

// Get returns a snapshot of a live run.
func (e *Engine) Get(runID string) (models.RunSnapshot, bool) {
	run, ok := e.run(runID)
	if !ok {
		return models.RunSnapshot{}, false
	}
	return run.Snapshot(), true
}

// Watch streams run snapshots: one immediately, then one on every state or
// cursor change, closing after a terminal snapshot.
func (e *Engine) Watch(ctx context.Context, runID string) (<-chan models.RunSnapshot, error) {
	run, ok := e.run(runID)
	if !ok {
		return nil, fmt.Errorf("no live run %s: %w", runID, models.ErrNotFound)
	}

	out := make(chan models.RunSnapshot, 16)
	go func() {
		defer close(out)

		last := run.Snapshot()
		if !emitSnapshot(ctx, out, last) {
			return
		}
		if last.CurrentState.Terminal() {
			return
		}

		ticker := time.NewTicker(e.watchInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				snap := run.Snapshot()
				if snap.CurrentState == last.CurrentState && snap.CurrentStepID == last.CurrentStepID {
					continue
				}
				if !emitSnapshot(ctx, out, snap) {
					return
				}
				if snap.CurrentState.Terminal() {
					return
				}
				last = snap
			}
		}
	}()
	return out, nil
}

func emitSnapshot(ctx context.Context, out chan<- models.RunSnapshot, snap models.RunSnapshot) bool {
	select {
	case out <- snap:
		return true
	case <-ctx.Done():
		return false
	}
}

// LiveRuns lists snapshots of every registered run.
func (e *Engine) LiveRuns() []models.RunSnapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]models.RunSnapshot, 0, len(e.runs))
	for _, run := range e.runs {
		out = append(out, run.Snapshot())
	}
	return out
}

// PurgeTerminal drops terminal runs older than the cutoff from the live
// registry. The cleanup sweeper calls this; persisted pipeline_run entities
// are untouched.
func (e *Engine) PurgeTerminal(olderThan time.Duration) int {
	cutoff := time.Now().UTC().Add(-olderThan)

	e.mu.Lock()
	defer e.mu.Unlock()

	purged := 0
	for id, run := range e.runs {
		snap := run.Snapshot()
		if snap.CurrentState.Terminal() && snap.CreatedAt.Before(cutoff) {
			delete(e.runs, id)
			purged++
		}
	}
	return purged
}

// Shutdown cancels every live run and waits for them to reach a suspension
// point and exit, up to the configured graceful timeout.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	for _, run := range e.runs {
		run.cancel()
	}
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(e.shutdownTimeout):
		slog.Warn("engine shutdown timed out with runs still live", "timeout", e.shutdownTimeout)
	}
}

// activeLocked counts non-terminal runs; the caller holds e.mu.
func (e *Engine) activeLocked() int {
	active := 0
	for _, run := range e.runs {
		if !run.State().Terminal() {
			active++
		}
	}
	return active
}

func (e *Engine) run(runID string) (*Run, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	run, ok := e.runs[runID]
	return run, ok
}

// persistTerminal stores the final snapshot as a pipeline_run entity,
// best-effort.
func (e *Engine) persistTerminal(run *Run) {
	snap := run.Snapshot()
	attributes, err := snapshotAttributes(snap)
	if err != nil {
		slog.Warn("failed to encode terminal run snapshot", "run_id", run.id, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := e.graph.CreateEntity(ctx, models.CreateEntityRequest{
		EntityType: "pipeline_run",
		Name:       "run-" + run.id,
		Attributes: attributes,
	}); err != nil {
		slog.Warn("failed to persist terminal run", "run_id", run.id, "error", err)
	}
}

// newRunID returns a time-ordered run id so listings sort by creation.
func newRunID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}
