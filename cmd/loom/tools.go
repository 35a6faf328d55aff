package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/storyloom/loom/pkg/agent"
	"github.com/storyloom/loom/pkg/chat"
	"github.com/storyloom/loom/pkg/events"
	"github.com/storyloom/loom/pkg/graph"
	"github.com/storyloom/loom/pkg/models"
	"github.com/storyloom/loom/pkg/pipeline"
	"github.com/storyloom/loom/pkg/providers"
)

const (
	searchResultLimit   = 8
	researchResultLimit = 12
	resultClipChars     = 140
)

// registerChatTools installs the handlers behind the classifier's tool
// verdicts. Handlers return reply text; the orchestrator owns tokenisation,
// artifact events, and persistence. A handler that cannot act for lack of
// parameters replies with guidance instead of failing the turn.
func registerChatTools(tools *chat.ToolRegistry, g *graph.Service, engine *pipeline.Engine, chatReg *providers.Registry, model string, publisher *events.Publisher) {
	tools.Register(chat.ToolSearch, searchHandler(g, searchResultLimit))
	tools.Register(chat.ToolResearch, researchHandler(g))
	tools.Register(chat.ToolCreate, createHandler(g))
	tools.Register(chat.ToolUpdate, updateHandler(g))
	tools.Register(chat.ToolDelete, deleteHandler(g))
	tools.Register(chat.ToolNavigate, navigateHandler(g))
	tools.Register(chat.ToolEvaluate, evaluateHandler(chatReg, model))
	tools.Register(chat.ToolPipeline, pipelineHandler(engine, publisher))
}

// registerAgentTools gives skill executions a lookup into the knowledge
// graph, so reason-act loops can ground their answers in project entities.
func registerAgentTools(tools *agent.ToolRegistry, g *graph.Service) {
	err := tools.Register(agent.Tool{
		Name:        "search",
		Description: "Find project entities by meaning. Argument: the search query.",
		Handler: func(ctx context.Context, arg string) (string, error) {
			hits, err := g.HybridSearch(ctx, arg, "", searchResultLimit)
			if err != nil {
				return "", err
			}
			return formatHits(arg, hits), nil
		},
	})
	if err != nil {
		slog.Warn("Failed to register agent search tool", "error", err)
	}
}

func searchHandler(g *graph.Service, limit int) chat.ToolFunc {
	return func(ctx context.Context, inv chat.ToolInvocation) (string, error) {
		query := stringParam(inv.Params, "query")
		if query == "" {
			query = inv.Content
		}
		hits, err := g.HybridSearch(ctx, query, stringParam(inv.Params, "entity_type"), limit)
		if err != nil {
			return "", err
		}
		return formatHits(query, hits), nil
	}
}

// researchHandler digs wider than search: more hits, plus the open story
// threads touching them.
func researchHandler(g *graph.Service) chat.ToolFunc {
	return func(ctx context.Context, inv chat.ToolInvocation) (string, error) {
		query := stringParam(inv.Params, "query")
		if query == "" {
			query = inv.Content
		}
		hits, err := g.HybridSearch(ctx, query, "", researchResultLimit)
		if err != nil {
			return "", err
		}

		var b strings.Builder
		b.WriteString(formatHits(query, hits))

		if threads, err := g.GetUnresolvedThreads(ctx, ""); err == nil && len(threads) > 0 {
			hitIDs := make(map[string]bool, len(hits))
			for _, hit := range hits {
				hitIDs[hit.Entity.ID] = true
			}
			var open []string
			for _, thread := range threads {
				if hitIDs[thread.SourceID] || hitIDs[thread.TargetID] {
					open = append(open, fmt.Sprintf("- %s %s %s", thread.SourceID, thread.RelType, thread.TargetID))
				}
			}
			if len(open) > 0 {
				b.WriteString("\n\nOpen threads involving these entities:\n")
				b.WriteString(strings.Join(open, "\n"))
			}
		}
		return b.String(), nil
	}
}

func createHandler(g *graph.Service) chat.ToolFunc {
	return func(ctx context.Context, inv chat.ToolInvocation) (string, error) {
		req := models.CreateEntityRequest{
			EntityType:    stringParam(inv.Params, "entity_type"),
			Name:          stringParam(inv.Params, "name"),
			Attributes:    mapParam(inv.Params, "attributes"),
			ContainerType: stringParam(inv.Params, "container_type"),
			ParentID:      stringParam(inv.Params, "parent_id"),
		}
		if req.EntityType == "" || req.Name == "" {
			return "To create an entity I need at least an entity_type and a name, " +
				"for example: create a character named Mira.", nil
		}
		entity, err := g.CreateEntity(ctx, req)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("Created %s %q (id %s).", entity.EntityType, entity.Name, entity.ID), nil
	}
}

func updateHandler(g *graph.Service) chat.ToolFunc {
	return func(ctx context.Context, inv chat.ToolInvocation) (string, error) {
		id := targetEntityID(inv)
		if id == "" {
			return "Mention the entity to update, or pass entity_id, so I know what to change.", nil
		}
		attrs := mapParam(inv.Params, "attributes")
		if len(attrs) == 0 {
			return "No attribute changes given. Tell me which attributes to set and to what.", nil
		}
		entity, err := g.UpdateEntity(ctx, id, models.UpdateEntityRequest{Attributes: attrs})
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("Updated %s %q.", entity.EntityType, entity.Name), nil
	}
}

func deleteHandler(g *graph.Service) chat.ToolFunc {
	return func(ctx context.Context, inv chat.ToolInvocation) (string, error) {
		id := targetEntityID(inv)
		if id == "" {
			return "Mention the entity to delete, or pass entity_id.", nil
		}
		entity, err := g.GetEntity(ctx, id)
		if err != nil {
			return "", err
		}
		if err := g.DeleteEntity(ctx, id, "main"); err != nil {
			return "", err
		}
		return fmt.Sprintf("Moved %s %q to the trash.", entity.EntityType, entity.Name), nil
	}
}

// navigateHandler shows a mentioned entity's children, or the whole
// narrative tree when nothing specific is mentioned.
func navigateHandler(g *graph.Service) chat.ToolFunc {
	return func(ctx context.Context, inv chat.ToolInvocation) (string, error) {
		if id := targetEntityID(inv); id != "" {
			entity, err := g.GetEntity(ctx, id)
			if err != nil {
				return "", err
			}
			children, err := g.GetChildren(ctx, id)
			if err != nil {
				return "", err
			}
			if len(children) == 0 {
				return fmt.Sprintf("%s %q has no children.", entity.EntityType, entity.Name), nil
			}
			var b strings.Builder
			fmt.Fprintf(&b, "%s %q contains:\n", entity.EntityType, entity.Name)
			for _, child := range children {
				fmt.Fprintf(&b, "- %s (%s)\n", child.Name, child.EntityType)
			}
			return strings.TrimRight(b.String(), "\n"), nil
		}

		tree, err := g.GetStructureTree(ctx)
		if err != nil {
			return "", err
		}
		if len(tree) == 0 {
			return "The project has no structural entities yet.", nil
		}
		var b strings.Builder
		b.WriteString("Project structure:\n")
		renderTree(&b, tree, 0)
		return strings.TrimRight(b.String(), "\n"), nil
	}
}

const evaluatePrompt = "You are a critical story editor. Judge the material for continuity, pacing, and voice. Answer with concrete findings, strongest problem first."

// evaluateHandler runs a critique over the three-layer context for the
// mentioned entities, so the verdict sees the same material the chat does.
func evaluateHandler(chatReg *providers.Registry, model string) chat.ToolFunc {
	return func(ctx context.Context, inv chat.ToolInvocation) (string, error) {
		if inv.ContextManager == nil {
			return "", fmt.Errorf("no context manager available")
		}
		built, err := inv.ContextManager.BuildContext(ctx, inv.SessionID, inv.EntityIDs, inv.ContextPayload, 0)
		if err != nil {
			return "", err
		}
		if built.EntityContext == "" {
			return "Mention the entities to evaluate with @ so I can pull their current state.", nil
		}

		provider, modelName, err := chatReg.ChatFor(model)
		if err != nil {
			return "", err
		}
		messages := []providers.Message{
			{Role: models.RoleSystem, Content: evaluatePrompt},
			{Role: models.RoleSystem, Content: "## Material\n" + built.EntityContext},
		}
		if built.SystemContext != "" {
			messages = append(messages, providers.Message{Role: models.RoleSystem, Content: built.SystemContext})
		}
		messages = append(messages, providers.Message{Role: models.RoleUser, Content: inv.Content})

		resp, err := provider.Complete(ctx, providers.ChatRequest{Model: modelName, Messages: messages})
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(resp.Content), nil
	}
}

// pipelineHandler turns the message into a pipeline definition through the
// planner and starts a run. Run state changes stream to the session's
// WebSocket channel in the background.
func pipelineHandler(engine *pipeline.Engine, publisher *events.Publisher) chat.ToolFunc {
	return func(ctx context.Context, inv chat.ToolInvocation) (string, error) {
		intent := stringParam(inv.Params, "goal")
		if intent == "" {
			intent = inv.Content
		}
		def, err := engine.GenerateDefinition(ctx, intent, stringParam(inv.Params, "title"))
		if err != nil {
			return "", fmt.Errorf("could not plan a pipeline for that: %w", err)
		}

		payload := map[string]any{"input_text": inv.Content}
		for k, v := range inv.ContextPayload {
			payload[k] = v
		}
		runID, err := engine.StartDefinition(def, payload)
		if err != nil {
			return "", err
		}
		go bridgeRunStatus(engine, publisher, inv.SessionID, runID, def.Name)

		return fmt.Sprintf("Started pipeline %q with %d steps (run %s). Progress streams to this session.",
			def.Name, len(def.Steps), runID), nil
	}
}

// bridgeRunStatus forwards run state changes to the session channel until
// the run reaches a terminal state and its watch channel closes.
func bridgeRunStatus(engine *pipeline.Engine, publisher *events.Publisher, sessionID, runID, pipelineName string) {
	snapshots, err := engine.Watch(context.Background(), runID)
	if err != nil {
		slog.Warn("Could not watch pipeline run for status events", "run_id", runID, "error", err)
		return
	}
	for snap := range snapshots {
		err := publisher.PublishRunStatus(context.Background(), events.RunStatusPayload{
			SessionID:   sessionID,
			RunID:       snap.ID,
			PipelineID:  pipelineName,
			Status:      string(snap.CurrentState),
			CurrentStep: snap.CurrentStepID,
			Timestamp:   time.Now().UTC().Format(time.RFC3339Nano),
		})
		if err != nil {
			slog.Warn("Failed to publish run status", "run_id", runID, "error", err)
		}
	}
}

func formatHits(query string, hits []graph.SearchHit) string {
	if len(hits) == 0 {
		return fmt.Sprintf("No entities matched %q.", query)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Found %d entities for %q:\n", len(hits), query)
	for _, hit := range hits {
		fmt.Fprintf(&b, "- %s (%s)", hit.Entity.Name, hit.Entity.EntityType)
		if summary := hit.Entity.StringAttr("summary"); summary != "" {
			fmt.Fprintf(&b, ": %s", clipText(summary, resultClipChars))
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func renderTree(b *strings.Builder, nodes []*models.TreeNode, depth int) {
	for _, node := range nodes {
		fmt.Fprintf(b, "%s- %s (%s)\n", strings.Repeat("  ", depth), node.Name, node.EntityType)
		renderTree(b, node.Children, depth+1)
	}
}

// targetEntityID resolves the entity a mutation aims at: an explicit
// entity_id parameter wins, otherwise the first @-mention.
func targetEntityID(inv chat.ToolInvocation) string {
	if id := stringParam(inv.Params, "entity_id"); id != "" {
		return id
	}
	if len(inv.EntityIDs) > 0 {
		return inv.EntityIDs[0]
	}
	return ""
}

func stringParam(params map[string]any, key string) string {
	if params == nil {
		return ""
	}
	s, _ := params[key].(string)
	return strings.TrimSpace(s)
}

func mapParam(params map[string]any, key string) map[string]any {
	if params == nil {
		return nil
	}
	m, _ := params[key].(map[string]any)
	return m
}

func clipText(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= max {
		return s
	}
	return s[:max] + "…"
}
