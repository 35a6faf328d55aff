// Package graph is the knowledge graph service: a facade over the entity
// index, vector index, and unit of work that the pipeline and chat layers
// talk to instead of the stores directly.
package graph

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/storyloom/loom/pkg/models"
	"github.com/storyloom/loom/pkg/store"
	"github.com/storyloom/loom/pkg/uow"
	"github.com/storyloom/loom/pkg/vector"
)

// StructuralTypes are the entity types that participate in the narrative
// hierarchy, broadest first.
var StructuralTypes = []string{"season", "arc", "act", "chapter", "scene"}

// SearchHit is an enriched semantic search result. Score is ordinal: 0 is
// the best match.
type SearchHit struct {
	Entity *models.Entity `json:"entity"`
	Score  int            `json:"score"`
}

// Service exposes the higher-level graph queries and the entity write path.
type Service struct {
	index   *store.Index
	vectors *vector.Store
	manager *uow.Manager
}

// NewService creates the knowledge graph service.
func NewService(index *store.Index, vectors *vector.Store, manager *uow.Manager) *Service {
	return &Service{index: index, vectors: vectors, manager: manager}
}

// GetEntity retrieves an entity by id.
func (s *Service) GetEntity(ctx context.Context, id string) (*models.Entity, error) {
	return s.index.GetEntity(ctx, id)
}

// GetEntityByPath retrieves an entity by its YAML path.
func (s *Service) GetEntityByPath(ctx context.Context, path string) (*models.Entity, error) {
	return s.index.GetEntityByPath(ctx, path)
}

// FindContainers queries entities by container type and attribute filters.
func (s *Service) FindContainers(ctx context.Context, containerType string, filters map[string]any) ([]*models.Entity, error) {
	return s.index.QueryEntities(ctx, models.EntityFilters{
		ContainerType: containerType,
		Attributes:    filters,
	})
}

// QueryEntities is the general filtered entity query.
func (s *Service) QueryEntities(ctx context.Context, filters models.EntityFilters) ([]*models.Entity, error) {
	return s.index.QueryEntities(ctx, filters)
}

// GetNeighbors returns the entities an entity points at, optionally
// restricted to one relationship type.
func (s *Service) GetNeighbors(ctx context.Context, id, relType string) ([]*models.Entity, error) {
	return s.index.GetRelated(ctx, id, relType)
}

// GetChildren returns an entity's direct children in sort order.
func (s *Service) GetChildren(ctx context.Context, id string) ([]*models.Entity, error) {
	return s.index.GetChildren(ctx, id)
}

// GetStructureTree builds the narrative hierarchy from structural roots
// down, children attached recursively in sort order. Non-structural entities
// never appear in the tree.
func (s *Service) GetStructureTree(ctx context.Context) ([]*models.TreeNode, error) {
	roots, err := s.index.GetRoots(ctx, StructuralTypes...)
	if err != nil {
		return nil, err
	}
	nodes := make([]*models.TreeNode, 0, len(roots))
	for _, root := range roots {
		node, err := s.buildTree(ctx, root)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, node)
	}
	return nodes, nil
}

func (s *Service) buildTree(ctx context.Context, entity *models.Entity) (*models.TreeNode, error) {
	node := &models.TreeNode{
		ID:         entity.ID,
		Name:       entity.Name,
		EntityType: entity.EntityType,
		SortOrder:  entity.SortOrder,
		Children:   []*models.TreeNode{},
	}
	children, err := s.index.GetChildren(ctx, entity.ID)
	if err != nil {
		return nil, err
	}
	for _, child := range children {
		if !isStructural(child.EntityType) {
			continue
		}
		childNode, err := s.buildTree(ctx, child)
		if err != nil {
			return nil, err
		}
		node.Children = append(node.Children, childNode)
	}
	return node, nil
}

func isStructural(entityType string) bool {
	for _, t := range StructuralTypes {
		if t == entityType {
			return true
		}
	}
	return false
}

// SemanticSearch runs a vector query and enriches each hit from the index.
// Hits whose entity row has vanished are dropped; the relational index is
// authoritative.
func (s *Service) SemanticSearch(ctx context.Context, query string, limit int) ([]SearchHit, error) {
	results, err := s.vectors.SemanticSearch(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	hits := make([]SearchHit, 0, len(results))
	for _, result := range results {
		entity, err := s.index.GetEntity(ctx, result.EntityID)
		if err != nil {
			slog.Debug("Dropping stale vector hit", "entity_id", result.EntityID)
			continue
		}
		hits = append(hits, SearchHit{Entity: entity, Score: len(hits)})
	}
	return hits, nil
}

// HybridSearch is SemanticSearch with an optional container-type filter
// applied after enrichment. The vector query over-fetches so filtering
// still fills the requested limit.
func (s *Service) HybridSearch(ctx context.Context, query, containerType string, limit int) ([]SearchHit, error) {
	if limit <= 0 {
		limit = 10
	}
	fetch := limit
	if containerType != "" {
		fetch = limit * 4
	}
	results, err := s.vectors.SemanticSearch(ctx, query, fetch)
	if err != nil {
		return nil, err
	}
	hits := []SearchHit{}
	for _, result := range results {
		entity, err := s.index.GetEntity(ctx, result.EntityID)
		if err != nil {
			continue
		}
		if containerType != "" && entity.ContainerType != containerType {
			continue
		}
		hits = append(hits, SearchHit{Entity: entity, Score: len(hits)})
		if len(hits) >= limit {
			break
		}
	}
	return hits, nil
}

// GetEntityAtEra resolves which version of an entity is current for an era:
// a fork of this entity carrying the era id wins; failing that, the base
// entity itself if it carries the era id; otherwise the base entity.
func (s *Service) GetEntityAtEra(ctx context.Context, entityID, eraID string) (*models.Entity, error) {
	base, err := s.index.GetEntity(ctx, entityID)
	if err != nil {
		return nil, err
	}
	if eraID == "" || base.EraID() == eraID {
		return base, nil
	}
	forks, err := s.index.QueryEntities(ctx, models.EntityFilters{
		EntityType: base.EntityType,
		Attributes: map[string]any{
			models.AttrEraID:           eraID,
			models.AttrParentVersionID: entityID,
		},
	})
	if err != nil {
		return nil, err
	}
	if len(forks) > 0 {
		return forks[0], nil
	}
	return base, nil
}

// CreateEraFork clones an entity into a new era: fresh id, same attributes,
// era_id set to the new era and parent_version_id pointing at the original.
// The clone persists through the unit of work like any other write.
func (s *Service) CreateEraFork(ctx context.Context, entityID, newEraID string) (*models.Entity, error) {
	if newEraID == "" {
		return nil, models.NewValidationError("EraID", "required")
	}
	base, err := s.index.GetEntity(ctx, entityID)
	if err != nil {
		return nil, err
	}

	existing, err := s.index.QueryEntities(ctx, models.EntityFilters{
		EntityType: base.EntityType,
		Attributes: map[string]any{
			models.AttrEraID:           newEraID,
			models.AttrParentVersionID: entityID,
		},
	})
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		return nil, fmt.Errorf("fork of %s for era %s: %w", entityID, newEraID, models.ErrAlreadyExists)
	}

	attrs := make(map[string]any, len(base.Attributes)+2)
	for k, v := range base.Attributes {
		attrs[k] = v
	}
	attrs[models.AttrEraID] = newEraID
	attrs[models.AttrParentVersionID] = entityID

	fork := &models.Entity{
		ID:            newEntityID(),
		EntityType:    base.EntityType,
		Name:          base.Name,
		YAMLPath:      uow.PathFor(base.EntityType, base.Name+" "+newEraID),
		Attributes:    attrs,
		ContainerType: base.ContainerType,
		ParentID:      base.ParentID,
		SortOrder:     base.SortOrder,
		Tags:          base.Tags,
	}

	err = s.manager.Scope(ctx, func(u *uow.UnitOfWork) error {
		return u.Save(uow.SaveRequest{Entity: fork, EventType: models.EventCreate})
	})
	if err != nil {
		return nil, err
	}
	return s.index.GetEntity(ctx, fork.ID)
}

// GetUnresolvedThreads returns relationships not yet marked resolved,
// optionally restricted to edges tagged with an era.
func (s *Service) GetUnresolvedThreads(ctx context.Context, eraID string) ([]*models.Relationship, error) {
	all, err := s.index.GetAllRelationships(ctx)
	if err != nil {
		return nil, err
	}
	threads := []*models.Relationship{}
	for _, rel := range all {
		if rel.Resolved() {
			continue
		}
		if eraID != "" {
			if tagged, _ := rel.Metadata[models.AttrEraID].(string); tagged != eraID {
				continue
			}
		}
		threads = append(threads, rel)
	}
	return threads, nil
}

// ResolveThread marks a relationship resolved, recording the era it was
// resolved in.
func (s *Service) ResolveThread(ctx context.Context, edgeID int64, resolvedInEra string) error {
	rel, err := s.index.GetRelationship(ctx, edgeID)
	if err != nil {
		return err
	}
	metadata := rel.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	metadata["resolved"] = true
	if resolvedInEra != "" {
		metadata["resolved_in_era"] = resolvedInEra
	}
	return s.index.UpdateRelationshipMetadata(ctx, edgeID, metadata)
}

// AddRelationship records a typed edge between two entities.
func (s *Service) AddRelationship(ctx context.Context, rel *models.Relationship) (*models.Relationship, error) {
	return s.index.AddRelationship(ctx, rel)
}

// GetEntityCountByType returns entity counts per type.
func (s *Service) GetEntityCountByType(ctx context.Context) (map[string]int, error) {
	return s.index.GetEntityCountByType(ctx)
}

func newEntityID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}
