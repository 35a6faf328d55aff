package graph

import (
	"context"

	"github.com/storyloom/loom/pkg/models"
	"github.com/storyloom/loom/pkg/uow"
)

// CreateEntity persists a new entity through the unit of work and returns
// the stored row.
func (s *Service) CreateEntity(ctx context.Context, req models.CreateEntityRequest) (*models.Entity, error) {
	if req.EntityType == "" {
		return nil, models.NewValidationError("EntityType", "required")
	}
	if req.Name == "" {
		return nil, models.NewValidationError("Name", "required")
	}

	entity := &models.Entity{
		ID:            newEntityID(),
		EntityType:    req.EntityType,
		Name:          req.Name,
		YAMLPath:      uow.PathFor(req.EntityType, req.Name),
		Attributes:    req.Attributes,
		ContainerType: req.ContainerType,
		ParentID:      req.ParentID,
		SortOrder:     req.SortOrder,
		Tags:          req.Tags,
	}
	if entity.Attributes == nil {
		entity.Attributes = map[string]any{}
	}

	// A name collision within a type would collide on yaml_path; suffix the
	// slug with the id tail to keep paths unique.
	if _, err := s.index.GetEntityByPath(ctx, entity.YAMLPath); err == nil {
		entity.YAMLPath = uow.PathFor(req.EntityType, req.Name+" "+shortID(entity.ID))
	}

	err := s.manager.Scope(ctx, func(u *uow.UnitOfWork) error {
		return u.Save(uow.SaveRequest{
			Entity:    entity,
			EventType: models.EventCreate,
			BranchID:  req.BranchID,
		})
	})
	if err != nil {
		return nil, err
	}
	return s.index.GetEntity(ctx, entity.ID)
}

// UpdateEntity merges the given attributes over an entity and persists the
// result. The update event records only the fields that changed.
func (s *Service) UpdateEntity(ctx context.Context, id string, req models.UpdateEntityRequest) (*models.Entity, error) {
	entity, err := s.index.GetEntity(ctx, id)
	if err != nil {
		return nil, err
	}

	merged := make(map[string]any, len(entity.Attributes)+len(req.Attributes))
	for k, v := range entity.Attributes {
		merged[k] = v
	}
	for k, v := range req.Attributes {
		merged[k] = v
	}
	entity.Attributes = merged

	err = s.manager.Scope(ctx, func(u *uow.UnitOfWork) error {
		return u.Save(uow.SaveRequest{
			Entity:       entity,
			EventType:    models.EventUpdate,
			EventPayload: req.Attributes,
			BranchID:     req.BranchID,
			ExpectedHash: req.ExpectedHash,
		})
	})
	if err != nil {
		return nil, err
	}
	return s.index.GetEntity(ctx, id)
}

// DeleteEntity removes an entity through the unit of work: index row gone,
// file soft-deleted to trash, DELETE event appended.
func (s *Service) DeleteEntity(ctx context.Context, id, branchID string) error {
	entity, err := s.index.GetEntity(ctx, id)
	if err != nil {
		return err
	}
	return s.manager.Scope(ctx, func(u *uow.UnitOfWork) error {
		return u.Delete(uow.DeleteRequest{
			EntityID:     entity.ID,
			EntityType:   entity.EntityType,
			YAMLPath:     entity.YAMLPath,
			EventPayload: map[string]any{"name": entity.Name},
			BranchID:     branchID,
		})
	})
}

func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[len(id)-8:]
}
