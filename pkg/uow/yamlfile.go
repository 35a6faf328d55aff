package uow

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/storyloom/loom/pkg/models"
)

// Reserved document keys. Everything else in an entity file is an attribute.
// Underscore-prefixed keys inside attributes are reserved for the store and
// stripped on read.
const (
	keyID            = "_id"
	keyEntityType    = "_entity_type"
	keyName          = "_name"
	keyContainerType = "_container_type"
	keyParentID      = "_parent_id"
	keySortOrder     = "_sort_order"
	keyTags          = "_tags"
	keyCreatedAt     = "_created_at"
	keyUpdatedAt     = "_updated_at"
)

// EncodeEntity renders an entity as its on-disk YAML document: attributes
// verbatim plus the reserved identity and hierarchy keys.
func EncodeEntity(entity *models.Entity) ([]byte, error) {
	doc := make(map[string]any, len(entity.Attributes)+8)
	for k, v := range entity.Attributes {
		if strings.HasPrefix(k, "_") {
			continue
		}
		doc[k] = v
	}
	doc[keyID] = entity.ID
	doc[keyEntityType] = entity.EntityType
	doc[keyName] = entity.Name
	if entity.ContainerType != "" {
		doc[keyContainerType] = entity.ContainerType
	}
	if entity.ParentID != "" {
		doc[keyParentID] = entity.ParentID
	}
	if entity.SortOrder != 0 {
		doc[keySortOrder] = entity.SortOrder
	}
	if len(entity.Tags) > 0 {
		doc[keyTags] = entity.Tags
	}
	if !entity.CreatedAt.IsZero() {
		doc[keyCreatedAt] = entity.CreatedAt.UTC().Format(time.RFC3339Nano)
	}
	if !entity.UpdatedAt.IsZero() {
		doc[keyUpdatedAt] = entity.UpdatedAt.UTC().Format(time.RFC3339Nano)
	}

	raw, err := yaml.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode entity %s: %w", entity.ID, err)
	}
	return raw, nil
}

// DecodeEntity parses an on-disk YAML document back into an entity. Reserved
// keys populate struct fields; the rest become attributes.
func DecodeEntity(raw []byte) (*models.Entity, error) {
	var doc map[string]any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode entity document: %w", err)
	}
	if doc == nil {
		doc = map[string]any{}
	}

	entity := &models.Entity{Attributes: map[string]any{}}
	for k, v := range doc {
		if !strings.HasPrefix(k, "_") {
			entity.Attributes[k] = v
			continue
		}
		switch k {
		case keyID:
			entity.ID = asString(v)
		case keyEntityType:
			entity.EntityType = asString(v)
		case keyName:
			entity.Name = asString(v)
		case keyContainerType:
			entity.ContainerType = asString(v)
		case keyParentID:
			entity.ParentID = asString(v)
		case keySortOrder:
			entity.SortOrder = asInt(v)
		case keyTags:
			entity.Tags = asStrings(v)
		case keyCreatedAt:
			entity.CreatedAt = asTime(v)
		case keyUpdatedAt:
			entity.UpdatedAt = asTime(v)
		}
		// Unknown underscore keys are reserved; dropped on read.
	}
	if entity.Tags == nil {
		entity.Tags = []string{}
	}
	return entity, nil
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}

func asStrings(v any) []string {
	list, ok := v.([]any)
	if !ok {
		return []string{}
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func asTime(v any) time.Time {
	s, ok := v.(string)
	if !ok {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
