package models

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// Attribute keys recognised across the store. Branching keys and model
// preference live inside the schema-less attributes map rather than as
// dedicated columns.
const (
	AttrEraID           = "era_id"
	AttrParentVersionID = "parent_version_id"
	AttrModelPreference = "model_preference"
)

// Entity is the universal record: every piece of project data — character,
// scene, chapter, fragment of prose, pipeline definition, research result —
// is an entity persisted as a YAML file and mirrored into the relational
// index.
type Entity struct {
	ID            string         `json:"id"`
	EntityType    string         `json:"entity_type"`
	Name          string         `json:"name"`
	YAMLPath      string         `json:"yaml_path"`
	ContentHash   string         `json:"content_hash"`
	Attributes    map[string]any `json:"attributes"`
	ContainerType string         `json:"container_type,omitempty"`
	ParentID      string         `json:"parent_id,omitempty"`
	SortOrder     int            `json:"sort_order"`
	Tags          []string       `json:"tags,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// StringAttr returns the named attribute when it holds a string.
func (e *Entity) StringAttr(key string) string {
	if e == nil || e.Attributes == nil {
		return ""
	}
	if s, ok := e.Attributes[key].(string); ok {
		return s
	}
	return ""
}

// EraID returns the era this entity version belongs to, if any.
func (e *Entity) EraID() string { return e.StringAttr(AttrEraID) }

// ParentVersionID returns the entity id this version was forked from, if any.
func (e *Entity) ParentVersionID() string { return e.StringAttr(AttrParentVersionID) }

// ModelPreference returns the model identifier preferred for work on this
// entity, consumed by the model-config cascade.
func (e *Entity) ModelPreference() string { return e.StringAttr(AttrModelPreference) }

// Relationship is a directed, typed edge between two entities. Metadata
// carries free-form flags such as resolved or created_in_era.
type Relationship struct {
	ID       int64          `json:"id"`
	SourceID string         `json:"source_id"`
	TargetID string         `json:"target_id"`
	RelType  string         `json:"rel_type"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Resolved reports whether the relationship metadata carries resolved=true.
func (r *Relationship) Resolved() bool {
	if r.Metadata == nil {
		return false
	}
	v, ok := r.Metadata["resolved"].(bool)
	return ok && v
}

// EntityFilters contains filtering options for querying the relational index.
// Attributes entries are matched against the decoded attributes document,
// not against the raw JSON text.
type EntityFilters struct {
	EntityType    string         `json:"entity_type,omitempty"`
	ContainerType string         `json:"container_type,omitempty"`
	Attributes    map[string]any `json:"attributes,omitempty"`
	Limit         int            `json:"limit,omitempty"`
}

// TreeNode is one node of the structural hierarchy returned by the knowledge
// graph service.
type TreeNode struct {
	ID         string      `json:"id"`
	Name       string      `json:"name"`
	EntityType string      `json:"entity_type"`
	SortOrder  int         `json:"sort_order"`
	Children   []*TreeNode `json:"children"`
}

// CreateEntityRequest carries the fields for creating a new entity through
// the knowledge graph service.
type CreateEntityRequest struct {
	EntityType    string         `json:"entity_type"`
	Name          string         `json:"name"`
	Attributes    map[string]any `json:"attributes"`
	ContainerType string         `json:"container_type,omitempty"`
	ParentID      string         `json:"parent_id,omitempty"`
	SortOrder     int            `json:"sort_order,omitempty"`
	Tags          []string       `json:"tags,omitempty"`
	BranchID      string         `json:"branch_id,omitempty"`
}

// UpdateEntityRequest carries a partial attribute update. ExpectedHash,
// when set, is the content hash the caller read; the write fails with a
// conflict if the entity changed since.
type UpdateEntityRequest struct {
	Attributes   map[string]any `json:"attributes"`
	ExpectedHash *string        `json:"expected_hash,omitempty"`
	BranchID     string         `json:"branch_id,omitempty"`
}

// HashAttributes computes the content hash of an attributes document:
// SHA-256 over its canonical JSON serialisation. encoding/json emits map
// keys in sorted order at every nesting level, which makes the encoding
// canonical for the value shapes attributes permit.
func HashAttributes(attributes map[string]any) string {
	if attributes == nil {
		attributes = map[string]any{}
	}
	raw, err := json.Marshal(attributes)
	if err != nil {
		// Attributes hold only JSON-representable values; a marshal failure
		// means a programming error upstream. Hash the error text so the
		// caller still gets a stable, non-colliding value.
		raw = []byte(err.Error())
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
