package models

// SyncMetadata records what the index believes is on disk for one YAML file.
// The filesystem sync scanner compares these rows against actual file state
// to decide which side changed.
type SyncMetadata struct {
	YAMLPath    string  `json:"yaml_path"`
	EntityID    string  `json:"entity_id"`
	EntityType  string  `json:"entity_type"`
	ContentHash string  `json:"content_hash"`
	MTime       float64 `json:"mtime"`
	FileSize    int64   `json:"file_size"`
}
