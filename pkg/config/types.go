package config

// Shared types used across configuration structs

// ProjectConfig describes where the project's data lives on disk.
type ProjectConfig struct {
	// ID identifies the project on entities and chat sessions.
	ID string `yaml:"id,omitempty"`

	// Root is the directory holding the per-type entity YAML tree.
	Root string `yaml:"root,omitempty"`

	// DatabasePath is the SQLite file backing the relational index, the
	// vector index, and the event log. ":memory:" is accepted for tests.
	DatabasePath string `yaml:"database_path,omitempty"`

	// SkillsDir holds skill definition YAML files loaded at startup.
	SkillsDir string `yaml:"skills_dir,omitempty"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	// ListenAddr is the address the API server binds to.
	ListenAddr string `yaml:"listen_addr,omitempty"`

	// AllowedWSOrigins lists additional WebSocket origin patterns accepted
	// during the upgrade handshake. Localhost origins are always accepted.
	AllowedWSOrigins []string `yaml:"allowed_ws_origins,omitempty"`
}

// BoolPtr returns a pointer to b. Convenience for *bool struct fields.
func BoolPtr(b bool) *bool { return &b }
