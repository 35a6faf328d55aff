package models

// Memory scopes, from broadest to narrowest.
const (
	ScopeGlobal    = "global"
	ScopeChapter   = "chapter"
	ScopeScene     = "scene"
	ScopeCharacter = "character"
)

// MemoryEntry is one persisted project-memory fact. AutoInject entries are
// eligible for Layer-1 context injection when their scope matches the
// current operational scope.
type MemoryEntry struct {
	Key        string `json:"key"`
	Value      string `json:"value"`
	Scope      string `json:"scope"`
	ScopeID    string `json:"scope_id,omitempty"`
	Source     string `json:"source,omitempty"`
	AutoInject bool   `json:"auto_inject"`
}
