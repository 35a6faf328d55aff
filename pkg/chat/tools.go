package chat

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ToolInvocation carries a user turn into a tool handler.
type ToolInvocation struct {
	Content        string
	EntityIDs      []string
	SessionID      string
	Params         map[string]any
	ContextPayload map[string]any
	ContextManager *ContextManager
}

// ToolFunc is a plain handler: it returns the full result text, which the
// orchestrator tokenises into the event stream.
type ToolFunc func(ctx context.Context, inv ToolInvocation) (string, error)

// ToolStream is a generator handler: it emits its own events (tokens,
// artifacts, background updates) and closes the channel when done.
type ToolStream func(ctx context.Context, inv ToolInvocation) (<-chan Event, error)

// artifactTools are the categories whose plain-handler result is followed
// by a single artifact event summarising it.
var artifactTools = map[string]bool{
	ToolSearch:   true,
	ToolCreate:   true,
	ToolEvaluate: true,
	ToolPipeline: true,
}

// ToolRegistry maps classified tools to their handlers. Registration
// happens at startup; lookups are safe for concurrent use. A name holds
// either a plain or a streaming handler, never both — the later
// registration wins.
type ToolRegistry struct {
	mu      sync.RWMutex
	plain   map[string]ToolFunc
	streams map[string]ToolStream
}

// NewToolRegistry creates an empty registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{
		plain:   make(map[string]ToolFunc),
		streams: make(map[string]ToolStream),
	}
}

// Register installs a plain handler for a tool name.
func (r *ToolRegistry) Register(name string, fn ToolFunc) {
	key := toolKey(name)
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.streams, key)
	r.plain[key] = fn
}

// RegisterStream installs a streaming handler for a tool name.
func (r *ToolRegistry) RegisterStream(name string, fn ToolStream) {
	key := toolKey(name)
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.plain, key)
	r.streams[key] = fn
}

// Has reports whether any handler is registered under the name.
func (r *ToolRegistry) Has(name string) bool {
	key := toolKey(name)
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, plain := r.plain[key]
	_, stream := r.streams[key]
	return plain || stream
}

// Names lists registered tools in sorted order.
func (r *ToolRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.plain)+len(r.streams))
	for name := range r.plain {
		names = append(names, name)
	}
	for name := range r.streams {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *ToolRegistry) plainHandler(name string) (ToolFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.plain[toolKey(name)]
	return fn, ok
}

func (r *ToolRegistry) streamHandler(name string) (ToolStream, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.streams[toolKey(name)]
	return fn, ok
}

func toolKey(name string) string {
	return strings.ToUpper(strings.TrimSpace(name))
}

// invokePlain runs a plain handler, converting errors and panics into
// user-visible text so a broken tool never takes the turn down with it.
func invokePlain(ctx context.Context, name string, fn ToolFunc, inv ToolInvocation) (text string, failed bool) {
	defer func() {
		if r := recover(); r != nil {
			text = fmt.Sprintf("The %s tool crashed: %v", strings.ToLower(name), r)
			failed = true
		}
	}()

	text, err := fn(ctx, inv)
	if err != nil {
		return fmt.Sprintf("The %s tool failed: %v", strings.ToLower(name), err), true
	}
	return text, false
}

// invokeStream starts a streaming handler, converting panics into errors.
func invokeStream(ctx context.Context, fn ToolStream, inv ToolInvocation) (stream <-chan Event, err error) {
	defer func() {
		if r := recover(); r != nil {
			stream = nil
			err = fmt.Errorf("tool panicked: %v", r)
		}
	}()
	return fn(ctx, inv)
}
