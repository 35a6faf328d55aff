package agent

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// ToolHandler executes one tool call. The argument is the raw string the
// model passed between the parentheses; the result string is fed back to
// the model as an observation.
type ToolHandler func(ctx context.Context, arg string) (string, error)

// Tool is a named capability a skill may call during its reason-act loop.
type Tool struct {
	Name        string
	Description string
	Handler     ToolHandler
}

// ToolRegistry holds the tools available to skill executions. Registration
// order is preserved so prompts and listings stay deterministic.
type ToolRegistry struct {
	mu    sync.RWMutex
	tools map[string]Tool
	order []string
}

func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{tools: make(map[string]Tool)}
}

// Register adds or replaces a tool by name.
func (r *ToolRegistry) Register(tool Tool) error {
	if tool.Name == "" {
		return fmt.Errorf("tool name is required")
	}
	if tool.Handler == nil {
		return fmt.Errorf("tool %q has no handler", tool.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[tool.Name]; !exists {
		r.order = append(r.order, tool.Name)
	}
	r.tools[tool.Name] = tool
	return nil
}

// Get returns the named tool.
func (r *ToolRegistry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// List returns all tools in registration order.
func (r *ToolRegistry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tool, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name])
	}
	return out
}

func (r *ToolRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// Preamble renders the tool listing appended to a skill's system prompt,
// including the calling convention the parser understands.
func (r *ToolRegistry) Preamble() string {
	tools := r.List()
	if len(tools) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString("Available tools:\n")
	for _, tool := range tools {
		fmt.Fprintf(&sb, "  - %s: %s\n", tool.Name, tool.Description)
	}
	sb.WriteString("\nTo use a tool, respond with a line of the form:\n")
	sb.WriteString("  Action: ToolName(\"argument\")\n")
	sb.WriteString("You will receive an Observation with the result. ")
	sb.WriteString("When you have enough information, respond with:\n")
	sb.WriteString("  Final Answer: <your answer>")
	return sb.String()
}
