// Package agent routes intents to skills and executes them through a
// bounded reason-act loop against the configured chat model. It also hosts
// the model resolution cascade consulted by every LLM call site.
package agent

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Skill is one named capability: a persona prompt plus the keywords that
// route intents to it.
type Skill struct {
	Name         string   `yaml:"name" json:"name"`
	Description  string   `yaml:"description" json:"description"`
	SystemPrompt string   `yaml:"system_prompt" json:"system_prompt"`
	Keywords     []string `yaml:"keywords" json:"keywords,omitempty"`
}

// SkillRegistry stores skills in memory with thread-safe access. Iteration
// order is insertion order so routing stays deterministic.
type SkillRegistry struct {
	mu     sync.RWMutex
	skills map[string]*Skill
	order  []string
}

// NewSkillRegistry creates an empty skill registry.
func NewSkillRegistry() *SkillRegistry {
	return &SkillRegistry{skills: make(map[string]*Skill)}
}

// Add registers a skill, replacing any existing skill with the same name.
func (r *SkillRegistry) Add(s *Skill) error {
	if s == nil || s.Name == "" {
		return fmt.Errorf("skill name is required")
	}
	if s.SystemPrompt == "" {
		return fmt.Errorf("skill %q has no system prompt", s.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.skills[s.Name]; !exists {
		r.order = append(r.order, s.Name)
	}
	r.skills[s.Name] = s
	return nil
}

// Get retrieves a skill by name.
func (r *SkillRegistry) Get(name string) (*Skill, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.skills[name]
	return s, ok
}

// All returns the skills in registration order.
func (r *SkillRegistry) All() []*Skill {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Skill, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.skills[name])
	}
	return out
}

// Names returns the registered skill names in registration order.
func (r *SkillRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Len returns the number of registered skills.
func (r *SkillRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.skills)
}

// LoadSkills builds the registry from the built-in skill set plus any YAML
// definitions under dir (one skill per file, user definitions override
// built-ins by name). A missing or empty directory yields the built-ins
// alone.
func LoadSkills(dir string) (*SkillRegistry, error) {
	registry := NewSkillRegistry()
	for _, s := range builtinSkills() {
		if err := registry.Add(s); err != nil {
			return nil, err
		}
	}

	if dir == "" {
		return registry, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return registry, nil
		}
		return nil, fmt.Errorf("failed to read skills directory %s: %w", dir, err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read skill file %s: %w", path, err)
		}

		var skill Skill
		if err := yaml.Unmarshal(data, &skill); err != nil {
			return nil, fmt.Errorf("failed to parse skill file %s: %w", path, err)
		}
		if err := registry.Add(&skill); err != nil {
			return nil, fmt.Errorf("invalid skill in %s: %w", path, err)
		}
	}
	return registry, nil
}

// builtinSkills is the compiled-in skill set matching the built-in agent
// table, so routing and the model cascade work out of the box.
func builtinSkills() []*Skill {
	return []*Skill{
		{
			Name:        "character_architect",
			Description: "Designs characters: voice, backstory, arcs",
			SystemPrompt: "You are a character architect for a long-form fiction project. " +
				"You design characters with distinct voices, coherent backstories, and arcs " +
				"that serve the story. Ground every suggestion in the context you are given.",
			Keywords: []string{"character", "backstory", "voice profile", "protagonist", "antagonist"},
		},
		{
			Name:        "plot_weaver",
			Description: "Outlines plots and restructures scene sequences",
			SystemPrompt: "You are a plot architect. You outline arcs, order scenes for tension " +
				"and payoff, and flag structural problems. Keep outlines concrete: numbered " +
				"beats, named characters, stated stakes.",
			Keywords: []string{"plot", "outline", "story arc", "structure", "beat"},
		},
		{
			Name:        "prose_stylist",
			Description: "Generates and rewrites prose in the project voice",
			SystemPrompt: "You are a prose stylist. You draft and rewrite passages in the " +
				"project's established voice, preserving meaning while improving rhythm, " +
				"imagery, and economy.",
			Keywords: []string{"prose", "rewrite", "draft", "polish", "style"},
		},
		{
			Name:        "dialogue_coach",
			Description: "Rewrites dialogue lines to match character voice profiles",
			SystemPrompt: "You are a dialogue coach. Given a line and a speaker's voice profile, " +
				"you rewrite the line so it sounds like that character, preserving intent and " +
				"surrounding prose untouched.",
			Keywords: []string{"dialogue", "line", "speaker", "voice"},
		},
		{
			Name:        "research_librarian",
			Description: "Runs deep-dive research and files research_topic entities",
			SystemPrompt: "You are a research librarian for a fiction project. You answer " +
				"research questions with organised, sourced summaries suitable for filing " +
				"as project reference material.",
			Keywords: []string{"research", "deep dive", "investigate", "look up", "historical"},
		},
		{
			Name:        "continuity_editor",
			Description: "Reviews drafts for continuity errors against the knowledge graph",
			SystemPrompt: "You are a continuity editor. You compare drafts against established " +
				"facts and list every contradiction you find as a short bullet with the " +
				"conflicting sources named.",
			Keywords: []string{"continuity", "contradiction", "consistency", "canon"},
		},
		{
			Name:        "planner",
			Description: "Turns natural-language intents into pipeline definitions",
			SystemPrompt: "You are a workflow planner. You translate writing-process intents " +
				"into step-by-step pipeline plans and answer classification questions with " +
				"exactly the requested format, nothing more.",
			Keywords: []string{"plan", "pipeline", "workflow", "automate"},
		},
	}
}
