// Package assembler builds prompt-ready context blocks from the knowledge
// graph under a token budget, with transparent accounting of what was
// included, what was cut, and why.
package assembler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/storyloom/loom/pkg/graph"
	"github.com/storyloom/loom/pkg/models"
)

const (
	// maxAttributeChars caps a single rendered attribute value.
	maxAttributeChars = 500
	// maxNeighbors caps the relationship line per block.
	maxNeighbors = 5
	// semanticBoost is added to the lexical score of candidates that came
	// in through semantic search.
	semanticBoost = 0.3
	// semanticCandidates is how many semantic hits are merged into the
	// candidate set.
	semanticCandidates = 5
	// previewChars is the per-block preview length in the result metadata.
	previewChars = 120

	defaultMaxTokens = 8000
)

// EstimateTokens is the deliberately cheap token estimator used across the
// engine: four characters per token, rounded up.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}

// Request describes one assembly.
type Request struct {
	Query                string   `json:"query"`
	ExplicitIDs          []string `json:"explicit_ids,omitempty"`
	ExplicitTypes        []string `json:"explicit_types,omitempty"`
	MaxTokens            int      `json:"max_tokens"`
	IncludeRelationships bool     `json:"include_relationships"`

	// Estimator overrides the default token estimate when set.
	Estimator func(string) int `json:"-"`
}

// BlockMeta is the per-entity accounting entry in a ContextResult.
type BlockMeta struct {
	EntityID   string  `json:"entity_id"`
	Name       string  `json:"name"`
	EntityType string  `json:"entity_type"`
	Preview    string  `json:"preview"`
	Tokens     int     `json:"tokens"`
	Score      float64 `json:"score"`
}

// ContextResult is the assembled context plus its accounting.
type ContextResult struct {
	Text           string      `json:"text"`
	TokenEstimate  int         `json:"token_estimate"`
	Included       []BlockMeta `json:"included"`
	TruncatedCount int         `json:"truncated_count"`
	CandidateCount int         `json:"candidate_count"`
}

// Assembler renders and packs entity blocks.
type Assembler struct {
	graph *graph.Service
}

// New creates an assembler over the knowledge graph.
func New(g *graph.Service) *Assembler {
	return &Assembler{graph: g}
}

type candidate struct {
	entity   *models.Entity
	semantic bool
	block    string
	tokens   int
	score    float64
	order    int
}

// Assemble gathers candidates, renders them, scores them against the query,
// and greedily packs the best into the token budget.
func (a *Assembler) Assemble(ctx context.Context, req Request) (*ContextResult, error) {
	if req.MaxTokens <= 0 {
		req.MaxTokens = defaultMaxTokens
	}
	estimate := req.Estimator
	if estimate == nil {
		estimate = EstimateTokens
	}

	candidates, err := a.gather(ctx, req)
	if err != nil {
		return nil, err
	}

	queryWords := tokenizeQuery(req.Query)
	for i := range candidates {
		c := &candidates[i]
		block, err := a.renderBlock(ctx, c.entity, req.IncludeRelationships)
		if err != nil {
			return nil, err
		}
		c.block = block
		c.tokens = estimate(block)
		c.score = lexicalScore(queryWords, block)
		if c.semantic {
			c.score += semanticBoost
			if c.score > 1.0 {
				c.score = 1.0
			}
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].order < candidates[j].order
	})

	result := &ContextResult{
		Included:       []BlockMeta{},
		CandidateCount: len(candidates),
	}
	blocks := []string{}
	for _, c := range candidates {
		if result.TokenEstimate+c.tokens > req.MaxTokens {
			result.TruncatedCount++
			continue
		}
		blocks = append(blocks, c.block)
		result.TokenEstimate += c.tokens
		result.Included = append(result.Included, BlockMeta{
			EntityID:   c.entity.ID,
			Name:       c.entity.Name,
			EntityType: c.entity.EntityType,
			Preview:    preview(c.block),
			Tokens:     c.tokens,
			Score:      c.score,
		})
	}
	result.Text = strings.Join(blocks, "\n\n")
	return result, nil
}

// gather collects candidates from explicit ids, explicit types, and the top
// semantic hits, deduplicated in first-seen order.
func (a *Assembler) gather(ctx context.Context, req Request) ([]candidate, error) {
	var (
		candidates []candidate
		seen       = map[string]int{}
	)
	add := func(entity *models.Entity, semantic bool) {
		if idx, ok := seen[entity.ID]; ok {
			if semantic {
				candidates[idx].semantic = true
			}
			return
		}
		seen[entity.ID] = len(candidates)
		candidates = append(candidates, candidate{
			entity:   entity,
			semantic: semantic,
			order:    len(candidates),
		})
	}

	for _, id := range req.ExplicitIDs {
		entity, err := a.graph.GetEntity(ctx, id)
		if err != nil {
			slog.Debug("Skipping unknown explicit context id", "entity_id", id)
			continue
		}
		add(entity, false)
	}
	for _, entityType := range req.ExplicitTypes {
		entities, err := a.graph.QueryEntities(ctx, models.EntityFilters{EntityType: entityType})
		if err != nil {
			return nil, err
		}
		for _, entity := range entities {
			add(entity, false)
		}
	}
	if req.Query != "" {
		hits, err := a.graph.SemanticSearch(ctx, req.Query, semanticCandidates)
		if err != nil {
			return nil, err
		}
		for _, hit := range hits {
			add(hit.Entity, true)
		}
	}
	return candidates, nil
}

// renderBlock formats one entity: a name/type header, one line per
// attribute in key order, and optionally a line of neighbour names.
func (a *Assembler) renderBlock(ctx context.Context, entity *models.Entity, includeRelationships bool) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "## %s (%s)\n", entity.Name, entity.EntityType)

	keys := make([]string, 0, len(entity.Attributes))
	for k := range entity.Attributes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		value := formatValue(entity.Attributes[k])
		if len(value) > maxAttributeChars && utf8.RuneCountInString(value) > maxAttributeChars {
			value = truncateRunes(value, maxAttributeChars) + "..."
		}
		fmt.Fprintf(&b, "%s: %s\n", k, value)
	}

	if includeRelationships {
		neighbors, err := a.graph.GetNeighbors(ctx, entity.ID, "")
		if err != nil {
			return "", err
		}
		if len(neighbors) > 0 {
			names := make([]string, 0, maxNeighbors)
			for _, n := range neighbors {
				names = append(names, n.Name)
				if len(names) == maxNeighbors {
					break
				}
			}
			fmt.Fprintf(&b, "related: %s\n", strings.Join(names, ", "))
		}
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func formatValue(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", val)
	}
}

// lexicalScore is the fraction of query words present in the block.
func lexicalScore(queryWords []string, block string) float64 {
	if len(queryWords) == 0 {
		return 0
	}
	lower := strings.ToLower(block)
	matched := 0
	for _, word := range queryWords {
		if strings.Contains(lower, word) {
			matched++
		}
	}
	return float64(matched) / float64(len(queryWords))
}

func tokenizeQuery(query string) []string {
	return strings.Fields(strings.ToLower(query))
}

func preview(block string) string {
	return truncateRunes(block, previewChars)
}

// truncateRunes cuts s after limit characters without splitting a rune.
func truncateRunes(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}
