package chat

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/storyloom/loom/pkg/agent"
	"github.com/storyloom/loom/pkg/models"
	"github.com/storyloom/loom/pkg/providers"
)

// Tool names the classifier can produce. CHAT is the default conversational
// path; the rest dispatch to registered tool handlers.
const (
	ToolChat     = "CHAT"
	ToolSearch   = "SEARCH"
	ToolCreate   = "CREATE"
	ToolUpdate   = "UPDATE"
	ToolDelete   = "DELETE"
	ToolNavigate = "NAVIGATE"
	ToolEvaluate = "EVALUATE"
	ToolResearch = "RESEARCH"
	ToolPipeline = "PIPELINE"
)

var knownTools = map[string]bool{
	ToolChat:     true,
	ToolSearch:   true,
	ToolCreate:   true,
	ToolUpdate:   true,
	ToolDelete:   true,
	ToolNavigate: true,
	ToolEvaluate: true,
	ToolResearch: true,
	ToolPipeline: true,
}

// mutatingTools change project state and need sign-off when the session
// runs at the ask autonomy level.
var mutatingTools = map[string]bool{
	ToolCreate:   true,
	ToolUpdate:   true,
	ToolDelete:   true,
	ToolPipeline: true,
}

// Classification is the classifier's verdict for one message. Confidence
// uses a 0–100 scale.
type Classification struct {
	Tool             string         `json:"tool"`
	Confidence       float64        `json:"confidence"`
	Parameters       map[string]any `json:"parameters,omitempty"`
	RequiresApproval bool           `json:"requires_approval"`
}

// Classifier decides which tool a message calls for. Implementations must
// be safe for concurrent use.
type Classifier interface {
	Classify(ctx context.Context, content string, session *models.ChatSession) (Classification, error)
}

// applyAutonomy adjusts the approval flag to the session's autonomy level:
// execute never asks, ask always asks before mutations, suggest trusts the
// classifier.
func applyAutonomy(level int, c Classification) Classification {
	switch level {
	case models.AutonomyExecute:
		c.RequiresApproval = false
	case models.AutonomyAsk:
		if mutatingTools[c.Tool] {
			c.RequiresApproval = true
		}
	}
	return c
}

// ModelClassifier asks a lightweight model for a strict-JSON verdict. It
// never fails a turn: any model or parse problem degrades to CHAT with
// zero confidence, so the conversation continues on the plain path.
type ModelClassifier struct {
	chat  *providers.Registry
	model string
}

// NewModelClassifier creates a classifier calling the given model id
// ("provider/model") through the registry.
func NewModelClassifier(chat *providers.Registry, model string) *ModelClassifier {
	return &ModelClassifier{chat: chat, model: model}
}

// Classify implements Classifier.
func (c *ModelClassifier) Classify(ctx context.Context, content string, session *models.ChatSession) (Classification, error) {
	provider, model, err := c.chat.ChatFor(c.model)
	if err != nil {
		slog.Warn("intent classification unavailable, defaulting to chat", "error", err)
		return Classification{Tool: ToolChat}, nil
	}

	resp, err := provider.Complete(ctx, providers.ChatRequest{
		Model: model,
		Messages: []providers.Message{
			{
				Role: models.RoleSystem,
				Content: "You classify messages sent to a writing assistant. Respond with a JSON object " +
					`{"tool": string, "confidence": number, "parameters": object, "requires_approval": boolean}` +
					" and nothing else. Confidence is 0-100.",
			},
			{
				Role: models.RoleUser,
				Content: fmt.Sprintf("Tools: %s\n\nMessage: %s",
					strings.Join(toolNames(), ", "), content),
			},
		},
		Temperature: 0,
		MaxTokens:   256,
	})
	if err != nil {
		slog.Warn("intent classification call failed, defaulting to chat", "error", err)
		return Classification{Tool: ToolChat}, nil
	}

	verdict, ok := parseClassification(resp.Content)
	if !ok {
		slog.Debug("unparseable classification, defaulting to chat", "response", resp.Content)
		return Classification{Tool: ToolChat}, nil
	}
	return verdict, nil
}

// parseClassification decodes a classifier response, tolerating fences and
// prose around the JSON. Unknown tools reject the verdict.
func parseClassification(text string) (Classification, bool) {
	obj, err := agent.ExtractJSONObject(text)
	if err != nil {
		return Classification{}, false
	}

	verdict := Classification{Tool: ToolChat}
	if s, ok := obj["tool"].(string); ok {
		verdict.Tool = strings.ToUpper(strings.TrimSpace(s))
	}
	if f, ok := obj["confidence"].(float64); ok {
		verdict.Confidence = f
	}
	if p, ok := obj["parameters"].(map[string]any); ok {
		verdict.Parameters = p
	}
	if b, ok := obj["requires_approval"].(bool); ok {
		verdict.RequiresApproval = b
	}

	if !knownTools[verdict.Tool] {
		return Classification{}, false
	}
	return verdict, true
}

func toolNames() []string {
	return []string{ToolChat, ToolSearch, ToolCreate, ToolUpdate, ToolDelete,
		ToolNavigate, ToolEvaluate, ToolResearch, ToolPipeline}
}
