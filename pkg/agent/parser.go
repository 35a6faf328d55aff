package agent

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// ParsedResponse is the structured form of one model turn. Exactly one of
// HasAction / IsFinal is set: a turn either calls a tool or concludes.
type ParsedResponse struct {
	HasAction bool
	Tool      string
	Argument  string

	IsFinal     bool
	FinalAnswer string
}

var (
	// Action: ToolName("argument") — single quotes and empty parens accepted.
	actionPattern = regexp.MustCompile(`(?m)^\s*Action:\s*([A-Za-z_][\w.-]*)\s*\(\s*(?:"([^"]*)"|'([^']*)')?\s*\)`)

	fencedPattern = regexp.MustCompile("(?s)\x60\x60\x60(?:json)?\\s*(.*?)\x60\x60\x60")
)

const finalAnswerMarker = "Final Answer:"

// ParseResponse parses a model turn. An Action line wins over a Final
// Answer; a turn with neither is treated as the final answer verbatim.
func ParseResponse(text string) *ParsedResponse {
	if m := actionPattern.FindStringSubmatch(text); m != nil {
		arg := m[2]
		if arg == "" {
			arg = m[3]
		}
		return &ParsedResponse{HasAction: true, Tool: m[1], Argument: arg}
	}

	if idx := strings.Index(text, finalAnswerMarker); idx >= 0 {
		return &ParsedResponse{
			IsFinal:     true,
			FinalAnswer: strings.TrimSpace(text[idx+len(finalAnswerMarker):]),
		}
	}

	return &ParsedResponse{IsFinal: true, FinalAnswer: strings.TrimSpace(text)}
}

// ExtractJSONActions collects structured actions from a response: every
// fenced JSON object or array, or bare JSON when nothing is fenced.
func ExtractJSONActions(text string) []map[string]any {
	var out []map[string]any
	for _, candidate := range jsonCandidates(text) {
		var obj map[string]any
		if err := json.Unmarshal([]byte(candidate), &obj); err == nil {
			out = append(out, obj)
			continue
		}
		var arr []map[string]any
		if err := json.Unmarshal([]byte(candidate), &arr); err == nil {
			out = append(out, arr...)
		}
	}
	return out
}

// ExtractJSONObject parses the first JSON object found in a response,
// tolerating code fences and surrounding prose.
func ExtractJSONObject(text string) (map[string]any, error) {
	for _, candidate := range jsonCandidates(text) {
		var obj map[string]any
		if err := json.Unmarshal([]byte(candidate), &obj); err == nil {
			return obj, nil
		}
	}
	return nil, fmt.Errorf("no JSON object found in response")
}

// jsonCandidates lists substrings that may hold JSON: fenced blocks when
// present, otherwise the bare text, otherwise the outermost brace span.
func jsonCandidates(text string) []string {
	if matches := fencedPattern.FindAllStringSubmatch(text, -1); len(matches) > 0 {
		out := make([]string, 0, len(matches))
		for _, m := range matches {
			if c := strings.TrimSpace(m[1]); c != "" {
				out = append(out, c)
			}
		}
		if len(out) > 0 {
			return out
		}
	}

	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil
	}
	if trimmed[0] == '{' || trimmed[0] == '[' {
		return []string{trimmed}
	}

	if start := strings.Index(text, "{"); start >= 0 {
		if end := strings.LastIndex(text, "}"); end > start {
			return []string{strings.TrimSpace(text[start : end+1])}
		}
	}
	return nil
}

// FormatObservation wraps a tool result as the observation message fed back
// to the model.
func FormatObservation(content string) string {
	return "Observation: " + content
}

// FormatToolErrorObservation converts a tool failure into an observation so
// the model can recover instead of the loop dying.
func FormatToolErrorObservation(toolName string, err error) string {
	return fmt.Sprintf("Observation: Error executing %s: %s", toolName, err.Error())
}

// FormatUnknownToolObservation tells the model a tool name was not
// recognised, listing what is available so it can self-correct.
func FormatUnknownToolObservation(toolName string, available []Tool) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Observation: Error - unknown tool %q.", toolName)
	if len(available) == 0 {
		sb.WriteString("\n\nNo tools are currently available.")
		return sb.String()
	}
	sb.WriteString("\n\nAvailable tools:\n")
	for _, tool := range available {
		fmt.Fprintf(&sb, "  - %s: %s\n", tool.Name, tool.Description)
	}
	return strings.TrimRight(sb.String(), "\n")
}
