package e2e

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/storyloom/loom/pkg/models"
)

// httpClient is shared across tests; individual calls are bounded well
// below test deadlines.
var httpClient = &http.Client{Timeout: 30 * time.Second}

// doJSON issues one JSON request and decodes the response into a map. A nil
// body sends no payload; empty responses return nil. The expected status is
// asserted with the raw body in the failure message.
func (a *TestApp) doJSON(method, path string, body any, wantStatus int) map[string]any {
	a.t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(a.t, err, "marshal request body")
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, a.BaseURL+path, reader)
	require.NoError(a.t, err, "build %s %s", method, path)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := httpClient.Do(req)
	require.NoError(a.t, err, "%s %s", method, path)
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	require.NoError(a.t, err, "read %s %s response", method, path)
	require.Equal(a.t, wantStatus, resp.StatusCode, "%s %s: %s", method, path, data)

	if len(data) == 0 {
		return nil
	}
	var out map[string]any
	require.NoError(a.t, json.Unmarshal(data, &out), "decode %s %s: %s", method, path, data)
	return out
}

func (a *TestApp) postJSON(path string, body any, wantStatus int) map[string]any {
	a.t.Helper()
	return a.doJSON(http.MethodPost, path, body, wantStatus)
}

func (a *TestApp) getJSON(path string, wantStatus int) map[string]any {
	a.t.Helper()
	return a.doJSON(http.MethodGet, path, nil, wantStatus)
}

func (a *TestApp) deletePath(path string, wantStatus int) {
	a.t.Helper()
	a.doJSON(http.MethodDelete, path, nil, wantStatus)
}

// postStream posts a JSON body and consumes the whole event stream: one
// JSON document per frame, blank-line separated, ending when the server
// closes the response.
func (a *TestApp) postStream(path string, body any) []map[string]any {
	a.t.Helper()

	data, err := json.Marshal(body)
	require.NoError(a.t, err, "marshal request body")
	resp, err := httpClient.Post(a.BaseURL+path, "application/json", bytes.NewReader(data))
	require.NoError(a.t, err, "POST %s", path)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(a.t, err, "read stream")
	require.Equal(a.t, http.StatusOK, resp.StatusCode, "POST %s: %s", path, raw)
	require.Equal(a.t, "text/event-stream", resp.Header.Get("Content-Type"))

	return decodeFrames(a, string(raw))
}

// getStream consumes a GET event stream the same way.
func (a *TestApp) getStream(path string) []map[string]any {
	a.t.Helper()

	resp, err := httpClient.Get(a.BaseURL + path)
	require.NoError(a.t, err, "GET %s", path)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(a.t, err, "read stream")
	require.Equal(a.t, http.StatusOK, resp.StatusCode, "GET %s: %s", path, raw)

	return decodeFrames(a, string(raw))
}

func decodeFrames(a *TestApp, raw string) []map[string]any {
	a.t.Helper()
	var frames []map[string]any
	for _, chunk := range strings.Split(raw, "\n\n") {
		chunk = strings.TrimSpace(chunk)
		if chunk == "" {
			continue
		}
		var frame map[string]any
		require.NoError(a.t, json.Unmarshal([]byte(chunk), &frame), "decode frame %q", chunk)
		frames = append(frames, frame)
	}
	return frames
}

// framesOfType filters chat stream frames by their event_type field.
func framesOfType(frames []map[string]any, eventType string) []map[string]any {
	var out []map[string]any
	for _, f := range frames {
		if f["event_type"] == eventType {
			out = append(out, f)
		}
	}
	return out
}

// joinTokens concatenates the text of every token frame, reconstructing the
// assistant reply as the client would.
func joinTokens(frames []map[string]any) string {
	var b strings.Builder
	for _, f := range framesOfType(frames, "token") {
		data, _ := f["data"].(map[string]any)
		text, _ := data["text"].(string)
		b.WriteString(text)
	}
	return b.String()
}

// payloadOf extracts the payload map from a run snapshot.
func payloadOf(a *TestApp, snap map[string]any) map[string]any {
	a.t.Helper()
	p, ok := snap["payload"].(map[string]any)
	require.True(a.t, ok, "snapshot payload shape: %v", snap["payload"])
	return p
}

// stringList coerces a decoded JSON array into its string elements.
func stringList(v any) []string {
	raw, _ := v.([]any)
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// createEntity creates an entity over the API and returns its id.
func (a *TestApp) createEntity(entityType, name string, attrs map[string]any) string {
	a.t.Helper()
	body := a.postJSON("/api/v1/entities", models.CreateEntityRequest{
		EntityType: entityType,
		Name:       name,
		Attributes: attrs,
	}, http.StatusCreated)
	id, _ := body["id"].(string)
	require.NotEmpty(a.t, id, "created entity id")
	return id
}

// savePipeline stores a definition and returns its id.
func (a *TestApp) savePipeline(def models.PipelineDefinition) string {
	a.t.Helper()
	body := a.postJSON("/api/v1/pipelines", def, http.StatusCreated)
	id, _ := body["id"].(string)
	require.NotEmpty(a.t, id, "pipeline id")
	return id
}

// startRun starts a run of the given definition and returns the run id.
func (a *TestApp) startRun(definitionID string, payload map[string]any) string {
	a.t.Helper()
	body := a.postJSON("/api/v1/pipelines/runs", models.StartRunRequest{
		DefinitionID: definitionID,
		Payload:      payload,
	}, http.StatusAccepted)
	id, _ := body["run_id"].(string)
	require.NotEmpty(a.t, id, "run id")
	return id
}

// runSnapshot fetches the live snapshot of a run.
func (a *TestApp) runSnapshot(runID string) map[string]any {
	a.t.Helper()
	return a.getJSON("/api/v1/pipelines/runs/"+runID, http.StatusOK)
}

// waitForRunState polls the run until it reaches the wanted state and
// returns the matching snapshot. Reaching a terminal state other than the
// wanted one fails immediately.
func (a *TestApp) waitForRunState(runID string, want models.RunState) map[string]any {
	a.t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for {
		snap := a.runSnapshot(runID)
		state, _ := snap["current_state"].(string)
		if state == string(want) {
			return snap
		}
		if models.RunState(state).Terminal() {
			require.Failf(a.t, "run reached unexpected terminal state",
				"run %s: want %s, got %s (error=%v)", runID, want, state, snap["error"])
		}
		if time.Now().After(deadline) {
			require.Failf(a.t, "timed out waiting for run state",
				"run %s: want %s, last %s", runID, want, state)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// resumeRun releases a paused run with a payload patch.
func (a *TestApp) resumeRun(runID string, patch map[string]any) {
	a.t.Helper()
	a.postJSON("/api/v1/pipelines/runs/"+runID+"/resume",
		models.ResumeRunRequest{Patch: patch}, http.StatusAccepted)
}

// createChatSession creates a session and returns its id. Sessions default
// to the ask autonomy level, which gates mutating tools behind approval.
func (a *TestApp) createChatSession(name string) string {
	a.t.Helper()
	body := a.postJSON("/api/v1/chat/sessions", models.CreateSessionRequest{
		Name:      name,
		ProjectID: a.Config.Project.ID,
	}, http.StatusCreated)
	id, _ := body["id"].(string)
	require.NotEmpty(a.t, id, "session id")
	return id
}

// sendMessage posts one user turn and returns the full event stream.
func (a *TestApp) sendMessage(sessionID, content string) []map[string]any {
	a.t.Helper()
	return a.postStream("/api/v1/chat/sessions/"+sessionID+"/messages",
		models.SendMessageRequest{Content: content})
}

// listMessages returns the session transcript in insertion order.
func (a *TestApp) listMessages(sessionID string) []map[string]any {
	a.t.Helper()
	body := a.getJSON("/api/v1/chat/sessions/"+sessionID+"/messages", http.StatusOK)
	rawList, _ := body["messages"].([]any)
	out := make([]map[string]any, 0, len(rawList))
	for _, raw := range rawList {
		msg, ok := raw.(map[string]any)
		require.True(a.t, ok, "message shape: %v", raw)
		out = append(out, msg)
	}
	return out
}
