package e2e

import (
	"bytes"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// doEntityRequest is a raw variant of doJSON for the ETag/If-Match flows the
// shared helpers don't expose headers for.
func (a *TestApp) doEntityRequest(method, path string, body map[string]any, ifMatch string) (*http.Response, map[string]any) {
	a.t.Helper()

	var payload bytes.Buffer
	if body != nil {
		require.NoError(a.t, json.NewEncoder(&payload).Encode(body))
	}
	req, err := http.NewRequest(method, a.BaseURL+path, &payload)
	require.NoError(a.t, err)
	req.Header.Set("Content-Type", "application/json")
	if ifMatch != "" {
		req.Header.Set("If-Match", ifMatch)
	}

	resp, err := httpClient.Do(req)
	require.NoError(a.t, err)
	defer resp.Body.Close()

	var decoded map[string]any
	require.NoError(a.t, json.NewDecoder(resp.Body).Decode(&decoded))
	return resp, decoded
}

func TestEntityLifecycle(t *testing.T) {
	app := NewTestApp(t)

	chapter := app.postJSON("/api/v1/entities", map[string]any{
		"entity_type": "chapter",
		"name":        "Act One",
		"attributes":  map[string]any{"summary": "the setup"},
	}, 201)
	chapterID := chapter["id"].(string)
	assert.Equal(t, "chapter/act-one.yaml", chapter["yaml_path"])
	assert.NotEmpty(t, chapter["content_hash"])

	scene := app.postJSON("/api/v1/entities", map[string]any{
		"entity_type": "scene",
		"name":        "Harbor Arrival",
		"parent_id":   chapterID,
		"sort_order":  1,
		"attributes":  map[string]any{"mood": "calm"},
	}, 201)
	sceneID := scene["id"].(string)

	t.Run("entities are persisted as files under the project root", func(t *testing.T) {
		raw, err := os.ReadFile(filepath.Join(app.ProjectRoot, "chapter", "act-one.yaml"))
		require.NoError(t, err)
		assert.Contains(t, string(raw), "Act One")
	})

	t.Run("reads carry the content hash as an ETag", func(t *testing.T) {
		resp, body := app.doEntityRequest(http.MethodGet, "/api/v1/entities/"+sceneID, nil, "")
		require.Equal(t, 200, resp.StatusCode)
		assert.Equal(t, `"`+body["content_hash"].(string)+`"`, resp.Header.Get("ETag"))
	})

	t.Run("children and tree reflect the hierarchy", func(t *testing.T) {
		children := app.getJSON("/api/v1/entities/"+chapterID+"/children", 200)["children"].([]any)
		require.Len(t, children, 1)
		assert.Equal(t, sceneID, children[0].(map[string]any)["id"])

		tree := app.getJSON("/api/v1/tree", 200)["tree"].([]any)
		require.Len(t, tree, 1)
		root := tree[0].(map[string]any)
		assert.Equal(t, chapterID, root["id"])
		branches := root["children"].([]any)
		require.Len(t, branches, 1)
		assert.Equal(t, sceneID, branches[0].(map[string]any)["id"])
	})

	t.Run("a stale If-Match is refused", func(t *testing.T) {
		resp, body := app.doEntityRequest(http.MethodPatch, "/api/v1/entities/"+sceneID,
			map[string]any{"attributes": map[string]any{"mood": "tense"}}, `"stale-hash"`)
		assert.Equal(t, 409, resp.StatusCode)
		assert.Contains(t, body["error"], "modified")
	})

	t.Run("a matching If-Match merges the update", func(t *testing.T) {
		resp, _ := app.doEntityRequest(http.MethodGet, "/api/v1/entities/"+sceneID, nil, "")
		etag := resp.Header.Get("ETag")

		resp, body := app.doEntityRequest(http.MethodPatch, "/api/v1/entities/"+sceneID,
			map[string]any{"attributes": map[string]any{"mood": "tense"}}, etag)
		require.Equal(t, 200, resp.StatusCode)
		attrs := body["attributes"].(map[string]any)
		assert.Equal(t, "tense", attrs["mood"])
		assert.NotEqual(t, etag, `"`+body["content_hash"].(string)+`"`, "the hash moves with the content")
	})

	t.Run("search finds indexed entities", func(t *testing.T) {
		results := app.getJSON("/api/v1/search?q=harbor+arrival&limit=10", 200)["results"].([]any)
		ids := make([]string, 0, len(results))
		for _, raw := range results {
			hit := raw.(map[string]any)["entity"].(map[string]any)
			ids = append(ids, hit["id"].(string))
		}
		assert.Contains(t, ids, sceneID)
	})

	t.Run("delete soft-removes the file", func(t *testing.T) {
		app.deletePath("/api/v1/entities/"+sceneID, 204)
		app.getJSON("/api/v1/entities/"+sceneID, 404)

		_, err := os.Stat(filepath.Join(app.ProjectRoot, "scene", "harbor-arrival.yaml"))
		assert.True(t, os.IsNotExist(err), "the YAML file leaves its canonical path")

		trashed, err := os.ReadDir(filepath.Join(app.ProjectRoot, "scene", ".trash"))
		require.NoError(t, err)
		assert.Len(t, trashed, 1, "the file is recoverable from trash")
	})
}

func TestEntityValidation(t *testing.T) {
	app := NewTestApp(t)

	body := app.postJSON("/api/v1/entities", map[string]any{"entity_type": "character"}, 400)
	assert.Contains(t, body["error"], "Name")

	body = app.postJSON("/api/v1/entities", map[string]any{"name": "Nameless"}, 400)
	assert.Contains(t, body["error"], "EntityType")

	app.getJSON("/api/v1/entities/no-such-id", 404)
}
