package main

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorded struct {
	method string
	path   string
	body   map[string]any
}

// fakeDaemon answers with canned envelopes keyed by "METHOD path".
func fakeDaemon(t *testing.T, routes map[string]func(w http.ResponseWriter, r *http.Request)) (*httptest.Server, *[]recorded) {
	t.Helper()
	var calls []recorded
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := recorded{method: r.Method, path: r.URL.RequestURI()}
		if data, _ := io.ReadAll(r.Body); len(data) > 0 {
			assert.NoError(t, json.Unmarshal(data, &rec.body))
		}
		calls = append(calls, rec)
		h, ok := routes[r.Method+" "+r.URL.Path]
		if !ok {
			writeEnvelope(w, http.StatusNotFound, map[string]any{"success": false, "error": "no route", "code": "not_found"})
			return
		}
		h(w, r)
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func writeEnvelope(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func ok(data any) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeEnvelope(w, http.StatusOK, map[string]any{"success": true, "data": data})
	}
}

func runCLI(t *testing.T, server string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(append([]string{"--server", server}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestHealth(t *testing.T) {
	srv, _ := fakeDaemon(t, map[string]func(http.ResponseWriter, *http.Request){
		"GET /health": func(w http.ResponseWriter, _ *http.Request) {
			writeEnvelope(w, http.StatusOK, map[string]string{"status": "ok"})
		},
	})

	out, err := runCLI(t, srv.URL, "health")
	require.NoError(t, err)
	assert.Equal(t, "Status: ok\n", out)
}

func TestCreate_SendsOptions(t *testing.T) {
	srv, calls := fakeDaemon(t, map[string]func(http.ResponseWriter, *http.Request){
		"POST /api/v1/tasks": ok(map[string]any{"id": "t-1", "status": "active"}),
	})

	out, err := runCLI(t, srv.URL, "create", "todo app",
		"--type", "backend", "--user", "u-1", "--prompt", "an api",
		"--keep-alive", "--no-report", "--max-time", "2m")
	require.NoError(t, err)
	assert.Contains(t, out, `"id": "t-1"`)

	require.Len(t, *calls, 1)
	body := (*calls)[0].body
	assert.Equal(t, "todo app", body["name"])
	assert.Equal(t, "backend", body["projectType"])
	assert.Equal(t, "u-1", body["userId"])
	assert.Equal(t, "an api", body["initialPrompt"])
	opts := body["options"].(map[string]any)
	assert.Equal(t, true, opts["keepAlive"])
	assert.Equal(t, false, opts["generateReport"])
	assert.Equal(t, float64(120000), opts["maxExecutionTime"])
	assert.NotContains(t, opts, "autoRunTests")
}

func TestCreate_WithoutOptionFlagsOmitsOptions(t *testing.T) {
	srv, calls := fakeDaemon(t, map[string]func(http.ResponseWriter, *http.Request){
		"POST /api/v1/tasks": ok(map[string]any{"id": "t-1"}),
	})

	_, err := runCLI(t, srv.URL, "create", "x", "--user", "u")
	require.NoError(t, err)
	assert.NotContains(t, (*calls)[0].body, "options")
}

func TestTaskCommands_Routes(t *testing.T) {
	tests := []struct {
		args   []string
		method string
		path   string
	}{
		{[]string{"status", "t-1"}, http.MethodGet, "/api/v1/tasks/t-1"},
		{[]string{"summary", "t-1"}, http.MethodGet, "/api/v1/tasks/t-1/summary"},
		{[]string{"pause", "t-1"}, http.MethodPost, "/api/v1/tasks/t-1/pause"},
		{[]string{"resume", "t-1"}, http.MethodPost, "/api/v1/tasks/t-1/resume"},
		{[]string{"complete", "t-1"}, http.MethodPost, "/api/v1/tasks/t-1/complete"},
		{[]string{"delete", "t-1"}, http.MethodDelete, "/api/v1/tasks/t-1"},
		{[]string{"execute", "t-1"}, http.MethodPost, "/api/v1/tasks/t-1/execute"},
		{[]string{"execute", "t-1", "--wait"}, http.MethodPost, "/api/v1/tasks/t-1/execute?wait=true"},
		{[]string{"list", "--user", "u-1"}, http.MethodGet, "/api/v1/tasks?user_id=u-1"},
		{[]string{"stats"}, http.MethodGet, "/api/v1/tasks/stats"},
		{[]string{"cleanup"}, http.MethodPost, "/api/v1/tasks/cleanup"},
	}
	for _, tt := range tests {
		t.Run(tt.args[0], func(t *testing.T) {
			var got recorded
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				got = recorded{method: r.Method, path: r.URL.RequestURI()}
				writeEnvelope(w, http.StatusOK, map[string]any{"success": true, "data": map[string]int{"n": 1}})
			}))
			defer srv.Close()

			out, err := runCLI(t, srv.URL, tt.args...)
			require.NoError(t, err)
			assert.Equal(t, tt.method, got.method)
			assert.Equal(t, tt.path, got.path)
			assert.Contains(t, out, `"n": 1`)
		})
	}
}

func TestFailedResult_ReturnsAPIError(t *testing.T) {
	srv, _ := fakeDaemon(t, nil)

	_, err := runCLI(t, srv.URL, "status", "missing")
	require.Error(t, err)
	var apiErr *apiError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
	assert.Equal(t, "not_found", apiErr.Code)
	assert.Equal(t, "no route (not_found, HTTP 404)", apiErr.Error())
}

func TestAskAndModify(t *testing.T) {
	srv, calls := fakeDaemon(t, map[string]func(http.ResponseWriter, *http.Request){
		"POST /api/v1/tasks/t-1/interact": func(w http.ResponseWriter, r *http.Request) {
			writeEnvelope(w, http.StatusOK, map[string]any{"success": true, "data": map[string]any{
				"kind": "modification", "message": "Queued", "modificationId": "m-1",
			}})
		},
	})

	out, err := runCLI(t, srv.URL, "modify", "t-1", "add dark mode", "--type", "add_feature", "--priority", "high", "--user", "u")
	require.NoError(t, err)
	assert.Equal(t, "Queued\nModification: m-1\n", out)
	body := (*calls)[0].body
	assert.Equal(t, "add_feature", body["type"])
	assert.Equal(t, "high", body["priority"])
	assert.Equal(t, "add dark mode", body["description"])

	_, err = runCLI(t, srv.URL, "ask", "t-1", "how far along?", "--user", "u")
	require.NoError(t, err)
	assert.Equal(t, "how far along?", (*calls)[1].body["question"])
	assert.NotContains(t, (*calls)[1].body, "type")
}

func TestDownload_SavesArchive(t *testing.T) {
	srv, calls := fakeDaemon(t, map[string]func(http.ResponseWriter, *http.Request){
		"POST /api/v1/tasks/t-1/interact": ok(map[string]any{
			"kind":     "download",
			"message":  "Download ready",
			"download": map[string]any{"id": "d-1", "status": "ready", "format": "zip"},
		}),
		"GET /api/v1/tasks/t-1/downloads/d-1": func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/zip")
			w.Header().Set("Content-Disposition", `attachment; filename="todo-app.zip"`)
			_, _ = w.Write([]byte("PK-archive"))
		},
	})
	dir := t.TempDir()

	out, err := runCLI(t, srv.URL, "download", "t-1", "--dir", dir, "--user", "u")
	require.NoError(t, err)
	assert.Contains(t, out, "Download ready")

	data, err := os.ReadFile(filepath.Join(dir, "todo-app.zip"))
	require.NoError(t, err)
	assert.Equal(t, "PK-archive", string(data))
	assert.Equal(t, "zip", (*calls)[0].body["format"])
}

func TestDownload_NotReady(t *testing.T) {
	srv, _ := fakeDaemon(t, map[string]func(http.ResponseWriter, *http.Request){
		"POST /api/v1/tasks/t-1/interact": ok(map[string]any{
			"kind":     "download",
			"message":  "Packaging failed",
			"download": map[string]any{"id": "d-1", "status": "pending"},
		}),
	})

	_, err := runCLI(t, srv.URL, "download", "t-1", "--dir", t.TempDir())
	assert.ErrorContains(t, err, "not ready")
}

func TestDownload_FolderPrintsPath(t *testing.T) {
	srv, calls := fakeDaemon(t, map[string]func(http.ResponseWriter, *http.Request){
		"POST /api/v1/tasks/t-1/interact": ok(map[string]any{
			"kind":     "download",
			"message":  "Project ready",
			"download": map[string]any{"id": "d-1", "status": "ready", "path": "/data/downloads/d-1"},
		}),
	})

	out, err := runCLI(t, srv.URL, "download", "t-1", "--format", "folder")
	require.NoError(t, err)
	assert.Contains(t, out, "/data/downloads/d-1")
	assert.Len(t, *calls, 1)
}

func TestEvents_PrintsDataLines(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "t-1", r.URL.Query().Get("task_id"))
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, ": ping\n\n")
		_, _ = io.WriteString(w, "event: task_progress\ndata: {\"progress\":40}\n\n")
		_, _ = io.WriteString(w, "event: task_completed\ndata: {\"progress\":100}\n\n")
	}))
	defer srv.Close()

	out, err := runCLI(t, srv.URL, "events", "--task", "t-1")
	require.NoError(t, err)
	assert.Equal(t, "{\"progress\":40}\n{\"progress\":100}\n", out)
}

func TestCreate_DefaultsUser(t *testing.T) {
	srv, calls := fakeDaemon(t, map[string]func(http.ResponseWriter, *http.Request){
		"POST /api/v1/tasks": ok(map[string]any{"id": "t-1"}),
	})

	_, err := runCLI(t, srv.URL, "create", "x")
	require.NoError(t, err)
	assert.NotEmpty(t, (*calls)[0].body["userId"])
}
