package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockedby/tg-relay/internal/config"
	"github.com/blockedby/tg-relay/internal/events"
	"github.com/blockedby/tg-relay/internal/runner"
	"github.com/blockedby/tg-relay/internal/transfer"
	"github.com/blockedby/tg-relay/internal/web"
)

var (
	_ web.RunsHandler    = (*RunsHandler)(nil)
	_ web.HistoryHandler = (*HistoryHandler)(nil)
	_ web.StatusHandler  = (*StatusHandler)(nil)
	_ RunManager         = (*runner.Manager)(nil)
)

// blockingExecutor runs until its context is cancelled.
type blockingExecutor struct{}

func (blockingExecutor) Execute(ctx context.Context, _ string, _ *config.RunConfig, _ events.Emitter, _ *transfer.Gate) (*runner.Report, error) {
	<-ctx.Done()
	return &runner.Report{}, ctx.Err()
}

const runYAML = `
pairs:
  - source: "@src"
    targets: ["@dst"]
`

func newRunsRouter(m RunManager) http.Handler {
	h := NewRunsHandler(m)
	r := chi.NewRouter()
	r.Post("/api/v1/runs", h.Start)
	r.Get("/api/v1/runs/current", h.Current)
	r.Get("/api/v1/runs/{id}", h.Get)
	r.Post("/api/v1/runs/{id}/pause", h.Pause)
	r.Post("/api/v1/runs/{id}/resume", h.Resume)
	r.Delete("/api/v1/runs/{id}", h.Cancel)
	return r
}

func do(t *testing.T, h http.Handler, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	var out map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec, out
}

func TestRunsHandler_Lifecycle(t *testing.T) {
	m := runner.NewManager(blockingExecutor{}, nil)
	router := newRunsRouter(m)

	rec, body := do(t, router, http.MethodGet, "/api/v1/runs/current", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "idle", body["state"])

	rec, body = do(t, router, http.MethodPost, "/api/v1/runs", runYAML)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	id, _ := body["id"].(string)
	require.NotEmpty(t, id)
	assert.Equal(t, runner.StateRunning, body["state"])

	rec, _ = do(t, router, http.MethodPost, "/api/v1/runs", runYAML)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec, body = do(t, router, http.MethodPost, "/api/v1/runs/"+id+"/pause", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, runner.StatePaused, body["state"])

	rec, body = do(t, router, http.MethodPost, "/api/v1/runs/"+id+"/resume", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, runner.StateRunning, body["state"])

	rec, body = do(t, router, http.MethodGet, "/api/v1/runs/current", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, id, body["id"])

	run := m.Current()
	require.NotNil(t, run)
	rec, _ = do(t, router, http.MethodDelete, "/api/v1/runs/"+id, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	<-run.Done()

	rec, body = do(t, router, http.MethodGet, "/api/v1/runs/"+id, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, runner.StateCancelled, body["state"])

	rec, body = do(t, router, http.MethodGet, "/api/v1/runs/current", "")
	assert.Equal(t, "idle", body["state"])
	assert.NotNil(t, body["last"])
}

func TestRunsHandler_BadRequests(t *testing.T) {
	router := newRunsRouter(runner.NewManager(blockingExecutor{}, nil))

	tests := []struct {
		name string
		body string
	}{
		{"empty", ""},
		{"not yaml", "pairs: [unterminated"},
		{"no targets", "pairs:\n  - source: \"@src\"\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, body := do(t, router, http.MethodPost, "/api/v1/runs", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.NotEmpty(t, body["error"])
		})
	}
}

func TestRunsHandler_JSONBody(t *testing.T) {
	m := runner.NewManager(blockingExecutor{}, nil)
	router := newRunsRouter(m)

	rec, body := do(t, router, http.MethodPost, "/api/v1/runs", `{"pairs":[{"source":"@src","targets":["@dst"]}]}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.Equal(t, float64(1), body["pairs"])

	run := m.Current()
	require.NotNil(t, run)
	require.NoError(t, m.Cancel(run.ID.String()))
	<-run.Done()
}

func TestRunsHandler_UnknownRun(t *testing.T) {
	router := newRunsRouter(runner.NewManager(blockingExecutor{}, nil))

	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/api/v1/runs/nope"},
		{http.MethodPost, "/api/v1/runs/nope/pause"},
		{http.MethodPost, "/api/v1/runs/nope/resume"},
		{http.MethodDelete, "/api/v1/runs/nope"},
	} {
		rec, _ := do(t, router, tc.method, tc.path, "")
		assert.Equal(t, http.StatusNotFound, rec.Code, tc.method+" "+tc.path)
	}
}
