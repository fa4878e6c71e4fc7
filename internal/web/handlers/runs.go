package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/blockedby/tg-relay/internal/config"
	"github.com/blockedby/tg-relay/internal/runner"
)

const maxConfigBytes = 1 << 20

// RunsHandler starts and steers relay runs.
type RunsHandler struct {
	manager RunManager
}

// NewRunsHandler creates a new RunsHandler.
func NewRunsHandler(manager RunManager) *RunsHandler {
	return &RunsHandler{manager: manager}
}

// Start handles POST /api/v1/runs. The body is a run configuration in
// yaml or json.
func (h *RunsHandler) Start(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxConfigBytes))
	if err != nil {
		respondError(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}
	rc, err := config.ParseRun(data)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	run, err := h.manager.Start(rc)
	if err != nil {
		if errors.Is(err, runner.ErrAlreadyRunning) {
			respondError(w, http.StatusConflict, err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusAccepted, run.Status())
}

// Current handles GET /api/v1/runs/current. When idle it reports the
// last finished run, if any.
func (h *RunsHandler) Current(w http.ResponseWriter, _ *http.Request) {
	if run := h.manager.Current(); run != nil {
		respondJSON(w, http.StatusOK, run.Status())
		return
	}
	resp := map[string]any{"state": "idle"}
	if last := h.manager.Last(); last != nil {
		resp["last"] = last.Status()
	}
	respondJSON(w, http.StatusOK, resp)
}

// Get handles GET /api/v1/runs/{id}
func (h *RunsHandler) Get(w http.ResponseWriter, r *http.Request) {
	run, err := h.manager.Get(chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, err)
		return
	}
	respondJSON(w, http.StatusOK, run.Status())
}

// Pause handles POST /api/v1/runs/{id}/pause
func (h *RunsHandler) Pause(w http.ResponseWriter, r *http.Request) {
	h.control(w, r, h.manager.Pause)
}

// Resume handles POST /api/v1/runs/{id}/resume
func (h *RunsHandler) Resume(w http.ResponseWriter, r *http.Request) {
	h.control(w, r, h.manager.Resume)
}

// Cancel handles DELETE /api/v1/runs/{id}
func (h *RunsHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	h.control(w, r, h.manager.Cancel)
}

func (h *RunsHandler) control(w http.ResponseWriter, r *http.Request, op func(id string) error) {
	id := chi.URLParam(r, "id")
	if err := op(id); err != nil {
		h.fail(w, err)
		return
	}
	run, err := h.manager.Get(id)
	if err != nil {
		h.fail(w, err)
		return
	}
	respondJSON(w, http.StatusOK, run.Status())
}

func (h *RunsHandler) fail(w http.ResponseWriter, err error) {
	if errors.Is(err, runner.ErrRunNotFound) {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}
	respondError(w, http.StatusInternalServerError, err.Error())
}
