package handlers

import (
	"net/http"
	"strconv"
)

// HistoryHandler exposes the transfer ledger read-only.
type HistoryHandler struct {
	repo HistoryRepository
}

// NewHistoryHandler creates a new HistoryHandler.
func NewHistoryHandler(repo HistoryRepository) *HistoryHandler {
	return &HistoryHandler{repo: repo}
}

// Forwards handles GET /api/v1/history/forwards?source=<id>. Without a
// source every channel is listed.
func (h *HistoryHandler) Forwards(w http.ResponseWriter, r *http.Request) {
	source, ok := channelParam(w, r, "source")
	if !ok {
		return
	}
	records, err := h.repo.ListForwards(r.Context(), source)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"source": source, "records": records, "total": len(records)})
}

// Stats handles GET /api/v1/history/stats
func (h *HistoryHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.repo.Stats(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

// Uploads handles GET /api/v1/history/uploads?hash=<sha256>
func (h *HistoryHandler) Uploads(w http.ResponseWriter, r *http.Request) {
	hash := r.URL.Query().Get("hash")
	records, err := h.repo.ListUploads(r.Context(), hash)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"hash": hash, "records": records, "total": len(records)})
}

// Downloads handles GET /api/v1/history/downloads?channel=<id>
func (h *HistoryHandler) Downloads(w http.ResponseWriter, r *http.Request) {
	channel, ok := channelParam(w, r, "channel")
	if !ok {
		return
	}
	records, err := h.repo.ListDownloads(r.Context(), channel)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"channel": channel, "records": records, "total": len(records)})
}

func channelParam(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, true
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		respondError(w, http.StatusBadRequest, "invalid "+name+" id")
		return 0, false
	}
	return id, true
}
