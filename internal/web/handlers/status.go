package handlers

import (
	"net/http"

	"github.com/blockedby/tg-relay/internal/telegram"
)

// StatusHandler reports whether the telegram session is usable.
type StatusHandler struct {
	client TelegramClient
}

// NewStatusHandler creates a new StatusHandler
func NewStatusHandler(client TelegramClient) *StatusHandler {
	return &StatusHandler{client: client}
}

// GetStatus returns the current Telegram client status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, _ *http.Request) {
	status := h.client.GetStatus()
	respondJSON(w, http.StatusOK, map[string]any{
		"status":   string(status),
		"is_ready": status == telegram.StatusReady,
	})
}
