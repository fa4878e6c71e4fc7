package web

import (
	"encoding/json"

	"github.com/blockedby/tg-relay/internal/events"
)

// WSEvent represents a structured WebSocket message
type WSEvent struct {
	Type    string       `json:"type"`
	Payload events.Event `json:"payload"`
}

// EventMessage encodes a pipeline event for websocket clients.
func EventMessage(e events.Event) ([]byte, error) {
	return json.Marshal(WSEvent{Type: string(e.Type), Payload: e})
}
