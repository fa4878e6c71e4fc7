// Package publisher forwards pipeline events to NATS.
package publisher

import (
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/blockedby/tg-relay/internal/events"
	"github.com/blockedby/tg-relay/internal/logger"
)

// SubjectPrefix is prepended to the event type.
const SubjectPrefix = "relay.events."

// NATSClient interface to allow mocking
type NATSClient interface {
	Publish(subject string, data []byte) error
}

// NATSPublisher publishes every event on relay.events.<type>.
type NATSPublisher struct {
	js  NATSClient
	log *logger.Logger
}

// NewNATSPublisher creates a new publisher
func NewNATSPublisher(conn *nats.Conn) *NATSPublisher {
	return &NATSPublisher{js: conn, log: logger.For("publisher")}
}

// Subject returns the subject an event is published on.
func Subject(t events.Type) string {
	return SubjectPrefix + string(t)
}

// Publish sends one event.
func (p *NATSPublisher) Publish(e events.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := p.js.Publish(Subject(e.Type), data); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// Emit implements events.Emitter. Failures are logged, never returned:
// a broker outage must not stall a transfer.
func (p *NATSPublisher) Emit(e events.Event) {
	if err := p.Publish(e); err != nil {
		p.log.Warn().Err(err).Str("type", string(e.Type)).Uint64("seq", e.Seq).Msg("event not published")
	}
}
