package publisher

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockedby/tg-relay/internal/events"
	"github.com/blockedby/tg-relay/internal/logger"
)

// MockNATSClient mocks the nats client operations we need
type MockNATSClient struct {
	PublishedSubject string
	PublishedData    []byte
	PublishError     error
	Calls            int
}

func (m *MockNATSClient) Publish(subject string, data []byte) error {
	m.Calls++
	m.PublishedSubject = subject
	m.PublishedData = data
	return m.PublishError
}

func TestNATSPublisher_Publish(t *testing.T) {
	mock := &MockNATSClient{}
	pub := &NATSPublisher{js: mock, log: logger.Nop()}

	event := events.Event{Seq: 4, Type: events.GroupUploaded, RunID: "run-1", Source: 100, Dest: 200, Group: "g9", MessageIDs: []int{1, 2}}

	err := pub.Publish(event)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if mock.PublishedSubject != "relay.events.group.uploaded" {
		t.Errorf("subject = %s, want relay.events.group.uploaded", mock.PublishedSubject)
	}

	var got events.Event
	require.NoError(t, json.Unmarshal(mock.PublishedData, &got))
	assert.Equal(t, event.RunID, got.RunID)
	assert.Equal(t, event.MessageIDs, got.MessageIDs)
}

func TestNATSPublisher_EmitSwallowsErrors(t *testing.T) {
	mock := &MockNATSClient{PublishError: errors.New("nats: connection closed")}
	pub := &NATSPublisher{js: mock, log: logger.Nop()}

	assert.Error(t, pub.Publish(events.Event{Type: events.RunComplete}))
	assert.NotPanics(t, func() { pub.Emit(events.Event{Type: events.RateLimited, Wait: 3}) })
	assert.Equal(t, 2, mock.Calls)
	assert.Equal(t, "relay.events.rate.limited", mock.PublishedSubject)
}

func TestNATSPublisher_OnBus(t *testing.T) {
	mock := &MockNATSClient{}
	pub := &NATSPublisher{js: mock, log: logger.Nop()}
	bus := events.NewBus()
	unsubscribe := bus.Subscribe(pub.Emit)

	bus.Emit(events.Event{Type: events.UnitFound})
	bus.Emit(events.Event{Type: events.RunComplete})
	unsubscribe()
	bus.Close()

	assert.Equal(t, 2, mock.Calls)
	assert.Equal(t, "relay.events.run.complete", mock.PublishedSubject)
}
