package events

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockedby/tg-relay/internal/logger"
)

func TestBus_OrderedDelivery(t *testing.T) {
	bus := NewBus()

	var mu sync.Mutex
	var got []uint64
	unsub := bus.Subscribe(func(e Event) {
		mu.Lock()
		got = append(got, e.Seq)
		mu.Unlock()
	})

	for i := 0; i < 100; i++ {
		bus.Emit(Event{Type: UnitFound})
	}
	unsub()

	require.Len(t, got, 100)
	for i, seq := range got {
		assert.Equal(t, uint64(i+1), seq)
	}
}

func TestBus_SlowSubscriberDoesNotBlock(t *testing.T) {
	bus := NewBus()
	release := make(chan struct{})

	var count int
	unsub := bus.Subscribe(func(e Event) {
		<-release
		count++
	})

	done := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			bus.Emit(Event{Type: DownloadDone})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("emit blocked on slow subscriber")
	}

	close(release)
	unsub()
	assert.Equal(t, 50, count)
}

func TestBus_MultipleSubscribers(t *testing.T) {
	bus := NewBus()
	var a, b []Type
	unsubA := bus.Subscribe(func(e Event) { a = append(a, e.Type) })
	unsubB := bus.Subscribe(func(e Event) { b = append(b, e.Type) })

	bus.Emit(Event{Type: UnitFound})
	bus.Emit(Event{Type: RunComplete})
	bus.Close()
	unsubA()
	unsubB()

	want := []Type{UnitFound, RunComplete}
	assert.Equal(t, want, a)
	assert.Equal(t, want, b)
}

func TestBus_EmitAfterClose(t *testing.T) {
	bus := NewBus()
	var n int
	unsub := bus.Subscribe(func(Event) { n++ })
	bus.Close()
	bus.Emit(Event{Type: UnitFound})
	unsub()
	assert.Equal(t, 0, n)
}

func TestWithRun(t *testing.T) {
	var got Event
	em := WithRun(EmitterFunc(func(e Event) { got = e }), "run-1")
	em.Emit(Event{Type: UnitFound})
	assert.Equal(t, "run-1", got.RunID)
}

func TestLogSink(t *testing.T) {
	var buf bytes.Buffer
	l, err := logger.New(logger.Options{Level: "debug", JSON: true, Output: &buf})
	require.NoError(t, err)

	LogSink(l)(Event{Seq: 3, Type: UploadFailed, Dest: 7, Group: "g1", Error: "boom"})

	out := buf.String()
	assert.Contains(t, out, `"message":"upload.failed"`)
	assert.Contains(t, out, `"dest":7`)
	assert.Contains(t, out, `"error":"boom"`)
	assert.Contains(t, out, `"level":"warn"`)
}
