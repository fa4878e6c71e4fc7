// Package events carries pipeline progress to observers: loggers, the
// websocket hub, metrics and NATS.
package events

import (
	"sync"
	"time"
)

// Type names an event.
type Type string

// Event types.
const (
	PairStarted          Type = "pair.started"
	PairSkipped          Type = "pair.skipped"
	UnitFound            Type = "unit.found"
	DownloadStarted      Type = "download.started"
	DownloadDone         Type = "download.done"
	DownloadFailed       Type = "download.failed"
	GroupStaged          Type = "group.staged"
	UploadDone           Type = "upload.done"
	UploadFailed         Type = "upload.failed"
	GroupUploaded        Type = "group.uploaded"
	DestinationSatisfied Type = "destination.satisfied"
	RateLimited          Type = "rate.limited"
	RunComplete          Type = "run.complete"
)

// Event is one progress notification.
type Event struct {
	Seq        uint64    `json:"seq"`
	Type       Type      `json:"type"`
	RunID      string    `json:"run_id,omitempty"`
	Time       time.Time `json:"time"`
	Source     int64     `json:"source,omitempty"`
	Dest       int64     `json:"dest,omitempty"`
	Group      string    `json:"group,omitempty"`
	MessageIDs []int     `json:"message_ids,omitempty"`
	Bytes      int64     `json:"bytes,omitempty"`
	Wait       float64   `json:"wait_seconds,omitempty"`
	Error      string    `json:"error,omitempty"`
	Summary    any       `json:"summary,omitempty"`
}

// Emitter accepts events.
type Emitter interface {
	Emit(e Event)
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(e Event)

// Emit calls f(e).
func (f EmitterFunc) Emit(e Event) { f(e) }

// Nop discards events.
var Nop Emitter = EmitterFunc(func(Event) {})

// WithRun stamps every event with a run id before passing it on.
func WithRun(next Emitter, runID string) Emitter {
	return EmitterFunc(func(e Event) {
		e.RunID = runID
		next.Emit(e)
	})
}

// Bus fans events out to subscribers. Every subscriber has its own unbounded
// queue drained by one goroutine, so a slow subscriber never blocks the
// pipeline and sees events in publish order.
type Bus struct {
	mu     sync.Mutex
	seq    uint64
	subs   map[int]*subscriber
	nextID int
	closed bool
	now    func() time.Time
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]*subscriber), now: time.Now}
}

// Subscribe registers fn and returns a function that unsubscribes it after
// its queue is drained.
func (b *Bus) Subscribe(fn func(Event)) (unsubscribe func()) {
	s := newSubscriber(fn)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		s.close()
		return func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = s
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			s.close()
		})
	}
}

// Emit assigns a sequence number and timestamp and queues e for every
// subscriber.
func (b *Bus) Emit(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.seq++
	e.Seq = b.seq
	if e.Time.IsZero() {
		e.Time = b.now()
	}
	for _, s := range b.subs {
		s.push(e)
	}
}

// Close drains and stops every subscriber.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = map[int]*subscriber{}
	b.mu.Unlock()

	for _, s := range subs {
		s.close()
	}
}

type subscriber struct {
	fn     func(Event)
	mu     sync.Mutex
	queue  []Event
	wake   chan struct{}
	closed bool
	done   chan struct{}
}

func newSubscriber(fn func(Event)) *subscriber {
	s := &subscriber{
		fn:   fn,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go s.loop()
	return s
}

func (s *subscriber) push(e Event) {
	s.mu.Lock()
	s.queue = append(s.queue, e)
	s.mu.Unlock()
	s.signal()
}

func (s *subscriber) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// close stops the loop after the queued events are delivered.
func (s *subscriber) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.signal()
	<-s.done
}

func (s *subscriber) loop() {
	defer close(s.done)
	for {
		s.mu.Lock()
		batch := s.queue
		s.queue = nil
		closed := s.closed
		s.mu.Unlock()

		for _, e := range batch {
			s.fn(e)
		}
		if len(batch) > 0 {
			continue
		}
		if closed {
			return
		}
		<-s.wake
	}
}
