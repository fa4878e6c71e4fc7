package runner

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/blockedby/tg-relay/internal/config"
	"github.com/blockedby/tg-relay/internal/events"
	"github.com/blockedby/tg-relay/internal/ratelimit"
	"github.com/blockedby/tg-relay/internal/transfer"
)

// errors
var (
	ErrAlreadyRunning = errors.New("a relay run is already in progress")
	ErrRunNotFound    = errors.New("run not found")
)

// Run states.
const (
	StateRunning   = "running"
	StatePaused    = "paused"
	StateCompleted = "completed"
	StateCancelled = "cancelled"
	StateFailed    = "failed"
)

// Executor runs a configuration to completion. runID scopes the temporary
// files of the run.
type Executor interface {
	Execute(ctx context.Context, runID string, rc *config.RunConfig, emit events.Emitter, gate *transfer.Gate) (*Report, error)
}

// Run is one execution of a run configuration.
type Run struct {
	ID        uuid.UUID
	StartedAt time.Time
	Config    *config.RunConfig

	gate   *transfer.Gate
	cancel context.CancelFunc
	done   chan struct{}

	mu       sync.Mutex
	finished time.Time
	report   *Report
	err      error
	canceled bool
}

// Status is a snapshot of a run.
type Status struct {
	ID         string    `json:"id"`
	State      string    `json:"state"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitzero"`
	Pairs      int       `json:"pairs"`
	Report     *Report   `json:"report,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// Done is closed when the run has finished.
func (r *Run) Done() <-chan struct{} {
	return r.done
}

// Status returns a snapshot of the run.
func (r *Run) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := Status{
		ID:         r.ID.String(),
		StartedAt:  r.StartedAt,
		FinishedAt: r.finished,
		Pairs:      len(r.Config.Pairs),
		Report:     r.report,
		State:      StateRunning,
	}
	select {
	case <-r.done:
		switch {
		case r.canceled || errors.Is(r.err, context.Canceled):
			st.State = StateCancelled
		case r.err != nil:
			st.State = StateFailed
		default:
			st.State = StateCompleted
		}
	default:
		if r.gate.Paused() {
			st.State = StatePaused
		}
	}
	if r.err != nil {
		st.Error = r.err.Error()
	}
	return st
}

// Result returns the report and error of a finished run.
func (r *Run) Result() (*Report, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.report, r.err
}

// Manager owns the active run
// ensures only one run at a time
// thread-safe
type Manager struct {
	mu      sync.Mutex
	current *Run
	last    *Run
	exec    Executor
	emit    events.Emitter
}

// NewManager creates a run manager. Events of every run go to emit.
func NewManager(exec Executor, emit events.Emitter) *Manager {
	if emit == nil {
		emit = events.Nop
	}
	return &Manager{exec: exec, emit: emit}
}

// Start launches a run in the background.
// returns ErrAlreadyRunning if a run is in progress
func (m *Manager) Start(rc *config.RunConfig) (*Run, error) {
	if err := rc.Validate(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != nil {
		return nil, ErrAlreadyRunning
	}

	// detached from any request context, stopped only through Cancel
	ctx, cancel := context.WithCancel(context.Background())
	run := &Run{
		ID:        uuid.New(),
		StartedAt: time.Now(),
		Config:    rc,
		gate:      transfer.NewGate(),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	m.current = run

	go m.run(ctx, run)
	return run, nil
}

// Current returns the active run, nil when idle.
func (m *Manager) Current() *Run {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Last returns the most recently finished run.
func (m *Manager) Last() *Run {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

// Get finds the active or last run by id.
func (m *Manager) Get(id string) (*Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range []*Run{m.current, m.last} {
		if r != nil && r.ID.String() == id {
			return r, nil
		}
	}
	return nil, ErrRunNotFound
}

// Cancel stops the active run cooperatively. In-flight calls finish and
// partially transferred groups keep their files.
func (m *Manager) Cancel(id string) error {
	run, err := m.active(id)
	if err != nil {
		return err
	}
	run.mu.Lock()
	run.canceled = true
	run.mu.Unlock()
	run.cancel()
	run.gate.Resume()
	return nil
}

// Pause holds the active run at its next suspension point.
func (m *Manager) Pause(id string) error {
	run, err := m.active(id)
	if err != nil {
		return err
	}
	run.gate.Pause()
	return nil
}

// Resume continues a paused run.
func (m *Manager) Resume(id string) error {
	run, err := m.active(id)
	if err != nil {
		return err
	}
	run.gate.Resume()
	return nil
}

// Wait blocks until the run finishes or ctx is done.
func (m *Manager) Wait(ctx context.Context, run *Run) (*Report, error) {
	select {
	case <-run.done:
		return run.Result()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *Manager) active(id string) (*Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil || m.current.ID.String() != id {
		return nil, ErrRunNotFound
	}
	return m.current, nil
}

// run executes the configuration
// this is called in a goroutine
func (m *Manager) run(ctx context.Context, run *Run) {
	defer run.cancel()

	id := run.ID.String()
	report, err := m.exec.Execute(ctx, id, run.Config, events.WithRun(m.emit, id), run.gate)

	run.mu.Lock()
	run.report = report
	run.err = err
	run.finished = time.Now()
	run.mu.Unlock()

	m.mu.Lock()
	if m.current == run {
		m.current = nil
	}
	m.last = run
	m.mu.Unlock()

	close(run.done)
}

// ReportRateLimits publishes every wait directive the controller receives.
func ReportRateLimits(c *ratelimit.Controller, emit events.Emitter) {
	c.SetObserver(func(wait time.Duration) {
		emit.Emit(events.Event{Type: events.RateLimited, Wait: wait.Seconds()})
	})
}
