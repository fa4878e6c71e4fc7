// Package ratelimit paces outbound Telegram calls and honors FLOOD_WAIT
// directives with an adaptive extra delay shared by the whole process.
package ratelimit

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/blockedby/tg-relay/internal/errs"
	"github.com/blockedby/tg-relay/internal/logger"
)

// Config tunes pacing and the adaptive delay.
type Config struct {
	// request pacing: rps 0 disables the token bucket
	RPS   float64
	Burst int

	// adaptive delay bounds
	MinDelay     time.Duration // floor, also the starting value
	MaxDelay     time.Duration // cap for consecutive-directive escalation
	SevereCap    time.Duration // cap for severe-directive escalation
	MilestoneCap time.Duration // cap for milestone escalation

	ConsecutiveWindow time.Duration // two directives closer than this are consecutive
	SevereThreshold   time.Duration // a single directive above this is severe
	MilestoneEvery    int           // every n-th directive escalates
	JitterFactor      float64       // jitter in [0, delay*factor)
	DecayAfter        time.Duration // quiet period after which the delay resets
}

// DefaultConfig returns conservative settings for a user account.
func DefaultConfig() Config {
	return Config{
		RPS:               2.0,
		Burst:             1,
		MinDelay:          time.Second,
		MaxDelay:          60 * time.Second,
		SevereCap:         30 * time.Second,
		MilestoneCap:      15 * time.Second,
		ConsecutiveWindow: 60 * time.Second,
		SevereThreshold:   60 * time.Second,
		MilestoneEvery:    10,
		JitterFactor:      0.3,
		DecayAfter:        10 * time.Minute,
	}
}

// State is a snapshot of the controller.
type State struct {
	LastWait    time.Duration `json:"last_wait"`
	LastAt      time.Time     `json:"last_at"`
	Consecutive int           `json:"consecutive"`
	Delay       time.Duration `json:"delay"`
	Count       int           `json:"count"`
	Waiting     bool          `json:"waiting"`
}

// Observer is notified of every directive before the controller sleeps.
type Observer func(wait time.Duration)

// Controller serializes FLOOD_WAIT handling for every caller.
type Controller struct {
	cfg     Config
	limiter *rate.Limiter

	// guards state and observer
	mu       sync.Mutex
	state    State
	observer Observer

	// held while a directive sleep is in progress
	gate chan struct{}

	sleep  func(ctx context.Context, d time.Duration) error
	now    func() time.Time
	jitter func(max time.Duration) time.Duration
	log    *logger.Logger
}

// Option customizes a controller.
type Option func(*Controller)

// WithClock replaces the clock and the sleep function, used by tests.
func WithClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Controller) {
		c.now = now
		c.sleep = sleep
	}
}

// WithJitter replaces the jitter source.
func WithJitter(fn func(max time.Duration) time.Duration) Option {
	return func(c *Controller) { c.jitter = fn }
}

// WithLogger sets the logger.
func WithLogger(l *logger.Logger) Option {
	return func(c *Controller) { c.log = l }
}

// New creates a controller.
func New(cfg Config, opts ...Option) *Controller {
	if cfg.MinDelay <= 0 {
		cfg.MinDelay = time.Second
	}
	if cfg.MaxDelay < cfg.MinDelay {
		cfg.MaxDelay = cfg.MinDelay
	}
	if cfg.SevereCap <= 0 || cfg.SevereCap > cfg.MaxDelay {
		cfg.SevereCap = cfg.MaxDelay
	}
	if cfg.MilestoneCap <= 0 || cfg.MilestoneCap > cfg.SevereCap {
		cfg.MilestoneCap = cfg.SevereCap
	}

	c := &Controller{
		cfg:    cfg,
		gate:   make(chan struct{}, 1),
		sleep:  sleepContext,
		now:    time.Now,
		jitter: randomJitter,
		log:    logger.For("ratelimit"),
	}
	if cfg.RPS > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RPS), burst)
	}
	c.state.Delay = cfg.MinDelay

	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Default returns a controller with DefaultConfig.
func Default() *Controller {
	return New(DefaultConfig())
}

// SetObserver registers the directive observer.
func (c *Controller) SetObserver(fn Observer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observer = fn
}

// State returns a copy of the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Wait blocks while a directive is being honored, then until the pacing
// limiter allows the next request.
func (c *Controller) Wait(ctx context.Context) error {
	select {
	case c.gate <- struct{}{}:
		<-c.gate
	case <-ctx.Done():
		return ctx.Err()
	}

	if c.limiter != nil {
		return c.limiter.Wait(ctx)
	}
	return ctx.Err()
}

// Report honors a "wait N seconds" directive. It escalates the adaptive
// delay, then sleeps the remainder of the directive plus the extra delay.
// Concurrent reports serialize; a directive already covered by an earlier
// sleep only waits for its own remainder.
func (c *Controller) Report(ctx context.Context, wait time.Duration) error {
	if wait < 0 {
		wait = 0
	}
	received := c.now()
	deadline := received.Add(wait)
	extra, observer := c.escalate(received, wait)

	if observer != nil {
		observer(wait)
	}

	select {
	case c.gate <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-c.gate }()

	remaining := deadline.Sub(c.now())
	if remaining < 0 {
		remaining = 0
	}

	c.setWaiting(true)
	defer c.setWaiting(false)

	total := remaining + extra
	c.log.Warn().
		Float64("wait_seconds", wait.Seconds()).
		Dur("sleep", total).
		Msg("flood wait: pausing outbound calls")

	return c.sleep(ctx, total)
}

// Do runs fn, honoring every directive it returns and retrying it until it
// returns something else. Directives never count as failures.
func (c *Controller) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	for {
		if err := c.Wait(ctx); err != nil {
			return err
		}
		err := fn(ctx)
		wait, ok := errs.RetryAfter(err)
		if !ok {
			return err
		}
		if err := c.Report(ctx, wait); err != nil {
			return err
		}
	}
}

// escalate records a directive and returns the extra delay to add to it.
func (c *Controller) escalate(at time.Time, wait time.Duration) (time.Duration, Observer) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := &c.state
	if s.Count > 0 && c.cfg.DecayAfter > 0 && at.Sub(s.LastAt) > c.cfg.DecayAfter {
		s.Delay = c.cfg.MinDelay
		s.Consecutive = 0
	}

	if s.Count > 0 && at.Sub(s.LastAt) < c.cfg.ConsecutiveWindow {
		s.Consecutive++
		s.Delay = grow(s.Delay, 2.0, c.cfg.MaxDelay)
	} else {
		s.Consecutive = 0
	}

	if c.cfg.SevereThreshold > 0 && wait > c.cfg.SevereThreshold {
		s.Delay = grow(s.Delay, 1.5, c.cfg.SevereCap)
	}

	s.Count++
	if c.cfg.MilestoneEvery > 0 && s.Count%c.cfg.MilestoneEvery == 0 {
		s.Delay = grow(s.Delay, 1.2, c.cfg.MilestoneCap)
	}

	s.LastWait = wait
	s.LastAt = at

	extra := s.Delay
	if c.cfg.JitterFactor > 0 {
		extra += c.jitter(time.Duration(float64(s.Delay) * c.cfg.JitterFactor))
	}
	return extra, c.observer
}

func (c *Controller) setWaiting(v bool) {
	c.mu.Lock()
	c.state.Waiting = v
	c.mu.Unlock()
}

// grow multiplies d by factor, capped, and never lowers it.
func grow(d time.Duration, factor float64, limit time.Duration) time.Duration {
	next := time.Duration(float64(d) * factor)
	if next > limit {
		next = limit
	}
	if next < d {
		return d
	}
	return next
}

func randomJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(max)))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
