package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockedby/tg-relay/internal/errs"
	"github.com/blockedby/tg-relay/internal/logger"
)

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sleeps = append(f.sleeps, d)
	f.now = f.now.Add(d)
	return ctx.Err()
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func noJitter(time.Duration) time.Duration { return 0 }

func testController(clock *fakeClock) *Controller {
	cfg := DefaultConfig()
	cfg.RPS = 0
	return New(cfg,
		WithClock(clock.Now, clock.Sleep),
		WithJitter(noJitter),
		WithLogger(logger.Nop()),
	)
}

func TestController_WaitImmediate(t *testing.T) {
	c := New(Config{RPS: 10, Burst: 1, MinDelay: time.Millisecond}, WithLogger(logger.Nop()))

	start := time.Now()
	require.NoError(t, c.Wait(context.Background()))
	assert.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestController_WaitPacing(t *testing.T) {
	c := New(Config{RPS: 10, Burst: 1, MinDelay: time.Millisecond}, WithLogger(logger.Nop()))
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, c.Wait(ctx))
	}
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
}

func TestController_WaitContextCanceled(t *testing.T) {
	c := New(Config{RPS: 0.1, Burst: 1, MinDelay: time.Millisecond}, WithLogger(logger.Nop()))
	_ = c.Wait(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.Error(t, c.Wait(ctx))
}

func TestController_EscalatesOnConsecutiveDirectives(t *testing.T) {
	clock := newFakeClock()
	c := testController(clock)
	ctx := context.Background()

	require.NoError(t, c.Report(ctx, 2*time.Second))
	first := c.State().Delay

	require.NoError(t, c.Report(ctx, 2*time.Second))
	require.NoError(t, c.Report(ctx, 2*time.Second))
	third := c.State().Delay

	require.Len(t, clock.sleeps, 3)
	for _, d := range clock.sleeps {
		assert.GreaterOrEqual(t, d, 2*time.Second)
	}
	assert.Greater(t, third, first)
	assert.Equal(t, time.Second, first)
	assert.Equal(t, 4*time.Second, third)

	st := c.State()
	assert.Equal(t, 3, st.Count)
	assert.Equal(t, 2, st.Consecutive)
	assert.False(t, st.Waiting)
}

func TestController_DelayIsCapped(t *testing.T) {
	clock := newFakeClock()
	c := testController(clock)
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		require.NoError(t, c.Report(ctx, time.Second))
	}
	assert.Equal(t, DefaultConfig().MaxDelay, c.State().Delay)
}

func TestController_SevereDirective(t *testing.T) {
	clock := newFakeClock()
	c := testController(clock)

	require.NoError(t, c.Report(context.Background(), 120*time.Second))
	assert.Equal(t, 1500*time.Millisecond, c.State().Delay)
}

func TestController_MilestoneNeverLowers(t *testing.T) {
	clock := newFakeClock()
	c := testController(clock)
	ctx := context.Background()

	// consecutive escalation pushes the delay above the milestone cap
	for i := 0; i < 9; i++ {
		require.NoError(t, c.Report(ctx, time.Second))
	}
	before := c.State().Delay
	require.Greater(t, before, DefaultConfig().MilestoneCap)

	clock.Advance(2 * time.Minute)
	require.NoError(t, c.Report(ctx, time.Second))
	assert.Equal(t, 10, c.State().Count)
	assert.Equal(t, before, c.State().Delay)
}

func TestController_DecaysAfterQuietPeriod(t *testing.T) {
	clock := newFakeClock()
	c := testController(clock)
	ctx := context.Background()

	require.NoError(t, c.Report(ctx, time.Second))
	require.NoError(t, c.Report(ctx, time.Second))
	require.Equal(t, 2*time.Second, c.State().Delay)

	clock.Advance(time.Hour)
	require.NoError(t, c.Report(ctx, time.Second))
	assert.Equal(t, time.Second, c.State().Delay)
}

func TestController_OverlappingDirectivesDoNotCompound(t *testing.T) {
	c := New(Config{
		MinDelay:          10 * time.Millisecond,
		MaxDelay:          40 * time.Millisecond,
		ConsecutiveWindow: time.Minute,
	}, WithLogger(logger.Nop()), WithJitter(noJitter))

	ctx := context.Background()
	var wg sync.WaitGroup
	start := time.Now()
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, c.Report(ctx, 200*time.Millisecond))
		}()
	}
	wg.Wait()
	elapsed := time.Since(start)

	assert.GreaterOrEqual(t, elapsed, 200*time.Millisecond)
	assert.Less(t, elapsed, 380*time.Millisecond)
	assert.Equal(t, 2, c.State().Count)
}

func TestController_WaitBlocksDuringDirective(t *testing.T) {
	c := New(Config{MinDelay: 10 * time.Millisecond}, WithLogger(logger.Nop()), WithJitter(noJitter))

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Report(context.Background(), 150*time.Millisecond)
	}()
	time.Sleep(20 * time.Millisecond)

	start := time.Now()
	require.NoError(t, c.Wait(context.Background()))
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
	<-done
}

func TestController_Do(t *testing.T) {
	clock := newFakeClock()
	c := testController(clock)

	var observed []time.Duration
	c.SetObserver(func(wait time.Duration) { observed = append(observed, wait) })

	calls := 0
	err := c.Do(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errs.RateLimited("send", 3*time.Second, errors.New("FLOOD_WAIT"))
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{3 * time.Second, 3 * time.Second}, observed)
}

func TestController_DoReturnsOtherErrors(t *testing.T) {
	c := testController(newFakeClock())
	boom := errors.New("boom")

	err := c.Do(context.Background(), func(ctx context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, c.State().Count)
}

func TestController_ReportCanceled(t *testing.T) {
	c := New(Config{MinDelay: 10 * time.Millisecond}, WithLogger(logger.Nop()))
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	err := c.Report(ctx, time.Minute)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
