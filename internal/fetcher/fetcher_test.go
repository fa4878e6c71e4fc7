package fetcher

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockedby/tg-relay/internal/errs"
	"github.com/blockedby/tg-relay/internal/logger"
	"github.com/blockedby/tg-relay/internal/models"
	"github.com/blockedby/tg-relay/internal/ratelimit"
	"github.com/blockedby/tg-relay/internal/retry"
)

type fakeHistory struct {
	ids      []int
	calls    int
	failures []error
}

func (f *fakeHistory) History(ctx context.Context, ch models.Channel, offsetID, limit int) (Page, error) {
	f.calls++
	if len(f.failures) > 0 {
		err := f.failures[0]
		f.failures = f.failures[1:]
		return Page{}, err
	}

	ids := append([]int(nil), f.ids...)
	sort.Sort(sort.Reverse(sort.IntSlice(ids)))

	var p Page
	for _, id := range ids {
		if offsetID > 0 && id >= offsetID {
			continue
		}
		if len(p.Messages) == limit {
			break
		}
		p.Messages = append(p.Messages, models.Message{ID: id, ChannelID: ch.ID})
	}
	p.Scanned = len(p.Messages)
	if p.Scanned > 0 {
		p.LowestID = p.Messages[p.Scanned-1].ID
	}
	return p, nil
}

// stuckHistory always answers with a page above any offset.
type stuckHistory struct{}

func (stuckHistory) History(ctx context.Context, ch models.Channel, offsetID, limit int) (Page, error) {
	return Page{Messages: []models.Message{{ID: 500}}, Scanned: 1, LowestID: 500}, nil
}

func testPolicy() retry.Policy {
	limiter := ratelimit.New(ratelimit.Config{MinDelay: time.Millisecond},
		ratelimit.WithLogger(logger.Nop()),
		ratelimit.WithJitter(func(time.Duration) time.Duration { return 0 }),
	)
	return retry.Policy{
		MaxAttempts:     2,
		InitialInterval: time.Millisecond,
		MaxInterval:     time.Millisecond,
		Limiter:         limiter,
	}
}

func ids(msgs []models.Message) []int {
	out := make([]int, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.ID)
	}
	return out
}

var testChannel = models.Channel{ID: 42, Username: "source"}

func TestFetch_SkipsGapsInOrder(t *testing.T) {
	src := &fakeHistory{ids: []int{101, 103, 105, 107, 120}}
	f := New(src, testPolicy(), Options{})

	res, err := f.Fetch(context.Background(), testChannel, 100, 110)
	require.NoError(t, err)

	assert.Equal(t, []int{101, 103, 105, 107}, ids(res.Messages))
	assert.Equal(t, 7, res.Gaps)
	assert.Empty(t, res.Unresolved)
}

func TestFetch_SmallBatchesWalkDown(t *testing.T) {
	var all []int
	for i := 1; i <= 50; i++ {
		if i%7 != 0 {
			all = append(all, i)
		}
	}
	src := &fakeHistory{ids: all}
	f := New(src, testPolicy(), Options{BatchSize: 5})

	res, err := f.Fetch(context.Background(), testChannel, 10, 40)
	require.NoError(t, err)

	var want []int
	for _, id := range all {
		if id >= 10 && id <= 40 {
			want = append(want, id)
		}
	}
	assert.Equal(t, want, ids(res.Messages))
	assert.Greater(t, src.calls, 5)
}

func TestFetch_UnboundedRange(t *testing.T) {
	src := &fakeHistory{ids: []int{1, 2, 5, 9}}
	f := New(src, testPolicy(), Options{})

	res, err := f.Fetch(context.Background(), testChannel, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Start)
	assert.Equal(t, 9, res.End)
	assert.Equal(t, []int{1, 2, 5, 9}, ids(res.Messages))
}

func TestFetch_EmptyChannel(t *testing.T) {
	f := New(&fakeHistory{}, testPolicy(), Options{})

	res, err := f.Fetch(context.Background(), testChannel, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, res.Messages)
}

func TestFetch_StartAfterEnd(t *testing.T) {
	f := New(&fakeHistory{ids: []int{1, 2, 3}}, testPolicy(), Options{})

	res, err := f.Fetch(context.Background(), testChannel, 10, 5)
	require.NoError(t, err)
	assert.Empty(t, res.Messages)
}

func TestFetch_FruitlessHalvesThenDrops(t *testing.T) {
	f := New(stuckHistory{}, testPolicy(), Options{BatchSize: 4, MaxFruitless: 10, DropChunk: 3})

	res, err := f.Fetch(context.Background(), testChannel, 1, 10)
	require.NoError(t, err)

	assert.Empty(t, res.Messages)
	assert.Equal(t, []Span{{1, 3}, {4, 6}, {7, 9}, {10, 10}}, res.Dropped)
	assert.Empty(t, res.Unresolved)
}

func TestFetch_FruitlessBudget(t *testing.T) {
	f := New(stuckHistory{}, testPolicy(), Options{BatchSize: 100})

	res, err := f.Fetch(context.Background(), testChannel, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, []Span{{1, 10}}, res.Unresolved)
}

func TestFetch_ResumesAfterRateLimit(t *testing.T) {
	src := &fakeHistory{
		ids:      []int{3, 4, 5},
		failures: []error{errs.RateLimited("history", time.Millisecond, nil)},
	}
	f := New(src, testPolicy(), Options{})

	res, err := f.Fetch(context.Background(), testChannel, 3, 5)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 4, 5}, ids(res.Messages))
	assert.Equal(t, 2, src.calls)
}

func TestFetch_UnreadableChannel(t *testing.T) {
	src := &fakeHistory{
		ids:      []int{1},
		failures: []error{errs.Permission("history", errors.New("CHANNEL_PRIVATE"))},
	}
	f := New(src, testPolicy(), Options{})

	res, err := f.Fetch(context.Background(), testChannel, 1, 5)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindPermission))
	assert.Empty(t, res.Messages)
}

func TestFetch_Canceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	f := New(&fakeHistory{ids: []int{1}}, testPolicy(), Options{})
	_, err := f.Fetch(ctx, testChannel, 1, 5)
	assert.ErrorIs(t, err, context.Canceled)
}
