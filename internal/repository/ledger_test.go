package repository

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockedby/tg-relay/internal/database"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	db, err := database.Open(context.Background(), filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(db.Close)

	l, err := NewLedger(db)
	require.NoError(t, err)
	return l
}

func TestLedger_ForwardRecords(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	key := ForwardKey(100, 7)

	ok, err := l.Exists(ctx, key, 200)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, l.Record(ctx, key, 200, Meta{}))

	ok, err = l.Exists(ctx, key, 200)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = l.Exists(ctx, key, 300)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLedger_RecordIsIdempotent(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	key := ForwardKey(100, 7)

	require.NoError(t, l.Record(ctx, key, 200, Meta{}))
	require.NoError(t, l.Record(ctx, key, 200, Meta{}))

	rows, err := l.ListForwards(ctx, 100)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestLedger_UploadRecords(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	key := UploadKey("abc123")

	require.NoError(t, l.Record(ctx, key, 200, Meta{MediaKind: "photo", Size: 1024}))

	ok, err := l.Exists(ctx, key, 200)
	require.NoError(t, err)
	assert.True(t, ok)

	recs, err := l.List(ctx, key)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "photo", recs[0].Meta.MediaKind)
	assert.Equal(t, int64(1024), recs[0].Meta.Size)

	assert.Error(t, l.Record(ctx, UploadKey(""), 200, Meta{}))
}

func TestLedger_DownloadRecords(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	require.NoError(t, l.Record(ctx, DownloadKey(100, 1), 0, Meta{}))
	require.NoError(t, l.Record(ctx, DownloadKey(100, 2), 0, Meta{}))
	require.NoError(t, l.Record(ctx, DownloadKey(101, 1), 0, Meta{}))

	ok, err := l.Exists(ctx, DownloadKey(100, 2), 0)
	require.NoError(t, err)
	assert.True(t, ok)

	recs, err := l.List(ctx, DownloadKey(100, 0))
	require.NoError(t, err)
	assert.Len(t, recs, 2)
}

func TestLedger_ListScope(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	for _, dest := range []int64{200, 300} {
		require.NoError(t, l.Record(ctx, ForwardKey(100, 5), dest, Meta{}))
	}
	require.NoError(t, l.Record(ctx, ForwardKey(100, 6), 200, Meta{}))

	recs, err := l.List(ctx, ForwardKey(100, 5))
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, int64(200), recs[0].Destination)
	assert.Equal(t, int64(300), recs[1].Destination)

	all, err := l.ListForwards(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	stats, err := l.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.Forwards)
}

func TestLedger_StatsWaitsForWriters(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	require.NoError(t, l.Record(ctx, ForwardKey(100, 1), 200, Meta{}))

	type result struct {
		stats *Stats
		err   error
	}
	done := make(chan result, 1)

	l.forwards.Lock()
	go func() {
		s, err := l.Stats(ctx)
		done <- result{s, err}
	}()

	select {
	case <-done:
		l.forwards.Unlock()
		t.Fatal("Stats counted forwards during a write")
	case <-time.After(50 * time.Millisecond):
	}
	l.forwards.Unlock()

	select {
	case r := <-done:
		require.NoError(t, r.err)
		assert.Equal(t, int64(1), r.stats.Forwards)
	case <-time.After(2 * time.Second):
		t.Fatal("Stats did not finish")
	}
}

func TestLedger_ConcurrentRecords(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, l.Record(ctx, ForwardKey(100, i%5), 200, Meta{}))
		}(i)
	}
	wg.Wait()

	rows, err := l.ListForwards(ctx, 100)
	require.NoError(t, err)
	assert.Len(t, rows, 5)
}

func TestScopeKey_String(t *testing.T) {
	assert.Equal(t, "forward:100/7", ForwardKey(100, 7).String())
	assert.Equal(t, "download:100/7", DownloadKey(100, 7).String())
	assert.Equal(t, "upload:ff", UploadKey("ff").String())
}
