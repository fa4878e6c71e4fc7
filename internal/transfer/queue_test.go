package transfer

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockedby/tg-relay/internal/models"
)

func TestQueue_Backpressure(t *testing.T) {
	q := NewQueue[int](1)
	ctx := context.Background()

	require.NoError(t, q.Push(ctx, 1))

	pushed := make(chan struct{})
	go func() {
		_ = q.Push(ctx, 2)
		close(pushed)
	}()

	select {
	case <-pushed:
		t.Fatal("push on a full queue did not block")
	case <-time.After(50 * time.Millisecond):
	}

	v, ok, err := q.Pop(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, v)

	select {
	case <-pushed:
	case <-time.After(time.Second):
		t.Fatal("push did not resume after pop")
	}
	assert.Equal(t, 1, q.Len())
}

func TestQueue_PopBlocksUntilPushOrClose(t *testing.T) {
	q := NewQueue[string](2)
	ctx := context.Background()

	got := make(chan bool, 1)
	go func() {
		_, ok, _ := q.Pop(ctx)
		got <- ok
	}()

	select {
	case <-got:
		t.Fatal("pop on an empty queue did not block")
	case <-time.After(50 * time.Millisecond):
	}

	q.Close()
	assert.False(t, <-got)
	q.Close()
}

func TestQueue_DrainsAfterClose(t *testing.T) {
	q := NewQueue[int](3)
	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		require.NoError(t, q.Push(ctx, i))
	}
	q.Close()

	var got []int
	for {
		v, ok, err := q.Pop(ctx)
		require.NoError(t, err)
		if !ok {
			break
		}
		got = append(got, v)
	}
	assert.Equal(t, []int{1, 2, 3}, got)
}

func TestQueue_ContextCancel(t *testing.T) {
	q := NewQueue[int](1)
	require.NoError(t, q.Push(context.Background(), 1))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, q.Push(ctx, 2), context.DeadlineExceeded)

	empty := NewQueue[int](1)
	_, ok, err := empty.Pop(ctx)
	assert.False(t, ok)
	assert.Error(t, err)
}

func TestGate_PauseResume(t *testing.T) {
	g := NewGate()
	ctx := context.Background()
	require.NoError(t, g.Wait(ctx))

	g.Pause()
	assert.True(t, g.Paused())

	released := make(chan struct{})
	go func() {
		_ = g.Wait(ctx)
		close(released)
	}()

	select {
	case <-released:
		t.Fatal("wait passed a paused gate")
	case <-time.After(50 * time.Millisecond):
	}

	g.Resume()
	select {
	case <-released:
	case <-time.After(time.Second):
		t.Fatal("resume did not release waiter")
	}
	assert.False(t, g.Paused())
}

func TestGate_WaitCanceled(t *testing.T) {
	g := NewGate()
	g.Pause()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, g.Wait(ctx), context.Canceled)

	var nilGate *Gate
	assert.NoError(t, nilGate.Wait(context.Background()))
}

func TestDiskPool_Write(t *testing.T) {
	p := newDiskPool(2)
	defer p.Close()

	dir := t.TempDir()
	path := filepath.Join(dir, "1.jpg")
	require.NoError(t, p.Write(context.Background(), path, []byte("payload")))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))
	assert.NoFileExists(t, path+".part")
}

func TestDiskPool_Closed(t *testing.T) {
	p := newDiskPool(1)
	p.Close()
	p.Close()
	assert.ErrorIs(t, p.Write(context.Background(), filepath.Join(t.TempDir(), "x"), nil), errPoolClosed)
}

func item(id int, kind models.MediaKind) stagedItem {
	return stagedItem{msg: models.Message{ID: id, Media: models.Media{Kind: kind}}}
}

func batchIDs(batches [][]stagedItem) [][]int {
	var out [][]int
	for _, b := range batches {
		out = append(out, itemIDs(b))
	}
	return out
}

func TestBatchItems(t *testing.T) {
	items := []stagedItem{
		item(1, models.KindPhoto),
		item(2, models.KindVideo),
		item(3, models.KindDocument),
		item(4, models.KindDocument),
		item(5, models.KindVoice),
		item(6, models.KindAudio),
		item(7, models.KindPhoto),
	}
	assert.Equal(t, [][]int{{1, 2}, {3, 4}, {5}, {6}, {7}}, batchIDs(batchItems(items)))
}

func TestBatchItems_SplitsAtAlbumLimit(t *testing.T) {
	var items []stagedItem
	for i := 1; i <= 12; i++ {
		items = append(items, item(i, models.KindPhoto))
	}
	batches := batchItems(items)
	require.Len(t, batches, 2)
	assert.Len(t, batches[0], 10)
	assert.Len(t, batches[1], 2)
}

func TestReusable(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.bin")

	_, ok := reusable(path, 0)
	assert.False(t, ok)

	require.NoError(t, os.WriteFile(path, []byte("abcd"), 0o644))
	size, ok := reusable(path, 4)
	assert.True(t, ok)
	assert.Equal(t, int64(4), size)

	_, ok = reusable(path, 5)
	assert.False(t, ok)

	_, ok = reusable(path, 0)
	assert.True(t, ok)
}
