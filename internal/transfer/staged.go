package transfer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/blockedby/tg-relay/internal/errs"
	"github.com/blockedby/tg-relay/internal/events"
	"github.com/blockedby/tg-relay/internal/models"
	"github.com/blockedby/tg-relay/internal/repository"
	"github.com/blockedby/tg-relay/internal/resource"
)

type stagedItem struct {
	msg   models.Message
	path  string
	thumb string
	size  int64
	hash  string
}

func (it stagedItem) upload() UploadItem {
	return UploadItem{MessageID: it.msg.ID, Path: it.path, ThumbPath: it.thumb, Media: it.msg.Media}
}

// stagedGroup is a unit whose files are on disk, waiting for upload.
type stagedGroup struct {
	unit    models.TransferUnit
	items   []stagedItem
	caption string
	handle  resource.Handle
	failed  int // members that could not be staged
}

// sentCopy remembers the first successful upload of a group so further
// destinations can receive a server-side copy.
type sentCopy struct {
	dest  models.Channel
	ids   []int
	items []stagedItem
}

// RunStaged downloads units on N producers and uploads them on M consumers
// through a bounded queue. Producers hand staged groups over in unit order.
func (e *Engine) RunStaged(ctx context.Context, job *Job) (Summary, error) {
	var c counters
	if len(job.Units) == 0 {
		return c.summary(), nil
	}

	pool := newDiskPool(e.opts.DiskWorkers)
	defer pool.Close()

	q := NewQueue[*stagedGroup](e.opts.QueueSize)
	g, gctx := errgroup.WithContext(ctx)

	// turns[i] is closed once unit i may be queued
	turns := make([]chan struct{}, len(job.Units)+1)
	for i := range turns {
		turns[i] = make(chan struct{})
	}
	close(turns[0])

	work := make(chan int)
	g.Go(func() error {
		defer close(work)
		for i := range job.Units {
			select {
			case work <- i:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})

	var producers sync.WaitGroup
	for p := 0; p < e.opts.Producers; p++ {
		producers.Add(1)
		g.Go(func() error {
			defer producers.Done()
			for i := range work {
				if err := e.produce(gctx, job, i, pool, q, turns, &c); err != nil {
					return err
				}
			}
			return nil
		})
	}
	g.Go(func() error {
		producers.Wait()
		q.Close()
		return nil
	})

	for k := 0; k < e.opts.Consumers; k++ {
		g.Go(func() error {
			for {
				sg, ok, err := q.Pop(gctx)
				if err != nil {
					return err
				}
				if !ok {
					return nil
				}
				if err := e.consume(gctx, job, sg, &c); err != nil {
					return err
				}
			}
		})
	}

	err := g.Wait()

	// groups still queued after a cancellation keep their files
	for {
		sg, ok, _ := q.Pop(context.Background())
		if !ok {
			break
		}
		e.keep(sg)
	}
	return c.summary(), err
}

// produce stages unit i and queues it after unit i-1.
func (e *Engine) produce(ctx context.Context, job *Job, i int, pool *diskPool, q *Queue[*stagedGroup], turns []chan struct{}, c *counters) error {
	defer close(turns[i+1])

	sg, err := e.stage(ctx, job, job.Units[i], pool, c)
	if err != nil {
		return err
	}

	select {
	case <-turns[i]:
	case <-ctx.Done():
		e.keep(sg)
		return ctx.Err()
	}
	if sg == nil {
		return nil
	}
	if err := q.Push(ctx, sg); err != nil {
		e.keep(sg)
		return err
	}
	return nil
}

// stage downloads the members of a unit into its group directory. It
// returns nil when nothing is left to send.
func (e *Engine) stage(ctx context.Context, job *Job, unit models.TransferUnit, pool *diskPool, c *counters) (*stagedGroup, error) {
	if err := e.gate.Wait(ctx); err != nil {
		return nil, err
	}
	c.units.Add(1)
	g := unit.Group
	e.emit.Emit(e.event(events.UnitFound, job, g))

	// another run may have delivered the group since units were built
	pending, err := pendingDests(ctx, e.ledger, g, unit.Pending)
	if err != nil {
		return nil, err
	}
	if len(pending) == 0 {
		c.skipped.Add(1)
		return nil, nil
	}
	unit.Pending = pending

	sg := &stagedGroup{unit: unit, caption: job.Rules.ApplyGroup(g).Caption()}
	if !g.HasFiles() {
		return sg, nil
	}

	handle, dir, err := e.res.CreateTempDir(resource.CategoryDownloads, job.Session, g.Key)
	if err != nil {
		return nil, errs.Fatal("stage", err)
	}
	sg.handle = handle

	for _, m := range g.Messages {
		if !m.Kind().HasFile() {
			continue
		}
		if err := ctx.Err(); err != nil {
			e.keep(sg)
			return nil, err
		}
		item, err := e.stageItem(ctx, job, m, dir, pool, c)
		if err != nil {
			if fatal(err) {
				e.keep(sg)
				return nil, err
			}
			sg.failed++
			continue
		}
		sg.items = append(sg.items, item)
	}

	if len(sg.items) == 0 {
		e.keep(sg)
		c.skipped.Add(1)
		return nil, nil
	}

	ev := e.event(events.GroupStaged, job, g)
	for _, it := range sg.items {
		ev.Bytes += it.size
	}
	e.emit.Emit(ev)
	return sg, nil
}

func (e *Engine) stageItem(ctx context.Context, job *Job, m models.Message, dir string, pool *diskPool, c *counters) (stagedItem, error) {
	path := filepath.Join(dir, fmt.Sprintf("%d%s", m.ID, m.Media.Extension()))
	log := e.log.With().Int64("channel_id", job.Source.ID).Int("message_id", m.ID).Logger()

	size, ok := reusable(path, m.Media.Size)
	if ok {
		c.reused.Add(1)
		log.Debug().Str("path", path).Msg("reusing staged file")
	} else {
		start := events.Event{Type: events.DownloadStarted, Source: job.Source.ID, MessageIDs: []int{m.ID}, Bytes: m.Media.Size}
		e.emit.Emit(start)

		var err error
		size, err = e.download(ctx, job.Source, m, path, pool)
		if err != nil {
			c.downloadFailed.Add(1)
			log.Warn().Err(err).Msg("download failed")
			e.emit.Emit(events.Event{Type: events.DownloadFailed, Source: job.Source.ID, MessageIDs: []int{m.ID}, Error: err.Error()})
			return stagedItem{}, err
		}
		c.downloaded.Add(1)
		c.bytes.Add(size)

		meta := repository.Meta{MediaKind: m.Kind().String(), Size: size}
		if err := e.ledger.Record(ctx, repository.DownloadKey(job.Source.ID, m.ID), 0, meta); err != nil {
			return stagedItem{}, err
		}
		e.emit.Emit(events.Event{Type: events.DownloadDone, Source: job.Source.ID, MessageIDs: []int{m.ID}, Bytes: size})
	}

	if _, err := e.res.Register(path, job.Session, nil); err != nil {
		return stagedItem{}, errs.Fatal("stage", err)
	}
	hash, err := hashFile(path)
	if err != nil {
		return stagedItem{}, errs.DataIntegrity("hash", err)
	}

	item := stagedItem{msg: m, path: path, size: size, hash: hash}
	if m.Kind() == models.KindVideo && m.Media.HasThumb() {
		item.thumb = e.stageThumb(ctx, job, m, dir, pool)
	}
	return item, nil
}

// stageThumb fetches a video thumbnail. A missing thumbnail only degrades
// the upload, so failures are logged and ignored.
func (e *Engine) stageThumb(ctx context.Context, job *Job, m models.Message, dir string, pool *diskPool) string {
	path := filepath.Join(dir, fmt.Sprintf("%d_thumb.jpg", m.ID))
	if _, ok := reusable(path, 0); ok {
		return path
	}

	err := e.policy.Do(ctx, func(ctx context.Context) error {
		data, err := e.remote.DownloadThumb(ctx, m)
		if err != nil {
			return err
		}
		if len(data) == 0 {
			return errs.DataIntegrity("thumbnail", errors.New("empty thumbnail"))
		}
		return pool.Write(ctx, path, data)
	})
	if err != nil {
		e.log.Debug().Err(err).Int("message_id", m.ID).Msg("thumbnail unavailable")
		return ""
	}
	if _, err := e.res.Register(path, job.Session, nil); err != nil {
		return ""
	}
	return path
}

// download fetches one member into path under the retry policy. Each attempt
// has its own deadline; an expired file reference is refreshed by fetching
// the message again.
func (e *Engine) download(ctx context.Context, src models.Channel, m models.Message, path string, pool *diskPool) (int64, error) {
	var size int64
	err := e.policy.Do(ctx, func(ctx context.Context) error {
		dctx, cancel := context.WithTimeout(ctx, e.opts.DownloadTimeout)
		defer cancel()

		data, err := e.remote.Download(dctx, m)
		if errors.Is(err, errs.ErrStaleReference) {
			fresh, ferr := e.remote.GetMessage(dctx, src, m.ID)
			if ferr != nil {
				return ferr
			}
			m = fresh
			data, err = e.remote.Download(dctx, m)
		}
		if err != nil {
			if errors.Is(dctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
				return errs.Transient("download", fmt.Errorf("message %d: no data after %s", m.ID, e.opts.DownloadTimeout))
			}
			return err
		}
		if len(data) == 0 {
			return errs.DataIntegrity("download", fmt.Errorf("message %d: empty media", m.ID))
		}
		if err := pool.Write(ctx, path, data); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return errs.Fatal("stage", err)
		}
		size = int64(len(data))
		return nil
	})
	return size, err
}

// consume sends a staged group to each pending destination. The group
// directory is removed once every destination holds every member;
// otherwise the files stay for a later run.
func (e *Engine) consume(ctx context.Context, job *Job, sg *stagedGroup, c *counters) error {
	g := sg.unit.Group
	if err := e.gate.Wait(ctx); err != nil {
		e.keep(sg)
		return err
	}

	var primary *sentCopy
	complete := sg.failed == 0
	delivered := 0

	for _, dest := range sg.unit.Pending {
		if err := ctx.Err(); err != nil {
			e.keep(sg)
			return err
		}

		done, err := e.deliver(ctx, job, sg, dest, &primary, c)
		if err != nil {
			if fatal(err) {
				e.keep(sg)
				return err
			}
			complete = false
			e.log.Warn().Err(err).Str("group", g.Key).Int64("dest", dest.ID).Msg("destination failed, keeping files")
			continue
		}
		if !done {
			complete = false
			continue
		}
		delivered++
		c.satisfied.Add(1)
		ev := e.event(events.DestinationSatisfied, job, g)
		ev.Dest = dest.ID
		e.emit.Emit(ev)
	}

	if delivered > 0 {
		e.emit.Emit(e.event(events.GroupUploaded, job, g))
	}

	if complete {
		if sg.handle != "" {
			if err := e.res.Release(sg.handle, true); err != nil {
				e.log.Warn().Err(err).Str("group", g.Key).Msg("cleanup failed")
			}
		}
	} else {
		e.keep(sg)
	}
	return nil
}

// deliver sends what dest is still missing. It reports whether dest now has
// every member of the group.
func (e *Engine) deliver(ctx context.Context, job *Job, sg *stagedGroup, dest models.Channel, primary **sentCopy, c *counters) (bool, error) {
	g := sg.unit.Group

	missing, err := missingMembers(ctx, e.ledger, g, dest.ID)
	if err != nil {
		return false, err
	}
	if len(missing) == 0 {
		return true, nil
	}
	wanted := make(map[int]bool, len(missing))
	for _, m := range missing {
		wanted[m.ID] = true
	}

	if len(sg.items) == 0 {
		return e.deliverText(ctx, job, sg, dest, ids(missing), c)
	}

	var need []stagedItem
	for _, it := range sg.items {
		if !wanted[it.msg.ID] {
			continue
		}
		// uploaded by an interrupted run that never recorded the forward
		ok, err := e.ledger.Exists(ctx, repository.UploadKey(it.hash), dest.ID)
		if err != nil {
			return false, err
		}
		if ok {
			if err := e.recordForwards(ctx, job.Source.ID, []int{it.msg.ID}, dest.ID); err != nil {
				return false, err
			}
			continue
		}
		need = append(need, it)
	}

	caption := ""
	if wanted[g.Messages[0].ID] {
		caption = sg.caption
	}

	if len(need) > 0 {
		copied, err := e.copyFrom(ctx, job, sg, *primary, need, dest, c)
		if err != nil {
			return false, err
		}
		if !copied {
			sent, err := e.upload(ctx, job, sg, dest, need, caption, c)
			if err != nil {
				return false, err
			}
			if *primary == nil {
				*primary = &sentCopy{dest: dest, ids: sent, items: need}
			}
		}
	}

	// members without files ride on the caption
	var textIDs []int
	for _, m := range missing {
		if !m.Kind().HasFile() {
			textIDs = append(textIDs, m.ID)
		}
	}
	if err := e.recordForwards(ctx, job.Source.ID, textIDs, dest.ID); err != nil {
		return false, err
	}

	return sg.failed == 0, nil
}

func (e *Engine) deliverText(ctx context.Context, job *Job, sg *stagedGroup, dest models.Channel, msgIDs []int, c *counters) (bool, error) {
	if sg.caption != "" {
		err := e.policy.Do(ctx, func(ctx context.Context) error {
			_, err := e.remote.SendText(ctx, dest, sg.caption)
			return err
		})
		if err != nil {
			c.sendFailed.Add(1)
			e.emitUploadFailed(job, sg.unit.Group, dest, msgIDs, err)
			return false, err
		}
		c.uploaded.Add(1)
	}
	if err := e.recordForwards(ctx, job.Source.ID, msgIDs, dest.ID); err != nil {
		return false, err
	}
	ev := e.event(events.UploadDone, job, sg.unit.Group)
	ev.Dest = dest.ID
	ev.MessageIDs = msgIDs
	e.emit.Emit(ev)
	return true, nil
}

// copyFrom replicates the primary upload to dest server-side when dest
// needs exactly the items the primary received. A failed copy falls back to
// a full upload.
func (e *Engine) copyFrom(ctx context.Context, job *Job, sg *stagedGroup, primary *sentCopy, need []stagedItem, dest models.Channel, c *counters) (bool, error) {
	if primary == nil || len(primary.ids) == 0 || !sameItems(primary.items, need) {
		return false, nil
	}

	err := e.policy.Do(ctx, func(ctx context.Context) error {
		_, err := e.remote.Forward(ctx, primary.dest, primary.ids, dest, ForwardOptions{HideAuthor: true})
		return err
	})
	if err != nil {
		if fatal(err) {
			return false, err
		}
		e.log.Debug().Err(err).Int64("dest", dest.ID).Msg("copy failed, uploading again")
		return false, nil
	}

	if err := e.recordItems(ctx, job, need, dest); err != nil {
		return false, err
	}
	c.copied.Add(int64(len(need)))
	ev := e.event(events.UploadDone, job, sg.unit.Group)
	ev.Dest = dest.ID
	ev.MessageIDs = itemIDs(need)
	e.emit.Emit(ev)
	return true, nil
}

// upload sends items to dest in album batches, recording each batch as it
// lands. It returns the ids of the sent messages.
func (e *Engine) upload(ctx context.Context, job *Job, sg *stagedGroup, dest models.Channel, items []stagedItem, caption string, c *counters) ([]int, error) {
	g := sg.unit.Group
	var sent []int

	for bi, batch := range batchItems(items) {
		text := ""
		if bi == 0 {
			text = caption
		}
		up := make([]UploadItem, 0, len(batch))
		for _, it := range batch {
			up = append(up, it.upload())
		}

		var out []int
		err := e.policy.Do(ctx, func(ctx context.Context) error {
			var err error
			if len(up) == 1 {
				out, err = e.remote.SendSingle(ctx, dest, up[0], text)
			} else {
				out, err = e.remote.SendAlbum(ctx, dest, up, text)
			}
			return err
		})
		if err != nil {
			c.sendFailed.Add(1)
			e.emitUploadFailed(job, g, dest, itemIDs(batch), err)
			return sent, err
		}

		if err := e.recordItems(ctx, job, batch, dest); err != nil {
			return sent, err
		}
		sent = append(sent, out...)
		c.uploaded.Add(int64(len(batch)))

		ev := e.event(events.UploadDone, job, g)
		ev.Dest = dest.ID
		ev.MessageIDs = itemIDs(batch)
		for _, it := range batch {
			ev.Bytes += it.size
		}
		e.emit.Emit(ev)
	}
	return sent, nil
}

// recordItems writes the upload and forward records of delivered items.
func (e *Engine) recordItems(ctx context.Context, job *Job, items []stagedItem, dest models.Channel) error {
	for _, it := range items {
		meta := repository.Meta{MediaKind: it.msg.Kind().String(), Size: it.size}
		if err := e.ledger.Record(ctx, repository.UploadKey(it.hash), dest.ID, meta); err != nil {
			return err
		}
		if err := e.ledger.Record(ctx, repository.ForwardKey(job.Source.ID, it.msg.ID), dest.ID, repository.Meta{}); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) emitUploadFailed(job *Job, g models.MediaGroup, dest models.Channel, msgIDs []int, err error) {
	ev := e.event(events.UploadFailed, job, g)
	ev.Dest = dest.ID
	ev.MessageIDs = msgIDs
	ev.Error = err.Error()
	e.emit.Emit(ev)
}

// keep stops tracking a group's files without deleting them.
func (e *Engine) keep(sg *stagedGroup) {
	if sg != nil && sg.handle != "" {
		e.res.Forget(sg.handle)
	}
}

// reusable reports whether path holds a complete file from an earlier run.
func reusable(path string, expected int64) (int64, bool) {
	st, err := os.Stat(path)
	if err != nil || st.IsDir() || st.Size() == 0 {
		return 0, false
	}
	if expected > 0 && st.Size() != expected {
		return 0, false
	}
	return st.Size(), true
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func sameItems(a, b []stagedItem) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].msg.ID != b[i].msg.ID {
			return false
		}
	}
	return true
}

func itemIDs(items []stagedItem) []int {
	out := make([]int, 0, len(items))
	for _, it := range items {
		out = append(out, it.msg.ID)
	}
	return out
}
