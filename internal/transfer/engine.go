package transfer

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/blockedby/tg-relay/internal/collector"
	"github.com/blockedby/tg-relay/internal/errs"
	"github.com/blockedby/tg-relay/internal/events"
	"github.com/blockedby/tg-relay/internal/logger"
	"github.com/blockedby/tg-relay/internal/models"
	"github.com/blockedby/tg-relay/internal/repository"
	"github.com/blockedby/tg-relay/internal/resource"
	"github.com/blockedby/tg-relay/internal/retry"
)

// Options tunes the stage pipeline.
type Options struct {
	Producers       int
	Consumers       int
	QueueSize       int
	DiskWorkers     int
	DownloadTimeout time.Duration
}

// DefaultOptions returns conservative pipeline settings.
func DefaultOptions() Options {
	return Options{
		Producers:       2,
		Consumers:       1,
		QueueSize:       4,
		DiskWorkers:     2,
		DownloadTimeout: 90 * time.Second,
	}
}

// Job is the work of one channel pair.
type Job struct {
	Source     models.Channel
	Units      []models.TransferUnit
	HideAuthor bool
	Rules      collector.TextRules
	// Session owns the staged artifacts of the job, usually the run id.
	Session string
}

// Summary counts what a job did.
type Summary struct {
	Units          int64 `json:"units"`
	Skipped        int64 `json:"skipped"`
	Downloaded     int64 `json:"downloaded"`
	Reused         int64 `json:"reused"`
	DownloadFailed int64 `json:"download_failed"`
	Uploaded       int64 `json:"uploaded"`
	Forwarded      int64 `json:"forwarded"`
	Copied         int64 `json:"copied"`
	SendFailed     int64 `json:"send_failed"`
	Satisfied      int64 `json:"satisfied"`
	Bytes          int64 `json:"bytes"`
}

// Add merges o into s.
func (s *Summary) Add(o Summary) {
	s.Units += o.Units
	s.Skipped += o.Skipped
	s.Downloaded += o.Downloaded
	s.Reused += o.Reused
	s.DownloadFailed += o.DownloadFailed
	s.Uploaded += o.Uploaded
	s.Forwarded += o.Forwarded
	s.Copied += o.Copied
	s.SendFailed += o.SendFailed
	s.Satisfied += o.Satisfied
	s.Bytes += o.Bytes
}

// counters is the concurrent form of Summary.
type counters struct {
	units, skipped, downloaded, reused, downloadFailed atomic.Int64
	uploaded, forwarded, copied, sendFailed, satisfied atomic.Int64
	bytes                                              atomic.Int64
}

func (c *counters) summary() Summary {
	return Summary{
		Units:          c.units.Load(),
		Skipped:        c.skipped.Load(),
		Downloaded:     c.downloaded.Load(),
		Reused:         c.reused.Load(),
		DownloadFailed: c.downloadFailed.Load(),
		Uploaded:       c.uploaded.Load(),
		Forwarded:      c.forwarded.Load(),
		Copied:         c.copied.Load(),
		SendFailed:     c.sendFailed.Load(),
		Satisfied:      c.satisfied.Load(),
		Bytes:          c.bytes.Load(),
	}
}

// Engine runs transfer jobs.
type Engine struct {
	remote Remote
	ledger Ledger
	res    *resource.Manager
	policy retry.Policy
	emit   events.Emitter
	gate   *Gate
	opts   Options
	log    *logger.Logger
}

// NewEngine creates an engine. emit and gate may be nil.
func NewEngine(
	remote Remote,
	ledger Ledger,
	res *resource.Manager,
	policy retry.Policy,
	emit events.Emitter,
	gate *Gate,
	opts Options,
	log *logger.Logger,
) *Engine {
	def := DefaultOptions()
	if opts.Producers <= 0 {
		opts.Producers = def.Producers
	}
	if opts.Consumers <= 0 {
		opts.Consumers = def.Consumers
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = def.QueueSize
	}
	if opts.DiskWorkers <= 0 {
		opts.DiskWorkers = def.DiskWorkers
	}
	if opts.DownloadTimeout <= 0 {
		opts.DownloadTimeout = def.DownloadTimeout
	}
	if emit == nil {
		emit = events.Nop
	}
	if log == nil {
		log = logger.For("transfer")
	}
	return &Engine{
		remote: remote,
		ledger: ledger,
		res:    res,
		policy: policy,
		emit:   emit,
		gate:   gate,
		opts:   opts,
		log:    log,
	}
}

// BuildUnits pairs every group with the destinations that still miss at
// least one of its members. Groups with no such destination are left out.
func BuildUnits(ctx context.Context, ledger Ledger, groups []models.MediaGroup, dests []models.Channel) ([]models.TransferUnit, error) {
	units := make([]models.TransferUnit, 0, len(groups))
	for _, g := range groups {
		pending, err := pendingDests(ctx, ledger, g, dests)
		if err != nil {
			return nil, err
		}
		if len(pending) == 0 {
			continue
		}
		units = append(units, models.TransferUnit{Seq: len(units), Group: g, Pending: pending})
	}
	return units, nil
}

func pendingDests(ctx context.Context, ledger Ledger, g models.MediaGroup, dests []models.Channel) ([]models.Channel, error) {
	var pending []models.Channel
	for _, d := range dests {
		missing, err := missingMembers(ctx, ledger, g, d.ID)
		if err != nil {
			return nil, err
		}
		if len(missing) > 0 {
			pending = append(pending, d)
		}
	}
	return pending, nil
}

// missingMembers returns the members without a forward record for dest.
func missingMembers(ctx context.Context, ledger Ledger, g models.MediaGroup, dest int64) ([]models.Message, error) {
	var out []models.Message
	for _, m := range g.Messages {
		ok, err := ledger.Exists(ctx, repository.ForwardKey(g.Source, m.ID), dest)
		if err != nil {
			return nil, err
		}
		if !ok {
			out = append(out, m)
		}
	}
	return out, nil
}

// recordForwards marks members as delivered to dest.
func (e *Engine) recordForwards(ctx context.Context, source int64, ids []int, dest int64) error {
	for _, id := range ids {
		if err := e.ledger.Record(ctx, repository.ForwardKey(source, id), dest, repository.Meta{}); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) event(t events.Type, job *Job, g models.MediaGroup) events.Event {
	return events.Event{Type: t, Source: job.Source.ID, Group: g.Key, MessageIDs: g.IDs()}
}

// fatal reports whether err must abort the run instead of skipping the
// destination or unit.
func fatal(err error) bool {
	return errs.Is(err, errs.KindFatal) || errs.Is(err, errs.KindCancelled)
}

func ids(msgs []models.Message) []int {
	out := make([]int, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.ID)
	}
	return out
}
