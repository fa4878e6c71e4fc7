// Package fetcher resolves a message id range against a channel's history
// and returns the messages that actually exist, oldest first.
package fetcher

import (
	"context"
	"fmt"
	"sort"

	"github.com/blockedby/tg-relay/internal/logger"
	"github.com/blockedby/tg-relay/internal/models"
	"github.com/blockedby/tg-relay/internal/retry"
)

// Page is one history response. Messages may omit entries the source does
// not represent (service messages); Scanned and LowestID always describe the
// raw response.
type Page struct {
	Messages []models.Message
	Scanned  int
	LowestID int
}

// HistorySource returns up to limit messages with id < offsetID, newest
// first. offsetID 0 means "from the newest message".
type HistorySource interface {
	History(ctx context.Context, ch models.Channel, offsetID, limit int) (Page, error)
}

// Span is an inclusive id interval.
type Span struct {
	From int `json:"from"`
	To   int `json:"to"`
}

func (s Span) Len() int { return s.To - s.From + 1 }

// Result is the outcome of a range fetch.
type Result struct {
	Messages   []models.Message
	Start      int
	End        int
	Gaps       int    // ids inside the range that do not exist
	Dropped    []Span // ids given up on as presumed deleted
	Unresolved []Span // ids still wanted when the iteration budget ran out
}

// Options tunes the fetch loop.
type Options struct {
	BatchSize    int
	MaxFruitless int
	DropChunk    int
}

// DefaultOptions matches the platform's page limit.
func DefaultOptions() Options {
	return Options{BatchSize: 100, MaxFruitless: 5, DropChunk: 100}
}

// Fetcher walks channel history from the newest wanted id downwards.
type Fetcher struct {
	src    HistorySource
	policy retry.Policy
	opts   Options
	log    *logger.Logger
}

// New creates a fetcher. Every history call runs under policy, so rate
// limit directives suspend the loop and the same iteration resumes.
func New(src HistorySource, policy retry.Policy, opts Options) *Fetcher {
	def := DefaultOptions()
	if opts.BatchSize <= 0 {
		opts.BatchSize = def.BatchSize
	}
	if opts.MaxFruitless <= 0 {
		opts.MaxFruitless = def.MaxFruitless
	}
	if opts.DropChunk <= 0 {
		opts.DropChunk = def.DropChunk
	}
	return &Fetcher{src: src, policy: policy, opts: opts, log: logger.For("fetcher")}
}

func (f *Fetcher) page(ctx context.Context, ch models.Channel, offset, limit int) (Page, error) {
	var p Page
	err := f.policy.Do(ctx, func(ctx context.Context) error {
		var err error
		p, err = f.src.History(ctx, ch, offset, limit)
		return err
	})
	return p, err
}

// Latest returns the newest message id of the channel, 0 when empty.
func (f *Fetcher) Latest(ctx context.Context, ch models.Channel) (int, error) {
	p, err := f.page(ctx, ch, 0, 1)
	if err != nil {
		return 0, fmt.Errorf("latest message of %s: %w", ch.Label(), err)
	}
	if p.Scanned == 0 {
		return 0, nil
	}
	return p.LowestID, nil
}

// Bounds resolves zero bounds: start 0 means 1, end 0 means the newest id.
func (f *Fetcher) Bounds(ctx context.Context, ch models.Channel, start, end int) (int, int, error) {
	if start <= 0 {
		start = 1
	}
	if end <= 0 {
		latest, err := f.Latest(ctx, ch)
		if err != nil {
			return 0, 0, err
		}
		end = latest
	}
	return start, end, nil
}

// Fetch returns the existing messages with start <= id <= end in ascending
// order. On failure it returns an empty result and the error.
func (f *Fetcher) Fetch(ctx context.Context, ch models.Channel, start, end int) (*Result, error) {
	start, end, err := f.Bounds(ctx, ch, start, end)
	if err != nil {
		return &Result{}, err
	}
	res := &Result{Start: start, End: end}
	if end < start {
		return res, nil
	}

	log := f.log.With().Int64("channel_id", ch.ID).Int("start", start).Int("end", end).Logger()

	// the working set is always [start, hi]: every page resolves the ids
	// between its lowest entry and the offset
	hi := end
	batch := f.opts.BatchSize
	fruitless := 0
	seen := make(map[int]struct{})

	for hi >= start {
		if err := ctx.Err(); err != nil {
			return &Result{}, err
		}

		p, err := f.page(ctx, ch, hi+1, batch)
		if err != nil {
			return &Result{}, fmt.Errorf("fetch %s [%d, %d]: %w", ch.Label(), start, end, err)
		}

		found := 0
		for _, m := range p.Messages {
			if m.ID < start || m.ID > hi {
				continue
			}
			if _, dup := seen[m.ID]; dup {
				continue
			}
			seen[m.ID] = struct{}{}
			res.Messages = append(res.Messages, m)
			found++
		}

		if p.Scanned == 0 {
			// nothing older exists
			res.Dropped = append(res.Dropped, Span{From: start, To: hi})
			log.Debug().Int("from", start).Int("to", hi).Msg("history exhausted")
			break
		}

		if p.LowestID <= hi {
			low := max(p.LowestID, start)
			res.Gaps += (hi - low + 1) - found
			hi = p.LowestID - 1
			fruitless = 0

			if p.Scanned < batch && hi >= start {
				res.Dropped = append(res.Dropped, Span{From: start, To: hi})
				log.Debug().Int("from", start).Int("to", hi).Msg("history exhausted")
				break
			}
			continue
		}

		// the page did not reach below the working set
		fruitless++
		if fruitless >= f.opts.MaxFruitless {
			res.Unresolved = append(res.Unresolved, Span{From: start, To: hi})
			log.Warn().Int("from", start).Int("to", hi).Msg("giving up on unresolved ids")
			break
		}
		if batch > 1 {
			batch /= 2
			continue
		}
		// the oldest wanted ids are the likeliest to be gone
		drop := Span{From: start, To: min(hi, start+f.opts.DropChunk-1)}
		res.Dropped = append(res.Dropped, drop)
		start = drop.To + 1
		log.Warn().Int("from", drop.From).Int("to", drop.To).Msg("dropping ids presumed deleted")
	}

	sort.Slice(res.Messages, func(i, j int) bool { return res.Messages[i].ID < res.Messages[j].ID })

	log.Info().
		Int("found", len(res.Messages)).
		Int("gaps", res.Gaps).
		Int("unresolved", countSpans(res.Unresolved)).
		Msg("range fetched")
	return res, nil
}

func countSpans(spans []Span) int {
	n := 0
	for _, s := range spans {
		n += s.Len()
	}
	return n
}
