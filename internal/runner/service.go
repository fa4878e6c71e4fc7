// Package runner drives relay runs: it resolves the channel pairs of a run
// configuration, fetches and groups their history and hands the resulting
// units to the transfer engine.
package runner

import (
	"context"
	"fmt"
	"time"

	"github.com/blockedby/tg-relay/internal/collector"
	"github.com/blockedby/tg-relay/internal/config"
	"github.com/blockedby/tg-relay/internal/errs"
	"github.com/blockedby/tg-relay/internal/events"
	"github.com/blockedby/tg-relay/internal/fetcher"
	"github.com/blockedby/tg-relay/internal/logger"
	"github.com/blockedby/tg-relay/internal/models"
	"github.com/blockedby/tg-relay/internal/resource"
	"github.com/blockedby/tg-relay/internal/retry"
	"github.com/blockedby/tg-relay/internal/transfer"
)

// Platform is everything a run needs from the messaging service.
type Platform interface {
	fetcher.HistorySource
	transfer.Remote

	Resolve(ctx context.Context, text string) (models.Channel, error)
	CanForwardDirectly(ctx context.Context, ch models.Channel) (bool, error)
	DisplayInfo(ctx context.Context, ch models.Channel) (label, title string, err error)
}

// Transfer modes.
const (
	ModeDirect = "direct"
	ModeStaged = "staged"
)

// PairReport describes what happened to one channel pair.
type PairReport struct {
	Source     string           `json:"source"`
	SourceID   int64            `json:"source_id,omitempty"`
	Title      string           `json:"title,omitempty"`
	Targets    []int64          `json:"targets,omitempty"`
	Mode       string           `json:"mode,omitempty"`
	Fetched    int              `json:"fetched"`
	Gaps       int              `json:"gaps"`
	Groups     int              `json:"groups"`
	Units      int              `json:"units"`
	SkipReason string           `json:"skip_reason,omitempty"`
	FinalSent  bool             `json:"final_sent,omitempty"`
	Summary    transfer.Summary `json:"summary"`
}

// Report is the outcome of a whole run.
type Report struct {
	Pairs    []PairReport     `json:"pairs"`
	Summary  transfer.Summary `json:"summary"`
	Duration time.Duration    `json:"duration"`
}

// Service executes run configurations.
type Service struct {
	platform  Platform
	ledger    transfer.Ledger
	res       *resource.Manager
	policy    retry.Policy
	fetchOpts fetcher.Options
	opts      transfer.Options
	log       *logger.Logger
}

// NewService creates a run service.
func NewService(
	platform Platform,
	ledger transfer.Ledger,
	res *resource.Manager,
	policy retry.Policy,
	opts transfer.Options,
	log *logger.Logger,
) *Service {
	if log == nil {
		log = logger.For("runner")
	}
	return &Service{
		platform:  platform,
		ledger:    ledger,
		res:       res,
		policy:    policy,
		fetchOpts: fetcher.DefaultOptions(),
		opts:      opts,
		log:       log,
	}
}

// SetFetchOptions overrides the history paging settings.
func (s *Service) SetFetchOptions(opts fetcher.Options) {
	s.fetchOpts = opts
}

// Execute runs every pair in order. A pair that cannot be read is skipped;
// only fatal errors and cancellation stop the run. Temporary files the run
// still tracks when it ends are removed; kept groups are not tracked.
func (s *Service) Execute(ctx context.Context, runID string, rc *config.RunConfig, emit events.Emitter, gate *transfer.Gate) (*Report, error) {
	if emit == nil {
		emit = events.Nop
	}
	started := time.Now()
	report := &Report{}

	var runErr error
	for _, pair := range rc.Pairs {
		if err := gate.Wait(ctx); err != nil {
			runErr = err
			break
		}
		pr, err := s.RunPair(ctx, runID, pair, emit, gate)
		report.Pairs = append(report.Pairs, pr)
		report.Summary.Add(pr.Summary)
		if err != nil {
			runErr = err
			break
		}
	}
	report.Duration = time.Since(started)

	if s.res != nil && runID != "" {
		if n := s.res.CleanupSession(runID); n > 0 {
			s.log.Debug().Int("removed", n).Str("run_id", runID).Msg("leftover files removed")
		}
	}

	ev := events.Event{Type: events.RunComplete, Summary: report.Summary}
	if runErr != nil {
		ev.Error = runErr.Error()
	}
	emit.Emit(ev)

	s.log.Info().
		Int("pairs", len(report.Pairs)).
		Int64("units", report.Summary.Units).
		Int64("satisfied", report.Summary.Satisfied).
		Dur("duration", report.Duration).
		Err(runErr).
		Msg("run finished")
	return report, runErr
}

// RunPair relays one source channel to its targets.
func (s *Service) RunPair(ctx context.Context, runID string, pair config.Pair, emit events.Emitter, gate *transfer.Gate) (PairReport, error) {
	pr := PairReport{Source: pair.Source}
	log := s.log.With().Str("source", pair.Source).Logger()

	skip := func(reason string, err error) (PairReport, error) {
		if err != nil && stops(err) {
			return pr, err
		}
		pr.SkipReason = reason
		ev := events.Event{Type: events.PairSkipped, Source: pr.SourceID, Error: reason}
		if err != nil {
			ev.Error = fmt.Sprintf("%s: %v", reason, err)
		}
		emit.Emit(ev)
		log.Warn().Err(err).Str("reason", reason).Msg("pair skipped")
		return pr, nil
	}

	src, err := s.resolve(ctx, pair.Source)
	if err != nil {
		return skip("source unresolved", err)
	}
	pr.SourceID = src.ID
	if _, title, err := s.platform.DisplayInfo(ctx, src); err == nil {
		pr.Title = title
	}

	var dests []models.Channel
	for _, t := range pair.Targets {
		d, err := s.resolve(ctx, t)
		if err != nil {
			if stops(err) {
				return pr, err
			}
			log.Warn().Err(err).Str("target", t).Msg("target unresolved, skipping")
			continue
		}
		if d.ID == src.ID {
			log.Warn().Str("target", t).Msg("target is the source, skipping")
			continue
		}
		dests = append(dests, d)
	}
	if len(dests) == 0 {
		return skip("no reachable targets", nil)
	}
	pr.Targets = models.ChannelIDs(dests)

	direct, err := s.platform.CanForwardDirectly(ctx, src)
	if err != nil {
		return skip("source unreadable", err)
	}
	filter, err := pair.Filter()
	if err != nil {
		return skip("invalid filter", err)
	}

	f := fetcher.New(s.platform, s.policy, s.fetchOpts)
	res, err := f.Fetch(ctx, src, pair.StartID, pair.EndID)
	if err != nil {
		return skip("history unreadable", err)
	}
	pr.Fetched = len(res.Messages)
	pr.Gaps = res.Gaps

	collected, stats := collector.Collect(res.Messages, filter)
	var groups []models.MediaGroup
	for _, g := range collected {
		groups = append(groups, collector.Chunk(g, collector.MaxAlbumSize)...)
	}
	pr.Groups = len(groups)

	units, err := transfer.BuildUnits(ctx, s.ledger, groups, dests)
	if err != nil {
		return pr, err
	}
	pr.Units = len(units)

	pr.Mode = ModeDirect
	if !direct || pair.ForceStage || len(pair.TextReplacements) > 0 {
		pr.Mode = ModeStaged
	}

	emit.Emit(events.Event{Type: events.PairStarted, Source: src.ID, Summary: map[string]any{
		"mode":    pr.Mode,
		"targets": pr.Targets,
		"start":   res.Start,
		"end":     res.End,
		"groups":  len(groups),
		"units":   len(units),
	}})
	log.Info().
		Int64("channel_id", src.ID).
		Str("targets", models.DescribeChannels(dests)).
		Str("mode", pr.Mode).
		Int("fetched", pr.Fetched).
		Int("gaps", res.Gaps).
		Int("keyword_skipped", stats.KeywordSkipped).
		Int("kind_skipped", stats.KindSkipped).
		Int("groups", len(groups)).
		Int("units", len(units)).
		Msg("pair started")

	engine := transfer.NewEngine(s.platform, s.ledger, s.res, s.policy, emit, gate, s.opts, logger.For("transfer"))
	job := &transfer.Job{Source: src, Units: units, HideAuthor: pair.Hidden(), Rules: pair.Rules(), Session: runID}

	var sum transfer.Summary
	if pr.Mode == ModeDirect {
		sum, err = engine.RunDirect(ctx, job)
	} else {
		sum, err = engine.RunStaged(ctx, job)
	}
	pr.Summary = sum
	if err != nil {
		return pr, err
	}

	if pair.FinalMessage != "" && sum.Satisfied > 0 {
		pr.FinalSent = s.sendFinal(ctx, pair.FinalMessage, dests)
	}
	return pr, nil
}

// sendFinal posts the closing message to every target. Failures are logged.
func (s *Service) sendFinal(ctx context.Context, text string, dests []models.Channel) bool {
	sent := false
	for _, d := range dests {
		err := s.policy.Do(ctx, func(ctx context.Context) error {
			_, err := s.platform.SendText(ctx, d, text)
			return err
		})
		if err != nil {
			s.log.Warn().Err(err).Int64("dest", d.ID).Msg("final message failed")
			continue
		}
		sent = true
	}
	return sent
}

func (s *Service) resolve(ctx context.Context, text string) (models.Channel, error) {
	var ch models.Channel
	err := s.policy.Do(ctx, func(ctx context.Context) error {
		var err error
		ch, err = s.platform.Resolve(ctx, text)
		return err
	})
	return ch, err
}

// stops reports whether err ends the run rather than the pair.
func stops(err error) bool {
	return errs.Is(err, errs.KindFatal) || errs.Is(err, errs.KindCancelled)
}
