package transfer

import (
	"context"
	"fmt"

	"github.com/blockedby/tg-relay/internal/events"
	"github.com/blockedby/tg-relay/internal/models"
)

// RunDirect forwards every unit server-side. A destination that fails is
// logged and skipped; the other destinations and units carry on.
func (e *Engine) RunDirect(ctx context.Context, job *Job) (Summary, error) {
	var c counters
	opts := ForwardOptions{HideAuthor: job.HideAuthor, DropCaptions: job.Rules.StripCaptions}

	for _, unit := range job.Units {
		if err := e.gate.Wait(ctx); err != nil {
			return c.summary(), err
		}
		c.units.Add(1)
		e.emit.Emit(e.event(events.UnitFound, job, unit.Group))

		for _, dest := range unit.Pending {
			if err := ctx.Err(); err != nil {
				return c.summary(), err
			}
			if err := e.forwardUnit(ctx, job, unit, dest, opts, &c); err != nil {
				return c.summary(), err
			}
		}
	}
	return c.summary(), nil
}

func (e *Engine) forwardUnit(ctx context.Context, job *Job, unit models.TransferUnit, dest models.Channel, opts ForwardOptions, c *counters) error {
	g := unit.Group
	log := e.log.With().Str("group", g.Key).Int64("dest", dest.ID).Logger()

	missing, err := missingMembers(ctx, e.ledger, g, dest.ID)
	if err != nil {
		return err
	}
	if len(missing) == 0 {
		c.skipped.Add(1)
		return nil
	}
	msgIDs := ids(missing)

	err = e.policy.Do(ctx, func(ctx context.Context) error {
		_, err := e.remote.Forward(ctx, job.Source, msgIDs, dest, opts)
		return err
	})
	if err != nil {
		if fatal(err) {
			return err
		}
		c.sendFailed.Add(1)
		log.Warn().Err(err).Ints("message_ids", msgIDs).Msg("forward failed, skipping destination")
		ev := e.event(events.UploadFailed, job, g)
		ev.Dest = dest.ID
		ev.Error = err.Error()
		e.emit.Emit(ev)
		return nil
	}

	if err := e.recordForwards(ctx, job.Source.ID, msgIDs, dest.ID); err != nil {
		return fmt.Errorf("record forward of %s: %w", g.Key, err)
	}
	c.forwarded.Add(int64(len(msgIDs)))
	c.satisfied.Add(1)

	ev := e.event(events.DestinationSatisfied, job, g)
	ev.Dest = dest.ID
	e.emit.Emit(ev)
	log.Debug().Ints("message_ids", msgIDs).Msg("forwarded")
	return nil
}
