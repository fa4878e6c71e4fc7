package events

import (
	"github.com/rs/zerolog"

	"github.com/blockedby/tg-relay/internal/logger"
)

// LogSink returns a subscriber that writes events to the log.
func LogSink(l *logger.Logger) func(Event) {
	return func(e Event) {
		var ev *zerolog.Event
		switch e.Type {
		case DownloadFailed, UploadFailed, PairSkipped:
			ev = l.Warn()
		case RateLimited:
			ev = l.Warn().Float64("wait_seconds", e.Wait)
		case DownloadStarted, DownloadDone, UploadDone:
			ev = l.Debug()
		default:
			ev = l.Info()
		}

		ev = ev.Uint64("seq", e.Seq).Str("run_id", e.RunID)
		if e.Source != 0 {
			ev = ev.Int64("source", e.Source)
		}
		if e.Dest != 0 {
			ev = ev.Int64("dest", e.Dest)
		}
		if e.Group != "" {
			ev = ev.Str("group", e.Group)
		}
		if len(e.MessageIDs) > 0 {
			ev = ev.Ints("message_ids", e.MessageIDs)
		}
		if e.Bytes > 0 {
			ev = ev.Int64("bytes", e.Bytes)
		}
		if e.Error != "" {
			ev = ev.Str("error", e.Error)
		}
		if e.Summary != nil {
			ev = ev.Interface("summary", e.Summary)
		}
		ev.Msg(string(e.Type))
	}
}
