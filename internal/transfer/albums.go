package transfer

import (
	"github.com/blockedby/tg-relay/internal/collector"
	"github.com/blockedby/tg-relay/internal/models"
)

type albumClass int

const (
	classSingle albumClass = iota
	classVisual
	classDocument
	classAudio
)

// classOf returns which kinds may share an album with k.
func classOf(k models.MediaKind) albumClass {
	switch k {
	case models.KindPhoto, models.KindVideo:
		return classVisual
	case models.KindDocument:
		return classDocument
	case models.KindAudio:
		return classAudio
	default:
		return classSingle
	}
}

// batchItems splits items into sendable batches: consecutive items of a
// compatible class form albums of at most collector.MaxAlbumSize, everything
// else is sent alone. Item order is preserved.
func batchItems(items []stagedItem) [][]stagedItem {
	var out [][]stagedItem
	var cur []stagedItem
	curClass := classSingle

	flush := func() {
		if len(cur) > 0 {
			out = append(out, cur)
			cur = nil
		}
	}

	for _, it := range items {
		cls := classOf(it.msg.Kind())
		if cls == classSingle {
			flush()
			out = append(out, []stagedItem{it})
			continue
		}
		if cls != curClass || len(cur) == collector.MaxAlbumSize {
			flush()
		}
		curClass = cls
		cur = append(cur, it)
	}
	flush()
	return out
}
