// Package collector clusters fetched messages into media groups and applies
// the content filters of a channel pair.
package collector

import (
	"fmt"
	"strings"

	"github.com/blockedby/tg-relay/internal/models"
)

// MaxAlbumSize is the platform limit of items per album.
const MaxAlbumSize = 10

// Filter selects which groups and members are transferred. A nil Kinds map
// allows every kind; an empty Keywords list matches every group.
type Filter struct {
	Kinds    map[models.MediaKind]bool
	Keywords []Synonyms
}

// Allows reports whether a member of the given kind is kept.
func (f Filter) Allows(kind models.MediaKind) bool {
	if f.Kinds == nil {
		return true
	}
	return f.Kinds[kind]
}

// Stats counts what the collector dropped.
type Stats struct {
	Messages       int `json:"messages"`
	Groups         int `json:"groups"`
	KeywordSkipped int `json:"keyword_skipped"`
	KindSkipped    int `json:"kind_skipped"`
	Empty          int `json:"empty"`
}

// Collect buckets messages by group key in first-seen order and applies the
// filter. Keyword matching is evaluated once per group over all member
// texts; the kind filter then drops disallowed members, and groups left
// without members are dropped.
func Collect(msgs []models.Message, filter Filter) ([]models.MediaGroup, Stats) {
	stats := Stats{Messages: len(msgs)}

	var order []string
	buckets := make(map[string][]models.Message)
	for _, m := range msgs {
		if isEmpty(m) {
			stats.Empty++
			continue
		}
		key := m.GroupKey()
		if _, ok := buckets[key]; !ok {
			order = append(order, key)
		}
		buckets[key] = append(buckets[key], m)
	}

	matched := make(map[string]bool, len(order))
	groups := make([]models.MediaGroup, 0, len(order))
	for _, key := range order {
		members := buckets[key]

		ok, cached := matched[key]
		if !cached {
			ok = matchesKeywords(members, filter.Keywords)
			matched[key] = ok
		}
		if !ok {
			stats.KeywordSkipped++
			continue
		}

		kept := members[:0:0]
		for _, m := range members {
			if filter.Allows(m.Kind()) {
				kept = append(kept, m)
			}
		}
		if len(kept) == 0 {
			stats.KindSkipped++
			continue
		}

		g := models.NewMediaGroup(key, kept)
		// the caption may sit on a member the kind filter removed
		if caption := models.NewMediaGroup(key, members).Caption(); caption != g.Caption() {
			g = g.WithCaption(caption)
		}
		groups = append(groups, g)
	}

	stats.Groups = len(groups)
	return groups, stats
}

// Chunk splits a group into pieces of at most size members. Only the first
// piece keeps the caption; later pieces get a "_<n>" key suffix.
func Chunk(g models.MediaGroup, size int) []models.MediaGroup {
	if size <= 0 {
		size = MaxAlbumSize
	}
	if len(g.Messages) <= size {
		return []models.MediaGroup{g}
	}

	caption := g.Caption()
	var out []models.MediaGroup
	for i := 0; i < len(g.Messages); i += size {
		end := min(i+size, len(g.Messages))
		key := g.Key
		if i > 0 {
			key = fmt.Sprintf("%s_%d", g.Key, i/size)
		}
		part := models.NewMediaGroup(key, g.Messages[i:end])
		if i == 0 {
			part = part.WithCaption(caption)
		} else {
			part = part.WithCaption("")
		}
		out = append(out, part)
	}
	return out
}

func isEmpty(m models.Message) bool {
	return m.Kind() == models.KindNone && strings.TrimSpace(m.Text) == ""
}

func matchesKeywords(members []models.Message, keywords []Synonyms) bool {
	if len(keywords) == 0 {
		return true
	}
	for _, m := range members {
		text := strings.ToLower(m.Text)
		if text == "" {
			continue
		}
		for _, syn := range keywords {
			if syn.Match(text) {
				return true
			}
		}
	}
	return false
}
