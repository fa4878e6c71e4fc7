package models

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Message is an immutable snapshot of a channel post.
type Message struct {
	ID        int       `json:"id"`                   // message id (monotonic within channel)
	ChannelID int64     `json:"channel_id"`           // source channel id
	GroupedID int64     `json:"grouped_id,omitempty"` // album id, 0 for standalone posts
	Text      string    `json:"text,omitempty"`       // text or caption
	Date      time.Time `json:"date"`                 // message creation timestamp
	Media     Media     `json:"media"`
}

// Kind is a shortcut for Media.Kind.
func (m Message) Kind() MediaKind {
	return m.Media.Kind
}

// GroupKey returns the bucket key used to cluster album members.
// Standalone messages get a synthetic per-message key.
func (m Message) GroupKey() string {
	if m.GroupedID != 0 {
		return fmt.Sprintf("g%d", m.GroupedID)
	}
	return fmt.Sprintf("m%d_%d", m.ChannelID, m.ID)
}

// MediaGroup is an ID-ascending set of messages transferred as one post.
type MediaGroup struct {
	Key      string    `json:"key"`
	Source   int64     `json:"source"`
	Messages []Message `json:"messages"`
	// caption overrides the member captions when set (chunking, text rules)
	caption *string
}

// NewMediaGroup builds a group from members, sorting them by id.
func NewMediaGroup(key string, msgs []Message) MediaGroup {
	sorted := make([]Message, len(msgs))
	copy(sorted, msgs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })
	g := MediaGroup{Key: key, Messages: sorted}
	if len(sorted) > 0 {
		g.Source = sorted[0].ChannelID
	}
	return g
}

// Caption is the first non-empty member caption, unless overridden.
func (g MediaGroup) Caption() string {
	if g.caption != nil {
		return *g.caption
	}
	for _, m := range g.Messages {
		if strings.TrimSpace(m.Text) != "" {
			return m.Text
		}
	}
	return ""
}

// WithCaption returns a copy of the group with an explicit caption.
func (g MediaGroup) WithCaption(caption string) MediaGroup {
	g.caption = &caption
	return g
}

// IDs returns the member message ids in order.
func (g MediaGroup) IDs() []int {
	ids := make([]int, 0, len(g.Messages))
	for _, m := range g.Messages {
		ids = append(ids, m.ID)
	}
	return ids
}

// IsAlbum reports whether the group has more than one member.
func (g MediaGroup) IsAlbum() bool {
	return len(g.Messages) > 1
}

// HasFiles reports whether any member carries downloadable media.
func (g MediaGroup) HasFiles() bool {
	for _, m := range g.Messages {
		if m.Media.Kind.HasFile() {
			return true
		}
	}
	return false
}

// TotalSize sums the approximate member sizes.
func (g MediaGroup) TotalSize() int64 {
	var n int64
	for _, m := range g.Messages {
		n += m.Media.Size
	}
	return n
}

// TransferUnit is a group plus the destinations still waiting for it.
type TransferUnit struct {
	Seq     int        `json:"seq"`
	Group   MediaGroup `json:"group"`
	Pending []Channel  `json:"pending"`
}

// Done reports whether no destination is pending.
func (u TransferUnit) Done() bool {
	return len(u.Pending) == 0
}
