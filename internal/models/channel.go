// Package models defines shared data types for the transfer pipeline.
package models

import (
	"fmt"
	"strings"
)

// Channel is a resolved source or destination stream.
type Channel struct {
	ID         int64  `json:"id"`                 // canonical channel id (without -100 prefix)
	AccessHash int64  `json:"access_hash"`        // access hash for api calls
	Username   string `json:"username,omitempty"` // channel username (without @)
	Title      string `json:"title,omitempty"`    // channel title
	Input      string `json:"input,omitempty"`    // text the channel was resolved from
}

// Label returns a human-readable name for logs and events.
func (c Channel) Label() string {
	switch {
	case c.Username != "":
		return "@" + c.Username
	case c.Title != "":
		return c.Title
	default:
		return fmt.Sprintf("%d", c.ID)
	}
}

// PeerID returns the bot-api style id (-100 prefixed) used in configuration files.
func (c Channel) PeerID() int64 {
	return -(1000000000000 + c.ID)
}

// ChannelIDs returns the ids of the given channels.
func ChannelIDs(chs []Channel) []int64 {
	ids := make([]int64, 0, len(chs))
	for _, ch := range chs {
		ids = append(ids, ch.ID)
	}
	return ids
}

// DescribeChannels joins channel labels for log output.
func DescribeChannels(chs []Channel) string {
	labels := make([]string, 0, len(chs))
	for _, ch := range chs {
		labels = append(labels, ch.Label())
	}
	return strings.Join(labels, ", ")
}
