package models

import (
	"fmt"
	"strings"
)

// MediaKind is the closed set of payload kinds a message can carry.
type MediaKind int

// MediaKind constants. KindNone is a text-only (or unsupported media) message.
const (
	KindNone MediaKind = iota
	KindPhoto
	KindVideo
	KindDocument
	KindAudio
	KindAnimation
	KindSticker
	KindVoice
	KindVideoNote
)

var kindNames = map[MediaKind]string{
	KindNone:      "text",
	KindPhoto:     "photo",
	KindVideo:     "video",
	KindDocument:  "document",
	KindAudio:     "audio",
	KindAnimation: "animation",
	KindSticker:   "sticker",
	KindVoice:     "voice",
	KindVideoNote: "video_note",
}

// String returns the configuration name of the kind.
func (k MediaKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// HasFile reports whether the kind carries downloadable bytes.
func (k MediaKind) HasFile() bool {
	return k != KindNone
}

// ParseMediaKind maps a configuration name to a kind.
// "text" and "none" both select text-only messages.
func ParseMediaKind(s string) (MediaKind, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	switch name {
	case "none", "text":
		return KindNone, nil
	case "videonote", "video-note":
		return KindVideoNote, nil
	case "gif":
		return KindAnimation, nil
	}
	for kind, kn := range kindNames {
		if kn == name {
			return kind, nil
		}
	}
	return KindNone, fmt.Errorf("unknown media kind %q", s)
}

// ParseMediaKinds parses a list of configuration names into a set.
// An empty list yields nil, which callers treat as "all kinds".
func ParseMediaKinds(names []string) (map[MediaKind]bool, error) {
	if len(names) == 0 {
		return nil, nil
	}
	set := make(map[MediaKind]bool, len(names))
	for _, n := range names {
		k, err := ParseMediaKind(n)
		if err != nil {
			return nil, err
		}
		set[k] = true
	}
	return set, nil
}

// FileRef locates remote bytes for a media payload.
type FileRef struct {
	ID            int64  `json:"id"`
	AccessHash    int64  `json:"access_hash"`
	FileReference []byte `json:"file_reference,omitempty"`
	DCID          int    `json:"dc_id"`
	ThumbSize     string `json:"thumb_size,omitempty"` // photo size type to download (photos only)
}

// Media describes the payload of a message.
type Media struct {
	Kind      MediaKind `json:"kind"`
	Size      int64     `json:"size"` // approximate byte size, 0 if unknown
	FileName  string    `json:"file_name,omitempty"`
	MimeType  string    `json:"mime_type,omitempty"`
	Ref       FileRef   `json:"ref"`
	Thumb     string    `json:"thumb,omitempty"` // thumbnail size type, empty if none
	Duration  int       `json:"duration,omitempty"`
	Width     int       `json:"width,omitempty"`
	Height    int       `json:"height,omitempty"`
	Title     string    `json:"title,omitempty"`     // audio title
	Performer string    `json:"performer,omitempty"` // audio performer
}

// HasThumb reports whether a remote thumbnail can be fetched.
func (m Media) HasThumb() bool {
	return m.Thumb != ""
}

// Extension guesses a file extension for staging the payload on disk.
func (m Media) Extension() string {
	if m.FileName != "" {
		if i := strings.LastIndexByte(m.FileName, '.'); i >= 0 && i < len(m.FileName)-1 {
			return strings.ToLower(m.FileName[i:])
		}
	}
	switch m.Kind {
	case KindPhoto:
		return ".jpg"
	case KindVideo, KindAnimation, KindVideoNote:
		return ".mp4"
	case KindVoice:
		return ".ogg"
	case KindAudio:
		return ".mp3"
	case KindSticker:
		return ".webp"
	default:
		return ".bin"
	}
}
