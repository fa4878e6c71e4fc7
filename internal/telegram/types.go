package telegram

import (
	"time"

	"github.com/gotd/td/tg"

	"github.com/blockedby/tg-relay/internal/models"
)

// convertMessages keeps the regular messages of a history response.
// Service and empty messages are left out.
func convertMessages(raw []tg.MessageClass, channelID int64) []models.Message {
	out := make([]models.Message, 0, len(raw))
	for _, m := range raw {
		msg, ok := m.(*tg.Message)
		if !ok {
			continue
		}
		out = append(out, convertMessage(msg, channelID))
	}
	return out
}

// lowestID returns the smallest id of a raw history response, 0 if empty.
func lowestID(raw []tg.MessageClass) int {
	low := 0
	for _, m := range raw {
		if id := m.GetID(); low == 0 || id < low {
			low = id
		}
	}
	return low
}

// convertMessage converts a single telegram message to our Message type
func convertMessage(m *tg.Message, channelID int64) models.Message {
	grouped, _ := m.GetGroupedID()
	return models.Message{
		ID:        m.ID,
		ChannelID: channelID,
		GroupedID: grouped,
		Text:      m.Message,
		Date:      time.Unix(int64(m.Date), 0),
		Media:     convertMedia(m.Media),
	}
}

// convertMedia decides the kind of a payload once. Web pages, polls,
// locations and other non-file media count as text.
func convertMedia(media tg.MessageMediaClass) models.Media {
	switch v := media.(type) {
	case *tg.MessageMediaPhoto:
		photo, ok := v.Photo.(*tg.Photo)
		if !ok {
			return models.Media{}
		}
		return photoMedia(photo)
	case *tg.MessageMediaDocument:
		doc, ok := v.Document.(*tg.Document)
		if !ok {
			return models.Media{}
		}
		return documentMedia(doc, v.Round, v.Voice)
	default:
		return models.Media{}
	}
}

func photoMedia(p *tg.Photo) models.Media {
	m := models.Media{
		Kind: models.KindPhoto,
		Ref: models.FileRef{
			ID:            p.ID,
			AccessHash:    p.AccessHash,
			FileReference: p.FileReference,
			DCID:          p.DCID,
		},
	}
	// the largest size is the original
	for _, s := range p.Sizes {
		switch size := s.(type) {
		case *tg.PhotoSize:
			if int64(size.Size) >= m.Size {
				m.Size = int64(size.Size)
				m.Width, m.Height = size.W, size.H
				m.Ref.ThumbSize = size.Type
			}
		case *tg.PhotoSizeProgressive:
			if n := len(size.Sizes); n > 0 && int64(size.Sizes[n-1]) >= m.Size {
				m.Size = int64(size.Sizes[n-1])
				m.Width, m.Height = size.W, size.H
				m.Ref.ThumbSize = size.Type
			}
		}
	}
	return m
}

func documentMedia(d *tg.Document, round, voice bool) models.Media {
	m := models.Media{
		Kind:     models.KindDocument,
		Size:     d.Size,
		MimeType: d.MimeType,
		Ref: models.FileRef{
			ID:            d.ID,
			AccessHash:    d.AccessHash,
			FileReference: d.FileReference,
			DCID:          d.DCID,
		},
	}

	var animated, sticker bool
	for _, a := range d.Attributes {
		switch attr := a.(type) {
		case *tg.DocumentAttributeFilename:
			m.FileName = attr.FileName
		case *tg.DocumentAttributeVideo:
			m.Kind = models.KindVideo
			if attr.RoundMessage {
				round = true
			}
			m.Duration = int(attr.Duration)
			m.Width, m.Height = attr.W, attr.H
		case *tg.DocumentAttributeAudio:
			if m.Kind != models.KindVideo {
				m.Kind = models.KindAudio
			}
			if attr.Voice {
				voice = true
			}
			m.Duration = attr.Duration
			m.Title = attr.Title
			m.Performer = attr.Performer
		case *tg.DocumentAttributeAnimated:
			animated = true
		case *tg.DocumentAttributeSticker:
			sticker = true
		case *tg.DocumentAttributeImageSize:
			if m.Width == 0 {
				m.Width, m.Height = attr.W, attr.H
			}
		}
	}

	switch {
	case sticker:
		m.Kind = models.KindSticker
	case animated:
		m.Kind = models.KindAnimation
	case round:
		m.Kind = models.KindVideoNote
	case voice:
		m.Kind = models.KindVoice
	}

	// a video thumbnail is attached to re-uploads, the biggest one wins
	var best int
	for _, s := range d.Thumbs {
		if size, ok := s.(*tg.PhotoSize); ok && size.Size >= best {
			best = size.Size
			m.Thumb = size.Type
		}
	}
	return m
}

// fileLocation builds the download location of a payload or its thumbnail.
func fileLocation(media models.Media, thumb bool) tg.InputFileLocationClass {
	ref := media.Ref
	if media.Kind == models.KindPhoto {
		return &tg.InputPhotoFileLocation{
			ID:            ref.ID,
			AccessHash:    ref.AccessHash,
			FileReference: ref.FileReference,
			ThumbSize:     ref.ThumbSize,
		}
	}
	loc := &tg.InputDocumentFileLocation{
		ID:            ref.ID,
		AccessHash:    ref.AccessHash,
		FileReference: ref.FileReference,
	}
	if thumb {
		loc.ThumbSize = media.Thumb
	}
	return loc
}

// documentAttributes rebuilds the attributes of a re-uploaded file.
func documentAttributes(media models.Media) []tg.DocumentAttributeClass {
	var attrs []tg.DocumentAttributeClass
	if media.FileName != "" {
		attrs = append(attrs, &tg.DocumentAttributeFilename{FileName: media.FileName})
	}
	switch media.Kind {
	case models.KindVideo, models.KindVideoNote, models.KindAnimation:
		attrs = append(attrs, &tg.DocumentAttributeVideo{
			RoundMessage:      media.Kind == models.KindVideoNote,
			SupportsStreaming: true,
			Duration:          float64(media.Duration),
			W:                 media.Width,
			H:                 media.Height,
		})
		if media.Kind == models.KindAnimation {
			attrs = append(attrs, &tg.DocumentAttributeAnimated{})
		}
	case models.KindAudio, models.KindVoice:
		attrs = append(attrs, &tg.DocumentAttributeAudio{
			Voice:     media.Kind == models.KindVoice,
			Duration:  media.Duration,
			Title:     media.Title,
			Performer: media.Performer,
		})
	}
	return attrs
}

// sentIDs collects the ids of messages created by a send or forward call,
// in the order the server reports them.
func sentIDs(u tg.UpdatesClass) []int {
	var out []int
	collect := func(updates []tg.UpdateClass) {
		for _, up := range updates {
			switch v := up.(type) {
			case *tg.UpdateNewChannelMessage:
				out = append(out, v.Message.GetID())
			case *tg.UpdateNewMessage:
				out = append(out, v.Message.GetID())
			}
		}
	}
	switch v := u.(type) {
	case *tg.Updates:
		collect(v.Updates)
	case *tg.UpdatesCombined:
		collect(v.Updates)
	case *tg.UpdateShortSentMessage:
		out = append(out, v.ID)
	case *tg.UpdateShort:
		collect([]tg.UpdateClass{v.Update})
	}
	return out
}

// inputPeer returns the api peer of a channel.
func inputPeer(ch models.Channel) *tg.InputPeerChannel {
	return &tg.InputPeerChannel{ChannelID: ch.ID, AccessHash: ch.AccessHash}
}

func inputChannel(ch models.Channel) *tg.InputChannel {
	return &tg.InputChannel{ChannelID: ch.ID, AccessHash: ch.AccessHash}
}
