// Package telegram adapts the gotd MTProto client to the relay pipeline:
// channel resolution, history paging, media download and re-upload, albums
// and server-side forwarding.
package telegram

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"
	"sync"

	"github.com/celestix/gotgproto"
	"github.com/gotd/td/telegram/downloader"
	"github.com/gotd/td/telegram/uploader"
	"github.com/gotd/td/tg"

	"github.com/blockedby/tg-relay/internal/errs"
	"github.com/blockedby/tg-relay/internal/fetcher"
	"github.com/blockedby/tg-relay/internal/logger"
	"github.com/blockedby/tg-relay/internal/models"
	"github.com/blockedby/tg-relay/internal/ratelimit"
	"github.com/blockedby/tg-relay/internal/transfer"
)

// page limit of messages.getHistory
const maxHistoryLimit = 100

// Client wraps gotgproto client and provides high-level telegram operations.
// Every call waits on the shared rate limiter first; FLOOD_WAIT answers come
// back as errs.KindRateLimited for the caller's retry policy.
type Client struct {
	manager *Manager
	limiter *ratelimit.Controller
	log     *logger.Logger

	mu       sync.RWMutex
	channels map[int64]*tg.Channel
}

// NewClient creates a new telegram client wrapper using the Manager.
func NewClient(manager *Manager, limiter *ratelimit.Controller) *Client {
	if limiter == nil {
		limiter = ratelimit.Default()
	}
	return &Client{
		manager:  manager,
		limiter:  limiter,
		log:      logger.For("telegram"),
		channels: make(map[int64]*tg.Channel),
	}
}

// Close stops the client via the manager.
func (c *Client) Close() {
	if c.manager != nil {
		c.manager.Stop()
	}
}

// GetStatus returns the current status of the telegram client.
func (c *Client) GetStatus() Status {
	return c.manager.GetStatus()
}

// getProto returns the current protocol client if available.
func (c *Client) getProto() (*gotgproto.Client, error) {
	proto := c.manager.GetClient()
	if proto == nil {
		return nil, ErrNotAuthorized
	}
	return proto, nil
}

// API returns the raw tg.Client for direct API calls.
func (c *Client) API() (*tg.Client, error) {
	proto, err := c.getProto()
	if err != nil {
		return nil, err
	}
	return proto.API(), nil
}

// begin waits for the limiter and returns the api client.
func (c *Client) begin(ctx context.Context, op string) (*tg.Client, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	api, err := c.API()
	if err != nil {
		return nil, classify(op, err)
	}
	return api, nil
}

// ParseChannelRef splits user input into a username or a numeric id.
// Accepted forms: "@name", "name", "t.me/name", "https://t.me/name/123",
// "-1001234567890" and "1234567890".
func ParseChannelRef(text string) (username string, id int64, err error) {
	s := strings.TrimSpace(text)
	for _, prefix := range []string{"https://", "http://"} {
		s = strings.TrimPrefix(s, prefix)
	}
	for _, prefix := range []string{"t.me/", "telegram.me/", "@"} {
		s = strings.TrimPrefix(s, prefix)
	}
	if s == "" || strings.HasPrefix(s, "+") || strings.HasPrefix(s, "joinchat/") {
		return "", 0, fmt.Errorf("unsupported channel reference %q", text)
	}
	if head, _, ok := strings.Cut(s, "/"); ok {
		// t.me/c/<id>/<msg> addresses a private channel by id
		if head == "c" {
			parts := strings.Split(s, "/")
			n, perr := strconv.ParseInt(parts[1], 10, 64)
			if perr != nil {
				return "", 0, fmt.Errorf("bad channel reference %q", text)
			}
			return "", n, nil
		}
		s = head
	}
	if n, perr := strconv.ParseInt(s, 10, 64); perr == nil {
		if n < 0 {
			n = -n - 1000000000000
		}
		if n <= 0 {
			return "", 0, fmt.Errorf("bad channel id %q", text)
		}
		return "", n, nil
	}
	return s, 0, nil
}

// Resolve turns a username, link or id into a channel.
func (c *Client) Resolve(ctx context.Context, text string) (models.Channel, error) {
	username, id, err := ParseChannelRef(text)
	if err != nil {
		return models.Channel{}, errs.Permission("resolve", err)
	}

	var ch *tg.Channel
	if username != "" {
		ch, err = c.resolveUsername(ctx, username)
	} else {
		ch, err = c.channelByID(ctx, models.Channel{ID: id})
	}
	if err != nil {
		return models.Channel{}, err
	}

	info := channelInfo(ch)
	info.Input = text
	c.log.Debug().Int64("channel_id", info.ID).Str("input", text).Msg("telegram: channel resolved")
	return info, nil
}

func (c *Client) resolveUsername(ctx context.Context, username string) (*tg.Channel, error) {
	api, err := c.begin(ctx, "resolve")
	if err != nil {
		return nil, err
	}
	resolved, err := api.ContactsResolveUsername(ctx, &tg.ContactsResolveUsernameRequest{Username: username})
	if err != nil {
		return nil, classify("resolve", fmt.Errorf("resolve username %s: %w", username, err))
	}
	for _, chat := range resolved.Chats {
		if ch, ok := chat.(*tg.Channel); ok {
			c.remember(ch)
			return ch, nil
		}
	}
	return nil, errs.Permission("resolve", fmt.Errorf("%w: %s", ErrNotChannel, username))
}

// channelByID returns the cached channel or loads it.
func (c *Client) channelByID(ctx context.Context, ref models.Channel) (*tg.Channel, error) {
	c.mu.RLock()
	ch, ok := c.channels[ref.ID]
	c.mu.RUnlock()
	if ok {
		return ch, nil
	}

	api, err := c.begin(ctx, "get channel")
	if err != nil {
		return nil, err
	}
	res, err := api.ChannelsGetChannels(ctx, []tg.InputChannelClass{inputChannel(ref)})
	if err != nil {
		return nil, classify("get channel", err)
	}
	for _, chat := range res.GetChats() {
		if ch, ok := chat.(*tg.Channel); ok && ch.ID == ref.ID {
			c.remember(ch)
			return ch, nil
		}
	}
	return nil, errs.Permission("get channel", fmt.Errorf("%w: %d", ErrNotChannel, ref.ID))
}

func (c *Client) remember(ch *tg.Channel) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.channels[ch.ID] = ch
}

func channelInfo(ch *tg.Channel) models.Channel {
	return models.Channel{
		ID:         ch.ID,
		AccessHash: ch.AccessHash,
		Username:   ch.Username,
		Title:      ch.Title,
	}
}

// CanForwardDirectly reports whether the channel allows forwarding and
// saving its content.
func (c *Client) CanForwardDirectly(ctx context.Context, ch models.Channel) (bool, error) {
	full, err := c.channelByID(ctx, ch)
	if err != nil {
		return false, err
	}
	return !full.Noforwards, nil
}

// DisplayInfo returns the label and title of a channel.
func (c *Client) DisplayInfo(ctx context.Context, ch models.Channel) (string, string, error) {
	full, err := c.channelByID(ctx, ch)
	if err != nil {
		return "", "", err
	}
	info := channelInfo(full)
	return info.Label(), info.Title, nil
}

// MessageIDRange returns the newest message id of a channel, 0 if empty.
func (c *Client) MessageIDRange(ctx context.Context, ch models.Channel) (int, int, error) {
	page, err := c.History(ctx, ch, 0, 1)
	if err != nil {
		return 0, 0, err
	}
	if page.Scanned == 0 {
		return 0, 0, nil
	}
	return 1, page.LowestID, nil
}

// History implements fetcher.HistorySource.
func (c *Client) History(ctx context.Context, ch models.Channel, offsetID, limit int) (fetcher.Page, error) {
	limit = min(max(limit, 1), maxHistoryLimit)

	api, err := c.begin(ctx, "history")
	if err != nil {
		return fetcher.Page{}, err
	}
	c.log.Debug().Int64("channel_id", ch.ID).Int("offset_id", offsetID).Int("limit", limit).Msg("telegram: get history")
	res, err := api.MessagesGetHistory(ctx, &tg.MessagesGetHistoryRequest{
		Peer:     inputPeer(ch),
		OffsetID: offsetID,
		Limit:    limit,
	})
	if err != nil {
		return fetcher.Page{}, classify("history", err)
	}
	modified, ok := res.AsModified()
	if !ok {
		return fetcher.Page{}, nil
	}
	raw := modified.GetMessages()
	return fetcher.Page{
		Messages: convertMessages(raw, ch.ID),
		Scanned:  len(raw),
		LowestID: lowestID(raw),
	}, nil
}

// GetMessage re-reads a message, which also refreshes its file reference.
func (c *Client) GetMessage(ctx context.Context, ch models.Channel, id int) (models.Message, error) {
	api, err := c.begin(ctx, "get message")
	if err != nil {
		return models.Message{}, err
	}
	res, err := api.ChannelsGetMessages(ctx, &tg.ChannelsGetMessagesRequest{
		Channel: inputChannel(ch),
		ID:      []tg.InputMessageClass{&tg.InputMessageID{ID: id}},
	})
	if err != nil {
		return models.Message{}, classify("get message", err)
	}
	if modified, ok := res.AsModified(); ok {
		for _, m := range convertMessages(modified.GetMessages(), ch.ID) {
			if m.ID == id {
				return m, nil
			}
		}
	}
	return models.Message{}, errs.DataIntegrity("get message", fmt.Errorf("message %d not found in %s", id, ch.Label()))
}

// Download fetches the payload of msg into memory.
func (c *Client) Download(ctx context.Context, msg models.Message) ([]byte, error) {
	if !msg.Kind().HasFile() {
		return nil, errs.DataIntegrity("download", errors.New("message has no file"))
	}
	return c.download(ctx, "download", fileLocation(msg.Media, false))
}

// DownloadThumb fetches the thumbnail of a document.
func (c *Client) DownloadThumb(ctx context.Context, msg models.Message) ([]byte, error) {
	if !msg.Media.HasThumb() || msg.Kind() == models.KindPhoto {
		return nil, errs.DataIntegrity("thumb", errors.New("message has no thumbnail"))
	}
	return c.download(ctx, "thumb", fileLocation(msg.Media, true))
}

func (c *Client) download(ctx context.Context, op string, loc tg.InputFileLocationClass) ([]byte, error) {
	api, err := c.begin(ctx, op)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if _, err := downloader.NewDownloader().Download(api, loc).Stream(ctx, &buf); err != nil {
		return nil, classify(op, err)
	}
	return buf.Bytes(), nil
}

// SendText posts a text message.
func (c *Client) SendText(ctx context.Context, dest models.Channel, text string) (int, error) {
	api, err := c.begin(ctx, "send text")
	if err != nil {
		return 0, err
	}
	res, err := api.MessagesSendMessage(ctx, &tg.MessagesSendMessageRequest{
		Peer:     inputPeer(dest),
		Message:  text,
		RandomID: rand.Int64(),
	})
	if err != nil {
		return 0, classify("send text", err)
	}
	ids := sentIDs(res)
	if len(ids) == 0 {
		return 0, nil
	}
	return ids[0], nil
}

// SendSingle uploads one file and posts it with caption.
func (c *Client) SendSingle(ctx context.Context, dest models.Channel, item transfer.UploadItem, caption string) ([]int, error) {
	media, err := c.uploadMedia(ctx, item)
	if err != nil {
		return nil, err
	}
	api, err := c.begin(ctx, "send media")
	if err != nil {
		return nil, err
	}
	res, err := api.MessagesSendMedia(ctx, &tg.MessagesSendMediaRequest{
		Peer:     inputPeer(dest),
		Media:    media,
		Message:  caption,
		RandomID: rand.Int64(),
	})
	if err != nil {
		return nil, classify("send media", err)
	}
	return sentIDs(res), nil
}

// SendAlbum uploads files and posts them as one album. The caption goes on
// the first item.
func (c *Client) SendAlbum(ctx context.Context, dest models.Channel, items []transfer.UploadItem, caption string) ([]int, error) {
	if len(items) < 2 || len(items) > 10 {
		return nil, errs.DataIntegrity("send album", fmt.Errorf("album of %d items", len(items)))
	}

	multi := make([]tg.InputSingleMedia, 0, len(items))
	for i, item := range items {
		uploaded, err := c.uploadMedia(ctx, item)
		if err != nil {
			return nil, err
		}
		// album members must reference media already stored server-side
		media, err := c.storeMedia(ctx, dest, uploaded)
		if err != nil {
			return nil, err
		}
		single := tg.InputSingleMedia{Media: media, RandomID: rand.Int64()}
		if i == 0 {
			single.Message = caption
		}
		multi = append(multi, single)
	}

	api, err := c.begin(ctx, "send album")
	if err != nil {
		return nil, err
	}
	res, err := api.MessagesSendMultiMedia(ctx, &tg.MessagesSendMultiMediaRequest{
		Peer:       inputPeer(dest),
		MultiMedia: multi,
	})
	if err != nil {
		return nil, classify("send album", err)
	}
	return sentIDs(res), nil
}

// uploadMedia uploads the staged file (and its thumbnail) of an item.
func (c *Client) uploadMedia(ctx context.Context, item transfer.UploadItem) (tg.InputMediaClass, error) {
	file, err := c.uploadFile(ctx, item.Path)
	if err != nil {
		return nil, err
	}
	if item.Media.Kind == models.KindPhoto {
		return &tg.InputMediaUploadedPhoto{File: file}, nil
	}

	doc := &tg.InputMediaUploadedDocument{
		File:       file,
		MimeType:   item.Media.MimeType,
		Attributes: documentAttributes(item.Media),
	}
	if doc.MimeType == "" {
		doc.MimeType = "application/octet-stream"
	}
	if item.Media.Kind == models.KindDocument {
		doc.ForceFile = true
	}
	if item.ThumbPath != "" {
		thumb, err := c.uploadFile(ctx, item.ThumbPath)
		if err != nil {
			c.log.Warn().Err(err).Int("message_id", item.MessageID).Msg("telegram: thumbnail upload failed, sending without")
		} else {
			doc.Thumb = thumb
		}
	}
	return doc, nil
}

func (c *Client) uploadFile(ctx context.Context, path string) (tg.InputFileClass, error) {
	api, err := c.begin(ctx, "upload")
	if err != nil {
		return nil, err
	}
	file, err := uploader.NewUploader(api).FromPath(ctx, path)
	if err != nil {
		return nil, classify("upload", err)
	}
	return file, nil
}

// storeMedia turns uploaded media into a server-side photo or document.
func (c *Client) storeMedia(ctx context.Context, dest models.Channel, media tg.InputMediaClass) (tg.InputMediaClass, error) {
	api, err := c.begin(ctx, "upload media")
	if err != nil {
		return nil, err
	}
	stored, err := api.MessagesUploadMedia(ctx, &tg.MessagesUploadMediaRequest{
		Peer:  inputPeer(dest),
		Media: media,
	})
	if err != nil {
		return nil, classify("upload media", err)
	}
	switch v := stored.(type) {
	case *tg.MessageMediaPhoto:
		if photo, ok := v.Photo.(*tg.Photo); ok {
			return &tg.InputMediaPhoto{ID: photo.AsInput()}, nil
		}
	case *tg.MessageMediaDocument:
		if doc, ok := v.Document.(*tg.Document); ok {
			return &tg.InputMediaDocument{ID: doc.AsInput()}, nil
		}
	}
	return nil, errs.DataIntegrity("upload media", fmt.Errorf("unexpected media %T", stored))
}

// Forward copies messages server-side. With HideAuthor the copies carry no
// forward header.
func (c *Client) Forward(ctx context.Context, from models.Channel, ids []int, dest models.Channel, opts transfer.ForwardOptions) ([]int, error) {
	randomIDs := make([]int64, len(ids))
	for i := range randomIDs {
		randomIDs[i] = rand.Int64()
	}

	api, err := c.begin(ctx, "forward")
	if err != nil {
		return nil, err
	}
	res, err := api.MessagesForwardMessages(ctx, &tg.MessagesForwardMessagesRequest{
		FromPeer:          inputPeer(from),
		ID:                ids,
		RandomID:          randomIDs,
		ToPeer:            inputPeer(dest),
		DropAuthor:        opts.HideAuthor,
		DropMediaCaptions: opts.DropCaptions,
	})
	if err != nil {
		return nil, classify("forward", err)
	}
	return sentIDs(res), nil
}
