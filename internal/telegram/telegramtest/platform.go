// Package telegramtest provides an in-memory channel platform for tests.
package telegramtest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/blockedby/tg-relay/internal/errs"
	"github.com/blockedby/tg-relay/internal/fetcher"
	"github.com/blockedby/tg-relay/internal/models"
	"github.com/blockedby/tg-relay/internal/transfer"
)

// Op names a platform call for counting and failure injection.
type Op string

const (
	OpHistory  Op = "history"
	OpDownload Op = "download"
	OpThumb    Op = "thumb"
	OpGet      Op = "get"
	OpText     Op = "text"
	OpSingle   Op = "single"
	OpAlbum    Op = "album"
	OpForward  Op = "forward"
)

type channel struct {
	info       models.Channel
	restricted bool
	msgs       map[int]models.Message
	content    map[int][]byte
	nextID     int
}

type failure struct {
	dest  int64 // 0 matches every destination
	err   error
	times int // <0 means forever
}

// Platform is a fake of the remote service.
type Platform struct {
	mu       sync.Mutex
	channels map[int64]*channel
	nextChan int64
	nextGrp  int64
	calls    map[Op]int
	fails    map[Op][]*failure
	stale    map[int]bool

	// DownloadDelay, when set, is slept before every download.
	DownloadDelay func(msgID int) time.Duration
}

// New creates an empty platform.
func New() *Platform {
	return &Platform{
		channels: make(map[int64]*channel),
		nextChan: 1000,
		nextGrp:  9000,
		calls:    make(map[Op]int),
		fails:    make(map[Op][]*failure),
		stale:    make(map[int]bool),
	}
}

// AddChannel creates a channel. Restricted channels refuse forwarding.
func (p *Platform) AddChannel(username string, restricted bool) models.Channel {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.nextChan++
	info := models.Channel{ID: p.nextChan, AccessHash: p.nextChan * 7, Username: username, Title: strings.ToUpper(username)}
	p.channels[info.ID] = &channel{
		info:       info,
		restricted: restricted,
		msgs:       make(map[int]models.Message),
		content:    make(map[int][]byte),
		nextID:     1,
	}
	return info
}

// Post stores msg in channel ch with the given payload. A zero ID is
// assigned the next free one.
func (p *Platform) Post(ch models.Channel, msg models.Message, data []byte) models.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.post(p.channels[ch.ID], msg, data)
}

func (p *Platform) post(c *channel, msg models.Message, data []byte) models.Message {
	if msg.ID == 0 {
		msg.ID = c.nextID
	}
	if msg.ID >= c.nextID {
		c.nextID = msg.ID + 1
	}
	msg.ChannelID = c.info.ID
	if msg.Date.IsZero() {
		msg.Date = time.Unix(int64(1700000000+msg.ID), 0)
	}
	if data != nil && msg.Media.Size == 0 {
		msg.Media.Size = int64(len(data))
	}
	c.msgs[msg.ID] = msg
	if data != nil {
		c.content[msg.ID] = append([]byte(nil), data...)
	}
	return msg
}

// Messages returns the messages of a channel in id order.
func (p *Platform) Messages(ch models.Channel) []models.Message {
	p.mu.Lock()
	defer p.mu.Unlock()

	c := p.channels[ch.ID]
	out := make([]models.Message, 0, len(c.msgs))
	for _, m := range c.msgs {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Content returns the payload of a message.
func (p *Platform) Content(ch models.Channel, id int) []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.channels[ch.ID].content[id]
}

// Calls returns how often op was invoked.
func (p *Platform) Calls(op Op) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[op]
}

// Writes returns the number of calls that create messages.
func (p *Platform) Writes() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[OpText] + p.calls[OpSingle] + p.calls[OpAlbum] + p.calls[OpForward]
}

// ResetCalls zeroes the call counters.
func (p *Platform) ResetCalls() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = make(map[Op]int)
}

// Fail makes op fail with err. dest 0 matches any destination; times < 0
// fails forever.
func (p *Platform) Fail(op Op, dest int64, err error, times int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fails[op] = append(p.fails[op], &failure{dest: dest, err: err, times: times})
}

// ClearFailures removes every injected failure.
func (p *Platform) ClearFailures() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fails = make(map[Op][]*failure)
}

// ExpireReference makes the next download of message id fail with a stale
// file reference until the message is fetched again.
func (p *Platform) ExpireReference(id int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stale[id] = true
}

// enter counts a call and returns an injected failure, if any. Caller holds mu.
func (p *Platform) enter(op Op, dest int64) error {
	p.calls[op]++
	for _, f := range p.fails[op] {
		if f.times == 0 || (f.dest != 0 && f.dest != dest) {
			continue
		}
		if f.times > 0 {
			f.times--
		}
		return f.err
	}
	return nil
}

func (p *Platform) channel(id int64) (*channel, error) {
	c, ok := p.channels[id]
	if !ok {
		return nil, errs.Permission("channel", fmt.Errorf("CHANNEL_INVALID: %d", id))
	}
	return c, nil
}

// Resolve accepts "@name", "name", "t.me/name" or a numeric id.
func (p *Platform) Resolve(ctx context.Context, text string) (models.Channel, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	name := strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(text), "https://"), "t.me/")
	name = strings.TrimPrefix(name, "@")
	if id, err := strconv.ParseInt(name, 10, 64); err == nil {
		if c, ok := p.channels[id]; ok {
			return c.info, nil
		}
	}
	for _, c := range p.channels {
		if strings.EqualFold(c.info.Username, name) {
			info := c.info
			info.Input = text
			return info, nil
		}
	}
	return models.Channel{}, errs.Permission("resolve", fmt.Errorf("USERNAME_NOT_OCCUPIED: %s", text))
}

// CanForwardDirectly reports whether the channel allows forwarding.
func (p *Platform) CanForwardDirectly(ctx context.Context, ch models.Channel) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, err := p.channel(ch.ID)
	if err != nil {
		return false, err
	}
	return !c.restricted, nil
}

// DisplayInfo returns the label and title of a channel.
func (p *Platform) DisplayInfo(ctx context.Context, ch models.Channel) (string, string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, err := p.channel(ch.ID)
	if err != nil {
		return "", "", err
	}
	return c.info.Label(), c.info.Title, nil
}

// History implements fetcher.HistorySource.
func (p *Platform) History(ctx context.Context, ch models.Channel, offsetID, limit int) (fetcher.Page, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.enter(OpHistory, ch.ID); err != nil {
		return fetcher.Page{}, err
	}
	c, err := p.channel(ch.ID)
	if err != nil {
		return fetcher.Page{}, err
	}

	ids := make([]int, 0, len(c.msgs))
	for id := range c.msgs {
		if offsetID == 0 || id < offsetID {
			ids = append(ids, id)
		}
	}
	sort.Sort(sort.Reverse(sort.IntSlice(ids)))
	if len(ids) > limit {
		ids = ids[:limit]
	}

	var page fetcher.Page
	for _, id := range ids {
		page.Messages = append(page.Messages, c.msgs[id])
	}
	page.Scanned = len(ids)
	if len(ids) > 0 {
		page.LowestID = ids[len(ids)-1]
	}
	return page, nil
}

// Download implements transfer.Remote.
func (p *Platform) Download(ctx context.Context, msg models.Message) ([]byte, error) {
	if p.DownloadDelay != nil {
		select {
		case <-time.After(p.DownloadDelay(msg.ID)):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.enter(OpDownload, msg.ChannelID); err != nil {
		return nil, err
	}
	if p.stale[msg.ID] && msg.Media.Ref.FileReference == nil {
		return nil, errs.Transient("download", errs.ErrStaleReference)
	}
	c, err := p.channel(msg.ChannelID)
	if err != nil {
		return nil, err
	}
	data, ok := c.content[msg.ID]
	if !ok {
		return nil, errs.DataIntegrity("download", errors.New("no content"))
	}
	return append([]byte(nil), data...), nil
}

// DownloadThumb implements transfer.Remote.
func (p *Platform) DownloadThumb(ctx context.Context, msg models.Message) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.enter(OpThumb, msg.ChannelID); err != nil {
		return nil, err
	}
	return []byte("thumb"), nil
}

// GetMessage implements transfer.Remote. Fetching a message refreshes its
// file reference.
func (p *Platform) GetMessage(ctx context.Context, ch models.Channel, id int) (models.Message, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.enter(OpGet, ch.ID); err != nil {
		return models.Message{}, err
	}
	c, err := p.channel(ch.ID)
	if err != nil {
		return models.Message{}, err
	}
	m, ok := c.msgs[id]
	if !ok {
		return models.Message{}, errs.DataIntegrity("get message", fmt.Errorf("message %d not found", id))
	}
	m.Media.Ref.FileReference = []byte("fresh")
	delete(p.stale, id)
	return m, nil
}

// SendText implements transfer.Remote.
func (p *Platform) SendText(ctx context.Context, dest models.Channel, text string) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.enter(OpText, dest.ID); err != nil {
		return 0, err
	}
	c, err := p.channel(dest.ID)
	if err != nil {
		return 0, err
	}
	return p.post(c, models.Message{Text: text}, nil).ID, nil
}

// SendSingle implements transfer.Remote.
func (p *Platform) SendSingle(ctx context.Context, dest models.Channel, item transfer.UploadItem, caption string) ([]int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.enter(OpSingle, dest.ID); err != nil {
		return nil, err
	}
	return p.sendItems(dest, []transfer.UploadItem{item}, caption, 0)
}

// SendAlbum implements transfer.Remote.
func (p *Platform) SendAlbum(ctx context.Context, dest models.Channel, items []transfer.UploadItem, caption string) ([]int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.enter(OpAlbum, dest.ID); err != nil {
		return nil, err
	}
	if len(items) < 2 || len(items) > 10 {
		return nil, errs.DataIntegrity("album", fmt.Errorf("album of %d items", len(items)))
	}
	p.nextGrp++
	return p.sendItems(dest, items, caption, p.nextGrp)
}

func (p *Platform) sendItems(dest models.Channel, items []transfer.UploadItem, caption string, grouped int64) ([]int, error) {
	c, err := p.channel(dest.ID)
	if err != nil {
		return nil, err
	}
	var out []int
	for i, it := range items {
		data, err := os.ReadFile(it.Path)
		if err != nil {
			return nil, errs.DataIntegrity("upload", err)
		}
		text := ""
		if i == 0 {
			text = caption
		}
		media := it.Media
		media.Size = int64(len(data))
		m := p.post(c, models.Message{GroupedID: grouped, Text: text, Media: media}, data)
		out = append(out, m.ID)
	}
	return out, nil
}

// Forward implements transfer.Remote.
func (p *Platform) Forward(ctx context.Context, from models.Channel, ids []int, dest models.Channel, opts transfer.ForwardOptions) ([]int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.enter(OpForward, dest.ID); err != nil {
		return nil, err
	}
	src, err := p.channel(from.ID)
	if err != nil {
		return nil, err
	}
	if src.restricted {
		return nil, errs.Permission("forward", errors.New("CHAT_FORWARDS_RESTRICTED"))
	}
	d, err := p.channel(dest.ID)
	if err != nil {
		return nil, err
	}

	var out []int
	for _, id := range ids {
		m, ok := src.msgs[id]
		if !ok {
			continue
		}
		data := src.content[id]
		copyMsg := models.Message{GroupedID: m.GroupedID, Text: m.Text, Media: m.Media}
		if opts.DropCaptions {
			copyMsg.Text = ""
		}
		out = append(out, p.post(d, copyMsg, data).ID)
	}
	return out, nil
}
