package repository

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/blockedby/tg-relay/internal/database"
	"github.com/blockedby/tg-relay/internal/errs"
)

// ScopeKind names one of the three ledger tables.
type ScopeKind string

const (
	ScopeDownload ScopeKind = "download"
	ScopeUpload   ScopeKind = "upload"
	ScopeForward  ScopeKind = "forward"
)

// ScopeKey identifies what a record is about. Downloads and forwards are
// keyed by (channel, message); uploads by content hash.
type ScopeKey struct {
	Kind      ScopeKind
	Channel   int64
	MessageID int
	Hash      string
}

// DownloadKey keys a downloaded source message.
func DownloadKey(channel int64, messageID int) ScopeKey {
	return ScopeKey{Kind: ScopeDownload, Channel: channel, MessageID: messageID}
}

// UploadKey keys uploaded content by its hash.
func UploadKey(hash string) ScopeKey {
	return ScopeKey{Kind: ScopeUpload, Hash: hash}
}

// ForwardKey keys a forwarded or re-sent source message.
func ForwardKey(channel int64, messageID int) ScopeKey {
	return ScopeKey{Kind: ScopeForward, Channel: channel, MessageID: messageID}
}

func (k ScopeKey) String() string {
	if k.Kind == ScopeUpload {
		return fmt.Sprintf("upload:%s", k.Hash)
	}
	return fmt.Sprintf("%s:%d/%d", k.Kind, k.Channel, k.MessageID)
}

// Meta carries optional fields stored with upload records.
type Meta struct {
	MediaKind string
	Size      int64
}

// DownloadRecord marks a source message as downloaded.
type DownloadRecord struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	Channel    int64     `gorm:"uniqueIndex:idx_download_scope" json:"channel"`
	MessageID  int       `gorm:"uniqueIndex:idx_download_scope" json:"message_id"`
	Downloaded bool      `json:"downloaded"`
	CreatedAt  time.Time `json:"created_at"`
}

// UploadRecord marks content as uploaded to a destination.
type UploadRecord struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	ContentHash string    `gorm:"size:64;uniqueIndex:idx_upload_scope" json:"content_hash"`
	Destination int64     `gorm:"uniqueIndex:idx_upload_scope" json:"destination"`
	MediaKind   string    `json:"media_kind"`
	Size        int64     `json:"size"`
	CreatedAt   time.Time `json:"created_at"`
}

// ForwardRecord marks a source message as delivered to a destination.
type ForwardRecord struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	Source      int64     `gorm:"uniqueIndex:idx_forward_scope;index" json:"source"`
	MessageID   int       `gorm:"uniqueIndex:idx_forward_scope" json:"message_id"`
	Destination int64     `gorm:"uniqueIndex:idx_forward_scope" json:"destination"`
	CreatedAt   time.Time `json:"created_at"`
}

// Ledger is the durable transfer history. Every table has its own RW lock;
// inserts are idempotent.
type Ledger struct {
	db *gorm.DB

	downloads sync.RWMutex
	uploads   sync.RWMutex
	forwards  sync.RWMutex
}

// NewLedger migrates the ledger tables and returns the repository.
func NewLedger(db *database.DB) (*Ledger, error) {
	if err := db.Migrate(&DownloadRecord{}, &UploadRecord{}, &ForwardRecord{}); err != nil {
		return nil, errs.Fatal("ledger", err)
	}
	return &Ledger{db: db.GORM}, nil
}

func (l *Ledger) lock(kind ScopeKind) (*sync.RWMutex, error) {
	switch kind {
	case ScopeDownload:
		return &l.downloads, nil
	case ScopeUpload:
		return &l.uploads, nil
	case ScopeForward:
		return &l.forwards, nil
	default:
		return nil, fmt.Errorf("unknown scope kind %q", kind)
	}
}

// Exists reports whether a record for (key, dest) is present. Downloads
// ignore dest.
func (l *Ledger) Exists(ctx context.Context, key ScopeKey, dest int64) (bool, error) {
	mu, err := l.lock(key.Kind)
	if err != nil {
		return false, err
	}
	mu.RLock()
	defer mu.RUnlock()

	var count int64
	q := l.db.WithContext(ctx)
	switch key.Kind {
	case ScopeDownload:
		q = q.Model(&DownloadRecord{}).
			Where("channel = ? AND message_id = ? AND downloaded = ?", key.Channel, key.MessageID, true)
	case ScopeUpload:
		q = q.Model(&UploadRecord{}).
			Where("content_hash = ? AND destination = ?", key.Hash, dest)
	case ScopeForward:
		q = q.Model(&ForwardRecord{}).
			Where("source = ? AND message_id = ? AND destination = ?", key.Channel, key.MessageID, dest)
	}
	if err := q.Limit(1).Count(&count).Error; err != nil {
		return false, errs.Fatal("ledger exists", err)
	}
	return count > 0, nil
}

// Record inserts a record. Inserting an existing (key, dest) is a no-op.
func (l *Ledger) Record(ctx context.Context, key ScopeKey, dest int64, meta Meta) error {
	mu, err := l.lock(key.Kind)
	if err != nil {
		return err
	}
	mu.Lock()
	defer mu.Unlock()

	var value any
	switch key.Kind {
	case ScopeDownload:
		value = &DownloadRecord{Channel: key.Channel, MessageID: key.MessageID, Downloaded: true}
	case ScopeUpload:
		if key.Hash == "" {
			return errors.New("upload record without content hash")
		}
		value = &UploadRecord{ContentHash: key.Hash, Destination: dest, MediaKind: meta.MediaKind, Size: meta.Size}
	case ScopeForward:
		value = &ForwardRecord{Source: key.Channel, MessageID: key.MessageID, Destination: dest}
	}

	err = l.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(value).Error
	if err != nil {
		return errs.Fatal("ledger record", fmt.Errorf("%s -> %d: %w", key, dest, err))
	}
	return nil
}

// Record is one row of any ledger table.
type Record struct {
	Key         ScopeKey  `json:"key"`
	Destination int64     `json:"destination"`
	Meta        Meta      `json:"meta"`
	CreatedAt   time.Time `json:"created_at"`
}

// List returns every record of a scope. Zero fields of the key act as
// wildcards, so ForwardKey(src, 0) lists all forwards of a channel.
func (l *Ledger) List(ctx context.Context, key ScopeKey) ([]Record, error) {
	var out []Record
	switch key.Kind {
	case ScopeDownload:
		rows, err := l.ListDownloads(ctx, key.Channel)
		if err != nil {
			return nil, err
		}
		for _, r := range rows {
			if key.MessageID != 0 && r.MessageID != key.MessageID {
				continue
			}
			out = append(out, Record{Key: DownloadKey(r.Channel, r.MessageID), CreatedAt: r.CreatedAt})
		}
	case ScopeUpload:
		rows, err := l.ListUploads(ctx, key.Hash)
		if err != nil {
			return nil, err
		}
		for _, r := range rows {
			out = append(out, Record{
				Key:         UploadKey(r.ContentHash),
				Destination: r.Destination,
				Meta:        Meta{MediaKind: r.MediaKind, Size: r.Size},
				CreatedAt:   r.CreatedAt,
			})
		}
	case ScopeForward:
		rows, err := l.ListForwards(ctx, key.Channel)
		if err != nil {
			return nil, err
		}
		for _, r := range rows {
			if key.MessageID != 0 && r.MessageID != key.MessageID {
				continue
			}
			out = append(out, Record{Key: ForwardKey(r.Source, r.MessageID), Destination: r.Destination, CreatedAt: r.CreatedAt})
		}
	default:
		return nil, fmt.Errorf("unknown scope kind %q", key.Kind)
	}
	return out, nil
}

// ListForwards returns forward records of a source channel, or of all
// channels when source is 0, ordered by message id.
func (l *Ledger) ListForwards(ctx context.Context, source int64) ([]ForwardRecord, error) {
	l.forwards.RLock()
	defer l.forwards.RUnlock()

	var rows []ForwardRecord
	q := l.db.WithContext(ctx).Order("source, message_id, destination")
	if source != 0 {
		q = q.Where("source = ?", source)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list forwards: %w", err)
	}
	return rows, nil
}

// ListUploads returns upload records of a content hash, or all when empty.
func (l *Ledger) ListUploads(ctx context.Context, hash string) ([]UploadRecord, error) {
	l.uploads.RLock()
	defer l.uploads.RUnlock()

	var rows []UploadRecord
	q := l.db.WithContext(ctx).Order("id")
	if hash != "" {
		q = q.Where("content_hash = ?", hash)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list uploads: %w", err)
	}
	return rows, nil
}

// ListDownloads returns download records of a channel, or all when 0.
func (l *Ledger) ListDownloads(ctx context.Context, channel int64) ([]DownloadRecord, error) {
	l.downloads.RLock()
	defer l.downloads.RUnlock()

	var rows []DownloadRecord
	q := l.db.WithContext(ctx).Order("channel, message_id")
	if channel != 0 {
		q = q.Where("channel = ?", channel)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list downloads: %w", err)
	}
	return rows, nil
}

// Stats counts rows per table.
type Stats struct {
	Downloads int64 `json:"downloads"`
	Uploads   int64 `json:"uploads"`
	Forwards  int64 `json:"forwards"`
}

// Stats returns table sizes.
func (l *Ledger) Stats(ctx context.Context) (*Stats, error) {
	var s Stats
	if err := l.count(ctx, &l.downloads, &DownloadRecord{}, &s.Downloads); err != nil {
		return nil, fmt.Errorf("count downloads: %w", err)
	}
	if err := l.count(ctx, &l.uploads, &UploadRecord{}, &s.Uploads); err != nil {
		return nil, fmt.Errorf("count uploads: %w", err)
	}
	if err := l.count(ctx, &l.forwards, &ForwardRecord{}, &s.Forwards); err != nil {
		return nil, fmt.Errorf("count forwards: %w", err)
	}
	return &s, nil
}

func (l *Ledger) count(ctx context.Context, mu *sync.RWMutex, model any, out *int64) error {
	mu.RLock()
	defer mu.RUnlock()
	return l.db.WithContext(ctx).Model(model).Count(out).Error
}
