// Package transfer moves media groups to destination channels, either by
// server-side forwarding or by downloading and re-uploading them through a
// bounded producer/consumer pipeline.
package transfer

import (
	"context"

	"github.com/blockedby/tg-relay/internal/models"
	"github.com/blockedby/tg-relay/internal/repository"
)

// UploadItem is one staged file ready to be sent.
type UploadItem struct {
	MessageID int
	Path      string
	ThumbPath string
	Media     models.Media
}

// ForwardOptions controls server-side forwarding.
type ForwardOptions struct {
	HideAuthor   bool
	DropCaptions bool
}

// Remote is the subset of the platform client the engine needs. Every
// method may fail with a rate-limit directive (errs.KindRateLimited).
type Remote interface {
	Download(ctx context.Context, msg models.Message) ([]byte, error)
	DownloadThumb(ctx context.Context, msg models.Message) ([]byte, error)
	GetMessage(ctx context.Context, ch models.Channel, id int) (models.Message, error)

	SendText(ctx context.Context, dest models.Channel, text string) (int, error)
	SendSingle(ctx context.Context, dest models.Channel, item UploadItem, caption string) ([]int, error)
	SendAlbum(ctx context.Context, dest models.Channel, items []UploadItem, caption string) ([]int, error)
	Forward(ctx context.Context, from models.Channel, ids []int, dest models.Channel, opts ForwardOptions) ([]int, error)
}

// Ledger is the transfer history the engine consults and appends to.
type Ledger interface {
	Exists(ctx context.Context, key repository.ScopeKey, dest int64) (bool, error)
	Record(ctx context.Context, key repository.ScopeKey, dest int64, meta repository.Meta) error
}
