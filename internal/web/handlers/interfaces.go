package handlers

import (
	"context"

	"github.com/blockedby/tg-relay/internal/config"
	"github.com/blockedby/tg-relay/internal/repository"
	"github.com/blockedby/tg-relay/internal/runner"
	"github.com/blockedby/tg-relay/internal/telegram"
)

// RunManager controls relay runs.
type RunManager interface {
	Start(rc *config.RunConfig) (*runner.Run, error)
	Current() *runner.Run
	Last() *runner.Run
	Get(id string) (*runner.Run, error)
	Pause(id string) error
	Resume(id string) error
	Cancel(id string) error
}

// HistoryRepository defines the ledger queries served over http.
type HistoryRepository interface {
	ListForwards(ctx context.Context, source int64) ([]repository.ForwardRecord, error)
	ListUploads(ctx context.Context, hash string) ([]repository.UploadRecord, error)
	ListDownloads(ctx context.Context, channel int64) ([]repository.DownloadRecord, error)
	Stats(ctx context.Context) (*repository.Stats, error)
}

// TelegramClient reports the client status.
type TelegramClient interface {
	GetStatus() telegram.Status
}
