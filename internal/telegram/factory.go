package telegram

import (
	"context"
	"fmt"

	"github.com/celestix/gotgproto"
	"github.com/celestix/gotgproto/sessionMaker"
	"gorm.io/gorm"

	"github.com/blockedby/tg-relay/internal/config"
)

// NewPersistentClient creates a telegram client. A session string from the
// environment takes precedence; otherwise the session lives in db and auth
// key refreshes are written back to it.
func NewPersistentClient(_ context.Context, cfg *config.Config, db *gorm.DB) (*gotgproto.Client, error) {
	if cfg.TGApiID == 0 || cfg.TGApiHash == "" {
		return nil, fmt.Errorf("TG_API_ID and TG_API_HASH are required")
	}

	clientOpts := &gotgproto.ClientOpts{
		Session:          sessionMaker.SqlSession(db.Dialector),
		DisableCopyright: true,
		InMemory:         false,
	}
	if cfg.TGSessionStr != "" {
		clientOpts.Session = sessionMaker.StringSession(cfg.TGSessionStr)
		clientOpts.InMemory = true
	}

	client, err := gotgproto.NewClient(
		cfg.TGApiID,
		cfg.TGApiHash,
		gotgproto.ClientTypePhone(""), // empty = use session
		clientOpts,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram client: %w", err)
	}
	return client, nil
}
