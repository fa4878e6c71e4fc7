package telegram

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/celestix/gotgproto/storage"
	"github.com/gotd/td/session"
)

// ConvertToGotgprotoSession wraps gotd session data in the row format of
// the gotgproto session table (raw session.Data json, latest version).
func ConvertToGotgprotoSession(data *session.Data) (*storage.Session, error) {
	if data == nil {
		return nil, errors.New("session data is nil")
	}
	if len(data.AuthKey) == 0 {
		return nil, errors.New("session data has no auth key")
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal session data: %w", err)
	}
	return &storage.Session{
		Version: storage.LatestVersion,
		Data:    raw,
	}, nil
}
