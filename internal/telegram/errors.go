package telegram

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/gotd/td/tgerr"

	"github.com/blockedby/tg-relay/internal/errs"
)

// errors
var (
	ErrNotAuthorized = errors.New("telegram client not authorized")
	ErrNotChannel    = errors.New("peer is not a channel")
)

// rpc error types that will not succeed on retry
var permissionTypes = []string{
	"CHANNEL_PRIVATE",
	"CHANNEL_INVALID",
	"CHANNEL_PUBLIC_GROUP_NA",
	"CHAT_ADMIN_REQUIRED",
	"CHAT_FORWARDS_RESTRICTED",
	"CHAT_WRITE_FORBIDDEN",
	"CHAT_SEND_MEDIA_FORBIDDEN",
	"CHAT_SEND_PHOTOS_FORBIDDEN",
	"CHAT_SEND_VIDEOS_FORBIDDEN",
	"CHAT_SEND_DOCS_FORBIDDEN",
	"CHAT_SEND_AUDIOS_FORBIDDEN",
	"CHAT_SEND_PLAIN_FORBIDDEN",
	"USER_BANNED_IN_CHANNEL",
	"USERNAME_INVALID",
	"USERNAME_NOT_OCCUPIED",
	"PEER_ID_INVALID",
	"AUTH_KEY_UNREGISTERED",
	"SESSION_REVOKED",
}

// rpc error types caused by the request content
var integrityTypes = []string{
	"MEDIA_EMPTY",
	"MEDIA_INVALID",
	"MESSAGE_ID_INVALID",
	"MESSAGE_EMPTY",
	"PHOTO_INVALID_DIMENSIONS",
	"PHOTO_SAVE_FILE_INVALID",
	"FILE_PARTS_INVALID",
	"MULTI_MEDIA_TOO_LONG",
	"MEDIA_CAPTION_TOO_LONG",
}

// classify maps an api error onto the pipeline taxonomy.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if wait, ok := tgerr.AsFloodWait(err); ok {
		return errs.RateLimited(op, wait, err)
	}
	if rpcErr, ok := tgerr.As(err); ok {
		switch {
		case strings.HasPrefix(rpcErr.Type, "FILE_REFERENCE_"):
			return errs.Transient(op, fmt.Errorf("%w: %w", errs.ErrStaleReference, err))
		case rpcErr.IsOneOf(permissionTypes...):
			return errs.Permission(op, err)
		case rpcErr.IsOneOf(integrityTypes...):
			return errs.DataIntegrity(op, err)
		}
	}
	if errors.Is(err, ErrNotAuthorized) || errors.Is(err, ErrNotChannel) {
		return errs.Permission(op, err)
	}
	return errs.Transient(op, err)
}
