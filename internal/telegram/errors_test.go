package telegram

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gotd/td/tgerr"
	"github.com/stretchr/testify/assert"

	"github.com/blockedby/tg-relay/internal/errs"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want errs.Kind
	}{
		{"flood wait", tgerr.New(420, "FLOOD_WAIT_15"), errs.KindRateLimited},
		{"private channel", tgerr.New(400, "CHANNEL_PRIVATE"), errs.KindPermission},
		{"forwards restricted", tgerr.New(400, "CHAT_FORWARDS_RESTRICTED"), errs.KindPermission},
		{"write forbidden", tgerr.New(403, "CHAT_WRITE_FORBIDDEN"), errs.KindPermission},
		{"media invalid", tgerr.New(400, "MEDIA_INVALID"), errs.KindDataIntegrity},
		{"file reference", tgerr.New(400, "FILE_REFERENCE_EXPIRED"), errs.KindTransient},
		{"server error", tgerr.New(500, "INTERNAL"), errs.KindTransient},
		{"network", errors.New("connection reset"), errs.KindTransient},
		{"not authorized", ErrNotAuthorized, errs.KindPermission},
		{"cancelled", context.Canceled, errs.KindCancelled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, errs.KindOf(classify("op", tt.err)))
		})
	}
}

func TestClassify_FloodWaitDuration(t *testing.T) {
	err := classify("history", tgerr.New(420, "FLOOD_WAIT_15"))
	wait, ok := errs.RetryAfter(err)
	assert.True(t, ok)
	assert.Equal(t, 15*time.Second, wait)
}

func TestClassify_StaleReference(t *testing.T) {
	err := classify("download", tgerr.New(400, "FILE_REFERENCE_EXPIRED"))
	assert.ErrorIs(t, err, errs.ErrStaleReference)

	var rpcErr *tgerr.Error
	assert.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, "FILE_REFERENCE_EXPIRED", rpcErr.Type)
}

func TestClassify_Nil(t *testing.T) {
	assert.NoError(t, classify("op", nil))
}
