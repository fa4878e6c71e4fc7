package errs

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	base := errors.New("boom")

	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"plain error is transient", base, KindTransient},
		{"rate limited", RateLimited("send", 3*time.Second, base), KindRateLimited},
		{"wrapped permission", fmt.Errorf("outer: %w", Permission("resolve", base)), KindPermission},
		{"data integrity", DataIntegrity("download", base), KindDataIntegrity},
		{"fatal", Fatal("ledger", base), KindFatal},
		{"context canceled", fmt.Errorf("wait: %w", context.Canceled), KindCancelled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestRetryAfter(t *testing.T) {
	wait, ok := RetryAfter(fmt.Errorf("x: %w", RateLimited("fetch", 7*time.Second, nil)))
	assert.True(t, ok)
	assert.Equal(t, 7*time.Second, wait)

	_, ok = RetryAfter(Transient("fetch", errors.New("eof")))
	assert.False(t, ok)
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(errors.New("network")))
	assert.True(t, IsRetryable(DataIntegrity("download", nil)))
	assert.False(t, IsRetryable(Permission("send", nil)))
	assert.False(t, IsRetryable(RateLimited("send", time.Second, nil)))
	assert.False(t, IsRetryable(context.Canceled))
}

func TestError_Message(t *testing.T) {
	err := RateLimited("upload", 2*time.Second, errors.New("FLOOD_WAIT_2"))
	assert.Equal(t, "upload: rate_limited (wait 2s): FLOOD_WAIT_2", err.Error())
	assert.ErrorContains(t, Permission("", errors.New("CHANNEL_PRIVATE")), "permission_denied")
}
