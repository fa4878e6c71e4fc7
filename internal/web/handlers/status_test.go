package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/blockedby/tg-relay/internal/telegram"
)

// MockTelegramClient is a mock implementation of the TelegramClient interface
type MockTelegramClient struct {
	mock.Mock
}

func (m *MockTelegramClient) GetStatus() telegram.Status {
	args := m.Called()
	return args.Get(0).(telegram.Status)
}

func TestStatusHandler_GetStatus(t *testing.T) {
	tests := []struct {
		status telegram.Status
		ready  bool
	}{
		{telegram.StatusReady, true},
		{telegram.StatusUnauthorized, false},
		{telegram.StatusInitializing, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			client := new(MockTelegramClient)
			client.On("GetStatus").Return(tt.status)

			rec := httptest.NewRecorder()
			NewStatusHandler(client).GetStatus(rec, httptest.NewRequest(http.MethodGet, "/api/v1/telegram/status", nil))

			assert.Equal(t, http.StatusOK, rec.Code)
			var resp map[string]any
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, string(tt.status), resp["status"])
			assert.Equal(t, tt.ready, resp["is_ready"])
			client.AssertExpectations(t)
		})
	}
}
