package telegram

import (
	"encoding/json"
	"testing"

	"github.com/gotd/td/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConvertToGotgprotoSession(t *testing.T) {
	input := &session.Data{
		DC:      2,
		Addr:    "149.154.167.40:443",
		AuthKey: []byte("test-auth-key-32-bytes-long-abc"),
	}

	result, err := ConvertToGotgprotoSession(input)

	require.NoError(t, err)
	require.NotNil(t, result)

	var parsed session.Data
	require.NoError(t, json.Unmarshal(result.Data, &parsed))
	assert.Equal(t, 2, parsed.DC)
	assert.Equal(t, input.AuthKey, parsed.AuthKey)
}

func TestConvertToGotgprotoSession_Invalid(t *testing.T) {
	for name, in := range map[string]*session.Data{
		"nil":         nil,
		"no auth key": {DC: 2},
	} {
		t.Run(name, func(t *testing.T) {
			result, err := ConvertToGotgprotoSession(in)
			assert.Error(t, err)
			assert.Nil(t, result)
		})
	}
}
