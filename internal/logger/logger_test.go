package logger

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_JSONComponent(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(Options{Level: "debug", JSON: true, Output: &buf})
	require.NoError(t, err)

	l.Component("ratelimit").Info().Int("wait_seconds", 3).Msg("flood wait")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "ratelimit", line["component"])
	assert.Equal(t, "flood wait", line["message"])
	assert.EqualValues(t, 3, line["wait_seconds"])
}

func TestNew_LevelFilter(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(Options{Level: "warn", JSON: true, Output: &buf})
	require.NoError(t, err)

	l.Info().Msg("hidden")
	assert.Zero(t, buf.Len())
}

func TestNew_FileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "relay.log")
	var buf bytes.Buffer
	l, err := New(Options{File: path, Output: &buf})
	require.NoError(t, err)
	l.Info().Msg("hello")
	assert.FileExists(t, path)
}

func TestGet_NopWhenUninitialized(t *testing.T) {
	prev := Global
	Global = nil
	defer func() { Global = prev }()

	assert.NotNil(t, Get())
	assert.NotNil(t, For("engine"))
}
