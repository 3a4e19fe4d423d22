package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"":        slog.LevelInfo,
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warning": slog.LevelWarn,
		" error ": slog.LevelError,
	}
	for in, want := range tests {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseLevel("verbose")
	assert.Error(t, err)
}

func TestJSONLoggerAndLevelChange(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger(Config{Level: "info", Output: &buf})
	require.NoError(t, err)

	logger.Debug("hidden")
	assert.Zero(t, buf.Len())

	logger.Info("visible", "job_id", "j-1")
	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "visible", rec["msg"])
	assert.Equal(t, "j-1", rec["job_id"])

	buf.Reset()
	require.NoError(t, logger.SetLevel("debug"))
	assert.Equal(t, slog.LevelDebug, logger.Level())
	logger.Debug("now shown")
	assert.Contains(t, buf.String(), "now shown")

	assert.Error(t, logger.SetLevel("loud"))
	assert.Equal(t, slog.LevelDebug, logger.Level())
}

func TestTextFormat(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger(Config{Format: "text", Output: &buf})
	require.NoError(t, err)

	logger.Warn("engine slow", "pid", 42)
	assert.Contains(t, buf.String(), "level=WARN")
	assert.Contains(t, buf.String(), "pid=42")
}

func TestInvalidLevelRejected(t *testing.T) {
	_, err := NewLogger(Config{Level: "chatty"})
	assert.Error(t, err)
}
