package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLoggerJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(Config{Level: "debug", Format: "json", Output: &buf})
	t.Cleanup(func() { slog.SetDefault(slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))) })

	Component(logger, "pool").Debug("connection created", "event", "connection_created")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "pool", record["component"])
	assert.Equal(t, "connection_created", record["event"])
	assert.Equal(t, "DEBUG", record["level"])
}

func TestSetLevel(t *testing.T) {
	t.Cleanup(func() { SetLevel("info") })

	tests := []struct {
		input string
		ok    bool
		want  slog.Level
	}{
		{"debug", true, slog.LevelDebug},
		{"WARN", true, slog.LevelWarn},
		{"warning", true, slog.LevelWarn},
		{"error", true, slog.LevelError},
		{"", true, slog.LevelInfo},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.ok, SetLevel(tt.input), tt.input)
		assert.Equal(t, tt.want, Level(), tt.input)
	}

	assert.False(t, SetLevel("verbose"))
	assert.Equal(t, slog.LevelInfo, Level(), "invalid input leaves level unchanged")
}

func TestLevelFiltersRecords(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(Config{Level: "warn", Output: &buf})
	t.Cleanup(func() { SetLevel("info") })

	logger.Info("dropped")
	assert.Empty(t, buf.String())

	logger.Warn("kept")
	assert.Contains(t, buf.String(), "kept")
}
