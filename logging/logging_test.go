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
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"ERROR", slog.LevelError},
		{"unknown", slog.LevelInfo},
		{"", slog.LevelInfo},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseLevel(tt.input), "ParseLevel(%q)", tt.input)
	}
}

func TestParseFormat(t *testing.T) {
	assert.Equal(t, FormatJSON, ParseFormat("JSON"))
	assert.Equal(t, FormatText, ParseFormat("text"))
	assert.Equal(t, FormatText, ParseFormat("yaml"))
}

func TestNewHandlerJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewHandler(&buf, FormatJSON, slog.LevelInfo))

	logger.Info("epoch finished", "role", "vit", "val_acc", 0.7)
	logger.Debug("hidden")

	var m map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &m), "output: %s", buf.String())
	assert.Equal(t, "epoch finished", m["msg"])
	assert.Equal(t, "vit", m["role"])
	assert.Equal(t, 0.7, m["val_acc"])
}

func TestNewHandlerText(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewHandler(&buf, FormatText, slog.LevelDebug))

	logger.Debug("loaded classifier", "role", "swin")

	assert.Contains(t, buf.String(), `msg="loaded classifier"`)
	assert.Contains(t, buf.String(), "role=swin")
}
