package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    zapcore.Level
		wantErr bool
	}{
		{"", zapcore.InfoLevel, false},
		{"debug", zapcore.DebugLevel, false},
		{"WARN", zapcore.WarnLevel, false},
		{"error", zapcore.ErrorLevel, false},
		{"loud", zapcore.InfoLevel, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNew_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(Options{Level: "info", Format: FormatJSON, Output: &buf})
	require.NoError(t, err)

	logger.Debug("hidden")
	logger.Info("scenario started", zap.String("scenario", "smoke"))
	require.NoError(t, logger.Sync())

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "scenario started", entry["msg"])
	assert.Equal(t, "smoke", entry["scenario"])
	assert.Equal(t, "info", entry["level"])
}

func TestNew_Console(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(Options{Level: "debug", Output: &buf})
	require.NoError(t, err)

	logger.Debug("dataset loaded", zap.Int("records", 3))
	output := buf.String()
	assert.Contains(t, output, "DEBUG")
	assert.Contains(t, output, "dataset loaded")
	assert.NotContains(t, output, "\x1b[")
}

func TestNew_InvalidFormat(t *testing.T) {
	_, err := New(Options{Format: "xml"})
	assert.Error(t, err)
}
