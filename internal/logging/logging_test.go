package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/kamilpajak/scopebridge/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("Trace"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel(" ERROR "))
	assert.Equal(t, slog.LevelInfo, ParseLevel("whatever"))
}

func TestNewJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := New(slog.LevelInfo, FormatJSON, &buf)
	logger.Debug("hidden")
	logger.Info("shown", "k", "v")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "shown", rec["msg"])
	assert.Equal(t, "v", rec["k"])
}

func TestFromConfigWritesTraceFile(t *testing.T) {
	var stderr bytes.Buffer
	file := filepath.Join(t.TempDir(), "logs", "trace.log")

	logger, closeFn, err := FromConfig(config.LogConfig{Level: "debug", Format: "text", File: file}, &stderr)
	require.NoError(t, err)
	logger.Debug("finishing suite", "suite", "A.B")
	require.NoError(t, closeFn())

	data, err := os.ReadFile(file)
	require.NoError(t, err)
	assert.Contains(t, string(data), "finishing suite")
	assert.Contains(t, stderr.String(), "suite=A.B")
}

func TestFromConfigWithoutFile(t *testing.T) {
	var stderr bytes.Buffer
	logger, closeFn, err := FromConfig(config.LogConfig{}, &stderr)
	require.NoError(t, err)
	logger.Warn("careful")
	assert.NoError(t, closeFn())
	assert.Contains(t, stderr.String(), "level=WARN")
}
