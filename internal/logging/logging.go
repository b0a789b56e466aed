// Package logging sets up the diagnostic logger. Diagnostics go to stderr and,
// optionally, to a trace file, so they never mix with a test host's stdout.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/kamilpajak/scopebridge/internal/config"
)

// Format is the log output format.
type Format string

const (
	FormatJSON Format = "json"
	FormatText Format = "text"
)

// ParseLevel parses a level name; unknown names are info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug", "trace", "verbose":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// New builds a logger writing to every writer.
func New(level slog.Level, format Format, writers ...io.Writer) *slog.Logger {
	w := io.MultiWriter(writers...)
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch format {
	case FormatJSON:
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// FromConfig builds the logger described by cfg, writing to stderr and to
// cfg.File when set. The returned close function closes the trace file.
func FromConfig(cfg config.LogConfig, stderr io.Writer) (*slog.Logger, func() error, error) {
	writers := []io.Writer{stderr}
	closeFn := func() error { return nil }

	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err != nil {
			return nil, nil, fmt.Errorf("create log directory: %w", err)
		}
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		writers = append(writers, f)
		closeFn = f.Close
	}

	return New(ParseLevel(cfg.Level), Format(strings.ToLower(cfg.Format)), writers...), closeFn, nil
}
