package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/phsym/zeroslog"
	"github.com/rs/zerolog"
)

func parseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level: %s", level)
	}
}

// NewLogger builds the process logger. "console" renders human-readable
// lines through zerolog's ConsoleWriter; "json" and "text" use slog handlers.
// A nil w writes to stdout.
func NewLogger(format string, level string, w io.Writer) (*slog.Logger, error) {
	if w == nil {
		w = os.Stdout
	}
	lvl, err := parseLevel(level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: lvl}

	var h slog.Handler
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "json":
		h = slog.NewJSONHandler(w, opts)
	case "text":
		h = slog.NewTextHandler(w, opts)
	case "console":
		zl := zerolog.New(zerolog.ConsoleWriter{Out: w, TimeFormat: time.Stamp}).With().Timestamp().Logger()
		h = zeroslog.NewHandler(zl, &zeroslog.HandlerOptions{Level: lvl})
	default:
		return nil, fmt.Errorf("unknown log format: %s", format)
	}
	return slog.New(h), nil
}
