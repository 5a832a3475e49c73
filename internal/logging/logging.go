// Package logging constructs the process-wide structured logger from
// configuration (SPEC_FULL.md §10.2): slog with a JSON or text handler,
// level-gated, used for keyframe-structure and segment-tiling warnings,
// the approximate-segmentation fallback, backend fallback, encoder and
// prefetch failures, HTTP requests, and shutdown.
package logging

import (
	"io"
	"log/slog"
	"strings"
)

// New builds a *slog.Logger writing to w, with the handler and level
// selected by format ("json" or "text") and level ("debug", "info",
// "warn", "error"). An unrecognized format falls back to text; an
// unrecognized level falls back to info.
func New(w io.Writer, format, level string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
