// Package logging builds the process slog.Logger from configuration.
// Diagnostics go to stderr; stdout carries command output such as scenario
// replay logs and tables.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Format names a handler encoding.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// Options configures a logger.
type Options struct {
	Level     slog.Level
	Format    Format
	Writer    io.Writer // default os.Stderr
	AddSource bool
}

// New returns a logger for opts.
func New(opts Options) *slog.Logger {
	w := opts.Writer
	if w == nil {
		w = os.Stderr
	}
	ho := &slog.HandlerOptions{Level: opts.Level, AddSource: opts.AddSource}

	var h slog.Handler
	switch Format(strings.ToLower(string(opts.Format))) {
	case FormatJSON:
		h = slog.NewJSONHandler(w, ho)
	default:
		h = slog.NewTextHandler(w, ho)
	}
	return slog.New(h)
}

// NewLogger returns a stderr logger at level in the given format.
func NewLogger(level slog.Level, format string) *slog.Logger {
	return New(Options{Level: level, Format: Format(format)})
}

// NewLoggerWithWriter is NewLogger with an explicit destination.
func NewLoggerWithWriter(level slog.Level, format string, w io.Writer) *slog.Logger {
	return New(Options{Level: level, Format: Format(format), Writer: w})
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// ParseLevel converts a level name to slog.Level. Unknown names map to Info.
func ParseLevel(s string) slog.Level {
	lvl, err := LookupLevel(s)
	if err != nil {
		return slog.LevelInfo
	}
	return lvl
}

// LookupLevel is the strict form of ParseLevel used by config validation.
// The empty string means Info.
func LookupLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
}

// ValidFormat reports whether s names a supported format.
func ValidFormat(s string) bool {
	switch Format(strings.ToLower(s)) {
	case FormatText, FormatJSON, "":
		return true
	}
	return false
}
