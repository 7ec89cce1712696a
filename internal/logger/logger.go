package logger

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// Output formats
const (
	FormatText    = "text"
	FormatJSON    = "json"
	FormatDiscard = "discard"
)

// New builds a structured logger writing to w.
// level is one of debug, info, warn, error; format is text, json or discard.
func New(level, format string, w io.Writer) (*slog.Logger, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}

	opts := &slog.HandlerOptions{Level: lvl}
	switch strings.ToLower(format) {
	case "", FormatText:
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case FormatJSON:
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case FormatDiscard:
		return slog.New(slog.DiscardHandler), nil
	}
	return nil, fmt.Errorf("unknown log format %q", format)
}

// ParseLevel parses a level name; an empty name means info
func ParseLevel(level string) (slog.Level, error) {
	var lvl slog.Level
	if level == "" {
		return slog.LevelInfo, nil
	}
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return slog.LevelInfo, fmt.Errorf("error parsing log level: %w", err)
	}
	return lvl, nil
}
