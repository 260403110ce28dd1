// Package slogutil builds the debug-log sink.
//
// The cache pretends to be the wrapped program, so its own diagnostics must
// never reach the process's stdout or stderr. When a log file is configured
// the logger writes there through a rotating writer; otherwise everything is
// discarded.
package slogutil

import (
	"context"
	"io"
	"log/slog"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/meigma/buildcache/config"
)

// DiscardHandler is a slog.Handler that discards all records.
//
// This mirrors the slog.DiscardHandler added in Go 1.24; it is defined here
// so the package builds with older toolchains.
var DiscardHandler slog.Handler = discardHandler{}

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New returns a logger for the given log configuration.
func New(cfg config.Log) *slog.Logger {
	if cfg.File == "" {
		return slog.New(DiscardHandler)
	}
	var w io.Writer = &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
	}
	handler := slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: ParseLevel(cfg.Level),
	})
	return slog.New(handler)
}

// ParseLevel maps a level name to a slog level, defaulting to info.
func ParseLevel(level string) slog.Leveler {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
