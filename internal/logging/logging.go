// Package logging wraps log/slog with per-component loggers and a
// capture handler for tests. Transport and protocol errors in this
// driver are logged rather than propagated, so tests assert on log
// output; the capture handler makes that possible without plumbing
// loggers through every constructor.
package logging

import (
	"context"
	"log/slog"
	"os"
	"strings"
)

var level = new(slog.LevelVar)

// Init installs the global slog handler. levelStr is one of "debug",
// "info", "warn", "error" (default info); format is "text" or "json".
func Init(levelStr, format string) {
	level.Set(ParseLevel(levelStr))

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.EqualFold(format, "json") {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// For returns a logger tagged with a component name. The logger
// delegates to slog.Default() at call time, so package-level loggers
// pick up handler swaps (Init, CaptureForTest) made after they were
// created.
func For(component string) *slog.Logger {
	return slog.New(&componentHandler{component: component})
}

// SetLevel adjusts the global level at runtime.
func SetLevel(l slog.Level) {
	level.Set(l)
}

// ParseLevel maps a config string to a slog level, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
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

type componentHandler struct {
	component string
	attrs     []slog.Attr
}

func (h *componentHandler) Enabled(ctx context.Context, l slog.Level) bool {
	return slog.Default().Handler().Enabled(ctx, l)
}

func (h *componentHandler) Handle(ctx context.Context, r slog.Record) error {
	r.AddAttrs(slog.String("component", h.component))
	r.AddAttrs(h.attrs...)
	return slog.Default().Handler().Handle(ctx, r)
}

func (h *componentHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	na := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	na = append(na, h.attrs...)
	na = append(na, attrs...)
	return &componentHandler{component: h.component, attrs: na}
}

func (h *componentHandler) WithGroup(name string) slog.Handler {
	return h
}
