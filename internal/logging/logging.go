// Package logging provides the structured-logging setup shared by the
// relay, pool index, and client binaries: every record goes to a
// debug-level JSON file alongside an info-level text console, tagged with
// the calling binary's component name.
package logging

import (
	"context"
	"fmt"
	"log/slog"
	"os"
)

// Setup opens logFile (truncating it) and returns a logger — tagged with
// component via a "component" attr on every record — that writes DEBUG+
// JSON records to the file and INFO+ text records to stdout. The caller
// must close the returned file when done.
func Setup(component, logFile string) (*slog.Logger, *os.File, error) {
	f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}
	h := &fanoutHandler{
		file:    slog.NewJSONHandler(f, &slog.HandlerOptions{Level: slog.LevelDebug}),
		console: slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}),
	}
	logger := slog.New(h).With("component", component)
	return logger, f, nil
}

// fanoutHandler writes every record to a debug-level file destination and,
// independently, to an info-level console destination. There are always
// exactly these two, so they're named fields rather than a slice.
type fanoutHandler struct {
	file    slog.Handler
	console slog.Handler
}

func (h *fanoutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.file.Enabled(ctx, level) || h.console.Enabled(ctx, level)
}

// Handle hands each destination its own clone of r, since copies of a
// slog.Record can share attr storage — a destination that adds attrs to a
// shared Record could change what the other one sees. Clone gives each a
// copy with no shared state.
func (h *fanoutHandler) Handle(ctx context.Context, r slog.Record) error {
	if h.file.Enabled(ctx, r.Level) {
		if err := h.file.Handle(ctx, r.Clone()); err != nil {
			return err
		}
	}
	if h.console.Enabled(ctx, r.Level) {
		if err := h.console.Handle(ctx, r.Clone()); err != nil {
			return err
		}
	}
	return nil
}

func (h *fanoutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &fanoutHandler{
		file:    h.file.WithAttrs(attrs),
		console: h.console.WithAttrs(attrs),
	}
}

func (h *fanoutHandler) WithGroup(name string) slog.Handler {
	return &fanoutHandler{
		file:    h.file.WithGroup(name),
		console: h.console.WithGroup(name),
	}
}
