package logging

import (
	"context"
	"errors"
	"log/slog"
	"slices"
)

// fanoutHandler passes each record to every handler enabled for its level.
type fanoutHandler []slog.Handler

// Fanout returns a handler that writes every record to each of handlers.
// Each handler keeps its own level, so a debug log file can sit next to a
// quieter console.
func Fanout(handlers ...slog.Handler) slog.Handler {
	return fanoutHandler(slices.Clone(handlers))
}

func (h fanoutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range h {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h fanoutHandler) Handle(ctx context.Context, record slog.Record) error {
	var errs []error
	for _, handler := range h {
		if !handler.Enabled(ctx, record.Level) {
			continue
		}
		if err := handler.Handle(ctx, record.Clone()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (h fanoutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	derived := make(fanoutHandler, len(h))
	for i, handler := range h {
		derived[i] = handler.WithAttrs(attrs)
	}
	return derived
}

func (h fanoutHandler) WithGroup(name string) slog.Handler {
	derived := make(fanoutHandler, len(h))
	for i, handler := range h {
		derived[i] = handler.WithGroup(name)
	}
	return derived
}
