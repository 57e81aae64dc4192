package slogx

import (
	"context"
	"log/slog"
)

type ctxKey struct{}

func WithContext(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, logger)
}

func FromContext(ctx context.Context) *slog.Logger {
	l, ok := ctx.Value(ctxKey{}).(*slog.Logger)
	if !ok {
		return slog.Default()
	}
	return l
}

// WithGeneration tags the context logger with a session generation id.
func WithGeneration(ctx context.Context, generation string) context.Context {
	l := FromContext(ctx)
	return WithContext(ctx, l.With("generation", generation))
}
