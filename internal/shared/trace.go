package shared

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
)

type runIDKey struct{}
type taskIDKey struct{}
type loggerKey struct{}

// NewRunID generates a new run_id.
func NewRunID() string {
	return uuid.NewString()
}

// WithRunID attaches a run_id to the context.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey{}, runID)
}

// RunID extracts run_id from context. Returns "" if absent.
func RunID(ctx context.Context) string {
	if v, ok := ctx.Value(runIDKey{}).(string); ok {
		return v
	}
	return ""
}

// WithTaskID attaches a task_id to the context.
func WithTaskID(ctx context.Context, taskID string) context.Context {
	return context.WithValue(ctx, taskIDKey{}, taskID)
}

// TaskID extracts task_id from context. Returns "" if absent.
func TaskID(ctx context.Context) string {
	if v, ok := ctx.Value(taskIDKey{}).(string); ok {
		return v
	}
	return ""
}

// WithLogger stores a logger in the context.
func WithLogger(ctx context.Context, l *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, l)
}

// Logger returns the context logger (or slog.Default) annotated with the
// run and task ids present in ctx.
func Logger(ctx context.Context) *slog.Logger {
	l, ok := ctx.Value(loggerKey{}).(*slog.Logger)
	if !ok || l == nil {
		l = slog.Default()
	}
	if id := RunID(ctx); id != "" {
		l = l.With("run_id", id)
	}
	if id := TaskID(ctx); id != "" {
		l = l.With("task_id", id)
	}
	return l
}
