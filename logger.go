package ttlstore

import (
	"context"
	"log/slog"
	"os"
	"time"
)

// Logger is the structured logger of a Store. The Log* helpers keep
// attribute names consistent across operations.
type Logger struct {
	*slog.Logger
}

// NewLogger wraps handler. A nil handler logs text at info level to stderr.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})
	}
	return &Logger{Logger: slog.New(handler)}
}

// NewJSONLogger logs JSON lines at level and above to stderr.
func NewJSONLogger(level slog.Level) *Logger {
	return NewLogger(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// NewTextLogger logs logfmt-style text at level and above to stderr.
func NewTextLogger(level slog.Level) *Logger {
	return NewLogger(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// NoopLogger discards everything.
func NoopLogger() *Logger {
	return NewLogger(slog.DiscardHandler)
}

// WithPath adds a path field to the logger.
func (l *Logger) WithPath(path string) *Logger {
	return &Logger{
		Logger: l.Logger.With("path", path),
	}
}

// LogSet logs a set operation.
func (l *Logger) LogSet(ctx context.Context, path string, ttl *time.Duration, size int, err error) {
	attrs := []any{"path", path, "size", size}
	if ttl != nil {
		attrs = append(attrs, "ttl", *ttl)
	}
	if err != nil {
		l.ErrorContext(ctx, "set failed", append(attrs, "error", err)...)
	} else {
		l.DebugContext(ctx, "set completed", attrs...)
	}
}

// LogGet logs a lookup.
func (l *Logger) LogGet(ctx context.Context, path string, hit bool, err error) {
	if err != nil {
		l.ErrorContext(ctx, "get failed", "path", path, "error", err)
		return
	}
	l.DebugContext(ctx, "get completed", "path", path, "hit", hit)
}

// LogDelete logs a delete operation.
func (l *Logger) LogDelete(ctx context.Context, path string, err error) {
	if err != nil {
		l.ErrorContext(ctx, "delete failed", "path", path, "error", err)
		return
	}
	l.DebugContext(ctx, "delete completed", "path", path)
}

// LogTruncate logs a truncate operation.
func (l *Logger) LogTruncate(ctx context.Context, rows int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "truncate failed", "error", err)
	} else {
		l.InfoContext(ctx, "truncate completed", "rows", rows)
	}
}

// LogCompaction logs a manual compaction.
func (l *Logger) LogCompaction(ctx context.Context, duration time.Duration, removed, orphaned uint64, err error) {
	if err != nil {
		l.ErrorContext(ctx, "compaction failed",
			"duration", duration,
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "compaction completed",
			"duration", duration,
			"expired_removed", removed,
			"expired_orphaned", orphaned,
		)
	}
}
