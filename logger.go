package parvec

import (
	"context"
	"log/slog"
	"os"
)

// Logger wraps slog.Logger with parvec-specific context.
// This provides structured logging with consistent field names.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a new Logger with the given handler.
// If handler is nil, uses default text handler to stderr.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewJSONLogger creates a Logger that outputs JSON-formatted logs.
// level sets the minimum log level (e.g., slog.LevelDebug, slog.LevelInfo).
func NewJSONLogger(level slog.Level) *Logger {
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewTextLogger creates a Logger that outputs human-readable text logs.
func NewTextLogger(level slog.Level) *Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NoopLogger creates a Logger that discards all log output.
// Use this to disable logging entirely.
func NoopLogger() *Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.Level(1000), // Unreachable level
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// WithRank adds the local process rank to the logger.
func (l *Logger) WithRank(rank int) *Logger {
	return &Logger{
		Logger: l.Logger.With("rank", rank),
	}
}

// WithPeer adds a peer rank field to the logger.
func (l *Logger) WithPeer(peer int) *Logger {
	return &Logger{
		Logger: l.Logger.With("peer", peer),
	}
}

// LogPlanBuild logs the per-peer buffer plan negotiated at construction.
func (l *Logger) LogPlanBuild(ctx context.Context, peer, sendRows, recvRows int) {
	l.DebugContext(ctx, "buffer plan built",
		"peer", peer,
		"send_rows", sendRows,
		"recv_rows", recvRows,
	)
}

// LogSync logs a synchronization round.
func (l *Logger) LogSync(ctx context.Context, policy Policy, blocks int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "sync failed",
			"policy", policy.String(),
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "sync completed",
			"policy", policy.String(),
			"blocks", blocks,
		)
	}
}
