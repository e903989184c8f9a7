// Package gatewaylog is a thin shim over log/slog, kept for call sites that
// cannot easily accept an injected *slog.Logger (init-time code, package
// vars). New code should inject a *slog.Logger directly through
// constructors; use Get only to obtain the process-wide default.
package gatewaylog

import (
	"context"
	"log/slog"
	"os"
	"sync/atomic"
)

var singleton atomic.Pointer[slog.Logger]

func init() {
	singleton.Store(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})))
}

// Get returns the process-wide default logger.
func Get() *slog.Logger { return singleton.Load() }

// SetDefault replaces the process-wide default logger, e.g. after CLI flag
// parsing has determined the configured level and format.
func SetDefault(l *slog.Logger) { singleton.Store(l) }

func Debug(msg string, args ...any) { Get().Debug(msg, args...) }
func Info(msg string, args ...any)  { Get().Info(msg, args...) }
func Warn(msg string, args ...any)  { Get().Warn(msg, args...) }
func Error(msg string, args ...any) { Get().Error(msg, args...) }

func DebugContext(ctx context.Context, msg string, args ...any) { Get().DebugContext(ctx, msg, args...) }
func InfoContext(ctx context.Context, msg string, args ...any)  { Get().InfoContext(ctx, msg, args...) }
func WarnContext(ctx context.Context, msg string, args ...any)  { Get().WarnContext(ctx, msg, args...) }
func ErrorContext(ctx context.Context, msg string, args ...any) { Get().ErrorContext(ctx, msg, args...) }

// NewDevelopment returns a human-readable text logger at debug level, used
// by the CLI's --debug flag.
func NewDevelopment() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
}
