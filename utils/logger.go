package utils

import (
	"context"
	"log/slog"
	"os"
)

// Logger is the logging surface the sequencer packages use. The Ctx
// variants append any default args attached to the context with
// WithDefaultArgs.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
	DebugCtx(ctx context.Context, msg string, args ...any)
	InfoCtx(ctx context.Context, msg string, args ...any)
	WarnCtx(ctx context.Context, msg string, args ...any)
	ErrorCtx(ctx context.Context, msg string, args ...any)
}

const prefix = "[sequencer] "

type DefaultLogger struct {
	logger *slog.Logger
}

func NewDefaultLogger(level slog.Level) *DefaultLogger {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
	return &DefaultLogger{logger: logger}
}

var defaultArgsKey int

// WithDefaultArgs attaches args to the context so that every Ctx logging
// call below it carries them.
func WithDefaultArgs(ctx context.Context, args ...any) context.Context {
	dargs := append(defaultArgs(ctx), args...)
	return context.WithValue(ctx, &defaultArgsKey, dargs)
}

func defaultArgs(ctx context.Context) []any {
	if args, ok := ctx.Value(&defaultArgsKey).([]any); ok {
		return args
	}
	return nil
}

func (d *DefaultLogger) log(level slog.Level, msg string, args []any) {
	d.logger.Log(context.Background(), level, prefix+msg, args...)
}

func (d *DefaultLogger) Debug(msg string, args ...any) { d.log(slog.LevelDebug, msg, args) }
func (d *DefaultLogger) Info(msg string, args ...any)  { d.log(slog.LevelInfo, msg, args) }
func (d *DefaultLogger) Warn(msg string, args ...any)  { d.log(slog.LevelWarn, msg, args) }
func (d *DefaultLogger) Error(msg string, args ...any) { d.log(slog.LevelError, msg, args) }

func (d *DefaultLogger) DebugCtx(ctx context.Context, msg string, args ...any) {
	d.log(slog.LevelDebug, msg, append(args, defaultArgs(ctx)...))
}

func (d *DefaultLogger) InfoCtx(ctx context.Context, msg string, args ...any) {
	d.log(slog.LevelInfo, msg, append(args, defaultArgs(ctx)...))
}

func (d *DefaultLogger) WarnCtx(ctx context.Context, msg string, args ...any) {
	d.log(slog.LevelWarn, msg, append(args, defaultArgs(ctx)...))
}

func (d *DefaultLogger) ErrorCtx(ctx context.Context, msg string, args ...any) {
	d.log(slog.LevelError, msg, append(args, defaultArgs(ctx)...))
}
