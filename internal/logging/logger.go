// Package logging provides the structured logging interface used by the
// coordinator, reaper, and worker agent.
package logging

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"time"
	"unicode"
)

// Logger is the interface every component logs through, rather than
// calling slog directly, so tests can substitute NoOpLogger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
	With(args ...any) Logger
	WithContext(ctx context.Context) Logger
}

type slogLogger struct {
	logger *slog.Logger
}

// Format is the log output encoding.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// Config controls how New builds a Logger.
type Config struct {
	Level   slog.Level
	Format  Format
	Output  *os.File
	Service string
}

// DefaultConfig logs at info level as text to stdout, suitable for a
// worker agent running in a terminal.
func DefaultConfig() *Config {
	return &Config{
		Level:   slog.LevelInfo,
		Format:  FormatText,
		Output:  os.Stdout,
		Service: "job-distributor",
	}
}

// New builds a Logger from config, defaulting to DefaultConfig when nil.
func New(config *Config) Logger {
	if config == nil {
		config = DefaultConfig()
	}

	opts := &slog.HandlerOptions{
		Level: config.Level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				return slog.String(slog.TimeKey, a.Value.Time().Format(time.RFC3339))
			}
			return a
		},
	}

	var handler slog.Handler
	switch config.Format {
	case FormatJSON:
		handler = slog.NewJSONHandler(config.Output, opts)
	default:
		handler = slog.NewTextHandler(config.Output, opts)
	}

	logger := slog.New(handler).With("service", config.Service)
	return &slogLogger{logger: logger}
}

func (l *slogLogger) Debug(msg string, args ...any) { l.logger.Debug(msg, sanitizeFields(args)...) }
func (l *slogLogger) Info(msg string, args ...any)  { l.logger.Info(msg, sanitizeFields(args)...) }
func (l *slogLogger) Warn(msg string, args ...any)  { l.logger.Warn(msg, sanitizeFields(args)...) }
func (l *slogLogger) Error(msg string, args ...any) { l.logger.Error(msg, sanitizeFields(args)...) }

func (l *slogLogger) With(args ...any) Logger {
	return &slogLogger{logger: l.logger.With(sanitizeFields(args)...)}
}

func (l *slogLogger) WithContext(ctx context.Context) Logger {
	if requestID, ok := ctx.Value(ctxKeyRequestID{}).(string); ok && requestID != "" {
		return l.With("request_id", requestID)
	}
	return l
}

type ctxKeyRequestID struct{}

// WithRequestID attaches a request id to ctx for WithContext to pick up.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, ctxKeyRequestID{}, requestID)
}

// sanitizeLogValue strips control characters from string fields so a
// worker identity or parameter string supplied by a remote caller can't
// forge extra log lines.
func sanitizeLogValue(value any) any {
	str, ok := value.(string)
	if !ok {
		return value
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '\n', '\r', '\t':
			return ' '
		}
		if unicode.IsControl(r) && !unicode.IsSpace(r) {
			return -1
		}
		return r
	}, str)
}

func sanitizeFields(fields []any) []any {
	sanitized := make([]any, len(fields))
	for i, f := range fields {
		sanitized[i] = sanitizeLogValue(f)
	}
	return sanitized
}

// NoOpLogger discards every call; used in tests that don't assert on
// log output.
type NoOpLogger struct{}

func (NoOpLogger) Debug(msg string, args ...any)          {}
func (NoOpLogger) Info(msg string, args ...any)           {}
func (NoOpLogger) Warn(msg string, args ...any)           {}
func (NoOpLogger) Error(msg string, args ...any)          {}
func (NoOpLogger) With(args ...any) Logger                { return NoOpLogger{} }
func (NoOpLogger) WithContext(ctx context.Context) Logger { return NoOpLogger{} }
