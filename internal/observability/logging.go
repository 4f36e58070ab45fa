// Package observability provides structured logging shared across Cortex's
// components.
package observability

import (
	"context"
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"
)

// Logger wraps log/slog with level/format configuration and redaction of
// sensitive values (bearer tokens, API keys) before they reach the sink.
type Logger struct {
	logger  *slog.Logger
	redacts []*regexp.Regexp
}

// Config configures a Logger.
type Config struct {
	// Level is one of "debug", "info", "warn", "error". Defaults to "info".
	Level string

	// Format is "json" or "text". Defaults to "json".
	Format string

	// Output defaults to os.Stdout.
	Output io.Writer

	AddSource bool
}

// DefaultRedactPatterns matches common secret shapes so they never appear in
// logged values such as request headers.
var DefaultRedactPatterns = []string{
	`(?i)(bearer)\s+([a-zA-Z0-9_\-.]{8,})`,
	`(?i)(api[_-]?key|apikey|token|secret)[\s:=]+["']?([^\s"']{8,})["']?`,
}

// New creates a Logger from the given Config, defaulting unset fields.
func New(cfg Config) *Logger {
	if cfg.Output == nil {
		cfg.Output = os.Stdout
	}
	if cfg.Level == "" {
		cfg.Level = "info"
	}
	if cfg.Format == "" {
		cfg.Format = "json"
	}

	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level, AddSource: cfg.AddSource}
	var handler slog.Handler
	if strings.ToLower(cfg.Format) == "text" {
		handler = slog.NewTextHandler(cfg.Output, opts)
	} else {
		handler = slog.NewJSONHandler(cfg.Output, opts)
	}

	patterns := make([]*regexp.Regexp, 0, len(DefaultRedactPatterns))
	for _, p := range DefaultRedactPatterns {
		patterns = append(patterns, regexp.MustCompile(p))
	}

	return &Logger{logger: slog.New(handler), redacts: patterns}
}

// Redact strips secret-shaped substrings from s.
func (l *Logger) Redact(s string) string {
	if l == nil {
		return s
	}
	for _, re := range l.redacts {
		s = re.ReplaceAllString(s, "$1 [redacted]")
	}
	return s
}

type ctxKey string

const topicKey ctxKey = "topic_key"

// WithTopic attaches a topic key to ctx for log correlation.
func WithTopic(ctx context.Context, topic string) context.Context {
	return context.WithValue(ctx, topicKey, topic)
}

// TopicFromContext returns the topic key stored in ctx, if any.
func TopicFromContext(ctx context.Context) string {
	v, _ := ctx.Value(topicKey).(string)
	return v
}

func (l *Logger) with(ctx context.Context, args []any) []any {
	redacted := make([]any, len(args), len(args)+2)
	for i, a := range args {
		if s, ok := a.(string); ok {
			a = l.Redact(s)
		}
		redacted[i] = a
	}
	args = redacted
	if topic := TopicFromContext(ctx); topic != "" {
		args = append(args, "topic_key", topic)
	}
	return args
}

func (l *Logger) Debug(ctx context.Context, msg string, args ...any) {
	l.logger.Debug(msg, l.with(ctx, args)...)
}

func (l *Logger) Info(ctx context.Context, msg string, args ...any) {
	l.logger.Info(msg, l.with(ctx, args)...)
}

func (l *Logger) Warn(ctx context.Context, msg string, args ...any) {
	l.logger.Warn(msg, l.with(ctx, args)...)
}

func (l *Logger) Error(ctx context.Context, msg string, args ...any) {
	l.logger.Error(msg, l.with(ctx, args)...)
}

// Nop returns a Logger that discards all output, for use in tests.
func Nop() *Logger {
	return New(Config{Output: io.Discard})
}
