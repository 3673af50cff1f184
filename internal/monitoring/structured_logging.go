package monitoring

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
)

// LogFormat represents the output format for logs
type LogFormat int

const (
	FormatJSON LogFormat = iota
	FormatText
	FormatConsole
)

// ParseLogFormat maps "json", "text" or "console" to a LogFormat.
func ParseLogFormat(s string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "json":
		return FormatJSON, nil
	case "text":
		return FormatText, nil
	case "console":
		return FormatConsole, nil
	default:
		return FormatJSON, fmt.Errorf("unknown log format %q", s)
	}
}

// ParseLogLevel maps a level name to its slog.Level.
func ParseLogLevel(s string) (slog.Level, error) {
	var lvl slog.Level
	if s == "" {
		return slog.LevelInfo, nil
	}
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
	return lvl, nil
}

// LoggerConfig configures the structured logger
type LoggerConfig struct {
	Level     slog.Level
	Format    LogFormat
	Output    io.Writer
	Component string
}

// NewLogger creates a slog.Logger with the given configuration. Console output is colored
// through tint; JSON and text use the standard slog handlers.
func NewLogger(config LoggerConfig) *slog.Logger {
	if config.Output == nil {
		config.Output = os.Stderr
	}

	var handler slog.Handler
	switch config.Format {
	case FormatConsole:
		handler = tint.NewHandler(config.Output, &tint.Options{
			Level:      config.Level,
			TimeFormat: time.RFC3339,
			AddSource:  config.Level <= slog.LevelDebug,
		})
	case FormatText:
		handler = slog.NewTextHandler(config.Output, handlerOptions(config.Level))
	default:
		handler = slog.NewJSONHandler(config.Output, handlerOptions(config.Level))
	}

	logger := slog.New(handler).With("service", "medvault")
	if config.Component != "" {
		logger = logger.With("component", config.Component)
	}
	return logger
}

func handlerOptions(level slog.Level) *slog.HandlerOptions {
	return &slog.HandlerOptions{
		Level:     level,
		AddSource: level <= slog.LevelDebug,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				a.Value = slog.StringValue(a.Value.Time().Format(time.RFC3339Nano))
			}
			return a
		},
	}
}

// DiscardLogger returns a logger that drops every record.
func DiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 4}))
}

// LogTransition writes one line per protocol transition. Failures log at Warn, emergency
// access always logs at Warn so it stands out in review.
func LogTransition(ctx context.Context, logger *slog.Logger, operation string, duration time.Duration, err error, attrs ...any) {
	args := append([]any{
		"operation", operation,
		"duration_ms", float64(duration.Nanoseconds()) / 1e6,
	}, attrs...)

	switch {
	case err != nil:
		logger.WarnContext(ctx, "transition failed", append(args, "error", err.Error())...)
	case operation == "emergency_access":
		logger.WarnContext(ctx, "emergency access granted", args...)
	default:
		logger.InfoContext(ctx, "transition completed", args...)
	}
}
