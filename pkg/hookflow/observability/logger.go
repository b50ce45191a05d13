// Package observability provides logging, metrics and tracing for hookflow.
//
// Features:
//   - Structured logging via slog, rendered by charmbracelet/log for
//     terminals or as JSON for collectors
//   - Metrics via OpenTelemetry
//   - Tracing via OpenTelemetry
//
// All features are opt-in and have no-op implementations when disabled.
// The Log helpers accept a nil logger and do nothing.
package observability

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	charmLog "github.com/charmbracelet/log"

	"github.com/randalmurphal/hookflow/pkg/hookflow/event"
)

// Environment variables that override LogConfig.
const (
	EnvLogLevel     = "HOOKFLOW_LOG_LEVEL"
	EnvLogFormat    = "HOOKFLOW_LOG_FORMAT"
	EnvLogAddSource = "HOOKFLOW_LOG_ADD_SOURCE"
)

// LogConfig selects the log level and output format.
type LogConfig struct {
	// Level is debug, info, warn or error. Default: info
	Level string `yaml:"level" json:"level"`

	// Format is text or json. Default: text
	Format string `yaml:"format" json:"format"`

	AddSource bool `yaml:"add_source" json:"add_source"`
}

// NewLogger builds a logger writing to w (stderr when nil). Environment
// variables take precedence over cfg.
func NewLogger(cfg LogConfig, w io.Writer) (*slog.Logger, error) {
	if w == nil {
		w = os.Stderr
	}

	format := strings.ToLower(strings.TrimSpace(cfg.Format))
	if v := strings.TrimSpace(os.Getenv(EnvLogFormat)); v != "" {
		format = strings.ToLower(v)
	}
	if format == "" {
		format = "text"
	}

	levelText := cfg.Level
	if v := strings.TrimSpace(os.Getenv(EnvLogLevel)); v != "" {
		levelText = v
	}
	level, err := ParseLevel(levelText)
	if err != nil {
		return nil, err
	}

	addSource := cfg.AddSource
	if v := strings.TrimSpace(os.Getenv(EnvLogAddSource)); v != "" {
		addSource = v == "1" || strings.EqualFold(v, "true")
	}

	switch format {
	case "text":
		pretty := charmLog.NewWithOptions(w, charmLog.Options{
			Level:           charmLevel(level),
			ReportTimestamp: true,
			TimeFormat:      time.TimeOnly,
			ReportCaller:    addSource,
			Formatter:       charmLog.TextFormatter,
		})
		return slog.New(pretty), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
			Level:     level,
			AddSource: addSource,
		})), nil
	default:
		return nil, fmt.Errorf("unsupported log format %q", format)
	}
}

// ParseLevel parses a level name. Empty means info.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unsupported log level %q", s)
	}
}

func charmLevel(level slog.Level) charmLog.Level {
	switch {
	case level <= slog.LevelDebug:
		return charmLog.DebugLevel
	case level <= slog.LevelInfo:
		return charmLog.InfoLevel
	case level <= slog.LevelWarn:
		return charmLog.WarnLevel
	default:
		return charmLog.ErrorLevel
	}
}

// DiscardLogger returns a logger that drops everything.
func DiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// EnrichLogger adds event identity to a logger.
//
// Example:
//
//	enriched := EnrichLogger(logger, evt)
//	enriched.Info("dispatching") // includes event_id, event_type, priority
func EnrichLogger(logger *slog.Logger, evt event.Event) *slog.Logger {
	if logger == nil {
		return nil
	}
	attrs := []any{
		slog.String("event_id", evt.ID),
		slog.String("event_type", evt.Type),
		slog.String("priority", evt.Priority.String()),
	}
	if evt.SessionID != "" {
		attrs = append(attrs, slog.String("session_id", evt.SessionID))
	}
	if evt.Attempt > 0 {
		attrs = append(attrs, slog.Int("attempt", evt.Attempt))
	}
	return logger.With(attrs...)
}

// LogSubmitRejected logs a synchronous rejection at submission.
func LogSubmitRejected(logger *slog.Logger, evt event.Event, reason string) {
	if logger == nil {
		return
	}
	logger.Debug("event rejected",
		slog.String("event_id", evt.ID),
		slog.String("event_type", evt.Type),
		slog.String("reason", reason),
	)
}

// LogBatchDispatch logs a batch handed to a worker.
func LogBatchDispatch(logger *slog.Logger, tier event.Priority, eventType string, size int, reason string) {
	if logger == nil {
		return
	}
	logger.Debug("batch dispatched",
		slog.String("tier", tier.String()),
		slog.String("event_type", eventType),
		slog.Int("size", size),
		slog.String("reason", reason),
	)
}

// LogHandlerComplete logs a successful invocation.
func LogHandlerComplete(logger *slog.Logger, handler string, events int, durationMs float64) {
	if logger == nil {
		return
	}
	logger.Debug("handler completed",
		slog.String("handler", handler),
		slog.Int("events", events),
		slog.Float64("duration_ms", durationMs),
	)
}

// LogHandlerError logs a failed invocation.
func LogHandlerError(logger *slog.Logger, handler string, evt event.Event, err error) {
	if logger == nil {
		return
	}
	logger.Warn("handler failed",
		slog.String("handler", handler),
		slog.String("event_id", evt.ID),
		slog.String("event_type", evt.Type),
		slog.Int("attempt", evt.Attempt),
		slog.String("error", err.Error()),
	)
}

// LogBreakerTransition logs a circuit breaker state change.
func LogBreakerTransition(logger *slog.Logger, name, from, to string) {
	if logger == nil {
		return
	}
	level := slog.LevelInfo
	if to == "OPEN" {
		level = slog.LevelWarn
	}
	logger.Log(context.Background(), level, "circuit breaker state change",
		slog.String("breaker", name),
		slog.String("from", from),
		slog.String("to", to),
	)
}

// LogDeadLetter logs a capture into the dead letter queue.
func LogDeadLetter(logger *slog.Logger, handler string, evt event.Event, reason, classification string) {
	if logger == nil {
		return
	}
	logger.Warn("event dead-lettered",
		slog.String("handler", handler),
		slog.String("event_id", evt.ID),
		slog.String("event_type", evt.Type),
		slog.String("reason", reason),
		slog.String("classification", classification),
	)
}

// LogTrigger logs an agent trigger request.
func LogTrigger(logger *slog.Logger, agent, eventType string, collapsed int) {
	if logger == nil {
		return
	}
	logger.Info("agent triggered",
		slog.String("agent", agent),
		slog.String("event_type", eventType),
		slog.Int("collapsed", collapsed),
	)
}

// TimedOperation measures the duration of an operation.
// Returns a function that, when called, returns the elapsed time in milliseconds.
//
// Example:
//
//	done := TimedOperation()
//	// ... do work ...
//	durationMs := done()
func TimedOperation() func() float64 {
	start := time.Now()
	return func() float64 {
		return float64(time.Since(start).Microseconds()) / 1000
	}
}
