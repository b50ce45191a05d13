package handlers

import (
	"context"
	"log/slog"

	"github.com/randalmurphal/hookflow/pkg/hookflow/event"
	"github.com/randalmurphal/hookflow/pkg/hookflow/template"
)

// LogHandler writes every event to a structured logger. It never fails.
type LogHandler struct {
	name    string
	logger  *slog.Logger
	level   slog.Level
	message string
	payload bool
}

// NewLogHandler creates a handler logging at level with the given message.
// The message may refer to event fields as ${payload.tool_name}.
// When includePayload is set the payload is logged as a group.
func NewLogHandler(name string, logger *slog.Logger, level slog.Level, message string, includePayload bool) *LogHandler {
	if logger == nil {
		logger = slog.Default()
	}
	if message == "" {
		message = "event"
	}
	return &LogHandler{
		name:    name,
		logger:  logger,
		level:   level,
		message: message,
		payload: includePayload,
	}
}

// Handle implements event.Handler.
func (h *LogHandler) Handle(ctx context.Context, evt event.Event) ([]event.Event, error) {
	attrs := []slog.Attr{
		slog.String("handler", h.name),
		slog.String("event_id", evt.ID),
		slog.String("event_type", evt.Type),
		slog.String("priority", evt.Priority.String()),
		slog.String("session_id", evt.SessionID),
		slog.Int("attempt", evt.Attempt),
	}
	if evt.Context.Producer != "" {
		attrs = append(attrs, slog.String("producer", evt.Context.Producer))
	}
	if h.payload && len(evt.Payload) > 0 {
		fields := make([]any, 0, len(evt.Payload))
		for k, v := range evt.Payload {
			fields = append(fields, slog.Any(k, v))
		}
		attrs = append(attrs, slog.Group("payload", fields...))
	}
	h.logger.LogAttrs(ctx, h.level, template.Expand(h.message, evt.Vars()), attrs...)
	return nil, nil
}
