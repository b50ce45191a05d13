package event

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// Handler processes one event and optionally returns derived events.
// Derived events are submitted back through the full pipeline, never
// dispatched inline.
type Handler interface {
	Handle(ctx context.Context, evt Event) ([]Event, error)
}

// BatchHandler is implemented by handlers that aggregate. When a handler
// implements it, a flushed batch is delivered in one call with events in
// submission order.
type BatchHandler interface {
	Handler
	HandleBatch(ctx context.Context, events []Event) ([]Event, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, evt Event) ([]Event, error)

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, evt Event) ([]Event, error) {
	return f(ctx, evt)
}

// BatchHandlerFunc adapts a batch function to BatchHandler.
type BatchHandlerFunc func(ctx context.Context, events []Event) ([]Event, error)

// Handle implements Handler by delivering a single-event batch.
func (f BatchHandlerFunc) Handle(ctx context.Context, evt Event) ([]Event, error) {
	return f(ctx, []Event{evt})
}

// HandleBatch implements BatchHandler.
func (f BatchHandlerFunc) HandleBatch(ctx context.Context, events []Event) ([]Event, error) {
	return f(ctx, events)
}

// TypedHandler decodes the payload into T before calling fn.
func TypedHandler[T any](fn func(ctx context.Context, payload T, evt Event) ([]Event, error)) Handler {
	return HandlerFunc(func(ctx context.Context, evt Event) ([]Event, error) {
		var payload T
		raw, err := json.Marshal(evt.Payload)
		if err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
		if err := json.Unmarshal(raw, &payload); err != nil {
			return nil, &ValidationError{Field: "payload", Message: err.Error()}
		}
		return fn(ctx, payload, evt)
	})
}

// MiddlewareFunc wraps handlers to add cross-cutting concerns.
type MiddlewareFunc func(next Handler) Handler

// ChainMiddleware applies middleware in order, with first middleware outermost.
func ChainMiddleware(handler Handler, middleware ...MiddlewareFunc) Handler {
	for i := len(middleware) - 1; i >= 0; i-- {
		handler = middleware[i](handler)
	}
	return handler
}

// HandlerName returns a printable identity for an unnamed handler.
func HandlerName(h Handler) string {
	return fmt.Sprintf("%T", h)
}

// RecoveryMiddleware turns handler panics into HandlerError values.
func RecoveryMiddleware(name string) MiddlewareFunc {
	return func(next Handler) Handler {
		return HandlerFunc(func(ctx context.Context, evt Event) (result []Event, err error) {
			defer func() {
				if r := recover(); r != nil {
					err = &HandlerError{
						Handler: name,
						EventID: evt.ID,
						Err:     fmt.Errorf("%v", r),
						Panic:   true,
					}
				}
			}()
			return next.Handle(ctx, evt)
		})
	}
}

// LoggingMiddleware logs every invocation at debug level and failures at warn.
func LoggingMiddleware(logger *slog.Logger, name string) MiddlewareFunc {
	return func(next Handler) Handler {
		if logger == nil {
			return next
		}
		return HandlerFunc(func(ctx context.Context, evt Event) ([]Event, error) {
			start := time.Now()
			result, err := next.Handle(ctx, evt)
			attrs := []any{
				slog.String("handler", name),
				slog.String("event_id", evt.ID),
				slog.String("event_type", evt.Type),
				slog.Duration("duration", time.Since(start)),
			}
			if err != nil {
				logger.Warn("handler failed", append(attrs, slog.String("error", err.Error()))...)
				return result, err
			}
			logger.Debug("handler completed", attrs...)
			return result, nil
		})
	}
}
