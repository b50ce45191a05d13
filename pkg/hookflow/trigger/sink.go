package trigger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/randalmurphal/hookflow/pkg/hookflow/event"
)

// Sink delivers trigger requests to the agent invocation boundary.
type Sink interface {
	Deliver(ctx context.Context, req Request) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, req Request) error

// Deliver implements Sink.
func (f SinkFunc) Deliver(ctx context.Context, req Request) error {
	return f(ctx, req)
}

// ChannelSink sends requests on a channel. Delivery blocks until the
// receiver is ready or ctx ends.
type ChannelSink chan<- Request

// Deliver implements Sink.
func (s ChannelSink) Deliver(ctx context.Context, req Request) error {
	select {
	case s <- req:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SubmitFunc admits an event into a pipeline.
type SubmitFunc func(ctx context.Context, evt event.Event) error

// SubmitSink feeds each request back into the pipeline as a fresh
// agent.trigger event, derived from the event that caused it.
type SubmitSink struct {
	submit SubmitFunc
}

// NewSubmitSink creates a sink that submits through fn.
func NewSubmitSink(fn SubmitFunc) *SubmitSink {
	return &SubmitSink{submit: fn}
}

// Deliver implements Sink.
func (s *SubmitSink) Deliver(ctx context.Context, req Request) error {
	payload := map[string]any{
		"agent":        req.Agent,
		"request_id":   req.ID,
		"event_id":     req.EventID,
		"event_type":   req.EventType,
		"collapsed":    req.Collapsed,
		"context":      req.Context,
		"requested_at": req.RequestedAt,
	}
	evt := event.NewFromParent(req.Source, event.TypeAgentTrigger, payload,
		event.WithPriority(req.Priority),
		event.WithProducer("trigger"),
		event.WithLabel("agent", req.Agent),
	)
	return s.submit(ctx, evt)
}

// LogSink writes every request to a logger.
type LogSink struct {
	Logger *slog.Logger
}

// Deliver implements Sink.
func (s LogSink) Deliver(ctx context.Context, req Request) error {
	if s.Logger == nil {
		return nil
	}
	s.Logger.InfoContext(ctx, "agent trigger",
		slog.String("request_id", req.ID),
		slog.String("agent", req.Agent),
		slog.String("event_id", req.EventID),
		slog.String("event_type", req.EventType),
		slog.String("session_id", req.SessionID),
		slog.Int("collapsed", req.Collapsed),
	)
	return nil
}

// MultiSink delivers to every sink and joins their errors. A failing sink
// does not stop delivery to the others.
type MultiSink []Sink

// Deliver implements Sink.
func (m MultiSink) Deliver(ctx context.Context, req Request) error {
	var errs []error
	for i, s := range m {
		if err := s.Deliver(ctx, req); err != nil {
			errs = append(errs, fmt.Errorf("sink %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}
