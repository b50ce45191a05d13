package hookflow

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/randalmurphal/hookflow/pkg/hookflow/batch"
	hferrors "github.com/randalmurphal/hookflow/pkg/hookflow/errors"
	"github.com/randalmurphal/hookflow/pkg/hookflow/event"
	"github.com/randalmurphal/hookflow/pkg/hookflow/monitor"
	"github.com/randalmurphal/hookflow/pkg/hookflow/observability"
	"github.com/randalmurphal/hookflow/pkg/hookflow/queue"
)

// workerBuffer is the number of batches a worker may have waiting.
const workerBuffer = 16

// runDispatcher moves events from one tier into the batcher.
func (p *Pipeline) runDispatcher(tier event.Priority) {
	for {
		entry, ok := p.queues.Next(p.baseCtx, tier)
		if !ok {
			return
		}
		p.batcher.Offer(entry, p.monitor.SelectMode(entry.Event))
	}
}

// emit hands a batch to the worker owning its type. Sharding by type keeps
// every batch of a (tier, type) stream on one worker, in order.
func (p *Pipeline) emit(b batch.Batch) {
	ws := p.workers[b.Tier]
	h := fnv.New32a()
	h.Write([]byte(b.Type))
	ws[int(h.Sum32()%uint32(len(ws)))] <- b
}

// delivery tracks what happened to one event of a batch.
type delivery struct {
	entry queue.Entry

	outcome  monitor.Outcome
	duration time.Duration

	// handlers is the number of bindings that received the event.
	handlers int
	// retries are redeliveries to submit once the batch is done.
	retries []event.Event
	// derived events returned by handlers.
	derived []event.Event
	// deadLettered is set when any handler's delivery went to the DLQ.
	deadLettered bool
	// failed is set when the event failed any handler.
	failed bool
}

func (d *delivery) observe(took time.Duration, o monitor.Outcome) {
	d.duration += took
	if !d.outcome.Failed() {
		d.outcome = o
	}
	if o.Failed() {
		d.failed = true
	}
}

// processBatch runs every handler bound to the batch's type.
func (p *Pipeline) processBatch(b batch.Batch) {
	ctx, span := p.opts.spans.StartBatchSpan(p.baseCtx, b.Tier, b.Type, b.Len())
	defer span.End()
	observability.LogBatchDispatch(p.logger, b.Tier, b.Type, b.Len(), string(b.Reason))
	p.opts.metrics.RecordBatch(ctx, b.Tier.String(), b.Len(), string(b.Reason))

	deliveries := make([]*delivery, len(b.Entries))
	for i, e := range b.Entries {
		deliveries[i] = &delivery{entry: e, outcome: monitor.OutcomeSuccess}
	}

	for _, bd := range p.registry.snapshot().lookup(b.Type) {
		var targets []*delivery
		for _, d := range deliveries {
			if d.entry.Event.Route == "" || d.entry.Event.Route == bd.name {
				targets = append(targets, d)
			}
		}
		if len(targets) == 0 {
			continue
		}
		if bd.batch != nil {
			p.runBatch(ctx, b, bd, targets)
			continue
		}
		for _, d := range targets {
			p.runOne(ctx, b, bd, d)
		}
	}

	for _, d := range deliveries {
		p.finish(ctx, d)
	}
}

// deadline is the absolute deadline for one invocation: the handler's
// timeout, or the tier default, tightened by the batch deadline.
func (p *Pipeline) deadline(b batch.Batch, bd binding) (time.Time, time.Duration) {
	timeout := bd.cfg.Timeout
	if timeout <= 0 {
		timeout = p.cfg.Timeouts[b.Tier]
	}
	now := time.Now()
	deadline := now.Add(timeout)
	if !b.Deadline.IsZero() && b.Deadline.Before(deadline) {
		deadline = b.Deadline
		timeout = max(deadline.Sub(now), 0)
	}
	return deadline, timeout
}

func (p *Pipeline) runOne(ctx context.Context, b batch.Batch, bd binding, d *delivery) {
	evt := d.entry.Event
	d.handlers++
	br := p.breakers.GetOrCreate(bd.breakerName(b.Type), bd.cfg.breaker())
	if !br.Allow() {
		d.observe(0, monitor.OutcomeCircuitOpen)
		p.deadLetter(ctx, bd.name, evt, &event.CircuitOpenError{Handler: bd.name}, d)
		return
	}

	deadline, timeout := p.deadline(b, bd)
	hctx, span := p.opts.spans.StartHandlerSpan(ctx, bd.name, evt)
	start := time.Now()
	derived, err := p.call(hctx, bd.name, evt.ID, deadline, timeout, func(ctx context.Context) ([]event.Event, error) {
		return bd.handler.Handle(ctx, evt)
	})
	took := time.Since(start)
	p.opts.spans.EndSpanWithError(span, err)
	p.opts.metrics.RecordHandler(ctx, bd.name, evt.Type, took, err)

	if err == nil {
		br.RecordSuccess()
		d.observe(took, monitor.OutcomeSuccess)
		d.derived = append(d.derived, derived...)
		observability.LogHandlerComplete(p.logger, bd.name, 1, float64(took.Microseconds())/1000)
		p.acknowledge(ctx, bd.name, evt)
		return
	}
	br.RecordFailure()
	d.observe(took, failureOutcome(err))
	p.fail(ctx, bd, evt, err, d)
}

// runBatch delivers the whole sub-batch in one HandleBatch call.
func (p *Pipeline) runBatch(ctx context.Context, b batch.Batch, bd binding, targets []*delivery) {
	events := make([]event.Event, len(targets))
	for i, d := range targets {
		events[i] = d.entry.Event
		d.handlers++
	}
	last := events[len(events)-1]

	br := p.breakers.GetOrCreate(bd.breakerName(b.Type), bd.cfg.breaker())
	if !br.Allow() {
		for _, d := range targets {
			d.observe(0, monitor.OutcomeCircuitOpen)
			p.deadLetter(ctx, bd.name, d.entry.Event, &event.CircuitOpenError{Handler: bd.name}, d)
		}
		return
	}

	deadline, timeout := p.deadline(b, bd)
	hctx, span := p.opts.spans.StartHandlerSpan(ctx, bd.name, last)
	start := time.Now()
	derived, err := p.call(hctx, bd.name, last.ID, deadline, timeout, func(ctx context.Context) ([]event.Event, error) {
		return bd.batch.HandleBatch(ctx, events)
	})
	took := time.Since(start)
	p.opts.spans.EndSpanWithError(span, err)
	p.opts.metrics.RecordHandler(ctx, bd.name, b.Type, took, err)

	if err == nil {
		br.RecordSuccess()
		for _, d := range targets {
			d.observe(took, monitor.OutcomeSuccess)
			p.acknowledge(ctx, bd.name, d.entry.Event)
		}
		targets[len(targets)-1].derived = append(targets[len(targets)-1].derived, derived...)
		observability.LogHandlerComplete(p.logger, bd.name, len(events), float64(took.Microseconds())/1000)
		return
	}
	br.RecordFailure()
	for _, d := range targets {
		d.observe(took, failureOutcome(err))
		p.fail(ctx, bd, d.entry.Event, err, d)
	}
}

type callResult struct {
	events []event.Event
	err    error
}

// call runs fn under deadline on its own goroutine. When the deadline
// passes first the worker moves on and the late result is discarded.
func (p *Pipeline) call(ctx context.Context, handler, eventID string, deadline time.Time, timeout time.Duration, fn func(context.Context) ([]event.Event, error)) ([]event.Event, error) {
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	done := make(chan callResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- callResult{err: &event.HandlerError{
					Handler: handler,
					EventID: eventID,
					Err:     fmt.Errorf("%v", r),
					Panic:   true,
				}}
			}
		}()
		events, err := fn(ctx)
		done <- callResult{events: events, err: err}
	}()

	select {
	case r := <-done:
		if r.err == nil {
			return r.events, nil
		}
		if errors.Is(r.err, context.DeadlineExceeded) && ctx.Err() != nil {
			return nil, &event.HandlerTimeoutError{Handler: handler, Timeout: timeout}
		}
		var herr *event.HandlerError
		if !errors.As(r.err, &herr) {
			r.err = &event.HandlerError{Handler: handler, EventID: eventID, Err: r.err}
		}
		return nil, r.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, &event.HandlerTimeoutError{Handler: handler, Timeout: timeout}
		}
		return nil, &event.HandlerError{Handler: handler, EventID: eventID, Err: ctx.Err()}
	}
}

func failureOutcome(err error) monitor.Outcome {
	var terr *event.HandlerTimeoutError
	if errors.As(err, &terr) {
		return monitor.OutcomeTimeout
	}
	return monitor.OutcomeFailure
}

// fail schedules an in-pipeline retry for retryable failures with attempts
// left, and dead-letters everything else. Recovery deliveries are never
// retried here; the recovery processor owns their schedule.
func (p *Pipeline) fail(ctx context.Context, bd binding, evt event.Event, err error, d *delivery) {
	observability.LogHandlerError(p.logger, bd.name, evt, err)
	maxAttempts := bd.cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = p.cfg.MaxAttempts
	}
	if !evt.Recovery && hferrors.IsRetryable(err) && evt.Attempt+1 < maxAttempts {
		d.retries = append(d.retries, evt.Retry(bd.name))
		return
	}
	p.deadLetter(ctx, bd.name, evt, err, d)
}

func (p *Pipeline) deadLetter(ctx context.Context, handler string, evt event.Event, cause error, d *delivery) {
	d.deadLettered = true
	entry, err := p.dlq.Capture(ctx, evt, handler, cause)
	if err != nil {
		p.logger.Error("capture dead letter",
			slog.String("handler", handler),
			slog.String("event_id", evt.ID),
			slog.String("error", err.Error()))
		return
	}
	observability.LogDeadLetter(p.logger, handler, evt, entry.FailureReason, string(entry.Classification))
	reason := entry.Category
	if event.IsCircuitOpen(cause) {
		reason = event.CircuitOpenReason
	}
	p.opts.metrics.RecordDeadLetter(ctx, handler, reason)
}

// acknowledge clears the dead letter of a recovery delivery that succeeded.
func (p *Pipeline) acknowledge(ctx context.Context, handler string, evt event.Event) {
	if !evt.Recovery {
		return
	}
	if _, err := p.dlq.Acknowledge(ctx, evt.ID, handler); err != nil {
		p.logger.Warn("acknowledge dead letter",
			slog.String("handler", handler),
			slog.String("event_id", evt.ID),
			slog.String("error", err.Error()))
	}
}

// finish submits retries and derived events, settles completion and
// releases the event's outstanding count.
func (p *Pipeline) finish(ctx context.Context, d *delivery) {
	evt := d.entry.Event
	defer p.outstanding.Add(-1)

	p.monitor.Record(monitor.Sample{
		EventType:       evt.Type,
		Priority:        evt.Priority,
		EnqueuedAt:      d.entry.EnqueuedAt,
		HandlerDuration: d.duration,
		Outcome:         d.outcome,
	})

	// A retry lands on this same worker, which is busy until finish returns,
	// so it cannot settle before the completion state below is recorded.
	var waiting []string
	for _, r := range d.retries {
		if _, err := p.submit(ctx, r); err != nil {
			p.deadLetter(ctx, r.Route, evt, fmt.Errorf("resubmit retry: %w", err), d)
			continue
		}
		waiting = append(waiting, r.Route)
	}
	for _, child := range d.derived {
		if _, err := p.submit(ctx, child); err != nil {
			p.logger.Warn("submit derived event",
				slog.String("parent_id", evt.ID),
				slog.String("event_type", child.Type),
				slog.String("error", err.Error()))
		}
	}

	if evt.Route != "" && d.handlers == 0 {
		p.logger.Warn("routed handler no longer bound",
			slog.String("handler", evt.Route),
			slog.String("event_id", evt.ID),
			slog.String("event_type", evt.Type))
	}

	switch {
	case evt.Recovery:
		if !d.failed {
			p.complete(ctx, evt)
		}
	case evt.Route == "":
		switch {
		case d.deadLettered:
		case len(waiting) > 0:
			p.completion.wait(evt.ID, waiting)
		default:
			p.complete(ctx, evt)
		}
	default:
		switch {
		case d.deadLettered:
			p.completion.abandon(evt.ID)
		case len(waiting) > 0:
		default:
			if p.completion.settle(evt.ID, evt.Route) {
				p.complete(ctx, evt)
			}
		}
	}
}

// complete records an event every handler accepted: it is appended to the
// session log and offered to the trigger rules.
func (p *Pipeline) complete(ctx context.Context, evt event.Event) {
	evt.Attempt = 0
	evt.Route = ""
	evt.Recovery = false
	if err := p.sessions.Append(ctx, evt); err != nil {
		p.logger.Error("append session log",
			slog.String("event_id", evt.ID),
			slog.String("error", err.Error()))
	}
	if _, err := p.triggers.OnEventProcessed(ctx, evt); err != nil {
		p.logger.Warn("evaluate agent triggers",
			slog.String("event_id", evt.ID),
			slog.String("error", err.Error()))
	}
}

// completion tracks events whose handlers have retries in flight.
type completion struct {
	mu      sync.Mutex
	waiting map[string]map[string]struct{}
}

func newCompletion() *completion {
	return &completion{waiting: make(map[string]map[string]struct{})}
}

func (c *completion) wait(eventID string, handlers []string) {
	set := make(map[string]struct{}, len(handlers))
	for _, h := range handlers {
		set[h] = struct{}{}
	}
	c.mu.Lock()
	c.waiting[eventID] = set
	c.mu.Unlock()
}

// settle marks handler done for eventID and reports whether it was the last
// one outstanding.
func (c *completion) settle(eventID, handler string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	set, ok := c.waiting[eventID]
	if !ok {
		return false
	}
	delete(set, handler)
	if len(set) > 0 {
		return false
	}
	delete(c.waiting, eventID)
	return true
}

func (c *completion) abandon(eventID string) {
	c.mu.Lock()
	delete(c.waiting, eventID)
	c.mu.Unlock()
}
