package dlq_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/hookflow/pkg/hookflow/dlq"
	"github.com/randalmurphal/hookflow/pkg/hookflow/event"
)

type resubmitRecorder struct {
	mu     sync.Mutex
	events []event.Event
	err    error
}

func (r *resubmitRecorder) Resubmit(_ context.Context, evt event.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
	return r.err
}

func (r *resubmitRecorder) Events() []event.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]event.Event(nil), r.events...)
}

func TestProcessor_ResubmitsTransientRoutedToHandler(t *testing.T) {
	ctx := context.Background()
	q, _ := newQueue(t)
	evt := event.New("file.modified", map[string]any{"file_path": "a.go"})
	_, err := q.Capture(ctx, evt, "lint", errBoom)
	require.NoError(t, err)

	rec := &resubmitRecorder{}
	p := dlq.NewProcessor(q, rec.Resubmit, dlq.ProcessorConfig{}, nil)

	n, err := p.ProcessDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got := rec.Events()
	require.Len(t, got, 1)
	assert.Equal(t, evt.ID, got[0].ID)
	assert.Equal(t, "lint", got[0].Route)
	assert.True(t, got[0].Recovery)
	assert.Equal(t, evt.Attempt+1, got[0].Attempt)

	n, err = p.ProcessDue(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "leased entries are not redelivered")
}

func TestProcessor_PolicyTerminal(t *testing.T) {
	ctx := context.Background()
	q, _ := newQueue(t)
	_, err := q.Capture(ctx, event.New("a", nil), "h", errBoom)
	require.NoError(t, err)

	var terminal []*dlq.Entry
	rec := &resubmitRecorder{}
	p := dlq.NewProcessor(q, rec.Resubmit, dlq.ProcessorConfig{
		Policy: dlq.PolicyFunc(func(context.Context, *dlq.Entry) dlq.Classification {
			return dlq.Terminal
		}),
		OnTerminal: func(e *dlq.Entry) { terminal = append(terminal, e) },
	}, nil)

	_, err = p.ProcessDue(ctx)
	require.NoError(t, err)
	assert.Empty(t, rec.Events())
	assert.Len(t, terminal, 1)

	needs, err := q.NeedsResolution(ctx)
	require.NoError(t, err)
	assert.Len(t, needs, 1)
}

func TestProcessor_FixableTransformsEvent(t *testing.T) {
	ctx := context.Background()
	q, _ := newQueue(t)
	evt := event.New("tool.used", map[string]any{"tool": "edit"})
	_, err := q.Capture(ctx, evt, "audit", &event.ValidationError{Field: "tool", Message: "lower case"})
	require.NoError(t, err)

	fixer := dlq.FixerFunc(func(_ context.Context, e *dlq.Entry) (event.Event, error) {
		fixed := e.Event
		fixed.Payload = map[string]any{"tool": "Edit"}
		return fixed, nil
	})
	rec := &resubmitRecorder{}
	p := dlq.NewProcessor(q, rec.Resubmit, dlq.ProcessorConfig{
		Policy: dlq.WithFixer(dlq.DefaultPolicy{}, fixer),
	}, nil)

	_, err = p.ProcessDue(ctx)
	require.NoError(t, err)
	got := rec.Events()
	require.Len(t, got, 1)
	assert.Equal(t, "Edit", got[0].Payload["tool"])
	assert.Equal(t, "audit", got[0].Route)
}

func TestProcessor_FixFailureIsTerminal(t *testing.T) {
	ctx := context.Background()
	q, _ := newQueue(t)
	_, err := q.Capture(ctx, event.New("a", nil), "h", &event.ValidationError{Message: "bad"})
	require.NoError(t, err)

	fixer := dlq.FixerFunc(func(context.Context, *dlq.Entry) (event.Event, error) {
		return event.Event{}, errors.New("cannot repair")
	})
	p := dlq.NewProcessor(q, (&resubmitRecorder{}).Resubmit, dlq.ProcessorConfig{
		Policy: dlq.WithFixer(dlq.DefaultPolicy{}, fixer),
	}, nil)

	_, err = p.ProcessDue(ctx)
	require.NoError(t, err)

	needs, err := q.NeedsResolution(ctx)
	require.NoError(t, err)
	require.Len(t, needs, 1)
	assert.Contains(t, needs[0].FailureReason, "cannot repair")
}

func TestProcessor_ResubmitErrorAdvancesSchedule(t *testing.T) {
	ctx := context.Background()
	q, c := newQueue(t)
	_, err := q.Capture(ctx, event.New("a", nil), "h", errBoom)
	require.NoError(t, err)

	rec := &resubmitRecorder{err: &event.QueueOverflowError{Priority: event.Normal, Capacity: 1}}
	p := dlq.NewProcessor(q, rec.Resubmit, dlq.ProcessorConfig{}, nil)

	_, err = p.ProcessDue(ctx)
	require.NoError(t, err)

	entries, err := q.NeedsResolution(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)

	e, err := q.Get(ctx, dlq.EntryID(rec.Events()[0].ID, "h"))
	require.NoError(t, err)
	assert.Equal(t, 1, e.Retries)
	assert.Equal(t, c.Now().Add(30*time.Second), e.NextRetryAt)
	assert.Contains(t, e.FailureReason, "queue full")
}

func TestProcessor_StartStop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q := dlq.NewQueue(dlq.NewMemoryStore(), dlq.DefaultConfig)
	done := make(chan event.Event, 1)
	p := dlq.NewProcessor(q, func(_ context.Context, evt event.Event) error {
		done <- evt
		return nil
	}, dlq.ProcessorConfig{PollInterval: 10 * time.Millisecond}, nil)

	p.Start(ctx)
	p.Start(ctx)
	defer p.Stop()

	evt := event.New("a", nil)
	_, err := q.Capture(ctx, evt, "h", errBoom)
	require.NoError(t, err)

	select {
	case got := <-done:
		assert.Equal(t, evt.ID, got.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("processor did not retry the entry")
	}
	p.Stop()
	p.Stop()
}
