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
	hferrors "github.com/randalmurphal/hookflow/pkg/hookflow/errors"
	"github.com/randalmurphal/hookflow/pkg/hookflow/event"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock { return &clock{now: time.Unix(1_700_000_000, 0).UTC()} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newQueue(t *testing.T) (*dlq.Queue, *clock) {
	t.Helper()
	c := newClock()
	return dlq.NewQueue(dlq.NewMemoryStore(), dlq.DefaultConfig, dlq.WithClock(c.Now)), c
}

var errBoom = errors.New("boom")

func TestCapture_NewEntryIsDueImmediately(t *testing.T) {
	ctx := context.Background()
	q, c := newQueue(t)
	evt := event.New("file.modified", map[string]any{"file_path": "a.go"})

	e, err := q.Capture(ctx, evt, "lint", errBoom)
	require.NoError(t, err)

	assert.Equal(t, dlq.EntryID(evt.ID, "lint"), e.ID)
	assert.Equal(t, dlq.Transient, e.Classification)
	assert.Equal(t, "boom", e.FailureReason)
	assert.Equal(t, 0, e.Retries)
	assert.True(t, e.Due(c.Now()))
}

func TestCapture_ClassifiesByCategory(t *testing.T) {
	ctx := context.Background()
	q, _ := newQueue(t)

	perm, err := q.Capture(ctx, event.New("a", nil), "h", hferrors.Permanent(errBoom, "reject"))
	require.NoError(t, err)
	assert.Equal(t, dlq.Terminal, perm.Classification)

	fix, err := q.Capture(ctx, event.New("a", nil), "h", &event.ValidationError{Field: "payload", Message: "bad"})
	require.NoError(t, err)
	assert.Equal(t, dlq.Fixable, fix.Classification)
	assert.Equal(t, "fixable", fix.Category)
}

func TestSchedule_FourRetriesThenTerminal(t *testing.T) {
	ctx := context.Background()
	var terminal []*dlq.Entry
	c := newClock()
	q := dlq.NewQueue(dlq.NewMemoryStore(), dlq.Config{
		OnTerminal: func(e *dlq.Entry) { terminal = append(terminal, e) },
	}, dlq.WithClock(c.Now))

	evt := event.New("workflow.step", nil)
	_, err := q.Capture(ctx, evt, "runner", errBoom)
	require.NoError(t, err)

	waits := []time.Duration{0, 30 * time.Second, 5 * time.Minute, 30 * time.Minute}
	for i, wait := range waits {
		if wait > 0 {
			c.Advance(wait - time.Second)
			leased, err := q.Lease(ctx, 10)
			require.NoError(t, err)
			assert.Empty(t, leased, "retry %d must wait %s", i+1, wait)
			c.Advance(time.Second)
		}

		leased, err := q.Lease(ctx, 10)
		require.NoError(t, err)
		require.Len(t, leased, 1, "retry %d", i+1)
		assert.Equal(t, i+1, leased[0].Retries)

		_, err = q.Capture(ctx, leased[0].Event.Recover("runner"), "runner", errBoom)
		require.NoError(t, err)
	}

	needs, err := q.NeedsResolution(ctx)
	require.NoError(t, err)
	require.Len(t, needs, 1)
	assert.Equal(t, dlq.Terminal, needs[0].Classification)
	require.Len(t, terminal, 1)

	c.Advance(24 * time.Hour)
	leased, err := q.Lease(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, leased, "terminal entries are not retried")
}

func TestCapture_CircuitOpenDoesNotAdvanceSchedule(t *testing.T) {
	ctx := context.Background()
	q, c := newQueue(t)
	evt := event.New("tool.used", nil)

	e, err := q.Capture(ctx, evt, "audit", &event.CircuitOpenError{Handler: "audit"})
	require.NoError(t, err)
	assert.Equal(t, event.CircuitOpenReason, e.FailureReason)
	assert.False(t, e.Due(c.Now()), "circuit-open entries wait for the breaker")

	c.Advance(30 * time.Second)
	leased, err := q.Lease(ctx, 1)
	require.NoError(t, err)
	require.Len(t, leased, 1)
	assert.Equal(t, 1, leased[0].Retries)

	e, err = q.Capture(ctx, evt, "audit", &event.CircuitOpenError{Handler: "audit"})
	require.NoError(t, err)
	assert.Equal(t, 0, e.Retries, "schedule position is given back")
	assert.Equal(t, dlq.Transient, e.Classification)
	assert.Equal(t, c.Now().Add(30*time.Second), e.NextRetryAt)
}

func TestLease_HidesInFlightUntilExpiry(t *testing.T) {
	ctx := context.Background()
	q, c := newQueue(t)
	_, err := q.Capture(ctx, event.New("a", nil), "h", errBoom)
	require.NoError(t, err)

	leased, err := q.Lease(ctx, 10)
	require.NoError(t, err)
	require.Len(t, leased, 1)

	again, err := q.Lease(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, again)

	c.Advance(dlq.DefaultConfig.LeaseTimeout)
	redelivered, err := q.Lease(ctx, 10)
	require.NoError(t, err)
	require.Len(t, redelivered, 1, "an expired lease is delivered again")
	assert.Equal(t, 2, redelivered[0].Retries)
}

func TestLease_UnansweredRetriesEndTerminal(t *testing.T) {
	ctx := context.Background()
	c := newClock()
	var terminal []string
	cfg := dlq.DefaultConfig
	cfg.OnTerminal = func(e *dlq.Entry) { terminal = append(terminal, e.ID) }
	q := dlq.NewQueue(dlq.NewMemoryStore(), cfg, dlq.WithClock(c.Now))

	captured, err := q.Capture(ctx, event.New("a", nil), "h", errBoom)
	require.NoError(t, err)

	// Nobody acknowledges or recaptures: every lease simply expires.
	deliveries := 0
	for range 10 {
		leased, err := q.Lease(ctx, 10)
		require.NoError(t, err)
		deliveries += len(leased)
		c.Advance(6 * time.Minute)
	}
	assert.Equal(t, len(dlq.DefaultSchedule), deliveries)

	e, err := q.Get(ctx, captured.ID)
	require.NoError(t, err)
	assert.Equal(t, dlq.Terminal, e.Classification)
	assert.LessOrEqual(t, e.Retries, len(dlq.DefaultSchedule))
	assert.True(t, e.InFlightUntil.IsZero())
	assert.Equal(t, []string{captured.ID}, terminal)

	needs, err := q.NeedsResolution(ctx)
	require.NoError(t, err)
	require.Len(t, needs, 1)
	assert.Equal(t, captured.ID, needs[0].ID)
}

func TestAcknowledge(t *testing.T) {
	ctx := context.Background()
	q, _ := newQueue(t)
	evt := event.New("a", nil)
	_, err := q.Capture(ctx, evt, "h", errBoom)
	require.NoError(t, err)

	ok, err := q.Acknowledge(ctx, evt.ID, "h")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = q.Acknowledge(ctx, evt.ID, "h")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 0, q.Len(ctx))
}

func TestReplayResolvePurge(t *testing.T) {
	ctx := context.Background()
	q, c := newQueue(t)

	first := event.New("file.modified", nil)
	_, err := q.Capture(ctx, first, "lint", errBoom)
	require.NoError(t, err)
	c.Advance(time.Minute)
	second := event.New("git.commit", nil)
	_, err = q.Capture(ctx, second, "audit", errBoom)
	require.NoError(t, err)
	c.Advance(time.Minute)
	third := event.New("file.modified", nil)
	_, err = q.Capture(ctx, third, "audit", errBoom)
	require.NoError(t, err)

	var seen []string
	for e, err := range q.Replay(ctx, dlq.Filter{Types: []string{"file.modified"}}) {
		require.NoError(t, err)
		seen = append(seen, e.Event.ID)
	}
	assert.Equal(t, []string{first.ID, third.ID}, seen)

	seen = seen[:0]
	for e, err := range q.Replay(ctx, dlq.Filter{Since: c.Now().Add(-90 * time.Second)}) {
		require.NoError(t, err)
		seen = append(seen, e.Event.ID)
	}
	assert.Equal(t, []string{second.ID, third.ID}, seen)

	// Early break stops iteration.
	count := 0
	for range q.Replay(ctx, dlq.Filter{}) {
		count++
		break
	}
	assert.Equal(t, 1, count)

	require.NoError(t, q.Resolve(ctx, dlq.EntryID(second.ID, "audit")))
	assert.ErrorIs(t, q.Resolve(ctx, dlq.EntryID(second.ID, "audit")), dlq.ErrNotFound)

	n, err := q.Purge(ctx, dlq.Filter{Handler: "lint"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	st, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Size)
	assert.Equal(t, int64(3), st.Captured)
	assert.Equal(t, int64(2), st.Resolved)
}

func TestRequeue_RestartsSchedule(t *testing.T) {
	ctx := context.Background()
	q, c := newQueue(t)
	evt := event.New("a", nil)
	e, err := q.Capture(ctx, evt, "h", hferrors.Permanent(errBoom, ""))
	require.NoError(t, err)
	require.Equal(t, dlq.Terminal, e.Classification)

	e, err = q.Requeue(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, dlq.Transient, e.Classification)
	assert.Equal(t, 0, e.Retries)
	assert.True(t, e.Due(c.Now()))

	_, err = q.Requeue(ctx, "missing")
	assert.ErrorIs(t, err, dlq.ErrNotFound)
}

func TestStats_CountsTerminalAndInFlight(t *testing.T) {
	ctx := context.Background()
	q, _ := newQueue(t)
	_, err := q.Capture(ctx, event.New("a", nil), "h", errBoom)
	require.NoError(t, err)
	_, err = q.Capture(ctx, event.New("b", nil), "h", hferrors.Permanent(errBoom, ""))
	require.NoError(t, err)
	_, err = q.Lease(ctx, 10)
	require.NoError(t, err)

	st, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, st.Size)
	assert.Equal(t, 1, st.Terminal)
	assert.Equal(t, 1, st.InFlight)
	assert.Equal(t, int64(1), st.Retried)
	assert.Equal(t, map[string]int{"a": 1, "b": 1}, st.ByType)
}
