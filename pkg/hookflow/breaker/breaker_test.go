package breaker_test

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/hookflow/pkg/hookflow/breaker"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newBreaker(t *testing.T) (*breaker.Breaker, *fakeClock, *[]breaker.Transition) {
	t.Helper()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	var mu sync.Mutex
	var transitions []breaker.Transition
	b := breaker.New("audit", breaker.Config{FailureThreshold: 5, RecoveryTimeout: 30 * time.Second},
		breaker.WithClock(clock.Now),
		breaker.WithStateChange(func(tr breaker.Transition) {
			mu.Lock()
			transitions = append(transitions, tr)
			mu.Unlock()
		}),
	)
	return b, clock, &transitions
}

func TestBreaker_OpensAtThreshold(t *testing.T) {
	b, _, transitions := newBreaker(t)

	for i := 0; i < 4; i++ {
		require.True(t, b.Allow())
		b.RecordFailure()
	}
	assert.Equal(t, breaker.Closed, b.State())

	require.True(t, b.Allow())
	b.RecordFailure()
	assert.Equal(t, breaker.Open, b.State())

	assert.False(t, b.Allow(), "sixth call is short-circuited")
	require.Len(t, *transitions, 1)
	assert.Equal(t, breaker.Closed, (*transitions)[0].From)
	assert.Equal(t, breaker.Open, (*transitions)[0].To)
	assert.Equal(t, int64(1), b.Snapshot().Rejected)
}

func TestBreaker_SuccessResetsConsecutiveCount(t *testing.T) {
	b, _, _ := newBreaker(t)

	for i := 0; i < 4; i++ {
		b.RecordFailure()
	}
	b.RecordSuccess()
	for i := 0; i < 4; i++ {
		b.RecordFailure()
	}
	assert.Equal(t, breaker.Closed, b.State())
}

func TestBreaker_HalfOpenProbe(t *testing.T) {
	b, clock, _ := newBreaker(t)
	for i := 0; i < 5; i++ {
		b.RecordFailure()
	}
	require.Equal(t, breaker.Open, b.State())

	clock.Advance(29 * time.Second)
	assert.False(t, b.Allow(), "still inside the recovery timeout")

	clock.Advance(time.Second)
	assert.True(t, b.Allow(), "first caller after the timeout probes")
	assert.Equal(t, breaker.HalfOpen, b.State())
	assert.False(t, b.Allow(), "only one probe at a time")

	b.RecordSuccess()
	assert.Equal(t, breaker.Closed, b.State())
	assert.True(t, b.Allow())
}

func TestBreaker_FailedProbeReopens(t *testing.T) {
	b, clock, _ := newBreaker(t)
	for i := 0; i < 5; i++ {
		b.RecordFailure()
	}
	clock.Advance(30 * time.Second)
	require.True(t, b.Allow())

	b.RecordFailure()
	assert.Equal(t, breaker.Open, b.State())
	assert.False(t, b.Allow(), "recovery timeout restarts after a failed probe")

	clock.Advance(30 * time.Second)
	assert.True(t, b.Allow())
}

func TestBreaker_ExactlyOneConcurrentProbe(t *testing.T) {
	b, clock, _ := newBreaker(t)
	for i := 0; i < 5; i++ {
		b.RecordFailure()
	}
	clock.Advance(time.Minute)

	var allowed atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if b.Allow() {
				allowed.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), allowed.Load())
}

func TestBreaker_Reset(t *testing.T) {
	b, _, _ := newBreaker(t)
	for i := 0; i < 5; i++ {
		b.RecordFailure()
	}
	b.Reset()
	assert.Equal(t, breaker.Closed, b.State())
	assert.Equal(t, int64(0), b.Snapshot().Failures)
}

func TestSet_GetOrCreate(t *testing.T) {
	s := breaker.NewSet()

	var wg sync.WaitGroup
	results := make([]*breaker.Breaker, 16)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = s.GetOrCreate("h", breaker.DefaultConfig)
		}(i)
	}
	wg.Wait()

	for _, b := range results {
		assert.Same(t, results[0], b)
	}

	s.GetOrCreate("a", breaker.DefaultConfig)
	snaps := s.Snapshots()
	require.Len(t, snaps, 2)
	assert.Equal(t, "a", snaps[0].Name)

	_, ok := s.Get("missing")
	assert.False(t, ok)
}

func TestSet_GetOrCreateReconfigures(t *testing.T) {
	s := breaker.NewSet()
	b := s.GetOrCreate("lint/file.modified", breaker.Config{FailureThreshold: 10})
	for range 3 {
		b.RecordFailure()
	}
	assert.Equal(t, breaker.Closed, b.State())

	again := s.GetOrCreate("lint/file.modified", breaker.Config{FailureThreshold: 4, RecoveryTimeout: time.Minute})
	assert.Same(t, b, again)
	assert.Equal(t, breaker.Config{FailureThreshold: 4, RecoveryTimeout: time.Minute}, b.Config())
	assert.Equal(t, int64(3), b.Snapshot().Failures, "reconfiguring keeps the failure count")

	b.RecordFailure()
	assert.Equal(t, breaker.Open, b.State())

	// Zero fields fall back to the defaults.
	s.GetOrCreate("lint/file.modified", breaker.Config{})
	assert.Equal(t, breaker.DefaultConfig, b.Config())
	assert.Equal(t, breaker.Open, b.State())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "CLOSED", breaker.Closed.String())
	assert.Equal(t, "OPEN", breaker.Open.String())
	assert.Equal(t, "HALF_OPEN", breaker.HalfOpen.String())
}

func TestStateText(t *testing.T) {
	for _, want := range []breaker.State{breaker.Closed, breaker.Open, breaker.HalfOpen} {
		text, err := want.MarshalText()
		require.NoError(t, err)
		var got breaker.State
		require.NoError(t, got.UnmarshalText(text))
		assert.Equal(t, want, got)
	}
	var s breaker.State
	assert.Error(t, s.UnmarshalText([]byte("AJAR")))
}
