// Package monitor tracks pipeline performance and picks dispatch modes.
//
// The Monitor keeps rolling windows per priority tier: the last N end-to-end
// latencies (queue wait plus handler time), outcome counters and a sliding
// one-minute throughput ring. SelectMode turns that view, plus process load,
// into an Immediate or Batched decision for each event.
package monitor

import (
	"context"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/randalmurphal/hookflow/pkg/hookflow/batch"
	"github.com/randalmurphal/hookflow/pkg/hookflow/breaker"
	"github.com/randalmurphal/hookflow/pkg/hookflow/event"
)

// Outcome is the disposition of one handler invocation.
type Outcome string

const (
	OutcomeSuccess     Outcome = "success"
	OutcomeFailure     Outcome = "failure"
	OutcomeTimeout     Outcome = "timeout"
	OutcomeCircuitOpen Outcome = "circuit_open"
)

// Failed reports whether the outcome counts as a failure.
func (o Outcome) Failed() bool {
	switch o {
	case OutcomeFailure, OutcomeTimeout, OutcomeCircuitOpen:
		return true
	}
	return false
}

// Sample is one observed invocation.
type Sample struct {
	EventType       string
	Priority        event.Priority
	EnqueuedAt      time.Time
	HandlerDuration time.Duration
	Outcome         Outcome
}

// Config configures a Monitor.
type Config struct {
	// WindowSize is how many latencies each tier keeps.
	// Default: 1000
	WindowSize int

	// HighFillRatio marks high load when any tier is at least this full.
	// Default: 0.7
	HighFillRatio float64

	// HighLatency marks high load when the average latency exceeds it.
	// Default: 500ms
	HighLatency time.Duration

	// HeapHighWater marks high load when the live heap exceeds it.
	// Default: 512 MiB
	HeapHighWater uint64

	// GoroutineHighWater marks high load above this many goroutines.
	// Default: 10000
	GoroutineHighWater int

	// LowThroughput is the events/s below which user-facing types go
	// Immediate when load is low.
	// Default: 5
	LowThroughput float64

	// UserBlocking types are always Immediate.
	UserBlocking []string

	// UserFacing types are Immediate when load and throughput are low.
	UserFacing []string

	// Modes pins the configured mode per type. Unlisted types use
	// DefaultMode.
	Modes map[string]batch.Mode

	// DefaultMode applies to types without a configured mode.
	// Default: batch.Batched
	DefaultMode batch.Mode
}

// DefaultConfig provides reasonable defaults.
var DefaultConfig = Config{
	WindowSize:         1000,
	HighFillRatio:      0.7,
	HighLatency:        500 * time.Millisecond,
	HeapHighWater:      512 << 20,
	GoroutineHighWater: 10000,
	LowThroughput:      5,
	DefaultMode:        batch.Batched,
}

// DepthFunc reports queue depths and capacities per tier.
type DepthFunc func() (depths, capacities map[event.Priority]int)

// Option configures a Monitor.
type Option func(*Monitor)

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) {
		m.now = now
	}
}

// WithDepths sets the queue depth source.
func WithDepths(fn DepthFunc) Option {
	return func(m *Monitor) {
		m.depths = fn
	}
}

// WithBreakers sets the circuit breaker snapshot source.
func WithBreakers(fn func() []breaker.Snapshot) Option {
	return func(m *Monitor) {
		m.breakers = fn
	}
}

// WithDLQSize sets the dead letter size source.
func WithDLQSize(fn func() int) Option {
	return func(m *Monitor) {
		m.dlqSize = fn
	}
}

// loadSample caches process load between reads of runtime stats.
type loadSample struct {
	heap       uint64
	goroutines int
	at         time.Time
}

const loadRefresh = time.Second

// Monitor aggregates samples. All methods are safe for concurrent use.
type Monitor struct {
	now      func() time.Time
	depths   DepthFunc
	breakers func() []breaker.Snapshot
	dlqSize  func() int

	mu       sync.RWMutex
	cfg      Config
	sets     typeSets
	exporter *Exporter
	tiers    [4]*tierWindow

	loadMu sync.Mutex
	load   loadSample
}

type typeSets struct {
	blocking map[string]bool
	facing   map[string]bool
}

// New creates a monitor. Zero config fields take their defaults.
func New(cfg Config, opts ...Option) *Monitor {
	cfg = withDefaults(cfg)
	m := &Monitor{
		now: time.Now,
		cfg: cfg,
	}
	for _, opt := range opts {
		opt(m)
	}
	for _, p := range event.Priorities {
		m.tiers[p] = newTierWindow(cfg.WindowSize, m.now())
	}
	m.sets = buildSets(cfg)
	return m
}

func withDefaults(cfg Config) Config {
	def := DefaultConfig
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = def.WindowSize
	}
	if cfg.HighFillRatio <= 0 {
		cfg.HighFillRatio = def.HighFillRatio
	}
	if cfg.HighLatency <= 0 {
		cfg.HighLatency = def.HighLatency
	}
	if cfg.HeapHighWater == 0 {
		cfg.HeapHighWater = def.HeapHighWater
	}
	if cfg.GoroutineHighWater <= 0 {
		cfg.GoroutineHighWater = def.GoroutineHighWater
	}
	if cfg.LowThroughput <= 0 {
		cfg.LowThroughput = def.LowThroughput
	}
	return cfg
}

func buildSets(cfg Config) typeSets {
	s := typeSets{
		blocking: make(map[string]bool, len(cfg.UserBlocking)),
		facing:   make(map[string]bool, len(cfg.UserFacing)),
	}
	for _, t := range cfg.UserBlocking {
		s.blocking[t] = true
	}
	for _, t := range cfg.UserFacing {
		s.facing[t] = true
	}
	return s
}

// Configure replaces the mode selection settings. Rolling windows are kept.
func (m *Monitor) Configure(cfg Config) {
	cfg = withDefaults(cfg)
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg.WindowSize = m.cfg.WindowSize
	m.cfg = cfg
	m.sets = buildSets(cfg)
}

// Record adds one sample.
func (m *Monitor) Record(s Sample) {
	if !s.Priority.Valid() {
		return
	}
	now := m.now()
	latency := s.HandlerDuration
	if !s.EnqueuedAt.IsZero() {
		if wait := now.Sub(s.EnqueuedAt); wait > latency {
			latency = wait
		}
	}
	m.tiers[s.Priority].record(now, latency, s.Outcome.Failed())

	m.mu.RLock()
	exp := m.exporter
	m.mu.RUnlock()
	if exp != nil {
		exp.record(s.Priority, float64(latency.Microseconds())/1000)
	}
}

// AverageLatency returns the mean latency across every tier's window.
func (m *Monitor) AverageLatency() time.Duration {
	var sum time.Duration
	var n int
	for _, t := range m.tiers {
		s, c := t.latencySum()
		sum += s
		n += c
	}
	if n == 0 {
		return 0
	}
	return sum / time.Duration(n)
}

// Samples returns how many latency samples the windows hold.
func (m *Monitor) Samples() int {
	var n int
	for _, t := range m.tiers {
		_, c := t.latencySum()
		n += c
	}
	return n
}

// Throughput returns events per second over the last minute, across tiers.
func (m *Monitor) Throughput() float64 {
	now := m.now()
	var total float64
	for _, t := range m.tiers {
		total += t.throughput(now)
	}
	return total
}

// HighLoad reports whether any load indicator is over its threshold.
func (m *Monitor) HighLoad() bool {
	m.mu.RLock()
	cfg := m.cfg
	m.mu.RUnlock()

	if m.depths != nil {
		depths, caps := m.depths()
		for p, d := range depths {
			if c := caps[p]; c > 0 && float64(d)/float64(c) >= cfg.HighFillRatio {
				return true
			}
		}
	}
	if m.AverageLatency() > cfg.HighLatency {
		return true
	}
	load := m.processLoad()
	return load.heap > cfg.HeapHighWater || load.goroutines > cfg.GoroutineHighWater
}

func (m *Monitor) processLoad() loadSample {
	m.loadMu.Lock()
	defer m.loadMu.Unlock()
	now := m.now()
	if !m.load.at.IsZero() && now.Sub(m.load.at) < loadRefresh {
		return m.load
	}
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	m.load = loadSample{heap: ms.HeapAlloc, goroutines: runtime.NumGoroutine(), at: now}
	return m.load
}

// SelectMode picks the dispatch mode for evt.
func (m *Monitor) SelectMode(evt event.Event) batch.Mode {
	if evt.Priority == event.Critical {
		return batch.Immediate
	}
	m.mu.RLock()
	blocking := m.sets.blocking[evt.Type]
	facing := m.sets.facing[evt.Type]
	configured, ok := m.cfg.Modes[evt.Type]
	if !ok {
		configured = m.cfg.DefaultMode
	}
	lowThroughput := m.cfg.LowThroughput
	m.mu.RUnlock()

	if blocking {
		return batch.Immediate
	}
	if m.HighLoad() {
		return batch.Batched
	}
	if facing && m.Throughput() < lowThroughput {
		return batch.Immediate
	}
	return configured
}

// TierStats is the view of one tier.
type TierStats struct {
	Depth      int           `json:"depth"`
	Capacity   int           `json:"capacity"`
	AvgLatency time.Duration `json:"avg_latency"`
	P50        time.Duration `json:"p50"`
	P95        time.Duration `json:"p95"`
	P99        time.Duration `json:"p99"`
	Throughput float64       `json:"throughput"`
	Processed  int64         `json:"processed"`
	Failed     int64         `json:"failed"`
}

// Snapshot is a point-in-time export for dashboards.
type Snapshot struct {
	Tiers    map[string]TierStats `json:"tiers"`
	Breakers []breaker.Snapshot   `json:"breakers"`
	DLQSize  int                  `json:"dlq_size"`
	Mode     string               `json:"mode"`
	TakenAt  time.Time            `json:"taken_at"`
}

// Snapshot returns the current view.
func (m *Monitor) Snapshot() Snapshot {
	now := m.now()
	snap := Snapshot{
		Tiers:   make(map[string]TierStats, len(m.tiers)),
		Mode:    "normal",
		TakenAt: now,
	}
	var depths, caps map[event.Priority]int
	if m.depths != nil {
		depths, caps = m.depths()
	}
	for _, p := range event.Priorities {
		st := m.tiers[p].stats(now)
		st.Depth = depths[p]
		st.Capacity = caps[p]
		snap.Tiers[p.String()] = st
	}
	if m.breakers != nil {
		snap.Breakers = m.breakers()
	}
	if m.dlqSize != nil {
		snap.DLQSize = m.dlqSize()
	}
	if m.HighLoad() {
		snap.Mode = "high_load"
	}
	return snap
}

// tierWindow holds the rolling state of one tier.
type tierWindow struct {
	mu        sync.Mutex
	latencies []time.Duration
	next      int
	full      bool
	processed int64
	failed    int64
	ring      *rateRing
}

func newTierWindow(size int, now time.Time) *tierWindow {
	return &tierWindow{
		latencies: make([]time.Duration, size),
		ring:      newRateRing(60, time.Second, now),
	}
}

func (w *tierWindow) record(now time.Time, latency time.Duration, failed bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.latencies[w.next] = latency
	w.next++
	if w.next == len(w.latencies) {
		w.next = 0
		w.full = true
	}
	w.processed++
	if failed {
		w.failed++
	}
	w.ring.add(now)
}

func (w *tierWindow) window() []time.Duration {
	if w.full {
		return w.latencies
	}
	return w.latencies[:w.next]
}

func (w *tierWindow) latencySum() (time.Duration, int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	var sum time.Duration
	win := w.window()
	for _, l := range win {
		sum += l
	}
	return sum, len(win)
}

func (w *tierWindow) throughput(now time.Time) float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ring.rate(now)
}

func (w *tierWindow) stats(now time.Time) TierStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	st := TierStats{
		Processed:  w.processed,
		Failed:     w.failed,
		Throughput: w.ring.rate(now),
	}
	win := w.window()
	if len(win) == 0 {
		return st
	}
	sorted := make([]time.Duration, len(win))
	copy(sorted, win)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	var sum time.Duration
	for _, l := range sorted {
		sum += l
	}
	st.AvgLatency = sum / time.Duration(len(sorted))
	st.P50 = percentile(sorted, 50)
	st.P95 = percentile(sorted, 95)
	st.P99 = percentile(sorted, 99)
	return st
}

// percentile uses the nearest-rank method on a sorted slice.
func percentile(sorted []time.Duration, p int) time.Duration {
	rank := (p*len(sorted) + 99) / 100
	if rank < 1 {
		rank = 1
	}
	return sorted[rank-1]
}

// rateRing counts events in fixed-width buckets over a sliding span.
type rateRing struct {
	buckets []int64
	width   time.Duration
	head    int
	headAt  time.Time
}

func newRateRing(n int, width time.Duration, now time.Time) *rateRing {
	return &rateRing{
		buckets: make([]int64, n),
		width:   width,
		headAt:  now.Truncate(width),
	}
}

// advance rotates the ring so head covers now, zeroing skipped buckets.
func (r *rateRing) advance(now time.Time) {
	at := now.Truncate(r.width)
	steps := int(at.Sub(r.headAt) / r.width)
	if steps <= 0 {
		return
	}
	if steps > len(r.buckets) {
		steps = len(r.buckets)
	}
	for range steps {
		r.head = (r.head + 1) % len(r.buckets)
		r.buckets[r.head] = 0
	}
	r.headAt = at
}

func (r *rateRing) add(now time.Time) {
	r.advance(now)
	r.buckets[r.head]++
}

func (r *rateRing) rate(now time.Time) float64 {
	r.advance(now)
	var total int64
	for _, c := range r.buckets {
		total += c
	}
	span := time.Duration(len(r.buckets)) * r.width
	return float64(total) / span.Seconds()
}

// Run periodically calls fn with the current snapshot until ctx ends.
func (m *Monitor) Run(ctx context.Context, interval time.Duration, fn func(Snapshot)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(m.Snapshot())
		}
	}
}
