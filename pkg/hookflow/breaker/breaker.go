// Package breaker implements per-handler circuit breakers.
//
// A breaker starts CLOSED and counts consecutive failures. At the threshold
// it opens and rejects calls until the recovery timeout passes; then exactly
// one caller is let through as a HALF_OPEN probe. A successful probe closes
// the breaker, a failed one reopens it.
package breaker

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// State is the breaker state.
type State int32

const (
	Closed State = iota
	Open
	HalfOpen
)

// String returns the upper-case state name.
func (s State) String() string {
	switch s {
	case Closed:
		return "CLOSED"
	case Open:
		return "OPEN"
	case HalfOpen:
		return "HALF_OPEN"
	default:
		return fmt.Sprintf("STATE(%d)", int32(s))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *State) UnmarshalText(text []byte) error {
	switch string(text) {
	case "CLOSED":
		*s = Closed
	case "OPEN":
		*s = Open
	case "HALF_OPEN":
		*s = HalfOpen
	default:
		return fmt.Errorf("unknown breaker state %q", text)
	}
	return nil
}

// Config configures a breaker.
type Config struct {
	// FailureThreshold is the number of consecutive failures that opens the
	// breaker.
	// Default: 5
	FailureThreshold int

	// RecoveryTimeout is how long the breaker stays open before probing.
	// Default: 30s
	RecoveryTimeout time.Duration
}

// DefaultConfig provides reasonable defaults.
var DefaultConfig = Config{
	FailureThreshold: 5,
	RecoveryTimeout:  30 * time.Second,
}

// Transition describes a state change.
type Transition struct {
	Name string
	From State
	To   State
	At   time.Time
}

// Breaker guards one handler. All methods are safe for concurrent use.
type Breaker struct {
	name   string
	now    func() time.Time
	notify func(Transition)

	threshold  atomic.Int64
	recovery   atomic.Int64 // nanoseconds
	state      atomic.Int32
	failures   atomic.Int64
	lastChange atomic.Int64 // unix nanos
	rejected   atomic.Int64
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) {
		b.now = now
	}
}

// WithStateChange registers a callback invoked after every transition.
func WithStateChange(fn func(Transition)) Option {
	return func(b *Breaker) {
		b.notify = fn
	}
}

// New creates a closed breaker.
func New(name string, cfg Config, opts ...Option) *Breaker {
	b := &Breaker{name: name, now: time.Now}
	b.Reconfigure(cfg)
	for _, opt := range opts {
		opt(b)
	}
	b.lastChange.Store(b.now().UnixNano())
	return b
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = DefaultConfig.FailureThreshold
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = DefaultConfig.RecoveryTimeout
	}
	return c
}

// Reconfigure swaps the threshold and recovery timeout. The current state
// and failure count are kept; a new threshold applies from the next failure.
func (b *Breaker) Reconfigure(cfg Config) {
	cfg = cfg.withDefaults()
	b.threshold.Store(int64(cfg.FailureThreshold))
	b.recovery.Store(int64(cfg.RecoveryTimeout))
}

// Config returns the breaker's current settings.
func (b *Breaker) Config() Config {
	return Config{
		FailureThreshold: int(b.threshold.Load()),
		RecoveryTimeout:  time.Duration(b.recovery.Load()),
	}
}

// Name returns the guarded handler's name.
func (b *Breaker) Name() string { return b.name }

// State returns the current state.
func (b *Breaker) State() State {
	return State(b.state.Load())
}

// Allow reports whether a call may proceed. In OPEN, after the recovery
// timeout, exactly one caller wins the transition to HALF_OPEN and is
// allowed; every other caller is rejected until the probe reports back.
func (b *Breaker) Allow() bool {
	switch b.State() {
	case Closed:
		return true
	case Open:
		since := b.now().Sub(time.Unix(0, b.lastChange.Load()))
		if since >= time.Duration(b.recovery.Load()) && b.transition(Open, HalfOpen) {
			return true
		}
	}
	b.rejected.Add(1)
	return false
}

// RecordSuccess reports a successful call.
func (b *Breaker) RecordSuccess() {
	if b.State() == HalfOpen {
		b.failures.Store(0)
		b.transition(HalfOpen, Closed)
		return
	}
	b.failures.Store(0)
}

// RecordFailure reports a failed call.
func (b *Breaker) RecordFailure() {
	switch b.State() {
	case HalfOpen:
		b.transition(HalfOpen, Open)
	case Closed:
		if b.failures.Add(1) >= b.threshold.Load() {
			b.transition(Closed, Open)
		}
	}
}

// Reset forces the breaker closed.
func (b *Breaker) Reset() {
	b.failures.Store(0)
	for {
		cur := b.State()
		if cur == Closed || b.transition(cur, Closed) {
			return
		}
	}
}

func (b *Breaker) transition(from, to State) bool {
	if !b.state.CompareAndSwap(int32(from), int32(to)) {
		return false
	}
	at := b.now()
	b.lastChange.Store(at.UnixNano())
	if b.notify != nil {
		b.notify(Transition{Name: b.name, From: from, To: to, At: at})
	}
	return true
}

// Snapshot is a point-in-time view of a breaker.
type Snapshot struct {
	Name       string    `json:"name"`
	State      State     `json:"state"`
	Failures   int64     `json:"failures"`
	Rejected   int64     `json:"rejected"`
	LastChange time.Time `json:"last_change"`
}

// Snapshot returns the breaker's current view.
func (b *Breaker) Snapshot() Snapshot {
	return Snapshot{
		Name:       b.name,
		State:      b.State(),
		Failures:   b.failures.Load(),
		Rejected:   b.rejected.Load(),
		LastChange: time.Unix(0, b.lastChange.Load()),
	}
}

// Set indexes breakers by name, creating them on first use.
type Set struct {
	opts []Option

	mu       sync.RWMutex
	breakers map[string]*Breaker
}

// NewSet creates an empty set. opts apply to every breaker it creates.
func NewSet(opts ...Option) *Set {
	return &Set{opts: opts, breakers: make(map[string]*Breaker)}
}

// GetOrCreate returns the named breaker, creating it with cfg if needed.
// The factory runs at most once per name. An existing breaker whose
// settings differ from cfg is reconfigured in place, so routing reloads
// take effect without losing its state.
func (s *Set) GetOrCreate(name string, cfg Config) *Breaker {
	s.mu.RLock()
	b, ok := s.breakers[name]
	s.mu.RUnlock()
	if ok {
		if want := cfg.withDefaults(); b.Config() != want {
			b.Reconfigure(want)
		}
		return b
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.breakers[name]; ok {
		return b
	}
	b = New(name, cfg, s.opts...)
	s.breakers[name] = b
	return b
}

// Get returns the named breaker.
func (s *Set) Get(name string) (*Breaker, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.breakers[name]
	return b, ok
}

// Snapshots returns a view of every breaker, sorted by name.
func (s *Set) Snapshots() []Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Snapshot, 0, len(s.breakers))
	for _, b := range s.breakers {
		out = append(out, b.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
