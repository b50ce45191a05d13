package dlq

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"sync/atomic"
	"time"
)

// PoisonConfig configures poison payload detection.
type PoisonConfig struct {
	// Threshold is the number of distinct events with the same payload
	// that must fail before the payload is considered poison.
	// Default: 3
	Threshold int

	// Window is how long failures are remembered.
	// Default: 1 hour
	Window time.Duration

	// CleanupInterval is how often expired records are dropped.
	// Default: 5 minutes
	CleanupInterval time.Duration

	// HashFunc customizes payload identity.
	// Default: SHA-256 of event type and JSON payload
	HashFunc func(*Entry) string

	// OnDetect is called once when a payload crosses the threshold.
	OnDetect func(e *Entry, failures int)
}

// DefaultPoisonConfig provides reasonable defaults.
var DefaultPoisonConfig = PoisonConfig{
	Threshold:       3,
	Window:          time.Hour,
	CleanupInterval: 5 * time.Minute,
}

type poisonRecord struct {
	eventType   string
	eventIDs    map[string]struct{}
	firstSeenAt time.Time
	lastSeenAt  time.Time
}

// PoisonInfo describes a tracked payload.
type PoisonInfo struct {
	Hash        string
	EventType   string
	Failures    int
	FirstSeenAt time.Time
	LastSeenAt  time.Time
	Poison      bool
}

// PoisonPolicy wraps another policy and classifies entries whose payload
// has failed across many distinct events as terminal. It observes captures
// through the Observer interface.
type PoisonPolicy struct {
	next Policy
	cfg  PoisonConfig
	now  func() time.Time

	mu      sync.RWMutex
	records map[string]*poisonRecord

	closed  atomic.Bool
	closeCh chan struct{}
}

// NewPoisonPolicy creates a poison detector in front of next. A nil next
// uses DefaultPolicy.
func NewPoisonPolicy(next Policy, cfg PoisonConfig) *PoisonPolicy {
	if next == nil {
		next = DefaultPolicy{}
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultPoisonConfig.Threshold
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultPoisonConfig.Window
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = DefaultPoisonConfig.CleanupInterval
	}
	if cfg.HashFunc == nil {
		cfg.HashFunc = payloadHash
	}
	p := &PoisonPolicy{
		next:    next,
		cfg:     cfg,
		now:     time.Now,
		records: make(map[string]*poisonRecord),
		closeCh: make(chan struct{}),
	}
	go p.cleanupLoop()
	return p
}

func payloadHash(e *Entry) string {
	h := sha256.New()
	h.Write([]byte(e.Event.Type))
	h.Write([]byte{0})
	h.Write(e.Event.PayloadBytes())
	return hex.EncodeToString(h.Sum(nil))
}

// Observe implements Observer.
func (p *PoisonPolicy) Observe(e *Entry) {
	hash := p.cfg.HashFunc(e)
	now := p.now()

	p.mu.Lock()
	rec, ok := p.records[hash]
	if !ok || now.Sub(rec.firstSeenAt) > p.cfg.Window {
		rec = &poisonRecord{
			eventType:   e.Event.Type,
			eventIDs:    make(map[string]struct{}),
			firstSeenAt: now,
		}
		p.records[hash] = rec
	}
	before := len(rec.eventIDs)
	rec.eventIDs[e.Event.ID] = struct{}{}
	rec.lastSeenAt = now
	after := len(rec.eventIDs)
	p.mu.Unlock()

	if before < p.cfg.Threshold && after >= p.cfg.Threshold && p.cfg.OnDetect != nil {
		p.cfg.OnDetect(e, after)
	}
}

// IsPoison reports whether e's payload is currently considered poison.
func (p *PoisonPolicy) IsPoison(e *Entry) bool {
	hash := p.cfg.HashFunc(e)
	p.mu.RLock()
	defer p.mu.RUnlock()
	rec, ok := p.records[hash]
	if !ok || p.now().Sub(rec.firstSeenAt) > p.cfg.Window {
		return false
	}
	return len(rec.eventIDs) >= p.cfg.Threshold
}

// Classify implements Policy.
func (p *PoisonPolicy) Classify(ctx context.Context, e *Entry) Classification {
	if p.IsPoison(e) {
		return Terminal
	}
	return p.next.Classify(ctx, e)
}

// Unwrap returns the wrapped policy.
func (p *PoisonPolicy) Unwrap() Policy { return p.next }

// List returns every tracked payload.
func (p *PoisonPolicy) List() []PoisonInfo {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]PoisonInfo, 0, len(p.records))
	for hash, rec := range p.records {
		out = append(out, PoisonInfo{
			Hash:        hash,
			EventType:   rec.eventType,
			Failures:    len(rec.eventIDs),
			FirstSeenAt: rec.firstSeenAt,
			LastSeenAt:  rec.lastSeenAt,
			Poison:      len(rec.eventIDs) >= p.cfg.Threshold,
		})
	}
	return out
}

// Clear forgets a payload, for example after the handler has been fixed.
func (p *PoisonPolicy) Clear(hash string) {
	p.mu.Lock()
	delete(p.records, hash)
	p.mu.Unlock()
}

func (p *PoisonPolicy) cleanupLoop() {
	ticker := time.NewTicker(p.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.closeCh:
			return
		case <-ticker.C:
			p.cleanup()
		}
	}
}

func (p *PoisonPolicy) cleanup() {
	now := p.now()
	p.mu.Lock()
	defer p.mu.Unlock()
	for hash, rec := range p.records {
		if now.Sub(rec.firstSeenAt) > p.cfg.Window {
			delete(p.records, hash)
		}
	}
}

// Close stops the cleanup goroutine. Safe to call more than once.
func (p *PoisonPolicy) Close() {
	if p.closed.CompareAndSwap(false, true) {
		close(p.closeCh)
	}
}
