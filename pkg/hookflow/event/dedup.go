package event

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"time"
)

// KeyFunc derives the equality key two events are compared by.
type KeyFunc func(Event) string

// Fingerprint is the default KeyFunc. It hashes the type, payload, producer
// and session so that identical emissions from one source collapse.
func Fingerprint(evt Event) string {
	h := sha256.New()
	h.Write([]byte(evt.Type))
	h.Write([]byte{0})
	h.Write(evt.PayloadBytes())
	h.Write([]byte{0})
	h.Write([]byte(evt.Context.Producer))
	h.Write([]byte{0})
	h.Write([]byte(evt.SessionID))
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// FieldsKey compares events by selected payload fields only, e.g.
// FieldsKey("file_path", "action") for file events.
func FieldsKey(fields ...string) KeyFunc {
	if len(fields) == 0 {
		return Fingerprint
	}
	return func(evt Event) string {
		var b strings.Builder
		b.WriteString(evt.Type)
		for _, f := range fields {
			b.WriteByte(0)
			b.WriteString(evt.PayloadString(f))
		}
		return b.String()
	}
}

// DedupRule configures deduplication for one event type.
type DedupRule struct {
	// Window is how close two timestamps must be to count as duplicates.
	// Zero disables deduplication for the type.
	Window time.Duration

	// Key derives the equality key. Nil means Fingerprint.
	Key KeyFunc
}

// DedupConfig configures a Deduplicator.
type DedupConfig struct {
	// DefaultWindow applies to types without a rule.
	// Default: 1s
	DefaultWindow time.Duration

	// Capacity bounds the remembered entries per event type.
	// Default: 1000
	Capacity int

	// Rules override the default per event type.
	Rules map[string]DedupRule
}

// DefaultDedupConfig provides reasonable defaults.
var DefaultDedupConfig = DedupConfig{
	DefaultWindow: time.Second,
	Capacity:      1000,
}

type dedupEntry struct {
	at  time.Time
	key string
}

// typeWindow is a fixed-size ring of recent keys for one event type.
type typeWindow struct {
	mu      sync.Mutex
	entries []dedupEntry
	next    int
	size    int
}

// Deduplicator drops events equal to a recent event of the same type.
// Each type has its own lock so unrelated types never contend.
type Deduplicator struct {
	capacity int

	rulesMu       sync.RWMutex
	defaultWindow time.Duration
	rules         map[string]DedupRule

	mu      sync.RWMutex
	windows map[string]*typeWindow
}

// NewDeduplicator creates a deduplicator.
func NewDeduplicator(cfg DedupConfig) *Deduplicator {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultDedupConfig.Capacity
	}
	d := &Deduplicator{
		capacity:      cfg.Capacity,
		defaultWindow: cfg.DefaultWindow,
		windows:       make(map[string]*typeWindow),
	}
	d.SetRules(cfg.DefaultWindow, cfg.Rules)
	return d
}

// SetRules replaces the per-type rules. Remembered keys are kept.
func (d *Deduplicator) SetRules(defaultWindow time.Duration, rules map[string]DedupRule) {
	copied := make(map[string]DedupRule, len(rules))
	for k, v := range rules {
		copied[k] = v
	}
	d.rulesMu.Lock()
	d.defaultWindow = defaultWindow
	d.rules = copied
	d.rulesMu.Unlock()
}

func (d *Deduplicator) rule(eventType string) DedupRule {
	d.rulesMu.RLock()
	defer d.rulesMu.RUnlock()
	if r, ok := d.rules[eventType]; ok {
		if r.Key == nil {
			r.Key = Fingerprint
		}
		return r
	}
	return DedupRule{Window: d.defaultWindow, Key: Fingerprint}
}

func (d *Deduplicator) window(eventType string) *typeWindow {
	d.mu.RLock()
	w, ok := d.windows[eventType]
	d.mu.RUnlock()
	if ok {
		return w
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if w, ok := d.windows[eventType]; ok {
		return w
	}
	w = &typeWindow{entries: make([]dedupEntry, d.capacity)}
	d.windows[eventType] = w
	return w
}

// IsDuplicate reports whether evt matches a remembered event of the same
// type within the window. A non-duplicate is remembered as a side effect.
// Critical events are never duplicates.
func (d *Deduplicator) IsDuplicate(evt Event) bool {
	if evt.Priority == Critical {
		return false
	}
	r := d.rule(evt.Type)
	if r.Window <= 0 {
		return false
	}
	key := r.Key(evt)

	w := d.window(evt.Type)
	w.mu.Lock()
	defer w.mu.Unlock()

	for i := 0; i < w.size; i++ {
		e := w.entries[i]
		if e.key != key {
			continue
		}
		delta := evt.Timestamp.Sub(e.at)
		if delta < 0 {
			delta = -delta
		}
		if delta < r.Window {
			return true
		}
	}

	w.entries[w.next] = dedupEntry{at: evt.Timestamp, key: key}
	w.next = (w.next + 1) % len(w.entries)
	if w.size < len(w.entries) {
		w.size++
	}
	return false
}

// Forget clears remembered keys for a type, or for every type when
// eventType is empty.
func (d *Deduplicator) Forget(eventType string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if eventType == "" {
		d.windows = make(map[string]*typeWindow)
		return
	}
	delete(d.windows, eventType)
}
