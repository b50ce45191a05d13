package event

import (
	"sync"
	"sync/atomic"
	"time"
)

// DefaultIDRetention is how long submitted IDs are remembered.
const DefaultIDRetention = 10 * time.Minute

// IDTracker remembers recently submitted event IDs so a producer cannot
// enqueue the same event twice. Entries expire after the retention period.
type IDTracker struct {
	retention time.Duration

	mu   sync.Mutex
	seen map[string]time.Time

	closed  atomic.Bool
	closeCh chan struct{}
}

// NewIDTracker creates a tracker and starts its cleanup loop.
// Call Close to stop it.
func NewIDTracker(retention time.Duration) *IDTracker {
	if retention <= 0 {
		retention = DefaultIDRetention
	}
	t := &IDTracker{
		retention: retention,
		seen:      make(map[string]time.Time),
		closeCh:   make(chan struct{}),
	}
	go t.cleanupLoop()
	return t
}

// Claim records id and reports whether it was new.
func (t *IDTracker) Claim(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if at, ok := t.seen[id]; ok && time.Since(at) < t.retention {
		return false
	}
	t.seen[id] = time.Now()
	return true
}

// Release forgets id, used when an enqueue fails after the claim.
func (t *IDTracker) Release(id string) {
	t.mu.Lock()
	delete(t.seen, id)
	t.mu.Unlock()
}

// Len returns the number of remembered IDs.
func (t *IDTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.seen)
}

// Close stops the cleanup loop.
func (t *IDTracker) Close() {
	if t.closed.CompareAndSwap(false, true) {
		close(t.closeCh)
	}
}

func (t *IDTracker) cleanupLoop() {
	interval := t.retention / 2
	if interval > time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cutoff := time.Now().Add(-t.retention)
			t.mu.Lock()
			for id, at := range t.seen {
				if at.Before(cutoff) {
					delete(t.seen, id)
				}
			}
			t.mu.Unlock()
		case <-t.closeCh:
			return
		}
	}
}
