package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/randalmurphal/hookflow/pkg/hookflow/event"
)

// MemoryStore is an in-memory event store.
// Data is lost when the process exits.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*sessionLog
	closed   bool
	now      func() time.Time
}

// sessionLog is one session's records behind its own append lock.
type sessionLog struct {
	mu      sync.RWMutex
	records []Record
	ids     map[string]struct{}
}

// NewMemoryStore creates a new in-memory event store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*sessionLog),
		now:      time.Now,
	}
}

func (m *MemoryStore) session(id string, create bool) (*sessionLog, error) {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return nil, ErrStoreClosed
	}
	log, ok := m.sessions[id]
	m.mu.RUnlock()
	if ok || !create {
		return log, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrStoreClosed
	}
	if log, ok = m.sessions[id]; !ok {
		log = &sessionLog{ids: make(map[string]struct{})}
		m.sessions[id] = log
	}
	return log, nil
}

// Append implements Store.
func (m *MemoryStore) Append(_ context.Context, evt event.Event) error {
	log, err := m.session(sessionOf(evt), true)
	if err != nil {
		return err
	}

	log.mu.Lock()
	defer log.mu.Unlock()
	if _, dup := log.ids[evt.ID]; dup {
		return nil
	}
	log.ids[evt.ID] = struct{}{}
	log.records = append(log.records, Record{
		Seq:        int64(len(log.records)) + 1,
		Event:      evt,
		AppendedAt: m.now().UTC(),
	})
	return nil
}

// Query implements Store.
func (m *MemoryStore) Query(_ context.Context, q Query) ([]Record, error) {
	if q.SessionID == "" {
		q.SessionID = DefaultSession
	}
	log, err := m.session(q.SessionID, false)
	if err != nil {
		return nil, err
	}
	if log == nil {
		return []Record{}, nil
	}

	log.mu.RLock()
	defer log.mu.RUnlock()
	out := make([]Record, 0, len(log.records))
	for _, r := range log.records {
		if !q.Match(r.Event) {
			continue
		}
		out = append(out, r)
		if q.Limit > 0 && len(out) == q.Limit {
			break
		}
	}
	return out, nil
}

// Sessions implements Store.
func (m *MemoryStore) Sessions(_ context.Context) ([]SessionInfo, error) {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return nil, ErrStoreClosed
	}
	infos := make([]SessionInfo, 0, len(m.sessions))
	for id, log := range m.sessions {
		log.mu.RLock()
		info := SessionInfo{ID: id, Events: len(log.records)}
		if n := len(log.records); n > 0 {
			info.First = log.records[0].AppendedAt
			info.Last = log.records[n-1].AppendedAt
		}
		log.mu.RUnlock()
		infos = append(infos, info)
	}
	m.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos, nil
}

// Replay implements Store.
func (m *MemoryStore) Replay(ctx context.Context, sessionID string, fn func(Record) error) error {
	records, err := m.Query(ctx, Query{SessionID: sessionID})
	if err != nil {
		return err
	}
	for _, r := range records {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(r); err != nil {
			return err
		}
	}
	return nil
}

// Close implements Store.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
