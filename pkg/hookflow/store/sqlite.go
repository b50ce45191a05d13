package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/randalmurphal/hookflow/pkg/hookflow/event"
)

// tsLayout is fixed width so stored timestamps sort lexically.
const tsLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore persists session logs to SQLite.
// It is suitable for single-process production use.
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// NewSQLiteStore creates a new SQLite event store.
// The path should be a file path (e.g., "./events.db") or ":memory:" for testing.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrent read performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS session_events (
			event_id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			sequence INTEGER NOT NULL,
			event_type TEXT NOT NULL,
			event_ts INTEGER NOT NULL,
			appended_at TEXT NOT NULL,
			data BLOB NOT NULL
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE UNIQUE INDEX IF NOT EXISTS idx_session_events_seq
		ON session_events(session_id, sequence)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create index: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Append implements Store.
func (s *SQLiteStore) Append(ctx context.Context, evt event.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	session := sessionOf(evt)

	// Sequence is max + 1 within the session; the event ID key makes
	// repeated appends no-ops.
	_, err = s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO session_events
			(event_id, session_id, sequence, event_type, event_ts, appended_at, data)
		VALUES (
			?, ?,
			COALESCE((SELECT MAX(sequence) FROM session_events WHERE session_id = ?), 0) + 1,
			?, ?, ?, ?
		)
	`, evt.ID, session, session, evt.Type, evt.Timestamp.UnixNano(),
		time.Now().UTC().Format(tsLayout), data)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// Query implements Store.
func (s *SQLiteStore) Query(ctx context.Context, q Query) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	if q.SessionID == "" {
		q.SessionID = DefaultSession
	}

	where := []string{"session_id = ?"}
	args := []any{q.SessionID}
	if len(q.EventTypes) > 0 {
		where = append(where, "event_type IN ("+strings.TrimSuffix(strings.Repeat("?,", len(q.EventTypes)), ",")+")")
		for _, t := range q.EventTypes {
			args = append(args, t)
		}
	}
	if !q.Start.IsZero() {
		where = append(where, "event_ts >= ?")
		args = append(args, q.Start.UnixNano())
	}
	if !q.End.IsZero() {
		where = append(where, "event_ts < ?")
		args = append(args, q.End.UnixNano())
	}

	query := `SELECT sequence, appended_at, data FROM session_events WHERE ` +
		strings.Join(where, " AND ") + ` ORDER BY sequence`
	if q.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query session: %w", err)
	}
	defer rows.Close()

	records := []Record{}
	for rows.Next() {
		var r Record
		var appended string
		var data []byte
		if err := rows.Scan(&r.Seq, &appended, &data); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if err := json.Unmarshal(data, &r.Event); err != nil {
			return nil, fmt.Errorf("decode event: %w", err)
		}
		r.AppendedAt, _ = time.Parse(tsLayout, appended)
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return records, nil
}

// Sessions implements Store.
func (s *SQLiteStore) Sessions(ctx context.Context) ([]SessionInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, COUNT(*), MIN(appended_at), MAX(appended_at)
		FROM session_events
		GROUP BY session_id
		ORDER BY session_id
	`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var infos []SessionInfo
	for rows.Next() {
		var info SessionInfo
		var first, last string
		if err := rows.Scan(&info.ID, &info.Events, &first, &last); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		info.First, _ = time.Parse(tsLayout, first)
		info.Last, _ = time.Parse(tsLayout, last)
		infos = append(infos, info)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return infos, nil
}

// Replay implements Store.
func (s *SQLiteStore) Replay(ctx context.Context, sessionID string, fn func(Record) error) error {
	records, err := s.Query(ctx, Query{SessionID: sessionID})
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
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
