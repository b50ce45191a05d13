package store_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/hookflow/pkg/hookflow/event"
	"github.com/randalmurphal/hookflow/pkg/hookflow/store"
)

type storeFactory func(t *testing.T) store.Store

func factories() map[string]storeFactory {
	return map[string]storeFactory{
		"memory": func(t *testing.T) store.Store {
			return store.NewMemoryStore()
		},
		"sqlite": func(t *testing.T) store.Store {
			s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "events.db"))
			require.NoError(t, err)
			return s
		},
	}
}

func forEachStore(t *testing.T, fn func(t *testing.T, s store.Store)) {
	for name, factory := range factories() {
		t.Run(name, func(t *testing.T) {
			s := factory(t)
			defer s.Close()
			fn(t, s)
		})
	}
}

func at(sec int) time.Time { return time.Unix(1_700_000_000+int64(sec), 0).UTC() }

func TestAppendAndQuery(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		evts := []event.Event{
			event.New("file.modified", map[string]any{"file_path": "a.go"}, event.WithSessionID("s1"), event.WithTimestamp(at(0))),
			event.New("tool.used", map[string]any{"tool": "Edit"}, event.WithSessionID("s1"), event.WithTimestamp(at(10))),
			event.New("file.modified", map[string]any{"file_path": "b.go"}, event.WithSessionID("s1"), event.WithTimestamp(at(20))),
			event.New("git.commit", nil, event.WithSessionID("s2"), event.WithTimestamp(at(5))),
		}
		for _, e := range evts {
			require.NoError(t, s.Append(ctx, e))
		}

		all, err := s.Query(ctx, store.Query{SessionID: "s1"})
		require.NoError(t, err)
		require.Len(t, all, 3)
		for i, r := range all {
			assert.Equal(t, int64(i+1), r.Seq)
			assert.Equal(t, evts[i].ID, r.Event.ID)
		}
		assert.Equal(t, "a.go", all[0].Event.Payload["file_path"])

		files, err := s.Query(ctx, store.Query{SessionID: "s1", EventTypes: []string{"file.modified"}})
		require.NoError(t, err)
		require.Len(t, files, 2)
		assert.Equal(t, evts[2].ID, files[1].Event.ID)

		window, err := s.Query(ctx, store.Query{SessionID: "s1", Start: at(10), End: at(20)})
		require.NoError(t, err)
		require.Len(t, window, 1, "start inclusive, end exclusive")
		assert.Equal(t, "tool.used", window[0].Event.Type)

		limited, err := s.Query(ctx, store.Query{SessionID: "s1", Limit: 2})
		require.NoError(t, err)
		assert.Len(t, limited, 2)

		empty, err := s.Query(ctx, store.Query{SessionID: "nope"})
		require.NoError(t, err)
		assert.NotNil(t, empty)
		assert.Empty(t, empty)
	})
}

func TestAppend_Idempotent(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		e := event.New("agent.completed", nil, event.WithSessionID("s"))
		require.NoError(t, s.Append(ctx, e))
		require.NoError(t, s.Append(ctx, e))
		require.NoError(t, s.Append(ctx, e.Retry("notify")))

		got, err := s.Query(ctx, store.Query{SessionID: "s"})
		require.NoError(t, err)
		assert.Len(t, got, 1)
	})
}

func TestAppend_DefaultSession(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		require.NoError(t, s.Append(ctx, event.New("session.started", nil)))

		got, err := s.Query(ctx, store.Query{})
		require.NoError(t, err)
		require.Len(t, got, 1)

		sessions, err := s.Sessions(ctx)
		require.NoError(t, err)
		require.Len(t, sessions, 1)
		assert.Equal(t, store.DefaultSession, sessions[0].ID)
		assert.Equal(t, 1, sessions[0].Events)
	})
}

func TestAppend_ConcurrentKeepsDenseSequence(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		var wg sync.WaitGroup
		for w := 0; w < 4; w++ {
			wg.Add(1)
			go func(w int) {
				defer wg.Done()
				for i := 0; i < 25; i++ {
					e := event.New("file.modified", map[string]any{"n": fmt.Sprintf("%d-%d", w, i)}, event.WithSessionID("busy"))
					assert.NoError(t, s.Append(ctx, e))
				}
			}(w)
		}
		wg.Wait()

		got, err := s.Query(ctx, store.Query{SessionID: "busy"})
		require.NoError(t, err)
		require.Len(t, got, 100)
		for i, r := range got {
			assert.Equal(t, int64(i+1), r.Seq)
		}
	})
}

func TestReplay(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		for i := 0; i < 3; i++ {
			require.NoError(t, s.Append(ctx, event.New("tool.used", nil, event.WithSessionID("r"))))
		}

		var seqs []int64
		require.NoError(t, s.Replay(ctx, "r", func(r store.Record) error {
			seqs = append(seqs, r.Seq)
			return nil
		}))
		assert.Equal(t, []int64{1, 2, 3}, seqs)

		stop := errors.New("stop")
		calls := 0
		err := s.Replay(ctx, "r", func(store.Record) error {
			calls++
			return stop
		})
		assert.ErrorIs(t, err, stop)
		assert.Equal(t, 1, calls)
	})
}

func TestClosedStore(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store) {
		require.NoError(t, s.Close())
		assert.ErrorIs(t, s.Append(context.Background(), event.New("x", nil)), store.ErrStoreClosed)
		_, err := s.Sessions(context.Background())
		assert.ErrorIs(t, err, store.ErrStoreClosed)
	})
}
