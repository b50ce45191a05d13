package dlq_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/hookflow/pkg/hookflow/dlq"
	"github.com/randalmurphal/hookflow/pkg/hookflow/event"
)

func newEntry(eventType, handler string, captured time.Time) *dlq.Entry {
	evt := event.New(eventType, map[string]any{"file_path": "main.go"})
	return &dlq.Entry{
		ID:             dlq.EntryID(evt.ID, handler),
		Event:          evt,
		Handler:        handler,
		FailureReason:  "boom",
		Category:       "transient",
		Classification: dlq.Transient,
		NextRetryAt:    captured,
		CapturedAt:     captured,
		UpdatedAt:      captured,
	}
}

// runStoreContract exercises behavior every Store must share.
func runStoreContract(t *testing.T, store dlq.Store) {
	t.Helper()
	ctx := context.Background()
	base := time.Unix(1_700_000_000, 0).UTC()

	a := newEntry("file.modified", "lint", base)
	b := newEntry("git.commit", "audit", base.Add(time.Second))
	c := newEntry("file.modified", "audit", base.Add(2*time.Second))
	c.Classification = dlq.Terminal
	c.NextRetryAt = time.Time{}

	for _, e := range []*dlq.Entry{c, a, b} {
		require.NoError(t, store.Put(ctx, e))
	}

	t.Run("get", func(t *testing.T) {
		got, err := store.Get(ctx, a.ID)
		require.NoError(t, err)
		assert.Equal(t, a.Event.ID, got.Event.ID)
		assert.Equal(t, "lint", got.Handler)
		assert.Equal(t, dlq.Transient, got.Classification)
		assert.True(t, a.CapturedAt.Equal(got.CapturedAt))

		_, err = store.Get(ctx, "missing")
		assert.ErrorIs(t, err, dlq.ErrNotFound)
	})

	t.Run("list is ordered by capture time", func(t *testing.T) {
		all, err := store.List(ctx, dlq.Filter{})
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, []string{a.ID, b.ID, c.ID}, []string{all[0].ID, all[1].ID, all[2].ID})
	})

	t.Run("filters", func(t *testing.T) {
		byType, err := store.List(ctx, dlq.Filter{Types: []string{"file.modified"}})
		require.NoError(t, err)
		assert.Len(t, byType, 2)

		since, err := store.List(ctx, dlq.Filter{Since: base.Add(time.Second)})
		require.NoError(t, err)
		assert.Len(t, since, 2)

		terminal, err := store.List(ctx, dlq.Filter{Classifications: []dlq.Classification{dlq.Terminal}})
		require.NoError(t, err)
		require.Len(t, terminal, 1)
		assert.Equal(t, c.ID, terminal[0].ID)

		due, err := store.List(ctx, dlq.Filter{DueAt: base.Add(500 * time.Millisecond)})
		require.NoError(t, err)
		require.Len(t, due, 1)
		assert.Equal(t, a.ID, due[0].ID)

		limited, err := store.List(ctx, dlq.Filter{Limit: 1})
		require.NoError(t, err)
		assert.Len(t, limited, 1)
	})

	t.Run("put replaces", func(t *testing.T) {
		upd := a.Clone()
		upd.Retries = 2
		upd.FailureReason = "still broken"
		require.NoError(t, store.Put(ctx, upd))

		got, err := store.Get(ctx, a.ID)
		require.NoError(t, err)
		assert.Equal(t, 2, got.Retries)
		assert.Equal(t, "still broken", got.FailureReason)

		n, err := store.Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, 3, n)
	})

	t.Run("delete", func(t *testing.T) {
		require.NoError(t, store.Delete(ctx, b.ID))
		assert.ErrorIs(t, store.Delete(ctx, b.ID), dlq.ErrNotFound)

		n, err := store.Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, n)
	})
}

func TestMemoryStore(t *testing.T) {
	store := dlq.NewMemoryStore()
	runStoreContract(t, store)

	require.NoError(t, store.Close())
	_, err := store.Count(context.Background())
	assert.ErrorIs(t, err, dlq.ErrStoreClosed)
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	store := dlq.NewMemoryStore()
	e := newEntry("file.created", "lint", time.Now())
	require.NoError(t, store.Put(ctx, e))

	e.Retries = 99
	got, err := store.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.Retries)
}

func TestSQLiteStore(t *testing.T) {
	store, err := dlq.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	defer store.Close()
	runStoreContract(t, store)
}

func TestSQLiteStore_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "dlq.db")

	store, err := dlq.NewSQLiteStore(path)
	require.NoError(t, err)
	e := newEntry("agent.failed", "notify", time.Now())
	require.NoError(t, store.Put(ctx, e))
	require.NoError(t, store.Close())

	reopened, err := dlq.NewSQLiteStore(path)
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, "agent.failed", got.Event.Type)
}

func TestRedisStore(t *testing.T) {
	addr := os.Getenv("HOOKFLOW_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("HOOKFLOW_TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	prefix := "hookflow:test:" + event.New("x", nil).ID + ":"
	store, err := dlq.NewRedisStore(ctx, addr, prefix)
	require.NoError(t, err)
	defer store.Close()

	runStoreContract(t, store)

	left, err := store.List(ctx, dlq.Filter{})
	require.NoError(t, err)
	for _, e := range left {
		_ = store.Delete(ctx, e.ID)
	}
}

func TestEntryID_Stable(t *testing.T) {
	assert.Equal(t, dlq.EntryID("e1", "lint"), dlq.EntryID("e1", "lint"))
	assert.NotEqual(t, dlq.EntryID("e1", "lint"), dlq.EntryID("e1", "audit"))
	assert.NotEqual(t, dlq.EntryID("e1", "lint"), dlq.EntryID("e2", "lint"))
}
