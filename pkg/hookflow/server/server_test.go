package server_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/hookflow/pkg/hookflow"
	"github.com/randalmurphal/hookflow/pkg/hookflow/dlq"
	"github.com/randalmurphal/hookflow/pkg/hookflow/event"
	"github.com/randalmurphal/hookflow/pkg/hookflow/monitor"
	"github.com/randalmurphal/hookflow/pkg/hookflow/server"
	"github.com/randalmurphal/hookflow/pkg/hookflow/store"
)

type fixture struct {
	pipeline *hookflow.Pipeline
	client   *server.Client
	url      string
	calls    atomic.Int64
}

func newFixture(t *testing.T, opts ...server.Option) *fixture {
	t.Helper()
	cfg := hookflow.DefaultConfig()
	cfg.Dedup.DefaultWindow = 0
	cfg.MaxAttempts = 1
	cfg.Processor.PollInterval = time.Hour
	p, err := hookflow.New(cfg)
	require.NoError(t, err)

	f := &fixture{pipeline: p}
	ok := event.HandlerFunc(func(context.Context, event.Event) ([]event.Event, error) {
		f.calls.Add(1)
		return nil, nil
	})
	broken := event.HandlerFunc(func(context.Context, event.Event) ([]event.Event, error) {
		return nil, errors.New("backend unavailable")
	})
	require.NoError(t, p.RegisterHandler("job.run", "runner", ok, hookflow.HandlerConfig{}))
	require.NoError(t, p.RegisterHandler("job.broken", "broken", broken, hookflow.HandlerConfig{}))
	require.NoError(t, p.Start(context.Background()))

	srv := httptest.NewServer(server.New(p, opts...).Handler())
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = p.Stop(ctx)
	})
	f.client = server.NewClient(srv.URL)
	f.url = srv.URL
	return f
}

func (f *fixture) flush(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.pipeline.Flush(ctx))
}

func TestServer_EmitAndQuery(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	results, err := f.client.Emit(ctx,
		event.New("job.run", map[string]any{"n": 1}, event.WithSessionID("build-7")),
		event.New("job.run", map[string]any{"n": 2}, event.WithSessionID("build-7")),
	)
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, r := range results {
		assert.True(t, r.Accepted)
		assert.Empty(t, r.Error)
	}
	f.flush(t)
	assert.EqualValues(t, 2, f.calls.Load())

	records, err := f.client.QuerySession(ctx, store.Query{SessionID: "build-7"})
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, results[0].EventID, records[0].Event.ID)
	assert.EqualValues(t, 1, records[0].Event.Payload["n"])

	sessions, err := f.client.Sessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 1)

	st, err := f.client.Status(ctx)
	require.NoError(t, err)
	assert.True(t, st.Running)
	assert.Contains(t, st.Handlers, "runner")
}

func TestServer_EmitInvalid(t *testing.T) {
	f := newFixture(t)

	results, err := f.client.Emit(context.Background(),
		event.New(event.TypeFileModified, map[string]any{}))
	var apiErr *server.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)
	assert.Contains(t, apiErr.Message, "file_path")
	require.Len(t, results, 1)
	assert.False(t, results[0].Accepted)
}

func TestServer_EmitBadBody(t *testing.T) {
	f := newFixture(t)
	srv := httptest.NewServer(server.New(f.pipeline).Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/v1/events", "application/json", strings.NewReader("{"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp2, err := http.Post(srv.URL+"/v1/events", "application/json", strings.NewReader(`{"events":[]}`))
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp2.StatusCode)
}

func TestServer_DeadLetters(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.client.Emit(ctx, event.New("job.broken", map[string]any{"n": 1}))
	require.NoError(t, err)
	f.flush(t)

	entries, err := f.client.DeadLetters(ctx, dlq.Filter{Types: []string{"job.broken"}})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "broken", entries[0].Handler)
	assert.Contains(t, entries[0].FailureReason, "backend unavailable")

	none, err := f.client.DeadLetters(ctx, dlq.Filter{Handler: "runner"})
	require.NoError(t, err)
	assert.Empty(t, none)

	requeued, err := f.client.Requeue(ctx, entries[0].ID)
	require.NoError(t, err)
	assert.Zero(t, requeued.Retries)

	require.NoError(t, f.client.Resolve(ctx, entries[0].ID))
	err = f.client.Resolve(ctx, entries[0].ID)
	var apiErr *server.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
}

func TestServer_DeadLetterFilterValidation(t *testing.T) {
	f := newFixture(t)
	srv := httptest.NewServer(server.New(f.pipeline).Handler())
	defer srv.Close()

	for _, q := range []string{"since=yesterday", "classification=lost", "limit=-1"} {
		resp, err := http.Get(srv.URL + "/v1/dlq?" + q)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, q)
	}
}

func TestServer_UnknownSessionIsEmpty(t *testing.T) {
	f := newFixture(t)
	records, err := f.client.QuerySession(context.Background(), store.Query{SessionID: "missing"})
	require.NoError(t, err)
	assert.Empty(t, records)

	resp, err := http.Get(f.url + "/v1/sessions/missing/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.JSONEq(t, `[]`, string(body))
}

func TestServer_Shutdown(t *testing.T) {
	t.Run("unsupported", func(t *testing.T) {
		f := newFixture(t)
		err := f.client.Shutdown(context.Background())
		var apiErr *server.APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, http.StatusNotImplemented, apiErr.Status)
	})

	t.Run("calls hook", func(t *testing.T) {
		done := make(chan struct{})
		f := newFixture(t, server.WithShutdown(func() { close(done) }))
		require.NoError(t, f.client.Shutdown(context.Background()))
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("shutdown hook not called")
		}
	})
}

func TestServer_Stream(t *testing.T) {
	f := newFixture(t, server.WithStreamInterval(20*time.Millisecond))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var got atomic.Int64
	err := f.client.Stream(ctx, func(snap monitor.Snapshot) {
		assert.NotEmpty(t, snap.Tiers)
		if got.Add(1) == 3 {
			cancel()
		}
	})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, got.Load(), int64(3))
}

func TestServer_Snapshot(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.client.Emit(ctx, event.New("job.run", nil))
	require.NoError(t, err)
	f.flush(t)

	snap, err := f.client.Snapshot(ctx)
	require.NoError(t, err)
	assert.Contains(t, snap.Tiers, event.Normal.String())
}
