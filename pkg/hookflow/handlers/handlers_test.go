package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/hookflow/pkg/hookflow/config"
	hferrors "github.com/randalmurphal/hookflow/pkg/hookflow/errors"
	"github.com/randalmurphal/hookflow/pkg/hookflow/event"
	"github.com/randalmurphal/hookflow/pkg/hookflow/handlers"
)

func shell(t *testing.T, name, script string, opts ...handlers.ExecOption) *handlers.ExecHandler {
	t.Helper()
	return handlers.NewExecHandler(name, "/bin/sh", append([]handlers.ExecOption{handlers.WithArgs("-c", script)}, opts...)...)
}

func TestExecHandler_WritesEventToStdin(t *testing.T) {
	out := filepath.Join(t.TempDir(), "input.json")
	h := shell(t, "capture", `cat > "$OUT"; echo "$HOOKFLOW_EVENT_TYPE" > "$OUT.type"`,
		handlers.WithEnv(map[string]string{"OUT": out}))

	evt := event.New(event.TypeFileModified, map[string]any{"file_path": "a.go"}, event.WithSessionID("s1"))
	derived, err := h.Handle(context.Background(), evt)
	require.NoError(t, err)
	assert.Empty(t, derived)

	raw, err := os.ReadFile(out)
	require.NoError(t, err)
	var doc struct {
		Event     event.Event `json:"event"`
		Timestamp string      `json:"timestamp"`
	}
	require.NoError(t, json.Unmarshal(raw, &doc))
	assert.Equal(t, evt.ID, doc.Event.ID)
	assert.Equal(t, "a.go", doc.Event.Payload["file_path"])
	_, err = time.Parse(time.RFC3339Nano, doc.Timestamp)
	assert.NoError(t, err)

	typ, err := os.ReadFile(out + ".type")
	require.NoError(t, err)
	assert.Equal(t, "file.modified\n", string(typ))
}

func TestExecHandler_NonZeroExit(t *testing.T) {
	h := shell(t, "lint", `echo "lint failed" >&2; exit 3`)
	evt := event.New("x", nil)

	_, err := h.Handle(context.Background(), evt)
	var herr *event.HandlerError
	require.True(t, errors.As(err, &herr))
	assert.Equal(t, "lint", herr.Handler)
	assert.Equal(t, evt.ID, herr.EventID)
	assert.Contains(t, err.Error(), "lint failed")
	assert.Equal(t, hferrors.CategoryTransient, hferrors.Categorize(err))
}

func TestExecHandler_PermanentExitCode(t *testing.T) {
	h := shell(t, "guard", `exit 2`, handlers.WithPermanentExitCode(2))
	_, err := h.Handle(context.Background(), event.New("x", nil))
	require.Error(t, err)
	assert.Equal(t, hferrors.CategoryPermanent, hferrors.Categorize(err))
}

func TestExecHandler_HonoursDeadline(t *testing.T) {
	h := shell(t, "slow", `sleep 5`, handlers.WithWaitDelay(100*time.Millisecond))
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := h.Handle(ctx, event.New("x", nil))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestExecHandler_Output(t *testing.T) {
	parent := event.New("git.commit", nil, event.WithSessionID("s1"))

	h := shell(t, "emit", `echo '{"continue": true, "events": [{"type": "lint.done", "payload": {"ok": true}, "priority": "low"}]}'`)
	derived, err := h.Handle(context.Background(), parent)
	require.NoError(t, err)
	require.Len(t, derived, 1)
	assert.Equal(t, "lint.done", derived[0].Type)
	assert.Equal(t, event.Low, derived[0].Priority)
	assert.Equal(t, parent.ID, derived[0].Context.CausationID)
	assert.Equal(t, 1, derived[0].Context.Depth)
	assert.Equal(t, "s1", derived[0].SessionID)

	h = shell(t, "block", `echo '{"continue": false, "reason": "secrets found"}'`)
	_, err = h.Handle(context.Background(), parent)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "secrets found")
	assert.Equal(t, hferrors.CategoryPermanent, hferrors.Categorize(err))

	h = shell(t, "chatty", `echo "all good"`)
	derived, err = h.Handle(context.Background(), parent)
	require.NoError(t, err)
	assert.Empty(t, derived)

	h = shell(t, "badprio", `echo '{"events": [{"type": "y", "priority": "urgent"}]}'`)
	_, err = h.Handle(context.Background(), parent)
	assert.Equal(t, hferrors.CategoryFixable, hferrors.Categorize(err))
}

func TestExecHandler_ExpandArgs(t *testing.T) {
	dir := t.TempDir()
	script := `printf '%s' "$1" > "$OUT"`
	evt := event.New(event.TypeFileModified, map[string]any{"file_path": "pkg/a.go"})

	h := shell(t, "fmt", script,
		handlers.WithArgs("-c", script, "sh", "${payload.file_path}"),
		handlers.WithEnv(map[string]string{"OUT": filepath.Join(dir, "expanded")}),
		handlers.WithExpandArgs(true))
	_, err := h.Handle(context.Background(), evt)
	require.NoError(t, err)
	raw, err := os.ReadFile(filepath.Join(dir, "expanded"))
	require.NoError(t, err)
	assert.Equal(t, "pkg/a.go", string(raw))

	h = shell(t, "fmt", script,
		handlers.WithArgs("-c", script, "sh", "${payload.file_path}"),
		handlers.WithEnv(map[string]string{"OUT": filepath.Join(dir, "literal")}))
	_, err = h.Handle(context.Background(), evt)
	require.NoError(t, err)
	raw, err = os.ReadFile(filepath.Join(dir, "literal"))
	require.NoError(t, err)
	assert.Equal(t, "${payload.file_path}", string(raw))
}

func TestExecBatchHandler(t *testing.T) {
	out := filepath.Join(t.TempDir(), "batch.json")
	h := handlers.ExecBatchHandler{ExecHandler: shell(t, "agg", `cat > "$OUT"`,
		handlers.WithEnv(map[string]string{"OUT": out}))}

	events := []event.Event{event.New("a", nil), event.New("a", nil)}
	_, err := h.HandleBatch(context.Background(), events)
	require.NoError(t, err)

	raw, err := os.ReadFile(out)
	require.NoError(t, err)
	var doc struct {
		Events []event.Event `json:"events"`
	}
	require.NoError(t, json.Unmarshal(raw, &doc))
	require.Len(t, doc.Events, 2)
	assert.Equal(t, events[1].ID, doc.Events[1].ID)

	derived, err := h.HandleBatch(context.Background(), nil)
	assert.NoError(t, err)
	assert.Nil(t, derived)
}

func TestLogHandler(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	h := handlers.NewLogHandler("alerts", logger, slog.LevelWarn, "${payload.agent} failed", true)

	evt := event.New(event.TypeAgentFailed, map[string]any{"agent": "tester"},
		event.WithPriority(event.Critical), event.WithProducer("sub-agent-stop"))
	derived, err := h.Handle(context.Background(), evt)
	require.NoError(t, err)
	assert.Nil(t, derived)

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "WARN", rec["level"])
	assert.Equal(t, "tester failed", rec["msg"])
	assert.Equal(t, "critical", rec["priority"])
	assert.Equal(t, "sub-agent-stop", rec["producer"])
	assert.Equal(t, map[string]any{"agent": "tester"}, rec["payload"])
}

func TestBuild(t *testing.T) {
	h, err := handlers.Build("lint", config.HandlerConfig{
		Type:    "exec",
		Options: map[string]any{"command": "/bin/true"},
	}, nil)
	require.NoError(t, err)
	assert.IsType(t, &handlers.ExecHandler{}, h)

	h, err = handlers.Build("agg", config.HandlerConfig{
		Type:    "exec",
		Options: map[string]any{"command": "/bin/true", "batch": true},
	}, nil)
	require.NoError(t, err)
	_, isBatch := h.(event.BatchHandler)
	assert.True(t, isBatch)

	h, err = handlers.Build("alerts", config.HandlerConfig{Options: map[string]any{"level": "warn"}}, nil)
	require.NoError(t, err)
	assert.IsType(t, &handlers.LogHandler{}, h)

	_, err = handlers.Build("x", config.HandlerConfig{Type: "exec"}, nil)
	assert.ErrorContains(t, err, "options.command")
	_, err = handlers.Build("x", config.HandlerConfig{Type: "grpc"}, nil)
	assert.ErrorContains(t, err, "unknown handler type")
	_, err = handlers.Build("x", config.HandlerConfig{Type: "log", Options: map[string]any{"level": "loud"}}, nil)
	assert.Error(t, err)

	all, err := handlers.BuildAll(map[string]config.HandlerConfig{
		"a": {Type: "log"},
		"b": {Type: "exec", Options: map[string]any{"command": "/bin/true"}},
	}, nil)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}
