package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	hferrors "github.com/randalmurphal/hookflow/pkg/hookflow/errors"
	"github.com/randalmurphal/hookflow/pkg/hookflow/event"
	"github.com/randalmurphal/hookflow/pkg/hookflow/template"
)

// DefaultWaitDelay bounds how long a cancelled script may keep its output
// pipes open after being killed.
const DefaultWaitDelay = 2 * time.Second

// ExecHandler runs a hook script for every event.
//
// The script receives {"event": ..., "timestamp": ...} on stdin. A zero exit
// is success. The script may print a JSON object on stdout:
//
//	{"continue": false, "reason": "...", "events": [{"type": "...", "payload": {...}}]}
//
// "continue": false fails the event permanently. Each entry of "events" is
// submitted as a derived event. Output that is not JSON is ignored.
//
// With WithExpandArgs the arguments and working directory may refer to event
// fields as ${payload.file_path}, ${session_id} and so on.
type ExecHandler struct {
	name    string
	command string
	args    []string
	dir     string
	env     map[string]string
	expand  bool

	// permanentExit marks an exit code that should not be retried.
	permanentExit int
	waitDelay     time.Duration
	now           func() time.Time
}

// ExecOption configures an ExecHandler.
type ExecOption func(*ExecHandler)

// WithArgs sets the script arguments.
func WithArgs(args ...string) ExecOption {
	return func(h *ExecHandler) { h.args = args }
}

// WithExpandArgs expands ${path} placeholders in the arguments and working
// directory against the event being handled.
func WithExpandArgs(enabled bool) ExecOption {
	return func(h *ExecHandler) { h.expand = enabled }
}

// WithDir sets the working directory.
func WithDir(dir string) ExecOption {
	return func(h *ExecHandler) { h.dir = dir }
}

// WithEnv adds environment variables on top of the process environment.
func WithEnv(env map[string]string) ExecOption {
	return func(h *ExecHandler) { h.env = env }
}

// WithPermanentExitCode makes the given exit code a permanent failure.
func WithPermanentExitCode(code int) ExecOption {
	return func(h *ExecHandler) { h.permanentExit = code }
}

// WithWaitDelay sets how long to wait for output after cancellation.
func WithWaitDelay(d time.Duration) ExecOption {
	return func(h *ExecHandler) { h.waitDelay = d }
}

// NewExecHandler creates a handler that runs command.
func NewExecHandler(name, command string, opts ...ExecOption) *ExecHandler {
	h := &ExecHandler{
		name:      name,
		command:   command,
		waitDelay: DefaultWaitDelay,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Name returns the handler name.
func (h *ExecHandler) Name() string { return h.name }

// Handle implements event.Handler.
func (h *ExecHandler) Handle(ctx context.Context, evt event.Event) ([]event.Event, error) {
	input, err := json.Marshal(map[string]any{
		"event":     evt,
		"timestamp": h.now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return nil, hferrors.Permanent(err, "encode hook input")
	}
	return h.run(ctx, evt, input)
}

func (h *ExecHandler) run(ctx context.Context, parent event.Event, input []byte) ([]event.Event, error) {
	args, dir := h.args, h.dir
	if h.expand {
		vars := parent.Vars()
		args = template.ExpandAll(args, vars)
		dir = template.Expand(dir, vars)
	}
	cmd := exec.CommandContext(ctx, h.command, args...)
	cmd.Dir = dir
	cmd.WaitDelay = h.waitDelay
	cmd.Stdin = bytes.NewReader(input)
	cmd.Env = append(os.Environ(),
		"HOOKFLOW_EVENT_ID="+parent.ID,
		"HOOKFLOW_EVENT_TYPE="+parent.Type,
		"HOOKFLOW_SESSION_ID="+parent.SessionID,
	)
	for k, v := range h.env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		// Check for context cancellation first
		if ctx.Err() != nil {
			return nil, fmt.Errorf("exec %s: %w", h.name, ctx.Err())
		}
		failure := &event.HandlerError{
			Handler: h.name,
			EventID: parent.ID,
			Err:     fmt.Errorf("%w: %s", err, strings.TrimSpace(stderr.String())),
		}
		var exitErr *exec.ExitError
		if h.permanentExit != 0 && errors.As(err, &exitErr) && exitErr.ExitCode() == h.permanentExit {
			return nil, hferrors.Permanent(failure, "hook script rejected event")
		}
		return nil, failure
	}
	return h.parseOutput(parent, stdout.Bytes())
}

type hookOutput struct {
	Continue *bool          `json:"continue"`
	Reason   string         `json:"reason"`
	Events   []derivedEvent `json:"events"`
}

type derivedEvent struct {
	Type     string         `json:"type"`
	Payload  map[string]any `json:"payload"`
	Priority string         `json:"priority"`
}

func (h *ExecHandler) parseOutput(parent event.Event, out []byte) ([]event.Event, error) {
	out = bytes.TrimSpace(out)
	if len(out) == 0 || out[0] != '{' {
		return nil, nil
	}
	var ho hookOutput
	if err := json.Unmarshal(out, &ho); err != nil {
		return nil, nil
	}
	if ho.Continue != nil && !*ho.Continue {
		reason := ho.Reason
		if reason == "" {
			reason = "hook script requested stop"
		}
		return nil, hferrors.Permanent(&event.HandlerError{
			Handler: h.name,
			EventID: parent.ID,
			Err:     errors.New(reason),
		}, "hook script rejected event")
	}

	derived := make([]event.Event, 0, len(ho.Events))
	for _, d := range ho.Events {
		if d.Type == "" {
			continue
		}
		opts := []event.Option{event.WithProducer(h.name)}
		if d.Priority != "" {
			p, err := event.ParsePriority(d.Priority)
			if err != nil {
				return nil, hferrors.Fixable(err, "derived event from "+h.name)
			}
			opts = append(opts, event.WithPriority(p))
		}
		derived = append(derived, event.NewFromParent(parent, d.Type, d.Payload, opts...))
	}
	return derived, nil
}

// ExecBatchHandler runs the script once per batch with
// {"events": [...], "timestamp": ...} on stdin. Derived events are attributed
// to the last event of the batch.
type ExecBatchHandler struct {
	*ExecHandler
}

// HandleBatch implements event.BatchHandler.
func (h ExecBatchHandler) HandleBatch(ctx context.Context, events []event.Event) ([]event.Event, error) {
	if len(events) == 0 {
		return nil, nil
	}
	input, err := json.Marshal(map[string]any{
		"events":    events,
		"timestamp": h.now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return nil, hferrors.Permanent(err, "encode hook input")
	}
	return h.run(ctx, events[len(events)-1], input)
}
