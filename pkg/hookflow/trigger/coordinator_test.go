package trigger_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	hferrors "github.com/randalmurphal/hookflow/pkg/hookflow/errors"
	"github.com/randalmurphal/hookflow/pkg/hookflow/event"
	"github.com/randalmurphal/hookflow/pkg/hookflow/trigger"
)

type recordingSink struct {
	mu   sync.Mutex
	reqs []trigger.Request
}

func (s *recordingSink) Deliver(_ context.Context, req trigger.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reqs = append(s.reqs, req)
	return nil
}

func (s *recordingSink) all() []trigger.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]trigger.Request, len(s.reqs))
	copy(out, s.reqs)
	return out
}

func fileEvent(path string) event.Event {
	return event.New(event.TypeFileModified, map[string]any{"file_path": path},
		event.WithSessionID("s1"), event.WithLabel("cwd", "/repo"))
}

func TestOnEventProcessed_LeadingAndTrailing(t *testing.T) {
	sink := &recordingSink{}
	c, err := trigger.NewCoordinator([]trigger.Rule{{
		Agent:      "test-runner",
		EventTypes: []string{event.TypeFileModified},
		Debounce:   80 * time.Millisecond,
		Priority:   event.High,
	}}, sink)
	require.NoError(t, err)
	defer c.Close(context.Background())

	ctx := context.Background()
	first := fileEvent("a.go")
	n, err := c.OnEventProcessed(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	second := fileEvent("b.go")
	third := fileEvent("c.go")
	n, err = c.OnEventProcessed(ctx, second)
	require.NoError(t, err)
	assert.Zero(t, n)
	n, err = c.OnEventProcessed(ctx, third)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 1, c.Pending())

	require.Eventually(t, func() bool { return len(sink.all()) == 2 }, time.Second, 5*time.Millisecond)
	reqs := sink.all()

	assert.Equal(t, first.ID, reqs[0].EventID)
	assert.Zero(t, reqs[0].Collapsed)
	assert.Equal(t, "test-runner", reqs[0].Agent)
	assert.Equal(t, event.High, reqs[0].Priority)
	assert.Equal(t, "s1", reqs[0].SessionID)

	assert.Equal(t, third.ID, reqs[1].EventID)
	assert.Equal(t, 1, reqs[1].Collapsed)
	assert.Equal(t, "c.go", reqs[1].Context["file_path"])
	assert.Equal(t, "/repo", reqs[1].Context["cwd"])
	assert.Equal(t, "test-runner", reqs[1].Context["rule"])
	assert.Zero(t, c.Pending())

	// Nothing else arrives after the window.
	time.Sleep(120 * time.Millisecond)
	assert.Len(t, sink.all(), 2)
}

func TestOnEventProcessed_Conditions(t *testing.T) {
	sink := &recordingSink{}
	c, err := trigger.NewCoordinator([]trigger.Rule{{
		Agent:      "test-runner",
		EventTypes: []string{"file.*"},
		Conditions: []string{"payload.file_path matches '**/*_test.go'"},
	}}, sink)
	require.NoError(t, err)
	defer c.Close(context.Background())

	ctx := context.Background()
	n, err := c.OnEventProcessed(ctx, fileEvent("pkg/a.go"))
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = c.OnEventProcessed(ctx, fileEvent("pkg/a_test.go"))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = c.OnEventProcessed(ctx, event.New(event.TypeGitCommit, map[string]any{"file_path": "x_test.go"}))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestOnEventProcessed_NoDebounce(t *testing.T) {
	sink := &recordingSink{}
	c, err := trigger.NewCoordinator([]trigger.Rule{
		{Agent: "a", EventTypes: []string{"*"}},
		{Agent: "b", EventTypes: []string{event.TypeFileModified}},
	}, sink)
	require.NoError(t, err)
	defer c.Close(context.Background())

	for range 3 {
		_, err := c.OnEventProcessed(context.Background(), fileEvent("a.go"))
		require.NoError(t, err)
	}
	assert.Len(t, sink.all(), 6)
}

func TestReplace_KeepsUnchangedCooldowns(t *testing.T) {
	sink := &recordingSink{}
	rule := trigger.Rule{Agent: "reviewer", EventTypes: []string{event.TypeGitCommit}, Debounce: time.Hour}
	other := trigger.Rule{Agent: "docs", EventTypes: []string{event.TypeGitCommit}, Debounce: time.Hour}
	c, err := trigger.NewCoordinator([]trigger.Rule{rule, other}, sink)
	require.NoError(t, err)
	defer c.Close(context.Background())

	ctx := context.Background()
	n, err := c.OnEventProcessed(ctx, event.New(event.TypeGitCommit, nil))
	require.NoError(t, err)
	require.Equal(t, 2, n)

	changed := other
	changed.Debounce = time.Minute
	require.NoError(t, c.Replace([]trigger.Rule{rule, changed}))

	// reviewer is still cooling down; docs starts fresh.
	n, err = c.OnEventProcessed(ctx, event.New(event.TypeGitCommit, nil))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, "docs", sink.all()[2].Agent)
	assert.Len(t, c.Rules(), 2)
}

func TestReplace_Invalid(t *testing.T) {
	c, err := trigger.NewCoordinator(nil, &recordingSink{})
	require.NoError(t, err)

	tests := []struct {
		name  string
		rules []trigger.Rule
	}{
		{"missing agent", []trigger.Rule{{EventTypes: []string{"x"}}}},
		{"missing types", []trigger.Rule{{Agent: "a"}}},
		{"bad condition", []trigger.Rule{{Agent: "a", EventTypes: []string{"x"}, Conditions: []string{"payload.x == "}}}},
		{"negative debounce", []trigger.Rule{{Agent: "a", EventTypes: []string{"x"}, Debounce: -time.Second}}},
		{"duplicate", []trigger.Rule{{Agent: "a", EventTypes: []string{"x"}}, {Agent: "a", EventTypes: []string{"y"}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, c.Replace(tt.rules))
		})
	}
}

func TestClose_FlushesPending(t *testing.T) {
	sink := &recordingSink{}
	c, err := trigger.NewCoordinator([]trigger.Rule{{
		Agent: "a", EventTypes: []string{event.TypeFileModified}, Debounce: time.Hour,
	}}, sink)
	require.NoError(t, err)

	ctx := context.Background()
	_, err = c.OnEventProcessed(ctx, fileEvent("1.go"))
	require.NoError(t, err)
	last := fileEvent("2.go")
	_, err = c.OnEventProcessed(ctx, last)
	require.NoError(t, err)

	require.NoError(t, c.Close(ctx))
	reqs := sink.all()
	require.Len(t, reqs, 2)
	assert.Equal(t, last.ID, reqs[1].EventID)

	_, err = c.OnEventProcessed(ctx, fileEvent("3.go"))
	assert.ErrorIs(t, err, trigger.ErrClosed)
	assert.NoError(t, c.Close(ctx))
}

func TestDeliver_Retries(t *testing.T) {
	var calls int
	sink := trigger.SinkFunc(func(context.Context, trigger.Request) error {
		calls++
		if calls < 3 {
			return errors.New("broker unavailable")
		}
		return nil
	})
	c, err := trigger.NewCoordinator(
		[]trigger.Rule{{Agent: "a", EventTypes: []string{"x"}}},
		sink,
		trigger.WithRetry(hferrors.RetryConfig{MaxAttempts: 3, InitialBackoff: time.Millisecond, BackoffFactor: 1}),
	)
	require.NoError(t, err)

	n, err := c.OnEventProcessed(context.Background(), event.New("x", nil))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 3, calls)
}

func TestSubmitSink(t *testing.T) {
	var got event.Event
	sink := trigger.NewSubmitSink(func(_ context.Context, evt event.Event) error {
		got = evt
		return nil
	})
	c, err := trigger.NewCoordinator([]trigger.Rule{{
		Agent: "reviewer", EventTypes: []string{event.TypeGitCommit}, Priority: event.Low,
	}}, sink)
	require.NoError(t, err)

	src := event.New(event.TypeGitCommit, map[string]any{"sha": "abc"}, event.WithSessionID("s9"))
	_, err = c.OnEventProcessed(context.Background(), src)
	require.NoError(t, err)

	assert.Equal(t, event.TypeAgentTrigger, got.Type)
	assert.Equal(t, "reviewer", got.Payload["agent"])
	assert.Equal(t, src.ID, got.Context.CausationID)
	assert.Equal(t, src.Context.CorrelationID, got.Context.CorrelationID)
	assert.Equal(t, 1, got.Context.Depth)
	assert.Equal(t, "s9", got.SessionID)
	assert.Equal(t, event.Low, got.Priority)
	assert.Equal(t, "trigger", got.Context.Producer)
}

func TestMultiSink(t *testing.T) {
	a := &recordingSink{}
	failing := trigger.SinkFunc(func(context.Context, trigger.Request) error { return errors.New("down") })
	b := &recordingSink{}

	err := trigger.MultiSink{a, failing, b}.Deliver(context.Background(), trigger.Request{Agent: "x"})
	assert.ErrorContains(t, err, "sink 1: down")
	assert.Len(t, a.all(), 1)
	assert.Len(t, b.all(), 1)
}

func TestChannelSink(t *testing.T) {
	ch := make(chan trigger.Request, 1)
	require.NoError(t, trigger.ChannelSink(ch).Deliver(context.Background(), trigger.Request{Agent: "x"}))
	assert.Equal(t, "x", (<-ch).Agent)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	full := make(chan trigger.Request)
	assert.ErrorIs(t, trigger.ChannelSink(full).Deliver(ctx, trigger.Request{}), context.Canceled)
}

type fakeWriter struct {
	msgs   []kafka.Message
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func TestKafkaSink(t *testing.T) {
	w := &fakeWriter{}
	sink := trigger.NewKafkaSinkWithWriter(w)

	req := trigger.Request{ID: "r1", Agent: "reviewer", EventType: event.TypeGitCommit, Context: map[string]any{"sha": "abc"}}
	require.NoError(t, sink.Deliver(context.Background(), req))
	require.NoError(t, sink.Close())

	require.Len(t, w.msgs, 1)
	assert.Equal(t, "reviewer", string(w.msgs[0].Key))
	var decoded trigger.Request
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &decoded))
	assert.Equal(t, "r1", decoded.ID)
	assert.Equal(t, "abc", decoded.Context["sha"])
	assert.True(t, w.closed)

	_, err := trigger.NewKafkaSink(nil, "t")
	assert.Error(t, err)
}

type fakeToken struct {
	err error
}

func (t fakeToken) Wait() bool                     { return true }
func (t fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (t fakeToken) Error() error { return t.err }

type fakePublisher struct {
	topic   string
	qos     byte
	payload []byte
	err     error
}

func (p *fakePublisher) Publish(topic string, qos byte, _ bool, payload interface{}) mqtt.Token {
	p.topic = topic
	p.qos = qos
	p.payload = payload.([]byte)
	return fakeToken{err: p.err}
}

func TestMQTTSink(t *testing.T) {
	pub := &fakePublisher{}
	sink := trigger.NewMQTTSinkWithClient(trigger.MQTTConfig{}, pub)

	require.NoError(t, sink.Deliver(context.Background(), trigger.Request{ID: "r2", Agent: "linter"}))
	assert.Equal(t, "hookflow/triggers/linter", pub.topic)
	assert.Equal(t, byte(1), pub.qos)
	assert.Contains(t, string(pub.payload), `"id":"r2"`)

	pub.err = errors.New("not connected")
	assert.ErrorContains(t, sink.Deliver(context.Background(), trigger.Request{Agent: "linter"}), "not connected")
	assert.NoError(t, sink.Close())
}
