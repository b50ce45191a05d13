package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/randalmurphal/hookflow/pkg/hookflow"
	"github.com/randalmurphal/hookflow/pkg/hookflow/dlq"
	"github.com/randalmurphal/hookflow/pkg/hookflow/event"
	"github.com/randalmurphal/hookflow/pkg/hookflow/monitor"
	"github.com/randalmurphal/hookflow/pkg/hookflow/store"
)

// APIError is a non-2xx answer from the server.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

// Client talks to a running server.
type Client struct {
	base string
	http *http.Client
}

// NewClient creates a client for addr, either "host:port" or a full URL.
func NewClient(addr string) *Client {
	base := addr
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return &Client{
		base: strings.TrimRight(base, "/"),
		http: &http.Client{Timeout: 10 * time.Second},
	}
}

// Emit submits events and returns one result per event. A non-nil error
// carries the first failure; the results are still filled in.
func (c *Client) Emit(ctx context.Context, events ...event.Event) ([]ItemResult, error) {
	reqs := make([]EventRequest, len(events))
	for i, e := range events {
		reqs[i] = RequestFromEvent(e)
	}
	return c.EmitRequests(ctx, reqs...)
}

// EmitRequests submits events in wire form, leaving the ID, timestamp and
// priority to the server when they are unset.
func (c *Client) EmitRequests(ctx context.Context, reqs ...EventRequest) ([]ItemResult, error) {
	var resp SubmitResponse
	err := c.do(ctx, http.MethodPost, "/v1/events", SubmitRequest{Events: reqs}, &resp)
	return resp.Results, err
}

// Status fetches the pipeline status.
func (c *Client) Status(ctx context.Context) (hookflow.Status, error) {
	var st hookflow.Status
	err := c.do(ctx, http.MethodGet, "/v1/status", nil, &st)
	return st, err
}

// Snapshot fetches the monitor snapshot.
func (c *Client) Snapshot(ctx context.Context) (monitor.Snapshot, error) {
	var snap monitor.Snapshot
	err := c.do(ctx, http.MethodGet, "/v1/snapshot", nil, &snap)
	return snap, err
}

// DeadLetters lists dead letters matching f. DueAt is not sent.
func (c *Client) DeadLetters(ctx context.Context, f dlq.Filter) ([]*dlq.Entry, error) {
	q := url.Values{}
	if !f.Since.IsZero() {
		q.Set("since", f.Since.Format(time.RFC3339))
	}
	for _, t := range f.Types {
		q.Add("type", t)
	}
	if f.Handler != "" {
		q.Set("handler", f.Handler)
	}
	for _, cl := range f.Classifications {
		q.Add("classification", string(cl))
	}
	if f.Limit > 0 {
		q.Set("limit", strconv.Itoa(f.Limit))
	}
	var entries []*dlq.Entry
	err := c.do(ctx, http.MethodGet, withQuery("/v1/dlq", q), nil, &entries)
	return entries, err
}

// Resolve removes a dead letter.
func (c *Client) Resolve(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/v1/dlq/"+url.PathEscape(id)+"/resolve", nil, nil)
}

// Requeue restarts a dead letter's retry schedule.
func (c *Client) Requeue(ctx context.Context, id string) (*dlq.Entry, error) {
	var e dlq.Entry
	if err := c.do(ctx, http.MethodPost, "/v1/dlq/"+url.PathEscape(id)+"/requeue", nil, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// Sessions lists the sessions with processed events.
func (c *Client) Sessions(ctx context.Context) ([]store.SessionInfo, error) {
	var out []store.SessionInfo
	err := c.do(ctx, http.MethodGet, "/v1/sessions", nil, &out)
	return out, err
}

// QuerySession fetches a session's processed events.
func (c *Client) QuerySession(ctx context.Context, q store.Query) ([]store.Record, error) {
	v := url.Values{}
	for _, t := range q.EventTypes {
		v.Add("type", t)
	}
	if !q.Start.IsZero() {
		v.Set("start", q.Start.Format(time.RFC3339))
	}
	if !q.End.IsZero() {
		v.Set("end", q.End.Format(time.RFC3339))
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	session := q.SessionID
	if session == "" {
		session = store.DefaultSession
	}
	var out []store.Record
	err := c.do(ctx, http.MethodGet, withQuery("/v1/sessions/"+url.PathEscape(session)+"/events", v), nil, &out)
	return out, err
}

// Shutdown asks the server process to stop.
func (c *Client) Shutdown(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/v1/shutdown", nil, nil)
}

// Stream connects to the snapshot stream and calls fn for every snapshot
// until ctx ends or the connection fails.
func (c *Client) Stream(ctx context.Context, fn func(monitor.Snapshot)) error {
	u := strings.Replace(c.base, "http", "ws", 1) + "/v1/stream"
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u, nil)
	if err != nil {
		return fmt.Errorf("dial stream: %w", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	for {
		var snap monitor.Snapshot
		if err := conn.ReadJSON(&snap); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read stream: %w", err)
		}
		fn(snap)
	}
}

// firstItemError extracts the first per-event error of a submit answer, or
// returns the raw body.
func firstItemError(data []byte) string {
	var sr SubmitResponse
	if json.Unmarshal(data, &sr) == nil {
		for _, r := range sr.Results {
			if r.Error != "" {
				return r.Error
			}
		}
	}
	return strings.TrimSpace(string(data))
}

func withQuery(path string, q url.Values) string {
	if len(q) == 0 {
		return path
	}
	return path + "?" + q.Encode()
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, r)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	var apiErr *APIError
	if resp.StatusCode >= 300 {
		var er ErrorResponse
		if json.Unmarshal(data, &er) != nil || er.Error == "" {
			er.Error = firstItemError(data)
		}
		apiErr = &APIError{Status: resp.StatusCode, Message: er.Error}
	}
	if out != nil && len(data) > 0 {
		// Submit answers carry per-event results even on failure.
		if err := json.Unmarshal(data, out); err != nil && apiErr == nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	if apiErr != nil {
		return apiErr
	}
	return nil
}
