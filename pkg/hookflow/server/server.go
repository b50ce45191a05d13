// Package server exposes a pipeline over HTTP: event submission, status,
// dead letter management, session queries and a websocket stream of
// monitor snapshots.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/randalmurphal/hookflow/pkg/hookflow"
	"github.com/randalmurphal/hookflow/pkg/hookflow/dlq"
	"github.com/randalmurphal/hookflow/pkg/hookflow/event"
	"github.com/randalmurphal/hookflow/pkg/hookflow/monitor"
	"github.com/randalmurphal/hookflow/pkg/hookflow/store"
)

// DefaultStreamInterval is how often the stream endpoint pushes snapshots.
const DefaultStreamInterval = time.Second

// maxBody caps request bodies.
const maxBody = 4 << 20

// Server serves the control API for one pipeline.
type Server struct {
	pipeline *hookflow.Pipeline
	catalog  *event.Catalog
	logger   *slog.Logger
	interval time.Duration
	shutdown func()
	upgrader websocket.Upgrader
	mux      *http.ServeMux

	mu      sync.Mutex
	streams int
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the request logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithStreamInterval sets the snapshot push interval of /v1/stream.
func WithStreamInterval(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithShutdown sets the function called by POST /v1/shutdown. Without it
// the endpoint answers 501.
func WithShutdown(fn func()) Option {
	return func(s *Server) {
		s.shutdown = fn
	}
}

// WithCatalog sets the catalog used to pick a default priority for events
// submitted without one.
func WithCatalog(c *event.Catalog) Option {
	return func(s *Server) {
		if c != nil {
			s.catalog = c
		}
	}
}

// New creates a server for p.
func New(p *hookflow.Pipeline, opts ...Option) *Server {
	s := &Server{
		pipeline: p,
		catalog:  event.DefaultCatalog(),
		logger:   slog.New(slog.DiscardHandler),
		interval: DefaultStreamInterval,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     localOrigin,
		},
	}
	for _, opt := range opts {
		opt(s)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/events", s.handleSubmit)
	mux.HandleFunc("GET /v1/status", s.handleStatus)
	mux.HandleFunc("GET /v1/snapshot", s.handleSnapshot)
	mux.HandleFunc("GET /v1/stream", s.handleStream)
	mux.HandleFunc("GET /v1/dlq", s.handleDLQList)
	mux.HandleFunc("POST /v1/dlq/{id}/resolve", s.handleDLQResolve)
	mux.HandleFunc("POST /v1/dlq/{id}/requeue", s.handleDLQRequeue)
	mux.HandleFunc("GET /v1/sessions", s.handleSessions)
	mux.HandleFunc("GET /v1/sessions/{id}/events", s.handleSessionEvents)
	mux.HandleFunc("POST /v1/shutdown", s.handleShutdown)
	s.mux = mux
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Serve accepts connections on l until ctx ends, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	srv := &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(l)
	}()
	s.logger.Info("control server listening", "addr", l.Addr().String())

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown control server: %w", err)
	}
	return nil
}

// ListenAndServe listens on addr and serves until ctx ends.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	var lc net.ListenConfig
	l, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return s.Serve(ctx, l)
}

// EventRequest is the wire form of a submitted event. Priority is a tier
// name; when empty the catalog default for the type applies.
type EventRequest struct {
	ID        string            `json:"id,omitempty"`
	Type      string            `json:"type"`
	Priority  string            `json:"priority,omitempty"`
	Payload   map[string]any    `json:"payload,omitempty"`
	SessionID string            `json:"session_id,omitempty"`
	Timestamp time.Time         `json:"timestamp,omitzero"`
	Producer  string            `json:"producer,omitempty"`
	Labels    map[string]string `json:"labels,omitempty"`
}

// RequestFromEvent converts an event into its wire form.
func RequestFromEvent(e event.Event) EventRequest {
	return EventRequest{
		ID:        e.ID,
		Type:      e.Type,
		Priority:  e.Priority.String(),
		Payload:   e.Payload,
		SessionID: e.SessionID,
		Timestamp: e.Timestamp,
		Producer:  e.Context.Producer,
		Labels:    e.Context.Labels,
	}
}

func (r EventRequest) toEvent(catalog *event.Catalog) (event.Event, error) {
	prio := catalog.DefaultPriority(r.Type)
	if r.Priority != "" {
		p, err := event.ParsePriority(r.Priority)
		if err != nil {
			return event.Event{}, &event.ValidationError{Field: "priority", Message: err.Error()}
		}
		prio = p
	}
	opts := []event.Option{
		event.WithPriority(prio),
		event.WithSessionID(r.SessionID),
		event.WithProducer(r.Producer),
		event.WithLabels(r.Labels),
	}
	if r.ID != "" {
		opts = append(opts, event.WithEventID(r.ID))
	}
	if !r.Timestamp.IsZero() {
		opts = append(opts, event.WithTimestamp(r.Timestamp))
	}
	return event.New(r.Type, r.Payload, opts...), nil
}

// SubmitRequest is the body of POST /v1/events.
type SubmitRequest struct {
	Events []EventRequest `json:"events"`
}

// ItemResult is the outcome of one submitted event.
type ItemResult struct {
	hookflow.SubmitResult
	Error string `json:"error,omitempty"`
}

// SubmitResponse answers POST /v1/events in request order.
type SubmitResponse struct {
	Results []ItemResult `json:"results"`
}

// ErrorResponse is the body of every non-2xx answer.
type ErrorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody)).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	if len(req.Events) == 0 {
		s.writeError(w, http.StatusBadRequest, errors.New("no events"))
		return
	}

	resp := SubmitResponse{Results: make([]ItemResult, len(req.Events))}
	status := http.StatusAccepted
	for i, er := range req.Events {
		evt, err := er.toEvent(s.catalog)
		if err == nil {
			resp.Results[i].SubmitResult, err = s.pipeline.Submit(r.Context(), evt)
		}
		if err != nil {
			resp.Results[i].EventID = evt.ID
			resp.Results[i].Error = err.Error()
			if status == http.StatusAccepted {
				status = statusFor(err)
			}
		}
	}
	s.writeJSON(w, status, resp)
}

// statusFor maps a submission error to an HTTP status.
func statusFor(err error) int {
	var verr *event.ValidationError
	var overflow *event.QueueOverflowError
	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest
	case errors.As(err, &overflow):
		return http.StatusTooManyRequests
	case errors.Is(err, event.ErrDuplicateID):
		return http.StatusConflict
	case errors.Is(err, hookflow.ErrStopped):
		return http.StatusServiceUnavailable
	case errors.Is(err, dlq.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.pipeline.Status(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleSnapshot(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.pipeline.Snapshot())
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	s.mu.Lock()
	s.streams++
	s.mu.Unlock()
	s.logger.Debug("stream client connected", "remote", r.RemoteAddr)

	ctx, cancel := context.WithCancel(r.Context())
	defer func() {
		cancel()
		_ = conn.Close()
		s.mu.Lock()
		s.streams--
		s.mu.Unlock()
		s.logger.Debug("stream client disconnected", "remote", r.RemoteAddr)
	}()

	// The read loop notices client closes.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	send := func(snap monitor.Snapshot) {
		_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(snap); err != nil {
			s.logger.Debug("stream write failed", "error", err)
			cancel()
		}
	}
	send(s.pipeline.Snapshot())
	s.pipeline.Monitor().Run(ctx, s.interval, send)
}

// Streams returns the number of connected stream clients.
func (s *Server) Streams() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streams
}

func (s *Server) handleDLQList(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	entries, err := s.pipeline.DeadLetters(r.Context(), f)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if entries == nil {
		entries = []*dlq.Entry{}
	}
	s.writeJSON(w, http.StatusOK, entries)
}

// parseFilter reads since (RFC 3339), type (repeatable), handler,
// classification (repeatable) and limit from the query string.
func parseFilter(r *http.Request) (dlq.Filter, error) {
	q := r.URL.Query()
	f := dlq.Filter{
		Types:   q["type"],
		Handler: q.Get("handler"),
	}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, fmt.Errorf("since: %w", err)
		}
		f.Since = t
	}
	for _, c := range q["classification"] {
		cl := dlq.Classification(strings.ToLower(c))
		if !cl.Valid() {
			return f, fmt.Errorf("classification: unknown value %q", c)
		}
		f.Classifications = append(f.Classifications, cl)
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return f, fmt.Errorf("limit: must be a non-negative integer")
		}
		f.Limit = n
	}
	return f, nil
}

func (s *Server) handleDLQResolve(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.pipeline.ResolveDLQ(r.Context(), id); err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	s.logger.Info("dead letter resolved", "id", id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDLQRequeue(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	e, err := s.pipeline.RequeueDLQ(r.Context(), id)
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	s.logger.Info("dead letter requeued", "id", id)
	s.writeJSON(w, http.StatusOK, e)
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.pipeline.Sessions(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if sessions == nil {
		sessions = []store.SessionInfo{}
	}
	s.writeJSON(w, http.StatusOK, sessions)
}

// handleSessionEvents accepts type (repeatable), start and end (RFC 3339)
// and limit.
func (s *Server) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := store.Query{
		SessionID:  r.PathValue("id"),
		EventTypes: q["type"],
	}
	for key, dst := range map[string]*time.Time{"start": &query.Start, "end": &query.End} {
		if v := q.Get(key); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				s.writeError(w, http.StatusBadRequest, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = t
		}
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeError(w, http.StatusBadRequest, errors.New("limit: must be a non-negative integer"))
			return
		}
		query.Limit = n
	}

	records, err := s.pipeline.QuerySession(r.Context(), query)
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleShutdown(w http.ResponseWriter, _ *http.Request) {
	if s.shutdown == nil {
		s.writeError(w, http.StatusNotImplemented, errors.New("shutdown not supported"))
		return
	}
	s.logger.Info("shutdown requested")
	w.WriteHeader(http.StatusAccepted)
	go s.shutdown()
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("write response failed", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "status", status, "error", err)
	}
	s.writeJSON(w, status, ErrorResponse{Error: err.Error()})
}

// localOrigin admits requests without an Origin header and browser pages
// served from the same host.
func localOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	host := r.Host
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return strings.Contains(origin, "://"+host)
}
