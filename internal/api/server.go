// ABOUTME: HTTP server for inbound customer events and the operator queue API
// ABOUTME: Routes, middleware (rate limit, metrics) and JSON error mapping live here

package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/2389/coven-concierge/internal/engine"
	"github.com/2389/coven-concierge/internal/metrics"
	"github.com/2389/coven-concierge/internal/notify"
	"github.com/2389/coven-concierge/internal/retry"
	"github.com/2389/coven-concierge/internal/store"
)

// Engine is the conversation pipeline the API drives.
type Engine interface {
	Apply(ctx context.Context, ev engine.InboundEvent) (*engine.Result, error)
	ResetSession(ctx context.Context, workspaceID, customerID, actor string) (*engine.Result, error)
}

// Queue is the operator side of the human handoff queue.
type Queue interface {
	Get(ctx context.Context, workspaceID, entryID string) (*store.QueueEntry, error)
	List(ctx context.Context, f store.QueueFilter) ([]*store.QueueEntry, error)
	Claim(ctx context.Context, workspaceID, entryID, operatorID string) (*store.QueueEntry, error)
	Renew(ctx context.Context, workspaceID, entryID, operatorID string) (*store.QueueEntry, error)
	Release(ctx context.Context, workspaceID, entryID, operatorID string) (*store.QueueEntry, error)
	Resolve(ctx context.Context, workspaceID, entryID, operatorID string) (*store.QueueEntry, error)
	Cancel(ctx context.Context, workspaceID, entryID, actor string) (*store.QueueEntry, error)
	Reply(ctx context.Context, workspaceID, entryID, operatorID, text string) (*store.Interaction, error)
}

// Reader is the read-only part of the store exposed to operators.
type Reader interface {
	GetCustomer(ctx context.Context, workspaceID, customerID string) (*store.Customer, error)
	GetState(ctx context.Context, workspaceID, customerID string) (*store.ConversationState, error)
	ListInteractions(ctx context.Context, workspaceID, customerID string, limit int) ([]*store.Interaction, error)
	ListAuditLog(ctx context.Context, f store.AuditFilter) ([]store.AuditEntry, error)
}

// Subscriber streams notifier events for one workspace.
type Subscriber interface {
	Subscribe(ctx context.Context, workspaceID string) (<-chan *notify.Event, string)
}

// Deps are the collaborators of a Server. Engine, Queue and Reader are required.
type Deps struct {
	Engine     Engine
	Queue      Queue
	Reader     Reader
	Events     Subscriber // nil disables the stream endpoint
	Metrics    *metrics.Collector
	Workspaces []string
	RateLimits map[string]RateLimit
	Logger     *slog.Logger
}

// Server serves the concierge HTTP API.
type Server struct {
	engine     Engine
	queue      Queue
	reader     Reader
	events     Subscriber
	metrics    *metrics.Collector
	workspaces map[string]bool
	limiters   *limiters
	logger     *slog.Logger
}

// New creates a Server.
func New(d Deps) *Server {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ws := make(map[string]bool, len(d.Workspaces))
	for _, id := range d.Workspaces {
		ws[id] = true
	}
	return &Server{
		engine:     d.Engine,
		queue:      d.Queue,
		reader:     d.Reader,
		events:     d.Events,
		metrics:    d.Metrics,
		workspaces: ws,
		limiters:   newLimiters(d.RateLimits),
		logger:     logger.With("component", "api"),
	}
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	if s.metrics != nil {
		mux.Handle("GET "+s.metrics.Path(), s.metrics.Handler())
	}

	const prefix = "/api/v1/workspaces/{ws}"
	mux.HandleFunc("POST "+prefix+"/events", s.workspace(s.limited(s.handleEvent)))
	mux.HandleFunc("GET "+prefix+"/queue", s.workspace(s.handleListQueue))
	mux.HandleFunc("GET "+prefix+"/queue/{id}", s.workspace(s.handleGetQueueEntry))
	mux.HandleFunc("POST "+prefix+"/queue/{id}/{action}", s.workspace(s.handleQueueAction))
	mux.HandleFunc("GET "+prefix+"/customers/{cid}/state", s.workspace(s.handleGetState))
	mux.HandleFunc("POST "+prefix+"/customers/{cid}/reset", s.workspace(s.handleResetSession))
	mux.HandleFunc("GET "+prefix+"/customers/{cid}/interactions", s.workspace(s.handleListInteractions))
	mux.HandleFunc("GET "+prefix+"/audit", s.workspace(s.handleListAudit))
	if s.events != nil {
		mux.HandleFunc("GET "+prefix+"/stream", s.workspace(s.handleStream))
	}

	return s.instrument(mux)
}

// workspace rejects requests for workspaces that have no flow configured.
func (s *Server) workspace(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.workspaces[r.PathValue("ws")] {
			sendJSONError(w, http.StatusNotFound, "unknown workspace")
			return
		}
		next(w, r)
	}
}

// limited applies the workspace's inbound rate limit.
func (s *Server) limited(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.limiters.allow(r.PathValue("ws")) {
			w.Header().Set("Retry-After", "1")
			sendJSONError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next(w, r)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Flush keeps streaming working through the recorder.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		s.metrics.RecordHTTPRequest(r.Method, route, rec.status, time.Since(start))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// sendJSONError writes a JSON error response.
func sendJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	var exhausted *retry.ExhaustedError
	switch {
	case errors.As(err, &exhausted), errors.Is(err, store.ErrTransient):
		return http.StatusServiceUnavailable
	case errors.Is(err, engine.ErrInvalidEvent):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrNotHolder):
		return http.StatusForbidden
	case errors.Is(err, store.ErrConflict),
		errors.Is(err, store.ErrCapacityExceeded),
		errors.Is(err, store.ErrLockExpired),
		errors.Is(err, store.ErrLockNotExpired),
		errors.Is(err, store.ErrInvalidTransition),
		errors.Is(err, store.ErrActiveEntryExists):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// sendError maps err to a status and writes it. Internal failures are
// logged and reported without detail.
func (s *Server) sendError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		if status == http.StatusServiceUnavailable {
			w.Header().Set("Retry-After", "1")
			sendJSONError(w, status, "temporarily unavailable")
			return
		}
		sendJSONError(w, status, "internal server error")
		return
	}
	sendJSONError(w, status, err.Error())
}
