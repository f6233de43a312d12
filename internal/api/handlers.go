// ABOUTME: Request handlers for events, queue operations, customer state and audit
// ABOUTME: JSON request and response shapes for the concierge HTTP API

package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/2389/coven-concierge/internal/engine"
	"github.com/2389/coven-concierge/internal/flow"
	"github.com/2389/coven-concierge/internal/store"
)

const maxBodyBytes = 1 << 20

// EventRequest is the JSON body for POST /api/v1/workspaces/{ws}/events.
type EventRequest struct {
	CustomerID  string         `json:"customer_id"`
	EventID     string         `json:"event_id,omitempty"`
	Intent      string         `json:"intent"`
	Text        string         `json:"text,omitempty"`
	Payload     map[string]any `json:"payload,omitempty"`
	Confidence  float64        `json:"confidence,omitempty"`
	Channel     string         `json:"channel,omitempty"`
	DisplayName string         `json:"display_name,omitempty"`
	Timestamp   *time.Time     `json:"timestamp,omitempty"`
}

// EscalationResponse describes why a customer was queued for a human.
type EscalationResponse struct {
	Reason   string  `json:"reason"`
	Priority string  `json:"priority"`
	Score    float64 `json:"score,omitempty"`
}

// EventResponse is the JSON result of applying an event.
type EventResponse struct {
	WorkspaceID   string              `json:"workspace_id"`
	CustomerID    string              `json:"customer_id"`
	SessionID     string              `json:"session_id,omitempty"`
	PreviousState string              `json:"previous_state,omitempty"`
	State         string              `json:"state"`
	Route         string              `json:"route,omitempty"`
	Context       map[string]any      `json:"context,omitempty"`
	Version       int64               `json:"version"`
	Replies       []string            `json:"replies,omitempty"`
	Replayed      bool                `json:"replayed,omitempty"`
	Escalation    *EscalationResponse `json:"escalation,omitempty"`
	QueueEntryID  string              `json:"queue_entry_id,omitempty"`
}

// ConfigurationErrorResponse is returned with status 500 when a flow is
// misconfigured; the customer has already been handed to the queue.
type ConfigurationErrorResponse struct {
	Error  string         `json:"error"`
	Result *EventResponse `json:"result,omitempty"`
}

// QueueEntryResponse is the JSON form of a queue entry.
type QueueEntryResponse struct {
	ID            string         `json:"id"`
	WorkspaceID   string         `json:"workspace_id"`
	CustomerID    string         `json:"customer_id"`
	Status        string         `json:"status"`
	Priority      string         `json:"priority"`
	Reason        string         `json:"reason"`
	OperatorID    string         `json:"operator_id,omitempty"`
	LockExpiresAt *time.Time     `json:"lock_expires_at,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
	ResolvedAt    *time.Time     `json:"resolved_at,omitempty"`
}

// QueueActionRequest is the JSON body for queue operations.
type QueueActionRequest struct {
	OperatorID string `json:"operator_id"`
	Text       string `json:"text,omitempty"` // reply only
}

// StateResponse is the JSON form of a customer's conversation state.
type StateResponse struct {
	WorkspaceID   string         `json:"workspace_id"`
	CustomerID    string         `json:"customer_id"`
	DisplayName   string         `json:"display_name,omitempty"`
	SessionID     string         `json:"session_id"`
	State         string         `json:"state"`
	Context       map[string]any `json:"context"`
	Version       int64          `json:"version"`
	Turns         int            `json:"turns"`
	LastInboundAt time.Time      `json:"last_inbound_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// InteractionResponse is the JSON form of an interaction log record.
type InteractionResponse struct {
	ID         string         `json:"id"`
	EventID    string         `json:"event_id,omitempty"`
	Direction  string         `json:"direction"`
	Channel    string         `json:"channel,omitempty"`
	Intent     string         `json:"intent,omitempty"`
	Content    map[string]any `json:"content,omitempty"`
	State      string         `json:"state"`
	OperatorID string         `json:"operator_id,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// AuditEntryResponse is the JSON form of an audit row.
type AuditEntryResponse struct {
	ID         string         `json:"id"`
	Actor      string         `json:"actor"`
	Action     string         `json:"action"`
	TargetType string         `json:"target_type"`
	TargetID   string         `json:"target_id"`
	Timestamp  time.Time      `json:"timestamp"`
	Detail     map[string]any `json:"detail,omitempty"`
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return errors.New("invalid JSON body")
	}
	return nil
}

// parseLimit reads ?limit=N; zero means the store default.
func parseLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, errors.New("limit must be a positive integer")
	}
	return n, nil
}

// handleEvent handles POST /api/v1/workspaces/{ws}/events.
func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	var req EventRequest
	if err := decodeBody(r, &req); err != nil {
		sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.CustomerID == "" {
		sendJSONError(w, http.StatusBadRequest, "customer_id is required")
		return
	}

	ev := engine.InboundEvent{
		WorkspaceID: r.PathValue("ws"),
		CustomerID:  req.CustomerID,
		EventID:     req.EventID,
		Intent:      req.Intent,
		Text:        req.Text,
		Payload:     req.Payload,
		Confidence:  req.Confidence,
		Channel:     req.Channel,
		DisplayName: req.DisplayName,
	}
	if req.Timestamp != nil {
		ev.Timestamp = *req.Timestamp
	}

	res, err := s.engine.Apply(r.Context(), ev)
	var cfgErr *flow.ConfigurationError
	switch {
	case err != nil && errors.As(err, &cfgErr):
		s.logger.Error("flow configuration error", "workspace_id", ev.WorkspaceID, "customer_id", ev.CustomerID, "error", err)
		writeJSON(w, http.StatusInternalServerError, ConfigurationErrorResponse{
			Error:  cfgErr.Error(),
			Result: toEventResponse(res),
		})
		return
	case err != nil:
		s.sendError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toEventResponse(res))
}

func toEventResponse(res *engine.Result) *EventResponse {
	if res == nil {
		return nil
	}
	out := &EventResponse{
		WorkspaceID:   res.WorkspaceID,
		CustomerID:    res.CustomerID,
		SessionID:     res.SessionID,
		PreviousState: res.PreviousState,
		State:         res.State,
		Route:         string(res.Route),
		Context:       res.Context,
		Version:       res.Version,
		Replies:       res.Replies,
		Replayed:      res.Replayed,
		QueueEntryID:  res.QueueEntryID,
	}
	if res.Escalation != nil {
		out.Escalation = &EscalationResponse{
			Reason:   string(res.Escalation.Reason),
			Priority: res.Escalation.Priority.String(),
			Score:    res.Escalation.Score,
		}
	}
	return out
}

func toQueueEntryResponse(e *store.QueueEntry) QueueEntryResponse {
	return QueueEntryResponse{
		ID:            e.ID,
		WorkspaceID:   e.WorkspaceID,
		CustomerID:    e.CustomerID,
		Status:        string(e.Status),
		Priority:      e.Priority.String(),
		Reason:        e.Reason,
		OperatorID:    e.OperatorID,
		LockExpiresAt: e.LockExpiresAt,
		Metadata:      e.Metadata,
		CreatedAt:     e.CreatedAt,
		UpdatedAt:     e.UpdatedAt,
		ResolvedAt:    e.ResolvedAt,
	}
}

// handleListQueue handles GET /api/v1/workspaces/{ws}/queue.
// ?status=waiting,locked selects statuses; the default is waiting only.
func (s *Server) handleListQueue(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	f := store.QueueFilter{WorkspaceID: r.PathValue("ws"), Limit: limit}
	if raw := r.URL.Query().Get("status"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			st := store.QueueStatus(strings.TrimSpace(part))
			switch st {
			case store.QueueWaiting, store.QueueLocked, store.QueueDone, store.QueueCancelled:
				f.Statuses = append(f.Statuses, st)
			default:
				sendJSONError(w, http.StatusBadRequest, fmt.Sprintf("unknown status %q", part))
				return
			}
		}
	}

	entries, err := s.queue.List(r.Context(), f)
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	out := make([]QueueEntryResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, toQueueEntryResponse(e))
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": out})
}

// handleGetQueueEntry handles GET /api/v1/workspaces/{ws}/queue/{id}.
func (s *Server) handleGetQueueEntry(w http.ResponseWriter, r *http.Request) {
	e, err := s.queue.Get(r.Context(), r.PathValue("ws"), r.PathValue("id"))
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toQueueEntryResponse(e))
}

// handleQueueAction handles POST /api/v1/workspaces/{ws}/queue/{id}/{action}.
func (s *Server) handleQueueAction(w http.ResponseWriter, r *http.Request) {
	var req QueueActionRequest
	if err := decodeBody(r, &req); err != nil {
		sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.OperatorID == "" {
		sendJSONError(w, http.StatusBadRequest, "operator_id is required")
		return
	}

	ctx := r.Context()
	ws, id := r.PathValue("ws"), r.PathValue("id")

	var (
		entry *store.QueueEntry
		err   error
	)
	switch r.PathValue("action") {
	case "claim":
		entry, err = s.queue.Claim(ctx, ws, id, req.OperatorID)
	case "renew":
		entry, err = s.queue.Renew(ctx, ws, id, req.OperatorID)
	case "release":
		entry, err = s.queue.Release(ctx, ws, id, req.OperatorID)
	case "resolve":
		entry, err = s.queue.Resolve(ctx, ws, id, req.OperatorID)
	case "cancel":
		entry, err = s.queue.Cancel(ctx, ws, id, req.OperatorID)
	case "reply":
		s.handleReply(w, r, ws, id, req)
		return
	default:
		sendJSONError(w, http.StatusNotFound, "unknown queue action")
		return
	}
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toQueueEntryResponse(entry))
}

func (s *Server) handleReply(w http.ResponseWriter, r *http.Request, ws, id string, req QueueActionRequest) {
	if strings.TrimSpace(req.Text) == "" {
		sendJSONError(w, http.StatusBadRequest, "text is required")
		return
	}
	i, err := s.queue.Reply(r.Context(), ws, id, req.OperatorID, req.Text)
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toInteractionResponse(i))
}

// handleGetState handles GET /api/v1/workspaces/{ws}/customers/{cid}/state.
func (s *Server) handleGetState(w http.ResponseWriter, r *http.Request) {
	ws, cid := r.PathValue("ws"), r.PathValue("cid")
	st, err := s.reader.GetState(r.Context(), ws, cid)
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	var displayName string
	c, err := s.reader.GetCustomer(r.Context(), ws, cid)
	switch {
	case err == nil:
		displayName = c.DisplayName
	case !errors.Is(err, store.ErrNotFound):
		s.sendError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, StateResponse{
		WorkspaceID:   st.WorkspaceID,
		CustomerID:    st.CustomerID,
		DisplayName:   displayName,
		SessionID:     st.SessionID,
		State:         st.State,
		Context:       st.Context,
		Version:       st.Version,
		Turns:         st.Turns,
		LastInboundAt: st.LastInboundAt,
		UpdatedAt:     st.UpdatedAt,
	})
}

// handleResetSession handles POST /api/v1/workspaces/{ws}/customers/{cid}/reset.
func (s *Server) handleResetSession(w http.ResponseWriter, r *http.Request) {
	var req QueueActionRequest
	if err := decodeBody(r, &req); err != nil {
		sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.OperatorID == "" {
		sendJSONError(w, http.StatusBadRequest, "operator_id is required")
		return
	}
	res, err := s.engine.ResetSession(r.Context(), r.PathValue("ws"), r.PathValue("cid"), req.OperatorID)
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toEventResponse(res))
}

func toInteractionResponse(i *store.Interaction) InteractionResponse {
	return InteractionResponse{
		ID:         i.ID,
		EventID:    i.EventID,
		Direction:  string(i.Direction),
		Channel:    i.Channel,
		Intent:     i.Intent,
		Content:    i.Content,
		State:      i.State,
		OperatorID: i.OperatorID,
		CreatedAt:  i.CreatedAt,
	}
}

// handleListInteractions handles GET /api/v1/workspaces/{ws}/customers/{cid}/interactions.
func (s *Server) handleListInteractions(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	items, err := s.reader.ListInteractions(r.Context(), r.PathValue("ws"), r.PathValue("cid"), limit)
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	out := make([]InteractionResponse, 0, len(items))
	for _, i := range items {
		out = append(out, toInteractionResponse(i))
	}
	writeJSON(w, http.StatusOK, map[string]any{"interactions": out})
}

// handleListAudit handles GET /api/v1/workspaces/{ws}/audit.
// Supports since, until (RFC 3339), actor, action, target_type, target_id and limit.
func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := parseLimit(r)
	if err != nil {
		sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	f := store.AuditFilter{WorkspaceID: r.PathValue("ws"), Limit: limit}

	for _, p := range []struct {
		name string
		dst  **time.Time
	}{{"since", &f.Since}, {"until", &f.Until}} {
		raw := q.Get(p.name)
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			sendJSONError(w, http.StatusBadRequest, p.name+" must be an RFC 3339 timestamp")
			return
		}
		*p.dst = &t
	}
	if v := q.Get("actor"); v != "" {
		f.Actor = &v
	}
	if v := q.Get("action"); v != "" {
		a := store.AuditAction(v)
		f.Action = &a
	}
	if v := q.Get("target_type"); v != "" {
		f.TargetType = &v
	}
	if v := q.Get("target_id"); v != "" {
		f.TargetID = &v
	}

	entries, err := s.reader.ListAuditLog(r.Context(), f)
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	out := make([]AuditEntryResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, AuditEntryResponse{
			ID:         e.ID,
			Actor:      e.Actor,
			Action:     string(e.Action),
			TargetType: e.TargetType,
			TargetID:   e.TargetID,
			Timestamp:  e.Timestamp,
			Detail:     e.Detail,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": out})
}
