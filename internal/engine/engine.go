// ABOUTME: Conversation state machine applying inbound events against workspace flow tables
// ABOUTME: Serializes per customer, commits state and interactions atomically, and escalates to the queue

package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/2389/coven-concierge/internal/dedupe"
	"github.com/2389/coven-concierge/internal/escalation"
	"github.com/2389/coven-concierge/internal/flow"
	"github.com/2389/coven-concierge/internal/lock"
	"github.com/2389/coven-concierge/internal/metrics"
	"github.com/2389/coven-concierge/internal/notify"
	"github.com/2389/coven-concierge/internal/queue"
	"github.com/2389/coven-concierge/internal/retry"
	"github.com/2389/coven-concierge/internal/store"
	"github.com/2389/coven-concierge/internal/tracing"
)

// ContextEscalationReasons is the context key holding every escalation
// reason recorded for the session.
const ContextEscalationReasons = "escalation_reasons"

// ErrInvalidEvent is returned for events missing a workspace or customer.
var ErrInvalidEvent = errors.New("invalid inbound event")

// StateStore defines what the engine needs from storage.
type StateStore interface {
	GetState(ctx context.Context, workspaceID, customerID string) (*store.ConversationState, error)
	CommitTransition(ctx context.Context, c *store.TransitionCommit) error
	GetInteractionByEventID(ctx context.Context, workspaceID, customerID, eventID string) (*store.Interaction, error)
}

// FlowSource resolves a workspace's transition table.
type FlowSource interface {
	Get(workspaceID string) (*flow.Table, error)
}

// Enqueuer is the part of the human queue the engine drives.
type Enqueuer interface {
	Enqueue(ctx context.Context, req queue.EnqueueRequest) (*store.QueueEntry, error)
	Active(ctx context.Context, workspaceID, customerID string) (*store.QueueEntry, error)
}

// InboundEvent is one message from a customer with its intent already
// resolved by an upstream classifier.
type InboundEvent struct {
	WorkspaceID string
	CustomerID  string
	EventID     string // upstream message id; enables idempotent redelivery
	Intent      string
	Text        string
	Payload     map[string]any
	Confidence  float64
	Channel     string
	DisplayName string
	Timestamp   time.Time
}

// Result describes what Apply did.
type Result struct {
	WorkspaceID   string
	CustomerID    string
	SessionID     string
	PreviousState string
	State         string
	Route         flow.Route
	Context       map[string]any
	Version       int64
	Replies       []string
	Escalation    *escalation.Decision // nil when the customer was not escalated
	QueueEntryID  string
	Replayed      bool
}

// Deps are the collaborators of an Engine. Store, Flows, Queue and Locker
// are required.
type Deps struct {
	Store    StateStore
	Flows    FlowSource
	Queue    Enqueuer
	Locker   lock.Locker
	Notifier notify.Notifier
	Metrics  *metrics.Collector
	Dedupe   *dedupe.Cache
	Retry    retry.Config
	Logger   *slog.Logger
}

// Engine evaluates inbound events for every workspace.
type Engine struct {
	store    StateStore
	flows    FlowSource
	queue    Enqueuer
	locker   lock.Locker
	notifier notify.Notifier
	metrics  *metrics.Collector
	dedupe   *dedupe.Cache
	retry    retry.Config
	logger   *slog.Logger
	tracer   trace.Tracer
	now      func() time.Time

	mu       sync.RWMutex
	policies map[string]escalation.Policy
}

// New creates an engine.
func New(d Deps) *Engine {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	notifier := d.Notifier
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Engine{
		store:    d.Store,
		flows:    d.Flows,
		queue:    d.Queue,
		locker:   d.Locker,
		notifier: notifier,
		metrics:  d.Metrics,
		dedupe:   d.Dedupe,
		retry:    d.Retry,
		logger:   logger.With("component", "engine"),
		tracer:   tracing.Tracer(),
		now:      func() time.Time { return time.Now().UTC() },
		policies: make(map[string]escalation.Policy),
	}
}

// SetPolicy installs the escalation policy for a workspace. Workspaces
// without one only escalate on explicit request.
func (e *Engine) SetPolicy(workspaceID string, p escalation.Policy) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.policies[workspaceID] = p
}

func (e *Engine) policy(workspaceID string) escalation.Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.policies[workspaceID]
}

// SetClock replaces the time source. Used in tests.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// Apply processes one inbound event. Events for the same customer are
// serialized; a redelivered event id returns a replay of the current state
// without applying anything.
//
// A *flow.ConfigurationError is returned (wrapped) together with a non-nil
// Result when the exchange was recorded and routed to the human queue.
func (e *Engine) Apply(ctx context.Context, ev InboundEvent) (*Result, error) {
	if ev.WorkspaceID == "" || ev.CustomerID == "" {
		return nil, fmt.Errorf("%w: workspace and customer are required", ErrInvalidEvent)
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = e.now()
	}
	started := time.Now()

	ctx, span := e.tracer.Start(ctx, "engine.apply", trace.WithAttributes(
		attribute.String("workspace_id", ev.WorkspaceID),
		attribute.String("customer_id", ev.CustomerID),
		attribute.String("intent", ev.Intent),
	))
	defer span.End()

	res, err := e.apply(ctx, ev)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return res, err
	}
	span.SetAttributes(
		attribute.String("state", res.State),
		attribute.String("route", string(res.Route)),
		attribute.Bool("replayed", res.Replayed),
	)
	if !res.Replayed {
		e.metrics.RecordTransition(ev.WorkspaceID, string(res.Route), time.Since(started))
	}
	return res, nil
}

func (e *Engine) apply(ctx context.Context, ev InboundEvent) (*Result, error) {
	key := dedupe.EventKey(ev.WorkspaceID, ev.CustomerID, ev.EventID)
	if ev.EventID != "" && e.dedupe != nil && e.dedupe.Check(key) {
		return e.replay(ctx, ev)
	}

	release, err := e.locker.Acquire(ctx, lock.Key(ev.WorkspaceID, ev.CustomerID))
	if err != nil {
		return nil, e.degrade(ctx, ev, fmt.Errorf("locking customer: %w", err))
	}
	defer release()

	table, err := e.flows.Get(ev.WorkspaceID)
	if err != nil {
		return e.configurationFailure(ctx, nil, ev, err)
	}

	var (
		res *Result
		esc *escalation.Decision
	)
	err = retry.Do(ctx, e.retry, retry.On(store.ErrConflict, store.ErrTransient), func(attempt int) error {
		if attempt > 1 {
			e.metrics.RecordCommitRetry(ev.WorkspaceID)
			e.logger.Debug("retrying commit", "customer_id", ev.CustomerID, "attempt", attempt)
		}
		var err error
		res, esc, err = e.applyOnce(ctx, table, ev)
		return err
	})

	var cfgErr *flow.ConfigurationError
	switch {
	case errors.Is(err, store.ErrDuplicateEvent):
		e.markSeen(key, ev)
		return e.replay(ctx, ev)
	case errors.As(err, &cfgErr):
		return e.configurationFailure(ctx, table, ev, err)
	case err != nil:
		return nil, e.degrade(ctx, ev, err)
	}

	e.markSeen(key, ev)
	if res.Route != flow.RouteHold {
		e.emitStateChanged(ctx, res)
	}
	if esc != nil {
		res.Escalation = esc
		res.QueueEntryID = e.enqueue(ctx, ev.WorkspaceID, ev.CustomerID, esc.Reason, esc.Priority,
			map[string]any{"state": res.PreviousState, "intent": ev.Intent})
	}
	if res.Route == flow.RouteHold {
		e.ensureQueued(ctx, ev, res)
	}
	return res, nil
}

// applyOnce is one read-modify-write attempt. It returns the decision the
// committed state was escalated for, if any.
func (e *Engine) applyOnce(ctx context.Context, table *flow.Table, ev InboundEvent) (*Result, *escalation.Decision, error) {
	if ev.EventID != "" {
		_, err := e.store.GetInteractionByEventID(ctx, ev.WorkspaceID, ev.CustomerID, ev.EventID)
		switch {
		case err == nil:
			return nil, nil, store.ErrDuplicateEvent
		case !errors.Is(err, store.ErrNotFound):
			return nil, nil, fmt.Errorf("checking event id: %w", err)
		}
	}

	cur, err := e.store.GetState(ctx, ev.WorkspaceID, ev.CustomerID)
	if errors.Is(err, store.ErrNotFound) {
		cur = e.freshState(table, ev.WorkspaceID, ev.CustomerID)
	} else if err != nil {
		return nil, nil, fmt.Errorf("reading state: %w", err)
	}

	out, err := table.Resolve(cur.State, cur.Context, flow.Event{
		Intent:     ev.Intent,
		Text:       ev.Text,
		Payload:    ev.Payload,
		Confidence: ev.Confidence,
	})
	if err != nil {
		return nil, nil, err
	}
	if out.GuardErr != nil {
		e.logger.Warn("guard evaluation failed; taking alternate route",
			"workspace_id", ev.WorkspaceID,
			"customer_id", ev.CustomerID,
			"state", cur.State,
			"intent", ev.Intent,
			"error", out.GuardErr)
	}

	next := cur.Clone()
	next.State = out.To
	next.Context = out.Context
	next.LastInboundAt = ev.Timestamp
	replies := out.Replies

	var decision *escalation.Decision
	if out.Route != flow.RouteHold {
		next.Turns++
		d := e.policy(ev.WorkspaceID).Evaluate(escalation.Input{
			Intent:            ev.Intent,
			State:             cur.State,
			NextState:         out.To,
			StateAutomated:    table.IsAutomated(cur.State),
			NextAutomated:     table.IsAutomated(out.To),
			Context:           out.Context,
			Confidence:        ev.Confidence,
			Turns:             next.Turns,
			PreviousInboundAt: cur.LastInboundAt,
			Now:               ev.Timestamp,
		})
		if d.ScoreErr != nil {
			e.logger.Warn("completeness score failed", "workspace_id", ev.WorkspaceID, "error", d.ScoreErr)
		}
		switch {
		case d.Escalate:
			decision = &d
			next.State = table.EscalatedState
			replies = escalatedReplies(table, nil)
		case out.To == table.EscalatedState:
			// The flow routed here itself; queue the customer like any
			// other escalation.
			decision = &escalation.Decision{
				Escalate: true,
				Reason:   escalation.ReasonFlowTransition,
				Priority: store.PriorityMedium,
			}
			replies = escalatedReplies(table, replies)
		}
		if decision != nil {
			appendReason(next.Context, decision.Reason)
		}
	}

	interactions := []*store.Interaction{inboundInteraction(ev, cur.State)}
	for _, text := range replies {
		interactions = append(interactions, &store.Interaction{
			WorkspaceID: ev.WorkspaceID,
			CustomerID:  ev.CustomerID,
			Direction:   store.DirectionOutbound,
			Channel:     ev.Channel,
			Content:     map[string]any{"text": text},
			State:       next.State,
			CreatedAt:   ev.Timestamp,
		})
	}

	action := store.AuditTransition
	if out.Route == flow.RouteHold {
		action = store.AuditRecord
	}
	detail := map[string]any{
		"from":       cur.State,
		"to":         next.State,
		"intent":     ev.Intent,
		"route":      string(out.Route),
		"session_id": next.SessionID,
	}
	if decision != nil {
		detail["escalation_reason"] = string(decision.Reason)
	}

	commit := &store.TransitionCommit{
		Customer:        customerOf(ev),
		State:           next,
		ExpectedVersion: cur.Version,
		Interactions:    interactions,
		Audit: &store.AuditEntry{
			WorkspaceID: ev.WorkspaceID,
			Actor:       store.ActorSystem,
			Action:      action,
			TargetType:  store.TargetConversation,
			TargetID:    ev.CustomerID,
			Timestamp:   ev.Timestamp,
			Detail:      detail,
		},
	}
	if err := e.store.CommitTransition(ctx, commit); err != nil {
		return nil, nil, err
	}

	e.logger.Debug("transition committed",
		"workspace_id", ev.WorkspaceID,
		"customer_id", ev.CustomerID,
		"from", cur.State,
		"to", next.State,
		"route", string(out.Route),
		"version", next.Version)

	return &Result{
		WorkspaceID:   ev.WorkspaceID,
		CustomerID:    ev.CustomerID,
		SessionID:     next.SessionID,
		PreviousState: cur.State,
		State:         next.State,
		Route:         out.Route,
		Context:       store.CloneContext(next.Context),
		Version:       next.Version,
		Replies:       replies,
	}, decision, nil
}

// ResetSession returns a customer to the initial state with an empty
// context and a new session id. actor is recorded in the audit log.
func (e *Engine) ResetSession(ctx context.Context, workspaceID, customerID, actor string) (*Result, error) {
	ctx, span := e.tracer.Start(ctx, "engine.reset_session", trace.WithAttributes(
		attribute.String("workspace_id", workspaceID),
		attribute.String("customer_id", customerID),
	))
	defer span.End()

	table, err := e.flows.Get(workspaceID)
	if err != nil {
		return nil, err
	}

	release, err := e.locker.Acquire(ctx, lock.Key(workspaceID, customerID))
	if err != nil {
		return nil, fmt.Errorf("locking customer: %w", err)
	}
	defer release()

	var res *Result
	err = retry.Do(ctx, e.retry, retry.On(store.ErrConflict, store.ErrTransient), func(int) error {
		cur, err := e.store.GetState(ctx, workspaceID, customerID)
		if err != nil {
			return err
		}
		next := e.freshState(table, workspaceID, customerID)
		next.CreatedAt = cur.CreatedAt
		if actor == "" {
			actor = store.ActorSystem
		}
		commit := &store.TransitionCommit{
			State:           next,
			ExpectedVersion: cur.Version,
			Audit: &store.AuditEntry{
				WorkspaceID: workspaceID,
				Actor:       actor,
				Action:      store.AuditSessionReset,
				TargetType:  store.TargetConversation,
				TargetID:    customerID,
				Timestamp:   e.now(),
				Detail: map[string]any{
					"from":             cur.State,
					"to":               next.State,
					"previous_session": cur.SessionID,
					"session_id":       next.SessionID,
				},
			},
		}
		if err := e.store.CommitTransition(ctx, commit); err != nil {
			return err
		}
		res = &Result{
			WorkspaceID:   workspaceID,
			CustomerID:    customerID,
			SessionID:     next.SessionID,
			PreviousState: cur.State,
			State:         next.State,
			Route:         flow.RouteTransition,
			Context:       map[string]any{},
			Version:       next.Version,
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("resetting session for %s: %w", customerID, err)
	}

	e.logger.Info("session reset",
		"workspace_id", workspaceID,
		"customer_id", customerID,
		"actor", actor,
		"session_id", res.SessionID)
	e.emitStateChanged(ctx, res)
	return res, nil
}

// OnQueueResolved resets the customer's session once an operator resolves
// their queue entry. It matches queue.Hook.
func (e *Engine) OnQueueResolved(ctx context.Context, entry *store.QueueEntry, operatorID string) error {
	_, err := e.ResetSession(ctx, entry.WorkspaceID, entry.CustomerID, operatorID)
	if errors.Is(err, store.ErrNotFound) {
		// Escalated before any state was stored; nothing to reset.
		return nil
	}
	return err
}

// OnQueueCancelled takes the customer out of human mode when an
// administrator cancels their entry. Customers outside the escalated state
// keep their conversation. It matches queue.Hook.
func (e *Engine) OnQueueCancelled(ctx context.Context, entry *store.QueueEntry, actor string) error {
	table, err := e.flows.Get(entry.WorkspaceID)
	if err != nil {
		return err
	}
	cur, err := e.store.GetState(ctx, entry.WorkspaceID, entry.CustomerID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading state: %w", err)
	}
	if !table.IsEscalated(cur.State) {
		return nil
	}
	_, err = e.ResetSession(ctx, entry.WorkspaceID, entry.CustomerID, actor)
	return err
}

func (e *Engine) freshState(table *flow.Table, workspaceID, customerID string) *store.ConversationState {
	return &store.ConversationState{
		WorkspaceID: workspaceID,
		CustomerID:  customerID,
		SessionID:   uuid.New().String(),
		State:       table.InitialState,
		Context:     map[string]any{},
	}
}

// replay reports the customer's current state for an event that was
// already applied.
func (e *Engine) replay(ctx context.Context, ev InboundEvent) (*Result, error) {
	st, err := e.store.GetState(ctx, ev.WorkspaceID, ev.CustomerID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("reading state for replay: %w", err)
	}
	e.logger.Debug("duplicate event replayed",
		"workspace_id", ev.WorkspaceID,
		"customer_id", ev.CustomerID,
		"event_id", ev.EventID)

	res := &Result{WorkspaceID: ev.WorkspaceID, CustomerID: ev.CustomerID, Replayed: true}
	if st != nil {
		res.SessionID = st.SessionID
		res.PreviousState = st.State
		res.State = st.State
		res.Context = store.CloneContext(st.Context)
		res.Version = st.Version
	}
	return res, nil
}

// configurationFailure records the exchange without touching the
// conversation state, routes the customer to the human queue and returns
// the configuration error wrapped.
func (e *Engine) configurationFailure(ctx context.Context, table *flow.Table, ev InboundEvent, cause error) (*Result, error) {
	e.logger.Error("flow configuration error; routing customer to a human",
		"workspace_id", ev.WorkspaceID,
		"customer_id", ev.CustomerID,
		"intent", ev.Intent,
		"error", cause)

	res := &Result{WorkspaceID: ev.WorkspaceID, CustomerID: ev.CustomerID}
	if st, err := e.store.GetState(ctx, ev.WorkspaceID, ev.CustomerID); err == nil {
		res.SessionID = st.SessionID
		res.PreviousState = st.State
		res.State = st.State
		res.Context = store.CloneContext(st.Context)
		res.Version = st.Version
	} else if table != nil {
		res.State = table.InitialState
		res.PreviousState = table.InitialState
	}

	err := e.store.CommitTransition(ctx, &store.TransitionCommit{
		Customer:     customerOf(ev),
		Interactions: []*store.Interaction{inboundInteraction(ev, res.State)},
		Audit: &store.AuditEntry{
			WorkspaceID: ev.WorkspaceID,
			Actor:       store.ActorSystem,
			Action:      store.AuditRecord,
			TargetType:  store.TargetConversation,
			TargetID:    ev.CustomerID,
			Timestamp:   ev.Timestamp,
			Detail:      map[string]any{"state": res.State, "intent": ev.Intent, "error": cause.Error()},
		},
	})
	switch {
	case errors.Is(err, store.ErrDuplicateEvent):
		return e.replay(ctx, ev)
	case err != nil:
		e.logger.Error("recording exchange failed", "customer_id", ev.CustomerID, "error", err)
	default:
		e.markSeen(dedupe.EventKey(ev.WorkspaceID, ev.CustomerID, ev.EventID), ev)
	}

	d := escalation.Decision{Escalate: true, Reason: escalation.ReasonConfigurationError, Priority: store.PriorityHigh}
	res.Escalation = &d
	res.QueueEntryID = e.enqueue(ctx, ev.WorkspaceID, ev.CustomerID, d.Reason, d.Priority,
		map[string]any{"state": res.State, "intent": ev.Intent, "error": cause.Error()})
	return res, fmt.Errorf("applying event for %s: %w", ev.CustomerID, cause)
}

// degrade hands the customer to a human after an unresolved failure and
// returns the failure wrapped.
func (e *Engine) degrade(ctx context.Context, ev InboundEvent, cause error) error {
	e.logger.Error("processing failed; escalating customer",
		"workspace_id", ev.WorkspaceID,
		"customer_id", ev.CustomerID,
		"event_id", ev.EventID,
		"error", cause)
	e.enqueue(ctx, ev.WorkspaceID, ev.CustomerID, escalation.ReasonProcessingFailure, store.PriorityHigh,
		map[string]any{"intent": ev.Intent, "error": cause.Error()})
	return fmt.Errorf("applying event for %s: %w", ev.CustomerID, cause)
}

// ensureQueued makes sure an escalated customer who writes again has an
// active queue entry.
func (e *Engine) ensureQueued(ctx context.Context, ev InboundEvent, res *Result) {
	active, err := e.queue.Active(ctx, ev.WorkspaceID, ev.CustomerID)
	if err == nil {
		res.QueueEntryID = active.ID
		return
	}
	if !errors.Is(err, store.ErrNotFound) {
		e.logger.Error("checking queue entry failed", "customer_id", ev.CustomerID, "error", err)
		return
	}
	d := escalation.Decision{Escalate: true, Reason: escalation.ReasonFollowup, Priority: store.PriorityMedium}
	res.Escalation = &d
	res.QueueEntryID = e.enqueue(ctx, ev.WorkspaceID, ev.CustomerID, d.Reason, d.Priority,
		map[string]any{"state": res.State})
}

// enqueue creates a queue entry and returns its id. An existing active
// entry counts as already queued.
func (e *Engine) enqueue(ctx context.Context, workspaceID, customerID string, reason escalation.Reason, p store.Priority, meta map[string]any) string {
	entry, err := e.queue.Enqueue(ctx, queue.EnqueueRequest{
		WorkspaceID: workspaceID,
		CustomerID:  customerID,
		Priority:    p,
		Reason:      string(reason),
		Metadata:    meta,
	})
	if errors.Is(err, store.ErrActiveEntryExists) {
		if active, aerr := e.queue.Active(ctx, workspaceID, customerID); aerr == nil {
			return active.ID
		}
		return ""
	}
	if err != nil {
		e.logger.Error("enqueue failed",
			"workspace_id", workspaceID,
			"customer_id", customerID,
			"reason", string(reason),
			"error", err)
		return ""
	}
	e.metrics.RecordEscalation(workspaceID, string(reason))
	return entry.ID
}

func (e *Engine) emitStateChanged(ctx context.Context, res *Result) {
	ev := notify.NewEvent(notify.EventStateChanged, res.WorkspaceID, res.CustomerID, map[string]any{
		"from":       res.PreviousState,
		"to":         res.State,
		"route":      string(res.Route),
		"session_id": res.SessionID,
		"version":    res.Version,
	})
	if err := e.notifier.Notify(ctx, ev); err != nil {
		e.logger.Warn("event delivery failed", "type", string(ev.Type), "customer_id", res.CustomerID, "error", err)
	}
}

func (e *Engine) markSeen(key string, ev InboundEvent) {
	if ev.EventID != "" && e.dedupe != nil {
		e.dedupe.Mark(key)
	}
}

func inboundInteraction(ev InboundEvent, state string) *store.Interaction {
	content := map[string]any{}
	if ev.Text != "" {
		content["text"] = ev.Text
	}
	if len(ev.Payload) > 0 {
		content["payload"] = store.CloneContext(ev.Payload)
	}
	if ev.Confidence != 0 {
		content["confidence"] = ev.Confidence
	}
	return &store.Interaction{
		WorkspaceID: ev.WorkspaceID,
		CustomerID:  ev.CustomerID,
		EventID:     ev.EventID,
		Direction:   store.DirectionInbound,
		Channel:     ev.Channel,
		Intent:      ev.Intent,
		Content:     content,
		State:       state,
		CreatedAt:   ev.Timestamp,
	}
}

func customerOf(ev InboundEvent) *store.Customer {
	return &store.Customer{
		WorkspaceID: ev.WorkspaceID,
		ID:          ev.CustomerID,
		DisplayName: ev.DisplayName,
	}
}

// escalatedReplies returns the flow's own replies, or the escalated state's
// prompt when there are none.
func escalatedReplies(table *flow.Table, replies []string) []string {
	if len(replies) > 0 {
		return replies
	}
	if st, ok := table.State(table.EscalatedState); ok && st.Prompt != "" {
		return []string{st.Prompt}
	}
	return nil
}

// appendReason adds reason to the context's escalation reason list.
func appendReason(ctx map[string]any, reason escalation.Reason) {
	reasons, _ := ctx[ContextEscalationReasons].([]any)
	ctx[ContextEscalationReasons] = append(reasons, string(reason))
}
