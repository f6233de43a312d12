// ABOUTME: Human handoff queue service over the store's guarded queue transitions
// ABOUTME: Applies per-workspace lease and capacity policy, reclaims expired locks and emits events

package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/2389/coven-concierge/internal/metrics"
	"github.com/2389/coven-concierge/internal/notify"
	"github.com/2389/coven-concierge/internal/store"
	"github.com/2389/coven-concierge/internal/tracing"
)

// QueueStore defines what the queue needs from storage.
type QueueStore interface {
	EnsureCustomer(ctx context.Context, c *store.Customer) error
	GetState(ctx context.Context, workspaceID, customerID string) (*store.ConversationState, error)
	AppendInteraction(ctx context.Context, i *store.Interaction) error

	CreateQueueEntry(ctx context.Context, e *store.QueueEntry, audit *store.AuditEntry) error
	GetQueueEntry(ctx context.Context, workspaceID, entryID string) (*store.QueueEntry, error)
	GetActiveQueueEntry(ctx context.Context, workspaceID, customerID string) (*store.QueueEntry, error)
	ClaimQueueEntry(ctx context.Context, p store.ClaimParams, audit *store.AuditEntry) (*store.QueueEntry, error)
	RenewQueueEntry(ctx context.Context, c store.QueueChange, audit *store.AuditEntry) (*store.QueueEntry, error)
	ReleaseQueueEntry(ctx context.Context, c store.QueueChange, audit *store.AuditEntry) (*store.QueueEntry, error)
	ResolveQueueEntry(ctx context.Context, c store.QueueChange, audit *store.AuditEntry) (*store.QueueEntry, error)
	CancelQueueEntry(ctx context.Context, c store.QueueChange, audit *store.AuditEntry) (*store.QueueEntry, error)
	ListQueueEntries(ctx context.Context, f store.QueueFilter) ([]*store.QueueEntry, error)
	ListExpiredLocks(ctx context.Context, workspaceID string, now time.Time) ([]*store.QueueEntry, error)
}

// Policy is the per-workspace lease and capacity configuration.
type Policy struct {
	LeaseDuration       time.Duration
	MaxLocksPerOperator int
}

// DefaultPolicy returns a five minute lease and one lock per operator.
func DefaultPolicy() Policy {
	return Policy{LeaseDuration: 5 * time.Minute, MaxLocksPerOperator: 1}
}

// Hook runs after an entry reaches a terminal status. actor is the operator
// who resolved it or the administrator who cancelled it. The engine uses
// hooks to take the customer out of human mode.
type Hook func(ctx context.Context, entry *store.QueueEntry, actor string) error

// Queue manages escalated customers waiting for a human operator.
type Queue struct {
	store     QueueStore
	notifier  notify.Notifier
	metrics   *metrics.Collector
	logger    *slog.Logger
	tracer    trace.Tracer
	defaults  Policy
	onResolve Hook
	onCancel  Hook
	now       func() time.Time

	mu       sync.RWMutex
	policies map[string]Policy
}

// New creates a queue service. notifier and m may be nil.
func New(st QueueStore, notifier notify.Notifier, m *metrics.Collector, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Queue{
		store:    st,
		notifier: notifier,
		metrics:  m,
		logger:   logger.With("component", "queue"),
		tracer:   tracing.Tracer(),
		policies: make(map[string]Policy),
		defaults: DefaultPolicy(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetPolicy configures lease and capacity for one workspace. Zero fields
// fall back to the defaults.
func (q *Queue) SetPolicy(workspaceID string, p Policy) {
	if p.LeaseDuration <= 0 {
		p.LeaseDuration = q.defaults.LeaseDuration
	}
	if p.MaxLocksPerOperator <= 0 {
		p.MaxLocksPerOperator = q.defaults.MaxLocksPerOperator
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.policies[workspaceID] = p
}

// SetClock replaces the time source. Used in tests.
func (q *Queue) SetClock(now func() time.Time) { q.now = now }

// OnResolve registers the hook run after every successful resolve.
func (q *Queue) OnResolve(h Hook) { q.onResolve = h }

// OnCancel registers the hook run after every successful cancel.
func (q *Queue) OnCancel(h Hook) { q.onCancel = h }

func (q *Queue) policy(workspaceID string) Policy {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if p, ok := q.policies[workspaceID]; ok {
		return p
	}
	return q.defaults
}

// EnqueueRequest describes a new escalation.
type EnqueueRequest struct {
	WorkspaceID string
	CustomerID  string
	Priority    store.Priority
	Reason      string
	Metadata    map[string]any
	Actor       string // defaults to store.ActorSystem
}

// Enqueue creates a waiting entry. Returns store.ErrActiveEntryExists when
// the customer is already queued.
func (q *Queue) Enqueue(ctx context.Context, req EnqueueRequest) (*store.QueueEntry, error) {
	ctx, span := q.start(ctx, "queue.enqueue", req.WorkspaceID, "")
	span.SetAttributes(attribute.String("customer_id", req.CustomerID), attribute.String("reason", req.Reason))

	entry := &store.QueueEntry{
		WorkspaceID: req.WorkspaceID,
		CustomerID:  req.CustomerID,
		Priority:    req.Priority,
		Reason:      req.Reason,
		Metadata:    req.Metadata,
		CreatedAt:   q.now(),
	}
	audit := &store.AuditEntry{
		WorkspaceID: req.WorkspaceID,
		Actor:       actorOr(req.Actor),
		Action:      store.AuditQueueCreate,
		Timestamp:   entry.CreatedAt,
		Detail: map[string]any{
			"customer_id": req.CustomerID,
			"priority":    req.Priority.String(),
			"reason":      req.Reason,
		},
	}
	// Entries can be created before the first transition commits, for
	// example when processing fails on first contact.
	err := q.store.EnsureCustomer(ctx, &store.Customer{WorkspaceID: req.WorkspaceID, ID: req.CustomerID})
	if err != nil {
		err = fmt.Errorf("recording customer: %w", err)
	} else {
		err = q.store.CreateQueueEntry(ctx, entry, audit)
	}
	q.finish(span, req.WorkspaceID, "enqueue", err)
	if err != nil {
		return nil, err
	}

	q.logger.Info("customer queued for human",
		"workspace_id", entry.WorkspaceID,
		"customer_id", entry.CustomerID,
		"entry_id", entry.ID,
		"priority", entry.Priority.String(),
		"reason", entry.Reason)
	q.emit(ctx, notify.EventQueueCreated, entry, "")
	return entry, nil
}

// Claim locks a waiting entry for the operator. Expired locks in the
// workspace are reclaimed first so capacity counts only live leases.
func (q *Queue) Claim(ctx context.Context, workspaceID, entryID, operatorID string) (*store.QueueEntry, error) {
	if operatorID == "" {
		return nil, errors.New("operator_id is required")
	}
	if _, err := q.Sweep(ctx, workspaceID); err != nil {
		q.logger.Warn("lazy reclamation failed", "workspace_id", workspaceID, "error", err)
	}

	ctx, span := q.start(ctx, "queue.claim", workspaceID, entryID)
	span.SetAttributes(attribute.String("operator_id", operatorID))

	pol := q.policy(workspaceID)
	now := q.now()
	expires := now.Add(pol.LeaseDuration)
	entry, err := q.store.ClaimQueueEntry(ctx, store.ClaimParams{
		WorkspaceID:         workspaceID,
		EntryID:             entryID,
		OperatorID:          operatorID,
		Now:                 now,
		LockExpiresAt:       expires,
		MaxLocksPerOperator: pol.MaxLocksPerOperator,
	}, &store.AuditEntry{
		WorkspaceID: workspaceID,
		Actor:       operatorID,
		Action:      store.AuditQueueClaim,
		Timestamp:   now,
		Detail:      map[string]any{"lock_expires_at": expires.Format(time.RFC3339Nano)},
	})
	q.finish(span, workspaceID, "claim", err)
	if err != nil {
		return nil, err
	}

	q.logger.Info("queue entry claimed",
		"workspace_id", workspaceID,
		"entry_id", entryID,
		"operator_id", operatorID,
		"lock_expires_at", expires)
	q.emit(ctx, notify.EventQueueClaimed, entry, operatorID)
	return entry, nil
}

// Renew extends the holder's lease by the workspace lease duration.
func (q *Queue) Renew(ctx context.Context, workspaceID, entryID, operatorID string) (*store.QueueEntry, error) {
	ctx, span := q.start(ctx, "queue.renew", workspaceID, entryID)

	now := q.now()
	expires := now.Add(q.policy(workspaceID).LeaseDuration)
	entry, err := q.store.RenewQueueEntry(ctx, store.QueueChange{
		WorkspaceID:   workspaceID,
		EntryID:       entryID,
		OperatorID:    operatorID,
		Now:           now,
		LockExpiresAt: expires,
	}, &store.AuditEntry{
		WorkspaceID: workspaceID,
		Actor:       operatorID,
		Action:      store.AuditQueueRenew,
		Timestamp:   now,
		Detail:      map[string]any{"lock_expires_at": expires.Format(time.RFC3339Nano)},
	})
	q.finish(span, workspaceID, "renew", err)
	if err != nil {
		return nil, err
	}
	q.emit(ctx, notify.EventQueueRenewed, entry, operatorID)
	return entry, nil
}

// Release hands a locked entry back to the waiting list.
func (q *Queue) Release(ctx context.Context, workspaceID, entryID, operatorID string) (*store.QueueEntry, error) {
	if operatorID == "" {
		return nil, errors.New("operator_id is required")
	}
	return q.release(ctx, workspaceID, entryID, operatorID, store.AuditQueueRelease)
}

func (q *Queue) release(ctx context.Context, workspaceID, entryID, operatorID string, action store.AuditAction) (*store.QueueEntry, error) {
	ctx, span := q.start(ctx, "queue.release", workspaceID, entryID)

	now := q.now()
	entry, err := q.store.ReleaseQueueEntry(ctx, store.QueueChange{
		WorkspaceID: workspaceID,
		EntryID:     entryID,
		OperatorID:  operatorID,
		Now:         now,
	}, &store.AuditEntry{
		WorkspaceID: workspaceID,
		Actor:       actorOr(operatorID),
		Action:      action,
		Timestamp:   now,
	})
	q.finish(span, workspaceID, string(action), err)
	if err != nil {
		return nil, err
	}
	q.emit(ctx, notify.EventQueueReleased, entry, operatorID)
	return entry, nil
}

// Resolve marks the holder's entry done and runs the resolve hook.
func (q *Queue) Resolve(ctx context.Context, workspaceID, entryID, operatorID string) (*store.QueueEntry, error) {
	ctx, span := q.start(ctx, "queue.resolve", workspaceID, entryID)

	now := q.now()
	entry, err := q.store.ResolveQueueEntry(ctx, store.QueueChange{
		WorkspaceID: workspaceID,
		EntryID:     entryID,
		OperatorID:  operatorID,
		Now:         now,
	}, &store.AuditEntry{
		WorkspaceID: workspaceID,
		Actor:       operatorID,
		Action:      store.AuditQueueResolve,
		Timestamp:   now,
		Detail:      map[string]any{"resolved_by": operatorID},
	})
	q.finish(span, workspaceID, "resolve", err)
	if err != nil {
		return nil, err
	}

	q.logger.Info("queue entry resolved",
		"workspace_id", workspaceID,
		"entry_id", entryID,
		"operator_id", operatorID)
	q.emit(ctx, notify.EventQueueResolved, entry, operatorID)

	q.runHook(ctx, "resolve", q.onResolve, entry, operatorID)
	return entry, nil
}

// runHook calls h for a terminal entry. The entry keeps its status when the
// hook fails; the conversation stays escalated until a later reset.
func (q *Queue) runHook(ctx context.Context, name string, h Hook, entry *store.QueueEntry, actor string) {
	if h == nil {
		return
	}
	if err := h(ctx, entry, actor); err != nil {
		q.logger.Error(name+" hook failed",
			"workspace_id", entry.WorkspaceID,
			"entry_id", entry.ID,
			"customer_id", entry.CustomerID,
			"error", err)
	}
}

// Cancel moves a waiting or locked entry to cancelled and runs the cancel
// hook. actor is the administrator performing the override.
func (q *Queue) Cancel(ctx context.Context, workspaceID, entryID, actor string) (*store.QueueEntry, error) {
	ctx, span := q.start(ctx, "queue.cancel", workspaceID, entryID)

	now := q.now()
	entry, err := q.store.CancelQueueEntry(ctx, store.QueueChange{
		WorkspaceID: workspaceID,
		EntryID:     entryID,
		Now:         now,
	}, &store.AuditEntry{
		WorkspaceID: workspaceID,
		Actor:       actorOr(actor),
		Action:      store.AuditQueueCancel,
		Timestamp:   now,
	})
	q.finish(span, workspaceID, "cancel", err)
	if err != nil {
		return nil, err
	}
	q.logger.Info("queue entry cancelled",
		"workspace_id", workspaceID,
		"entry_id", entryID,
		"actor", actorOr(actor))
	q.emit(ctx, notify.EventQueueCancelled, entry, actor)
	q.runHook(ctx, "cancel", q.onCancel, entry, actorOr(actor))
	return entry, nil
}

// Get returns one entry.
func (q *Queue) Get(ctx context.Context, workspaceID, entryID string) (*store.QueueEntry, error) {
	return q.store.GetQueueEntry(ctx, workspaceID, entryID)
}

// Active returns the customer's waiting or locked entry.
func (q *Queue) Active(ctx context.Context, workspaceID, customerID string) (*store.QueueEntry, error) {
	return q.store.GetActiveQueueEntry(ctx, workspaceID, customerID)
}

// ListWaiting returns the workspace's waiting entries in service order:
// priority tier first, then oldest created. Expired locks are reclaimed
// before listing.
func (q *Queue) ListWaiting(ctx context.Context, workspaceID string, limit int) ([]*store.QueueEntry, error) {
	return q.List(ctx, store.QueueFilter{WorkspaceID: workspaceID, Limit: limit})
}

// List returns entries with the given statuses in service order.
func (q *Queue) List(ctx context.Context, f store.QueueFilter) ([]*store.QueueEntry, error) {
	if _, err := q.Sweep(ctx, f.WorkspaceID); err != nil {
		q.logger.Warn("lazy reclamation failed", "workspace_id", f.WorkspaceID, "error", err)
	}
	entries, err := q.store.ListQueueEntries(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("listing queue: %w", err)
	}
	return entries, nil
}

// Sweep returns every expired lock in the workspace (all workspaces when
// workspaceID is empty) to waiting. Entries renewed or reclaimed
// concurrently are skipped. Sweeping with nothing expired is a no-op.
func (q *Queue) Sweep(ctx context.Context, workspaceID string) (int, error) {
	expired, err := q.store.ListExpiredLocks(ctx, workspaceID, q.now())
	if err != nil {
		return 0, fmt.Errorf("listing expired locks: %w", err)
	}

	reclaimed := 0
	for _, e := range expired {
		_, err := q.release(ctx, e.WorkspaceID, e.ID, "", store.AuditQueueExpire)
		switch {
		case err == nil:
			reclaimed++
			q.metrics.RecordReclaimed(e.WorkspaceID, 1)
			q.logger.Info("reclaimed expired lock",
				"workspace_id", e.WorkspaceID,
				"entry_id", e.ID,
				"previous_operator", e.OperatorID)
		case errors.Is(err, store.ErrLockNotExpired), errors.Is(err, store.ErrInvalidTransition):
			// Renewed, released or resolved since it was listed.
		default:
			return reclaimed, fmt.Errorf("reclaiming %s: %w", e.ID, err)
		}
	}
	return reclaimed, nil
}

// Reply records a human-authored outbound message from the lock holder.
func (q *Queue) Reply(ctx context.Context, workspaceID, entryID, operatorID, text string) (*store.Interaction, error) {
	if text == "" {
		return nil, errors.New("text is required")
	}
	entry, err := q.store.GetQueueEntry(ctx, workspaceID, entryID)
	if err != nil {
		return nil, err
	}
	switch {
	case entry.Status != store.QueueLocked:
		return nil, fmt.Errorf("%w: cannot reply on %s entry", store.ErrInvalidTransition, entry.Status)
	case entry.OperatorID != operatorID:
		return nil, store.ErrNotHolder
	case entry.Expired(q.now()):
		return nil, store.ErrLockExpired
	}

	stateName := ""
	if st, err := q.store.GetState(ctx, workspaceID, entry.CustomerID); err == nil {
		stateName = st.State
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("reading conversation state: %w", err)
	}

	msg := &store.Interaction{
		WorkspaceID: workspaceID,
		CustomerID:  entry.CustomerID,
		Direction:   store.DirectionOutbound,
		Channel:     "operator",
		Content:     map[string]any{"text": text},
		State:       stateName,
		OperatorID:  operatorID,
		CreatedAt:   q.now(),
	}
	if err := q.store.AppendInteraction(ctx, msg); err != nil {
		return nil, fmt.Errorf("recording operator reply: %w", err)
	}

	q.logger.Debug("operator reply recorded",
		"workspace_id", workspaceID,
		"entry_id", entryID,
		"operator_id", operatorID,
		"interaction_id", msg.ID)
	return msg, nil
}

func (q *Queue) start(ctx context.Context, name, workspaceID, entryID string) (context.Context, trace.Span) {
	ctx, span := q.tracer.Start(ctx, name)
	span.SetAttributes(attribute.String("workspace_id", workspaceID))
	if entryID != "" {
		span.SetAttributes(attribute.String("entry_id", entryID))
	}
	return ctx, span
}

func (q *Queue) finish(span trace.Span, workspaceID, op string, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
	q.metrics.RecordQueueOperation(workspaceID, op, err)
}

// emit sends one queue event. actor is the operator responsible, since
// terminal entries no longer carry an operator id.
func (q *Queue) emit(ctx context.Context, t notify.EventType, e *store.QueueEntry, actor string) {
	payload := map[string]any{
		"entry_id": e.ID,
		"status":   string(e.Status),
		"priority": e.Priority.String(),
		"reason":   e.Reason,
	}
	if actor != "" {
		payload["operator_id"] = actor
	}
	if e.LockExpiresAt != nil {
		payload["lock_expires_at"] = e.LockExpiresAt.Format(time.RFC3339Nano)
	}
	if err := q.notifier.Notify(ctx, notify.NewEvent(t, e.WorkspaceID, e.CustomerID, payload)); err != nil {
		q.logger.Warn("event delivery failed", "type", string(t), "entry_id", e.ID, "error", err)
	}
}

func actorOr(actor string) string {
	if actor == "" {
		return store.ActorSystem
	}
	return actor
}
