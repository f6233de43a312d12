// ABOUTME: Store interface and data types for coven-concierge persistence
// ABOUTME: Defines customers, conversation state, interactions, queue entries and the Store contract

package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when an optimistic-concurrency check fails or a
// concurrent writer won a race for the same row.
var ErrConflict = errors.New("conflict")

// ErrTransient marks failures where the database was temporarily unavailable
// (busy or locked). Callers may retry.
var ErrTransient = errors.New("store temporarily unavailable")

// ErrDuplicateEvent is returned when an inbound interaction carries an event
// id that was already recorded for the same customer.
var ErrDuplicateEvent = errors.New("event already recorded")

// Queue guard failures. ErrAlreadyClaimed wraps ErrConflict so that a lost
// claim race can be handled like any other conflict.
var (
	ErrAlreadyClaimed    = fmt.Errorf("%w: queue entry already claimed", ErrConflict)
	ErrActiveEntryExists = errors.New("customer already has an active queue entry")
	ErrNotHolder         = errors.New("caller does not hold the queue lock")
	ErrLockExpired       = errors.New("queue lock has expired")
	ErrLockNotExpired    = errors.New("queue lock has not expired")
	ErrInvalidTransition = errors.New("invalid queue transition")
	ErrCapacityExceeded  = errors.New("operator lock capacity exceeded")
)

// Customer is a tenant-scoped identity keyed by its channel address.
type Customer struct {
	WorkspaceID string
	ID          string // phone number or equivalent channel address
	DisplayName string
	Tags        []string
	Metadata    map[string]any
	CreatedAt   time.Time
}

// ConversationState is the single active state record for a customer.
type ConversationState struct {
	WorkspaceID   string
	CustomerID    string
	SessionID     string
	State         string
	Context       map[string]any
	Version       int64 // optimistic concurrency token; 0 means not yet persisted
	Turns         int   // automated engine cycles since the session started
	LastInboundAt time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Clone returns a deep-enough copy for read-modify-write: the context map is
// copied so callers can mutate it without touching the stored snapshot.
func (s *ConversationState) Clone() *ConversationState {
	c := *s
	c.Context = CloneContext(s.Context)
	return &c
}

// CloneContext deep-copies a JSON-like context value tree.
func CloneContext(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return CloneContext(t)
	case []any:
		cp := make([]any, len(t))
		for i, e := range t {
			cp[i] = cloneValue(e)
		}
		return cp
	default:
		return v
	}
}

// Direction of an interaction relative to the business.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// Interaction is an immutable record of one inbound or outbound exchange.
type Interaction struct {
	ID          string
	WorkspaceID string
	CustomerID  string
	EventID     string // upstream message id; empty for outbound records
	Direction   Direction
	Channel     string
	Intent      string
	Content     map[string]any
	State       string // state active when recorded
	OperatorID  string // set only for human-authored messages
	CreatedAt   time.Time
}

// QueueStatus is the lifecycle status of a QueueEntry.
type QueueStatus string

const (
	QueueWaiting   QueueStatus = "waiting"
	QueueLocked    QueueStatus = "locked"
	QueueDone      QueueStatus = "done"
	QueueCancelled QueueStatus = "cancelled"
)

// Terminal reports whether the status can never be left again.
func (s QueueStatus) Terminal() bool {
	return s == QueueDone || s == QueueCancelled
}

// Priority tiers for waiting customers. Higher values are served first.
type Priority int

const (
	PriorityLow    Priority = 1
	PriorityMedium Priority = 2
	PriorityHigh   Priority = 3
)

// String returns the lowercase tier name.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityMedium:
		return "medium"
	case PriorityHigh:
		return "high"
	default:
		return "unknown"
	}
}

// ParsePriority converts a tier name into a Priority.
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "low":
		return PriorityLow, nil
	case "medium":
		return PriorityMedium, nil
	case "high":
		return PriorityHigh, nil
	default:
		return 0, fmt.Errorf("unknown priority %q", s)
	}
}

// QueueEntry is a customer waiting for, or being handled by, a human operator.
type QueueEntry struct {
	ID            string
	WorkspaceID   string
	CustomerID    string
	Status        QueueStatus
	Priority      Priority
	Reason        string
	OperatorID    string     // set only while locked
	LockExpiresAt *time.Time // set only while locked
	Metadata      map[string]any
	CreatedAt     time.Time
	UpdatedAt     time.Time
	ResolvedAt    *time.Time
}

// Expired reports whether a locked entry's lease has passed at now.
func (e *QueueEntry) Expired(now time.Time) bool {
	return e.Status == QueueLocked && e.LockExpiresAt != nil && !now.Before(*e.LockExpiresAt)
}

// TransitionCommit describes one atomic write of the conversation pipeline:
// the new state (optional), the interactions recorded with it and the audit
// row describing the transition. Either all of it is persisted or none.
type TransitionCommit struct {
	Customer        *Customer          // ensured on first contact; may be nil
	State           *ConversationState // nil records interactions without a state change
	ExpectedVersion int64              // version read before the change; 0 creates the row
	Interactions    []*Interaction
	Audit           *AuditEntry
}

// ClaimParams carries the inputs of an atomic claim.
type ClaimParams struct {
	WorkspaceID         string
	EntryID             string
	OperatorID          string
	Now                 time.Time
	LockExpiresAt       time.Time
	MaxLocksPerOperator int // 0 disables the capacity check
}

// QueueChange carries the inputs of a holder-checked queue transition
// (renew, release, resolve, cancel).
type QueueChange struct {
	WorkspaceID   string
	EntryID       string
	OperatorID    string // lock holder; empty for system or administrative callers
	Now           time.Time
	LockExpiresAt time.Time // renew only
}

// QueueFilter selects queue entries for listing.
type QueueFilter struct {
	WorkspaceID string
	Statuses    []QueueStatus // empty means waiting only
	Limit       int           // default 100, max 1000
}

// Store defines the persistence contract used by the engine and the queue.
type Store interface {
	// Customers
	EnsureCustomer(ctx context.Context, c *Customer) error
	GetCustomer(ctx context.Context, workspaceID, customerID string) (*Customer, error)

	// Conversation state (context store)
	GetState(ctx context.Context, workspaceID, customerID string) (*ConversationState, error)
	CommitTransition(ctx context.Context, c *TransitionCommit) error

	// Interaction log (append only)
	AppendInteraction(ctx context.Context, i *Interaction) error
	ListInteractions(ctx context.Context, workspaceID, customerID string, limit int) ([]*Interaction, error)
	GetInteractionByEventID(ctx context.Context, workspaceID, customerID, eventID string) (*Interaction, error)

	// Human queue
	CreateQueueEntry(ctx context.Context, e *QueueEntry, audit *AuditEntry) error
	GetQueueEntry(ctx context.Context, workspaceID, entryID string) (*QueueEntry, error)
	GetActiveQueueEntry(ctx context.Context, workspaceID, customerID string) (*QueueEntry, error)
	ClaimQueueEntry(ctx context.Context, p ClaimParams, audit *AuditEntry) (*QueueEntry, error)
	RenewQueueEntry(ctx context.Context, c QueueChange, audit *AuditEntry) (*QueueEntry, error)
	ReleaseQueueEntry(ctx context.Context, c QueueChange, audit *AuditEntry) (*QueueEntry, error)
	ResolveQueueEntry(ctx context.Context, c QueueChange, audit *AuditEntry) (*QueueEntry, error)
	CancelQueueEntry(ctx context.Context, c QueueChange, audit *AuditEntry) (*QueueEntry, error)
	ListQueueEntries(ctx context.Context, f QueueFilter) ([]*QueueEntry, error)
	ListExpiredLocks(ctx context.Context, workspaceID string, now time.Time) ([]*QueueEntry, error)

	// Audit
	ListAuditLog(ctx context.Context, f AuditFilter) ([]AuditEntry, error)

	// Close releases any resources held by the store
	Close() error
}
