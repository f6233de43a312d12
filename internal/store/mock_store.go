// ABOUTME: Mock Store implementation for testing
// ABOUTME: Mirrors SQLiteStore semantics in memory and supports fault injection

package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu           sync.Mutex
	customers    map[string]*Customer          // keyed by "workspace:customer"
	states       map[string]*ConversationState // keyed by "workspace:customer"
	interactions []*Interaction
	queue        map[string]*QueueEntry // keyed by entry ID
	audit        []AuditEntry

	// CommitErr, when set, is returned by the next CommitTransition calls
	// without writing anything. CommitErrCount limits how many calls fail;
	// zero means every call.
	CommitErr      error
	CommitErrCount int

	// QueueErr, when set, is returned by CreateQueueEntry.
	QueueErr error
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		customers: make(map[string]*Customer),
		states:    make(map[string]*ConversationState),
		queue:     make(map[string]*QueueEntry),
	}
}

func mockKey(workspaceID, customerID string) string {
	return workspaceID + ":" + customerID
}

// EnsureCustomer stores the customer if absent.
func (m *MockStore) EnsureCustomer(ctx context.Context, c *Customer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ensureCustomerLocked(c)
	return nil
}

func (m *MockStore) ensureCustomerLocked(c *Customer) {
	key := mockKey(c.WorkspaceID, c.ID)
	if _, ok := m.customers[key]; ok {
		return
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	cp := *c
	m.customers[key] = &cp
}

// GetCustomer retrieves a customer.
func (m *MockStore) GetCustomer(ctx context.Context, workspaceID, customerID string) (*Customer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.customers[mockKey(workspaceID, customerID)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

// GetState returns a copy of the stored state.
func (m *MockStore) GetState(ctx context.Context, workspaceID, customerID string) (*ConversationState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.states[mockKey(workspaceID, customerID)]
	if !ok {
		return nil, ErrNotFound
	}
	return st.Clone(), nil
}

// CommitTransition applies the commit atomically under the store mutex.
func (m *MockStore) CommitTransition(ctx context.Context, c *TransitionCommit) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.CommitErr != nil {
		err := m.CommitErr
		if m.CommitErrCount > 0 {
			m.CommitErrCount--
			if m.CommitErrCount == 0 {
				m.CommitErr = nil
			}
		}
		return err
	}

	now := time.Now().UTC()
	var next *ConversationState
	if c.State != nil {
		key := mockKey(c.State.WorkspaceID, c.State.CustomerID)
		cur, exists := m.states[key]
		switch {
		case c.ExpectedVersion == 0 && exists:
			return fmt.Errorf("%w: state for %s already exists", ErrConflict, c.State.CustomerID)
		case c.ExpectedVersion != 0 && (!exists || cur.Version != c.ExpectedVersion):
			return fmt.Errorf("%w: state for %s changed since version %d", ErrConflict, c.State.CustomerID, c.ExpectedVersion)
		}
		next = c.State.Clone()
		next.Version = c.ExpectedVersion + 1
		next.UpdatedAt = now
		if exists {
			next.CreatedAt = cur.CreatedAt
		} else {
			next.CreatedAt = now
		}
	}

	for _, i := range c.Interactions {
		prepareInteraction(i, now)
		if m.duplicateLocked(i) {
			return fmt.Errorf("%w: %s", ErrDuplicateEvent, i.EventID)
		}
	}

	if c.Customer != nil {
		m.ensureCustomerLocked(c.Customer)
	}
	if next != nil {
		m.states[mockKey(next.WorkspaceID, next.CustomerID)] = next
		c.State.Version = next.Version
		c.State.UpdatedAt = next.UpdatedAt
		c.State.CreatedAt = next.CreatedAt
	}
	for _, i := range c.Interactions {
		cp := *i
		m.interactions = append(m.interactions, &cp)
	}
	m.appendAuditLocked(c.Audit, "")
	return nil
}

func (m *MockStore) duplicateLocked(i *Interaction) bool {
	for _, existing := range m.interactions {
		if existing.ID == i.ID {
			return true
		}
		if i.EventID != "" && existing.EventID == i.EventID &&
			existing.WorkspaceID == i.WorkspaceID && existing.CustomerID == i.CustomerID {
			return true
		}
	}
	return false
}

func (m *MockStore) appendAuditLocked(a *AuditEntry, entryID string) {
	if a == nil {
		return
	}
	withTarget(a, entryID)
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now().UTC()
	}
	if a.Actor == "" {
		a.Actor = ActorSystem
	}
	m.audit = append(m.audit, *a)
}

// AppendInteraction records a single interaction.
func (m *MockStore) AppendInteraction(ctx context.Context, i *Interaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	prepareInteraction(i, time.Now().UTC())
	if m.duplicateLocked(i) {
		return fmt.Errorf("%w: %s", ErrDuplicateEvent, i.EventID)
	}
	cp := *i
	m.interactions = append(m.interactions, &cp)
	return nil
}

// ListInteractions returns the most recent interactions in chronological order.
func (m *MockStore) ListInteractions(ctx context.Context, workspaceID, customerID string, limit int) ([]*Interaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Interaction
	for _, i := range m.interactions {
		if i.WorkspaceID == workspaceID && i.CustomerID == customerID {
			cp := *i
			out = append(out, &cp)
		}
	}
	sort.SliceStable(out, func(a, b int) bool { return out[a].CreatedAt.Before(out[b].CreatedAt) })

	limit = normalizeLimit(limit)
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// GetInteractionByEventID finds an interaction by upstream event id.
func (m *MockStore) GetInteractionByEventID(ctx context.Context, workspaceID, customerID, eventID string) (*Interaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, i := range m.interactions {
		if i.WorkspaceID == workspaceID && i.CustomerID == customerID && i.EventID == eventID {
			cp := *i
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

// CreateQueueEntry inserts a waiting entry, rejecting a second active one.
func (m *MockStore) CreateQueueEntry(ctx context.Context, e *QueueEntry, audit *AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.QueueErr != nil {
		return m.QueueErr
	}
	for _, existing := range m.queue {
		if existing.WorkspaceID == e.WorkspaceID && existing.CustomerID == e.CustomerID && !existing.Status.Terminal() {
			return fmt.Errorf("%w: customer %s", ErrActiveEntryExists, e.CustomerID)
		}
	}

	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	e.UpdatedAt = e.CreatedAt
	e.Status = QueueWaiting
	e.OperatorID = ""
	e.LockExpiresAt = nil
	if e.Priority == 0 {
		e.Priority = PriorityLow
	}

	cp := *e
	m.queue[e.ID] = &cp
	m.appendAuditLocked(audit, e.ID)
	return nil
}

// GetQueueEntry retrieves an entry by id.
func (m *MockStore) GetQueueEntry(ctx context.Context, workspaceID, entryID string) (*QueueEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.queue[entryID]
	if !ok || e.WorkspaceID != workspaceID {
		return nil, ErrNotFound
	}
	return copyEntry(e), nil
}

// GetActiveQueueEntry returns the customer's waiting or locked entry.
func (m *MockStore) GetActiveQueueEntry(ctx context.Context, workspaceID, customerID string) (*QueueEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range m.queue {
		if e.WorkspaceID == workspaceID && e.CustomerID == customerID && !e.Status.Terminal() {
			return copyEntry(e), nil
		}
	}
	return nil, ErrNotFound
}

func copyEntry(e *QueueEntry) *QueueEntry {
	cp := *e
	if e.LockExpiresAt != nil {
		t := *e.LockExpiresAt
		cp.LockExpiresAt = &t
	}
	if e.ResolvedAt != nil {
		t := *e.ResolvedAt
		cp.ResolvedAt = &t
	}
	return &cp
}

// mutateEntry runs guard and apply on the stored entry under the mutex.
func (m *MockStore) mutateEntry(workspaceID, entryID string, audit *AuditEntry, guard func(*QueueEntry) error, apply func(*QueueEntry)) (*QueueEntry, error) {
	e, ok := m.queue[entryID]
	if !ok || e.WorkspaceID != workspaceID {
		return nil, ErrNotFound
	}
	if err := guard(e); err != nil {
		return nil, err
	}
	apply(e)
	m.appendAuditLocked(audit, entryID)
	return copyEntry(e), nil
}

// ClaimQueueEntry locks a waiting entry for the operator.
func (m *MockStore) ClaimQueueEntry(ctx context.Context, p ClaimParams, audit *AuditEntry) (*QueueEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if p.MaxLocksPerOperator > 0 {
		held := 0
		for _, e := range m.queue {
			if e.WorkspaceID == p.WorkspaceID && e.Status == QueueLocked && e.OperatorID == p.OperatorID && !e.Expired(p.Now) {
				held++
			}
		}
		if held >= p.MaxLocksPerOperator {
			return nil, fmt.Errorf("%w: %s holds %d", ErrCapacityExceeded, p.OperatorID, held)
		}
	}

	return m.mutateEntry(p.WorkspaceID, p.EntryID, audit,
		func(e *QueueEntry) error {
			switch e.Status {
			case QueueWaiting:
				return nil
			case QueueLocked:
				return ErrAlreadyClaimed
			default:
				return fmt.Errorf("%w: cannot claim %s entry", ErrInvalidTransition, e.Status)
			}
		},
		func(e *QueueEntry) {
			exp := p.LockExpiresAt
			e.Status = QueueLocked
			e.OperatorID = p.OperatorID
			e.LockExpiresAt = &exp
			e.UpdatedAt = p.Now
		})
}

func mockHolderGuard(c QueueChange, op string) func(*QueueEntry) error {
	return func(e *QueueEntry) error {
		switch {
		case e.Status != QueueLocked:
			return fmt.Errorf("%w: cannot %s %s entry", ErrInvalidTransition, op, e.Status)
		case e.OperatorID != c.OperatorID:
			return ErrNotHolder
		case e.Expired(c.Now):
			return ErrLockExpired
		}
		return nil
	}
}

// RenewQueueEntry extends a held lease.
func (m *MockStore) RenewQueueEntry(ctx context.Context, c QueueChange, audit *AuditEntry) (*QueueEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.mutateEntry(c.WorkspaceID, c.EntryID, audit, mockHolderGuard(c, "renew"), func(e *QueueEntry) {
		exp := c.LockExpiresAt
		e.LockExpiresAt = &exp
		e.UpdatedAt = c.Now
	})
}

// ReleaseQueueEntry returns a locked entry to waiting.
func (m *MockStore) ReleaseQueueEntry(ctx context.Context, c QueueChange, audit *AuditEntry) (*QueueEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.mutateEntry(c.WorkspaceID, c.EntryID, audit,
		func(e *QueueEntry) error {
			switch {
			case e.Status != QueueLocked:
				return fmt.Errorf("%w: cannot release %s entry", ErrInvalidTransition, e.Status)
			case c.OperatorID != "" && e.OperatorID != c.OperatorID:
				return ErrNotHolder
			case c.OperatorID == "" && !e.Expired(c.Now):
				return ErrLockNotExpired
			}
			return nil
		},
		func(e *QueueEntry) {
			e.Status = QueueWaiting
			e.OperatorID = ""
			e.LockExpiresAt = nil
			e.UpdatedAt = c.Now
		})
}

// ResolveQueueEntry marks a held entry done.
func (m *MockStore) ResolveQueueEntry(ctx context.Context, c QueueChange, audit *AuditEntry) (*QueueEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.mutateEntry(c.WorkspaceID, c.EntryID, audit, mockHolderGuard(c, "resolve"), func(e *QueueEntry) {
		now := c.Now
		e.Status = QueueDone
		e.OperatorID = ""
		e.LockExpiresAt = nil
		e.UpdatedAt = now
		e.ResolvedAt = &now
	})
}

// CancelQueueEntry cancels any non-terminal entry.
func (m *MockStore) CancelQueueEntry(ctx context.Context, c QueueChange, audit *AuditEntry) (*QueueEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.mutateEntry(c.WorkspaceID, c.EntryID, audit,
		func(e *QueueEntry) error {
			if e.Status.Terminal() {
				return fmt.Errorf("%w: cannot cancel %s entry", ErrInvalidTransition, e.Status)
			}
			return nil
		},
		func(e *QueueEntry) {
			now := c.Now
			e.Status = QueueCancelled
			e.OperatorID = ""
			e.LockExpiresAt = nil
			e.UpdatedAt = now
			e.ResolvedAt = &now
		})
}

// ListQueueEntries lists entries by priority then creation time.
func (m *MockStore) ListQueueEntries(ctx context.Context, f QueueFilter) ([]*QueueEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	statuses := f.Statuses
	if len(statuses) == 0 {
		statuses = []QueueStatus{QueueWaiting}
	}
	want := make(map[QueueStatus]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}

	var out []*QueueEntry
	for _, e := range m.queue {
		if e.WorkspaceID == f.WorkspaceID && want[e.Status] {
			out = append(out, copyEntry(e))
		}
	}
	sortQueue(out)

	limit := normalizeLimit(f.Limit)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func sortQueue(entries []*QueueEntry) {
	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

// ListExpiredLocks returns locked entries past their lease.
func (m *MockStore) ListExpiredLocks(ctx context.Context, workspaceID string, now time.Time) ([]*QueueEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*QueueEntry
	for _, e := range m.queue {
		if (workspaceID == "" || e.WorkspaceID == workspaceID) && e.Expired(now) {
			out = append(out, copyEntry(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LockExpiresAt.Before(*out[j].LockExpiresAt) })
	return out, nil
}

// ListAuditLog returns audit entries newest first.
func (m *MockStore) ListAuditLog(ctx context.Context, f AuditFilter) ([]AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []AuditEntry
	for i := len(m.audit) - 1; i >= 0; i-- {
		e := m.audit[i]
		switch {
		case e.WorkspaceID != f.WorkspaceID:
		case f.Action != nil && e.Action != *f.Action:
		case f.Actor != nil && e.Actor != *f.Actor:
		case f.TargetType != nil && e.TargetType != *f.TargetType:
		case f.TargetID != nil && e.TargetID != *f.TargetID:
		case f.Since != nil && e.Timestamp.Before(*f.Since):
		case f.Until != nil && e.Timestamp.After(*f.Until):
		default:
			out = append(out, e)
		}
	}

	limit := normalizeLimit(f.Limit)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Close is a no-op for MockStore.
func (m *MockStore) Close() error {
	return nil
}

// Ensure MockStore implements Store interface
var _ Store = (*MockStore)(nil)
