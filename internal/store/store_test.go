// ABOUTME: Tests for the SQLite context store and interaction log
// ABOUTME: Covers versioned commits, atomic rollback and event-id idempotency

package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestStore creates a temporary SQLite store for testing
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	store, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)

	t.Cleanup(func() {
		store.Close()
	})

	return store
}

func newState(ws, cust, state string, ctx map[string]any) *ConversationState {
	return &ConversationState{
		WorkspaceID: ws,
		CustomerID:  cust,
		SessionID:   "session-1",
		State:       state,
		Context:     ctx,
	}
}

func inbound(ws, cust, eventID, state string) *Interaction {
	return &Interaction{
		WorkspaceID: ws,
		CustomerID:  cust,
		EventID:     eventID,
		Direction:   DirectionInbound,
		Channel:     "whatsapp",
		Content:     map[string]any{"text": "hola"},
		State:       state,
	}
}

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "subdir", "nested", "test.db")

	store, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer store.Close()

	_, err = os.Stat(dbPath)
	assert.NoError(t, err, "database file should be created in nested directory")
}

func TestNewSQLiteStore_Reopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	store, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	require.NoError(t, store.Close())

	// Schema creation and migrations must be idempotent
	store, err = NewSQLiteStore(dbPath)
	require.NoError(t, err)
	require.NoError(t, store.Close())
}

func TestGetState_NotFound(t *testing.T) {
	store := setupTestStore(t)

	_, err := store.GetState(context.Background(), "acme", "+5215550000")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCommitTransition_CreateAndUpdate(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	st := newState("acme", "+5215550001", "MENU_PRINCIPAL", map[string]any{"name": "Ana"})
	err := store.CommitTransition(ctx, &TransitionCommit{
		Customer:     &Customer{WorkspaceID: "acme", ID: "+5215550001", DisplayName: "Ana"},
		State:        st,
		Interactions: []*Interaction{inbound("acme", "+5215550001", "evt-1", "SESSION_START")},
		Audit:        &AuditEntry{WorkspaceID: "acme", Action: AuditTransition, TargetType: TargetConversation, TargetID: "+5215550001"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.Version)

	got, err := store.GetState(ctx, "acme", "+5215550001")
	require.NoError(t, err)
	assert.Equal(t, "MENU_PRINCIPAL", got.State)
	assert.Equal(t, "Ana", got.Context["name"])
	assert.Equal(t, int64(1), got.Version)

	cust, err := store.GetCustomer(ctx, "acme", "+5215550001")
	require.NoError(t, err)
	assert.Equal(t, "Ana", cust.DisplayName)

	next := got.Clone()
	next.State = "HANDLED"
	next.Context["order_id"] = "A-1"
	require.NoError(t, store.CommitTransition(ctx, &TransitionCommit{State: next, ExpectedVersion: 1}))
	assert.Equal(t, int64(2), next.Version)

	got, err = store.GetState(ctx, "acme", "+5215550001")
	require.NoError(t, err)
	assert.Equal(t, "HANDLED", got.State)
	assert.Equal(t, "A-1", got.Context["order_id"])
	assert.Equal(t, int64(2), got.Version)
}

func TestCommitTransition_StaleVersionConflicts(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	st := newState("acme", "c1", "MENU_PRINCIPAL", nil)
	require.NoError(t, store.CommitTransition(ctx, &TransitionCommit{
		Customer: &Customer{WorkspaceID: "acme", ID: "c1"},
		State:    st,
	}))

	first := newState("acme", "c1", "PEDIDO", nil)
	require.NoError(t, store.CommitTransition(ctx, &TransitionCommit{State: first, ExpectedVersion: 1}))

	// A writer that read version 1 lost the race
	stale := newState("acme", "c1", "FACTURA", nil)
	err := store.CommitTransition(ctx, &TransitionCommit{State: stale, ExpectedVersion: 1})
	assert.ErrorIs(t, err, ErrConflict)

	got, err := store.GetState(ctx, "acme", "c1")
	require.NoError(t, err)
	assert.Equal(t, "PEDIDO", got.State)
}

func TestCommitTransition_DoubleCreateConflicts(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	cust := &Customer{WorkspaceID: "acme", ID: "c1"}
	require.NoError(t, store.CommitTransition(ctx, &TransitionCommit{Customer: cust, State: newState("acme", "c1", "A", nil)}))

	err := store.CommitTransition(ctx, &TransitionCommit{Customer: cust, State: newState("acme", "c1", "B", nil)})
	assert.ErrorIs(t, err, ErrConflict)
}

func TestCommitTransition_RollsBackOnInteractionFailure(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CommitTransition(ctx, &TransitionCommit{
		Customer: &Customer{WorkspaceID: "acme", ID: "c1"},
		State:    newState("acme", "c1", "MENU_PRINCIPAL", nil),
	}))

	// Pre-insert an interaction whose id the next commit will reuse
	existing := inbound("acme", "c1", "", "MENU_PRINCIPAL")
	existing.ID = "fixed-id"
	require.NoError(t, store.AppendInteraction(ctx, existing))

	clash := inbound("acme", "c1", "evt-2", "MENU_PRINCIPAL")
	clash.ID = "fixed-id"
	err := store.CommitTransition(ctx, &TransitionCommit{
		State:           newState("acme", "c1", "HANDLED", nil),
		ExpectedVersion: 1,
		Interactions:    []*Interaction{clash},
		Audit:           &AuditEntry{WorkspaceID: "acme", Action: AuditTransition, TargetType: TargetConversation, TargetID: "c1"},
	})
	require.Error(t, err)

	got, err := store.GetState(ctx, "acme", "c1")
	require.NoError(t, err)
	assert.Equal(t, "MENU_PRINCIPAL", got.State, "state must not change when the interaction insert fails")
	assert.Equal(t, int64(1), got.Version)

	entries, err := store.ListAuditLog(ctx, AuditFilter{WorkspaceID: "acme"})
	require.NoError(t, err)
	assert.Empty(t, entries, "audit row must roll back with the transition")
}

func TestCommitTransition_DuplicateEvent(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CommitTransition(ctx, &TransitionCommit{
		Customer:     &Customer{WorkspaceID: "acme", ID: "c1"},
		State:        newState("acme", "c1", "MENU_PRINCIPAL", nil),
		Interactions: []*Interaction{inbound("acme", "c1", "evt-1", "SESSION_START")},
	}))

	err := store.CommitTransition(ctx, &TransitionCommit{
		State:           newState("acme", "c1", "HANDLED", nil),
		ExpectedVersion: 1,
		Interactions:    []*Interaction{inbound("acme", "c1", "evt-1", "MENU_PRINCIPAL")},
	})
	assert.ErrorIs(t, err, ErrDuplicateEvent)

	got, err := store.GetState(ctx, "acme", "c1")
	require.NoError(t, err)
	assert.Equal(t, "MENU_PRINCIPAL", got.State)

	// Same event id for another customer is independent
	require.NoError(t, store.AppendInteraction(ctx, inbound("acme", "c2", "evt-1", "SESSION_START")))
}

func TestInteractions_OrderAndLimit(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	for i := range 5 {
		rec := inbound("acme", "c1", "", "MENU_PRINCIPAL")
		rec.Content = map[string]any{"n": float64(i)}
		rec.CreatedAt = base.Add(time.Duration(i) * time.Second)
		require.NoError(t, store.AppendInteraction(ctx, rec))
	}
	require.NoError(t, store.AppendInteraction(ctx, inbound("other", "c1", "", "MENU_PRINCIPAL")))

	all, err := store.ListInteractions(ctx, "acme", "c1", 0)
	require.NoError(t, err)
	require.Len(t, all, 5)
	for i, rec := range all {
		assert.Equal(t, float64(i), rec.Content["n"])
	}

	last, err := store.ListInteractions(ctx, "acme", "c1", 2)
	require.NoError(t, err)
	require.Len(t, last, 2)
	assert.Equal(t, float64(3), last[0].Content["n"])
	assert.Equal(t, float64(4), last[1].Content["n"])
}

func TestGetInteractionByEventID(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	rec := inbound("acme", "c1", "evt-9", "MENU_PRINCIPAL")
	rec.Intent = "CONSULTAR_PEDIDO"
	require.NoError(t, store.AppendInteraction(ctx, rec))

	got, err := store.GetInteractionByEventID(ctx, "acme", "c1", "evt-9")
	require.NoError(t, err)
	assert.Equal(t, rec.ID, got.ID)
	assert.Equal(t, "CONSULTAR_PEDIDO", got.Intent)
	assert.Equal(t, DirectionInbound, got.Direction)

	_, err = store.GetInteractionByEventID(ctx, "acme", "c1", "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCloneContext_IsDeep(t *testing.T) {
	orig := map[string]any{
		"nested": map[string]any{"a": "b"},
		"list":   []any{"x"},
	}
	cp := CloneContext(orig)
	cp["nested"].(map[string]any)["a"] = "changed"
	cp["list"].([]any)[0] = "y"

	assert.Equal(t, "b", orig["nested"].(map[string]any)["a"])
	assert.Equal(t, "x", orig["list"].([]any)[0])
}
