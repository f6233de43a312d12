// ABOUTME: Unit tests for MockStore to ensure behavior matches SQLiteStore
// ABOUTME: Runs shared scenarios against both stores and checks fault injection

package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// bothStores runs fn against the SQLite and the in-memory implementation.
func bothStores(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("sqlite", func(t *testing.T) { fn(t, setupTestStore(t)) })
	t.Run("mock", func(t *testing.T) { fn(t, NewMockStore()) })
}

func TestStores_VersionedCommit(t *testing.T) {
	bothStores(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		st := newState("acme", "c1", "MENU_PRINCIPAL", map[string]any{})
		require.NoError(t, s.CommitTransition(ctx, &TransitionCommit{
			Customer: &Customer{WorkspaceID: "acme", ID: "c1"},
			State:    st,
		}))
		assert.Equal(t, int64(1), st.Version)

		err := s.CommitTransition(ctx, &TransitionCommit{State: newState("acme", "c1", "X", nil), ExpectedVersion: 7})
		assert.ErrorIs(t, err, ErrConflict)

		got, err := s.GetState(ctx, "acme", "c1")
		require.NoError(t, err)
		assert.Equal(t, "MENU_PRINCIPAL", got.State)
	})
}

func TestStores_DuplicateEvent(t *testing.T) {
	bothStores(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		require.NoError(t, s.AppendInteraction(ctx, inbound("acme", "c1", "evt-1", "A")))
		err := s.AppendInteraction(ctx, inbound("acme", "c1", "evt-1", "A"))
		assert.ErrorIs(t, err, ErrDuplicateEvent)

		// Outbound records without an event id never collide
		require.NoError(t, s.AppendInteraction(ctx, &Interaction{WorkspaceID: "acme", CustomerID: "c1", Direction: DirectionOutbound, State: "A"}))
		require.NoError(t, s.AppendInteraction(ctx, &Interaction{WorkspaceID: "acme", CustomerID: "c1", Direction: DirectionOutbound, State: "A"}))
	})
}

func TestStores_QueueLifecycle(t *testing.T) {
	bothStores(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		e := createEntry(t, s, "acme", "c1", PriorityHigh, queueBase)

		err := s.CreateQueueEntry(ctx, &QueueEntry{WorkspaceID: "acme", CustomerID: "c1"}, nil)
		assert.ErrorIs(t, err, ErrActiveEntryExists)

		_, err = claim(s, e, "op-a", queueBase)
		require.NoError(t, err)
		_, err = claim(s, e, "op-b", queueBase)
		assert.ErrorIs(t, err, ErrAlreadyClaimed)

		_, err = s.ReleaseQueueEntry(ctx, QueueChange{WorkspaceID: "acme", EntryID: e.ID, Now: queueBase}, nil)
		assert.ErrorIs(t, err, ErrLockNotExpired)

		_, err = s.ResolveQueueEntry(ctx, QueueChange{WorkspaceID: "acme", EntryID: e.ID, OperatorID: "op-b", Now: queueBase}, nil)
		assert.ErrorIs(t, err, ErrNotHolder)

		done, err := s.ResolveQueueEntry(ctx, QueueChange{WorkspaceID: "acme", EntryID: e.ID, OperatorID: "op-a", Now: queueBase}, nil)
		require.NoError(t, err)
		assert.Equal(t, QueueDone, done.Status)

		_, err = s.GetActiveQueueEntry(ctx, "acme", "c1")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestMockStore_CommitErrInjection(t *testing.T) {
	s := NewMockStore()
	ctx := context.Background()

	s.CommitErr = ErrTransient
	s.CommitErrCount = 2

	commit := func() error {
		return s.CommitTransition(ctx, &TransitionCommit{
			Customer: &Customer{WorkspaceID: "acme", ID: "c1"},
			State:    newState("acme", "c1", "MENU_PRINCIPAL", nil),
		})
	}

	assert.ErrorIs(t, commit(), ErrTransient)
	assert.ErrorIs(t, commit(), ErrTransient)
	require.NoError(t, commit())

	_, err := s.GetState(ctx, "acme", "c1")
	require.NoError(t, err)
}

func TestMockStore_QueueErrInjection(t *testing.T) {
	s := NewMockStore()
	s.QueueErr = errors.New("boom")

	err := s.CreateQueueEntry(context.Background(), &QueueEntry{WorkspaceID: "acme", CustomerID: "c1", CreatedAt: time.Now()}, nil)
	assert.EqualError(t, err, "boom")
}
