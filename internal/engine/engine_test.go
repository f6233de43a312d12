// ABOUTME: Tests for the conversation engine over SQLite and the in-memory store
// ABOUTME: Covers escalation, replays, serialization, atomicity and configuration failures

package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-concierge/internal/dedupe"
	"github.com/2389/coven-concierge/internal/escalation"
	"github.com/2389/coven-concierge/internal/flow"
	"github.com/2389/coven-concierge/internal/lock"
	"github.com/2389/coven-concierge/internal/metrics"
	"github.com/2389/coven-concierge/internal/notify"
	"github.com/2389/coven-concierge/internal/queue"
	"github.com/2389/coven-concierge/internal/retry"
	"github.com/2389/coven-concierge/internal/store"
)

const ws = "acme"

const testFlow = `
workspace: acme
initial_state: SESSION_START
default_fallback:
  to: MENU_PRINCIPAL
  reply: "No entendi."
states:
  SESSION_START:
    kind: initial
    fallback:
      to: MENU_PRINCIPAL
      reply: "Hola!"
  MENU_PRINCIPAL:
    kind: menu
    prompt: "1) Pedido 2) Asesor"
    transitions:
      CONSULTAR_PEDIDO:
        to: PEDIDO_ESTADO
        guard: 'has(ctx.order_id)'
        else: PEDIDO_NUMERO
      ASESOR:
        to: ESCALATED
      ROTO:
        to: HANDLED
        set:
          n: 'ctx.missing + 1'
  PEDIDO_NUMERO:
    kind: gathering
    capture: order_id
    prompt: "Numero de pedido?"
    transitions:
      DATO_RECIBIDO:
        to: PEDIDO_ESTADO
        reply: "Gracias."
  PEDIDO_ESTADO:
    kind: menu
    transitions:
      GRACIAS:
        to: HANDLED
        reply: "Con gusto!"
  HANDLED:
    kind: terminal
    fallback:
      to: MENU_PRINCIPAL
  ESCALATED:
    kind: escalated
    prompt: "Un asesor te atendera."
`

type fixture struct {
	engine  *Engine
	queue   *queue.Queue
	store   store.Store
	rec     *notify.Recorder
	metrics *metrics.Collector
}

type option func(*Deps)

func withDedupe(c *dedupe.Cache) option { return func(d *Deps) { d.Dedupe = c } }

func newFixture(t *testing.T, st store.Store, opts ...option) *fixture {
	t.Helper()
	env, err := flow.NewEnv()
	require.NoError(t, err)
	table, err := flow.Parse(env, []byte(testFlow), flow.FormatYAML)
	require.NoError(t, err)
	reg := flow.NewRegistry()
	reg.Register(table)

	rec := notify.NewRecorder(512)
	m := metrics.New(metrics.DefaultConfig())
	q := queue.New(st, rec, m, nil)

	d := Deps{
		Store:    st,
		Flows:    reg,
		Queue:    q,
		Locker:   lock.NewInMemoryLock(),
		Notifier: rec,
		Metrics:  m,
		Retry:    retry.Config{MaxAttempts: 5, InitialBackoff: time.Microsecond, MaxBackoff: time.Millisecond},
	}
	for _, o := range opts {
		o(&d)
	}
	e := New(d)
	q.OnResolve(e.OnQueueResolved)
	q.OnCancel(e.OnQueueCancelled)
	return &fixture{engine: e, queue: q, store: st, rec: rec, metrics: m}
}

func sqliteStore(t *testing.T) store.Store {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "engine.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func event(customer, id, intent string) InboundEvent {
	return InboundEvent{
		WorkspaceID: ws,
		CustomerID:  customer,
		EventID:     id,
		Intent:      intent,
		Channel:     "whatsapp",
	}
}

func (f *fixture) apply(t *testing.T, ev InboundEvent) *Result {
	t.Helper()
	res, err := f.engine.Apply(context.Background(), ev)
	require.NoError(t, err)
	return res
}

func countDirection(items []*store.Interaction, d store.Direction) int {
	n := 0
	for _, i := range items {
		if i.Direction == d {
			n++
		}
	}
	return n
}

func TestApply_FirstContactInitializesSession(t *testing.T) {
	f := newFixture(t, sqliteStore(t))
	ctx := context.Background()

	ev := event("+5215550001", "m1", "SALUDO")
	ev.Text = "hola"
	ev.DisplayName = "Maria"
	res := f.apply(t, ev)

	assert.Equal(t, flow.StateSessionStart, res.PreviousState)
	assert.Equal(t, flow.StateMainMenu, res.State)
	assert.Equal(t, flow.RouteFallback, res.Route)
	assert.Equal(t, []string{"Hola!"}, res.Replies)
	assert.Equal(t, int64(1), res.Version)
	assert.NotEmpty(t, res.SessionID)
	assert.Nil(t, res.Escalation)

	cust, err := f.store.GetCustomer(ctx, ws, "+5215550001")
	require.NoError(t, err)
	assert.Equal(t, "Maria", cust.DisplayName)

	st, err := f.store.GetState(ctx, ws, "+5215550001")
	require.NoError(t, err)
	assert.Equal(t, 1, st.Turns)

	log, err := f.store.ListInteractions(ctx, ws, "+5215550001", 10)
	require.NoError(t, err)
	require.Len(t, log, 2)
	assert.Equal(t, store.DirectionInbound, log[0].Direction)
	assert.Equal(t, flow.StateSessionStart, log[0].State, "inbound is tagged with the state active when received")
	assert.Equal(t, "hola", log[0].Content["text"])
	assert.Equal(t, store.DirectionOutbound, log[1].Direction)
	assert.Equal(t, flow.StateMainMenu, log[1].State)

	evs := f.rec.Drain()
	require.Len(t, evs, 1)
	assert.Equal(t, notify.EventStateChanged, evs[0].Type)
	assert.Equal(t, flow.StateMainMenu, evs[0].Payload["to"])
}

func TestApply_HumanRequestedFromMainMenu(t *testing.T) {
	f := newFixture(t, sqliteStore(t))
	ctx := context.Background()

	// Older waiting customers at lower tiers.
	_, err := f.queue.Enqueue(ctx, queue.EnqueueRequest{WorkspaceID: ws, CustomerID: "old-low", Priority: store.PriorityLow})
	require.NoError(t, err)
	_, err = f.queue.Enqueue(ctx, queue.EnqueueRequest{WorkspaceID: ws, CustomerID: "old-medium", Priority: store.PriorityMedium})
	require.NoError(t, err)

	f.apply(t, event("c1", "m1", "SALUDO"))
	f.rec.Drain()

	res := f.apply(t, event("c1", "m2", flow.IntentHumanRequested))
	assert.Equal(t, flow.StateMainMenu, res.PreviousState)
	assert.Equal(t, flow.StateEscalated, res.State)
	require.NotNil(t, res.Escalation)
	assert.Equal(t, escalation.ReasonExplicitRequest, res.Escalation.Reason)
	assert.Equal(t, store.PriorityHigh, res.Escalation.Priority)
	assert.Equal(t, []any{"explicit_request"}, res.Context[ContextEscalationReasons])
	assert.Equal(t, []string{"Un asesor te atendera."}, res.Replies)
	require.NotEmpty(t, res.QueueEntryID)

	entry, err := f.queue.Get(ctx, ws, res.QueueEntryID)
	require.NoError(t, err)
	assert.Equal(t, store.QueueWaiting, entry.Status)
	assert.Equal(t, "explicit_request", entry.Reason)

	waiting, err := f.queue.ListWaiting(ctx, ws, 0)
	require.NoError(t, err)
	require.Len(t, waiting, 3)
	assert.Equal(t, "c1", waiting[0].CustomerID)

	types := []notify.EventType{}
	for _, ev := range f.rec.Drain() {
		types = append(types, ev.Type)
	}
	assert.Equal(t, []notify.EventType{notify.EventStateChanged, notify.EventQueueCreated}, types)
	assert.InDelta(t, 1, testutil.ToFloat64(f.metrics.Escalations.WithLabelValues(ws, "explicit_request")), 0)
}

func TestApply_EscalatedHoldsAndRequeues(t *testing.T) {
	f := newFixture(t, sqliteStore(t))
	ctx := context.Background()

	first := f.apply(t, event("c1", "m1", flow.IntentHumanRequested))
	require.Equal(t, flow.StateEscalated, first.State)

	held := f.apply(t, event("c1", "m2", "CONSULTAR_PEDIDO"))
	assert.Equal(t, flow.RouteHold, held.Route)
	assert.Equal(t, flow.StateEscalated, held.State)
	assert.Empty(t, held.Replies)
	assert.Equal(t, first.QueueEntryID, held.QueueEntryID)
	assert.Nil(t, held.Escalation)

	st, err := f.store.GetState(ctx, ws, "c1")
	require.NoError(t, err)
	assert.Equal(t, 1, st.Turns, "held messages are not automated cycles")

	// The entry goes away without the cancel hook; the next message queues again.
	_, err = f.store.CancelQueueEntry(ctx, store.QueueChange{WorkspaceID: ws, EntryID: first.QueueEntryID, Now: time.Now().UTC()},
		&store.AuditEntry{WorkspaceID: ws, Actor: store.ActorSystem, Action: store.AuditQueueCancel, Timestamp: time.Now().UTC()})
	require.NoError(t, err)

	again := f.apply(t, event("c1", "m3", "HOLA"))
	require.NotNil(t, again.Escalation)
	assert.Equal(t, escalation.ReasonFollowup, again.Escalation.Reason)
	assert.NotEqual(t, first.QueueEntryID, again.QueueEntryID)

	log, err := f.store.ListInteractions(ctx, ws, "c1", 100)
	require.NoError(t, err)
	assert.Equal(t, 3, countDirection(log, store.DirectionInbound))
}

func TestApply_FlowTransitionIntoEscalatedQueues(t *testing.T) {
	f := newFixture(t, store.NewMockStore())
	ctx := context.Background()

	f.apply(t, event("c1", "m1", "HOLA"))
	res := f.apply(t, event("c1", "m2", "ASESOR"))

	assert.Equal(t, flow.StateEscalated, res.State)
	assert.Equal(t, flow.RouteTransition, res.Route)
	require.NotNil(t, res.Escalation)
	assert.Equal(t, escalation.ReasonFlowTransition, res.Escalation.Reason)
	assert.Equal(t, store.PriorityMedium, res.Escalation.Priority)
	assert.Equal(t, []any{"flow_transition"}, res.Context[ContextEscalationReasons])
	assert.Equal(t, []string{"Un asesor te atendera."}, res.Replies)
	require.NotEmpty(t, res.QueueEntryID)

	active, err := f.queue.Active(ctx, ws, "c1")
	require.NoError(t, err)
	assert.Equal(t, res.QueueEntryID, active.ID)
	assert.Equal(t, "flow_transition", active.Reason)
	assert.Equal(t, store.QueueWaiting, active.Status)
}

func TestApply_HoldDoesNotEmitStateChanged(t *testing.T) {
	f := newFixture(t, store.NewMockStore())

	f.apply(t, event("c1", "m1", flow.IntentHumanRequested))
	f.rec.Drain()

	held := f.apply(t, event("c1", "m2", "HOLA"))
	require.Equal(t, flow.RouteHold, held.Route)
	for _, ev := range f.rec.Drain() {
		assert.NotEqual(t, notify.EventStateChanged, ev.Type)
	}
}

func TestCancel_ResetsEscalatedCustomer(t *testing.T) {
	f := newFixture(t, sqliteStore(t))
	ctx := context.Background()

	escalated := f.apply(t, event("c1", "m1", flow.IntentHumanRequested))
	_, err := f.queue.Cancel(ctx, ws, escalated.QueueEntryID, "admin")
	require.NoError(t, err)

	st, err := f.store.GetState(ctx, ws, "c1")
	require.NoError(t, err)
	assert.Equal(t, flow.StateSessionStart, st.State)
	assert.NotEqual(t, escalated.SessionID, st.SessionID)

	// Back to automated handling, nothing queued again.
	res := f.apply(t, event("c1", "m2", "SALUDO"))
	assert.Equal(t, flow.StateMainMenu, res.State)
	assert.Nil(t, res.Escalation)
	_, err = f.queue.Active(ctx, ws, "c1")
	assert.ErrorIs(t, err, store.ErrNotFound)

	action := store.AuditSessionReset
	audit, err := f.store.ListAuditLog(ctx, store.AuditFilter{WorkspaceID: ws, Action: &action})
	require.NoError(t, err)
	require.Len(t, audit, 1)
	assert.Equal(t, "admin", audit[0].Actor)
}

func TestCancel_KeepsAutomatedConversation(t *testing.T) {
	f := newFixture(t, store.NewMockStore())
	ctx := context.Background()

	f.apply(t, event("c1", "m1", "HOLA"))
	entry, err := f.queue.Enqueue(ctx, queue.EnqueueRequest{WorkspaceID: ws, CustomerID: "c1", Priority: store.PriorityLow})
	require.NoError(t, err)
	_, err = f.queue.Cancel(ctx, ws, entry.ID, "admin")
	require.NoError(t, err)

	st, err := f.store.GetState(ctx, ws, "c1")
	require.NoError(t, err)
	assert.Equal(t, flow.StateMainMenu, st.State)

	assert.NoError(t, f.engine.OnQueueCancelled(ctx, &store.QueueEntry{WorkspaceID: ws, CustomerID: "nobody"}, "admin"))
}

func TestApply_GuardElseAndGathering(t *testing.T) {
	f := newFixture(t, store.NewMockStore())

	f.apply(t, event("c1", "m1", "SALUDO"))

	res := f.apply(t, event("c1", "m2", "CONSULTAR_PEDIDO"))
	assert.Equal(t, flow.RouteElse, res.Route)
	assert.Equal(t, "PEDIDO_NUMERO", res.State)
	assert.Equal(t, []string{"Numero de pedido?"}, res.Replies)

	ev := event("c1", "m3", "DATO_RECIBIDO")
	ev.Text = "A-1042"
	res = f.apply(t, ev)
	assert.Equal(t, "PEDIDO_ESTADO", res.State)
	assert.Equal(t, "A-1042", res.Context["order_id"])
}

func TestApply_Deterministic(t *testing.T) {
	script := []InboundEvent{
		event("c1", "m1", "SALUDO"),
		event("c1", "m2", "CONSULTAR_PEDIDO"),
		{WorkspaceID: ws, CustomerID: "c1", EventID: "m3", Intent: "DATO_RECIBIDO", Text: "B-7"},
		event("c1", "m4", "GRACIAS"),
		event("c1", "m5", "NADA"),
	}

	run := func() []*Result {
		f := newFixture(t, store.NewMockStore())
		out := make([]*Result, 0, len(script))
		for _, ev := range script {
			out = append(out, f.apply(t, ev))
		}
		return out
	}

	a, b := run(), run()
	for i := range script {
		assert.Equal(t, a[i].State, b[i].State, "step %d", i)
		assert.Equal(t, a[i].Route, b[i].Route, "step %d", i)
		assert.Equal(t, a[i].Context, b[i].Context, "step %d", i)
		assert.Equal(t, a[i].Replies, b[i].Replies, "step %d", i)
	}
	assert.Equal(t, flow.StateMainMenu, a[4].State)
}

func TestApply_ReplayedEventAppliesOnce(t *testing.T) {
	f := newFixture(t, sqliteStore(t))
	ctx := context.Background()

	first := f.apply(t, event("c1", "m1", "SALUDO"))
	f.rec.Drain()

	again := f.apply(t, event("c1", "m1", "SALUDO"))
	assert.True(t, again.Replayed)
	assert.Equal(t, first.State, again.State)
	assert.Equal(t, first.Version, again.Version)
	assert.Empty(t, f.rec.Drain(), "replays emit nothing")

	log, err := f.store.ListInteractions(ctx, ws, "c1", 100)
	require.NoError(t, err)
	assert.Len(t, log, 2)
}

func TestApply_DedupeFastPath(t *testing.T) {
	cache := dedupe.New(time.Minute, 100)
	defer cache.Close()
	f := newFixture(t, store.NewMockStore(), withDedupe(cache))

	f.apply(t, event("c1", "m1", "SALUDO"))
	assert.True(t, cache.Check(dedupe.EventKey(ws, "c1", "m1")))

	res := f.apply(t, event("c1", "m1", "SALUDO"))
	assert.True(t, res.Replayed)
	assert.Equal(t, int64(1), res.Version)
}

func TestApply_SerializesSameCustomer(t *testing.T) {
	f := newFixture(t, sqliteStore(t))
	ctx := context.Background()

	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := range n {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.engine.Apply(ctx, event("c1", fmt.Sprintf("m%d", i), "DESCONOCIDO"))
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	st, err := f.store.GetState(ctx, ws, "c1")
	require.NoError(t, err)
	assert.Equal(t, n, st.Turns, "no lost updates")
	assert.Equal(t, int64(n), st.Version)

	log, err := f.store.ListInteractions(ctx, ws, "c1", 1000)
	require.NoError(t, err)
	assert.Equal(t, n, countDirection(log, store.DirectionInbound))
}

func TestApply_CommitFailureLeavesNoPartialWrite(t *testing.T) {
	ms := store.NewMockStore()
	f := newFixture(t, ms)
	ctx := context.Background()

	ms.CommitErr = errors.New("disk I/O error")
	ms.CommitErrCount = 1

	_, err := f.engine.Apply(ctx, event("c1", "m1", "SALUDO"))
	require.Error(t, err)

	_, err = ms.GetState(ctx, ws, "c1")
	assert.ErrorIs(t, err, store.ErrNotFound)
	log, err := ms.ListInteractions(ctx, ws, "c1", 10)
	require.NoError(t, err)
	assert.Empty(t, log)

	entry, err := f.queue.Active(ctx, ws, "c1")
	require.NoError(t, err, "unresolved failures degrade to a human")
	assert.Equal(t, string(escalation.ReasonProcessingFailure), entry.Reason)
	assert.Equal(t, store.PriorityHigh, entry.Priority)

	// Redelivery after the failure applies normally.
	res := f.apply(t, event("c1", "m1", "SALUDO"))
	assert.False(t, res.Replayed)
	assert.Equal(t, flow.StateMainMenu, res.State)
}

func TestApply_RetriesVersionConflicts(t *testing.T) {
	ms := store.NewMockStore()
	f := newFixture(t, ms)

	ms.CommitErr = store.ErrConflict
	ms.CommitErrCount = 2

	res := f.apply(t, event("c1", "m1", "SALUDO"))
	assert.Equal(t, int64(1), res.Version)
	assert.InDelta(t, 2, testutil.ToFloat64(f.metrics.CommitRetries.WithLabelValues(ws)), 0)
}

func TestApply_ConflictCeiling(t *testing.T) {
	ms := store.NewMockStore()
	f := newFixture(t, ms)

	ms.CommitErr = store.ErrTransient

	_, err := f.engine.Apply(context.Background(), event("c1", "m1", "SALUDO"))
	require.Error(t, err)
	assert.ErrorIs(t, err, store.ErrTransient)
	var exhausted *retry.ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 5, exhausted.Attempts)
}

func TestApply_UnknownStateIsConfigurationError(t *testing.T) {
	st := sqliteStore(t)
	f := newFixture(t, st)
	ctx := context.Background()

	// A state that a later flow revision no longer defines.
	require.NoError(t, st.CommitTransition(ctx, &store.TransitionCommit{
		Customer: &store.Customer{WorkspaceID: ws, ID: "c1"},
		State: &store.ConversationState{
			WorkspaceID: ws, CustomerID: "c1", SessionID: "s1",
			State: "RETIRADO", Context: map[string]any{"keep": "me"},
		},
	}))

	res, err := f.engine.Apply(ctx, event("c1", "m1", "SALUDO"))
	var cfgErr *flow.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "RETIRADO", cfgErr.State)

	require.NotNil(t, res)
	require.NotNil(t, res.Escalation)
	assert.Equal(t, escalation.ReasonConfigurationError, res.Escalation.Reason)

	after, err := st.GetState(ctx, ws, "c1")
	require.NoError(t, err)
	assert.Equal(t, "RETIRADO", after.State, "state is left untouched")
	assert.Equal(t, int64(1), after.Version)
	assert.Equal(t, "me", after.Context["keep"])

	log, err := st.ListInteractions(ctx, ws, "c1", 10)
	require.NoError(t, err)
	require.Len(t, log, 1, "the exchange is still recorded")
	assert.Equal(t, "RETIRADO", log[0].State)

	entry, err := f.queue.Active(ctx, ws, "c1")
	require.NoError(t, err)
	assert.Equal(t, store.PriorityHigh, entry.Priority)
	assert.Equal(t, res.QueueEntryID, entry.ID)

	// Redelivery is a replay, not a second queue attempt.
	again, err := f.engine.Apply(ctx, event("c1", "m1", "SALUDO"))
	require.NoError(t, err)
	assert.True(t, again.Replayed)
}

func TestApply_FailingAssignmentIsConfigurationError(t *testing.T) {
	f := newFixture(t, store.NewMockStore())
	ctx := context.Background()

	f.apply(t, event("c1", "m1", "SALUDO"))
	_, err := f.engine.Apply(ctx, event("c1", "m2", "ROTO"))
	var cfgErr *flow.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)

	st, err := f.store.GetState(ctx, ws, "c1")
	require.NoError(t, err)
	assert.Equal(t, flow.StateMainMenu, st.State)
}

func TestApply_UnknownWorkspace(t *testing.T) {
	f := newFixture(t, store.NewMockStore())

	ev := event("c1", "m1", "SALUDO")
	ev.WorkspaceID = "initech"
	_, err := f.engine.Apply(context.Background(), ev)
	assert.ErrorIs(t, err, flow.ErrUnknownWorkspace)
}

func TestApply_InvalidEvent(t *testing.T) {
	f := newFixture(t, store.NewMockStore())
	_, err := f.engine.Apply(context.Background(), InboundEvent{WorkspaceID: ws})
	assert.ErrorIs(t, err, ErrInvalidEvent)
}

func TestApply_InactivityEscalatesLow(t *testing.T) {
	f := newFixture(t, store.NewMockStore())
	f.engine.SetPolicy(ws, escalation.Policy{InactivityTimeout: 10 * time.Minute})
	t0 := time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

	ev := event("c1", "m1", "SALUDO")
	ev.Timestamp = t0
	f.apply(t, ev)

	ev = event("c1", "m2", "CONSULTAR_PEDIDO")
	ev.Timestamp = t0.Add(11 * time.Minute)
	res := f.apply(t, ev)
	require.NotNil(t, res.Escalation)
	assert.Equal(t, escalation.ReasonInactivity, res.Escalation.Reason)
	assert.Equal(t, store.PriorityLow, res.Escalation.Priority)
	assert.Equal(t, flow.StateEscalated, res.State)
}

func TestApply_CompletenessEscalatesMedium(t *testing.T) {
	f := newFixture(t, store.NewMockStore())
	f.engine.SetPolicy(ws, escalation.Policy{
		Scorer:    escalation.ScorerFunc(func(map[string]any, float64) (float64, error) { return 0.2, nil }),
		Threshold: 0.5,
		MinTurns:  2,
	})

	first := f.apply(t, event("c1", "m1", "SALUDO"))
	assert.Nil(t, first.Escalation, "below the minimum number of cycles")

	second := f.apply(t, event("c1", "m2", "CONSULTAR_PEDIDO"))
	require.NotNil(t, second.Escalation)
	assert.Equal(t, escalation.ReasonCompleteness, second.Escalation.Reason)
	assert.Equal(t, store.PriorityMedium, second.Escalation.Priority)
}

func TestResolve_ResetsSession(t *testing.T) {
	f := newFixture(t, sqliteStore(t))
	ctx := context.Background()

	escalated := f.apply(t, event("c1", "m1", flow.IntentHumanRequested))
	_, err := f.queue.Claim(ctx, ws, escalated.QueueEntryID, "op-1")
	require.NoError(t, err)
	_, err = f.queue.Resolve(ctx, ws, escalated.QueueEntryID, "op-1")
	require.NoError(t, err)

	st, err := f.store.GetState(ctx, ws, "c1")
	require.NoError(t, err)
	assert.Equal(t, flow.StateSessionStart, st.State)
	assert.Empty(t, st.Context)
	assert.Zero(t, st.Turns)
	assert.NotEqual(t, escalated.SessionID, st.SessionID)

	action := store.AuditSessionReset
	audit, err := f.store.ListAuditLog(ctx, store.AuditFilter{WorkspaceID: ws, Action: &action})
	require.NoError(t, err)
	require.Len(t, audit, 1)
	assert.Equal(t, "op-1", audit[0].Actor)

	// The customer starts over with automated handling.
	res := f.apply(t, event("c1", "m2", "SALUDO"))
	assert.Equal(t, flow.StateMainMenu, res.State)
}

func TestResetSession_UnknownCustomer(t *testing.T) {
	f := newFixture(t, store.NewMockStore())
	_, err := f.engine.ResetSession(context.Background(), ws, "nobody", "op-1")
	assert.ErrorIs(t, err, store.ErrNotFound)

	assert.NoError(t, f.engine.OnQueueResolved(context.Background(),
		&store.QueueEntry{WorkspaceID: ws, CustomerID: "nobody"}, "op-1"))
}
