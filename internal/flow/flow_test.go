// ABOUTME: Tests for transition table loading, validation and resolution
// ABOUTME: Uses the acme YAML and globex TOML fixtures under testdata

package flow

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEnv(t *testing.T) *Env {
	t.Helper()
	env, err := NewEnv()
	require.NoError(t, err)
	return env
}

func loadAcme(t *testing.T) *Table {
	t.Helper()
	table, err := Load(newTestEnv(t), filepath.Join("testdata", "acme.yaml"))
	require.NoError(t, err)
	return table
}

func TestLoad_YAML(t *testing.T) {
	table := loadAcme(t)

	assert.Equal(t, "acme", table.Workspace)
	assert.Equal(t, StateSessionStart, table.InitialState)
	assert.Equal(t, StateEscalated, table.EscalatedState)

	menu, ok := table.State(StateMainMenu)
	require.True(t, ok)
	assert.Equal(t, KindMenu, menu.Kind)
	assert.Equal(t, []string{"CONSULTAR_PEDIDO", "FACTURACION"}, menu.Intents())

	assert.True(t, table.IsAutomated(StateMainMenu))
	assert.False(t, table.IsAutomated(StateHandled))
	assert.False(t, table.IsAutomated(StateEscalated))
}

func TestLoad_TOML(t *testing.T) {
	table, err := Load(newTestEnv(t), filepath.Join("testdata", "globex.toml"))
	require.NoError(t, err)

	assert.Equal(t, "globex", table.Workspace)
	out, err := table.Resolve(StateMainMenu, nil, Event{Intent: "STATUS"})
	require.NoError(t, err)
	assert.Equal(t, StateHandled, out.To)
	assert.Equal(t, []string{"All systems nominal."}, out.Replies)
}

func TestLoad_UnsupportedExtension(t *testing.T) {
	_, err := Load(newTestEnv(t), "flow.json")

	var cfgErr *ConfigurationError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestParse_ValidationErrors(t *testing.T) {
	tests := []struct {
		name   string
		yaml   string
		reason string
	}{
		{
			name: "unknown kind",
			yaml: `
workspace: w
states:
  SESSION_START: { kind: initial, fallback: { to: SESSION_START } }
  X: { kind: wizard, fallback: { to: SESSION_START } }
  ESCALATED: { kind: escalated }
`,
			reason: `unknown state kind "wizard"`,
		},
		{
			name: "missing fallback",
			yaml: `
workspace: w
states:
  SESSION_START: { kind: initial }
  ESCALATED: { kind: escalated }
`,
			reason: "no fallback for unrecognized input",
		},
		{
			name: "unknown target",
			yaml: `
workspace: w
states:
  SESSION_START:
    kind: initial
    fallback: { to: SESSION_START }
    transitions:
      GO: { to: NOWHERE }
  ESCALATED: { kind: escalated }
`,
			reason: `transition GO targets unknown state "NOWHERE"`,
		},
		{
			name: "no escalated state",
			yaml: `
workspace: w
states:
  SESSION_START: { kind: initial, fallback: { to: SESSION_START } }
`,
			reason: "exactly one escalated state is required, found none",
		},
		{
			name: "two escalated states",
			yaml: `
workspace: w
states:
  SESSION_START: { kind: initial, fallback: { to: SESSION_START } }
  ESCALATED: { kind: escalated }
  HUMANS: { kind: escalated }
`,
			reason: "exactly one escalated state is required, found ESCALATED, HUMANS",
		},
		{
			name: "missing initial",
			yaml: `
workspace: w
initial_state: START
states:
  MENU: { kind: menu, fallback: { to: MENU } }
  ESCALATED: { kind: escalated }
`,
			reason: "initial state is not defined",
		},
		{
			name: "redefined human request",
			yaml: `
workspace: w
states:
  SESSION_START:
    kind: initial
    fallback: { to: SESSION_START }
    transitions:
      HUMANO_SOLICITADO: { to: SESSION_START }
  ESCALATED: { kind: escalated }
`,
			reason: "HUMANO_SOLICITADO is handled globally and cannot be redefined",
		},
		{
			name: "gathering without capture",
			yaml: `
workspace: w
states:
  SESSION_START: { kind: gathering, fallback: { to: SESSION_START } }
  ESCALATED: { kind: escalated }
`,
			reason: "gathering state needs a capture key",
		},
		{
			name: "guard must be bool",
			yaml: `
workspace: w
states:
  SESSION_START:
    kind: initial
    fallback: { to: SESSION_START }
    transitions:
      GO: { to: SESSION_START, guard: '"yes"' }
  ESCALATED: { kind: escalated }
`,
			reason: "guard for GO",
		},
	}

	env := newTestEnv(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(env, []byte(tt.yaml), FormatYAML)
			require.Error(t, err)

			var cfgErr *ConfigurationError
			require.ErrorAs(t, err, &cfgErr)
			assert.Contains(t, err.Error(), tt.reason)
		})
	}
}

func TestResolve_GuardPassAppliesAssignments(t *testing.T) {
	table := loadAcme(t)
	ctx := map[string]any{"order_id": "A-1"}

	out, err := table.Resolve(StateMainMenu, ctx, Event{Intent: "CONSULTAR_PEDIDO"})
	require.NoError(t, err)

	assert.Equal(t, RouteTransition, out.Route)
	assert.Equal(t, "PEDIDO_ESTADO", out.To)
	assert.Equal(t, "orders", out.Context["topic"])
	assert.Equal(t, []string{"Buscando tu pedido."}, out.Replies)
	assert.NotContains(t, ctx, "topic", "input context must not be mutated")
}

func TestResolve_GuardFailRoutesToElse(t *testing.T) {
	table := loadAcme(t)

	out, err := table.Resolve(StateMainMenu, map[string]any{}, Event{Intent: "CONSULTAR_PEDIDO"})
	require.NoError(t, err)

	assert.Equal(t, RouteElse, out.Route)
	assert.Equal(t, "PEDIDO_NUMERO", out.To)
	assert.NotContains(t, out.Context, "topic", "assignments only run when the guard passes")
	assert.Equal(t, []string{"Cual es tu numero de pedido?"}, out.Replies)
	assert.NoError(t, out.GuardErr)
}

func TestResolve_GuardErrorCountsAsFailure(t *testing.T) {
	table := loadAcme(t)

	// order_id is missing, so the guard fails at runtime
	out, err := table.Resolve("PEDIDO_NUMERO", map[string]any{}, Event{Intent: "DATO_RECIBIDO", Payload: map[string]any{}})
	require.NoError(t, err)
	assert.Equal(t, RouteElse, out.Route)
	assert.Error(t, out.GuardErr)
}

func TestResolve_GatheringCapturesText(t *testing.T) {
	table := loadAcme(t)

	out, err := table.Resolve("PEDIDO_NUMERO", map[string]any{}, Event{Intent: "DATO_RECIBIDO", Text: "A-42"})
	require.NoError(t, err)
	assert.Equal(t, RouteTransition, out.Route)
	assert.Equal(t, "PEDIDO_ESTADO", out.To)
	assert.Equal(t, "A-42", out.Context["order_id"])

	out, err = table.Resolve("PEDIDO_NUMERO", map[string]any{}, Event{Intent: "DATO_RECIBIDO", Text: "no se"})
	require.NoError(t, err)
	assert.Equal(t, "PEDIDO_NUMERO", out.To)
}

func TestResolve_AssignmentTypes(t *testing.T) {
	table := loadAcme(t)

	out, err := table.Resolve("FACTURA_RFC", map[string]any{}, Event{Intent: "DATO_RECIBIDO", Text: "XAXX010101000"})
	require.NoError(t, err)
	assert.Equal(t, 1.0, out.Context["completeness"])

	out, err = table.Resolve("PEDIDO_ESTADO", map[string]any{}, Event{Intent: "GRACIAS"})
	require.NoError(t, err)
	assert.Equal(t, true, out.Context["resolved"])
	assert.Equal(t, StateHandled, out.To)
}

func TestResolve_UnknownIntentUsesFallback(t *testing.T) {
	table := loadAcme(t)

	out, err := table.Resolve(StateMainMenu, nil, Event{Intent: "PIZZA"})
	require.NoError(t, err)
	assert.Equal(t, RouteFallback, out.Route)
	assert.Equal(t, StateMainMenu, out.To)
	assert.Equal(t, []string{"No entendi tu mensaje. Elige una opcion del menu."}, out.Replies)

	out, err = table.Resolve(StateSessionStart, nil, Event{Intent: "SALUDO"})
	require.NoError(t, err)
	assert.Equal(t, StateMainMenu, out.To)
}

func TestResolve_HumanRequestedFromAnyState(t *testing.T) {
	table := loadAcme(t)

	for _, state := range []string{StateSessionStart, StateMainMenu, "PEDIDO_NUMERO", StateHandled} {
		out, err := table.Resolve(state, nil, Event{Intent: IntentHumanRequested})
		require.NoError(t, err, state)
		assert.Equal(t, StateEscalated, out.To, state)
		assert.Equal(t, RouteEscalation, out.Route, state)
	}
}

func TestResolve_EscalatedHolds(t *testing.T) {
	table := loadAcme(t)

	out, err := table.Resolve(StateEscalated, nil, Event{Intent: "CONSULTAR_PEDIDO"})
	require.NoError(t, err)
	assert.Equal(t, RouteHold, out.Route)
	assert.Equal(t, StateEscalated, out.To)
	assert.Empty(t, out.Replies)
}

func TestResolve_UnknownStateIsConfigurationError(t *testing.T) {
	table := loadAcme(t)

	_, err := table.Resolve("DELETED_STATE", nil, Event{Intent: "X"})
	var cfgErr *ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "DELETED_STATE", cfgErr.State)
}

func TestResolve_Deterministic(t *testing.T) {
	table := loadAcme(t)
	ctx := map[string]any{"order_id": "A-1", "nested": map[string]any{"k": "v"}}
	ev := Event{Intent: "CONSULTAR_PEDIDO", Text: "pedido", Confidence: 0.9}

	first, err := table.Resolve(StateMainMenu, ctx, ev)
	require.NoError(t, err)
	for range 10 {
		again, err := table.Resolve(StateMainMenu, ctx, ev)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	env := newTestEnv(t)

	require.NoError(t, reg.LoadFiles(env,
		filepath.Join("testdata", "acme.yaml"),
		filepath.Join("testdata", "globex.toml"),
	))
	assert.Equal(t, []string{"acme", "globex"}, reg.Workspaces())

	table, err := reg.Get("acme")
	require.NoError(t, err)
	assert.Equal(t, "acme", table.Workspace)

	_, err = reg.Get("initech")
	assert.True(t, errors.Is(err, ErrUnknownWorkspace))

	err = reg.LoadFiles(env, filepath.Join("testdata", "acme.yaml"), filepath.Join("testdata", "acme.yaml"))
	var cfgErr *ConfigurationError
	assert.ErrorAs(t, err, &cfgErr)
}
