// ABOUTME: Transition table types for workspace-configurable conversation flows
// ABOUTME: Defines state kinds, canonical state names and the ConfigurationError type

package flow

import (
	"errors"
	"fmt"
	"sort"
)

// Canonical state names and the universal escalation intent.
const (
	StateSessionStart = "SESSION_START"
	StateMainMenu     = "MENU_PRINCIPAL"
	StateHandled      = "HANDLED"
	StateEscalated    = "ESCALATED"

	IntentHumanRequested = "HUMANO_SOLICITADO"
)

// Kind classifies a state. The set is closed.
type Kind string

const (
	KindInitial   Kind = "initial"
	KindMenu      Kind = "menu"
	KindGathering Kind = "gathering"
	KindTerminal  Kind = "terminal"
	KindEscalated Kind = "escalated"
)

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindInitial, KindMenu, KindGathering, KindTerminal, KindEscalated:
		return true
	}
	return false
}

// ErrUnknownWorkspace is wrapped by the ConfigurationError returned when no
// table is registered for a workspace.
var ErrUnknownWorkspace = errors.New("no flow registered for workspace")

// ConfigurationError reports a malformed or incomplete transition table.
// It is fatal to the workspace's automated flow.
type ConfigurationError struct {
	Workspace string
	State     string
	Reason    string
	Err       error
}

func (e *ConfigurationError) Error() string {
	msg := "flow configuration"
	if e.Workspace != "" {
		msg += " for workspace " + e.Workspace
	}
	if e.State != "" {
		msg += fmt.Sprintf(" (state %s)", e.State)
	}
	msg += ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// Fallback is the transition taken for unrecognized input.
type Fallback struct {
	To    string
	Reply string
}

// Transition maps one intent in one state to a next state.
type Transition struct {
	Intent string
	To     string
	Else   string // target when the guard fails; empty routes to the fallback
	Guard  string // CEL source, empty means always
	Set    map[string]string
	Reply  string

	guard *Program
	set   []assignment
}

// State is one node of the flow graph.
type State struct {
	Name        string
	Kind        Kind
	Capture     string // context key that receives event text in gathering states
	Prompt      string
	Transitions map[string]*Transition
	Fallback    *Fallback
}

// Table is an immutable, validated transition table for one workspace.
type Table struct {
	Workspace       string
	InitialState    string
	EscalatedState  string
	DefaultFallback *Fallback
	States          map[string]*State
}

// State returns the named state.
func (t *Table) State(name string) (*State, bool) {
	s, ok := t.States[name]
	return s, ok
}

// IsEscalated reports whether name is the table's escalated sink.
func (t *Table) IsEscalated(name string) bool {
	return name == t.EscalatedState
}

// IsAutomated reports whether the engine drives name without a human,
// meaning it is neither terminal nor escalated.
func (t *Table) IsAutomated(name string) bool {
	s, ok := t.States[name]
	if !ok {
		return false
	}
	return s.Kind != KindTerminal && s.Kind != KindEscalated
}

// Intents lists the intents a state recognizes, sorted.
func (s *State) Intents() []string {
	out := make([]string, 0, len(s.Transitions))
	for intent := range s.Transitions {
		out = append(out, intent)
	}
	sort.Strings(out)
	return out
}

// fallback returns the state's own fallback or the table default.
func (t *Table) fallback(s *State) *Fallback {
	if s.Fallback != nil {
		return s.Fallback
	}
	return t.DefaultFallback
}
