// ABOUTME: Loading transition tables from YAML or TOML files
// ABOUTME: Decodes the file format, compiles CEL programs and validates the graph

package flow

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/google/cel-go/cel"
	"gopkg.in/yaml.v3"
)

// Format is a supported table file encoding.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
)

// FormatFromPath picks the encoding from a file extension.
func FormatFromPath(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".toml":
		return FormatTOML, nil
	default:
		return "", fmt.Errorf("unsupported flow file extension %q", filepath.Ext(path))
	}
}

// tableFile is the on-disk shape of a transition table.
type tableFile struct {
	Workspace       string                `yaml:"workspace" toml:"workspace"`
	InitialState    string                `yaml:"initial_state" toml:"initial_state"`
	DefaultFallback *fallbackFile         `yaml:"default_fallback" toml:"default_fallback"`
	States          map[string]*stateFile `yaml:"states" toml:"states"`
}

type stateFile struct {
	Kind        string                     `yaml:"kind" toml:"kind"`
	Capture     string                     `yaml:"capture" toml:"capture"`
	Prompt      string                     `yaml:"prompt" toml:"prompt"`
	Transitions map[string]*transitionFile `yaml:"transitions" toml:"transitions"`
	Fallback    *fallbackFile              `yaml:"fallback" toml:"fallback"`
}

type transitionFile struct {
	To    string            `yaml:"to" toml:"to"`
	Guard string            `yaml:"guard" toml:"guard"`
	Else  string            `yaml:"else" toml:"else"`
	Set   map[string]string `yaml:"set" toml:"set"`
	Reply string            `yaml:"reply" toml:"reply"`
}

type fallbackFile struct {
	To    string `yaml:"to" toml:"to"`
	Reply string `yaml:"reply" toml:"reply"`
}

// Load reads, compiles and validates a table file.
func Load(env *Env, path string) (*Table, error) {
	format, err := FormatFromPath(path)
	if err != nil {
		return nil, &ConfigurationError{Reason: "loading " + path, Err: err}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigurationError{Reason: "reading " + path, Err: err}
	}
	return Parse(env, data, format)
}

// Parse decodes, compiles and validates a table.
func Parse(env *Env, data []byte, format Format) (*Table, error) {
	var f tableFile
	var err error
	switch format {
	case FormatYAML:
		err = yaml.Unmarshal(data, &f)
	case FormatTOML:
		err = toml.Unmarshal(data, &f)
	default:
		err = fmt.Errorf("unknown format %q", format)
	}
	if err != nil {
		return nil, &ConfigurationError{Reason: "decoding table", Err: err}
	}
	return build(env, &f)
}

// build converts the file form into a Table, collecting every problem.
func build(env *Env, f *tableFile) (*Table, error) {
	t := &Table{
		Workspace:    f.Workspace,
		InitialState: f.InitialState,
		States:       make(map[string]*State, len(f.States)),
	}
	if t.InitialState == "" {
		t.InitialState = StateSessionStart
	}
	if f.DefaultFallback != nil {
		t.DefaultFallback = &Fallback{To: f.DefaultFallback.To, Reply: f.DefaultFallback.Reply}
	}

	var errs []error
	fail := func(state, reason string, err error) {
		errs = append(errs, &ConfigurationError{Workspace: f.Workspace, State: state, Reason: reason, Err: err})
	}

	if t.Workspace == "" {
		fail("", "workspace is required", nil)
	}

	for _, name := range sortedKeys(f.States) {
		sf := f.States[name]
		if sf == nil {
			sf = &stateFile{}
		}
		s := &State{
			Name:        name,
			Kind:        Kind(sf.Kind),
			Capture:     sf.Capture,
			Prompt:      sf.Prompt,
			Transitions: make(map[string]*Transition, len(sf.Transitions)),
		}
		if sf.Fallback != nil {
			s.Fallback = &Fallback{To: sf.Fallback.To, Reply: sf.Fallback.Reply}
		}
		if !s.Kind.Valid() {
			fail(name, fmt.Sprintf("unknown state kind %q", sf.Kind), nil)
		}

		for _, intent := range sortedKeys(sf.Transitions) {
			tf := sf.Transitions[intent]
			if tf == nil {
				fail(name, "empty transition for intent "+intent, nil)
				continue
			}
			tr := &Transition{
				Intent: intent,
				To:     tf.To,
				Else:   tf.Else,
				Guard:  tf.Guard,
				Set:    tf.Set,
				Reply:  tf.Reply,
			}
			if tf.Guard != "" {
				prg, err := env.Compile(tf.Guard, cel.BoolType)
				if err != nil {
					fail(name, "guard for "+intent, err)
				}
				tr.guard = prg
			}
			set, err := env.compileSet(tf.Set)
			if err != nil {
				fail(name, "assignment for "+intent, err)
			}
			tr.set = set
			s.Transitions[intent] = tr
		}
		t.States[name] = s
	}

	errs = append(errs, validate(t)...)
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return t, nil
}

// validate checks graph-level rules on a built table.
func validate(t *Table) []error {
	var errs []error
	fail := func(state, reason string) {
		errs = append(errs, &ConfigurationError{Workspace: t.Workspace, State: state, Reason: reason})
	}

	if len(t.States) == 0 {
		fail("", "table has no states")
		return errs
	}
	if _, ok := t.States[t.InitialState]; !ok {
		fail(t.InitialState, "initial state is not defined")
	}
	if t.DefaultFallback != nil {
		if _, ok := t.States[t.DefaultFallback.To]; !ok {
			fail("", fmt.Sprintf("default fallback targets unknown state %q", t.DefaultFallback.To))
		}
	}

	var escalated []string
	for _, name := range sortedKeys(t.States) {
		s := t.States[name]
		if s.Kind == KindEscalated {
			escalated = append(escalated, name)
			if len(s.Transitions) > 0 {
				fail(name, "escalated state cannot declare transitions")
			}
			continue
		}

		fb := t.fallback(s)
		if fb == nil {
			fail(name, "no fallback for unrecognized input")
		} else if _, ok := t.States[fb.To]; !ok {
			fail(name, fmt.Sprintf("fallback targets unknown state %q", fb.To))
		}

		if s.Kind == KindGathering && s.Capture == "" {
			fail(name, "gathering state needs a capture key")
		}

		for _, intent := range s.Intents() {
			tr := s.Transitions[intent]
			if intent == IntentHumanRequested {
				fail(name, IntentHumanRequested+" is handled globally and cannot be redefined")
			}
			if _, ok := t.States[tr.To]; !ok {
				fail(name, fmt.Sprintf("transition %s targets unknown state %q", intent, tr.To))
			}
			if tr.Else != "" {
				if _, ok := t.States[tr.Else]; !ok {
					fail(name, fmt.Sprintf("transition %s else targets unknown state %q", intent, tr.Else))
				}
			}
		}
	}

	switch len(escalated) {
	case 0:
		fail("", "exactly one escalated state is required, found none")
	case 1:
		t.EscalatedState = escalated[0]
	default:
		fail("", fmt.Sprintf("exactly one escalated state is required, found %s", strings.Join(escalated, ", ")))
	}
	return errs
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
