// ABOUTME: CEL compilation and evaluation for guards, assignments and scores
// ABOUTME: Programs see the conversation context as ctx and the inbound event as event

package flow

import (
	"fmt"
	"reflect"
	"sort"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"google.golang.org/protobuf/types/known/structpb"
)

// costLimit bounds the work a single expression may do.
const costLimit = 10000

// Env compiles CEL expressions over ctx and event.
type Env struct {
	env *cel.Env
}

// NewEnv creates the shared CEL environment.
func NewEnv() (*Env, error) {
	env, err := cel.NewEnv(
		cel.Variable("ctx", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("event", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("creating CEL environment: %w", err)
	}
	return &Env{env: env}, nil
}

// Program is a compiled expression.
type Program struct {
	Source string
	prg    cel.Program
}

type assignment struct {
	key string
	prg *Program
}

// Compile parses, checks and plans an expression. When want is non-nil the
// checked output type must be assignable to it.
func (e *Env) Compile(src string, want *cel.Type) (*Program, error) {
	ast, issues := e.env.Compile(src)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile %q: %w", src, issues.Err())
	}
	if want != nil {
		out := ast.OutputType()
		if !out.IsExactType(cel.DynType) && !want.IsAssignableType(out) {
			return nil, fmt.Errorf("expression %q returns %s, want %s", src, out, want)
		}
	}
	prg, err := e.env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(costLimit),
	)
	if err != nil {
		return nil, fmt.Errorf("program %q: %w", src, err)
	}
	return &Program{Source: src, prg: prg}, nil
}

// Activation builds the variables for one evaluation.
func Activation(ctx map[string]any, event map[string]any) map[string]any {
	if ctx == nil {
		ctx = map[string]any{}
	}
	if event == nil {
		event = map[string]any{}
	}
	return map[string]any{"ctx": ctx, "event": event}
}

// Bool evaluates a predicate.
func (p *Program) Bool(vars map[string]any) (bool, error) {
	out, _, err := p.prg.Eval(vars)
	if err != nil {
		return false, fmt.Errorf("eval %q: %w", p.Source, err)
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("eval %q: result %v is not bool", p.Source, out.Type())
	}
	return b, nil
}

// Float evaluates a numeric expression.
func (p *Program) Float(vars map[string]any) (float64, error) {
	out, _, err := p.prg.Eval(vars)
	if err != nil {
		return 0, fmt.Errorf("eval %q: %w", p.Source, err)
	}
	switch v := out.Value().(type) {
	case float64:
		return v, nil
	case int64:
		return float64(v), nil
	case uint64:
		return float64(v), nil
	default:
		return 0, fmt.Errorf("eval %q: result %v is not numeric", p.Source, out.Type())
	}
}

var structValueType = reflect.TypeOf(&structpb.Value{})

// Value evaluates an expression into a JSON-compatible Go value.
func (p *Program) Value(vars map[string]any) (any, error) {
	out, _, err := p.prg.Eval(vars)
	if err != nil {
		return nil, fmt.Errorf("eval %q: %w", p.Source, err)
	}
	if types.IsUnknownOrError(out) {
		return nil, fmt.Errorf("eval %q: %v", p.Source, out)
	}
	native, err := out.ConvertToNative(structValueType)
	if err != nil {
		return nil, fmt.Errorf("eval %q: converting result: %w", p.Source, err)
	}
	return native.(*structpb.Value).AsInterface(), nil
}

func (e *Env) compileSet(set map[string]string) ([]assignment, error) {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]assignment, 0, len(keys))
	for _, k := range keys {
		prg, err := e.Compile(set[k], nil)
		if err != nil {
			return nil, fmt.Errorf("set %s: %w", k, err)
		}
		out = append(out, assignment{key: k, prg: prg})
	}
	return out, nil
}
