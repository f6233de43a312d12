// ABOUTME: Pure resolution of (state, intent, context) to the next state and context
// ABOUTME: Applies guards, else targets, assignments, gathering capture and fallbacks

package flow

import "fmt"

// Event is the part of an inbound message the flow can see.
type Event struct {
	Intent     string
	Text       string
	Payload    map[string]any
	Confidence float64
}

func (e Event) vars() map[string]any {
	payload := e.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	return map[string]any{
		"intent":     e.Intent,
		"text":       e.Text,
		"payload":    payload,
		"confidence": e.Confidence,
	}
}

// Route names the branch the resolution took.
type Route string

const (
	RouteTransition Route = "transition"
	RouteElse       Route = "guard_else"
	RouteFallback   Route = "fallback"
	RouteEscalation Route = "escalation"
	RouteHold       Route = "hold"
)

// Outcome is the result of resolving one event.
type Outcome struct {
	From     string
	To       string
	Intent   string
	Route    Route
	Context  map[string]any
	Replies  []string
	GuardErr error // guard evaluation failure, counted as a failed guard
}

// Resolve computes the next state and context for an event received in
// state current. It never mutates ctx. An unknown current state or a
// missing fallback is a *ConfigurationError.
func (t *Table) Resolve(current string, ctx map[string]any, ev Event) (*Outcome, error) {
	s, ok := t.States[current]
	if !ok {
		return nil, &ConfigurationError{Workspace: t.Workspace, State: current, Reason: "current state is not defined"}
	}

	out := &Outcome{
		From:    current,
		Intent:  ev.Intent,
		Context: cloneMap(ctx),
	}

	if s.Kind == KindEscalated {
		out.To = current
		out.Route = RouteHold
		return out, nil
	}

	if ev.Intent == IntentHumanRequested {
		out.To = t.EscalatedState
		out.Route = RouteEscalation
		return out, nil
	}

	if s.Kind == KindGathering && ev.Text != "" {
		out.Context[s.Capture] = ev.Text
	}

	if tr, ok := s.Transitions[ev.Intent]; ok {
		vars := Activation(out.Context, ev.vars())
		pass := true
		if tr.guard != nil {
			var err error
			pass, err = tr.guard.Bool(vars)
			if err != nil {
				pass = false
				out.GuardErr = err
			}
		}

		if pass {
			// All assignments see the context as it was before any of them.
			values := make(map[string]any, len(tr.set))
			for _, a := range tr.set {
				v, err := a.prg.Value(vars)
				if err != nil {
					return nil, &ConfigurationError{
						Workspace: t.Workspace,
						State:     current,
						Reason:    fmt.Sprintf("assignment %s for %s", a.key, ev.Intent),
						Err:       err,
					}
				}
				values[a.key] = v
			}
			for k, v := range values {
				out.Context[k] = v
			}
			out.To = tr.To
			out.Route = RouteTransition
			out.Replies = t.replies(tr.Reply, tr.To)
			return out, nil
		}

		if tr.Else != "" {
			out.To = tr.Else
			out.Route = RouteElse
			out.Replies = t.replies("", tr.Else)
			return out, nil
		}
	}

	fb := t.fallback(s)
	if fb == nil {
		return nil, &ConfigurationError{Workspace: t.Workspace, State: current, Reason: "no fallback for unrecognized input"}
	}
	out.To = fb.To
	out.Route = RouteFallback
	out.Replies = t.replies(fb.Reply, fb.To)
	return out, nil
}

// replies returns the explicit reply, or the target state's prompt.
func (t *Table) replies(reply, target string) []string {
	if reply != "" {
		return []string{reply}
	}
	if s, ok := t.States[target]; ok && s.Prompt != "" {
		return []string{s.Prompt}
	}
	return nil
}

func cloneMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
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
