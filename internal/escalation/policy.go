// ABOUTME: Pure escalation policy deciding when a conversation goes to a human
// ABOUTME: Rules run in fixed order: explicit request, completeness threshold, inactivity

package escalation

import (
	"fmt"
	"time"

	"github.com/2389/coven-concierge/internal/flow"
	"github.com/2389/coven-concierge/internal/store"
)

// Reason explains why a conversation was sent to the human queue.
type Reason string

const (
	ReasonExplicitRequest    Reason = "explicit_request"
	ReasonCompleteness       Reason = "completeness_threshold"
	ReasonInactivity         Reason = "inactivity_timeout"
	ReasonConfigurationError Reason = "configuration_error"
	ReasonProcessingFailure  Reason = "processing_failure"
	ReasonFollowup           Reason = "followup"
	ReasonFlowTransition     Reason = "flow_transition"
)

// Input is everything the policy looks at. Time comes in through Now so
// evaluation has no hidden dependencies.
type Input struct {
	Intent            string
	State             string // state before the event
	NextState         string // tentative state after the event
	StateAutomated    bool   // State is neither terminal nor escalated
	NextAutomated     bool   // NextState is neither terminal nor escalated
	Context           map[string]any
	Confidence        float64
	Turns             int // automated cycles including this one
	PreviousInboundAt time.Time
	Now               time.Time
}

// Decision is the policy output. The zero value means "do not escalate".
type Decision struct {
	Escalate bool
	Reason   Reason
	Priority store.Priority
	Score    float64
	ScoreErr error // scorer failure; the completeness rule is skipped
}

// Scorer computes a completeness score for a conversation context.
type Scorer interface {
	Score(ctx map[string]any, confidence float64) (float64, error)
}

// Policy holds a workspace's escalation thresholds.
type Policy struct {
	Scorer            Scorer // nil disables the completeness rule
	Threshold         float64
	MinTurns          int
	InactivityTimeout time.Duration // zero disables the inactivity rule
}

// Evaluate applies the rules in order; the first match wins.
func (p Policy) Evaluate(in Input) Decision {
	if in.Intent == flow.IntentHumanRequested {
		return Decision{Escalate: true, Reason: ReasonExplicitRequest, Priority: store.PriorityHigh}
	}

	var d Decision
	if p.Scorer != nil && in.NextAutomated && in.Turns >= p.MinTurns {
		score, err := p.Scorer.Score(in.Context, in.Confidence)
		if err != nil {
			d.ScoreErr = err
		} else {
			d.Score = score
			if score < p.Threshold {
				d.Escalate = true
				d.Reason = ReasonCompleteness
				d.Priority = store.PriorityMedium
				return d
			}
		}
	}

	if p.InactivityTimeout > 0 && in.StateAutomated && !in.PreviousInboundAt.IsZero() &&
		in.Now.Sub(in.PreviousInboundAt) >= p.InactivityTimeout {
		d.Escalate = true
		d.Reason = ReasonInactivity
		d.Priority = store.PriorityLow
		return d
	}

	return d
}

// CELScorer scores a context with a numeric CEL expression over ctx and
// event.confidence.
type CELScorer struct {
	prg *flow.Program
}

// NewCELScorer compiles the scoring expression.
func NewCELScorer(env *flow.Env, expr string) (*CELScorer, error) {
	prg, err := env.Compile(expr, nil)
	if err != nil {
		return nil, fmt.Errorf("compiling completeness expression: %w", err)
	}
	return &CELScorer{prg: prg}, nil
}

// Score evaluates the expression.
func (s *CELScorer) Score(ctx map[string]any, confidence float64) (float64, error) {
	return s.prg.Float(flow.Activation(ctx, map[string]any{"confidence": confidence}))
}

// ScorerFunc adapts a function to the Scorer interface.
type ScorerFunc func(ctx map[string]any, confidence float64) (float64, error)

// Score calls f.
func (f ScorerFunc) Score(ctx map[string]any, confidence float64) (float64, error) {
	return f(ctx, confidence)
}
