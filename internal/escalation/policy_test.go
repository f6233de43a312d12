// ABOUTME: Tests for the escalation policy rules and their precedence
// ABOUTME: Covers explicit requests, CEL completeness scoring and inactivity

package escalation

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-concierge/internal/flow"
	"github.com/2389/coven-concierge/internal/store"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func constScore(v float64) Scorer {
	return ScorerFunc(func(map[string]any, float64) (float64, error) { return v, nil })
}

func TestEvaluate_ExplicitRequestWinsOverInactivity(t *testing.T) {
	p := Policy{InactivityTimeout: time.Minute, Scorer: constScore(0), Threshold: 0.5}

	d := p.Evaluate(Input{
		Intent:            flow.IntentHumanRequested,
		State:             flow.StateMainMenu,
		StateAutomated:    true,
		NextAutomated:     true,
		Turns:             10,
		PreviousInboundAt: now.Add(-time.Hour),
		Now:               now,
	})

	assert.True(t, d.Escalate)
	assert.Equal(t, ReasonExplicitRequest, d.Reason)
	assert.Equal(t, store.PriorityHigh, d.Priority)
}

func TestEvaluate_CompletenessBelowThreshold(t *testing.T) {
	p := Policy{Scorer: constScore(0.2), Threshold: 0.5, MinTurns: 3}

	early := p.Evaluate(Input{Intent: "X", NextAutomated: true, Turns: 2, Now: now})
	assert.False(t, early.Escalate, "threshold only applies after MinTurns cycles")

	d := p.Evaluate(Input{Intent: "X", NextAutomated: true, Turns: 3, Now: now})
	assert.True(t, d.Escalate)
	assert.Equal(t, ReasonCompleteness, d.Reason)
	assert.Equal(t, store.PriorityMedium, d.Priority)
	assert.Equal(t, 0.2, d.Score)

	done := p.Evaluate(Input{Intent: "X", NextAutomated: false, Turns: 5, Now: now})
	assert.False(t, done.Escalate, "reaching a terminal state is never incomplete")
}

func TestEvaluate_CompletenessWinsOverInactivity(t *testing.T) {
	p := Policy{Scorer: constScore(0), Threshold: 1, InactivityTimeout: time.Minute}

	d := p.Evaluate(Input{
		Intent:            "X",
		StateAutomated:    true,
		NextAutomated:     true,
		Turns:             1,
		PreviousInboundAt: now.Add(-time.Hour),
		Now:               now,
	})
	assert.Equal(t, ReasonCompleteness, d.Reason)
}

func TestEvaluate_ScorerErrorSkipsRule(t *testing.T) {
	p := Policy{
		Scorer:    ScorerFunc(func(map[string]any, float64) (float64, error) { return 0, errors.New("bad") }),
		Threshold: 1,
	}

	d := p.Evaluate(Input{Intent: "X", NextAutomated: true, Turns: 1, Now: now})
	assert.False(t, d.Escalate)
	assert.Error(t, d.ScoreErr)
}

func TestEvaluate_Inactivity(t *testing.T) {
	p := Policy{InactivityTimeout: 30 * time.Minute}

	tests := []struct {
		name      string
		prev      time.Time
		automated bool
		want      bool
	}{
		{"elapsed in automated state", now.Add(-31 * time.Minute), true, true},
		{"exactly at timeout", now.Add(-30 * time.Minute), true, true},
		{"not yet elapsed", now.Add(-29 * time.Minute), true, false},
		{"terminal state", now.Add(-time.Hour), false, false},
		{"first contact", time.Time{}, true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := p.Evaluate(Input{Intent: "X", StateAutomated: tt.automated, PreviousInboundAt: tt.prev, Now: now})
			assert.Equal(t, tt.want, d.Escalate)
			if tt.want {
				assert.Equal(t, ReasonInactivity, d.Reason)
				assert.Equal(t, store.PriorityLow, d.Priority)
			}
		})
	}
}

func TestEvaluate_Pure(t *testing.T) {
	p := Policy{Scorer: constScore(0.7), Threshold: 0.5, InactivityTimeout: time.Minute}
	in := Input{Intent: "X", StateAutomated: true, NextAutomated: true, Turns: 4, PreviousInboundAt: now.Add(-time.Second), Now: now}

	first := p.Evaluate(in)
	for range 5 {
		assert.Equal(t, first, p.Evaluate(in))
	}
	assert.False(t, first.Escalate)
}

func TestCELScorer(t *testing.T) {
	env, err := flow.NewEnv()
	require.NoError(t, err)

	scorer, err := NewCELScorer(env, `(has(ctx.order_id) ? 0.5 : 0.0) + event.confidence * 0.5`)
	require.NoError(t, err)

	score, err := scorer.Score(map[string]any{"order_id": "A-1"}, 0.8)
	require.NoError(t, err)
	assert.InDelta(t, 0.9, score, 1e-9)

	score, err = scorer.Score(nil, 0)
	require.NoError(t, err)
	assert.Equal(t, 0.0, score)

	intScorer, err := NewCELScorer(env, `size(ctx)`)
	require.NoError(t, err)
	score, err = intScorer.Score(map[string]any{"a": 1, "b": 2}, 0)
	require.NoError(t, err)
	assert.Equal(t, 2.0, score)

	_, err = NewCELScorer(env, `ctx.(`)
	assert.Error(t, err)
}
