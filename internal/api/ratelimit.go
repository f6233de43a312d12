// ABOUTME: Per-workspace token bucket limiting inbound event ingestion
// ABOUTME: Workspaces without a configured rate are not limited

package api

import (
	"golang.org/x/time/rate"
)

// RateLimit is a token bucket: RequestsPerSecond refill with Burst capacity.
type RateLimit struct {
	RequestsPerSecond float64
	Burst             int
}

type limiters struct {
	byWorkspace map[string]*rate.Limiter
}

func newLimiters(cfg map[string]RateLimit) *limiters {
	l := &limiters{byWorkspace: make(map[string]*rate.Limiter, len(cfg))}
	for ws, rl := range cfg {
		if rl.RequestsPerSecond <= 0 {
			continue
		}
		burst := rl.Burst
		if burst <= 0 {
			burst = max(1, int(rl.RequestsPerSecond))
		}
		l.byWorkspace[ws] = rate.NewLimiter(rate.Limit(rl.RequestsPerSecond), burst)
	}
	return l
}

// allow reports whether a request for the workspace may proceed now.
// The map is built once, so reads need no lock.
func (l *limiters) allow(workspaceID string) bool {
	lim, ok := l.byWorkspace[workspaceID]
	if !ok {
		return true
	}
	return lim.Allow()
}
