// ABOUTME: Background reclamation of expired operator locks on a fixed interval
// ABOUTME: Complements the lazy reclamation done by ListWaiting and Claim

package queue

import (
	"context"
	"log/slog"
	"time"
)

// Sweeper periodically returns expired locks to the waiting list.
type Sweeper struct {
	queue    *Queue
	interval time.Duration
	logger   *slog.Logger
}

// NewSweeper creates a sweeper over every workspace. A non-positive
// interval defaults to 30 seconds.
func NewSweeper(q *Queue, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		queue:    q,
		interval: interval,
		logger:   logger.With("component", "sweeper"),
	}
}

// Run sweeps on every tick until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("sweeper started", "interval", s.interval)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sweeper stopped")
			return nil
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single sweep and returns the number of reclaimed locks.
func (s *Sweeper) RunOnce(ctx context.Context) int {
	n, err := s.queue.Sweep(ctx, "")
	if err != nil {
		s.logger.Error("sweep failed", "reclaimed", n, "error", err)
		return n
	}
	if n > 0 {
		s.logger.Info("sweep reclaimed expired locks", "reclaimed", n)
	}
	return n
}
