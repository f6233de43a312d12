// ABOUTME: Bounded retry with exponential backoff and jitter
// ABOUTME: Wraps version-checked writes and transient store failures with a hard attempt ceiling

package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"
)

// Config controls the retry schedule.
type Config struct {
	MaxAttempts       int           `yaml:"max_attempts"`
	InitialBackoff    time.Duration `yaml:"-"`
	MaxBackoff        time.Duration `yaml:"-"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
	JitterFraction    float64       `yaml:"jitter_fraction"`
}

// DefaultConfig returns the schedule used for state commits.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:       5,
		InitialBackoff:    10 * time.Millisecond,
		MaxBackoff:        500 * time.Millisecond,
		BackoffMultiplier: 2.0,
		JitterFraction:    0.2,
	}
}

func (c Config) normalized() Config {
	d := DefaultConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = d.InitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = d.MaxBackoff
	}
	if c.BackoffMultiplier <= 0 {
		c.BackoffMultiplier = d.BackoffMultiplier
	}
	if c.JitterFraction < 0 {
		c.JitterFraction = 0
	}
	return c
}

// Backoff returns the wait before the given retry (1-based).
func (c Config) Backoff(attempt int) time.Duration {
	c = c.normalized()
	base := float64(c.InitialBackoff) * math.Pow(c.BackoffMultiplier, float64(attempt-1))
	if base > float64(c.MaxBackoff) {
		base = float64(c.MaxBackoff)
	}
	if c.JitterFraction > 0 {
		base += base * c.JitterFraction * (rand.Float64()*2 - 1)
	}
	if base < 0 {
		base = 0
	}
	return time.Duration(base)
}

// ExhaustedError is returned when every attempt failed with a retryable error.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("gave up after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// Do calls fn until it succeeds, returns an error for which retryable is
// false, ctx is done, or MaxAttempts is reached. The last error stays
// reachable through errors.Is/As.
func Do(ctx context.Context, cfg Config, retryable func(error) bool, fn func(attempt int) error) error {
	cfg = cfg.normalized()

	var err error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		err = fn(attempt)
		if err == nil || !retryable(err) {
			return err
		}
		if attempt == cfg.MaxAttempts {
			break
		}

		timer := time.NewTimer(cfg.Backoff(attempt))
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return errors.Join(err, ctx.Err())
		}
	}
	return &ExhaustedError{Attempts: cfg.MaxAttempts, Err: err}
}

// On returns a retryable predicate matching any of the targets.
func On(targets ...error) func(error) bool {
	return func(err error) bool {
		for _, t := range targets {
			if errors.Is(err, t) {
				return true
			}
		}
		return false
	}
}
