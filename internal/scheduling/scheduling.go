// Package scheduling provides jittered intervals and a poller for periodic
// background tasks.
package scheduling

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/sndnv/stasis-sub004/internal/stasis"
)

const (
	lowerJitter = 0.98
	upperJitter = 1.03
)

// FuzzyInterval returns a random duration in [0.98*interval, 1.03*interval),
// so that many clients do not poll in lockstep.
func FuzzyInterval(interval time.Duration) time.Duration {
	factor := lowerJitter + rand.Float64()*(upperJitter-lowerJitter)
	return time.Duration(float64(interval) * factor)
}

// ReducedInterval is the retry delay after a failure: a tenth of the regular
// interval, fuzzed, but never shorter than the initial delay.
func ReducedInterval(interval, initialDelay time.Duration) time.Duration {
	return max(FuzzyInterval(interval/10), initialDelay)
}

// Poller calls Poll after InitialDelay and then repeatedly: after a fuzzy
// Interval on success or a reduced interval on failure.
type Poller struct {
	Name         string
	InitialDelay time.Duration
	Interval     time.Duration
	Poll         func(ctx context.Context) error
	Logger       stasis.Logger
}

// Run polls until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) error {
	timer := time.NewTimer(p.InitialDelay)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}

		next := FuzzyInterval(p.Interval)
		if err := p.Poll(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			next = ReducedInterval(p.Interval, p.InitialDelay)
			p.Logger.Warn("poll failed", "task", p.Name, "retry_in", next, "error", err)
		} else {
			p.Logger.Debug("poll succeeded", "task", p.Name, "next_in", next)
		}

		timer.Reset(next)
	}
}
