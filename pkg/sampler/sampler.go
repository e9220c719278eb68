// Package sampler throttles a frame stream down to a target rate
package sampler

import (
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Default rate at which frames are sent for detection
const DefaultFPS = 10

// Sampler drops frames that arrive sooner than 1/fps after the previously emitted frame.
// Nothing is ever queued, so the freshest frame always wins.
// Time is taken from the frame's capture time, not the wall clock.
type Sampler struct {
	interval time.Duration
	limiter  *rate.Limiter // Token bucket with a burst of 1, which is equivalent to a minimum interval between emits
	nEmitted atomic.Int64
	nDropped atomic.Int64
}

// Stats is a snapshot of the sampler's counters
type Stats struct {
	Emitted int64
	Dropped int64
}

// New creates a sampler that emits at most fps frames per second.
// If fps is zero or negative, every frame is emitted.
func New(fps float64) *Sampler {
	s := &Sampler{}
	if fps > 0 {
		s.interval = time.Duration(float64(time.Second) / fps)
		s.limiter = rate.NewLimiter(rate.Limit(fps), 1)
	} else {
		s.limiter = rate.NewLimiter(rate.Inf, 1)
	}
	return s
}

// Interval returns the minimum time between emitted frames
func (s *Sampler) Interval() time.Duration {
	return s.interval
}

// Observe returns true if a frame captured at 'captured' should be processed
func (s *Sampler) Observe(captured time.Time) bool {
	if s.limiter.AllowN(captured, 1) {
		s.nEmitted.Add(1)
		return true
	}
	s.nDropped.Add(1)
	return false
}

func (s *Sampler) Stats() Stats {
	return Stats{
		Emitted: s.nEmitted.Load(),
		Dropped: s.nDropped.Load(),
	}
}
