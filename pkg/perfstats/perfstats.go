// Package perfstats holds lightweight counters for measuring how long things take,
// so that different hardware and models can be compared from the logs.
package perfstats

import (
	"sync/atomic"
	"time"
)

// UpdateMovingAverage folds 'value' into an exponential moving average with a window of about 64 samples.
// The first sample seeds the average.
func UpdateMovingAverage(stat *atomic.Uint64, value int64) {
	vu := uint64(max(value, 0))
	// We don't bother about strict correctness here, with CompareAndSwap,
	// because this is just sampled stats, and it's OK to miss one or two samples.
	if stat.Load() == 0 {
		stat.Store(vu)
	} else {
		stat.Store((stat.Load()*63 + vu) >> 6)
	}
}

// MovingAverageDuration returns the moving average of a stat that was fed with nanoseconds
func MovingAverageDuration(stat *atomic.Uint64) time.Duration {
	return time.Duration(stat.Load())
}

// Accumulate samples of how long something took.
// Not thread safe.
type TimeAccumulator struct {
	Samples int64
	Total   time.Duration
	Max     time.Duration
}

func (a *TimeAccumulator) Reset() {
	a.Samples = 0
	a.Total = 0
	a.Max = 0
}

func (a *TimeAccumulator) AddSample(v time.Duration) {
	a.Samples++
	a.Total += v
	a.Max = max(a.Max, v)
}

func (a *TimeAccumulator) Average() time.Duration {
	if a.Samples == 0 {
		return 0
	}
	return time.Duration(a.Total.Nanoseconds() / a.Samples)
}
