package perfstats

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMovingAverage(t *testing.T) {
	var s atomic.Uint64
	UpdateMovingAverage(&s, 6400)
	require.Equal(t, uint64(6400), s.Load())
	UpdateMovingAverage(&s, 0)
	require.Equal(t, uint64(6300), s.Load())
	for i := 0; i < 1000; i++ {
		UpdateMovingAverage(&s, 1000)
	}
	require.InDelta(t, 1000, float64(s.Load()), 64)
	require.InDelta(t, float64(time.Microsecond), float64(MovingAverageDuration(&s)), 64)
}

func TestTimeAccumulator(t *testing.T) {
	a := TimeAccumulator{}
	require.Equal(t, time.Duration(0), a.Average())
	a.AddSample(10 * time.Millisecond)
	a.AddSample(30 * time.Millisecond)
	require.Equal(t, 20*time.Millisecond, a.Average())
	require.Equal(t, 30*time.Millisecond, a.Max)
	a.Reset()
	require.Equal(t, int64(0), a.Samples)
}
