package boxcache

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cyclopcam/edgecv/pkg/nn"
	"github.com/stretchr/testify/require"
)

func TestSnapshot(t *testing.T) {
	c := New()
	require.NotNil(t, c.Get())
	require.Empty(t, c.Get())
	require.True(t, c.UpdatedAt().IsZero())

	in := []nn.Detection{
		{Class: "person", Confidence: 0.9, X1: 0.1, Y1: 0.2, X2: 0.3, Y2: 0.4},
		{Class: "dog", Confidence: 0.7, X1: 0.5, Y1: 0.5, X2: 0.6, Y2: 0.9},
	}
	expect := nn.CloneDetections(in)
	c.Set(in)
	require.Equal(t, expect, c.Get())
	require.False(t, c.UpdatedAt().IsZero())

	// Mutating the writer's slice must not leak into the cache
	in[0].Class = "cat"
	in[1].X1 = 0
	require.Equal(t, expect, c.Get())

	// Nor must mutating a reader's slice
	out := c.Get()
	out[0].Confidence = 0.1
	require.Equal(t, expect, c.Get())

	c.Clear()
	require.Empty(t, c.Get())
}

func TestConcurrentAccess(t *testing.T) {
	c := New()
	var wg sync.WaitGroup
	stop := make(chan struct{})

	// Every list that the writer produces has all entries with the same class,
	// so a torn read would show up as a list with mixed classes.
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			n := 1 + i%5
			boxes := make([]nn.Detection, n)
			for j := range boxes {
				boxes[j] = nn.Detection{Class: fmt.Sprintf("c%v", i), Confidence: 0.5, X1: 0, Y1: 0, X2: 1, Y2: 1}
			}
			c.Set(boxes)
		}
	}()

	deadline := time.Now().Add(100 * time.Millisecond)
	for time.Now().Before(deadline) {
		boxes := c.Get()
		for _, b := range boxes {
			require.Equal(t, boxes[0].Class, b.Class)
		}
	}
	close(stop)
	wg.Wait()
}
