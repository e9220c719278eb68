// Package boxcache holds the most recent set of detections received from the processor.
package boxcache

import (
	"sync"
	"time"

	"github.com/cyclopcam/edgecv/pkg/nn"
)

// BoxCache is written by the network goroutine and read by the render loop.
// Every write replaces the whole list, and every read gets its own copy.
type BoxCache struct {
	lock    sync.Mutex
	boxes   []nn.Detection
	updated time.Time
}

func New() *BoxCache {
	return &BoxCache{
		boxes: []nn.Detection{},
	}
}

// Set replaces the cached detections with a copy of 'boxes'
func (c *BoxCache) Set(boxes []nn.Detection) {
	clone := nn.CloneDetections(boxes)
	now := time.Now()
	c.lock.Lock()
	c.boxes = clone
	c.updated = now
	c.lock.Unlock()
}

// Get returns a copy of the cached detections. The result is never nil.
func (c *BoxCache) Get() []nn.Detection {
	c.lock.Lock()
	defer c.lock.Unlock()
	return nn.CloneDetections(c.boxes)
}

// UpdatedAt returns the time of the most recent Set, or the zero time if Set has never been called
func (c *BoxCache) UpdatedAt() time.Time {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.updated
}

// Clear removes all detections, for example when the processor leaves the room
func (c *BoxCache) Clear() {
	c.Set(nil)
}
