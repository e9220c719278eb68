package edge

import (
	"context"
	"fmt"
	"image"
	"sync/atomic"
	"time"

	"github.com/cyclopcam/edgecv/pkg/boxcache"
	"github.com/cyclopcam/edgecv/pkg/frame"
	"github.com/cyclopcam/edgecv/pkg/log"
	"github.com/cyclopcam/edgecv/pkg/nn"
	"github.com/cyclopcam/edgecv/pkg/overlay"
	"github.com/cyclopcam/logs"
)

// Number of consecutive camera read failures before the capture loop gives up
const DefaultMaxReadErrors = 30

// Boxes that have not been refreshed for this long are no longer drawn.
// The processor publishes several times per second, even when it sees nothing.
const DefaultMaxBoxAge = 2 * time.Second

// FrameSource produces camera frames. Read blocks until the next frame is available.
type FrameSource interface {
	Read() (*frame.Frame, error)
}

// Screen shows an image, and returns the key that was pressed while waiting
// up to delayMS milliseconds, or -1 if no key was pressed.
type Screen interface {
	Show(img image.Image, delayMS int) (int, error)
}

// FrameSink receives every captured frame, eg a published track
type FrameSink interface {
	WriteFrame(f *frame.Frame) error
}

// CaptureLoop reads the camera, sends frames to the room, and shows them with the latest boxes drawn over them.
// Run must be called from the main goroutine, because display windows are bound to the thread that created them.
type CaptureLoop struct {
	Source        FrameSource
	Screen        Screen    // Optional. When nil, nothing is rendered.
	Sink          FrameSink // Optional
	Boxes         *boxcache.BoxCache
	Renderer      *overlay.Renderer
	MaxReadErrors int // Zero value = DefaultMaxReadErrors
	DelayMS       int           // Time that Screen.Show waits for a key. Zero value = 1
	MaxBoxAge     time.Duration // Zero value = DefaultMaxBoxAge

	log       logs.Log
	lastErrAt time.Time
	stale     bool

	nCaptured atomic.Int64
	nRendered atomic.Int64
	nStale    atomic.Int64
}

func NewCaptureLoop(logger logs.Log, source FrameSource, screen Screen, sink FrameSink, boxes *boxcache.BoxCache) *CaptureLoop {
	return &CaptureLoop{
		Source:   source,
		Screen:   screen,
		Sink:     sink,
		Boxes:    boxes,
		Renderer: overlay.NewRenderer(),
		log:      log.NewPrefixLogger(logger, "Capture"),
	}
}

// Run captures until ctx is done, the user presses 'q', or the camera fails repeatedly.
// Pressing 'q' returns nil.
func (c *CaptureLoop) Run(ctx context.Context) error {
	maxReadErrors := c.MaxReadErrors
	if maxReadErrors == 0 {
		maxReadErrors = DefaultMaxReadErrors
	}
	delayMS := c.DelayMS
	if delayMS == 0 {
		delayMS = 1
	}
	maxBoxAge := c.MaxBoxAge
	if maxBoxAge == 0 {
		maxBoxAge = DefaultMaxBoxAge
	}
	nReadErrors := 0
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		f, err := c.Source.Read()
		if err != nil {
			nReadErrors++
			if nReadErrors >= maxReadErrors {
				return fmt.Errorf("Giving up after %v consecutive camera failures: %w", nReadErrors, err)
			}
			c.logError("Camera read failed: %v", err)
			continue
		}
		nReadErrors = 0
		c.nCaptured.Add(1)

		if c.Sink != nil {
			if err := c.Sink.WriteFrame(f); err != nil {
				c.logError("Failed to send frame: %v", err)
			}
		}

		if c.Screen == nil {
			continue
		}
		img := c.Renderer.Render(f, c.currentBoxes(maxBoxAge))
		key, err := c.Screen.Show(img, delayMS)
		if err != nil {
			return fmt.Errorf("Display failed: %w", err)
		}
		c.nRendered.Add(1)
		if key == 'q' || key == 'Q' {
			c.log.Infof("Quit requested")
			return nil
		}
	}
}

// Number of frames captured and rendered
func (c *CaptureLoop) Stats() (captured, rendered int64) {
	return c.nCaptured.Load(), c.nRendered.Load()
}

// Number of frames that were rendered without boxes, because the boxes were too old
func (c *CaptureLoop) StaleFrames() int64 {
	return c.nStale.Load()
}

func (c *CaptureLoop) currentBoxes(maxAge time.Duration) []nn.Detection {
	boxes := c.Boxes.Get()
	updated := c.Boxes.UpdatedAt()
	stale := !updated.IsZero() && time.Now().Sub(updated) > maxAge
	if stale != c.stale {
		if stale {
			c.log.Warnf("No annotations for %v. Hiding boxes", maxAge)
		} else {
			c.log.Infof("Annotations resumed")
		}
		c.stale = stale
	}
	if stale {
		c.nStale.Add(1)
		return nil
	}
	return boxes
}

// Run is single threaded, so no lock is needed here
func (c *CaptureLoop) logError(format string, args ...any) {
	if time.Now().Sub(c.lastErrAt) > 5*time.Second {
		c.log.Errorf(format, args...)
		c.lastErrAt = time.Now()
	}
}
