// Package dispatch runs object detection off the frame intake loop, one frame at a time.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cyclopcam/edgecv/pkg/frame"
	"github.com/cyclopcam/edgecv/pkg/log"
	"github.com/cyclopcam/edgecv/pkg/nn"
	"github.com/cyclopcam/edgecv/pkg/perfstats"
	"github.com/cyclopcam/logs"
)

// ErrBusy is returned by Dispatch when a previous frame is still being processed
var ErrBusy = errors.New("Detector is busy")

// DetectorFailure is produced when the detector returns an error or panics.
// The dispatcher never propagates it to callers. Instead, the frame yields zero detections.
type DetectorFailure struct {
	Err error
}

func (e *DetectorFailure) Error() string {
	return fmt.Sprintf("Detector failure: %v", e.Err)
}

func (e *DetectorFailure) Unwrap() error {
	return e.Err
}

// Callback for TryDispatch. 'detections' is never nil.
type DoneFunc func(f *frame.Frame, detections []nn.Detection)

type Options struct {
	Params        *nn.DetectionParams // nil = nn.NewDetectionParams()
	MergeClasses  map[string]string   // eg {"truck": "car"} to fold trucks that overlap cars into cars
	MergeMinIoU   float32             // Zero value = 0.8
	ErrorInterval time.Duration       // Minimum time between error log messages. Zero value = 15 seconds
}

// Dispatcher owns a detector, and ensures that at most one inference is running at a time.
type Dispatcher struct {
	log      logs.Log
	detector nn.ObjectDetector
	options  Options

	busy      atomic.Bool
	closeLock sync.Mutex // Guards closed, and wg.Add, so that Close cannot race with a new dispatch
	closed    bool
	wg        sync.WaitGroup

	errLock   sync.Mutex
	lastErrAt time.Time

	avgDetectNS atomic.Uint64
	nDispatched atomic.Int64
	nBusy       atomic.Int64
	nFailed     atomic.Int64
}

// Stats is a snapshot of the dispatcher's counters
type Stats struct {
	Dispatched  int64         // Frames that were sent to the detector
	Busy        int64         // Frames that were rejected because the detector was busy
	Failed      int64         // Frames where the detector failed
	AvgDetectNS time.Duration // Moving average of detection time
}

func New(logger logs.Log, detector nn.ObjectDetector, options Options) *Dispatcher {
	if options.Params == nil {
		options.Params = nn.NewDetectionParams()
	}
	if options.MergeMinIoU == 0 {
		options.MergeMinIoU = 0.8
	}
	if options.ErrorInterval == 0 {
		options.ErrorInterval = 15 * time.Second
	}
	return &Dispatcher{
		log:      log.NewPrefixLogger(logger, "Dispatcher"),
		detector: detector,
		options:  options,
	}
}

// Busy returns true if a frame is currently being processed
func (d *Dispatcher) Busy() bool {
	return d.busy.Load()
}

// TryDispatch starts detection of 'f' on a background goroutine, and returns true.
// If a frame is already in flight (or the dispatcher is closed), the frame is dropped and we return false.
// 'done' is called from the background goroutine once detection is complete.
// Close waits for 'done' to return.
func (d *Dispatcher) TryDispatch(f *frame.Frame, done DoneFunc) bool {
	if !d.acquire() {
		return false
	}
	go func() {
		defer d.wg.Done()
		detections := d.detect(f)
		// Clear busy before the callback, so that a caller which waits on the callback
		// is able to dispatch its next frame immediately.
		d.busy.Store(false)
		done(f, detections)
	}()
	return true
}

// Dispatch runs detection of 'f' and waits for the result.
// Inference runs on its own goroutine, so if ctx expires first, we return ctx.Err() and the
// dispatcher remains busy until the inference finishes.
func (d *Dispatcher) Dispatch(ctx context.Context, f *frame.Frame) ([]nn.Detection, error) {
	result := make(chan []nn.Detection, 1)
	if !d.TryDispatch(f, func(f *frame.Frame, detections []nn.Detection) {
		result <- detections
	}) {
		return nil, ErrBusy
	}
	select {
	case dets := <-result:
		return dets, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops accepting new frames, and waits for any in-flight inference to finish.
// The detector itself is owned by the caller, and is not closed.
func (d *Dispatcher) Close() {
	d.closeLock.Lock()
	d.closed = true
	d.closeLock.Unlock()
	d.wg.Wait()
}

func (d *Dispatcher) Stats() Stats {
	return Stats{
		Dispatched:  d.nDispatched.Load(),
		Busy:        d.nBusy.Load(),
		Failed:      d.nFailed.Load(),
		AvgDetectNS: perfstats.MovingAverageDuration(&d.avgDetectNS),
	}
}

func (d *Dispatcher) acquire() bool {
	d.closeLock.Lock()
	defer d.closeLock.Unlock()
	if d.closed {
		return false
	}
	if !d.busy.CompareAndSwap(false, true) {
		d.nBusy.Add(1)
		return false
	}
	d.wg.Add(1)
	d.nDispatched.Add(1)
	return true
}

// Run the detector and normalize the results.
// Failures are logged, and produce an empty list.
func (d *Dispatcher) detect(f *frame.Frame) []nn.Detection {
	start := time.Now()
	objects, err := d.runDetector(f)
	perfstats.UpdateMovingAverage(&d.avgDetectNS, time.Now().Sub(start).Nanoseconds())
	if err != nil {
		d.nFailed.Add(1)
		d.logError(err)
		return []nn.Detection{}
	}
	config := d.detector.Config()
	objects = nn.MergeSimilarObjects(objects, d.options.MergeClasses, config, d.options.MergeMinIoU)
	return nn.Normalize(objects, config, f.Width, f.Height)
}

func (d *Dispatcher) runDetector(f *frame.Frame) (objects []nn.ObjectDetection, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			d.log.Errorf("Detector panic: %v\n%v", rec, string(debug.Stack()))
			err = &DetectorFailure{Err: fmt.Errorf("panic: %v", rec)}
		}
	}()
	objects, err = d.detector.DetectObjects(f.Crop(), d.options.Params)
	if err != nil {
		err = &DetectorFailure{Err: err}
	}
	return
}

func (d *Dispatcher) logError(err error) {
	d.errLock.Lock()
	defer d.errLock.Unlock()
	if time.Now().Sub(d.lastErrAt) > d.options.ErrorInterval {
		d.log.Errorf("%v", err)
		d.lastErrAt = time.Now()
	}
}
