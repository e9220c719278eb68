package dispatch

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cyclopcam/edgecv/pkg/frame"
	"github.com/cyclopcam/edgecv/pkg/nn"
	"github.com/cyclopcam/logs"
	"github.com/stretchr/testify/require"
)

type fakeDetector struct {
	config    nn.ModelConfig
	objects   []nn.ObjectDetection
	err       error
	panicMsg  string
	release   chan struct{} // If not nil, DetectObjects blocks until this is closed
	nRunning  atomic.Int32
	maxActive atomic.Int32
	nCalls    atomic.Int32
}

func newFakeDetector() *fakeDetector {
	return &fakeDetector{
		config: nn.ModelConfig{Architecture: "fake", Width: 320, Height: 320, Classes: nn.COCOClasses},
	}
}

func (f *fakeDetector) Close() {}

func (f *fakeDetector) Config() *nn.ModelConfig {
	return &f.config
}

func (f *fakeDetector) DetectObjects(img nn.ImageCrop, params *nn.DetectionParams) ([]nn.ObjectDetection, error) {
	f.nCalls.Add(1)
	n := f.nRunning.Add(1)
	defer f.nRunning.Add(-1)
	for {
		old := f.maxActive.Load()
		if n <= old || f.maxActive.CompareAndSwap(old, n) {
			break
		}
	}
	if f.release != nil {
		<-f.release
	}
	if f.panicMsg != "" {
		panic(f.panicMsg)
	}
	return f.objects, f.err
}

func testFrame() *frame.Frame {
	return frame.New(640, 480, time.Now())
}

func TestDispatchNormalizes(t *testing.T) {
	det := newFakeDetector()
	det.objects = []nn.ObjectDetection{
		{Class: 0, Confidence: 0.9, Box: nn.MakeRect(64, 96, 192, 192)},
	}
	d := New(logs.NewTestingLog(t), det, Options{})
	defer d.Close()

	dets, err := d.Dispatch(context.Background(), testFrame())
	require.NoError(t, err)
	require.Len(t, dets, 1)
	require.Equal(t, "person", dets[0].Class)
	require.InDelta(t, 0.1, dets[0].X1, 1e-9)
	require.InDelta(t, 0.4, dets[0].Y2, 1e-9)

	// Sequential dispatches must never see ErrBusy
	for i := 0; i < 10; i++ {
		_, err := d.Dispatch(context.Background(), testFrame())
		require.NoError(t, err)
	}
	require.Equal(t, int64(11), d.Stats().Dispatched)
	require.Equal(t, int64(0), d.Stats().Busy)
}

func TestOneFrameInFlight(t *testing.T) {
	det := newFakeDetector()
	det.release = make(chan struct{})
	d := New(logs.NewTestingLog(t), det, Options{})

	done := make(chan []nn.Detection, 10)
	onDone := func(f *frame.Frame, dets []nn.Detection) {
		done <- dets
	}
	require.True(t, d.TryDispatch(testFrame(), onDone))
	require.True(t, d.Busy())
	for i := 0; i < 5; i++ {
		require.False(t, d.TryDispatch(testFrame(), onDone))
	}
	_, err := d.Dispatch(context.Background(), testFrame())
	require.ErrorIs(t, err, ErrBusy)

	close(det.release)
	dets := <-done
	require.NotNil(t, dets)
	require.Empty(t, dets)

	d.Close()
	require.False(t, d.TryDispatch(testFrame(), onDone))
	require.Equal(t, int32(1), det.maxActive.Load())
	require.Equal(t, int32(1), det.nCalls.Load())
	require.Equal(t, int64(6), d.Stats().Busy)
}

func TestDispatchContextExpires(t *testing.T) {
	det := newFakeDetector()
	det.release = make(chan struct{})
	d := New(logs.NewTestingLog(t), det, Options{})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := d.Dispatch(ctx, testFrame())
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Less(t, time.Now().Sub(start), time.Second)

	// Inference is still running, so we must not overlap it
	require.True(t, d.Busy())
	close(det.release)
	d.Close()
	require.False(t, d.Busy())
}

func TestDetectorErrorYieldsEmpty(t *testing.T) {
	det := newFakeDetector()
	det.err = errors.New("out of memory")
	d := New(logs.NewTestingLog(t), det, Options{})
	defer d.Close()

	for i := 0; i < 3; i++ {
		dets, err := d.Dispatch(context.Background(), testFrame())
		require.NoError(t, err)
		require.NotNil(t, dets)
		require.Empty(t, dets)
	}
	require.Equal(t, int64(3), d.Stats().Failed)
}

func TestDetectorPanicYieldsEmpty(t *testing.T) {
	det := newFakeDetector()
	det.panicMsg = "segfault in kernel"
	d := New(logs.NewTestingLog(t), det, Options{})
	defer d.Close()

	dets, err := d.Dispatch(context.Background(), testFrame())
	require.NoError(t, err)
	require.Empty(t, dets)
	require.Equal(t, int64(1), d.Stats().Failed)
	require.False(t, d.Busy())

	_, failure := d.runDetector(testFrame())
	var df *DetectorFailure
	require.ErrorAs(t, failure, &df)
}

func TestMergeClasses(t *testing.T) {
	det := newFakeDetector()
	det.objects = []nn.ObjectDetection{
		{Class: 7, Confidence: 0.6, Box: nn.MakeRect(100, 100, 200, 180)}, // truck
		{Class: 2, Confidence: 0.8, Box: nn.MakeRect(101, 100, 200, 181)}, // car
	}
	d := New(logs.NewTestingLog(t), det, Options{MergeClasses: map[string]string{"truck": "car"}})
	defer d.Close()

	dets, err := d.Dispatch(context.Background(), testFrame())
	require.NoError(t, err)
	require.Len(t, dets, 1)
	require.Equal(t, "car", dets[0].Class)
}
