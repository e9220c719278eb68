// Package processor is the compute side of edgecv. It receives video frames from the room,
// runs object detection on a sample of them, and publishes the results as annotations.
//
// A session processes a single track at a time: the first track that it sees. Frames from
// other tracks are ignored until the owner of that track leaves the room. Annotations are
// sent only to the owner of the track.
package processor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cyclopcam/edgecv/pkg/annotation"
	"github.com/cyclopcam/edgecv/pkg/dispatch"
	"github.com/cyclopcam/edgecv/pkg/frame"
	"github.com/cyclopcam/edgecv/pkg/log"
	"github.com/cyclopcam/edgecv/pkg/nn"
	"github.com/cyclopcam/edgecv/pkg/perfstats"
	"github.com/cyclopcam/edgecv/pkg/sampler"
	"github.com/cyclopcam/edgecv/pkg/transport"
	"github.com/cyclopcam/logs"
)

// Identity that the processor joins the room with
const DefaultIdentity = "cloud-processor"

// Maximum rate at which frames are sent to the detector
const DefaultFPS = 10

const DefaultStatsInterval = 10 * time.Second

// Size of the frame that warms up the detector
const (
	WarmUpWidth  = 640
	WarmUpHeight = 640
)

// Publisher is the part of a room connection that we send annotations through
type Publisher interface {
	PublishData(ctx context.Context, payload []byte, topic string, reliable bool, destinations ...string) error
}

// Tap receives a copy of every annotation that we publish
type Tap interface {
	Publish(msg *annotation.Message) error
}

type Options struct {
	FPS           float64          // Zero value = DefaultFPS
	Dispatch      dispatch.Options // Passed through to the dispatcher
	Tap           Tap              // Optional
	StatsInterval time.Duration    // Zero value = DefaultStatsInterval
	ErrorInterval time.Duration    // Minimum time between publish error log messages. Zero value = 15 seconds
}

// stream identifies one remote track
type stream struct {
	participant string
	track       string
}

func (s stream) String() string {
	return s.participant + "/" + s.track
}

// Session samples frames, runs them through the detector, and publishes the results.
type Session struct {
	log        logs.Log
	pub        Publisher
	options    Options
	dispatcher *dispatch.Dispatcher

	// Owned by the frame loop
	source  stream // Zero value = not bound to any track yet
	sampler *sampler.Sampler

	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	tracks       *transport.TrackSubscription
	participants *transport.ParticipantSubscription
	closeMtx     sync.Mutex
	closed       bool

	errLock   sync.Mutex
	lastErrAt time.Time

	statsLock sync.Mutex
	latency   perfstats.TimeAccumulator // Frame received to annotation published

	nReceived    atomic.Int64
	nIgnored     atomic.Int64
	nThrottled   atomic.Int64
	nSampled     atomic.Int64
	nPublished   atomic.Int64
	nBadFrames   atomic.Int64
	nPublishFail atomic.Int64
}

// Stats is a snapshot of the session's counters
type Stats struct {
	Received      int64 // Frames received from the room
	Ignored       int64 // Frames from tracks other than the one we're bound to
	Throttled     int64 // Frames dropped by the sampler
	Sampled       int64 // Frames that passed the sampler
	Published     int64 // Annotations published
	BadFrames     int64 // Frames that could not be decoded
	PublishFailed int64
	Dispatcher    dispatch.Stats
}

// NewSession creates a session. The detector is owned by the caller.
func NewSession(logger logs.Log, detector nn.ObjectDetector, pub Publisher, options Options) *Session {
	if options.FPS == 0 {
		options.FPS = DefaultFPS
	}
	if options.StatsInterval == 0 {
		options.StatsInterval = DefaultStatsInterval
	}
	if options.ErrorInterval == 0 {
		options.ErrorInterval = 15 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		log:        log.NewPrefixLogger(logger, "Processor"),
		pub:        pub,
		options:    options,
		sampler:    sampler.New(options.FPS),
		dispatcher: dispatch.New(logger, detector, options.Dispatch),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// WarmUp runs the detector once on a black frame, so that the first real frame
// doesn't pay for lazy initialization inside the NN library.
func WarmUp(logger logs.Log, detector nn.ObjectDetector) error {
	start := time.Now()
	f := frame.New(WarmUpWidth, WarmUpHeight, start)
	if _, err := detector.DetectObjects(f.Crop(), nn.NewDetectionParams()); err != nil {
		return fmt.Errorf("Detector warm up failed: %w", err)
	}
	logger.Infof("Detector warmed up in %.0f ms", time.Now().Sub(start).Seconds()*1000)
	return nil
}

// HandleTrackFrame offers a frame to the sampler and then to the dispatcher.
// Returns true if the frame was sent to the detector.
// Frames are dropped when they belong to a track other than ours, when they arrive too soon
// after the previous sample, or when the detector is still busy with an earlier frame.
// HandleTrackFrame must not be called concurrently with Run.
func (s *Session) HandleTrackFrame(tf *transport.TrackFrame) bool {
	s.nReceived.Add(1)
	src := stream{participant: tf.Participant, track: tf.Track}
	if s.source == (stream{}) {
		s.bind(src)
	} else if src != s.source {
		s.nIgnored.Add(1)
		return false
	}

	// Decompressing is not free, so we consult the sampler before decoding
	if !s.sampler.Observe(tf.SampleTime()) {
		s.nThrottled.Add(1)
		return false
	}
	s.nSampled.Add(1)
	f, err := tf.Decode()
	if err != nil {
		s.nBadFrames.Add(1)
		s.logError("Failed to decode frame from %v: %v", src, err)
		return false
	}
	owner := tf.Participant
	return s.dispatcher.TryDispatch(f, func(f *frame.Frame, detections []nn.Detection) {
		s.publish(owner, f, detections)
	})
}

func (s *Session) bind(src stream) {
	s.source = src
	// The new track's timestamps come from a different clock
	s.sampler = sampler.New(s.options.FPS)
	s.log.Infof("Processing track %v", src)
}

func (s *Session) onParticipant(ev transport.ParticipantEvent) {
	if ev.Joined || s.source == (stream{}) || ev.Identity != s.source.participant {
		return
	}
	s.log.Infof("%v left. Releasing track %v", ev.Identity, s.source)
	s.source = stream{}
}

// Runs on the dispatcher's goroutine
func (s *Session) publish(destination string, f *frame.Frame, detections []nn.Detection) {
	msg := annotation.NewMessage(f.Width, f.Height, detections)
	payload, err := annotation.Encode(msg)
	if err != nil {
		s.logError("Failed to encode annotation: %v", err)
		return
	}
	if err := s.pub.PublishData(s.ctx, payload, annotation.Topic, false, destination); err != nil {
		s.nPublishFail.Add(1)
		s.logError("Failed to publish annotation: %v", err)
	} else {
		s.nPublished.Add(1)
		s.statsLock.Lock()
		s.latency.AddSample(time.Now().Sub(f.Captured))
		s.statsLock.Unlock()
	}
	if s.options.Tap != nil {
		if err := s.options.Tap.Publish(msg); err != nil {
			s.logError("Failed to publish annotation to tap: %v", err)
		}
	}
}

// Run consumes track frames and participant events until 'frames' is closed or ctx is done.
// 'participants' may be nil, in which case the session never releases its track.
func (s *Session) Run(ctx context.Context, frames <-chan transport.TrackFrame, participants <-chan transport.ParticipantEvent) {
	ticker := time.NewTicker(s.options.StatsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.logStats()
		case ev, ok := <-participants:
			if !ok {
				participants = nil
				continue
			}
			s.onParticipant(ev)
		case tf, ok := <-frames:
			if !ok {
				return
			}
			s.HandleTrackFrame(&tf)
		}
	}
}

// Start subscribes to the room's tracks, and processes them on a background goroutine
func (s *Session) Start(room *transport.Room) {
	s.tracks = room.SubscribeTracks()
	s.participants = room.SubscribeParticipants()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.Run(s.ctx, s.tracks.C, s.participants.C)
		s.log.Infof("Frame loop exited")
	}()
}

// Close stops processing, and waits for any in-flight inference to finish
func (s *Session) Close() {
	s.closeMtx.Lock()
	if s.closed {
		s.closeMtx.Unlock()
		return
	}
	s.closed = true
	s.closeMtx.Unlock()

	s.cancel()
	if s.tracks != nil {
		s.tracks.Close()
	}
	if s.participants != nil {
		s.participants.Close()
	}
	s.wg.Wait()
	s.dispatcher.Close()
	s.logStats()
}

func (s *Session) Stats() Stats {
	return Stats{
		Received:      s.nReceived.Load(),
		Ignored:       s.nIgnored.Load(),
		Throttled:     s.nThrottled.Load(),
		Sampled:       s.nSampled.Load(),
		Published:     s.nPublished.Load(),
		BadFrames:     s.nBadFrames.Load(),
		PublishFailed: s.nPublishFail.Load(),
		Dispatcher:    s.dispatcher.Stats(),
	}
}

func (s *Session) logStats() {
	st := s.Stats()
	s.statsLock.Lock()
	avgLatency := s.latency.Average()
	maxLatency := s.latency.Max
	s.latency.Reset()
	s.statsLock.Unlock()
	s.log.Infof("Frames received %v, ignored %v, sampled %v, detector busy %v, published %v. Detect %.1f ms. Latency avg %.1f ms, max %.1f ms",
		st.Received, st.Ignored, st.Sampled, st.Dispatcher.Busy, st.Published,
		st.Dispatcher.AvgDetectNS.Seconds()*1000, avgLatency.Seconds()*1000, maxLatency.Seconds()*1000)
}

func (s *Session) logError(format string, args ...any) {
	s.errLock.Lock()
	defer s.errLock.Unlock()
	if time.Now().Sub(s.lastErrAt) > s.options.ErrorInterval {
		s.log.Errorf(format, args...)
		s.lastErrAt = time.Now()
	}
}
