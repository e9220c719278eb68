package transport

import (
	"fmt"
	"time"

	"github.com/cyclopcam/edgecv/pkg/frame"
)

// Channel sizes of subscriptions. When a subscriber falls behind, new packets are dropped,
// except for track frames, where the oldest frame is dropped.
const (
	DataSubscriptionBufferSize        = 64
	TrackSubscriptionBufferSize       = 2
	ParticipantSubscriptionBufferSize = 16
)

// DataPacket is a message received on the data channel
type DataPacket struct {
	Sender   string
	Topic    string
	Payload  []byte
	Reliable bool
}

// TrackFrame is a video frame received from a remote participant's track
type TrackFrame struct {
	Participant string
	Track       string
	Width       int
	Height      int
	JPEG        []byte
	Captured    time.Time // When the sender captured the frame, on the sender's clock. Zero if unknown.
	Received    time.Time // Our clock
}

// SampleTime is the clock that rate limiting runs on. Only differences between frames of one
// track are meaningful, so the sender's clock does not need to agree with ours.
func (t *TrackFrame) SampleTime() time.Time {
	if !t.Captured.IsZero() {
		return t.Captured
	}
	return t.Received
}

// Decode decompresses the frame. The frame's capture time is the time at which we received it.
func (t *TrackFrame) Decode() (*frame.Frame, error) {
	f, err := frame.DecodeJPEG(t.JPEG, t.Received)
	if err != nil {
		return nil, err
	}
	if t.Width != 0 && (f.Width != t.Width || f.Height != t.Height) {
		return nil, fmt.Errorf("Track frame is %v x %v, but was announced as %v x %v", f.Width, f.Height, t.Width, t.Height)
	}
	return f, nil
}

// ParticipantEvent is sent when a remote participant joins or leaves the room
type ParticipantEvent struct {
	Identity string
	Joined   bool
}

// DataSubscription delivers data packets on the requested topics.
// C is closed when the subscription or the room is closed.
type DataSubscription struct {
	C      <-chan DataPacket
	c      chan DataPacket
	topics map[string]bool // empty = all topics
	room   *Room
}

func (s *DataSubscription) wants(topic string) bool {
	return len(s.topics) == 0 || s.topics[topic]
}

func (s *DataSubscription) Close() {
	s.room.removeSubscription(s)
}

// TrackSubscription delivers frames from every remote track
type TrackSubscription struct {
	C    <-chan TrackFrame
	c    chan TrackFrame
	room *Room
}

func (s *TrackSubscription) Close() {
	s.room.removeSubscription(s)
}

// ParticipantSubscription delivers join and leave events of remote participants
type ParticipantSubscription struct {
	C    <-chan ParticipantEvent
	c    chan ParticipantEvent
	room *Room
}

func (s *ParticipantSubscription) Close() {
	s.room.removeSubscription(s)
}

// LocalTrack is a video track that we publish to the room
type LocalTrack struct {
	Name    string
	Quality int // JPEG quality
	room    *Room
}

// WriteFrame compresses the frame and sends it to the room.
// Frames are sent unreliably, so if the connection is congested, the frame is silently dropped.
func (t *LocalTrack) WriteFrame(f *frame.Frame) error {
	jpg, err := f.EncodeJPEG(t.Quality)
	if err != nil {
		return fmt.Errorf("Failed to compress frame: %w", err)
	}
	captured := f.Captured
	if captured.IsZero() {
		captured = time.Now()
	}
	return t.room.send(&Envelope{
		Type:       MsgTrack,
		Track:      t.Name,
		Width:      f.Width,
		Height:     f.Height,
		CapturedAt: captured.UnixNano(),
		Payload:    jpg,
	})
}
