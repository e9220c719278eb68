// Package edge is the capture side of edgecv. It publishes the camera to the room, receives
// annotations from the processor, draws them over the live picture, and serves hardware commands.
package edge

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cyclopcam/edgecv/pkg/annotation"
	"github.com/cyclopcam/edgecv/pkg/boxcache"
	"github.com/cyclopcam/edgecv/pkg/control"
	"github.com/cyclopcam/edgecv/pkg/log"
	"github.com/cyclopcam/edgecv/pkg/transport"
	"github.com/cyclopcam/logs"
)

// Identity that the edge node joins the room with
const DefaultIdentity = "edge-client"

// Name of the camera track
const DefaultTrackName = "webcam"

// Room is the part of a room connection that the edge session uses
type Room interface {
	RPCRegistrar
	control.DataPublisher
	SubscribeData(topics ...string) *transport.DataSubscription
	SubscribeParticipants() *transport.ParticipantSubscription
}

type Options struct {
	ProcessorIdentity string        // When this participant leaves, the cached boxes are cleared. Empty = never clear.
	ErrorInterval     time.Duration // Minimum time between decode error log messages. Zero value = 15 seconds
}

// Session receives annotations and commands from the room.
// Everything here runs on the session goroutine. The only state shared with the
// capture loop is the BoxCache.
type Session struct {
	log      logs.Log
	boxes    *boxcache.BoxCache
	commands *Commands
	options  Options

	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	ping         *control.PingResponder
	data         *transport.DataSubscription
	participants *transport.ParticipantSubscription
	rpcs         []*transport.RPCRegistration
	closeOnce    sync.Once

	errLock   sync.Mutex
	lastErrAt time.Time

	nAnnotations    atomic.Int64
	nBadAnnotations atomic.Int64
}

func NewSession(logger logs.Log, boxes *boxcache.BoxCache, commands *Commands, options Options) *Session {
	if options.ErrorInterval == 0 {
		options.ErrorInterval = 15 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		log:      log.NewPrefixLogger(logger, "Edge"),
		boxes:    boxes,
		commands: commands,
		options:  options,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start subscribes to annotations, pings and participant events, registers our
// RPC methods, and processes incoming traffic on a background goroutine.
func (s *Session) Start(room Room) {
	s.ping = control.NewPingResponder(s.log, room)
	s.data = room.SubscribeData(annotation.Topic, control.PingTopic)
	s.participants = room.SubscribeParticipants()
	if s.commands != nil {
		s.rpcs = s.commands.Register(room)
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run()
	}()
}

func (s *Session) run() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case pkt, ok := <-s.data.C:
			if !ok {
				return
			}
			if pkt.Topic == annotation.Topic {
				s.HandleAnnotation(pkt.Payload)
			} else {
				s.ping.Handle(s.ctx, pkt)
			}
		case ev, ok := <-s.participants.C:
			if !ok {
				return
			}
			s.onParticipant(ev)
		}
	}
}

// HandleAnnotation decodes an annotation payload and stores its boxes.
// Malformed payloads are logged and dropped, and the cache keeps its previous state.
func (s *Session) HandleAnnotation(payload []byte) error {
	msg, err := annotation.Decode(payload)
	if err != nil {
		s.nBadAnnotations.Add(1)
		s.logError("%v", err)
		return err
	}
	s.nAnnotations.Add(1)
	s.boxes.Set(msg.Boxes)
	return nil
}

func (s *Session) onParticipant(ev transport.ParticipantEvent) {
	if ev.Joined {
		s.log.Infof("%v joined", ev.Identity)
		return
	}
	s.log.Infof("%v left", ev.Identity)
	if s.options.ProcessorIdentity != "" && ev.Identity == s.options.ProcessorIdentity {
		// Nobody will update these boxes anymore
		s.boxes.Clear()
	}
}

// Number of good and bad annotation messages received
func (s *Session) AnnotationStats() (good, bad int64) {
	return s.nAnnotations.Load(), s.nBadAnnotations.Load()
}

// Number of pings answered
func (s *Session) PingsAnswered() int64 {
	if s.ping == nil {
		return 0
	}
	return s.ping.Answered()
}

// Close unregisters our RPC methods, closes our subscriptions, and waits for the session goroutine to exit
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.cancel()
		for _, r := range s.rpcs {
			r.Close()
		}
		if s.data != nil {
			s.data.Close()
		}
		if s.participants != nil {
			s.participants.Close()
		}
		s.wg.Wait()
	})
}

func (s *Session) logError(format string, args ...any) {
	s.errLock.Lock()
	defer s.errLock.Unlock()
	if time.Now().Sub(s.lastErrAt) > s.options.ErrorInterval {
		s.log.Errorf(format, args...)
		s.lastErrAt = time.Now()
	}
}
