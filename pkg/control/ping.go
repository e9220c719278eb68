package control

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bmharper/ringbuffer"
	"github.com/cyclopcam/edgecv/pkg/log"
	"github.com/cyclopcam/edgecv/pkg/transport"
	"github.com/cyclopcam/logs"
)

// Liveness topics
const (
	PingTopic = "ping"
	PongTopic = "pong"
)

// Number of RTT samples that are averaged
const RTTWindow = 30

// ErrStalePong is returned for a pong that does not answer the most recent ping,
// for example one that arrived after we had given up waiting for it.
var ErrStalePong = errors.New("Pong does not answer the most recent ping")

// DataPublisher is the part of a room connection that sends data packets
type DataPublisher interface {
	PublishData(ctx context.Context, payload []byte, topic string, reliable bool, destinations ...string) error
}

// PingResponder answers pings by sending the payload straight back on the pong topic
type PingResponder struct {
	log       logs.Log
	pub       DataPublisher
	nAnswered atomic.Int64
}

func NewPingResponder(logger logs.Log, pub DataPublisher) *PingResponder {
	return &PingResponder{
		log: log.NewPrefixLogger(logger, "Ping"),
		pub: pub,
	}
}

// Handle answers 'pkt' if it is a ping, and returns true if it was
func (p *PingResponder) Handle(ctx context.Context, pkt transport.DataPacket) bool {
	if pkt.Topic != PingTopic {
		return false
	}
	if err := p.pub.PublishData(ctx, pkt.Payload, PongTopic, true, pkt.Sender); err != nil {
		p.log.Warnf("Failed to answer ping from %v: %v", pkt.Sender, err)
	} else {
		p.nAnswered.Add(1)
	}
	return true
}

// Run answers pings until 'packets' is closed or ctx is done
func (p *PingResponder) Run(ctx context.Context, packets <-chan transport.DataPacket) {
	for {
		select {
		case <-ctx.Done():
			return
		case pkt, ok := <-packets:
			if !ok {
				return
			}
			p.Handle(ctx, pkt)
		}
	}
}

// Number of pings that we have answered
func (p *PingResponder) Answered() int64 {
	return p.nAnswered.Load()
}

// Pinger measures the round trip time to a peer that runs a PingResponder
type Pinger struct {
	Destination string // If empty, pings are broadcast

	pub         DataPublisher
	lock        sync.Mutex
	window      ringbuffer.RingP[time.Duration]
	outstanding string // Payload of the most recent ping, until it is answered
}

func NewPinger(pub DataPublisher, destination string) *Pinger {
	return &Pinger{
		Destination: destination,
		pub:         pub,
		window:      ringbuffer.NewRingP[time.Duration](RTTWindow),
	}
}

// Ping sends the current time in Unix milliseconds
func (p *Pinger) Ping(ctx context.Context, now time.Time) error {
	payload := []byte(strconv.FormatInt(now.UnixMilli(), 10))
	p.lock.Lock()
	p.outstanding = string(payload)
	p.lock.Unlock()
	if p.Destination != "" {
		return p.pub.PublishData(ctx, payload, PingTopic, true, p.Destination)
	}
	return p.pub.PublishData(ctx, payload, PingTopic, true)
}

// OnPong records the round trip time of a pong, and returns it.
// Only the first pong for the most recent ping is accepted.
func (p *Pinger) OnPong(pkt transport.DataPacket, now time.Time) (time.Duration, error) {
	if pkt.Topic != PongTopic {
		return 0, fmt.Errorf("Not a pong: topic %v", pkt.Topic)
	}
	p.lock.Lock()
	defer p.lock.Unlock()
	if p.outstanding == "" || string(pkt.Payload) != p.outstanding {
		return 0, ErrStalePong
	}
	sentMS, err := strconv.ParseInt(string(pkt.Payload), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("Invalid pong payload: %w", err)
	}
	rtt := now.Sub(time.UnixMilli(sentMS))
	if rtt < 0 {
		return 0, fmt.Errorf("Pong from the future")
	}
	p.outstanding = ""
	p.window.Add(rtt)
	return rtt, nil
}

// AverageRTT returns the mean of the most recent RTTWindow samples, and the number of samples
func (p *Pinger) AverageRTT() (time.Duration, int) {
	p.lock.Lock()
	defer p.lock.Unlock()
	n := p.window.Len()
	if n == 0 {
		return 0, 0
	}
	total := time.Duration(0)
	for i := 0; i < n; i++ {
		total += p.window.Peek(i)
	}
	return total / time.Duration(n), n
}
