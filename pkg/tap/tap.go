// Package tap mirrors annotation messages onto a ZeroMQ PUB socket, so that other
// processes (recorders, dashboards) can observe detections without joining the room.
package tap

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/cyclopcam/edgecv/pkg/annotation"
	"github.com/cyclopcam/edgecv/pkg/log"
	"github.com/cyclopcam/logs"
	"github.com/pebbe/zmq4"
)

// Example: "tcp://*:5557"
const DefaultEndpoint = "tcp://*:5557"

// Publisher sends CBOR encoded annotation messages. Messages are dropped if no subscriber is keeping up.
type Publisher struct {
	log      logs.Log
	lock     sync.Mutex // zmq sockets may not be used from multiple goroutines at once
	socket   *zmq4.Socket
	nSent    atomic.Int64
	nDropped atomic.Int64
}

// NewPublisher binds a PUB socket to 'endpoint'
func NewPublisher(logger logs.Log, endpoint string) (*Publisher, error) {
	socket, err := zmq4.NewSocket(zmq4.PUB)
	if err != nil {
		return nil, err
	}
	socket.SetLinger(0)
	if err := socket.Bind(endpoint); err != nil {
		socket.Close()
		return nil, fmt.Errorf("Failed to bind annotation tap to %v: %w", endpoint, err)
	}
	p := &Publisher{
		log:    log.NewPrefixLogger(logger, "Tap"),
		socket: socket,
	}
	p.log.Infof("Publishing annotations on %v", endpoint)
	return p, nil
}

// Publish sends a message without blocking
func (p *Publisher) Publish(msg *annotation.Message) error {
	b, err := annotation.EncodeCBOR(msg)
	if err != nil {
		return err
	}
	p.lock.Lock()
	defer p.lock.Unlock()
	if p.socket == nil {
		return errors.New("Tap is closed")
	}
	if _, err := p.socket.SendBytes(b, zmq4.DONTWAIT); err != nil {
		if zmq4.AsErrno(err) == zmq4.Errno(syscall.EAGAIN) {
			p.nDropped.Add(1)
			return nil
		}
		return err
	}
	p.nSent.Add(1)
	return nil
}

// Stats returns the number of messages sent and dropped
func (p *Publisher) Stats() (sent, dropped int64) {
	return p.nSent.Load(), p.nDropped.Load()
}

func (p *Publisher) Close() {
	p.lock.Lock()
	defer p.lock.Unlock()
	if p.socket != nil {
		p.socket.Close()
		p.socket = nil
	}
}

// Subscribe connects a SUB socket to 'endpoint', and returns a channel of decoded messages.
// The channel is closed when ctx is done. Malformed messages are logged and skipped.
func Subscribe(ctx context.Context, logger logs.Log, endpoint string) (<-chan *annotation.Message, error) {
	socket, err := zmq4.NewSocket(zmq4.SUB)
	if err != nil {
		return nil, err
	}
	if err := socket.Connect(endpoint); err != nil {
		socket.Close()
		return nil, err
	}
	if err := socket.SetSubscribe(""); err != nil {
		socket.Close()
		return nil, err
	}
	// Wake up periodically to check ctx
	socket.SetRcvtimeo(200 * time.Millisecond)

	out := make(chan *annotation.Message, 128)
	go func() {
		defer close(out)
		defer socket.Close()

		lastErrAt := time.Time{}
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			b, err := socket.RecvBytes(0)
			if err != nil {
				if zmq4.AsErrno(err) != zmq4.Errno(syscall.EAGAIN) && time.Now().Sub(lastErrAt) > 15*time.Second {
					logger.Warnf("Tap receive error: %v", err)
					lastErrAt = time.Now()
				}
				continue
			}
			msg, err := annotation.DecodeCBOR(b)
			if err != nil {
				if time.Now().Sub(lastErrAt) > 15*time.Second {
					logger.Warnf("%v", err)
					lastErrAt = time.Now()
				}
				continue
			}

			select {
			case <-ctx.Done():
				return
			case out <- msg:
			}
		}
	}()
	return out, nil
}
