package relay

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cyclopcam/edgecv/pkg/log"
	"github.com/cyclopcam/edgecv/pkg/transport"
	"github.com/cyclopcam/logs"
	"github.com/gorilla/websocket"
)

// Number of envelopes that we buffer for each participant before we start dropping
// unreliable envelopes (at 3/4 full), and blocking reliable ones.
const ClientSendQueueSize = 128

// client is one participant's websocket connection
type client struct {
	log       logs.Log
	server    *Server
	room      *room
	roomName  string
	identity  string
	sessionID string
	joinedAt  time.Time
	conn      *websocket.Conn
	sendQueue chan []byte
	done      chan struct{}
	closeOnce sync.Once

	dropLock    sync.Mutex
	lastDropMsg time.Time
	nDropped    atomic.Int64
	nSent       atomic.Int64
}

func newClient(s *Server, conn *websocket.Conn, identity, roomName string) *client {
	sessionID := s.newSessionID()
	return &client{
		log:       log.NewPrefixLogger(s.Log, fmt.Sprintf("Room %v participant %v:", roomName, identity)),
		server:    s,
		roomName:  roomName,
		identity:  identity,
		sessionID: sessionID,
		joinedAt:  time.Now(),
		conn:      conn,
		sendQueue: make(chan []byte, ClientSendQueueSize),
		done:      make(chan struct{}),
	}
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// run the websocket until the participant disconnects
func (c *client) run() {
	c.conn.SetReadLimit(transport.MaxEnvelopeBytes)
	writerDone := make(chan struct{})
	go func() {
		c.writer()
		close(writerDone)
	}()
	c.reader()
	c.close()
	<-writerDone
}

func (c *client) sendEnvelope(e *transport.Envelope) {
	data, err := transport.EncodeEnvelope(e)
	if err != nil {
		c.log.Errorf("Failed to encode %v envelope: %v", e.Type, err)
		return
	}
	c.enqueue(data, e.MustDeliver())
}

// Add an encoded envelope to our send queue.
// Unreliable envelopes are dropped if the queue is 3/4 full.
// Reliable envelopes wait for space, but if the participant is so slow that the queue stays full
// for WriteTimeout, we disconnect it.
func (c *client) enqueue(data []byte, reliable bool) {
	if !reliable {
		if len(c.sendQueue) >= cap(c.sendQueue)*3/4 {
			c.onDrop()
			return
		}
		select {
		case c.sendQueue <- data:
		default:
			c.onDrop()
		}
		return
	}
	timer := time.NewTimer(transport.WriteTimeout)
	defer timer.Stop()
	select {
	case c.sendQueue <- data:
	case <-c.done:
	case <-timer.C:
		c.log.Warnf("Send queue has been full for %v. Disconnecting", transport.WriteTimeout)
		c.close()
	}
}

func (c *client) onDrop() {
	n := c.nDropped.Add(1)
	c.dropLock.Lock()
	defer c.dropLock.Unlock()
	if time.Now().Sub(c.lastDropMsg) > 5*time.Second {
		c.log.Infof("Dropped %v/%v envelopes", n, n+c.nSent.Load())
		c.lastDropMsg = time.Now()
	}
}

func (c *client) writer() {
	for {
		select {
		case <-c.done:
			return
		case data := <-c.sendQueue:
			c.conn.SetWriteDeadline(time.Now().Add(transport.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
				c.log.Infof("Error writing to websocket: %v", err)
				c.close()
				return
			}
			c.nSent.Add(1)
		}
	}
}

func (c *client) reader() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					c.log.Infof("Connection lost: %v", err)
				}
			}
			return
		}
		e, err := transport.DecodeEnvelope(data)
		if err != nil {
			c.log.Warnf("%v", err)
			continue
		}
		c.route(e)
	}
}

// Forward an envelope from this participant to its recipients
func (c *client) route(e *transport.Envelope) {
	e.Identity = c.identity
	switch e.Type {
	case transport.MsgData, transport.MsgTrack:
		targets := c.targets(e.Destinations)
		if len(targets) == 0 {
			return
		}
		e.Destinations = nil
		data, err := transport.EncodeEnvelope(e)
		if err != nil {
			c.log.Errorf("Failed to encode %v envelope: %v", e.Type, err)
			return
		}
		reliable := e.MustDeliver()
		for _, t := range targets {
			t.enqueue(data, reliable)
		}
	case transport.MsgRPCRequest:
		var dest *client
		if len(e.Destinations) == 1 && e.Destinations[0] != c.identity {
			dest = c.room.get(e.Destinations[0])
		}
		if dest == nil {
			c.rpcFail(e.RequestID, transport.NewRPCError(transport.RPCRecipientNotFound, fmt.Sprintf("%v", e.Destinations)))
			return
		}
		if len(e.Payload) > transport.MaxRPCPayloadBytes {
			c.rpcFail(e.RequestID, transport.NewRPCError(transport.RPCRequestTooLarge, ""))
			return
		}
		e.Destinations = nil
		dest.sendEnvelope(e)
	case transport.MsgRPCAck, transport.MsgRPCResponse:
		if len(e.Destinations) != 1 {
			return
		}
		if dest := c.room.get(e.Destinations[0]); dest != nil {
			e.Destinations = nil
			dest.sendEnvelope(e)
		}
	default:
		c.log.Warnf("Ignoring unexpected envelope '%v'", e.Type)
	}
}

func (c *client) rpcFail(requestID string, rpcErr *transport.RPCError) {
	c.sendEnvelope(&transport.Envelope{
		Type:      transport.MsgRPCResponse,
		RequestID: requestID,
		Error:     rpcErr,
	})
}

// Return the clients that an envelope with the given destinations should go to
func (c *client) targets(destinations []string) []*client {
	if len(destinations) == 0 {
		return c.room.list(c)
	}
	targets := []*client{}
	for _, d := range destinations {
		if d == c.identity {
			continue
		}
		if t := c.room.get(d); t != nil {
			targets = append(targets, t)
		}
	}
	return targets
}
