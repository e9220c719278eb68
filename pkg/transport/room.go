// Package transport connects a participant to a room on the relay, and carries
// data packets, video tracks and RPC calls between the participants of the room.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cyclopcam/edgecv/pkg/frame"
	"github.com/cyclopcam/edgecv/pkg/gen"
	"github.com/cyclopcam/edgecv/pkg/log"
	"github.com/cyclopcam/logs"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	SendQueueSize    = 64               // Envelopes waiting to be written to the websocket
	WriteTimeout     = 5 * time.Second  // Maximum time that a reliable envelope waits for space in the send queue, and that a websocket write may take
	JoinTimeout      = 10 * time.Second // Maximum time between dialing and receiving the join envelope
	MaxEnvelopeBytes = 8 * 1024 * 1024
)

var ErrClosed = errors.New("Room connection is closed")

// Room is our connection to a room on the relay
type Room struct {
	log       logs.Log
	conn      *websocket.Conn
	identity  string
	name      string
	sessionID string

	sendQueue chan []byte
	ctx       context.Context // Cancelled when the connection closes
	cancel    context.CancelFunc
	closeOnce sync.Once
	wg        sync.WaitGroup

	lock         sync.Mutex
	closed       bool
	closeErr     error
	participants map[string]bool
	dataSubs     map[*DataSubscription]bool
	trackSubs    map[*TrackSubscription]bool
	partSubs     map[*ParticipantSubscription]bool
	rpcMethods   map[string]RPCHandler
	pending      map[string]*pendingRPC

	dropLock    sync.Mutex
	lastDropMsg time.Time
	nDropped    atomic.Int64
}

// RTCURL converts the relay's base URL into the websocket endpoint URL.
// http and https are converted to ws and wss.
func RTCURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("Invalid relay URL '%v': %w", base, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("Invalid relay URL '%v': unsupported scheme '%v'", base, u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/rtc"
	return u.String(), nil
}

// APIURL converts the relay's base URL into the URL of an HTTP API path, eg "/api/rooms".
// ws and wss are converted to http and https.
func APIURL(base, path string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("Invalid relay URL '%v': %w", base, err)
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	case "http", "https":
	default:
		return "", fmt.Errorf("Invalid relay URL '%v': unsupported scheme '%v'", base, u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + path
	return u.String(), nil
}

// Connect joins the room that is named inside the access token, and returns once
// the relay has accepted us.
func Connect(ctx context.Context, logger logs.Log, baseURL, token string) (*Room, error) {
	rtcURL, err := RTCURL(baseURL)
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: JoinTimeout,
	}
	conn, resp, err := dialer.DialContext(ctx, rtcURL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("Failed to connect to %v: %v (HTTP %v)", rtcURL, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("Failed to connect to %v: %w", rtcURL, err)
	}
	conn.SetReadLimit(MaxEnvelopeBytes)

	deadline := time.Now().Add(JoinTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetReadDeadline(deadline)
	_, data, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("Failed to join room: %w", err)
	}
	join, err := DecodeEnvelope(data)
	if err != nil || join.Type != MsgJoin {
		conn.Close()
		return nil, fmt.Errorf("Failed to join room: expected join envelope")
	}
	conn.SetReadDeadline(time.Time{})

	roomCtx, cancel := context.WithCancel(context.Background())
	r := &Room{
		log:          log.NewPrefixLogger(logger, fmt.Sprintf("Room %v:", join.Room)),
		conn:         conn,
		identity:     join.Identity,
		name:         join.Room,
		sessionID:    join.SessionID,
		sendQueue:    make(chan []byte, SendQueueSize),
		ctx:          roomCtx,
		cancel:       cancel,
		participants: map[string]bool{},
		dataSubs:     map[*DataSubscription]bool{},
		trackSubs:    map[*TrackSubscription]bool{},
		partSubs:     map[*ParticipantSubscription]bool{},
		rpcMethods:   map[string]RPCHandler{},
		pending:      map[string]*pendingRPC{},
	}
	for _, p := range join.Participants {
		if p != r.identity {
			r.participants[p] = true
		}
	}
	r.log.Infof("Joined as %v (session %v) with %v other participants", r.identity, r.sessionID, len(r.participants))

	r.wg.Add(2)
	go r.reader()
	go r.writer()
	return r, nil
}

func (r *Room) Identity() string {
	return r.identity
}

func (r *Room) Name() string {
	return r.name
}

func (r *Room) SessionID() string {
	return r.sessionID
}

// RemoteParticipants returns the identities of the other participants, sorted
func (r *Room) RemoteParticipants() []string {
	r.lock.Lock()
	defer r.lock.Unlock()
	list := make([]string, 0, len(r.participants))
	for p := range r.participants {
		list = append(list, p)
	}
	sort.Strings(list)
	return list
}

// Done is closed when the connection is closed, either by Close, or by a network failure
func (r *Room) Done() <-chan struct{} {
	return r.ctx.Done()
}

// Err returns the reason that the connection was lost, or nil if it is still open or was closed by Close
func (r *Room) Err() error {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.closeErr
}

// Number of unreliable envelopes that were dropped because the send queue was congested
func (r *Room) DroppedPackets() int64 {
	return r.nDropped.Load()
}

// Close leaves the room, and waits for our goroutines (including running RPC handlers) to exit
func (r *Room) Close() {
	r.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	r.shutdown(nil)
	r.wg.Wait()
	if unsent := gen.Drain(r.sendQueue); len(unsent) != 0 {
		r.log.Infof("Discarded %v unsent envelopes", len(unsent))
	}
}

// PublishData sends a packet to the given participants, or to everybody else if destinations is empty.
// Unreliable packets are dropped when the connection is congested.
func (r *Room) PublishData(ctx context.Context, payload []byte, topic string, reliable bool, destinations ...string) error {
	return r.sendCtx(ctx, &Envelope{
		Type:         MsgData,
		Topic:        topic,
		Payload:      payload,
		Reliable:     reliable,
		Destinations: destinations,
	})
}

// SubscribeData delivers packets on the given topics, or all topics if none are specified
func (r *Room) SubscribeData(topics ...string) *DataSubscription {
	c := make(chan DataPacket, DataSubscriptionBufferSize)
	s := &DataSubscription{
		C:      c,
		c:      c,
		topics: map[string]bool{},
		room:   r,
	}
	for _, t := range topics {
		s.topics[t] = true
	}
	r.lock.Lock()
	defer r.lock.Unlock()
	if r.closed {
		close(c)
	} else {
		r.dataSubs[s] = true
	}
	return s
}

// SubscribeTracks delivers frames from all remote tracks
func (r *Room) SubscribeTracks() *TrackSubscription {
	c := make(chan TrackFrame, TrackSubscriptionBufferSize)
	s := &TrackSubscription{
		C:    c,
		c:    c,
		room: r,
	}
	r.lock.Lock()
	defer r.lock.Unlock()
	if r.closed {
		close(c)
	} else {
		r.trackSubs[s] = true
	}
	return s
}

// SubscribeParticipants delivers join and leave events of remote participants
func (r *Room) SubscribeParticipants() *ParticipantSubscription {
	c := make(chan ParticipantEvent, ParticipantSubscriptionBufferSize)
	s := &ParticipantSubscription{
		C:    c,
		c:    c,
		room: r,
	}
	r.lock.Lock()
	defer r.lock.Unlock()
	if r.closed {
		close(c)
	} else {
		r.partSubs[s] = true
	}
	return s
}

// PublishTrack creates a video track. Frames are written to it with WriteFrame.
func (r *Room) PublishTrack(name string) *LocalTrack {
	r.log.Infof("Publishing track %v", name)
	return &LocalTrack{
		Name:    name,
		Quality: frame.DefaultJPEGQuality,
		room:    r,
	}
}

// RegisterRPCMethod makes 'method' callable by other participants.
// Registering a method a second time replaces the earlier handler.
func (r *Room) RegisterRPCMethod(method string, handler RPCHandler) *RPCRegistration {
	r.lock.Lock()
	r.rpcMethods[method] = handler
	r.lock.Unlock()
	return &RPCRegistration{
		room:   r,
		method: method,
	}
}

func (r *Room) unregisterRPC(method string) {
	r.lock.Lock()
	delete(r.rpcMethods, method)
	r.lock.Unlock()
}

// PerformRPC calls 'method' on 'destination' and waits for the response.
// The destination must acknowledge the request within RPCAckTimeout, and respond within responseTimeout.
// Failures are returned as *RPCError, except for expiry of ctx, which returns ctx.Err().
func (r *Room) PerformRPC(ctx context.Context, destination, method, payload string, responseTimeout time.Duration) (string, error) {
	if len(payload) > MaxRPCPayloadBytes {
		return "", NewRPCError(RPCRequestTooLarge, "")
	}
	if responseTimeout <= 0 {
		responseTimeout = DefaultRPCResponseTimeout
	}
	id := uuid.NewString()
	p := &pendingRPC{
		destination: destination,
		ack:         make(chan struct{}, 1),
		result:      make(chan rpcResult, 1),
	}
	r.lock.Lock()
	if r.closed {
		r.lock.Unlock()
		return "", ErrClosed
	}
	r.pending[id] = p
	r.lock.Unlock()
	defer func() {
		r.lock.Lock()
		delete(r.pending, id)
		r.lock.Unlock()
	}()

	err := r.sendCtx(ctx, &Envelope{
		Type:         MsgRPCRequest,
		RequestID:    id,
		Method:       method,
		Payload:      []byte(payload),
		Destinations: []string{destination},
		TimeoutMS:    responseTimeout.Milliseconds(),
	})
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", NewRPCError(RPCSendFailed, err.Error())
	}

	ackTimer := time.NewTimer(RPCAckTimeout)
	defer ackTimer.Stop()
	responseTimer := time.NewTimer(responseTimeout)
	defer responseTimer.Stop()

	ackC := ackTimer.C
	ack := p.ack
	for {
		select {
		case <-ack:
			ack = nil
			ackC = nil
		case res := <-p.result:
			if res.err != nil {
				return "", res.err
			}
			return res.payload, nil
		case <-ackC:
			return "", NewRPCError(RPCConnectionTimeout, "")
		case <-responseTimer.C:
			return "", NewRPCError(RPCResponseTimeout, "")
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

func (r *Room) send(e *Envelope) error {
	return r.sendCtx(context.Background(), e)
}

// Queue an envelope for the writer.
// Unreliable envelopes are dropped once the queue is 3/4 full, leaving room for reliable ones.
// Reliable envelopes wait up to WriteTimeout for space.
func (r *Room) sendCtx(ctx context.Context, e *Envelope) error {
	data, err := EncodeEnvelope(e)
	if err != nil {
		return err
	}
	if r.ctx.Err() != nil {
		return ErrClosed
	}
	if !e.MustDeliver() {
		if len(r.sendQueue) >= cap(r.sendQueue)*3/4 {
			r.onDrop(e)
			return nil
		}
		if !gen.TrySend(r.sendQueue, data) {
			r.onDrop(e)
		}
		return nil
	}
	timer := time.NewTimer(WriteTimeout)
	defer timer.Stop()
	select {
	case r.sendQueue <- data:
		return nil
	case <-timer.C:
		return fmt.Errorf("Timed out waiting to send %v", e.Type)
	case <-ctx.Done():
		return ctx.Err()
	case <-r.ctx.Done():
		return ErrClosed
	}
}

func (r *Room) onDrop(e *Envelope) {
	n := r.nDropped.Add(1)
	r.dropLock.Lock()
	defer r.dropLock.Unlock()
	if time.Now().Sub(r.lastDropMsg) > 5*time.Second {
		r.log.Infof("Send queue congested. Dropped %v %v (%v total)", e.Type, e.Topic+e.Track, n)
		r.lastDropMsg = time.Now()
	}
}

func (r *Room) shutdown(err error) {
	r.closeOnce.Do(func() {
		if err != nil {
			r.log.Warnf("%v", err)
		}
		r.lock.Lock()
		r.closed = true
		r.closeErr = err
		for id, p := range r.pending {
			gen.TrySend(p.result, rpcResult{err: NewRPCError(RPCRecipientDisconnect, "connection closed")})
			delete(r.pending, id)
		}
		for s := range r.dataSubs {
			close(s.c)
		}
		for s := range r.trackSubs {
			close(s.c)
		}
		for s := range r.partSubs {
			close(s.c)
		}
		r.dataSubs = map[*DataSubscription]bool{}
		r.trackSubs = map[*TrackSubscription]bool{}
		r.partSubs = map[*ParticipantSubscription]bool{}
		r.lock.Unlock()
		r.cancel()
		r.conn.Close()
	})
}

func (r *Room) removeSubscription(sub any) {
	r.lock.Lock()
	defer r.lock.Unlock()
	switch s := sub.(type) {
	case *DataSubscription:
		if r.dataSubs[s] {
			delete(r.dataSubs, s)
			close(s.c)
		}
	case *TrackSubscription:
		if r.trackSubs[s] {
			delete(r.trackSubs, s)
			close(s.c)
		}
	case *ParticipantSubscription:
		if r.partSubs[s] {
			delete(r.partSubs, s)
			close(s.c)
		}
	}
}

func (r *Room) reader() {
	defer r.wg.Done()
	for {
		_, data, err := r.conn.ReadMessage()
		if err != nil {
			if r.ctx.Err() == nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				r.shutdown(fmt.Errorf("Connection lost: %w", err))
			} else {
				r.shutdown(nil)
			}
			return
		}
		e, err := DecodeEnvelope(data)
		if err != nil {
			r.log.Warnf("%v", err)
			continue
		}
		r.handle(e)
	}
}

func (r *Room) writer() {
	defer r.wg.Done()
	for {
		select {
		case <-r.ctx.Done():
			return
		case data := <-r.sendQueue:
			r.conn.SetWriteDeadline(time.Now().Add(WriteTimeout))
			if err := r.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
				r.shutdown(fmt.Errorf("Error writing to websocket: %w", err))
				return
			}
		}
	}
}

func (r *Room) handle(e *Envelope) {
	switch e.Type {
	case MsgParticipantJoined:
		r.onParticipant(e.Identity, true)
	case MsgParticipantLeft:
		r.onParticipant(e.Identity, false)
	case MsgData:
		r.onData(e)
	case MsgTrack:
		r.onTrack(e)
	case MsgRPCRequest:
		r.onRPCRequest(e)
	case MsgRPCAck:
		r.lock.Lock()
		if p := r.pending[e.RequestID]; p != nil {
			select {
			case p.ack <- struct{}{}:
			default:
			}
		}
		r.lock.Unlock()
	case MsgRPCResponse:
		r.lock.Lock()
		if p := r.pending[e.RequestID]; p != nil {
			gen.TrySend(p.result, rpcResult{payload: string(e.Payload), err: e.Error})
		}
		r.lock.Unlock()
	default:
		r.log.Warnf("Ignoring unexpected envelope '%v'", e.Type)
	}
}

func (r *Room) onParticipant(identity string, joined bool) {
	if identity == "" || identity == r.identity {
		return
	}
	r.lock.Lock()
	defer r.lock.Unlock()
	if joined {
		r.log.Infof("Participant %v joined", identity)
		r.participants[identity] = true
	} else {
		r.log.Infof("Participant %v left", identity)
		delete(r.participants, identity)
		for _, p := range r.pending {
			if p.destination == identity {
				gen.TrySend(p.result, rpcResult{err: NewRPCError(RPCRecipientDisconnect, "")})
			}
		}
	}
	ev := ParticipantEvent{Identity: identity, Joined: joined}
	for s := range r.partSubs {
		gen.TrySend(s.c, ev)
	}
}

func (r *Room) onData(e *Envelope) {
	pkt := DataPacket{
		Sender:   e.Identity,
		Topic:    e.Topic,
		Payload:  e.Payload,
		Reliable: e.Reliable,
	}
	r.lock.Lock()
	defer r.lock.Unlock()
	for s := range r.dataSubs {
		if !s.wants(pkt.Topic) {
			continue
		}
		if !gen.TrySend(s.c, pkt) {
			r.log.Warnf("Data subscriber is not keeping up. Dropped packet on topic %v", pkt.Topic)
		}
	}
}

func (r *Room) onTrack(e *Envelope) {
	tf := TrackFrame{
		Participant: e.Identity,
		Track:       e.Track,
		Width:       e.Width,
		Height:      e.Height,
		JPEG:        e.Payload,
		Received:    time.Now(),
	}
	if e.CapturedAt != 0 {
		tf.Captured = time.Unix(0, e.CapturedAt)
	}
	r.lock.Lock()
	defer r.lock.Unlock()
	for s := range r.trackSubs {
		// Freshest frame wins
		gen.SendReplacingOldest(s.c, tf)
	}
}

func (r *Room) onRPCRequest(e *Envelope) {
	caller := e.Identity
	r.send(&Envelope{
		Type:         MsgRPCAck,
		RequestID:    e.RequestID,
		Destinations: []string{caller},
	})

	r.lock.Lock()
	handler := r.rpcMethods[e.Method]
	r.lock.Unlock()
	if handler == nil {
		r.sendRPCResponse(caller, e.RequestID, "", NewRPCError(RPCUnsupportedMethod, e.Method))
		return
	}

	timeout := time.Duration(e.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = DefaultRPCResponseTimeout
	}
	inv := &RPCInvocation{
		RequestID:       e.RequestID,
		CallerIdentity:  caller,
		Method:          e.Method,
		Payload:         string(e.Payload),
		ResponseTimeout: timeout,
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ctx, cancel := context.WithTimeout(r.ctx, timeout)
		defer cancel()
		response, err := r.runHandler(ctx, handler, inv)
		var rpcErr *RPCError
		if err != nil {
			if !errors.As(err, &rpcErr) {
				r.log.Errorf("RPC %v from %v failed: %v", inv.Method, caller, err)
				rpcErr = NewRPCError(RPCApplicationError, "")
			}
			response = ""
		} else if len(response) > MaxRPCPayloadBytes {
			rpcErr = NewRPCError(RPCResponseTooLarge, "")
			response = ""
		}
		r.sendRPCResponse(caller, inv.RequestID, response, rpcErr)
	}()
}

func (r *Room) runHandler(ctx context.Context, handler RPCHandler, inv *RPCInvocation) (response string, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Errorf("RPC handler %v panic: %v\n%v", inv.Method, rec, string(debug.Stack()))
			err = NewRPCError(RPCApplicationError, "")
		}
	}()
	return handler(ctx, inv)
}

func (r *Room) sendRPCResponse(caller, requestID, response string, rpcErr *RPCError) {
	err := r.send(&Envelope{
		Type:         MsgRPCResponse,
		RequestID:    requestID,
		Payload:      []byte(response),
		Error:        rpcErr,
		Destinations: []string{caller},
	})
	if err != nil && !errors.Is(err, ErrClosed) {
		r.log.Warnf("Failed to send RPC response to %v: %v", caller, err)
	}
}
