package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cyclopcam/edgecv/pkg/auth"
	"github.com/cyclopcam/edgecv/pkg/frame"
	"github.com/cyclopcam/edgecv/pkg/requests"
	"github.com/cyclopcam/edgecv/pkg/transport"
	"github.com/cyclopcam/logs"
	"github.com/stretchr/testify/require"
)

const testKey = "devkey"
const testSecret = "devsecret"

type testRelay struct {
	t      *testing.T
	server *Server
	http   *httptest.Server
}

func newTestRelay(t *testing.T) *testRelay {
	s := NewServer(logs.NewTestingLog(t), map[string]string{testKey: testSecret}, 0)
	hs := httptest.NewServer(s.Handler())
	tr := &testRelay{
		t:      t,
		server: s,
		http:   hs,
	}
	t.Cleanup(func() {
		s.DisconnectAll()
		hs.Close()
	})
	return tr
}

func (tr *testRelay) connect(identity, room string) *transport.Room {
	token, err := auth.NewToken(testKey, testSecret, identity, room, time.Hour)
	require.NoError(tr.t, err)
	r, err := transport.Connect(context.Background(), logs.NewTestingLog(tr.t), tr.http.URL, token)
	require.NoError(tr.t, err)
	tr.t.Cleanup(r.Close)
	return r
}

func waitForParticipants(t *testing.T, r *transport.Room, expect ...string) {
	require.Eventually(t, func() bool {
		return strings.Join(r.RemoteParticipants(), ",") == strings.Join(expect, ",")
	}, 5*time.Second, 5*time.Millisecond, "participants of %v", r.Identity())
}

func requireRPCCode(t *testing.T, err error, code int) {
	var rpcErr *transport.RPCError
	require.ErrorAs(t, err, &rpcErr)
	require.Equal(t, code, rpcErr.Code)
}

func TestJoinAndLeave(t *testing.T) {
	tr := newTestRelay(t)
	a := tr.connect("cloud-processor", "edge-cv")
	require.Equal(t, "cloud-processor", a.Identity())
	require.Equal(t, "edge-cv", a.Name())
	require.NotEmpty(t, a.SessionID())
	require.Empty(t, a.RemoteParticipants())

	events := a.SubscribeParticipants()
	defer events.Close()

	b := tr.connect("edge-client", "edge-cv")
	require.Equal(t, []string{"cloud-processor"}, b.RemoteParticipants())
	require.NotEqual(t, a.SessionID(), b.SessionID())
	waitForParticipants(t, a, "edge-client")
	require.Equal(t, transport.ParticipantEvent{Identity: "edge-client", Joined: true}, <-events.C)

	// Different room, so invisible
	other := tr.connect("edge-client", "lab")
	require.Empty(t, other.RemoteParticipants())

	b.Close()
	waitForParticipants(t, a)
	require.Equal(t, transport.ParticipantEvent{Identity: "edge-client", Joined: false}, <-events.C)
	<-b.Done()
	require.NoError(t, b.Err())
}

func TestDuplicateIdentityReplaces(t *testing.T) {
	tr := newTestRelay(t)
	a := tr.connect("edge-client", "edge-cv")
	observer := tr.connect("agent", "edge-cv")
	a2 := tr.connect("edge-client", "edge-cv")
	select {
	case <-a.Done():
	case <-time.After(5 * time.Second):
		require.Fail(t, "first connection was not closed")
	}
	require.NotEqual(t, a.SessionID(), a2.SessionID())
	waitForParticipants(t, observer, "edge-client")
	require.Equal(t, []string{"agent"}, a2.RemoteParticipants())
}

func TestRejectBadToken(t *testing.T) {
	tr := newTestRelay(t)
	token, err := auth.NewToken(testKey, "wrong", "x", "edge-cv", time.Hour)
	require.NoError(t, err)
	_, err = transport.Connect(context.Background(), logs.NewTestingLog(t), tr.http.URL, token)
	require.Error(t, err)
}

func TestDataRouting(t *testing.T) {
	tr := newTestRelay(t)
	edge := tr.connect("edge-client", "edge-cv")
	agent := tr.connect("agent", "edge-cv")
	proc := tr.connect("cloud-processor", "edge-cv")
	waitForParticipants(t, edge, "agent", "cloud-processor")

	boxes := edge.SubscribeData("bounding_boxes")
	defer boxes.Close()
	pings := agent.SubscribeData()
	defer pings.Close()

	// Broadcast
	require.NoError(t, proc.PublishData(context.Background(), []byte(`{"boxes":[]}`), "bounding_boxes", false))
	select {
	case pkt := <-boxes.C:
		require.Equal(t, "cloud-processor", pkt.Sender)
		require.Equal(t, "bounding_boxes", pkt.Topic)
		require.Equal(t, `{"boxes":[]}`, string(pkt.Payload))
		require.False(t, pkt.Reliable)
	case <-time.After(5 * time.Second):
		require.Fail(t, "packet not received")
	}
	// agent subscribed to everything, so it also sees the broadcast
	pkt := <-pings.C
	require.Equal(t, "bounding_boxes", pkt.Topic)

	// Directed: only the agent receives this one
	require.NoError(t, edge.PublishData(context.Background(), []byte("123"), "pong", true, "agent"))
	pkt = <-pings.C
	require.Equal(t, "pong", pkt.Topic)
	require.Equal(t, "edge-client", pkt.Sender)
	require.True(t, pkt.Reliable)

	// The edge is not subscribed to "other", and proc must not get a packet addressed to the agent
	procData := proc.SubscribeData()
	defer procData.Close()
	require.NoError(t, edge.PublishData(context.Background(), []byte("x"), "other", true, "agent"))
	<-pings.C
	select {
	case <-boxes.C:
		require.Fail(t, "unexpected packet for edge")
	case <-procData.C:
		require.Fail(t, "unexpected packet for processor")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestTrackFrames(t *testing.T) {
	tr := newTestRelay(t)
	edge := tr.connect("edge-client", "edge-cv")
	proc := tr.connect("cloud-processor", "edge-cv")
	waitForParticipants(t, edge, "cloud-processor")

	frames := proc.SubscribeTracks()
	defer frames.Close()

	track := edge.PublishTrack("webcam")
	captured := time.Now().Add(-time.Second)
	f := frame.New(64, 48, captured)
	require.NoError(t, track.WriteFrame(f))

	select {
	case tf := <-frames.C:
		require.Equal(t, "edge-client", tf.Participant)
		require.Equal(t, "webcam", tf.Track)
		require.True(t, tf.Captured.Equal(captured))
		require.True(t, tf.SampleTime().Equal(captured))
		require.True(t, tf.Received.After(captured))
		decoded, err := tf.Decode()
		require.NoError(t, err)
		require.Equal(t, 64, decoded.Width)
		require.Equal(t, 48, decoded.Height)
	case <-time.After(5 * time.Second):
		require.Fail(t, "frame not received")
	}
}

func TestRPC(t *testing.T) {
	tr := newTestRelay(t)
	edge := tr.connect("edge-client", "edge-cv")
	agent := tr.connect("agent", "edge-cv")
	waitForParticipants(t, edge, "agent")

	reg := edge.RegisterRPCMethod("get_cpu_temp", func(ctx context.Context, inv *transport.RPCInvocation) (string, error) {
		require.Equal(t, "agent", inv.CallerIdentity)
		return "36.50", nil
	})
	edge.RegisterRPCMethod("set_led_state", func(ctx context.Context, inv *transport.RPCInvocation) (string, error) {
		if !strings.Contains(inv.Payload, "red") {
			return "", &transport.RPCError{Code: transport.RPCApplicationError, Message: "Unsupported color"}
		}
		return "", nil
	})
	edge.RegisterRPCMethod("broken", func(ctx context.Context, inv *transport.RPCInvocation) (string, error) {
		return "", errors.New("internal detail that must not leak")
	})
	edge.RegisterRPCMethod("panics", func(ctx context.Context, inv *transport.RPCInvocation) (string, error) {
		panic("oops")
	})
	edge.RegisterRPCMethod("huge", func(ctx context.Context, inv *transport.RPCInvocation) (string, error) {
		return strings.Repeat("x", transport.MaxRPCPayloadBytes+1), nil
	})
	edge.RegisterRPCMethod("hang", func(ctx context.Context, inv *transport.RPCInvocation) (string, error) {
		<-ctx.Done()
		// Make sure that the caller gives up before our error response reaches it
		time.Sleep(200 * time.Millisecond)
		return "", ctx.Err()
	})

	ctx := context.Background()
	resp, err := agent.PerformRPC(ctx, "edge-client", "get_cpu_temp", "", time.Second)
	require.NoError(t, err)
	require.Equal(t, "36.50", resp)

	_, err = agent.PerformRPC(ctx, "edge-client", "set_led_state", `{"color":"red","state":true}`, time.Second)
	require.NoError(t, err)

	_, err = agent.PerformRPC(ctx, "edge-client", "set_led_state", `{"color":"green","state":true}`, time.Second)
	requireRPCCode(t, err, transport.RPCApplicationError)
	require.Contains(t, err.Error(), "Unsupported color")

	_, err = agent.PerformRPC(ctx, "edge-client", "broken", "", time.Second)
	requireRPCCode(t, err, transport.RPCApplicationError)
	require.NotContains(t, err.Error(), "internal detail")
	var rpcErr *transport.RPCError
	require.ErrorAs(t, err, &rpcErr)
	require.Empty(t, rpcErr.Data)

	_, err = agent.PerformRPC(ctx, "edge-client", "panics", "", time.Second)
	requireRPCCode(t, err, transport.RPCApplicationError)

	_, err = agent.PerformRPC(ctx, "edge-client", "huge", "", time.Second)
	requireRPCCode(t, err, transport.RPCResponseTooLarge)

	_, err = agent.PerformRPC(ctx, "edge-client", "reboot", "", time.Second)
	requireRPCCode(t, err, transport.RPCUnsupportedMethod)

	_, err = agent.PerformRPC(ctx, "nobody", "get_cpu_temp", "", time.Second)
	requireRPCCode(t, err, transport.RPCRecipientNotFound)

	_, err = agent.PerformRPC(ctx, "edge-client", "get_cpu_temp", strings.Repeat("x", transport.MaxRPCPayloadBytes+1), time.Second)
	requireRPCCode(t, err, transport.RPCRequestTooLarge)

	start := time.Now()
	_, err = agent.PerformRPC(ctx, "edge-client", "hang", "", 200*time.Millisecond)
	requireRPCCode(t, err, transport.RPCResponseTimeout)
	require.Less(t, time.Now().Sub(start), 2*time.Second)

	// Caller's context expires first
	shortCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = agent.PerformRPC(shortCtx, "edge-client", "hang", "", 5*time.Second)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	reg.Close()
	_, err = agent.PerformRPC(ctx, "edge-client", "get_cpu_temp", "", time.Second)
	requireRPCCode(t, err, transport.RPCUnsupportedMethod)
}

func TestRPCRecipientLeaves(t *testing.T) {
	tr := newTestRelay(t)
	edge := tr.connect("edge-client", "edge-cv")
	agent := tr.connect("agent", "edge-cv")
	waitForParticipants(t, agent, "edge-client")

	started := make(chan bool)
	edge.RegisterRPCMethod("hang", func(ctx context.Context, inv *transport.RPCInvocation) (string, error) {
		close(started)
		<-ctx.Done()
		return "", ctx.Err()
	})
	go func() {
		<-started
		edge.Close()
	}()
	start := time.Now()
	_, err := agent.PerformRPC(context.Background(), "edge-client", "hang", "", 10*time.Second)
	requireRPCCode(t, err, transport.RPCRecipientDisconnect)
	require.Less(t, time.Now().Sub(start), 5*time.Second)
}

func TestHTTPAPI(t *testing.T) {
	tr := newTestRelay(t)
	tr.connect("edge-client", "edge-cv")
	tr.connect("agent", "edge-cv")

	get := func(path string, out any) int {
		resp, err := http.Get(tr.http.URL + path)
		require.NoError(t, err)
		defer resp.Body.Close()
		if out != nil && resp.StatusCode == http.StatusOK {
			require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
		}
		return resp.StatusCode
	}

	ping := map[string]int64{}
	require.Equal(t, 200, get("/api/ping", &ping))
	require.InDelta(t, time.Now().Unix(), ping["time"], 5)

	rooms := []RoomJSON{}
	require.Equal(t, 200, get("/api/rooms", &rooms))
	require.Equal(t, []RoomJSON{{Name: "edge-cv", Participants: 2}}, rooms)

	participants := []ParticipantJSON{}
	require.Equal(t, 200, get("/api/rooms/edge-cv/participants", &participants))
	require.Len(t, participants, 2)
	require.Equal(t, "agent", participants[0].Identity)
	require.Equal(t, "edge-client", participants[1].Identity)

	require.Equal(t, 404, get("/api/rooms/nothing/participants", nil))
	require.Equal(t, 401, get("/rtc", nil))

	// The same, through the client functions
	wsURL := strings.Replace(tr.http.URL, "http://", "ws://", 1)
	rooms, err := ListRooms(context.Background(), wsURL)
	require.NoError(t, err)
	require.Equal(t, []RoomJSON{{Name: "edge-cv", Participants: 2}}, rooms)
	participants, err = ListParticipants(context.Background(), wsURL, "edge-cv")
	require.NoError(t, err)
	require.Len(t, participants, 2)
	require.NotEmpty(t, participants[0].SessionID)
	_, err = ListParticipants(context.Background(), wsURL, "nothing")
	var statusErr *requests.StatusError
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, 404, statusErr.StatusCode)
}

func TestManyParticipants(t *testing.T) {
	tr := newTestRelay(t)
	rooms := []*transport.Room{}
	names := []string{}
	for i := 0; i < 5; i++ {
		name := fmt.Sprintf("p%v", i)
		names = append(names, name)
		rooms = append(rooms, tr.connect(name, "edge-cv"))
	}
	waitForParticipants(t, rooms[0], names[1:]...)
}
