package transport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRTCURL(t *testing.T) {
	u, err := RTCURL("ws://localhost:7880")
	require.NoError(t, err)
	require.Equal(t, "ws://localhost:7880/rtc", u)

	u, err = RTCURL("https://relay.example.com/edge/")
	require.NoError(t, err)
	require.Equal(t, "wss://relay.example.com/edge/rtc", u)

	_, err = RTCURL("ftp://x")
	require.Error(t, err)
}

func TestAPIURL(t *testing.T) {
	u, err := APIURL("ws://localhost:7880", "/api/rooms")
	require.NoError(t, err)
	require.Equal(t, "http://localhost:7880/api/rooms", u)

	u, err = APIURL("wss://relay.example.com/edge/", "/api/ping")
	require.NoError(t, err)
	require.Equal(t, "https://relay.example.com/edge/api/ping", u)

	_, err = APIURL("ftp://x", "/api/ping")
	require.Error(t, err)
}

func TestEnvelopeCodec(t *testing.T) {
	e := &Envelope{
		Type:         MsgRPCResponse,
		Identity:     "edge-client",
		RequestID:    "abc",
		Destinations: []string{"agent"},
		Error:        NewRPCError(RPCRecipientNotFound, "agent"),
	}
	b, err := EncodeEnvelope(e)
	require.NoError(t, err)
	decoded, err := DecodeEnvelope(b)
	require.NoError(t, err)
	require.Equal(t, e, decoded)

	_, err = DecodeEnvelope([]byte{0xa0}) // empty map, so no type
	require.Error(t, err)
	_, err = DecodeEnvelope([]byte("hello"))
	require.Error(t, err)
}

func TestMustDeliver(t *testing.T) {
	require.False(t, (&Envelope{Type: MsgData}).MustDeliver())
	require.True(t, (&Envelope{Type: MsgData, Reliable: true}).MustDeliver())
	require.False(t, (&Envelope{Type: MsgTrack}).MustDeliver())
	require.True(t, (&Envelope{Type: MsgRPCRequest}).MustDeliver())
	require.True(t, (&Envelope{Type: MsgParticipantLeft}).MustDeliver())
}

func TestRPCError(t *testing.T) {
	e := NewRPCError(RPCResponseTimeout, "")
	require.Equal(t, "RPC error 1502: Response timeout", e.Error())
	e = NewRPCError(RPCUnsupportedMethod, "reboot")
	require.Equal(t, "RPC error 1400: Method not supported at destination (reboot)", e.Error())
	require.Equal(t, "RPC error", NewRPCError(42, "").Message)
}

func TestTrackFrameSampleTime(t *testing.T) {
	received := time.Now()
	tf := TrackFrame{Received: received}
	require.Equal(t, received, tf.SampleTime())

	tf.Captured = received.Add(-3 * time.Hour)
	require.Equal(t, tf.Captured, tf.SampleTime())
}
