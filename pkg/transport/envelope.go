package transport

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// MsgType identifies the kind of envelope that is sent over the relay websocket
type MsgType string

const (
	MsgJoin              MsgType = "join"               // Relay -> participant, once, after the websocket is accepted
	MsgParticipantJoined MsgType = "participant_joined" // Relay -> participants
	MsgParticipantLeft   MsgType = "participant_left"   // Relay -> participants
	MsgData              MsgType = "data"
	MsgTrack             MsgType = "track"
	MsgRPCRequest        MsgType = "rpc_request"
	MsgRPCAck            MsgType = "rpc_ack"
	MsgRPCResponse       MsgType = "rpc_response"
)

// Envelope is the unit of communication between a participant and the relay.
// Only the fields relevant to Type are populated.
// When the relay forwards an envelope, it sets Identity to the sender.
type Envelope struct {
	Type         MsgType   `cbor:"type"`
	Identity     string    `cbor:"identity,omitempty"` // Sender, or the subject of a participant event
	SessionID    string    `cbor:"session_id,omitempty"`
	Room         string    `cbor:"room,omitempty"`
	Participants []string  `cbor:"participants,omitempty"` // Remote participants at the time of joining
	Destinations []string  `cbor:"destinations,omitempty"` // Empty = everybody else in the room
	Topic        string    `cbor:"topic,omitempty"`
	Payload      []byte    `cbor:"payload,omitempty"`
	Reliable     bool      `cbor:"reliable,omitempty"`
	Track        string    `cbor:"track,omitempty"`
	Width        int       `cbor:"width,omitempty"`
	Height       int       `cbor:"height,omitempty"`
	CapturedAt   int64     `cbor:"captured_at,omitempty"` // Unix nanoseconds, on the sender's clock
	RequestID    string    `cbor:"request_id,omitempty"`
	Method       string    `cbor:"method,omitempty"`
	TimeoutMS    int64     `cbor:"timeout_ms,omitempty"` // RPC response timeout
	Error        *RPCError `cbor:"error,omitempty"`
}

var envEnc cbor.EncMode

func init() {
	var err error
	envEnc, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
}

func EncodeEnvelope(e *Envelope) ([]byte, error) {
	return envEnc.Marshal(e)
}

func DecodeEnvelope(b []byte) (*Envelope, error) {
	e := &Envelope{}
	if err := cbor.Unmarshal(b, e); err != nil {
		return nil, fmt.Errorf("Invalid envelope: %w", err)
	}
	if e.Type == "" {
		return nil, fmt.Errorf("Invalid envelope: missing type")
	}
	return e, nil
}

// Reliable envelopes are never dropped by a full send queue
func (e *Envelope) MustDeliver() bool {
	switch e.Type {
	case MsgData:
		return e.Reliable
	case MsgTrack:
		return false
	}
	return true
}
