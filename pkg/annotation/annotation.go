// Package annotation is the wire format of detection results, sent from the processor to the edge.
package annotation

import (
	"fmt"
	"time"

	"github.com/cyclopcam/edgecv/pkg/nn"
	"github.com/fxamacker/cbor/v2"
	"github.com/go-playground/validator/v10"
	jsoniter "github.com/json-iterator/go"
)

// Data channel topic that annotations are published on
const Topic = "bounding_boxes"

// Message is the set of detections found in one frame
type Message struct {
	Timestamp   float64        `json:"timestamp"`                    // Wall clock, seconds since the Unix epoch
	FrameWidth  int            `json:"frame_width" validate:"gt=0"`  // Width of the frame that the detector saw
	FrameHeight int            `json:"frame_height" validate:"gt=0"` // Height of the frame that the detector saw
	Boxes       []nn.Detection `json:"boxes" validate:"dive"`        // Never nil after Decode
}

// NewMessage creates a message stamped with the current time
func NewMessage(frameWidth, frameHeight int, boxes []nn.Detection) *Message {
	if boxes == nil {
		boxes = []nn.Detection{}
	}
	return &Message{
		Timestamp:   float64(time.Now().UnixNano()) / 1e9,
		FrameWidth:  frameWidth,
		FrameHeight: frameHeight,
		Boxes:       boxes,
	}
}

// DecodeError is returned when a payload is not a well formed annotation message
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("Invalid annotation message: %v: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("Invalid annotation message: %v", e.Reason)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// The shape of the message before validation. Pointers let us tell a missing field from a zero value.
type rawMessage struct {
	Timestamp   *float64  `json:"timestamp"`
	FrameWidth  *int      `json:"frame_width"`
	FrameHeight *int      `json:"frame_height"`
	Boxes       []*rawBox `json:"boxes"`
}

type rawBox struct {
	Class      *string  `json:"class"`
	Confidence *float64 `json:"confidence"`
	X1         *float64 `json:"x1"`
	Y1         *float64 `json:"y1"`
	X2         *float64 `json:"x2"`
	Y2         *float64 `json:"y2"`
}

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var validate = validator.New(validator.WithRequiredStructEnabled())

var cborEnc cbor.EncMode

func init() {
	var err error
	cborEnc, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
}

// Encode produces the JSON form of the message.
// Field order is fixed by the struct, so the output is deterministic.
func Encode(m *Message) ([]byte, error) {
	if m.Boxes == nil {
		c := *m
		c.Boxes = []nn.Detection{}
		m = &c
	}
	return json.Marshal(m)
}

// Decode parses and validates a JSON message.
// A missing "boxes" field is treated as an empty list. Anything else that is missing or out of range
// produces a *DecodeError.
func Decode(b []byte) (*Message, error) {
	raw := rawMessage{}
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, &DecodeError{Reason: "malformed JSON", Err: err}
	}
	return fromRaw(&raw)
}

// EncodeCBOR produces the CBOR form of the message, using deterministic core encoding
func EncodeCBOR(m *Message) ([]byte, error) {
	if m.Boxes == nil {
		c := *m
		c.Boxes = []nn.Detection{}
		m = &c
	}
	return cborEnc.Marshal(m)
}

// DecodeCBOR parses and validates a CBOR message, with the same rules as Decode
func DecodeCBOR(b []byte) (*Message, error) {
	raw := rawMessage{}
	if err := cbor.Unmarshal(b, &raw); err != nil {
		return nil, &DecodeError{Reason: "malformed CBOR", Err: err}
	}
	return fromRaw(&raw)
}

func fromRaw(raw *rawMessage) (*Message, error) {
	if raw.Timestamp == nil {
		return nil, &DecodeError{Reason: "missing timestamp"}
	}
	if raw.FrameWidth == nil || raw.FrameHeight == nil {
		return nil, &DecodeError{Reason: "missing frame dimensions"}
	}
	m := &Message{
		Timestamp:   *raw.Timestamp,
		FrameWidth:  *raw.FrameWidth,
		FrameHeight: *raw.FrameHeight,
		Boxes:       make([]nn.Detection, 0, len(raw.Boxes)),
	}
	for i, rb := range raw.Boxes {
		if rb == nil || rb.Class == nil || rb.Confidence == nil || rb.X1 == nil || rb.Y1 == nil || rb.X2 == nil || rb.Y2 == nil {
			return nil, &DecodeError{Reason: fmt.Sprintf("box %v is missing fields", i)}
		}
		m.Boxes = append(m.Boxes, nn.Detection{
			Class:      *rb.Class,
			Confidence: *rb.Confidence,
			X1:         *rb.X1,
			Y1:         *rb.Y1,
			X2:         *rb.X2,
			Y2:         *rb.Y2,
		})
	}
	if err := validate.Struct(m); err != nil {
		return nil, &DecodeError{Reason: "validation failed", Err: err}
	}
	return m, nil
}
