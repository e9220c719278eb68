package annotation

import (
	"strings"
	"testing"

	"github.com/cyclopcam/edgecv/pkg/nn"
	"github.com/stretchr/testify/require"
)

func sampleMessage() *Message {
	return &Message{
		Timestamp:   1718000000.123456,
		FrameWidth:  640,
		FrameHeight: 480,
		Boxes: []nn.Detection{
			{Class: "person", Confidence: 0.91, X1: 0.1, Y1: 0.2, X2: 0.3, Y2: 0.4},
			{Class: "traffic light", Confidence: 0.5, X1: 0, Y1: 0, X2: 1, Y2: 1},
		},
	}
}

func TestRoundTrip(t *testing.T) {
	for _, m := range []*Message{
		sampleMessage(),
		NewMessage(1280, 720, nil),
		NewMessage(1, 1, []nn.Detection{{Class: "x", Confidence: 1, X1: 0.25, Y1: 0.5, X2: 0.75, Y2: 0.5000001}}),
	} {
		b, err := Encode(m)
		require.NoError(t, err)
		decoded, err := Decode(b)
		require.NoError(t, err)
		require.Equal(t, m, decoded)

		c, err := EncodeCBOR(m)
		require.NoError(t, err)
		decoded, err = DecodeCBOR(c)
		require.NoError(t, err)
		require.Equal(t, m, decoded)
	}
}

func TestEncodeIsDeterministic(t *testing.T) {
	a, err := Encode(sampleMessage())
	require.NoError(t, err)
	b, err := Encode(sampleMessage())
	require.NoError(t, err)
	require.Equal(t, a, b)
	require.True(t, strings.HasPrefix(string(a), `{"timestamp":1718000000.123456,"frame_width":640,"frame_height":480,"boxes":[{"class":"person","confidence":0.91,"x1":0.1,"y1":0.2,"x2":0.3,"y2":0.4}`), string(a))

	// A nil box list still encodes as an empty array
	m := sampleMessage()
	m.Boxes = nil
	b, err = Encode(m)
	require.NoError(t, err)
	require.Contains(t, string(b), `"boxes":[]`)
	require.Nil(t, m.Boxes)
}

func TestMissingBoxes(t *testing.T) {
	m, err := Decode([]byte(`{"timestamp": 12.5, "frame_width": 640, "frame_height": 480}`))
	require.NoError(t, err)
	require.NotNil(t, m.Boxes)
	require.Empty(t, m.Boxes)

	m, err = Decode([]byte(`{"timestamp": 12.5, "frame_width": 640, "frame_height": 480, "boxes": null}`))
	require.NoError(t, err)
	require.Empty(t, m.Boxes)
}

func TestUnknownFieldsIgnored(t *testing.T) {
	m, err := Decode([]byte(`{"timestamp": 1, "frame_width": 2, "frame_height": 3, "boxes": [], "model": "yolo"}`))
	require.NoError(t, err)
	require.Equal(t, 2, m.FrameWidth)
}

func TestDecodeErrors(t *testing.T) {
	bad := []string{
		``,
		`not json`,
		`[1,2,3]`,
		`null`,
		`{"frame_width": 640, "frame_height": 480, "boxes": []}`,
		`{"timestamp": 1, "frame_height": 480, "boxes": []}`,
		`{"timestamp": 1, "frame_width": 640, "boxes": []}`,
		`{"timestamp": "yesterday", "frame_width": 640, "frame_height": 480}`,
		`{"timestamp": 1, "frame_width": 0, "frame_height": 480}`,
		`{"timestamp": 1, "frame_width": 640, "frame_height": 480, "boxes": {}}`,
		`{"timestamp": 1, "frame_width": 640, "frame_height": 480, "boxes": [null]}`,
		// missing y2
		`{"timestamp": 1, "frame_width": 640, "frame_height": 480, "boxes": [{"class": "cat", "confidence": 0.5, "x1": 0.1, "y1": 0.1, "x2": 0.2}]}`,
		// out of range
		`{"timestamp": 1, "frame_width": 640, "frame_height": 480, "boxes": [{"class": "cat", "confidence": 0.5, "x1": 0.1, "y1": 0.1, "x2": 1.2, "y2": 0.2}]}`,
		`{"timestamp": 1, "frame_width": 640, "frame_height": 480, "boxes": [{"class": "cat", "confidence": 1.5, "x1": 0.1, "y1": 0.1, "x2": 0.2, "y2": 0.2}]}`,
		`{"timestamp": 1, "frame_width": 640, "frame_height": 480, "boxes": [{"class": "cat", "confidence": 0.5, "x1": -0.1, "y1": 0.1, "x2": 0.2, "y2": 0.2}]}`,
		// inverted and degenerate
		`{"timestamp": 1, "frame_width": 640, "frame_height": 480, "boxes": [{"class": "cat", "confidence": 0.5, "x1": 0.3, "y1": 0.1, "x2": 0.2, "y2": 0.2}]}`,
		`{"timestamp": 1, "frame_width": 640, "frame_height": 480, "boxes": [{"class": "cat", "confidence": 0.5, "x1": 0.1, "y1": 0.2, "x2": 0.2, "y2": 0.2}]}`,
		// empty class
		`{"timestamp": 1, "frame_width": 640, "frame_height": 480, "boxes": [{"class": "", "confidence": 0.5, "x1": 0.1, "y1": 0.1, "x2": 0.2, "y2": 0.2}]}`,
	}
	for _, b := range bad {
		m, err := Decode([]byte(b))
		require.Nil(t, m, b)
		var de *DecodeError
		require.ErrorAs(t, err, &de, b)
		require.NotEmpty(t, de.Error())
	}

	_, err := DecodeCBOR([]byte{0xff, 0x00})
	var de *DecodeError
	require.ErrorAs(t, err, &de)
}
