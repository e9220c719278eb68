package nn

import (
	"github.com/cyclopcam/edgecv/pkg/gen"
)

// ObjectDetection is an object that a neural network has found in an image.
// Box is in pixel coordinates of the image that was given to the detector.
type ObjectDetection struct {
	Class      int     `json:"class"`
	Confidence float32 `json:"confidence"`
	Box        Rect    `json:"box"`
}

// Detection is an object with a resolution independent box.
// All coordinates are fractions of the frame width or height, in the range [0,1],
// with X1 < X2 and Y1 < Y2.
// The JSON field names are part of the annotation wire format.
type Detection struct {
	Class      string  `json:"class" validate:"required"`
	Confidence float64 `json:"confidence" validate:"gte=0,lte=1"`
	X1         float64 `json:"x1" validate:"gte=0,lte=1"`
	Y1         float64 `json:"y1" validate:"gte=0,lte=1"`
	X2         float64 `json:"x2" validate:"gte=0,lte=1,gtfield=X1"`
	Y2         float64 `json:"y2" validate:"gte=0,lte=1,gtfield=Y1"`
}

// Valid returns true if the detection satisfies the normalized box invariants
func (d *Detection) Valid() bool {
	return d.Class != "" &&
		d.Confidence >= 0 && d.Confidence <= 1 &&
		d.X1 >= 0 && d.Y1 >= 0 && d.X2 <= 1 && d.Y2 <= 1 &&
		d.X1 < d.X2 && d.Y1 < d.Y2
}

// Normalize converts pixel-space detections into resolution independent detections.
// Boxes are clamped to the frame, and boxes with no area after clamping are discarded,
// so every returned Detection is Valid().
func Normalize(objects []ObjectDetection, config *ModelConfig, frameWidth, frameHeight int) []Detection {
	out := make([]Detection, 0, len(objects))
	if frameWidth <= 0 || frameHeight <= 0 {
		return out
	}
	fw := float64(frameWidth)
	fh := float64(frameHeight)
	for _, obj := range objects {
		d := Detection{
			Class:      config.ClassName(obj.Class),
			Confidence: gen.Clamp(float64(obj.Confidence), 0, 1),
			X1:         gen.Clamp(float64(obj.Box.X)/fw, 0, 1),
			Y1:         gen.Clamp(float64(obj.Box.Y)/fh, 0, 1),
			X2:         gen.Clamp(float64(obj.Box.X2())/fw, 0, 1),
			Y2:         gen.Clamp(float64(obj.Box.Y2())/fh, 0, 1),
		}
		if !d.Valid() {
			continue
		}
		out = append(out, d)
	}
	return out
}

// CloneDetections returns a copy of the slice. A nil input produces an empty, non-nil slice.
func CloneDetections(src []Detection) []Detection {
	dst := make([]Detection, len(src))
	copy(dst, src)
	return dst
}
