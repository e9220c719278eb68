// Package overlay draws detection boxes and labels on top of a frame.
package overlay

import (
	"fmt"
	"image"
	"image/color"
	"math"

	"github.com/cyclopcam/edgecv/pkg/frame"
	"github.com/cyclopcam/edgecv/pkg/nn"
	"github.com/fogleman/gg"
)

const (
	LineWidth   = 3
	LabelHeight = 22 // Height of the label background
	labelPadX   = 5
	labelBase   = 16 // Baseline of label text, relative to the top of the label background
)

// Renderer draws detections. It is safe to use from multiple goroutines.
type Renderer struct {
	Colors *ColorTable
}

func NewRenderer() *Renderer {
	return &Renderer{
		Colors: NewColorTable(),
	}
}

// PixelRect converts a normalized detection box into pixel coordinates of a frame with the given size
func PixelRect(d nn.Detection, width, height int) image.Rectangle {
	fw := float64(width)
	fh := float64(height)
	return image.Rect(
		int(math.Round(d.X1*fw)),
		int(math.Round(d.Y1*fh)),
		int(math.Round(d.X2*fw)),
		int(math.Round(d.Y2*fh)),
	)
}

// Label returns the text that is drawn above a detection, eg "person 87%"
func Label(d nn.Detection) string {
	return fmt.Sprintf("%v %d%%", d.Class, int(math.Round(d.Confidence*100)))
}

// Render returns a new image of the frame with the detections drawn on it.
// The frame is not modified.
func (r *Renderer) Render(f *frame.Frame, detections []nn.Detection) *image.RGBA {
	img := f.RGBA()
	if len(detections) == 0 {
		return img
	}
	dc := gg.NewContextForRGBA(img)
	for _, d := range detections {
		r.draw(dc, d, f.Width, f.Height)
	}
	return img
}

func (r *Renderer) draw(dc *gg.Context, d nn.Detection, width, height int) {
	rect := PixelRect(d, width, height)
	if rect.Empty() {
		return
	}
	c := r.Colors.Color(d.Class)

	dc.SetColor(c)
	dc.SetLineWidth(LineWidth)
	dc.DrawRectangle(float64(rect.Min.X), float64(rect.Min.Y), float64(rect.Dx()), float64(rect.Dy()))
	dc.Stroke()

	text := Label(d)
	textW, _ := dc.MeasureString(text)
	labelY := rect.Min.Y - LabelHeight
	if labelY < 0 {
		// No room above the box
		labelY = rect.Min.Y
	}
	dc.SetColor(c)
	dc.DrawRectangle(float64(rect.Min.X), float64(labelY), textW+2*labelPadX, LabelHeight)
	dc.Fill()

	dc.SetColor(color.Black)
	dc.DrawString(text, float64(rect.Min.X+labelPadX), float64(labelY+labelBase))
}
