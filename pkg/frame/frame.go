// Package frame holds a single captured video frame, and converts it to and from
// the representations used by the detector, the renderer, and the wire.
package frame

import (
	"fmt"
	"image"
	"time"

	"github.com/bmharper/cimg/v2"
	"github.com/cyclopcam/edgecv/pkg/nn"
)

// JPEG quality of frames that are sent over the wire
const DefaultJPEGQuality = 85

// Frame is a tightly packed 24-bit RGB image
type Frame struct {
	Width    int
	Height   int
	Pixels   []byte    // RGB, Width*3 bytes per line
	Captured time.Time // Monotonic capture time (from time.Now() at capture)
}

// New allocates a black frame
func New(width, height int, captured time.Time) *Frame {
	return &Frame{
		Width:    width,
		Height:   height,
		Pixels:   make([]byte, width*height*3),
		Captured: captured,
	}
}

// FromRGB wraps an existing RGB buffer, which must be exactly width*height*3 bytes
func FromRGB(width, height int, pixels []byte, captured time.Time) (*Frame, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("Invalid frame size %v x %v", width, height)
	}
	if len(pixels) != width*height*3 {
		return nil, fmt.Errorf("Frame buffer is %v bytes, but %v x %v RGB requires %v", len(pixels), width, height, width*height*3)
	}
	return &Frame{
		Width:    width,
		Height:   height,
		Pixels:   pixels,
		Captured: captured,
	}, nil
}

// FromCImage copies a cimg image into a new frame. Stride padding is removed, and
// non-RGB images are converted.
func FromCImage(img *cimg.Image, captured time.Time) *Frame {
	if img.NChan() != 3 {
		img = img.ToRGB()
	}
	f := New(img.Width, img.Height, captured)
	lineBytes := img.Width * 3
	for y := 0; y < img.Height; y++ {
		copy(f.Pixels[y*lineBytes:(y+1)*lineBytes], img.Pixels[y*img.Stride:y*img.Stride+lineBytes])
	}
	return f
}

// CImage returns a cimg view onto the frame's pixels (no copy)
func (f *Frame) CImage() *cimg.Image {
	return cimg.WrapImage(f.Width, f.Height, cimg.PixelFormatRGB, f.Pixels)
}

// Crop returns the whole frame as an NN image crop (no copy)
func (f *Frame) Crop() nn.ImageCrop {
	return nn.WholeImage(3, f.Pixels, f.Width, f.Height)
}

// RGBA returns a copy of the frame as an image.RGBA
func (f *Frame) RGBA() *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, f.Width, f.Height))
	src := 0
	for y := 0; y < f.Height; y++ {
		dst := img.PixOffset(0, y)
		for x := 0; x < f.Width; x++ {
			img.Pix[dst] = f.Pixels[src]
			img.Pix[dst+1] = f.Pixels[src+1]
			img.Pix[dst+2] = f.Pixels[src+2]
			img.Pix[dst+3] = 255
			dst += 4
			src += 3
		}
	}
	return img
}

// EncodeJPEG compresses the frame
func (f *Frame) EncodeJPEG(quality int) ([]byte, error) {
	return cimg.Compress(f.CImage(), cimg.MakeCompressParams(cimg.Sampling420, quality, 0))
}

// DecodeJPEG decompresses a JPEG into a new RGB frame
func DecodeJPEG(jpg []byte, captured time.Time) (*Frame, error) {
	img, err := cimg.Decompress(jpg)
	if err != nil {
		return nil, fmt.Errorf("Failed to decompress frame: %w", err)
	}
	return FromCImage(img, captured), nil
}
