// Package device wraps the OpenCV primitives that we need: a camera, a display window,
// and a DNN object detector.
package device

import (
	"errors"
	"fmt"
	"image"
	"time"

	"github.com/cyclopcam/edgecv/pkg/frame"
	"gocv.io/x/gocv"
)

// Default capture resolution
const (
	DefaultCameraWidth  = 640
	DefaultCameraHeight = 480
)

var ErrCameraRead = errors.New("Failed to read frame from camera")

// Camera captures RGB frames from a local video device
type Camera struct {
	Device int
	Width  int
	Height int

	capture *gocv.VideoCapture
	bgr     gocv.Mat
	rgb     gocv.Mat
}

// OpenCamera opens /dev/video<device> and requests the given resolution.
// The device may choose a different resolution, which is reflected in the frames that it produces.
func OpenCamera(device, width, height int) (*Camera, error) {
	capture, err := gocv.OpenVideoCapture(device)
	if err != nil {
		return nil, fmt.Errorf("Failed to open camera %v: %w", device, err)
	}
	if !capture.IsOpened() {
		capture.Close()
		return nil, fmt.Errorf("Failed to open camera %v", device)
	}
	capture.Set(gocv.VideoCaptureFrameWidth, float64(width))
	capture.Set(gocv.VideoCaptureFrameHeight, float64(height))
	return &Camera{
		Device:  device,
		Width:   width,
		Height:  height,
		capture: capture,
		bgr:     gocv.NewMat(),
		rgb:     gocv.NewMat(),
	}, nil
}

// Read blocks until the next frame is available
func (c *Camera) Read() (*frame.Frame, error) {
	if ok := c.capture.Read(&c.bgr); !ok || c.bgr.Empty() {
		return nil, ErrCameraRead
	}
	captured := time.Now()
	gocv.CvtColor(c.bgr, &c.rgb, gocv.ColorBGRToRGB)
	return frame.FromRGB(c.rgb.Cols(), c.rgb.Rows(), c.rgb.ToBytes(), captured)
}

func (c *Camera) Close() {
	c.capture.Close()
	c.bgr.Close()
	c.rgb.Close()
}

// Display is a window that shows images
type Display struct {
	window *gocv.Window
}

// NewDisplay opens a window. It must be driven from the goroutine that created it,
// and that goroutine should be locked to its OS thread.
func NewDisplay(title string) *Display {
	return &Display{
		window: gocv.NewWindow(title),
	}
}

// Show draws the image, and polls for a key press for up to delayMS milliseconds.
// Returns the key code, or -1 if no key was pressed.
func (d *Display) Show(img image.Image, delayMS int) (int, error) {
	mat, err := gocv.ImageToMatRGB(img)
	if err != nil {
		return -1, fmt.Errorf("Failed to convert image for display: %w", err)
	}
	defer mat.Close()
	d.window.IMShow(mat)
	return d.window.WaitKey(delayMS), nil
}

func (d *Display) Close() {
	d.window.Close()
}
