package overlay

import (
	"image"
	"sync"
	"testing"
	"time"

	"github.com/cyclopcam/edgecv/pkg/frame"
	"github.com/cyclopcam/edgecv/pkg/nn"
	"github.com/stretchr/testify/require"
)

func grayFrame(width, height int) *frame.Frame {
	f := frame.New(width, height, time.Now())
	for i := range f.Pixels {
		f.Pixels[i] = 100
	}
	return f
}

func TestPixelRect(t *testing.T) {
	d := nn.Detection{Class: "person", Confidence: 0.5, X1: 0.1, Y1: 0.2, X2: 0.3, Y2: 0.4}
	require.Equal(t, image.Rect(64, 96, 192, 192), PixelRect(d, 640, 480))

	d = nn.Detection{Class: "person", Confidence: 0.5, X1: 0, Y1: 0, X2: 1, Y2: 1}
	require.Equal(t, image.Rect(0, 0, 1920, 1080), PixelRect(d, 1920, 1080))
}

func TestLabel(t *testing.T) {
	require.Equal(t, "person 87%", Label(nn.Detection{Class: "person", Confidence: 0.871}))
	require.Equal(t, "dog 100%", Label(nn.Detection{Class: "dog", Confidence: 1}))
}

func TestColorsAreStable(t *testing.T) {
	table := NewColorTable()
	a := table.Color("person")
	require.Equal(t, a, table.Color("person"))
	require.Equal(t, uint8(255), a.A)
	require.Equal(t, 1, table.Len())

	// A fresh table derives the same color
	require.Equal(t, a, NewColorTable().Color("person"))

	table.Color("car")
	require.Equal(t, 2, table.Len())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				require.Equal(t, a, table.Color("person"))
			}
		}()
	}
	wg.Wait()
}

func TestHSV(t *testing.T) {
	c := hsvToRGB(0, 1, 1)
	require.Equal(t, uint8(255), c.R)
	require.Equal(t, uint8(0), c.G)
	require.Equal(t, uint8(0), c.B)
	c = hsvToRGB(1.0/3, 1, 1)
	require.Equal(t, uint8(0), c.R)
	require.Equal(t, uint8(255), c.G)
	c = hsvToRGB(0.5, 0, 0.5)
	require.Equal(t, c.R, c.G)
	require.Equal(t, c.G, c.B)
}

func TestRenderEmpty(t *testing.T) {
	f := grayFrame(64, 48)
	r := NewRenderer()
	img := r.Render(f, nil)
	require.Equal(t, f.RGBA().Pix, img.Pix)
	img = r.Render(f, []nn.Detection{})
	require.Equal(t, f.RGBA().Pix, img.Pix)
}

func TestRenderDrawsBox(t *testing.T) {
	f := grayFrame(640, 480)
	before := append([]byte(nil), f.Pixels...)
	r := NewRenderer()
	d := nn.Detection{Class: "person", Confidence: 0.9, X1: 0.1, Y1: 0.2, X2: 0.3, Y2: 0.4}
	img := r.Render(f, []nn.Detection{d})

	// Input is untouched
	require.Equal(t, before, f.Pixels)

	c := r.Colors.Color("person")
	// Bottom edge of the rectangle, away from the label
	px := img.RGBAAt(128, 192)
	require.Equal(t, c.R, px.R)
	require.Equal(t, c.G, px.G)
	require.Equal(t, c.B, px.B)

	// Center of the box is not filled
	px = img.RGBAAt(128, 150)
	require.Equal(t, uint8(100), px.R)

	// Far away from the box
	px = img.RGBAAt(600, 400)
	require.Equal(t, uint8(100), px.G)
}

func TestRenderLabelInsideWhenNoRoomAbove(t *testing.T) {
	f := grayFrame(640, 480)
	r := NewRenderer()
	d := nn.Detection{Class: "car", Confidence: 0.5, X1: 0.5, Y1: 0, X2: 0.9, Y2: 0.5}
	img := r.Render(f, []nn.Detection{d})
	c := r.Colors.Color("car")
	// Just inside the top left of the box is label background
	px := img.RGBAAt(322, 20)
	require.Equal(t, c.R, px.R)
	require.Equal(t, c.G, px.G)
}
