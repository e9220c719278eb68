package overlay

import (
	"hash/fnv"
	"image/color"
	"sync"

	"github.com/chewxy/math32"
)

// Saturation and value of every class color. Only the hue varies.
const (
	classSaturation = 0.85
	classValue      = 0.95
)

// ColorTable assigns each class label a stable color.
// The color is derived from a hash of the label, so it is the same across sessions too,
// but we cache it so that a lookup on the render path is just a map read.
type ColorTable struct {
	lock   sync.Mutex
	colors map[string]color.RGBA
}

func NewColorTable() *ColorTable {
	return &ColorTable{
		colors: map[string]color.RGBA{},
	}
}

// Color returns the color of the given class label
func (t *ColorTable) Color(class string) color.RGBA {
	t.lock.Lock()
	defer t.lock.Unlock()
	if c, ok := t.colors[class]; ok {
		return c
	}
	c := classColor(class)
	t.colors[class] = c
	return c
}

// Len returns the number of distinct labels that have been seen
func (t *ColorTable) Len() int {
	t.lock.Lock()
	defer t.lock.Unlock()
	return len(t.colors)
}

func classColor(class string) color.RGBA {
	h := fnv.New32a()
	h.Write([]byte(class))
	hue := float32(h.Sum32()%360) / 360
	return hsvToRGB(hue, classSaturation, classValue)
}

// h, s, v are in the range [0,1]
func hsvToRGB(h, s, v float32) color.RGBA {
	h6 := h * 6
	i := math32.Floor(h6)
	f := h6 - i
	p := v * (1 - s)
	q := v * (1 - s*f)
	t := v * (1 - s*(1-f))
	var r, g, b float32
	switch int(i) % 6 {
	case 0:
		r, g, b = v, t, p
	case 1:
		r, g, b = q, v, p
	case 2:
		r, g, b = p, v, t
	case 3:
		r, g, b = p, q, v
	case 4:
		r, g, b = t, p, v
	default:
		r, g, b = v, p, q
	}
	return color.RGBA{
		R: uint8(math32.Round(r * 255)),
		G: uint8(math32.Round(g * 255)),
		B: uint8(math32.Round(b * 255)),
		A: 255,
	}
}
