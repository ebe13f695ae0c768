// Package canvas models the screen a sharing client streams to its viewers:
// an OpenComputers style character grid with a 256 entry palette. The hub
// never looks inside; snapshots travel as opaque PAIR_BINARY payloads.
package canvas

import "fmt"

// Color is a 24-bit 0xRRGGBB value
type Color uint32

// RGB builds a color from its components
func RGB(r, g, b uint8) Color {
	return Color(r)<<16 | Color(g)<<8 | Color(b)
}

// Components splits the color into red, green and blue
func (c Color) Components() (r, g, b uint8) {
	return uint8(c >> 16), uint8(c >> 8), uint8(c)
}

// Hex formats the color as #rrggbb
func (c Color) Hex() string {
	return fmt.Sprintf("#%06x", uint32(c)&0xFFFFFF)
}

// delta is the luma weighted squared distance between two colors
func (c Color) delta(o Color) float64 {
	r1, g1, b1 := c.Components()
	r2, g2, b2 := o.Components()
	dr := float64(r1) - float64(r2)
	dg := float64(g1) - float64(g2)
	db := float64(b1) - float64(b2)
	return 0.2126*dr*dr + 0.7152*dg*dg + 0.0722*db*db
}

// Cube dimensions of the non-grey part of the palette
const (
	cubeReds   = 6
	cubeGreens = 8
	cubeBlues  = 5
	greys      = 16
)

// Palette maps the 256 color indices stored in cells to RGB values. Indices
// 0-15 are greys, 16-255 a 6x8x5 red/green/blue cube.
type Palette [256]Color

// DefaultPalette is the palette every canvas uses
var DefaultPalette = NewPalette()

// NewPalette builds the standard palette
func NewPalette() *Palette {
	var p Palette
	for i := 0; i < greys; i++ {
		shade := uint8(0xFF * (i + 1) / (greys + 1))
		p[i] = RGB(shade, shade, shade)
	}
	for i := 0; i < cubeReds*cubeGreens*cubeBlues; i++ {
		r := i % cubeReds
		g := (i / cubeReds) % cubeGreens
		b := i / (cubeReds * cubeGreens)
		p[greys+i] = RGB(
			uint8((r*255+(cubeReds-1)/2)/(cubeReds-1)),
			uint8((g*255+(cubeGreens-1)/2)/(cubeGreens-1)),
			uint8((b*255+(cubeBlues-1)/2)/(cubeBlues-1)),
		)
	}
	return &p
}

// Color returns the RGB value at index i
func (p *Palette) Color(i uint8) Color {
	return p[i]
}

// Index returns the palette index closest to c. Exact matches win; otherwise
// the nearest cube entry competes with the nearest grey.
func (p *Palette) Index(c Color) uint8 {
	for i, pc := range p {
		if pc == c {
			return uint8(i)
		}
	}

	r, g, b := c.Components()
	ri := int(float64(r)*(cubeReds-1)/255 + 0.5)
	gi := int(float64(g)*(cubeGreens-1)/255 + 0.5)
	bi := int(float64(b)*(cubeBlues-1)/255 + 0.5)
	cube := greys + ri + gi*cubeReds + bi*cubeReds*cubeGreens

	best, bestDelta := 0, c.delta(p[0])
	for i := 1; i < greys; i++ {
		if d := c.delta(p[i]); d < bestDelta {
			best, bestDelta = i, d
		}
	}

	if c.delta(p[cube]) < bestDelta {
		return uint8(cube)
	}
	return uint8(best)
}
