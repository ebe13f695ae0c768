package canvas

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

// MaxSize is the largest width or height a canvas may have
const MaxSize = 255

var ErrInvalidSize = errors.New("invalid canvas size")

// Cell is one character position: a rune plus palette indices
type Cell struct {
	Rune rune
	FG   uint8
	BG   uint8
}

// Default colors: white on black
const (
	DefaultForeground uint8 = 255
	DefaultBackground uint8 = 16
)

// EmptyCell is what a fresh or cleared position holds
var EmptyCell = Cell{Rune: ' ', FG: DefaultForeground, BG: DefaultBackground}

// Canvas is a width×height grid of cells with a current foreground and
// background used by the drawing operations. Coordinates are zero based;
// anything outside the grid is clipped. A Canvas is not safe for concurrent use.
type Canvas struct {
	width, height int
	cells         []Cell
	fg, bg        uint8
}

func checkSize(width, height int) error {
	if width < 1 || height < 1 || width > MaxSize || height > MaxSize {
		return fmt.Errorf("%w: %dx%d", ErrInvalidSize, width, height)
	}
	return nil
}

// New returns a blank canvas
func New(width, height int) (*Canvas, error) {
	if err := checkSize(width, height); err != nil {
		return nil, err
	}

	c := &Canvas{
		width:  width,
		height: height,
		cells:  make([]Cell, width*height),
		fg:     DefaultForeground,
		bg:     DefaultBackground,
	}
	c.Clear()
	return c, nil
}

func (c *Canvas) Width() int  { return c.width }
func (c *Canvas) Height() int { return c.height }

func (c *Canvas) in(x, y int) bool {
	return x >= 0 && y >= 0 && x < c.width && y < c.height
}

// SetForeground picks the nearest palette entry for subsequent drawing
func (c *Canvas) SetForeground(col Color) { c.fg = DefaultPalette.Index(col) }

// SetBackground picks the nearest palette entry for subsequent drawing
func (c *Canvas) SetBackground(col Color) { c.bg = DefaultPalette.Index(col) }

// Colors returns the current foreground and background indices
func (c *Canvas) Colors() (fg, bg uint8) { return c.fg, c.bg }

// Get returns the cell at (x, y); ok is false outside the grid
func (c *Canvas) Get(x, y int) (cell Cell, ok bool) {
	if !c.in(x, y) {
		return Cell{}, false
	}
	return c.cells[y*c.width+x], true
}

// Set stores cell at (x, y). Positions outside the grid are ignored.
func (c *Canvas) Set(x, y int, cell Cell) {
	if c.in(x, y) {
		c.cells[y*c.width+x] = cell
	}
}

// Write draws s starting at (x, y) in the current colors, left to right or,
// when vertical, top to bottom. Invalid UTF-8 is drawn as U+FFFD.
func (c *Canvas) Write(x, y int, s string, vertical bool) {
	for _, r := range s {
		c.Set(x, y, Cell{Rune: r, FG: c.fg, BG: c.bg})
		if vertical {
			y++
		} else {
			x++
		}
	}
}

// Fill sets every cell of the rectangle to r in the current colors
func (c *Canvas) Fill(x, y, w, h int, r rune) {
	if !utf8.ValidRune(r) {
		r = utf8.RuneError
	}
	x0, y0, x1, y1 := c.clip(x, y, w, h)
	for j := y0; j < y1; j++ {
		for i := x0; i < x1; i++ {
			c.cells[j*c.width+i] = Cell{Rune: r, FG: c.fg, BG: c.bg}
		}
	}
}

// Clear resets every cell to EmptyCell
func (c *Canvas) Clear() {
	for i := range c.cells {
		c.cells[i] = EmptyCell
	}
}

// clip intersects a rectangle with the grid
func (c *Canvas) clip(x, y, w, h int) (x0, y0, x1, y1 int) {
	x0, y0 = max(x, 0), max(y, 0)
	x1, y1 = min(x+w, c.width), min(y+h, c.height)
	if x1 < x0 {
		x1 = x0
	}
	if y1 < y0 {
		y1 = y0
	}
	return x0, y0, x1, y1
}

// Copy moves the w×h region at (x, y) so its top-left corner lands on
// (tx, ty). The source is clipped to the grid first; overlapping regions are
// handled as if the source were copied out before writing.
func (c *Canvas) Copy(x, y, w, h, tx, ty int) {
	x0, y0, x1, y1 := c.clip(x, y, w, h)
	cw, ch := x1-x0, y1-y0
	if cw == 0 || ch == 0 {
		return
	}

	region := make([]Cell, 0, cw*ch)
	for j := y0; j < y1; j++ {
		region = append(region, c.cells[j*c.width+x0:j*c.width+x1]...)
	}

	dx, dy := tx+(x0-x), ty+(y0-y)
	for j := 0; j < ch; j++ {
		for i := 0; i < cw; i++ {
			c.Set(dx+i, dy+j, region[j*cw+i])
		}
	}
}

// Scroll moves the content up by n lines, blanking the lines revealed at the
// bottom in the current colors
func (c *Canvas) Scroll(n int) {
	if n <= 0 {
		return
	}
	if n >= c.height {
		c.Fill(0, 0, c.width, c.height, ' ')
		return
	}
	c.Copy(0, n, c.width, c.height-n, 0, 0)
	c.Fill(0, c.height-n, c.width, n, ' ')
}

// Resize changes the grid size, keeping the overlapping top-left region
func (c *Canvas) Resize(width, height int) error {
	if err := checkSize(width, height); err != nil {
		return err
	}

	cells := make([]Cell, width*height)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			if cell, ok := c.Get(x, y); ok {
				cells[y*width+x] = cell
			} else {
				cells[y*width+x] = EmptyCell
			}
		}
	}

	c.width, c.height, c.cells = width, height, cells
	return nil
}

// Line returns row y as plain text
func (c *Canvas) Line(y int) string {
	if y < 0 || y >= c.height {
		return ""
	}
	runes := make([]rune, c.width)
	for x := range runes {
		runes[x] = c.cells[y*c.width+x].Rune
	}
	return string(runes)
}

// Equal reports whether two canvases have the same size, colors and cells
func (c *Canvas) Equal(o *Canvas) bool {
	if c.width != o.width || c.height != o.height || c.fg != o.fg || c.bg != o.bg {
		return false
	}
	for i := range c.cells {
		if c.cells[i] != o.cells[i] {
			return false
		}
	}
	return true
}
