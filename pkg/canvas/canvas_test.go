package canvas

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCanvas(t *testing.T, w, h int) *Canvas {
	t.Helper()
	c, err := New(w, h)
	require.NoError(t, err)
	return c
}

func lines(c *Canvas) string {
	var out []string
	for y := 0; y < c.Height(); y++ {
		out = append(out, c.Line(y))
	}
	return strings.Join(out, "\n")
}

func TestNewValidatesSize(t *testing.T) {
	for _, size := range [][2]int{{0, 1}, {1, 0}, {-3, 4}, {256, 10}, {10, 256}} {
		_, err := New(size[0], size[1])
		assert.ErrorIs(t, err, ErrInvalidSize, "%v", size)
	}

	c := newCanvas(t, 255, 255)
	assert.Equal(t, 255, c.Width())
}

func TestNewIsBlank(t *testing.T) {
	c := newCanvas(t, 3, 2)

	for y := 0; y < 2; y++ {
		for x := 0; x < 3; x++ {
			cell, ok := c.Get(x, y)
			require.True(t, ok)
			assert.Equal(t, EmptyCell, cell)
		}
	}
	fg, bg := c.Colors()
	assert.Equal(t, DefaultForeground, fg)
	assert.Equal(t, DefaultBackground, bg)
}

func TestGetSetBounds(t *testing.T) {
	c := newCanvas(t, 4, 3)

	c.Set(3, 2, Cell{Rune: 'x', FG: 1, BG: 2})
	cell, ok := c.Get(3, 2)
	require.True(t, ok)
	assert.Equal(t, Cell{Rune: 'x', FG: 1, BG: 2}, cell)

	// Out of range writes are ignored, reads report !ok
	for _, p := range [][2]int{{4, 0}, {0, 3}, {-1, 0}, {0, -1}} {
		c.Set(p[0], p[1], Cell{Rune: 'y'})
		_, ok := c.Get(p[0], p[1])
		assert.False(t, ok, "%v", p)
	}
	assert.Equal(t, "    \n    \n   x", lines(c))
}

func TestWrite(t *testing.T) {
	c := newCanvas(t, 5, 3)
	c.SetForeground(RGB(0xFF, 0, 0))

	c.Write(1, 0, "hello", false)
	c.Write(0, 0, "ab", true)
	c.Write(4, 2, "zz", false)

	assert.Equal(t, "ahell\nb    \n    z", lines(c))

	cell, _ := c.Get(1, 0)
	assert.Equal(t, uint8(16+5), cell.FG)
	assert.Equal(t, DefaultBackground, cell.BG)
}

func TestWriteUnicode(t *testing.T) {
	c := newCanvas(t, 4, 1)
	c.Write(0, 0, "é█\xff", false)

	assert.Equal(t, "é█� ", c.Line(0))
}

func TestFill(t *testing.T) {
	c := newCanvas(t, 4, 3)
	c.SetBackground(RGB(0, 0, 0xFF))

	c.Fill(1, 1, 10, 10, '#')
	c.Fill(-2, -2, 3, 3, '*')

	assert.Equal(t, "*   \n ###\n ###", lines(c))

	cell, _ := c.Get(2, 2)
	assert.Equal(t, uint8(16+4*48), cell.BG)
}

func TestCopy(t *testing.T) {
	tests := []struct {
		name       string
		x, y, w, h int
		tx, ty     int
		want       string
	}{
		{"plain", 0, 0, 2, 1, 2, 1, "abcd\nefab\nijkl"},
		{"overlap right", 0, 0, 3, 1, 1, 0, "aabc\nefgh\nijkl"},
		{"overlap up", 0, 1, 4, 2, 0, 0, "efgh\nijkl\nijkl"},
		{"clipped source", -1, 0, 3, 1, 0, 2, "abcd\nefgh\niabl"},
		{"clipped destination", 0, 0, 4, 1, 2, 2, "abcd\nefgh\nijab"},
		{"empty", 0, 0, 0, 3, 1, 1, "abcd\nefgh\nijkl"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newCanvas(t, 4, 3)
			c.Write(0, 0, "abcd", false)
			c.Write(0, 1, "efgh", false)
			c.Write(0, 2, "ijkl", false)

			c.Copy(tt.x, tt.y, tt.w, tt.h, tt.tx, tt.ty)
			assert.Equal(t, tt.want, lines(c))
		})
	}
}

func TestScroll(t *testing.T) {
	c := newCanvas(t, 2, 3)
	c.Write(0, 0, "ab", false)
	c.Write(0, 1, "cd", false)
	c.Write(0, 2, "ef", false)

	c.Scroll(1)
	assert.Equal(t, "cd\nef\n  ", lines(c))

	c.Scroll(0)
	assert.Equal(t, "cd\nef\n  ", lines(c))

	c.Scroll(5)
	assert.Equal(t, "  \n  \n  ", lines(c))
}

func TestResize(t *testing.T) {
	c := newCanvas(t, 3, 2)
	c.Write(0, 0, "abc", false)
	c.Write(0, 1, "def", false)

	require.NoError(t, c.Resize(2, 3))
	assert.Equal(t, "ab\nde\n  ", lines(c))

	require.NoError(t, c.Resize(4, 1))
	assert.Equal(t, "ab  ", lines(c))

	assert.ErrorIs(t, c.Resize(0, 1), ErrInvalidSize)
	assert.Equal(t, 4, c.Width())
}

func TestClear(t *testing.T) {
	c := newCanvas(t, 2, 2)
	c.Fill(0, 0, 2, 2, 'x')
	c.Clear()

	blank := newCanvas(t, 2, 2)
	assert.True(t, c.Equal(blank))
}

func TestLineOutOfRange(t *testing.T) {
	c := newCanvas(t, 2, 2)
	assert.Empty(t, c.Line(-1))
	assert.Empty(t, c.Line(2))
}
