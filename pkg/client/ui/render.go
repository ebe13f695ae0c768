package ui

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/ocremote/ochub/pkg/canvas"
)

// RenderCanvas turns a canvas into styled terminal text. Adjacent cells
// sharing colors are rendered as one run.
func RenderCanvas(c *canvas.Canvas) string {
	if c == nil {
		return ""
	}

	styles := make(map[[2]uint8]lipgloss.Style)
	styleFor := func(fg, bg uint8) lipgloss.Style {
		key := [2]uint8{fg, bg}
		if s, ok := styles[key]; ok {
			return s
		}
		s := lipgloss.NewStyle().
			Foreground(lipgloss.Color(canvas.DefaultPalette.Color(fg).Hex())).
			Background(lipgloss.Color(canvas.DefaultPalette.Color(bg).Hex()))
		styles[key] = s
		return s
	}

	var b strings.Builder
	var run strings.Builder
	for y := 0; y < c.Height(); y++ {
		if y > 0 {
			b.WriteByte('\n')
		}

		first, _ := c.Get(0, y)
		fg, bg := first.FG, first.BG
		run.Reset()
		for x := 0; x < c.Width(); x++ {
			cell, _ := c.Get(x, y)
			if cell.FG != fg || cell.BG != bg {
				b.WriteString(styleFor(fg, bg).Render(run.String()))
				run.Reset()
				fg, bg = cell.FG, cell.BG
			}
			run.WriteRune(cell.Rune)
		}
		b.WriteString(styleFor(fg, bg).Render(run.String()))
	}
	return b.String()
}
