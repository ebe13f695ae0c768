package ui

import (
	"fmt"
	"time"

	"github.com/76creates/stickers/flexbox"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
)

// View renders the UI
func (m Model) View() string {
	if m.width == 0 {
		return "Loading..."
	}

	layout := flexbox.NewHorizontal(m.width, m.height-4) // header(1) + input(2) + footer(1)

	// Column 1: the shared screen (ratioX=3 = 75% of width)
	canvasCol := layout.NewColumn().AddCells(
		flexbox.NewCell(3, 1).
			SetStyle(CanvasPaneStyle).
			SetContent(m.renderCanvasPane()),
	)

	// Column 2: event log (ratioX=1 = 25% of width)
	logCol := layout.NewColumn().AddCells(
		flexbox.NewCell(1, 1).
			SetStyle(LogPaneStyle).
			SetContent(m.log.View()),
	)

	layout.AddColumns([]*flexbox.Column{canvasCol, logCol})

	return lipgloss.JoinVertical(
		lipgloss.Left,
		m.renderHeader(),
		layout.Render(),
		m.input.View(),
		m.renderFooter(),
	)
}

func (m Model) renderCanvasPane() string {
	if m.canvas == nil {
		return MutedStyle.Render(fmt.Sprintf("waiting for %s to send a screen...", m.opts.Peer))
	}
	return RenderCanvas(m.canvas)
}

func (m Model) renderHeader() string {
	state := UnpairedStyle.Render("○ unpaired")
	if m.paired {
		state = PairedStyle.Render("● paired")
	}
	return HeaderStyle.Render(fmt.Sprintf("ochub %s", m.opts.Mode)) + " " + state + " " + m.status
}

func (m Model) renderFooter() string {
	rtt := "-"
	if m.rtt > 0 {
		rtt = m.rtt.Round(100 * time.Microsecond).String()
	}
	return FooterStyle.Render(fmt.Sprintf(
		"↑ %s  ↓ %s  rtt %s  frames %d  [Enter] send  [PgUp/PgDn] scroll log  [Esc] quit",
		humanize.IBytes(m.session.BytesSent()),
		humanize.IBytes(m.session.BytesReceived()),
		rtt,
		m.frames,
	))
}
