package ui

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/ocremote/ochub/pkg/canvas"
	"github.com/ocremote/ochub/pkg/protocol"
)

var (
	ownerInk  = canvas.RGB(0xFF, 0xFF, 0xFF)
	viewerInk = canvas.RGB(0xFF, 0x66, 0xFF)
	bannerInk = canvas.RGB(0x33, 0xCC, 0xFF)
)

// Update handles messages and updates the model
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKeyPress(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.log.Width = max(msg.Width/4-4, 10)
		m.log.Height = max(msg.Height-7, 1)
		m.input.Width = max(msg.Width-6, 10)
		m.log.SetContent(strings.Join(m.events, "\n"))
		m.log.GotoBottom()
		return m, nil

	case incomingMsg:
		m.handleIncoming(msg.msg)
		if _, bye := msg.msg.(*protocol.ServerGoodbyeMessage); bye {
			return m, tea.Quit
		}
		return m, waitForIncoming(m.session)

	case connErrMsg:
		m.status = "connection error: " + msg.err.Error()
		m.addEvent(ErrorStyle.Render(m.status))
		return m, waitForIncoming(m.session)

	case closedMsg:
		m.closed = true
		m.status = "connection closed"
		return m, tea.Quit

	case frameTickMsg:
		m.sendSnapshot(false)
		return m, frameTick(m.opts.FPS)

	case pingTickMsg:
		return m, tea.Batch(pingCmd(m.session), pingTick())

	case pingResultMsg:
		if msg.err == nil {
			m.rtt = msg.rtt
		}
		return m, nil
	}

	return m, nil
}

func (m Model) handleKeyPress(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyCtrlC, tea.KeyEsc:
		return m, tea.Quit

	case tea.KeyPgUp, tea.KeyPgDown:
		var cmd tea.Cmd
		m.log, cmd = m.log.Update(msg)
		return m, cmd

	case tea.KeyEnter:
		text := m.input.Value()
		m.input.Reset()
		if strings.TrimSpace(text) == "" {
			return m, nil
		}
		m.submit(text)
		return m, nil
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// submit handles a typed line: the owner draws it on the shared screen, a
// viewer sends it to the owner
func (m *Model) submit(text string) {
	switch m.opts.Mode {
	case ModeShare:
		m.writeLine("$ "+text, ownerInk)
	case ModeView:
		if m.send(&protocol.PairTextMessage{Text: text}) {
			m.addEvent(MutedStyle.Render("you: ") + text)
		}
	}
}

func (m *Model) handleIncoming(msg protocol.Message) {
	switch msg := msg.(type) {
	case *protocol.ServerConnectMessage:
		if msg.Status != protocol.ConnectionOk {
			m.addEvent(ErrorStyle.Render("pairing failed: " + msg.Status.String()))
			return
		}
		if m.opts.Mode != ModeShare {
			return
		}
		m.paired = true
		m.status = fmt.Sprintf("sharing as %s with a viewer attached", m.opts.Username)
		m.addEvent(PairedStyle.Render("viewer connected"))
		m.notify("ochub", "A viewer connected to "+m.opts.Username)
		m.sendSnapshot(true)

	case *protocol.ServerDisconnectMessage:
		if msg.Status != protocol.DisconnectionOk {
			return
		}
		m.paired = false
		if m.opts.Mode == ModeShare {
			m.status = fmt.Sprintf("sharing as %s, waiting for a viewer", m.opts.Username)
			m.addEvent(UnpairedStyle.Render("viewer disconnected"))
			m.notify("ochub", "The viewer left "+m.opts.Username)
		} else {
			m.status = fmt.Sprintf("%s stopped sharing", m.opts.Peer)
			m.addEvent(UnpairedStyle.Render("owner disconnected"))
			m.notify("ochub", m.opts.Peer+" stopped sharing")
		}

	case *protocol.PairTextMessage:
		if m.opts.Mode == ModeShare {
			m.writeLine("viewer> "+msg.Text, viewerInk)
			m.addEvent(PeerStyle.Render("viewer: ") + msg.Text)
		} else {
			m.addEvent(PeerStyle.Render(m.opts.Peer+": ") + msg.Text)
		}

	case *protocol.PairBinaryMessage:
		if m.opts.Mode != ModeView {
			return
		}
		next, err := canvas.FromSnapshot(msg.Data)
		if err != nil {
			m.addEvent(ErrorStyle.Render("bad snapshot: " + err.Error()))
			return
		}
		m.canvas = next
		m.frames++

	case *protocol.ErrorMessage:
		m.addEvent(ErrorStyle.Render("hub: " + msg.Text))

	case *protocol.CriticalErrorMessage:
		m.status = "hub critical error: " + msg.Text
		m.addEvent(ErrorStyle.Render(m.status))

	case *protocol.ServerGoodbyeMessage:
		m.status = "hub said goodbye"
	}
}

// writeLine prints text on the next row of the shared screen, scrolling and
// wrapping like a terminal
func (m *Model) writeLine(text string, ink canvas.Color) {
	if m.canvas == nil {
		return
	}

	runes := []rune(text)
	w := m.canvas.Width()
	for {
		if m.cursorY >= m.canvas.Height() {
			m.canvas.Scroll(m.cursorY - m.canvas.Height() + 1)
			m.cursorY = m.canvas.Height() - 1
		}

		n := min(len(runes), w)
		m.canvas.SetForeground(ink)
		m.canvas.Write(0, m.cursorY, string(runes[:n]), false)
		m.cursorY++
		runes = runes[n:]
		if len(runes) == 0 {
			break
		}
	}
	m.dirty = true
}

// sendSnapshot streams the screen to the viewer when it changed, or always
// when forced
func (m *Model) sendSnapshot(force bool) {
	if m.opts.Mode != ModeShare || !m.paired || m.canvas == nil || !(m.dirty || force) {
		return
	}

	data, err := m.canvas.MarshalBinary()
	if err != nil {
		m.addEvent(ErrorStyle.Render("snapshot: " + err.Error()))
		return
	}
	if m.send(&protocol.PairBinaryMessage{Data: data}) {
		m.dirty = false
		m.frames++
	}
}

func (m *Model) send(msg protocol.Message) bool {
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()

	if err := m.session.Send(ctx, msg); err != nil {
		m.addEvent(ErrorStyle.Render("send failed: " + err.Error()))
		return false
	}
	return true
}

func (m *Model) addEvent(line string) {
	stamp := MutedStyle.Render(time.Now().Format("15:04:05"))
	m.events = append(m.events, stamp+" "+line)
	if len(m.events) > maxEvents {
		m.events = m.events[len(m.events)-maxEvents:]
	}
	m.log.SetContent(strings.Join(m.events, "\n"))
	m.log.GotoBottom()
}
