// Package ui is the terminal front end of occlient. In share mode the user
// types into a small terminal whose screen is streamed to the paired viewer;
// in view mode the owner's screen is rendered and typed lines go back to the
// owner.
package ui

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/gen2brain/beeep"
	"github.com/ocremote/ochub/pkg/canvas"
	"github.com/ocremote/ochub/pkg/protocol"
)

// Session is the part of a client connection the UI drives
type Session interface {
	Send(ctx context.Context, msg protocol.Message) error
	Incoming() <-chan protocol.Message
	Errors() <-chan error
	Ping(ctx context.Context) (time.Duration, error)
	BytesSent() uint64
	BytesReceived() uint64
}

// Mode selects which side of a pairing the UI plays
type Mode int

const (
	ModeShare Mode = iota
	ModeView
)

func (m Mode) String() string {
	if m == ModeView {
		return "view"
	}
	return "share"
}

const (
	sendTimeout  = time.Second
	pingInterval = 5 * time.Second
	maxEvents    = 200
)

// Options configure a Model
type Options struct {
	Mode     Mode
	Username string
	// Peer is the owner being viewed (view mode only)
	Peer string
	// Width and Height size the shared canvas (share mode only)
	Width, Height int
	// FPS caps how often snapshots are sent (share mode only)
	FPS int
	// Notify enables desktop notifications on pair changes
	Notify bool
}

// Model is the bubbletea model for both modes
type Model struct {
	session Session
	opts    Options

	canvas  *canvas.Canvas
	cursorY int
	dirty   bool
	paired  bool
	frames  uint64

	input  textinput.Model
	log    viewport.Model
	events []string

	width, height int
	status        string
	rtt           time.Duration
	closed        bool

	notify func(title, body string)
}

// Messages
type (
	incomingMsg  struct{ msg protocol.Message }
	connErrMsg   struct{ err error }
	closedMsg    struct{}
	frameTickMsg time.Time
	pingTickMsg  time.Time
)

type pingResultMsg struct {
	rtt time.Duration
	err error
}

// New builds a model. In share mode the canvas is created immediately; in
// view mode it appears with the first snapshot.
func New(session Session, opts Options) (Model, error) {
	if opts.FPS <= 0 {
		opts.FPS = 10
	}

	input := textinput.New()
	input.Prompt = "> "
	input.CharLimit = 255
	input.Focus()

	m := Model{
		session: session,
		opts:    opts,
		input:   input,
		log:     viewport.New(0, 0),
		notify:  func(string, string) {},
	}

	if opts.Notify {
		m.notify = desktopNotify
	}

	if opts.Mode == ModeShare {
		c, err := canvas.New(opts.Width, opts.Height)
		if err != nil {
			return Model{}, err
		}
		m.canvas = c
		m.status = fmt.Sprintf("sharing as %s, waiting for a viewer", opts.Username)
		m.writeLine(fmt.Sprintf("ochub share session for %s", opts.Username), bannerInk)
	} else {
		m.status = fmt.Sprintf("viewing %s", opts.Peer)
		m.paired = true
	}

	return m, nil
}

func desktopNotify(title, body string) {
	// Notification failures (no notification daemon) are not worth surfacing
	_ = beeep.Notify(title, body, "")
}

// Init starts listening to the connection and the periodic ticks
func (m Model) Init() tea.Cmd {
	cmds := []tea.Cmd{
		textinput.Blink,
		waitForIncoming(m.session),
		pingTick(),
	}
	if m.opts.Mode == ModeShare {
		cmds = append(cmds, frameTick(m.opts.FPS))
	}
	return tea.Batch(cmds...)
}

// Canvas returns the current screen (nil in view mode before the first snapshot)
func (m Model) Canvas() *canvas.Canvas {
	return m.canvas
}

// Paired reports whether a partner is currently attached
func (m Model) Paired() bool {
	return m.paired
}

// Closed reports whether the connection ended while the UI was running
func (m Model) Closed() bool {
	return m.closed
}

func waitForIncoming(s Session) tea.Cmd {
	return func() tea.Msg {
		select {
		case msg, ok := <-s.Incoming():
			if !ok {
				return closedMsg{}
			}
			return incomingMsg{msg: msg}
		case err := <-s.Errors():
			return connErrMsg{err: err}
		}
	}
}

func frameTick(fps int) tea.Cmd {
	return tea.Tick(time.Second/time.Duration(fps), func(t time.Time) tea.Msg {
		return frameTickMsg(t)
	})
}

func pingTick() tea.Cmd {
	return tea.Tick(pingInterval, func(t time.Time) tea.Msg {
		return pingTickMsg(t)
	})
}

func pingCmd(s Session) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), pingInterval)
		defer cancel()
		rtt, err := s.Ping(ctx)
		return pingResultMsg{rtt: rtt, err: err}
	}
}
