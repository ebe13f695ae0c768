package server

import (
	"crypto/subtle"
	"fmt"
	"time"

	"github.com/ocremote/ochub/pkg/protocol"
)

// State is where a connection is in its lifecycle
type State uint8

const (
	// StateHandshake waits for CLIENT_HANDSHAKE; nothing else is accepted
	StateHandshake State = iota
	// StatePairing is an authorized connection that may pair and exchange payloads
	StatePairing
	// StateClosing drains the write buffer after a goodbye, then dies
	StateClosing
	// StateError drains the write buffer after an ERROR, then dies
	StateError
	// StateDead is reaped at the end of the event batch
	StateDead
)

func (s State) String() string {
	switch s {
	case StateHandshake:
		return "handshake"
	case StatePairing:
		return "pairing"
	case StateClosing:
		return "closing"
	case StateError:
		return "error"
	case StateDead:
		return "dead"
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// accepting reports whether incoming messages are still processed
func (s State) accepting() bool {
	return s == StateHandshake || s == StatePairing
}

// draining reports whether the connection dies once its output is written
func (s State) draining() bool {
	return s == StateClosing || s == StateError
}

// Role is a connection's side of a pairing
type Role uint8

const (
	RoleNone Role = iota
	// RoleOwner is the connection that was asked for by name
	RoleOwner
	// RoleViewer is the connection that sent CLIENT_CONNECT
	RoleViewer
)

func (r Role) String() string {
	switch r {
	case RoleOwner:
		return "owner"
	case RoleViewer:
		return "viewer"
	}
	return "none"
}

// ClientData is the identity a connection claims at handshake. It never
// changes afterwards.
type ClientData struct {
	Username string
	password string
}

func newClientData(username, password string) *ClientData {
	return &ClientData{Username: username, password: password}
}

// CheckPassword reports whether password matches the one given at handshake
func (d *ClientData) CheckPassword(password string) bool {
	return subtle.ConstantTimeCompare([]byte(d.password), []byte(password)) == 1
}

// Connection is one accepted client. It is owned by the reactor goroutine.
type Connection struct {
	token    Token
	sock     Socket
	remote   string
	accepted time.Time

	state  State
	client *ClientData
	role   Role
	peer   Token
	paired bool

	rbuf readBuffer
	wbuf writeBuffer

	lastPong uint64
	pongs    uint64

	// queued marks membership in the server's flush/reap list
	queued bool
}

func newConnection(sock Socket, remote string, cfg ServerConfig) *Connection {
	return &Connection{
		sock:     sock,
		remote:   remote,
		accepted: time.Now(),
		state:    StateHandshake,
		rbuf:     newReadBuffer(cfg.ReadBufferCapacity, cfg.ReadBufferMax),
		wbuf:     newWriteBuffer(cfg.WriteBufferCapacity),
	}
}

// Token returns the registry token
func (c *Connection) Token() Token { return c.token }

// State returns the lifecycle state
func (c *Connection) State() State { return c.state }

// Username returns the handshake username, or "" before the handshake
func (c *Connection) Username() string {
	if c.client == nil {
		return ""
	}
	return c.client.Username
}

// Paired reports whether the connection is linked to a partner
func (c *Connection) Paired() bool { return c.paired }

func (c *Connection) String() string {
	if c.client != nil {
		return fmt.Sprintf("%s(%s)", c.token, c.client.Username)
	}
	return fmt.Sprintf("%s(%s)", c.token, c.remote)
}

// enqueue encodes msg onto the write buffer
func (c *Connection) enqueue(msg protocol.Message) error {
	buf, err := protocol.AppendMessage(c.wbuf.buf, msg)
	if err != nil {
		return err
	}
	c.wbuf.buf = buf
	return nil
}
