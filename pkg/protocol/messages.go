package protocol

import (
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
)

// Message is one decoded wire message. The set of implementations is closed:
// every variant lives in this file and maps to exactly one Opcode.
type Message interface {
	// Opcode returns the discriminant written before the fields
	Opcode() Opcode

	// EncodeTo writes the message fields (without the opcode) to w
	EncodeTo(w io.Writer) error

	// String returns a short log-friendly summary; secrets are never included
	String() string

	decodeFrom(d *decoder) error
}

// newMessage returns an empty message for the opcode, ready to be decoded into
func newMessage(op Opcode) Message {
	switch op {
	case OpError:
		return &ErrorMessage{}
	case OpCriticalError:
		return &CriticalErrorMessage{}
	case OpPing:
		return &PingMessage{}
	case OpPong:
		return &PongMessage{}
	case OpClientHandshake:
		return &ClientHandshakeMessage{}
	case OpClientConnect:
		return &ClientConnectMessage{}
	case OpClientDisconnect:
		return &ClientDisconnectMessage{}
	case OpClientGoodbye:
		return &ClientGoodbyeMessage{}
	case OpServerHandshake:
		return &ServerHandshakeMessage{}
	case OpServerConnect:
		return &ServerConnectMessage{}
	case OpServerDisconnect:
		return &ServerDisconnectMessage{}
	case OpServerGoodbye:
		return &ServerGoodbyeMessage{}
	case OpPairPing:
		return &PairPingMessage{}
	case OpPairPong:
		return &PairPongMessage{}
	case OpPairText:
		return &PairTextMessage{}
	case OpPairBinary:
		return &PairBinaryMessage{}
	}
	return nil
}

// ErrorMessage (0x00) - Non-fatal error report
type ErrorMessage struct {
	Text string
}

func (m *ErrorMessage) Opcode() Opcode             { return OpError }
func (m *ErrorMessage) EncodeTo(w io.Writer) error { return WriteString(w, m.Text) }
func (m *ErrorMessage) String() string             { return fmt.Sprintf("error[%s]", m.Text) }

func (m *ErrorMessage) decodeFrom(d *decoder) (err error) {
	m.Text, err = d.string()
	return err
}

// CriticalErrorMessage (0x01) - Error after which the sender gives up on the connection
type CriticalErrorMessage struct {
	Text string
}

func (m *CriticalErrorMessage) Opcode() Opcode             { return OpCriticalError }
func (m *CriticalErrorMessage) EncodeTo(w io.Writer) error { return WriteString(w, m.Text) }
func (m *CriticalErrorMessage) String() string             { return fmt.Sprintf("critical-error[%s]", m.Text) }

func (m *CriticalErrorMessage) decodeFrom(d *decoder) (err error) {
	m.Text, err = d.string()
	return err
}

// PingMessage (0x02) - Keepalive; the value is opaque and echoed back in PONG
type PingMessage struct {
	Value uint64
}

func (m *PingMessage) Opcode() Opcode             { return OpPing }
func (m *PingMessage) EncodeTo(w io.Writer) error { return WriteUint64(w, m.Value) }
func (m *PingMessage) String() string             { return fmt.Sprintf("ping[%d]", m.Value) }

func (m *PingMessage) decodeFrom(d *decoder) (err error) {
	m.Value, err = d.uint64()
	return err
}

// PongMessage (0x03) - Keepalive reply
type PongMessage struct {
	Value uint64
}

func (m *PongMessage) Opcode() Opcode             { return OpPong }
func (m *PongMessage) EncodeTo(w io.Writer) error { return WriteUint64(w, m.Value) }
func (m *PongMessage) String() string             { return fmt.Sprintf("pong[%d]", m.Value) }

func (m *PongMessage) decodeFrom(d *decoder) (err error) {
	m.Value, err = d.uint64()
	return err
}

// ClientHandshakeMessage (0x40) - Claim a username and set the pairing password
type ClientHandshakeMessage struct {
	Username string
	Password string
}

func (m *ClientHandshakeMessage) Opcode() Opcode { return OpClientHandshake }

func (m *ClientHandshakeMessage) EncodeTo(w io.Writer) error {
	if err := WriteString(w, m.Username); err != nil {
		return err
	}
	return WriteString(w, m.Password)
}

func (m *ClientHandshakeMessage) String() string {
	return fmt.Sprintf("client-handshake[%s]", m.Username)
}

func (m *ClientHandshakeMessage) decodeFrom(d *decoder) error {
	username, err := d.string()
	if err != nil {
		return err
	}
	password, err := d.string()
	if err != nil {
		return err
	}

	m.Username = username
	m.Password = password
	return nil
}

// ClientConnectMessage (0x41) - Ask to be paired with the connection owning Username
type ClientConnectMessage struct {
	Username string
	Password string
}

func (m *ClientConnectMessage) Opcode() Opcode { return OpClientConnect }

func (m *ClientConnectMessage) EncodeTo(w io.Writer) error {
	if err := WriteString(w, m.Username); err != nil {
		return err
	}
	return WriteString(w, m.Password)
}

func (m *ClientConnectMessage) String() string {
	return fmt.Sprintf("client-connect[%s]", m.Username)
}

func (m *ClientConnectMessage) decodeFrom(d *decoder) error {
	username, err := d.string()
	if err != nil {
		return err
	}
	password, err := d.string()
	if err != nil {
		return err
	}

	m.Username = username
	m.Password = password
	return nil
}

// ClientDisconnectMessage (0x42) - Drop the current pairing, keep the connection
type ClientDisconnectMessage struct{}

func (m *ClientDisconnectMessage) Opcode() Opcode            { return OpClientDisconnect }
func (m *ClientDisconnectMessage) EncodeTo(io.Writer) error  { return nil }
func (m *ClientDisconnectMessage) String() string            { return "client-disconnect" }
func (m *ClientDisconnectMessage) decodeFrom(*decoder) error { return nil }

// ClientGoodbyeMessage (0x43) - Orderly shutdown request
type ClientGoodbyeMessage struct{}

func (m *ClientGoodbyeMessage) Opcode() Opcode            { return OpClientGoodbye }
func (m *ClientGoodbyeMessage) EncodeTo(io.Writer) error  { return nil }
func (m *ClientGoodbyeMessage) String() string            { return "client-goodbye" }
func (m *ClientGoodbyeMessage) decodeFrom(*decoder) error { return nil }

// ServerHandshakeMessage (0x80) - Handshake result
type ServerHandshakeMessage struct {
	Status HandshakeStatus
}

func (m *ServerHandshakeMessage) Opcode() Opcode { return OpServerHandshake }

func (m *ServerHandshakeMessage) EncodeTo(w io.Writer) error {
	return WriteUint8(w, uint8(m.Status))
}

func (m *ServerHandshakeMessage) String() string {
	return fmt.Sprintf("server-handshake[%s]", m.Status)
}

func (m *ServerHandshakeMessage) decodeFrom(d *decoder) error {
	b, err := d.uint8()
	if err != nil {
		return err
	}
	m.Status, err = ParseHandshakeStatus(b)
	return err
}

// ServerConnectMessage (0x81) - Pairing result
type ServerConnectMessage struct {
	Status ConnectionStatus
}

func (m *ServerConnectMessage) Opcode() Opcode { return OpServerConnect }

func (m *ServerConnectMessage) EncodeTo(w io.Writer) error {
	return WriteUint8(w, uint8(m.Status))
}

func (m *ServerConnectMessage) String() string {
	return fmt.Sprintf("server-connect[%s]", m.Status)
}

func (m *ServerConnectMessage) decodeFrom(d *decoder) error {
	b, err := d.uint8()
	if err != nil {
		return err
	}
	m.Status, err = ParseConnectionStatus(b)
	return err
}

// ServerDisconnectMessage (0x82) - Pairing dropped, or there was nothing to drop
type ServerDisconnectMessage struct {
	Status DisconnectionStatus
}

func (m *ServerDisconnectMessage) Opcode() Opcode { return OpServerDisconnect }

func (m *ServerDisconnectMessage) EncodeTo(w io.Writer) error {
	return WriteUint8(w, uint8(m.Status))
}

func (m *ServerDisconnectMessage) String() string {
	return fmt.Sprintf("server-disconnect[%s]", m.Status)
}

func (m *ServerDisconnectMessage) decodeFrom(d *decoder) error {
	b, err := d.uint8()
	if err != nil {
		return err
	}
	m.Status, err = ParseDisconnectionStatus(b)
	return err
}

// ServerGoodbyeMessage (0x83) - Last message before the hub closes the socket
type ServerGoodbyeMessage struct{}

func (m *ServerGoodbyeMessage) Opcode() Opcode            { return OpServerGoodbye }
func (m *ServerGoodbyeMessage) EncodeTo(io.Writer) error  { return nil }
func (m *ServerGoodbyeMessage) String() string            { return "server-goodbye" }
func (m *ServerGoodbyeMessage) decodeFrom(*decoder) error { return nil }

// PairPingMessage (0xC0) - Keepalive between paired connections
type PairPingMessage struct {
	Value uint64
}

func (m *PairPingMessage) Opcode() Opcode             { return OpPairPing }
func (m *PairPingMessage) EncodeTo(w io.Writer) error { return WriteUint64(w, m.Value) }
func (m *PairPingMessage) String() string             { return fmt.Sprintf("pair-ping[%d]", m.Value) }

func (m *PairPingMessage) decodeFrom(d *decoder) (err error) {
	m.Value, err = d.uint64()
	return err
}

// PairPongMessage (0xC1) - Keepalive reply between paired connections
type PairPongMessage struct {
	Value uint64
}

func (m *PairPongMessage) Opcode() Opcode             { return OpPairPong }
func (m *PairPongMessage) EncodeTo(w io.Writer) error { return WriteUint64(w, m.Value) }
func (m *PairPongMessage) String() string             { return fmt.Sprintf("pair-pong[%d]", m.Value) }

func (m *PairPongMessage) decodeFrom(d *decoder) (err error) {
	m.Value, err = d.uint64()
	return err
}

// PairTextMessage (0xC2) - UTF-8 payload forwarded to the partner
type PairTextMessage struct {
	Text string
}

func (m *PairTextMessage) Opcode() Opcode             { return OpPairText }
func (m *PairTextMessage) EncodeTo(w io.Writer) error { return WriteString(w, m.Text) }

func (m *PairTextMessage) String() string {
	return fmt.Sprintf("pair-text[%s]", humanize.IBytes(uint64(len(m.Text))))
}

func (m *PairTextMessage) decodeFrom(d *decoder) (err error) {
	m.Text, err = d.string()
	return err
}

// PairBinaryMessage (0xC3) - Opaque payload forwarded to the partner
type PairBinaryMessage struct {
	Data []byte
}

func (m *PairBinaryMessage) Opcode() Opcode             { return OpPairBinary }
func (m *PairBinaryMessage) EncodeTo(w io.Writer) error { return WriteBytes(w, m.Data) }

func (m *PairBinaryMessage) String() string {
	return fmt.Sprintf("pair-binary[%s]", humanize.IBytes(uint64(len(m.Data))))
}

func (m *PairBinaryMessage) decodeFrom(d *decoder) (err error) {
	m.Data, err = d.bytes()
	return err
}
