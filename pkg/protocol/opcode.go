package protocol

import (
	"errors"
	"fmt"
)

// Opcode is the one-byte discriminant that starts every message on the wire
type Opcode uint8

// Opcodes shared by both directions
const (
	OpError         Opcode = 0x00
	OpCriticalError Opcode = 0x01
	OpPing          Opcode = 0x02
	OpPong          Opcode = 0x03
)

// Opcodes (Client → Server)
const (
	OpClientHandshake  Opcode = 0x40
	OpClientConnect    Opcode = 0x41
	OpClientDisconnect Opcode = 0x42
	OpClientGoodbye    Opcode = 0x43
)

// Opcodes (Server → Client)
const (
	OpServerHandshake  Opcode = 0x80
	OpServerConnect    Opcode = 0x81
	OpServerDisconnect Opcode = 0x82
	OpServerGoodbye    Opcode = 0x83
)

// Opcodes forwarded between paired connections
const (
	OpPairPing   Opcode = 0xC0
	OpPairPong   Opcode = 0xC1
	OpPairText   Opcode = 0xC2
	OpPairBinary Opcode = 0xC3
)

var (
	ErrUnknownOpcode              = errors.New("unknown opcode")
	ErrUnknownHandshakeStatus     = errors.New("unknown handshake status")
	ErrUnknownConnectionStatus    = errors.New("unknown connection status")
	ErrUnknownDisconnectionStatus = errors.New("unknown disconnection status")
)

var opcodeNames = map[Opcode]string{
	OpError:            "ERROR",
	OpCriticalError:    "CRITICAL_ERROR",
	OpPing:             "PING",
	OpPong:             "PONG",
	OpClientHandshake:  "CLIENT_HANDSHAKE",
	OpClientConnect:    "CLIENT_CONNECT",
	OpClientDisconnect: "CLIENT_DISCONNECT",
	OpClientGoodbye:    "CLIENT_GOODBYE",
	OpServerHandshake:  "SERVER_HANDSHAKE",
	OpServerConnect:    "SERVER_CONNECT",
	OpServerDisconnect: "SERVER_DISCONNECT",
	OpServerGoodbye:    "SERVER_GOODBYE",
	OpPairPing:         "PAIR_PING",
	OpPairPong:         "PAIR_PONG",
	OpPairText:         "PAIR_TEXT",
	OpPairBinary:       "PAIR_BINARY",
}

// Opcodes returns every defined opcode in wire order
func Opcodes() []Opcode {
	return []Opcode{
		OpError, OpCriticalError, OpPing, OpPong,
		OpClientHandshake, OpClientConnect, OpClientDisconnect, OpClientGoodbye,
		OpServerHandshake, OpServerConnect, OpServerDisconnect, OpServerGoodbye,
		OpPairPing, OpPairPong, OpPairText, OpPairBinary,
	}
}

// ParseOpcode validates a raw opcode byte
func ParseOpcode(b byte) (Opcode, error) {
	op := Opcode(b)
	if _, ok := opcodeNames[op]; !ok {
		return 0, fmt.Errorf("%w: 0x%02X", ErrUnknownOpcode, b)
	}
	return op, nil
}

func (o Opcode) String() string {
	if name, ok := opcodeNames[o]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN(0x%02X)", uint8(o))
}

// IsServerOnly reports whether the opcode may only be sent by the hub
func (o Opcode) IsServerOnly() bool {
	return o&0xC0 == 0x80
}

// IsPair reports whether the opcode belongs to the pair payload channel
func (o Opcode) IsPair() bool {
	return o&0xC0 == 0xC0
}

// HandshakeStatus is the result carried by SERVER_HANDSHAKE
type HandshakeStatus uint8

const (
	HandshakeOk         HandshakeStatus = 0x01
	HandshakeUserExists HandshakeStatus = 0x02
)

// ParseHandshakeStatus validates a raw handshake status byte
func ParseHandshakeStatus(b byte) (HandshakeStatus, error) {
	switch s := HandshakeStatus(b); s {
	case HandshakeOk, HandshakeUserExists:
		return s, nil
	}
	return 0, fmt.Errorf("%w: 0x%02X", ErrUnknownHandshakeStatus, b)
}

func (s HandshakeStatus) String() string {
	switch s {
	case HandshakeOk:
		return "ok"
	case HandshakeUserExists:
		return "user-exists"
	}
	return fmt.Sprintf("unknown(0x%02X)", uint8(s))
}

// ConnectionStatus is the result carried by SERVER_CONNECT
type ConnectionStatus uint8

const (
	ConnectionOk                ConnectionStatus = 0x01
	ConnectionAlreadyConnected  ConnectionStatus = 0x02
	ConnectionPairEmployed      ConnectionStatus = 0x03
	ConnectionNoSuchUser        ConnectionStatus = 0x04
	ConnectionIncorrectPassword ConnectionStatus = 0x05
)

// ParseConnectionStatus validates a raw connection status byte
func ParseConnectionStatus(b byte) (ConnectionStatus, error) {
	switch s := ConnectionStatus(b); s {
	case ConnectionOk, ConnectionAlreadyConnected, ConnectionPairEmployed,
		ConnectionNoSuchUser, ConnectionIncorrectPassword:
		return s, nil
	}
	return 0, fmt.Errorf("%w: 0x%02X", ErrUnknownConnectionStatus, b)
}

func (s ConnectionStatus) String() string {
	switch s {
	case ConnectionOk:
		return "ok"
	case ConnectionAlreadyConnected:
		return "already-connected"
	case ConnectionPairEmployed:
		return "pair-employed"
	case ConnectionNoSuchUser:
		return "no-such-user"
	case ConnectionIncorrectPassword:
		return "incorrect-password"
	}
	return fmt.Sprintf("unknown(0x%02X)", uint8(s))
}

// DisconnectionStatus is the result carried by SERVER_DISCONNECT
type DisconnectionStatus uint8

const (
	DisconnectionOk           DisconnectionStatus = 0x01
	DisconnectionNotConnected DisconnectionStatus = 0x02
)

// ParseDisconnectionStatus validates a raw disconnection status byte
func ParseDisconnectionStatus(b byte) (DisconnectionStatus, error) {
	switch s := DisconnectionStatus(b); s {
	case DisconnectionOk, DisconnectionNotConnected:
		return s, nil
	}
	return 0, fmt.Errorf("%w: 0x%02X", ErrUnknownDisconnectionStatus, b)
}

func (s DisconnectionStatus) String() string {
	switch s {
	case DisconnectionOk:
		return "ok"
	case DisconnectionNotConnected:
		return "not-connected"
	}
	return fmt.Sprintf("unknown(0x%02X)", uint8(s))
}
