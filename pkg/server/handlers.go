package server

import (
	"errors"
	"fmt"
	"log"

	"github.com/ocremote/ochub/pkg/protocol"
)

var errAuthorizationRequired = errors.New("authorization required")

// handle applies one decoded message to the connection's state machine
func (s *Server) handle(c *Connection, msg protocol.Message) {
	switch c.state {
	case StateHandshake:
		s.handleHandshakeState(c, msg)
	case StatePairing:
		s.handlePairingState(c, msg)
	}
}

func (s *Server) handleHandshakeState(c *Connection, msg protocol.Message) {
	m, ok := msg.(*protocol.ClientHandshakeMessage)
	if !ok {
		s.protocolError(c, errAuthorizationRequired)
		return
	}
	s.handleClientHandshake(c, m)
}

// handleClientHandshake claims a username for the connection
func (s *Server) handleClientHandshake(c *Connection, m *protocol.ClientHandshakeMessage) {
	if s.registry.UsernameTaken(m.Username) {
		s.metrics.RecordHandshake(protocol.HandshakeUserExists)
		s.send(c, &protocol.ServerHandshakeMessage{Status: protocol.HandshakeUserExists})
		if s.config.DuplicateUsername == DuplicateClose {
			c.state = StateClosing
		}
		return
	}

	client := newClientData(m.Username, m.Password)
	c.client = client
	c.state = StatePairing
	s.authorized.Add(1)
	s.metrics.RecordHandshake(protocol.HandshakeOk)
	s.send(c, &protocol.ServerHandshakeMessage{Status: protocol.HandshakeOk})
	log.Printf("Connection %s authorized as %q", c.token, client.Username)
}

func (s *Server) handlePairingState(c *Connection, msg protocol.Message) {
	switch m := msg.(type) {
	case *protocol.ClientConnectMessage:
		s.handleClientConnect(c, m)
	case *protocol.ClientDisconnectMessage:
		s.handleClientDisconnect(c)
	case *protocol.ClientGoodbyeMessage:
		s.handleClientGoodbye(c)
	case *protocol.PingMessage:
		s.send(c, &protocol.PongMessage{Value: m.Value})
	case *protocol.PongMessage:
		c.lastPong = m.Value
		c.pongs++
	case *protocol.ErrorMessage:
		log.Printf("Connection %s reported error: %s", c, m.Text)
	case *protocol.CriticalErrorMessage:
		log.Printf("Connection %s reported critical error: %s", c, m.Text)
		c.state = StateDead
	case *protocol.ClientHandshakeMessage:
		s.protocolError(c, fmt.Errorf("already authorized as %q", c.client.Username))
	default:
		if msg.Opcode().IsPair() {
			s.forward(c, msg)
			return
		}
		s.protocolError(c, fmt.Errorf("unexpected %s from client", msg.Opcode()))
	}
}

// handleClientConnect pairs the requesting connection (viewer) with the
// connection that owns the requested username
func (s *Server) handleClientConnect(c *Connection, m *protocol.ClientConnectMessage) {
	status := s.pair(c, m.Username, m.Password)
	s.metrics.RecordPairing(status)
	s.send(c, &protocol.ServerConnectMessage{Status: status})
}

func (s *Server) pair(c *Connection, username, password string) protocol.ConnectionStatus {
	if c.paired || username == c.client.Username {
		return protocol.ConnectionAlreadyConnected
	}

	target, ok := s.registry.FindUsername(username)
	if !ok {
		return protocol.ConnectionNoSuchUser
	}
	if !target.client.CheckPassword(password) {
		return protocol.ConnectionIncorrectPassword
	}
	if target.paired {
		return protocol.ConnectionPairEmployed
	}

	c.peer, c.role, c.paired = target.token, RoleViewer, true
	target.peer, target.role, target.paired = c.token, RoleOwner, true
	s.pairs.Add(1)
	s.metrics.RecordPairs(s.pairs.Load())

	s.send(target, &protocol.ServerConnectMessage{Status: protocol.ConnectionOk})
	log.Printf("Paired %s (viewer) with %s (owner)", c, target)
	return protocol.ConnectionOk
}

func (s *Server) handleClientDisconnect(c *Connection) {
	if !c.paired {
		s.send(c, &protocol.ServerDisconnectMessage{Status: protocol.DisconnectionNotConnected})
		return
	}
	s.unlink(c, true)
}

func (s *Server) handleClientGoodbye(c *Connection) {
	s.unlink(c, false)
	s.send(c, &protocol.ServerGoodbyeMessage{})
	c.state = StateClosing
}

// unlink breaks c's pairing. The partner is always told; c is told only when
// it asked for the disconnect itself.
func (s *Server) unlink(c *Connection, notifySelf bool) {
	if !c.paired {
		return
	}

	if partner, err := s.registry.Get(c.peer); err == nil {
		partner.peer, partner.role, partner.paired = Token{}, RoleNone, false
		s.send(partner, &protocol.ServerDisconnectMessage{Status: protocol.DisconnectionOk})
	}
	c.peer, c.role, c.paired = Token{}, RoleNone, false
	s.pairs.Add(-1)
	s.metrics.RecordPairs(s.pairs.Load())

	if notifySelf {
		s.send(c, &protocol.ServerDisconnectMessage{Status: protocol.DisconnectionOk})
	}
	debugLog.Printf("Connection %s unpaired", c)
}

// forward relays a pair message verbatim to the partner
func (s *Server) forward(c *Connection, msg protocol.Message) {
	if !c.paired {
		s.send(c, &protocol.ServerDisconnectMessage{Status: protocol.DisconnectionNotConnected})
		return
	}

	partner, err := s.registry.Get(c.peer)
	if err != nil || partner.state != StatePairing {
		s.send(c, &protocol.ServerDisconnectMessage{Status: protocol.DisconnectionNotConnected})
		return
	}

	s.send(partner, msg)
	s.metrics.RecordForwarded(msg.Opcode())
}
