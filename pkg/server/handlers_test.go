package server

import (
	"strings"
	"testing"

	"github.com/ocremote/ochub/pkg/protocol"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandshakeSuccess(t *testing.T) {
	h := newHarness(t, nil)

	sock, tok := h.connect()
	assert.Equal(t, StateHandshake, h.conn(tok).State())

	h.send(sock, tok, &protocol.ClientHandshakeMessage{Username: "alice", Password: "pw"})

	assert.Equal(t, []protocol.Message{
		&protocol.ServerHandshakeMessage{Status: protocol.HandshakeOk},
	}, sock.received(t))

	c := h.conn(tok)
	assert.Equal(t, StatePairing, c.State())
	assert.Equal(t, "alice", c.Username())
	assert.True(t, c.client.CheckPassword("pw"))
	assert.False(t, c.client.CheckPassword("nope"))
	assert.EqualValues(t, 1, h.srv.Stats().Authorized)
}

func TestHandshakeLongPassword(t *testing.T) {
	h := newHarness(t, nil)
	pw := strings.Repeat("p", 73)

	sock, tok := h.connect()
	h.send(sock, tok, &protocol.ClientHandshakeMessage{Username: "alice", Password: pw})

	assert.Equal(t, []protocol.Message{
		&protocol.ServerHandshakeMessage{Status: protocol.HandshakeOk},
	}, sock.received(t))

	c := h.conn(tok)
	assert.Equal(t, StatePairing, c.State())
	assert.True(t, c.client.CheckPassword(pw))
	// every byte counts, not just a prefix
	assert.False(t, c.client.CheckPassword(pw[:72]))

	viewer, viewerTok := h.login("bob", "pw")
	h.send(viewer, viewerTok, &protocol.ClientConnectMessage{Username: "alice", Password: pw[:72] + "q"})
	assert.Equal(t, []protocol.Message{
		&protocol.ServerConnectMessage{Status: protocol.ConnectionIncorrectPassword},
	}, viewer.received(t))

	h.send(viewer, viewerTok, &protocol.ClientConnectMessage{Username: "alice", Password: pw})
	assert.Equal(t, []protocol.Message{
		&protocol.ServerConnectMessage{Status: protocol.ConnectionOk},
	}, viewer.received(t))
}

func TestHandshakeDuplicateRetry(t *testing.T) {
	h := newHarness(t, nil)
	h.login("alice", "pw")

	sock, tok := h.connect()
	h.send(sock, tok, &protocol.ClientHandshakeMessage{Username: "alice", Password: "other"})

	assert.Equal(t, []protocol.Message{
		&protocol.ServerHandshakeMessage{Status: protocol.HandshakeUserExists},
	}, sock.received(t))
	assert.Equal(t, StateHandshake, h.conn(tok).State())
	assert.Empty(t, h.conn(tok).Username())

	// a different name still works on the same connection
	h.send(sock, tok, &protocol.ClientHandshakeMessage{Username: "alicia", Password: "other"})
	assert.Equal(t, []protocol.Message{
		&protocol.ServerHandshakeMessage{Status: protocol.HandshakeOk},
	}, sock.received(t))
	assert.Equal(t, "alicia", h.conn(tok).Username())
}

func TestHandshakeDuplicateClose(t *testing.T) {
	h := newHarness(t, func(cfg *ServerConfig) {
		cfg.DuplicateUsername = DuplicateClose
	})
	h.login("alice", "pw")

	sock, tok := h.connect()
	h.send(sock, tok, &protocol.ClientHandshakeMessage{Username: "alice", Password: "pw"})

	assert.Equal(t, []protocol.Message{
		&protocol.ServerHandshakeMessage{Status: protocol.HandshakeUserExists},
	}, sock.received(t))
	assert.True(t, h.gone(tok))
	assert.True(t, sock.closed)
}

func TestUsernamesStayUnique(t *testing.T) {
	h := newHarness(t, nil)

	names := []string{"a", "b", "a", "c", "b", "a"}
	for _, name := range names {
		sock, tok := h.connect()
		h.send(sock, tok, &protocol.ClientHandshakeMessage{Username: name})
	}

	seen := make(map[string]int)
	h.srv.registry.Each(func(c *Connection) bool {
		if c.client != nil {
			seen[c.client.Username]++
		}
		return true
	})
	assert.Equal(t, map[string]int{"a": 1, "b": 1, "c": 1}, seen)
}

func TestHandshakeRequired(t *testing.T) {
	tests := []struct {
		name string
		msg  protocol.Message
	}{
		{"ping", &protocol.PingMessage{Value: 1}},
		{"connect", &protocol.ClientConnectMessage{Username: "x"}},
		{"pair text", &protocol.PairTextMessage{Text: "hi"}},
		{"goodbye", &protocol.ClientGoodbyeMessage{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			sock, tok := h.connect()

			h.send(sock, tok, tt.msg)

			assert.Equal(t, []protocol.Message{
				&protocol.ErrorMessage{Text: "authorization required"},
			}, sock.received(t))
			assert.True(t, h.gone(tok), "connection should be reaped after the error is written")
			assert.True(t, sock.closed)
		})
	}
}

func TestUnknownOpcodeClosesConnection(t *testing.T) {
	h := newHarness(t, nil)
	sock, tok := h.login("alice", "pw")

	// the ping after the bad byte must not be answered
	buf := []byte{0x7F}
	buf, _ = protocol.AppendMessage(buf, &protocol.PingMessage{Value: 1})
	h.sendBytes(sock, tok, buf)

	msgs := sock.received(t)
	require.Len(t, msgs, 1)
	errMsg, ok := msgs[0].(*protocol.ErrorMessage)
	require.True(t, ok)
	assert.Contains(t, errMsg.Text, "unknown opcode")
	assert.True(t, h.gone(tok))
}

func TestMessagesAfterErrorAreIgnored(t *testing.T) {
	h := newHarness(t, nil)
	sock, tok := h.connect()

	sock.blocked = true
	h.send(sock, tok, &protocol.PingMessage{Value: 1}, &protocol.ClientHandshakeMessage{Username: "a"})
	assert.Equal(t, StateError, h.conn(tok).State())
	assert.Empty(t, h.conn(tok).Username())
}

func TestPartialFramesAcrossReads(t *testing.T) {
	h := newHarness(t, nil)
	sock, tok := h.login("alice", "pw")

	buf, err := protocol.AppendMessage(nil, &protocol.PingMessage{Value: 77})
	require.NoError(t, err)

	for i, b := range buf {
		h.sendBytes(sock, tok, []byte{b})
		if i < len(buf)-1 {
			assert.Empty(t, sock.received(t), "answered after %d bytes", i+1)
		}
	}

	assert.Equal(t, []protocol.Message{&protocol.PongMessage{Value: 77}}, sock.received(t))
}

func TestPingPong(t *testing.T) {
	h := newHarness(t, nil)
	sock, tok := h.login("alice", "pw")

	h.send(sock, tok, &protocol.PingMessage{Value: 5}, &protocol.PingMessage{Value: 6})
	assert.Equal(t, []protocol.Message{
		&protocol.PongMessage{Value: 5},
		&protocol.PongMessage{Value: 6},
	}, sock.received(t))

	h.send(sock, tok, &protocol.PongMessage{Value: 9})
	assert.Empty(t, sock.received(t))
	assert.EqualValues(t, 9, h.conn(tok).lastPong)
	assert.EqualValues(t, 1, h.conn(tok).pongs)
}

func TestZeroByteReadClosesImmediately(t *testing.T) {
	h := newHarness(t, nil)
	sock, tok := h.login("alice", "pw")

	// half a message followed by EOF
	buf, _ := protocol.AppendMessage(nil, &protocol.PingMessage{Value: 1})
	sock.push(buf[:3])
	sock.eof = true
	h.event(tok, true, false)

	assert.True(t, h.gone(tok))
	assert.True(t, sock.closed)
	assert.Empty(t, sock.received(t))
	assert.Contains(t, h.poller.removed, sock.fd)
	assert.EqualValues(t, 0, h.srv.Stats().Connections)
	assert.EqualValues(t, 0, h.srv.Stats().Authorized)
}

func TestHangupWithoutReadable(t *testing.T) {
	h := newHarness(t, nil)
	sock, tok := h.login("alice", "pw")

	sock.eof = true
	require.NoError(t, h.srv.processBatch([]pollEvent{{token: tok, hangup: true}}))
	assert.True(t, h.gone(tok))
}

func TestReadErrorClosesWithoutReply(t *testing.T) {
	h := newHarness(t, nil)
	sock, tok := h.login("alice", "pw")

	sock.readErr = assert.AnError
	h.event(tok, true, false)

	assert.True(t, h.gone(tok))
	assert.Empty(t, sock.received(t))
}

func TestWriteBufferDrainsBeforeReap(t *testing.T) {
	h := newHarness(t, nil)
	sock, tok := h.connect()

	sock.blocked = true
	h.send(sock, tok, &protocol.PingMessage{Value: 1})

	c := h.conn(tok)
	assert.Equal(t, StateError, c.State())
	assert.Greater(t, c.wbuf.len(), 0)
	assert.False(t, sock.closed)

	// only part of the reply fits
	sock.blocked = false
	sock.budget = 3
	h.event(tok, false, true)
	assert.False(t, h.gone(tok))
	assert.Equal(t, 3, sock.out.Len())

	sock.budget = -1
	h.event(tok, false, true)
	assert.True(t, h.gone(tok))
	assert.True(t, sock.closed)
	assert.Equal(t, []protocol.Message{
		&protocol.ErrorMessage{Text: "authorization required"},
	}, sock.received(t))
}

func TestWriteErrorKillsConnection(t *testing.T) {
	h := newHarness(t, nil)
	sock, tok := h.login("alice", "pw")

	sock.writeErr = assert.AnError
	h.send(sock, tok, &protocol.PingMessage{Value: 1})
	assert.True(t, h.gone(tok))
}

func TestReadOverflowTriggersOnce(t *testing.T) {
	h := newHarness(t, func(cfg *ServerConfig) {
		cfg.ReadBufferCapacity = 8
		cfg.ReadBufferMax = 64
		cfg.ReadChunkSize = 16
	})
	sock, tok := h.login("alice", "pw")

	// a pair message announcing 1000 bytes, delivered a few bytes at a time
	sock.blocked = true
	h.sendBytes(sock, tok, []byte{byte(protocol.OpPairBinary), 0, 0, 0x03, 0xE8})
	for i := 0; i < 40; i++ {
		h.sendBytes(sock, tok, []byte{1, 2, 3, 4, 5, 6, 7})
	}

	c := h.conn(tok)
	assert.Equal(t, StateError, c.State())
	assert.LessOrEqual(t, c.rbuf.len(), 64)

	sock.blocked = false
	h.event(tok, false, true)

	msgs := sock.received(t)
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0].(*protocol.ErrorMessage).Text, "overflow")
	assert.Equal(t, 1.0, testutil.ToFloat64(h.srv.metrics.readOverflows))
	assert.True(t, h.gone(tok))
}

func TestLargeMessageWithinLimit(t *testing.T) {
	h := newHarness(t, func(cfg *ServerConfig) {
		cfg.ReadBufferCapacity = 8
		cfg.ReadBufferMax = 4096
		cfg.ReadChunkSize = 16
	})
	alice, aliceTok := h.login("alice", "pw")
	bob, bobTok := h.login("bob", "pw")
	h.send(bob, bobTok, &protocol.ClientConnectMessage{Username: "alice", Password: "pw"})
	bob.received(t)
	alice.received(t)

	data := make([]byte, 3000)
	for i := range data {
		data[i] = byte(i)
	}
	h.send(alice, aliceTok, &protocol.PairBinaryMessage{Data: data})

	assert.Equal(t, []protocol.Message{&protocol.PairBinaryMessage{Data: data}}, bob.received(t))
}

func TestPairingRules(t *testing.T) {
	h := newHarness(t, nil)
	alice, aliceTok := h.login("alice", "secret")
	bob, bobTok := h.login("bob", "pw")
	carol, carolTok := h.login("carol", "pw")

	connect := func(sock *fakeSocket, tok Token, user, pass string) protocol.ConnectionStatus {
		t.Helper()
		h.send(sock, tok, &protocol.ClientConnectMessage{Username: user, Password: pass})
		msgs := sock.received(t)
		require.Len(t, msgs, 1)
		return msgs[0].(*protocol.ServerConnectMessage).Status
	}

	assert.Equal(t, protocol.ConnectionNoSuchUser, connect(bob, bobTok, "dave", "pw"))
	assert.Equal(t, protocol.ConnectionAlreadyConnected, connect(bob, bobTok, "bob", "pw"))
	assert.Equal(t, protocol.ConnectionIncorrectPassword, connect(bob, bobTok, "alice", "wrong"))
	assert.Empty(t, alice.received(t))

	assert.Equal(t, protocol.ConnectionOk, connect(bob, bobTok, "alice", "secret"))
	assert.Equal(t, []protocol.Message{
		&protocol.ServerConnectMessage{Status: protocol.ConnectionOk},
	}, alice.received(t))

	assert.Equal(t, RoleViewer, h.conn(bobTok).role)
	assert.Equal(t, RoleOwner, h.conn(aliceTok).role)
	assert.Equal(t, aliceTok, h.conn(bobTok).peer)
	assert.Equal(t, bobTok, h.conn(aliceTok).peer)
	assert.EqualValues(t, 1, h.srv.Stats().Pairs)

	assert.Equal(t, protocol.ConnectionPairEmployed, connect(carol, carolTok, "alice", "secret"))
	assert.Equal(t, protocol.ConnectionAlreadyConnected, connect(bob, bobTok, "carol", "pw"))
	assert.Equal(t, protocol.ConnectionAlreadyConnected, connect(alice, aliceTok, "carol", "pw"))
}

// pairUp logs in an owner and a viewer and pairs them
func pairUp(h *harness) (owner *fakeSocket, ownerTok Token, viewer *fakeSocket, viewerTok Token) {
	owner, ownerTok = h.login("owner", "pw")
	viewer, viewerTok = h.login("viewer", "pw")
	h.send(viewer, viewerTok, &protocol.ClientConnectMessage{Username: "owner", Password: "pw"})
	require.Equal(h.t, []protocol.Message{
		&protocol.ServerConnectMessage{Status: protocol.ConnectionOk},
	}, viewer.received(h.t))
	owner.received(h.t)
	return
}

func TestPairForwarding(t *testing.T) {
	h := newHarness(t, nil)
	owner, ownerTok, viewer, viewerTok := pairUp(h)

	h.send(owner, ownerTok,
		&protocol.PairTextMessage{Text: "frame 1"},
		&protocol.PairBinaryMessage{Data: []byte{1, 2, 3}},
		&protocol.PairPingMessage{Value: 10},
	)
	assert.Empty(t, owner.received(t))
	assert.Equal(t, []protocol.Message{
		&protocol.PairTextMessage{Text: "frame 1"},
		&protocol.PairBinaryMessage{Data: []byte{1, 2, 3}},
		&protocol.PairPingMessage{Value: 10},
	}, viewer.received(t))

	h.send(viewer, viewerTok, &protocol.PairPongMessage{Value: 10})
	assert.Equal(t, []protocol.Message{&protocol.PairPongMessage{Value: 10}}, owner.received(t))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.srv.metrics.messagesForwarded.WithLabelValues("PAIR_PONG")))
}

func TestPairMessageWhileUnpaired(t *testing.T) {
	h := newHarness(t, nil)
	sock, tok := h.login("alice", "pw")

	h.send(sock, tok, &protocol.PairTextMessage{Text: "hello?"})
	assert.Equal(t, []protocol.Message{
		&protocol.ServerDisconnectMessage{Status: protocol.DisconnectionNotConnected},
	}, sock.received(t))
	assert.Equal(t, StatePairing, h.conn(tok).State())
}

func TestClientDisconnect(t *testing.T) {
	h := newHarness(t, nil)
	owner, ownerTok, viewer, viewerTok := pairUp(h)

	h.send(viewer, viewerTok, &protocol.ClientDisconnectMessage{})
	ok := []protocol.Message{&protocol.ServerDisconnectMessage{Status: protocol.DisconnectionOk}}
	assert.Equal(t, ok, viewer.received(t))
	assert.Equal(t, ok, owner.received(t))
	assert.False(t, h.conn(ownerTok).Paired())
	assert.False(t, h.conn(viewerTok).Paired())
	assert.Equal(t, RoleNone, h.conn(ownerTok).role)
	assert.EqualValues(t, 0, h.srv.Stats().Pairs)

	h.send(owner, ownerTok, &protocol.ClientDisconnectMessage{})
	assert.Equal(t, []protocol.Message{
		&protocol.ServerDisconnectMessage{Status: protocol.DisconnectionNotConnected},
	}, owner.received(t))

	// both can pair again
	h.send(owner, ownerTok, &protocol.ClientConnectMessage{Username: "viewer", Password: "pw"})
	assert.Equal(t, []protocol.Message{
		&protocol.ServerConnectMessage{Status: protocol.ConnectionOk},
	}, owner.received(t))
}

func TestPartnerReapedUnlinksSurvivor(t *testing.T) {
	h := newHarness(t, nil)
	owner, ownerTok, viewer, viewerTok := pairUp(h)

	owner.eof = true
	h.event(ownerTok, true, false)

	assert.True(t, h.gone(ownerTok))
	assert.Equal(t, []protocol.Message{
		&protocol.ServerDisconnectMessage{Status: protocol.DisconnectionOk},
	}, viewer.received(t))
	assert.False(t, h.conn(viewerTok).Paired())

	// the name is free again
	h.login("owner", "new")
}

func TestGoodbye(t *testing.T) {
	h := newHarness(t, nil)
	owner, ownerTok, viewer, viewerTok := pairUp(h)

	h.send(viewer, viewerTok, &protocol.ClientGoodbyeMessage{}, &protocol.PingMessage{Value: 1})

	assert.Equal(t, []protocol.Message{&protocol.ServerGoodbyeMessage{}}, viewer.received(t))
	assert.True(t, h.gone(viewerTok))
	assert.True(t, viewer.closed)
	assert.Equal(t, []protocol.Message{
		&protocol.ServerDisconnectMessage{Status: protocol.DisconnectionOk},
	}, owner.received(t))
	assert.False(t, h.conn(ownerTok).Paired())
}

func TestPeerErrorsInPairing(t *testing.T) {
	h := newHarness(t, nil)
	sock, tok := h.login("alice", "pw")

	h.send(sock, tok, &protocol.ErrorMessage{Text: "minor"})
	assert.Equal(t, StatePairing, h.conn(tok).State())
	assert.Empty(t, sock.received(t))

	h.send(sock, tok, &protocol.CriticalErrorMessage{Text: "fatal"})
	assert.True(t, h.gone(tok))
	assert.Empty(t, sock.received(t))
}

func TestPairingStateViolations(t *testing.T) {
	tests := []struct {
		name string
		msg  protocol.Message
		want string
	}{
		{"second handshake", &protocol.ClientHandshakeMessage{Username: "x"}, `already authorized as "alice"`},
		{"server handshake", &protocol.ServerHandshakeMessage{Status: protocol.HandshakeOk}, "unexpected SERVER_HANDSHAKE from client"},
		{"server goodbye", &protocol.ServerGoodbyeMessage{}, "unexpected SERVER_GOODBYE from client"},
		{"server disconnect", &protocol.ServerDisconnectMessage{Status: protocol.DisconnectionOk}, "unexpected SERVER_DISCONNECT from client"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			sock, tok := h.login("alice", "pw")

			h.send(sock, tok, tt.msg)
			assert.Equal(t, []protocol.Message{&protocol.ErrorMessage{Text: tt.want}}, sock.received(t))
			assert.True(t, h.gone(tok))
		})
	}
}

func TestMaxWriteBuffer(t *testing.T) {
	h := newHarness(t, func(cfg *ServerConfig) {
		cfg.MaxWriteBuffer = 64
	})
	owner, ownerTok, viewer, viewerTok := pairUp(h)

	viewer.blocked = true
	h.send(owner, ownerTok, &protocol.PairBinaryMessage{Data: make([]byte, 40)})
	assert.False(t, h.gone(viewerTok))

	h.send(owner, ownerTok, &protocol.PairBinaryMessage{Data: make([]byte, 40)})
	assert.True(t, h.gone(viewerTok))
	assert.Equal(t, []protocol.Message{
		&protocol.ServerDisconnectMessage{Status: protocol.DisconnectionOk},
	}, owner.received(t))
}

func TestStaleTokenEventIgnored(t *testing.T) {
	h := newHarness(t, nil)
	sock, tok := h.connect()
	sock.eof = true
	h.event(tok, true, false)
	require.True(t, h.gone(tok))

	// slot reused by a new connection
	next, nextTok := h.connect()
	assert.Equal(t, tok.index, nextTok.index)
	assert.NotEqual(t, tok, nextTok)

	next.eof = true
	h.event(tok, true, false)
	assert.False(t, h.gone(nextTok))
	assert.Zero(t, next.reads)
}
