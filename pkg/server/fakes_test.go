package server

import (
	"bytes"
	"io"
	"log"
	"net"
	"testing"

	"github.com/ocremote/ochub/pkg/protocol"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

// initTestLoggers initializes package-level loggers for testing
func initTestLoggers(t *testing.T) {
	errorLog = log.New(io.Discard, "ERROR: ", log.LstdFlags)
	debugLog = log.New(io.Discard, "DEBUG: ", log.LstdFlags)
	log.SetOutput(io.Discard)
}

var nextFakeFd = 100

// fakeSocket is an in-memory Socket. Reads are served from queued chunks;
// writes go to out unless blocked.
type fakeSocket struct {
	fd      int
	chunks  [][]byte
	eof     bool
	readErr error

	out      bytes.Buffer
	blocked  bool
	budget   int // bytes accepted before blocking, -1 = unlimited
	writeErr error

	closed bool
	reads  int
}

func newFakeSocket() *fakeSocket {
	nextFakeFd++
	return &fakeSocket{fd: nextFakeFd, budget: -1}
}

func (s *fakeSocket) push(b []byte) {
	s.chunks = append(s.chunks, append([]byte(nil), b...))
}

func (s *fakeSocket) Read(p []byte) (int, error) {
	s.reads++
	if len(s.chunks) == 0 {
		if s.readErr != nil {
			return 0, s.readErr
		}
		if s.eof {
			return 0, nil
		}
		return 0, ErrWouldBlock
	}

	n := copy(p, s.chunks[0])
	s.chunks[0] = s.chunks[0][n:]
	if len(s.chunks[0]) == 0 {
		s.chunks = s.chunks[1:]
	}
	return n, nil
}

func (s *fakeSocket) Write(p []byte) (int, error) {
	if s.writeErr != nil {
		return 0, s.writeErr
	}
	if s.blocked || s.budget == 0 {
		return 0, ErrWouldBlock
	}

	n := len(p)
	if s.budget > 0 && n > s.budget {
		n = s.budget
	}
	if s.budget > 0 {
		s.budget -= n
	}
	s.out.Write(p[:n])
	return n, nil
}

func (s *fakeSocket) Close() error {
	s.closed = true
	return nil
}

func (s *fakeSocket) Fd() int {
	return s.fd
}

// received decodes and clears everything written to the socket
func (s *fakeSocket) received(t *testing.T) []protocol.Message {
	t.Helper()

	var msgs []protocol.Message
	buf := s.out.Bytes()
	for len(buf) > 0 {
		msg, n, err := protocol.DecodeMessage(buf)
		require.NoError(t, err)
		require.NotNil(t, msg, "partial message in output")
		msgs = append(msgs, msg)
		buf = buf[n:]
	}
	s.out.Reset()
	return msgs
}

type fakePoller struct {
	watched map[int]Token
	removed []int
	closed  bool
}

func newFakePoller() *fakePoller {
	return &fakePoller{watched: make(map[int]Token)}
}

func (p *fakePoller) add(fd int, tok Token, writable bool) error {
	p.watched[fd] = tok
	return nil
}

func (p *fakePoller) remove(fd int) error {
	delete(p.watched, fd)
	p.removed = append(p.removed, fd)
	return nil
}

func (p *fakePoller) wait(events []pollEvent) (int, error) {
	return 0, io.EOF
}

func (p *fakePoller) close() error {
	p.closed = true
	return nil
}

type fakeListener struct {
	pending []*fakeSocket
	err     error
	closed  bool
}

func (l *fakeListener) accept() (Socket, string, error) {
	if l.err != nil {
		err := l.err
		l.err = nil
		return nil, "", err
	}
	if len(l.pending) == 0 {
		return nil, "", ErrWouldBlock
	}
	sock := l.pending[0]
	l.pending = l.pending[1:]
	return sock, "192.0.2.1:40000", nil
}

func (l *fakeListener) fd() int        { return 3 }
func (l *fakeListener) addr() net.Addr { return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 6470} }
func (l *fakeListener) close() error   { l.closed = true; return nil }

type fakeWaker struct {
	pending int
	closed  bool
}

func (w *fakeWaker) wake() error  { w.pending++; return nil }
func (w *fakeWaker) drain()       { w.pending = 0 }
func (w *fakeWaker) fd() int      { return 4 }
func (w *fakeWaker) close() error { w.closed = true; return nil }

// harness drives a Server through fake sockets, one event batch at a time
type harness struct {
	t      *testing.T
	srv    *Server
	poller *fakePoller
	ln     *fakeListener
	waker  *fakeWaker
}

func testConfig() ServerConfig {
	cfg := DefaultConfig()
	cfg.MaxConnections = 16
	cfg.EventsCapacity = 16
	return cfg
}

func newHarness(t *testing.T, mutate func(*ServerConfig)) *harness {
	t.Helper()
	initTestLoggers(t)

	cfg := testConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	require.NoError(t, cfg.Validate())

	h := &harness{
		t:      t,
		poller: newFakePoller(),
		ln:     &fakeListener{},
		waker:  &fakeWaker{},
	}
	h.srv = newServer(cfg, h.poller, h.ln, h.waker, NewMetrics(prometheus.NewRegistry()))
	return h
}

// connect accepts a new fake socket and returns it with its token
func (h *harness) connect() (*fakeSocket, Token) {
	h.t.Helper()

	sock := newFakeSocket()
	h.ln.pending = append(h.ln.pending, sock)
	require.NoError(h.t, h.srv.processBatch([]pollEvent{{token: listenToken, readable: true}}))

	tok, ok := h.poller.watched[sock.fd]
	require.True(h.t, ok, "socket was not registered")
	return sock, tok
}

// send delivers encoded messages to the hub as one readable event
func (h *harness) send(sock *fakeSocket, tok Token, msgs ...protocol.Message) {
	h.t.Helper()

	var buf []byte
	for _, m := range msgs {
		var err error
		buf, err = protocol.AppendMessage(buf, m)
		require.NoError(h.t, err)
	}
	h.sendBytes(sock, tok, buf)
}

func (h *harness) sendBytes(sock *fakeSocket, tok Token, b []byte) {
	h.t.Helper()
	sock.push(b)
	h.event(tok, true, false)
}

func (h *harness) event(tok Token, readable, writable bool) {
	h.t.Helper()
	require.NoError(h.t, h.srv.processBatch([]pollEvent{{token: tok, readable: readable, writable: writable}}))
}

// login connects and completes a handshake
func (h *harness) login(username, password string) (*fakeSocket, Token) {
	h.t.Helper()

	sock, tok := h.connect()
	h.send(sock, tok, &protocol.ClientHandshakeMessage{Username: username, Password: password})
	require.Equal(h.t, []protocol.Message{
		&protocol.ServerHandshakeMessage{Status: protocol.HandshakeOk},
	}, sock.received(h.t))
	return sock, tok
}

func (h *harness) conn(tok Token) *Connection {
	h.t.Helper()
	c, err := h.srv.registry.Get(tok)
	require.NoError(h.t, err)
	return c
}

func (h *harness) gone(tok Token) bool {
	_, err := h.srv.registry.Get(tok)
	return err != nil
}
