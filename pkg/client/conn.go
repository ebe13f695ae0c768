// Package client is the library side of the hub protocol: it dials the hub
// directly or through a gateway, runs a reader and a writer goroutine, and
// offers request helpers for the handshake, pairing and keepalive exchanges.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ocremote/ochub/pkg/protocol"
)

var (
	ErrClosed            = errors.New("connection closed")
	ErrRequestInProgress = errors.New("another request is waiting for the same reply")
)

// StatusError reports a non-Ok status in a hub reply
type StatusError struct {
	Op     protocol.Opcode
	Status fmt.Stringer
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Status)
}

// HubError is an ERROR or CRITICAL_ERROR sent by the hub while a request was
// waiting for its reply
type HubError struct {
	Critical bool
	Text     string
}

func (e *HubError) Error() string {
	if e.Critical {
		return "hub critical error: " + e.Text
	}
	return "hub error: " + e.Text
}

// Options tune Dial
type Options struct {
	// Logger receives connection traces; nil disables them
	Logger *log.Logger

	// AcceptUnknownHostKey trusts (and records) an ssh gateway key that is
	// not in known_hosts yet
	AcceptUnknownHostKey bool

	// QueueSize bounds the incoming and outgoing channels (default 64)
	QueueSize int
}

// Conn is one client connection to the hub. Messages that no request helper
// is waiting for are delivered on Incoming. Ping and PairPing are answered
// automatically.
type Conn struct {
	addr string
	conn net.Conn

	incoming chan protocol.Message
	outgoing chan protocol.Message
	errors   chan error

	waitMu  sync.Mutex
	waiters map[protocol.Opcode]chan protocol.Message

	bytesSent     atomic.Uint64
	bytesReceived atomic.Uint64

	logger *log.Logger

	closeOnce sync.Once
	shutdown  chan struct{}
	done      chan struct{}
	wg        sync.WaitGroup
}

// Dial connects with default options
func Dial(ctx context.Context, addr string) (*Conn, error) {
	return DialWithOptions(ctx, addr, Options{})
}

// DialWithOptions connects to addr, which is host[:port] or a tcp://,
// ws://, wss:// or ssh:// URL.
func DialWithOptions(ctx context.Context, addr string, opts Options) (*Conn, error) {
	cfg, err := parseServerAddress(addr, opts)
	if err != nil {
		return nil, err
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, dialTimeout)
		defer cancel()
	}

	conn, err := cfg.dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", cfg.display, err)
	}

	c := newConn(conn, cfg.display, opts)
	if cfg.warning != "" {
		c.logf("WARNING: %s", cfg.warning)
	}
	c.logf("Connected to %s", cfg.display)
	return c, nil
}

func newConn(conn net.Conn, addr string, opts Options) *Conn {
	size := opts.QueueSize
	if size <= 0 {
		size = 64
	}

	c := &Conn{
		addr:     addr,
		conn:     conn,
		incoming: make(chan protocol.Message, size),
		outgoing: make(chan protocol.Message, size),
		errors:   make(chan error, 1),
		waiters:  make(map[protocol.Opcode]chan protocol.Message),
		logger:   opts.Logger,
		shutdown: make(chan struct{}),
		done:     make(chan struct{}),
	}

	c.wg.Add(2)
	go c.readLoop()
	go c.writeLoop()
	return c
}

func (c *Conn) logf(format string, args ...interface{}) {
	if c.logger != nil {
		c.logger.Printf(format, args...)
	}
}

// Addr returns the address the connection was dialed with
func (c *Conn) Addr() string {
	return c.addr
}

// Incoming delivers unsolicited messages. It is closed when the connection ends.
func (c *Conn) Incoming() <-chan protocol.Message {
	return c.incoming
}

// Errors receives at most one error: the reason the read side stopped, if it
// was not a clean EOF or Close.
func (c *Conn) Errors() <-chan error {
	return c.errors
}

// Done is closed once the connection has stopped reading
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

func (c *Conn) BytesSent() uint64     { return c.bytesSent.Load() }
func (c *Conn) BytesReceived() uint64 { return c.bytesReceived.Load() }

// Send queues msg for the writer, blocking while the queue is full
func (c *Conn) Send(ctx context.Context, msg protocol.Message) error {
	if msg == nil {
		return protocol.ErrNilMessage
	}

	select {
	case <-c.shutdown:
		return ErrClosed
	case <-c.done:
		return ErrClosed
	default:
	}

	select {
	case c.outgoing <- msg:
		return nil
	case <-c.shutdown:
		return ErrClosed
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close tears the connection down and waits for both goroutines
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.shutdown)
		err = c.conn.Close()
		c.wg.Wait()
	})
	return err
}

func (c *Conn) readLoop() {
	defer c.wg.Done()
	defer close(c.done)
	defer close(c.incoming)

	reader := protocol.NewReader(&countingReader{r: c.conn, counter: &c.bytesReceived})
	for {
		msg, err := reader.ReadMessage()
		if err != nil {
			select {
			case <-c.shutdown:
			default:
				if !errors.Is(err, io.EOF) {
					c.logf("Read error: %v", err)
					c.errors <- fmt.Errorf("read error: %w", err)
				} else {
					c.logf("Connection closed by hub")
				}
			}
			return
		}

		c.logf("← RECV: %s", msg)

		switch m := msg.(type) {
		case *protocol.PingMessage:
			c.reply(&protocol.PongMessage{Value: m.Value})
			continue
		case *protocol.PairPingMessage:
			c.reply(&protocol.PairPongMessage{Value: m.Value})
			continue
		}

		if c.deliver(msg) {
			continue
		}

		select {
		case c.incoming <- msg:
		case <-c.shutdown:
			return
		}
	}
}

// reply queues an automatic answer without blocking the reader
func (c *Conn) reply(msg protocol.Message) {
	select {
	case c.outgoing <- msg:
	default:
		c.logf("Dropped %s: outgoing queue full", msg)
	}
}

func (c *Conn) writeLoop() {
	defer c.wg.Done()

	writer := &countingWriter{w: c.conn, counter: &c.bytesSent}
	var buf []byte
	for {
		select {
		case msg := <-c.outgoing:
			var err error
			buf, err = protocol.AppendMessage(buf[:0], msg)
			if err != nil {
				c.logf("Encode error: %v", err)
				continue
			}

			if _, err := writer.Write(buf); err != nil {
				c.logf("Write error: %v", err)
				c.conn.Close()
				return
			}
			c.logf("→ SEND: %s", msg)

		case <-c.shutdown:
			return
		case <-c.done:
			return
		}
	}
}

// deliver hands msg to a waiting request helper. Hub errors go to every
// waiter since they may be the answer to any pending request.
func (c *Conn) deliver(msg protocol.Message) bool {
	c.waitMu.Lock()
	defer c.waitMu.Unlock()

	switch msg.(type) {
	case *protocol.ErrorMessage, *protocol.CriticalErrorMessage:
		if len(c.waiters) == 0 {
			return false
		}
		for op, ch := range c.waiters {
			ch <- msg
			delete(c.waiters, op)
		}
		return true
	}

	ch, ok := c.waiters[msg.Opcode()]
	if !ok {
		return false
	}
	ch <- msg
	delete(c.waiters, msg.Opcode())
	return true
}

// Request sends msg and waits for the first message carrying the reply opcode
func (c *Conn) Request(ctx context.Context, msg protocol.Message, reply protocol.Opcode) (protocol.Message, error) {
	ch := make(chan protocol.Message, 1)

	c.waitMu.Lock()
	if _, busy := c.waiters[reply]; busy {
		c.waitMu.Unlock()
		return nil, ErrRequestInProgress
	}
	c.waiters[reply] = ch
	c.waitMu.Unlock()

	cancel := func() {
		c.waitMu.Lock()
		if c.waiters[reply] == ch {
			delete(c.waiters, reply)
		}
		c.waitMu.Unlock()
	}

	if err := c.Send(ctx, msg); err != nil {
		cancel()
		return nil, err
	}

	select {
	case m := <-ch:
		switch e := m.(type) {
		case *protocol.ErrorMessage:
			return nil, &HubError{Text: e.Text}
		case *protocol.CriticalErrorMessage:
			return nil, &HubError{Critical: true, Text: e.Text}
		}
		return m, nil
	case <-c.done:
		cancel()
		return nil, ErrClosed
	case <-ctx.Done():
		cancel()
		return nil, ctx.Err()
	}
}

// Handshake claims username and sets the password viewers must present
func (c *Conn) Handshake(ctx context.Context, username, password string) error {
	m, err := c.Request(ctx, &protocol.ClientHandshakeMessage{Username: username, Password: password}, protocol.OpServerHandshake)
	if err != nil {
		return err
	}
	if status := m.(*protocol.ServerHandshakeMessage).Status; status != protocol.HandshakeOk {
		return &StatusError{Op: protocol.OpServerHandshake, Status: status}
	}
	return nil
}

// Pair asks to view the connection that owns username
func (c *Conn) Pair(ctx context.Context, username, password string) error {
	m, err := c.Request(ctx, &protocol.ClientConnectMessage{Username: username, Password: password}, protocol.OpServerConnect)
	if err != nil {
		return err
	}
	if status := m.(*protocol.ServerConnectMessage).Status; status != protocol.ConnectionOk {
		return &StatusError{Op: protocol.OpServerConnect, Status: status}
	}
	return nil
}

// Unpair drops the current pairing
func (c *Conn) Unpair(ctx context.Context) error {
	m, err := c.Request(ctx, &protocol.ClientDisconnectMessage{}, protocol.OpServerDisconnect)
	if err != nil {
		return err
	}
	if status := m.(*protocol.ServerDisconnectMessage).Status; status != protocol.DisconnectionOk {
		return &StatusError{Op: protocol.OpServerDisconnect, Status: status}
	}
	return nil
}

// Ping measures the round trip to the hub
func (c *Conn) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	value := uint64(start.UnixNano())

	m, err := c.Request(ctx, &protocol.PingMessage{Value: value}, protocol.OpPong)
	if err != nil {
		return 0, err
	}
	if got := m.(*protocol.PongMessage).Value; got != value {
		return 0, fmt.Errorf("pong value %d does not match ping %d", got, value)
	}
	return time.Since(start), nil
}

// Goodbye performs the orderly shutdown exchange and closes the connection
func (c *Conn) Goodbye(ctx context.Context) error {
	_, err := c.Request(ctx, &protocol.ClientGoodbyeMessage{}, protocol.OpServerGoodbye)
	if closeErr := c.Close(); err == nil && closeErr != nil && !errors.Is(closeErr, net.ErrClosed) {
		err = closeErr
	}
	return err
}

// countingReader wraps an io.Reader and counts bytes read using atomic counter
type countingReader struct {
	r       io.Reader
	counter *atomic.Uint64
}

func (cr *countingReader) Read(p []byte) (n int, err error) {
	n, err = cr.r.Read(p)
	if n > 0 {
		cr.counter.Add(uint64(n))
	}
	return n, err
}

// countingWriter wraps an io.Writer and counts bytes written using atomic counter
type countingWriter struct {
	w       io.Writer
	counter *atomic.Uint64
}

func (cw *countingWriter) Write(p []byte) (n int, err error) {
	n, err = cw.w.Write(p)
	if n > 0 {
		cw.counter.Add(uint64(n))
	}
	return n, err
}
