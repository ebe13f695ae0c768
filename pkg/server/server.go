package server

import (
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ocremote/ochub/pkg/protocol"
	"github.com/prometheus/client_golang/prometheus"
)

// DuplicatePolicy decides what happens to a connection whose handshake
// names a username that is already taken
type DuplicatePolicy string

const (
	// DuplicateRetry keeps the connection in handshake so it can try another name
	DuplicateRetry DuplicatePolicy = "retry"
	// DuplicateClose closes the connection after the USER_EXISTS reply
	DuplicateClose DuplicatePolicy = "close"
)

// AcceptPolicy decides whether an accept failure stops the server
type AcceptPolicy string

const (
	AcceptFatal    AcceptPolicy = "fatal"
	AcceptContinue AcceptPolicy = "continue"
)

var ErrInvalidConfig = errors.New("invalid server config")

// ServerConfig holds server configuration
type ServerConfig struct {
	ListenAddress    string
	HTTPAddress      string
	WebSocketGateway bool
	SSHAddress       string
	SSHHostKeyPath   string

	MaxConnections      int
	EventsCapacity      int
	ReadBufferCapacity  int
	ReadBufferMax       int
	ReadChunkSize       int
	WriteBufferCapacity int
	MaxWriteBuffer      int // 0 = unbounded

	DuplicateUsername DuplicatePolicy
	AcceptErrors      AcceptPolicy
}

// DefaultConfig returns default server configuration
func DefaultConfig() ServerConfig {
	return ServerConfig{
		ListenAddress:       "0.0.0.0:6470",
		SSHHostKeyPath:      "~/.ochub/ssh_host_key",
		MaxConnections:      8192,
		EventsCapacity:      1024,
		ReadBufferCapacity:  4096,
		ReadBufferMax:       2 * 1024 * 1024,
		ReadChunkSize:       4096,
		WriteBufferCapacity: 4096,
		MaxWriteBuffer:      0,
		DuplicateUsername:   DuplicateRetry,
		AcceptErrors:        AcceptFatal,
	}
}

// Validate checks limits and policy names
func (c ServerConfig) Validate() error {
	switch {
	case c.MaxConnections <= 0 || c.MaxConnections > MaxConnections:
		return fmt.Errorf("%w: max_connections must be in 1..%d", ErrInvalidConfig, MaxConnections)
	case c.EventsCapacity <= 0:
		return fmt.Errorf("%w: events_capacity must be positive", ErrInvalidConfig)
	case c.ReadChunkSize <= 0:
		return fmt.Errorf("%w: read_chunk_size must be positive", ErrInvalidConfig)
	case c.ReadBufferMax < c.ReadChunkSize:
		return fmt.Errorf("%w: read_buffer_max must be at least read_chunk_size", ErrInvalidConfig)
	case c.ReadBufferCapacity < 0 || c.WriteBufferCapacity < 0 || c.MaxWriteBuffer < 0:
		return fmt.Errorf("%w: buffer sizes must not be negative", ErrInvalidConfig)
	}

	switch c.DuplicateUsername {
	case DuplicateRetry, DuplicateClose:
	default:
		return fmt.Errorf("%w: duplicate_username must be %q or %q", ErrInvalidConfig, DuplicateRetry, DuplicateClose)
	}

	switch c.AcceptErrors {
	case AcceptFatal, AcceptContinue:
	default:
		return fmt.Errorf("%w: accept_errors must be %q or %q", ErrInvalidConfig, AcceptFatal, AcceptContinue)
	}

	return nil
}

// Stats is a snapshot of the counters the admin endpoints report
type Stats struct {
	Connections    int64  `json:"connections"`
	Authorized     int64  `json:"authorized"`
	Pairs          int64  `json:"pairs"`
	Accepted       uint64 `json:"accepted_total"`
	ListenOverflow uint64 `json:"listen_overflows"`
	UptimeSeconds  int64  `json:"uptime_seconds"`
}

// Server is the hub reactor. Run owns every connection; the only methods
// safe to call from other goroutines are Stop, Addr, Stats and the HTTP
// handlers.
type Server struct {
	config   ServerConfig
	registry *Registry
	poller   poller
	listener listener
	metrics  *Metrics

	// wakeMu guards the waker against Stop racing the final close
	wakeMu sync.Mutex
	waker  waker
	closed bool

	events   []pollEvent
	queue    []Token
	stopping bool

	startTime  time.Time
	conns      atomic.Int64
	authorized atomic.Int64
	pairs      atomic.Int64
	accepted   atomic.Uint64
}

// NewServer binds the listening socket and prepares the reactor
func NewServer(config ServerConfig) (*Server, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	ln, err := listenTCP(config.ListenAddress)
	if err != nil {
		return nil, err
	}

	p, err := newPoller(config.EventsCapacity)
	if err != nil {
		ln.close()
		return nil, err
	}

	w, err := newWaker()
	if err != nil {
		p.close()
		ln.close()
		return nil, err
	}

	s := newServer(config, p, ln, w, NewMetrics(prometheus.NewRegistry()))

	if err := p.add(ln.fd(), listenToken, false); err != nil {
		s.closeAll()
		return nil, err
	}
	if err := p.add(w.fd(), wakeToken, false); err != nil {
		s.closeAll()
		return nil, err
	}

	return s, nil
}

func newServer(config ServerConfig, p poller, ln listener, w waker, metrics *Metrics) *Server {
	return &Server{
		config:    config,
		registry:  NewRegistry(config.MaxConnections),
		poller:    p,
		listener:  ln,
		waker:     w,
		metrics:   metrics,
		events:    make([]pollEvent, config.EventsCapacity),
		startTime: time.Now(),
	}
}

// Addr returns the address the hub accepts connections on
func (s *Server) Addr() net.Addr {
	return s.listener.addr()
}

// Metrics returns the server's Prometheus metrics
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

// Stats returns a snapshot of the connection counters
func (s *Server) Stats() Stats {
	return Stats{
		Connections:    s.conns.Load(),
		Authorized:     s.authorized.Load(),
		Pairs:          s.pairs.Load(),
		Accepted:       s.accepted.Load(),
		ListenOverflow: listenOverflows(),
		UptimeSeconds:  int64(time.Since(s.startTime).Seconds()),
	}
}

// Run processes readiness events until Stop is called or the listener
// fails. Every connection still open when Run returns is closed.
func (s *Server) Run() error {
	defer s.closeAll()

	logListenBacklog(s.Addr().String())

	for {
		n, err := s.poller.wait(s.events)
		if err != nil {
			return err
		}

		if err := s.processBatch(s.events[:n]); err != nil {
			errorLog.Printf("Listener failed: %v", err)
			return err
		}

		if s.stopping {
			log.Printf("Hub stopping with %d connection(s) open", s.registry.Len())
			return nil
		}
	}
}

// Stop makes Run return. It is safe to call from any goroutine, more than
// once, and before Run has started.
func (s *Server) Stop() error {
	s.wakeMu.Lock()
	defer s.wakeMu.Unlock()

	if s.closed {
		return nil
	}
	return s.waker.wake()
}

// processBatch dispatches one batch of events, then settles the connections
// they touched
func (s *Server) processBatch(events []pollEvent) error {
	for _, ev := range events {
		if err := s.dispatch(ev); err != nil {
			return err
		}
	}
	s.settle()
	return nil
}

// dispatch routes one readiness event
func (s *Server) dispatch(ev pollEvent) error {
	switch ev.token {
	case listenToken:
		return s.acceptAll()
	case wakeToken:
		s.waker.drain()
		s.stopping = true
		return nil
	}

	c, err := s.registry.Get(ev.token)
	if err != nil {
		debugLog.Printf("Dropping event for stale token %s", ev.token)
		return nil
	}

	if ev.readable || ev.hangup {
		s.readable(c)
	}
	s.markQueued(c)
	return nil
}

// acceptAll accepts until the listen queue is empty
func (s *Server) acceptAll() error {
	for {
		sock, remote, err := s.listener.accept()
		if errors.Is(err, ErrWouldBlock) {
			return nil
		}
		if err != nil {
			s.metrics.RecordAcceptError()
			if s.config.AcceptErrors == AcceptContinue {
				errorLog.Printf("Accept failed, continuing: %v", err)
				return nil
			}
			return err
		}

		s.register(sock, remote)
	}
}

// register adds an accepted socket to the registry and the poller
func (s *Server) register(sock Socket, remote string) (*Connection, error) {
	c := newConnection(sock, remote, s.config)

	tok, err := s.registry.Insert(c)
	if err != nil {
		log.Printf("WARNING: rejecting connection from %s: %v (%d/%d)", remote, err, s.registry.Len(), s.registry.Cap())
		s.metrics.RecordRejected()
		sock.Close()
		return nil, err
	}

	if err := s.poller.add(sock.Fd(), tok, true); err != nil {
		errorLog.Printf("Failed to watch connection from %s: %v", remote, err)
		s.registry.Remove(tok)
		sock.Close()
		return nil, err
	}

	s.accepted.Add(1)
	s.conns.Add(1)
	s.metrics.RecordConnectionOpened(s.registry.Len())
	debugLog.Printf("Connection %s accepted from %s", tok, remote)
	return c, nil
}

// readable drains the socket, decoding and handling complete messages as
// they arrive
func (s *Server) readable(c *Connection) {
	for c.state.accepting() {
		spare := c.rbuf.spare(s.config.ReadChunkSize)
		if len(spare) == 0 {
			s.protocolError(c, fmt.Errorf("read buffer overflow: no complete message in %d bytes", c.rbuf.len()))
			s.metrics.RecordOverflow()
			return
		}

		n, err := c.sock.Read(spare)
		if errors.Is(err, ErrWouldBlock) {
			return
		}
		if err != nil {
			debugLog.Printf("Connection %s read error: %v", c, err)
			c.state = StateDead
			return
		}
		if n == 0 {
			debugLog.Printf("Connection %s closed by peer", c)
			c.state = StateDead
			return
		}

		c.rbuf.commit(n)
		s.metrics.RecordBytesRead(n)
		s.decodeAll(c)
	}
}

// decodeAll handles every complete message in the read buffer
func (s *Server) decodeAll(c *Connection) {
	consumed := 0
	for c.state.accepting() {
		msg, n, err := protocol.DecodeMessage(c.rbuf.bytes()[consumed:])
		consumed += n
		if err != nil {
			s.protocolError(c, err)
			break
		}
		if msg == nil {
			break
		}

		debugLog.Printf("Connection %s ← RECV: %s", c, msg)
		s.metrics.RecordMessageReceived(msg.Opcode())
		s.handle(c, msg)
	}
	c.rbuf.consume(consumed)
}

// send queues msg for c and schedules a flush
func (s *Server) send(c *Connection, msg protocol.Message) {
	if c.state == StateDead {
		return
	}

	if err := c.enqueue(msg); err != nil {
		errorLog.Printf("Connection %s: failed to encode %s: %v", c, msg.Opcode(), err)
		return
	}

	debugLog.Printf("Connection %s → SEND: %s", c, msg)
	s.metrics.RecordMessageSent(msg.Opcode())

	if limit := s.config.MaxWriteBuffer; limit > 0 && c.wbuf.len() > limit {
		log.Printf("WARNING: connection %s write buffer exceeded %d bytes, closing", c, limit)
		s.metrics.RecordWriteBufferExceeded()
		c.state = StateDead
	}
	s.markQueued(c)
}

// protocolError reports err to the client and closes the connection once
// the report has been written
func (s *Server) protocolError(c *Connection, err error) {
	debugLog.Printf("Connection %s protocol error: %v", c, err)
	s.metrics.RecordProtocolError()
	s.send(c, &protocol.ErrorMessage{Text: err.Error()})
	if c.state != StateDead {
		c.state = StateError
	}
}

func (s *Server) markQueued(c *Connection) {
	if !c.queued {
		c.queued = true
		s.queue = append(s.queue, c.token)
	}
}

// settle runs after each event batch: it flushes every connection that
// gained output or changed state and reaps the ones that are finished.
// Edge-triggered polling never reports writability for data queued while
// the socket was already writable, so the flush cannot wait for an event.
func (s *Server) settle() {
	for i := 0; i < len(s.queue); i++ {
		c, err := s.registry.Get(s.queue[i])
		if err != nil {
			continue
		}
		c.queued = false

		s.flush(c)
		s.reap(c)
	}
	s.queue = s.queue[:0]
}

func (s *Server) flush(c *Connection) {
	if c.state == StateDead || c.wbuf.len() == 0 {
		return
	}

	n, err := c.wbuf.flush(c.sock)
	s.metrics.RecordBytesWritten(n)
	if err != nil && !errors.Is(err, ErrWouldBlock) {
		debugLog.Printf("Connection %s write error: %v", c, err)
		c.state = StateDead
	}
}

// reap removes a connection that is dead, or draining with nothing left
// to write
func (s *Server) reap(c *Connection) {
	if c.state.draining() && c.wbuf.len() == 0 {
		c.state = StateDead
	}
	if c.state != StateDead {
		return
	}

	s.unlink(c, false)

	if err := s.poller.remove(c.sock.Fd()); err != nil {
		debugLog.Printf("Connection %s: %v", c, err)
	}
	if err := c.sock.Close(); err != nil {
		debugLog.Printf("Connection %s close: %v", c, err)
	}
	s.registry.Remove(c.token)

	s.conns.Add(-1)
	if c.client != nil {
		s.authorized.Add(-1)
	}
	s.metrics.RecordConnectionClosed(s.registry.Len(), time.Since(c.accepted))
	debugLog.Printf("Connection %s reaped", c)
}

// closeAll closes every connection and the reactor's own descriptors
func (s *Server) closeAll() {
	var open []*Connection
	s.registry.Each(func(c *Connection) bool {
		open = append(open, c)
		return true
	})
	for _, c := range open {
		c.sock.Close()
		s.registry.Remove(c.token)
	}
	s.conns.Store(0)
	s.authorized.Store(0)
	s.pairs.Store(0)

	s.wakeMu.Lock()
	defer s.wakeMu.Unlock()
	if s.closed {
		return
	}
	s.closed = true

	s.listener.close()
	s.waker.close()
	s.poller.close()
}
