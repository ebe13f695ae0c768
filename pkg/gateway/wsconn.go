package gateway

import (
	"bytes"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrTextFrame is returned by WebSocketConn.Read when the peer sends a text
// frame. The protocol only travels in binary frames.
var ErrTextFrame = errors.New("websocket: unexpected text frame")

// WebSocketConn adapts a WebSocket connection to net.Conn. Each Write becomes
// one binary frame; Read hands out frame payloads as a continuous stream.
type WebSocketConn struct {
	ws      *websocket.Conn
	readBuf bytes.Buffer
	readMu  sync.Mutex
	writeMu sync.Mutex
	closed  bool
	closeMu sync.Mutex
}

// NewWebSocketConn wraps an established WebSocket
func NewWebSocketConn(ws *websocket.Conn) *WebSocketConn {
	return &WebSocketConn{ws: ws}
}

// Read implements net.Conn.Read
func (c *WebSocketConn) Read(b []byte) (int, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	for c.readBuf.Len() == 0 {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			return 0, err
		}
		if messageType != websocket.BinaryMessage {
			return 0, ErrTextFrame
		}
		c.readBuf.Write(data)
	}

	return c.readBuf.Read(b)
}

// Write implements net.Conn.Write
func (c *WebSocketConn) Write(b []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.closeMu.Lock()
	if c.closed {
		c.closeMu.Unlock()
		return 0, net.ErrClosed
	}
	c.closeMu.Unlock()

	if err := c.ws.WriteMessage(websocket.BinaryMessage, b); err != nil {
		return 0, err
	}
	return len(b), nil
}

// Close implements net.Conn.Close
func (c *WebSocketConn) Close() error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	return c.ws.Close()
}

func (c *WebSocketConn) LocalAddr() net.Addr  { return c.ws.LocalAddr() }
func (c *WebSocketConn) RemoteAddr() net.Addr { return c.ws.RemoteAddr() }

// SetDeadline implements net.Conn.SetDeadline
func (c *WebSocketConn) SetDeadline(t time.Time) error {
	if err := c.ws.SetReadDeadline(t); err != nil {
		return err
	}
	return c.ws.SetWriteDeadline(t)
}

func (c *WebSocketConn) SetReadDeadline(t time.Time) error  { return c.ws.SetReadDeadline(t) }
func (c *WebSocketConn) SetWriteDeadline(t time.Time) error { return c.ws.SetWriteDeadline(t) }
