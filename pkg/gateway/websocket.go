package gateway

import (
	"log"
	"net/http"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	"github.com/gorilla/websocket"
)

// WebSocketGateway is an http.Handler that upgrades each request and relays
// its binary frames to a fresh hub connection.
type WebSocketGateway struct {
	dial     Dialer
	upgrader websocket.Upgrader
	active   atomic.Int64
}

// NewWebSocketGateway relays to the hub listening on hubAddr
func NewWebSocketGateway(hubAddr string) *WebSocketGateway {
	return newWebSocketGateway(TCPDialer(hubAddr))
}

func newWebSocketGateway(dial Dialer) *WebSocketGateway {
	return &WebSocketGateway{
		dial: dial,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			// Terminal clients and browser viewers connect from anywhere
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Active returns the number of relays currently running
func (g *WebSocketGateway) Active() int64 {
	return g.active.Load()
}

// ServeHTTP dials the hub before upgrading so an unreachable hub is reported
// as 502 instead of a WebSocket that closes immediately.
func (g *WebSocketGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	hub, err := dialHub(g.dial)
	if err != nil {
		errorLog.Printf("WebSocket gateway: %v", err)
		http.Error(w, "hub unavailable", http.StatusBadGateway)
		return
	}

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error
		log.Printf("WebSocket upgrade failed: %v", err)
		hub.Close()
		return
	}

	g.active.Add(1)
	defer g.active.Add(-1)

	conn := NewWebSocketConn(ws)
	debugLog.Printf("WebSocket relay %s -> %s opened", conn.RemoteAddr(), hub.RemoteAddr())

	sent, received := relay(conn, hub)
	debugLog.Printf("WebSocket relay %s closed (sent %s, received %s)",
		conn.RemoteAddr(), humanize.IBytes(uint64(sent)), humanize.IBytes(uint64(received)))
}
