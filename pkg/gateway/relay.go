// Package gateway relays WebSocket and SSH clients onto the hub's TCP port.
// Gateways never parse the protocol: bytes are copied both ways until either
// side goes away, and the hub sees an ordinary TCP connection.
package gateway

import (
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"sync"
	"time"
)

var (
	debugLog = log.New(io.Discard, "DEBUG: ", log.LstdFlags|log.Lshortfile)
	errorLog = log.New(os.Stderr, "ERROR: ", log.LstdFlags|log.Lshortfile)
)

// EnableDebugLogging turns on per-session relay traces
func EnableDebugLogging() {
	debugLog.SetOutput(os.Stderr)
}

// DialTimeout bounds how long a gateway waits for the hub to accept
const DialTimeout = 5 * time.Second

// Dialer opens the upstream hub connection for one gateway client
type Dialer func(ctx context.Context) (net.Conn, error)

// TCPDialer dials the hub's listen address
func TCPDialer(hubAddr string) Dialer {
	var d net.Dialer
	return func(ctx context.Context) (net.Conn, error) {
		conn, err := d.DialContext(ctx, "tcp", hubAddr)
		if err != nil {
			return nil, fmt.Errorf("dial hub %s: %w", hubAddr, err)
		}
		return conn, nil
	}
}

func dialHub(dial Dialer) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(context.Background(), DialTimeout)
	defer cancel()
	return dial(ctx)
}

// relay copies client→hub and hub→client until one direction ends, then
// closes both ends so the other direction unblocks.
func relay(client io.ReadWriteCloser, hub net.Conn) (sent, received int64) {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		received, _ = io.Copy(client, hub)
		client.Close()
	}()

	sent, _ = io.Copy(hub, client)
	hub.Close()
	wg.Wait()
	return sent, received
}
