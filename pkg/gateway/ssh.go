package gateway

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/dustin/go-humanize"
	"golang.org/x/crypto/ssh"
)

// SSHServerVersion is the identification string sent to ssh clients
const SSHServerVersion = "SSH-2.0-ochub"

var ErrEmptyHostKeyPath = errors.New("ssh host key path is empty")

// SSHGateway accepts ssh clients and relays every session channel to its own
// hub connection. Authentication is left to the hub's handshake, so ssh
// itself is anonymous.
type SSHGateway struct {
	config *ssh.ServerConfig
	dial   Dialer

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	closed   bool
	wg       sync.WaitGroup
}

// NewSSHGateway loads (or creates) the host key at hostKeyPath and relays to
// the hub listening on hubAddr.
func NewSSHGateway(hubAddr, hostKeyPath string) (*SSHGateway, error) {
	hostKey, err := loadOrGenerateHostKey(hostKeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load host key: %w", err)
	}
	return newSSHGateway(hostKey, TCPDialer(hubAddr)), nil
}

func newSSHGateway(hostKey ssh.Signer, dial Dialer) *SSHGateway {
	config := &ssh.ServerConfig{
		NoClientAuth:  true,
		ServerVersion: SSHServerVersion,
	}
	config.AddHostKey(hostKey)

	return &SSHGateway{
		config: config,
		dial:   dial,
		conns:  make(map[net.Conn]struct{}),
	}
}

// Start listens on addr and accepts in the background
func (g *SSHGateway) Start(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		listener.Close()
		return net.ErrClosed
	}
	g.listener = listener
	g.mu.Unlock()

	log.Printf("SSH gateway listening on %s", listener.Addr())

	g.wg.Add(1)
	go g.acceptLoop(listener)
	return nil
}

// Addr returns the bound address, or nil before Start
func (g *SSHGateway) Addr() net.Addr {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.listener == nil {
		return nil
	}
	return g.listener.Addr()
}

// Close stops accepting, drops every ssh connection and waits for relays
func (g *SSHGateway) Close() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true

	var err error
	if g.listener != nil {
		err = g.listener.Close()
	}
	for conn := range g.conns {
		conn.Close()
	}
	g.mu.Unlock()

	g.wg.Wait()
	return err
}

func (g *SSHGateway) acceptLoop(listener net.Listener) {
	defer g.wg.Done()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Printf("SSH accept error: %v", err)
			continue
		}

		if !g.track(conn) {
			conn.Close()
			return
		}

		g.wg.Add(1)
		go g.handleConnection(conn)
	}
}

func (g *SSHGateway) track(conn net.Conn) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return false
	}
	g.conns[conn] = struct{}{}
	return true
}

func (g *SSHGateway) untrack(conn net.Conn) {
	g.mu.Lock()
	delete(g.conns, conn)
	g.mu.Unlock()
}

func (g *SSHGateway) handleConnection(conn net.Conn) {
	defer g.wg.Done()
	defer g.untrack(conn)
	defer conn.Close()

	sshConn, chans, reqs, err := ssh.NewServerConn(conn, g.config)
	if err != nil {
		debugLog.Printf("SSH handshake from %s failed: %v", conn.RemoteAddr(), err)
		return
	}
	defer sshConn.Close()

	go ssh.DiscardRequests(reqs)

	var sessions sync.WaitGroup
	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			newChannel.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}

		hub, err := dialHub(g.dial)
		if err != nil {
			errorLog.Printf("SSH gateway: %v", err)
			newChannel.Reject(ssh.ConnectionFailed, "hub unavailable")
			continue
		}

		channel, requests, err := newChannel.Accept()
		if err != nil {
			log.Printf("Could not accept channel: %v", err)
			hub.Close()
			continue
		}

		sessions.Add(1)
		go func() {
			defer sessions.Done()
			go handleChannelRequests(requests)

			debugLog.Printf("SSH relay %s -> %s opened", sshConn.RemoteAddr(), hub.RemoteAddr())
			sent, received := relay(channel, hub)
			debugLog.Printf("SSH relay %s closed (sent %s, received %s)",
				sshConn.RemoteAddr(), humanize.IBytes(uint64(sent)), humanize.IBytes(uint64(received)))
		}()
	}
	sessions.Wait()
}

// handleChannelRequests accepts the requests terminal ssh clients send before
// they start streaming, and refuses everything else.
func handleChannelRequests(requests <-chan *ssh.Request) {
	for req := range requests {
		switch req.Type {
		case "shell", "pty-req", "env", "window-change":
			if req.WantReply {
				req.Reply(true, nil)
			}
		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
}

// loadOrGenerateHostKey loads the PEM host key at path, generating and
// saving a new RSA key when the file does not exist yet.
func loadOrGenerateHostKey(path string) (ssh.Signer, error) {
	if strings.TrimSpace(path) == "" {
		return nil, ErrEmptyHostKeyPath
	}

	keyBytes, err := os.ReadFile(path)
	if err == nil {
		key, err := ssh.ParsePrivateKey(keyBytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse host key: %w", err)
		}
		log.Printf("Loaded SSH host key from %s", path)
		return key, nil
	}

	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read host key: %w", err)
	}

	log.Printf("Generating new SSH host key at %s...", path)

	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}

	privateKeyPEM := &pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(privateKey),
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	if err := os.WriteFile(path, pem.EncodeToMemory(privateKeyPEM), 0600); err != nil {
		return nil, fmt.Errorf("failed to write key: %w", err)
	}

	key, err := ssh.NewSignerFromKey(privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create signer: %w", err)
	}
	return key, nil
}
