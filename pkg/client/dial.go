package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/ocremote/ochub/pkg/gateway"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

const (
	defaultTCPPort       = "6470"
	defaultWebSocketPort = "8080"
	defaultSSHPort       = "6471"
	hubSSHVersionPrefix  = "SSH-2.0-ochub"

	dialTimeout = 10 * time.Second
)

type dialConfig struct {
	display string
	dial    func(ctx context.Context) (net.Conn, error)
	warning string
}

// parseServerAddress turns host[:port], tcp://, ws://, wss:// or ssh://
// addresses into a dialer. Missing ports get the scheme's default.
func parseServerAddress(raw string, opts Options) (*dialConfig, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, errors.New("server address is empty")
	}

	scheme := "tcp"
	user := ""
	hostPort := trimmed
	path := ""
	if strings.Contains(trimmed, "://") {
		u, err := url.Parse(trimmed)
		if err != nil {
			return nil, fmt.Errorf("invalid server address %q: %w", raw, err)
		}

		if u.Scheme != "" {
			scheme = strings.ToLower(u.Scheme)
		}
		if u.User != nil {
			user = u.User.Username()
		}
		hostPort = u.Host
		path = u.Path
	}

	switch scheme {
	case "tcp":
		host, port, err := splitHostPortWithDefault(hostPort, defaultTCPPort)
		if err != nil {
			return nil, err
		}

		address := net.JoinHostPort(host, port)
		return &dialConfig{
			display: address,
			dial: func(ctx context.Context) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "tcp", address)
			},
		}, nil

	case "ws", "wss":
		host, port, err := splitHostPortWithDefault(hostPort, defaultWebSocketPort)
		if err != nil {
			return nil, err
		}
		if path == "" || path == "/" {
			path = "/ws"
		}

		u := url.URL{Scheme: scheme, Host: net.JoinHostPort(host, port), Path: path}
		return &dialConfig{
			display: u.String(),
			dial: func(ctx context.Context) (net.Conn, error) {
				return dialWebSocket(ctx, u)
			},
		}, nil

	case "ssh":
		host, port, err := splitHostPortWithDefault(hostPort, defaultSSHPort)
		if err != nil {
			return nil, err
		}
		if user == "" {
			user = defaultSSHUser()
		}

		verifier := newHostKeyVerifier(host, port, opts.AcceptUnknownHostKey)
		address := net.JoinHostPort(host, port)
		return &dialConfig{
			display: fmt.Sprintf("ssh://%s@%s", user, address),
			dial: func(ctx context.Context) (net.Conn, error) {
				return dialSSH(ctx, user, address, verifier)
			},
			warning: verifier.warning,
		}, nil

	default:
		return nil, fmt.Errorf("unsupported server scheme %q", scheme)
	}
}

func splitHostPortWithDefault(hostPort, defaultPort string) (string, string, error) {
	hostPort = strings.TrimSpace(hostPort)
	if hostPort == "" {
		return "", "", errors.New("missing host in server address")
	}

	host, port, err := net.SplitHostPort(hostPort)
	if err == nil {
		return host, port, nil
	}

	var addrErr *net.AddrError
	if errors.As(err, &addrErr) && strings.Contains(strings.ToLower(addrErr.Err), "missing port") {
		host = strings.TrimSuffix(strings.TrimPrefix(hostPort, "["), "]")
		return host, defaultPort, nil
	}

	return "", "", err
}

func defaultSSHUser() string {
	if user := os.Getenv("OCHUB_SSH_USER"); user != "" {
		return user
	}
	if user := os.Getenv("USER"); user != "" {
		return user
	}
	return "anonymous"
}

func dialWebSocket(ctx context.Context, u url.URL) (net.Conn, error) {
	dialer := &websocket.Dialer{
		HandshakeTimeout: dialTimeout,
		ReadBufferSize:   64 * 1024,
		WriteBufferSize:  64 * 1024,
	}

	ws, resp, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if errors.Is(err, websocket.ErrBadHandshake) && resp != nil {
			return nil, fmt.Errorf("websocket handshake with %s failed: %s", u.String(), resp.Status)
		}
		return nil, err
	}
	return gateway.NewWebSocketConn(ws), nil
}

// hostKeyVerifier checks the gateway's host key against known_hosts. Unknown
// keys are rejected unless trust-on-first-use was requested, in which case
// they are appended to the first known_hosts file.
type hostKeyVerifier struct {
	host      string
	port      string
	paths     []string
	callbacks []ssh.HostKeyCallback
	acceptNew bool
	accepted  ssh.PublicKey
	warning   string
}

func newHostKeyVerifier(host, port string, acceptNew bool) *hostKeyVerifier {
	paths := knownHostPaths()
	var callbacks []ssh.HostKeyCallback
	for _, path := range paths {
		if cb, err := knownhosts.New(path); err == nil {
			callbacks = append(callbacks, cb)
		}
	}

	warning := ""
	if len(callbacks) == 0 {
		warning = "no known_hosts file found; the ssh gateway's host key cannot be verified"
	}

	return &hostKeyVerifier{
		host:      host,
		port:      port,
		paths:     paths,
		callbacks: callbacks,
		acceptNew: acceptNew,
		warning:   warning,
	}
}

func (v *hostKeyVerifier) callback(hostname string, remote net.Addr, key ssh.PublicKey) error {
	if len(v.callbacks) == 0 {
		return v.handleUnknownHostKey(hostname, key)
	}

	var lastErr error
	for _, cb := range v.callbacks {
		if err := cb(hostname, remote, key); err != nil {
			lastErr = err
			continue
		}
		return nil
	}

	var keyErr *knownhosts.KeyError
	if errors.As(lastErr, &keyErr) {
		if len(keyErr.Want) == 0 {
			return v.handleUnknownHostKey(hostname, key)
		}
		return v.mismatch(hostname, keyErr, key)
	}
	return lastErr
}

func (v *hostKeyVerifier) handleUnknownHostKey(hostname string, key ssh.PublicKey) error {
	if !v.acceptNew {
		return fmt.Errorf("ssh host key %s for %s is not trusted. Add it with `ssh-keyscan -p %s %s >> %s` or retry with --accept-host-key",
			ssh.FingerprintSHA256(key), hostname, v.port, v.host, v.preferredKnownHostsPath())
	}
	v.accepted = key
	return nil
}

func (v *hostKeyVerifier) mismatch(hostname string, keyErr *knownhosts.KeyError, presented ssh.PublicKey) error {
	expected := "unknown"
	if len(keyErr.Want) > 0 && keyErr.Want[0].Key != nil {
		expected = ssh.FingerprintSHA256(keyErr.Want[0].Key)
	}
	return fmt.Errorf("ssh host key verification failed for %s: the server presented key %s but known_hosts expects %s",
		hostname, ssh.FingerprintSHA256(presented), expected)
}

func (v *hostKeyVerifier) preferredKnownHostsPath() string {
	if len(v.paths) > 0 {
		return v.paths[0]
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".ssh", "known_hosts")
}

// persistAccepted records a key accepted on first use
func (v *hostKeyVerifier) persistAccepted(serverVersion string) error {
	if v.accepted == nil {
		return nil
	}
	defer func() { v.accepted = nil }()

	hostname := knownhosts.Normalize(net.JoinHostPort(v.host, v.port))
	return appendKnownHost(v.preferredKnownHostsPath(), hostname, serverVersion, v.accepted)
}

func knownHostPaths() []string {
	if env := os.Getenv("SSH_KNOWN_HOSTS"); env != "" {
		var paths []string
		for _, p := range strings.Split(env, string(os.PathListSeparator)) {
			if p = strings.TrimSpace(p); p != "" {
				paths = append(paths, p)
			}
		}
		return paths
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return nil
	}
	return []string{filepath.Join(home, ".ssh", "known_hosts")}
}

func appendKnownHost(path, hostname, serverVersion string, key ssh.PublicKey) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()

	line := knownhosts.Line([]string{hostname}, key)
	_, err = fmt.Fprintf(f, "%s ochub banner=%s added=%s\n", line, serverVersion, time.Now().Format(time.RFC3339))
	return err
}

// dialSSH opens one session channel on the ssh gateway. The gateway does not
// authenticate at the ssh layer; the hub handshake does.
func dialSSH(ctx context.Context, user, address string, verifier *hostKeyVerifier) (net.Conn, error) {
	var d net.Dialer
	netConn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, err
	}

	config := &ssh.ClientConfig{
		User:            user,
		HostKeyCallback: verifier.callback,
		Timeout:         dialTimeout,
	}

	clientConn, chans, reqs, err := ssh.NewClientConn(netConn, address, config)
	if err != nil {
		netConn.Close()
		return nil, err
	}

	serverBanner := string(clientConn.ServerVersion())
	if !strings.HasPrefix(serverBanner, hubSSHVersionPrefix) {
		clientConn.Close()
		return nil, fmt.Errorf("remote ssh server advertised %q; expected an ochub gateway (banner prefix %q)", serverBanner, hubSSHVersionPrefix)
	}

	if err := verifier.persistAccepted(serverBanner); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to persist ssh host key for %s: %v\n", address, err)
	}

	client := ssh.NewClient(clientConn, chans, reqs)
	channel, requests, err := client.OpenChannel("session", nil)
	if err != nil {
		client.Close()
		return nil, err
	}
	go ssh.DiscardRequests(requests)

	return &sshClientConn{
		channel:    channel,
		client:     client,
		localAddr:  netConn.LocalAddr(),
		remoteAddr: netConn.RemoteAddr(),
	}, nil
}

// sshClientConn presents an ssh session channel as a net.Conn. Deadlines are
// not supported by ssh channels and are ignored.
type sshClientConn struct {
	channel    ssh.Channel
	client     *ssh.Client
	localAddr  net.Addr
	remoteAddr net.Addr
	once       sync.Once
}

func (c *sshClientConn) Read(b []byte) (int, error)  { return c.channel.Read(b) }
func (c *sshClientConn) Write(b []byte) (int, error) { return c.channel.Write(b) }

func (c *sshClientConn) Close() error {
	var err error
	c.once.Do(func() {
		if closeErr := c.channel.Close(); closeErr != nil && !errors.Is(closeErr, io.EOF) {
			err = closeErr
		}
		c.client.Close()
	})
	return err
}

func (c *sshClientConn) LocalAddr() net.Addr                { return c.localAddr }
func (c *sshClientConn) RemoteAddr() net.Addr               { return c.remoteAddr }
func (c *sshClientConn) SetDeadline(t time.Time) error      { return nil }
func (c *sshClientConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *sshClientConn) SetWriteDeadline(t time.Time) error { return nil }
