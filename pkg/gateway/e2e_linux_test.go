//go:build linux

package gateway

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/ocremote/ochub/pkg/protocol"
	"github.com/ocremote/ochub/pkg/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startHub(t *testing.T) *server.Server {
	t.Helper()

	cfg := server.DefaultConfig()
	cfg.ListenAddress = "127.0.0.1:0"
	srv, err := server.NewServer(cfg)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- srv.Run() }()
	t.Cleanup(func() {
		srv.Stop()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("hub did not stop")
		}
	})
	return srv
}

// expectMessage reads one message; ssh channels have no deadlines, so the
// timeout is enforced here
func expectMessage(t *testing.T, r *protocol.Reader) protocol.Message {
	t.Helper()

	type result struct {
		msg protocol.Message
		err error
	}
	done := make(chan result, 1)
	go func() {
		msg, err := r.ReadMessage()
		done <- result{msg, err}
	}()

	select {
	case res := <-done:
		require.NoError(t, res.err)
		return res.msg
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for message")
		return nil
	}
}

// A WebSocket viewer pairs with an SSH sharer through the real hub
func TestGatewaysPairThroughHub(t *testing.T) {
	initTestLoggers(t)
	hub := startHub(t)
	hubAddr := hub.Addr().String()

	srv := httptest.NewServer(hub.HTTPHandler(NewWebSocketGateway(hubAddr)))
	defer srv.Close()

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	viewer := NewWebSocketConn(ws)
	defer viewer.Close()
	viewerReader := protocol.NewReader(viewer)

	sshGw := startSSHGateway(t, hubAddr)
	channel := openSession(t, connectSSH(t, sshGw))
	sharerReader := protocol.NewReader(channel)

	require.NoError(t, protocol.EncodeMessage(channel, &protocol.ClientHandshakeMessage{Username: "owner", Password: "secret"}))
	require.NoError(t, protocol.EncodeMessage(viewer, &protocol.ClientHandshakeMessage{Username: "viewer", Password: "x"}))

	assert.Equal(t, protocol.HandshakeOk, expectMessage(t, sharerReader).(*protocol.ServerHandshakeMessage).Status)
	assert.Equal(t, protocol.HandshakeOk, expectMessage(t, viewerReader).(*protocol.ServerHandshakeMessage).Status)

	require.NoError(t, protocol.EncodeMessage(viewer, &protocol.ClientConnectMessage{Username: "owner", Password: "secret"}))
	assert.Equal(t, protocol.ConnectionOk, expectMessage(t, viewerReader).(*protocol.ServerConnectMessage).Status)
	assert.Equal(t, protocol.ConnectionOk, expectMessage(t, sharerReader).(*protocol.ServerConnectMessage).Status)

	require.NoError(t, protocol.EncodeMessage(channel, &protocol.PairTextMessage{Text: "hello viewer"}))
	text, ok := expectMessage(t, viewerReader).(*protocol.PairTextMessage)
	require.True(t, ok)
	assert.Equal(t, "hello viewer", text.Text)

	assert.Eventually(t, func() bool { return hub.Stats().Pairs == 1 }, 5*time.Second, 10*time.Millisecond)
}
