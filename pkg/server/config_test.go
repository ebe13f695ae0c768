package server

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultTOMLConfigMatchesDefaults(t *testing.T) {
	cfg := DefaultTOMLConfig()
	serverCfg := cfg.ToServerConfig()

	assert.Equal(t, DefaultConfig(), serverCfg)
	assert.NoError(t, serverCfg.Validate())
}

func TestToServerConfigMapsSections(t *testing.T) {
	cfg := DefaultTOMLConfig()
	cfg.Server.ListenAddress = "127.0.0.1:7000"
	cfg.Server.HTTPAddress = "127.0.0.1:7001"
	cfg.Server.WebSocketGateway = true
	cfg.Server.SSHAddress = "127.0.0.1:7002"
	cfg.Server.SSHHostKey = "/tmp/host_key"
	cfg.Limits.MaxConnections = 10
	cfg.Limits.ReadBufferMax = 8192
	cfg.Limits.MaxWriteBuffer = 1 << 20
	cfg.Policy.DuplicateUsername = "close"
	cfg.Policy.AcceptErrors = "continue"

	serverCfg := cfg.ToServerConfig()

	assert.Equal(t, "127.0.0.1:7000", serverCfg.ListenAddress)
	assert.Equal(t, "127.0.0.1:7001", serverCfg.HTTPAddress)
	assert.True(t, serverCfg.WebSocketGateway)
	assert.Equal(t, "127.0.0.1:7002", serverCfg.SSHAddress)
	assert.Equal(t, "/tmp/host_key", serverCfg.SSHHostKeyPath)
	assert.Equal(t, 10, serverCfg.MaxConnections)
	assert.Equal(t, 8192, serverCfg.ReadBufferMax)
	assert.Equal(t, 1<<20, serverCfg.MaxWriteBuffer)
	assert.Equal(t, DuplicateClose, serverCfg.DuplicateUsername)
	assert.Equal(t, AcceptContinue, serverCfg.AcceptErrors)
	assert.NoError(t, serverCfg.Validate())
}

func TestToServerConfigFallsBackToDefaults(t *testing.T) {
	var cfg TOMLConfig

	serverCfg := cfg.ToServerConfig()
	defaults := DefaultConfig()

	assert.Equal(t, defaults.ListenAddress, serverCfg.ListenAddress)
	assert.Equal(t, defaults.SSHHostKeyPath, serverCfg.SSHHostKeyPath)
	assert.Equal(t, defaults.MaxConnections, serverCfg.MaxConnections)
	assert.Equal(t, defaults.ReadBufferMax, serverCfg.ReadBufferMax)
	assert.Equal(t, defaults.DuplicateUsername, serverCfg.DuplicateUsername)
	assert.Equal(t, defaults.AcceptErrors, serverCfg.AcceptErrors)
	assert.Empty(t, serverCfg.HTTPAddress)
	assert.Empty(t, serverCfg.SSHAddress)
}

func TestLoadConfigWritesDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.toml")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultTOMLConfig(), cfg)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "# ochub configuration")
	assert.Contains(t, string(data), "duplicate_username")

	// the written file loads back to the same values
	again, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, again)
}

func TestLoadConfigParsesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[server]
listen_address = "127.0.0.1:9000"

[policy]
duplicate_username = "close"
`), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	serverCfg := cfg.ToServerConfig()
	assert.Equal(t, "127.0.0.1:9000", serverCfg.ListenAddress)
	assert.Equal(t, DuplicateClose, serverCfg.DuplicateUsername)
	assert.Equal(t, AcceptFatal, serverCfg.AcceptErrors)
}

func TestLoadConfigRejectsBadTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("[server\nlisten_address = "), 0644))

	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*ServerConfig)
	}{
		{"no connections", func(c *ServerConfig) { c.MaxConnections = 0 }},
		{"too many connections", func(c *ServerConfig) { c.MaxConnections = MaxConnections + 1 }},
		{"no events", func(c *ServerConfig) { c.EventsCapacity = 0 }},
		{"no chunk", func(c *ServerConfig) { c.ReadChunkSize = 0 }},
		{"max below chunk", func(c *ServerConfig) { c.ReadBufferMax = c.ReadChunkSize - 1 }},
		{"negative write limit", func(c *ServerConfig) { c.MaxWriteBuffer = -1 }},
		{"duplicate policy", func(c *ServerConfig) { c.DuplicateUsername = "kick" }},
		{"accept policy", func(c *ServerConfig) { c.AcceptErrors = "ignore" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		})
	}
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	got, err := ExpandPath("~/.ochub/key")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".ochub/key"), got)

	got, err = ExpandPath("/etc/ochub.toml")
	require.NoError(t, err)
	assert.Equal(t, "/etc/ochub.toml", got)
}
