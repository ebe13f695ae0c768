package server

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// TOMLConfig represents the structure of the server config file
type TOMLConfig struct {
	Server ServerSection `toml:"server"`
	Limits LimitsSection `toml:"limits"`
	Policy PolicySection `toml:"policy"`
}

type ServerSection struct {
	ListenAddress    string `toml:"listen_address"`
	HTTPAddress      string `toml:"http_address"`
	WebSocketGateway bool   `toml:"websocket_gateway"`
	SSHAddress       string `toml:"ssh_address"`
	SSHHostKey       string `toml:"ssh_host_key"`
}

type LimitsSection struct {
	MaxConnections      int `toml:"max_connections"`
	EventsCapacity      int `toml:"events_capacity"`
	ReadBufferCapacity  int `toml:"read_buffer_capacity"`
	ReadBufferMax       int `toml:"read_buffer_max"`
	ReadChunkSize       int `toml:"read_chunk_size"`
	WriteBufferCapacity int `toml:"write_buffer_capacity"`
	MaxWriteBuffer      int `toml:"max_write_buffer"`
}

type PolicySection struct {
	DuplicateUsername string `toml:"duplicate_username"`
	AcceptErrors      string `toml:"accept_errors"`
}

// DefaultTOMLConfig returns the default TOML configuration
func DefaultTOMLConfig() TOMLConfig {
	cfg := DefaultConfig()
	return TOMLConfig{
		Server: ServerSection{
			ListenAddress:    cfg.ListenAddress,
			HTTPAddress:      cfg.HTTPAddress,
			WebSocketGateway: cfg.WebSocketGateway,
			SSHAddress:       cfg.SSHAddress,
			SSHHostKey:       cfg.SSHHostKeyPath,
		},
		Limits: LimitsSection{
			MaxConnections:      cfg.MaxConnections,
			EventsCapacity:      cfg.EventsCapacity,
			ReadBufferCapacity:  cfg.ReadBufferCapacity,
			ReadBufferMax:       cfg.ReadBufferMax,
			ReadChunkSize:       cfg.ReadChunkSize,
			WriteBufferCapacity: cfg.WriteBufferCapacity,
			MaxWriteBuffer:      cfg.MaxWriteBuffer,
		},
		Policy: PolicySection{
			DuplicateUsername: string(cfg.DuplicateUsername),
			AcceptErrors:      string(cfg.AcceptErrors),
		},
	}
}

// ExpandPath replaces a leading ~/ with the user's home directory
func ExpandPath(path string) (string, error) {
	if !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, path[2:]), nil
}

// LoadConfig loads configuration from a TOML file, creates default if not found
func LoadConfig(path string) (TOMLConfig, error) {
	path, err := ExpandPath(path)
	if err != nil {
		return TOMLConfig{}, err
	}

	// Check if file exists
	if _, err := os.Stat(path); os.IsNotExist(err) {
		config := DefaultTOMLConfig()
		if err := writeDefaultConfig(path, config); err != nil {
			// Unwritable location, run on defaults anyway
			return config, nil
		}
		return config, nil
	}

	var config TOMLConfig
	if _, err := toml.DecodeFile(path, &config); err != nil {
		return TOMLConfig{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// writeDefaultConfig writes the default config to a file
func writeDefaultConfig(path string, config TOMLConfig) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	header := `# ochub configuration
# This file was auto-generated with default values
# Edit as needed and restart the hub for changes to take effect

`
	if _, err := f.WriteString(header); err != nil {
		return err
	}

	encoder := toml.NewEncoder(f)
	if err := encoder.Encode(config); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// ToServerConfig converts TOMLConfig to ServerConfig. Zero values fall back
// to the defaults; the gateway addresses are taken as written so an empty
// string disables them.
func (c *TOMLConfig) ToServerConfig() ServerConfig {
	cfg := DefaultConfig()

	if strings.TrimSpace(c.Server.ListenAddress) != "" {
		cfg.ListenAddress = c.Server.ListenAddress
	}
	cfg.HTTPAddress = strings.TrimSpace(c.Server.HTTPAddress)
	cfg.WebSocketGateway = c.Server.WebSocketGateway
	cfg.SSHAddress = strings.TrimSpace(c.Server.SSHAddress)
	if strings.TrimSpace(c.Server.SSHHostKey) != "" {
		cfg.SSHHostKeyPath = c.Server.SSHHostKey
	}

	if c.Limits.MaxConnections != 0 {
		cfg.MaxConnections = c.Limits.MaxConnections
	}
	if c.Limits.EventsCapacity != 0 {
		cfg.EventsCapacity = c.Limits.EventsCapacity
	}
	if c.Limits.ReadBufferCapacity != 0 {
		cfg.ReadBufferCapacity = c.Limits.ReadBufferCapacity
	}
	if c.Limits.ReadBufferMax != 0 {
		cfg.ReadBufferMax = c.Limits.ReadBufferMax
	}
	if c.Limits.ReadChunkSize != 0 {
		cfg.ReadChunkSize = c.Limits.ReadChunkSize
	}
	if c.Limits.WriteBufferCapacity != 0 {
		cfg.WriteBufferCapacity = c.Limits.WriteBufferCapacity
	}
	cfg.MaxWriteBuffer = c.Limits.MaxWriteBuffer

	if c.Policy.DuplicateUsername != "" {
		cfg.DuplicateUsername = DuplicatePolicy(c.Policy.DuplicateUsername)
	}
	if c.Policy.AcceptErrors != "" {
		cfg.AcceptErrors = AcceptPolicy(c.Policy.AcceptErrors)
	}

	return cfg
}
