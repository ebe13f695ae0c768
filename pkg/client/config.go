package client

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

// TOMLConfig represents the structure of the client config file
type TOMLConfig struct {
	Connection ConnectionSection `toml:"connection"`
	Share      ShareSection      `toml:"share"`
	UI         UISection         `toml:"ui"`
}

type ConnectionSection struct {
	Server               string `toml:"server"`
	AcceptUnknownHostKey bool   `toml:"accept_unknown_host_key"`
}

type ShareSection struct {
	Username string `toml:"username"`
	Width    int    `toml:"width"`
	Height   int    `toml:"height"`
	FPS      int    `toml:"fps"`
}

type UISection struct {
	Notify bool `toml:"notify"`
}

// ConfigError represents a structured configuration error
type ConfigError struct {
	Path       string
	Message    string
	LineNumber int // 0 if not a parse error
}

func (e *ConfigError) Error() string {
	if e.LineNumber > 0 {
		return fmt.Sprintf("%s: %s (line %d)", e.Path, e.Message, e.LineNumber)
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// DefaultConfigPath returns $XDG_CONFIG_HOME/ochub/client.toml
func DefaultConfigPath() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "ochub", "client.toml")
	}
	return filepath.Join("~", ".config", "ochub", "client.toml")
}

// DefaultTOMLConfig returns the default TOML configuration
func DefaultTOMLConfig() TOMLConfig {
	return TOMLConfig{
		Connection: ConnectionSection{
			Server: "localhost:" + defaultTCPPort,
		},
		Share: ShareSection{
			Width:  80,
			Height: 25,
			FPS:    10,
		},
		UI: UISection{
			Notify: false,
		},
	}
}

// LoadClientConfig loads configuration from a TOML file, creates default if not found
func LoadClientConfig(path string) (TOMLConfig, error) {
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return TOMLConfig{}, fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(homeDir, path[2:])
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		config := DefaultTOMLConfig()
		// Unwritable config dirs are not fatal; run with defaults
		_ = writeDefaultConfig(path, config)
		return config, nil
	}

	config := DefaultTOMLConfig()
	if _, err := toml.DecodeFile(path, &config); err != nil {
		return TOMLConfig{}, &ConfigError{
			Path:       path,
			Message:    strings.TrimPrefix(err.Error(), "toml: "),
			LineNumber: extractLineNumber(err.Error()),
		}
	}

	if err := validateConfig(&config); err != nil {
		return TOMLConfig{}, &ConfigError{Path: path, Message: err.Error()}
	}

	return config, nil
}

var lineNumberPattern = regexp.MustCompile(`line (\d+)`)

// extractLineNumber tries to extract a line number from a TOML parse error
func extractLineNumber(errMsg string) int {
	matches := lineNumberPattern.FindStringSubmatch(errMsg)
	if len(matches) > 1 {
		if num, err := strconv.Atoi(matches[1]); err == nil {
			return num
		}
	}
	return 0
}

func validateConfig(config *TOMLConfig) error {
	var problems []string

	if config.Share.Width < 1 || config.Share.Width > 255 {
		problems = append(problems, fmt.Sprintf("share width %d out of range 1-255", config.Share.Width))
	}
	if config.Share.Height < 1 || config.Share.Height > 255 {
		problems = append(problems, fmt.Sprintf("share height %d out of range 1-255", config.Share.Height))
	}
	if config.Share.FPS < 1 || config.Share.FPS > 60 {
		problems = append(problems, fmt.Sprintf("share fps %d out of range 1-60", config.Share.FPS))
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

func writeDefaultConfig(path string, config TOMLConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	header := `# occlient configuration
# This file was auto-generated with default values

`
	if _, err := f.WriteString(header); err != nil {
		return err
	}

	if err := toml.NewEncoder(f).Encode(config); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}
