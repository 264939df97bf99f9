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
	Local      LocalSection      `toml:"local"`
	UI         UISection         `toml:"ui"`
}

type ConnectionSection struct {
	DefaultServer            string `toml:"default_server"`
	DefaultPort              int    `toml:"default_port"`
	AutoReconnect            bool   `toml:"auto_reconnect"`
	ReconnectMaxDelaySeconds int    `toml:"reconnect_max_delay_seconds"`
}

type LocalSection struct {
	LastUsername    string `toml:"last_username"`
	AutoSetUsername bool   `toml:"auto_set_username"`
}

type UISection struct {
	ShowTimestamps bool `toml:"show_timestamps"`
	Notifications  bool `toml:"notifications"`
	HistoryLines   int  `toml:"history_lines"`
}

// ConfigError represents a structured configuration error
type ConfigError struct {
	Path       string
	Message    string
	LineNumber int // 0 if not a parse error
}

func (e *ConfigError) Error() string {
	if e.LineNumber > 0 {
		return fmt.Sprintf("%s (line %d)", e.Message, e.LineNumber)
	}
	return e.Message
}

// DefaultTOMLConfig returns the default TOML configuration
func DefaultTOMLConfig() TOMLConfig {
	return TOMLConfig{
		Connection: ConnectionSection{
			DefaultServer:            "127.0.0.1",
			DefaultPort:              8080,
			AutoReconnect:            false,
			ReconnectMaxDelaySeconds: 30,
		},
		Local: LocalSection{
			AutoSetUsername: true,
		},
		UI: UISection{
			ShowTimestamps: true,
			Notifications:  true,
			HistoryLines:   1000,
		},
	}
}

func expandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, path[2:]), nil
}

// LoadClientConfig loads configuration from a TOML file, creates default if not found
func LoadClientConfig(path string) (TOMLConfig, error) {
	path, err := expandHome(path)
	if err != nil {
		return TOMLConfig{}, err
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		config := DefaultTOMLConfig()
		// Unwritable config dirs still leave us with usable defaults
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

var lineNumberRe = regexp.MustCompile(`line (\d+)`)

// extractLineNumber tries to extract a line number from a TOML parse error
func extractLineNumber(errMsg string) int {
	matches := lineNumberRe.FindStringSubmatch(errMsg)
	if len(matches) > 1 {
		if num, err := strconv.Atoi(matches[1]); err == nil {
			return num
		}
	}
	return 0
}

func validateConfig(config *TOMLConfig) error {
	var errs []string

	if config.Connection.DefaultPort < 1 || config.Connection.DefaultPort > 65535 {
		errs = append(errs, fmt.Sprintf("Invalid port number: %d (must be 1-65535)", config.Connection.DefaultPort))
	}
	if config.Connection.ReconnectMaxDelaySeconds < 0 {
		errs = append(errs, "Reconnect max delay cannot be negative")
	}
	if config.UI.HistoryLines < 0 {
		errs = append(errs, "History lines cannot be negative")
	}

	if len(errs) > 0 {
		return fmt.Errorf("Configuration validation failed:\n  • %s", strings.Join(errs, "\n  • "))
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

	header := `# Chat Client Configuration
# This file was auto-generated with default values
# Edit as needed - changes take effect on next client start

`
	if _, err := f.WriteString(header); err != nil {
		return err
	}

	if err := toml.NewEncoder(f).Encode(config); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// GetServerAddress returns the full server address (host:port or a URL)
func (c *TOMLConfig) GetServerAddress() string {
	server := strings.TrimSpace(c.Connection.DefaultServer)
	if server == "" {
		return ""
	}
	if strings.Contains(server, "://") {
		return server
	}

	port := c.Connection.DefaultPort
	if port <= 0 {
		return server
	}
	return fmt.Sprintf("%s:%d", server, port)
}

// RememberUsername stores the last username used so the next start can reuse it
func RememberUsername(path, username string) error {
	path, err := expandHome(path)
	if err != nil {
		return err
	}

	config, err := LoadClientConfig(path)
	if err != nil {
		return err
	}
	config.Local.LastUsername = username
	return writeDefaultConfig(path, config)
}
