package server

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/aeolun/fedchat/pkg/chat"
	"github.com/aeolun/fedchat/pkg/federation"
	"github.com/aeolun/fedchat/pkg/protocol"
)

// TOMLConfig represents the structure of the server config file
type TOMLConfig struct {
	Server     ServerSection     `toml:"server"`
	Federation FederationSection `toml:"federation"`
	Retention  RetentionSection  `toml:"retention"`
	Logging    LoggingSection    `toml:"logging"`
}

type ServerSection struct {
	ServerID            string `toml:"server_id"`
	ServerName          string `toml:"server_name"`
	TCPPort             int    `toml:"tcp_port"`
	HTTPPort            int    `toml:"http_port"`
	SSHPort             int    `toml:"ssh_port"`
	SSHHostKey          string `toml:"ssh_host_key"`
	MaxClients          int    `toml:"max_clients"`
	WriteTimeoutSeconds int    `toml:"write_timeout_seconds"`
	DatabasePath        string `toml:"database_path"`
}

type FederationSection struct {
	Enabled            bool     `toml:"enabled"`
	InterserverPort    int      `toml:"interserver_port"`
	AdvertiseHost      string   `toml:"advertise_host"`
	NetworkPassword    string   `toml:"network_password"`
	AllowedServers     []string `toml:"allowed_servers"`
	Peers              []string `toml:"peers"`
	MaxPeers           int      `toml:"max_peers"`
	UserSync           bool     `toml:"user_sync"`
	MessageForwarding  bool     `toml:"message_forwarding"`
	HeartbeatSeconds   int      `toml:"heartbeat_seconds"`
	PeerTimeoutSeconds int      `toml:"peer_timeout_seconds"`
	Reconnect          bool     `toml:"reconnect"`
}

type RetentionSection struct {
	SessionHistoryHours    int `toml:"session_history_hours"`
	KnownServerDays        int `toml:"known_server_days"`
	CleanupIntervalMinutes int `toml:"cleanup_interval_minutes"`
}

type LoggingSection struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// DefaultTOMLConfig returns the default TOML configuration
func DefaultTOMLConfig() TOMLConfig {
	return TOMLConfig{
		Server: ServerSection{
			ServerName:          chat.DefaultServerName,
			TCPPort:             8080,
			HTTPPort:            8082,
			SSHPort:             8022,
			SSHHostKey:          "~/.fedchat/ssh_host_key",
			MaxClients:          chat.DefaultMaxClients,
			WriteTimeoutSeconds: 10,
			DatabasePath:        "~/.fedchat/fedchat.db",
		},
		Federation: FederationSection{
			Enabled:            false,
			InterserverPort:    protocol.DefaultInterserverPort,
			AllowedServers:     []string{},
			Peers:              []string{},
			MaxPeers:           protocol.MaxServersPerNetwork,
			UserSync:           true,
			MessageForwarding:  true,
			HeartbeatSeconds:   60,
			PeerTimeoutSeconds: protocol.ServerTimeoutSeconds,
		},
		Retention: RetentionSection{
			SessionHistoryHours:    168, // 7 days
			KnownServerDays:        30,
			CleanupIntervalMinutes: 60,
		},
		Logging: LoggingSection{
			Level:  "info",
			Format: "json",
		},
	}
}

// expandHome replaces a leading ~/ with the user's home directory
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

// LoadConfig loads configuration from a TOML file, creates default if not found.
// Keys missing from the file keep their default values.
func LoadConfig(path string) (TOMLConfig, error) {
	path, err := expandHome(path)
	if err != nil {
		return TOMLConfig{}, err
	}

	config := DefaultTOMLConfig()

	// Check if file exists
	if _, err := os.Stat(path); os.IsNotExist(err) {
		// Give the new server a stable identity before writing the file
		config.Server.ServerID = federation.GenerateServerID()
		if err := writeDefaultConfig(path, config); err != nil {
			// If we can't write, just return defaults without error
			// (might be a permissions issue, but we can still run)
			return config, nil
		}
		return config, nil
	}

	if _, err := toml.DecodeFile(path, &config); err != nil {
		return TOMLConfig{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// writeDefaultConfig writes the default config to a file
func writeDefaultConfig(path string, config TOMLConfig) error {
	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	header := `# Chat Server Configuration
# This file was auto-generated with default values
# Edit as needed and restart the server for changes to take effect
#
# [federation] peers are "host:port" addresses dialed on startup.
# An empty allowed_servers list accepts every server that knows the network password.

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

// ToServerConfig converts TOMLConfig to ServerConfig
func (c *TOMLConfig) ToServerConfig() ServerConfig {
	cfg := DefaultConfig()

	if c.Server.ServerID != "" {
		cfg.Federation.ServerID = c.Server.ServerID
	}
	if strings.TrimSpace(c.Server.ServerName) != "" {
		cfg.ServerName = c.Server.ServerName
	}
	if c.Server.TCPPort != 0 {
		cfg.TCPPort = c.Server.TCPPort
	}
	// Negative disables the listener
	if c.Server.HTTPPort != 0 {
		cfg.HTTPPort = max(c.Server.HTTPPort, 0)
	}
	if c.Server.SSHPort != 0 {
		cfg.SSHPort = max(c.Server.SSHPort, 0)
	}
	if strings.TrimSpace(c.Server.SSHHostKey) != "" {
		cfg.SSHHostKeyPath = c.Server.SSHHostKey
	}
	if c.Server.MaxClients > 0 {
		cfg.MaxClients = c.Server.MaxClients
	}
	if c.Server.WriteTimeoutSeconds > 0 {
		cfg.WriteTimeout = time.Duration(c.Server.WriteTimeoutSeconds) * time.Second
	}
	if strings.TrimSpace(c.Server.DatabasePath) != "" {
		cfg.DatabasePath = c.Server.DatabasePath
	}

	fed := &cfg.Federation
	fed.ServerName = cfg.ServerName
	fed.EnableInterserverCommunication = c.Federation.Enabled
	if c.Federation.InterserverPort != 0 {
		fed.InterserverPort = c.Federation.InterserverPort
	}
	fed.AdvertiseHost = c.Federation.AdvertiseHost
	fed.NetworkPassword = c.Federation.NetworkPassword
	fed.AllowedServers = append([]string(nil), c.Federation.AllowedServers...)
	fed.Peers = append([]string(nil), c.Federation.Peers...)
	if c.Federation.MaxPeers > 0 {
		fed.MaxPeers = c.Federation.MaxPeers
	}
	fed.EnableUserSync = c.Federation.UserSync
	fed.EnableMessageForwarding = c.Federation.MessageForwarding
	if c.Federation.HeartbeatSeconds > 0 {
		fed.HeartbeatInterval = time.Duration(c.Federation.HeartbeatSeconds) * time.Second
	}
	if c.Federation.PeerTimeoutSeconds > 0 {
		fed.PeerTimeout = time.Duration(c.Federation.PeerTimeoutSeconds) * time.Second
	}
	fed.Reconnect = c.Federation.Reconnect

	if c.Retention.SessionHistoryHours > 0 {
		cfg.SessionRetention = time.Duration(c.Retention.SessionHistoryHours) * time.Hour
	}
	if c.Retention.KnownServerDays > 0 {
		cfg.KnownServerMaxAge = time.Duration(c.Retention.KnownServerDays) * 24 * time.Hour
	}
	if c.Retention.CleanupIntervalMinutes > 0 {
		cfg.CleanupInterval = time.Duration(c.Retention.CleanupIntervalMinutes) * time.Minute
	}

	return cfg
}

// GetDatabasePath returns the database path with ~ expanded
func (c *TOMLConfig) GetDatabasePath() (string, error) {
	return expandHome(c.Server.DatabasePath)
}
