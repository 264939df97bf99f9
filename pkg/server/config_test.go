package server

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"
)

func TestDefaultTOMLConfigIncludesSSHSettings(t *testing.T) {
	cfg := DefaultTOMLConfig()

	if cfg.Server.SSHPort <= 0 {
		t.Fatalf("expected default SSH port to be positive, got %d", cfg.Server.SSHPort)
	}

	if cfg.Server.SSHHostKey == "" {
		t.Fatal("expected default SSH host key path to be set")
	}

	if !cfg.Federation.UserSync || !cfg.Federation.MessageForwarding {
		t.Fatal("expected user sync and message forwarding on by default")
	}
	if cfg.Federation.Enabled {
		t.Fatal("expected federation off by default")
	}
}

func TestToServerConfigMapsSSHSettings(t *testing.T) {
	cfg := DefaultTOMLConfig()
	cfg.Server.SSHPort = 2222
	cfg.Server.SSHHostKey = "/tmp/host_key"

	serverCfg := cfg.ToServerConfig()

	if serverCfg.SSHPort != 2222 {
		t.Fatalf("expected SSHPort 2222, got %d", serverCfg.SSHPort)
	}

	if serverCfg.SSHHostKeyPath != "/tmp/host_key" {
		t.Fatalf("expected SSHHostKeyPath /tmp/host_key, got %s", serverCfg.SSHHostKeyPath)
	}
}

func TestToServerConfigNegativePortDisables(t *testing.T) {
	cfg := DefaultTOMLConfig()
	cfg.Server.SSHPort = -1
	cfg.Server.HTTPPort = -1

	serverCfg := cfg.ToServerConfig()

	if serverCfg.SSHPort != 0 || serverCfg.HTTPPort != 0 {
		t.Fatalf("expected disabled listeners, got ssh=%d http=%d", serverCfg.SSHPort, serverCfg.HTTPPort)
	}
}

func TestToServerConfigMapsFederation(t *testing.T) {
	cfg := DefaultTOMLConfig()
	cfg.Server.ServerID = "SERVER_ABCD1234"
	cfg.Server.ServerName = "alpha"
	cfg.Federation.Enabled = true
	cfg.Federation.InterserverPort = 9191
	cfg.Federation.NetworkPassword = "secret"
	cfg.Federation.AllowedServers = []string{"SERVER_B"}
	cfg.Federation.Peers = []string{"10.0.0.2:8081"}
	cfg.Federation.MessageForwarding = false
	cfg.Federation.PeerTimeoutSeconds = 90
	cfg.Federation.Reconnect = true

	fed := cfg.ToServerConfig().Federation

	if fed.ServerID != "SERVER_ABCD1234" || fed.ServerName != "alpha" {
		t.Fatalf("identity not mapped: %+v", fed)
	}
	if !fed.EnableInterserverCommunication || fed.InterserverPort != 9191 {
		t.Fatalf("listener not mapped: %+v", fed)
	}
	if fed.NetworkPassword != "secret" || len(fed.AllowedServers) != 1 || len(fed.Peers) != 1 {
		t.Fatalf("access settings not mapped: %+v", fed)
	}
	if fed.EnableMessageForwarding || !fed.EnableUserSync {
		t.Fatalf("feature flags not mapped: %+v", fed)
	}
	if fed.PeerTimeout != 90*time.Second || !fed.Reconnect {
		t.Fatalf("liveness settings not mapped: %+v", fed)
	}
	if !fed.IsServerAllowed("SERVER_B") || fed.IsServerAllowed("SERVER_C") {
		t.Fatal("allow list not applied")
	}

	// The returned config must not alias the TOML slices
	cfg.Federation.Peers[0] = "changed:1"
	if fed.Peers[0] != "10.0.0.2:8081" {
		t.Fatal("peers slice aliased")
	}
}

func TestToServerConfigFallsBackToDefaults(t *testing.T) {
	var cfg TOMLConfig

	serverCfg := cfg.ToServerConfig()

	defaults := DefaultConfig()

	if serverCfg.SSHPort != defaults.SSHPort {
		t.Fatalf("expected fallback SSHPort %d, got %d", defaults.SSHPort, serverCfg.SSHPort)
	}

	if serverCfg.SSHHostKeyPath != defaults.SSHHostKeyPath {
		t.Fatalf("expected fallback SSHHostKeyPath %s, got %s", defaults.SSHHostKeyPath, serverCfg.SSHHostKeyPath)
	}

	if serverCfg.MaxClients != defaults.MaxClients {
		t.Fatalf("expected fallback MaxClients %d, got %d", defaults.MaxClients, serverCfg.MaxClients)
	}

	if serverCfg.ServerName != defaults.ServerName {
		t.Fatalf("expected fallback ServerName %s, got %s", defaults.ServerName, serverCfg.ServerName)
	}

	if serverCfg.Federation.InterserverPort != defaults.Federation.InterserverPort {
		t.Fatalf("expected fallback InterserverPort %d, got %d", defaults.Federation.InterserverPort, serverCfg.Federation.InterserverPort)
	}

	if serverCfg.CleanupInterval != defaults.CleanupInterval {
		t.Fatalf("expected fallback CleanupInterval %v, got %v", defaults.CleanupInterval, serverCfg.CleanupInterval)
	}
}

func TestLoadConfigWritesDefaultFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "server.toml")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if !regexp.MustCompile(`^SERVER_[0-9A-F]{8}$`).MatchString(cfg.Server.ServerID) {
		t.Fatalf("expected generated server id, got %q", cfg.Server.ServerID)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("default config not written: %v", err)
	}
	if !strings.HasPrefix(string(data), "# Chat Server Configuration") {
		t.Fatalf("missing header in:\n%s", data)
	}

	// Loading again keeps the generated identity
	again, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if again.Server.ServerID != cfg.Server.ServerID {
		t.Fatalf("server id changed across loads: %s -> %s", cfg.Server.ServerID, again.Server.ServerID)
	}
}

func TestLoadConfigKeepsDefaultsForMissingKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.toml")
	content := `
[server]
server_name = "beta"
tcp_port = 9000

[federation]
enabled = true
peers = ["127.0.0.1:8081"]

[logging]
level = "debug"
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if cfg.Server.ServerName != "beta" || cfg.Server.TCPPort != 9000 {
		t.Fatalf("file values not applied: %+v", cfg.Server)
	}
	if cfg.Server.SSHPort != DefaultTOMLConfig().Server.SSHPort {
		t.Fatalf("expected default ssh port, got %d", cfg.Server.SSHPort)
	}
	if !cfg.Federation.Enabled || !cfg.Federation.UserSync || !cfg.Federation.MessageForwarding {
		t.Fatalf("federation defaults lost: %+v", cfg.Federation)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Fatalf("logging not merged: %+v", cfg.Logging)
	}
}

func TestLoadConfigRejectsInvalidTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.toml")
	if err := os.WriteFile(path, []byte("[server\ntcp_port = "), 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestGetDatabasePathExpandsHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}

	cfg := DefaultTOMLConfig()
	cfg.Server.DatabasePath = "~/chat/data.db"

	path, err := cfg.GetDatabasePath()
	if err != nil {
		t.Fatalf("GetDatabasePath failed: %v", err)
	}
	if path != filepath.Join(home, "chat", "data.db") {
		t.Fatalf("unexpected path %s", path)
	}
}
