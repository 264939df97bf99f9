package federation

import (
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/aeolun/fedchat/pkg/protocol"
)

const (
	// DispatchInterval bounds how long queued messages wait when no wake signal arrives
	DispatchInterval = 1 * time.Second

	DefaultHeartbeatInterval = 60 * time.Second
	DefaultPeerTimeout       = protocol.ServerTimeoutSeconds * time.Second
	DefaultHandshakeTimeout  = protocol.HandshakeTimeoutSeconds * time.Second
	DefaultWriteTimeout      = 10 * time.Second

	// ReconnectBaseDelay is the first retry delay after a peer is lost
	ReconnectBaseDelay = 1 * time.Second
	// ReconnectMaxDelay caps the exponential backoff
	ReconnectMaxDelay = 60 * time.Second

	serverIDPrefix = "SERVER_"
	serverIDLength = 8
)

// Config is the federation view of the server configuration
type Config struct {
	ServerID      string
	ServerName    string
	AdvertiseHost string // host placed in our descriptor; peers learn our address from the socket otherwise
	ListenAddr    string // overrides ":InterserverPort" when set

	InterserverPort int
	NetworkPassword string
	AllowedServers  []string // empty allows every server
	Peers           []string // host:port dialed on Start

	EnableInterserverCommunication bool
	EnableUserSync                 bool
	EnableMessageForwarding        bool

	MaxPeers          int
	HeartbeatInterval time.Duration
	PeerTimeout       time.Duration
	HandshakeTimeout  time.Duration
	WriteTimeout      time.Duration

	// Reconnect redials outbound peers lost to a transport failure
	Reconnect          bool
	ReconnectBaseDelay time.Duration
	ReconnectMaxDelay  time.Duration
}

// DefaultConfig returns the federation defaults
func DefaultConfig() Config {
	return Config{
		ServerName:                     "ChatServer",
		InterserverPort:                protocol.DefaultInterserverPort,
		EnableInterserverCommunication: false,
		EnableUserSync:                 true,
		EnableMessageForwarding:        true,
		MaxPeers:                       protocol.MaxServersPerNetwork,
		HeartbeatInterval:              DefaultHeartbeatInterval,
		PeerTimeout:                    DefaultPeerTimeout,
		HandshakeTimeout:               DefaultHandshakeTimeout,
		WriteTimeout:                   DefaultWriteTimeout,
		ReconnectBaseDelay:             ReconnectBaseDelay,
		ReconnectMaxDelay:              ReconnectMaxDelay,
	}
}

// withDefaults fills zero values from DefaultConfig
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ServerID == "" {
		c.ServerID = GenerateServerID()
	}
	if c.ServerName == "" {
		c.ServerName = d.ServerName
	}
	if c.InterserverPort == 0 {
		c.InterserverPort = d.InterserverPort
	}
	if c.MaxPeers <= 0 {
		c.MaxPeers = d.MaxPeers
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.PeerTimeout <= 0 {
		c.PeerTimeout = d.PeerTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = d.HandshakeTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.ReconnectBaseDelay <= 0 {
		c.ReconnectBaseDelay = d.ReconnectBaseDelay
	}
	if c.ReconnectMaxDelay < c.ReconnectBaseDelay {
		c.ReconnectMaxDelay = max(d.ReconnectMaxDelay, c.ReconnectBaseDelay)
	}
	return c
}

func (c Config) listenAddr() string {
	if c.ListenAddr != "" {
		return c.ListenAddr
	}
	return ":" + strconv.Itoa(c.InterserverPort)
}

// IsServerAllowed reports whether serverID may federate with us
func (c Config) IsServerAllowed(serverID string) bool {
	if len(c.AllowedServers) == 0 {
		return true
	}
	for _, allowed := range c.AllowedServers {
		if allowed == serverID {
			return true
		}
	}
	return false
}

// GenerateServerID returns a fresh identifier of the form SERVER_XXXXXXXX
func GenerateServerID() string {
	id := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))
	return serverIDPrefix + id[:serverIDLength]
}

// SplitAddress parses host:port
func SplitAddress(addr string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return "", 0, &net.AddrError{Err: "invalid port", Addr: addr}
	}
	return host, port, nil
}
