package client

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// ConnectionStateType represents the connection status
type ConnectionStateType int

const (
	StateTypeConnected ConnectionStateType = iota
	StateTypeDisconnected
	StateTypeReconnecting
)

// ConnectionStateUpdate represents a connection state change
type ConnectionStateUpdate struct {
	State   ConnectionStateType
	Attempt int
	Err     error
}

// Line is one piece of server output. Partial lines are prompts the server
// left unterminated while it waits for input.
type Line struct {
	Text    string
	Partial bool
}

// Connection is a line-oriented client connection to a chat server
type Connection struct {
	addr string
	dial func() (net.Conn, error)
	conn net.Conn
	done chan struct{} // closed when conn is torn down
	mu   sync.RWMutex

	connected    bool
	reconnecting bool

	incoming    chan Line
	outgoing    chan string
	errors      chan error
	stateChange chan ConnectionStateUpdate

	autoReconnect     bool
	reconnectDelay    time.Duration
	maxReconnectDelay time.Duration

	bytesSent     atomic.Uint64
	bytesReceived atomic.Uint64

	log *zap.Logger

	shutdown  chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewConnection parses addr and prepares a connection. Accepted forms are
// host[:port], tcp://host[:port], ws://host[:port], wss://host[:port] and
// ssh://[user@]host[:port].
func NewConnection(addr string) (*Connection, error) {
	dialConfig, err := parseServerAddress(addr)
	if err != nil {
		return nil, err
	}

	return &Connection{
		addr:              dialConfig.display,
		dial:              dialConfig.dial,
		incoming:          make(chan Line, 256),
		outgoing:          make(chan string, 100),
		errors:            make(chan error, 10),
		stateChange:       make(chan ConnectionStateUpdate, 10),
		reconnectDelay:    time.Second,
		maxReconnectDelay: 30 * time.Second,
		log:               zap.NewNop(),
		shutdown:          make(chan struct{}),
	}, nil
}

// SetLogger sets a logger for connection events
func (c *Connection) SetLogger(logger *zap.Logger) {
	if logger != nil {
		c.log = logger
	}
}

// EnableAutoReconnect turns on reconnection with exponential backoff up to maxDelay
func (c *Connection) EnableAutoReconnect(maxDelay time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.autoReconnect = true
	if maxDelay > 0 {
		c.maxReconnectDelay = maxDelay
	}
}

// Connect establishes the connection and starts the read and write loops
func (c *Connection) Connect() error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return fmt.Errorf("already connected")
	}
	c.mu.Unlock()

	c.log.Debug("connecting", zap.String("addr", c.addr))

	conn, err := c.dial()
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}

	done := make(chan struct{})
	c.mu.Lock()
	c.conn = conn
	c.done = done
	c.connected = true
	c.mu.Unlock()

	c.log.Info("connected", zap.String("addr", c.addr))

	c.wg.Add(2)
	go c.readLoop(conn)
	go c.writeLoop(conn, done)
	return nil
}

// Close shuts down the connection permanently
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		close(c.shutdown)
		c.mu.Lock()
		c.connected = false
		if c.conn != nil {
			c.conn.Close()
		}
		c.mu.Unlock()
		c.wg.Wait()
	})
}

// Send queues one line for the server
func (c *Connection) Send(line string) error {
	select {
	case <-c.shutdown:
		return fmt.Errorf("connection closed")
	default:
	}

	select {
	case c.outgoing <- line:
		return nil
	default:
		return fmt.Errorf("outgoing queue full")
	}
}

// Incoming returns server output, one line at a time
func (c *Connection) Incoming() <-chan Line {
	return c.incoming
}

// Errors returns the channel for connection errors
func (c *Connection) Errors() <-chan error {
	return c.errors
}

// StateChanges returns the channel for connection state updates
func (c *Connection) StateChanges() <-chan ConnectionStateUpdate {
	return c.stateChange
}

// IsConnected returns whether the connection is active
func (c *Connection) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// GetAddress returns the server address
func (c *Connection) GetAddress() string {
	return c.addr
}

func (c *Connection) GetBytesSent() uint64 {
	return c.bytesSent.Load()
}

func (c *Connection) GetBytesReceived() uint64 {
	return c.bytesReceived.Load()
}

func (c *Connection) readLoop(conn net.Conn) {
	defer c.wg.Done()

	var splitter lineSplitter
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			c.bytesReceived.Add(uint64(n))
			for _, line := range splitter.Feed(buf[:n]) {
				select {
				case c.incoming <- line:
				case <-c.shutdown:
					return
				}
			}
		}
		if err != nil {
			if rest, ok := splitter.Flush(); ok {
				select {
				case c.incoming <- rest:
				case <-c.shutdown:
					return
				}
			}
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				c.log.Info("connection closed by server")
			} else {
				c.log.Warn("read error", zap.Error(err))
			}
			c.handleDisconnect(conn)
			return
		}
	}
}

func (c *Connection) writeLoop(conn net.Conn, done <-chan struct{}) {
	defer c.wg.Done()

	for {
		select {
		case <-done:
			return
		case line := <-c.outgoing:
			n, err := io.WriteString(conn, line+"\n")
			c.bytesSent.Add(uint64(n))
			if err != nil {
				c.log.Warn("write error", zap.Error(err))
				c.pushError(fmt.Errorf("write error: %w", err))
				c.handleDisconnect(conn)
				return
			}
		case <-c.shutdown:
			return
		}
	}
}

func (c *Connection) pushError(err error) {
	select {
	case c.errors <- err:
	default:
	}
}

func (c *Connection) pushState(update ConnectionStateUpdate) {
	select {
	case c.stateChange <- update:
	default:
	}
}

// handleDisconnect tears down conn once; the loop that notices first wins
func (c *Connection) handleDisconnect(conn net.Conn) {
	c.mu.Lock()
	if c.conn != conn || !c.connected {
		c.mu.Unlock()
		return
	}
	c.connected = false
	c.conn.Close()
	c.conn = nil
	close(c.done)
	autoReconnect := c.autoReconnect
	c.mu.Unlock()

	select {
	case <-c.shutdown:
		return
	default:
	}

	disconnectErr := errors.New("disconnected from server")
	c.pushState(ConnectionStateUpdate{State: StateTypeDisconnected, Err: disconnectErr})

	if autoReconnect {
		go c.reconnectLoop()
	}
}

// reconnectLoop attempts to reconnect with exponential backoff
func (c *Connection) reconnectLoop() {
	c.mu.Lock()
	if c.reconnecting {
		c.mu.Unlock()
		return
	}
	c.reconnecting = true
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.reconnecting = false
		c.mu.Unlock()
	}()

	delay := c.reconnectDelay
	for attempt := 1; ; attempt++ {
		select {
		case <-c.shutdown:
			return
		case <-time.After(delay):
		}

		c.pushState(ConnectionStateUpdate{State: StateTypeReconnecting, Attempt: attempt})
		if err := c.Connect(); err != nil {
			c.log.Debug("reconnect failed", zap.Int("attempt", attempt), zap.Error(err))
			delay = min(delay*2, c.maxReconnectDelay)
			continue
		}

		c.log.Info("reconnected", zap.Int("attempts", attempt))
		c.pushState(ConnectionStateUpdate{State: StateTypeConnected})
		return
	}
}

// lineSplitter turns a byte stream into lines. The server's only unterminated
// output is a prompt ending in ": ", which is released as a partial line.
type lineSplitter struct {
	pending []byte
}

func (s *lineSplitter) Feed(data []byte) []Line {
	s.pending = append(s.pending, data...)

	var lines []Line
	for {
		i := bytes.IndexByte(s.pending, '\n')
		if i < 0 {
			break
		}
		text := strings.TrimSuffix(string(s.pending[:i]), "\r")
		lines = append(lines, Line{Text: text})
		s.pending = s.pending[i+1:]
	}

	if strings.HasSuffix(string(s.pending), ": ") {
		lines = append(lines, Line{Text: string(s.pending), Partial: true})
		s.pending = nil
	}
	return lines
}

// Flush releases whatever is left once the stream ends
func (s *lineSplitter) Flush() (Line, bool) {
	if len(s.pending) == 0 {
		return Line{}, false
	}
	line := Line{Text: string(s.pending), Partial: true}
	s.pending = nil
	return line, true
}

type dialConfig struct {
	display string
	dial    func() (net.Conn, error)
}

const (
	defaultTCPPort       = "8080"
	defaultHTTPPort      = "8082"
	defaultSSHPort       = "8022"
	sshServerBannerStart = "SSH-2.0-FedChat"
	dialTimeout          = 10 * time.Second
)

func parseServerAddress(raw string) (*dialConfig, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, errors.New("server address is empty")
	}

	scheme := "tcp"
	user := ""
	hostPort := trimmed
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
			dial: func() (net.Conn, error) {
				return net.DialTimeout("tcp", address, dialTimeout)
			},
		}, nil

	case "ws", "wss":
		host, port, err := splitHostPortWithDefault(hostPort, defaultHTTPPort)
		if err != nil {
			return nil, err
		}
		address := net.JoinHostPort(host, port)
		useTLS := scheme == "wss"
		return &dialConfig{
			display: fmt.Sprintf("%s://%s", scheme, address),
			dial: func() (net.Conn, error) {
				return DialWebSocket(address, useTLS)
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
		address := net.JoinHostPort(host, port)
		return &dialConfig{
			display: fmt.Sprintf("ssh://%s@%s", user, address),
			dial: func() (net.Conn, error) {
				return dialSSH(user, address, knownHostsPath())
			},
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
		host = strings.TrimPrefix(strings.TrimSuffix(hostPort, "]"), "[")
		return host, defaultPort, nil
	}
	return "", "", err
}

func defaultSSHUser() string {
	for _, env := range []string{"FEDCHAT_SSH_USER", "USER", "USERNAME"} {
		if user := os.Getenv(env); user != "" {
			return user
		}
	}
	return "anonymous"
}

func knownHostsPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".fedchat", "known_hosts")
}

// hostKeyCallback trusts a host the first time it is seen and pins its key
// afterwards. An empty path disables pinning.
func hostKeyCallback(path string) ssh.HostKeyCallback {
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		if path == "" {
			return nil
		}

		if _, err := os.Stat(path); err == nil {
			check, err := knownhosts.New(path)
			if err != nil {
				return fmt.Errorf("read %s: %w", path, err)
			}
			err = check(hostname, remote, key)
			var keyErr *knownhosts.KeyError
			if err == nil || !errors.As(err, &keyErr) {
				return err
			}
			if len(keyErr.Want) > 0 {
				return fmt.Errorf("host key for %s changed (fingerprint %s); remove the old entry from %s if this is expected",
					hostname, ssh.FingerprintSHA256(key), path)
			}
		}

		return appendKnownHost(path, hostname, key)
	}
}

func appendKnownHost(path, hostname string, key ssh.PublicKey) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = fmt.Fprintln(f, knownhosts.Line([]string{knownhosts.Normalize(hostname)}, key))
	return err
}

func dialSSH(user, address, knownHosts string) (net.Conn, error) {
	netConn, err := net.DialTimeout("tcp", address, dialTimeout)
	if err != nil {
		return nil, err
	}

	// Chat servers accept any client, so no auth methods are offered
	config := &ssh.ClientConfig{
		User:            user,
		HostKeyCallback: hostKeyCallback(knownHosts),
		Timeout:         dialTimeout,
	}

	clientConn, chans, reqs, err := ssh.NewClientConn(netConn, address, config)
	if err != nil {
		netConn.Close()
		return nil, err
	}

	banner := string(clientConn.ServerVersion())
	if !strings.HasPrefix(banner, sshServerBannerStart) {
		clientConn.Close()
		return nil, fmt.Errorf("remote server advertised %q; expected a chat server (banner prefix %q)", banner, sshServerBannerStart)
	}

	client := ssh.NewClient(clientConn, chans, reqs)
	session, err := client.NewSession()
	if err != nil {
		client.Close()
		return nil, err
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		client.Close()
		return nil, err
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		client.Close()
		return nil, err
	}
	if err := session.Shell(); err != nil {
		client.Close()
		return nil, err
	}

	return &sshClientConn{
		session:    session,
		client:     client,
		stdin:      stdin,
		stdout:     stdout,
		localAddr:  netConn.LocalAddr(),
		remoteAddr: netConn.RemoteAddr(),
	}, nil
}

type sshClientConn struct {
	session    *ssh.Session
	client     *ssh.Client
	stdin      io.WriteCloser
	stdout     io.Reader
	localAddr  net.Addr
	remoteAddr net.Addr
	once       sync.Once
}

func (c *sshClientConn) Read(b []byte) (int, error) {
	return c.stdout.Read(b)
}

func (c *sshClientConn) Write(b []byte) (int, error) {
	return c.stdin.Write(b)
}

func (c *sshClientConn) Close() error {
	var err error
	c.once.Do(func() {
		_ = c.session.Close()
		err = c.client.Close()
	})
	return err
}

func (c *sshClientConn) LocalAddr() net.Addr  { return c.localAddr }
func (c *sshClientConn) RemoteAddr() net.Addr { return c.remoteAddr }

func (c *sshClientConn) SetDeadline(t time.Time) error      { return nil }
func (c *sshClientConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *sshClientConn) SetWriteDeadline(t time.Time) error { return nil }
