package federation

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/aeolun/fedchat/pkg/metrics"
	"github.com/aeolun/fedchat/pkg/protocol"
)

// LocalDelivery is the local side the handlers deliver into
type LocalDelivery interface {
	DeliverRemote(serverName, username, text string) int
	DeliverRemotePrivate(from, serverName, to, text string) bool
	Announce(text string) int
	Usernames() []string
	Count() int
	MaxClients() int
}

// Store persists descriptors of servers we have heard of
type Store interface {
	UpsertServer(d protocol.PeerDescriptor) error
}

// Options wires a Manager
type Options struct {
	Config  Config
	Local   LocalDelivery
	Store   Store // optional
	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// Status summarizes the federation for operators
type Status struct {
	ServerID         string        `json:"server_id"`
	ServerName       string        `json:"server_name"`
	ConnectedServers int           `json:"connected_servers"`
	NetworkUsers     int           `json:"network_users"`
	MessagesSent     uint64        `json:"messages_sent"`
	MessagesReceived uint64        `json:"messages_received"`
	Uptime           time.Duration `json:"uptime"`
}

// NetworkUser is a user connected to a peer server
type NetworkUser struct {
	Username   string    `json:"username"`
	ServerID   string    `json:"server_id"`
	ServerName string    `json:"server_name"`
	JoinedAt   time.Time `json:"joined_at"`
}

type inbound struct {
	peer *Peer
	msg  protocol.FederationMessage
}

// Manager owns every peer link and dispatches what they receive
type Manager struct {
	cfg     Config
	local   LocalDelivery
	store   Store
	log     *zap.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex // guards peers and stopping
	peers    map[string]*Peer
	stopping bool

	queueMu sync.Mutex
	queue   []inbound
	wake    chan struct{}

	usersMu sync.RWMutex
	users   map[string]map[string]NetworkUser // server id -> username -> user

	listener  net.Listener
	ctx       context.Context
	cancel    context.CancelFunc
	shutdown  chan struct{}
	wg        sync.WaitGroup
	startedAt time.Time
	startOnce sync.Once
	stopOnce  sync.Once

	sent     atomic.Uint64
	received atomic.Uint64
}

// NewManager creates a federation manager. Start must be called before it accepts peers.
func NewManager(opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &Manager{
		cfg:       opts.Config.withDefaults(),
		local:     opts.Local,
		store:     opts.Store,
		log:       opts.Logger,
		metrics:   opts.Metrics,
		peers:     make(map[string]*Peer),
		wake:      make(chan struct{}, 1),
		users:     make(map[string]map[string]NetworkUser),
		ctx:       ctx,
		cancel:    cancel,
		shutdown:  make(chan struct{}),
		startedAt: time.Now(),
	}
}

// Config returns the effective configuration
func (m *Manager) Config() Config {
	return m.cfg
}

// ServerID returns our federation identity
func (m *Manager) ServerID() string {
	return m.cfg.ServerID
}

// Addr returns the federation listener address, or nil before Start
func (m *Manager) Addr() net.Addr {
	if m.listener == nil {
		return nil
	}
	return m.listener.Addr()
}

// Start opens the federation listener, starts the dispatch and heartbeat loops
// and dials the configured peers
func (m *Manager) Start() error {
	var err error
	m.startOnce.Do(func() {
		addr := m.cfg.listenAddr()
		ln, lerr := net.Listen("tcp", addr)
		if lerr != nil {
			err = fmt.Errorf("failed to listen on %s: %w", addr, lerr)
			return
		}
		m.listener = ln
		m.startedAt = time.Now()
		m.log.Info("federation listening",
			zap.String("addr", ln.Addr().String()),
			zap.String("server_id", m.cfg.ServerID))

		m.wg.Add(3)
		go m.acceptLoop()
		go m.dispatchLoop()
		go m.heartbeatLoop()

		for _, peerAddr := range m.cfg.Peers {
			host, port, perr := SplitAddress(peerAddr)
			if perr != nil {
				m.log.Warn("ignoring configured peer", zap.String("addr", peerAddr), zap.Error(perr))
				continue
			}
			m.scheduleConnect(host, port, 0)
		}
	})
	return err
}

// Stop says goodbye to every peer, closes the links and waits for all goroutines
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		m.mu.Lock()
		m.stopping = true
		peers := make([]*Peer, 0, len(m.peers))
		for _, p := range m.peers {
			peers = append(peers, p)
		}
		m.peers = make(map[string]*Peer)
		m.mu.Unlock()

		close(m.shutdown)
		m.cancel()
		if m.listener != nil {
			m.listener.Close()
		}

		for _, p := range peers {
			p.dropped.Store(true)
			_ = m.send(p, protocol.NewTargetedMessage(protocol.TypeServerDisconnect, m.cfg.ServerID, p.ServerID(), ""))
			p.Close()
		}
		m.metrics.RecordPeers(0)

		m.wg.Wait()
		m.log.Info("federation stopped")
	})
}

// ConnectToServer dials a peer and registers it under its negotiated id.
// Connecting to an address we already have a link to is a no-op.
func (m *Manager) ConnectToServer(ctx context.Context, host string, port int) error {
	addr := net.JoinHostPort(host, strconv.Itoa(port))

	m.mu.Lock()
	if m.stopping {
		m.mu.Unlock()
		return ErrNotConnected
	}
	for _, p := range m.peers {
		if p.Address() == addr {
			m.mu.Unlock()
			return nil
		}
	}
	if len(m.peers) >= m.cfg.MaxPeers {
		m.mu.Unlock()
		return fmt.Errorf("connect to %s: %w", addr, ErrServerFull)
	}
	m.mu.Unlock()

	p, err := Dial(ctx, host, port, m.hello(), m.peerOptions())
	if err != nil {
		if errors.Is(err, ErrAuthenticationFailed) || errors.Is(err, ErrServerFull) {
			m.metrics.RecordHandshakeFailure()
		}
		return fmt.Errorf("connect to %s: %w", addr, err)
	}

	if err := m.register(p); err != nil {
		if errors.Is(err, ErrAuthenticationFailed) {
			m.metrics.RecordHandshakeFailure()
		}
		p.Close()
		return fmt.Errorf("connect to %s: %w", addr, err)
	}
	p.start(m)

	m.log.Info("connected to server",
		zap.String("server_id", p.ServerID()),
		zap.String("server_name", p.ServerName()),
		zap.String("addr", addr))

	m.afterConnect(p)
	return nil
}

// afterConnect introduces ourselves to a freshly dialed peer
func (m *Manager) afterConnect(p *Peer) {
	if payload, err := m.localDescriptor().Encode(); err == nil {
		m.sendLogged(p, protocol.NewTargetedMessage(protocol.TypeServerRegister, m.cfg.ServerID, p.ServerID(), payload))
	}
	if m.cfg.EnableUserSync {
		m.sendLogged(p, protocol.NewTargetedMessage(protocol.TypeUserListRequest, m.cfg.ServerID, p.ServerID(), ""))
	}
}

// register adds an established peer to the map
func (m *Manager) register(p *Peer) error {
	id := p.ServerID()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopping {
		return ErrNotConnected
	}
	if id == m.cfg.ServerID {
		return fmt.Errorf("%w: %s", ErrAuthenticationFailed, reasonSelf)
	}
	if !m.cfg.IsServerAllowed(id) {
		return fmt.Errorf("%w: %s", ErrAuthenticationFailed, reasonNotAllowed)
	}
	if existing, ok := m.peers[id]; ok {
		if existing.State() == StateEstablished {
			return ErrAlreadyConnected
		}
		// A dead link the sweep has not collected yet
		delete(m.peers, id)
		go existing.Close()
	}
	if len(m.peers) >= m.cfg.MaxPeers {
		return ErrServerFull
	}
	m.peers[id] = p
	m.metrics.RecordPeers(len(m.peers))
	return nil
}

// DisconnectFromServer says goodbye to a peer and removes it
func (m *Manager) DisconnectFromServer(serverID string) bool {
	m.mu.Lock()
	p, ok := m.peers[serverID]
	if ok {
		delete(m.peers, serverID)
		m.metrics.RecordPeers(len(m.peers))
	}
	m.mu.Unlock()

	if !ok {
		return false
	}

	p.dropped.Store(true)
	_ = m.send(p, protocol.NewTargetedMessage(protocol.TypeServerDisconnect, m.cfg.ServerID, serverID, ""))
	p.Close()
	m.forgetUsers(serverID)

	m.log.Info("disconnected from server", zap.String("server_id", serverID))
	return true
}

// IsConnectedToServer reports whether an established link to serverID exists
func (m *Manager) IsConnectedToServer(serverID string) bool {
	m.mu.Lock()
	p, ok := m.peers[serverID]
	m.mu.Unlock()
	return ok && p.State() == StateEstablished
}

// GetConnectedServers returns descriptors of every peer, ordered by server id
func (m *Manager) GetConnectedServers() []protocol.PeerDescriptor {
	peers := m.snapshot()
	list := make([]protocol.PeerDescriptor, 0, len(peers))
	for _, p := range peers {
		list = append(list, p.Descriptor())
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ServerID < list[j].ServerID })
	return list
}

// NetworkStatus summarizes the federation
func (m *Manager) NetworkStatus() Status {
	m.usersMu.RLock()
	networkUsers := 0
	for _, set := range m.users {
		networkUsers += len(set)
	}
	m.usersMu.RUnlock()

	return Status{
		ServerID:         m.cfg.ServerID,
		ServerName:       m.cfg.ServerName,
		ConnectedServers: len(m.snapshot()),
		NetworkUsers:     networkUsers,
		MessagesSent:     m.sent.Load(),
		MessagesReceived: m.received.Load(),
		Uptime:           time.Since(m.startedAt),
	}
}

// Broadcast sends msg to every established peer. It fails only when no peer took it.
func (m *Manager) Broadcast(msg protocol.FederationMessage) (int, error) {
	peers := m.snapshot()
	if len(peers) == 0 {
		return 0, ErrNoPeers
	}

	sent := 0
	for _, p := range peers {
		if err := m.send(p, msg); err != nil {
			m.log.Warn("broadcast to peer failed",
				zap.String("server_id", p.ServerID()),
				zap.Stringer("type", msg.Type),
				zap.Error(err))
			continue
		}
		sent++
	}

	if sent == 0 {
		return 0, fmt.Errorf("%w: all %d sends failed", ErrNoPeers, len(peers))
	}
	return sent, nil
}

// SendTo sends msg to one peer, addressing it when no target is set
func (m *Manager) SendTo(serverID string, msg protocol.FederationMessage) error {
	m.mu.Lock()
	p, ok := m.peers[serverID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotConnected, serverID)
	}

	if msg.TargetServerID == "" {
		msg.TargetServerID = serverID
	}
	return m.send(p, msg)
}

// Announce sends an operator message to every peer as a server broadcast
func (m *Manager) Announce(text string) (int, error) {
	return m.Broadcast(protocol.NewMessage(protocol.TypeForwardBroadcast, m.cfg.ServerID, text))
}

// Discover asks every peer for the servers it knows
func (m *Manager) Discover() (int, error) {
	return m.Broadcast(protocol.NewMessage(protocol.TypeServerListRequest, m.cfg.ServerID, ""))
}

func (m *Manager) send(p *Peer, msg protocol.FederationMessage) error {
	if err := p.Send(msg); err != nil {
		return err
	}
	m.sent.Add(1)
	m.metrics.RecordFederationSent(msg.Type.String())
	return nil
}

func (m *Manager) sendLogged(p *Peer, msg protocol.FederationMessage) {
	if err := m.send(p, msg); err != nil {
		m.log.Warn("send to peer failed",
			zap.String("server_id", p.ServerID()),
			zap.Stringer("type", msg.Type),
			zap.Error(err))
	}
}

// snapshot copies the established peers so sends happen outside the lock
func (m *Manager) snapshot() []*Peer {
	m.mu.Lock()
	defer m.mu.Unlock()

	peers := make([]*Peer, 0, len(m.peers))
	for _, p := range m.peers {
		if p.State() == StateEstablished {
			peers = append(peers, p)
		}
	}
	return peers
}

func (m *Manager) hello() protocol.Hello {
	return protocol.Hello{
		ServerID:   m.cfg.ServerID,
		ServerName: m.cfg.ServerName,
		Password:   m.cfg.NetworkPassword,
	}
}

func (m *Manager) peerOptions() PeerOptions {
	return PeerOptions{
		HandshakeTimeout: m.cfg.HandshakeTimeout,
		WriteTimeout:     m.cfg.WriteTimeout,
		Logger:           m.log,
		Metrics:          m.metrics,
	}
}

// localDescriptor describes this server to peers
func (m *Manager) localDescriptor() protocol.PeerDescriptor {
	host := m.cfg.AdvertiseHost
	if host == "" {
		host = "localhost"
	}
	d := protocol.PeerDescriptor{
		ServerID:  m.cfg.ServerID,
		Name:      m.cfg.ServerName,
		Host:      host,
		Port:      m.cfg.InterserverPort,
		LastSeen:  time.Now(),
		Connected: true,
	}
	if m.listener != nil {
		if tcpAddr, ok := m.listener.Addr().(*net.TCPAddr); ok {
			d.Port = tcpAddr.Port
		}
	}
	if m.local != nil {
		d.MaxClients = m.local.MaxClients()
		d.CurrentClients = m.local.Count()
	}
	return d
}

// enqueue is called by peer readers
func (m *Manager) enqueue(p *Peer, msg protocol.FederationMessage) {
	m.queueMu.Lock()
	m.queue = append(m.queue, inbound{peer: p, msg: msg})
	m.queueMu.Unlock()
	m.signal()
}

// peerLost is called by a peer reader that hit a transport error
func (m *Manager) peerLost(p *Peer, err error) {
	m.log.Info("peer connection lost", zap.String("server_id", p.ServerID()), zap.Error(err))
	m.signal()
}

func (m *Manager) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Manager) drain() []inbound {
	m.queueMu.Lock()
	defer m.queueMu.Unlock()

	batch := m.queue
	m.queue = nil
	return batch
}

// dispatchLoop runs the liveness sweep and handles queued messages
func (m *Manager) dispatchLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(DispatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.shutdown:
			return
		case <-m.wake:
		case <-ticker.C:
		}

		m.sweep(time.Now())
		for _, in := range m.drain() {
			m.dispatch(in)
		}
	}
}

// sweep removes peers that went quiet for longer than the peer timeout or lost their link
func (m *Manager) sweep(now time.Time) int {
	m.mu.Lock()
	var evicted []*Peer
	for id, p := range m.peers {
		if p.State() != StateEstablished || now.Sub(p.LastSeen()) > m.cfg.PeerTimeout {
			delete(m.peers, id)
			evicted = append(evicted, p)
		}
	}
	count := len(m.peers)
	m.mu.Unlock()

	for _, p := range evicted {
		reconnect := p.Outbound() && !p.dropped.Load() && m.cfg.Reconnect
		p.Close()
		m.forgetUsers(p.ServerID())
		m.log.Info("removed inactive server",
			zap.String("server_id", p.ServerID()),
			zap.Time("last_seen", p.LastSeen()),
			zap.Bool("reconnect", reconnect))

		if reconnect {
			host, port, err := SplitAddress(p.Address())
			if err == nil {
				m.scheduleConnect(host, port, m.cfg.ReconnectBaseDelay)
			}
		}
	}

	m.metrics.RecordSweep(len(evicted))
	if len(evicted) > 0 {
		m.metrics.RecordPeers(count)
	}
	return len(evicted)
}

// heartbeatLoop asks every peer for its status so quiet but healthy links stay fresh
func (m *Manager) heartbeatLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.shutdown:
			return
		case <-ticker.C:
			if _, err := m.Broadcast(protocol.NewMessage(protocol.TypeStatusRequest, m.cfg.ServerID, "")); err != nil && !errors.Is(err, ErrNoPeers) {
				m.log.Debug("heartbeat failed", zap.Error(err))
			}
		}
	}
}

// scheduleConnect dials host:port after delay. With Reconnect enabled failures
// are retried with exponential backoff; otherwise only one attempt is made.
func (m *Manager) scheduleConnect(host string, port int, delay time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopping {
		return
	}

	m.wg.Add(1)
	go m.connectLoop(host, port, delay)
}

func (m *Manager) connectLoop(host string, port int, delay time.Duration) {
	defer m.wg.Done()
	addr := net.JoinHostPort(host, strconv.Itoa(port))

	for {
		if delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-m.shutdown:
				timer.Stop()
				return
			case <-timer.C:
			}
		}

		err := m.ConnectToServer(m.ctx, host, port)
		if err == nil {
			return
		}
		if !m.cfg.Reconnect || errors.Is(err, ErrAuthenticationFailed) || errors.Is(err, ErrAlreadyConnected) {
			m.log.Warn("failed to connect to server", zap.String("addr", addr), zap.Error(err))
			return
		}

		delay = nextBackoff(delay, m.cfg.ReconnectBaseDelay, m.cfg.ReconnectMaxDelay)
		m.log.Info("connect failed, retrying",
			zap.String("addr", addr),
			zap.Duration("retry_in", delay),
			zap.Error(err))
	}
}

func nextBackoff(cur, base, limit time.Duration) time.Duration {
	if cur <= 0 {
		return base
	}
	next := cur * 2
	if next > limit {
		return limit
	}
	return next
}
