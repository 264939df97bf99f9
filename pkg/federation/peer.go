package federation

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/aeolun/fedchat/pkg/metrics"
	"github.com/aeolun/fedchat/pkg/protocol"
)

var (
	// ErrAuthenticationFailed means either side refused the handshake
	ErrAuthenticationFailed = errors.New("federation handshake rejected")
	// ErrServerFull means one side already holds its maximum number of peers
	ErrServerFull = errors.New("peer server is full")
	// ErrAlreadyConnected means a link to that server id is already established
	ErrAlreadyConnected = errors.New("already connected to server")
	// ErrNotConnected means there is no established link to the server, or the manager is stopping
	ErrNotConnected = errors.New("not connected to server")
	// ErrNoPeers is returned by a broadcast that reached no peer
	ErrNoPeers = errors.New("no connected peers")
)

// Reasons carried in the payload of a handshake rejection
const (
	reasonBadPassword      = "invalid network password"
	reasonNotAllowed       = "server not allowed"
	reasonSelf             = "cannot federate with self"
	reasonAlreadyConnected = "already connected"
	reasonServerFull       = "server full"
	reasonBadHandshake     = "invalid handshake"
)

// PeerState is the lifecycle position of a peer link
type PeerState int32

const (
	StateDisconnected PeerState = iota
	StateConnecting
	StateHandshaking
	StateEstablished
)

func (s PeerState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateEstablished:
		return "established"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// sink receives what a peer's reader produces
type sink interface {
	enqueue(p *Peer, msg protocol.FederationMessage)
	peerLost(p *Peer, err error)
}

// PeerOptions tunes a peer link
type PeerOptions struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	Logger           *zap.Logger
	Metrics          *metrics.Metrics
}

func (o PeerOptions) withDefaults() PeerOptions {
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// Peer is one TCP link to a remote server
type Peer struct {
	conn     net.Conn
	reader   *protocol.RecordReader
	outbound bool
	opts     PeerOptions
	log      *zap.Logger

	mu             sync.RWMutex // guards the descriptor fields below
	serverID       string
	serverName     string
	host           string
	port           int
	maxClients     int
	currentClients int

	writeMu     sync.Mutex
	state       atomic.Int32
	lastSeen    atomic.Int64 // unix nanoseconds, only moves forward
	connectedAt time.Time

	started   atomic.Bool
	dropped   atomic.Bool // closed on purpose; never reconnect
	closeOnce sync.Once
	done      chan struct{}
}

func newPeer(conn net.Conn, reader *protocol.RecordReader, host string, port int, outbound bool, opts PeerOptions) *Peer {
	opts = opts.withDefaults()
	if reader == nil {
		reader = protocol.NewRecordReader(conn)
	}
	return &Peer{
		conn:        conn,
		reader:      reader,
		outbound:    outbound,
		opts:        opts,
		log:         opts.Logger,
		host:        host,
		port:        port,
		connectedAt: time.Now(),
		done:        make(chan struct{}),
	}
}

// Dial connects to host:port and performs the outbound half of the handshake.
// The returned peer is Established but not yet reading; the manager starts it.
func Dial(ctx context.Context, host string, port int, hello protocol.Hello, opts PeerOptions) (*Peer, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	opts = opts.withDefaults()

	dialer := net.Dialer{Timeout: opts.HandshakeTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	if tcpConn, ok := conn.(*net.TCPConn); ok {
		tcpConn.SetNoDelay(true)
	}

	p := newPeer(conn, nil, host, port, true, opts)
	p.setState(StateConnecting)

	if err := p.handshake(hello); err != nil {
		p.setState(StateDisconnected)
		conn.Close()
		return nil, err
	}
	return p, nil
}

func (p *Peer) handshake(hello protocol.Hello) error {
	p.setState(StateHandshaking)

	payload, err := hello.Encode()
	if err != nil {
		return fmt.Errorf("encode handshake: %w", err)
	}
	if err := p.write(protocol.NewMessage(protocol.TypeServerHandshake, hello.ServerID, payload)); err != nil {
		return fmt.Errorf("send handshake: %w", err)
	}

	p.conn.SetReadDeadline(time.Now().Add(p.opts.HandshakeTimeout))
	reply, err := p.reader.ReadMessage()
	p.conn.SetReadDeadline(time.Time{})
	if err != nil {
		return fmt.Errorf("await handshake ack: %w", err)
	}

	switch reply.Type {
	case protocol.TypeServerHandshakeAck:
		remote, err := protocol.DecodeHello(reply.Payload)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrAuthenticationFailed, err)
		}
		p.mu.Lock()
		p.serverID = remote.ServerID
		p.serverName = remote.ServerName
		p.mu.Unlock()
	case protocol.TypeErrorServerFull:
		return ErrServerFull
	case protocol.TypeErrorAuthenticationFailed:
		if reply.Payload == reasonAlreadyConnected {
			return ErrAlreadyConnected
		}
		return fmt.Errorf("%w: %s", ErrAuthenticationFailed, reply.Payload)
	default:
		return fmt.Errorf("%w: unexpected %s reply", ErrAuthenticationFailed, reply.Type)
	}

	p.touch(time.Now())
	p.setState(StateEstablished)
	return nil
}

// start launches the receive goroutine
func (p *Peer) start(s sink) {
	p.started.Store(true)
	go p.receiveLoop(s)
}

func (p *Peer) receiveLoop(s sink) {
	defer close(p.done)

	for {
		msg, err := p.reader.ReadMessage()
		if err != nil {
			if protocol.IsDecodeError(err) {
				p.log.Warn("dropping malformed record", zap.String("server_id", p.ServerID()), zap.Error(err))
				p.opts.Metrics.RecordDroppedRecord()
				continue
			}
			p.setState(StateDisconnected)
			s.peerLost(p, err)
			return
		}

		p.touch(time.Now())
		s.enqueue(p, msg)
	}
}

// Send writes one message. Failure is reported to the caller; the link stays up
// until the reader or the liveness sweep notices.
func (p *Peer) Send(msg protocol.FederationMessage) error {
	if p.State() != StateEstablished {
		return ErrNotConnected
	}
	return p.write(msg)
}

func (p *Peer) write(msg protocol.FederationMessage) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return p.writeLocked(msg)
}

func (p *Peer) writeLocked(msg protocol.FederationMessage) error {
	p.conn.SetWriteDeadline(time.Now().Add(p.opts.WriteTimeout))
	defer p.conn.SetWriteDeadline(time.Time{})
	return protocol.WriteRecord(p.conn, msg)
}

// Close tears the link down and waits for the receive goroutine. Safe to call more than once.
func (p *Peer) Close() error {
	var err error
	p.closeOnce.Do(func() {
		p.setState(StateDisconnected)
		err = p.conn.Close()
	})
	if p.started.Load() {
		<-p.done
	}
	return err
}

// State returns the current lifecycle state
func (p *Peer) State() PeerState {
	return PeerState(p.state.Load())
}

func (p *Peer) setState(s PeerState) {
	p.state.Store(int32(s))
}

// touch advances lastSeen to t unless it is already later
func (p *Peer) touch(t time.Time) {
	n := t.UnixNano()
	for {
		cur := p.lastSeen.Load()
		if n <= cur || p.lastSeen.CompareAndSwap(cur, n) {
			return
		}
	}
}

// LastSeen returns when the peer last sent us anything
func (p *Peer) LastSeen() time.Time {
	return time.Unix(0, p.lastSeen.Load())
}

// ServerID returns the remote server id learnt during the handshake
func (p *Peer) ServerID() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.serverID
}

// ServerName returns the remote display name
func (p *Peer) ServerName() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.serverName == "" {
		return p.serverID
	}
	return p.serverName
}

// Address returns host:port of the remote federation endpoint
func (p *Peer) Address() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return net.JoinHostPort(p.host, strconv.Itoa(p.port))
}

// Outbound reports whether we dialed this peer
func (p *Peer) Outbound() bool {
	return p.outbound
}

// updateStats merges a descriptor the remote sent about itself
func (p *Peer) updateStats(d protocol.PeerDescriptor) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if d.Name != "" {
		p.serverName = d.Name
	}
	// Inbound links only know the remote's ephemeral port until it registers
	if !p.outbound && d.Port > 0 {
		p.port = d.Port
	}
	p.maxClients = d.MaxClients
	p.currentClients = d.CurrentClients
}

// Descriptor returns a snapshot of the peer
func (p *Peer) Descriptor() protocol.PeerDescriptor {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return protocol.PeerDescriptor{
		ServerID:       p.serverID,
		Name:           p.serverName,
		Host:           p.host,
		Port:           p.port,
		MaxClients:     p.maxClients,
		CurrentClients: p.currentClients,
		LastSeen:       p.LastSeen(),
		Connected:      p.State() == StateEstablished,
	}
}
