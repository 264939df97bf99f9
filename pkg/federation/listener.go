package federation

import (
	"crypto/subtle"
	"errors"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/aeolun/fedchat/pkg/protocol"
)

// acceptLoop accepts incoming peer connections
func (m *Manager) acceptLoop() {
	defer m.wg.Done()

	for {
		conn, err := m.listener.Accept()
		if err != nil {
			select {
			case <-m.shutdown:
				return
			default:
				m.log.Warn("federation accept error", zap.Error(err))
				time.Sleep(50 * time.Millisecond)
				continue
			}
		}

		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.handleInbound(conn)
		}()
	}
}

// handleInbound runs the acceptor half of the handshake
func (m *Manager) handleInbound(conn net.Conn) {
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		tcpConn.SetNoDelay(true)
	}

	remoteHost, remotePort := splitRemote(conn.RemoteAddr())
	p := newPeer(conn, nil, remoteHost, remotePort, false, m.peerOptions())
	p.setState(StateHandshaking)

	// Unblock the handshake read if we shut down first
	handshakeDone := make(chan struct{})
	defer close(handshakeDone)
	go func() {
		select {
		case <-m.shutdown:
			conn.SetReadDeadline(time.Now())
		case <-handshakeDone:
		}
	}()

	conn.SetReadDeadline(time.Now().Add(m.cfg.HandshakeTimeout))
	msg, err := p.reader.ReadMessage()
	conn.SetReadDeadline(time.Time{})
	if err != nil {
		m.log.Debug("inbound handshake read failed", zap.String("remote", conn.RemoteAddr().String()), zap.Error(err))
		conn.Close()
		return
	}

	if msg.Type != protocol.TypeServerHandshake {
		m.rejectInbound(p, protocol.TypeErrorInvalidMessage, reasonBadHandshake)
		return
	}
	hello, err := protocol.DecodeHello(msg.Payload)
	if err != nil {
		m.rejectInbound(p, protocol.TypeErrorInvalidMessage, reasonBadHandshake)
		return
	}
	if reason := m.authorize(hello); reason != "" {
		m.rejectInbound(p, protocol.TypeErrorAuthenticationFailed, reason)
		return
	}

	p.mu.Lock()
	p.serverID = hello.ServerID
	p.serverName = hello.ServerName
	p.mu.Unlock()

	ack, err := protocol.Hello{ServerID: m.cfg.ServerID, ServerName: m.cfg.ServerName}.Encode()
	if err != nil {
		m.log.Error("encode handshake ack", zap.Error(err))
		conn.Close()
		return
	}

	// Hold the write lock until the ack is out so nothing overtakes it once the
	// peer is visible in the map
	p.writeMu.Lock()
	p.touch(time.Now())
	p.setState(StateEstablished)
	if err := m.register(p); err != nil {
		p.setState(StateHandshaking)
		p.writeMu.Unlock()
		if errors.Is(err, ErrServerFull) {
			m.rejectInbound(p, protocol.TypeErrorServerFull, reasonServerFull)
		} else {
			m.rejectInbound(p, protocol.TypeErrorAuthenticationFailed, reasonAlreadyConnected)
		}
		return
	}
	err = p.writeLocked(protocol.NewTargetedMessage(protocol.TypeServerHandshakeAck, m.cfg.ServerID, hello.ServerID, ack))
	p.writeMu.Unlock()

	if err != nil {
		m.log.Warn("send handshake ack failed", zap.String("server_id", hello.ServerID), zap.Error(err))
		m.unregister(p)
		p.Close()
		return
	}

	p.start(m)
	m.log.Info("accepted server",
		zap.String("server_id", hello.ServerID),
		zap.String("server_name", hello.ServerName),
		zap.String("remote", conn.RemoteAddr().String()))
}

// authorize checks a handshake and returns the rejection reason, or "" to accept
func (m *Manager) authorize(h protocol.Hello) string {
	if m.cfg.NetworkPassword != "" &&
		subtle.ConstantTimeCompare([]byte(h.Password), []byte(m.cfg.NetworkPassword)) != 1 {
		return reasonBadPassword
	}
	if !m.cfg.IsServerAllowed(h.ServerID) {
		return reasonNotAllowed
	}
	if h.ServerID == m.cfg.ServerID {
		return reasonSelf
	}
	return ""
}

func (m *Manager) rejectInbound(p *Peer, t protocol.MessageType, reason string) {
	m.metrics.RecordHandshakeFailure()
	m.log.Info("rejected server",
		zap.String("server_id", p.ServerID()),
		zap.String("remote", p.conn.RemoteAddr().String()),
		zap.String("reason", reason))

	_ = p.write(protocol.NewMessage(t, m.cfg.ServerID, reason))
	p.Close()
}

// unregister removes p if it is still the registered peer for its id
func (m *Manager) unregister(p *Peer) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.peers[p.ServerID()] == p {
		delete(m.peers, p.ServerID())
		m.metrics.RecordPeers(len(m.peers))
	}
}

func splitRemote(addr net.Addr) (string, int) {
	if tcpAddr, ok := addr.(*net.TCPAddr); ok {
		return tcpAddr.IP.String(), tcpAddr.Port
	}
	host, port, err := SplitAddress(addr.String())
	if err != nil {
		return addr.String(), 0
	}
	return host, port
}
