package federation

import (
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/aeolun/fedchat/pkg/chat"
	"github.com/aeolun/fedchat/pkg/protocol"
)

// dispatch handles one queued message on the dispatch loop
func (m *Manager) dispatch(in inbound) {
	msg := in.msg
	m.received.Add(1)
	m.metrics.RecordFederationReceived(msg.Type.String())

	if !msg.IsBroadcast() && msg.TargetServerID != m.cfg.ServerID {
		m.log.Debug("ignoring message for another server",
			zap.Stringer("type", msg.Type),
			zap.String("target", msg.TargetServerID))
		return
	}

	if err := m.handleMessage(in.peer, msg); err != nil {
		m.log.Warn("federation handler failed",
			zap.String("server_id", in.peer.ServerID()),
			zap.Stringer("type", msg.Type),
			zap.Error(err))
	}
}

// handleMessage dispatches a message to the handler for its type
func (m *Manager) handleMessage(p *Peer, msg protocol.FederationMessage) error {
	switch msg.Type {
	case protocol.TypeServerHandshake, protocol.TypeServerHandshakeAck, protocol.TypeServerRegisterAck:
		m.log.Debug("peer control message", zap.String("server_id", p.ServerID()), zap.Stringer("type", msg.Type))
		return nil
	case protocol.TypeServerRegister:
		return m.handleRegister(p, msg)
	case protocol.TypeServerDisconnect:
		return m.handleDisconnect(p)
	case protocol.TypeForwardPublic:
		return m.handleForwardPublic(p, msg)
	case protocol.TypeForwardPrivate:
		return m.handleForwardPrivate(p, msg)
	case protocol.TypeForwardBroadcast:
		return m.handleForwardBroadcast(p, msg)
	case protocol.TypeUserJoin:
		return m.handleUserJoin(p, msg)
	case protocol.TypeUserLeave:
		return m.handleUserLeave(p, msg)
	case protocol.TypeUserListRequest:
		return m.handleUserListRequest(p)
	case protocol.TypeUserListResponse:
		return m.handleUserListResponse(p, msg)
	case protocol.TypeStatusRequest:
		return m.handleStatusRequest(p)
	case protocol.TypeStatusResponse:
		return m.handleStatusResponse(p, msg)
	case protocol.TypeServerListRequest:
		return m.handleServerListRequest(p)
	case protocol.TypeServerListResponse:
		return m.handleServerListResponse(msg)
	case protocol.TypeErrorInvalidMessage, protocol.TypeErrorAuthenticationFailed,
		protocol.TypeErrorServerFull, protocol.TypeErrorServerNotFound:
		m.log.Warn("peer reported error",
			zap.String("server_id", p.ServerID()),
			zap.Stringer("type", msg.Type),
			zap.String("detail", msg.Payload))
		return nil
	default:
		m.log.Warn("unknown message type", zap.String("server_id", p.ServerID()), zap.Int("type", int(msg.Type)))
		return nil
	}
}

func (m *Manager) handleRegister(p *Peer, msg protocol.FederationMessage) error {
	d, err := protocol.DecodeDescriptor(msg.Payload)
	if err != nil {
		return fmt.Errorf("register payload: %w", err)
	}
	p.updateStats(d)
	m.recordServer(p.Descriptor())

	m.log.Info("server registered",
		zap.String("server_id", p.ServerID()),
		zap.String("server_name", p.ServerName()),
		zap.String("addr", p.Address()))

	return m.send(p, protocol.NewTargetedMessage(protocol.TypeServerRegisterAck, m.cfg.ServerID, p.ServerID(), ""))
}

func (m *Manager) handleDisconnect(p *Peer) error {
	p.dropped.Store(true)
	m.unregister(p)
	p.Close()
	m.forgetUsers(p.ServerID())
	m.log.Info("server disconnected", zap.String("server_id", p.ServerID()))
	return nil
}

func (m *Manager) handleForwardPublic(p *Peer, msg protocol.FederationMessage) error {
	if !m.cfg.EnableMessageForwarding || m.local == nil {
		return nil
	}
	c, err := protocol.DecodeChatPayload(msg.Payload)
	if err != nil {
		return err
	}
	m.local.DeliverRemote(p.ServerName(), c.Username, c.Text)
	return nil
}

func (m *Manager) handleForwardPrivate(p *Peer, msg protocol.FederationMessage) error {
	if !m.cfg.EnableMessageForwarding || m.local == nil {
		return nil
	}
	pm, err := protocol.DecodePrivatePayload(msg.Payload)
	if err != nil {
		return err
	}
	if m.local.DeliverRemotePrivate(pm.From, p.ServerName(), pm.To, pm.Text) {
		return nil
	}
	return m.send(p, protocol.NewTargetedMessage(protocol.TypeErrorServerNotFound, m.cfg.ServerID, p.ServerID(), pm.To))
}

func (m *Manager) handleForwardBroadcast(p *Peer, msg protocol.FederationMessage) error {
	if !m.cfg.EnableMessageForwarding || m.local == nil {
		return nil
	}
	m.local.Announce(fmt.Sprintf("[SERVER@%s]: %s", p.ServerName(), msg.Payload))
	return nil
}

func (m *Manager) handleUserJoin(p *Peer, msg protocol.FederationMessage) error {
	if !m.cfg.EnableUserSync || msg.Payload == "" {
		return nil
	}
	m.addUser(p, msg.Payload)
	if m.local != nil {
		m.local.Announce(fmt.Sprintf("*** %s@%s joined the chat ***", msg.Payload, p.ServerName()))
	}
	return nil
}

func (m *Manager) handleUserLeave(p *Peer, msg protocol.FederationMessage) error {
	if !m.cfg.EnableUserSync || msg.Payload == "" {
		return nil
	}
	m.removeUser(p.ServerID(), msg.Payload)
	if m.local != nil {
		m.local.Announce(fmt.Sprintf("*** %s@%s left the chat ***", msg.Payload, p.ServerName()))
	}
	return nil
}

func (m *Manager) handleUserListRequest(p *Peer) error {
	if !m.cfg.EnableUserSync || m.local == nil {
		return nil
	}
	payload := protocol.EncodeUserList(m.local.Usernames())
	return m.send(p, protocol.NewTargetedMessage(protocol.TypeUserListResponse, m.cfg.ServerID, p.ServerID(), payload))
}

func (m *Manager) handleUserListResponse(p *Peer, msg protocol.FederationMessage) error {
	if !m.cfg.EnableUserSync {
		return nil
	}
	now := time.Now()
	set := make(map[string]NetworkUser)
	for _, name := range protocol.DecodeUserList(msg.Payload) {
		set[name] = NetworkUser{Username: name, ServerID: p.ServerID(), ServerName: p.ServerName(), JoinedAt: now}
	}

	m.usersMu.Lock()
	m.users[p.ServerID()] = set
	m.usersMu.Unlock()
	return nil
}

func (m *Manager) handleStatusRequest(p *Peer) error {
	payload, err := m.localDescriptor().Encode()
	if err != nil {
		return err
	}
	return m.send(p, protocol.NewTargetedMessage(protocol.TypeStatusResponse, m.cfg.ServerID, p.ServerID(), payload))
}

func (m *Manager) handleStatusResponse(p *Peer, msg protocol.FederationMessage) error {
	d, err := protocol.DecodeDescriptor(msg.Payload)
	if err != nil {
		return fmt.Errorf("status payload: %w", err)
	}
	p.updateStats(d)
	m.recordServer(p.Descriptor())
	return nil
}

func (m *Manager) handleServerListRequest(p *Peer) error {
	var list []protocol.PeerDescriptor
	for _, d := range m.GetConnectedServers() {
		if d.ServerID != p.ServerID() {
			list = append(list, d)
		}
	}
	payload, err := protocol.EncodeDescriptorList(list)
	if err != nil {
		return err
	}
	return m.send(p, protocol.NewTargetedMessage(protocol.TypeServerListResponse, m.cfg.ServerID, p.ServerID(), payload))
}

func (m *Manager) handleServerListResponse(msg protocol.FederationMessage) error {
	list, err := protocol.DecodeDescriptorList(msg.Payload)
	if err != nil {
		return fmt.Errorf("server list payload: %w", err)
	}
	for _, d := range list {
		if d.ServerID == m.cfg.ServerID {
			continue
		}
		d.Connected = m.IsConnectedToServer(d.ServerID)
		m.recordServer(d)
	}
	m.log.Info("discovered servers", zap.Int("count", len(list)), zap.String("via", msg.OriginServerID))
	return nil
}

func (m *Manager) recordServer(d protocol.PeerDescriptor) {
	if m.store == nil || d.ServerID == "" {
		return
	}
	if err := m.store.UpsertServer(d); err != nil {
		m.log.Warn("failed to record server", zap.String("server_id", d.ServerID), zap.Error(err))
	}
}

func (m *Manager) addUser(p *Peer, username string) {
	m.usersMu.Lock()
	defer m.usersMu.Unlock()

	set, ok := m.users[p.ServerID()]
	if !ok {
		set = make(map[string]NetworkUser)
		m.users[p.ServerID()] = set
	}
	set[username] = NetworkUser{Username: username, ServerID: p.ServerID(), ServerName: p.ServerName(), JoinedAt: time.Now()}
}

func (m *Manager) removeUser(serverID, username string) {
	m.usersMu.Lock()
	defer m.usersMu.Unlock()

	if set, ok := m.users[serverID]; ok {
		delete(set, username)
	}
}

func (m *Manager) forgetUsers(serverID string) {
	m.usersMu.Lock()
	defer m.usersMu.Unlock()

	delete(m.users, serverID)
}

// NetworkUsers returns every remote user, ordered by server then name
func (m *Manager) NetworkUsers() []NetworkUser {
	m.usersMu.RLock()
	var users []NetworkUser
	for _, set := range m.users {
		for _, u := range set {
			users = append(users, u)
		}
	}
	m.usersMu.RUnlock()

	sort.Slice(users, func(i, j int) bool {
		if users[i].ServerID != users[j].ServerID {
			return users[i].ServerID < users[j].ServerID
		}
		return users[i].Username < users[j].Username
	})
	return users
}

// LocateUser returns the server a remote user is connected to
func (m *Manager) LocateUser(username string) (string, bool) {
	for _, u := range m.NetworkUsers() {
		if u.Username == username {
			return u.ServerID, true
		}
	}
	return "", false
}

// RemoteUsers lists remote users for the local /list command
func (m *Manager) RemoteUsers() []chat.RemoteUser {
	users := m.NetworkUsers()
	remote := make([]chat.RemoteUser, 0, len(users))
	for _, u := range users {
		remote = append(remote, chat.RemoteUser{Username: u.Username, ServerName: u.ServerName})
	}
	return remote
}

// ForwardPublic sends a local chat line to every peer
func (m *Manager) ForwardPublic(username, text string) {
	if !m.cfg.EnableMessageForwarding {
		return
	}
	payload, err := protocol.ChatPayload{Username: username, Text: text}.Encode()
	if err != nil {
		m.log.Debug("not forwarding chat line", zap.String("username", username), zap.Error(err))
		return
	}
	m.broadcastQuiet(protocol.NewMessage(protocol.TypeForwardPublic, m.cfg.ServerID, payload))
}

// ForwardPrivate sends a private message to the server hosting the recipient
func (m *Manager) ForwardPrivate(from, to, serverID, text string) error {
	if !m.cfg.EnableMessageForwarding {
		return fmt.Errorf("%w: message forwarding disabled", ErrNotConnected)
	}
	payload, err := protocol.PrivatePayload{From: from, To: to, Text: text}.Encode()
	if err != nil {
		return err
	}
	return m.SendTo(serverID, protocol.NewTargetedMessage(protocol.TypeForwardPrivate, m.cfg.ServerID, serverID, payload))
}

// UserJoined tells peers about a local join
func (m *Manager) UserJoined(username string) {
	if !m.cfg.EnableUserSync {
		return
	}
	m.broadcastQuiet(protocol.NewMessage(protocol.TypeUserJoin, m.cfg.ServerID, username))
}

// UserLeft tells peers about a local departure
func (m *Manager) UserLeft(username string) {
	if !m.cfg.EnableUserSync {
		return
	}
	m.broadcastQuiet(protocol.NewMessage(protocol.TypeUserLeave, m.cfg.ServerID, username))
}

// broadcastQuiet broadcasts and only logs failures; having no peers is normal
func (m *Manager) broadcastQuiet(msg protocol.FederationMessage) {
	if _, err := m.Broadcast(msg); err != nil && len(m.snapshot()) > 0 {
		m.log.Warn("federation broadcast failed", zap.Stringer("type", msg.Type), zap.Error(err))
	}
}
