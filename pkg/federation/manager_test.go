package federation

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aeolun/fedchat/pkg/protocol"
)

const waitFor = 3 * time.Second

type delivered struct {
	server, from, to, text string
}

// fakeLocal records what the handlers deliver
type fakeLocal struct {
	mu        sync.Mutex
	public    []delivered
	private   []delivered
	announces []string
	users     []string
}

func (f *fakeLocal) DeliverRemote(serverName, username, text string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.public = append(f.public, delivered{server: serverName, from: username, text: text})
	return 1
}

func (f *fakeLocal) DeliverRemotePrivate(from, serverName, to, text string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.users {
		if u == to {
			f.private = append(f.private, delivered{server: serverName, from: from, to: to, text: text})
			return true
		}
	}
	return false
}

func (f *fakeLocal) Announce(text string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.announces = append(f.announces, text)
	return 1
}

func (f *fakeLocal) Usernames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.users...)
}

func (f *fakeLocal) setUsers(users ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users = users
}

func (f *fakeLocal) Count() int      { return len(f.Usernames()) }
func (f *fakeLocal) MaxClients() int { return 50 }

func (f *fakeLocal) publicMessages() []delivered {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]delivered(nil), f.public...)
}

func (f *fakeLocal) privateMessages() []delivered {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]delivered(nil), f.private...)
}

func (f *fakeLocal) announcements() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.announces...)
}

// fakeStore records upserted descriptors
type fakeStore struct {
	mu      sync.Mutex
	servers map[string]protocol.PeerDescriptor
}

func (s *fakeStore) UpsertServer(d protocol.PeerDescriptor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.servers == nil {
		s.servers = make(map[string]protocol.PeerDescriptor)
	}
	s.servers[d.ServerID] = d
	return nil
}

func (s *fakeStore) get(id string) (protocol.PeerDescriptor, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.servers[id]
	return d, ok
}

type testNode struct {
	*Manager
	local *fakeLocal
	store *fakeStore
}

func startNode(t *testing.T, id string, mutate func(*Config)) *testNode {
	t.Helper()

	cfg := DefaultConfig()
	cfg.ServerID = id
	cfg.ServerName = id + "-name"
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.AdvertiseHost = "127.0.0.1"
	cfg.EnableInterserverCommunication = true
	if mutate != nil {
		mutate(&cfg)
	}

	n := &testNode{local: &fakeLocal{}, store: &fakeStore{}}
	n.Manager = NewManager(Options{Config: cfg, Local: n.local, Store: n.store})
	require.NoError(t, n.Start())
	t.Cleanup(n.Stop)
	return n
}

func (n *testNode) port() int {
	return n.Addr().(*net.TCPAddr).Port
}

func connect(t *testing.T, from, to *testNode) {
	t.Helper()
	require.NoError(t, from.ConnectToServer(context.Background(), "127.0.0.1", to.port()))
	require.Eventually(t, func() bool { return to.IsConnectedToServer(from.ServerID()) }, waitFor, 10*time.Millisecond)
}

// rawPeer is a hand-driven federation link into a manager
type rawPeer struct {
	conn net.Conn
	rr   *protocol.RecordReader
	id   string
}

func dialRaw(t *testing.T, n *testNode, id string) *rawPeer {
	t.Helper()

	conn, err := net.Dial("tcp", n.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	rp := &rawPeer{conn: conn, rr: protocol.NewRecordReader(conn), id: id}
	payload, err := protocol.Hello{ServerID: id, ServerName: id + "-name"}.Encode()
	require.NoError(t, err)
	rp.send(t, protocol.NewMessage(protocol.TypeServerHandshake, id, payload))

	ack := rp.read(t)
	require.Equal(t, protocol.TypeServerHandshakeAck, ack.Type)
	return rp
}

func (rp *rawPeer) send(t *testing.T, msg protocol.FederationMessage) {
	t.Helper()
	require.NoError(t, protocol.WriteRecord(rp.conn, msg))
}

func (rp *rawPeer) read(t *testing.T) protocol.FederationMessage {
	t.Helper()
	rp.conn.SetReadDeadline(time.Now().Add(waitFor))
	defer rp.conn.SetReadDeadline(time.Time{})
	msg, err := rp.rr.ReadMessage()
	require.NoError(t, err)
	return msg
}

// readUntil skips messages until one of type want arrives
func (rp *rawPeer) readUntil(t *testing.T, want protocol.MessageType) protocol.FederationMessage {
	t.Helper()
	for {
		msg := rp.read(t)
		if msg.Type == want {
			return msg
		}
	}
}

func TestConnectToLivePeer(t *testing.T) {
	a := startNode(t, "SERVER_AAAAAAAA", nil)
	b := startNode(t, "SERVER_BBBBBBBB", nil)

	connect(t, a, b)

	servers := a.GetConnectedServers()
	require.Len(t, servers, 1)
	assert.Equal(t, "SERVER_BBBBBBBB", servers[0].ServerID)
	assert.Equal(t, "SERVER_BBBBBBBB-name", servers[0].Name)
	assert.Equal(t, "127.0.0.1", servers[0].Host)
	assert.Equal(t, b.port(), servers[0].Port)
	assert.True(t, a.IsConnectedToServer("SERVER_BBBBBBBB"))

	// b learns a's listening port from the REGISTER message
	require.Eventually(t, func() bool {
		list := b.GetConnectedServers()
		return len(list) == 1 && list[0].Port == a.port()
	}, waitFor, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		_, ok := b.store.get("SERVER_AAAAAAAA")
		return ok
	}, waitFor, 10*time.Millisecond)

	// same address again is a no-op
	require.NoError(t, a.ConnectToServer(context.Background(), "127.0.0.1", b.port()))
	assert.Len(t, a.GetConnectedServers(), 1)

	status := a.NetworkStatus()
	assert.Equal(t, 1, status.ConnectedServers)
	assert.NotZero(t, status.MessagesSent)
}

func TestConnectToClosedPort(t *testing.T) {
	a := startNode(t, "SERVER_AAAAAAAA", nil)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	err = a.ConnectToServer(context.Background(), "127.0.0.1", port)
	require.Error(t, err)
	assert.Empty(t, a.GetConnectedServers())
}

func TestHandshakeRejections(t *testing.T) {
	tests := []struct {
		name   string
		local  func(*Config)
		remote func(*Config)
	}{
		{
			name:   "wrong password",
			local:  func(c *Config) { c.NetworkPassword = "wrong" },
			remote: func(c *Config) { c.NetworkPassword = "secret" },
		},
		{
			name:   "missing password",
			remote: func(c *Config) { c.NetworkPassword = "secret" },
		},
		{
			name:   "not in allow list",
			remote: func(c *Config) { c.AllowedServers = []string{"SERVER_CCCCCCCC"} },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := startNode(t, "SERVER_AAAAAAAA", tt.local)
			b := startNode(t, "SERVER_BBBBBBBB", tt.remote)

			err := a.ConnectToServer(context.Background(), "127.0.0.1", b.port())
			require.ErrorIs(t, err, ErrAuthenticationFailed)
			assert.Empty(t, a.GetConnectedServers())
			assert.Empty(t, b.GetConnectedServers())
		})
	}
}

func TestHandshakeAcceptsMatchingPasswordAndAllowList(t *testing.T) {
	a := startNode(t, "SERVER_AAAAAAAA", func(c *Config) { c.NetworkPassword = "secret" })
	b := startNode(t, "SERVER_BBBBBBBB", func(c *Config) {
		c.NetworkPassword = "secret"
		c.AllowedServers = []string{"SERVER_AAAAAAAA"}
	})

	connect(t, a, b)
	assert.True(t, a.IsConnectedToServer("SERVER_BBBBBBBB"))
}

func TestDialedServerOutsideAllowListRejected(t *testing.T) {
	a := startNode(t, "SERVER_AAAAAAAA", func(c *Config) { c.AllowedServers = []string{"SERVER_ONLY"} })
	b := startNode(t, "SERVER_BBBBBBBB", nil)

	err := a.ConnectToServer(context.Background(), "127.0.0.1", b.port())
	require.ErrorIs(t, err, ErrAuthenticationFailed)
	assert.Empty(t, a.GetConnectedServers())
	assert.False(t, a.IsConnectedToServer("SERVER_BBBBBBBB"))

	// b accepted the handshake; the dropped link must leave its map too
	assert.Eventually(t, func() bool { return len(b.GetConnectedServers()) == 0 }, waitFor, 10*time.Millisecond)
}

func TestConnectToSelfRejected(t *testing.T) {
	a := startNode(t, "SERVER_AAAAAAAA", nil)

	err := a.ConnectToServer(context.Background(), "127.0.0.1", a.port())
	require.ErrorIs(t, err, ErrAuthenticationFailed)
	assert.Empty(t, a.GetConnectedServers())
}

func TestDuplicateInboundRejected(t *testing.T) {
	b := startNode(t, "SERVER_BBBBBBBB", nil)
	dialRaw(t, b, "SERVER_RAW00001")

	conn, err := net.Dial("tcp", b.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	payload, _ := protocol.Hello{ServerID: "SERVER_RAW00001", ServerName: "dup"}.Encode()
	require.NoError(t, protocol.WriteRecord(conn, protocol.NewMessage(protocol.TypeServerHandshake, "SERVER_RAW00001", payload)))

	conn.SetReadDeadline(time.Now().Add(waitFor))
	reply, err := protocol.NewRecordReader(conn).ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, protocol.TypeErrorAuthenticationFailed, reply.Type)
	assert.Equal(t, reasonAlreadyConnected, reply.Payload)
	assert.Len(t, b.GetConnectedServers(), 1)
}

func TestServerFullRejected(t *testing.T) {
	b := startNode(t, "SERVER_BBBBBBBB", func(c *Config) { c.MaxPeers = 1 })
	dialRaw(t, b, "SERVER_RAW00001")

	a := startNode(t, "SERVER_AAAAAAAA", nil)
	err := a.ConnectToServer(context.Background(), "127.0.0.1", b.port())
	require.ErrorIs(t, err, ErrServerFull)
	assert.Len(t, b.GetConnectedServers(), 1)
}

func TestForwardPublicDelivered(t *testing.T) {
	a := startNode(t, "SERVER_AAAAAAAA", nil)
	b := startNode(t, "SERVER_BBBBBBBB", nil)
	connect(t, a, b)

	a.ForwardPublic("alice", "hello | world")

	require.Eventually(t, func() bool { return len(b.local.publicMessages()) == 1 }, waitFor, 10*time.Millisecond)
	got := b.local.publicMessages()[0]
	assert.Equal(t, delivered{server: "SERVER_AAAAAAAA-name", from: "alice", text: "hello | world"}, got)
}

func TestForwardingDisabled(t *testing.T) {
	a := startNode(t, "SERVER_AAAAAAAA", nil)
	b := startNode(t, "SERVER_BBBBBBBB", func(c *Config) { c.EnableMessageForwarding = false })
	connect(t, a, b)

	a.ForwardPublic("alice", "dropped")
	_, err := a.Announce("also dropped")
	require.NoError(t, err)

	// b answers in order, so its status reply means the forwards were handled
	_, err = a.Broadcast(protocol.NewMessage(protocol.TypeStatusRequest, a.ServerID(), ""))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, ok := a.store.get("SERVER_BBBBBBBB")
		return ok
	}, waitFor, 10*time.Millisecond)

	assert.Empty(t, b.local.publicMessages())
	assert.Empty(t, b.local.announcements())
}

func TestForwardBroadcastAnnounced(t *testing.T) {
	a := startNode(t, "SERVER_AAAAAAAA", nil)
	b := startNode(t, "SERVER_BBBBBBBB", nil)
	connect(t, a, b)

	sent, err := a.Announce("maintenance at noon")
	require.NoError(t, err)
	assert.Equal(t, 1, sent)

	require.Eventually(t, func() bool {
		for _, line := range b.local.announcements() {
			if line == "[SERVER@SERVER_AAAAAAAA-name]: maintenance at noon" {
				return true
			}
		}
		return false
	}, waitFor, 10*time.Millisecond)
}

func TestForwardPrivate(t *testing.T) {
	a := startNode(t, "SERVER_AAAAAAAA", nil)
	b := startNode(t, "SERVER_BBBBBBBB", nil)
	b.local.setUsers("bob")
	connect(t, a, b)

	require.NoError(t, a.ForwardPrivate("alice", "bob", "SERVER_BBBBBBBB", "psst"))
	require.Eventually(t, func() bool { return len(b.local.privateMessages()) == 1 }, waitFor, 10*time.Millisecond)
	assert.Equal(t, delivered{server: "SERVER_AAAAAAAA-name", from: "alice", to: "bob", text: "psst"}, b.local.privateMessages()[0])

	err := a.ForwardPrivate("alice", "bob", "SERVER_UNKNOWN", "psst")
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestForwardPrivateUnknownUserReplies(t *testing.T) {
	b := startNode(t, "SERVER_BBBBBBBB", nil)
	rp := dialRaw(t, b, "SERVER_RAW00001")

	payload, err := protocol.PrivatePayload{From: "alice", To: "ghost", Text: "anyone?"}.Encode()
	require.NoError(t, err)
	rp.send(t, protocol.NewTargetedMessage(protocol.TypeForwardPrivate, rp.id, "SERVER_BBBBBBBB", payload))

	reply := rp.readUntil(t, protocol.TypeErrorServerNotFound)
	assert.Equal(t, "ghost", reply.Payload)
	assert.Equal(t, rp.id, reply.TargetServerID)
}

func TestMessagesForOtherServersIgnored(t *testing.T) {
	b := startNode(t, "SERVER_BBBBBBBB", nil)
	rp := dialRaw(t, b, "SERVER_RAW00001")

	payload, _ := protocol.ChatPayload{Username: "alice", Text: "not for you"}.Encode()
	rp.send(t, protocol.NewTargetedMessage(protocol.TypeForwardPublic, rp.id, "SERVER_ELSEWHERE", payload))

	payload, _ = protocol.ChatPayload{Username: "alice", Text: "for everyone"}.Encode()
	rp.send(t, protocol.NewMessage(protocol.TypeForwardPublic, rp.id, payload))

	require.Eventually(t, func() bool { return len(b.local.publicMessages()) == 1 }, waitFor, 10*time.Millisecond)
	assert.Equal(t, "for everyone", b.local.publicMessages()[0].text)
}

func TestUnknownAndMalformedRecordsKeepLinkAlive(t *testing.T) {
	b := startNode(t, "SERVER_BBBBBBBB", nil)
	rp := dialRaw(t, b, "SERVER_RAW00001")

	rp.send(t, protocol.NewMessage(protocol.MessageType(999), rp.id, "mystery"))
	_, err := rp.conn.Write([]byte("garbage\n"))
	require.NoError(t, err)
	_, err = rp.conn.Write([]byte("abc|x|y|z|payload\n"))
	require.NoError(t, err)
	rp.send(t, protocol.NewMessage(protocol.TypeStatusRequest, rp.id, ""))

	reply := rp.readUntil(t, protocol.TypeStatusResponse)
	d, err := protocol.DecodeDescriptor(reply.Payload)
	require.NoError(t, err)
	assert.Equal(t, "SERVER_BBBBBBBB", d.ServerID)
	assert.Equal(t, 50, d.MaxClients)
	assert.Equal(t, b.port(), d.Port)
	assert.True(t, b.IsConnectedToServer(rp.id))
}

func TestUserSync(t *testing.T) {
	a := startNode(t, "SERVER_AAAAAAAA", nil)
	b := startNode(t, "SERVER_BBBBBBBB", nil)
	b.local.setUsers("carol")
	connect(t, a, b)

	// a requests b's user list right after connecting
	require.Eventually(t, func() bool {
		id, ok := a.LocateUser("carol")
		return ok && id == "SERVER_BBBBBBBB"
	}, waitFor, 10*time.Millisecond)

	a.UserJoined("dave")
	require.Eventually(t, func() bool {
		_, ok := b.LocateUser("dave")
		return ok
	}, waitFor, 10*time.Millisecond)
	assert.Contains(t, b.local.announcements(), "*** dave@SERVER_AAAAAAAA-name joined the chat ***")

	remote := b.RemoteUsers()
	require.Len(t, remote, 1)
	assert.Equal(t, "dave", remote[0].Username)
	assert.Equal(t, "SERVER_AAAAAAAA-name", remote[0].ServerName)

	a.UserLeft("dave")
	require.Eventually(t, func() bool {
		_, ok := b.LocateUser("dave")
		return !ok
	}, waitFor, 10*time.Millisecond)
	assert.Contains(t, b.local.announcements(), "*** dave@SERVER_AAAAAAAA-name left the chat ***")
	assert.Equal(t, 1, a.NetworkStatus().NetworkUsers)
}

func TestServerListDiscovery(t *testing.T) {
	a := startNode(t, "SERVER_AAAAAAAA", nil)
	b := startNode(t, "SERVER_BBBBBBBB", nil)
	c := startNode(t, "SERVER_CCCCCCCC", nil)
	connect(t, b, c)
	connect(t, a, b)

	sent, err := a.Discover()
	require.NoError(t, err)
	assert.Equal(t, 1, sent)

	require.Eventually(t, func() bool {
		d, ok := a.store.get("SERVER_CCCCCCCC")
		return ok && d.Port == c.port()
	}, waitFor, 10*time.Millisecond)
	_, self := a.store.get("SERVER_AAAAAAAA")
	assert.False(t, self, "own descriptor is never recorded")
}

func TestDisconnectFromServer(t *testing.T) {
	a := startNode(t, "SERVER_AAAAAAAA", nil)
	b := startNode(t, "SERVER_BBBBBBBB", nil)
	connect(t, a, b)

	assert.True(t, a.DisconnectFromServer("SERVER_BBBBBBBB"))
	assert.False(t, a.IsConnectedToServer("SERVER_BBBBBBBB"))
	assert.False(t, a.DisconnectFromServer("SERVER_BBBBBBBB"))

	require.Eventually(t, func() bool { return len(b.GetConnectedServers()) == 0 }, waitFor, 10*time.Millisecond)
}

func TestBroadcastWithoutPeers(t *testing.T) {
	a := startNode(t, "SERVER_AAAAAAAA", nil)

	sent, err := a.Broadcast(protocol.NewMessage(protocol.TypeStatusRequest, a.ServerID(), ""))
	assert.Zero(t, sent)
	assert.ErrorIs(t, err, ErrNoPeers)

	err = a.SendTo("SERVER_NOBODY", protocol.NewMessage(protocol.TypeStatusRequest, a.ServerID(), ""))
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestSweepRemovesStalePeer(t *testing.T) {
	a := startNode(t, "SERVER_AAAAAAAA", nil)
	b := startNode(t, "SERVER_BBBBBBBB", nil)
	connect(t, a, b)

	assert.Zero(t, a.sweep(time.Now()))
	assert.Equal(t, 1, a.sweep(time.Now().Add(10*time.Minute)))
	assert.False(t, a.IsConnectedToServer("SERVER_BBBBBBBB"))
	assert.Empty(t, a.GetConnectedServers())
}

func TestSilentPeerTimesOut(t *testing.T) {
	b := startNode(t, "SERVER_BBBBBBBB", func(c *Config) { c.PeerTimeout = 200 * time.Millisecond })
	rp := dialRaw(t, b, "SERVER_RAW00001")
	require.True(t, b.IsConnectedToServer(rp.id))

	require.Eventually(t, func() bool { return !b.IsConnectedToServer(rp.id) }, waitFor, 20*time.Millisecond)

	// the evicted link is closed
	rp.conn.SetReadDeadline(time.Now().Add(waitFor))
	for {
		if _, err := rp.rr.ReadLine(); err != nil {
			break
		}
	}
}

func TestLostPeerRemoved(t *testing.T) {
	b := startNode(t, "SERVER_BBBBBBBB", nil)
	rp := dialRaw(t, b, "SERVER_RAW00001")
	require.True(t, b.IsConnectedToServer(rp.id))

	rp.conn.Close()
	require.Eventually(t, func() bool { return len(b.GetConnectedServers()) == 0 }, waitFor, 10*time.Millisecond)
}

func TestReconnectAfterLostLink(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	var accepts atomic.Int32
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			n := accepts.Add(1)
			go func() {
				defer conn.Close()
				rr := protocol.NewRecordReader(conn)
				msg, err := rr.ReadMessage()
				if err != nil {
					return
				}
				payload, _ := protocol.Hello{ServerID: "SERVER_FAKE0001", ServerName: "fake"}.Encode()
				_ = protocol.WriteRecord(conn, protocol.NewTargetedMessage(protocol.TypeServerHandshakeAck, "SERVER_FAKE0001", msg.OriginServerID, payload))
				if n == 1 {
					return
				}
				for {
					if _, err := rr.ReadLine(); err != nil {
						return
					}
				}
			}()
		}
	}()

	a := startNode(t, "SERVER_AAAAAAAA", func(c *Config) {
		c.Reconnect = true
		c.ReconnectBaseDelay = 50 * time.Millisecond
		c.ReconnectMaxDelay = 200 * time.Millisecond
	})

	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, a.ConnectToServer(context.Background(), "127.0.0.1", port))

	require.Eventually(t, func() bool {
		return accepts.Load() >= 2 && a.IsConnectedToServer("SERVER_FAKE0001")
	}, waitFor, 20*time.Millisecond)
}

func TestNoReconnectByDefault(t *testing.T) {
	b := startNode(t, "SERVER_BBBBBBBB", nil)
	a := startNode(t, "SERVER_AAAAAAAA", nil)
	connect(t, a, b)

	b.Stop()
	require.Eventually(t, func() bool { return len(a.GetConnectedServers()) == 0 }, waitFor, 10*time.Millisecond)

	time.Sleep(200 * time.Millisecond)
	assert.Empty(t, a.GetConnectedServers())
}

func TestStopIsIdempotent(t *testing.T) {
	a := startNode(t, "SERVER_AAAAAAAA", nil)
	b := startNode(t, "SERVER_BBBBBBBB", nil)
	connect(t, a, b)

	a.Stop()
	a.Stop()
	assert.Empty(t, a.GetConnectedServers())
	require.Eventually(t, func() bool { return len(b.GetConnectedServers()) == 0 }, waitFor, 10*time.Millisecond)

	err := a.ConnectToServer(context.Background(), "127.0.0.1", b.port())
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestManyPeers(t *testing.T) {
	hub := startNode(t, "SERVER_HUB00000", nil)

	const n = 5
	for i := 0; i < n; i++ {
		spoke := startNode(t, fmt.Sprintf("SERVER_SPOKE%03d", i), nil)
		connect(t, spoke, hub)
	}

	assert.Len(t, hub.GetConnectedServers(), n)
	sent, err := hub.Announce("hello spokes")
	require.NoError(t, err)
	assert.Equal(t, n, sent)
}
