package chat

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	readTimeout    = 2 * time.Second
	silenceTimeout = 200 * time.Millisecond
	instructionEnd = "Just type to send public messages"
)

type testClient struct {
	conn net.Conn
	r    *bufio.Reader
}

// startRegistry serves reg on a loopback listener and returns its address
func startRegistry(t *testing.T, reg *Registry) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	var wg sync.WaitGroup
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				reg.HandleConn(conn, "tcp")
			}()
		}
	}()

	t.Cleanup(func() {
		ln.Close()
		reg.CloseAll("")
		wg.Wait()
	})
	return ln.Addr().String()
}

func dial(t *testing.T, addr string) *testClient {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &testClient{conn: conn, r: bufio.NewReader(conn)}
}

// sendUsername reads the welcome prompt and answers it
func (c *testClient) sendUsername(t *testing.T, username string) {
	t.Helper()
	line := c.readLine(t)
	require.Equal(t, "=== Welcome to ChatServer ===", line)

	prompt := make([]byte, len("Enter your username: "))
	_, err := io.ReadFull(c.r, prompt)
	require.NoError(t, err)
	require.Equal(t, "Enter your username: ", string(prompt))

	c.send(t, username)
}

// join performs the whole admission exchange and drains the instructions
func join(t *testing.T, addr, username string) *testClient {
	t.Helper()
	c := dial(t, addr)
	c.sendUsername(t, username)
	for {
		if line := c.readLine(t); line == instructionEnd {
			break
		}
	}
	require.Equal(t, "", c.readLine(t))
	return c
}

func (c *testClient) send(t *testing.T, line string) {
	t.Helper()
	_, err := fmt.Fprintf(c.conn, "%s\n", line)
	require.NoError(t, err)
}

func (c *testClient) readLine(t *testing.T) string {
	t.Helper()
	require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(readTimeout)))
	line, err := c.r.ReadString('\n')
	require.NoError(t, err)
	return strings.TrimRight(line, "\r\n")
}

// expectSilence asserts that nothing arrives within a short window
func (c *testClient) expectSilence(t *testing.T) {
	t.Helper()
	require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(silenceTimeout)))
	line, err := c.r.ReadString('\n')
	require.Error(t, err, "unexpected line %q", line)
	assert.True(t, errors.Is(err, os.ErrDeadlineExceeded), "expected timeout, got %v", err)
}

func waitForCount(t *testing.T, reg *Registry, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return reg.Count() == n }, readTimeout, 10*time.Millisecond)
}

func TestPublicMessageScenario(t *testing.T) {
	reg := NewRegistry(Options{})
	addr := startRegistry(t, reg)

	a := join(t, addr, "A")
	b := join(t, addr, "B")
	assert.Equal(t, "*** B joined the chat ***", a.readLine(t))

	a.send(t, "hello")

	line := b.readLine(t)
	assert.Contains(t, line, "hello")
	assert.Contains(t, line, "[A]: hello")

	a.expectSilence(t)
}

func TestPrivateMessageScenario(t *testing.T) {
	reg := NewRegistry(Options{})
	addr := startRegistry(t, reg)

	a := join(t, addr, "A")
	b := join(t, addr, "B")
	c := join(t, addr, "C")

	// Drain join notices
	assert.Equal(t, "*** B joined the chat ***", a.readLine(t))
	assert.Equal(t, "*** C joined the chat ***", a.readLine(t))
	assert.Equal(t, "*** C joined the chat ***", b.readLine(t))

	a.send(t, "/pm B secret")

	assert.Equal(t, "[PRIVATE from A]: secret", b.readLine(t))
	assert.Equal(t, "[PRIVATE to B]: secret", a.readLine(t))
	c.expectSilence(t)
}

func TestPrivateMessageToUnknownUser(t *testing.T) {
	reg := NewRegistry(Options{})
	addr := startRegistry(t, reg)

	a := join(t, addr, "A")
	a.send(t, "/pm nobody hi")
	assert.Equal(t, "User 'nobody' not found.", a.readLine(t))

	a.send(t, "/pm nobody")
	assert.Equal(t, "Usage: /pm <username> <message>", a.readLine(t))
}

func TestBroadcastFanout(t *testing.T) {
	const n = 5
	reg := NewRegistry(Options{})
	addr := startRegistry(t, reg)

	clients := make([]*testClient, n)
	for i := 0; i < n; i++ {
		clients[i] = join(t, addr, fmt.Sprintf("user%d", i))
	}
	// Client i sees the joins of every later client
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			assert.Equal(t, fmt.Sprintf("*** user%d joined the chat ***", j), clients[i].readLine(t))
		}
	}

	sender := reg.lookup("user0")
	require.NotNil(t, sender)

	delivered := reg.Broadcast("fanout", sender)
	assert.Equal(t, n-1, delivered)

	for i := 1; i < n; i++ {
		assert.Equal(t, "fanout", clients[i].readLine(t))
	}
	clients[0].expectSilence(t)

	assert.Equal(t, n, reg.Broadcast("everyone", nil))
}

func TestDuplicateUsernameThenReadmit(t *testing.T) {
	reg := NewRegistry(Options{})
	addr := startRegistry(t, reg)

	alice := join(t, addr, "alice")

	dup := dial(t, addr)
	dup.sendUsername(t, "alice")
	assert.Equal(t, "Username already taken. Connection closed.", dup.readLine(t))
	assert.Equal(t, 1, reg.Count())

	alice.send(t, "/quit")
	assert.Equal(t, "Goodbye!", alice.readLine(t))
	waitForCount(t, reg, 0)

	join(t, addr, "alice")
	assert.Equal(t, 1, reg.Count())
}

func TestCapacityThenReadmit(t *testing.T) {
	reg := NewRegistry(Options{MaxClients: 2})
	addr := startRegistry(t, reg)

	a := join(t, addr, "A")
	join(t, addr, "B")
	assert.Equal(t, "*** B joined the chat ***", a.readLine(t))

	full := dial(t, addr)
	assert.Equal(t, "Server full. Try again later.", full.readLine(t))
	assert.Equal(t, 2, reg.Count())

	a.send(t, "/quit")
	assert.Equal(t, "Goodbye!", a.readLine(t))
	waitForCount(t, reg, 1)

	join(t, addr, "C")
	assert.Equal(t, 2, reg.Count())
}

func TestAdmitErrors(t *testing.T) {
	t.Run("capacity", func(t *testing.T) {
		reg := NewRegistry(Options{MaxClients: 1})
		reg.insertForTest(t, "occupant")

		server, client := net.Pipe()
		defer client.Close()
		go io.Copy(io.Discard, client)

		_, err := reg.Admit(server, "tcp")
		assert.ErrorIs(t, err, ErrCapacityExceeded)
	})

	t.Run("duplicate", func(t *testing.T) {
		reg := NewRegistry(Options{})
		reg.insertForTest(t, "taken")

		server, client := net.Pipe()
		defer client.Close()
		go func() {
			r := bufio.NewReader(client)
			r.ReadString('\n')
			io.ReadFull(r, make([]byte, len("Enter your username: ")))
			client.Write([]byte("taken\n"))
			io.Copy(io.Discard, r)
		}()

		_, err := reg.Admit(server, "tcp")
		assert.ErrorIs(t, err, ErrDuplicateIdentity)
	})

	t.Run("invalid", func(t *testing.T) {
		reg := NewRegistry(Options{})

		server, client := net.Pipe()
		defer client.Close()
		go func() {
			r := bufio.NewReader(client)
			r.ReadString('\n')
			io.ReadFull(r, make([]byte, len("Enter your username: ")))
			client.Write([]byte("two words\n"))
			io.Copy(io.Discard, r)
		}()

		_, err := reg.Admit(server, "tcp")
		assert.ErrorIs(t, err, ErrInvalidUsername)
	})

	t.Run("client hangs up", func(t *testing.T) {
		reg := NewRegistry(Options{})

		server, client := net.Pipe()
		go func() {
			bufio.NewReader(client).ReadString('\n')
			client.Close()
		}()

		_, err := reg.Admit(server, "tcp")
		assert.Error(t, err)
		assert.Equal(t, 0, reg.Count())
	})
}

func TestAnonymousUsername(t *testing.T) {
	reg := NewRegistry(Options{})
	addr := startRegistry(t, reg)

	join(t, addr, "   ")

	list := reg.List()
	require.Len(t, list, 1)
	assert.True(t, strings.HasPrefix(list[0].Username, "Anonymous_"))
	assert.Equal(t, fmt.Sprintf("Anonymous_%d", list[0].ID), list[0].Username)
}

func TestClientCommands(t *testing.T) {
	reg := NewRegistry(Options{ServerName: "ChatServer"})
	addr := startRegistry(t, reg)

	a := join(t, addr, "A")
	join(t, addr, "B")
	assert.Equal(t, "*** B joined the chat ***", a.readLine(t))

	a.send(t, "/list")
	assert.Equal(t, "", a.readLine(t))
	assert.Equal(t, "=== Online Users ===", a.readLine(t))
	assert.Equal(t, "- A (127.0.0.1)", a.readLine(t))
	assert.Equal(t, "- B (127.0.0.1)", a.readLine(t))
	assert.Equal(t, "Total: 2 users", a.readLine(t))
	assert.Equal(t, "", a.readLine(t))

	a.send(t, "/help")
	assert.Equal(t, "", a.readLine(t))
	assert.Equal(t, "=== Chat Commands ===", a.readLine(t))
	for a.readLine(t) != "Just type normally to send public messages" {
	}
	assert.Equal(t, "", a.readLine(t))

	a.send(t, "/dance")
	assert.Equal(t, "Unknown command. Type /help for available commands.", a.readLine(t))

	// Blank lines are ignored
	a.send(t, "   ")
	a.expectSilence(t)
}

func TestLeaveAnnouncesDeparture(t *testing.T) {
	reg := NewRegistry(Options{})
	addr := startRegistry(t, reg)

	a := join(t, addr, "A")
	b := join(t, addr, "B")
	assert.Equal(t, "*** B joined the chat ***", a.readLine(t))

	b.conn.Close()
	assert.Equal(t, "*** B left the chat ***", a.readLine(t))
	waitForCount(t, reg, 1)
}

func TestKick(t *testing.T) {
	reg := NewRegistry(Options{})
	addr := startRegistry(t, reg)

	a := join(t, addr, "A")
	b := join(t, addr, "B")
	assert.Equal(t, "*** B joined the chat ***", a.readLine(t))

	assert.False(t, reg.Kick("nobody"))
	assert.True(t, reg.Kick("B"))

	assert.Equal(t, "You have been kicked from the server.", b.readLine(t))
	assert.Equal(t, "*** B left the chat ***", a.readLine(t))
	waitForCount(t, reg, 1)
}

func TestCloseAllSendsNotice(t *testing.T) {
	reg := NewRegistry(Options{})
	addr := startRegistry(t, reg)

	a := join(t, addr, "A")
	reg.CloseAll(ShutdownNotice)

	assert.Equal(t, strings.TrimSuffix(ShutdownNotice, "\n"), a.readLine(t))
	waitForCount(t, reg, 0)
}

// The registry lock is held across broadcast sends, so a client that stops
// reading stalls every other registry operation until its write completes.
func TestBroadcastHoldsLockWhileSending(t *testing.T) {
	reg := NewRegistry(Options{})
	server, client := net.Pipe()
	defer client.Close()
	reg.insertConnForTest("stalled", server)

	broadcastDone := make(chan int, 1)
	go func() { broadcastDone <- reg.Broadcast("x", nil) }()

	countDone := make(chan int, 1)
	go func() {
		time.Sleep(20 * time.Millisecond)
		countDone <- reg.Count()
	}()

	select {
	case <-countDone:
		t.Fatal("Count returned while a broadcast was stalled")
	case <-time.After(silenceTimeout):
	}

	buf := make([]byte, 2)
	_, err := io.ReadFull(client, buf)
	require.NoError(t, err)
	assert.Equal(t, "x\n", string(buf))

	assert.Equal(t, 1, <-broadcastDone)
	assert.Equal(t, 1, <-countDone)
}

func TestBroadcastWriteTimeoutMarksInactive(t *testing.T) {
	reg := NewRegistry(Options{WriteTimeout: 50 * time.Millisecond})
	server, client := net.Pipe()
	defer client.Close()
	sess := reg.insertConnForTest("stalled", server)

	assert.Equal(t, 0, reg.Broadcast("x", nil))
	assert.False(t, sess.IsActive())
}

type fakeForwarder struct {
	reg *Registry

	mu      sync.Mutex
	public  []string
	private []string
	joined  []string
	left    []string
	counts  []int
}

func (f *fakeForwarder) ForwardPublic(username, text string) {
	// Would deadlock if the registry still held its lock
	count := f.reg.Count()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.public = append(f.public, username+"|"+text)
	f.counts = append(f.counts, count)
}

func (f *fakeForwarder) ForwardPrivate(from, to, serverID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.private = append(f.private, strings.Join([]string{from, to, serverID, text}, "|"))
	return nil
}

func (f *fakeForwarder) UserJoined(username string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joined = append(f.joined, username)
}

func (f *fakeForwarder) UserLeft(username string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.left = append(f.left, username)
}

func (f *fakeForwarder) snapshot() (public, private, joined, left []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.public...),
		append([]string(nil), f.private...),
		append([]string(nil), f.joined...),
		append([]string(nil), f.left...)
}

type fakeDirectory map[string]string

func (d fakeDirectory) LocateUser(username string) (string, bool) {
	id, ok := d[username]
	return id, ok
}

func (d fakeDirectory) RemoteUsers() []RemoteUser {
	users := make([]RemoteUser, 0, len(d))
	for name, server := range d {
		users = append(users, RemoteUser{Username: name, ServerName: server})
	}
	return users
}

func TestForwarderHooks(t *testing.T) {
	reg := NewRegistry(Options{})
	fwd := &fakeForwarder{reg: reg}
	reg.SetFederation(fwd, fakeDirectory{"remote": "SERVER_B"})
	addr := startRegistry(t, reg)

	a := join(t, addr, "A")
	a.send(t, "hi all")
	a.send(t, "/pm remote psst")
	assert.Equal(t, "[PRIVATE to remote]: psst", a.readLine(t))

	a.send(t, "/list")
	for a.readLine(t) != "=== Network Users ===" {
	}
	assert.Equal(t, "- remote@SERVER_B", a.readLine(t))

	a.send(t, "/quit")
	waitForCount(t, reg, 0)

	require.Eventually(t, func() bool {
		_, _, _, left := fwd.snapshot()
		return len(left) == 1
	}, readTimeout, 10*time.Millisecond)

	public, private, joined, left := fwd.snapshot()
	assert.Equal(t, []string{"A|hi all"}, public)
	assert.Equal(t, []string{"A|remote|SERVER_B|psst"}, private)
	assert.Equal(t, []string{"A"}, joined)
	assert.Equal(t, []string{"A"}, left)
}

func TestDeliverRemote(t *testing.T) {
	reg := NewRegistry(Options{})
	addr := startRegistry(t, reg)

	a := join(t, addr, "A")

	assert.Equal(t, 1, reg.DeliverRemote("Beta", "bob", "hello from afar"))
	assert.Contains(t, a.readLine(t), "[bob@Beta]: hello from afar")

	assert.True(t, reg.DeliverRemotePrivate("bob", "Beta", "A", "psst"))
	assert.Equal(t, "[PRIVATE from bob@Beta]: psst", a.readLine(t))
	assert.False(t, reg.DeliverRemotePrivate("bob", "Beta", "ghost", "psst"))

	assert.Equal(t, 1, reg.Announce("[SERVER@Beta]: maintenance"))
	assert.Equal(t, "[SERVER@Beta]: maintenance", a.readLine(t))
}

type fakeJournal struct {
	mu      sync.Mutex
	started []SessionInfo
	ended   []SessionInfo
}

func (j *fakeJournal) SessionStarted(info SessionInfo) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.started = append(j.started, info)
}

func (j *fakeJournal) SessionEnded(info SessionInfo) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.ended = append(j.ended, info)
}

func (j *fakeJournal) counts() (int, int) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.started), len(j.ended)
}

func TestJournalRecordsSessionLifetime(t *testing.T) {
	journal := &fakeJournal{}
	reg := NewRegistry(Options{Journal: journal})
	addr := startRegistry(t, reg)

	a := join(t, addr, "A")
	started, ended := journal.counts()
	require.Equal(t, 1, started)
	assert.Equal(t, 0, ended)

	journal.mu.Lock()
	info := journal.started[0]
	journal.mu.Unlock()
	assert.Equal(t, "A", info.Username)
	assert.Equal(t, "tcp", info.Transport)
	assert.False(t, info.JoinedAt.IsZero())

	a.send(t, "/quit")
	require.Eventually(t, func() bool {
		_, ended := journal.counts()
		return ended == 1
	}, readTimeout, 10*time.Millisecond)

	journal.mu.Lock()
	defer journal.mu.Unlock()
	assert.Equal(t, info.ID, journal.ended[0].ID)
}

func TestJournalSkipsRejectedConnections(t *testing.T) {
	journal := &fakeJournal{}
	reg := NewRegistry(Options{Journal: journal})
	addr := startRegistry(t, reg)

	join(t, addr, "A")
	dup := dial(t, addr)
	dup.sendUsername(t, "A")
	dup.readLine(t)
	waitForCount(t, reg, 1)

	started, ended := journal.counts()
	assert.Equal(t, 1, started)
	assert.Equal(t, 0, ended)
}

// lookup finds an active session by name
func (r *Registry) lookup(username string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, sess := range r.sessions {
		if sess.IsActive() && sess.Username == username {
			return sess
		}
	}
	return nil
}

func (r *Registry) insertConnForTest(username string, conn net.Conn) *Session {
	sess := newSession(r.nextID.Add(1), conn, "tcp", r.writeTimeout)
	sess.Username = username
	sess.JoinedAt = time.Now()
	sess.active.Store(true)

	r.mu.Lock()
	r.sessions[sess.ID] = sess
	r.mu.Unlock()
	return sess
}

func (r *Registry) insertForTest(t *testing.T, username string) *Session {
	server, client := net.Pipe()
	t.Cleanup(func() {
		server.Close()
		client.Close()
	})
	return r.insertConnForTest(username, server)
}
