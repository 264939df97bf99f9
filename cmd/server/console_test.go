package main

import (
	"bufio"
	"bytes"
	"context"
	"net"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/aeolun/fedchat/pkg/server"
)

func TestParseConsoleLine(t *testing.T) {
	tests := []struct {
		line string
		cmd  consoleCommand
		arg  string
	}{
		{"help", cmdHelp, ""},
		{"  status  ", cmdStatus, ""},
		{"broadcast hello there", cmdBroadcast, "hello there"},
		{"kick   bob", cmdKick, "bob"},
		{"connect 10.0.0.1:8081", cmdConnect, "10.0.0.1:8081"},
		{"QUIT", cmdStop, ""},
		{"stop", cmdStop, ""},
		{"sendmsg hi peers", cmdSendMsg, "hi peers"},
		{"frobnicate", cmdUnknown, "frobnicate"},
		{"broadcasting", cmdUnknown, "broadcasting"},
	}

	for _, tt := range tests {
		cmd, arg := parseConsoleLine(tt.line)
		assert.Equal(t, tt.cmd, cmd, tt.line)
		assert.Equal(t, tt.arg, arg, tt.line)
	}
}

func newConsoleServer(t *testing.T, federated bool) (*server.Server, *console, *bytes.Buffer) {
	t.Helper()

	cfg := server.DefaultConfig()
	cfg.ListenHost = "127.0.0.1"
	cfg.TCPPort = 0
	cfg.HTTPPort = 0
	cfg.SSHPort = 0
	cfg.DatabasePath = filepath.Join(t.TempDir(), "console.db")
	cfg.ServerName = "alpha"
	cfg.Federation.EnableInterserverCommunication = federated
	cfg.Federation.ListenAddr = "127.0.0.1:0"
	cfg.Federation.AdvertiseHost = "127.0.0.1"

	srv, err := server.NewServer(cfg, server.Options{})
	require.NoError(t, err)
	require.NoError(t, srv.Start())
	t.Cleanup(func() { srv.Stop() })

	out := &bytes.Buffer{}
	return srv, &console{srv: srv, out: out, log: zap.NewNop()}, out
}

// joinChat admits a TCP client under username and returns its reader
func joinChat(t *testing.T, srv *server.Server, username string) (net.Conn, *bufio.Reader) {
	t.Helper()

	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	r := bufio.NewReader(conn)
	_, err = conn.Write([]byte(username + "\n"))
	require.NoError(t, err)
	waitFor(t, conn, r, "Successfully joined chat")
	return conn, r
}

func waitFor(t *testing.T, conn net.Conn, r *bufio.Reader, substr string) {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		line, err := r.ReadString('\n')
		if strings.Contains(line, substr) {
			return
		}
		require.NoError(t, err, "waiting for %q", substr)
	}
}

func TestConsoleStatusAndList(t *testing.T) {
	srv, con, out := newConsoleServer(t, false)

	con.execute(context.Background(), "list")
	assert.Contains(t, out.String(), "No clients connected")

	joinChat(t, srv, "alice")

	out.Reset()
	con.execute(context.Background(), "status")
	assert.Contains(t, out.String(), "=== Server Status ===")
	assert.Contains(t, out.String(), "Server name: alpha")
	assert.Contains(t, out.String(), "Active clients: 1/50")
	assert.Contains(t, out.String(), "Federation: disabled")

	out.Reset()
	con.execute(context.Background(), "list")
	assert.Contains(t, out.String(), "- alice (127.0.0.1, tcp) - Connected 0 mins ago")
}

func TestConsoleBroadcastAndKick(t *testing.T) {
	srv, con, out := newConsoleServer(t, false)

	conn, r := joinChat(t, srv, "alice")

	con.execute(context.Background(), "broadcast maintenance at noon")
	waitFor(t, conn, r, "[SERVER]: maintenance at noon")

	con.execute(context.Background(), "kick bob")
	assert.Contains(t, out.String(), "User 'bob' not found.")

	con.execute(context.Background(), "kick alice")
	waitFor(t, conn, r, "You have been kicked from the server.")
	require.Eventually(t, func() bool { return srv.Registry().Count() == 0 }, 3*time.Second, 10*time.Millisecond)
}

func TestConsoleFederationCommandsWhenDisabled(t *testing.T) {
	_, con, out := newConsoleServer(t, false)

	for _, line := range []string{"connect 127.0.0.1:1", "sendmsg hi", "discover"} {
		out.Reset()
		con.execute(context.Background(), line)
		assert.Contains(t, out.String(), "Federation is disabled", line)
	}

	out.Reset()
	con.execute(context.Background(), "network")
	assert.Contains(t, out.String(), "Total connected servers: 0")
}

func TestConsoleConnectAndServers(t *testing.T) {
	a, conA, outA := newConsoleServer(t, true)
	b, conB, outB := newConsoleServer(t, true)

	conA.execute(context.Background(), "connect not-an-address")
	assert.Contains(t, outA.String(), "Invalid server format")

	outA.Reset()
	conA.execute(context.Background(), "sendmsg nobody home")
	assert.Contains(t, outA.String(), "No servers connected")

	port := b.Federation().Addr().(*net.TCPAddr).Port
	outA.Reset()
	conA.execute(context.Background(), "connect 127.0.0.1:"+strconv.Itoa(port))
	require.Contains(t, outA.String(), "Successfully connected to server")

	require.Eventually(t, func() bool {
		return b.Federation().IsConnectedToServer(a.Federation().ServerID())
	}, 3*time.Second, 10*time.Millisecond)

	outA.Reset()
	conA.execute(context.Background(), "servers")
	assert.Contains(t, outA.String(), b.Federation().ServerID())

	outA.Reset()
	conA.execute(context.Background(), "network")
	assert.Contains(t, outA.String(), "Total connected servers: 1")

	conn, r := joinChat(t, b, "bob")
	outA.Reset()
	conA.execute(context.Background(), "sendmsg hello network")
	assert.Contains(t, outA.String(), "Message sent to 1 server(s)")
	waitFor(t, conn, r, "hello network")

	// b learns about a from the registration a sends after dialing
	require.Eventually(t, func() bool {
		outB.Reset()
		conB.execute(context.Background(), "known")
		return strings.Contains(outB.String(), a.Federation().ServerID())
	}, 3*time.Second, 20*time.Millisecond)

	outA.Reset()
	conA.execute(context.Background(), "disconnect "+b.Federation().ServerID())
	assert.Contains(t, outA.String(), "Disconnected from")
	assert.False(t, a.Federation().IsConnectedToServer(b.Federation().ServerID()))
}

func TestConsoleRunStopsOnQuit(t *testing.T) {
	_, con, out := newConsoleServer(t, false)

	stopped := con.run(context.Background(), strings.NewReader("help\nbogus\nquit\nstatus\n"))
	assert.True(t, stopped)
	assert.Contains(t, out.String(), "=== Server Console Commands ===")
	assert.Contains(t, out.String(), "Unknown command")
	assert.NotContains(t, out.String(), "=== Server Status ===")

	// EOF ends the console without stopping the server
	assert.False(t, con.run(context.Background(), strings.NewReader("help\n")))
}
