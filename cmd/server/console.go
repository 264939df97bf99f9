package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/aeolun/fedchat/pkg/federation"
	"github.com/aeolun/fedchat/pkg/server"
)

// consoleCommand is the closed set of operator commands
type consoleCommand int

const (
	cmdUnknown consoleCommand = iota
	cmdHelp
	cmdStatus
	cmdList
	cmdBroadcast
	cmdKick
	cmdConnect
	cmdDisconnect
	cmdServers
	cmdKnown
	cmdNetwork
	cmdSendMsg
	cmdDiscover
	cmdStop
)

var consoleCommands = map[string]consoleCommand{
	"help":       cmdHelp,
	"status":     cmdStatus,
	"list":       cmdList,
	"broadcast":  cmdBroadcast,
	"kick":       cmdKick,
	"connect":    cmdConnect,
	"disconnect": cmdDisconnect,
	"servers":    cmdServers,
	"known":      cmdKnown,
	"network":    cmdNetwork,
	"sendmsg":    cmdSendMsg,
	"discover":   cmdDiscover,
	"stop":       cmdStop,
	"quit":       cmdStop,
}

const consoleHelp = `
=== Server Console Commands ===
help      - Show this help
status    - Show server status
list      - List connected clients
broadcast <message> - Send message to all clients
kick <username> - Disconnect a user
stop/quit - Shutdown server

=== Server-to-Server Commands ===
connect <host:port> - Connect to another server
disconnect <server_id> - Drop a server link
servers   - List connected servers
known     - List every server in the directory
network   - Show network status
sendmsg <message> - Send message to all connected servers
discover  - Ask connected servers for the servers they know

`

const connectTimeout = 30 * time.Second

// parseConsoleLine splits an operator line into its command and argument
func parseConsoleLine(line string) (consoleCommand, string) {
	line = strings.TrimSpace(line)
	name, arg, _ := strings.Cut(line, " ")
	cmd, ok := consoleCommands[strings.ToLower(name)]
	if !ok {
		return cmdUnknown, line
	}
	return cmd, strings.TrimSpace(arg)
}

// console executes operator commands against a running server
type console struct {
	srv *server.Server
	out io.Writer
	log *zap.Logger
}

// run reads commands until stop, EOF or ctx is done. It returns true when the
// operator asked the server to stop.
func (c *console) run(ctx context.Context, in io.Reader) bool {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	c.log.Info("server console started, type 'help' for commands")
	for {
		select {
		case <-ctx.Done():
			return false
		case line, ok := <-lines:
			if !ok {
				return false
			}
			if c.execute(ctx, line) {
				return true
			}
		}
	}
}

// execute runs one command line and reports whether the server should stop
func (c *console) execute(ctx context.Context, line string) bool {
	if strings.TrimSpace(line) == "" {
		return false
	}

	cmd, arg := parseConsoleLine(line)
	switch cmd {
	case cmdHelp:
		fmt.Fprint(c.out, consoleHelp)
	case cmdStatus:
		c.status()
	case cmdList:
		c.listClients()
	case cmdBroadcast:
		if arg == "" {
			fmt.Fprintln(c.out, "Usage: broadcast <message>")
			return false
		}
		n := c.srv.Registry().Broadcast("[SERVER]: "+arg, nil)
		c.log.Info("broadcast sent", zap.Int("recipients", n))
	case cmdKick:
		if arg == "" {
			fmt.Fprintln(c.out, "Usage: kick <username>")
			return false
		}
		if !c.srv.Registry().Kick(arg) {
			fmt.Fprintf(c.out, "User '%s' not found.\n", arg)
		}
	case cmdConnect:
		c.connect(ctx, arg)
	case cmdDisconnect:
		c.disconnect(arg)
	case cmdServers:
		c.listServers()
	case cmdKnown:
		c.listKnown()
	case cmdNetwork:
		c.networkStatus()
	case cmdSendMsg:
		c.sendServerMessage(arg)
	case cmdDiscover:
		c.discover()
	case cmdStop:
		return true
	default:
		fmt.Fprintln(c.out, "Unknown command. Type 'help' for available commands.")
	}
	return false
}

func (c *console) federation() *federation.Manager {
	fed := c.srv.Federation()
	if fed == nil {
		fmt.Fprintln(c.out, "Federation is disabled. Set [federation] enabled = true to link servers.")
	}
	return fed
}

func (c *console) status() {
	cfg := c.srv.Config()
	reg := c.srv.Registry()

	fmt.Fprint(c.out, "\n=== Server Status ===\n")
	if addr := c.srv.Addr(); addr != nil {
		fmt.Fprintf(c.out, "Address: %s\n", addr)
	}
	fmt.Fprintf(c.out, "Server name: %s\n", reg.ServerName())
	fmt.Fprintf(c.out, "Active clients: %d/%d\n", reg.Count(), reg.MaxClients())
	if !c.srv.StartTime().IsZero() {
		fmt.Fprintf(c.out, "Uptime: %s\n", time.Since(c.srv.StartTime()).Truncate(time.Second))
	}
	if fed := c.srv.Federation(); fed != nil {
		fmt.Fprintf(c.out, "Server ID: %s\n", fed.ServerID())
		fmt.Fprintf(c.out, "Federation: enabled (port %d)\n", cfg.Federation.InterserverPort)
	} else {
		fmt.Fprint(c.out, "Federation: disabled\n")
	}
	fmt.Fprint(c.out, "\n")
}

func (c *console) listClients() {
	infos := c.srv.Registry().List()

	fmt.Fprint(c.out, "\n=== Connected Clients ===\n")
	if len(infos) == 0 {
		fmt.Fprint(c.out, "No clients connected\n\n")
		return
	}
	for _, info := range infos {
		minutes := int(time.Since(info.JoinedAt).Minutes())
		fmt.Fprintf(c.out, "- %s (%s, %s) - Connected %d mins ago\n", info.Username, info.RemoteAddr, info.Transport, minutes)
	}
	fmt.Fprint(c.out, "\n")
}

func (c *console) connect(ctx context.Context, arg string) {
	fed := c.federation()
	if fed == nil {
		return
	}

	host, port, err := federation.SplitAddress(arg)
	if err != nil {
		fmt.Fprintln(c.out, "Invalid server format. Use: connect <host:port>")
		return
	}

	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	if err := fed.ConnectToServer(ctx, host, port); err != nil {
		c.log.Error("failed to connect to server", zap.String("addr", arg), zap.Error(err))
		fmt.Fprintf(c.out, "Failed to connect to server %s: %v\n", arg, err)
		return
	}
	fmt.Fprintf(c.out, "Successfully connected to server %s\n", arg)
}

func (c *console) disconnect(serverID string) {
	fed := c.federation()
	if fed == nil {
		return
	}
	if serverID == "" {
		fmt.Fprintln(c.out, "Usage: disconnect <server_id>")
		return
	}
	if !fed.DisconnectFromServer(serverID) {
		fmt.Fprintf(c.out, "Server '%s' not connected.\n", serverID)
		return
	}
	fmt.Fprintf(c.out, "Disconnected from %s\n", serverID)
}

func (c *console) listServers() {
	fmt.Fprint(c.out, "\n=== Connected Servers ===\n")

	fed := c.srv.Federation()
	if fed == nil {
		fmt.Fprint(c.out, "Federation disabled\n\n")
		return
	}

	servers := fed.GetConnectedServers()
	if len(servers) == 0 {
		fmt.Fprint(c.out, "No servers connected\n\n")
		return
	}
	for _, d := range servers {
		fmt.Fprintf(c.out, "- %s %s (%s) users %d/%d, last seen %s ago\n",
			d.ServerID, d.Name, d.Address(), d.CurrentClients, d.MaxClients,
			time.Since(d.LastSeen).Truncate(time.Second))
	}
	fmt.Fprint(c.out, "\n")
}

func (c *console) listKnown() {
	fmt.Fprint(c.out, "\n=== Known Servers ===\n")

	db := c.srv.DB()
	if db == nil {
		fmt.Fprint(c.out, "No database configured\n\n")
		return
	}

	db.WriteBuffer.Flush()
	known, err := db.KnownServers()
	if err != nil {
		c.log.Error("failed to list known servers", zap.Error(err))
		return
	}
	if len(known) == 0 {
		fmt.Fprint(c.out, "No servers known\n\n")
		return
	}
	for _, k := range known {
		state := "offline"
		if k.Connected {
			state = "connected"
		}
		fmt.Fprintf(c.out, "- %s %s (%s:%d) %s, last seen %s\n",
			k.ServerID, k.Name, k.Host, k.Port, state, k.LastSeen.Format(time.DateTime))
	}
	fmt.Fprint(c.out, "\n")
}

func (c *console) networkStatus() {
	fmt.Fprint(c.out, "\n=== Network Status ===\n")

	fed := c.srv.Federation()
	if fed == nil {
		fmt.Fprint(c.out, "Federation disabled\n")
		fmt.Fprint(c.out, "Total connected servers: 0\n\n")
		return
	}

	status := fed.NetworkStatus()
	fmt.Fprintf(c.out, "Server: %s (%s)\n", status.ServerName, status.ServerID)
	fmt.Fprintf(c.out, "Total connected servers: %d\n", status.ConnectedServers)
	fmt.Fprintf(c.out, "Network users: %d\n", status.NetworkUsers)
	fmt.Fprintf(c.out, "Messages sent/received: %d/%d\n", status.MessagesSent, status.MessagesReceived)

	if servers := fed.GetConnectedServers(); len(servers) > 0 {
		fmt.Fprint(c.out, "Server list:\n")
		for _, d := range servers {
			fmt.Fprintf(c.out, "  - %s\n", d.Address())
		}
	}
	if users := fed.NetworkUsers(); len(users) > 0 {
		fmt.Fprint(c.out, "Network users:\n")
		for _, u := range users {
			fmt.Fprintf(c.out, "  - %s@%s\n", u.Username, u.ServerName)
		}
	}
	fmt.Fprint(c.out, "\n")
}

func (c *console) sendServerMessage(text string) {
	fed := c.federation()
	if fed == nil {
		return
	}
	if text == "" {
		fmt.Fprintln(c.out, "Usage: sendmsg <message>")
		return
	}

	n, err := fed.Announce(text)
	if err != nil {
		if errors.Is(err, federation.ErrNoPeers) {
			fmt.Fprintln(c.out, "No servers connected")
			return
		}
		c.log.Error("failed to send message to servers", zap.Error(err))
		return
	}
	fmt.Fprintf(c.out, "Message sent to %d server(s)\n", n)
}

func (c *console) discover() {
	fed := c.federation()
	if fed == nil {
		return
	}

	n, err := fed.Discover()
	if err != nil {
		if errors.Is(err, federation.ErrNoPeers) {
			fmt.Fprintln(c.out, "No servers connected")
			return
		}
		c.log.Error("discovery failed", zap.Error(err))
		return
	}
	fmt.Fprintf(c.out, "Asked %d server(s) for their server lists; see 'known'\n", n)
}
