package chat

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/aeolun/fedchat/pkg/metrics"
	"github.com/aeolun/fedchat/pkg/protocol"
)

var (
	// ErrCapacityExceeded is returned by Admit when maxClients sessions are active
	ErrCapacityExceeded = errors.New("server at capacity")
	// ErrDuplicateIdentity is returned by Admit when an active session already has the name
	ErrDuplicateIdentity = errors.New("username already taken")
	// ErrInvalidUsername is returned by Admit for names that are too long or contain reserved characters
	ErrInvalidUsername = errors.New("invalid username")
)

// Registry defaults and username limits
const (
	DefaultMaxClients = 50
	DefaultServerName = "ChatServer"
	MaxUsernameLength = 32
	anonymousPrefix   = "Anonymous_"
	reservedNameChars = "|,;@"
	timestampLayout   = "15:04:05"
)

// Forwarder receives local events that should travel to peer servers.
// The registry never calls it while holding its lock.
type Forwarder interface {
	ForwardPublic(username, text string)
	ForwardPrivate(from, to, serverID, text string) error
	UserJoined(username string)
	UserLeft(username string)
}

// Directory answers where remote users live
type Directory interface {
	LocateUser(username string) (serverID string, ok bool)
	RemoteUsers() []RemoteUser
}

// Journal records session lifetimes. Calls happen outside the registry lock.
type Journal interface {
	SessionStarted(info SessionInfo)
	SessionEnded(info SessionInfo)
}

// RemoteUser is a user connected to a peer server
type RemoteUser struct {
	Username   string
	ServerName string
}

// Options configures a Registry
type Options struct {
	MaxClients   int
	ServerName   string
	WriteTimeout time.Duration // per-send deadline; zero means none
	Logger       *zap.Logger
	Metrics      *metrics.Metrics
	Forwarder    Forwarder
	Directory    Directory
	Journal      Journal
}

type federationHooks struct {
	forwarder Forwarder
	directory Directory
}

// Registry tracks active chat sessions and routes messages between them
type Registry struct {
	mu       sync.Mutex
	sessions map[uint64]*Session
	nextID   atomic.Uint64

	maxClients   int
	serverName   string
	writeTimeout time.Duration
	log          *zap.Logger
	metrics      *metrics.Metrics
	journal      Journal
	hooks        atomic.Pointer[federationHooks]
}

// NewRegistry creates a new session registry
func NewRegistry(opts Options) *Registry {
	if opts.MaxClients <= 0 {
		opts.MaxClients = DefaultMaxClients
	}
	if opts.ServerName == "" {
		opts.ServerName = DefaultServerName
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	r := &Registry{
		sessions:     make(map[uint64]*Session),
		maxClients:   opts.MaxClients,
		serverName:   opts.ServerName,
		writeTimeout: opts.WriteTimeout,
		log:          opts.Logger,
		metrics:      opts.Metrics,
		journal:      opts.Journal,
	}
	r.SetFederation(opts.Forwarder, opts.Directory)
	return r
}

// SetFederation attaches the federation hooks. Either may be nil.
func (r *Registry) SetFederation(f Forwarder, d Directory) {
	r.hooks.Store(&federationHooks{forwarder: f, directory: d})
}

func (r *Registry) forwarder() Forwarder {
	return r.hooks.Load().forwarder
}

func (r *Registry) directory() Directory {
	return r.hooks.Load().directory
}

// ServerName returns the name shown to clients
func (r *Registry) ServerName() string {
	return r.serverName
}

// MaxClients returns the admission limit
func (r *Registry) MaxClients() int {
	return r.maxClients
}

// Admit negotiates a username and registers the session.
// On rejection the reason has already been written to conn; the caller closes it.
func (r *Registry) Admit(conn net.Conn, transport string) (*Session, error) {
	sess := newSession(r.nextID.Add(1), conn, transport, r.writeTimeout)

	if r.Count() >= r.maxClients {
		r.reject(sess, msgServerFull, "full")
		return nil, ErrCapacityExceeded
	}

	if err := sess.Send(welcomeText(r.serverName)); err != nil {
		r.metrics.RecordSessionRejected("io")
		return nil, fmt.Errorf("send welcome: %w", err)
	}

	line, err := sess.ReadLine()
	if err != nil {
		r.metrics.RecordSessionRejected("io")
		return nil, fmt.Errorf("read username: %w", err)
	}

	username := strings.TrimSpace(line)
	if username == "" {
		username = fmt.Sprintf("%s%d", anonymousPrefix, sess.ID)
	}
	if !validUsername(username) {
		r.reject(sess, msgInvalidUsername, "invalid")
		return nil, fmt.Errorf("%w: %q", ErrInvalidUsername, username)
	}
	sess.Username = username
	sess.JoinedAt = time.Now()

	r.mu.Lock()
	if len(r.sessions) >= r.maxClients {
		r.mu.Unlock()
		r.reject(sess, msgServerFull, "full")
		return nil, ErrCapacityExceeded
	}
	for _, existing := range r.sessions {
		if existing.IsActive() && existing.Username == username {
			r.mu.Unlock()
			r.reject(sess, msgUsernameTaken, "duplicate")
			return nil, fmt.Errorf("%w: %s", ErrDuplicateIdentity, username)
		}
	}
	sess.active.Store(true)
	r.sessions[sess.ID] = sess
	count := len(r.sessions)
	r.mu.Unlock()

	r.metrics.RecordActiveSessions(count)
	r.metrics.RecordSessionCreated()
	r.log.Info("user joined",
		zap.String("username", username),
		zap.String("remote_addr", sess.RemoteAddr),
		zap.String("transport", transport))
	if r.journal != nil {
		r.journal.SessionStarted(sess.Info())
	}

	_ = sess.Send(msgInstructions)
	r.Broadcast(joinedText(username), sess)

	if f := r.forwarder(); f != nil {
		f.UserJoined(username)
	}
	return sess, nil
}

func (r *Registry) reject(sess *Session, notice, reason string) {
	_ = sess.Send(notice)
	r.metrics.RecordSessionRejected(reason)
	r.log.Info("connection rejected",
		zap.String("reason", reason),
		zap.String("remote_addr", sess.RemoteAddr))
}

func validUsername(name string) bool {
	if len(name) > MaxUsernameLength {
		return false
	}
	return !strings.ContainsAny(name, reservedNameChars+" \t\r\n")
}

// HandleConn admits conn and serves it until the client leaves
func (r *Registry) HandleConn(conn net.Conn, transport string) {
	sess, err := r.Admit(conn, transport)
	if err != nil {
		r.log.Debug("admission failed", zap.Error(err))
		conn.Close()
		return
	}
	r.Serve(sess)
}

// Serve runs the read loop for an admitted session and removes it on exit
func (r *Registry) Serve(sess *Session) {
	defer r.Leave(sess)

	for sess.IsActive() {
		line, err := sess.ReadLine()
		if err != nil {
			if errors.Is(err, protocol.ErrRecordTooLarge) {
				_ = sess.Send(msgLineTooLong)
				continue
			}
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				r.log.Debug("session read failed", zap.String("username", sess.Username), zap.Error(err))
			}
			return
		}

		if !r.Route(sess, line) {
			return
		}
	}
}

// Route handles one line from sess. It returns false when the session should end.
func (r *Registry) Route(sess *Session, line string) bool {
	line = strings.TrimRight(line, "\r\n")
	if strings.TrimSpace(line) == "" {
		return true
	}

	cmd := ParseCommand(line)
	r.metrics.RecordCommand(cmd.commandName())

	switch c := cmd.(type) {
	case CommandChat:
		r.Broadcast(r.formatChat(sess.Username, c.Text), sess)
		r.log.Info("chat", zap.String("username", sess.Username), zap.String("text", c.Text))
		if f := r.forwarder(); f != nil {
			f.ForwardPublic(sess.Username, c.Text)
		}
	case CommandList:
		_ = sess.Send(r.userList())
	case CommandPrivate:
		if c.Target == "" || c.Text == "" {
			_ = sess.Send(msgPrivateUsage)
			return true
		}
		r.DirectMessage(sess, c.Target, c.Text)
	case CommandHelp:
		_ = sess.Send(msgHelp)
	case CommandQuit:
		_ = sess.Send(msgGoodbye)
		sess.markInactive()
		return false
	case CommandUnknown:
		_ = sess.Send(msgUnknownCommand)
	}
	return true
}

func (r *Registry) formatChat(username, text string) string {
	return fmt.Sprintf("[%s] [%s]: %s", time.Now().Format(timestampLayout), username, text)
}

// Broadcast sends text to every active session except exclude (nil excludes none).
// The registry lock is held for the whole pass, so one stalled client delays every
// other registry operation until its write returns. A failed send marks that
// session inactive and closes it; its read loop then removes it.
func (r *Registry) Broadcast(text string, exclude *Session) int {
	return r.broadcast(text, exclude, "local")
}

func (r *Registry) broadcast(text string, exclude *Session, origin string) int {
	start := time.Now()
	line := text + "\n"
	delivered := 0

	r.mu.Lock()
	for _, sess := range r.sessions {
		if sess == exclude || !sess.IsActive() {
			continue
		}
		if err := sess.Send(line); err != nil {
			r.log.Debug("broadcast send failed", zap.String("username", sess.Username), zap.Error(err))
			sess.markInactive()
			sess.Close()
			continue
		}
		delivered++
	}
	r.mu.Unlock()

	r.metrics.RecordBroadcast(origin, delivered, time.Since(start).Seconds())
	return delivered
}

// DirectMessage delivers text from sender to exactly one user by name.
// Local users win; otherwise a user known on a peer server is reached through the forwarder.
func (r *Registry) DirectMessage(sender *Session, target, text string) {
	r.mu.Lock()
	for _, sess := range r.sessions {
		if sess.IsActive() && sess.Username == target {
			_ = sess.Send(fmt.Sprintf("[PRIVATE from %s]: %s\n", sender.Username, text))
			_ = sender.Send(fmt.Sprintf("[PRIVATE to %s]: %s\n", target, text))
			r.mu.Unlock()
			return
		}
	}
	r.mu.Unlock()

	if d, f := r.directory(), r.forwarder(); d != nil && f != nil {
		if serverID, ok := d.LocateUser(target); ok {
			err := f.ForwardPrivate(sender.Username, target, serverID, text)
			if err == nil {
				_ = sender.Send(fmt.Sprintf("[PRIVATE to %s]: %s\n", target, text))
				return
			}
			r.log.Warn("private forward failed",
				zap.String("target", target),
				zap.String("server_id", serverID),
				zap.Error(err))
		}
	}

	_ = sender.Send(notFoundText(target))
}

// Leave announces the departure and removes the session. Safe to call more than once.
func (r *Registry) Leave(sess *Session) {
	if !sess.leaving.CompareAndSwap(false, true) {
		return
	}

	r.Broadcast(leftText(sess.Username), sess)
	sess.markInactive()

	r.mu.Lock()
	_, ok := r.sessions[sess.ID]
	delete(r.sessions, sess.ID)
	count := len(r.sessions)
	r.mu.Unlock()

	sess.Close()
	if !ok {
		return
	}

	r.metrics.RecordActiveSessions(count)
	r.metrics.RecordSessionDisconnected()
	r.log.Info("user left", zap.String("username", sess.Username))
	if r.journal != nil {
		r.journal.SessionEnded(sess.Info())
	}

	if f := r.forwarder(); f != nil {
		f.UserLeft(sess.Username)
	}
}

func (r *Registry) userList() string {
	var sb strings.Builder
	sb.WriteString("\n=== Online Users ===\n")

	r.mu.Lock()
	infos := make([]SessionInfo, 0, len(r.sessions))
	for _, sess := range r.sessions {
		if sess.IsActive() {
			infos = append(infos, sess.Info())
		}
	}
	total := len(r.sessions)
	r.mu.Unlock()

	sortInfos(infos)
	for _, info := range infos {
		fmt.Fprintf(&sb, "- %s (%s)\n", info.Username, info.RemoteAddr)
	}
	fmt.Fprintf(&sb, "Total: %d users\n", total)

	if d := r.directory(); d != nil {
		if remote := d.RemoteUsers(); len(remote) > 0 {
			sb.WriteString("\n=== Network Users ===\n")
			for _, u := range remote {
				fmt.Fprintf(&sb, "- %s@%s\n", u.Username, u.ServerName)
			}
		}
	}
	sb.WriteString("\n")
	return sb.String()
}

// Kick disconnects the active session with the given username
func (r *Registry) Kick(username string) bool {
	r.mu.Lock()
	var target *Session
	for _, sess := range r.sessions {
		if sess.IsActive() && sess.Username == username {
			target = sess
			break
		}
	}
	r.mu.Unlock()

	if target == nil {
		return false
	}

	_ = target.Send(msgKicked)
	target.markInactive()
	target.Close()
	r.log.Info("kicked user", zap.String("username", username))
	return true
}

// List returns a snapshot of the active sessions ordered by join time
func (r *Registry) List() []SessionInfo {
	r.mu.Lock()
	infos := make([]SessionInfo, 0, len(r.sessions))
	for _, sess := range r.sessions {
		if sess.IsActive() {
			infos = append(infos, sess.Info())
		}
	}
	r.mu.Unlock()

	sortInfos(infos)
	return infos
}

// Usernames returns the active usernames in sorted order
func (r *Registry) Usernames() []string {
	infos := r.List()
	names := make([]string, 0, len(infos))
	for _, info := range infos {
		names = append(names, info.Username)
	}
	sort.Strings(names)
	return names
}

// Count returns the number of registered sessions
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.sessions)
}

// CloseAll sends notice (if any) to every session and closes it.
// Read loops observe the closed connections and remove themselves.
func (r *Registry) CloseAll(notice string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, sess := range r.sessions {
		if notice != "" && sess.IsActive() {
			_ = sess.Send(notice)
		}
		sess.markInactive()
		sess.Close()
	}
}

// DeliverRemote broadcasts a chat line that arrived from a peer server
func (r *Registry) DeliverRemote(serverName, username, text string) int {
	return r.broadcast(r.formatChat(username+"@"+serverName, text), nil, "remote")
}

// DeliverRemotePrivate hands a private message from a peer server to a local user
func (r *Registry) DeliverRemotePrivate(from, serverName, to, text string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, sess := range r.sessions {
		if sess.IsActive() && sess.Username == to {
			_ = sess.Send(fmt.Sprintf("[PRIVATE from %s@%s]: %s\n", from, serverName, text))
			return true
		}
	}
	return false
}

// Announce broadcasts a notice to every local session
func (r *Registry) Announce(text string) int {
	return r.broadcast(text, nil, "remote")
}

func sortInfos(infos []SessionInfo) {
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].JoinedAt.Equal(infos[j].JoinedAt) {
			return infos[i].ID < infos[j].ID
		}
		return infos[i].JoinedAt.Before(infos[j].JoinedAt)
	})
}
