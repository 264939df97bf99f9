package chat

import (
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aeolun/fedchat/pkg/protocol"
)

// Session represents an admitted chat client
type Session struct {
	ID         uint64
	Username   string
	RemoteAddr string // host part of the peer address
	Transport  string // "tcp", "websocket" or "ssh"
	JoinedAt   time.Time

	conn         net.Conn
	reader       *protocol.RecordReader
	writeMu      sync.Mutex // serializes writes so lines never interleave
	writeTimeout time.Duration
	active       atomic.Bool
	leaving      atomic.Bool
	closeOnce    sync.Once
}

// SessionInfo is a read-only snapshot of a session
type SessionInfo struct {
	ID         uint64    `json:"id"`
	Username   string    `json:"username"`
	RemoteAddr string    `json:"remote_addr"`
	Transport  string    `json:"transport"`
	JoinedAt   time.Time `json:"joined_at"`
}

func newSession(id uint64, conn net.Conn, transport string, writeTimeout time.Duration) *Session {
	return &Session{
		ID:           id,
		RemoteAddr:   remoteHost(conn),
		Transport:    transport,
		conn:         conn,
		reader:       protocol.NewRecordReader(conn),
		writeTimeout: writeTimeout,
	}
}

func remoteHost(conn net.Conn) string {
	addr := conn.RemoteAddr()
	if addr == nil {
		return "unknown"
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

// Send writes raw text to the client
func (s *Session) Send(text string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.writeTimeout > 0 {
		_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
		defer s.conn.SetWriteDeadline(time.Time{})
	}
	_, err := io.WriteString(s.conn, text)
	return err
}

// ReadLine blocks for the next line from the client
func (s *Session) ReadLine() (string, error) {
	return s.reader.ReadLine()
}

// IsActive reports whether the session still receives broadcasts
func (s *Session) IsActive() bool {
	return s.active.Load()
}

func (s *Session) markInactive() {
	s.active.Store(false)
}

// Close closes the underlying connection. Safe to call more than once.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.conn.Close()
	})
	return err
}

// Info returns a snapshot of the session
func (s *Session) Info() SessionInfo {
	return SessionInfo{
		ID:         s.ID,
		Username:   s.Username,
		RemoteAddr: s.RemoteAddr,
		Transport:  s.Transport,
		JoinedAt:   s.JoinedAt,
	}
}
