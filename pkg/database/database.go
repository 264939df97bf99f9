package database

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/aeolun/fedchat/pkg/chat"
	"github.com/aeolun/fedchat/pkg/protocol"
)

var (
	// ErrServerNotFound indicates no known server has the requested id.
	ErrServerNotFound = errors.New("server not found")
	// ErrSessionNotFound indicates the session row does not exist.
	ErrSessionNotFound = errors.New("session not found")
)

// DB wraps the SQLite database connection
type DB struct {
	conn        *sql.DB // Read connection pool
	writeConn   *sql.DB // Dedicated write connection (1 connection)
	snowflake   *Snowflake
	log         *zap.Logger
	WriteBuffer *WriteBuffer
}

// KnownServer is a peer server we have heard of, connected or not
type KnownServer struct {
	ServerID       string    `json:"server_id"`
	Name           string    `json:"name"`
	Host           string    `json:"host"`
	Port           int       `json:"port"`
	MaxClients     int       `json:"max_clients"`
	CurrentClients int       `json:"current_clients"`
	Connected      bool      `json:"connected"`
	FirstSeen      time.Time `json:"first_seen"`
	LastSeen       time.Time `json:"last_seen"`
}

// Descriptor converts the row back into its wire form
func (k KnownServer) Descriptor() protocol.PeerDescriptor {
	return protocol.PeerDescriptor{
		ServerID:       k.ServerID,
		Name:           k.Name,
		Host:           k.Host,
		Port:           k.Port,
		MaxClients:     k.MaxClients,
		CurrentClients: k.CurrentClients,
		LastSeen:       k.LastSeen,
		Connected:      k.Connected,
	}
}

// SessionRecord is one chat session in the history table
type SessionRecord struct {
	ID             int64      `json:"id"`
	Username       string     `json:"username"`
	Transport      string     `json:"transport"`
	RemoteAddr     string     `json:"remote_addr"`
	ConnectedAt    time.Time  `json:"connected_at"`
	DisconnectedAt *time.Time `json:"disconnected_at,omitempty"`
}

var pragmas = []string{
	// WAL allows multiple readers and one writer at the same time
	"PRAGMA journal_mode = WAL",
	// Wait and retry instead of failing with SQLITE_BUSY
	"PRAGMA busy_timeout = 5000",
	"PRAGMA foreign_keys = ON",
	"PRAGMA synchronous = NORMAL",
}

func openConn(path string, maxOpen, maxIdle int, lifetime time.Duration) (*sql.DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	conn.SetMaxOpenConns(maxOpen)
	conn.SetMaxIdleConns(maxIdle)
	conn.SetConnMaxLifetime(lifetime)

	for _, pragma := range pragmas {
		if _, err := conn.Exec(pragma); err != nil {
			conn.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	return conn, nil
}

// Open opens the SQLite database at path and applies pending migrations
func Open(path string, logger *zap.Logger) (*DB, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	conn, err := openConn(path, 25, 5, 5*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single writer; SQLite serializes writes anyway
	writeConn, err := openConn(path, 1, 1, 0)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open write connection: %w", err)
	}

	// Snowflake ID generator (epoch: 2024-01-01, workerID: 0)
	epoch := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli()

	db := &DB{
		conn:      conn,
		writeConn: writeConn,
		snowflake: NewSnowflake(epoch, 0),
		log:       logger,
	}

	if err := runMigrations(conn, path, logger); err != nil {
		conn.Close()
		writeConn.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	db.WriteBuffer = NewWriteBuffer(db, 100*time.Millisecond)
	return db, nil
}

// Ping checks that the database is reachable
func (db *DB) Ping() error {
	return db.conn.Ping()
}

// Close flushes pending writes and closes the database
func (db *DB) Close() error {
	if db.WriteBuffer != nil {
		db.WriteBuffer.Close()
	}
	db.writeConn.Close()
	return db.conn.Close()
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

const upsertServerSQL = `
	INSERT INTO KnownServer (server_id, name, host, port, max_clients, current_clients, connected, first_seen, last_seen)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(server_id) DO UPDATE SET
		name = excluded.name,
		host = excluded.host,
		port = excluded.port,
		max_clients = excluded.max_clients,
		current_clients = excluded.current_clients,
		connected = excluded.connected,
		last_seen = MAX(KnownServer.last_seen, excluded.last_seen)
`

func upsertServerArgs(d protocol.PeerDescriptor, now int64) []any {
	lastSeen := d.LastSeen.UnixMilli()
	if d.LastSeen.IsZero() {
		lastSeen = now
	}
	return []any{d.ServerID, d.Name, d.Host, d.Port, d.MaxClients, d.CurrentClients, boolToInt(d.Connected), now, lastSeen}
}

// UpsertServer records a descriptor immediately. The write buffer offers a batched variant.
func (db *DB) UpsertServer(d protocol.PeerDescriptor) error {
	if d.ServerID == "" {
		return fmt.Errorf("upsert server: empty server id")
	}
	_, err := db.writeConn.Exec(upsertServerSQL, upsertServerArgs(d, nowMillis())...)
	return err
}

// GetServer returns one known server
func (db *DB) GetServer(serverID string) (*KnownServer, error) {
	row := db.conn.QueryRow(`
		SELECT server_id, name, host, port, max_clients, current_clients, connected, first_seen, last_seen
		FROM KnownServer WHERE server_id = ?
	`, serverID)

	k, err := scanServer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrServerNotFound
	}
	if err != nil {
		return nil, err
	}
	return k, nil
}

// KnownServers returns every known server, most recently seen first
func (db *DB) KnownServers() ([]*KnownServer, error) {
	rows, err := db.conn.Query(`
		SELECT server_id, name, host, port, max_clients, current_clients, connected, first_seen, last_seen
		FROM KnownServer
		ORDER BY last_seen DESC, server_id ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var servers []*KnownServer
	for rows.Next() {
		k, err := scanServer(rows)
		if err != nil {
			return nil, err
		}
		servers = append(servers, k)
	}
	return servers, rows.Err()
}

// MarkAllDisconnected clears the connected flag; links do not survive a restart
func (db *DB) MarkAllDisconnected() error {
	_, err := db.writeConn.Exec(`UPDATE KnownServer SET connected = 0 WHERE connected != 0`)
	return err
}

// PruneServers forgets disconnected servers not seen within maxAge
func (db *DB) PruneServers(maxAge time.Duration) (int64, error) {
	cutoff := time.Now().Add(-maxAge).UnixMilli()
	result, err := db.writeConn.Exec(`DELETE FROM KnownServer WHERE connected = 0 AND last_seen < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// execer is the part of *sql.DB and *sql.Tx the session writers need
type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func insertSession(ex execer, id int64, info chat.SessionInfo) error {
	_, err := ex.Exec(`
		INSERT INTO Session (id, username, transport, remote_addr, connected_at)
		VALUES (?, ?, ?, ?, ?)
	`, id, info.Username, info.Transport, info.RemoteAddr, joinedMillis(info))
	return err
}

func endSession(ex execer, id int64, atMillis int64) error {
	result, err := ex.Exec(`UPDATE Session SET disconnected_at = ? WHERE id = ?`, atMillis, id)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// StartSession inserts a session row and returns its id. The write buffer
// journals through the same statements in batches.
func (db *DB) StartSession(info chat.SessionInfo) (int64, error) {
	id := db.snowflake.NextID()
	if err := insertSession(db.writeConn, id, info); err != nil {
		return 0, err
	}
	return id, nil
}

// EndSession stamps the disconnect time on a session row
func (db *DB) EndSession(id int64, at time.Time) error {
	return endSession(db.writeConn, id, at.UnixMilli())
}

// RecentSessions returns up to limit sessions, newest first
func (db *DB) RecentSessions(limit int) ([]*SessionRecord, error) {
	rows, err := db.conn.Query(`
		SELECT id, username, transport, remote_addr, connected_at, disconnected_at
		FROM Session
		ORDER BY connected_at DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*SessionRecord
	for rows.Next() {
		var s SessionRecord
		var connectedAt int64
		var disconnectedAt sql.NullInt64
		if err := rows.Scan(&s.ID, &s.Username, &s.Transport, &s.RemoteAddr, &connectedAt, &disconnectedAt); err != nil {
			return nil, err
		}
		s.ConnectedAt = time.UnixMilli(connectedAt)
		if disconnectedAt.Valid {
			t := time.UnixMilli(disconnectedAt.Int64)
			s.DisconnectedAt = &t
		}
		sessions = append(sessions, &s)
	}
	return sessions, rows.Err()
}

// CleanupSessions deletes finished sessions older than retention
func (db *DB) CleanupSessions(retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention).UnixMilli()
	result, err := db.writeConn.Exec(`
		DELETE FROM Session
		WHERE disconnected_at IS NOT NULL AND disconnected_at < ?
	`, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// CloseOpenSessions ends sessions left open by an unclean shutdown
func (db *DB) CloseOpenSessions() (int64, error) {
	result, err := db.writeConn.Exec(`UPDATE Session SET disconnected_at = ? WHERE disconnected_at IS NULL`, nowMillis())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanServer(row rowScanner) (*KnownServer, error) {
	var k KnownServer
	var connected int
	var firstSeen, lastSeen int64
	if err := row.Scan(&k.ServerID, &k.Name, &k.Host, &k.Port, &k.MaxClients, &k.CurrentClients, &connected, &firstSeen, &lastSeen); err != nil {
		return nil, err
	}
	k.Connected = connected != 0
	k.FirstSeen = time.UnixMilli(firstSeen)
	k.LastSeen = time.UnixMilli(lastSeen)
	return &k, nil
}

func joinedMillis(info chat.SessionInfo) int64 {
	if info.JoinedAt.IsZero() {
		return nowMillis()
	}
	return info.JoinedAt.UnixMilli()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
