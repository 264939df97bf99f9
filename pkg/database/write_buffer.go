package database

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aeolun/fedchat/pkg/chat"
	"github.com/aeolun/fedchat/pkg/protocol"
)

// WriteBuffer batches database writes so the chat and federation hot paths
// never wait on SQLite. It satisfies chat.Journal and federation.Store.
type WriteBuffer struct {
	db            *DB
	flushInterval time.Duration

	// Known server upserts, coalesced per server id
	serverMu      sync.Mutex
	serverUpserts map[string]protocol.PeerDescriptor

	// Session history
	sessionMu     sync.Mutex
	sessionStarts []pendingSessionStart
	sessionEnds   map[int64]int64  // row id -> disconnected_at
	sessionRows   map[uint64]int64 // chat session id -> row id, while open

	flushMu  sync.Mutex
	shutdown chan struct{}
	once     sync.Once
	wg       sync.WaitGroup
}

type pendingSessionStart struct {
	rowID int64
	info  chat.SessionInfo
}

// NewWriteBuffer creates a new write buffer with the given flush interval
func NewWriteBuffer(db *DB, flushInterval time.Duration) *WriteBuffer {
	wb := &WriteBuffer{
		db:            db,
		flushInterval: flushInterval,
		serverUpserts: make(map[string]protocol.PeerDescriptor),
		sessionStarts: make([]pendingSessionStart, 0, 50),
		sessionEnds:   make(map[int64]int64),
		sessionRows:   make(map[uint64]int64),
		shutdown:      make(chan struct{}),
	}

	wb.wg.Add(1)
	go wb.flushLoop()

	return wb
}

// UpsertServer queues a known-server write. The latest descriptor per id wins.
func (wb *WriteBuffer) UpsertServer(d protocol.PeerDescriptor) error {
	if d.ServerID == "" {
		return nil
	}
	wb.serverMu.Lock()
	if prev, ok := wb.serverUpserts[d.ServerID]; ok && prev.LastSeen.After(d.LastSeen) {
		d.LastSeen = prev.LastSeen
	}
	wb.serverUpserts[d.ServerID] = d
	wb.serverMu.Unlock()
	return nil
}

// SessionStarted queues a session row
func (wb *WriteBuffer) SessionStarted(info chat.SessionInfo) {
	rowID := wb.db.snowflake.NextID()

	wb.sessionMu.Lock()
	wb.sessionStarts = append(wb.sessionStarts, pendingSessionStart{rowID: rowID, info: info})
	wb.sessionRows[info.ID] = rowID
	wb.sessionMu.Unlock()
}

// SessionEnded queues the disconnect stamp for a session
func (wb *WriteBuffer) SessionEnded(info chat.SessionInfo) {
	wb.sessionMu.Lock()
	if rowID, ok := wb.sessionRows[info.ID]; ok {
		wb.sessionEnds[rowID] = nowMillis()
		delete(wb.sessionRows, info.ID)
	}
	wb.sessionMu.Unlock()
}

// flushLoop periodically flushes buffered writes
func (wb *WriteBuffer) flushLoop() {
	defer wb.wg.Done()

	ticker := time.NewTicker(wb.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			wb.Flush()
		case <-wb.shutdown:
			// Final flush on shutdown
			wb.Flush()
			return
		}
	}
}

// Flush writes everything buffered so far in a single transaction
func (wb *WriteBuffer) Flush() {
	wb.flushMu.Lock()
	defer wb.flushMu.Unlock()

	start := time.Now()

	wb.serverMu.Lock()
	servers := wb.serverUpserts
	wb.serverUpserts = make(map[string]protocol.PeerDescriptor)
	wb.serverMu.Unlock()

	wb.sessionMu.Lock()
	starts := wb.sessionStarts
	ends := wb.sessionEnds
	wb.sessionStarts = make([]pendingSessionStart, 0, 50)
	wb.sessionEnds = make(map[int64]int64)
	wb.sessionMu.Unlock()

	if len(servers) == 0 && len(starts) == 0 && len(ends) == 0 {
		return
	}

	log := wb.db.log
	tx, err := wb.db.writeConn.Begin()
	if err != nil {
		log.Error("write buffer: failed to begin transaction", zap.Error(err))
		wb.requeue(servers, starts, ends)
		return
	}
	defer tx.Rollback()

	now := nowMillis()

	// 1. Known servers
	if len(servers) > 0 {
		stmt, err := tx.Prepare(upsertServerSQL)
		if err != nil {
			log.Error("write buffer: failed to prepare server upsert", zap.Error(err))
		} else {
			defer stmt.Close()
			for id, d := range servers {
				if _, err := stmt.Exec(upsertServerArgs(d, now)...); err != nil {
					log.Warn("write buffer: failed to upsert server", zap.String("server_id", id), zap.Error(err))
				}
			}
		}
	}

	// 2. Session starts, before ends so a short session lands in one flush
	for _, st := range starts {
		if err := insertSession(tx, st.rowID, st.info); err != nil {
			log.Warn("write buffer: failed to insert session", zap.String("username", st.info.Username), zap.Error(err))
		}
	}

	// 3. Session ends
	for rowID, at := range ends {
		if err := endSession(tx, rowID, at); err != nil {
			log.Warn("write buffer: failed to end session", zap.Int64("session_id", rowID), zap.Error(err))
		}
	}

	if err := tx.Commit(); err != nil {
		log.Error("write buffer: failed to commit transaction", zap.Error(err))
		return
	}

	// Only log slow flushes (those that exceed the flush interval)
	if elapsed := time.Since(start); elapsed > wb.flushInterval {
		log.Warn("write buffer: slow flush",
			zap.Int("servers", len(servers)),
			zap.Int("session_starts", len(starts)),
			zap.Int("session_ends", len(ends)),
			zap.Duration("elapsed", elapsed))
	}
}

// requeue puts back writes that could not start a transaction
func (wb *WriteBuffer) requeue(servers map[string]protocol.PeerDescriptor, starts []pendingSessionStart, ends map[int64]int64) {
	wb.serverMu.Lock()
	for id, d := range servers {
		if _, newer := wb.serverUpserts[id]; !newer {
			wb.serverUpserts[id] = d
		}
	}
	wb.serverMu.Unlock()

	wb.sessionMu.Lock()
	wb.sessionStarts = append(starts, wb.sessionStarts...)
	for rowID, at := range ends {
		wb.sessionEnds[rowID] = at
	}
	wb.sessionMu.Unlock()
}

// Close shuts down the write buffer and flushes remaining writes. Safe to call more than once.
func (wb *WriteBuffer) Close() {
	wb.once.Do(func() {
		close(wb.shutdown)
	})
	wb.wg.Wait()
}
