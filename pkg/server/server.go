package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/aeolun/fedchat/pkg/chat"
	"github.com/aeolun/fedchat/pkg/database"
	"github.com/aeolun/fedchat/pkg/federation"
	"github.com/aeolun/fedchat/pkg/metrics"
)

// Server runs the chat listeners, the federation manager and the admin HTTP endpoint
type Server struct {
	config     ServerConfig
	configPath string
	log        *zap.Logger
	metrics    *metrics.Metrics
	gatherer   prometheus.Gatherer

	db         *database.DB // nil when running without a database
	registry   *chat.Registry
	federation *federation.Manager // nil when federation is disabled

	listener     net.Listener
	sshListener  net.Listener
	httpListener net.Listener
	httpServer   *http.Server

	startTime time.Time
	shutdown  chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup

	// client connections being served, including ones still choosing a username
	connMu   sync.Mutex
	conns    map[net.Conn]struct{}
	draining bool
	connWG   sync.WaitGroup
}

// ServerConfig holds server configuration
type ServerConfig struct {
	ServerName     string
	ListenHost     string // empty binds every interface
	TCPPort        int    // 0 picks a free port
	HTTPPort       int    // 0 disables the admin HTTP endpoint and WebSocket chat
	SSHPort        int    // 0 disables SSH chat
	SSHHostKeyPath string
	MaxClients     int
	WriteTimeout   time.Duration
	DatabasePath   string // empty runs without a database

	SessionRetention  time.Duration
	KnownServerMaxAge time.Duration
	CleanupInterval   time.Duration

	Federation federation.Config
}

// DefaultConfig returns default server configuration
func DefaultConfig() ServerConfig {
	return ServerConfig{
		ServerName:        chat.DefaultServerName,
		TCPPort:           8080,
		HTTPPort:          8082,
		SSHPort:           8022,
		SSHHostKeyPath:    "~/.fedchat/ssh_host_key",
		MaxClients:        chat.DefaultMaxClients,
		WriteTimeout:      10 * time.Second,
		DatabasePath:      "~/.fedchat/fedchat.db",
		SessionRetention:  7 * 24 * time.Hour,
		KnownServerMaxAge: 30 * 24 * time.Hour,
		CleanupInterval:   time.Hour,
		Federation:        federation.DefaultConfig(),
	}
}

// Options carries the collaborators a Server does not build itself
type Options struct {
	Logger *zap.Logger
	// Registry receives the metrics and backs /metrics. A private registry is created when nil.
	Registry   *prometheus.Registry
	ConfigPath string
}

// NewServer opens the database and wires the registry and federation manager.
// Nothing listens until Start.
func NewServer(config ServerConfig, opts Options) (*Server, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	reg := opts.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	s := &Server{
		config:     config,
		configPath: opts.ConfigPath,
		log:        opts.Logger,
		metrics:    metrics.New(reg),
		gatherer:   reg,
		shutdown:   make(chan struct{}),
	}

	var journal chat.Journal
	var store federation.Store
	if config.DatabasePath != "" {
		dbPath, err := expandHome(config.DatabasePath)
		if err != nil {
			return nil, err
		}
		db, err := database.Open(dbPath, s.log.Named("database"))
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		// Links and sessions never survive a restart
		if err := db.MarkAllDisconnected(); err != nil {
			s.log.Warn("failed to reset known server state", zap.Error(err))
		}
		if n, err := db.CloseOpenSessions(); err != nil {
			s.log.Warn("failed to close stale sessions", zap.Error(err))
		} else if n > 0 {
			s.log.Info("closed sessions left open by previous run", zap.Int64("count", n))
		}
		s.db = db
		journal = db.WriteBuffer
		store = db.WriteBuffer
	}

	s.registry = chat.NewRegistry(chat.Options{
		MaxClients:   config.MaxClients,
		ServerName:   config.ServerName,
		WriteTimeout: config.WriteTimeout,
		Logger:       s.log.Named("chat"),
		Metrics:      s.metrics,
		Journal:      journal,
	})

	if config.Federation.EnableInterserverCommunication {
		fedCfg := config.Federation
		if fedCfg.ServerName == "" {
			fedCfg.ServerName = s.registry.ServerName()
		}
		s.federation = federation.NewManager(federation.Options{
			Config:  fedCfg,
			Local:   s.registry,
			Store:   store,
			Logger:  s.log.Named("federation"),
			Metrics: s.metrics,
		})
		s.registry.SetFederation(s.federation, s.federation)
	}

	return s, nil
}

// Registry returns the local chat registry
func (s *Server) Registry() *chat.Registry {
	return s.registry
}

// Federation returns the federation manager, or nil when federation is disabled
func (s *Server) Federation() *federation.Manager {
	return s.federation
}

// DB returns the database, or nil when running without one
func (s *Server) DB() *database.DB {
	return s.db
}

// Config returns the server configuration
func (s *Server) Config() ServerConfig {
	return s.config
}

// StartTime returns when Start was called
func (s *Server) StartTime() time.Time {
	return s.startTime
}

// Addr returns the TCP chat listener address, or nil before Start
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// HTTPAddr returns the admin HTTP listener address, or nil when disabled
func (s *Server) HTTPAddr() net.Addr {
	if s.httpListener == nil {
		return nil
	}
	return s.httpListener.Addr()
}

func (s *Server) hostPort(port int) string {
	return net.JoinHostPort(s.config.ListenHost, strconv.Itoa(port))
}

// listenTCP opens a listener with the platform socket options applied
func listenTCP(addr string) (net.Listener, error) {
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var sockErr error
			if err := c.Control(func(fd uintptr) {
				sockErr = setSocketOptions(fd)
			}); err != nil {
				return err
			}
			return sockErr
		},
	}
	return lc.Listen(context.Background(), "tcp", addr)
}

// Start starts the TCP, SSH and HTTP listeners and the federation manager
func (s *Server) Start() error {
	s.startTime = time.Now()

	// Start TCP server
	addr := s.hostPort(s.config.TCPPort)
	listener, err := listenTCP(addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener
	s.logListenBacklog(listener.Addr().String())

	// Start SSH server
	if err := s.startSSHServer(); err != nil {
		s.closeListeners()
		return fmt.Errorf("failed to start SSH server: %w", err)
	}

	// Start admin HTTP server (health, servers, metrics, websocket)
	if err := s.startHTTPServer(); err != nil {
		s.closeListeners()
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	if s.federation != nil {
		if err := s.federation.Start(); err != nil {
			s.closeListeners()
			return fmt.Errorf("failed to start federation: %w", err)
		}
	}

	// Session history and known server cleanup
	if s.db != nil {
		s.wg.Add(1)
		go s.retentionCleanupLoop()
	}

	s.wg.Add(1)
	go s.monitorListenOverflows()

	// Accept TCP connections
	s.wg.Add(1)
	go s.acceptLoop()

	s.log.Info("server started",
		zap.String("server_name", s.registry.ServerName()),
		zap.Int("max_clients", s.registry.MaxClients()),
		zap.Bool("federation", s.federation != nil))
	return nil
}

func (s *Server) closeListeners() {
	for _, l := range []net.Listener{s.listener, s.sshListener, s.httpListener} {
		if l != nil {
			l.Close()
		}
	}
}

// Stop notifies every client, leaves the federation and waits for the server goroutines.
// Safe to call more than once.
func (s *Server) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		close(s.shutdown)
		s.closeListeners()

		if s.httpServer != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if herr := s.httpServer.Shutdown(ctx); herr != nil && !errors.Is(herr, http.ErrServerClosed) {
				s.log.Warn("http shutdown failed", zap.Error(herr))
			}
			cancel()
		}

		s.registry.CloseAll(chat.ShutdownNotice)
		s.closeConns()
		s.connWG.Wait()

		if s.federation != nil {
			s.federation.Stop()
		}

		// Wait for goroutines to finish
		s.wg.Wait()

		if s.db != nil {
			err = s.db.Close()
		}
		s.log.Info("server stopped")
	})
	return err
}

// acceptLoop accepts incoming connections
func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return
			default:
				if errors.Is(err, net.ErrClosed) {
					return
				}
				s.log.Warn("accept error", zap.Error(err))
				continue
			}
		}

		// Disable Nagle's algorithm for immediate sends
		if tcpConn, ok := conn.(*net.TCPConn); ok {
			tcpConn.SetNoDelay(true)
		}

		s.serveConn(conn, "tcp")
	}
}

// serveConn runs one client connection in its own goroutine, tracked so Stop can join it
func (s *Server) serveConn(conn net.Conn, transport string) {
	s.connMu.Lock()
	if s.draining {
		s.connMu.Unlock()
		conn.Close()
		return
	}
	if s.conns == nil {
		s.conns = make(map[net.Conn]struct{})
	}
	s.conns[conn] = struct{}{}
	s.connWG.Add(1)
	s.connMu.Unlock()

	go func() {
		defer s.connWG.Done()
		defer func() {
			s.connMu.Lock()
			delete(s.conns, conn)
			s.connMu.Unlock()
		}()
		s.registry.HandleConn(conn, transport)
	}()
}

// closeConns refuses new clients and closes every tracked connection
func (s *Server) closeConns() {
	s.connMu.Lock()
	s.draining = true
	conns := make([]net.Conn, 0, len(s.conns))
	for conn := range s.conns {
		conns = append(conns, conn)
	}
	s.connMu.Unlock()

	for _, conn := range conns {
		conn.Close()
	}
}

// retentionCleanupLoop periodically trims session history and forgets stale servers
func (s *Server) retentionCleanupLoop() {
	defer s.wg.Done()

	interval := s.config.CleanupInterval
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Run cleanup immediately on startup
	s.cleanupHistory()

	for {
		select {
		case <-s.shutdown:
			return
		case <-ticker.C:
			s.cleanupHistory()
		}
	}
}

func (s *Server) cleanupHistory() {
	if s.config.SessionRetention > 0 {
		count, err := s.db.CleanupSessions(s.config.SessionRetention)
		if err != nil {
			s.log.Warn("error cleaning up session history", zap.Error(err))
		} else if count > 0 {
			s.log.Info("cleaned up session history", zap.Int64("count", count))
		}
	}

	if s.config.KnownServerMaxAge > 0 {
		count, err := s.db.PruneServers(s.config.KnownServerMaxAge)
		if err != nil {
			s.log.Warn("error pruning known servers", zap.Error(err))
		} else if count > 0 {
			s.log.Info("pruned known servers", zap.Int64("count", count))
		}
	}
}
