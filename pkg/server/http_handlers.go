package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/aeolun/fedchat/pkg/chat"
	"github.com/aeolun/fedchat/pkg/federation"
	"github.com/aeolun/fedchat/pkg/protocol"
)

const defaultHistoryLimit = 50

// Router returns the admin HTTP routes
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.HealthHandler).Methods(http.MethodGet)
	r.HandleFunc("/servers", s.ServersJSONHandler).Methods(http.MethodGet)
	r.HandleFunc("/sessions", s.SessionsJSONHandler).Methods(http.MethodGet)
	r.HandleFunc("/sessions/history", s.SessionHistoryHandler).Methods(http.MethodGet)
	r.HandleFunc("/network/users", s.NetworkUsersHandler).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	r.HandleFunc("/ws", s.HandleWebSocket)
	return r
}

// startHTTPServer serves the admin routes on the configured port
func (s *Server) startHTTPServer() error {
	if s.config.HTTPPort <= 0 {
		s.log.Info("HTTP server disabled", zap.Int("http_port", s.config.HTTPPort))
		return nil
	}

	addr := s.hostPort(s.config.HTTPPort)
	listener, err := listenTCP(addr)
	if err != nil {
		return err
	}
	s.httpListener = listener
	s.httpServer = &http.Server{
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.log.Info("HTTP server listening", zap.String("addr", listener.Addr().String()))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("HTTP server failed", zap.Error(err))
		}
	}()
	return nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*") // Allow CORS for external websites
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Debug("error encoding JSON response", zap.Error(err))
	}
}

// HealthHandler serves health check status
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	health := map[string]any{
		"status":          "healthy",
		"uptime_seconds":  int64(time.Since(s.startTime).Seconds()),
		"server_name":     s.registry.ServerName(),
		"active_sessions": s.registry.Count(),
		"max_clients":     s.registry.MaxClients(),
		"federation":      s.federation != nil,
	}

	if s.federation != nil {
		status := s.federation.NetworkStatus()
		health["server_id"] = status.ServerID
		health["connected_servers"] = status.ConnectedServers
		health["network_users"] = status.NetworkUsers
	}

	code := http.StatusOK
	if s.db != nil {
		if err := s.db.Ping(); err != nil {
			s.log.Warn("health check: database unreachable", zap.Error(err))
			health["status"] = "degraded"
			health["database_accessible"] = false
			code = http.StatusServiceUnavailable
		} else {
			health["database_accessible"] = true
		}
	}

	s.writeJSON(w, code, health)
}

// ServersJSONHandler serves every server we know of: live peers first, then those
// remembered in the database
func (s *Server) ServersJSONHandler(w http.ResponseWriter, r *http.Request) {
	servers, err := s.knownServers()
	if err != nil {
		s.log.Error("error listing servers for HTTP endpoint", zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"servers": servers,
		"count":   len(servers),
	})
}

// knownServers merges the live peer list with the stored directory
func (s *Server) knownServers() ([]protocol.PeerDescriptor, error) {
	byID := make(map[string]protocol.PeerDescriptor)

	if s.db != nil {
		known, err := s.db.KnownServers()
		if err != nil {
			return nil, err
		}
		for _, k := range known {
			d := k.Descriptor()
			d.Connected = false
			byID[d.ServerID] = d
		}
	}

	if s.federation != nil {
		for _, d := range s.federation.GetConnectedServers() {
			byID[d.ServerID] = d
		}
	}

	servers := make([]protocol.PeerDescriptor, 0, len(byID))
	for _, d := range byID {
		servers = append(servers, d)
	}
	sort.Slice(servers, func(i, j int) bool {
		if servers[i].Connected != servers[j].Connected {
			return servers[i].Connected
		}
		return servers[i].ServerID < servers[j].ServerID
	})
	return servers, nil
}

// SessionsJSONHandler lists the active local sessions
func (s *Server) SessionsJSONHandler(w http.ResponseWriter, r *http.Request) {
	sessions := s.registry.List()
	if sessions == nil {
		sessions = []chat.SessionInfo{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"sessions": sessions,
		"count":    len(sessions),
	})
}

// SessionHistoryHandler lists recent sessions from the database; ?limit=N caps the result
func (s *Server) SessionHistoryHandler(w http.ResponseWriter, r *http.Request) {
	if s.db == nil {
		http.Error(w, "Session history not enabled on this server", http.StatusNotImplemented)
		return
	}

	limit := defaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = min(n, 1000)
	}

	// Pending journal entries become visible first
	s.db.WriteBuffer.Flush()
	history, err := s.db.RecentSessions(limit)
	if err != nil {
		s.log.Error("error listing session history", zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"sessions": history,
		"count":    len(history),
	})
}

// NetworkUsersHandler lists users connected to peer servers
func (s *Server) NetworkUsersHandler(w http.ResponseWriter, r *http.Request) {
	users := []federation.NetworkUser{}
	if s.federation != nil {
		users = append(users, s.federation.NetworkUsers()...)
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"users": users,
		"count": len(users),
	})
}
