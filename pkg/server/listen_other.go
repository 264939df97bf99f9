//go:build !linux

package server

import "go.uber.org/zap"

// logListenBacklog logs the listen address (non-Linux systems)
func (s *Server) logListenBacklog(addr string) {
	s.log.Info("chat server listening", zap.String("addr", addr))
}

// monitorListenOverflows has nothing to watch outside Linux
func (s *Server) monitorListenOverflows() {
	s.wg.Done()
}
