//go:build linux

package server

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
)

const overflowCheckInterval = 10 * time.Second

// logListenBacklog logs the kernel's listen backlog limit (Linux-specific)
func (s *Server) logListenBacklog(addr string) {
	var somaxconn int
	if data, err := os.ReadFile("/proc/sys/net/core/somaxconn"); err == nil {
		fmt.Sscanf(string(data), "%d", &somaxconn)
	}

	s.log.Info("chat server listening", zap.String("addr", addr), zap.Int("somaxconn", somaxconn))
	if somaxconn > 0 && somaxconn < 4096 {
		s.log.Warn("net.core.somaxconn may be too low for bursts of joining clients",
			zap.Int("somaxconn", somaxconn),
			zap.String("hint", "sudo sysctl -w net.core.somaxconn=65535"))
	}
}

// monitorListenOverflows periodically checks for listen queue overflows (Linux-specific)
func (s *Server) monitorListenOverflows() {
	defer s.wg.Done()

	ticker := time.NewTicker(overflowCheckInterval)
	defer ticker.Stop()

	lastOverflows := getListenOverflows()

	for {
		select {
		case <-ticker.C:
			overflows := getListenOverflows()
			if overflows > lastOverflows {
				s.log.Warn("connections rejected due to listen backlog overflow",
					zap.Uint64("delta", overflows-lastOverflows),
					zap.Uint64("total", overflows))
			}
			lastOverflows = overflows

		case <-s.shutdown:
			return
		}
	}
}

// getListenOverflows reads the ListenOverflows counter from /proc/net/netstat
func getListenOverflows() uint64 {
	file, err := os.Open("/proc/net/netstat")
	if err != nil {
		return 0
	}
	defer file.Close()
	return parseListenOverflows(bufio.NewScanner(file))
}

func parseListenOverflows(scanner *bufio.Scanner) uint64 {
	var headers []string
	var values []string

	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "TcpExt:") {
			fields := strings.Fields(line)
			if len(headers) == 0 {
				headers = fields[1:] // Skip "TcpExt:" prefix
			} else {
				values = fields[1:]
				break
			}
		}
	}

	for i, header := range headers {
		if header == "ListenOverflows" && i < len(values) {
			var overflows uint64
			fmt.Sscanf(values[i], "%d", &overflows)
			return overflows
		}
	}

	return 0
}
