//go:build windows

package server

import (
	"syscall"
)

// setSocketOptions marks chat listeners reusable so a restarted server can rebind at once.
// On Windows the descriptor is a syscall.Handle.
func setSocketOptions(fd uintptr) error {
	return syscall.SetsockoptInt(syscall.Handle(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
}
