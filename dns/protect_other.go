//go:build !linux

package dns

import "syscall"

// Only the tunnel subnet is routed through the interface on these platforms,
// so upstream sockets need no marking.
func protectSocket(_ syscall.RawConn, _ int) error {
	return nil
}
