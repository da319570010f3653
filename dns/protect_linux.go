//go:build linux

package dns

import (
	"fmt"
	"syscall"

	"golang.org/x/sys/unix"
)

// protectSocket marks the socket so the routing policy sends it out the
// physical link instead of back into the tunnel.
func protectSocket(c syscall.RawConn, mark int) error {
	if mark == 0 {
		return nil
	}
	var sockErr error
	err := c.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_MARK, mark)
	})
	if err != nil {
		return err
	}
	if sockErr != nil {
		return fmt.Errorf("failed to set SO_MARK %d: %w", mark, sockErr)
	}
	return nil
}
