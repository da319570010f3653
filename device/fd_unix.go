//go:build !windows

package device

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// FromFD adopts an interface that was provisioned elsewhere. The descriptor
// is duplicated so the caller keeps ownership of fd.
func FromFD(fd int, name string) (*Device, error) {
	dupFd, err := unix.Dup(fd)
	if err != nil {
		return nil, fmt.Errorf("unable to dup tun fd %d: %w", fd, err)
	}

	if err := unix.SetNonblock(dupFd, true); err != nil {
		unix.Close(dupFd)
		return nil, fmt.Errorf("unable to set tun fd nonblocking: %w", err)
	}

	file := os.NewFile(uintptr(dupFd), "/dev/tun")
	dev, err := New(name, file, nil)
	if err != nil {
		file.Close()
		return nil, err
	}
	return dev, nil
}
