//go:build !windows

package api

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"

	"github.com/fosrl/dnshole/logger"
)

// socketMode lets unprivileged local tools send commands.
const socketMode = 0666

// createSocketListener listens on socketPath, replacing a socket left behind
// by an earlier run.
func createSocketListener(socketPath string) (net.Listener, error) {
	if err := os.MkdirAll(filepath.Dir(socketPath), 0755); err != nil {
		return nil, fmt.Errorf("create socket directory: %w", err)
	}
	if err := os.RemoveAll(socketPath); err != nil {
		return nil, fmt.Errorf("remove stale socket: %w", err)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", socketPath, err)
	}
	if err := os.Chmod(socketPath, socketMode); err != nil {
		listener.Close()
		return nil, fmt.Errorf("chmod %s: %w", socketPath, err)
	}

	logger.Debug("api: listening on unix socket %s", socketPath)
	return listener, nil
}

func cleanupSocket(socketPath string) {
	err := os.Remove(socketPath)
	switch {
	case err == nil:
		logger.Debug("api: removed unix socket %s", socketPath)
	case !errors.Is(err, os.ErrNotExist):
		logger.Warn("api: failed to remove unix socket %s: %v", socketPath, err)
	}
}
