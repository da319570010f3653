//go:build !linux && !windows

package device

import (
	"errors"
	"fmt"
	"runtime"
)

// Create is only implemented on Linux. Elsewhere the interface has to be
// provisioned by the platform and handed over with FromFD.
func Create(cfg Config) (*Device, error) {
	return nil, fmt.Errorf("creating %q on %s: %w", cfg.Name, runtime.GOOS, errors.ErrUnsupported)
}
