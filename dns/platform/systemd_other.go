//go:build !linux

package platform

import (
	"errors"
	"net/netip"
)

// SystemdResolved is only available on Linux.
type SystemdResolved struct{}

func NewSystemdResolved(string) (*SystemdResolved, error) {
	return nil, errors.ErrUnsupported
}

func (*SystemdResolved) Name() string { return "systemd-resolved" }

func (*SystemdResolved) SetDNS([]netip.Addr) ([]netip.Addr, error) {
	return nil, errors.ErrUnsupported
}

func (*SystemdResolved) RestoreDNS() error { return errors.ErrUnsupported }
