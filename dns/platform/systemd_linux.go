//go:build linux

package platform

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/fosrl/dnshole/logger"
	dbus "github.com/godbus/dbus/v5"
	"golang.org/x/sys/unix"
)

const (
	resolvedDest          = "org.freedesktop.resolve1"
	resolvedObjectNode    = "/org/freedesktop/resolve1"
	resolvedManagerIface  = "org.freedesktop.resolve1.Manager"
	resolvedGetLink       = resolvedManagerIface + ".GetLink"
	resolvedFlushCaches   = resolvedManagerIface + ".FlushCaches"
	resolvedLinkIface     = "org.freedesktop.resolve1.Link"
	resolvedSetDNS        = resolvedLinkIface + ".SetDNS"
	resolvedSetDefaultRt  = resolvedLinkIface + ".SetDefaultRoute"
	resolvedSetDomains    = resolvedLinkIface + ".SetDomains"
	resolvedSetDNSSEC     = resolvedLinkIface + ".SetDNSSEC"
	resolvedSetDNSOverTLS = resolvedLinkIface + ".SetDNSOverTLS"
	resolvedRevert        = resolvedLinkIface + ".Revert"
	peerPing              = "org.freedesktop.DBus.Peer.Ping"

	// rootZone routes every query to the link.
	rootZone = "."

	dbusTimeout = 5 * time.Second
)

// resolvedDNSInput maps to the (iay) argument of SetDNS.
type resolvedDNSInput struct {
	Family  int32
	Address []byte
}

// resolvedDomainInput maps to the (sb) argument of SetDomains.
type resolvedDomainInput struct {
	Domain    string
	MatchOnly bool
}

// SystemdResolved sets per-link DNS through the systemd-resolved D-Bus API.
// The settings disappear together with the link.
type SystemdResolved struct {
	ifaceName string
	link      dbus.ObjectPath
}

// NewSystemdResolved looks up the resolved link object of ifaceName.
func NewSystemdResolved(ifaceName string) (*SystemdResolved, error) {
	iface, err := net.InterfaceByName(ifaceName)
	if err != nil {
		return nil, fmt.Errorf("get interface: %w", err)
	}

	s := &SystemdResolved{ifaceName: ifaceName}
	if err := s.call(resolvedObjectNode, peerPing); err != nil {
		return nil, fmt.Errorf("systemd-resolved not responding: %w", err)
	}

	var link dbus.ObjectPath
	err = s.withObject(resolvedObjectNode, func(ctx context.Context, obj dbus.BusObject) error {
		return obj.CallWithContext(ctx, resolvedGetLink, 0, int32(iface.Index)).Store(&link)
	})
	if err != nil {
		return nil, fmt.Errorf("get link: %w", err)
	}
	s.link = link
	return s, nil
}

func (s *SystemdResolved) Name() string {
	return "systemd-resolved"
}

// SetDNS makes the link the default DNS route for every domain. resolved
// does not expose the previous per-link servers, so none are returned.
func (s *SystemdResolved) SetDNS(servers []netip.Addr) ([]netip.Addr, error) {
	if len(servers) == 0 {
		return nil, fmt.Errorf("no DNS servers provided")
	}

	inputs := make([]resolvedDNSInput, 0, len(servers))
	for _, server := range servers {
		family := unix.AF_INET
		if server.Is6() {
			family = unix.AF_INET6
		}
		inputs = append(inputs, resolvedDNSInput{Family: int32(family), Address: server.AsSlice()})
	}

	if err := s.call(s.link, resolvedSetDNS, inputs); err != nil {
		return nil, fmt.Errorf("set DNS servers: %w", err)
	}
	if err := s.call(s.link, resolvedSetDefaultRt, true); err != nil {
		return nil, fmt.Errorf("set default route: %w", err)
	}
	if err := s.call(s.link, resolvedSetDomains, []resolvedDomainInput{{Domain: rootZone, MatchOnly: true}}); err != nil {
		return nil, fmt.Errorf("set domains: %w", err)
	}

	// The relay answers plain DNS only.
	if err := s.call(s.link, resolvedSetDNSSEC, "no"); err != nil {
		logger.Warn("dns: failed to disable DNSSEC on %s: %v", s.ifaceName, err)
	}
	if err := s.call(s.link, resolvedSetDNSOverTLS, "no"); err != nil {
		logger.Warn("dns: failed to disable DNSOverTLS on %s: %v", s.ifaceName, err)
	}

	s.flush()
	return nil, nil
}

// RestoreDNS reverts the link to its defaults.
func (s *SystemdResolved) RestoreDNS() error {
	if err := s.call(s.link, resolvedRevert); err != nil {
		return fmt.Errorf("revert DNS settings: %w", err)
	}
	s.flush()
	return nil
}

func (s *SystemdResolved) flush() {
	if err := s.call(resolvedObjectNode, resolvedFlushCaches); err != nil {
		logger.Warn("dns: failed to flush resolved caches: %v", err)
	}
}

func (s *SystemdResolved) call(path dbus.ObjectPath, method string, args ...any) error {
	return s.withObject(path, func(ctx context.Context, obj dbus.BusObject) error {
		return obj.CallWithContext(ctx, method, 0, args...).Store()
	})
}

func (s *SystemdResolved) withObject(path dbus.ObjectPath, fn func(context.Context, dbus.BusObject) error) error {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return fmt.Errorf("connect to system bus: %w", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), dbusTimeout)
	defer cancel()
	return fn(ctx, conn.Object(resolvedDest, path))
}
