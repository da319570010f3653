package dns

import (
	"bufio"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"strings"

	"github.com/fosrl/dnshole/logger"
	"github.com/miekg/dns"
)

const (
	// DefaultResolvConfPath is where the system resolver configuration lives.
	DefaultResolvConfPath = "/etc/resolv.conf"
	// systemdResolvConfPath lists the real upstreams behind the resolved stub.
	systemdResolvConfPath = "/run/systemd/resolve/resolv.conf"
)

// ErrNoDNSServer means no usable upstream resolver could be found.
var ErrNoDNSServer = errors.New("no upstream dns server available")

// ManagerType is the program that owns resolv.conf, as hinted by its comments.
type ManagerType int

const (
	UnknownManager ManagerType = iota
	SystemdResolvedManager
	NetworkManagerManager
	ResolvconfManager
	FileManager
)

func (m ManagerType) String() string {
	switch m {
	case SystemdResolvedManager:
		return "systemd-resolved"
	case NetworkManagerManager:
		return "NetworkManager"
	case ResolvconfManager:
		return "resolvconf"
	case FileManager:
		return "file"
	default:
		return "unknown"
	}
}

// DetectManager reads the leading comments of a resolv.conf to guess which
// program manages it.
func DetectManager(path string) ManagerType {
	file, err := os.Open(path)
	if err != nil {
		return UnknownManager
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		text := scanner.Text()
		if len(text) == 0 {
			continue
		}
		if text[0] != '#' {
			return FileManager
		}
		switch {
		case strings.Contains(text, "NetworkManager"):
			return NetworkManagerManager
		case strings.Contains(text, "systemd-resolved"):
			return SystemdResolvedManager
		case strings.Contains(text, "resolvconf"):
			return ResolvconfManager
		}
	}
	if scanner.Err() != nil {
		return UnknownManager
	}
	return FileManager
}

// DiscoverUpstream returns the first IPv4 nameserver in the resolv.conf at
// path that lies outside exclude. When the file belongs to systemd-resolved
// and only lists the local stub, the resolved upstream list is consulted.
func DiscoverUpstream(path string, exclude netip.Prefix) (netip.Addr, error) {
	if path == "" {
		path = DefaultResolvConfPath
	}

	addr, err := firstNameserver(path, exclude)
	if err == nil && addr.IsLoopback() && DetectManager(path) == SystemdResolvedManager {
		if real, realErr := firstNameserver(systemdResolvConfPath, exclude); realErr == nil {
			logger.Debug("dns: using %s from %s instead of resolved stub %s", real, systemdResolvConfPath, addr)
			return real, nil
		}
	}
	return addr, err
}

func firstNameserver(path string, exclude netip.Prefix) (netip.Addr, error) {
	cfg, err := dns.ClientConfigFromFile(path)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("%w: reading %s: %v", ErrNoDNSServer, path, err)
	}

	for _, server := range cfg.Servers {
		addr, err := netip.ParseAddr(server)
		if err != nil {
			logger.Debug("dns: skipping nameserver %q: %v", server, err)
			continue
		}
		addr = addr.Unmap()
		if !addr.Is4() {
			continue
		}
		if exclude.IsValid() && exclude.Contains(addr) {
			continue
		}
		return addr, nil
	}
	return netip.Addr{}, fmt.Errorf("%w: no usable nameserver in %s", ErrNoDNSServer, path)
}
