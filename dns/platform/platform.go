// Package platform points the host resolver at the relay address served
// through the virtual interface, and puts the previous setup back afterwards.
package platform

import (
	"net/netip"

	"github.com/fosrl/dnshole/dns"
	"github.com/fosrl/dnshole/logger"
)

// Configurator manages the system DNS servers for one interface.
type Configurator interface {
	// SetDNS replaces the system DNS servers and returns the ones it replaced.
	SetDNS(servers []netip.Addr) ([]netip.Addr, error)

	// RestoreDNS undoes SetDNS.
	RestoreDNS() error

	Name() string
}

// Detect picks the configurator matching whoever manages resolvConf. It
// prefers systemd-resolved when that is in charge and reachable, and falls
// back to rewriting the file.
func Detect(ifaceName, resolvConf string) Configurator {
	if resolvConf == "" {
		resolvConf = dns.DefaultResolvConfPath
	}

	manager := dns.DetectManager(resolvConf)
	logger.Info("dns: detected DNS manager %s", manager)

	if manager == dns.SystemdResolvedManager {
		conf, err := NewSystemdResolved(ifaceName)
		if err == nil {
			return conf
		}
		logger.Warn("dns: systemd-resolved unavailable, falling back to %s: %v", resolvConf, err)
	}

	return NewFile(resolvConf)
}
