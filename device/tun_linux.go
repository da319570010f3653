//go:build linux

package device

import (
	"fmt"
	"net"
	"net/netip"
	"os"

	"github.com/fosrl/dnshole/logger"
	"github.com/songgao/water"
	"github.com/vishvananda/netlink"
)

// Create opens a new TUN interface, assigns its address and MTU and brings it
// up. The connected route of the address is the only route it gets.
func Create(cfg Config) (*Device, error) {
	ifce, err := water.New(water.Config{
		DeviceType: water.TUN,
		PlatformSpecificParams: water.PlatformSpecificParams{
			Name: cfg.Name,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create tun %q: %w", cfg.Name, err)
	}

	file, ok := ifce.ReadWriteCloser.(*os.File)
	if !ok {
		ifce.Close()
		return nil, fmt.Errorf("tun %q is not backed by a file", ifce.Name())
	}

	name := ifce.Name()
	if err := configureLinux(name, cfg); err != nil {
		file.Close()
		return nil, err
	}
	logger.Info("device: created %s with %s (mtu %d)", name, cfg.Address, cfg.MTU)

	return New(name, file, nil)
}

func configureLinux(interfaceName string, cfg Config) error {
	link, err := netlink.LinkByName(interfaceName)
	if err != nil {
		return fmt.Errorf("failed to get interface %s: %w", interfaceName, err)
	}

	if cfg.MTU > 0 {
		if err := netlink.LinkSetMTU(link, cfg.MTU); err != nil {
			return fmt.Errorf("failed to set mtu: %w", err)
		}
	}

	addr := &netlink.Addr{IPNet: prefixToIPNet(cfg.Address)}
	if err := netlink.AddrAdd(link, addr); err != nil {
		return fmt.Errorf("failed to add IP address: %w", err)
	}

	if err := netlink.LinkSetUp(link); err != nil {
		return fmt.Errorf("failed to bring up interface: %w", err)
	}
	return nil
}

func prefixToIPNet(p netip.Prefix) *net.IPNet {
	bits := 128
	if p.Addr().Is4() {
		bits = 32
	}
	return &net.IPNet{
		IP:   p.Addr().AsSlice(),
		Mask: net.CIDRMask(p.Bits(), bits),
	}
}
