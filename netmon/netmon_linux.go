//go:build linux

package netmon

import (
	"fmt"
	"net"
	"sync"

	"github.com/fosrl/dnshole/logger"
	"github.com/vishvananda/netlink"
)

// Monitor watches the IPv4 default route through a netlink subscription.
type Monitor struct {
	// ownInterface is the tunnel itself; routes over it count as VPN.
	ownInterface string
}

// New creates a monitor that treats ownInterface as a VPN link.
func New(ownInterface string) *Monitor {
	return &Monitor{ownInterface: ownInterface}
}

type uplink struct {
	connected   bool
	linkIndex   int
	networkType string
}

// Subscribe calls fn whenever the default route appears, disappears or
// moves to another link. The returned function stops the subscription and
// is safe to call more than once.
func (m *Monitor) Subscribe(fn func(Event)) (func(), error) {
	updates := make(chan netlink.RouteUpdate, 32)
	done := make(chan struct{})
	if err := netlink.RouteSubscribe(updates, done); err != nil {
		return nil, fmt.Errorf("failed to subscribe to route updates: %w", err)
	}

	last := m.currentUplink()
	logger.Debug("netmon: watching default route (connected=%v type=%s)", last.connected, last.networkType)

	go func() {
		for {
			select {
			case <-done:
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				if !isDefaultRoute(update.Route) {
					continue
				}
				cur := m.currentUplink()
				if cur.connected == last.connected && cur.linkIndex == last.linkIndex {
					continue
				}
				last = cur
				fn(Event{NoConnectivity: !cur.connected, NetworkType: cur.networkType})
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() { close(done) })
	}, nil
}

func (m *Monitor) currentUplink() uplink {
	routes, err := netlink.RouteList(nil, netlink.FAMILY_V4)
	if err != nil {
		logger.Warn("netmon: failed to list routes: %v", err)
		return uplink{}
	}
	for _, r := range routes {
		if !isDefaultRoute(r) {
			continue
		}
		return uplink{
			connected:   true,
			linkIndex:   r.LinkIndex,
			networkType: m.networkType(r.LinkIndex),
		}
	}
	return uplink{}
}

func (m *Monitor) networkType(index int) string {
	link, err := netlink.LinkByIndex(index)
	if err != nil {
		return "unknown"
	}
	if link.Attrs().Name == m.ownInterface {
		return NetworkTypeVPN
	}
	switch link.Type() {
	case "tuntap", "wireguard", "ipip", "gre":
		return NetworkTypeVPN
	default:
		return link.Type()
	}
}

func isDefaultRoute(r netlink.Route) bool {
	if r.Dst == nil {
		return true
	}
	ones, _ := r.Dst.Mask.Size()
	return ones == 0 && r.Dst.IP.Equal(net.IPv4zero)
}
