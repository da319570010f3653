package device

import "net/netip"

// Config describes the interface to create.
type Config struct {
	Name    string
	MTU     int
	Address netip.Prefix
}
