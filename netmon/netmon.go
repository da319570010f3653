// Package netmon reports connectivity changes of the host's uplink.
package netmon

// NetworkTypeVPN marks changes caused by a VPN interface, including our own.
// Consumers ignore them.
const NetworkTypeVPN = "vpn"

// Event is a connectivity change.
type Event struct {
	NoConnectivity bool   `json:"noConnectivity"`
	NetworkType    string `json:"networkType"`
}
