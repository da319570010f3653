package tunfilter

import (
	"errors"
	"fmt"
	"net/netip"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/checksum"
	"gvisor.dev/gvisor/pkg/tcpip/header"
)

const (
	// ipv4HeaderLen is the size of the header written by EncodeResponse (no options).
	ipv4HeaderLen = header.IPv4MinimumSize
	udpHeaderLen  = header.UDPMinimumSize

	// MaxPayload is the largest UDP payload an IPv4 frame can carry.
	MaxPayload = 0xffff - ipv4HeaderLen - udpHeaderLen

	responseTTL = 64
)

var (
	// ErrNotApplicable marks frames that are not IPv4/UDP. Callers drop them silently.
	ErrNotApplicable = errors.New("frame is not an IPv4 UDP datagram")
	// ErrEncodeOverflow is returned when a payload does not fit the length fields.
	ErrEncodeOverflow = errors.New("payload too large for IPv4/UDP frame")
)

// Packet is a decoded view over an IPv4/UDP frame. Header and Payload alias
// the frame passed to Decode.
type Packet struct {
	Src     netip.Addr
	Dst     netip.Addr
	SrcPort uint16
	DstPort uint16
	ID      uint16

	// Header is the IPv4 header including options.
	Header []byte
	// Payload is the UDP payload.
	Payload []byte
}

// Decode parses frame as an IPv4 datagram carrying UDP. Anything else
// returns an error wrapping ErrNotApplicable.
func Decode(frame []byte) (*Packet, error) {
	if len(frame) < ipv4HeaderLen {
		return nil, fmt.Errorf("%w: short frame (%d bytes)", ErrNotApplicable, len(frame))
	}
	if header.IPVersion(frame) != header.IPv4Version {
		return nil, fmt.Errorf("%w: ip version %d", ErrNotApplicable, header.IPVersion(frame))
	}

	ip := header.IPv4(frame)
	if !ip.IsValid(len(frame)) {
		return nil, fmt.Errorf("%w: malformed ipv4 header", ErrNotApplicable)
	}
	if ip.TransportProtocol() != header.UDPProtocolNumber {
		return nil, fmt.Errorf("%w: protocol %d", ErrNotApplicable, ip.Protocol())
	}
	if ip.More() || ip.FragmentOffset() != 0 {
		return nil, fmt.Errorf("%w: fragmented datagram", ErrNotApplicable)
	}

	hlen := int(ip.HeaderLength())
	total := int(ip.TotalLength())
	if total-hlen < udpHeaderLen {
		return nil, fmt.Errorf("%w: short udp header", ErrNotApplicable)
	}

	udp := header.UDP(frame[hlen:total])
	ulen := int(udp.Length())
	if ulen < udpHeaderLen || ulen > total-hlen {
		return nil, fmt.Errorf("%w: bad udp length %d", ErrNotApplicable, ulen)
	}

	return &Packet{
		Src:     addrFrom(ip.SourceAddress()),
		Dst:     addrFrom(ip.DestinationAddress()),
		SrcPort: udp.SourcePort(),
		DstPort: udp.DestinationPort(),
		ID:      ip.ID(),
		Header:  frame[:hlen],
		Payload: frame[hlen+udpHeaderLen : hlen+ulen],
	}, nil
}

// EncodeResponse builds the reply to orig: addresses and ports swapped,
// payload substituted, lengths and both checksums computed from scratch.
func EncodeResponse(orig *Packet, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayload {
		return nil, fmt.Errorf("%w: %d bytes", ErrEncodeOverflow, len(payload))
	}
	if !orig.Src.Is4() || !orig.Dst.Is4() {
		return nil, fmt.Errorf("%w: non-ipv4 addresses", ErrNotApplicable)
	}

	src := tcpip.AddrFrom4(orig.Dst.As4())
	dst := tcpip.AddrFrom4(orig.Src.As4())
	udpLen := udpHeaderLen + len(payload)
	totalLen := ipv4HeaderLen + udpLen

	frame := make([]byte, totalLen)

	ip := header.IPv4(frame)
	ip.Encode(&header.IPv4Fields{
		TotalLength: uint16(totalLen),
		ID:          orig.ID,
		Flags:       header.IPv4FlagDontFragment,
		TTL:         responseTTL,
		Protocol:    uint8(header.UDPProtocolNumber),
		SrcAddr:     src,
		DstAddr:     dst,
	})
	ip.SetChecksum(^ip.CalculateChecksum())

	udp := header.UDP(frame[ipv4HeaderLen:])
	udp.Encode(&header.UDPFields{
		SrcPort: orig.DstPort,
		DstPort: orig.SrcPort,
		Length:  uint16(udpLen),
	})
	copy(udp.Payload(), payload)

	xsum := header.PseudoHeaderChecksum(header.UDPProtocolNumber, src, dst, uint16(udpLen))
	xsum = checksum.Checksum(payload, xsum)
	sum := ^udp.CalculateChecksum(xsum)
	if sum == 0 {
		// zero means "no checksum" for UDP over IPv4
		sum = 0xffff
	}
	udp.SetChecksum(sum)

	return frame, nil
}

func addrFrom(a tcpip.Address) netip.Addr {
	return netip.AddrFrom4(a.As4())
}
