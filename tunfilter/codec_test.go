package tunfilter_test

import (
	"bytes"
	"encoding/binary"
	"errors"
	"net"
	"net/netip"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/miekg/dns"

	"github.com/fosrl/dnshole/tunfilter"
)

// buildUDPFrame serializes an IPv4/UDP frame with correct lengths and checksums.
func buildUDPFrame(t *testing.T, src, dst netip.Addr, srcPort, dstPort uint16, payload []byte) []byte {
	t.Helper()

	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Id:       0x1234,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    net.IP(src.AsSlice()),
		DstIP:    net.IP(dst.AsSlice()),
	}
	udp := &layers.UDP{
		SrcPort: layers.UDPPort(srcPort),
		DstPort: layers.UDPPort(dstPort),
	}
	if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
		t.Fatal(err)
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, ip, udp, gopacket.Payload(payload)); err != nil {
		t.Fatalf("serialize: %v", err)
	}
	return buf.Bytes()
}

func buildTCPFrame(t *testing.T) []byte {
	t.Helper()

	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    net.IPv4(10, 0, 0, 1),
		DstIP:    net.IPv4(10, 0, 0, 2),
	}
	tcp := &layers.TCP{SrcPort: 40000, DstPort: 53, SYN: true, Window: 1024}
	if err := tcp.SetNetworkLayerForChecksum(ip); err != nil {
		t.Fatal(err)
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, ip, tcp); err != nil {
		t.Fatalf("serialize: %v", err)
	}
	return buf.Bytes()
}

// onesComplementSum is the RFC 1071 sum folded to 16 bits.
func onesComplementSum(chunks ...[]byte) uint16 {
	var sum uint32
	for _, b := range chunks {
		for len(b) >= 2 {
			sum += uint32(binary.BigEndian.Uint16(b))
			b = b[2:]
		}
		if len(b) == 1 {
			sum += uint32(b[0]) << 8
		}
	}
	for sum>>16 != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return uint16(sum)
}

func TestDecode(t *testing.T) {
	src := netip.MustParseAddr("192.168.50.1")
	dst := netip.MustParseAddr("192.168.50.5")
	payload := []byte("dns query bytes")

	frame := buildUDPFrame(t, src, dst, 41000, 53, payload)

	pkt, err := tunfilter.Decode(frame)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if pkt.Src != src || pkt.Dst != dst {
		t.Errorf("addresses = %s -> %s, want %s -> %s", pkt.Src, pkt.Dst, src, dst)
	}
	if pkt.SrcPort != 41000 || pkt.DstPort != 53 {
		t.Errorf("ports = %d -> %d, want 41000 -> 53", pkt.SrcPort, pkt.DstPort)
	}
	if pkt.ID != 0x1234 {
		t.Errorf("ID = %#x, want 0x1234", pkt.ID)
	}
	if !bytes.Equal(pkt.Payload, payload) {
		t.Errorf("Payload = %q, want %q", pkt.Payload, payload)
	}
	if len(pkt.Header)+8+len(pkt.Payload) != len(frame) {
		t.Errorf("header %d + 8 + payload %d != frame %d", len(pkt.Header), len(pkt.Payload), len(frame))
	}

	// Payload must be a view into the frame, not a copy.
	frame[len(frame)-1] = 'X'
	if pkt.Payload[len(pkt.Payload)-1] != 'X' {
		t.Error("Payload does not alias the frame")
	}
}

func TestDecodeNotApplicable(t *testing.T) {
	valid := buildUDPFrame(t, netip.MustParseAddr("10.0.0.1"), netip.MustParseAddr("10.0.0.2"), 1000, 53, []byte("abcd"))

	ipv6 := make([]byte, 48)
	ipv6[0] = 0x60

	truncated := bytes.Clone(valid[:len(valid)-2])

	badUDPLen := bytes.Clone(valid)
	binary.BigEndian.PutUint16(badUDPLen[24:26], 200)

	tests := []struct {
		name  string
		frame []byte
	}{
		{name: "empty", frame: nil},
		{name: "short", frame: valid[:10]},
		{name: "ipv6", frame: ipv6},
		{name: "tcp", frame: buildTCPFrame(t)},
		{name: "truncated", frame: truncated},
		{name: "udp length beyond datagram", frame: badUDPLen},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tunfilter.Decode(tt.frame)
			if !errors.Is(err, tunfilter.ErrNotApplicable) {
				t.Errorf("Decode() error = %v, want ErrNotApplicable", err)
			}
		})
	}
}

func TestEncodeResponseRoundTrip(t *testing.T) {
	client := netip.MustParseAddr("192.168.50.1")
	relay := netip.MustParseAddr("192.168.50.5")

	query, err := tunfilter.Decode(buildUDPFrame(t, client, relay, 53111, 53, []byte("question")))
	if err != nil {
		t.Fatal(err)
	}

	// Odd length exercises the trailing-byte checksum path.
	answer := []byte("answer payload!")
	out, err := tunfilter.EncodeResponse(query, answer)
	if err != nil {
		t.Fatalf("EncodeResponse() error = %v", err)
	}

	reply, err := tunfilter.Decode(out)
	if err != nil {
		t.Fatalf("Decode(response) error = %v", err)
	}
	if reply.Src != relay || reply.Dst != client {
		t.Errorf("response addresses = %s -> %s, want %s -> %s", reply.Src, reply.Dst, relay, client)
	}
	if reply.SrcPort != 53 || reply.DstPort != 53111 {
		t.Errorf("response ports = %d -> %d, want 53 -> 53111", reply.SrcPort, reply.DstPort)
	}
	if !bytes.Equal(reply.Payload, answer) {
		t.Errorf("response payload = %q, want %q", reply.Payload, answer)
	}
	if got := binary.BigEndian.Uint16(out[2:4]); int(got) != len(out) {
		t.Errorf("ip total length = %d, want %d", got, len(out))
	}
	if got := binary.BigEndian.Uint16(out[24:26]); int(got) != 8+len(answer) {
		t.Errorf("udp length = %d, want %d", got, 8+len(answer))
	}
}

func TestEncodeResponseChecksums(t *testing.T) {
	payloads := map[string][]byte{
		"empty": {},
		"even":  []byte("0123456789"),
		"odd":   []byte("012345678"),
		"large": bytes.Repeat([]byte{0xab}, 1400),
	}

	query, err := tunfilter.Decode(buildUDPFrame(t,
		netip.MustParseAddr("172.16.4.20"), netip.MustParseAddr("8.8.8.8"), 60000, 53, []byte("q")))
	if err != nil {
		t.Fatal(err)
	}

	for name, payload := range payloads {
		t.Run(name, func(t *testing.T) {
			out, err := tunfilter.EncodeResponse(query, payload)
			if err != nil {
				t.Fatalf("EncodeResponse() error = %v", err)
			}

			ipHeader := out[:20]
			if sum := onesComplementSum(ipHeader); sum != 0xffff {
				t.Errorf("ipv4 header checksum does not validate: folded sum %#x", sum)
			}

			udp := out[20:]
			if binary.BigEndian.Uint16(udp[6:8]) == 0 {
				t.Error("udp checksum left as zero")
			}
			pseudo := make([]byte, 12)
			copy(pseudo[0:4], out[12:16])
			copy(pseudo[4:8], out[16:20])
			pseudo[9] = 17
			binary.BigEndian.PutUint16(pseudo[10:12], uint16(len(udp)))
			if sum := onesComplementSum(pseudo, udp); sum != 0xffff {
				t.Errorf("udp checksum does not validate: folded sum %#x", sum)
			}
		})
	}
}

func TestEncodeResponseDecodesWithGopacket(t *testing.T) {
	query, err := tunfilter.Decode(buildUDPFrame(t,
		netip.MustParseAddr("192.168.50.1"), netip.MustParseAddr("192.168.50.5"), 5353, 53, []byte("q")))
	if err != nil {
		t.Fatal(err)
	}

	// Replies leave port 53, so gopacket decodes the payload as DNS too.
	msg := new(dns.Msg)
	msg.SetQuestion("example.com.", dns.TypeA)
	msg.Response = true
	reply, err := msg.Pack()
	if err != nil {
		t.Fatal(err)
	}

	out, err := tunfilter.EncodeResponse(query, reply)
	if err != nil {
		t.Fatal(err)
	}

	pkt := gopacket.NewPacket(out, layers.LayerTypeIPv4, gopacket.Default)
	if errLayer := pkt.ErrorLayer(); errLayer != nil {
		t.Fatalf("gopacket decode error: %v", errLayer.Error())
	}
	ip, ok := pkt.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	if !ok {
		t.Fatal("no IPv4 layer")
	}
	udp, ok := pkt.Layer(layers.LayerTypeUDP).(*layers.UDP)
	if !ok {
		t.Fatal("no UDP layer")
	}

	if !ip.SrcIP.Equal(net.IPv4(192, 168, 50, 5)) || !ip.DstIP.Equal(net.IPv4(192, 168, 50, 1)) {
		t.Errorf("gopacket addresses = %s -> %s", ip.SrcIP, ip.DstIP)
	}
	if ip.Flags&layers.IPv4DontFragment == 0 {
		t.Error("expected DF flag")
	}
	if udp.SrcPort != 53 || udp.DstPort != 5353 {
		t.Errorf("gopacket ports = %d -> %d", udp.SrcPort, udp.DstPort)
	}
	if !bytes.Equal(udp.Payload, reply) {
		t.Errorf("gopacket payload = %x, want %x", udp.Payload, reply)
	}
}

func TestEncodeResponseOverflow(t *testing.T) {
	query, err := tunfilter.Decode(buildUDPFrame(t,
		netip.MustParseAddr("10.0.0.1"), netip.MustParseAddr("10.0.0.2"), 1000, 53, nil))
	if err != nil {
		t.Fatal(err)
	}

	if _, err := tunfilter.EncodeResponse(query, make([]byte, tunfilter.MaxPayload)); err != nil {
		t.Errorf("EncodeResponse(MaxPayload) error = %v", err)
	}
	_, err = tunfilter.EncodeResponse(query, make([]byte, tunfilter.MaxPayload+1))
	if !errors.Is(err, tunfilter.ErrEncodeOverflow) {
		t.Errorf("EncodeResponse(MaxPayload+1) error = %v, want ErrEncodeOverflow", err)
	}
}
