package service

import (
	"context"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/miekg/dns"
	"golang.org/x/sys/unix"

	"github.com/fosrl/dnshole/supervisor"
	"github.com/fosrl/dnshole/tunfilter"
)

var (
	clientAddr = netip.MustParseAddr("192.168.50.1")
	relayAddr  = netip.MustParseAddr("192.168.50.5")
)

func startResolver(t *testing.T) netip.AddrPort {
	t.Helper()

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	started := make(chan struct{})
	srv := &dns.Server{
		PacketConn:        pc,
		NotifyStartedFunc: func() { close(started) },
		Handler: dns.HandlerFunc(func(w dns.ResponseWriter, r *dns.Msg) {
			m := new(dns.Msg)
			m.SetReply(r)
			m.Answer = append(m.Answer, &dns.A{
				Hdr: dns.RR_Header{Name: r.Question[0].Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 60},
				A:   net.IPv4(203, 0, 113, 7),
			})
			w.WriteMsg(m)
		}),
	}
	go srv.ActivateAndServe()
	t.Cleanup(func() { srv.Shutdown() })

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("resolver did not start")
	}
	return netip.MustParseAddrPort(pc.LocalAddr().String())
}

func writeBlocklist(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "hosts")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

// tunPair returns a descriptor standing in for a provisioned interface and
// the file the test uses to play the kernel.
func tunPair(t *testing.T) (int, *os.File) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_DGRAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	if err := unix.SetNonblock(fds[1], true); err != nil {
		t.Fatal(err)
	}
	peer := os.NewFile(uintptr(fds[1]), "peer")
	t.Cleanup(func() {
		unix.Close(fds[0])
		peer.Close()
	})
	return fds[0], peer
}

func queryFrame(t *testing.T, name string, id uint16) []byte {
	t.Helper()
	msg := new(dns.Msg)
	msg.SetQuestion(name, dns.TypeA)
	msg.Id = id
	payload, err := msg.Pack()
	if err != nil {
		t.Fatal(err)
	}

	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    net.IP(clientAddr.AsSlice()),
		DstIP:    net.IP(relayAddr.AsSlice()),
	}
	udp := &layers.UDP{SrcPort: 41000, DstPort: 53}
	udp.SetNetworkLayerForChecksum(ip)

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, ip, udp, gopacket.Payload(payload)); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func exchange(t *testing.T, peer *os.File, frame []byte) *dns.Msg {
	t.Helper()
	if _, err := peer.Write(frame); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	peer.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 65535)
	n, err := peer.Read(buf)
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	pkt, err := tunfilter.Decode(buf[:n])
	if err != nil {
		t.Fatalf("reply does not decode: %v", err)
	}
	msg := new(dns.Msg)
	if err := msg.Unpack(pkt.Payload); err != nil {
		t.Fatalf("reply is not dns: %v", err)
	}
	return msg
}

type running struct {
	svc    *Service
	events <-chan supervisor.Event
	cancel context.CancelFunc
	result chan error
}

func runService(t *testing.T, cfg Config) *running {
	t.Helper()
	svc := New(cfg)
	events, unsubscribe := svc.Subscribe()

	ctx, cancel := context.WithCancel(context.Background())
	r := &running{svc: svc, events: events, cancel: cancel, result: make(chan error, 1)}
	go func() { r.result <- svc.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case <-r.result:
		case <-time.After(5 * time.Second):
			t.Error("service did not stop")
		}
		unsubscribe()
	})

	r.expect(t, supervisor.Stopped)
	return r
}

func (r *running) expect(t *testing.T, states ...supervisor.State) {
	t.Helper()
	for _, want := range states {
		select {
		case ev := <-r.events:
			if ev.State != want {
				t.Fatalf("state = %s, want %s", ev.State, want)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("timed out waiting for %s", want)
		}
	}
}

func TestSessionFiltersQueries(t *testing.T) {
	fd, peer := tunPair(t)
	r := runService(t, Config{
		Blocklists:    []string{writeBlocklist(t, "127.0.0.1 ads.example.com\n")},
		InterfaceName: "test0",
		TunFD:         fd,
		UpstreamDNS:   startResolver(t),
	})
	r.expect(t, supervisor.Starting)

	blocked := exchange(t, peer, queryFrame(t, "ads.example.com.", 0x0a0a))
	if len(blocked.Answer) != 1 {
		t.Fatalf("blocked answers = %d, want 1", len(blocked.Answer))
	}
	if a := blocked.Answer[0].(*dns.A); !a.A.Equal(net.IPv4(127, 0, 0, 1)) {
		t.Errorf("blocked answer = %s, want 127.0.0.1", a.A)
	}
	r.expect(t, supervisor.Running)

	allowed := exchange(t, peer, queryFrame(t, "example.com.", 0x0b0b))
	if allowed.Id != 0x0b0b || len(allowed.Answer) != 1 {
		t.Fatalf("forwarded reply = %v", allowed)
	}
	if a := allowed.Answer[0].(*dns.A); !a.A.Equal(net.IPv4(203, 0, 113, 7)) {
		t.Errorf("forwarded answer = %s, want 203.0.113.7", a.A)
	}

	stats, ok := r.svc.Stats()
	if !ok || stats.Blocked != 1 || stats.Forwarded != 1 {
		t.Errorf("Stats() = %+v, %v", stats, ok)
	}

	r.svc.Stop()
	r.expect(t, supervisor.Stopping, supervisor.Stopped)
	if _, ok := r.svc.Stats(); ok {
		t.Error("Stats() still reported after stop")
	}
}

func TestMissingBlocklistStopsPermanently(t *testing.T) {
	r := runService(t, Config{
		Blocklists:  []string{filepath.Join(t.TempDir(), "missing")},
		TunFD:       -1,
		UpstreamDNS: netip.MustParseAddrPort("127.0.0.1:53"),
		RetryMin:    10 * time.Millisecond,
	})
	r.expect(t, supervisor.Starting, supervisor.Stopping, supervisor.Stopped)

	select {
	case ev := <-r.events:
		t.Fatalf("unexpected %s after permanent failure", ev.State)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestUnreachableBlocklistRetries(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	url := "http://" + l.Addr().String() + "/hosts"
	l.Close()

	r := runService(t, Config{
		Blocklists:  []string{url},
		TunFD:       -1,
		UpstreamDNS: netip.MustParseAddrPort("127.0.0.1:53"),
		RetryMin:    10 * time.Millisecond,
		RetryMax:    20 * time.Millisecond,
	})
	r.expect(t, supervisor.Starting, supervisor.ReconnectingNetworkError, supervisor.Starting)

	r.svc.Stop()
}

func TestBootRespectsEnabled(t *testing.T) {
	var (
		mu    sync.Mutex
		saved []bool
	)
	save := func(enabled bool) error {
		mu.Lock()
		defer mu.Unlock()
		saved = append(saved, enabled)
		return nil
	}

	r := runService(t, Config{
		Blocklists:  []string{filepath.Join(t.TempDir(), "missing")},
		TunFD:       -1,
		UpstreamDNS: netip.MustParseAddrPort("127.0.0.1:53"),
		Boot:        true,
		SaveEnabled: save,
	})

	select {
	case ev := <-r.events:
		t.Fatalf("boot while disabled moved to %s", ev.State)
	case <-time.After(100 * time.Millisecond):
	}

	r.svc.Start("test")
	r.expect(t, supervisor.Starting, supervisor.Stopping, supervisor.Stopped)
	r.svc.Stop()

	mu.Lock()
	defer mu.Unlock()
	if len(saved) != 2 || !saved[0] || saved[1] {
		t.Errorf("saved = %v, want [true false]", saved)
	}
}
