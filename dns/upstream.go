package dns

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"syscall"
	"time"

	"github.com/fosrl/dnshole/logger"
	"github.com/miekg/dns"
)

const (
	// DefaultUpstreamTimeout bounds a single upstream exchange.
	DefaultUpstreamTimeout = 5 * time.Second

	upstreamBufferSize = 64 * 1024
)

var (
	// ErrUpstreamUnreachable means the host has no usable route to the resolver.
	ErrUpstreamUnreachable = errors.New("upstream resolver unreachable")
	// ErrUpstreamTimeout means the resolver did not answer within the timeout.
	ErrUpstreamTimeout = errors.New("upstream resolver timed out")
)

// UpstreamConfig configures the resolver exchange.
type UpstreamConfig struct {
	Server  netip.AddrPort
	Timeout time.Duration
	// Mark is the SO_MARK applied to upstream sockets so policy routing keeps
	// them off the tunnel. Zero disables marking.
	Mark int
}

// Upstream forwards raw query bytes to a single resolver over UDP.
type Upstream struct {
	server  netip.AddrPort
	timeout time.Duration
	client  *dns.Client
}

// NewUpstream creates an Upstream for cfg.
func NewUpstream(cfg UpstreamConfig) (*Upstream, error) {
	if !cfg.Server.IsValid() {
		return nil, fmt.Errorf("%w: invalid upstream address", ErrNoDNSServer)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultUpstreamTimeout
	}

	mark := cfg.Mark
	return &Upstream{
		server:  cfg.Server,
		timeout: timeout,
		client: &dns.Client{
			Net:     "udp",
			UDPSize: dns.MaxMsgSize,
			Dialer: &net.Dialer{
				Timeout: timeout,
				Control: func(network, address string, c syscall.RawConn) error {
					return protectSocket(c, mark)
				},
			},
		},
	}, nil
}

// Server returns the resolver address.
func (u *Upstream) Server() netip.AddrPort {
	return u.server
}

// Exchange sends query on a fresh socket and returns the first reply. The
// socket is closed when the call returns or ctx is cancelled, whichever is first.
func (u *Upstream) Exchange(ctx context.Context, query []byte) ([]byte, error) {
	conn, err := u.client.DialContext(ctx, u.server.String())
	if err != nil {
		return nil, u.classify("dial", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() {
		conn.Close()
	})
	defer stop()

	if err := conn.SetDeadline(time.Now().Add(u.timeout)); err != nil {
		return nil, fmt.Errorf("failed to set upstream deadline: %w", err)
	}

	if _, err := conn.Write(query); err != nil {
		return nil, u.classify("send", err)
	}

	buf := make([]byte, upstreamBufferSize)
	n, err := conn.Read(buf)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, u.classify("receive", err)
	}
	return buf[:n], nil
}

func (u *Upstream) classify(op string, err error) error {
	var netErr net.Error
	switch {
	case errors.Is(err, syscall.ENETUNREACH),
		errors.Is(err, syscall.EHOSTUNREACH),
		errors.Is(err, syscall.EPERM):
		return fmt.Errorf("%w: %s %s: %v", ErrUpstreamUnreachable, op, u.server, err)
	case errors.As(err, &netErr) && netErr.Timeout():
		logger.Debug("dns: upstream %s timed out during %s", u.server, op)
		return fmt.Errorf("%w: %s %s", ErrUpstreamTimeout, op, u.server)
	default:
		return fmt.Errorf("upstream %s %s: %w", op, u.server, err)
	}
}
