// Package tunnel runs the read, classify and answer cycle over a virtual
// interface for one session.
package tunnel

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/fosrl/dnshole/blocklist"
	"github.com/fosrl/dnshole/device"
	"github.com/fosrl/dnshole/dispatch"
	"github.com/fosrl/dnshole/dns"
	"github.com/fosrl/dnshole/logger"
	"github.com/fosrl/dnshole/tunfilter"
)

const (
	dnsPort    = 53
	defaultMTU = 1500
)

// ErrNetworkStalled means queries arrive faster than the upstream answers
// and every dispatch slot is busy.
var ErrNetworkStalled = errors.New("network stalled")

// Device is the interface side of the loop.
type Device interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Interrupt()
}

// Exchanger sends one raw DNS query upstream and returns the raw reply.
type Exchanger interface {
	Exchange(ctx context.Context, query []byte) ([]byte, error)
}

// Config holds what one session of the loop works with.
type Config struct {
	Device     Device
	Hosts      blocklist.HostSet
	Upstream   Exchanger
	Dispatcher *dispatch.Dispatcher
	MTU        int
}

// Stats counts how queries were handled.
type Stats struct {
	Blocked   uint64 `json:"blocked"`
	Forwarded uint64 `json:"forwarded"`
	Dropped   uint64 `json:"dropped"`
}

// Loop reads frames from the device and hands DNS queries to the dispatcher.
type Loop struct {
	dev        Device
	hosts      blocklist.HostSet
	upstream   Exchanger
	dispatcher *dispatch.Dispatcher
	mtu        int

	// failure holds the first network error reported by a task.
	failure     chan error
	failureOnce sync.Once

	blocked   atomic.Uint64
	forwarded atomic.Uint64
	dropped   atomic.Uint64
}

// New creates a loop for cfg.
func New(cfg Config) *Loop {
	mtu := cfg.MTU
	if mtu <= 0 {
		mtu = defaultMTU
	}
	return &Loop{
		dev:        cfg.Device,
		hosts:      cfg.Hosts,
		upstream:   cfg.Upstream,
		dispatcher: cfg.Dispatcher,
		mtu:        mtu,
		failure:    make(chan error, 1),
	}
}

// Stats returns a snapshot of the counters.
func (l *Loop) Stats() Stats {
	return Stats{
		Blocked:   l.blocked.Load(),
		Forwarded: l.forwarded.Load(),
		Dropped:   l.dropped.Load(),
	}
}

// Run reads frames until ctx is cancelled, the device is interrupted or a
// network error occurs. ready is called once, after the first frame has been
// handled. Cancellation and interruption return nil; network problems return
// errors wrapping dns.ErrUpstreamUnreachable, device.ErrDeviceClosed or
// ErrNetworkStalled.
func (l *Loop) Run(ctx context.Context, ready func()) error {
	stop := context.AfterFunc(ctx, l.dev.Interrupt)
	defer stop()

	var readyOnce sync.Once
	buf := make([]byte, l.mtu)

	for {
		n, err := l.dev.Read(buf)
		if err != nil {
			return l.readError(ctx, err)
		}

		if err := l.handleFrame(bytes.Clone(buf[:n])); err != nil {
			return err
		}
		if ready != nil {
			readyOnce.Do(ready)
		}
	}
}

func (l *Loop) readError(ctx context.Context, err error) error {
	select {
	case failure := <-l.failure:
		return failure
	default:
	}

	switch {
	case errors.Is(err, device.ErrReadInterrupted), ctx.Err() != nil:
		return nil
	case errors.Is(err, io.EOF), errors.Is(err, device.ErrDeviceClosed):
		return fmt.Errorf("%w: %v", device.ErrDeviceClosed, err)
	default:
		return fmt.Errorf("tunnel read: %w", err)
	}
}

// handleFrame submits DNS queries and silently ignores everything else.
func (l *Loop) handleFrame(frame []byte) error {
	pkt, err := tunfilter.Decode(frame)
	if err != nil {
		logger.Debug("tunnel: ignoring frame: %v", err)
		return nil
	}
	if pkt.DstPort != dnsPort {
		return nil
	}

	err = l.dispatcher.Submit(func(ctx context.Context) error {
		return l.answer(ctx, pkt)
	}, l.taskDone)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, dispatch.ErrOverloaded):
		return fmt.Errorf("%w: %w", ErrNetworkStalled, err)
	case errors.Is(err, dispatch.ErrClosed):
		return nil
	default:
		return err
	}
}

// answer resolves one query and writes the reply frame back.
func (l *Loop) answer(ctx context.Context, pkt *tunfilter.Packet) error {
	verdict, err := dns.Classify(pkt.Payload, l.hosts)
	if err != nil {
		return err
	}

	reply := verdict.Payload
	if verdict.Action == dns.Forward {
		reply, err = l.upstream.Exchange(ctx, verdict.Payload)
		if err != nil {
			return fmt.Errorf("forward %s: %w", verdict.Name, err)
		}
		l.forwarded.Add(1)
	} else {
		logger.Debug("tunnel: blocked %s", verdict.Name)
		l.blocked.Add(1)
	}

	frame, err := tunfilter.EncodeResponse(pkt, reply)
	if err != nil {
		return err
	}
	if _, err := l.dev.Write(frame); err != nil {
		return fmt.Errorf("write reply for %s: %w", verdict.Name, err)
	}
	return nil
}

// taskDone sorts task results: network failures end the session, the rest
// only drop the packet.
func (l *Loop) taskDone(err error) {
	switch {
	case err == nil:
		return
	case errors.Is(err, context.Canceled):
		return
	case errors.Is(err, dns.ErrNotApplicable), errors.Is(err, tunfilter.ErrNotApplicable):
		logger.Debug("tunnel: dropping query: %v", err)
	case errors.Is(err, dns.ErrUpstreamUnreachable), errors.Is(err, device.ErrDeviceClosed):
		l.fail(err)
	case errors.Is(err, dns.ErrUpstreamTimeout):
		logger.Debug("tunnel: dropping query: %v", err)
	default:
		logger.Warn("tunnel: dropping query: %v", err)
	}
	l.dropped.Add(1)
}

func (l *Loop) fail(err error) {
	l.failureOnce.Do(func() {
		logger.Warn("tunnel: network failure: %v", err)
		l.failure <- err
		l.dev.Interrupt()
	})
}
