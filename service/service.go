// Package service wires the command and status surface, the connection
// supervisor and the filtering sessions together.
package service

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"sync"
	"time"

	"github.com/fosrl/dnshole/api"
	"github.com/fosrl/dnshole/blocklist"
	"github.com/fosrl/dnshole/device"
	"github.com/fosrl/dnshole/dispatch"
	"github.com/fosrl/dnshole/dns"
	"github.com/fosrl/dnshole/dns/platform"
	"github.com/fosrl/dnshole/logger"
	"github.com/fosrl/dnshole/netmon"
	"github.com/fosrl/dnshole/supervisor"
	"github.com/fosrl/dnshole/tunnel"
)

const upstreamPort = 53

// Config holds everything a service needs to run sessions.
type Config struct {
	Blocklists []string

	// Interface
	InterfaceName string
	MTU           int
	Address       netip.Prefix
	RelayDNS      netip.Addr
	TunFD         int
	OverrideDNS   bool

	// Upstream; a zero UpstreamDNS means discover it from ResolvConf.
	UpstreamDNS     netip.AddrPort
	ResolvConf      string
	UpstreamTimeout time.Duration
	SocketMark      int

	MaxWorkers  int
	RetryMin    time.Duration
	RetryMax    time.Duration
	StopTimeout time.Duration

	// API
	EnableAPI  bool
	HTTPAddr   string
	SocketPath string

	Version string

	// Boot starts filtering only when Enabled is set.
	Boot    bool
	Enabled bool

	// Connectivity delivers network changes; nil disables them.
	Connectivity supervisor.ConnectivitySource

	// SaveEnabled persists the enabled preference; nil skips persisting.
	SaveEnabled func(enabled bool) error
}

// Service runs the supervisor and exposes it through the API.
type Service struct {
	cfg Config
	sup *supervisor.Supervisor
	api *api.API

	mu      sync.Mutex
	loop    *tunnel.Loop
	enabled bool
}

// New creates a service for cfg.
func New(cfg Config) *Service {
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = supervisor.DefaultStopTimeout
	}
	s := &Service{cfg: cfg, enabled: cfg.Enabled}
	s.sup = supervisor.New(supervisor.Config{
		Session:      s.runSession,
		Connectivity: cfg.Connectivity,
		RetryMin:     cfg.RetryMin,
		RetryMax:     cfg.RetryMax,
		StopTimeout:  cfg.StopTimeout,
	})

	if cfg.EnableAPI {
		if cfg.SocketPath != "" {
			s.api = api.NewAPISocket(cfg.SocketPath)
		} else {
			s.api = api.NewAPI(cfg.HTTPAddr)
		}
		s.api.SetVersion(cfg.Version)
		s.api.SetStatusSource(s.sup)
		s.api.SetStatsProvider(s.Stats)
	}
	return s
}

// Start asks the supervisor to (re)start filtering and remembers the choice.
func (s *Service) Start(handle string) {
	s.setEnabled(true)
	s.sup.Start(handle)
}

// Stop asks the supervisor to stop filtering and remembers the choice.
func (s *Service) Stop() {
	s.setEnabled(false)
	s.sup.Stop()
}

// Status returns the current lifecycle state.
func (s *Service) Status() supervisor.Event {
	return s.sup.Status()
}

// Subscribe streams lifecycle transitions.
func (s *Service) Subscribe() (<-chan supervisor.Event, func()) {
	return s.sup.Subscribe()
}

// Stats reports the counters of the running session, if any.
func (s *Service) Stats() (tunnel.Stats, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loop == nil {
		return tunnel.Stats{}, false
	}
	return s.loop.Stats(), true
}

func (s *Service) setEnabled(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfg.SaveEnabled == nil || s.enabled == enabled {
		return
	}
	if err := s.cfg.SaveEnabled(enabled); err != nil {
		logger.Error("Failed to persist enabled=%v: %v", enabled, err)
		return
	}
	s.enabled = enabled
}

// Run serves API commands until ctx is cancelled or an exit is requested.
func (s *Service) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	supErr := make(chan error, 1)
	go func() {
		supErr <- s.sup.Run(ctx)
	}()

	var (
		startC        <-chan api.StartRequest
		stopC         <-chan struct{}
		shutdownC     <-chan struct{}
		connectivityC <-chan netmon.Event
	)
	if s.api != nil {
		if err := s.api.Start(); err != nil {
			cancel()
			<-supErr
			return fmt.Errorf("failed to start API server: %w", err)
		}
		defer s.api.Stop()

		startC = s.api.GetStartChannel()
		stopC = s.api.GetStopChannel()
		shutdownC = s.api.GetShutdownChannel()
		connectivityC = s.api.GetConnectivityChannel()
	}

	switch {
	case !s.cfg.Boot:
		s.Start("launch")
	case s.cfg.Enabled:
		s.sup.Start("boot")
	default:
		logger.Info("Filtering not enabled, waiting for a start request")
		if s.api == nil {
			logger.Warn("API is disabled, nothing can start filtering")
		}
	}

	for {
		select {
		case <-ctx.Done():
			logger.Info("Shutting down")
			return <-supErr

		case err := <-supErr:
			return err

		case req := <-startC:
			s.Start(req.Notification)

		case <-stopC:
			s.Stop()

		case ev := <-connectivityC:
			s.sup.Connectivity(ev)

		case <-shutdownC:
			logger.Info("Shutdown requested via API")
			cancel()
		}
	}
}

// runSession is one filtering session: resolve the upstream, load the
// blocklist, open the interface and run the loop until ctx is cancelled.
func (s *Service) runSession(ctx context.Context, ready func()) error {
	upstreamAddr, err := s.resolveUpstream()
	if err != nil {
		return err
	}

	hosts, err := blocklist.LoadFiles(ctx, s.cfg.Blocklists...)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, blocklist.ErrFetch) {
			return fmt.Errorf("failed to load blocklist: %w", err)
		}
		return supervisor.Permanent(fmt.Errorf("failed to load blocklist: %w", err))
	}
	if s.api != nil {
		s.api.SetBlocklist(hosts.Len(), s.cfg.Blocklists)
	}

	upstream, err := dns.NewUpstream(dns.UpstreamConfig{
		Server:  upstreamAddr,
		Timeout: s.cfg.UpstreamTimeout,
		Mark:    s.cfg.SocketMark,
	})
	if err != nil {
		return err
	}

	dev, err := s.openDevice()
	if err != nil {
		if errors.Is(err, os.ErrPermission) {
			return supervisor.Permanent(err)
		}
		return err
	}

	restoreDNS := s.overrideDNS(dev.Name())

	dispatcher := dispatch.New(int64(s.cfg.MaxWorkers))
	loop := tunnel.New(tunnel.Config{
		Device:     dev,
		Hosts:      hosts,
		Upstream:   upstream,
		Dispatcher: dispatcher,
		MTU:        s.cfg.MTU,
	})
	s.setLoop(loop)
	defer s.setLoop(nil)

	logger.Info("Filtering on %s with %d blocked hosts, upstream %s", dev.Name(), hosts.Len(), upstream.Server())
	err = loop.Run(ctx, ready)

	restoreDNS()
	if closeErr := dev.Close(); closeErr != nil {
		logger.Warn("Failed to close %s: %v", dev.Name(), closeErr)
	}
	if !dispatcher.Shutdown(s.cfg.StopTimeout) {
		logger.Warn("Queries still in flight after %v", s.cfg.StopTimeout)
	}
	return err
}

func (s *Service) resolveUpstream() (netip.AddrPort, error) {
	if s.cfg.UpstreamDNS.IsValid() {
		return s.cfg.UpstreamDNS, nil
	}
	addr, err := dns.DiscoverUpstream(s.cfg.ResolvConf, s.cfg.Address.Masked())
	if err != nil {
		return netip.AddrPort{}, err
	}
	logger.Debug("Discovered upstream DNS %s", addr)
	return netip.AddrPortFrom(addr, upstreamPort), nil
}

func (s *Service) openDevice() (*device.Device, error) {
	if s.cfg.TunFD >= 0 {
		return device.FromFD(s.cfg.TunFD, s.cfg.InterfaceName)
	}
	return device.Create(device.Config{
		Name:    s.cfg.InterfaceName,
		MTU:     s.cfg.MTU,
		Address: s.cfg.Address,
	})
}

// overrideDNS points the system resolver at the relay address. A handed-over
// interface was provisioned together with its DNS, so it is left alone.
func (s *Service) overrideDNS(ifaceName string) func() {
	if !s.cfg.OverrideDNS || s.cfg.TunFD >= 0 || !s.cfg.RelayDNS.IsValid() {
		return func() {}
	}

	conf := platform.Detect(ifaceName, s.cfg.ResolvConf)
	original, err := conf.SetDNS([]netip.Addr{s.cfg.RelayDNS})
	if err != nil {
		logger.Warn("Failed to point system DNS at %s using %s: %v", s.cfg.RelayDNS, conf.Name(), err)
		return func() {}
	}
	logger.Info("System DNS set to %s using %s (was %v)", s.cfg.RelayDNS, conf.Name(), original)

	return func() {
		if err := conf.RestoreDNS(); err != nil {
			logger.Warn("Failed to restore system DNS: %v", err)
		}
	}
}

func (s *Service) setLoop(loop *tunnel.Loop) {
	s.mu.Lock()
	s.loop = loop
	s.mu.Unlock()
}
