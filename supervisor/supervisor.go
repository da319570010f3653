// Package supervisor owns the connection lifecycle: it starts and stops
// filtering sessions, reacts to connectivity changes and retries failed
// sessions with exponential backoff.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fosrl/dnshole/logger"
	"github.com/fosrl/dnshole/netmon"
	"github.com/google/uuid"
)

const (
	// DefaultStopTimeout bounds how long a stopping session is awaited.
	DefaultStopTimeout = 2 * time.Second

	commandBuffer    = 16
	subscriberBuffer = 16
)

// SessionFunc runs one filtering session until ctx is cancelled or it fails.
// It calls ready once the session handles traffic. Returning nil or a
// context error means the session was cancelled.
type SessionFunc func(ctx context.Context, ready func()) error

// ConnectivitySource delivers connectivity changes until the returned
// function is called.
type ConnectivitySource interface {
	Subscribe(fn func(netmon.Event)) (func(), error)
}

// Event is published on every state transition.
type Event struct {
	State   State
	Session string
	At      time.Time
}

// Config configures a Supervisor.
type Config struct {
	Session      SessionFunc
	Connectivity ConnectivitySource
	RetryMin     time.Duration
	RetryMax     time.Duration
	StopTimeout  time.Duration
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying; a session failing with it
// stops the supervisor instead of reconnecting.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

type session struct {
	id       string
	cancel   context.CancelFunc
	finished chan struct{}
}

type (
	startCmd        struct{ handle string }
	stopCmd         struct{}
	connectivityCmd struct{ ev netmon.Event }
	readyCmd        struct{ id string }
	doneCmd         struct {
		id  string
		err error
	}
)

// Supervisor is the single owner of the lifecycle State. All transitions
// happen on the goroutine running Run.
type Supervisor struct {
	cfg   Config
	retry *RetryTimer

	cmds chan any
	done chan struct{}

	// owned by the Run goroutine
	state      State
	session    *session
	retryTimer *time.Timer
	retryC     <-chan time.Time
	unregister func()
	requester  string

	mu          sync.Mutex
	last        Event
	subscribers map[chan Event]struct{}
}

// New creates a supervisor in the Stopped state.
func New(cfg Config) *Supervisor {
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = DefaultStopTimeout
	}
	return &Supervisor{
		cfg:         cfg,
		retry:       NewRetryTimer(cfg.RetryMin, cfg.RetryMax),
		cmds:        make(chan any, commandBuffer),
		done:        make(chan struct{}),
		state:       Stopped,
		last:        Event{State: Stopped, At: time.Now()},
		subscribers: make(map[chan Event]struct{}),
	}
}

// Start requests a (re)start. handle identifies the requester and is only logged.
func (s *Supervisor) Start(handle string) {
	s.post(startCmd{handle: handle})
}

// Stop requests a stop.
func (s *Supervisor) Stop() {
	s.post(stopCmd{})
}

// Connectivity delivers a connectivity change.
func (s *Supervisor) Connectivity(ev netmon.Event) {
	s.post(connectivityCmd{ev: ev})
}

// Status returns the last published event.
func (s *Supervisor) Status() Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// Subscribe returns a channel receiving the current state followed by every
// transition. A subscriber that falls behind misses events. The returned
// function unsubscribes and closes the channel.
func (s *Supervisor) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)

	s.mu.Lock()
	s.subscribers[ch] = struct{}{}
	ch <- s.last
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subscribers, ch)
			close(ch)
			s.mu.Unlock()
		})
	}
}

func (s *Supervisor) post(cmd any) {
	select {
	case s.cmds <- cmd:
	case <-s.done:
	}
}

// Run processes commands until ctx is cancelled, then stops any session and
// returns. It returns an error only for invalid transitions.
func (s *Supervisor) Run(ctx context.Context) error {
	defer close(s.done)

	for {
		select {
		case <-ctx.Done():
			if s.state.Active() {
				logger.Info("supervisor: shutting down")
				return s.shutdown()
			}
			return nil

		case <-s.retryC:
			s.retryC = nil
			if s.state != ReconnectingNetworkError {
				continue
			}
			if err := s.launch(); err != nil {
				return err
			}

		case cmd := <-s.cmds:
			if err := s.handle(cmd); err != nil {
				logger.Error("supervisor: %v", err)
				s.stopSession()
				s.release()
				return err
			}
		}
	}
}

func (s *Supervisor) handle(cmd any) error {
	switch c := cmd.(type) {
	case startCmd:
		return s.handleStart(c.handle)

	case stopCmd:
		if !s.state.Active() {
			return nil
		}
		logger.Info("supervisor: stop requested")
		return s.shutdown()

	case connectivityCmd:
		return s.handleConnectivity(c.ev)

	case readyCmd:
		if s.session == nil || c.id != s.session.id || s.state != Starting {
			return nil
		}
		return s.transition(Running)

	case doneCmd:
		if s.session == nil || c.id != s.session.id {
			return nil
		}
		s.session = nil
		return s.handleSessionEnd(c.err)

	default:
		return fmt.Errorf("unknown command %T", cmd)
	}
}

func (s *Supervisor) handleStart(handle string) error {
	logger.Info("supervisor: start requested (%s)", handle)
	s.requester = handle
	s.retry.Reset()
	s.cancelRetry()
	s.stopSession()

	if s.unregister == nil && s.cfg.Connectivity != nil {
		unregister, err := s.cfg.Connectivity.Subscribe(s.Connectivity)
		if err != nil {
			logger.Warn("supervisor: connectivity events unavailable: %v", err)
		} else {
			s.unregister = unregister
		}
	}
	return s.launch()
}

func (s *Supervisor) handleConnectivity(ev netmon.Event) error {
	if !s.state.Active() || ev.NetworkType == netmon.NetworkTypeVPN {
		return nil
	}

	if ev.NoConnectivity {
		if s.state == WaitingForNetwork {
			return nil
		}
		logger.Info("supervisor: connectivity lost, waiting for network")
		s.cancelRetry()
		s.stopSession()
		return s.transition(WaitingForNetwork)
	}

	logger.Info("supervisor: connectivity changed (%s), reconnecting", ev.NetworkType)
	if err := s.transition(Reconnecting); err != nil {
		return err
	}
	s.cancelRetry()
	s.stopSession()
	s.retry.Reset()
	return s.launch()
}

func (s *Supervisor) handleSessionEnd(err error) error {
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		logger.Info("supervisor: session ended")
		return s.shutdown()

	case IsPermanent(err):
		logger.Error("supervisor: session failed permanently: %v", err)
		return s.shutdown()

	default:
		delay := s.retry.Next()
		logger.Warn("supervisor: session failed: %v; retrying in %v", err, delay)
		if err := s.transition(ReconnectingNetworkError); err != nil {
			return err
		}
		s.armRetry(delay)
		return nil
	}
}

// launch enters Starting and runs a new session.
func (s *Supervisor) launch() error {
	id := uuid.NewString()
	s.setSession(id)
	if err := s.transition(Starting); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	sess := &session{
		id:       id,
		cancel:   cancel,
		finished: make(chan struct{}),
	}
	s.session = sess

	ready := func() {
		select {
		case s.cmds <- readyCmd{id: sess.id}:
		case <-ctx.Done():
		case <-s.done:
		}
	}

	go func() {
		err := s.cfg.Session(ctx, ready)
		close(sess.finished)
		s.post(doneCmd{id: sess.id, err: err})
	}()
	logger.Debug("supervisor: session %s launched for %s", sess.id, s.requester)
	return nil
}

// stopSession cancels the current session and waits a bounded time for it.
func (s *Supervisor) stopSession() {
	sess := s.session
	if sess == nil {
		return
	}
	s.session = nil
	sess.cancel()

	select {
	case <-sess.finished:
		logger.Debug("supervisor: session %s stopped", sess.id)
	case <-time.After(s.cfg.StopTimeout):
		logger.Warn("supervisor: session %s did not stop within %v, abandoning it", sess.id, s.cfg.StopTimeout)
	}
}

// shutdown goes through Stopping to Stopped, releasing every resource.
func (s *Supervisor) shutdown() error {
	if err := s.transition(Stopping); err != nil {
		return err
	}
	s.cancelRetry()
	s.stopSession()
	s.release()
	return s.transition(Stopped)
}

// release unregisters the connectivity listener.
func (s *Supervisor) release() {
	if s.unregister != nil {
		s.unregister()
		s.unregister = nil
	}
}

func (s *Supervisor) armRetry(delay time.Duration) {
	s.cancelRetry()
	s.retryTimer = time.NewTimer(delay)
	s.retryC = s.retryTimer.C
}

func (s *Supervisor) cancelRetry() {
	if s.retryTimer != nil {
		s.retryTimer.Stop()
		s.retryTimer = nil
	}
	s.retryC = nil
}

func (s *Supervisor) transition(to State) error {
	from := s.state
	if !canTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	s.state = to
	logger.Debug("supervisor: %s -> %s", from, to)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.last = Event{State: to, Session: s.last.Session, At: time.Now()}
	for ch := range s.subscribers {
		select {
		case ch <- s.last:
		default:
			logger.Warn("supervisor: subscriber is behind, dropping %s event", to)
		}
	}
	return nil
}

func (s *Supervisor) setSession(id string) {
	s.mu.Lock()
	s.last.Session = id
	s.mu.Unlock()
}
