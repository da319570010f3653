package supervisor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fosrl/dnshole/netmon"
)

var errNetwork = errors.New("upstream unreachable")

type fakeSession struct {
	ctx   context.Context
	ready func()
	end   chan error
}

type fakeSessions struct {
	started chan *fakeSession
	// ignoreCancel makes sessions keep running after cancellation.
	ignoreCancel bool
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{started: make(chan *fakeSession, 8)}
}

func (f *fakeSessions) run(ctx context.Context, ready func()) error {
	s := &fakeSession{ctx: ctx, ready: ready, end: make(chan error, 1)}
	f.started <- s
	if f.ignoreCancel {
		return <-s.end
	}
	select {
	case err := <-s.end:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *fakeSessions) next(t *testing.T) *fakeSession {
	t.Helper()
	select {
	case s := <-f.started:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("no session started")
		return nil
	}
}

type fakeConnectivity struct {
	mu           sync.Mutex
	fn           func(netmon.Event)
	subscribed   int
	unsubscribed int
}

func (f *fakeConnectivity) Subscribe(fn func(netmon.Event)) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fn = fn
	f.subscribed++
	return func() {
		f.mu.Lock()
		f.unsubscribed++
		f.mu.Unlock()
	}, nil
}

func (f *fakeConnectivity) emit(ev netmon.Event) {
	f.mu.Lock()
	fn := f.fn
	f.mu.Unlock()
	fn(ev)
}

func (f *fakeConnectivity) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subscribed, f.unsubscribed
}

type runner struct {
	sup    *Supervisor
	events <-chan Event
	cancel context.CancelFunc
	result chan error
}

func startSupervisor(t *testing.T, cfg Config) *runner {
	t.Helper()
	sup := New(cfg)
	events, unsubscribe := sup.Subscribe()

	ctx, cancel := context.WithCancel(context.Background())
	r := &runner{sup: sup, events: events, cancel: cancel, result: make(chan error, 1)}
	go func() { r.result <- sup.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		<-r.result
		unsubscribe()
	})

	r.expect(t, Stopped)
	return r
}

func (r *runner) expect(t *testing.T, states ...State) {
	t.Helper()
	for _, want := range states {
		select {
		case ev := <-r.events:
			if ev.State != want {
				t.Fatalf("state = %s, want %s", ev.State, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %s", want)
		}
	}
}

func waitCancelled(t *testing.T, s *fakeSession) {
	t.Helper()
	select {
	case <-s.ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("session was not cancelled")
	}
}

func TestStartRunStop(t *testing.T) {
	sessions := newFakeSessions()
	r := startSupervisor(t, Config{Session: sessions.run})

	r.sup.Start("test")
	r.expect(t, Starting)

	s := sessions.next(t)
	s.ready()
	r.expect(t, Running)

	status := r.sup.Status()
	if status.State != Running || status.Session == "" {
		t.Errorf("Status() = %+v, want running with a session id", status)
	}

	r.sup.Stop()
	r.expect(t, Stopping, Stopped)
	waitCancelled(t, s)

	// Stop while stopped is a no-op; Start works again.
	r.sup.Stop()
	r.sup.Start("again")
	r.expect(t, Starting)
	sessions.next(t)
}

func TestSessionIDChangesPerSession(t *testing.T) {
	sessions := newFakeSessions()
	r := startSupervisor(t, Config{Session: sessions.run})

	r.sup.Start("one")
	r.expect(t, Starting)
	sessions.next(t)
	first := r.sup.Status().Session

	r.sup.Start("two")
	r.expect(t, Starting)
	sessions.next(t)
	if second := r.sup.Status().Session; second == first {
		t.Errorf("restart reused session id %s", first)
	}
}

func TestFailureRetriesWithBackoff(t *testing.T) {
	sessions := newFakeSessions()
	r := startSupervisor(t, Config{
		Session:  sessions.run,
		RetryMin: 10 * time.Millisecond,
		RetryMax: 40 * time.Millisecond,
	})

	r.sup.Start("test")
	r.expect(t, Starting)

	for i := 0; i < 3; i++ {
		s := sessions.next(t)
		s.end <- errNetwork
		r.expect(t, ReconnectingNetworkError, Starting)
	}

	s := sessions.next(t)
	s.ready()
	r.expect(t, Running)
}

func TestPermanentFailureStops(t *testing.T) {
	sessions := newFakeSessions()
	r := startSupervisor(t, Config{Session: sessions.run, RetryMin: 10 * time.Millisecond})

	r.sup.Start("test")
	r.expect(t, Starting)

	sessions.next(t).end <- Permanent(errors.New("no blocklist"))
	r.expect(t, Stopping, Stopped)

	select {
	case <-sessions.started:
		t.Fatal("permanent failure was retried")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestStopDuringRetryWait(t *testing.T) {
	sessions := newFakeSessions()
	r := startSupervisor(t, Config{Session: sessions.run, RetryMin: time.Minute})

	r.sup.Start("test")
	r.expect(t, Starting)
	sessions.next(t).end <- errNetwork
	r.expect(t, ReconnectingNetworkError)

	start := time.Now()
	r.sup.Stop()
	r.expect(t, Stopping, Stopped)
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("stop during backoff took %v", elapsed)
	}
}

func TestConnectivityChanges(t *testing.T) {
	sessions := newFakeSessions()
	conn := &fakeConnectivity{}
	r := startSupervisor(t, Config{Session: sessions.run, Connectivity: conn})

	r.sup.Start("test")
	r.expect(t, Starting)
	first := sessions.next(t)
	first.ready()
	r.expect(t, Running)

	conn.emit(netmon.Event{NoConnectivity: true, NetworkType: "ethernet"})
	r.expect(t, WaitingForNetwork)
	waitCancelled(t, first)

	// Repeated loss and our own VPN changes are ignored.
	conn.emit(netmon.Event{NoConnectivity: true, NetworkType: "ethernet"})
	conn.emit(netmon.Event{NoConnectivity: false, NetworkType: netmon.NetworkTypeVPN})

	conn.emit(netmon.Event{NoConnectivity: false, NetworkType: "wifi"})
	r.expect(t, Reconnecting, Starting)
	sessions.next(t).ready()
	r.expect(t, Running)

	// A second Start does not register the listener twice.
	r.sup.Start("again")
	r.expect(t, Starting)
	sessions.next(t)

	r.sup.Stop()
	r.expect(t, Stopping, Stopped)

	subscribed, unsubscribed := conn.counts()
	if subscribed != 1 || unsubscribed != 1 {
		t.Errorf("subscribed %d, unsubscribed %d times, want 1 and 1", subscribed, unsubscribed)
	}
}

func TestConnectivityIgnoredWhenStopped(t *testing.T) {
	sessions := newFakeSessions()
	r := startSupervisor(t, Config{Session: sessions.run})

	r.sup.Connectivity(netmon.Event{NoConnectivity: true})
	r.sup.Connectivity(netmon.Event{NoConnectivity: false, NetworkType: "wifi"})

	r.sup.Start("test")
	r.expect(t, Starting)
}

func TestCancelRunStops(t *testing.T) {
	sessions := newFakeSessions()
	r := startSupervisor(t, Config{Session: sessions.run})

	r.sup.Start("test")
	r.expect(t, Starting)
	s := sessions.next(t)
	s.ready()
	r.expect(t, Running)

	r.cancel()
	r.expect(t, Stopping, Stopped)
	waitCancelled(t, s)

	select {
	case err := <-r.result:
		if err != nil {
			t.Errorf("Run() = %v, want nil", err)
		}
		r.result <- err
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
}

func TestUnresponsiveSessionAbandoned(t *testing.T) {
	sessions := newFakeSessions()
	sessions.ignoreCancel = true
	r := startSupervisor(t, Config{Session: sessions.run, StopTimeout: 50 * time.Millisecond})

	r.sup.Start("test")
	r.expect(t, Starting)
	s := sessions.next(t)
	defer func() { s.end <- nil }()

	start := time.Now()
	r.sup.Stop()
	r.expect(t, Stopping, Stopped)
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("stop took %v with an unresponsive session", elapsed)
	}
}
