// Package dispatch runs per-packet work on a bounded set of goroutines with
// no waiting queue: a task either starts right away or is rejected.
package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

// DefaultLimit is the default number of concurrently running tasks.
const DefaultLimit = 32

var (
	// ErrOverloaded is returned by Submit when every slot is busy.
	ErrOverloaded = errors.New("dispatcher overloaded")
	// ErrClosed is returned by Submit after Shutdown.
	ErrClosed = errors.New("dispatcher closed")
)

// Task is one unit of work. ctx is cancelled on Shutdown.
type Task func(ctx context.Context) error

// Dispatcher executes tasks concurrently up to a fixed limit.
type Dispatcher struct {
	sem    *semaphore.Weighted
	ctx    context.Context
	cancel context.CancelFunc

	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool
	active atomic.Int64
}

// New creates a dispatcher running at most limit tasks at once.
func New(limit int64) *Dispatcher {
	if limit <= 0 {
		limit = DefaultLimit
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		sem:    semaphore.NewWeighted(limit),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Submit starts task in its own goroutine if a slot is free. onResult, if
// not nil, receives the task's error from that goroutine.
func (d *Dispatcher) Submit(task Task, onResult func(error)) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return ErrClosed
	}
	if !d.sem.TryAcquire(1) {
		return ErrOverloaded
	}

	d.wg.Add(1)
	d.active.Add(1)
	go func() {
		defer func() {
			d.sem.Release(1)
			d.active.Add(-1)
			d.wg.Done()
		}()
		err := task(d.ctx)
		if onResult != nil {
			onResult(err)
		}
	}()
	return nil
}

// Active returns the number of running tasks.
func (d *Dispatcher) Active() int {
	return int(d.active.Load())
}

// Shutdown rejects new tasks, cancels the context of running ones and waits
// up to timeout for them to return. It reports whether all of them did.
func (d *Dispatcher) Shutdown(timeout time.Duration) bool {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	d.cancel()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}
