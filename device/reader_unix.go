//go:build !windows

package device

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"syscall"

	"golang.org/x/sys/unix"
)

// CancellableReader reads from a file descriptor and can be woken from
// another goroutine without closing that descriptor. Read waits in poll(2)
// on the source and on the read end of a self-pipe; Interrupt closes the
// write end, which wakes the poll with POLLHUP.
type CancellableReader struct {
	raw syscall.RawConn

	// mu is held for the whole of Read so Close never releases the pipe
	// while a poll is using it.
	mu sync.Mutex

	pipeR, pipeW  int
	interrupted   atomic.Bool
	interruptOnce sync.Once
	closeOnce     sync.Once
}

// NewCancellableReader wraps src. The source stays owned by the caller.
func NewCancellableReader(src syscall.Conn) (*CancellableReader, error) {
	raw, err := src.SyscallConn()
	if err != nil {
		return nil, fmt.Errorf("failed to get raw conn: %w", err)
	}

	var p [2]int
	if err := unix.Pipe(p[:]); err != nil {
		return nil, fmt.Errorf("failed to create interrupt pipe: %w", err)
	}
	unix.CloseOnExec(p[0])
	unix.CloseOnExec(p[1])

	return &CancellableReader{raw: raw, pipeR: p[0], pipeW: p[1]}, nil
}

// Read blocks until data is available on the source, Interrupt is called or
// the source reports end of file.
func (r *CancellableReader) Read(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.interrupted.Load() {
		return 0, ErrReadInterrupted
	}

	var (
		n       int
		readErr error
	)
	err := r.raw.Control(func(fd uintptr) {
		n, readErr = r.readFd(int(fd), p)
	})
	if err != nil {
		return 0, err
	}
	return n, readErr
}

func (r *CancellableReader) readFd(fd int, p []byte) (int, error) {
	fds := []unix.PollFd{
		{Fd: int32(fd), Events: unix.POLLIN},
		{Fd: int32(r.pipeR), Events: unix.POLLIN},
	}

	for {
		fds[0].Revents = 0
		fds[1].Revents = 0

		if _, err := unix.Poll(fds, -1); err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return 0, fmt.Errorf("poll: %w", err)
		}

		if fds[1].Revents != 0 || r.interrupted.Load() {
			return 0, ErrReadInterrupted
		}
		if fds[0].Revents&unix.POLLNVAL != 0 {
			return 0, fmt.Errorf("poll: %w", unix.EBADF)
		}
		if fds[0].Revents == 0 {
			continue
		}

		n, err := unix.Read(fd, p)
		switch {
		case errors.Is(err, unix.EAGAIN), errors.Is(err, unix.EINTR):
			continue
		case err != nil:
			return 0, err
		case n == 0:
			return 0, io.EOF
		}
		return n, nil
	}
}

// Interrupt wakes any pending Read and makes every later Read fail with
// ErrReadInterrupted. It is safe to call more than once and from any goroutine.
func (r *CancellableReader) Interrupt() {
	r.interruptOnce.Do(func() {
		r.interrupted.Store(true)
		unix.Close(r.pipeW)
	})
}

// Close interrupts the reader, waits for an in-flight Read to return and
// releases the pipe. The source is left open.
func (r *CancellableReader) Close() error {
	r.Interrupt()
	r.mu.Lock()
	defer r.mu.Unlock()

	var err error
	r.closeOnce.Do(func() {
		err = unix.Close(r.pipeR)
	})
	return err
}
