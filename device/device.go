//go:build !windows

// Package device owns the virtual interface: creating or adopting it,
// interruptible frame reads and serialized frame writes.
package device

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/fosrl/dnshole/logger"
)

// Device is an open virtual interface carrying raw IPv4 frames.
type Device struct {
	name   string
	file   *os.File
	reader *CancellableReader

	// writeMu serializes frame writes from concurrent dispatch tasks.
	writeMu sync.Mutex

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
	teardown  func() error
}

// New wraps an open tun file. teardown, if set, runs once after the file is
// closed (route and address cleanup).
func New(name string, file *os.File, teardown func() error) (*Device, error) {
	reader, err := NewCancellableReader(file)
	if err != nil {
		return nil, err
	}
	return &Device{
		name:     name,
		file:     file,
		reader:   reader,
		teardown: teardown,
	}, nil
}

// Name returns the interface name.
func (d *Device) Name() string {
	return d.name
}

// Read reads one frame. It returns ErrReadInterrupted after Interrupt.
func (d *Device) Read(p []byte) (int, error) {
	if d.closed.Load() {
		return 0, ErrDeviceClosed
	}
	return d.reader.Read(p)
}

// Write writes one frame.
func (d *Device) Write(p []byte) (int, error) {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	if d.closed.Load() {
		return 0, ErrDeviceClosed
	}
	n, err := d.file.Write(p)
	if err != nil {
		if errors.Is(err, os.ErrClosed) {
			return n, fmt.Errorf("%w: %v", ErrDeviceClosed, err)
		}
		return n, err
	}
	return n, nil
}

// Interrupt wakes a blocked Read without closing the interface.
func (d *Device) Interrupt() {
	d.reader.Interrupt()
}

// Close interrupts readers, waits for pending writes and closes the
// interface. Only the first call has any effect.
func (d *Device) Close() error {
	d.closeOnce.Do(func() {
		d.reader.Interrupt()
		d.closed.Store(true)

		d.writeMu.Lock()
		err := d.file.Close()
		d.writeMu.Unlock()

		if rerr := d.reader.Close(); rerr != nil && err == nil {
			err = rerr
		}
		if d.teardown != nil {
			if terr := d.teardown(); terr != nil {
				logger.Warn("device: teardown of %s failed: %v", d.name, terr)
			}
		}
		d.closeErr = err
		logger.Debug("device: %s closed", d.name)
	})
	return d.closeErr
}
