package device

import "errors"

var (
	// ErrReadInterrupted is returned by Read once Interrupt has been called.
	ErrReadInterrupted = errors.New("read interrupted")
	// ErrDeviceClosed is returned by Read and Write after Close.
	ErrDeviceClosed = errors.New("tun device closed")
)
