// Package eventfd wraps the Linux eventfd(2) object used throughout gokvm's
// virtio transport as the Notification Endpoint: a kernel-backed 64-bit
// counting semaphore that is both signalable and pollable, and that can be
// duplicated so both the transport and a device backend observe the same
// count.
package eventfd

import (
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// ErrClosed is returned by operations on an EventFd that has already
// been closed.
var ErrClosed = errors.New("eventfd: use of closed file")

// EventFd is a safe wrapper around a Linux eventfd.
type EventFd struct {
	fd int
}

// New creates a new blocking EventFd with an initial count of 0.
func New() (*EventFd, error) {
	fd, err := unix.Eventfd(0, 0)
	if err != nil {
		return nil, fmt.Errorf("eventfd: create: %w", err)
	}

	return &EventFd{fd: fd}, nil
}

// Signal adds v to the counter, blocking if the addition would overflow
// the kernel-enforced maximum (2^64 - 2). Signal(0) is a documented
// no-op and never touches the fd.
func (e *EventFd) Signal(v uint64) error {
	if v == 0 {
		return nil
	}

	if e.fd < 0 {
		return ErrClosed
	}

	var buf [8]byte

	binary.LittleEndian.PutUint64(buf[:], v)

	if _, err := unix.Write(e.fd, buf[:]); err != nil {
		return fmt.Errorf("eventfd: signal: %w", err)
	}

	return nil
}

// Wait blocks until the counter is non-zero, then atomically resets it
// to zero and returns the prior value.
func (e *EventFd) Wait() (uint64, error) {
	if e.fd < 0 {
		return 0, ErrClosed
	}

	var buf [8]byte

	if _, err := unix.Read(e.fd, buf[:]); err != nil {
		return 0, fmt.Errorf("eventfd: wait: %w", err)
	}

	return binary.LittleEndian.Uint64(buf[:]), nil
}

// Dup yields a second handle sharing the same underlying kernel counter.
// Both ends remain independently closable.
func (e *EventFd) Dup() (*EventFd, error) {
	if e.fd < 0 {
		return nil, ErrClosed
	}

	newFd, err := unix.Dup(e.fd)
	if err != nil {
		return nil, fmt.Errorf("eventfd: dup: %w", err)
	}

	return &EventFd{fd: newFd}, nil
}

// Fd returns the raw file descriptor, for poll/select integration by
// callers that need to multiplex several notification endpoints.
func (e *EventFd) Fd() int {
	return e.fd
}

// Close releases the underlying file descriptor. It is safe to call on
// an already-closed EventFd.
func (e *EventFd) Close() error {
	if e.fd < 0 {
		return nil
	}

	fd := e.fd
	e.fd = -1

	if err := unix.Close(fd); err != nil {
		return fmt.Errorf("eventfd: close: %w", err)
	}

	return nil
}

// ScopedEventFd guarantees a Signal(1) on every exit path: it wraps an
// EventFd acquired for the duration of a scope (e.g. a host worker
// goroutine's lifetime) and wakes any waiter when that scope ends.
//
// A missed wake-up on this path would deadlock whatever is waiting on
// the paired endpoint, so a failed Signal at Close time is fail-stop:
// it panics rather than being swallowed.
type ScopedEventFd struct {
	*EventFd
}

// NewScoped creates a new EventFd wrapped as a ScopedEventFd.
func NewScoped() (*ScopedEventFd, error) {
	e, err := New()
	if err != nil {
		return nil, err
	}

	return &ScopedEventFd{EventFd: e}, nil
}

// Close signals the scoped event once and then releases its fd. The
// signal failing is treated as unrecoverable.
func (s *ScopedEventFd) Close() error {
	if err := s.Signal(1); err != nil {
		panic(fmt.Sprintf("eventfd: scoped signal-on-close failed: %v", err))
	}

	return s.EventFd.Close()
}
