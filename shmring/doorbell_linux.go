// SPDX-License-Identifier: GPL-3.0-or-later

package shmring

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// ErrDoorbellTimeout indicates that [*EventfdDoorbell.Wait] timed out.
var ErrDoorbellTimeout = errors.New("shmring: doorbell wait timed out")

// EventfdDoorbell is a [Doorbell] backed by a Linux eventfd, suitable
// for signalling a host running in another process.
//
// Construct using [NewEventfdDoorbell].
type EventfdDoorbell struct {
	fd int
}

var _ Doorbell = &EventfdDoorbell{}

// NewEventfdDoorbell creates a new [*EventfdDoorbell].
func NewEventfdDoorbell() (*EventfdDoorbell, error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return nil, fmt.Errorf("shmring: eventfd: %w", err)
	}
	return &EventfdDoorbell{fd: fd}, nil
}

// Fd returns the eventfd file descriptor, to be passed to the host.
func (d *EventfdDoorbell) Fd() int {
	return d.fd
}

// Ring implements [Doorbell].
func (d *EventfdDoorbell) Ring() {
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	_, _ = unix.Write(d.fd, buf[:])
}

// Wait waits up to timeout for the doorbell to ring and returns the
// number of rings since the previous Wait.
func (d *EventfdDoorbell) Wait(timeout time.Duration) (uint64, error) {
	fds := []unix.PollFd{{Fd: int32(d.fd), Events: unix.POLLIN}}
	for {
		n, err := unix.Poll(fds, int(timeout.Milliseconds()))
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("shmring: poll: %w", err)
		}
		if n == 0 {
			return 0, ErrDoorbellTimeout
		}
		break
	}
	var buf [8]byte
	if _, err := unix.Read(d.fd, buf[:]); err != nil {
		return 0, fmt.Errorf("shmring: read: %w", err)
	}
	return binary.NativeEndian.Uint64(buf[:]), nil
}

// Close closes the eventfd.
func (d *EventfdDoorbell) Close() error {
	return unix.Close(d.fd)
}
