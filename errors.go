//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: https://github.com/ooni/netem/blob/061c5671b52a2c064cac1de5d464bb056f7ccaa8/unetstack.go
//

package uknet

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"syscall"

	"github.com/bassosimone/uknet/netdev"
	"gvisor.dev/gvisor/pkg/tcpip"
)

var (
	// ErrIllegal indicates a malformed address or an operation invalid
	// for the socket state, such as reading from a listening socket.
	ErrIllegal = errors.New("uknet: illegal operation")

	// ErrUnaddressable indicates that a connect did not reach an established peer.
	ErrUnaddressable = errors.New("uknet: peer unaddressable")

	// ErrTimeout indicates that a bounded wait exceeded its deadline.
	//
	// It matches [os.ErrDeadlineExceeded] with [errors.Is].
	ErrTimeout error = &timeoutError{}

	// ErrUnsupported is returned by the operations this package does not implement.
	ErrUnsupported = fmt.Errorf("uknet: %w", errors.ErrUnsupported)

	// ErrDropped indicates that a device had no free transmit slot.
	ErrDropped = netdev.ErrDropped

	// errWouldBlock tells the async layer to wait and retry.
	errWouldBlock = errors.New("uknet: would block")
)

// timeoutError is the type of [ErrTimeout].
type timeoutError struct{}

// Error implements error.
func (*timeoutError) Error() string {
	return "uknet: timeout while waiting"
}

// Timeout implements [net.Error].
func (*timeoutError) Timeout() bool {
	return true
}

// Temporary implements [net.Error].
func (*timeoutError) Temporary() bool {
	return true
}

// Is allows matching [os.ErrDeadlineExceeded].
func (*timeoutError) Is(target error) bool {
	return target == os.ErrDeadlineExceeded
}

var _ net.Error = &timeoutError{}

// errorsMap maps gVisor error suffixes to stdlib errors.
//
// See https://github.com/google/gvisor/blob/master/pkg/tcpip/errors.go
//
// See https://github.com/google/gvisor/blob/master/pkg/syserr/netstack.go
var errorsMap = map[string]error{
	"endpoint is closed for receive": net.ErrClosed,
	"endpoint is closed for send":    net.ErrClosed,
	"connection aborted":             syscall.ECONNABORTED,
	"connection was refused":         syscall.ECONNREFUSED,
	"connection reset by peer":       syscall.ECONNRESET,
	"network is unreachable":         syscall.ENETUNREACH,
	"no route to host":               syscall.EHOSTUNREACH,
	"host is down":                   syscall.EHOSTDOWN,
	"machine is not on the network":  syscall.ENETDOWN,
	"operation timed out":            syscall.ETIMEDOUT,
	"endpoint is in invalid state":   syscall.EINVAL,
	"port is in use":                 syscall.EADDRINUSE,
	"bad address":                    syscall.EFAULT,
	"endpoint not connected":         syscall.ENOTCONN,
}

// errorsClass maps remapped errnos to the sentinel of their class.
var errorsClass = map[error]error{
	syscall.ECONNREFUSED: ErrUnaddressable,
	syscall.ENETUNREACH:  ErrUnaddressable,
	syscall.EHOSTUNREACH: ErrUnaddressable,
	syscall.EHOSTDOWN:    ErrUnaddressable,
	syscall.ENETDOWN:     ErrUnaddressable,
	syscall.ETIMEDOUT:    ErrUnaddressable,
	syscall.EINVAL:       ErrIllegal,
	syscall.EADDRINUSE:   ErrIllegal,
	syscall.EFAULT:       ErrIllegal,
	syscall.ENOTCONN:     ErrIllegal,
}

// errorsRemap maps a gVisor error to a stdlib error.
//
// Errors already carrying an errno are returned unchanged.
func errorsRemap(err error) error {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return err
	}
	if err != nil {
		estring := err.Error()
		for suffix, remapped := range errorsMap {
			if strings.HasSuffix(estring, suffix) {
				return remapped
			}
		}
	}
	return err
}

// errorsFromTcpip converts a [tcpip.Error] into a stdlib error.
func errorsFromTcpip(err tcpip.Error) error {
	if err == nil {
		return nil
	}
	remapped := errorsRemap(errors.New(err.String()))
	if class, ok := errorsClass[remapped]; ok {
		return fmt.Errorf("%w: %w", class, remapped)
	}
	return remapped
}
