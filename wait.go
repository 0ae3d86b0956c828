// SPDX-License-Identifier: GPL-3.0-or-later

package uknet

import (
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/transport/tcp"
	"gvisor.dev/gvisor/pkg/waiter"
)

// WaitCondition is the socket state transition a suspended caller awaits.
type WaitCondition int

const (
	// WaitEstablishing waits for an outgoing connection to be established.
	WaitEstablishing WaitCondition = iota

	// WaitBecomingActive waits for a listening socket to have a peer.
	WaitBecomingActive

	// WaitReadable waits for data or for the end of the stream.
	WaitReadable

	// WaitWritable waits for send buffer space.
	WaitWritable

	// WaitClosing waits for a close to make progress.
	WaitClosing
)

// String implements [fmt.Stringer].
func (c WaitCondition) String() string {
	switch c {
	case WaitEstablishing:
		return "establishing"
	case WaitBecomingActive:
		return "becoming-active"
	case WaitReadable:
		return "readable"
	case WaitWritable:
		return "writable"
	case WaitClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// WaitResult is the outcome of a resolved [WaitCondition].
type WaitResult int

const (
	// WaitSatisfied means the awaited transition happened.
	WaitSatisfied WaitResult = iota + 1

	// WaitFailed means the awaited transition cannot happen anymore.
	WaitFailed
)

// String implements [fmt.Stringer].
func (r WaitResult) String() string {
	switch r {
	case WaitSatisfied:
		return "satisfied"
	case WaitFailed:
		return "failed"
	default:
		return "pending"
	}
}

// waitEvaluate returns the result of cond given the socket state and
// readiness, or zero when the condition is still pending.
func waitEvaluate(cond WaitCondition, state tcp.EndpointState, ready waiter.EventMask) WaitResult {
	switch cond {
	case WaitEstablishing:
		switch state {
		case tcp.StateEstablished, tcp.StateCloseWait:
			return WaitSatisfied
		case tcp.StateInitial, tcp.StateBound, tcp.StateConnecting, tcp.StateSynSent, tcp.StateSynRecv:
			return 0
		default:
			return WaitFailed
		}

	case WaitBecomingActive:
		if state == tcp.StateListen && ready&waiter.ReadableEvents != 0 {
			return WaitSatisfied
		}
		switch state {
		case tcp.StateListen, tcp.StateInitial, tcp.StateBound:
			return 0
		default:
			return WaitFailed
		}

	case WaitReadable:
		if ready&waiter.ReadableEvents != 0 {
			return WaitSatisfied
		}
		switch state {
		case tcp.StateClose, tcp.StateError, tcp.StateTimeWait, tcp.StateLastAck, tcp.StateClosing:
			return WaitFailed
		default:
			return 0
		}

	case WaitWritable:
		switch state {
		case tcp.StateEstablished, tcp.StateCloseWait:
			if ready&waiter.WritableEvents != 0 {
				return WaitSatisfied
			}
			return 0
		case tcp.StateSynSent, tcp.StateSynRecv, tcp.StateConnecting:
			return 0
		default:
			return WaitFailed
		}

	case WaitClosing:
		switch state {
		case tcp.StateClose, tcp.StateTimeWait, tcp.StateClosing, tcp.StateFinWait1,
			tcp.StateFinWait2, tcp.StateLastAck, tcp.StateError:
			return WaitSatisfied
		default:
			return 0
		}

	default:
		return WaitFailed
	}
}

// waitEndpointState returns the TCP state and readiness of ep.
func waitEndpointState(ep tcpip.Endpoint) (tcp.EndpointState, waiter.EventMask) {
	state := tcp.EndpointState(ep.State())
	ready := ep.Readiness(waiter.ReadableEvents | waiter.WritableEvents)
	return state, ready
}
