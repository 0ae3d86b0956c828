// SPDX-License-Identifier: GPL-3.0-or-later

// Package netdev defines the frame-level contract between a virtual
// network device and the protocol engine driving it.
//
// A [Device] hands out single-use tokens. An [RxToken] grants exclusive
// access to one received frame for the duration of a callback. A [TxToken]
// grants exclusive write access to one reserved output slot; once the
// callback returns successfully the filled slot belongs to the device.
package netdev

import (
	"errors"
	"net"
)

// ErrDropped indicates that a transmit attempt found no free device slot.
//
// Callers never block on this condition: the protocol engine retransmits.
var ErrDropped = errors.New("netdev: frame dropped")

// ErrFrameTooLarge indicates that a frame does not fit into a device slot.
var ErrFrameTooLarge = errors.New("netdev: frame too large")

// EthernetHeaderLength is the length of the Ethernet header preceding
// the IP packet inside each frame.
const EthernetHeaderLength = 14

// Capabilities describes a [Device].
type Capabilities struct {
	// MaxTransmissionUnit is the largest IP packet the device carries.
	//
	// Frames are at most MaxTransmissionUnit+[EthernetHeaderLength] bytes.
	MaxTransmissionUnit int

	// HardwareAddr is the device MAC address.
	HardwareAddr net.HardwareAddr
}

// MaxFrameLength returns the largest frame the device accepts.
func (c Capabilities) MaxFrameLength() int {
	return c.MaxTransmissionUnit + EthernetHeaderLength
}

// RxToken grants one-shot access to a received frame.
type RxToken interface {
	// Consume invokes fn with a mutable view of the frame and
	// returns its result. The view is invalid after fn returns.
	Consume(fn func(frame []byte) error) error
}

// TxToken grants one-shot write access to an output slot.
type TxToken interface {
	// Consume reserves length bytes, invokes fn to fill them, and
	// hands the slot to the device when fn returns nil. When no slot
	// is available Consume returns [ErrDropped] without calling fn.
	Consume(length int, fn func(frame []byte) error) error
}

// Device is a virtual network device.
type Device interface {
	// Capabilities returns the device capabilities.
	Capabilities() Capabilities

	// Receive returns a token for the next queued frame along with a
	// token allowing the engine to reply in the same tick. The boolean
	// is false when no frame is queued.
	Receive() (RxToken, TxToken, bool)

	// Transmit returns a token for sending a frame not tied to an
	// inbound event. The boolean is false when the device cannot
	// currently provide one.
	Transmit() (TxToken, bool)
}

// Interruptible is implemented by devices able to signal frame arrival.
type Interruptible interface {
	// SetInterruptHandler registers the function to invoke when new
	// frames become available. A nil handler disables notifications.
	SetInterruptHandler(fn func())
}

// RxFunc adapts a function to the [RxToken] interface.
type RxFunc func(fn func(frame []byte) error) error

var _ RxToken = RxFunc(nil)

// Consume implements [RxToken].
func (f RxFunc) Consume(fn func(frame []byte) error) error {
	return f(fn)
}

// TxFunc adapts a function to the [TxToken] interface.
type TxFunc func(length int, fn func(frame []byte) error) error

var _ TxToken = TxFunc(nil)

// Consume implements [TxToken].
func (f TxFunc) Consume(length int, fn func(frame []byte) error) error {
	return f(length, fn)
}

// Send copies frame into a slot obtained from tx.
func Send(tx TxToken, frame []byte) error {
	return tx.Consume(len(frame), func(buf []byte) error {
		copy(buf, frame)
		return nil
	})
}

// Collect copies the frame held by rx into a fresh slice.
func Collect(rx RxToken) ([]byte, error) {
	var out []byte
	err := rx.Consume(func(frame []byte) error {
		out = make([]byte, len(frame))
		copy(out, frame)
		return nil
	})
	return out, err
}
