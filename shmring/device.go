// SPDX-License-Identifier: GPL-3.0-or-later

package shmring

import (
	"errors"
	"net"
	"sync/atomic"

	"github.com/bassosimone/uknet/netdev"
)

// Doorbell notifies the remote side that new frames are available.
type Doorbell interface {
	Ring()
}

// DoorbellFunc adapts a function to the [Doorbell] interface.
type DoorbellFunc func()

var _ Doorbell = DoorbellFunc(nil)

// Ring implements [Doorbell].
func (f DoorbellFunc) Ring() {
	f()
}

// Device is the guest side of a [Region].
//
// The device is not safe for concurrent transmission: the caller must
// serialize calls into the tokens it returns. Receiving and interrupt
// handling only touch the cursors and may happen concurrently.
//
// Construct using [NewDevice].
type Device struct {
	// doorbell is rung after each transmitted frame.
	doorbell Doorbell

	// dropped counts the frames dropped because the transmit queue was full.
	dropped atomic.Uint64

	// handler is the interrupt handler.
	handler atomic.Pointer[func()]

	// mac is the device hardware address.
	mac net.HardwareAddr

	// region is the shared region.
	region *Region
}

// NewDevice creates a new [*Device] using the given region.
//
// A nil doorbell disables notifications.
func NewDevice(region *Region, mac net.HardwareAddr, doorbell Doorbell) *Device {
	if doorbell == nil {
		doorbell = DoorbellFunc(func() {})
	}
	return &Device{
		doorbell: doorbell,
		mac:      mac,
		region:   region,
	}
}

var (
	_ netdev.Device        = &Device{}
	_ netdev.Interruptible = &Device{}
)

// Capabilities implements [netdev.Device].
func (d *Device) Capabilities() netdev.Capabilities {
	return netdev.Capabilities{
		MaxTransmissionUnit: MTU,
		HardwareAddr:        d.mac,
	}
}

// Receive implements [netdev.Device].
//
// The frame is copied out of the shared slot before returning, so the
// slot is already free when the engine consumes the token.
func (d *Device) Receive() (netdev.RxToken, netdev.TxToken, bool) {
	frame, ok := d.region.rx.pop()
	if !ok {
		return nil, nil, false
	}
	rx := netdev.RxFunc(func(fn func([]byte) error) error {
		return fn(frame)
	})
	return rx, netdev.TxFunc(d.transmit), true
}

// Transmit implements [netdev.Device].
//
// The returned token fails with [netdev.ErrDropped] if the queue is
// full when it is consumed.
func (d *Device) Transmit() (netdev.TxToken, bool) {
	return netdev.TxFunc(d.transmit), true
}

// transmit fills the next transmit slot in place and rings the doorbell.
func (d *Device) transmit(length int, fn func([]byte) error) error {
	if length > SlotDataLength {
		return netdev.ErrFrameTooLarge
	}
	err := d.region.tx.push(length, fn)
	switch {
	case errors.Is(err, errQueueFull):
		d.dropped.Add(1)
		return netdev.ErrDropped
	case err != nil:
		return err
	}
	d.doorbell.Ring()
	return nil
}

// Dropped returns the number of frames dropped because the transmit queue was full.
func (d *Device) Dropped() uint64 {
	return d.dropped.Load()
}

// SetInterruptHandler implements [netdev.Interruptible].
func (d *Device) SetInterruptHandler(fn func()) {
	if fn == nil {
		d.handler.Store(nil)
		return
	}
	d.handler.Store(&fn)
}

// Interrupt invokes the interrupt handler, if any.
func (d *Device) Interrupt() {
	if fn := d.handler.Load(); fn != nil {
		(*fn)()
	}
}

// Host is the hypervisor side of a [Region].
//
// Construct using [NewHost].
type Host struct {
	// irq raises the guest interrupt.
	irq func()

	// region is the shared region.
	region *Region
}

// NewHost creates a new [*Host] using the given region.
//
// The irq function is invoked after each frame pushed to the guest; nil is allowed.
func NewHost(region *Region, irq func()) *Host {
	if irq == nil {
		irq = func() {}
	}
	return &Host{irq: irq, region: region}
}

// Pop returns a copy of the oldest frame transmitted by the guest.
func (h *Host) Pop() ([]byte, bool) {
	return h.region.tx.pop()
}

// Pending returns the number of frames transmitted by the guest and not yet popped.
func (h *Host) Pending() int {
	return int(h.region.tx.pending())
}

// Push queues a frame for the guest and raises the guest interrupt.
//
// It returns false if the guest receive queue is full or the frame
// does not fit into a slot.
func (h *Host) Push(frame []byte) bool {
	err := h.region.rx.push(len(frame), func(slot []byte) error {
		copy(slot, frame)
		return nil
	})
	if err != nil {
		return false
	}
	h.irq()
	return true
}
