// SPDX-License-Identifier: GPL-3.0-or-later

package virtio

import (
	"errors"
	"fmt"
	"net"
	"sync/atomic"

	"github.com/bassosimone/uknet/netdev"
	"gvisor.dev/gvisor/pkg/log"
)

var (
	// ErrMissingFeature indicates that the device lacks a required feature.
	ErrMissingFeature = errors.New("virtio: device lacks required features")

	// ErrFeaturesRejected indicates that the device did not keep FEATURES_OK.
	ErrFeaturesRejected = errors.New("virtio: device rejected features")

	// ErrQueueUnavailable indicates that the device reports a zero-sized queue.
	ErrQueueUnavailable = errors.New("virtio: queue unavailable")
)

// virtqueue is a queue registered with the device.
type virtqueue struct {
	// index is the queue index.
	index uint16

	// ring is the shared vring.
	ring *Ring

	// usable is the number of descriptors backed by a buffer.
	usable uint16

	// buffers holds usable*BufferSize bytes.
	buffers []byte

	// avail is the driver copy of the available index.
	avail uint16

	// lastUsed is the next used ring position to consume.
	lastUsed uint16

	// free contains the ids of the descriptors owned by the driver.
	free []uint16
}

// buffer returns the buffer backing the given descriptor.
func (q *virtqueue) buffer(id uint16) []byte {
	return q.buffers[int(id)*BufferSize:][:BufferSize]
}

// publish appends id to the available ring and makes it visible.
func (q *virtqueue) publish(id uint16) {
	q.ring.SetAvailEntry(q.avail, id)
	q.avail++
	q.ring.PublishAvail(q.avail)
}

// popUsed returns the next descriptor the device has consumed.
func (q *virtqueue) popUsed() (uint16, int, bool) {
	if q.ring.UsedIdx() == q.lastUsed {
		return 0, 0, false
	}
	id, length := q.ring.UsedEntry(q.lastUsed)
	q.lastUsed++
	return uint16(id), int(length), true
}

// Device is a legacy virtio-net device.
//
// Methods are not safe for concurrent use, with the exception of
// [*Device.Interrupt] and [*Device.SetInterruptHandler].
//
// Construct using [New].
type Device struct {
	// dropped counts transmit attempts without a free descriptor.
	dropped atomic.Uint64

	// features contains the negotiated features.
	features uint32

	// handler is the interrupt handler.
	handler atomic.Pointer[func()]

	// io is the register window.
	io PortIO

	// mac is the device MAC address.
	mac net.HardwareAddr

	// rx is the receive queue.
	rx *virtqueue

	// tx is the transmit queue.
	tx *virtqueue
}

var (
	_ netdev.Device        = &Device{}
	_ netdev.Interruptible = &Device{}
)

// New negotiates with the device behind io and registers its queues.
//
// On failure the device status is set to FAILED.
func New(io PortIO, dma DMA) (*Device, error) {
	d := &Device{io: io}
	if err := d.init(dma); err != nil {
		io.Out8(RegStatus, StatusFailed)
		log.Warningf("virtio: initialization failed: %s", err.Error())
		return nil, err
	}
	return d, nil
}

// init runs the legacy initialization sequence.
func (d *Device) init(dma DMA) error {
	// 1. reset and announce ourselves
	d.io.Out8(RegStatus, 0)
	status := uint8(StatusAcknowledge)
	d.io.Out8(RegStatus, status)
	status |= StatusDriver
	d.io.Out8(RegStatus, status)

	// 2. negotiate the feature set
	host := d.io.In32(RegHostFeatures)
	if host&requiredFeatures != requiredFeatures {
		return fmt.Errorf("%w: host features %#x", ErrMissingFeature, host)
	}
	d.features = host &^ strippedFeatures
	d.io.Out32(RegGuestFeatures, d.features)
	log.Infof("virtio: host features %#x, guest features %#x", host, d.features)

	// 3. make sure the device accepted the features
	status |= StatusFeaturesOK
	d.io.Out8(RegStatus, status)
	if d.io.In8(RegStatus)&StatusFeaturesOK == 0 {
		return ErrFeaturesRejected
	}

	// 4. read the MAC address
	d.mac = make(net.HardwareAddr, 6)
	for idx := range d.mac {
		d.mac[idx] = d.io.In8(ConfigMAC + uint16(idx))
	}

	// 5. register the queues
	var err error
	if d.rx, err = d.setupQueue(dma, QueueRX); err != nil {
		return err
	}
	if d.tx, err = d.setupQueue(dma, QueueTX); err != nil {
		return err
	}

	// 6. tell the device we are ready
	status |= StatusDriverOK
	d.io.Out8(RegStatus, status)
	log.Infof("virtio: mac %s, link up %v", d.mac, d.LinkUp())
	return nil
}

// setupQueue allocates and registers the queue with the given index.
func (d *Device) setupQueue(dma DMA, index uint16) (*virtqueue, error) {
	// 1. select the queue and read its size
	d.io.Out16(RegQueueSel, index)
	size := d.io.In16(RegQueueNum)
	if size == 0 {
		return nil, fmt.Errorf("%w: queue %d", ErrQueueUnavailable, index)
	}
	usable := min(size, MaxQueueSize)

	// 2. allocate the ring laid out for the device size
	ringMem, ringPhys, err := dma.Alloc(RingSize(size))
	if err != nil {
		return nil, fmt.Errorf("virtio: allocating queue %d ring: %w", index, err)
	}
	if ringPhys%PageSize != 0 {
		return nil, fmt.Errorf("virtio: queue %d ring not page aligned", index)
	}
	ring, err := NewRing(ringMem, size)
	if err != nil {
		return nil, err
	}

	// 3. allocate the buffers and point the descriptors at them
	buffers, bufPhys, err := dma.Alloc(int(usable) * BufferSize)
	if err != nil {
		return nil, fmt.Errorf("virtio: allocating queue %d buffers: %w", index, err)
	}
	q := &virtqueue{
		index:   index,
		ring:    ring,
		usable:  usable,
		buffers: buffers,
	}
	for id := range usable {
		desc := Descriptor{Addr: bufPhys + uint64(id)*BufferSize, Len: BufferSize}
		if index == QueueRX {
			desc.Flags = DescFlagWrite
		}
		ring.SetDesc(id, desc)
	}

	// 4. hand receive buffers to the device up front
	if index == QueueRX {
		for id := range usable {
			ring.SetAvailEntry(id, id)
		}
		q.avail = usable
		ring.PublishAvail(q.avail)
	} else {
		for id := range usable {
			q.free = append(q.free, id)
		}
	}

	// 5. register the ring with the device
	d.io.Out32(RegQueuePFN, uint32(ringPhys/PageSize))
	log.Infof("virtio: queue %d size %d usable %d", index, size, usable)
	return q, nil
}

// Capabilities implements [netdev.Device].
func (d *Device) Capabilities() netdev.Capabilities {
	return netdev.Capabilities{
		MaxTransmissionUnit: MTU,
		HardwareAddr:        d.mac,
	}
}

// Features returns the negotiated feature bits.
func (d *Device) Features() uint32 {
	return d.features
}

// LinkUp returns whether the device reports the link as up.
func (d *Device) LinkUp() bool {
	return d.io.In16(ConfigStatus)&LinkUp != 0
}

// Receive implements [netdev.Device].
//
// The frame is copied out of the descriptor buffer and the descriptor
// is handed back to the device before returning.
func (d *Device) Receive() (netdev.RxToken, netdev.TxToken, bool) {
	q := d.rx
	for {
		id, length, ok := q.popUsed()
		if !ok {
			return nil, nil, false
		}
		if id >= q.usable {
			log.Warningf("virtio: device returned unknown rx descriptor %d", id)
			continue
		}
		var frame []byte
		if length > NetHeaderLength && length <= BufferSize {
			frame = make([]byte, length-NetHeaderLength)
			copy(frame, q.buffer(id)[NetHeaderLength:length])
		}
		q.publish(id)
		d.io.Out16(RegQueueNotify, q.index)
		if frame == nil {
			log.Debugf("virtio: dropping rx buffer of %d bytes", length)
			continue
		}
		rx := netdev.RxFunc(func(fn func([]byte) error) error {
			return fn(frame)
		})
		return rx, netdev.TxFunc(d.transmit), true
	}
}

// Transmit implements [netdev.Device].
//
// The returned token fails with [netdev.ErrDropped] if no descriptor
// is free when it is consumed.
func (d *Device) Transmit() (netdev.TxToken, bool) {
	return netdev.TxFunc(d.transmit), true
}

// reclaim returns the descriptors the device finished sending to the free list.
func (d *Device) reclaim() {
	q := d.tx
	for {
		id, _, ok := q.popUsed()
		if !ok {
			return
		}
		if id >= q.usable {
			log.Warningf("virtio: device returned unknown tx descriptor %d", id)
			continue
		}
		q.free = append(q.free, id)
	}
}

// transmit fills a free descriptor and notifies the device.
func (d *Device) transmit(length int, fn func([]byte) error) error {
	// 1. make sure the frame fits
	if length < 0 || length > BufferSize-NetHeaderLength {
		return netdev.ErrFrameTooLarge
	}

	// 2. find a free descriptor
	q := d.tx
	d.reclaim()
	if len(q.free) <= 0 {
		d.dropped.Add(1)
		return netdev.ErrDropped
	}
	id := q.free[len(q.free)-1]
	q.free = q.free[:len(q.free)-1]

	// 3. zero the header and let the caller fill the frame
	buf := q.buffer(id)
	clear(buf[:NetHeaderLength])
	if err := fn(buf[NetHeaderLength : NetHeaderLength+length]); err != nil {
		q.free = append(q.free, id)
		return err
	}

	// 4. publish the descriptor and notify the device
	desc := q.ring.Desc(id)
	desc.Len = uint32(NetHeaderLength + length)
	desc.Flags = 0
	q.ring.SetDesc(id, desc)
	q.publish(id)
	d.io.Out16(RegQueueNotify, q.index)
	return nil
}

// Dropped returns the number of frames dropped because no transmit descriptor was free.
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

// Interrupt acknowledges a device interrupt and invokes the handler.
//
// Reading the ISR status register clears it. Nothing happens when the
// device did not raise the interrupt.
func (d *Device) Interrupt() {
	if d.io.In8(RegISRStatus) == 0 {
		return
	}
	if fn := d.handler.Load(); fn != nil {
		(*fn)()
	}
}
