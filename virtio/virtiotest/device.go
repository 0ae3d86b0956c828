// SPDX-License-Identifier: GPL-3.0-or-later

package virtiotest

import (
	"net"
	"sync"

	"github.com/bassosimone/uknet/virtio"
)

// DefaultHostFeatures is the feature set offered when [Config] does not
// specify one. It includes bits the driver is expected to strip.
const DefaultHostFeatures = 1<<virtio.FeatureMAC | 1<<virtio.FeatureStatus |
	1<<virtio.FeatureCsum | 1<<virtio.FeatureCtrlVQ | 1<<virtio.FeatureMrgRxbuf |
	1<<virtio.FeatureGuestTSO4 | 1<<virtio.FeatureMQ | 1<<virtio.FeatureRingEventIdx

// DefaultQueueSize is the queue size used when [Config] does not specify one.
const DefaultQueueSize = 256

// Config configures a [*Device].
type Config struct {
	// HostFeatures is the feature set offered to the driver.
	HostFeatures uint32

	// QueueSizes contains the size of the receive and transmit queues.
	QueueSizes [2]uint16

	// MAC is the device MAC address.
	MAC net.HardwareAddr

	// RejectFeatures makes the device clear FEATURES_OK.
	RejectFeatures bool

	// LinkDown makes the device report the link as down.
	LinkDown bool
}

// NewConfig returns a [*Config] with default values and the given MAC address.
func NewConfig(mac net.HardwareAddr) *Config {
	return &Config{
		HostFeatures: DefaultHostFeatures,
		QueueSizes:   [2]uint16{DefaultQueueSize, DefaultQueueSize},
		MAC:          mac,
	}
}

// deviceQueue is the device view of a queue.
type deviceQueue struct {
	pfn       uint32
	ring      *virtio.Ring
	lastAvail uint16
	used      uint16
}

// Device is a legacy virtio-net device model.
//
// Construct using [NewDevice].
type Device struct {
	// Arena is the DMA memory shared with the driver.
	Arena *Arena

	// cfg is the device configuration.
	cfg Config

	// guestFeatures contains the features written by the driver.
	guestFeatures uint32

	// hold defers transmit processing until ProcessTransmit.
	hold bool

	// irq raises the interrupt.
	irq func()

	// isr is the interrupt status register.
	isr uint8

	// mu provides mutual exclusion.
	mu sync.Mutex

	// notifications counts the writes to the notify register per queue.
	notifications [2]int

	// onTransmit receives the frames transmitted by the driver.
	onTransmit func(frame []byte)

	// pending contains transmitted frames when onTransmit is nil.
	pending [][]byte

	// queueSel is the selected queue.
	queueSel uint16

	// queues contains the receive and transmit queues.
	queues [2]deviceQueue

	// status is the device status register.
	status uint8
}

// NewDevice creates a new [*Device] with the given configuration.
func NewDevice(cfg *Config) *Device {
	return &Device{
		Arena: &Arena{},
		cfg:   *cfg,
	}
}

var _ virtio.PortIO = &Device{}

// SetIRQ sets the function invoked when the device raises its interrupt.
func (d *Device) SetIRQ(fn func()) {
	d.mu.Lock()
	d.irq = fn
	d.mu.Unlock()
}

// SetTransmitHandler sets the function receiving transmitted frames.
func (d *Device) SetTransmitHandler(fn func(frame []byte)) {
	d.mu.Lock()
	d.onTransmit = fn
	d.mu.Unlock()
}

// SetHoldTransmit controls whether transmit notifications are processed immediately.
func (d *Device) SetHoldTransmit(hold bool) {
	d.mu.Lock()
	d.hold = hold
	d.mu.Unlock()
}

// Status returns the device status register.
func (d *Device) Status() uint8 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status
}

// GuestFeatures returns the features written by the driver.
func (d *Device) GuestFeatures() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.guestFeatures
}

// QueuePFN returns the page frame number registered for the given queue.
func (d *Device) QueuePFN(index int) uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.queues[index].pfn
}

// Ring returns the ring registered for the given queue, if any.
func (d *Device) Ring(index int) *virtio.Ring {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.queues[index].ring
}

// Notifications returns the number of notifications received for the given queue.
func (d *Device) Notifications(index int) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.notifications[index]
}

// Transmitted returns and clears the frames transmitted while no handler was set.
func (d *Device) Transmitted() [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := d.pending
	d.pending = nil
	return out
}

// In8 implements [virtio.PortIO].
func (d *Device) In8(off uint16) uint8 {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch {
	case off == virtio.RegStatus:
		return d.status
	case off == virtio.RegISRStatus:
		value := d.isr
		d.isr = 0
		return value
	case off >= virtio.ConfigMAC && off < virtio.ConfigMAC+6:
		if idx := int(off - virtio.ConfigMAC); idx < len(d.cfg.MAC) {
			return d.cfg.MAC[idx]
		}
	}
	return 0
}

// In16 implements [virtio.PortIO].
func (d *Device) In16(off uint16) uint16 {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch off {
	case virtio.RegQueueNum:
		if d.queueSel < 2 {
			return d.cfg.QueueSizes[d.queueSel]
		}
	case virtio.RegQueueSel:
		return d.queueSel
	case virtio.ConfigStatus:
		if !d.cfg.LinkDown {
			return virtio.LinkUp
		}
	}
	return 0
}

// In32 implements [virtio.PortIO].
func (d *Device) In32(off uint16) uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch off {
	case virtio.RegHostFeatures:
		return d.cfg.HostFeatures
	case virtio.RegGuestFeatures:
		return d.guestFeatures
	case virtio.RegQueuePFN:
		if d.queueSel < 2 {
			return d.queues[d.queueSel].pfn
		}
	}
	return 0
}

// Out8 implements [virtio.PortIO].
func (d *Device) Out8(off uint16, value uint8) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if off != virtio.RegStatus {
		return
	}
	if value == 0 {
		d.reset()
		return
	}
	if d.cfg.RejectFeatures {
		value &^= virtio.StatusFeaturesOK
	}
	d.status = value
}

// reset returns the device to its initial state.
func (d *Device) reset() {
	d.status = 0
	d.guestFeatures = 0
	d.queueSel = 0
	d.queues = [2]deviceQueue{}
	d.isr = 0
}

// Out16 implements [virtio.PortIO].
func (d *Device) Out16(off uint16, value uint16) {
	switch off {
	case virtio.RegQueueSel:
		d.mu.Lock()
		d.queueSel = value
		d.mu.Unlock()
	case virtio.RegQueueNotify:
		d.notify(value)
	}
}

// Out32 implements [virtio.PortIO].
func (d *Device) Out32(off uint16, value uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch off {
	case virtio.RegGuestFeatures:
		d.guestFeatures = value
	case virtio.RegQueuePFN:
		d.registerQueue(value)
	}
}

// registerQueue maps the ring of the selected queue.
func (d *Device) registerQueue(pfn uint32) {
	if d.queueSel >= 2 {
		return
	}
	q := &d.queues[d.queueSel]
	size := d.cfg.QueueSizes[d.queueSel]
	*q = deviceQueue{pfn: pfn}
	if pfn == 0 || size == 0 {
		return
	}
	mem, ok := d.Arena.Translate(uint64(pfn)*virtio.PageSize, virtio.RingSize(size))
	if !ok {
		return
	}
	ring, err := virtio.NewRing(mem, size)
	if err != nil {
		return
	}
	q.ring = ring
}

// notify handles a write to the notify register.
func (d *Device) notify(index uint16) {
	d.mu.Lock()
	if index < 2 {
		d.notifications[index]++
	}
	if index != virtio.QueueTX || d.hold {
		d.mu.Unlock()
		return
	}
	frames, handler, irq := d.drainTransmit()
	d.mu.Unlock()
	d.deliver(frames, handler, irq)
}

// ProcessTransmit processes the frames published on the transmit queue.
func (d *Device) ProcessTransmit() {
	d.mu.Lock()
	frames, handler, irq := d.drainTransmit()
	d.mu.Unlock()
	d.deliver(frames, handler, irq)
}

// deliver hands frames to the handler and raises the interrupt.
func (d *Device) deliver(frames [][]byte, handler func([]byte), irq func()) {
	for _, frame := range frames {
		handler(frame)
	}
	if irq != nil {
		irq()
	}
}

// drainTransmit consumes the transmit queue. The caller holds mu.
func (d *Device) drainTransmit() ([][]byte, func([]byte), func()) {
	q := &d.queues[virtio.QueueTX]
	if q.ring == nil || d.status&virtio.StatusDriverOK == 0 {
		return nil, nil, nil
	}
	var frames [][]byte
	for q.lastAvail != q.ring.AvailIdx() {
		id := q.ring.AvailEntry(q.lastAvail)
		q.lastAvail++
		desc := q.ring.Desc(id)
		if buf, ok := d.Arena.Translate(desc.Addr, int(desc.Len)); ok && len(buf) >= virtio.NetHeaderLength {
			frame := make([]byte, len(buf)-virtio.NetHeaderLength)
			copy(frame, buf[virtio.NetHeaderLength:])
			frames = append(frames, frame)
		}
		q.ring.SetUsedEntry(q.used, uint32(id), desc.Len)
		q.used++
	}
	if len(frames) <= 0 {
		return nil, nil, nil
	}
	q.ring.PublishUsed(q.used)
	d.isr |= 1
	handler := d.onTransmit
	if handler == nil {
		d.pending = append(d.pending, frames...)
		return nil, nil, d.irq
	}
	return frames, handler, d.irq
}

// Inject writes a frame into the next receive buffer and raises the interrupt.
//
// It returns false if the driver is not ready or published no buffer
// large enough to hold the frame.
func (d *Device) Inject(frame []byte) bool {
	d.mu.Lock()
	q := &d.queues[virtio.QueueRX]
	if q.ring == nil || d.status&virtio.StatusDriverOK == 0 || q.lastAvail == q.ring.AvailIdx() {
		d.mu.Unlock()
		return false
	}
	id := q.ring.AvailEntry(q.lastAvail)
	desc := q.ring.Desc(id)
	length := virtio.NetHeaderLength + len(frame)
	buf, ok := d.Arena.Translate(desc.Addr, int(desc.Len))
	if !ok || desc.Flags&virtio.DescFlagWrite == 0 || length > len(buf) {
		d.mu.Unlock()
		return false
	}
	q.lastAvail++
	clear(buf[:virtio.NetHeaderLength])
	copy(buf[virtio.NetHeaderLength:], frame)
	q.ring.SetUsedEntry(q.used, uint32(id), uint32(length))
	q.used++
	q.ring.PublishUsed(q.used)
	d.isr |= 1
	irq := d.irq
	d.mu.Unlock()
	if irq != nil {
		irq()
	}
	return true
}

// Connect wires two devices back to back so that the frames one
// transmits are injected into the other.
func Connect(a, b *Device) {
	a.SetTransmitHandler(func(frame []byte) { b.Inject(frame) })
	b.SetTransmitHandler(func(frame []byte) { a.Inject(frame) })
}
