// SPDX-License-Identifier: GPL-3.0-or-later

package uknet

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/bassosimone/runtimex"
	"github.com/bassosimone/uknet/netdev"
	"github.com/eapache/queue"
	"gvisor.dev/gvisor/pkg/buffer"
	"gvisor.dev/gvisor/pkg/log"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
)

// LinkStats contains the link counters.
type LinkStats struct {
	// FramesIn is the number of frames delivered to the stack.
	FramesIn uint64

	// FramesOut is the number of frames handed to the device.
	FramesOut uint64

	// Dropped is the number of frames dropped in either direction.
	Dropped uint64
}

// LinkEndpoint bridges a [netdev.Device] and a [stack.Stack]. It
// implements the [stack.LinkEndpoint] interface using Ethernet framing.
//
// To send packets, [stack.Stack] invokes [*LinkEndpoint.WritePackets],
// which queues the frames. The owner of the device later moves them to
// the device by calling [*LinkEndpoint.Flush], so that only the owner
// ever touches the device.
//
// To receive packets, the owner invokes [*LinkEndpoint.Deliver] with
// each frame returned by the device.
//
// Construct using [NewLinkEndpoint].
type LinkEndpoint struct {
	// closefunc is the function invoked on close.
	closefunc func()

	// disp is set by Attach and used to deliver inbound packets into netstack.
	disp stack.NetworkDispatcher

	// dropped counts dropped frames.
	dropped atomic.Uint64

	// framesIn counts delivered frames.
	framesIn atomic.Uint64

	// framesOut counts transmitted frames.
	framesOut atomic.Uint64

	// isclosed indicates this endpoint should not accept more work.
	isclosed bool

	// laddr is the [tcpip.LinkAddress] to use.
	laddr tcpip.LinkAddress

	// maxQueued is the capacity of outbound.
	maxQueued int

	// mtu holds the link MTU.
	mtu uint32

	// mu provides mutual exclusion.
	mu sync.RWMutex

	// notify is invoked when frames are queued.
	notify func()

	// outbound contains the frames waiting for the device.
	outbound *queue.Queue

	// trace, if not nil, receives a copy of every frame.
	trace *PcapTrace
}

// NewLinkEndpoint creates a new [*LinkEndpoint] for a device with the
// given capabilities, buffering at most maxQueued outbound frames.
//
// The notify function, if not nil, is invoked whenever frames are
// queued for the device. The trace, if not nil, receives every frame.
func NewLinkEndpoint(caps netdev.Capabilities, maxQueued int, notify func(), trace *PcapTrace) *LinkEndpoint {
	if notify == nil {
		notify = func() {}
	}
	return &LinkEndpoint{
		laddr:     tcpip.LinkAddress(caps.HardwareAddr),
		maxQueued: maxQueued,
		mtu:       uint32(caps.MaxTransmissionUnit),
		notify:    notify,
		outbound:  queue.New(),
		trace:     trace,
	}
}

// Ensure that [*LinkEndpoint] implements [stack.LinkEndpoint].
var _ stack.LinkEndpoint = &LinkEndpoint{}

// ARPHardwareType implements [stack.LinkEndpoint].
func (ep *LinkEndpoint) ARPHardwareType() header.ARPHardwareType {
	return header.ARPHardwareEther
}

// AddHeader implements [stack.LinkEndpoint].
func (ep *LinkEndpoint) AddHeader(pkt *stack.PacketBuffer) {
	src := pkt.EgressRoute.LocalLinkAddress
	if src == "" {
		src = ep.LinkAddress()
	}
	eth := header.Ethernet(pkt.LinkHeader().Push(header.EthernetMinimumSize))
	eth.Encode(&header.EthernetFields{
		SrcAddr: src,
		DstAddr: pkt.EgressRoute.RemoteLinkAddress,
		Type:    pkt.NetworkProtocolNumber,
	})
}

// Attach implements [stack.LinkEndpoint].
func (ep *LinkEndpoint) Attach(disp stack.NetworkDispatcher) {
	ep.mu.Lock()
	if !ep.isclosed {
		ep.disp = disp // setting nil implies detaching the dispatcher
	}
	ep.mu.Unlock()
}

// Capabilities implements [stack.LinkEndpoint].
func (ep *LinkEndpoint) Capabilities() stack.LinkEndpointCapabilities {
	return stack.CapabilityResolutionRequired
}

// Close implements [stack.LinkEndpoint].
func (ep *LinkEndpoint) Close() {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	if !ep.isclosed {
		ep.isclosed = true
		ep.disp = nil
		ep.outbound = queue.New()
		if ep.closefunc != nil {
			ep.closefunc()
		}
	}
}

// IsAttached implements [stack.LinkEndpoint].
func (ep *LinkEndpoint) IsAttached() bool {
	ep.mu.RLock()
	attached := ep.disp != nil && !ep.isclosed
	ep.mu.RUnlock()
	return attached
}

// LinkAddress implements [stack.LinkEndpoint].
func (ep *LinkEndpoint) LinkAddress() tcpip.LinkAddress {
	ep.mu.RLock()
	value := ep.laddr
	ep.mu.RUnlock()
	return value
}

// MTU implements [stack.LinkEndpoint].
func (ep *LinkEndpoint) MTU() uint32 {
	ep.mu.RLock()
	value := ep.mtu
	ep.mu.RUnlock()
	return value
}

// MaxHeaderLength implements [stack.LinkEndpoint].
func (ep *LinkEndpoint) MaxHeaderLength() uint16 {
	return header.EthernetMinimumSize
}

// ParseHeader implements [stack.LinkEndpoint].
func (ep *LinkEndpoint) ParseHeader(pkt *stack.PacketBuffer) bool {
	_, ok := pkt.LinkHeader().Consume(header.EthernetMinimumSize)
	return ok
}

// SetLinkAddress implements [stack.LinkEndpoint].
func (ep *LinkEndpoint) SetLinkAddress(addr tcpip.LinkAddress) {
	ep.mu.Lock()
	ep.laddr = addr
	ep.mu.Unlock()
}

// SetMTU implements [stack.LinkEndpoint].
func (ep *LinkEndpoint) SetMTU(mtu uint32) {
	ep.mu.Lock()
	ep.mtu = mtu
	ep.mu.Unlock()
}

// SetOnCloseAction implements [stack.LinkEndpoint].
func (ep *LinkEndpoint) SetOnCloseAction(action func()) {
	ep.mu.Lock()
	ep.closefunc = action
	ep.mu.Unlock()
}

// Wait implements [stack.LinkEndpoint].
func (ep *LinkEndpoint) Wait() {
	// nothing because we do not create background goroutines
}

// WritePackets implements [stack.LinkEndpoint].
func (ep *LinkEndpoint) WritePackets(pkts stack.PacketBufferList) (int, tcpip.Error) {
	// 1. serialize the packets outside of the lock
	var frames [][]byte
	for _, pkt := range pkts.AsSlice() {
		frames = append(frames, linkPacketBufferToBytes(pkt))
	}

	// 2. bail if the endpoint has been closed
	ep.mu.Lock()
	if ep.isclosed {
		ep.mu.Unlock()
		return 0, &tcpip.ErrClosedForSend{}
	}

	// 3. queue the frames that fit
	var queued int
	maxFrame := int(ep.mtu) + header.EthernetMinimumSize
	for _, frame := range frames {
		if len(frame) <= 0 || len(frame) > maxFrame || ep.outbound.Length() >= ep.maxQueued {
			ep.dropped.Add(1)
			continue
		}
		ep.outbound.Add(frame)
		queued++
	}
	ep.mu.Unlock()

	// 4. tell the owner there is work to do
	if queued > 0 {
		ep.notify()
	}
	return queued, nil
}

// Pending returns the number of frames waiting for the device.
func (ep *LinkEndpoint) Pending() int {
	ep.mu.RLock()
	defer ep.mu.RUnlock()
	return ep.outbound.Length()
}

// Flush moves queued frames to the device until the queue is empty or
// the device has no room, and returns the number of frames moved.
//
// A frame the device has no room for stays queued for the next Flush.
func (ep *LinkEndpoint) Flush(dev netdev.Device) int {
	var sent int
	for {
		tx, ok := dev.Transmit()
		if !ok || !ep.FlushOne(tx) {
			return sent
		}
		sent++
	}
}

// FlushOne sends the oldest queued frame using tx and reports whether it did.
func (ep *LinkEndpoint) FlushOne(tx netdev.TxToken) bool {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	for ep.outbound.Length() > 0 {
		frame := ep.outbound.Peek().([]byte)
		err := netdev.Send(tx, frame)
		if errors.Is(err, netdev.ErrDropped) {
			return false
		}
		ep.outbound.Remove()
		if err != nil {
			log.Debugf("uknet: dropping outbound frame: %s", err.Error())
			ep.dropped.Add(1)
			continue
		}
		ep.framesOut.Add(1)
		if ep.trace != nil {
			ep.trace.Dump(frame)
		}
		return true
	}
	return false
}

// Deliver dispatches an inbound Ethernet frame into the stack.
//
// Frames addressed to other hosts are dropped.
func (ep *LinkEndpoint) Deliver(frame []byte) bool {
	// 1. drop the frames too short to carry an Ethernet header
	if len(frame) < header.EthernetMinimumSize {
		ep.dropped.Add(1)
		return false
	}

	// 2. access mutex protected fields
	ep.mu.RLock()
	disp := ep.disp
	isclosed := ep.isclosed
	laddr := ep.laddr
	mtu := ep.mtu
	ep.mu.RUnlock()

	// 3. do not deliver if we have been closed or have no dispatcher
	if isclosed || disp == nil {
		ep.dropped.Add(1)
		return false
	}

	// 4. filter by destination and size
	eth := header.Ethernet(frame)
	dst := eth.DestinationAddress()
	if dst != laddr && dst != header.EthernetBroadcastAddress && !header.IsMulticastEthernetAddress(dst) {
		return false
	}
	if len(frame) > int(mtu)+header.EthernetMinimumSize {
		ep.dropped.Add(1)
		return false
	}
	if ep.trace != nil {
		ep.trace.Dump(frame)
	}

	// 5. deliver A COPY OF the frame without the link header
	copied := make([]byte, len(frame))
	copy(copied, frame)
	pkt := stack.NewPacketBuffer(stack.PacketBufferOptions{
		Payload: buffer.MakeWithData(copied),
	})
	defer pkt.DecRef()
	_, ok := pkt.LinkHeader().Consume(header.EthernetMinimumSize)
	runtimex.Assert(ok)
	disp.DeliverNetworkPacket(eth.Type(), pkt)
	ep.framesIn.Add(1)
	return true
}

// Stats returns the link counters.
func (ep *LinkEndpoint) Stats() LinkStats {
	return LinkStats{
		FramesIn:  ep.framesIn.Load(),
		FramesOut: ep.framesOut.Load(),
		Dropped:   ep.dropped.Load(),
	}
}

// linkPacketBufferToBytes returns a slice containing A COPY OF the packet bytes.
func linkPacketBufferToBytes(pkt *stack.PacketBuffer) []byte {
	v := pkt.ToView()
	defer v.Release()
	out := make([]byte, v.Size())
	_ = runtimex.PanicOnError1(v.Read(out))
	return out
}
