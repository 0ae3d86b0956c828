// SPDX-License-Identifier: GPL-3.0-or-later

package shmring

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// Frame is an Ethernet frame transmitted by a [*Switch] port.
type Frame struct {
	// Data contains the raw Ethernet frame.
	Data []byte

	// ingress is the port that transmitted the frame.
	ingress *switchPort
}

// switchPort is a device attached to a [*Switch].
type switchPort struct {
	// device is the guest side.
	device *Device

	// host is the hypervisor side.
	host *Host

	// mu serializes draining the guest transmit queue.
	mu sync.Mutex

	// rxmu serializes filling the guest receive queue.
	rxmu sync.Mutex

	// region is the shared region.
	region *Region
}

// push queues a frame for the guest.
func (p *switchPort) push(data []byte) bool {
	p.rxmu.Lock()
	defer p.rxmu.Unlock()
	return p.host.Push(data)
}

// Switch models a hypervisor bridge forwarding Ethernet frames
// between [*Device] instances.
//
// Construct using [NewSwitch].
type Switch struct {
	// dropped counts the frames dropped because inflight was full.
	dropped atomic.Uint64

	// inflight is the channel receiving inflight frames.
	inflight chan Frame

	// mu provides mutual exclusion.
	mu sync.RWMutex

	// ports contains the attached ports indexed by MAC address.
	ports map[string]*switchPort
}

// SwitchOption is an option for [NewSwitch].
type SwitchOption func(cfg *switchConfig)

// switchConfig is the internal type modified by [SwitchOption].
type switchConfig struct {
	maxInflight int
}

// DefaultMaxInflight is the default maximum number of inflight frames.
const DefaultMaxInflight = 1024

// SwitchOptionMaxInflight sets the maximum number of inflight frames.
//
// The default is [DefaultMaxInflight] frames. When the channel is
// full, additional frames are silently dropped.
func SwitchOptionMaxInflight(max int) SwitchOption {
	return func(cfg *switchConfig) {
		cfg.maxInflight = max
	}
}

// NewSwitch creates and returns a new [*Switch] instance.
func NewSwitch(options ...SwitchOption) *Switch {
	cfg := &switchConfig{
		maxInflight: DefaultMaxInflight,
	}
	for _, opt := range options {
		opt(cfg)
	}
	return &Switch{
		inflight: make(chan Frame, cfg.maxInflight),
		ports:    make(map[string]*switchPort),
	}
}

// NewDevice allocates a [Region], attaches it to the switch, and
// returns the guest side as a [*Device] using the given MAC address.
//
// This method fails if the MAC address is already in use.
func (sw *Switch) NewDevice(mac net.HardwareAddr) (*Device, error) {
	// 1. make sure the address is unique
	key := mac.String()
	sw.mu.Lock()
	defer sw.mu.Unlock()
	if _, found := sw.ports[key]; found {
		return nil, fmt.Errorf("shmring: duplicate MAC address: %s", key)
	}

	// 2. allocate the shared memory
	region, err := AllocRegion()
	if err != nil {
		return nil, err
	}

	// 3. wire guest and host together
	port := &switchPort{region: region}
	port.device = NewDevice(region, mac, DoorbellFunc(func() {
		sw.collect(port)
	}))
	port.host = NewHost(region, port.device.Interrupt)

	// 4. register the port
	sw.ports[key] = port
	return port.device, nil
}

// collect moves the frames transmitted by the port into inflight.
func (sw *Switch) collect(port *switchPort) {
	port.mu.Lock()
	defer port.mu.Unlock()
	for {
		data, ok := port.host.Pop()
		if !ok {
			return
		}
		select {
		case sw.inflight <- Frame{Data: data, ingress: port}:
		default:
			sw.dropped.Add(1)
		}
	}
}

// InFlight returns the channel where the in flight [Frame] are posted.
func (sw *Switch) InFlight() <-chan Frame {
	return sw.inflight
}

// Dropped returns the number of frames dropped because too many were in flight.
func (sw *Switch) Dropped() uint64 {
	return sw.dropped.Load()
}

// Deliver forwards a frame based on its destination MAC address.
//
// Broadcast and multicast frames are flooded to every port except the
// one that transmitted them. Unicast frames go to the matching port.
//
// Returns false if the frame cannot be parsed, has no matching port,
// or no port could queue it.
func (sw *Switch) Deliver(frame Frame) bool {
	// 1. parse the Ethernet header
	var eth layers.Ethernet
	if err := eth.DecodeFromBytes(frame.Data, gopacket.NilDecodeFeedback); err != nil {
		return false
	}

	sw.mu.RLock()
	defer sw.mu.RUnlock()

	// 2. flood group-addressed frames
	if len(eth.DstMAC) > 0 && eth.DstMAC[0]&0x01 != 0 {
		var delivered bool
		for _, port := range sw.ports {
			if port != frame.ingress && port.push(frame.Data) {
				delivered = true
			}
		}
		return delivered
	}

	// 3. unicast to the matching port
	port := sw.ports[eth.DstMAC.String()]
	if port == nil {
		return false
	}
	return port.push(frame.Data)
}

// Run forwards frames until the context is done.
//
// The tap function, if not nil, observes every frame before delivery.
func (sw *Switch) Run(ctx context.Context, tap func(frame []byte)) {
	for {
		select {
		case frame := <-sw.inflight:
			if tap != nil {
				tap(frame.Data)
			}
			sw.Deliver(frame)

		case <-ctx.Done():
			return
		}
	}
}

// Close releases the memory of every attached port.
func (sw *Switch) Close() error {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	var errv []error
	for key, port := range sw.ports {
		errv = append(errv, port.region.Close())
		delete(sw.ports, key)
	}
	return errors.Join(errv...)
}
