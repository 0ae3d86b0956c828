// SPDX-License-Identifier: GPL-3.0-or-later

package uknet

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net"
	"net/netip"
	"slices"
	"time"

	"github.com/bassosimone/uknet/netdev"
	"gvisor.dev/gvisor/pkg/log"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
	"gvisor.dev/gvisor/pkg/tcpip/transport/tcp"
	"gvisor.dev/gvisor/pkg/waiter"
)

// Handle identifies a socket of an [*Interface].
type Handle int32

// Ephemeral port range used by [*Interface.Connect].
const (
	ephemeralPortFirst = 49152
	ephemeralPortLast  = 65535
)

// socket is a slot in the socket set.
type socket struct {
	// closed is true once Close has been called.
	closed bool

	// entry is registered with wq while ep is open.
	entry waiter.Entry

	// ep is the endpoint, nil for a handle waiting on a listener.
	ep tcpip.Endpoint

	// port is the listening port while ep is nil.
	port uint16

	// wq is the waiter queue of ep.
	wq *waiter.Queue
}

// portListener is a listening endpoint shared by the handles accepting on a port.
type portListener struct {
	entry waiter.Entry
	ep    tcpip.Endpoint
	wq    *waiter.Queue
}

// waitState is the wait condition recorded for a handle.
type waitState struct {
	cond     WaitCondition
	resolved bool
	result   WaitResult
	waker    WakerRegistration
}

// InterfaceStats contains the [*Interface] counters.
type InterfaceStats struct {
	LinkStats

	// Sockets is the number of allocated handles.
	Sockets int

	// Waits is the number of recorded wait conditions.
	Waits int
}

// Interface owns the protocol stack driving a [netdev.Device] and the
// wait conditions of its sockets.
//
// Interface is not safe for concurrent use: callers serialize access,
// typically through a [pimutex.Value]. The notify function is the only
// piece invoked from other goroutines.
//
// Construct using [NewInterface].
type Interface struct {
	cfg       *Config
	dev       netdev.Device
	link      *LinkEndpoint
	listeners map[uint16]*portListener
	nextPort  uint16
	notify    func()
	sockets   []*socket
	stack     *stack.Stack
	waits     map[Handle]*waitState
}

// NewInterface creates a new [*Interface] using dev and cfg.
//
// The notify function is invoked, possibly from other goroutines, when
// the interface should be polled again.
func NewInterface(dev netdev.Device, cfg *Config, notify func()) (*Interface, error) {
	if notify == nil {
		notify = func() {}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	// 1. create the link endpoint and the stack
	link := NewLinkEndpoint(dev.Capabilities(), cfg.TxQueueLength, notify, cfg.Trace)
	stk, err := newStack(link, cfg)
	if err != nil {
		return nil, err
	}

	// 2. route device interrupts to notify
	if intr, ok := dev.(netdev.Interruptible); ok {
		intr.SetInterruptHandler(notify)
	}

	i := &Interface{
		cfg:       cfg,
		dev:       dev,
		link:      link,
		listeners: make(map[uint16]*portListener),
		nextPort:  uint16(ephemeralPortFirst + rand.IntN(ephemeralPortLast-ephemeralPortFirst+1)),
		notify:    notify,
		stack:     stk,
		waits:     make(map[Handle]*waitState),
	}
	log.Infof("uknet: interface %s up with %s/%s", dev.Capabilities().HardwareAddr, cfg.Address, cfg.Netmask)
	return i, nil
}

// newEndpoint creates a TCP endpoint whose events call notify.
func (i *Interface) newEndpoint() (tcpip.Endpoint, *waiter.Queue, waiter.Entry, error) {
	wq := &waiter.Queue{}
	ep, terr := i.stack.NewEndpoint(tcp.ProtocolNumber, ipv4.ProtocolNumber, wq)
	if terr != nil {
		return nil, nil, waiter.Entry{}, errorsFromTcpip(terr)
	}
	ep.SocketOptions().SetSendBufferSize(int64(i.cfg.SocketBufferSize), true)
	ep.SocketOptions().SetReceiveBufferSize(int64(i.cfg.SocketBufferSize), true)
	entry := i.register(wq)
	return ep, wq, entry, nil
}

// register arranges for the events on wq to call notify.
func (i *Interface) register(wq *waiter.Queue) waiter.Entry {
	notify := i.notify
	entry := waiter.NewFunctionEntry(waiter.ReadableEvents|waiter.WritableEvents|waiter.EventHUp|waiter.EventErr,
		func(waiter.EventMask) { notify() })
	wq.EventRegister(&entry)
	return entry
}

// addSocket appends s to the socket set.
func (i *Interface) addSocket(s *socket) Handle {
	i.sockets = append(i.sockets, s)
	return Handle(len(i.sockets) - 1)
}

// lookup returns the socket for h.
func (i *Interface) lookup(h Handle) (*socket, error) {
	if h < 0 || int(h) >= len(i.sockets) {
		return nil, fmt.Errorf("%w: invalid handle %d", ErrIllegal, h)
	}
	return i.sockets[h], nil
}

// openSocket returns the socket for h unless it is closed.
func (i *Interface) openSocket(h Handle) (*socket, error) {
	s, err := i.lookup(h)
	if err != nil {
		return nil, err
	}
	if s.closed {
		return nil, fmt.Errorf("%w: %w", ErrIllegal, net.ErrClosed)
	}
	return s, nil
}

// Connect allocates a socket, starts connecting it to remote from the
// next ephemeral port, and records a [WaitEstablishing] wait.
func (i *Interface) Connect(remote netip.AddrPort) (Handle, error) {
	// 1. validate the remote endpoint
	addr := remote.Addr().Unmap()
	if !addr.Is4() || addr.IsUnspecified() || addr.IsMulticast() || remote.Port() == 0 {
		return -1, fmt.Errorf("%w: cannot connect to %s", ErrIllegal, remote)
	}
	remote = netip.AddrPortFrom(addr, remote.Port())

	// 2. create the endpoint
	ep, wq, entry, err := i.newEndpoint()
	if err != nil {
		return -1, err
	}

	// 3. bind to the next free ephemeral port
	if err := i.bindEphemeral(ep); err != nil {
		wq.EventUnregister(&entry)
		ep.Close()
		return -1, err
	}

	// 4. start the three way handshake
	terr := ep.Connect(stackAddrPortToFullAddress(remote))
	if _, ok := terr.(*tcpip.ErrConnectStarted); terr != nil && !ok {
		wq.EventUnregister(&entry)
		ep.Close()
		return -1, errorsFromTcpip(terr)
	}

	h := i.addSocket(&socket{entry: entry, ep: ep, wq: wq})
	i.record(h, WaitEstablishing)
	log.Debugf("uknet: socket %d connecting to %s", h, remote)
	return h, nil
}

// bindEphemeral binds ep to the next ephemeral port not in use.
func (i *Interface) bindEphemeral(ep tcpip.Endpoint) error {
	const attempts = ephemeralPortLast - ephemeralPortFirst + 1
	for range attempts {
		port := i.nextPort
		i.nextPort++
		if i.nextPort == 0 || i.nextPort < ephemeralPortFirst {
			i.nextPort = ephemeralPortFirst
		}
		terr := ep.Bind(tcpip.FullAddress{Port: port})
		if terr == nil {
			return nil
		}
		if _, ok := terr.(*tcpip.ErrPortInUse); !ok {
			return errorsFromTcpip(terr)
		}
	}
	return errorsFromTcpip(&tcpip.ErrPortInUse{})
}

// ListenPort makes sure that a listening endpoint for port exists.
//
// The handles accepting on the same port share this endpoint, which
// stays open until [*Interface.Unlisten].
func (i *Interface) ListenPort(port uint16) error {
	if port == 0 {
		return fmt.Errorf("%w: cannot listen on port zero", ErrIllegal)
	}
	if _, ok := i.listeners[port]; ok {
		return nil
	}
	ep, wq, entry, err := i.newEndpoint()
	if err != nil {
		return err
	}
	ep.SocketOptions().SetReuseAddress(true)
	ep.SocketOptions().SetReusePort(true)
	if terr := ep.Bind(tcpip.FullAddress{Port: port}); terr != nil {
		wq.EventUnregister(&entry)
		ep.Close()
		return errorsFromTcpip(terr)
	}
	if terr := ep.Listen(i.cfg.ListenBacklog); terr != nil {
		wq.EventUnregister(&entry)
		ep.Close()
		return errorsFromTcpip(terr)
	}
	i.listeners[port] = &portListener{entry: entry, ep: ep, wq: wq}
	log.Debugf("uknet: listening on port %d", port)
	return nil
}

// Listen allocates a socket accepting on port and records a
// [WaitBecomingActive] wait.
func (i *Interface) Listen(port uint16) (Handle, error) {
	if err := i.ListenPort(port); err != nil {
		return -1, err
	}
	h := i.addSocket(&socket{port: port})
	i.record(h, WaitBecomingActive)
	return h, nil
}

// Unlisten closes the listening endpoint for port. Handles still
// accepting on it fail their [WaitBecomingActive] wait.
func (i *Interface) Unlisten(port uint16) {
	if l, ok := i.listeners[port]; ok {
		delete(i.listeners, port)
		l.wq.EventUnregister(&l.entry)
		l.ep.Close()
		log.Debugf("uknet: no longer listening on port %d", port)
	}
}

// CompleteAccept turns the accepting handle h into the connection with
// the oldest pending peer and returns the peer address.
func (i *Interface) CompleteAccept(h Handle) (netip.AddrPort, error) {
	s, err := i.openSocket(h)
	if err != nil {
		return netip.AddrPort{}, err
	}
	if s.ep != nil {
		return netip.AddrPort{}, fmt.Errorf("%w: socket %d is not accepting", ErrIllegal, h)
	}
	l, ok := i.listeners[s.port]
	if !ok {
		return netip.AddrPort{}, fmt.Errorf("%w: %w", ErrIllegal, net.ErrClosed)
	}
	var peer tcpip.FullAddress
	ep, wq, terr := l.ep.Accept(&peer)
	if _, ok := terr.(*tcpip.ErrWouldBlock); ok {
		return netip.AddrPort{}, errWouldBlock
	}
	if terr != nil {
		return netip.AddrPort{}, errorsFromTcpip(terr)
	}
	s.ep, s.wq, s.entry = ep, wq, i.register(wq)
	s.port = 0
	return stackFullAddressToAddrPort(peer)
}

// Read reads into buf what is immediately available.
//
// It returns [io.EOF] once the peer will not send anything else and an
// error wrapping errWouldBlock when the caller should wait for [WaitReadable].
func (i *Interface) Read(h Handle, buf []byte) (int, error) {
	s, err := i.openSocket(h)
	if err != nil {
		return 0, err
	}
	if s.ep == nil {
		return 0, fmt.Errorf("%w: read on accepting socket %d", ErrIllegal, h)
	}
	w := tcpip.SliceWriter(buf)
	res, terr := s.ep.Read(&w, tcpip.ReadOptions{})
	switch terr.(type) {
	case nil:
		return res.Count, nil
	case *tcpip.ErrWouldBlock:
		return 0, errWouldBlock
	case *tcpip.ErrClosedForReceive:
		return 0, io.EOF
	default:
		return 0, errorsFromTcpip(terr)
	}
}

// Write writes the part of data that fits into the send buffer.
//
// It returns errWouldBlock when nothing fits and the caller should wait
// for [WaitWritable].
func (i *Interface) Write(h Handle, data []byte) (int, error) {
	s, err := i.openSocket(h)
	if err != nil {
		return 0, err
	}
	if s.ep == nil {
		return 0, fmt.Errorf("%w: write on accepting socket %d", ErrIllegal, h)
	}
	count, terr := s.ep.Write(bytes.NewReader(data), tcpip.WriteOptions{})
	switch terr.(type) {
	case nil:
		return int(count), nil
	case *tcpip.ErrWouldBlock:
		return 0, errWouldBlock
	default:
		return 0, errorsFromTcpip(terr)
	}
}

// Close closes h and records a [WaitClosing] wait. Closing a closed
// handle does nothing.
func (i *Interface) Close(h Handle) error {
	s, err := i.lookup(h)
	if err != nil {
		return err
	}
	if s.closed {
		return nil
	}
	s.closed = true
	if s.ep != nil {
		s.wq.EventUnregister(&s.entry)
		s.ep.Close()
	}
	i.record(h, WaitClosing)
	log.Debugf("uknet: socket %d closed", h)
	return nil
}

// Shutdown shuts down the sending side of h.
func (i *Interface) Shutdown(h Handle) error {
	s, err := i.openSocket(h)
	if err != nil {
		return err
	}
	if s.ep == nil {
		return fmt.Errorf("%w: shutdown on accepting socket %d", ErrIllegal, h)
	}
	return errorsFromTcpip(s.ep.Shutdown(tcpip.ShutdownWrite))
}

// PeerAddr returns the remote address of h.
func (i *Interface) PeerAddr(h Handle) (netip.AddrPort, error) {
	s, err := i.openSocket(h)
	if err != nil {
		return netip.AddrPort{}, err
	}
	if s.ep == nil {
		return netip.AddrPort{}, fmt.Errorf("%w: socket %d has no peer", ErrIllegal, h)
	}
	addr, terr := s.ep.GetRemoteAddress()
	if terr != nil {
		return netip.AddrPort{}, errorsFromTcpip(terr)
	}
	return stackFullAddressToAddrPort(addr)
}

// LocalAddr returns the local address of h.
func (i *Interface) LocalAddr(h Handle) (netip.AddrPort, error) {
	s, err := i.openSocket(h)
	if err != nil {
		return netip.AddrPort{}, err
	}
	if s.ep == nil {
		return netip.AddrPortFrom(i.cfg.Address, s.port), nil
	}
	addr, terr := s.ep.GetLocalAddress()
	if terr != nil {
		return netip.AddrPort{}, errorsFromTcpip(terr)
	}
	if addr.Addr.Unspecified() {
		addr.Addr = stackAddrToTcpip(i.cfg.Address)
	}
	return stackFullAddressToAddrPort(addr)
}

// record replaces the wait condition of h with an unresolved cond and
// wakes the waker of the replaced condition.
func (i *Interface) record(h Handle, cond WaitCondition) *waitState {
	ws := i.waits[h]
	if ws == nil {
		ws = &waitState{}
		i.waits[h] = ws
	}
	ws.cond, ws.resolved, ws.result = cond, false, 0
	ws.waker.Wake()
	return ws
}

// evaluate returns the current result of cond for h.
func (i *Interface) evaluate(h Handle, cond WaitCondition) WaitResult {
	s := i.sockets[h]
	ep := s.ep
	if ep == nil {
		if s.closed {
			if cond == WaitClosing {
				return WaitSatisfied
			}
			return WaitFailed
		}
		l, ok := i.listeners[s.port]
		if !ok {
			return WaitFailed
		}
		ep = l.ep
	}
	state, ready := waitEndpointState(ep)
	return waitEvaluate(cond, state, ready)
}

// Await checks cond for h. When cond holds or cannot hold anymore, it
// returns the result and forgets the wait. Otherwise it records cond
// with waker, to be woken by [*Interface.Poll], and returns zero.
//
// A different condition recorded for h is replaced and its waker is
// woken so that its owner can check again.
func (i *Interface) Await(h Handle, cond WaitCondition, waker Waker) (WaitResult, error) {
	if _, err := i.lookup(h); err != nil {
		return 0, err
	}
	ws := i.waits[h]
	if ws != nil && ws.cond == cond && ws.resolved {
		delete(i.waits, h)
		return ws.result, nil
	}
	if result := i.evaluate(h, cond); result != 0 {
		if ws != nil {
			delete(i.waits, h)
			if ws.cond != cond {
				ws.waker.Wake()
			}
		}
		return result, nil
	}
	if ws == nil || ws.cond != cond || ws.resolved {
		ws = i.record(h, cond)
	}
	ws.waker.Register(waker)
	return 0, nil
}

// Pending returns the condition recorded for h, if any.
func (i *Interface) Pending(h Handle) (WaitCondition, bool) {
	ws, ok := i.waits[h]
	if !ok {
		return 0, false
	}
	return ws.cond, true
}

// Poll runs one poll cycle and returns the delay until the next one
// and the handles whose wait condition resolved.
//
// A cycle delivers up to [Config.RxBudget] inbound frames, flushes the
// outbound frames and evaluates the recorded wait conditions. Wakers
// run after all the conditions have been evaluated. The protocol timers
// run inside the stack, so a cycle needs no clock.
func (i *Interface) Poll() (time.Duration, []Handle) {
	// 1. deliver inbound frames and reply using the paired token
	var received int
	for received < i.cfg.RxBudget {
		rx, tx, ok := i.dev.Receive()
		if !ok {
			break
		}
		received++
		err := rx.Consume(func(frame []byte) error {
			i.link.Deliver(frame)
			return nil
		})
		if err != nil && !errors.Is(err, netdev.ErrDropped) {
			log.Debugf("uknet: receive: %s", err.Error())
		}
		i.link.FlushOne(tx)
	}

	// 2. flush outbound frames
	i.link.Flush(i.dev)

	// 3. evaluate the wait conditions
	var (
		resolved []Handle
		wakers   []WakerRegistration
	)
	for h, ws := range i.waits {
		if ws.resolved {
			continue
		}
		result := i.evaluate(h, ws.cond)
		if result == 0 {
			continue
		}
		ws.resolved, ws.result = true, result
		resolved = append(resolved, h)
		wakers = append(wakers, ws.waker)
		ws.waker = WakerRegistration{}
	}
	slices.Sort(resolved)

	// 4. wake the owners of the resolved conditions
	for idx := range wakers {
		wakers[idx].Wake()
	}
	return i.delay(received), resolved
}

// delay returns the delay until the next poll.
func (i *Interface) delay(received int) time.Duration {
	switch {
	case received >= i.cfg.RxBudget:
		return 0
	case i.link.Pending() > 0:
		return i.cfg.ParkThreshold
	default:
		return i.cfg.PollInterval
	}
}

// PollDelay returns the delay until the next poll without polling.
func (i *Interface) PollDelay() time.Duration {
	return i.delay(0)
}

// Stats returns the interface counters.
func (i *Interface) Stats() InterfaceStats {
	return InterfaceStats{
		LinkStats: i.link.Stats(),
		Sockets:   len(i.sockets),
		Waits:     len(i.waits),
	}
}

// Destroy closes every socket and destroys the stack.
func (i *Interface) Destroy() {
	for h := range i.sockets {
		_ = i.Close(Handle(h))
	}
	for port := range i.listeners {
		i.Unlisten(port)
	}
	if intr, ok := i.dev.(netdev.Interruptible); ok {
		intr.SetInterruptHandler(func() {})
	}
	i.stack.Destroy()
	i.waits = make(map[Handle]*waitState)
}
