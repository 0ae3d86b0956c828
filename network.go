// SPDX-License-Identifier: GPL-3.0-or-later

package uknet

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bassosimone/uknet/kernel"
	"github.com/bassosimone/uknet/netdev"
	"github.com/bassosimone/uknet/pimutex"
	"gvisor.dev/gvisor/pkg/log"
)

// ShutdownHow selects the direction of [*Network.Shutdown].
type ShutdownHow int

const (
	// ShutdownRead shuts down the receiving side.
	ShutdownRead ShutdownHow = iota

	// ShutdownWrite shuts down the sending side.
	ShutdownWrite

	// ShutdownBoth shuts down both sides.
	ShutdownBoth
)

// Network is the socket service of a kernel: a single [*Interface]
// guarded by a priority-inheriting mutex and a NIC thread polling it.
//
// Construct using [Init].
type Network struct {
	cancel context.CancelFunc
	cfg    *Config
	done   chan struct{}
	exec   *Executor
	iface  *pimutex.Value[*Interface]
	k      *kernel.Kernel
	nic    atomic.Pointer[kernel.Thread]
	once   sync.Once
}

// Init creates the [*Interface] for dev and spawns the NIC thread.
//
// A nil cfg means [NewConfig]. Call [*Network.Close] to stop the thread.
func Init(ctx context.Context, k *kernel.Kernel, dev netdev.Device, cfg *Config) (*Network, error) {
	if cfg == nil {
		cfg = NewConfig()
	}
	cfg.ApplyLogLevel()

	n := &Network{cfg: cfg, done: make(chan struct{}), k: k}
	iface, err := NewInterface(dev, cfg, n.wakeNIC)
	if err != nil {
		return nil, err
	}
	n.iface = pimutex.NewValue(k, iface)
	n.exec = NewExecutor(n.wakeNIC)

	ctx, cancel := context.WithCancel(ctx)
	th, err := k.Spawn(ctx, n.loop, kernel.HighPriority, 0)
	if err != nil {
		cancel()
		iface.Destroy()
		return nil, err
	}
	n.cancel = cancel
	n.nic.Store(th)
	return n, nil
}

// wakeNIC resumes the NIC thread.
func (n *Network) wakeNIC() {
	if th := n.nic.Load(); th != nil {
		n.k.Wakeup(th.ID())
	}
}

// loop is the NIC thread.
func (n *Network) loop(ctx context.Context) {
	defer close(n.done)
	th, ok := kernel.FromContext(ctx)
	if !ok {
		panic("uknet: NIC thread without kernel thread")
	}
	log.Debugf("uknet: NIC thread %d running", th.ID())
	for ctx.Err() == nil {
		var delay time.Duration
		n.iface.With(th, func(i *Interface) {
			delay, _ = i.Poll()
		})
		if n.exec.RunOnce(th) > 0 {
			continue
		}
		if delay > 0 && delay >= n.cfg.ParkThreshold {
			n.k.BlockTimeout(th, delay)
			continue
		}
		kernel.Yield()
	}
	log.Debugf("uknet: NIC thread %d done", th.ID())
}

// pollDelay returns the delay until the interface must be polled again.
func (n *Network) pollDelay(th *kernel.Thread) (delay time.Duration) {
	n.iface.With(th, func(i *Interface) {
		delay = i.PollDelay()
	})
	return
}

// Close stops the NIC thread and destroys the interface.
func (n *Network) Close() error {
	n.once.Do(func() {
		n.cancel()
		n.wakeNIC()
		<-n.done
		_ = n.with(context.Background(), func(i *Interface) {
			i.Destroy()
		})
	})
	return nil
}

// Stats returns the interface counters.
func (n *Network) Stats() (stats InterfaceStats) {
	_ = n.with(context.Background(), func(i *Interface) {
		stats = i.Stats()
	})
	return
}

// Config returns the configuration in use.
func (n *Network) Config() *Config {
	return n.cfg
}

// with runs fn holding the interface mutex on the thread carried by
// ctx, adopting the calling goroutine when ctx carries no thread.
func (n *Network) with(ctx context.Context, fn func(i *Interface)) error {
	th, ok := kernel.FromContext(ctx)
	if !ok {
		adopted, release, err := n.k.Adopt(kernel.NormalPriority)
		if err != nil {
			return err
		}
		defer release()
		th = adopted
	}
	n.iface.With(th, fn)
	return nil
}

// Connect connects to the IPv4 address in ipText and port.
//
// A zero timeout means [Config.ConnectTimeout]. On failure the returned
// handle is -1 and the socket allocated for the attempt is closed.
func (n *Network) Connect(ctx context.Context, ipText []byte, port uint16, timeout time.Duration) (Handle, error) {
	addr, err := netip.ParseAddr(string(ipText))
	if err != nil {
		return -1, fmt.Errorf("%w: %w", ErrIllegal, err)
	}
	return n.ConnectAddr(ctx, netip.AddrPortFrom(addr, port), timeout)
}

// ConnectAddr is like [*Network.Connect] with a parsed address.
func (n *Network) ConnectAddr(ctx context.Context, remote netip.AddrPort, timeout time.Duration) (Handle, error) {
	if timeout <= 0 {
		timeout = n.cfg.ConnectTimeout
	}
	fut := &connectFuture{h: -1, n: n, remote: remote}
	h, err := BlockOn[Handle](ctx, n, fut, timeout)
	if err != nil {
		if fut.h >= 0 {
			// the engine closes the abandoned handle on its own time
			Spawn[struct{}](n.exec, &closeFuture{h: fut.h, n: n})
		}
		return -1, err
	}
	return h, nil
}

// connectFuture is the [Future] of [*Network.ConnectAddr].
type connectFuture struct {
	h      Handle
	n      *Network
	remote netip.AddrPort
}

// Poll implements [Future].
func (f *connectFuture) Poll(pc *PollContext) (ready bool, h Handle, err error) {
	f.n.iface.With(pc.Thread, func(i *Interface) {
		if f.h < 0 {
			if f.h, err = i.Connect(f.remote); err != nil {
				ready = true
				return
			}
		}
		var result WaitResult
		switch result, err = i.Await(f.h, WaitEstablishing, pc.Waker); {
		case err != nil:
			ready = true
		case result == WaitSatisfied:
			ready = true
		case result == WaitFailed:
			ready, err = true, fmt.Errorf("%w: %s", ErrUnaddressable, f.remote)
		}
	})
	return ready, f.h, err
}

// Accept waits for a peer to connect to port and returns the connection
// and the peer address.
func (n *Network) Accept(ctx context.Context, port uint16) (Handle, netip.AddrPort, error) {
	fut := &acceptFuture{h: -1, n: n, port: port}
	peer, err := BlockOn[netip.AddrPort](ctx, n, fut, 0)
	if err != nil && fut.h >= 0 && !fut.accepted {
		// the engine closes the abandoned handle on its own time
		Spawn[struct{}](n.exec, &closeFuture{h: fut.h, n: n})
	}
	if err != nil {
		return -1, netip.AddrPort{}, err
	}
	return fut.h, peer, nil
}

// acceptFuture is the [Future] of [*Network.Accept].
type acceptFuture struct {
	accepted bool
	h        Handle
	n        *Network
	port     uint16
}

// Poll implements [Future].
func (f *acceptFuture) Poll(pc *PollContext) (ready bool, peer netip.AddrPort, err error) {
	f.n.iface.With(pc.Thread, func(i *Interface) {
		if f.h < 0 {
			if f.h, err = i.Listen(f.port); err != nil {
				ready = true
				return
			}
		}
		for {
			var result WaitResult
			result, err = i.Await(f.h, WaitBecomingActive, pc.Waker)
			switch {
			case err != nil:
				ready = true
				return
			case result == 0:
				return
			case result == WaitFailed:
				ready, err = true, fmt.Errorf("%w: %w", ErrIllegal, net.ErrClosed)
				return
			}
			peer, err = i.CompleteAccept(f.h)
			if err == errWouldBlock {
				continue
			}
			ready, f.accepted = true, err == nil
			return
		}
	})
	return
}

// Read reads into buf and returns as soon as some data is available.
//
// At the end of the stream, it returns zero and [io.EOF].
func (n *Network) Read(ctx context.Context, h Handle, buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	return n.ReadWithTimeout(ctx, h, buf, 0)
}

// ReadWithTimeout is like [*Network.Read] but fails with [ErrTimeout]
// when no data arrives within a positive timeout.
func (n *Network) ReadWithTimeout(ctx context.Context, h Handle, buf []byte, timeout time.Duration) (int, error) {
	return BlockOn[int](ctx, n, &readFuture{buf: buf, h: h, n: n}, timeout)
}

// readFuture is the [Future] of [*Network.Read].
type readFuture struct {
	buf []byte
	h   Handle
	n   *Network
}

// maxRetries bounds the immediate retries of an operation whose wait
// condition resolved while the operation itself would still block.
const maxRetries = 4

// Poll implements [Future].
func (f *readFuture) Poll(pc *PollContext) (ready bool, count int, err error) {
	f.n.iface.With(pc.Thread, func(i *Interface) {
		var failed bool
		for range maxRetries {
			count, err = i.Read(f.h, f.buf)
			if err != errWouldBlock {
				ready = true
				return
			}
			if failed {
				ready, count, err = true, 0, io.EOF
				return
			}
			var result WaitResult
			if result, err = i.Await(f.h, WaitReadable, pc.Waker); err != nil {
				ready = true
				return
			}
			if result == 0 {
				return
			}
			failed = result == WaitFailed
		}
		pc.Waker.Wake()
		count, err = 0, nil
	})
	return
}

// Write writes all of data, waiting for buffer space as needed.
//
// When the connection stops accepting data, it returns the number of
// bytes written so far, and an error only when that number is zero.
func (n *Network) Write(ctx context.Context, h Handle, data []byte) (int, error) {
	return n.WriteWithTimeout(ctx, h, data, 0)
}

// WriteWithTimeout is like [*Network.Write] but gives up with [ErrTimeout]
// after a positive timeout.
func (n *Network) WriteWithTimeout(ctx context.Context, h Handle, data []byte, timeout time.Duration) (int, error) {
	fut := &writeFuture{data: data, h: h, n: n}
	count, err := BlockOn[int](ctx, n, fut, timeout)
	if err != nil && fut.written > 0 {
		return fut.written, err
	}
	return count, err
}

// writeFuture is the [Future] of [*Network.Write].
type writeFuture struct {
	data    []byte
	h       Handle
	n       *Network
	written int
}

// Poll implements [Future].
func (f *writeFuture) Poll(pc *PollContext) (ready bool, count int, err error) {
	f.n.iface.With(pc.Thread, func(i *Interface) {
		var (
			failed  bool
			retries int
		)
		for f.written < len(f.data) {
			var sent int
			sent, err = i.Write(f.h, f.data[f.written:])
			if err == nil {
				f.written += sent
				retries = 0
				continue
			}
			if err != errWouldBlock || failed {
				ready = true
				break
			}
			if retries++; retries > maxRetries {
				pc.Waker.Wake()
				err = nil
				return
			}
			var result WaitResult
			if result, err = i.Await(f.h, WaitWritable, pc.Waker); err != nil {
				ready = true
				break
			}
			if result == 0 {
				return
			}
			failed = result == WaitFailed
		}
		ready = true
		if f.written > 0 {
			err = nil
		} else if err == errWouldBlock {
			err = fmt.Errorf("%w: %w", ErrIllegal, net.ErrClosed)
		}
	})
	return ready, f.written, err
}

// CloseSocket closes h and waits for the close to make progress.
//
// Closing a closed handle succeeds.
func (n *Network) CloseSocket(ctx context.Context, h Handle) error {
	_, err := BlockOn[struct{}](ctx, n, &closeFuture{h: h, n: n}, 0)
	return err
}

// closeFuture is the [Future] of [*Network.CloseSocket].
type closeFuture struct {
	h      Handle
	issued bool
	n      *Network
}

// Poll implements [Future].
func (f *closeFuture) Poll(pc *PollContext) (ready bool, _ struct{}, err error) {
	f.n.iface.With(pc.Thread, func(i *Interface) {
		if !f.issued {
			if err = i.Close(f.h); err != nil {
				ready = true
				return
			}
			f.issued = true
			if _, pending := i.Pending(f.h); !pending {
				ready = true
				return
			}
		}
		var result WaitResult
		result, err = i.Await(f.h, WaitClosing, pc.Waker)
		ready = err != nil || result != 0
	})
	return
}

// Shutdown shuts down h. Shutting down the reading side does nothing;
// shutting down the writing side or both closes the socket.
func (n *Network) Shutdown(ctx context.Context, h Handle, how ShutdownHow) error {
	switch how {
	case ShutdownRead:
		log.Debugf("uknet: socket %d: ignoring read shutdown", h)
		return nil
	case ShutdownWrite, ShutdownBoth:
		return n.CloseSocket(ctx, h)
	default:
		return fmt.Errorf("%w: invalid shutdown direction %d", ErrIllegal, how)
	}
}

// CloseWrite shuts down the sending side of h and keeps it readable.
func (n *Network) CloseWrite(ctx context.Context, h Handle) (err error) {
	if err2 := n.with(ctx, func(i *Interface) { err = i.Shutdown(h) }); err2 != nil {
		return err2
	}
	return
}

// PeerAddr returns the remote address of h.
func (n *Network) PeerAddr(ctx context.Context, h Handle) (addr netip.AddrPort, err error) {
	if err2 := n.with(ctx, func(i *Interface) { addr, err = i.PeerAddr(h) }); err2 != nil {
		return netip.AddrPort{}, err2
	}
	return
}

// LocalAddr returns the local address of h.
func (n *Network) LocalAddr(ctx context.Context, h Handle) (addr netip.AddrPort, err error) {
	if err2 := n.with(ctx, func(i *Interface) { addr, err = i.LocalAddr(h) }); err2 != nil {
		return netip.AddrPort{}, err2
	}
	return
}

// ListenPort starts accepting connections on port ahead of [*Network.Accept].
func (n *Network) ListenPort(ctx context.Context, port uint16) (err error) {
	if err2 := n.with(ctx, func(i *Interface) { err = i.ListenPort(port) }); err2 != nil {
		return err2
	}
	return
}

// Unlisten stops accepting connections on port.
func (n *Network) Unlisten(ctx context.Context, port uint16) error {
	return n.with(ctx, func(i *Interface) { i.Unlisten(port) })
}

// SetReadTimeout is not supported.
func (n *Network) SetReadTimeout(h Handle, timeout time.Duration) error {
	return ErrUnsupported
}

// ReadTimeout is not supported.
func (n *Network) ReadTimeout(h Handle) (time.Duration, error) {
	return 0, ErrUnsupported
}

// SetWriteTimeout is not supported.
func (n *Network) SetWriteTimeout(h Handle, timeout time.Duration) error {
	return ErrUnsupported
}

// WriteTimeout is not supported.
func (n *Network) WriteTimeout(h Handle) (time.Duration, error) {
	return 0, ErrUnsupported
}

// Duplicate is not supported.
func (n *Network) Duplicate(h Handle) (Handle, error) {
	return -1, ErrUnsupported
}

// Peek is not supported.
func (n *Network) Peek(h Handle, buf []byte) (int, error) {
	return 0, ErrUnsupported
}

// SetNonblocking is not supported.
func (n *Network) SetNonblocking(h Handle, mode bool) error {
	return ErrUnsupported
}

// SetTTL is not supported.
func (n *Network) SetTTL(h Handle, ttl uint8) error {
	return ErrUnsupported
}

// TTL is not supported.
func (n *Network) TTL(h Handle) (uint8, error) {
	return 0, ErrUnsupported
}
