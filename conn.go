//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: https://github.com/ooni/netem/blob/061c5671b52a2c064cac1de5d464bb056f7ccaa8/unetstack.go
//

package uknet

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"sync"
	"time"
)

// Conn adapts a connected [Handle] to the [net.Conn] interface.
//
// Deadlines bound the blocking calls through [BlockOn] timeouts: a
// deadline is evaluated when Read or Write begins.
//
// Construct using [NewConn].
type Conn struct {
	// h is the connected handle.
	h Handle

	// laddr and raddr are the endpoints.
	laddr, raddr netip.AddrPort

	// mu protects the deadlines.
	mu sync.Mutex

	// n is the network owning h.
	n *Network

	// once provides "once" semantics for Close.
	once sync.Once

	rdeadline time.Time
	wdeadline time.Time
}

// NewConn creates a new [*Conn] for the connected handle h.
func NewConn(n *Network, h Handle) (*Conn, error) {
	ctx := context.Background()
	raddr, err := n.PeerAddr(ctx, h)
	if err != nil {
		return nil, err
	}
	laddr, err := n.LocalAddr(ctx, h)
	if err != nil {
		return nil, err
	}
	return &Conn{h: h, laddr: laddr, raddr: raddr, n: n}, nil
}

var _ net.Conn = &Conn{}

// Handle returns the underlying handle.
func (c *Conn) Handle() Handle {
	return c.h
}

// Close implements [net.Conn].
func (c *Conn) Close() (err error) {
	err = net.ErrClosed
	c.once.Do(func() {
		err = errorsRemap(c.n.CloseSocket(context.Background(), c.h))
	})
	return
}

// CloseWrite shuts down the writing side of the connection.
func (c *Conn) CloseWrite() error {
	return errorsRemap(c.n.CloseWrite(context.Background(), c.h))
}

// LocalAddr implements [net.Conn].
func (c *Conn) LocalAddr() net.Addr {
	return net.TCPAddrFromAddrPort(c.laddr)
}

// RemoteAddr implements [net.Conn].
func (c *Conn) RemoteAddr() net.Addr {
	return net.TCPAddrFromAddrPort(c.raddr)
}

// connTimeout converts a deadline to a [BlockOn] timeout.
func connTimeout(deadline time.Time) (time.Duration, error) {
	if deadline.IsZero() {
		return 0, nil
	}
	timeout := time.Until(deadline)
	if timeout <= 0 {
		return 0, ErrTimeout
	}
	return timeout, nil
}

// Read implements [net.Conn].
func (c *Conn) Read(buff []byte) (int, error) {
	c.mu.Lock()
	deadline := c.rdeadline
	c.mu.Unlock()
	timeout, err := connTimeout(deadline)
	if err != nil {
		return 0, err
	}
	if len(buff) == 0 {
		return 0, nil
	}
	count, err := c.n.ReadWithTimeout(context.Background(), c.h, buff, timeout)
	return count, connRemapError(err)
}

// Write implements [net.Conn].
func (c *Conn) Write(data []byte) (int, error) {
	c.mu.Lock()
	deadline := c.wdeadline
	c.mu.Unlock()
	timeout, err := connTimeout(deadline)
	if err != nil {
		return 0, err
	}
	count, err := c.n.WriteWithTimeout(context.Background(), c.h, data, timeout)
	return count, connRemapError(err)
}

// connRemapError maps closed handles to [net.ErrClosed].
func connRemapError(err error) error {
	if err != nil && errors.Is(err, net.ErrClosed) {
		return net.ErrClosed
	}
	return errorsRemap(err)
}

// SetDeadline implements [net.Conn].
func (c *Conn) SetDeadline(t time.Time) error {
	c.mu.Lock()
	c.rdeadline, c.wdeadline = t, t
	c.mu.Unlock()
	return nil
}

// SetReadDeadline implements [net.Conn].
func (c *Conn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	c.rdeadline = t
	c.mu.Unlock()
	return nil
}

// SetWriteDeadline implements [net.Conn].
func (c *Conn) SetWriteDeadline(t time.Time) error {
	c.mu.Lock()
	c.wdeadline = t
	c.mu.Unlock()
	return nil
}
