//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: https://github.com/ooni/netem/blob/061c5671b52a2c064cac1de5d464bb056f7ccaa8/unetstack.go
//

package uknet

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"syscall"
)

// ListenConfig allows to listen pretty much like [*net.ListenConfig] except that
// here we use a [*Network] as the networking backend.
//
// The zero value is invalid. Construct using [NewListenConfig].
//
// Only IPv4 literal endpoints are supported. Listening on a hostname will fail.
type ListenConfig struct {
	// network is the network to use.
	network *Network
}

// NewListenConfig creates a new [*ListenConfig] instance.
func NewListenConfig(network *Network) *ListenConfig {
	return &ListenConfig{network: network}
}

// Listen creates a listening TCP socket.
//
// The address must be the interface address or the unspecified address.
func (lc *ListenConfig) Listen(ctx context.Context, network, address string) (net.Listener, error) {
	// 1. reject networks different from tcp
	if network != "tcp" && network != "tcp4" {
		return nil, syscall.EPROTOTYPE
	}

	// 2. convert to [netip.AddrPort]
	addrport, err := netip.ParseAddrPort(address)
	if err != nil {
		return nil, err
	}
	local := lc.network.Config().Address
	if addr := addrport.Addr().Unmap(); !addr.IsUnspecified() && addr != local {
		return nil, syscall.EADDRNOTAVAIL
	}
	if addrport.Port() == 0 {
		return nil, fmt.Errorf("%w: listening on an ephemeral port", ErrUnsupported)
	}

	// 3. start listening and create the listener
	if err := lc.network.ListenPort(ctx, addrport.Port()); err != nil {
		return nil, errorsRemap(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	ln := &tcpListener{
		addr:    netip.AddrPortFrom(local, addrport.Port()),
		cancel:  cancel,
		ctx:     ctx,
		network: lc.network,
	}
	return ln, nil
}

// tcpListener implements [net.Listener] by running [*Network.Accept] for
// each call to Accept.
type tcpListener struct {
	addr    netip.AddrPort
	cancel  context.CancelFunc
	ctx     context.Context
	network *Network
	once    sync.Once
}

var _ net.Listener = &tcpListener{}

// Accept implements [net.Listener].
func (ln *tcpListener) Accept() (net.Conn, error) {
	h, _, err := ln.network.Accept(ln.ctx, ln.addr.Port())
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, net.ErrClosed
		}
		return nil, errorsRemap(err)
	}
	conn, err := NewConn(ln.network, h)
	if err != nil {
		_ = ln.network.CloseSocket(context.Background(), h)
		return nil, errorsRemap(err)
	}
	return conn, nil
}

// Addr implements [net.Listener].
func (ln *tcpListener) Addr() net.Addr {
	return net.TCPAddrFromAddrPort(ln.addr)
}

// Close implements [net.Listener].
func (ln *tcpListener) Close() error {
	ln.once.Do(func() {
		ln.cancel()
		_ = ln.network.Unlisten(context.Background(), ln.addr.Port())
	})
	return nil
}
