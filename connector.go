//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: https://github.com/ooni/netem/blob/061c5671b52a2c064cac1de5d464bb056f7ccaa8/unetstack.go
//

package uknet

import (
	"context"
	"net"
	"net/netip"
	"syscall"
	"time"
)

// Connector allows to dial [net.Conn] connections pretty much
// like [*net.Dialer] except that here we use a [*Network]
// as the networking backend.
//
// The zero value is invalid. Construct using [NewConnector].
//
// Only IPv4 literal endpoints are supported. Dialing a hostname will fail.
type Connector struct {
	// network is the network to use.
	network *Network
}

// NewConnector creates a new [*Connector] instance.
func NewConnector(network *Network) *Connector {
	return &Connector{network: network}
}

// DialContext creates a new [net.Conn] connection.
//
// The context deadline, if any, bounds the connect. Otherwise the
// [Config.ConnectTimeout] applies.
func (c *Connector) DialContext(ctx context.Context, network string, address string) (net.Conn, error) {
	// 1. reject networks different from tcp
	if network != "tcp" && network != "tcp4" {
		return nil, syscall.EPROTOTYPE
	}

	// 2. parse the address into a [netip.AddrPort]
	addrport, err := netip.ParseAddrPort(address)
	if err != nil {
		return nil, err
	}

	// 3. derive the timeout from the context
	var timeout time.Duration
	if deadline, ok := ctx.Deadline(); ok {
		if timeout = time.Until(deadline); timeout <= 0 {
			return nil, ErrTimeout
		}
	}

	// 4. connect and remap the error on failure
	h, err := c.network.ConnectAddr(ctx, addrport, timeout)
	if err != nil {
		return nil, errorsRemap(err)
	}

	// 5. wrap the handle into a [net.Conn]
	conn, err := NewConn(c.network, h)
	if err != nil {
		_ = c.network.CloseSocket(context.Background(), h)
		return nil, errorsRemap(err)
	}
	return conn, nil
}
