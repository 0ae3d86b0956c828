//
// SPDX-License-Identifier: MIT
//
// Adapted from: https://github.com/ooni/netem/blob/061c5671b52a2c064cac1de5d464bb056f7ccaa8/gvisor.go
// Adapted from: https://github.com/WireGuard/wireguard-go
//

package uknet

import (
	"errors"
	"fmt"
	"net/netip"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/network/arp"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
	"gvisor.dev/gvisor/pkg/tcpip/transport/icmp"
	"gvisor.dev/gvisor/pkg/tcpip/transport/tcp"
)

// stackNICID is the NIC ID used by [newStack] for the single NIC configuration.
const stackNICID = 1

// newStack creates a new [*stack.Stack] using the given link endpoint
// and configures its IPv4 address and routes.
func newStack(link stack.LinkEndpoint, cfg *Config) (*stack.Stack, error) {
	// 1. compute the local subnet
	prefix, err := cfg.Prefix()
	if err != nil {
		return nil, err
	}

	// 2. create options for the new stack
	stackOptions := stack.Options{
		NetworkProtocols: []stack.NetworkProtocolFactory{
			ipv4.NewProtocol,
			arp.NewProtocol,
		},
		TransportProtocols: []stack.TransportProtocolFactory{
			tcp.NewProtocol,
			icmp.NewProtocol4,
		},
	}

	// 3. create the network stack itself
	nsp := stack.New(stackOptions)

	// 4. attach the provided NIC to the gvisor stack
	if err := nsp.CreateNIC(stackNICID, link); err != nil {
		nsp.Destroy()
		return nil, errors.New(err.String())
	}

	// 5. configure the address
	protoAddr := tcpip.ProtocolAddress{
		Protocol: ipv4.ProtocolNumber,
		AddressWithPrefix: tcpip.AddressWithPrefix{
			Address:   stackAddrToTcpip(cfg.Address),
			PrefixLen: prefix.Bits(),
		},
	}
	if err := nsp.AddProtocolAddress(stackNICID, protoAddr, stack.AddressProperties{}); err != nil {
		nsp.Destroy()
		return nil, errors.New(err.String())
	}

	// 6. route the local subnet directly and everything else via the gateway
	nsp.SetRouteTable([]tcpip.Route{
		{
			Destination: protoAddr.AddressWithPrefix.Subnet(),
			NIC:         stackNICID,
		},
		{
			Destination: header.IPv4EmptySubnet,
			Gateway:     stackAddrToTcpip(cfg.Gateway),
			NIC:         stackNICID,
		},
	})
	return nsp, nil
}

// stackAddrToTcpip converts an IPv4 [netip.Addr] to a [tcpip.Address].
func stackAddrToTcpip(addr netip.Addr) tcpip.Address {
	return tcpip.AddrFrom4(addr.As4())
}

// stackAddrPortToFullAddress converts a [netip.AddrPort] to a [tcpip.FullAddress].
func stackAddrPortToFullAddress(epnt netip.AddrPort) tcpip.FullAddress {
	return tcpip.FullAddress{
		NIC:  stackNICID,
		Addr: stackAddrToTcpip(epnt.Addr()),
		Port: epnt.Port(),
	}
}

// stackFullAddressToAddrPort converts a [tcpip.FullAddress] to a [netip.AddrPort].
func stackFullAddressToAddrPort(addr tcpip.FullAddress) (netip.AddrPort, error) {
	ip, ok := netip.AddrFromSlice(addr.Addr.AsSlice())
	if !ok {
		return netip.AddrPort{}, fmt.Errorf("%w: invalid address", ErrIllegal)
	}
	return netip.AddrPortFrom(ip.Unmap(), addr.Port), nil
}
