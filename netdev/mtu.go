// SPDX-License-Identifier: GPL-3.0-or-later

package netdev

// Enumerate common MTU values.
const (
	// MTUEthernet is the MTU used by Ethernet.
	MTUEthernet = 1500

	// MTUMinimumIPv4 is the smallest MTU every IPv4 host must accept.
	MTUMinimumIPv4 = 576
)
