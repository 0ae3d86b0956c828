// SPDX-License-Identifier: GPL-3.0-or-later

// Package virtio implements a legacy virtio-net PCI driver.
//
// The driver talks to the device through two capabilities: a [PortIO]
// giving access to the legacy I/O register window and a [DMA] allocator
// returning page-aligned memory together with its physical address.
// The virtiotest subpackage provides an in-process device model
// implementing both.
//
// [New] performs the legacy status handshake, negotiates a minimal
// feature set, and registers the receive (index 0) and transmit
// (index 1) queues. The resulting [*Device] implements [netdev.Device].
//
// Rings are accessed assuming a little-endian host, which is what the
// legacy interface uses on x86.
package virtio
