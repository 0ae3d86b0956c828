// SPDX-License-Identifier: GPL-3.0-or-later

// Package shmring implements a paravirtualized network device over a
// fixed shared-memory region.
//
// The [Region] holds two fixed-depth queues, one per direction. Each
// queue has a read cursor and a write cursor padded to separate cache
// lines, followed by [QueueDepth] slots carrying a 16-bit length and a
// payload bounded by [SlotDataLength]. The slot index is the cursor
// modulo the depth. Cursors only grow.
//
// The guest side is a [*Device], which implements [netdev.Device]. The
// hypervisor side is a [*Host], which pops frames the guest transmitted
// and pushes frames for the guest to receive. After publishing a frame
// the guest rings a [Doorbell] and the host raises the guest interrupt.
//
// The [*Switch] attaches several devices and forwards Ethernet frames
// between them, which is what a simple hypervisor bridge would do.
package shmring
