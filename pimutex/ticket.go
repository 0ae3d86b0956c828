// SPDX-License-Identifier: GPL-3.0-or-later

package pimutex

import (
	"sync/atomic"

	"github.com/bassosimone/uknet/kernel"
	"golang.org/x/sys/cpu"
)

// spinsBeforeYield is the number of busy iterations before yielding.
const spinsBeforeYield = 100

// ticketLock is a FIFO-fair spinlock.
//
// The zero value is unlocked.
type ticketLock struct {
	_       cpu.CacheLinePad
	queue   atomic.Uint64
	_       cpu.CacheLinePad
	dequeue atomic.Uint64
	_       cpu.CacheLinePad
}

// lock takes a ticket and spins until it is served.
func (l *ticketLock) lock() {
	ticket := l.queue.Add(1) - 1
	for count := 0; l.dequeue.Load() != ticket; count++ {
		if count >= spinsBeforeYield {
			kernel.Yield()
			count = 0
		}
	}
}

// unlock serves the next ticket.
func (l *ticketLock) unlock() {
	l.dequeue.Add(1)
}
