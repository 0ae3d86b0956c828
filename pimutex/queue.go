// SPDX-License-Identifier: GPL-3.0-or-later

package pimutex

import (
	"math/bits"

	"github.com/bassosimone/uknet/kernel"
	"github.com/eapache/queue"
)

// waiter is an entry of the [priorityQueue].
type waiter struct {
	thread *kernel.Thread
	seq    uint64
}

// priorityQueue contains one FIFO per priority and a bitmap of the
// non-empty ones.
type priorityQueue struct {
	buckets [kernel.NumPriorities]*queue.Queue
	bitmap  uint64
}

// push appends w to the FIFO of the given priority.
func (pq *priorityQueue) push(w waiter, prio kernel.Priority) {
	bucket := pq.buckets[prio]
	if bucket == nil {
		bucket = queue.New()
		pq.buckets[prio] = bucket
	}
	bucket.Add(w)
	pq.bitmap |= 1 << prio
}

// pop removes the oldest entry of the most urgent non-empty FIFO.
func (pq *priorityQueue) pop() (waiter, bool) {
	if pq.bitmap == 0 {
		return waiter{}, false
	}
	prio := bits.Len64(pq.bitmap) - 1
	bucket := pq.buckets[prio]
	w := bucket.Remove().(waiter)
	if bucket.Length() <= 0 {
		pq.bitmap &^= 1 << prio
	}
	return w, true
}
