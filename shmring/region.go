// SPDX-License-Identifier: GPL-3.0-or-later

package shmring

import (
	"errors"
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/bassosimone/uknet/netdev"
)

const (
	// QueueDepth is the number of slots in each queue.
	QueueDepth = 8

	// MTU is the largest IP packet carried by a slot.
	MTU = netdev.MTUEthernet

	// SlotDataLength is the payload capacity of each slot.
	SlotDataLength = 1534

	// QueueLength is the size in bytes of one queue.
	QueueLength = int(unsafe.Sizeof(queue{}))

	// RegionLength is the size in bytes of a [Region].
	RegionLength = 2 * QueueLength
)

// ErrRegionTooSmall indicates that the memory backing a [Region] is too small.
var ErrRegionTooSmall = errors.New("shmring: region too small")

// ErrRegionMisaligned indicates that the memory backing a [Region] is not 8-byte aligned.
var ErrRegionMisaligned = errors.New("shmring: region misaligned")

// slot is the in-memory layout of a queue slot.
type slot struct {
	length uint16
	data   [SlotDataLength]byte
}

// queue is the in-memory layout of a queue.
type queue struct {
	read    atomic.Uint64
	_       [56]byte
	written atomic.Uint64
	_       [56]byte
	slots   [QueueDepth]slot
}

// pending returns the number of frames published but not yet consumed.
func (q *queue) pending() uint64 {
	return q.written.Load() - q.read.Load()
}

// pop copies out the oldest frame and advances the read cursor.
func (q *queue) pop() ([]byte, bool) {
	read := q.read.Load()
	if q.written.Load() <= read {
		return nil, false
	}
	s := &q.slots[read%QueueDepth]
	length := min(int(s.length), SlotDataLength)
	frame := make([]byte, length)
	copy(frame, s.data[:length])
	q.read.Store(read + 1)
	return frame, true
}

// push fills the next free slot using fn and advances the write cursor.
func (q *queue) push(length int, fn func(frame []byte) error) error {
	written := q.written.Load()
	if written-q.read.Load() >= QueueDepth {
		return errQueueFull
	}
	if length < 0 || length > SlotDataLength {
		return fmt.Errorf("shmring: %d bytes exceed slot capacity", length)
	}
	s := &q.slots[written%QueueDepth]
	if err := fn(s.data[:length]); err != nil {
		return err
	}
	s.length = uint16(length)
	q.written.Store(written + 1)
	return nil
}

var errQueueFull = errors.New("shmring: queue full")

// Region is a typed view of the shared memory holding both queues.
//
// The first queue carries frames towards the guest, the second carries
// frames the guest transmits.
//
// Construct using [NewRegion] or [AllocRegion].
type Region struct {
	// mem keeps the backing memory alive.
	mem []byte

	// rx is the guest receive queue.
	rx *queue

	// tx is the guest transmit queue.
	tx *queue

	// release is invoked by Close.
	release func() error
}

// NewRegion overlays a [*Region] on mem.
//
// The mem slice must be at least [RegionLength] bytes and 8-byte aligned.
// The caller owns mem and must keep it mapped while the region is in use.
func NewRegion(mem []byte) (*Region, error) {
	if len(mem) < RegionLength {
		return nil, fmt.Errorf("%w: %d < %d", ErrRegionTooSmall, len(mem), RegionLength)
	}
	base := unsafe.Pointer(unsafe.SliceData(mem))
	if uintptr(base)%8 != 0 {
		return nil, ErrRegionMisaligned
	}
	return &Region{
		mem:     mem,
		rx:      (*queue)(base),
		tx:      (*queue)(unsafe.Add(base, QueueLength)),
		release: func() error { return nil },
	}, nil
}

// Close releases the memory backing the region if it was allocated by [AllocRegion].
func (r *Region) Close() error {
	return r.release()
}
