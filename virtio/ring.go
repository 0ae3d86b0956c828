// SPDX-License-Identifier: GPL-3.0-or-later

package virtio

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"
	"unsafe"
)

// DescFlagWrite marks a descriptor as device-writable.
const DescFlagWrite = 2

// descLength is the size of a descriptor table entry.
const descLength = 16

// usedElemLength is the size of a used ring entry.
const usedElemLength = 8

// alignUp rounds value up to a multiple of align.
func alignUp(value, align int) int {
	return (value + align - 1) &^ (align - 1)
}

// RingSize returns the number of bytes of the legacy vring layout for
// a queue of size descriptors.
func RingSize(size uint16) int {
	n := int(size)
	return alignUp(descLength*n+6+2*n, PageSize) + alignUp(6+usedElemLength*n, PageSize)
}

// Ring is a bounds-checked view of a legacy vring.
//
// The flags and index fields of the available and used rings share a
// 32-bit word, which is loaded and stored atomically so the index
// publication orders the entries written before it.
//
// Construct using [NewRing].
type Ring struct {
	mem     []byte
	size    uint16
	availOf int
	usedOf  int
}

// NewRing creates a [*Ring] over mem for a queue of size descriptors.
func NewRing(mem []byte, size uint16) (*Ring, error) {
	if size == 0 {
		return nil, fmt.Errorf("virtio: zero-sized ring")
	}
	if len(mem) < RingSize(size) {
		return nil, fmt.Errorf("virtio: ring memory too small: %d < %d", len(mem), RingSize(size))
	}
	if uintptr(unsafe.Pointer(unsafe.SliceData(mem)))%4 != 0 {
		return nil, fmt.Errorf("virtio: ring memory misaligned")
	}
	availOf := descLength * int(size)
	return &Ring{
		mem:     mem,
		size:    size,
		availOf: availOf,
		usedOf:  alignUp(availOf+6+2*int(size), PageSize),
	}, nil
}

// Size returns the number of descriptors of the ring.
func (r *Ring) Size() uint16 {
	return r.size
}

// Descriptor is a descriptor table entry.
type Descriptor struct {
	Addr  uint64
	Len   uint32
	Flags uint16
	Next  uint16
}

// Desc returns the descriptor with the given id.
func (r *Ring) Desc(id uint16) Descriptor {
	b := r.mem[descLength*int(id%r.size):][:descLength]
	return Descriptor{
		Addr:  binary.LittleEndian.Uint64(b[0:]),
		Len:   binary.LittleEndian.Uint32(b[8:]),
		Flags: binary.LittleEndian.Uint16(b[12:]),
		Next:  binary.LittleEndian.Uint16(b[14:]),
	}
}

// SetDesc overwrites the descriptor with the given id.
func (r *Ring) SetDesc(id uint16, desc Descriptor) {
	b := r.mem[descLength*int(id%r.size):][:descLength]
	binary.LittleEndian.PutUint64(b[0:], desc.Addr)
	binary.LittleEndian.PutUint32(b[8:], desc.Len)
	binary.LittleEndian.PutUint16(b[12:], desc.Flags)
	binary.LittleEndian.PutUint16(b[14:], desc.Next)
}

// word returns the atomic flags|idx word at off.
func (r *Ring) word(off int) *atomic.Uint32 {
	return (*atomic.Uint32)(unsafe.Pointer(&r.mem[off : off+4][0]))
}

// AvailIdx returns the index of the next available ring entry the driver will write.
func (r *Ring) AvailIdx() uint16 {
	return uint16(r.word(r.availOf).Load() >> 16)
}

// PublishAvail sets the available index, handing entries up to idx to the device.
func (r *Ring) PublishAvail(idx uint16) {
	w := r.word(r.availOf)
	w.Store(w.Load()&0xffff | uint32(idx)<<16)
}

// AvailEntry returns the descriptor id at position pos of the available ring.
func (r *Ring) AvailEntry(pos uint16) uint16 {
	off := r.availOf + 4 + 2*int(pos%r.size)
	return binary.LittleEndian.Uint16(r.mem[off:])
}

// SetAvailEntry writes the descriptor id at position pos of the available ring.
func (r *Ring) SetAvailEntry(pos uint16, id uint16) {
	off := r.availOf + 4 + 2*int(pos%r.size)
	binary.LittleEndian.PutUint16(r.mem[off:], id)
}

// UsedIdx returns the index of the next used ring entry the device will write.
func (r *Ring) UsedIdx() uint16 {
	return uint16(r.word(r.usedOf).Load() >> 16)
}

// PublishUsed sets the used index, handing entries up to idx to the driver.
func (r *Ring) PublishUsed(idx uint16) {
	w := r.word(r.usedOf)
	w.Store(w.Load()&0xffff | uint32(idx)<<16)
}

// UsedEntry returns the descriptor id and written length at position pos of the used ring.
func (r *Ring) UsedEntry(pos uint16) (id uint32, length uint32) {
	off := r.usedOf + 4 + usedElemLength*int(pos%r.size)
	return binary.LittleEndian.Uint32(r.mem[off:]), binary.LittleEndian.Uint32(r.mem[off+4:])
}

// SetUsedEntry writes a used ring entry at position pos.
func (r *Ring) SetUsedEntry(pos uint16, id uint32, length uint32) {
	off := r.usedOf + 4 + usedElemLength*int(pos%r.size)
	binary.LittleEndian.PutUint32(r.mem[off:], id)
	binary.LittleEndian.PutUint32(r.mem[off+4:], length)
}
