// SPDX-License-Identifier: GPL-3.0-or-later

// Package virtiotest provides an in-process legacy virtio-net device model.
//
// The [*Device] implements [virtio.PortIO] and its [*Arena] implements
// [virtio.DMA], so a [virtio.New] driver can run against it without
// hardware. Frames the driver transmits are handed to a callback (or
// buffered until [*Device.Transmitted] is called). Frames passed to
// [*Device.Inject] are written into the receive buffers the driver
// published, after which the device raises its interrupt.
package virtiotest

import (
	"errors"
	"sort"
	"sync"

	"github.com/bassosimone/uknet/virtio"
)

// ErrOutOfMemory is returned by [*Arena.Alloc] when the arena limit is exceeded.
var ErrOutOfMemory = errors.New("virtiotest: out of memory")

// Arena is a [virtio.DMA] allocator handing out memory with fake
// page-aligned physical addresses.
//
// The zero value is ready to use.
type Arena struct {
	// Limit is the maximum number of bytes to allocate; zero means no limit.
	Limit int

	// allocated is the number of bytes allocated so far.
	allocated int

	// mu provides mutual exclusion.
	mu sync.Mutex

	// regions contains the allocated regions sorted by physical address.
	regions []arenaRegion
}

// arenaRegion is an allocated region.
type arenaRegion struct {
	phys uint64
	mem  []byte
}

// arenaBase is the physical address of the first allocation.
const arenaBase = 0x100000

var _ virtio.DMA = &Arena{}

// Alloc implements [virtio.DMA].
func (a *Arena) Alloc(size int) ([]byte, uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	pages := (size + virtio.PageSize - 1) / virtio.PageSize
	length := pages * virtio.PageSize
	if a.Limit > 0 && a.allocated+length > a.Limit {
		return nil, 0, ErrOutOfMemory
	}
	phys := uint64(arenaBase)
	if n := len(a.regions); n > 0 {
		last := a.regions[n-1]
		phys = last.phys + uint64(len(last.mem))
	}
	words := make([]uint64, length/8)
	mem := unsafeBytes(words)
	a.regions = append(a.regions, arenaRegion{phys: phys, mem: mem})
	a.allocated += length
	return mem, phys, nil
}

// Translate returns the memory at the given physical address.
func (a *Arena) Translate(phys uint64, length int) ([]byte, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	idx := sort.Search(len(a.regions), func(i int) bool {
		r := a.regions[i]
		return r.phys+uint64(len(r.mem)) > phys
	})
	if idx >= len(a.regions) || a.regions[idx].phys > phys {
		return nil, false
	}
	r := a.regions[idx]
	off := int(phys - r.phys)
	if length < 0 || off+length > len(r.mem) {
		return nil, false
	}
	return r.mem[off : off+length], true
}
