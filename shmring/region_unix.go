// SPDX-License-Identifier: GPL-3.0-or-later

//go:build unix

package shmring

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// AllocRegion maps anonymous shared memory and overlays a [*Region] on it.
//
// Use [*Region.Close] to unmap the memory.
func AllocRegion() (*Region, error) {
	mem, err := unix.Mmap(-1, 0, RegionLength, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("shmring: mmap: %w", err)
	}
	region, err := NewRegion(mem)
	if err != nil {
		_ = unix.Munmap(mem)
		return nil, err
	}
	var once sync.Once
	region.release = func() (err error) {
		once.Do(func() {
			err = unix.Munmap(mem)
		})
		return
	}
	return region, nil
}
