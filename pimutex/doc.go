// SPDX-License-Identifier: GPL-3.0-or-later

// Package pimutex implements a priority-inheriting mutex for kernel threads.
//
// Bookkeeping is protected by a fair ticket spinlock. Contending threads
// wait in a priority-bucketed FIFO queue with an occupancy bitmap. When
// a thread blocks on a mutex held by a lower-priority thread, the holder
// is raised to the waiter's priority until it unlocks.
//
// Unlock wakes the most urgent waiter but does not hand the mutex over:
// the woken thread races for it again, so a thread arriving in between
// may win. Repeated arrivals of more urgent threads can therefore keep
// a waiter from acquiring the mutex.
package pimutex
