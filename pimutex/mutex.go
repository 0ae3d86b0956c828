// SPDX-License-Identifier: GPL-3.0-or-later

package pimutex

import (
	"github.com/bassosimone/runtimex"
	"github.com/bassosimone/uknet/kernel"
)

// Mutex is a priority-inheriting mutex.
//
// The zero value is invalid. Construct using [New].
type Mutex struct {
	// spin protects the fields below.
	spin ticketLock

	// k is the kernel owning the threads.
	k *kernel.Kernel

	// locked is true when the mutex is held.
	locked bool

	// owner is the holder.
	owner *kernel.Thread

	// basePrio is the holder priority when it acquired the mutex.
	basePrio kernel.Priority

	// currentPrio is the holder priority, possibly raised by waiters.
	currentPrio kernel.Priority

	// waiters contains the blocked threads.
	waiters priorityQueue

	// queued maps each waiting thread to the sequence number of its live entry.
	queued map[kernel.Tid]uint64

	// seq numbers the queue entries.
	seq uint64
}

// New creates a new unlocked [*Mutex].
func New(k *kernel.Kernel) *Mutex {
	return &Mutex{
		k:      k,
		queued: make(map[kernel.Tid]uint64),
	}
}

// Lock acquires the mutex on behalf of th, blocking th while it is held.
func (m *Mutex) Lock(th *kernel.Thread) {
	for {
		m.spin.lock()

		// 1. take the mutex if free
		if !m.locked {
			m.acquire(th)
			m.spin.unlock()
			return
		}

		// 2. lend our priority to the holder
		prio := th.Priority()
		if prio > m.currentPrio {
			m.currentPrio = prio
			_ = m.k.SetPriority(m.owner.ID(), prio)
		}

		// 3. wait for an unlock unless already waiting
		if _, found := m.queued[th.ID()]; !found {
			m.seq++
			m.queued[th.ID()] = m.seq
			m.waiters.push(waiter{thread: th, seq: m.seq}, prio)
		}
		m.spin.unlock()
		m.k.Block(th)
	}
}

// TryLock acquires the mutex if it is free and reports whether it did.
//
// It never blocks and never raises the holder priority.
func (m *Mutex) TryLock(th *kernel.Thread) bool {
	m.spin.lock()
	defer m.spin.unlock()
	if m.locked {
		return false
	}
	m.acquire(th)
	return true
}

// acquire records th as the holder. The caller holds spin.
func (m *Mutex) acquire(th *kernel.Thread) {
	prio := th.Priority()
	m.locked = true
	m.owner = th
	m.basePrio = prio
	m.currentPrio = prio
	delete(m.queued, th.ID())
}

// Unlock releases the mutex held by th and wakes the most urgent waiter.
//
// It panics if the mutex is not held by th.
func (m *Mutex) Unlock(th *kernel.Thread) {
	m.spin.lock()
	if !m.locked || m.owner != th {
		m.spin.unlock()
		panic("pimutex: unlock of mutex not held by the caller")
	}

	// 1. drop any inherited priority
	if m.currentPrio != m.basePrio {
		_ = m.k.SetPriority(m.owner.ID(), m.basePrio)
	}
	m.locked = false
	m.owner = nil

	// 2. find the next live waiter
	next, found := m.popWaiter()
	m.spin.unlock()

	// 3. let it race for the mutex
	if found {
		m.k.Wakeup(next.ID())
	}
}

// popWaiter returns the most urgent waiting thread. The caller holds spin.
func (m *Mutex) popWaiter() (*kernel.Thread, bool) {
	for {
		w, ok := m.waiters.pop()
		if !ok {
			return nil, false
		}
		if seq, found := m.queued[w.thread.ID()]; found && seq == w.seq {
			delete(m.queued, w.thread.ID())
			return w.thread, true
		}
	}
}

// Holder returns the holder and its current priority, if the mutex is held.
func (m *Mutex) Holder() (*kernel.Thread, kernel.Priority, bool) {
	m.spin.lock()
	defer m.spin.unlock()
	return m.owner, m.currentPrio, m.locked
}

// Waiters returns the number of threads waiting for the mutex.
func (m *Mutex) Waiters() int {
	m.spin.lock()
	defer m.spin.unlock()
	return len(m.queued)
}

// Value is a value guarded by a [*Mutex].
//
// Construct using [NewValue].
type Value[T any] struct {
	mu    *Mutex
	value T
}

// NewValue creates a new [*Value] guarding value.
func NewValue[T any](k *kernel.Kernel, value T) *Value[T] {
	runtimex.Assert(k != nil)
	return &Value[T]{mu: New(k), value: value}
}

// With runs fn with the value while th holds the mutex.
func (v *Value[T]) With(th *kernel.Thread, fn func(value T)) {
	v.mu.Lock(th)
	defer v.mu.Unlock(th)
	fn(v.value)
}

// Mutex returns the mutex guarding the value.
func (v *Value[T]) Mutex() *Mutex {
	return v.mu
}
