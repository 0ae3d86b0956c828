// SPDX-License-Identifier: GPL-3.0-or-later

// Package kernel models the thread primitives a unikernel scheduler
// offers to the network core: spawning threads with a priority and a
// core hint, blocking the current thread with an optional timeout,
// waking a thread by id, and yielding the processor.
//
// Threads are goroutines. Blocking parks the goroutine on a wakeup
// token channel; a wakeup issued before the matching block is
// remembered so it cannot be lost. Priorities are recorded for
// bookkeeping and inspection but do not influence the Go scheduler.
package kernel

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

// Priority is a scheduling priority. Higher values are more urgent.
type Priority uint8

// NumPriorities is the number of priority levels.
const NumPriorities = 31

// Well-known priorities.
const (
	LowPriority    Priority = 1
	NormalPriority Priority = 2
	HighPriority   Priority = 3
)

// Valid returns whether the priority is within range.
func (p Priority) Valid() bool {
	return p < NumPriorities
}

// Tid identifies a [*Thread].
type Tid uint32

// ErrInvalidPriority indicates a priority outside [0, NumPriorities).
var ErrInvalidPriority = errors.New("kernel: invalid priority")

// ErrNoSuchThread indicates that no thread has the given id.
var ErrNoSuchThread = errors.New("kernel: no such thread")

// Thread is a kernel thread.
type Thread struct {
	// core is the core affinity hint.
	core int

	// id is the thread id.
	id Tid

	// prio is the current priority.
	prio atomic.Uint32

	// wake holds at most one pending wakeup.
	wake chan struct{}
}

// ID returns the thread id.
func (th *Thread) ID() Tid {
	return th.id
}

// Core returns the core affinity hint given at spawn time.
func (th *Thread) Core() int {
	return th.core
}

// Priority returns the current priority.
func (th *Thread) Priority() Priority {
	return Priority(th.prio.Load())
}

// Kernel owns a set of threads.
//
// The zero value is invalid. Construct using [New].
type Kernel struct {
	// mu provides mutual exclusion.
	mu sync.RWMutex

	// next is the next thread id.
	next Tid

	// threads contains the live threads.
	threads map[Tid]*Thread

	// wg tracks spawned threads.
	wg sync.WaitGroup
}

// New creates a new [*Kernel].
func New() *Kernel {
	return &Kernel{
		next:    1,
		threads: make(map[Tid]*Thread),
	}
}

// newThread registers a new thread.
func (k *Kernel) newThread(prio Priority, core int) (*Thread, error) {
	if !prio.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidPriority, prio)
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	th := &Thread{
		core: core,
		id:   k.next,
		wake: make(chan struct{}, 1),
	}
	th.prio.Store(uint32(prio))
	k.next++
	k.threads[th.id] = th
	return th, nil
}

// exit unregisters a thread.
func (k *Kernel) exit(th *Thread) {
	k.mu.Lock()
	delete(k.threads, th.id)
	k.mu.Unlock()
}

// Spawn starts entry on a new thread.
//
// The context passed to entry carries the thread, see [FromContext].
func (k *Kernel) Spawn(ctx context.Context, entry func(ctx context.Context), prio Priority, core int) (*Thread, error) {
	th, err := k.newThread(prio, core)
	if err != nil {
		return nil, err
	}
	k.wg.Go(func() {
		defer k.exit(th)
		entry(WithThread(ctx, th))
	})
	return th, nil
}

// Adopt registers the calling goroutine as a thread.
//
// Call the returned function when the goroutine no longer acts as a thread.
func (k *Kernel) Adopt(prio Priority) (*Thread, func(), error) {
	th, err := k.newThread(prio, -1)
	if err != nil {
		return nil, nil, err
	}
	return th, func() { k.exit(th) }, nil
}

// Wait waits for all the spawned threads to return.
func (k *Kernel) Wait() {
	k.wg.Wait()
}

// Lookup returns the thread with the given id.
func (k *Kernel) Lookup(id Tid) (*Thread, bool) {
	k.mu.RLock()
	th, ok := k.threads[id]
	k.mu.RUnlock()
	return th, ok
}

// Priority returns the priority of the given thread.
func (k *Kernel) Priority(id Tid) (Priority, error) {
	th, ok := k.Lookup(id)
	if !ok {
		return 0, fmt.Errorf("%w: %d", ErrNoSuchThread, id)
	}
	return th.Priority(), nil
}

// SetPriority changes the priority of the given thread.
func (k *Kernel) SetPriority(id Tid, prio Priority) error {
	if !prio.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidPriority, prio)
	}
	th, ok := k.Lookup(id)
	if !ok {
		return fmt.Errorf("%w: %d", ErrNoSuchThread, id)
	}
	th.prio.Store(uint32(prio))
	return nil
}

// Wakeup makes the given thread runnable.
//
// A wakeup for a thread that is not blocked is remembered and consumed
// by its next block. Repeated wakeups collapse into one. Waking an
// unknown thread is a no-op.
func (k *Kernel) Wakeup(id Tid) {
	if th, ok := k.Lookup(id); ok {
		select {
		case th.wake <- struct{}{}:
		default:
		}
	}
}

// Block parks th until it is woken up.
func (k *Kernel) Block(th *Thread) {
	<-th.wake
}

// BlockTimeout parks th until it is woken up or timeout elapses and
// returns whether it was woken up.
func (k *Kernel) BlockTimeout(th *Thread, timeout time.Duration) bool {
	if timeout <= 0 {
		select {
		case <-th.wake:
			return true
		default:
			return false
		}
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-th.wake:
		return true
	case <-timer.C:
		return false
	}
}

// Yield gives up the processor.
func Yield() {
	runtime.Gosched()
}

// threadKey is the context key for the current thread.
type threadKey struct{}

// WithThread returns a copy of ctx carrying th.
func WithThread(ctx context.Context, th *Thread) context.Context {
	return context.WithValue(ctx, threadKey{}, th)
}

// FromContext returns the thread carried by ctx, if any.
func FromContext(ctx context.Context) (*Thread, bool) {
	th, ok := ctx.Value(threadKey{}).(*Thread)
	return th, ok
}
