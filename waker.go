// SPDX-License-Identifier: GPL-3.0-or-later

package uknet

import (
	"reflect"
	"sync/atomic"
	"time"

	"github.com/bassosimone/uknet/kernel"
)

// Waker reschedules a suspended computation.
type Waker interface {
	Wake()
}

// WakerFunc adapts a function to the [Waker] interface.
type WakerFunc func()

// Wake implements [Waker].
func (f WakerFunc) Wake() {
	f()
}

// WakerRegistration holds at most one [Waker].
//
// The zero value is ready to use.
type WakerRegistration struct {
	waker Waker
}

// Register stores w. A different waker stored before is woken so that
// its owner can register again if still interested.
func (r *WakerRegistration) Register(w Waker) {
	old := r.waker
	r.waker = w
	if old != nil && !sameWaker(old, w) {
		old.Wake()
	}
}

// sameWaker reports whether a and b are equal. Wakers of uncomparable
// types, such as [WakerFunc], are never equal.
func sameWaker(a, b Waker) bool {
	ta := reflect.TypeOf(a)
	return ta == reflect.TypeOf(b) && ta.Comparable() && a == b
}

// Wake wakes and forgets the stored waker, if any.
func (r *WakerRegistration) Wake() {
	if w := r.waker; w != nil {
		r.waker = nil
		w.Wake()
	}
}

// ThreadNotify is a [Waker] resuming a parked kernel thread.
//
// Construct using [NewThreadNotify].
type ThreadNotify struct {
	// k is the kernel owning thread.
	k *kernel.Kernel

	// thread is the thread to resume.
	thread *kernel.Thread

	// unparked remembers a wakeup until the next park.
	unparked atomic.Bool
}

// NewThreadNotify creates a [*ThreadNotify] for the given thread.
func NewThreadNotify(k *kernel.Kernel, thread *kernel.Thread) *ThreadNotify {
	return &ThreadNotify{k: k, thread: thread}
}

var _ Waker = &ThreadNotify{}

// Wake implements [Waker]. Only the first wakeup after a park
// resumes the thread.
func (tn *ThreadNotify) Wake() {
	if !tn.unparked.Swap(true) {
		tn.k.Wakeup(tn.thread.ID())
	}
}

// park blocks the thread for at most timeout unless a wakeup
// arrived since the previous park.
func (tn *ThreadNotify) park(timeout time.Duration) {
	if tn.unparked.Swap(false) {
		return
	}
	tn.k.BlockTimeout(tn.thread, timeout)
	tn.unparked.Store(false)
}
