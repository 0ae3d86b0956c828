// SPDX-License-Identifier: GPL-3.0-or-later

package uknet

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bassosimone/uknet/kernel"
	"github.com/eapache/queue"
)

// PollContext is passed to [Future.Poll].
type PollContext struct {
	// Waker reschedules the computation polling the future.
	Waker Waker

	// Thread is the kernel thread running the poll.
	Thread *kernel.Thread
}

// Future is a computation that may need several polls to complete.
//
// A Poll returning not ready must have arranged for pc.Waker to be
// woken once polling again may make progress.
type Future[T any] interface {
	Poll(pc *PollContext) (ready bool, value T, err error)
}

// FutureFunc adapts a function to the [Future] interface.
type FutureFunc[T any] func(pc *PollContext) (bool, T, error)

// Poll implements [Future].
func (f FutureFunc[T]) Poll(pc *PollContext) (bool, T, error) {
	return f(pc)
}

// runnable is a task as seen by the [*Executor].
type runnable interface {
	run(th *kernel.Thread)
}

// Executor holds the tasks ready to be resumed.
//
// Construct using [NewExecutor].
type Executor struct {
	// mu provides mutual exclusion for ready.
	mu sync.Mutex

	// notify is invoked when a task becomes ready.
	notify func()

	// ready contains the runnable tasks in FIFO order.
	ready *queue.Queue
}

// NewExecutor creates a new [*Executor].
//
// The notify function, if not nil, is invoked whenever a task becomes
// ready, so that the owner can call [*Executor.RunOnce] soon.
func NewExecutor(notify func()) *Executor {
	if notify == nil {
		notify = func() {}
	}
	return &Executor{notify: notify, ready: queue.New()}
}

// schedule enqueues r and notifies the owner.
func (e *Executor) schedule(r runnable) {
	e.mu.Lock()
	e.ready.Add(r)
	e.mu.Unlock()
	e.notify()
}

// Len returns the number of ready tasks.
func (e *Executor) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ready.Length()
}

// RunOnce resumes the tasks that were ready when it was called on th and
// returns how many it resumed. Tasks becoming ready meanwhile wait for
// the next call.
func (e *Executor) RunOnce(th *kernel.Thread) int {
	e.mu.Lock()
	count := e.ready.Length()
	e.mu.Unlock()
	for idx := 0; idx < count; idx++ {
		e.mu.Lock()
		r := e.ready.Remove().(runnable)
		e.mu.Unlock()
		r.run(th)
	}
	return count
}

// Task is a [Future] driven by an [*Executor].
//
// Construct using [Spawn].
type Task[T any] struct {
	done     chan struct{}
	err      error
	exec     *Executor
	finished bool
	fut      Future[T]

	// mu serializes polls of fut.
	mu sync.Mutex

	scheduled atomic.Bool
	value     T
}

// Spawn schedules fut on e and returns the corresponding task.
func Spawn[T any](e *Executor, fut Future[T]) *Task[T] {
	t := &Task[T]{
		done: make(chan struct{}),
		exec: e,
		fut:  fut,
	}
	t.scheduled.Store(true)
	e.schedule(t)
	return t
}

var _ Waker = &Task[int]{}

// Wake implements [Waker]. A task is queued at most once.
func (t *Task[T]) Wake() {
	if !t.scheduled.Swap(true) {
		t.exec.schedule(t)
	}
}

// run implements runnable.
func (t *Task[T]) run(th *kernel.Thread) {
	t.scheduled.Store(false)
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.finished {
		return
	}
	ready, value, err := t.fut.Poll(&PollContext{Waker: t, Thread: th})
	if !ready {
		return
	}
	t.finished = true
	t.value, t.err = value, err
	close(t.done)
}

// Done returns a channel closed when the task completes.
func (t *Task[T]) Done() <-chan struct{} {
	return t.done
}

// Wait waits for the task to complete or for ctx to be done.
func (t *Task[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-t.done:
		return t.value, t.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// BlockOn polls fut on the calling thread until it is ready.
//
// The thread is taken from ctx (see [kernel.FromContext]); a goroutine
// that is not a kernel thread is adopted for the duration of the call.
// Between polls, BlockOn resumes the ready tasks and parks the thread
// until it is woken or the network engine needs to run again.
//
// A positive timeout bounds the whole call: on expiry BlockOn returns
// [ErrTimeout] and leaves whatever fut already did in place.
func BlockOn[T any](ctx context.Context, n *Network, fut Future[T], timeout time.Duration) (T, error) {
	var zero T

	// 1. obtain the kernel thread running the loop
	th, ok := kernel.FromContext(ctx)
	if !ok {
		adopted, release, err := n.k.Adopt(kernel.NormalPriority)
		if err != nil {
			return zero, err
		}
		defer release()
		th = adopted
	}

	// 2. arrange for wakeups and cancellation to unpark the thread
	tn := NewThreadNotify(n.k, th)
	stop := context.AfterFunc(ctx, tn.Wake)
	defer stop()

	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	pc := &PollContext{Waker: tn, Thread: th}

	for {
		// 3. poll and return when ready
		ready, value, err := fut.Poll(pc)
		if ready {
			return value, err
		}

		// 4. honour cancellation and the deadline
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		now := time.Now()
		if !deadline.IsZero() && !now.Before(deadline) {
			return zero, ErrTimeout
		}

		// 5. give the other tasks a chance and decide how long to park
		n.exec.RunOnce(th)
		delay := n.pollDelay(th)
		if !deadline.IsZero() {
			delay = min(delay, deadline.Sub(now))
		}
		if delay > 0 && delay >= n.cfg.ParkThreshold {
			tn.park(delay)
			continue
		}
		kernel.Yield()
	}
}
