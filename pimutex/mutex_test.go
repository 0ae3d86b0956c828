// SPDX-License-Identifier: GPL-3.0-or-later

package pimutex_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/bassosimone/uknet/kernel"
	"github.com/bassosimone/uknet/pimutex"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/sync/errgroup"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// eventually polls cond until it holds or the test times out.
func eventually(t *testing.T, cond func() bool) {
	require.Eventually(t, cond, 5*time.Second, time.Millisecond)
}

func TestLockUnlock(t *testing.T) {
	k := kernel.New()
	th, done, err := k.Adopt(kernel.NormalPriority)
	require.NoError(t, err)
	defer done()

	m := pimutex.New(k)
	_, _, held := m.Holder()
	assert.False(t, held)

	m.Lock(th)
	owner, prio, held := m.Holder()
	assert.True(t, held)
	assert.Equal(t, th, owner)
	assert.Equal(t, kernel.NormalPriority, prio)

	assert.False(t, m.TryLock(th))
	m.Unlock(th)
	assert.True(t, m.TryLock(th))
	m.Unlock(th)
}

func TestUnlockPanics(t *testing.T) {
	k := kernel.New()
	a, doneA, err := k.Adopt(kernel.NormalPriority)
	require.NoError(t, err)
	defer doneA()
	b, doneB, err := k.Adopt(kernel.NormalPriority)
	require.NoError(t, err)
	defer doneB()

	m := pimutex.New(k)

	t.Run("unlocked", func(t *testing.T) {
		assert.Panics(t, func() { m.Unlock(a) })
	})

	t.Run("not_owner", func(t *testing.T) {
		m.Lock(a)
		defer m.Unlock(a)
		assert.Panics(t, func() { m.Unlock(b) })
	})
}

func TestTryLockDoesNotBoost(t *testing.T) {
	k := kernel.New()
	low, doneLow, err := k.Adopt(kernel.LowPriority)
	require.NoError(t, err)
	defer doneLow()
	high, doneHigh, err := k.Adopt(10)
	require.NoError(t, err)
	defer doneHigh()

	m := pimutex.New(k)
	m.Lock(low)
	assert.False(t, m.TryLock(high))
	assert.Equal(t, kernel.LowPriority, low.Priority())
	m.Unlock(low)
}

// This test reproduces the two-waiter inheritance scenario: a low
// priority holder, then a priority 5 and a priority 1 waiter.
func TestPriorityInheritance(t *testing.T) {
	k := kernel.New()
	holder, done, err := k.Adopt(kernel.LowPriority)
	require.NoError(t, err)
	defer done()

	m := pimutex.New(k)
	m.Lock(holder)

	var (
		order []kernel.Priority
		mu    sync.Mutex
	)
	contend := func(ctx context.Context) {
		th, _ := kernel.FromContext(ctx)
		m.Lock(th)
		mu.Lock()
		order = append(order, th.Priority())
		mu.Unlock()
		m.Unlock(th)
	}

	ctx := context.Background()
	_, err = k.Spawn(ctx, contend, 5, 0)
	require.NoError(t, err)
	eventually(t, func() bool { return m.Waiters() == 1 })

	_, err = k.Spawn(ctx, contend, kernel.LowPriority, 0)
	require.NoError(t, err)
	eventually(t, func() bool { return m.Waiters() == 2 })

	_, prio, _ := m.Holder()
	assert.Equal(t, kernel.Priority(5), prio)
	assert.Equal(t, kernel.Priority(5), holder.Priority())

	m.Unlock(holder)
	assert.Equal(t, kernel.LowPriority, holder.Priority())
	k.Wait()

	assert.Equal(t, []kernel.Priority{5, kernel.LowPriority}, order)
}

func TestContention(t *testing.T) {
	k := kernel.New()
	m := pimutex.New(k)
	var counter int

	const workers, rounds = 8, 500
	var group errgroup.Group
	for idx := range workers {
		group.Go(func() error {
			th, done, err := k.Adopt(kernel.Priority(1 + idx%4))
			if err != nil {
				return err
			}
			defer done()
			for range rounds {
				m.Lock(th)
				counter++
				m.Unlock(th)
			}
			return nil
		})
	}
	require.NoError(t, group.Wait())
	assert.Equal(t, workers*rounds, counter)
	assert.Zero(t, m.Waiters())
}

func TestValue(t *testing.T) {
	k := kernel.New()
	th, done, err := k.Adopt(kernel.NormalPriority)
	require.NoError(t, err)
	defer done()

	v := pimutex.NewValue(k, &[]int{})
	v.With(th, func(s *[]int) {
		_, _, held := v.Mutex().Holder()
		assert.True(t, held)
		*s = append(*s, 1)
	})
	v.With(th, func(s *[]int) {
		assert.Equal(t, []int{1}, *s)
	})
	_, _, held := v.Mutex().Holder()
	assert.False(t, held)
}
