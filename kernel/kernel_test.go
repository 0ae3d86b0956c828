// SPDX-License-Identifier: GPL-3.0-or-later

package kernel_test

import (
	"context"
	"testing"
	"time"

	"github.com/bassosimone/uknet/kernel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestSpawn(t *testing.T) {
	k := kernel.New()
	ran := make(chan kernel.Tid, 1)
	th, err := k.Spawn(context.Background(), func(ctx context.Context) {
		self, ok := kernel.FromContext(ctx)
		assert.True(t, ok)
		ran <- self.ID()
	}, kernel.HighPriority, 2)
	require.NoError(t, err)
	k.Wait()

	assert.Equal(t, th.ID(), <-ran)
	assert.Equal(t, 2, th.Core())
	assert.Equal(t, kernel.HighPriority, th.Priority())
	_, found := k.Lookup(th.ID())
	assert.False(t, found)
}

func TestSpawnInvalidPriority(t *testing.T) {
	k := kernel.New()
	_, err := k.Spawn(context.Background(), func(context.Context) {}, kernel.NumPriorities, 0)
	require.ErrorIs(t, err, kernel.ErrInvalidPriority)
}

func TestFromContextMissing(t *testing.T) {
	_, ok := kernel.FromContext(context.Background())
	assert.False(t, ok)
}

func TestPriorities(t *testing.T) {
	k := kernel.New()
	th, done, err := k.Adopt(kernel.LowPriority)
	require.NoError(t, err)
	defer done()

	prio, err := k.Priority(th.ID())
	require.NoError(t, err)
	assert.Equal(t, kernel.LowPriority, prio)

	require.NoError(t, k.SetPriority(th.ID(), 5))
	assert.Equal(t, kernel.Priority(5), th.Priority())

	require.ErrorIs(t, k.SetPriority(th.ID(), 200), kernel.ErrInvalidPriority)
	require.ErrorIs(t, k.SetPriority(9999, 1), kernel.ErrNoSuchThread)
	_, err = k.Priority(9999)
	require.ErrorIs(t, err, kernel.ErrNoSuchThread)
}

func TestWakeupBeforeBlockIsRemembered(t *testing.T) {
	k := kernel.New()
	th, done, err := k.Adopt(kernel.NormalPriority)
	require.NoError(t, err)
	defer done()

	k.Wakeup(th.ID())
	k.Wakeup(th.ID())
	k.Block(th)
	assert.False(t, k.BlockTimeout(th, 0))
}

func TestBlockTimeout(t *testing.T) {
	k := kernel.New()
	th, done, err := k.Adopt(kernel.NormalPriority)
	require.NoError(t, err)
	defer done()

	t.Run("expires", func(t *testing.T) {
		start := time.Now()
		assert.False(t, k.BlockTimeout(th, 20*time.Millisecond))
		assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
	})

	t.Run("woken", func(t *testing.T) {
		go func() {
			time.Sleep(10 * time.Millisecond)
			k.Wakeup(th.ID())
		}()
		assert.True(t, k.BlockTimeout(th, 10*time.Second))
	})

	t.Run("unknown_thread", func(t *testing.T) {
		require.NotPanics(t, func() { k.Wakeup(9999) })
	})
}

func TestYield(t *testing.T) {
	require.NotPanics(t, kernel.Yield)
}
