// SPDX-License-Identifier: GPL-3.0-or-later

package shmring_test

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/bassosimone/uknet/netdev"
	"github.com/bassosimone/uknet/shmring"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}

// newTestPair returns both sides of a freshly allocated region.
func newTestPair(t *testing.T, doorbell shmring.Doorbell) (*shmring.Device, *shmring.Host) {
	region, err := shmring.AllocRegion()
	require.NoError(t, err)
	t.Cleanup(func() { region.Close() })
	device := shmring.NewDevice(region, testMAC, doorbell)
	return device, shmring.NewHost(region, device.Interrupt)
}

func TestDeviceCapabilities(t *testing.T) {
	device, _ := newTestPair(t, nil)
	caps := device.Capabilities()
	assert.Equal(t, shmring.MTU, caps.MaxTransmissionUnit)
	assert.Equal(t, testMAC, caps.HardwareAddr)
}

func TestDeviceReceive(t *testing.T) {
	t.Run("empty", func(t *testing.T) {
		device, _ := newTestPair(t, nil)
		_, _, ok := device.Receive()
		assert.False(t, ok)
	})

	t.Run("in_order", func(t *testing.T) {
		device, host := newTestPair(t, nil)
		for idx := range 3 {
			require.True(t, host.Push([]byte{byte(idx), 0xff}))
		}
		for idx := range 3 {
			rx, tx, ok := device.Receive()
			require.True(t, ok)
			require.NotNil(t, tx)
			frame, err := netdev.Collect(rx)
			require.NoError(t, err)
			assert.Equal(t, []byte{byte(idx), 0xff}, frame)
		}
		_, _, ok := device.Receive()
		assert.False(t, ok)
	})

	t.Run("wraps_around", func(t *testing.T) {
		device, host := newTestPair(t, nil)
		for idx := range 3 * shmring.QueueDepth {
			require.True(t, host.Push([]byte{byte(idx)}))
			rx, _, ok := device.Receive()
			require.True(t, ok)
			frame, err := netdev.Collect(rx)
			require.NoError(t, err)
			assert.Equal(t, []byte{byte(idx)}, frame)
		}
	})

	t.Run("host_queue_full", func(t *testing.T) {
		_, host := newTestPair(t, nil)
		for range shmring.QueueDepth {
			require.True(t, host.Push([]byte{0x01}))
		}
		assert.False(t, host.Push([]byte{0x01}))
	})

	t.Run("host_frame_too_large", func(t *testing.T) {
		_, host := newTestPair(t, nil)
		assert.False(t, host.Push(make([]byte, shmring.SlotDataLength+1)))
	})

	t.Run("interrupt", func(t *testing.T) {
		device, host := newTestPair(t, nil)
		var count int
		device.SetInterruptHandler(func() { count++ })
		require.True(t, host.Push([]byte{0x01}))
		device.SetInterruptHandler(nil)
		require.True(t, host.Push([]byte{0x02}))
		assert.Equal(t, 1, count)
	})
}

func TestDeviceTransmit(t *testing.T) {
	t.Run("rings_doorbell", func(t *testing.T) {
		var rings int
		device, host := newTestPair(t, shmring.DoorbellFunc(func() { rings++ }))
		tx, ok := device.Transmit()
		require.True(t, ok)
		require.NoError(t, netdev.Send(tx, []byte("hello")))
		assert.Equal(t, 1, rings)
		assert.Equal(t, 1, host.Pending())

		frame, ok := host.Pop()
		require.True(t, ok)
		assert.Equal(t, []byte("hello"), frame)
	})

	t.Run("drops_excess_without_corruption", func(t *testing.T) {
		device, host := newTestPair(t, nil)
		for idx := range shmring.QueueDepth {
			tx, _ := device.Transmit()
			require.NoError(t, netdev.Send(tx, []byte{byte(idx)}))
		}
		for range 4 {
			tx, _ := device.Transmit()
			err := netdev.Send(tx, []byte{0xee})
			require.ErrorIs(t, err, netdev.ErrDropped)
		}
		assert.Equal(t, uint64(4), device.Dropped())

		for idx := range shmring.QueueDepth {
			frame, ok := host.Pop()
			require.True(t, ok)
			assert.Equal(t, []byte{byte(idx)}, frame)
		}
		_, ok := host.Pop()
		assert.False(t, ok)
	})

	t.Run("callback_error", func(t *testing.T) {
		var rings int
		device, host := newTestPair(t, shmring.DoorbellFunc(func() { rings++ }))
		expected := errors.New("mocked error")
		tx, _ := device.Transmit()
		err := tx.Consume(10, func([]byte) error { return expected })
		require.ErrorIs(t, err, expected)
		assert.Zero(t, rings)
		assert.Zero(t, host.Pending())
	})

	t.Run("frame_too_large", func(t *testing.T) {
		device, _ := newTestPair(t, nil)
		tx, _ := device.Transmit()
		err := netdev.Send(tx, make([]byte, shmring.SlotDataLength+1))
		require.ErrorIs(t, err, netdev.ErrFrameTooLarge)
	})

	t.Run("reply_token", func(t *testing.T) {
		device, host := newTestPair(t, nil)
		require.True(t, host.Push([]byte("ping")))
		rx, tx, ok := device.Receive()
		require.True(t, ok)
		require.NoError(t, rx.Consume(func(frame []byte) error {
			return netdev.Send(tx, []byte("pong"))
		}))
		frame, ok := host.Pop()
		require.True(t, ok)
		assert.Equal(t, []byte("pong"), frame)
	})
}

func TestEventfdDoorbell(t *testing.T) {
	doorbell, err := shmring.NewEventfdDoorbell()
	require.NoError(t, err)
	defer doorbell.Close()
	assert.Positive(t, doorbell.Fd())

	_, err = doorbell.Wait(10 * time.Millisecond)
	require.ErrorIs(t, err, shmring.ErrDoorbellTimeout)

	device, _ := newTestPair(t, doorbell)
	for range 2 {
		tx, _ := device.Transmit()
		require.NoError(t, netdev.Send(tx, []byte{0x01}))
	}
	count, err := doorbell.Wait(time.Second)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), count)
}
