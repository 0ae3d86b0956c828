// SPDX-License-Identifier: GPL-3.0-or-later

package netdev_test

import (
	"errors"
	"testing"

	"github.com/bassosimone/uknet/netdev"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCapabilitiesMaxFrameLength(t *testing.T) {
	caps := netdev.Capabilities{MaxTransmissionUnit: 1500}
	assert.Equal(t, 1514, caps.MaxFrameLength())
}

func TestSendCopiesIntoSlot(t *testing.T) {
	slot := make([]byte, 64)
	var reserved int
	tx := netdev.TxFunc(func(length int, fn func([]byte) error) error {
		reserved = length
		return fn(slot[:length])
	})

	require.NoError(t, netdev.Send(tx, []byte("abcd")))
	assert.Equal(t, 4, reserved)
	assert.Equal(t, []byte("abcd"), slot[:4])
}

func TestSendPropagatesDrop(t *testing.T) {
	tx := netdev.TxFunc(func(length int, fn func([]byte) error) error {
		return netdev.ErrDropped
	})
	err := netdev.Send(tx, []byte{0x01})
	require.ErrorIs(t, err, netdev.ErrDropped)
}

func TestCollect(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		frame := []byte{1, 2, 3}
		rx := netdev.RxFunc(func(fn func([]byte) error) error {
			return fn(frame)
		})
		out, err := netdev.Collect(rx)
		require.NoError(t, err)
		assert.Equal(t, frame, out)

		out[0] = 9
		assert.Equal(t, byte(1), frame[0])
	})

	t.Run("failure", func(t *testing.T) {
		expected := errors.New("mocked error")
		rx := netdev.RxFunc(func(fn func([]byte) error) error {
			return expected
		})
		_, err := netdev.Collect(rx)
		require.ErrorIs(t, err, expected)
	})
}
