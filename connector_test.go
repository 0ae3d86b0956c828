// SPDX-License-Identifier: GPL-3.0-or-later

package uknet_test

import (
	"context"
	"errors"
	"syscall"
	"testing"
	"time"

	"github.com/bassosimone/uknet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnectorDialContextRejectsDomain(t *testing.T) {
	p := newShmringNetworkPair(t)
	connector := uknet.NewConnector(p.client)
	_, err := connector.DialContext(context.Background(), "tcp", "example.com:80")
	require.Error(t, err)
}

func TestConnectorDialContextRejectsUnknownNetwork(t *testing.T) {
	p := newShmringNetworkPair(t)
	connector := uknet.NewConnector(p.client)
	for _, network := range []string{"udp", "tcp6", "unix"} {
		_, err := connector.DialContext(context.Background(), network, "10.0.5.2:80")
		require.Error(t, err)
		assert.True(t, errors.Is(err, syscall.EPROTOTYPE))
	}
}

func TestConnectorDialContextRefused(t *testing.T) {
	p := newShmringNetworkPair(t)
	connector := uknet.NewConnector(p.client)
	_, err := connector.DialContext(context.Background(), "tcp", "10.0.5.2:80")
	require.Error(t, err)
	assert.True(t, errors.Is(err, uknet.ErrUnaddressable))
}

func TestConnectorDialContextDeadline(t *testing.T) {
	p := newShmringNetworkPair(t)
	connector := uknet.NewConnector(p.client)

	t.Run("expired", func(t *testing.T) {
		ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
		defer cancel()
		_, err := connector.DialContext(ctx, "tcp", "10.0.5.2:80")
		assert.ErrorIs(t, err, uknet.ErrTimeout)
	})

	t.Run("unresponsive_host", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		defer cancel()
		_, err := connector.DialContext(ctx, "tcp", "10.0.5.77:80")
		require.Error(t, err)
		assert.True(t, errors.Is(err, uknet.ErrTimeout) || errors.Is(err, context.DeadlineExceeded))
	})
}
