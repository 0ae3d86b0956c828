// SPDX-License-Identifier: GPL-3.0-or-later

package uknet_test

import (
	"context"
	"errors"
	"net"
	"syscall"
	"testing"
	"time"

	"github.com/bassosimone/uknet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListenConfigListenRejectsUnknownNetwork(t *testing.T) {
	p := newShmringNetworkPair(t)
	listenCfg := uknet.NewListenConfig(p.server)
	_, err := listenCfg.Listen(context.Background(), "udp", "10.0.5.2:80")
	require.Error(t, err)
	assert.True(t, errors.Is(err, syscall.EPROTOTYPE))
}

func TestListenConfigListenRejectsDomain(t *testing.T) {
	p := newShmringNetworkPair(t)
	listenCfg := uknet.NewListenConfig(p.server)
	_, err := listenCfg.Listen(context.Background(), "tcp", "example.com:80")
	require.Error(t, err)
}

func TestListenConfigListenRejectsForeignAddress(t *testing.T) {
	p := newShmringNetworkPair(t)
	listenCfg := uknet.NewListenConfig(p.server)
	_, err := listenCfg.Listen(context.Background(), "tcp", "10.0.5.3:80")
	require.Error(t, err)
	assert.True(t, errors.Is(err, syscall.EADDRNOTAVAIL))

	_, err = listenCfg.Listen(context.Background(), "tcp", "10.0.5.2:0")
	assert.ErrorIs(t, err, uknet.ErrUnsupported)
}

func TestListenConfigListenAcceptsUnspecified(t *testing.T) {
	p := newShmringNetworkPair(t)
	listenCfg := uknet.NewListenConfig(p.server)
	ln, err := listenCfg.Listen(context.Background(), "tcp", "0.0.0.0:8080")
	require.NoError(t, err)
	defer ln.Close()
	assert.Equal(t, "10.0.5.2:8080", ln.Addr().String())
}

func TestListenerCloseInterruptsAccept(t *testing.T) {
	p := newShmringNetworkPair(t)
	listenCfg := uknet.NewListenConfig(p.server)
	ln, err := listenCfg.Listen(context.Background(), "tcp", "10.0.5.2:8080")
	require.NoError(t, err)

	errch := make(chan error, 1)
	go func() {
		_, err := ln.Accept()
		errch <- err
	}()
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, ln.Close())
	require.NoError(t, ln.Close())
	assert.ErrorIs(t, <-errch, net.ErrClosed)

	// connecting after close is refused
	connector := uknet.NewConnector(p.client)
	_, err = connector.DialContext(context.Background(), "tcp", "10.0.5.2:8080")
	assert.ErrorIs(t, err, uknet.ErrUnaddressable)
}

func TestListenerServesSeveralClients(t *testing.T) {
	p := newShmringNetworkPair(t)
	ctx := context.Background()
	ln, err := uknet.NewListenConfig(p.server).Listen(ctx, "tcp", "10.0.5.2:8080")
	require.NoError(t, err)
	defer ln.Close()

	connector := uknet.NewConnector(p.client)
	const clients = 3
	var conns []net.Conn
	for range clients {
		conn, err := connector.DialContext(ctx, "tcp", "10.0.5.2:8080")
		require.NoError(t, err)
		defer conn.Close()
		conns = append(conns, conn)
	}
	for range clients {
		conn, err := ln.Accept()
		require.NoError(t, err)
		_ = conn.Close()
	}
}
