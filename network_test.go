// SPDX-License-Identifier: GPL-3.0-or-later

package uknet_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/netip"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bassosimone/uknet"
	"github.com/bassosimone/uknet/kernel"
	"github.com/bassosimone/uknet/netdev"
	"github.com/bassosimone/uknet/shmring"
	"github.com/bassosimone/uknet/virtio"
	"github.com/bassosimone/uknet/virtio/virtiotest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

// networkPair contains a client and a server [*uknet.Network].
type networkPair struct {
	client *uknet.Network
	k      *kernel.Kernel
	server *uknet.Network
}

// newShmringDevices returns two devices attached to a running switch.
func newShmringDevices(t *testing.T) (netdev.Device, netdev.Device) {
	sw := shmring.NewSwitch()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		sw.Run(ctx, nil)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		require.NoError(t, sw.Close())
	})
	client, err := sw.NewDevice(testClientMAC)
	require.NoError(t, err)
	server, err := sw.NewDevice(testServerMAC)
	require.NoError(t, err)
	return client, server
}

// newVirtioDevices returns two virtio drivers whose devices are back to back.
func newVirtioDevices(t *testing.T) (netdev.Device, netdev.Device) {
	newDevice := func(mac net.HardwareAddr) (*virtio.Device, *virtiotest.Device) {
		hw := virtiotest.NewDevice(virtiotest.NewConfig(mac))
		drv, err := virtio.New(hw, hw.Arena)
		require.NoError(t, err)
		hw.SetIRQ(drv.Interrupt)
		return drv, hw
	}
	client, clientHW := newDevice(testClientMAC)
	server, serverHW := newDevice(testServerMAC)
	virtiotest.Connect(clientHW, serverHW)
	return client, server
}

func newNetworkPair(t *testing.T, client, server netdev.Device, options ...uknet.ConfigOption) *networkPair {
	k := kernel.New()
	ctx := context.Background()
	cn, err := uknet.Init(ctx, k, client, testConfig(testClientAddr, options...))
	require.NoError(t, err)
	sn, err := uknet.Init(ctx, k, server, testConfig(testServerAddr, options...))
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, cn.Close())
		require.NoError(t, sn.Close())
		k.Wait()
	})
	return &networkPair{client: cn, k: k, server: sn}
}

func newShmringNetworkPair(t *testing.T, options ...uknet.ConfigOption) *networkPair {
	client, server := newShmringDevices(t)
	return newNetworkPair(t, client, server, options...)
}

// readAll reads from h until the end of the stream.
func readAll(ctx context.Context, n *uknet.Network, h uknet.Handle) ([]byte, error) {
	var out bytes.Buffer
	buf := make([]byte, 4096)
	for {
		count, err := n.Read(ctx, h, buf)
		out.Write(buf[:count])
		if errors.Is(err, io.EOF) {
			return out.Bytes(), nil
		}
		if err != nil {
			return out.Bytes(), err
		}
	}
}

// testEchoOnce runs a server echoing one message and checks the reply.
func testEchoOnce(t *testing.T, p *networkPair) {
	ctx := context.Background()
	require.NoError(t, p.server.ListenPort(ctx, 7))

	eg := &errgroup.Group{}
	eg.Go(func() error {
		h, _, err := p.server.Accept(ctx, 7)
		if err != nil {
			return err
		}
		defer p.server.CloseSocket(ctx, h)
		data, err := readAll(ctx, p.server, h)
		if err != nil {
			return err
		}
		_, err = p.server.Write(ctx, h, data)
		return err
	})

	h, err := p.client.Connect(ctx, []byte(testServerAddr.String()), 7, 0)
	require.NoError(t, err)
	count, err := p.client.Write(ctx, h, []byte("Hello, world!\n"))
	require.NoError(t, err)
	assert.Equal(t, 14, count)
	require.NoError(t, p.client.CloseWrite(ctx, h))

	reply, err := readAll(ctx, p.client, h)
	require.NoError(t, err)
	assert.Equal(t, "Hello, world!\n", string(reply))
	require.NoError(t, p.client.CloseSocket(ctx, h))
	require.NoError(t, eg.Wait())
}

func TestNetworkEcho(t *testing.T) {
	t.Run("shmring", func(t *testing.T) {
		testEchoOnce(t, newShmringNetworkPair(t))
	})

	t.Run("virtio", func(t *testing.T) {
		client, server := newVirtioDevices(t)
		testEchoOnce(t, newNetworkPair(t, client, server))
	})
}

func TestNetworkBulkTransfer(t *testing.T) {
	p := newShmringNetworkPair(t)
	ctx := context.Background()
	require.NoError(t, p.server.ListenPort(ctx, 5201))

	payload := make([]byte, 1<<20)
	for idx := range payload {
		payload[idx] = byte(idx * 7)
	}

	var received []byte
	eg := &errgroup.Group{}
	eg.Go(func() error {
		h, peer, err := p.server.Accept(ctx, 5201)
		if err != nil {
			return err
		}
		if peer.Addr() != testClientAddr {
			return errors.New("unexpected peer address")
		}
		received, err = readAll(ctx, p.server, h)
		if err != nil {
			return err
		}
		return p.server.CloseSocket(ctx, h)
	})

	h, err := p.client.ConnectAddr(ctx, netip.AddrPortFrom(testServerAddr, 5201), 0)
	require.NoError(t, err)
	count, err := p.client.Write(ctx, h, payload)
	require.NoError(t, err)
	assert.Equal(t, len(payload), count)
	require.NoError(t, p.client.CloseSocket(ctx, h))

	require.NoError(t, eg.Wait())
	assert.True(t, bytes.Equal(payload, received))
}

func TestNetworkConnectFailures(t *testing.T) {
	p := newShmringNetworkPair(t)
	ctx := context.Background()

	t.Run("malformed_address", func(t *testing.T) {
		for _, text := range []string{"", "10.0.5", "example.com", "::1", "0.0.0.0", "239.1.1.1"} {
			_, err := p.client.Connect(ctx, []byte(text), 80, 0)
			assert.ErrorIs(t, err, uknet.ErrIllegal, text)
		}
	})

	t.Run("refused", func(t *testing.T) {
		_, err := p.client.Connect(ctx, []byte(testServerAddr.String()), 81, 0)
		assert.ErrorIs(t, err, uknet.ErrUnaddressable)
	})

	t.Run("timeout", func(t *testing.T) {
		t0 := time.Now()
		_, err := p.client.Connect(ctx, []byte("10.0.5.99"), 80, 200*time.Millisecond)
		assert.ErrorIs(t, err, uknet.ErrTimeout)
		assert.ErrorIs(t, err, os.ErrDeadlineExceeded)
		assert.Less(t, time.Since(t0), 5*time.Second)
	})

	t.Run("cancelled", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
		defer cancel()
		_, err := p.client.Connect(ctx, []byte("10.0.5.99"), 80, 0)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

func TestNetworkAcceptCancelled(t *testing.T) {
	p := newShmringNetworkPair(t)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, _, err := p.server.Accept(ctx, 8000)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// the network keeps working afterwards
	testEchoOnce(t, p)
}

func TestNetworkCloseSemantics(t *testing.T) {
	p := newShmringNetworkPair(t)
	ctx := context.Background()
	require.NoError(t, p.server.ListenPort(ctx, 9000))

	accepted := make(chan uknet.Handle, 1)
	eg := &errgroup.Group{}
	eg.Go(func() error {
		h, _, err := p.server.Accept(ctx, 9000)
		accepted <- h
		return err
	})

	h, err := p.client.Connect(ctx, []byte(testServerAddr.String()), 9000, 0)
	require.NoError(t, err)
	require.NoError(t, eg.Wait())
	hs := <-accepted

	t.Run("peer_addr", func(t *testing.T) {
		addr, err := p.client.PeerAddr(ctx, h)
		require.NoError(t, err)
		assert.Equal(t, netip.AddrPortFrom(testServerAddr, 9000), addr)
	})

	t.Run("shutdown_read_is_noop", func(t *testing.T) {
		require.NoError(t, p.client.Shutdown(ctx, h, uknet.ShutdownRead))
		_, err := p.client.PeerAddr(ctx, h)
		require.NoError(t, err)
	})

	t.Run("shutdown_invalid", func(t *testing.T) {
		err := p.client.Shutdown(ctx, h, uknet.ShutdownHow(17))
		assert.ErrorIs(t, err, uknet.ErrIllegal)
	})

	t.Run("write_after_peer_close", func(t *testing.T) {
		require.NoError(t, p.server.CloseSocket(ctx, hs))
		data, err := readAll(ctx, p.client, h)
		require.NoError(t, err)
		assert.Empty(t, data)

		chunk := make([]byte, 65536)
		var werr error
		for range 64 {
			if _, werr = p.client.WriteWithTimeout(ctx, h, chunk, time.Second); werr != nil {
				break
			}
			time.Sleep(10 * time.Millisecond)
		}
		assert.Error(t, werr)
	})

	t.Run("shutdown_both_closes", func(t *testing.T) {
		require.NoError(t, p.client.Shutdown(ctx, h, uknet.ShutdownBoth))
		require.NoError(t, p.client.CloseSocket(ctx, h))
		_, err := p.client.Read(ctx, h, make([]byte, 4))
		assert.ErrorIs(t, err, uknet.ErrIllegal)
		assert.ErrorIs(t, err, net.ErrClosed)
	})
}

func TestNetworkUnsupported(t *testing.T) {
	p := newShmringNetworkPair(t)
	n := p.client
	assert.ErrorIs(t, n.SetReadTimeout(0, time.Second), uknet.ErrUnsupported)
	_, err := n.ReadTimeout(0)
	assert.ErrorIs(t, err, uknet.ErrUnsupported)
	assert.ErrorIs(t, n.SetWriteTimeout(0, time.Second), uknet.ErrUnsupported)
	_, err = n.WriteTimeout(0)
	assert.ErrorIs(t, err, uknet.ErrUnsupported)
	_, err = n.Duplicate(0)
	assert.ErrorIs(t, err, uknet.ErrUnsupported)
	_, err = n.Peek(0, make([]byte, 1))
	assert.ErrorIs(t, err, uknet.ErrUnsupported)
	assert.ErrorIs(t, n.SetNonblocking(0, true), uknet.ErrUnsupported)
	assert.ErrorIs(t, n.SetTTL(0, 64), uknet.ErrUnsupported)
	_, err = n.TTL(0)
	assert.ErrorIs(t, err, uknet.ErrUnsupported)
}

func TestNetworkSocketCallsOnKernelThread(t *testing.T) {
	p := newShmringNetworkPair(t)
	done := make(chan error, 1)
	_, err := p.k.Spawn(context.Background(), func(ctx context.Context) {
		_, err := p.client.Connect(ctx, []byte(testServerAddr.String()), 82, 0)
		done <- err
	}, kernel.LowPriority, 1)
	require.NoError(t, err)
	assert.ErrorIs(t, <-done, uknet.ErrUnaddressable)
}

func TestNetworkClose(t *testing.T) {
	client, server := newShmringDevices(t)
	k := kernel.New()
	n, err := uknet.Init(context.Background(), k, client, nil)
	require.NoError(t, err)
	require.NoError(t, n.Close())
	require.NoError(t, n.Close())
	k.Wait()

	_, err = uknet.Init(context.Background(), k, server, uknet.NewConfig(func(cfg *uknet.Config) {
		cfg.Netmask = netip.MustParseAddr("255.0.255.0")
	}))
	assert.ErrorIs(t, err, uknet.ErrIllegal)
}

func TestNetworkConnectTimeoutReleasesHandle(t *testing.T) {
	p := newShmringNetworkPair(t)
	ctx := context.Background()
	require.NoError(t, p.server.ListenPort(ctx, 9100))

	live, err := p.client.Connect(ctx, []byte(testServerAddr.String()), 9100, 0)
	require.NoError(t, err)
	require.Equal(t, uknet.Handle(0), live)

	h, err := p.client.Connect(ctx, []byte("10.0.5.99"), 80, 100*time.Millisecond)
	assert.ErrorIs(t, err, uknet.ErrTimeout)
	assert.Equal(t, uknet.Handle(-1), h)

	// the abandoned socket is closed and its wait forgotten
	assert.Eventually(t, func() bool {
		stats := p.client.Stats()
		return stats.Sockets == 2 && stats.Waits == 0
	}, 5*time.Second, 10*time.Millisecond)

	addr, err := p.client.PeerAddr(ctx, live)
	require.NoError(t, err)
	assert.Equal(t, netip.AddrPortFrom(testServerAddr, 9100), addr)
	require.NoError(t, p.client.CloseSocket(ctx, live))
}

// droppingTxToken is a [netdev.TxToken] for a full ring.
type droppingTxToken struct{}

func (droppingTxToken) Consume(length int, fn func(frame []byte) error) error {
	return netdev.ErrDropped
}

// fullDevice is a [netdev.Device] whose transmit ring never has room.
type fullDevice struct {
	transmits atomic.Int64
}

func (d *fullDevice) Capabilities() netdev.Capabilities {
	return netdev.Capabilities{MaxTransmissionUnit: netdev.MTUEthernet, HardwareAddr: testClientMAC}
}

func (d *fullDevice) Receive() (netdev.RxToken, netdev.TxToken, bool) {
	return nil, nil, false
}

func (d *fullDevice) Transmit() (netdev.TxToken, bool) {
	d.transmits.Add(1)
	return droppingTxToken{}, true
}

func TestNetworkParksWhileDeviceFull(t *testing.T) {
	dev := &fullDevice{}
	k := kernel.New()
	n, err := uknet.Init(context.Background(), k, dev, testConfig(testClientAddr))
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, n.Close())
		k.Wait()
	})

	// the ARP request for the peer stays queued for the whole connect
	_, err = n.Connect(context.Background(), []byte(testServerAddr.String()), 80, 500*time.Millisecond)
	assert.ErrorIs(t, err, uknet.ErrTimeout)

	// one attempt per park threshold, not a busy loop
	assert.Less(t, dev.transmits.Load(), int64(5000))
	assert.Positive(t, dev.transmits.Load())
}

func TestNetworkWriteAcrossSuspensions(t *testing.T) {
	p := newShmringNetworkPair(t, uknet.ConfigOptionSocketBufferSize(4096))
	ctx := context.Background()
	require.NoError(t, p.server.ListenPort(ctx, 9200))

	t.Run("writes_everything", func(t *testing.T) {
		payload := bytes.Repeat([]byte("0123456789abcdef"), 16384)
		var received []byte
		eg := &errgroup.Group{}
		eg.Go(func() error {
			h, _, err := p.server.Accept(ctx, 9200)
			if err != nil {
				return err
			}
			if received, err = readAll(ctx, p.server, h); err != nil {
				return err
			}
			return p.server.CloseSocket(ctx, h)
		})

		h, err := p.client.Connect(ctx, []byte(testServerAddr.String()), 9200, 0)
		require.NoError(t, err)
		count, err := p.client.Write(ctx, h, payload)
		require.NoError(t, err)
		assert.Equal(t, len(payload), count)
		require.NoError(t, p.client.CloseSocket(ctx, h))
		require.NoError(t, eg.Wait())
		assert.True(t, bytes.Equal(payload, received))
	})

	t.Run("peer_closes_mid_transfer", func(t *testing.T) {
		accepted := make(chan uknet.Handle, 1)
		eg := &errgroup.Group{}
		eg.Go(func() error {
			h, _, err := p.server.Accept(ctx, 9200)
			accepted <- h
			return err
		})
		h, err := p.client.Connect(ctx, []byte(testServerAddr.String()), 9200, 0)
		require.NoError(t, err)
		require.NoError(t, eg.Wait())
		hs := <-accepted

		type result struct {
			count int
			err   error
		}
		payload := make([]byte, 1<<20)
		done := make(chan result, 1)
		go func() {
			count, err := p.client.Write(ctx, h, payload)
			done <- result{count, err}
		}()

		// the server never reads, so the writer fills the window and waits
		time.Sleep(200 * time.Millisecond)
		require.NoError(t, p.server.CloseSocket(ctx, hs))

		select {
		case res := <-done:
			require.NoError(t, res.err)
			assert.Positive(t, res.count)
			assert.Less(t, res.count, len(payload))
		case <-time.After(10 * time.Second):
			t.Fatal("write did not return after the peer closed")
		}
		require.NoError(t, p.client.CloseSocket(ctx, h))
	})
}
