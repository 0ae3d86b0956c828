// SPDX-License-Identifier: GPL-3.0-or-later

// Command uknet-bench measures the TCP throughput between two networks
// attached to a simulated host.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/netip"
	"os"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/bassosimone/runtimex"
	"github.com/bassosimone/uknet"
	"github.com/bassosimone/uknet/kernel"
	"github.com/bassosimone/uknet/netdev"
	"github.com/bassosimone/uknet/shmring"
	"github.com/bassosimone/uknet/virtio"
	"github.com/bassosimone/uknet/virtio/virtiotest"
	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"
	"gvisor.dev/gvisor/pkg/log"
)

var (
	// args contains the command line arguments (overridable in tests).
	args = os.Args

	// output is the writer for benchmark output (overridable in tests).
	output io.Writer = os.Stdout
)

var (
	clientMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x03}
	serverMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x02}
)

// testbed contains the devices attached to the simulated host.
type testbed struct {
	// client and server are the devices.
	client, server netdev.Device

	// clientOptions contains extra options for the client network.
	clientOptions []uknet.ConfigOption

	// close releases the host resources.
	close func() error
}

// newShmringTestbed attaches two shared-ring devices to a switch that
// forwards frames until close is called.
func newShmringTestbed(trace *uknet.PcapTrace) *testbed {
	sw := shmring.NewSwitch(shmring.SwitchOptionMaxInflight(4096))
	var tap func([]byte)
	if trace != nil {
		tap = trace.Dump
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		sw.Run(ctx, tap)
	}()
	return &testbed{
		client: runtimex.PanicOnError1(sw.NewDevice(clientMAC)),
		server: runtimex.PanicOnError1(sw.NewDevice(serverMAC)),
		close: func() error {
			cancel()
			<-done
			return sw.Close()
		},
	}
}

// newVirtioTestbed connects two virtio devices back to back.
func newVirtioTestbed(trace *uknet.PcapTrace) *testbed {
	newDevice := func(mac net.HardwareAddr) (*virtio.Device, *virtiotest.Device) {
		hw := virtiotest.NewDevice(virtiotest.NewConfig(mac))
		drv := runtimex.PanicOnError1(virtio.New(hw, hw.Arena))
		hw.SetIRQ(drv.Interrupt)
		return drv, hw
	}
	client, clientHW := newDevice(clientMAC)
	server, serverHW := newDevice(serverMAC)
	virtiotest.Connect(clientHW, serverHW)
	tb := &testbed{
		client: client,
		server: server,
		close:  func() error { return nil },
	}
	if trace != nil {
		tb.clientOptions = append(tb.clientOptions, uknet.ConfigOptionTrace(trace))
	}
	return tb
}

// serverMain accepts once and writes bytes until the conn is closed.
func serverMain(ctx context.Context, listener net.Listener, total *atomic.Uint64) error {
	// 1. accept a single client conn
	conn, err := listener.Accept()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	if err != nil {
		return err
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	// 2. loop writing data to the client
	data := make([]byte, 65535)
	for {
		count, err := conn.Write(data)
		total.Add(uint64(count))
		if err != nil {
			log.Infof("server: Write failed: %s", err.Error())
			return nil
		}
	}
}

// clientMain connects and reads bytes until the conn is closed.
func clientMain(ctx context.Context, connector *uknet.Connector, remote string, total *atomic.Uint64) error {
	// 1. connect to the server address
	conn, err := connector.DialContext(ctx, "tcp", remote)
	if err != nil {
		return err
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	// 2. read until possible
	data := make([]byte, 65535)
	for {
		count, err := conn.Read(data)
		total.Add(uint64(count))
		if err != nil {
			log.Infof("client: Read failed: %s", err.Error())
			return nil
		}
	}
}

// printerMain prints receive speed stats every 250 millisecond.
func printerMain(ctx context.Context, total *atomic.Uint64) {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	t0 := time.Now()
	for {
		select {
		case <-ctx.Done():
			fmt.Fprintf(output, "\n%s received in %s\n", humanize.Bytes(total.Load()), time.Since(t0).Round(time.Millisecond))
			return
		case t := <-ticker.C:
			elapsed := t.Sub(t0).Seconds()
			speed := 8 * float64(total.Load()) / elapsed
			fmt.Fprintf(output, "\r\t%16s", humanize.SIWithDigits(speed, 3, "bit/s"))
		}
	}
}

func main() {
	// 1. create command line parser
	fset := flag.NewFlagSet("uknet-bench", flag.ExitOnError)

	// 2. add flags to parse
	var (
		clientAddr  = fset.String("client-addr", "10.0.5.3", "Select client IP address.")
		device      = fset.String("device", "shmring", "Select the device: shmring or virtio.")
		duration    = fset.Duration("duration", 10*time.Second, "Benchmark duration.")
		pcapFile    = fset.String("pcap-file", "", "Write PCAP at the given file.")
		pcapSnaplen = fset.Int("pcap-snaplen", 1514, "PCAP snapshot length in bytes.")
		serverAddr  = fset.String("server-addr", "10.0.5.2", "Select server IP address.")
		serverPort  = fset.String("server-port", "5201", "Select server port.")
	)

	// 3. parse command line
	runtimex.PanicOnError0(fset.Parse(args[1:]))
	port := runtimex.PanicOnError1(strconv.ParseUint(*serverPort, 10, 16))

	// 4. create context with a timeout
	ctx, cancel := context.WithTimeout(context.Background(), *duration)
	defer cancel()

	// 5. open the PCAP trace
	var trace *uknet.PcapTrace
	if *pcapFile != "" {
		filep := runtimex.PanicOnError1(os.Create(*pcapFile))
		trace = uknet.NewPcapTrace(filep, uint16(*pcapSnaplen))
	}

	// 6. create the simulated host
	var tb *testbed
	switch *device {
	case "shmring":
		tb = newShmringTestbed(trace)
	case "virtio":
		tb = newVirtioTestbed(trace)
	default:
		runtimex.PanicOnError0(fmt.Errorf("unknown device: %s", *device))
	}

	// 7. create the networks
	k := kernel.New()
	newConfig := func(addr string, options ...uknet.ConfigOption) *uknet.Config {
		options = append([]uknet.ConfigOption{uknet.ConfigOptionAddress(
			netip.MustParseAddr(addr),
			netip.MustParseAddr(uknet.DefaultGateway),
			netip.MustParseAddr(uknet.DefaultNetmask),
		)}, options...)
		return uknet.NewConfig(options...)
	}
	serverNet := runtimex.PanicOnError1(uknet.Init(context.Background(), k, tb.server, newConfig(*serverAddr)))
	clientNet := runtimex.PanicOnError1(uknet.Init(context.Background(), k, tb.client, newConfig(*clientAddr, tb.clientOptions...)))

	// 8. create the server listener
	serverEpnt := net.JoinHostPort(*serverAddr, strconv.FormatUint(port, 10))
	lc := uknet.NewListenConfig(serverNet)
	listener := runtimex.PanicOnError1(lc.Listen(ctx, "tcp", serverEpnt))
	stopListener := context.AfterFunc(ctx, func() { _ = listener.Close() })
	defer stopListener()

	// 9. run server, client, and printer
	eg := &errgroup.Group{}
	totalSent := &atomic.Uint64{}
	eg.Go(func() error {
		return serverMain(ctx, listener, totalSent)
	})
	totalRecv := &atomic.Uint64{}
	connector := uknet.NewConnector(clientNet)
	eg.Go(func() error {
		return clientMain(ctx, connector, serverEpnt, totalRecv)
	})
	eg.Go(func() error {
		printerMain(ctx, totalRecv)
		return nil
	})
	runtimex.PanicOnError0(eg.Wait())

	// 10. shut down the networks and the host
	runtimex.PanicOnError0(listener.Close())
	runtimex.PanicOnError0(clientNet.Close())
	runtimex.PanicOnError0(serverNet.Close())
	k.Wait()
	runtimex.PanicOnError0(tb.close())
	if trace != nil {
		runtimex.PanicOnError0(trace.Close())
	}
	log.Infof("sent %s, received %s", humanize.Bytes(totalSent.Load()), humanize.Bytes(totalRecv.Load()))
}
