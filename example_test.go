// SPDX-License-Identifier: GPL-3.0-or-later

package uknet_test

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/netip"
	"sync"

	"github.com/bassosimone/runtimex"
	"github.com/bassosimone/uknet"
	"github.com/bassosimone/uknet/kernel"
	"github.com/bassosimone/uknet/shmring"
)

// This example attaches a client and a server to a shared-ring switch
// and the client downloads a small message from the server.
func Example_tcpDownload() {
	// create the kernel and the switch and run the switch
	k := kernel.New()
	sw := shmring.NewSwitch()
	ctx, cancel := context.WithCancel(context.Background())
	wg := &sync.WaitGroup{}
	wg.Go(func() { sw.Run(ctx, nil) })

	// create the server and client networks
	newNetwork := func(mac net.HardwareAddr, addr string) *uknet.Network {
		dev := runtimex.PanicOnError1(sw.NewDevice(mac))
		cfg := uknet.NewConfig(uknet.ConfigOptionAddress(
			netip.MustParseAddr(addr),
			netip.MustParseAddr("10.0.5.1"),
			netip.MustParseAddr("255.255.255.0"),
		))
		return runtimex.PanicOnError1(uknet.Init(ctx, k, dev, cfg))
	}
	srv := newNetwork(net.HardwareAddr{2, 0, 0, 0, 0, 2}, "10.0.5.2")
	clnt := newNetwork(net.HardwareAddr{2, 0, 0, 0, 0, 3}, "10.0.5.3")

	// run the server in the background
	listener := runtimex.PanicOnError1(uknet.NewListenConfig(srv).Listen(ctx, "tcp", "10.0.5.2:80"))
	serverDone := make(chan struct{})
	go func() {
		defer close(serverDone)
		conn := runtimex.PanicOnError1(listener.Accept())
		_ = runtimex.PanicOnError1(conn.Write([]byte("Hello, world!\n")))
		runtimex.PanicOnError0(conn.Close())
	}()

	// download the message in the foreground
	connector := uknet.NewConnector(clnt)
	conn := runtimex.PanicOnError1(connector.DialContext(ctx, "tcp", "10.0.5.2:80"))
	message := runtimex.PanicOnError1(io.ReadAll(conn))
	runtimex.PanicOnError0(conn.Close())
	<-serverDone

	// tear everything down
	runtimex.PanicOnError0(listener.Close())
	runtimex.PanicOnError0(clnt.Close())
	runtimex.PanicOnError0(srv.Close())
	cancel()
	wg.Wait()
	k.Wait()
	runtimex.PanicOnError0(sw.Close())

	fmt.Printf("%s", string(message))

	// Output:
	// Hello, world!
}
