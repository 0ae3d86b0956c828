// SPDX-License-Identifier: GPL-3.0-or-later

// Package uknet (Unikernel Network) is the network I/O core of a unikernel
// runtime: it lets application threads perform TCP socket operations while
// a single NIC thread drives a gVisor protocol stack against a [netdev.Device].
//
// The typical usage is to create a [*kernel.Kernel] and a device, such as
// a [*shmring.Device] attached to a [*shmring.Switch] or a [*virtio.Device],
// and pass them to [Init], which returns a [*Network]. Socket calls such as
// [*Network.Connect], [*Network.Accept], [*Network.Read], [*Network.Write]
// and [*Network.CloseSocket] look blocking to the caller. Internally, each call is
// a [Future] polled by [BlockOn], which parks the calling kernel thread until
// the NIC thread reports that the awaited [WaitCondition] resolved.
//
// The [*Interface] owns the protocol stack and the per-socket wait state. It
// is guarded by a priority-inheriting [pimutex.Value], so that a low priority
// thread holding it inherits the priority of the waiting NIC thread.
//
// The [*Connector], [*ListenConfig] and [*Conn] types adapt the socket calls
// to the [net] package interfaces.
//
// The [*PcapTrace] type allows you to capture frames in PCAP format so that
// you can inspect what happened using tools such as wireshark.
package uknet

import (
	"github.com/bassosimone/uknet/netdev"
	"github.com/bassosimone/uknet/shmring"
	"github.com/bassosimone/uknet/virtio"
)

// Ensure that the device backends implement the device interfaces.
var (
	_ netdev.Device        = &shmring.Device{}
	_ netdev.Interruptible = &shmring.Device{}
	_ netdev.Device        = &virtio.Device{}
	_ netdev.Interruptible = &virtio.Device{}
)
