// SPDX-License-Identifier: GPL-3.0-or-later

package virtio

import "github.com/bassosimone/uknet/netdev"

// Legacy register offsets inside the I/O window.
const (
	RegHostFeatures  = 0x00
	RegGuestFeatures = 0x04
	RegQueuePFN      = 0x08
	RegQueueNum      = 0x0c
	RegQueueSel      = 0x0e
	RegQueueNotify   = 0x10
	RegStatus        = 0x12
	RegISRStatus     = 0x13
	RegConfig        = 0x14
)

// Offsets of the virtio-net fields inside the device configuration space.
const (
	ConfigMAC    = RegConfig
	ConfigStatus = RegConfig + 6
)

// Device status bits.
const (
	StatusAcknowledge = 1
	StatusDriver      = 2
	StatusDriverOK    = 4
	StatusFeaturesOK  = 8
	StatusFailed      = 0x80
)

// Feature bit numbers.
const (
	FeatureCsum         = 0
	FeatureGuestCsum    = 1
	FeatureMAC          = 5
	FeatureGuestTSO4    = 7
	FeatureGuestTSO6    = 8
	FeatureGuestUFO     = 10
	FeatureMrgRxbuf     = 15
	FeatureStatus       = 16
	FeatureCtrlVQ       = 17
	FeatureMQ           = 22
	FeatureRingEventIdx = 29
)

// LinkUp is the link status bit in [ConfigStatus].
const LinkUp = 1

// Feature masks used during negotiation.
const (
	requiredFeatures = 1<<FeatureMAC | 1<<FeatureStatus

	strippedFeatures = 1<<FeatureCtrlVQ | 1<<FeatureGuestTSO4 | 1<<FeatureGuestTSO6 |
		1<<FeatureGuestUFO | 1<<FeatureRingEventIdx | 1<<FeatureMrgRxbuf | 1<<FeatureMQ
)

// Queue indexes.
const (
	QueueRX = 0
	QueueTX = 1
)

const (
	// MaxQueueSize is the largest number of descriptors the driver uses per queue.
	MaxQueueSize = 256

	// BufferSize is the size of the buffer backing each descriptor.
	BufferSize = 0x2048

	// NetHeaderLength is the size of the legacy virtio_net_hdr prefix.
	NetHeaderLength = 10

	// MTU is the largest IP packet the driver exchanges.
	MTU = netdev.MTUEthernet

	// PageSize is the legacy queue alignment and PFN unit.
	PageSize = 4096
)

// PortIO is the legacy virtio I/O register window.
type PortIO interface {
	In8(off uint16) uint8
	In16(off uint16) uint16
	In32(off uint16) uint32
	Out8(off uint16, value uint8)
	Out16(off uint16, value uint16)
	Out32(off uint16, value uint32)
}

// DMA allocates device-visible memory.
type DMA interface {
	// Alloc returns zeroed, page-aligned memory of at least size
	// bytes together with its physical address.
	Alloc(size int) (mem []byte, phys uint64, err error)
}
