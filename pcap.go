//
// SPDX-License-Identifier: BSD-3-Clause
//
// Adapted from: https://github.com/ooni/netem/blob/6e0d618f0cb48b96c78cd066e23cf3aa1208b1dd/pcap.go
//

package uknet

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// pcapSnapshot is a frame snapshot.
type pcapSnapshot struct {
	// data is the data inside the snapshot.
	data []byte

	// length is the original length.
	length int

	// when is the capture time.
	when time.Time
}

// DefaultPcapBuffer is the default number of frames buffered by a [*PcapTrace].
const DefaultPcapBuffer = 4096

// PcapTraceOption is an option for [NewPcapTrace].
type PcapTraceOption func(tr *PcapTrace)

// PcapTraceOptionBuffer sets the number of frames buffered before
// [*PcapTrace.Dump] starts dropping.
func PcapTraceOptionBuffer(frames int) PcapTraceOption {
	return func(tr *PcapTrace) {
		tr.snaps = make(chan pcapSnapshot, frames)
	}
}

// PcapTrace writes the Ethernet frames it is given to a PCAP file.
//
// Construct using [NewPcapTrace].
type PcapTrace struct {
	// cancel allows to cancel the background goroutine.
	cancel context.CancelFunc

	// dropped is the number of frames dropped.
	dropped atomic.Uint64

	// errch contains the error returned by the background goroutine.
	errch chan error

	// snaps contains the snapshots to save.
	snaps chan pcapSnapshot

	// once provides "once" semantics for Close.
	once sync.Once

	// snapLen is the number of bytes to capture.
	snapLen uint16

	// testCancellationDrainHook runs right after cancellation is noticed.
	testCancellationDrainHook func()

	// wc is the open writer we're using.
	wc io.WriteCloser
}

// NewPcapTrace creates a new [*PcapTrace] writing to wc and capturing
// at most snapLen bytes of each frame.
func NewPcapTrace(wc io.WriteCloser, snapLen uint16, options ...PcapTraceOption) *PcapTrace {
	// Initialize the trace struct
	ctx, cancel := context.WithCancel(context.Background())
	tr := &PcapTrace{
		cancel:  cancel,
		errch:   make(chan error, 1),
		snaps:   make(chan pcapSnapshot, DefaultPcapBuffer),
		snapLen: snapLen,
		wc:      wc,
	}
	for _, option := range options {
		option(tr)
	}

	// Start the worker and return
	go tr.saveLoop(ctx)
	return tr
}

// Dump saves A COPY OF the given Ethernet frame.
//
// Dump never blocks: when the buffer is full the frame is dropped.
func (tr *PcapTrace) Dump(frame []byte) {
	snapLen := min(len(frame), int(tr.snapLen))
	snap := make([]byte, snapLen)
	copy(snap, frame)
	select {
	case tr.snaps <- pcapSnapshot{data: snap, length: len(frame), when: time.Now()}:
	default:
		tr.dropped.Add(1)
	}
}

// Dropped returns the number of frames dropped due to buffer overflow.
//
// Frames are dropped when Dump is called but the internal buffer is full.
// This happens when disk I/O cannot keep up with the capture rate.
func (tr *PcapTrace) Dropped() uint64 {
	return tr.dropped.Load()
}

// saveLoop is the loop that saves frames.
func (tr *PcapTrace) saveLoop(ctx context.Context) {
	// Write the PCAP header
	w := pcapgo.NewWriter(tr.wc)
	if err := w.WriteFileHeader(uint32(tr.snapLen), layers.LinkTypeEthernet); err != nil {
		tr.errch <- err
		return
	}

	// Loop until we're done and write each entry, draining on exit.
	for {
		snap, ok := tr.readOrDrain(ctx)
		if !ok {
			tr.errch <- nil
			return
		}
		if err := tr.savePacket(w, snap); err != nil {
			tr.errch <- err
			return
		}
	}
}

// readOrDrain returns the next snapshot. After cancellation it keeps
// returning the buffered snapshots and fails once the buffer is empty.
func (tr *PcapTrace) readOrDrain(ctx context.Context) (pcapSnapshot, bool) {
	select {
	case snap := <-tr.snaps:
		return snap, true
	case <-ctx.Done():
		if tr.testCancellationDrainHook != nil {
			tr.testCancellationDrainHook()
		}
		select {
		case snap := <-tr.snaps:
			return snap, true
		default:
			return pcapSnapshot{}, false
		}
	}
}

func (tr *PcapTrace) savePacket(w *pcapgo.Writer, snap pcapSnapshot) error {
	ci := gopacket.CaptureInfo{
		Timestamp:     snap.when,
		CaptureLength: len(snap.data),
		Length:        snap.length,
	}
	return w.WritePacket(ci, snap.data)
}

// Close interrupts the background goroutine and waits for it to join
// before closing the packet capture file.
func (tr *PcapTrace) Close() (err error) {
	tr.once.Do(func() {
		// notify the background goroutine to terminate
		tr.cancel()

		// wait for the goroutine to terminate
		err1 := <-tr.errch

		// close the open capture file
		err2 := tr.wc.Close()

		// assemble a common error (nil on success)
		err = errors.Join(err1, err2)
	})
	return
}
