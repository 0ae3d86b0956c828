// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"io"
	"path/filepath"
	"testing"
)

// Test_main exercises the benchmark for a short duration.
func Test_main(t *testing.T) {
	for _, device := range []string{"shmring", "virtio"} {
		t.Run(device, func(t *testing.T) {
			pcapFile := filepath.Join(t.TempDir(), "capture.pcap")
			args = []string{"uknet-bench", "-device", device, "-duration", "500ms", "-pcap-file", pcapFile}
			output = io.Discard
			main()
		})
	}
}
