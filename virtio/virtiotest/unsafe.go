// SPDX-License-Identifier: GPL-3.0-or-later

package virtiotest

import "unsafe"

// unsafeBytes returns an 8-byte aligned byte view of words.
func unsafeBytes(words []uint64) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(words))), len(words)*8)
}
