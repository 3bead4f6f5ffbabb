// Copyright 2025 The relink Authors. All rights reserved.
// Use of this source code is governed by the license that
// can be found in the LICENSE file.

package relink

import "encoding/binary"

func leUint32(b []byte) uint32 { return binary.LittleEndian.Uint32(b) }
func leUint64(b []byte) uint64 { return binary.LittleEndian.Uint64(b) }

func lePutUint32(b []byte, v uint32) { binary.LittleEndian.PutUint32(b, v) }
func lePutUint64(b []byte, v uint64) { binary.LittleEndian.PutUint64(b, v) }

// alignUp rounds v up to the next multiple of align.
func alignUp(v, align uint64) uint64 {
	if align <= 1 {
		return v
	}
	return (v + align - 1) / align * align
}
