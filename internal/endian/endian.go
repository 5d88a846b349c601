// Copyright 2019 the Go-FUSE Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package endian holds the little-endian conversion helpers used by the
// ext2 on-disk codec. Every multi-byte on-disk field must be read and
// written through one of these helpers; no field is ever used raw.
package endian

import "encoding/binary"

func U16(b []byte, off int) uint16 {
	return binary.LittleEndian.Uint16(b[off : off+2])
}

func PutU16(b []byte, off int, v uint16) {
	binary.LittleEndian.PutUint16(b[off:off+2], v)
}

func U32(b []byte, off int) uint32 {
	return binary.LittleEndian.Uint32(b[off : off+4])
}

func PutU32(b []byte, off int, v uint32) {
	binary.LittleEndian.PutUint32(b[off:off+4], v)
}

// U32Array decodes n consecutive little-endian uint32s starting at off.
func U32Array(b []byte, off, n int) []uint32 {
	out := make([]uint32, n)
	for i := 0; i < n; i++ {
		out[i] = U32(b, off+4*i)
	}
	return out
}

func PutU32Array(b []byte, off int, vs []uint32) {
	for i, v := range vs {
		PutU32(b, off+4*i, v)
	}
}
