// Copyright 2019 the Go-FUSE Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ext2

import (
	"fmt"

	"github.com/pedigree-go/ext2kernel/internal/endian"
)

const (
	magic = 0xEF53

	sbOffset = 1024
	sbSize   = 1024

	// Feature incompat bit 2: directory entries carry a file-type byte.
	incompatFiletype = 0x2
	// Other incompat bits we refuse to mount with.
	incompatSupportedMask = incompatFiletype

	rootInode = 2

	defaultInodeSize = 128
)

// Superblock mirrors the on-disk ext2 superblock fields this driver
// consumes. Every field access goes through the endian
// helpers; Superblock itself caches the decoded values.
type Superblock struct {
	raw []byte // the 1024-byte block, shared with the pinned buffer

	InodeCount      uint32
	BlockCount      uint32
	FreeBlockCount  uint32
	FreeInodeCount  uint32
	FirstDataBlock  uint32
	BlockSize       uint32 // bytes, 1024<<log
	InodesPerGroup  uint32
	BlocksPerGroup  uint32
	InodeSize       uint32
	RevisionLevel   uint32
	FeatureCompat   uint32
	FeatureIncompat uint32
	FeatureRoCompat uint32
	VolumeLabel     string
	AlgoBitmap      uint32
	State           uint16
}

// decodeSuperblock parses the 1024-byte superblock block. offset 1024 in
// the image, so callers must have already isolated the bytes starting at
// that address (they may span two 1024-byte blocks on a 2048+ block-size
// device and the caller is responsible for slicing the right window).
func decodeSuperblock(raw []byte) (*Superblock, error) {
	if len(raw) < sbSize {
		return nil, fmt.Errorf("ext2: superblock short read: %d bytes", len(raw))
	}
	sb := &Superblock{raw: raw}

	m := endian.U16(raw, 56)
	if m != magic {
		return nil, fmt.Errorf("ext2: bad magic %#x, want %#x", m, magic)
	}

	sb.InodeCount = endian.U32(raw, 0)
	sb.BlockCount = endian.U32(raw, 4)
	sb.FreeBlockCount = endian.U32(raw, 12)
	sb.FreeInodeCount = endian.U32(raw, 16)
	sb.FirstDataBlock = endian.U32(raw, 20)
	logBlockSize := endian.U32(raw, 24)
	sb.BlockSize = 1024 << logBlockSize
	sb.BlocksPerGroup = endian.U32(raw, 32)
	sb.InodesPerGroup = endian.U32(raw, 40)
	sb.State = endian.U16(raw, 58)
	sb.RevisionLevel = endian.U32(raw, 76)

	if sb.BlockSize > 4096 {
		return nil, fmt.Errorf("ext2: block size %d above supported maximum", sb.BlockSize)
	}

	if sb.RevisionLevel < 1 {
		sb.InodeSize = defaultInodeSize
	} else {
		sb.InodeSize = uint32(endian.U16(raw, 88))
		sb.FeatureCompat = endian.U32(raw, 92)
		sb.FeatureIncompat = endian.U32(raw, 96)
		sb.FeatureRoCompat = endian.U32(raw, 100)
		sb.VolumeLabel = cstring(raw[120:136])
	}

	if sb.FeatureIncompat&^uint32(incompatSupportedMask) != 0 {
		return nil, fmt.Errorf("ext2: unsupported incompat feature bits %#x", sb.FeatureIncompat&^uint32(incompatSupportedMask))
	}

	sb.AlgoBitmap = endian.U32(raw, 200)

	return sb, nil
}

// HasFiletype reports whether directory entries carry a file-type byte
// (revision-gated: the high-byte-of-namelen convention is
// used otherwise).
func (sb *Superblock) HasFiletype() bool {
	return sb.RevisionLevel >= 1 && sb.FeatureIncompat&incompatFiletype != 0
}

// writeBack re-encodes the cached counters into the shared raw buffer.
// Callers are responsible for marking the backing block dirty and
// writing it through the block device.
func (sb *Superblock) writeBack() {
	endian.PutU32(sb.raw, 12, sb.FreeBlockCount)
	endian.PutU32(sb.raw, 16, sb.FreeInodeCount)
}

func cstring(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
