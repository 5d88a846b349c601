// Copyright 2019 the Go-FUSE Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ext2

import "github.com/pedigree-go/ext2kernel/internal/endian"

const groupDescSize = 32

// GroupDescriptor mirrors the per-block-group header. raw
// points into the shared group-descriptor-table buffer at this group's
// 32-byte slot; writeBack re-encodes in place.
type GroupDescriptor struct {
	raw []byte

	BlockBitmap    uint32
	InodeBitmap    uint32
	InodeTable     uint32
	FreeBlocks     uint16
	FreeInodes     uint16
	UsedDirsCount  uint16
}

func decodeGroupDescriptor(raw []byte) *GroupDescriptor {
	return &GroupDescriptor{
		raw:           raw,
		BlockBitmap:   endian.U32(raw, 0),
		InodeBitmap:   endian.U32(raw, 4),
		InodeTable:    endian.U32(raw, 8),
		FreeBlocks:    endian.U16(raw, 12),
		FreeInodes:    endian.U16(raw, 14),
		UsedDirsCount: endian.U16(raw, 16),
	}
}

func (g *GroupDescriptor) writeBack() {
	endian.PutU16(g.raw, 12, g.FreeBlocks)
	endian.PutU16(g.raw, 14, g.FreeInodes)
	endian.PutU16(g.raw, 16, g.UsedDirsCount)
}
