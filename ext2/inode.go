// Copyright 2019 the Go-FUSE Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ext2

import "github.com/pedigree-go/ext2kernel/internal/endian"

// Mode bits, matching the on-disk POSIX mode field.
const (
	ModeFormatMask = 0xF000
	ModeFIFO       = 0x1000
	ModeCharDev    = 0x2000
	ModeDir        = 0x4000
	ModeBlockDev   = 0x6000
	ModeFile       = 0x8000
	ModeSymlink    = 0xA000
	ModeSocket     = 0xC000

	ModePermMask = 0x01FF
)

// i_flags bit consumed by this driver.
const flagComprBlk = 0x00000004

const numBlockPointers = 15

// Inode mirrors the on-disk inode fields this driver consumes.
// raw aliases into the pinned inode-table block buffer; writeBack
// re-encodes every field into raw, so WriteInode need not know which
// fields changed.
type Inode struct {
	raw []byte
	Num uint32

	Mode        uint16
	Uid         uint16
	Gid         uint16
	Size        uint32
	Atime       uint32
	Ctime       uint32
	Mtime       uint32
	Dtime       uint32
	LinksCount  uint16
	BlocksCount uint32 // 512-byte units, as on disk
	Flags       uint32
	Block       [numBlockPointers]uint32
}

func decodeInode(raw []byte, num uint32) *Inode {
	in := &Inode{raw: raw, Num: num}
	in.Mode = endian.U16(raw, 0)
	in.Uid = endian.U16(raw, 2)
	in.Size = endian.U32(raw, 4)
	in.Atime = endian.U32(raw, 8)
	in.Ctime = endian.U32(raw, 12)
	in.Mtime = endian.U32(raw, 16)
	in.Dtime = endian.U32(raw, 20)
	in.Gid = endian.U16(raw, 24)
	in.LinksCount = endian.U16(raw, 26)
	in.BlocksCount = endian.U32(raw, 28)
	in.Flags = endian.U32(raw, 32)
	blocks := endian.U32Array(raw, 40, numBlockPointers)
	copy(in.Block[:], blocks)
	return in
}

// writeBack re-encodes every field into the aliased raw bytes. Callers
// still need to call Codec.WriteInode to schedule the containing block
// for write-back.
func (in *Inode) writeBack() {
	endian.PutU16(in.raw, 0, in.Mode)
	endian.PutU16(in.raw, 2, in.Uid)
	endian.PutU32(in.raw, 4, in.Size)
	endian.PutU32(in.raw, 8, in.Atime)
	endian.PutU32(in.raw, 12, in.Ctime)
	endian.PutU32(in.raw, 16, in.Mtime)
	endian.PutU32(in.raw, 20, in.Dtime)
	endian.PutU16(in.raw, 24, in.Gid)
	endian.PutU16(in.raw, 26, in.LinksCount)
	endian.PutU32(in.raw, 28, in.BlocksCount)
	endian.PutU32(in.raw, 32, in.Flags)
	endian.PutU32Array(in.raw, 40, in.Block[:])
}

func (in *Inode) FileType() uint16 { return in.Mode & ModeFormatMask }
func (in *Inode) IsDir() bool      { return in.FileType() == ModeDir }
func (in *Inode) IsSymlink() bool  { return in.FileType() == ModeSymlink }
func (in *Inode) IsRegular() bool  { return in.FileType() == ModeFile }
func (in *Inode) Compressed() bool { return in.Flags&flagComprBlk != 0 }

// BlockUnits converts the on-disk 512-byte i_blocks count into logical
// filesystem-block units.
func (in *Inode) BlockUnits(blockSize uint32) uint32 {
	ratio := blockSize / 512
	if ratio == 0 {
		ratio = 1
	}
	return (in.BlocksCount + ratio - 1) / ratio
}

// isInlineSymlink reports a fast-symlink special case: blocks-count 0 and
// size > 0 means the 60 bytes of i_block hold the link target directly.
func (in *Inode) isInlineSymlink() bool {
	return in.BlocksCount == 0 && in.Size > 0
}

// Perm returns the 9 POSIX permission bits.
func (in *Inode) Perm() uint16 { return in.Mode & ModePermMask }

// SetPerm re-encodes the 9 permission bits, preserving file-type and any
// other high mode bits (setuid, setgid, sticky) untouched.
func (in *Inode) SetPerm(perm uint16) {
	in.Mode = (in.Mode &^ ModePermMask) | (perm & ModePermMask)
}
