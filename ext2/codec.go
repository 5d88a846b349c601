// Copyright 2019 the Go-FUSE Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package ext2 implements the on-disk codec, allocator, node, directory
// and filesystem components of an ext2 driver, operating
// against any blockdev.Device.
package ext2

import (
	"fmt"
	"log"

	"github.com/pedigree-go/ext2kernel/blockdev"
)

// Codec owns the superblock and group descriptor table decode/encode and
// the per-group inode-table block cache.
type Codec struct {
	dev blockdev.Device

	sb     *Superblock
	groups []*GroupDescriptor

	// inode table blocks loaded on demand, keyed by byte offset.
	inodeTableBlocks map[int64]*blockdev.Buffer
}

// Mount reads the superblock at byte offset 1024 and all group
// descriptors (stored contiguously starting at block
// first_data_block+1), validating the magic and feature set.
func Mount(dev blockdev.Device) (*Codec, error) {
	c := &Codec{dev: dev, inodeTableBlocks: make(map[int64]*blockdev.Buffer)}

	sbBuf, err := dev.ReadBlock(sbOffset)
	if err != nil {
		return nil, fmt.Errorf("ext2: reading superblock: %w", err)
	}
	dev.Pin(sbOffset)

	sb, err := decodeSuperblock(sbBuf.Bytes)
	if err != nil {
		dev.Unpin(sbOffset)
		return nil, err
	}
	c.sb = sb

	if resizer, ok := dev.(interface{ SetBlockSize(int) }); ok {
		resizer.SetBlockSize(int(sb.BlockSize))
	}

	if sb.AlgoBitmap != 0 {
		log.Printf("ext2: compression algorithm bitmap %#x set; COMPRBLK inodes will be unreadable", sb.AlgoBitmap)
	}

	ngroups := (sb.BlockCount + sb.BlocksPerGroup - 1) / sb.BlocksPerGroup
	gdBlockOffset := int64(sb.FirstDataBlock+1) * int64(sb.BlockSize)

	bytesPerBlock := int(sb.BlockSize)
	descsPerBlock := bytesPerBlock / groupDescSize

	c.groups = make([]*GroupDescriptor, 0, ngroups)
	for i := uint32(0); i < ngroups; i++ {
		blockIdx := i / uint32(descsPerBlock)
		within := int(i % uint32(descsPerBlock))
		off := gdBlockOffset + int64(blockIdx)*int64(bytesPerBlock)

		buf, err := dev.ReadBlock(off)
		if err != nil {
			return nil, fmt.Errorf("ext2: reading group descriptor table: %w", err)
		}
		dev.Pin(off)

		raw := buf.Bytes[within*groupDescSize : (within+1)*groupDescSize]
		c.groups = append(c.groups, decodeGroupDescriptor(raw))
	}

	return c, nil
}

func (c *Codec) Superblock() *Superblock         { return c.sb }
func (c *Codec) Groups() []*GroupDescriptor      { return c.groups }
func (c *Codec) Device() blockdev.Device         { return c.dev }
func (c *Codec) BlockSize() int                  { return int(c.sb.BlockSize) }

func (c *Codec) blockOffset(blockNum uint32) int64 {
	return int64(blockNum) * int64(c.sb.BlockSize)
}

// inodeLocation returns the block group index and inode-table byte
// offset (plus the offset within that table) for inode n.
func (c *Codec) inodeLocation(n uint32) (group uint32, tableOffset int64, inTable int) {
	idx := n - 1
	group = idx / c.sb.InodesPerGroup
	within := idx % c.sb.InodesPerGroup
	byteOffset := int64(within) * int64(c.sb.InodeSize)

	blockSize := int64(c.sb.BlockSize)
	blockWithinTable := byteOffset / blockSize
	inTable = int(byteOffset % blockSize)

	gd := c.groups[group]
	tableOffset = c.blockOffset(gd.InodeTable) + blockWithinTable*blockSize
	return
}

// GetInode loads (caching per inode-table block) and returns a mutable
// view over inode n.
func (c *Codec) GetInode(n uint32) (*Inode, error) {
	_, tableOffset, inTable := c.inodeLocation(n)

	buf, ok := c.inodeTableBlocks[tableOffset]
	if !ok {
		var err error
		buf, err = c.dev.ReadBlock(tableOffset)
		if err != nil {
			return nil, fmt.Errorf("ext2: reading inode table block: %w", err)
		}
		c.dev.Pin(tableOffset)
		c.inodeTableBlocks[tableOffset] = buf
	}

	raw := buf.Bytes[inTable : inTable+int(c.sb.InodeSize)]
	return decodeInode(raw, n), nil
}

// WriteInode writes back the inode table block containing inode n.
func (c *Codec) WriteInode(n uint32) error {
	_, tableOffset, _ := c.inodeLocation(n)
	return c.dev.WriteBlock(tableOffset)
}

// WriteSuperblock writes back the superblock block.
func (c *Codec) WriteSuperblock() error {
	c.sb.writeBack()
	return c.dev.WriteBlock(sbOffset)
}

// WriteGroup writes back group descriptor g's block.
func (c *Codec) WriteGroup(g *GroupDescriptor) error {
	g.writeBack()
	// The group descriptor table shares blocks across multiple
	// descriptors; recompute which block this one lives in rather than
	// track it separately.
	idx := -1
	for i, gd := range c.groups {
		if gd == g {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("ext2: write-back of unknown group descriptor")
	}
	descsPerBlock := int(c.sb.BlockSize) / groupDescSize
	blockIdx := idx / descsPerBlock
	off := int64(c.sb.FirstDataBlock+1)*int64(c.sb.BlockSize) + int64(blockIdx)*int64(c.sb.BlockSize)
	return c.dev.WriteBlock(off)
}

// ReadBlockAt reads the block at filesystem block number blockNum.
func (c *Codec) ReadBlockAt(blockNum uint32) (*blockdev.Buffer, error) {
	return c.dev.ReadBlock(c.blockOffset(blockNum))
}

// WriteBlockAt schedules write-back of the block at blockNum.
func (c *Codec) WriteBlockAt(blockNum uint32) error {
	return c.dev.WriteBlock(c.blockOffset(blockNum))
}

func (c *Codec) PinBlock(blockNum uint32)   { c.dev.Pin(c.blockOffset(blockNum)) }
func (c *Codec) UnpinBlock(blockNum uint32) { c.dev.Unpin(c.blockOffset(blockNum)) }
