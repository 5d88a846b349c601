// Copyright 2019 the Go-FUSE Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ext2

import (
	"sync"

	"github.com/pedigree-go/ext2kernel/blockdev"
	"github.com/pedigree-go/ext2kernel/internal/endian"
)

// memDevice is an in-memory blockdev.Device for tests: a flat byte slice
// sliced into block-size windows, one *blockdev.Buffer per offset so the
// "same offset returns same buffer" promise holds.
type memDevice struct {
	blockSize int
	data      []byte

	mu      sync.Mutex
	buffers map[int64]*blockdev.Buffer
	pins    map[int64]int
}

func newMemDevice(blockSize, nblocks int) *memDevice {
	return &memDevice{
		blockSize: blockSize,
		data:      make([]byte, blockSize*nblocks),
		buffers:   make(map[int64]*blockdev.Buffer),
		pins:      make(map[int64]int),
	}
}

func (d *memDevice) BlockSize() int { return d.blockSize }

func (d *memDevice) ReadBlock(offset int64) (*blockdev.Buffer, error) {
	if offset == 0 {
		return blockdev.SparseBlock, nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if b, ok := d.buffers[offset]; ok {
		return b, nil
	}
	end := offset + int64(d.blockSize)
	if end > int64(len(d.data)) {
		grown := make([]byte, end)
		copy(grown, d.data)
		d.data = grown
	}
	b := &blockdev.Buffer{Bytes: d.data[offset:end]}
	d.buffers[offset] = b
	return b, nil
}

func (d *memDevice) WriteBlock(offset int64) error { return nil }
func (d *memDevice) Flush(offset int64) error      { return nil }

func (d *memDevice) Pin(offset int64) {
	d.mu.Lock()
	d.pins[offset]++
	d.mu.Unlock()
}

func (d *memDevice) Unpin(offset int64) {
	d.mu.Lock()
	d.pins[offset]--
	d.mu.Unlock()
}

// buildImage writes a minimal valid ext2 superblock + one group
// descriptor + bitmaps + an inode table holding the root directory inode,
// plus the root's first directory block ("." and ".."), into a fresh
// memDevice sized for 1 block group, and returns it ready for Probe.
func buildImage(blockSize int, blocksPerGroup, inodesPerGroup uint32) *memDevice {
	const nblocks = 256
	dev := newMemDevice(blockSize, nblocks)

	sbBuf, _ := dev.ReadBlock(sbOffset)
	raw := sbBuf.Bytes

	inodeCount := inodesPerGroup
	blockCount := blocksPerGroup

	// The inode table starts at block 6; the root directory block follows
	// it. Blocks 1..rootDirBlock are marked allocated below.
	inodeTableBlocks := int(inodesPerGroup) * defaultInodeSize / blockSize
	rootDirBlock := 6 + inodeTableBlocks
	reserved := rootDirBlock

	endian.PutU32(raw, 0, inodeCount)
	endian.PutU32(raw, 4, blockCount)
	// free blocks
	endian.PutU32(raw, 12, blockCount-uint32(reserved))
	endian.PutU32(raw, 16, inodeCount-11) // free inodes, rough (reserve low 10 + root)
	endian.PutU32(raw, 20, 1)             // first_data_block (1KiB blocks)
	logSize := uint32(0)
	for (1024 << logSize) < blockSize {
		logSize++
	}
	endian.PutU32(raw, 24, logSize)
	endian.PutU32(raw, 32, blocksPerGroup)
	endian.PutU32(raw, 40, inodesPerGroup)
	endian.PutU16(raw, 56, magic)
	endian.PutU32(raw, 76, 1) // revision level 1
	endian.PutU16(raw, 88, defaultInodeSize)

	dev.WriteBlock(sbOffset)

	// Group descriptor table at block (first_data_block+1).
	gdOffset := int64(2) * int64(blockSize)
	gdBuf, _ := dev.ReadBlock(gdOffset)
	endian.PutU32(gdBuf.Bytes, 0, 4) // block bitmap at block 4
	endian.PutU32(gdBuf.Bytes, 4, 5) // inode bitmap at block 5
	endian.PutU32(gdBuf.Bytes, 8, 6) // inode table starts block 6
	endian.PutU16(gdBuf.Bytes, 12, uint16(blockCount-uint32(reserved)))
	endian.PutU16(gdBuf.Bytes, 14, uint16(inodeCount-11))
	endian.PutU16(gdBuf.Bytes, 16, 0)

	// Reserve the first 11 inodes (including root=2) as already
	// allocated in the inode bitmap.
	inodeBitBuf, _ := dev.ReadBlock(int64(5) * int64(blockSize))
	for i := 0; i < 11; i++ {
		inodeBitBuf.Bytes[i/8] |= 1 << uint(i%8)
	}

	// Reserve blocks 1..rootDirBlock (superblock, gdt, bitmaps, inode
	// table, root directory block) as already allocated in the block
	// bitmap; bit i stands for block i+1.
	blockBitBuf, _ := dev.ReadBlock(int64(4) * int64(blockSize))
	for i := 0; i < reserved; i++ {
		blockBitBuf.Bytes[i/8] |= 1 << uint(i%8)
	}

	// Root inode (2): the second slot of the inode table's first block.
	tableBuf, _ := dev.ReadBlock(int64(6) * int64(blockSize))
	ri := tableBuf.Bytes[defaultInodeSize : 2*defaultInodeSize]
	endian.PutU16(ri, 0, ModeDir|0755)
	endian.PutU32(ri, 4, uint32(blockSize))
	endian.PutU16(ri, 26, 2)
	endian.PutU32(ri, 28, uint32(blockSize/512))
	endian.PutU32(ri, 40, uint32(rootDirBlock))

	// Root directory block: "." (12 bytes) then ".." spanning the rest.
	dirBuf, _ := dev.ReadBlock(int64(rootDirBlock) * int64(blockSize))
	endian.PutU32(dirBuf.Bytes, 0, rootInode)
	endian.PutU16(dirBuf.Bytes, 4, 12)
	dirBuf.Bytes[6] = 1
	dirBuf.Bytes[8] = '.'
	endian.PutU32(dirBuf.Bytes, 12, rootInode)
	endian.PutU16(dirBuf.Bytes, 16, uint16(blockSize-12))
	dirBuf.Bytes[18] = 2
	dirBuf.Bytes[20], dirBuf.Bytes[21] = '.', '.'

	return dev
}

// newTestFS mounts a freshly built image and returns its Filesystem.
func newTestFS() *Filesystem {
	dev := buildImage(1024, 8192, 128)
	fs, err := Probe(dev, nil)
	if err != nil {
		panic(err)
	}
	return fs
}
