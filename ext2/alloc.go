// Copyright 2019 the Go-FUSE Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ext2

import (
	"context"
	"log"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/pedigree-go/ext2kernel/blockdev"
)

// bitmapKind distinguishes the block and inode bitmaps, which share the
// exact same scan/allocate/release algorithm but differ in
// which group-descriptor fields and superblock counters they touch.
type bitmapKind int

const (
	blockBitmap bitmapKind = iota
	inodeBitmap
)

// Allocator implements the block and inode bitmap allocator.
// A single filesystem-wide write lock guards it: bitmap, counts and
// superblock mutate together.
type Allocator struct {
	codec *Codec

	mu sync.Mutex

	// per-group, per-kind lazily loaded bitmap block lists.
	blockBitmaps [][]*blockdev.Buffer
	inodeBitmaps [][]*blockdev.Buffer
}

// NewAllocator preloads every group's free-count bookkeeping (cheap: just
// the group descriptors, already resident from Mount) and, using an
// errgroup, warms the block and inode bitmaps for groups that have any
// free space at all, so the first allocation in each group does not pay
// a synchronous disk read under the allocator's lock.
func NewAllocator(c *Codec) (*Allocator, error) {
	a := &Allocator{
		codec:        c,
		blockBitmaps: make([][]*blockdev.Buffer, len(c.groups)),
		inodeBitmaps: make([][]*blockdev.Buffer, len(c.groups)),
	}

	g, _ := errgroup.WithContext(context.Background())
	for i, gd := range c.groups {
		i, gd := i, gd
		if gd.FreeBlocks == 0 && gd.FreeInodes == 0 {
			continue
		}
		g.Go(func() error {
			if gd.FreeBlocks > 0 {
				if _, err := a.loadBitmap(blockBitmap, i); err != nil {
					return err
				}
			}
			if gd.FreeInodes > 0 {
				if _, err := a.loadBitmap(inodeBitmap, i); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *Allocator) bitmapBlockCount(kind bitmapKind) uint32 {
	sb := a.codec.sb
	bitsPerGroup := sb.BlocksPerGroup
	if kind == inodeBitmap {
		bitsPerGroup = sb.InodesPerGroup
	}
	bytesPerBlock := sb.BlockSize
	nblocks := (bitsPerGroup/8 + bytesPerBlock - 1) / bytesPerBlock
	if nblocks == 0 {
		nblocks = 1
	}
	return nblocks
}

// loadBitmap lazily loads (and caches) the list of blocks backing group
// g's bitmap of the given kind. Caller must hold a.mu
// unless called from NewAllocator's warm-up goroutines, which touch
// disjoint slots.
func (a *Allocator) loadBitmap(kind bitmapKind, g int) ([]*blockdev.Buffer, error) {
	cache := a.blockBitmaps
	startBlock := a.codec.groups[g].BlockBitmap
	if kind == inodeBitmap {
		cache = a.inodeBitmaps
		startBlock = a.codec.groups[g].InodeBitmap
	}

	if cache[g] != nil {
		return cache[g], nil
	}

	n := a.bitmapBlockCount(kind)
	bufs := make([]*blockdev.Buffer, n)
	for i := uint32(0); i < n; i++ {
		buf, err := a.codec.ReadBlockAt(startBlock + i)
		if err != nil {
			return nil, err
		}
		a.codec.PinBlock(startBlock + i)
		bufs[i] = buf
	}
	cache[g] = bufs
	return bufs, nil
}

// scanFree finds and sets the first clear bit across bufs, scanning 32
// bits at a time. Returns the bit index (0-based
// within the whole group) or -1 if every bit is set.
func scanFree(bufs []*blockdev.Buffer) int {
	bitOfWord := 0
	for _, buf := range bufs {
		words := len(buf.Bytes) / 4
		for w := 0; w < words; w++ {
			word := uint32(buf.Bytes[w*4]) | uint32(buf.Bytes[w*4+1])<<8 |
				uint32(buf.Bytes[w*4+2])<<16 | uint32(buf.Bytes[w*4+3])<<24
			if word == 0xFFFFFFFF {
				bitOfWord += 32
				continue
			}
			for b := 0; b < 32; b++ {
				if word&(1<<uint(b)) == 0 {
					idx := bitOfWord + b
					setBit(buf.Bytes, w*4, b)
					return idx
				}
			}
		}
	}
	return -1
}

func setBit(bytes []byte, wordOff, bit int) {
	byteOff := wordOff + bit/8
	bytes[byteOff] |= 1 << uint(bit%8)
}

func clearBit(bytes []byte, wordOff, bit int) bool {
	byteOff := wordOff + bit/8
	mask := byte(1 << uint(bit%8))
	was := bytes[byteOff]&mask != 0
	bytes[byteOff] &^= mask
	return was
}

func testBit(bytes []byte, wordOff, bit int) bool {
	byteOff := wordOff + bit/8
	return bytes[byteOff]&(1<<uint(bit%8)) != 0
}

// AllocateBlock allocates a free data block, biased toward the group of
// the inode requesting it. Returns 0 ("no space") when
// every group is exhausted.
func (a *Allocator) AllocateBlock(biasGroup uint32) (uint32, error) {
	return a.allocate(blockBitmap, biasGroup)
}

// AllocateInode allocates a free inode, biased toward group 0.
func (a *Allocator) AllocateInode() (uint32, error) {
	return a.allocate(inodeBitmap, 0)
}

func (a *Allocator) allocate(kind bitmapKind, bias uint32) (uint32, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	ngroups := uint32(len(a.codec.groups))
	if bias >= ngroups {
		bias = 0
	}

	for off := uint32(0); off < ngroups; off++ {
		g := (bias + off) % ngroups
		gd := a.codec.groups[g]
		free := gd.FreeBlocks
		if kind == inodeBitmap {
			free = gd.FreeInodes
		}
		if free == 0 {
			continue
		}

		bufs, err := a.loadBitmap(kind, int(g))
		if err != nil {
			return 0, err
		}

		bit := scanFree(bufs)
		if bit < 0 {
			// Descriptor claimed free space but the bitmap disagrees:
			// an impossible on-disk state, fatal.
			log.Panicf("ext2: group %d free-count %d but bitmap is full", g, free)
		}

		// Write back whichever block the set bit landed in.
		blockWithin := bit / (int(a.codec.sb.BlockSize) * 8)
		startBlock := gd.BlockBitmap
		if kind == inodeBitmap {
			startBlock = gd.InodeBitmap
		}
		if err := a.codec.WriteBlockAt(startBlock + uint32(blockWithin)); err != nil {
			return 0, err
		}

		if kind == blockBitmap {
			gd.FreeBlocks--
			a.codec.sb.FreeBlockCount--
		} else {
			gd.FreeInodes--
			a.codec.sb.FreeInodeCount--
		}
		if err := a.codec.WriteGroup(gd); err != nil {
			return 0, err
		}
		if err := a.codec.WriteSuperblock(); err != nil {
			return 0, err
		}

		// Global bit number: group*bitsPerGroup + bit-within-group. Both
		// block and inode numbers are 1-based on disk for inodes; block
		// numbers are 0-based relative to first_data_block for group 0's
		// absolute numbering handled by callers that add first_data_block
		// where required. Here we return the raw absolute number.
		bitsPerGroup := a.codec.sb.BlocksPerGroup
		if kind == inodeBitmap {
			bitsPerGroup = a.codec.sb.InodesPerGroup
			return g*bitsPerGroup + uint32(bit) + 1, nil
		}
		return a.codec.sb.FirstDataBlock + g*bitsPerGroup + uint32(bit), nil
	}

	return 0, nil
}

// ReleaseBlock clears the bit for blockNum, incrementing the group and
// superblock free-block counts.
func (a *Allocator) ReleaseBlock(blockNum uint32) error {
	return a.release(blockBitmap, blockNum-a.codec.sb.FirstDataBlock)
}

// ReleaseInode clears the bit for inode n, after the caller has already
// stamped dtime on the inode.
func (a *Allocator) ReleaseInode(n uint32) error {
	return a.release(inodeBitmap, n-1)
}

func (a *Allocator) release(kind bitmapKind, globalBit uint32) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	bitsPerGroup := a.codec.sb.BlocksPerGroup
	if kind == inodeBitmap {
		bitsPerGroup = a.codec.sb.InodesPerGroup
	}
	g := globalBit / bitsPerGroup
	bit := int(globalBit % bitsPerGroup)

	bufs, err := a.loadBitmap(kind, int(g))
	if err != nil {
		return err
	}

	blockSizeBits := int(a.codec.sb.BlockSize) * 8
	bufIdx := bit / blockSizeBits
	bitInBuf := bit % blockSizeBits
	wordOff := (bitInBuf / 32) * 4
	bitInWord := bitInBuf % 32

	if !testBit(bufs[bufIdx].Bytes, wordOff, bitInWord) {
		log.Printf("ext2: double free of %v bit %d in group %d", kind, bit, g)
		return nil
	}
	clearBit(bufs[bufIdx].Bytes, wordOff, bitInWord)

	gd := a.codec.groups[g]
	startBlock := gd.BlockBitmap
	if kind == inodeBitmap {
		startBlock = gd.InodeBitmap
	}
	if err := a.codec.WriteBlockAt(startBlock + uint32(bufIdx)); err != nil {
		return err
	}

	if kind == blockBitmap {
		gd.FreeBlocks++
		a.codec.sb.FreeBlockCount++
	} else {
		gd.FreeInodes++
		a.codec.sb.FreeInodeCount++
	}
	if err := a.codec.WriteGroup(gd); err != nil {
		return err
	}
	return a.codec.WriteSuperblock()
}
