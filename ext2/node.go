// Copyright 2019 the Go-FUSE Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ext2

import (
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/pedigree-go/ext2kernel/internal/endian"
	"github.com/pedigree-go/ext2kernel/posix"
)

const unresolved = ^uint32(0)

// Node holds the per-inode block-index resolution, read/write/extend/
// truncate logic. It lazily populates an array mapping
// logical block index -> physical block number, one entry per logical
// block from 0 to ceil(i_blocks*512/block_size)-1.
type Node struct {
	fs    *Filesystem
	Inode *Inode

	mu     sync.Mutex
	blocks []uint32 // logical -> physical, unresolved sentinel until loaded

	sf singleflight.Group
}

func newNode(fs *Filesystem, in *Inode) *Node {
	n := &Node{fs: fs, Inode: in}
	n.resizeBlocks()
	return n
}

func (n *Node) resizeBlocks() {
	want := int(n.Inode.BlockUnits(n.fs.blockSize()))
	if len(n.blocks) == want {
		return
	}
	blocks := make([]uint32, want)
	copy(blocks, n.blocks)
	for i := len(n.blocks); i < want; i++ {
		blocks[i] = unresolved
	}
	n.blocks = blocks
}

// pointersPerBlock is P: how many 4-byte block pointers fit in one block.
func (n *Node) pointersPerBlock() uint32 { return n.fs.blockSize() / 4 }

// indexKind is the range classify assigns a logical index L: direct,
// indirect, bi-indirect or tri-indirect.
type indexKind int

const (
	direct indexKind = iota
	singleIndirect
	biIndirect
	triIndirect
)

func (n *Node) classify(l uint32) (kind indexKind, outer, inner uint32) {
	p := n.pointersPerBlock()
	switch {
	case l < 12:
		return direct, 0, 0
	case l < 12+p:
		return singleIndirect, 0, l - 12
	case l < 12+p+p*p:
		rest := l - 12 - p
		return biIndirect, rest / p, rest % p
	default:
		return triIndirect, 0, 0
	}
}

// blockNumber resolves (and caches) the physical block number for
// logical index l, loading indirect blocks on demand. Caller holds n.mu.
func (n *Node) blockNumber(l uint32) (uint32, error) {
	if int(l) >= len(n.blocks) {
		return 0, fmt.Errorf("ext2: logical block %d exceeds tracked count %d: %w", l, len(n.blocks), posix.EIoError)
	}
	if n.blocks[l] != unresolved {
		return n.blocks[l], nil
	}

	kind, outer, inner := n.classify(l)
	switch kind {
	case direct:
		n.blocks[l] = n.Inode.Block[l]
	case singleIndirect:
		ptr, err := n.loadIndirectEntry(n.Inode.Block[12], inner)
		if err != nil {
			return 0, err
		}
		n.blocks[l] = ptr
	case biIndirect:
		outerBlock, err := n.loadIndirectEntry(n.Inode.Block[13], outer)
		if err != nil {
			return 0, err
		}
		ptr, err := n.loadIndirectEntry(outerBlock, inner)
		if err != nil {
			return 0, err
		}
		n.blocks[l] = ptr
	case triIndirect:
		return 0, fmt.Errorf("ext2: tri-indirect block resolution: %w", posix.EUnimplemented)
	}
	return n.blocks[l], nil
}

// loadIndirectEntry reads entry idx (a 4-byte block pointer) out of the
// indirect block at physical block indirectBlock. Concurrent resolution
// of the same indirect block by two goroutines collapses into a single
// disk read via singleflight.
func (n *Node) loadIndirectEntry(indirectBlock, idx uint32) (uint32, error) {
	key := fmt.Sprintf("%d", indirectBlock)
	v, err, _ := n.sf.Do(key, func() (interface{}, error) {
		buf, err := n.fs.codec.ReadBlockAt(indirectBlock)
		if err != nil {
			return nil, err
		}
		return buf.Bytes, nil
	})
	if err != nil {
		return 0, err
	}
	raw := v.([]byte)
	return endian.U32(raw, int(idx)*4), nil
}

// Read copies min(size, i_size-location) bytes starting at location into
// dst, returning the number of bytes actually copied.
func (n *Node) Read(location, size uint64, dst []byte) (uint64, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if location >= uint64(n.Inode.Size) {
		return 0, nil
	}
	if location+size > uint64(n.Inode.Size) {
		size = uint64(n.Inode.Size) - location
	}
	if size == 0 {
		return 0, nil
	}

	if n.Inode.isInlineSymlink() {
		target := inlineBytes(n.Inode)
		if location >= uint64(len(target)) {
			return 0, nil
		}
		end := location + size
		if end > uint64(len(target)) {
			end = uint64(len(target))
		}
		copy(dst, target[location:end])
		return end - location, nil
	}

	blockSize := uint64(n.fs.blockSize())
	var done uint64
	for done < size {
		abs := location + done
		l := uint32(abs / blockSize)
		within := abs % blockSize
		chunk := blockSize - within
		if chunk > size-done {
			chunk = size - done
		}

		physical, err := n.blockNumber(l)
		if err != nil {
			return done, err
		}
		buf, err := n.fs.codec.ReadBlockAt(physical)
		if err != nil {
			return done, err
		}
		copy(dst[done:done+chunk], buf.Bytes[within:within+chunk])
		done += chunk
	}
	return done, nil
}

// Write overwrites (and, past EOF, extends and zero-fills) the byte
// range [location, location+size) from src.
func (n *Node) Write(location, size uint64, src []byte) (uint64, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if err := n.ensureLargeEnoughLocked(location + size); err != nil {
		return 0, err
	}

	blockSize := uint64(n.fs.blockSize())
	var done uint64
	for done < size {
		abs := location + done
		l := uint32(abs / blockSize)
		within := abs % blockSize
		chunk := blockSize - within
		if chunk > size-done {
			chunk = size - done
		}

		physical, err := n.blockNumber(l)
		if err != nil {
			return done, err
		}
		buf, err := n.fs.codec.ReadBlockAt(physical)
		if err != nil {
			return done, err
		}
		copy(buf.Bytes[within:within+chunk], src[done:done+chunk])
		if err := n.fs.codec.WriteBlockAt(physical); err != nil {
			return done, err
		}
		done += chunk
	}

	if location+size > uint64(n.Inode.Size) {
		n.Inode.Size = uint32(location + size)
	}
	n.Inode.writeBack()
	if err := n.fs.codec.WriteInode(n.Inode.Num); err != nil {
		return done, err
	}
	return done, nil
}

// ensureLargeEnoughLocked grows the node until its current block
// allocation covers wantSize bytes, zero-filling every newly appended
// block. Caller holds n.mu.
func (n *Node) ensureLargeEnoughLocked(wantSize uint64) error {
	blockSize := uint64(n.fs.blockSize())
	for uint64(len(n.blocks))*blockSize < wantSize {
		biasGroup := (n.Inode.Num - 1) / n.fs.codec.sb.InodesPerGroup
		blockNum, err := n.fs.alloc.AllocateBlock(biasGroup)
		if err != nil {
			return err
		}
		if blockNum == 0 {
			return fmt.Errorf("ext2: no space extending inode %d: %w", n.Inode.Num, posix.ENoSpaceLeftOnDevice)
		}
		if err := n.addBlockLocked(blockNum); err != nil {
			return err
		}
		if err := zeroBlock(n.fs.codec, blockNum); err != nil {
			return err
		}
	}
	return nil
}

func zeroBlock(c *Codec, blockNum uint32) error {
	buf, err := c.ReadBlockAt(blockNum)
	if err != nil {
		return err
	}
	for i := range buf.Bytes {
		buf.Bytes[i] = 0
	}
	return c.WriteBlockAt(blockNum)
}

// addBlockLocked appends blockNum as the node's next logical block,
// allocating and wiring up indirect/bi-indirect index blocks on the
// transitions from direct to indirect to bi-indirect pointers. Caller holds n.mu.
func (n *Node) addBlockLocked(blockNum uint32) error {
	nBlocks := uint32(len(n.blocks))
	p := n.pointersPerBlock()

	switch {
	case nBlocks < 12:
		n.Inode.Block[nBlocks] = blockNum
		n.blocks = append(n.blocks, blockNum)
		n.Inode.BlocksCount += n.fs.blockSize() / 512
		n.Inode.writeBack()
		return n.fs.codec.WriteInode(n.Inode.Num)

	case nBlocks < 12+p:
		if nBlocks == 12 {
			idx, err := n.allocIndexBlock()
			if err != nil {
				return err
			}
			n.Inode.Block[12] = idx
		}
		if err := n.setIndirectEntry(n.Inode.Block[12], nBlocks-12, blockNum); err != nil {
			return err
		}
		n.blocks = append(n.blocks, blockNum)
		n.Inode.BlocksCount += n.fs.blockSize() / 512
		n.Inode.writeBack()
		return n.fs.codec.WriteInode(n.Inode.Num)

	case nBlocks < 12+p+p*p:
		if nBlocks == 12+p {
			idx, err := n.allocIndexBlock()
			if err != nil {
				return err
			}
			n.Inode.Block[13] = idx
		}
		rest := nBlocks - 12 - p
		outer := rest / p
		inner := rest % p

		outerBlock, err := n.loadIndirectEntry(n.Inode.Block[13], outer)
		if err != nil {
			return err
		}
		if inner == 0 {
			outerBlock, err = n.allocIndexBlock()
			if err != nil {
				return err
			}
			if err := n.setIndirectEntry(n.Inode.Block[13], outer, outerBlock); err != nil {
				return err
			}
		}
		if err := n.setIndirectEntry(outerBlock, inner, blockNum); err != nil {
			return err
		}
		n.blocks = append(n.blocks, blockNum)
		n.Inode.BlocksCount += n.fs.blockSize() / 512
		n.Inode.writeBack()
		return n.fs.codec.WriteInode(n.Inode.Num)

	default:
		return fmt.Errorf("ext2: tri-indirect block allocation: %w", posix.EUnimplemented)
	}
}

// allocIndexBlock allocates and zeroes a fresh indirect/bi-indirect index
// block, counts it in the inode's BlocksCount, and returns its physical
// block number.
func (n *Node) allocIndexBlock() (uint32, error) {
	biasGroup := (n.Inode.Num - 1) / n.fs.codec.sb.InodesPerGroup
	blockNum, err := n.fs.alloc.AllocateBlock(biasGroup)
	if err != nil {
		return 0, err
	}
	if blockNum == 0 {
		return 0, fmt.Errorf("ext2: no space allocating index block: %w", posix.ENoSpaceLeftOnDevice)
	}
	if err := zeroBlock(n.fs.codec, blockNum); err != nil {
		return 0, err
	}
	n.Inode.BlocksCount += n.fs.blockSize() / 512
	return blockNum, nil
}

func (n *Node) setIndirectEntry(indirectBlock, idx, value uint32) error {
	buf, err := n.fs.codec.ReadBlockAt(indirectBlock)
	if err != nil {
		return err
	}
	endian.PutU32(buf.Bytes, int(idx)*4, value)
	return n.fs.codec.WriteBlockAt(indirectBlock)
}

// Truncate releases every currently-tracked block back to the allocator
// and zeroes the inode's size and block-pointer state.
func (n *Node) Truncate() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	seen := make(map[uint32]bool)
	for l := range n.blocks {
		physical, err := n.blockNumber(uint32(l))
		if err != nil {
			return err
		}
		if physical == 0 || seen[physical] {
			continue
		}
		seen[physical] = true
		if err := n.fs.alloc.ReleaseBlock(physical); err != nil {
			return err
		}
	}
	// Index blocks are not tracked in n.blocks; release them directly
	// from the inode's indirect pointers. The bi-indirect pointer's own
	// index block (Block[13]) holds one second-level index block per
	// distinct outer value ever allocated under it, and those have to be
	// read out and released individually before Block[13] itself goes,
	// or every second-level index block a file ever grew into leaks.
	if n.Inode.Block[13] != 0 {
		buf, err := n.fs.codec.ReadBlockAt(n.Inode.Block[13])
		if err != nil {
			return err
		}
		p := int(n.pointersPerBlock())
		for i := 0; i < p; i++ {
			outerBlock := endian.U32(buf.Bytes, i*4)
			if outerBlock == 0 {
				continue
			}
			if err := n.fs.alloc.ReleaseBlock(outerBlock); err != nil {
				return err
			}
		}
	}
	for _, idx := range []uint32{n.Inode.Block[12], n.Inode.Block[13]} {
		if idx != 0 {
			if err := n.fs.alloc.ReleaseBlock(idx); err != nil {
				return err
			}
		}
	}

	n.blocks = nil
	for i := range n.Inode.Block {
		n.Inode.Block[i] = 0
	}
	n.Inode.BlocksCount = 0
	n.Inode.Size = 0
	n.Inode.writeBack()
	return n.fs.codec.WriteInode(n.Inode.Num)
}

// inlineBytes returns the up-to-60-byte inline target stored directly in
// i_block for a fast symlink.
func inlineBytes(in *Inode) []byte {
	b := make([]byte, 0, numBlockPointers*4)
	for _, v := range in.Block {
		b = append(b, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
	}
	if int(in.Size) < len(b) {
		b = b[:in.Size]
	}
	return b
}

// setInlineBytes stashes value directly into i_block for a symlink
// target shorter than 60 bytes.
func setInlineBytes(in *Inode, value []byte) {
	var raw [numBlockPointers * 4]byte
	copy(raw[:], value)
	for i := range in.Block {
		in.Block[i] = uint32(raw[i*4]) | uint32(raw[i*4+1])<<8 | uint32(raw[i*4+2])<<16 | uint32(raw[i*4+3])<<24
	}
	in.Size = uint32(len(value))
}
