// Copyright 2019 the Go-FUSE Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ext2

import "testing"

// TestCreateUnlinkPreservesFreeCounts checks the round-trip
// law: open(O_CREAT); unlink leaves free-inode and free-block counts
// unchanged.
func TestCreateUnlinkPreservesFreeCounts(t *testing.T) {
	fs := newTestFS()
	root, _ := fs.Root()

	freeBlocksBefore := fs.codec.sb.FreeBlockCount
	freeInodesBefore := fs.codec.sb.FreeInodeCount

	f, err := fs.CreateFile(root, "tmp", 0644, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.Node.Write(0, 3000, make([]byte, 3000)); err != nil {
		t.Fatalf("Write: %v", err)
	}

	if err := fs.Remove(root, f); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	if fs.codec.sb.FreeBlockCount != freeBlocksBefore {
		t.Fatalf("free blocks = %d, want %d", fs.codec.sb.FreeBlockCount, freeBlocksBefore)
	}
	if fs.codec.sb.FreeInodeCount != freeInodesBefore {
		t.Fatalf("free inodes = %d, want %d", fs.codec.sb.FreeInodeCount, freeInodesBefore)
	}
}

// TestAllocatorInvariant checks the universal invariant: summed
// free blocks/inodes across groups match the superblock counters.
func TestAllocatorInvariant(t *testing.T) {
	fs := newTestFS()
	root, _ := fs.Root()

	for i := 0; i < 5; i++ {
		if _, err := fs.CreateFile(root, string(rune('a'+i)), 0644, 0, 0); err != nil {
			t.Fatal(err)
		}
	}

	var sumFreeBlocks, sumFreeInodes uint32
	for _, g := range fs.codec.groups {
		sumFreeBlocks += uint32(g.FreeBlocks)
		sumFreeInodes += uint32(g.FreeInodes)
	}

	if sumFreeBlocks != fs.codec.sb.FreeBlockCount {
		t.Fatalf("sum of group free blocks = %d, superblock says %d", sumFreeBlocks, fs.codec.sb.FreeBlockCount)
	}
	if sumFreeInodes != fs.codec.sb.FreeInodeCount {
		t.Fatalf("sum of group free inodes = %d, superblock says %d", sumFreeInodes, fs.codec.sb.FreeInodeCount)
	}
}
