// Copyright 2019 the Go-FUSE Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ext2

import (
	"errors"
	"testing"

	"github.com/pedigree-go/ext2kernel/posix"
)

// TestCrossIndirectWrite exercises writing 20KiB
// with a 1024-byte block size crosses from direct into single-indirect
// blocks, and truncating then writing 1 byte restores blocks == 1.
func TestCrossIndirectWrite(t *testing.T) {
	fs := newTestFS()
	root, _ := fs.Root()

	f, err := fs.CreateFile(root, "big", 0644, 0, 0)
	if err != nil {
		t.Fatal(err)
	}

	data := make([]byte, 20*1024)
	for i := range data {
		data[i] = byte(i)
	}
	if _, err := f.Node.Write(0, uint64(len(data)), data); err != nil {
		t.Fatalf("Write: %v", err)
	}

	// 20 data blocks + 1 single-indirect index block = 21 * (1024/512)
	// 512-byte units, matching st_blocks semantics.
	wantUnits := uint32(21 * (1024 / 512))
	if f.Node.Inode.BlocksCount != wantUnits {
		t.Fatalf("BlocksCount = %d, want %d", f.Node.Inode.BlocksCount, wantUnits)
	}

	readBack := make([]byte, len(data))
	n, err := f.Node.Read(0, uint64(len(data)), readBack)
	if err != nil {
		t.Fatal(err)
	}
	if n != uint64(len(data)) {
		t.Fatalf("Read returned %d bytes, want %d", n, len(data))
	}
	for i := range data {
		if readBack[i] != data[i] {
			t.Fatalf("byte %d = %d, want %d", i, readBack[i], data[i])
		}
	}

	if err := f.Node.Truncate(); err != nil {
		t.Fatalf("Truncate: %v", err)
	}
	if _, err := f.Node.Write(0, 1, []byte{1}); err != nil {
		t.Fatalf("Write after truncate: %v", err)
	}
	if f.Node.Inode.BlocksCount != uint32(1024/512) {
		t.Fatalf("BlocksCount after truncate+1-byte write = %d, want %d", f.Node.Inode.BlocksCount, 1024/512)
	}
}

// TestBiIndirectTruncateReleasesSecondLevelIndexBlocks grows a file past
// the single-indirect range so it allocates a fresh second-level index
// block under Block[13] for each 1024/4-pointer group, then truncates and
// checks every block freed, including the second-level index blocks,
// comes back to the free count — not just the top-level Block[13] index
// itself.
func TestBiIndirectTruncateReleasesSecondLevelIndexBlocks(t *testing.T) {
	fs := newTestFS()
	root, _ := fs.Root()

	f, err := fs.CreateFile(root, "bi", 0644, 0, 0)
	if err != nil {
		t.Fatal(err)
	}

	p := uint32(1024 / 4)
	// 12 direct + p single-indirect + enough bi-indirect blocks to span
	// two distinct second-level index blocks (two different outer values).
	total := 12 + p + p + 1
	data := make([]byte, int(total)*1024)
	if _, err := f.Node.Write(0, uint64(len(data)), data); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if f.Node.Inode.Block[13] == 0 {
		t.Fatalf("Block[13] not allocated, test didn't reach bi-indirect range")
	}

	freeBefore := fs.codec.sb.FreeBlockCount
	if err := f.Node.Truncate(); err != nil {
		t.Fatalf("Truncate: %v", err)
	}
	freeAfter := fs.codec.sb.FreeBlockCount

	// total data blocks + 1 single-indirect index + 1 bi-indirect top
	// index + 2 second-level index blocks (one per outer value spanned).
	wantFreed := total + 1 + 1 + 2
	if got := freeAfter - freeBefore; got != wantFreed {
		t.Fatalf("freed %d blocks on truncate, want %d (second-level bi-indirect index blocks leaked)", got, wantFreed)
	}
}

// TestTriIndirectUnimplemented checks a boundary case:
// the 12+P+P²+1-th block fails with Unimplemented rather than silently
// corrupting state. It drives addBlockLocked directly at the boundary
// rather than writing the many megabytes of direct/indirect blocks that
// would otherwise precede it.
func TestTriIndirectUnimplemented(t *testing.T) {
	fs := newTestFS()
	root, _ := fs.Root()
	f, err := fs.CreateFile(root, "huge", 0644, 0, 0)
	if err != nil {
		t.Fatal(err)
	}

	p := uint32(1024 / 4)
	boundary := 12 + p + p*p

	f.Node.mu.Lock()
	f.Node.blocks = make([]uint32, boundary)
	for i := range f.Node.blocks {
		f.Node.blocks[i] = 0
	}
	err = f.Node.addBlockLocked(1)
	f.Node.mu.Unlock()

	if !errors.Is(err, posix.EUnimplemented) {
		t.Fatalf("addBlockLocked at tri-indirect boundary = %v, want Unimplemented error", err)
	}
}
