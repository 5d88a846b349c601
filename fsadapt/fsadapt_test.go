// Copyright 2019 the Go-FUSE Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package fsadapt

import (
	"context"
	"sync"
	"syscall"
	"testing"

	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/kylelemons/godebug/pretty"

	"github.com/pedigree-go/ext2kernel/blockdev"
	"github.com/pedigree-go/ext2kernel/ext2"
	"github.com/pedigree-go/ext2kernel/internal/endian"
)

// memDevice mirrors ext2's own package-internal test harness; fsadapt
// can't reach that one since it's unexported in a different package, so
// it gets its own minimal copy of the same fixture shape.
type memDevice struct {
	blockSize int
	data      []byte

	mu      sync.Mutex
	buffers map[int64]*blockdev.Buffer
}

func newMemDevice(blockSize, nblocks int) *memDevice {
	return &memDevice{
		blockSize: blockSize,
		data:      make([]byte, blockSize*nblocks),
		buffers:   make(map[int64]*blockdev.Buffer),
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
func (d *memDevice) Pin(offset int64)              {}
func (d *memDevice) Unpin(offset int64)            {}

const testMagic = 0xEF53

func buildTestImage() *memDevice {
	const blockSize = 1024
	dev := newMemDevice(blockSize, 256)

	sbBuf, _ := dev.ReadBlock(1024)
	raw := sbBuf.Bytes
	endian.PutU32(raw, 0, 128)  // inode count
	endian.PutU32(raw, 4, 8192) // block count
	endian.PutU32(raw, 12, 8176)
	endian.PutU32(raw, 16, 117)
	endian.PutU32(raw, 20, 1) // first data block
	endian.PutU32(raw, 24, 0) // log block size -> 1024
	endian.PutU32(raw, 32, 8192)
	endian.PutU32(raw, 40, 128)
	endian.PutU16(raw, 56, testMagic)
	endian.PutU32(raw, 76, 1)
	endian.PutU16(raw, 88, 128) // inode size

	gdBuf, _ := dev.ReadBlock(2 * blockSize)
	endian.PutU32(gdBuf.Bytes, 0, 4)
	endian.PutU32(gdBuf.Bytes, 4, 5)
	endian.PutU32(gdBuf.Bytes, 8, 6)
	endian.PutU16(gdBuf.Bytes, 12, 8176)
	endian.PutU16(gdBuf.Bytes, 14, 117)

	inodeBits, _ := dev.ReadBlock(5 * blockSize)
	for i := 0; i < 11; i++ {
		inodeBits.Bytes[i/8] |= 1 << uint(i%8)
	}
	blockBits, _ := dev.ReadBlock(4 * blockSize)
	for i := 0; i < 16; i++ {
		blockBits.Bytes[i/8] |= 1 << uint(i%8)
	}

	return dev
}

func newTestRoot(t *testing.T) *node {
	t.Helper()
	filesystem, err := ext2.Probe(buildTestImage(), nil)
	if err != nil {
		t.Fatal(err)
	}
	embedder, err := NewRoot(filesystem)
	if err != nil {
		t.Fatal(err)
	}
	return embedder.(*node)
}

func TestCreateThenLookup(t *testing.T) {
	root := newTestRoot(t)
	ctx := context.Background()

	var eo fuse.EntryOut
	_, fh, _, errno := root.Create(ctx, "hello.txt", syscall.O_RDWR, 0644, &eo)
	if errno != 0 {
		t.Fatalf("Create() errno = %v", errno)
	}

	data := []byte("hello world")
	n, errno := fh.(*fileHandle).Write(ctx, data, 0)
	if errno != 0 || int(n) != len(data) {
		t.Fatalf("Write() = %d, %v, want %d, 0", n, errno, len(data))
	}

	var lookupOut fuse.EntryOut
	childInode, errno := root.Lookup(ctx, "hello.txt", &lookupOut)
	if errno != 0 {
		t.Fatalf("Lookup() errno = %v", errno)
	}
	if lookupOut.Attr.Size != uint64(len(data)) {
		t.Fatalf("Lookup() size = %d, want %d", lookupOut.Attr.Size, len(data))
	}
	_ = childInode
}

func TestMkdirAndReaddir(t *testing.T) {
	root := newTestRoot(t)
	ctx := context.Background()

	var eo fuse.EntryOut
	if _, errno := root.Mkdir(ctx, "sub", 0755, &eo); errno != 0 {
		t.Fatalf("Mkdir() errno = %v", errno)
	}

	stream, errno := root.Readdir(ctx)
	if errno != 0 {
		t.Fatalf("Readdir() errno = %v", errno)
	}
	found := false
	for stream.HasNext() {
		e, errno := stream.Next()
		if errno != 0 {
			t.Fatal(errno)
		}
		if e.Name == "sub" {
			found = true
		}
	}
	if !found {
		t.Fatalf("Readdir() did not include newly created directory")
	}
}

func TestUnlinkRemovesEntry(t *testing.T) {
	root := newTestRoot(t)
	ctx := context.Background()

	var eo fuse.EntryOut
	if _, _, _, errno := root.Create(ctx, "doomed", syscall.O_RDWR, 0644, &eo); errno != 0 {
		t.Fatalf("Create() errno = %v", errno)
	}
	if errno := root.Unlink(ctx, "doomed"); errno != 0 {
		t.Fatalf("Unlink() errno = %v", errno)
	}
	var lookupOut fuse.EntryOut
	if _, errno := root.Lookup(ctx, "doomed", &lookupOut); errno != syscall.ENOENT {
		t.Fatalf("Lookup() after unlink errno = %v, want ENOENT", errno)
	}
}

// TestSetattrOnlyTouchesRequestedFields mirrors loopback_test.go's
// before/after pretty.Compare idiom: a chmod must leave every other
// attribute identical.
func TestSetattrOnlyTouchesRequestedFields(t *testing.T) {
	root := newTestRoot(t)
	ctx := context.Background()

	var createOut fuse.EntryOut
	childInode, _, _, errno := root.Create(ctx, "chmodme", syscall.O_RDWR, 0644, &createOut)
	if errno != 0 {
		t.Fatalf("Create() errno = %v", errno)
	}
	child := childInode.Operations().(*node)

	var before fuse.AttrOut
	if errno := child.Getattr(ctx, nil, &before); errno != 0 {
		t.Fatalf("Getattr() errno = %v", errno)
	}

	var in fuse.SetAttrIn
	in.Valid = fuse.FATTR_MODE
	in.Mode = 0600
	var after fuse.AttrOut
	if errno := child.Setattr(ctx, nil, &in, &after); errno != 0 {
		t.Fatalf("Setattr() errno = %v", errno)
	}

	before.Attr.Mode = after.Attr.Mode
	if diff := pretty.Compare(before.Attr, after.Attr); diff != "" {
		t.Errorf("Setattr(mode) changed unrelated fields: %s", diff)
	}
}

func TestSymlinkReadlink(t *testing.T) {
	root := newTestRoot(t)
	ctx := context.Background()

	var eo fuse.EntryOut
	childInode, errno := root.Symlink(ctx, "/target/path", "link", &eo)
	if errno != 0 {
		t.Fatalf("Symlink() errno = %v", errno)
	}
	childNode := childInode.Operations().(*node)
	target, errno := childNode.Readlink(ctx)
	if errno != 0 {
		t.Fatalf("Readlink() errno = %v", errno)
	}
	if string(target) != "/target/path" {
		t.Fatalf("Readlink() = %q, want /target/path", target)
	}
}
