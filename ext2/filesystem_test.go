// Copyright 2019 the Go-FUSE Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ext2

import (
	"bytes"
	"testing"
)

// TestCreateWriteReadBack exercises create, write,
// read back, with an fstat-equivalent size check.
func TestCreateWriteReadBack(t *testing.T) {
	fs := newTestFS()
	root, err := fs.Root()
	if err != nil {
		t.Fatal(err)
	}

	f, err := fs.CreateFile(root, "a", 0644, 0, 0)
	if err != nil {
		t.Fatalf("CreateFile: %v", err)
	}

	if _, err := f.Node.Write(0, 3, []byte("abc")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	children, err := root.Children()
	if err != nil {
		t.Fatal(err)
	}
	got, ok := children["a"]
	if !ok {
		t.Fatalf("root has no child %q", "a")
	}

	buf := make([]byte, 4)
	n, err := got.Node.Read(0, 4, buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if n != 3 {
		t.Fatalf("Read returned %d bytes, want 3", n)
	}
	if !bytes.Equal(buf[:3], []byte("abc")) {
		t.Fatalf("Read returned %q, want %q", buf[:3], "abc")
	}
	if got.Node.Inode.Size != 3 {
		t.Fatalf("Inode.Size = %d, want 3", got.Node.Inode.Size)
	}
}

// TestWritePastEOFZeroFills exercises a boundary case:
// writing past EOF extends the file and zero-fills the gap.
func TestWritePastEOFZeroFills(t *testing.T) {
	fs := newTestFS()
	root, _ := fs.Root()
	f, err := fs.CreateFile(root, "gap", 0644, 0, 0)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := f.Node.Write(2000, 3, []byte("xyz")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	buf := make([]byte, 2000)
	n, err := f.Node.Read(0, 2000, buf)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2000 {
		t.Fatalf("Read returned %d bytes, want 2000", n)
	}
	for i, b := range buf {
		if b != 0 {
			t.Fatalf("gap byte %d = %d, want 0", i, b)
		}
	}
}

// TestHardlinkCount exercises link-count bookkeeping across Link/Remove.
func TestHardlinkCount(t *testing.T) {
	fs := newTestFS()
	root, _ := fs.Root()

	a, err := fs.CreateFile(root, "a", 0644, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := a.Node.Write(0, 5, []byte("hello")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	b, err := fs.Link(root, "b", a)
	if err != nil {
		t.Fatalf("Link: %v", err)
	}
	if b.Ino != a.Ino {
		t.Fatalf("linked inode = %d, want %d", b.Ino, a.Ino)
	}
	if b != a {
		t.Fatalf("Link returned a distinct FSObject for the same inode; hardlinks must share the arena entry")
	}

	if err := fs.Remove(root, a); err != nil {
		t.Fatalf("Remove a: %v", err)
	}

	children, err := root.Children()
	if err != nil {
		t.Fatal(err)
	}
	bb, ok := children["b"]
	if !ok {
		t.Fatalf("root missing %q after unlinking %q", "b", "a")
	}
	if bb.Node.Inode.LinksCount != 1 {
		t.Fatalf("links count = %d, want 1", bb.Node.Inode.LinksCount)
	}

	buf := make([]byte, 5)
	n, err := bb.Node.Read(0, 5, buf)
	if err != nil {
		t.Fatalf("Read %q after unlinking %q: %v", "b", "a", err)
	}
	if n != 5 || string(buf) != "hello" {
		t.Fatalf("Read %q after unlinking %q = %q, want %q (inode was freed/truncated out from under the surviving link)", "b", "a", buf[:n], "hello")
	}
}

// TestMkdirRmdirPreservesUsedDirsCount checks the round-trip
// law: mkdir then rmdir leaves used-dirs-count unchanged.
func TestMkdirRmdirPreservesUsedDirsCount(t *testing.T) {
	fs := newTestFS()
	root, _ := fs.Root()

	group := fs.codec.groups[0]
	before := group.UsedDirsCount

	d, err := fs.CreateDirectory(root, "sub", 0755, 0, 0)
	if err != nil {
		t.Fatalf("CreateDirectory: %v", err)
	}
	if group.UsedDirsCount != before+1 {
		t.Fatalf("used dirs count after mkdir = %d, want %d", group.UsedDirsCount, before+1)
	}

	// rmdir: remove the "." / ".." entries first is not required by
	// this driver's Remove, which only touches the parent's entry.
	if err := fs.Remove(root, d); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if group.UsedDirsCount != before {
		t.Fatalf("used dirs count after rmdir = %d, want %d", group.UsedDirsCount, before)
	}
}
