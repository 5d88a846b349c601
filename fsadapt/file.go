// Copyright 2019 the Go-FUSE Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package fsadapt

import (
	"context"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/pedigree-go/ext2kernel/ext2"
)

// fileHandle is the FileHandle returned by node.Open/Create: a thin
// adapter from go-fuse's byte-range Read/Write calls onto the ext2
// package's Node.Read/Node.Write.
type fileHandle struct {
	obj *ext2.FSObject
}

var (
	_ = (fs.FileReader)((*fileHandle)(nil))
	_ = (fs.FileWriter)((*fileHandle)(nil))
	_ = (fs.FileGetattrer)((*fileHandle)(nil))
)

func (f *fileHandle) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	n, err := f.obj.Node.Read(uint64(off), uint64(len(dest)), dest)
	if err != nil {
		return nil, toErrno(err)
	}
	return fuse.ReadResultData(dest[:n]), fs.OK
}

func (f *fileHandle) Write(ctx context.Context, data []byte, off int64) (uint32, syscall.Errno) {
	n, err := f.obj.Node.Write(uint64(off), uint64(len(data)), data)
	if err != nil {
		return uint32(n), toErrno(err)
	}
	return uint32(n), fs.OK
}

func (f *fileHandle) Getattr(ctx context.Context, out *fuse.AttrOut) syscall.Errno {
	fillAttr(f.obj, &out.Attr)
	return fs.OK
}

// Open opens obj for reading/writing; ext2 has no separate open-file
// resource, so this just wraps the FSObject the caller already has.
func (n *node) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	if n.obj.Kind != ext2.KindFile {
		return nil, 0, syscall.EISDIR
	}
	return &fileHandle{obj: n.obj}, 0, fs.OK
}

func (n *node) Read(ctx context.Context, f fs.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	if fh, ok := f.(*fileHandle); ok {
		return fh.Read(ctx, dest, off)
	}
	return (&fileHandle{obj: n.obj}).Read(ctx, dest, off)
}

func (n *node) Write(ctx context.Context, f fs.FileHandle, data []byte, off int64) (uint32, syscall.Errno) {
	if fh, ok := f.(*fileHandle); ok {
		return fh.Write(ctx, data, off)
	}
	return (&fileHandle{obj: n.obj}).Write(ctx, data, off)
}
