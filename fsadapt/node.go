// Copyright 2019 the Go-FUSE Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package fsadapt binds an ext2.Filesystem to github.com/hanwen/go-fuse/v2/fs,
// the way loopback.go binds a real POSIX directory tree: one node per
// FSObject, Lookup/Readdir/Open/Read/Write/Create/etc. forwarding into the
// ext2 package instead of syscalls against the host.
package fsadapt

import (
	"context"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/pedigree-go/ext2kernel/ext2"
	"github.com/pedigree-go/ext2kernel/posix"
)

// toErrno unwraps a posix.Errno (or a bare syscall.Errno underneath
// blockdev's pread/pwrite errors) into the raw syscall.Errno that
// go-fuse's fs package expects on every Node method's return path.
func toErrno(err error) syscall.Errno {
	if err == nil {
		return fs.OK
	}
	var pe posix.Errno
	if as(err, &pe) {
		return syscall.Errno(pe)
	}
	var se syscall.Errno
	if as(err, &se) {
		return se
	}
	return syscall.EIO
}

// as is errors.As without importing "errors" twice across this small
// package; kept local since every call site here only ever unwraps one
// of two concrete types.
func as(err error, target interface{}) bool {
	switch t := target.(type) {
	case *posix.Errno:
		for err != nil {
			if pe, ok := err.(posix.Errno); ok {
				*t = pe
				return true
			}
			u, ok := err.(interface{ Unwrap() error })
			if !ok {
				return false
			}
			err = u.Unwrap()
		}
	case *syscall.Errno:
		for err != nil {
			if se, ok := err.(syscall.Errno); ok {
				*t = se
				return true
			}
			u, ok := err.(interface{ Unwrap() error })
			if !ok {
				return false
			}
			err = u.Unwrap()
		}
	}
	return false
}

// Root holds the parameters shared by every node of one mounted
// filesystem: the ext2.Filesystem itself and the mount's Dev number.
type Root struct {
	FS *ext2.Filesystem

	// Dev distinguishes the generation number of this mount from any
	// other, mixed into StableAttr the way loopbackRoot.Dev mixes in
	// the underlying device number.
	Dev uint64
}

// node is the InodeEmbedder for one ext2.FSObject. root and obj are set
// once at construction and never reassigned; obj's own internal state is
// guarded by ext2's own locks, so node needs none of its own.
type node struct {
	fs.Inode

	root *Root
	obj  *ext2.FSObject
}

var (
	_ = (fs.NodeGetattrer)((*node)(nil))
	_ = (fs.NodeSetattrer)((*node)(nil))
	_ = (fs.NodeLookuper)((*node)(nil))
	_ = (fs.NodeOpendirer)((*node)(nil))
	_ = (fs.NodeReaddirer)((*node)(nil))
	_ = (fs.NodeOpener)((*node)(nil))
	_ = (fs.NodeReader)((*node)(nil))
	_ = (fs.NodeWriter)((*node)(nil))
	_ = (fs.NodeMkdirer)((*node)(nil))
	_ = (fs.NodeCreater)((*node)(nil))
	_ = (fs.NodeUnlinker)((*node)(nil))
	_ = (fs.NodeRmdirer)((*node)(nil))
	_ = (fs.NodeSymlinker)((*node)(nil))
	_ = (fs.NodeReadlinker)((*node)(nil))
	_ = (fs.NodeLinker)((*node)(nil))
)

func (r *Root) newNode(obj *ext2.FSObject) *node {
	return &node{root: r, obj: obj}
}

func stableAttr(root *Root, obj *ext2.FSObject) fs.StableAttr {
	mode := uint32(syscall.S_IFREG)
	switch obj.Kind {
	case ext2.KindDirectory:
		mode = syscall.S_IFDIR
	case ext2.KindSymlink:
		mode = syscall.S_IFLNK
	}
	return fs.StableAttr{
		Mode: mode,
		Gen:  1,
		Ino:  root.Dev ^ uint64(obj.Ino),
	}
}

// NewRoot returns the InodeEmbedder for fs's root directory, suitable
// for passing to fs.Mount.
func NewRoot(filesystem *ext2.Filesystem) (fs.InodeEmbedder, error) {
	root, err := filesystem.Root()
	if err != nil {
		return nil, err
	}
	r := &Root{FS: filesystem}
	return r.newNode(root), nil
}

func fillAttr(obj *ext2.FSObject, out *fuse.Attr) {
	in := obj.Node.Inode
	out.Ino = uint64(obj.Ino)
	out.Size = uint64(in.Size)
	out.Mode = uint32(in.Mode)
	out.Uid = uint32(in.Uid)
	out.Gid = uint32(in.Gid)
	out.Nlink = uint32(in.LinksCount)
	out.Atime = in.Atime
	out.Mtime = in.Mtime
	out.Ctime = in.Ctime
	out.Blocks = uint64(in.BlocksCount)
}

func (n *node) Getattr(ctx context.Context, f fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	fillAttr(n.obj, &out.Attr)
	return fs.OK
}

func (n *node) Setattr(ctx context.Context, f fs.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	inode := n.obj.Node.Inode
	if m, ok := in.GetMode(); ok {
		inode.SetPerm(uint16(m) & ext2.ModePermMask)
	}
	if uid, ok := in.GetUID(); ok {
		inode.Uid = uint16(uid)
	}
	if gid, ok := in.GetGID(); ok {
		inode.Gid = uint16(gid)
	}
	if sz, ok := in.GetSize(); ok {
		if err := n.obj.Node.Truncate(); err != nil && sz != 0 {
			return toErrno(err)
		}
	}
	if err := n.obj.Sync(); err != nil {
		return toErrno(err)
	}
	fillAttr(n.obj, &out.Attr)
	return fs.OK
}

func (n *node) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	children, err := n.obj.Children()
	if err != nil {
		return nil, toErrno(err)
	}
	child, ok := children[name]
	if !ok {
		return nil, syscall.ENOENT
	}
	fillAttr(child, &out.Attr)
	childNode := n.root.newNode(child)
	ch := n.NewInode(ctx, childNode, stableAttr(n.root, child))
	return ch, fs.OK
}

func (n *node) Opendir(ctx context.Context) syscall.Errno {
	if n.obj.Kind != ext2.KindDirectory {
		return syscall.ENOTDIR
	}
	return fs.OK
}

func (n *node) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	children, err := n.obj.Children()
	if err != nil {
		return nil, toErrno(err)
	}
	entries := make([]fuse.DirEntry, 0, len(children))
	for name, child := range children {
		dt := fuse.S_IFREG
		switch child.Kind {
		case ext2.KindDirectory:
			dt = fuse.S_IFDIR
		case ext2.KindSymlink:
			dt = fuse.S_IFLNK
		}
		entries = append(entries, fuse.DirEntry{
			Name: name,
			Ino:  uint64(child.Ino),
			Mode: uint32(dt),
		})
	}
	return fs.NewListDirStream(entries), fs.OK
}

func (n *node) Readlink(ctx context.Context) ([]byte, syscall.Errno) {
	target, err := n.obj.ReadLink()
	if err != nil {
		return nil, toErrno(err)
	}
	return []byte(target), fs.OK
}

func (n *node) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	caller, _ := fuse.FromContext(ctx)
	uid, gid := callerIDs(caller)
	child, err := n.root.FS.CreateDirectory(n.obj, name, uint16(mode), uid, gid)
	if err != nil {
		return nil, toErrno(err)
	}
	fillAttr(child, &out.Attr)
	ch := n.NewInode(ctx, n.root.newNode(child), stableAttr(n.root, child))
	return ch, fs.OK
}

func (n *node) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*fs.Inode, fs.FileHandle, uint32, syscall.Errno) {
	caller, _ := fuse.FromContext(ctx)
	uid, gid := callerIDs(caller)
	child, err := n.root.FS.CreateFile(n.obj, name, uint16(mode), uid, gid)
	if err != nil {
		return nil, nil, 0, toErrno(err)
	}
	fillAttr(child, &out.Attr)
	ch := n.NewInode(ctx, n.root.newNode(child), stableAttr(n.root, child))
	return ch, &fileHandle{obj: child}, 0, fs.OK
}

func (n *node) Symlink(ctx context.Context, target, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	caller, _ := fuse.FromContext(ctx)
	uid, gid := callerIDs(caller)
	child, err := n.root.FS.CreateSymlink(n.obj, name, target, uid, gid)
	if err != nil {
		return nil, toErrno(err)
	}
	fillAttr(child, &out.Attr)
	ch := n.NewInode(ctx, n.root.newNode(child), stableAttr(n.root, child))
	return ch, fs.OK
}

func (n *node) Link(ctx context.Context, target fs.InodeEmbedder, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	tn, ok := target.(*node)
	if !ok {
		return nil, syscall.EXDEV
	}
	child, err := n.root.FS.Link(n.obj, name, tn.obj)
	if err != nil {
		return nil, toErrno(err)
	}
	fillAttr(child, &out.Attr)
	ch := n.NewInode(ctx, n.root.newNode(child), stableAttr(n.root, child))
	return ch, fs.OK
}

func (n *node) Unlink(ctx context.Context, name string) syscall.Errno {
	children, err := n.obj.Children()
	if err != nil {
		return toErrno(err)
	}
	child, ok := children[name]
	if !ok {
		return syscall.ENOENT
	}
	if child.Kind == ext2.KindDirectory {
		return syscall.EISDIR
	}
	return toErrno(n.root.FS.Remove(n.obj, child))
}

func (n *node) Rmdir(ctx context.Context, name string) syscall.Errno {
	children, err := n.obj.Children()
	if err != nil {
		return toErrno(err)
	}
	child, ok := children[name]
	if !ok {
		return syscall.ENOENT
	}
	if child.Kind != ext2.KindDirectory {
		return syscall.ENOTDIR
	}
	return toErrno(n.root.FS.Remove(n.obj, child))
}

func callerIDs(caller *fuse.Caller) (uid, gid uint16) {
	if caller == nil {
		return 0, 0
	}
	return uint16(caller.Uid), uint16(caller.Gid)
}
