// Copyright 2019 the Go-FUSE Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ext2

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pedigree-go/ext2kernel/blockdev"
	"github.com/pedigree-go/ext2kernel/posix"
)

// inlineValueLimit is "four times fifteen bytes": the 15 block pointers,
// 4 bytes each, read as raw inline storage.
const inlineValueLimit = numBlockPointers * 4

// Filesystem orchestrates mounting and node creation. It
// owns the node arena: every FSObject is looked up and
// cached by inode number here, so cyclic "."/".." references collapse
// onto the same object rather than being duplicated.
type Filesystem struct {
	codec *Codec
	alloc *Allocator

	mu    sync.Mutex
	arena map[uint32]*FSObject

	root *FSObject
}

// MountOptions configures Probe/Mount. A nil pointer means "apply
// defaults", the same convention fuse.MountOptions uses.
type MountOptions struct {
	// ReadOnly records that the mount is read-only. Probe and the
	// Filesystem operations do not consult it, so writes are not refused
	// at this layer.
	ReadOnly bool
}

// Probe mounts dev as ext2, validating the on-disk format. It does not yet construct the root directory
// object; call Root for that.
func Probe(dev blockdev.Device, opts *MountOptions) (*Filesystem, error) {
	codec, err := Mount(dev)
	if err != nil {
		return nil, err
	}
	alloc, err := NewAllocator(codec)
	if err != nil {
		return nil, err
	}
	return &Filesystem{
		codec: codec,
		alloc: alloc,
		arena: make(map[uint32]*FSObject),
	}, nil
}

func (fs *Filesystem) blockSize() uint32 { return fs.codec.sb.BlockSize }

// Root returns the Directory at EXT2_ROOT_INO (2), constructed lazily on
// first call.
func (fs *Filesystem) Root() (*FSObject, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.root != nil {
		return fs.root, nil
	}
	root, err := fs.nodeByInodeLocked(rootInode, KindDirectory)
	if err != nil {
		return nil, err
	}
	root.Name = "/"
	fs.root = root
	return root, nil
}

// nodeByInode returns the arena-unique FSObject for inode n, loading it
// from disk on first reference.
func (fs *Filesystem) nodeByInode(n uint32, kind NodeKind) (*FSObject, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.nodeByInodeLocked(n, kind)
}

func (fs *Filesystem) nodeByInodeLocked(n uint32, kind NodeKind) (*FSObject, error) {
	if o, ok := fs.arena[n]; ok {
		return o, nil
	}
	in, err := fs.codec.GetInode(n)
	if err != nil {
		return nil, err
	}
	o := &FSObject{
		fs:   fs,
		Kind: kindFromMode(in.Mode),
		Ino:  n,
		Node: newNode(fs, in),
	}
	if in.Mode == 0 {
		// Inode table slot never initialized for this number (only
		// true right after a fresh mkfs with a sparse table); fall
		// back to the caller's hint.
		o.Kind = kind
	}
	fs.arena[n] = o
	return o, nil
}

// createNode allocates a fresh inode, stashes an inline value when short
// enough, constructs the typed FSObject, links it into parent, and writes
// everything back. A hardlink (inodeOverride != 0) takes a separate path
// through linkExisting, since it must reuse the arena's existing FSObject
// for that inode rather than constructing a second one for the same inode
// number — two FSObjects backing one inode would let one of them go stale
// the moment the other's link count or block list changes.
func (fs *Filesystem) createNode(parent *FSObject, name string, mode uint16, uid, gid uint16, value []byte, kind NodeKind, inodeOverride uint32) (*FSObject, error) {
	if !parent.IsDir() {
		return nil, fmt.Errorf("ext2: create in non-directory: %w", posix.ENotADirectory)
	}
	if name == "" || name == "." || name == ".." {
		return nil, fmt.Errorf("ext2: invalid name %q: %w", name, posix.EInvalidArgument)
	}
	if inodeOverride != 0 {
		return fs.linkExisting(parent, name, inodeOverride, kind)
	}

	inum, err := fs.alloc.AllocateInode()
	if err != nil {
		return nil, err
	}
	if inum == 0 {
		return nil, fmt.Errorf("ext2: no space creating %q: %w", name, posix.ENoSpaceLeftOnDevice)
	}

	in, err := fs.codec.GetInode(inum)
	if err != nil {
		return nil, err
	}

	*in = Inode{raw: in.raw, Num: inum}
	in.Mode = mode | fileTypeToMode(kind)
	in.Uid = uid
	in.Gid = gid
	now := uint32(time.Now().Unix())
	in.Atime, in.Ctime, in.Mtime = now, now, now

	if len(value) > 0 && len(value) < inlineValueLimit {
		setInlineBytes(in, value)
	}
	in.writeBack()

	obj := &FSObject{fs: fs, Kind: kind, Ino: inum, Node: newNode(fs, in)}
	fs.mu.Lock()
	fs.arena[inum] = obj
	fs.mu.Unlock()

	if kind == KindDirectory {
		obj.children = make(map[string]*FSObject)
		obj.populated = true
		if err := obj.AddEntry(".", obj); err != nil {
			return nil, err
		}
		if err := obj.AddEntry("..", parent); err != nil {
			return nil, err
		}
	}

	if len(value) > 0 && len(value) >= inlineValueLimit {
		if _, err := obj.Node.Write(0, uint64(len(value)), value); err != nil {
			return nil, err
		}
	}

	if err := parent.AddEntry(name, obj); err != nil {
		return nil, err
	}

	now = uint32(time.Now().Unix())
	parent.Node.Inode.Atime = now
	parent.Node.Inode.Mtime = now
	parent.Node.Inode.writeBack()
	if err := fs.codec.WriteInode(parent.Ino); err != nil {
		return nil, err
	}
	if err := fs.codec.WriteInode(inum); err != nil {
		return nil, err
	}

	if kind == KindDirectory {
		group := (inum - 1) / fs.codec.sb.InodesPerGroup
		gd := fs.codec.groups[group]
		gd.UsedDirsCount++
		if err := fs.codec.WriteGroup(gd); err != nil {
			return nil, err
		}
	}

	return obj, nil
}

// linkExisting adds a second directory entry pointing at the FSObject
// already resident in the arena for inum, bumping its link count in
// place. It must not construct a new FSObject for inum: any caller still
// holding the original (e.g. a parent's children map) would then mutate
// a stale copy of LinksCount and the blocklist, which is exactly the
// divergence that left a removed hardlink target truncated and freed out
// from under a dirent still pointing at it.
func (fs *Filesystem) linkExisting(parent *FSObject, name string, inum uint32, kind NodeKind) (*FSObject, error) {
	fs.mu.Lock()
	obj, err := fs.nodeByInodeLocked(inum, kind)
	fs.mu.Unlock()
	if err != nil {
		return nil, err
	}

	// AddEntry records name on obj; keep the name obj already had so a
	// later Remove of the original link still finds its own entry.
	oldName := obj.Name
	err = parent.AddEntry(name, obj)
	obj.Name = oldName
	if err != nil {
		return nil, err
	}

	now := uint32(time.Now().Unix())
	parent.Node.Inode.Atime = now
	parent.Node.Inode.Mtime = now
	parent.Node.Inode.writeBack()
	if err := fs.codec.WriteInode(parent.Ino); err != nil {
		return nil, err
	}
	return obj, nil
}

func fileTypeToMode(k NodeKind) uint16 {
	switch k {
	case KindDirectory:
		return ModeDir
	case KindSymlink:
		return ModeSymlink
	default:
		return ModeFile
	}
}

// CreateFile creates a regular file named name in parent.
func (fs *Filesystem) CreateFile(parent *FSObject, name string, perm uint16, uid, gid uint16) (*FSObject, error) {
	return fs.createNode(parent, name, perm&ModePermMask, uid, gid, nil, KindFile, 0)
}

// CreateDirectory creates a directory named name in parent, pre-populated
// with "." and "..".
func (fs *Filesystem) CreateDirectory(parent *FSObject, name string, perm uint16, uid, gid uint16) (*FSObject, error) {
	return fs.createNode(parent, name, perm&ModePermMask, uid, gid, nil, KindDirectory, 0)
}

// CreateSymlink creates a symlink named name in parent pointing at
// target, inlined into i_block when shorter than 60 bytes.
func (fs *Filesystem) CreateSymlink(parent *FSObject, name, target string, uid, gid uint16) (*FSObject, error) {
	return fs.createNode(parent, name, 0777, uid, gid, []byte(target), KindSymlink, 0)
}

// Link creates a hard link named name in parent pointing at the inode
// backing existing: reuses createNode with inodeOverride set, which
// routes to linkExisting so the existing arena entry is shared rather
// than duplicated.
func (fs *Filesystem) Link(parent *FSObject, name string, existing *FSObject) (*FSObject, error) {
	return fs.createNode(parent, name, existing.Node.Inode.Perm(), existing.Node.Inode.Uid, existing.Node.Inode.Gid, nil, existing.Kind, existing.Ino)
}

// Remove unlinks file from parent.
func (fs *Filesystem) Remove(parent *FSObject, file *FSObject) error {
	name := file.Name
	if err := parent.RemoveEntry(name, file); err != nil {
		return err
	}
	if file.Kind == KindDirectory && name != "." && name != ".." {
		group := (file.Ino - 1) / fs.codec.sb.InodesPerGroup
		gd := fs.codec.groups[group]
		if gd.UsedDirsCount > 0 {
			gd.UsedDirsCount--
		}
		if err := fs.codec.WriteGroup(gd); err != nil {
			return err
		}
	}
	return nil
}

// decrementLinks drops target's link count, releasing its blocks and
// inode back to the allocator once it reaches zero.
func (fs *Filesystem) decrementLinks(target *FSObject) error {
	in := target.Node.Inode
	if in.LinksCount > 0 {
		in.LinksCount--
	}
	if in.LinksCount == 0 {
		if err := target.Node.Truncate(); err != nil {
			return err
		}
		in.Dtime = uint32(time.Now().Unix())
		in.writeBack()
		if err := fs.codec.WriteInode(target.Ino); err != nil {
			return err
		}
		if err := fs.alloc.ReleaseInode(target.Ino); err != nil {
			return err
		}
		fs.mu.Lock()
		delete(fs.arena, target.Ino)
		fs.mu.Unlock()
		return nil
	}
	in.writeBack()
	return fs.codec.WriteInode(target.Ino)
}

// Lookup resolves a "/"-separated path from root. Symlinks are not
// followed: a symlink as an intermediate component fails with
// ENotADirectory, and a terminal symlink is returned as-is.
func (fs *Filesystem) Lookup(path string) (*FSObject, error) {
	root, err := fs.Root()
	if err != nil {
		return nil, err
	}
	path = strings.Trim(path, "/")
	if path == "" {
		return root, nil
	}
	cur := root
	for _, part := range strings.Split(path, "/") {
		if !cur.IsDir() {
			return nil, fmt.Errorf("ext2: %q: %w", part, posix.ENotADirectory)
		}
		children, err := cur.Children()
		if err != nil {
			return nil, err
		}
		next, ok := children[part]
		if !ok {
			return nil, fmt.Errorf("ext2: %q: %w", part, posix.EDoesNotExist)
		}
		cur = next
	}
	return cur, nil
}
