// Copyright 2019 the Go-FUSE Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ext2

import (
	"fmt"
	"sync"

	"github.com/pedigree-go/ext2kernel/internal/endian"
	"github.com/pedigree-go/ext2kernel/posix"
)

// NodeKind tags the File/Directory/Symlink variant: a
// tagged variant with a shared node header rather than virtual dispatch.
type NodeKind int

const (
	KindFile NodeKind = iota
	KindDirectory
	KindSymlink
)

// FSObject is the shared node header plus variant payload for a File,
// Directory or Symlink. The filesystem's node arena,
// keyed by inode number, owns every FSObject so duplicate lookups of the
// same inode collapse onto the same object — this is what lets a
// Directory's "." and ".." entries be cyclic references without the
// arena itself needing cycle-aware cleanup.
type FSObject struct {
	fs    *Filesystem
	Kind  NodeKind
	Ino   uint32
	Node  *Node
	Name  string // name from the entry that created or loaded it; Link leaves it unchanged

	mu           sync.Mutex
	children     map[string]*FSObject // Kind == KindDirectory only
	populated    bool
}

func (o *FSObject) IsDir() bool     { return o.Kind == KindDirectory }
func (o *FSObject) IsSymlink() bool { return o.Kind == KindSymlink }
func (o *FSObject) IsRegular() bool { return o.Kind == KindFile }

// Sync re-encodes o's inode fields into the pinned inode-table block and
// schedules that block for write-back, for callers that mutate
// Node.Inode's exported fields directly (e.g. an adapter's Setattr).
func (o *FSObject) Sync() error {
	o.Node.Inode.writeBack()
	return o.fs.codec.WriteInode(o.Ino)
}

func kindFromFileType(ft uint8) NodeKind {
	switch ft {
	case DTDir:
		return KindDirectory
	case DTSymlink:
		return KindSymlink
	default:
		return KindFile
	}
}

func kindFromMode(mode uint16) NodeKind {
	switch mode & ModeFormatMask {
	case ModeDir:
		return KindDirectory
	case ModeSymlink:
		return KindSymlink
	default:
		return KindFile
	}
}

func fileTypeFromKind(k NodeKind) uint8 {
	switch k {
	case KindDirectory:
		return DTDir
	case KindSymlink:
		return DTSymlink
	default:
		return DTRegular
	}
}

// populateLocked walks every block of the directory, builds the
// name->child cache. Caller holds o.mu.
func (o *FSObject) populateLocked() error {
	if o.populated {
		return nil
	}
	o.children = make(map[string]*FSObject)

	ft := o.fs.codec.sb.HasFiletype()
	blockSize := int(o.fs.codec.sb.BlockSize)
	nblocks := len(o.Node.blocks)

	for l := 0; l < nblocks; l++ {
		physical, err := o.Node.blockNumber(uint32(l))
		if err != nil {
			return err
		}
		buf, err := o.fs.codec.ReadBlockAt(physical)
		if err != nil {
			return err
		}

		off := 0
		for off < blockSize {
			d := decodeDirent(buf.Bytes, off, ft)
			if d.RecLen == 0 {
				break
			}
			if d.Inode != 0 {
				child, err := o.fs.nodeByInode(d.Inode, kindFromFileType(d.FileType))
				if err != nil {
					return err
				}
				child.Name = d.Name
				o.children[d.Name] = child
			}
			off += int(d.RecLen)
		}
	}

	o.populated = true
	return nil
}

// Children returns the directory's cached name->object mapping,
// populating the cache on first call.
func (o *FSObject) Children() (map[string]*FSObject, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.populateLocked(); err != nil {
		return nil, err
	}
	out := make(map[string]*FSObject, len(o.children))
	for k, v := range o.children {
		out[k] = v
	}
	return out, nil
}

// AddEntry adds name -> target into directory o.
func (o *FSObject) AddEntry(name string, target *FSObject) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.populateLocked(); err != nil {
		return err
	}

	required := align4(direntHeaderSize + uint16(len(name)))
	ft := o.fs.codec.sb.HasFiletype()
	blockSize := int(o.fs.codec.sb.BlockSize)

	for l := 0; l < len(o.Node.blocks); l++ {
		physical, err := o.Node.blockNumber(uint32(l))
		if err != nil {
			return err
		}
		buf, err := o.fs.codec.ReadBlockAt(physical)
		if err != nil {
			return err
		}

		off := 0
		for off < blockSize {
			d := decodeDirent(buf.Bytes, off, ft)
			if d.RecLen == 0 {
				break
			}

			if d.Inode == 0 && d.RecLen >= required {
				// Case (a): unused entry with enough room.
				nd := dirent{raw: buf.Bytes, byteOffset: off, RecLen: d.RecLen}
				nd.Inode = target.Ino
				nd.writeNameAndHeader(name, ft)
				if ft {
					nd.FileType = fileTypeFromKind(target.Kind)
					nd.writeHeader(ft)
				}
				if err := o.fs.codec.WriteBlockAt(physical); err != nil {
					return err
				}
				return o.finishAdd(name, target)
			}

			if d.Inode != 0 {
				actual := d.minRecLen()
				slack := d.RecLen - actual
				if slack >= required {
					// Case (b): shorten donor, place new record in slack.
					nd := dirent{raw: buf.Bytes, byteOffset: off, RecLen: actual}
					nd.writeHeader(ft)
					endian.PutU16(buf.Bytes, off+4, actual)

					newOff := off + int(actual)
					newD := dirent{raw: buf.Bytes, byteOffset: newOff, RecLen: slack}
					newD.Inode = target.Ino
					newD.writeNameAndHeader(name, ft)
					newD.RecLen = slack
					endian.PutU16(buf.Bytes, newOff+4, slack)
					if ft {
						newD.FileType = fileTypeFromKind(target.Kind)
						newD.writeHeader(ft)
					}
					if err := o.fs.codec.WriteBlockAt(physical); err != nil {
						return err
					}
					return o.finishAdd(name, target)
				}
			}

			off += int(d.RecLen)
		}
	}

	// No slack anywhere: extend with a fresh block holding one entry
	// that spans the whole block.
	biasGroup := (o.Ino - 1) / o.fs.codec.sb.InodesPerGroup
	blockNum, err := o.fs.alloc.AllocateBlock(biasGroup)
	if err != nil {
		return err
	}
	if blockNum == 0 {
		return fmt.Errorf("ext2: no space adding directory entry: %w", posix.ENoSpaceLeftOnDevice)
	}
	if err := zeroBlock(o.fs.codec, blockNum); err != nil {
		return err
	}
	if err := o.Node.addBlockLocked(blockNum); err != nil {
		return err
	}

	buf, err := o.fs.codec.ReadBlockAt(blockNum)
	if err != nil {
		return err
	}
	nd := dirent{raw: buf.Bytes, byteOffset: 0}
	nd.Inode = target.Ino
	nd.RecLen = uint16(blockSize)
	nd.writeNameAndHeader(name, ft)
	endian.PutU16(buf.Bytes, 4, uint16(blockSize))
	if ft {
		nd.FileType = fileTypeFromKind(target.Kind)
		nd.writeHeader(ft)
	}
	if err := o.fs.codec.WriteBlockAt(blockNum); err != nil {
		return err
	}
	return o.finishAdd(name, target)
}

func (o *FSObject) finishAdd(name string, target *FSObject) error {
	target.Node.Inode.LinksCount++
	target.Node.Inode.writeBack()
	if err := o.fs.codec.WriteInode(target.Ino); err != nil {
		return err
	}
	target.Name = name
	o.children[name] = target
	return nil
}

// RemoveEntry removes the entry named name pointing at target from
// directory o. The freed record length is folded into the preceding
// entry's rec_len within the same block rather than left as dead space;
// an entry at the start of a block has no preceding entry and is only
// zeroed, keeping its own rec_len.
func (o *FSObject) RemoveEntry(name string, target *FSObject) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.populateLocked(); err != nil {
		return err
	}

	ft := o.fs.codec.sb.HasFiletype()
	blockSize := int(o.fs.codec.sb.BlockSize)

	for l := 0; l < len(o.Node.blocks); l++ {
		physical, err := o.Node.blockNumber(uint32(l))
		if err != nil {
			return err
		}
		buf, err := o.fs.codec.ReadBlockAt(physical)
		if err != nil {
			return err
		}

		off := 0
		prevOff := -1
		for off < blockSize {
			d := decodeDirent(buf.Bytes, off, ft)
			if d.RecLen == 0 {
				break
			}
			if d.Inode == target.Ino && int(d.NameLen) == len(name) && d.Name == name {
				d.zero()
				if prevOff >= 0 {
					prevRecLen := endian.U16(buf.Bytes, prevOff+4)
					endian.PutU16(buf.Bytes, prevOff+4, prevRecLen+endian.U16(buf.Bytes, off+4))
				}
				if err := o.fs.codec.WriteBlockAt(physical); err != nil {
					return err
				}
				delete(o.children, name)
				return o.fs.decrementLinks(target)
			}
			prevOff = off
			off += int(d.RecLen)
		}
	}

	return fmt.Errorf("ext2: directory entry %q not found: %w", name, posix.EDoesNotExist)
}
