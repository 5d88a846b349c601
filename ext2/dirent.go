// Copyright 2019 the Go-FUSE Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ext2

import "github.com/pedigree-go/ext2kernel/internal/endian"

const direntHeaderSize = 8 // inode(4) + rec_len(2) + name_len(1) + file_type(1)

// File-type byte values used when the filetype-in-dirent feature is
// enabled.
const (
	DTUnknown byte = 0
	DTRegular byte = 1
	DTDir     byte = 2
	DTChrdev  byte = 3
	DTBlkdev  byte = 4
	DTFifo    byte = 5
	DTSocket  byte = 6
	DTSymlink byte = 7
)

// dirent is a decoded view of one on-disk directory entry record. raw
// aliases the containing block's bytes at byteOffset.
type dirent struct {
	raw        []byte
	byteOffset int

	Inode    uint32
	RecLen   uint16
	NameLen  uint8
	FileType uint8
	Name     string
}

// decodeDirent decodes the record starting at off in block raw. The
// revision-gated namelen/filetype convention is resolved
// by the caller, which knows whether the filetype feature is enabled.
func decodeDirent(raw []byte, off int, filetypeFeature bool) dirent {
	d := dirent{raw: raw, byteOffset: off}
	d.Inode = endian.U32(raw, off)
	d.RecLen = endian.U16(raw, off+4)
	nameLenByte := raw[off+6]
	typeByte := raw[off+7]
	if filetypeFeature {
		d.NameLen = nameLenByte
		d.FileType = typeByte
	} else {
		// Older revisions pack the high byte of a 16-bit namelen where
		// the file-type byte would otherwise sit.
		d.NameLen = nameLenByte
		d.FileType = DTUnknown
	}
	end := off + direntHeaderSize + int(d.NameLen)
	if end > len(raw) {
		end = len(raw)
	}
	d.Name = string(raw[off+direntHeaderSize : end])
	return d
}

func (d *dirent) minRecLen() uint16 {
	return align4(direntHeaderSize + uint16(d.NameLen))
}

func align4(v uint16) uint16 {
	return (v + 3) &^ 3
}

func (d *dirent) writeHeader(filetypeFeature bool) {
	endian.PutU32(d.raw, d.byteOffset, d.Inode)
	endian.PutU16(d.raw, d.byteOffset+4, d.RecLen)
	d.raw[d.byteOffset+6] = d.NameLen
	if filetypeFeature {
		d.raw[d.byteOffset+7] = d.FileType
	} else {
		d.raw[d.byteOffset+7] = 0
	}
}

func (d *dirent) writeNameAndHeader(name string, filetypeFeature bool) {
	d.NameLen = uint8(len(name))
	d.writeHeader(filetypeFeature)
	copy(d.raw[d.byteOffset+direntHeaderSize:], name)
}

// zero blanks an entry's inode/name bytes but preserves RecLen so a
// walker still steps over it.
func (d *dirent) zero() {
	endian.PutU32(d.raw, d.byteOffset, 0)
	d.raw[d.byteOffset+6] = 0
	d.raw[d.byteOffset+7] = 0
	nameStart := d.byteOffset + direntHeaderSize
	nameEnd := nameStart + int(d.NameLen)
	for i := nameStart; i < nameEnd && i < len(d.raw); i++ {
		d.raw[i] = 0
	}
	d.Inode = 0
	d.NameLen = 0
	d.Name = ""
}
