// Copyright 2019 the Go-FUSE Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package blockdev is the block device interface: it reads,
// writes, pins and unpins fixed-size blocks, backed by a cache so that
// repeated reads of the same offset return the same buffer.
package blockdev

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// Buffer is a cached, pinned block. Callers must not resize it; writes
// happen in place and are scheduled back to the device with WriteBlock.
type Buffer struct {
	Bytes []byte
}

// Device is the interface the ext2 codec builds on. Offsets are byte
// addresses, always aligned to the device's block size.
type Device interface {
	BlockSize() int
	ReadBlock(offset int64) (*Buffer, error)
	WriteBlock(offset int64) error
	Pin(offset int64)
	Unpin(offset int64)
	Flush(offset int64) error
}

// SparseBlock is the process-wide read-only zero page returned for the
// block at offset 0. It is a constant shared buffer, not a singleton to
// be mutated.
var SparseBlock = &Buffer{Bytes: make([]byte, 4096)}

type cacheEntry struct {
	buf   *Buffer
	pins  int
	dirty bool
}

// FileDevice backs Device with an *os.File (or any fd-bearing image),
// using pread/pwrite so concurrent readers don't need to share a single
// file offset.
type FileDevice struct {
	fd        int
	blockSize int

	mu    sync.Mutex
	cache map[int64]*cacheEntry
}

// NewFileDevice wraps fd (already open O_RDWR on the image) as a Device
// with the given block size.
func NewFileDevice(fd int, blockSize int) *FileDevice {
	return &FileDevice{
		fd:        fd,
		blockSize: blockSize,
		cache:     make(map[int64]*cacheEntry),
	}
}

// provisionalBlockSize is large enough to cover the 1024-byte superblock
// in one read regardless of the image's real block size; ext2.Mount
// corrects it via SetBlockSize once the superblock is decoded.
const provisionalBlockSize = 1024

// OpenFile opens path as an ext2 disk image and wraps it as a Device.
// readOnly selects the open mode and the lock type; nothing below the
// FUSE layer refuses write operations on its account.
// The fd takes an exclusive (shared, for readOnly) BSD advisory lock so a
// second mount of the same image fails fast instead of corrupting it
// through two independent caches.
func OpenFile(path string, readOnly bool) (*FileDevice, error) {
	flags := unix.O_RDWR
	lockType := unix.LOCK_EX
	if readOnly {
		flags = unix.O_RDONLY
		lockType = unix.LOCK_SH
	}
	fd, err := unix.Open(path, flags, 0)
	if err != nil {
		return nil, fmt.Errorf("blockdev: open %s: %w", path, err)
	}
	if err := unix.Flock(fd, lockType|unix.LOCK_NB); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("blockdev: %s already mounted: %w", path, err)
	}
	return NewFileDevice(fd, provisionalBlockSize), nil
}

func (d *FileDevice) BlockSize() int { return d.blockSize }

// SetBlockSize adjusts the block size used for every read/write after
// this call. The ext2 codec calls this once, right after decoding the
// superblock, since the image's real block size (1024/2048/4096) is only
// known once that 1024-byte block has been read with a provisional size
// of 1024. Callers must call this before reading any block other than
// the superblock itself — at that point only the superblock's block is
// cached, and SetBlockSize does not evict it; reading other blocks first
// and then resizing would leave stale, wrongly-sized entries in the cache.
func (d *FileDevice) SetBlockSize(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.blockSize = n
}

func (d *FileDevice) ReadBlock(offset int64) (*Buffer, error) {
	if offset == 0 {
		return SparseBlock, nil
	}

	d.mu.Lock()
	if e, ok := d.cache[offset]; ok {
		d.mu.Unlock()
		return e.buf, nil
	}
	d.mu.Unlock()

	buf := make([]byte, d.blockSize)
	if _, err := unix.Pread(d.fd, buf, offset); err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	// Another goroutine may have raced us to load the same offset;
	// prefer the buffer already in the cache so ReadBlock's "same
	// offset returns same buffer" promise holds.
	if e, ok := d.cache[offset]; ok {
		return e.buf, nil
	}
	e := &cacheEntry{buf: &Buffer{Bytes: buf}}
	d.cache[offset] = e
	return e.buf, nil
}

func (d *FileDevice) WriteBlock(offset int64) error {
	d.mu.Lock()
	e, ok := d.cache[offset]
	if !ok {
		d.mu.Unlock()
		return nil
	}
	e.dirty = true
	d.mu.Unlock()
	return d.Flush(offset)
}

func (d *FileDevice) Flush(offset int64) error {
	d.mu.Lock()
	e, ok := d.cache[offset]
	if !ok || !e.dirty {
		d.mu.Unlock()
		return nil
	}
	buf := e.buf.Bytes
	d.mu.Unlock()

	if _, err := unix.Pwrite(d.fd, buf, offset); err != nil {
		return err
	}

	d.mu.Lock()
	e.dirty = false
	d.mu.Unlock()
	return nil
}

func (d *FileDevice) Pin(offset int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if e, ok := d.cache[offset]; ok {
		e.pins++
	}
}

func (d *FileDevice) Unpin(offset int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if e, ok := d.cache[offset]; ok && e.pins > 0 {
		e.pins--
	}
}
