// Copyright 2019 the Go-FUSE Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package posix is the in-process POSIX process substrate: a descriptor table, signal facility, pthread facility and
// syscall dispatcher standing in for the kernel subsystems that would,
// in a real kernel, be reached via a trap. It holds no trap/VM machinery
// itself (that is the out-of-scope scheduler/VM manager); it
// implements the bookkeeping a caller drives directly.
package posix

import (
	"fmt"
	"math/bits"
	"sync"
)

// File is anything a descriptor can name: a regular file, directory,
// pipe, socket or character device. The concrete kinds live in ext2,
// this package's pipe.go/devfs.go, or a caller's own implementation.
type File interface {
	// Close is called once, when the last descriptor referencing this
	// File is freed.
	Close() error
}

// StatusFlags are the O_* file-status flags stored per open-file
// description.
type StatusFlags uint32

const (
	OAppend StatusFlags = 1 << iota
	ONonblock
	ORead
	OWrite
)

// SocketMeta is attached to a descriptor when it names a socket.
// Endpoint references are left as opaque values: sockets themselves
// are out of scope; this is just the bookkeeping shape a
// descriptor-table entry reserves for one.
type SocketMeta struct {
	Domain, Type int
	Local, Remote interface{}
}

// Descriptor is one row of a process's descriptor table.
type Descriptor struct {
	File   File
	Offset int64

	CloseOnExec bool
	Status      StatusFlags

	Lock   interface{} // advisory-lock handle, opaque to this package
	Socket *SocketMeta
}

// maxFDs bounds the dense allocation bitmap; a real kernel would make
// this a process resource limit (RLIMIT_NOFILE). 4096 matches common
// defaults.
const maxFDs = 4096

// Table is the per-process descriptor table.
type Table struct {
	mu    sync.RWMutex
	descs map[int]*Descriptor
	used  []uint64 // dense bitmap, maxFDs/64 words
}

// NewTable returns an empty descriptor table.
func NewTable() *Table {
	return &Table{
		descs: make(map[int]*Descriptor),
		used:  make([]uint64, maxFDs/64),
	}
}

func (t *Table) lowestFree() int {
	for w, word := range t.used {
		if word == ^uint64(0) {
			continue
		}
		return w*64 + bits.TrailingZeros64(^word)
	}
	return -1
}

func (t *Table) setUsed(fd int, v bool) {
	w, b := fd/64, uint(fd%64)
	if v {
		t.used[w] |= 1 << b
	} else {
		t.used[w] &^= 1 << b
	}
}

// Allocate installs file under the lowest unused nonnegative integer and
// returns it.
func (t *Table) Allocate(file File, status StatusFlags, cloexec bool) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	fd := t.lowestFree()
	if fd < 0 || fd >= maxFDs {
		return -1, fmt.Errorf("posix: descriptor table full: %w", EOutOfMemory)
	}
	t.setUsed(fd, true)
	t.descs[fd] = &Descriptor{File: file, Status: status, CloseOnExec: cloexec}
	return fd, nil
}

// Get returns the descriptor record for fd, or EBadFileDescriptor.
func (t *Table) Get(fd int) (*Descriptor, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	d, ok := t.descs[fd]
	if !ok {
		return nil, fmt.Errorf("posix: fd %d: %w", fd, EBadFileDescriptor)
	}
	return d, nil
}

// Free releases fd: drops the descriptor record, decrementing the file's
// reference count by calling Close once no other fd in this table
// references the same File.
func (t *Table) Free(fd int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.freeLocked(fd)
}

func (t *Table) freeLocked(fd int) error {
	d, ok := t.descs[fd]
	if !ok {
		return fmt.Errorf("posix: fd %d: %w", fd, EBadFileDescriptor)
	}
	delete(t.descs, fd)
	t.setUsed(fd, false)

	for _, other := range t.descs {
		if other.File == d.File {
			return nil
		}
	}
	return d.File.Close()
}

// Dup returns a new descriptor, the lowest unused integer, aliasing fd's
// File and offset.
func (t *Table) Dup(fd int) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	d, ok := t.descs[fd]
	if !ok {
		return -1, fmt.Errorf("posix: fd %d: %w", fd, EBadFileDescriptor)
	}
	newFd := t.lowestFree()
	if newFd < 0 {
		return -1, fmt.Errorf("posix: descriptor table full: %w", EOutOfMemory)
	}
	t.setUsed(newFd, true)
	nd := *d
	nd.CloseOnExec = false
	t.descs[newFd] = &nd
	return newFd, nil
}

// Dup2 atomically replaces descriptor b with a copy of a, closing any
// existing b first and clearing close-on-exec on the duplicate.
// a == b is a no-op that returns b.
func (t *Table) Dup2(a, b int) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if a == b {
		if _, ok := t.descs[a]; !ok {
			return -1, fmt.Errorf("posix: fd %d: %w", a, EBadFileDescriptor)
		}
		return b, nil
	}

	da, ok := t.descs[a]
	if !ok {
		return -1, fmt.Errorf("posix: fd %d: %w", a, EBadFileDescriptor)
	}

	if _, ok := t.descs[b]; ok {
		if err := t.freeLocked(b); err != nil {
			return -1, err
		}
	}

	nd := *da
	nd.CloseOnExec = false
	t.setUsed(b, true)
	t.descs[b] = &nd
	return b, nil
}

// CloseOnExec closes every descriptor whose close-on-exec flag is set.
func (t *Table) CloseOnExec() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for fd, d := range t.descs {
		if d.CloseOnExec {
			if err := t.freeLocked(fd); err != nil {
				return err
			}
		}
	}
	return nil
}

// Fork returns a copy of the table for a child process: every
// descriptor is duplicated, sharing the same File and the
// same byte offset pointer — here modeled by sharing the
// *Descriptor record itself so offset mutation through either table is
// visible to both.
func (t *Table) Fork() *Table {
	t.mu.RLock()
	defer t.mu.RUnlock()

	nt := NewTable()
	for fd, d := range t.descs {
		nt.descs[fd] = d
		nt.setUsed(fd, true)
	}
	return nt
}
