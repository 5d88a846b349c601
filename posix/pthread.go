// Copyright 2019 the Go-FUSE Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package posix

import (
	"fmt"
	"math/bits"
	"sync"
)

// PthreadStackMin mirrors PTHREAD_STACK_MIN. Create takes no stack-size
// attribute, so nothing in this package clamps against it.
const PthreadStackMin = 16 * 1024

// MaxTSDKeys bounds the dense per-thread key bitmap.
const MaxTSDKeys = 128

// Destructor runs once, with the key's current value, when the key is
// deleted while a thread holds a value for it; thread exit does not run
// destructors.
type Destructor func(value interface{})

// PthreadTrampoline is the fixed process-level virtual address holding
// the pthread entry stub; owned by the out-of-scope VM
// manager, kept here only as the address a Record's trampoline jump
// target resolves to.
const PthreadTrampoline uintptr = 0x7FFFFFFE0000

// Record is a single thread's pthread bookkeeping: detach flag, a binary
// running-flag used as a join semaphore, the return value, and
// thread-specific data. The thread handle is its key in Facility.
type Record struct {
	mu       sync.Mutex
	running  bool
	detached bool
	reaped   bool
	retval   interface{}
	done     chan struct{}

	tsd map[int]interface{}
}

func newRecord() *Record {
	return &Record{running: true, done: make(chan struct{}), tsd: make(map[int]interface{})}
}

// keyTable is process-wide: every thread's Record shares the same set of
// allocated key indices and destructors, but each Record holds its own
// per-key value.
type keyTable struct {
	mu    sync.Mutex
	words [MaxTSDKeys / 32]uint32
	dtors [MaxTSDKeys]Destructor
}

// Facility is the per-process pthread facility: thread
// creation, join/detach, and the shared key table. Guarded by the
// process's global lock.
type Facility struct {
	mu      sync.Mutex
	records map[uintptr]*Record // keyed by kernel thread handle
	keys    keyTable
}

func NewFacility() *Facility {
	return &Facility{records: make(map[uintptr]*Record)}
}

// StartFn is the user entry point a created thread jumps to via the
// trampoline.
type StartFn func(arg interface{}) interface{}

// Create allocates a Record for a new thread and runs start(arg) on a
// goroutine standing in for "creates a kernel thread whose entry is a
// small kernel-side shim that... jumps to user space via a pre-installed
// pthread trampoline page": the trampoline/shim split is a
// hardware-trap detail out of scope here, so Create directly
// launches start in a goroutine and records its handle.
func (f *Facility) Create(handle uintptr, start StartFn, arg interface{}) *Record {
	r := newRecord()

	f.mu.Lock()
	f.records[handle] = r
	f.mu.Unlock()

	go func() {
		defer func() {
			r.mu.Lock()
			r.running = false
			shouldReap := r.detached
			close(r.done)
			r.mu.Unlock()
			if shouldReap {
				f.reap(handle)
			}
		}()
		r.mu.Lock()
		r.retval = nil
		r.mu.Unlock()
		v := start(arg)
		r.mu.Lock()
		r.retval = v
		r.mu.Unlock()
	}()

	return r
}

// Join blocks until handle's running-flag is released, then returns its
// exit value and reaps the record. Not permitted on detached
// threads.
func (f *Facility) Join(handle uintptr) (interface{}, error) {
	f.mu.Lock()
	r, ok := f.records[handle]
	f.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("posix: pthread_join: unknown thread: %w", EInvalidArgument)
	}

	r.mu.Lock()
	if r.detached {
		r.mu.Unlock()
		return nil, fmt.Errorf("posix: pthread_join on detached thread: %w", EInvalidArgument)
	}
	r.mu.Unlock()

	<-r.done

	r.mu.Lock()
	v := r.retval
	r.mu.Unlock()

	f.reap(handle)
	return v, nil
}

// Detach marks handle reclaimable; if it has already exited, reap
// immediately.
func (f *Facility) Detach(handle uintptr) error {
	f.mu.Lock()
	r, ok := f.records[handle]
	f.mu.Unlock()
	if !ok {
		return fmt.Errorf("posix: pthread_detach: unknown thread: %w", EInvalidArgument)
	}

	r.mu.Lock()
	r.detached = true
	alreadyExited := !r.running
	r.mu.Unlock()

	if alreadyExited {
		f.reap(handle)
	}
	return nil
}

func (f *Facility) reap(handle uintptr) {
	f.mu.Lock()
	r, ok := f.records[handle]
	if ok {
		if r.reaped {
			f.mu.Unlock()
			return
		}
		r.reaped = true
	}
	delete(f.records, handle)
	f.mu.Unlock()
}

// KeyCreate allocates a TSD key with an optional destructor.
func (f *Facility) KeyCreate(dtor Destructor) (int, error) {
	f.keys.mu.Lock()
	defer f.keys.mu.Unlock()

	for w, word := range f.keys.words {
		if word == ^uint32(0) {
			continue
		}
		bit := bits.TrailingZeros32(^word)
		idx := w*32 + bit
		if idx >= MaxTSDKeys {
			break
		}
		f.keys.words[w] |= 1 << uint(bit)
		f.keys.dtors[idx] = dtor
		return idx, nil
	}
	return -1, fmt.Errorf("posix: pthread_key_create: out of keys: %w", EOutOfMemory)
}

// KeyDelete invokes the destructor on the calling thread's current value
// (if any) and releases the slot.
func (f *Facility) KeyDelete(r *Record, key int) error {
	f.keys.mu.Lock()
	w, b := key/32, uint(key%32)
	if f.keys.words[w]&(1<<b) == 0 {
		f.keys.mu.Unlock()
		return fmt.Errorf("posix: pthread_key_delete: invalid key %d: %w", key, EInvalidArgument)
	}
	dtor := f.keys.dtors[key]
	f.keys.words[w] &^= 1 << b
	f.keys.dtors[key] = nil
	f.keys.mu.Unlock()

	r.mu.Lock()
	v, had := r.tsd[key]
	delete(r.tsd, key)
	r.mu.Unlock()

	if had && dtor != nil {
		dtor(v)
	}
	return nil
}

// SetSpecific/GetSpecific act on the calling thread's slot for key.
func (r *Record) SetSpecific(key int, value interface{}) {
	r.mu.Lock()
	r.tsd[key] = value
	r.mu.Unlock()
}

func (r *Record) GetSpecific(key int) interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tsd[key]
}
