// Copyright 2019 the Go-FUSE Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package posix

import (
	"fmt"
	"log"
)

// AddressSpace is the out-of-scope virtual-memory manager's interface:
// the dispatcher asks it whether a pointer argument's range
// is mapped with the required access before a handler dereferences it.
type AddressSpace interface {
	// Mapped reports whether [addr, addr+length) is mapped with at
	// least the requested access (write implies read is not assumed;
	// callers request exactly what they need).
	Mapped(addr uintptr, length uintptr, write bool) bool
}

// Args are the up-to-five machine-word parameters a trap hands to a
// syscall handler.
type Args [5]uintptr

// Handler is one entry of the syscall table. ret is the value placed in
// the caller's return register; err, if non-nil, is the Errno the
// dispatcher stamps into the caller's thread-local error indicator.
type Handler func(addr AddressSpace, args Args) (ret uintptr, err error)

// Dispatcher is the numbered syscall table. An out-of-range
// number yields an error log line and a zero return, matching the
// source's behavior rather than panicking.
type Dispatcher struct {
	table map[int]Handler
	addr  AddressSpace
}

// NewDispatcher returns a dispatcher validating pointer arguments
// against addr (nil disables pointer validation, useful in unit tests
// that never dereference memory).
func NewDispatcher(addr AddressSpace) *Dispatcher {
	return &Dispatcher{table: make(map[int]Handler), addr: addr}
}

// Register installs handler at the fixed numeric identifier num.
func (d *Dispatcher) Register(num int, handler Handler) {
	d.table[num] = handler
}

// Result is what a trap gets back: the return register value and,
// separately, the error-indicator value a syscall wrapper would surface
// via errno.
type Result struct {
	Value uintptr
	Err   error
}

// Dispatch indexes into the table by num and invokes the handler with
// args. Interrupt-enabling itself is a
// hardware/scheduler detail out of scope here.
func (d *Dispatcher) Dispatch(num int, args Args) Result {
	h, ok := d.table[num]
	if !ok {
		log.Printf("posix: syscall %d: no such handler", num)
		return Result{Value: 0}
	}
	ret, err := h(d.addr, args)
	return Result{Value: ret, Err: err}
}

// CheckPointer validates a pointer argument before a handler dereferences
// it. Handlers call this themselves
// rather than the dispatcher doing it universally, since only the
// handler knows which of its five words are pointers and what access
// each needs.
func CheckPointer(addr AddressSpace, ptr uintptr, length uintptr, write bool) error {
	if addr == nil {
		return nil
	}
	if !addr.Mapped(ptr, length, write) {
		return fmt.Errorf("posix: unmapped pointer argument: %w", EInvalidArgument)
	}
	return nil
}
