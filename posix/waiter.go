// Copyright 2019 the Go-FUSE Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package posix

import (
	"fmt"
	"sync"
	"time"
)

// Waiter is the kernel-allocated opaque handle wrapping a counting
// semaphore used by higher-level user-space pthread primitives (mutex,
// condvar, rwlock, spinlock).
type Waiter struct {
	mu    sync.Mutex
	count int
	ch    chan struct{}
}

// NewWaiter creates a waiter.
func NewWaiter() *Waiter {
	return &Waiter{ch: make(chan struct{}, 1)}
}

// Trigger increments the waiter's count, releasing one blocked Wait call
// if any is pending.
func (w *Waiter) Trigger() {
	w.mu.Lock()
	w.count++
	w.mu.Unlock()
	select {
	case w.ch <- struct{}{}:
	default:
	}
}

// Wait blocks until triggered or interrupted=true is observed at a
// (caller-defined) poll. otherThreads is the number of other threads in
// the calling process; Wait returns Deadlock immediately when it is zero.
func (w *Waiter) Wait(otherThreads int, interrupted func() bool) error {
	if otherThreads == 0 {
		return fmt.Errorf("posix: pthread wait with no other threads: %w", EDeadlock)
	}

	w.mu.Lock()
	if w.count > 0 {
		w.count--
		w.mu.Unlock()
		return nil
	}
	w.mu.Unlock()

	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-w.ch:
			w.mu.Lock()
			if w.count > 0 {
				w.count--
				w.mu.Unlock()
				return nil
			}
			w.mu.Unlock()
		case <-ticker.C:
			if interrupted != nil && interrupted() {
				return fmt.Errorf("posix: pthread wait interrupted: %w", EAgain)
			}
		}
	}
}

// Destroy releases the waiter. Nothing to free beyond GC in this
// implementation; kept for API symmetry with NewWaiter.
func (w *Waiter) Destroy() {}
