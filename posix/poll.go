// Copyright 2019 the Go-FUSE Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package posix

import "time"

// Readiness is implemented by any descriptor kind that select/poll can
// wait on: Pipe's ends already satisfy it via Ready().
type Readiness interface {
	Ready() bool
}

// PollEntry pairs a descriptor's Readiness with the fd number so callers
// can report back which fds became ready.
type PollEntry struct {
	FD    int
	Check Readiness
}

// Select polls entries until at least one is ready, timeout elapses, or
// interrupted reports true (checked on every poll tick). It returns the
// ready subset.
func Select(entries []PollEntry, timeout time.Duration, interrupted func() bool) ([]PollEntry, error) {
	deadline := time.Now().Add(timeout)
	hasTimeout := timeout > 0

	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()

	for {
		var ready []PollEntry
		for _, e := range entries {
			if e.Check.Ready() {
				ready = append(ready, e)
			}
		}
		if len(ready) > 0 {
			return ready, nil
		}
		if hasTimeout && time.Now().After(deadline) {
			return nil, nil
		}
		if interrupted != nil && interrupted() {
			return nil, ErrInterrupted
		}
		<-ticker.C
	}
}

// ErrInterrupted is returned by blocking waits that woke early because a
// signal arrived.
var ErrInterrupted = errInterrupted{}

type errInterrupted struct{}

func (errInterrupted) Error() string { return "posix: interrupted" }
func (errInterrupted) Is(target error) bool {
	se, ok := target.(Errno)
	return ok && se == EAgain
}
