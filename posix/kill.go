// Copyright 2019 the Go-FUSE Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package posix

import (
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// Process is the minimal shape kill/alarm/waitpid need from a process
// object; the real process table (pid, parent, children, group) lives
// outside this package.
// Embedders satisfy this with their own process struct.
type Process interface {
	Pid() int
	Group() int
	Signals() *SignalTable
}

// Registry resolves the targets of a kill() call. Embedders provide one backed by their real process table.
type Registry interface {
	ByPid(pid int) (Process, bool)
	ByGroup(group int) []Process
	ChildrenOf(pid int) []Process
	All() []Process
}

// Kill implements POSIX kill(2)'s pid-sign dispatch:
//   pid >  0: that process
//   pid == 0: every process in caller's group
//   pid == -1: every child of the caller
//   pid <  -1: every process in group |pid|
// If the caller is among the targets, its signal is dispatched
// synchronously (by calling Raise directly) before Kill returns,
// matching "checked by invoking the scheduler's event check on the
// caller's stack" — here, simply calling Raise in-line since this
// package has no separate event-check step of its own.
func Kill(reg Registry, caller Process, pid, sig int) error {
	var targets []Process
	switch {
	case pid > 0:
		p, ok := reg.ByPid(pid)
		if !ok {
			return ErrNoSuchProcess(pid)
		}
		targets = []Process{p}
	case pid == 0:
		targets = reg.ByGroup(caller.Group())
	case pid == -1:
		targets = reg.ChildrenOf(caller.Pid())
	default:
		targets = reg.ByGroup(-pid)
	}

	for _, p := range targets {
		p.Signals().Raise(sig)
	}
	return nil
}

func ErrNoSuchProcess(pid int) error {
	return &errPid{pid}
}

type errPid struct{ pid int }

func (e *errPid) Error() string { return "posix: no such process" }
func (e *errPid) Is(target error) bool {
	se, ok := target.(Errno)
	return ok && se == ENoSuchProcess
}

// AlarmClock arms/disarms SIGALRM delivery for a single process.
// sec == 0 disarms and returns the seconds remaining on
// any previously armed timer.
type AlarmClock struct {
	target *SignalTable
	mu     sync.Mutex
	timer  *time.Timer
	deadline time.Time
}

func NewAlarmClock(target *SignalTable) *AlarmClock {
	return &AlarmClock{target: target}
}

func (a *AlarmClock) Alarm(sec uint) uint {
	a.mu.Lock()
	defer a.mu.Unlock()

	var remaining uint
	if a.timer != nil {
		if a.timer.Stop() {
			remaining = uint(time.Until(a.deadline).Seconds())
		}
		a.timer = nil
	}

	if sec == 0 {
		return remaining
	}

	a.deadline = time.Now().Add(time.Duration(sec) * time.Second)
	a.timer = time.AfterFunc(time.Duration(sec)*time.Second, func() {
		a.target.Raise(int(unix.SIGALRM))
	})
	return remaining
}
