// Copyright 2019 the Go-FUSE Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package posix

import (
	"fmt"
	"sync"
)

// GroupRole is a process's role within its process group.
type GroupRole int

const (
	RoleNoGroup GroupRole = iota
	RoleLeader
	RoleMember
)

// Group is a process group: an integer id and a membership list.
type Group struct {
	ID      int
	Members map[int]bool // pid -> member
}

// Session has a leader pid and the groups belonging to it.
type Session struct {
	Leader int
	Groups map[int]bool
}

// SessionTable tracks process groups and sessions.
type SessionTable struct {
	mu       sync.Mutex
	groups   map[int]*Group
	sessions map[int]*Session
	pgidOf   map[int]int // pid -> its group id
	roleOf   map[int]GroupRole
	fgGroup  map[int]int // controlling-terminal id -> foreground group id
}

func NewSessionTable() *SessionTable {
	return &SessionTable{
		groups:   make(map[int]*Group),
		sessions: make(map[int]*Session),
		pgidOf:   make(map[int]int),
		roleOf:   make(map[int]GroupRole),
		fgGroup:  make(map[int]int),
	}
}

// Setsid makes pid the leader of a new session and a new group with the
// same id. Fails if pid is already a group leader.
func (t *SessionTable) Setsid(pid int) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.roleOf[pid] == RoleLeader {
		return -1, fmt.Errorf("posix: setsid: caller is already a group leader: %w", EPermissionDenied)
	}

	t.groups[pid] = &Group{ID: pid, Members: map[int]bool{pid: true}}
	t.sessions[pid] = &Session{Leader: pid, Groups: map[int]bool{pid: true}}
	t.pgidOf[pid] = pid
	t.roleOf[pid] = RoleLeader
	return pid, nil
}

// Setpgid moves pid into group pgid (pgid 0 means pid), creating the
// group if it doesn't exist yet, matching the POSIX setpgid surface.
func (t *SessionTable) Setpgid(pid, pgid int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if pgid == 0 {
		pgid = pid
	}

	if old, ok := t.pgidOf[pid]; ok {
		if g, ok := t.groups[old]; ok {
			delete(g.Members, pid)
		}
	}

	g, ok := t.groups[pgid]
	if !ok {
		g = &Group{ID: pgid, Members: map[int]bool{}}
		t.groups[pgid] = g
	}
	g.Members[pid] = true
	t.pgidOf[pid] = pgid
	if pgid == pid {
		t.roleOf[pid] = RoleLeader
	} else {
		t.roleOf[pid] = RoleMember
	}
	return nil
}

// Getpgrp returns pid's process group id.
func (t *SessionTable) Getpgrp(pid int) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pgidOf[pid]
}

// Tcsetpgrp/Tcgetpgrp set/get the foreground process group for a
// controlling terminal identified by an opaque small integer.
func (t *SessionTable) Tcsetpgrp(term, pgid int) {
	t.mu.Lock()
	t.fgGroup[term] = pgid
	t.mu.Unlock()
}

func (t *SessionTable) Tcgetpgrp(term int) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fgGroup[term]
}

// MembersOf returns the pids in group pgid, for Registry.ByGroup
// implementations.
func (t *SessionTable) MembersOf(pgid int) []int {
	t.mu.Lock()
	defer t.mu.Unlock()
	g, ok := t.groups[pgid]
	if !ok {
		return nil
	}
	out := make([]int, 0, len(g.Members))
	for pid := range g.Members {
		out = append(out, pid)
	}
	return out
}
