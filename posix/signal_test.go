// Copyright 2019 the Go-FUSE Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package posix

import (
	"testing"

	"golang.org/x/sys/unix"
)

func TestSigactionRejectsKillAndStop(t *testing.T) {
	st := NewSignalTable()
	h := &HandlerEntry{Type: HandlerUser}
	if _, err := st.Sigaction(int(unix.SIGKILL), h); err == nil {
		t.Fatalf("Sigaction(SIGKILL) succeeded, want EInvalidArgument")
	}
	if _, err := st.Sigaction(int(unix.SIGSTOP), h); err == nil {
		t.Fatalf("Sigaction(SIGSTOP) succeeded, want EInvalidArgument")
	}
}

func TestRaiseDeliversUserHandler(t *testing.T) {
	st := NewSignalTable()
	if _, err := st.Sigaction(int(unix.SIGUSR1), &HandlerEntry{Type: HandlerUser, Entry: 0x1000}); err != nil {
		t.Fatal(err)
	}

	st.Raise(int(unix.SIGUSR1))

	ev, ok := st.Deliverable()
	if !ok {
		t.Fatalf("Deliverable() = false, want a pending event")
	}
	if ev.Signal != int(unix.SIGUSR1) || ev.Handler != 0x1000 {
		t.Fatalf("Deliverable() = %+v, want signal=SIGUSR1 handler=0x1000", ev)
	}

	if _, ok := st.Deliverable(); ok {
		t.Fatalf("Deliverable() returned a second event, want none")
	}
}

func TestRaiseDefaultDispositionDoesNotEnqueue(t *testing.T) {
	st := NewSignalTable()
	st.Raise(int(unix.SIGTERM))
	if _, ok := st.Deliverable(); ok {
		t.Fatalf("default-disposition signal enqueued an Event, want none (applyDefault path instead)")
	}
}

func TestSigaltstackRefusesReplacementWhileInUse(t *testing.T) {
	st := NewSignalTable()
	if _, err := st.Sigaltstack(&AltStack{Base: 0x2000, Size: 4096, Enabled: true}); err != nil {
		t.Fatal(err)
	}
	if _, err := st.Sigaction(int(unix.SIGUSR2), &HandlerEntry{Type: HandlerUser, Entry: 0x3000}); err != nil {
		t.Fatal(err)
	}
	st.Raise(int(unix.SIGUSR2))
	if _, ok := st.Deliverable(); !ok {
		t.Fatal("expected a pending event")
	}

	if _, err := st.Sigaltstack(&AltStack{Base: 0x4000, Size: 4096, Enabled: true}); err == nil {
		t.Fatalf("Sigaltstack replaced a stack marked in-use")
	}

	st.ReturnFromSignal()
	if _, err := st.Sigaltstack(&AltStack{Base: 0x4000, Size: 4096, Enabled: true}); err != nil {
		t.Fatalf("Sigaltstack after ReturnFromSignal: %v", err)
	}
}
