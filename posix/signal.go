// Copyright 2019 the Go-FUSE Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package posix

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// NumSignals is the handler table size.
const NumSignals = 32

// HandlerType tags a signal slot's three-valued disposition.
type HandlerType int

const (
	HandlerDefault HandlerType = iota
	HandlerIgnore
	HandlerUser
)

// HandlerEntry is one slot of the per-process signal handler table.
type HandlerEntry struct {
	Entry uintptr // user-space handler address
	Mask  uint32  // blocked-signal mask installed while the handler runs
	Flags uint32
	Type  HandlerType
}

// AltStack is the per-process alternate signal stack.
type AltStack struct {
	Base    uintptr
	Size    uintptr
	Enabled bool
	inUse   bool
}

// DefaultAction classifies what happens when a signal with the default
// disposition is delivered.
type DefaultAction int

const (
	ActionTerminate DefaultAction = iota
	ActionTerminateDump
	ActionStop
	ActionContinue
	ActionIgnore
)

// defaultActions maps every signal this driver knows about to its
// default action.
var defaultActions = map[int]DefaultAction{
	int(unix.SIGHUP):  ActionTerminate,
	int(unix.SIGINT):  ActionTerminate,
	int(unix.SIGQUIT): ActionTerminateDump,
	int(unix.SIGILL):  ActionTerminateDump,
	int(unix.SIGABRT): ActionTerminateDump,
	int(unix.SIGFPE):  ActionTerminateDump,
	int(unix.SIGKILL): ActionTerminate,
	int(unix.SIGBUS):  ActionTerminateDump,
	int(unix.SIGSEGV): ActionTerminateDump,
	int(unix.SIGPIPE): ActionTerminate,
	int(unix.SIGALRM): ActionTerminate,
	int(unix.SIGTERM): ActionTerminate,
	int(unix.SIGUSR1): ActionTerminate,
	int(unix.SIGUSR2): ActionTerminate,
	int(unix.SIGSTOP): ActionStop,
	int(unix.SIGTSTP): ActionStop,
	int(unix.SIGTTIN): ActionStop,
	int(unix.SIGTTOU): ActionStop,
	int(unix.SIGCONT): ActionContinue,
	int(unix.SIGCHLD): ActionIgnore,
	int(unix.SIGURG):  ActionIgnore,
}

// diagnosticSignals emit a short line to the controlling terminal before
// terminating.
var diagnosticSignals = map[int]bool{
	int(unix.SIGILL):  true,
	int(unix.SIGSEGV): true,
	int(unix.SIGBUS):  true,
	int(unix.SIGABRT): true,
}

// EventHandlerTrampoline is the fixed process-level virtual address at
// which the signal-return stub is mapped. The real
// mapping is owned by the out-of-scope VM manager; this
// package only needs its address to compute where the trampoline jump
// target sits when building an Event.
const EventHandlerTrampoline uintptr = 0x7FFFFFFF0000

// Event is a kernel-issued notification wrapping a handler's user-space
// address, enqueued for delivery on the target thread's next return to
// user mode.
type Event struct {
	Signal  int
	Handler uintptr
	Mask    uint32
	AltStack bool
}

// Terminal is where diagnostic lines for ILL/SEGV/BUS/ABRT are written;
// tests and embedders can substitute any Terminal implementation via
// SetTerminal.
type Terminal interface {
	WriteDiagnostic(line string)
}

// SignalTable is the per-process signal facility. One sync.RWMutex
// guards it, and every method that touches the handler table or the
// alternate stack (Raise included) takes it exclusively, so signal
// delivery does not proceed lock-free; Deliverable only drains the
// pending channel and takes no lock.
type SignalTable struct {
	mu       sync.RWMutex
	handlers [NumSignals]HandlerEntry
	altStack AltStack
	blocked  uint32 // process-wide mask; a per-thread mask would model real semantics more closely

	pending chan Event

	terminal Terminal
}

// NewSignalTable returns a process's signal facility with every signal
// at its default disposition.
func NewSignalTable() *SignalTable {
	return &SignalTable{pending: make(chan Event, NumSignals)}
}

func (t *SignalTable) SetTerminal(term Terminal) {
	t.mu.Lock()
	t.terminal = term
	t.mu.Unlock()
}

// Sigaction installs newHandler for sig, returning the previous entry.
// Signals KILL and STOP may not be reassigned.
func (t *SignalTable) Sigaction(sig int, newHandler *HandlerEntry) (HandlerEntry, error) {
	if sig == int(unix.SIGKILL) || sig == int(unix.SIGSTOP) {
		return HandlerEntry{}, fmt.Errorf("posix: sigaction(%d): %w", sig, EInvalidArgument)
	}
	idx := sig % NumSignals

	t.mu.Lock()
	defer t.mu.Unlock()
	old := t.handlers[idx]
	if newHandler != nil {
		t.handlers[idx] = *newHandler
	}
	return old, nil
}

// Sigaltstack configures the alternate signal stack. It refuses to
// replace a stack currently in use.
func (t *SignalTable) Sigaltstack(newStack *AltStack) (AltStack, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	old := t.altStack
	if newStack != nil {
		if t.altStack.inUse {
			return old, fmt.Errorf("posix: sigaltstack while in use: %w", EInProgress)
		}
		t.altStack = *newStack
	}
	return old, nil
}

// Raise enqueues sig as an Event for delivery on the next return to user
// mode, choosing the alternate stack when
// enabled and not already in use. An ignored signal is dropped; a signal
// at its default disposition runs its default action instead.
func (t *SignalTable) Raise(sig int) {
	idx := sig % NumSignals

	t.mu.Lock()
	h := t.handlers[idx]
	useAlt := h.Type == HandlerUser && t.altStack.Enabled && !t.altStack.inUse
	if useAlt {
		t.altStack.inUse = true
	}
	action, known := defaultActions[sig]
	term := t.terminal
	t.mu.Unlock()

	if h.Type == HandlerIgnore {
		return
	}
	if h.Type != HandlerUser {
		if !known {
			action = ActionTerminate
		}
		if diagnosticSignals[sig] && term != nil {
			term.WriteDiagnostic(fmt.Sprintf("signal %d: terminated", sig))
		}
		t.applyDefault(sig, action)
		return
	}

	select {
	case t.pending <- Event{Signal: sig, Handler: h.Entry, Mask: h.Mask, AltStack: useAlt}:
	default:
		// Handler table promises 32 slots; a full pending queue means
		// the thread hasn't returned to user mode in a long time. Drop
		// rather than block the raiser, matching the "best effort,
		// coalesce" behavior real kernels apply to non-realtime signals.
	}
}

// applyDefault is a hook point: embedders wire process termination/stop/
// continue into their own process-state machinery; the scheduler itself
// is out of scope for this package.
var applyDefaultHook func(sig int, action DefaultAction)

func (t *SignalTable) applyDefault(sig int, action DefaultAction) {
	if applyDefaultHook != nil {
		applyDefaultHook(sig, action)
	}
}

// Deliverable drains one pending Event, if any, for the trampoline to
// invoke on return to user mode.
func (t *SignalTable) Deliverable() (Event, bool) {
	select {
	case e := <-t.pending:
		return e, true
	default:
		return Event{}, false
	}
}

// ReturnFromSignal clears the alternate stack's in-use flag.
func (t *SignalTable) ReturnFromSignal() {
	t.mu.Lock()
	t.altStack.inUse = false
	t.mu.Unlock()
}
