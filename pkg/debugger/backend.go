package debugger

import (
	"fmt"

	"github.com/memscan/memscan/pkg/proc"
)

// AccessKind is the kind of memory access a watchpoint traps on.
type AccessKind uint8

const (
	Read AccessKind = iota
	Write
	// Access is either a read or a write.
	Access
)

func (k AccessKind) String() string {
	switch k {
	case Read:
		return "read"
	case Write:
		return "write"
	case Access:
		return "access"
	}
	return fmt.Sprintf("AccessKind(%d)", uint8(k))
}

// Capabilities describes the hardware watchpoints a Backend offers.
type Capabilities struct {
	// Slots is the number of hardware watchpoints that can be armed at
	// the same time.
	Slots int
	// ReadWatch is true if watchpoints can trap on reads only. Without it
	// Read watchpoints are armed as Access watchpoints and writes are
	// filtered out.
	ReadWatch bool
	// PtrSize is the pointer size of the target, 4 or 8.
	PtrSize int
	// PC is the name of the instruction pointer register.
	PC string
}

// Registers is a snapshot of the registers of a thread.
type Registers struct {
	PC     uint64
	SP     uint64
	Values map[string]uint64
}

// Trap is a stop of the target reported by Backend.Wait.
type Trap struct {
	// ThreadID is the thread that stopped.
	ThreadID int
	// Slots lists the watchpoint slots that triggered; it is empty when
	// the target stopped because of Backend.Stop or a signal.
	Slots []int
	// Exited is set when the target terminated, ExitStatus is then its
	// exit status.
	Exited     bool
	ExitStatus int
}

// Backend is the operating system debugging interface used by a
// Debugger.
//
// Wait is called by one goroutine at a time. Stop may be called while
// Wait blocks, to interrupt the running target; the other methods are
// only called while the target is stopped.
type Backend interface {
	// Attach attaches to pid and returns with the target stopped.
	Attach(pid int) error
	// Detach disarms every watchpoint and releases the target, which
	// keeps running.
	Detach() error
	Capabilities() Capabilities
	// SetWatchpoint arms slot on every thread of the target. The target
	// is stopped.
	SetWatchpoint(slot int, addr uint64, size int, kind AccessKind) error
	// ClearWatchpoint disarms slot. The target is stopped.
	ClearWatchpoint(slot int) error
	// Wait blocks until the running target stops and returns the reason.
	// Every thread is stopped when Wait returns.
	Wait() (Trap, error)
	// Stop asks the running target to stop; the stop is reported by
	// Wait.
	Stop() error
	// Continue resumes every thread of the stopped target.
	Continue() error
	// MainThread returns the thread id of the main thread.
	MainThread() int
	// Registers returns the registers of thread tid.
	Registers(tid int) (Registers, error)
	// SetRegister changes one register of thread tid.
	SetRegister(tid int, name string, v uint64) error
	proc.MemoryReader
}
