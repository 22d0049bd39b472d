package native

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"sync"
	"syscall"
	"time"
	"unsafe"

	"github.com/sirupsen/logrus"
	sys "golang.org/x/sys/unix"

	"github.com/memscan/memscan/pkg/debugger"
	"github.com/memscan/memscan/pkg/logflags"
	"github.com/memscan/memscan/pkg/proc"
	"github.com/memscan/memscan/pkg/proc/amd64util"
)

const debugRegUserOffset = 848 // offset of debug registers in the user struct, see source/arch/x86/kernel/ptrace.c

type thread struct {
	id      int
	running bool
	// pendingStop is set when a SIGSTOP was sent to the thread and not yet
	// observed.
	pendingStop   bool
	delayedSignal int
	trapped       bool
}

type watchSpec struct {
	addr  uint64
	size  int
	cond  amd64util.Condition
	armed bool
}

// Backend is a ptrace(2) debugger.Backend for linux/amd64 processes.
type Backend struct {
	mem *Process
	log *logrus.Entry

	// mu protects threads, pid and stopRequested, Stop runs concurrently
	// with Wait.
	mu            sync.Mutex
	pid           int
	threads       map[int]*thread
	stopRequested bool

	watch [amd64util.NumSlots]watchSpec

	ptraceChan     chan func()
	ptraceDoneChan chan struct{}
}

var _ debugger.Backend = (*Backend)(nil)

// NewBackend returns a detached backend.
func NewBackend() *Backend {
	return &Backend{log: logflags.DebuggerLogger()}
}

func (b *Backend) handlePtraceFuncs(ptraceChan chan func(), ptraceDoneChan chan struct{}) {
	// We must ensure here that we are running on the same thread during
	// while invoking the ptrace(2) syscall. This is due to the fact that ptrace(2) expects
	// all commands after PTRACE_ATTACH to come from the same thread.
	runtime.LockOSThread()

	for fn := range ptraceChan {
		fn()
		ptraceDoneChan <- struct{}{}
	}
}

func (b *Backend) execPtraceFunc(fn func()) {
	b.ptraceChan <- fn
	<-b.ptraceDoneChan
}

func (b *Backend) Capabilities() debugger.Capabilities {
	return debugger.Capabilities{Slots: amd64util.NumSlots, ReadWatch: false, PtrSize: 8, PC: "rip"}
}

// Attach attaches to every thread of pid and leaves them stopped.
func (b *Backend) Attach(pid int) error {
	mem, err := OpenProcess(pid)
	if err != nil {
		return err
	}
	b.mem = mem
	b.pid = pid
	b.threads = make(map[int]*thread)
	b.stopRequested = false
	b.watch = [amd64util.NumSlots]watchSpec{}
	b.ptraceChan = make(chan func())
	b.ptraceDoneChan = make(chan struct{})
	go b.handlePtraceFuncs(b.ptraceChan, b.ptraceDoneChan)

	// threads can be created while attaching, list them until no new one
	// shows up
	for {
		added, err := b.updateThreadList()
		if err != nil {
			b.detachAll()
			return err
		}
		if added == 0 {
			break
		}
	}
	if _, ok := b.threads[pid]; !ok {
		b.detachAll()
		return proc.ErrProcessExited{Pid: pid}
	}
	b.log.Debugf("attached to %d threads of pid %d", len(b.threads), pid)
	return nil
}

func (b *Backend) updateThreadList() (int, error) {
	tids, _ := filepath.Glob(fmt.Sprintf("/proc/%d/task/*", b.pid))
	added := 0
	for _, tidpath := range tids {
		tid, err := strconv.Atoi(filepath.Base(tidpath))
		if err != nil {
			return 0, err
		}
		if _, ok := b.threads[tid]; ok {
			continue
		}
		if err := b.addThread(tid, true, false); err != nil {
			if err == sys.ESRCH {
				continue
			}
			return 0, err
		}
		added++
	}
	return added, nil
}

// addThread traces tid, which is stopped once addThread returns. stopped
// is true if the initial stop of tid was already waited for.
func (b *Backend) addThread(tid int, attach, stopped bool) error {
	var err error
	if attach {
		b.execPtraceFunc(func() { err = ptraceAttach(tid) })
		if err != nil && err != sys.EPERM {
			return fmt.Errorf("could not attach to thread %d: %w", tid, err)
		}
	}
	th := &thread{id: tid}
	if !stopped {
		var s sys.WaitStatus
		if _, err := sys.Wait4(tid, &s, sys.WALL, nil); err != nil {
			return err
		}
		if s.Exited() || s.Signaled() {
			return sys.ESRCH
		}
		if s.StopSignal() != sys.SIGSTOP {
			th.delayedSignal = int(s.StopSignal())
		}
	}
	b.execPtraceFunc(func() { err = syscall.PtraceSetOptions(tid, syscall.PTRACE_O_TRACECLONE) })
	if err != nil {
		return fmt.Errorf("could not set options for thread %d: %w", tid, err)
	}
	b.mu.Lock()
	b.threads[tid] = th
	b.mu.Unlock()
	for slot, w := range b.watch {
		if w.armed {
			if err := b.writeWatchpoint(tid, slot, w); err != nil {
				return err
			}
		}
	}
	return nil
}

func (b *Backend) withDebugRegisters(tid int, f func(*amd64util.DebugRegisters) error) error {
	var err error
	b.execPtraceFunc(func() {
		debugregs := make([]uint64, 8)

		for i := range debugregs {
			if i == 4 || i == 5 {
				continue
			}
			_, _, err = sys.Syscall6(sys.SYS_PTRACE, sys.PTRACE_PEEKUSR, uintptr(tid), uintptr(debugRegUserOffset+uintptr(i)*unsafe.Sizeof(debugregs[0])), uintptr(unsafe.Pointer(&debugregs[i])), 0, 0)
			if err != nil && err != syscall.Errno(0) {
				return
			}
		}

		drs := amd64util.NewDebugRegisters(&debugregs[0], &debugregs[1], &debugregs[2], &debugregs[3], &debugregs[6], &debugregs[7])

		err = f(drs)
		if err != nil {
			return
		}

		if drs.Dirty {
			for i := range debugregs {
				if i == 4 || i == 5 {
					// Linux will return EIO for DR4 and DR5
					continue
				}
				_, _, err = sys.Syscall6(sys.SYS_PTRACE, sys.PTRACE_POKEUSR, uintptr(tid), uintptr(debugRegUserOffset+uintptr(i)*unsafe.Sizeof(debugregs[0])), uintptr(debugregs[i]), 0, 0)
				if err != nil && err != syscall.Errno(0) {
					return
				}
			}
		}
	})
	if err == syscall.Errno(0) || err == sys.ESRCH {
		err = nil
	}
	return err
}

func (b *Backend) writeWatchpoint(tid, slot int, w watchSpec) error {
	return b.withDebugRegisters(tid, func(drs *amd64util.DebugRegisters) error {
		drs.ClearWatchpoint(uint8(slot))
		return drs.SetWatchpoint(uint8(slot), w.addr, w.cond, w.size)
	})
}

// SetWatchpoint arms slot on every thread.
func (b *Backend) SetWatchpoint(slot int, addr uint64, size int, kind debugger.AccessKind) error {
	if slot < 0 || slot >= amd64util.NumSlots {
		return amd64util.ErrSlotsExhausted
	}
	w := watchSpec{addr: addr, size: size, cond: amd64util.CondReadWrite, armed: true}
	if kind == debugger.Write {
		w.cond = amd64util.CondWrite
	}
	for _, tid := range b.threadIDs() {
		if err := b.writeWatchpoint(tid, slot, w); err != nil {
			return err
		}
	}
	b.watch[slot] = w
	return nil
}

// ClearWatchpoint disarms slot on every thread.
func (b *Backend) ClearWatchpoint(slot int) error {
	if slot < 0 || slot >= amd64util.NumSlots {
		return nil
	}
	b.watch[slot] = watchSpec{}
	for _, tid := range b.threadIDs() {
		err := b.withDebugRegisters(tid, func(drs *amd64util.DebugRegisters) error {
			drs.ClearWatchpoint(uint8(slot))
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (b *Backend) threadIDs() []int {
	b.mu.Lock()
	defer b.mu.Unlock()
	tids := make([]int, 0, len(b.threads))
	for tid := range b.threads {
		tids = append(tids, tid)
	}
	return tids
}

// Continue resumes every stopped thread, delivering the signals they
// stopped with.
func (b *Backend) Continue() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, th := range b.threads {
		if th.running {
			continue
		}
		var err error
		sig := th.delayedSignal
		b.execPtraceFunc(func() { err = ptraceCont(th.id, sig) })
		if err != nil && err != sys.ESRCH {
			return err
		}
		th.delayedSignal = 0
		th.trapped = false
		th.running = true
	}
	return nil
}

// Stop interrupts the running target. The stop is reported by Wait.
func (b *Backend) Stop() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopRequested {
		return nil
	}
	for _, th := range b.threads {
		if th.running {
			b.stopRequested = true
			th.pendingStop = true
			return sys.Tgkill(b.pid, th.id, sys.SIGSTOP)
		}
	}
	return nil
}

// Wait waits for a watchpoint trap, a Stop or the exit of the target. All
// threads are stopped when it returns.
func (b *Backend) Wait() (debugger.Trap, error) {
	for {
		var s sys.WaitStatus
		wpid, err := sys.Wait4(-1, &s, sys.WALL, nil)
		if err != nil {
			if err == sys.EINTR {
				continue
			}
			if err == sys.ECHILD {
				return debugger.Trap{Exited: true}, nil
			}
			return debugger.Trap{}, err
		}

		b.mu.Lock()
		th, known := b.threads[wpid]
		if s.Exited() || s.Signaled() {
			delete(b.threads, wpid)
			gone := wpid == b.pid || len(b.threads) == 0
			b.mu.Unlock()
			if gone {
				status := s.ExitStatus()
				if s.Signaled() {
					status = -int(s.Signal())
				}
				return debugger.Trap{ThreadID: wpid, Exited: true, ExitStatus: status}, nil
			}
			continue
		}
		if !s.Stopped() {
			b.mu.Unlock()
			continue
		}
		if !known {
			// a new thread reporting its initial stop before the clone
			// event of its parent
			b.mu.Unlock()
			if err := b.adoptThread(wpid, true, true); err != nil {
				b.log.Debugf("could not trace new thread %d: %v", wpid, err)
			}
			continue
		}
		th.running = false
		sig := s.StopSignal()
		stopRequested := b.stopRequested
		ownStop := sig == sys.SIGSTOP && th.pendingStop
		if ownStop {
			th.pendingStop = false
		}
		b.mu.Unlock()

		switch {
		case sig == sys.SIGTRAP && s.TrapCause() == sys.PTRACE_EVENT_CLONE:
			if err := b.traceClone(th, true); err != nil {
				b.log.Debugf("could not trace clone of thread %d: %v", th.id, err)
			}
			b.resumeThread(th)
			continue

		case ownStop:
			if !stopRequested {
				// a stop sent by a previous halt, observed after resuming
				b.resumeThread(th)
				continue
			}

		case sig == sys.SIGTRAP:
			th.trapped = true

		default:
			b.resumeThreadWithSignal(th, int(sig))
			continue
		}

		trap, report := b.halt(th)
		if !report {
			if err := b.Continue(); err != nil {
				return debugger.Trap{}, err
			}
			continue
		}
		return trap, nil
	}
}

// halt stops every thread and collects the triggered watchpoint slots.
// It returns false if the stop is nothing to report.
func (b *Backend) halt(trapthread *thread) (debugger.Trap, bool) {
	b.mu.Lock()
	var running []*thread
	for _, th := range b.threads {
		if th.running {
			if err := sys.Tgkill(b.pid, th.id, sys.SIGSTOP); err == nil {
				th.pendingStop = true
				running = append(running, th)
			}
		}
	}
	b.mu.Unlock()

	for _, th := range running {
		for th.running {
			var s sys.WaitStatus
			wpid, err := sys.Wait4(th.id, &s, sys.WALL, nil)
			if err != nil {
				if err == sys.EINTR {
					continue
				}
				b.mu.Lock()
				delete(b.threads, th.id)
				b.mu.Unlock()
				break
			}
			if wpid != th.id {
				continue
			}
			if s.Exited() || s.Signaled() {
				b.mu.Lock()
				delete(b.threads, th.id)
				b.mu.Unlock()
				break
			}
			th.running = false
			switch sig := s.StopSignal(); {
			case sig == sys.SIGSTOP && th.pendingStop:
				th.pendingStop = false
			case sig == sys.SIGTRAP && s.TrapCause() == sys.PTRACE_EVENT_CLONE:
				if err := b.traceClone(th, false); err != nil {
					b.log.Debugf("could not trace clone of thread %d: %v", th.id, err)
				}
			case sig == sys.SIGTRAP:
				th.trapped = true
			default:
				th.delayedSignal = int(sig)
			}
		}
	}

	b.mu.Lock()
	stopRequested := b.stopRequested
	b.stopRequested = false
	threads := make([]*thread, 0, len(b.threads))
	for _, th := range b.threads {
		threads = append(threads, th)
	}
	b.mu.Unlock()

	trap := debugger.Trap{ThreadID: trapthread.id}
	seen := make(map[int]bool)
	found := false
	for _, th := range threads {
		if !th.trapped {
			continue
		}
		var hits []uint8
		err := b.withDebugRegisters(th.id, func(drs *amd64util.DebugRegisters) error {
			hits = drs.HitSlots()
			return nil
		})
		if err != nil {
			b.log.Debugf("could not read debug registers of thread %d: %v", th.id, err)
		}
		if len(hits) == 0 {
			// not a watchpoint, deliver the SIGTRAP to the target
			th.delayedSignal = int(sys.SIGTRAP)
			continue
		}
		if !found || th == trapthread {
			trap.ThreadID = th.id
			found = true
		}
		for _, slot := range hits {
			if !seen[int(slot)] {
				seen[int(slot)] = true
				trap.Slots = append(trap.Slots, int(slot))
			}
		}
	}
	return trap, found || stopRequested
}

// traceClone adds the thread created by parent, resuming it if resume is
// set.
func (b *Backend) traceClone(parent *thread, resume bool) error {
	var cloned uint
	var err error
	b.execPtraceFunc(func() { cloned, err = sys.PtraceGetEventMsg(parent.id) })
	if err != nil {
		return err
	}
	b.mu.Lock()
	_, known := b.threads[int(cloned)]
	b.mu.Unlock()
	if known {
		return nil
	}
	return b.adoptThread(int(cloned), false, resume)
}

// adoptThread traces a thread created by the target.
func (b *Backend) adoptThread(tid int, stopped, resume bool) error {
	if err := b.addThread(tid, false, stopped); err != nil {
		return err
	}
	if resume {
		b.mu.Lock()
		th := b.threads[tid]
		b.mu.Unlock()
		b.resumeThread(th)
	}
	return nil
}

func (b *Backend) resumeThread(th *thread) {
	b.resumeThreadWithSignal(th, th.delayedSignal)
}

func (b *Backend) resumeThreadWithSignal(th *thread, sig int) {
	var err error
	b.execPtraceFunc(func() { err = ptraceCont(th.id, sig) })
	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		if err == sys.ESRCH {
			delete(b.threads, th.id)
		}
		return
	}
	th.delayedSignal = 0
	th.running = true
}

// Detach disarms every watchpoint and detaches from every thread. The
// target keeps running.
func (b *Backend) Detach() error {
	for slot, w := range b.watch {
		if w.armed {
			b.ClearWatchpoint(slot)
		}
	}
	err := b.detachAll()
	// For some reason the process will sometimes enter stopped state after a
	// detach, this doesn't happen immediately either.
	// We have to wait a bit here, then check if the main thread is stopped and
	// SIGCONT it if it is.
	time.Sleep(50 * time.Millisecond)
	if s := status(b.pid); s == 'T' {
		_ = sys.Kill(b.pid, sys.SIGCONT)
	}
	return err
}

func (b *Backend) detachAll() error {
	var err1 error
	for _, tid := range b.threadIDs() {
		b.mu.Lock()
		sig := b.threads[tid].delayedSignal
		b.mu.Unlock()
		var err error
		b.execPtraceFunc(func() { err = ptraceDetach(tid, sig) })
		if err != nil && err != sys.ESRCH && err1 == nil {
			err1 = err
		}
	}
	b.mu.Lock()
	b.threads = make(map[int]*thread)
	b.mu.Unlock()
	close(b.ptraceChan)
	return err1
}

func status(pid int) rune {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return 0
	}
	// the second field is the command name in parentheses and may contain
	// spaces and parentheses
	i := bytes.LastIndexByte(data, ')')
	if i < 0 || i+2 >= len(data) {
		return 0
	}
	return rune(data[i+2])
}

func (b *Backend) MainThread() int {
	return b.pid
}

var registerNames = []string{
	"rax", "rbx", "rcx", "rdx", "rsi", "rdi", "rbp", "rsp",
	"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15",
	"rip", "eflags", "cs", "ss", "ds", "es", "fs", "gs",
	"fs_base", "gs_base", "orig_rax",
}

func registerRef(regs *sys.PtraceRegs, name string) *uint64 {
	switch name {
	case "rax":
		return &regs.Rax
	case "rbx":
		return &regs.Rbx
	case "rcx":
		return &regs.Rcx
	case "rdx":
		return &regs.Rdx
	case "rsi":
		return &regs.Rsi
	case "rdi":
		return &regs.Rdi
	case "rbp":
		return &regs.Rbp
	case "rsp":
		return &regs.Rsp
	case "r8":
		return &regs.R8
	case "r9":
		return &regs.R9
	case "r10":
		return &regs.R10
	case "r11":
		return &regs.R11
	case "r12":
		return &regs.R12
	case "r13":
		return &regs.R13
	case "r14":
		return &regs.R14
	case "r15":
		return &regs.R15
	case "rip":
		return &regs.Rip
	case "eflags":
		return &regs.Eflags
	case "cs":
		return &regs.Cs
	case "ss":
		return &regs.Ss
	case "ds":
		return &regs.Ds
	case "es":
		return &regs.Es
	case "fs":
		return &regs.Fs
	case "gs":
		return &regs.Gs
	case "fs_base":
		return &regs.Fs_base
	case "gs_base":
		return &regs.Gs_base
	case "orig_rax":
		return &regs.Orig_rax
	}
	return nil
}

func (b *Backend) Registers(tid int) (debugger.Registers, error) {
	var regs sys.PtraceRegs
	var err error
	b.execPtraceFunc(func() { err = sys.PtraceGetRegs(tid, &regs) })
	if err != nil {
		return debugger.Registers{}, err
	}
	r := debugger.Registers{PC: regs.Rip, SP: regs.Rsp, Values: make(map[string]uint64, len(registerNames))}
	for _, name := range registerNames {
		r.Values[name] = *registerRef(&regs, name)
	}
	return r, nil
}

func (b *Backend) SetRegister(tid int, name string, v uint64) error {
	var err error
	b.execPtraceFunc(func() {
		var regs sys.PtraceRegs
		if err = sys.PtraceGetRegs(tid, &regs); err != nil {
			return
		}
		p := registerRef(&regs, name)
		if p == nil {
			err = fmt.Errorf("%q: %w", name, debugger.ErrUnknownRegister)
			return
		}
		*p = v
		err = sys.PtraceSetRegs(tid, &regs)
	})
	return err
}

func (b *Backend) ReadMemory(buf []byte, addr uint64) (int, error) {
	if b.mem == nil {
		return 0, debugger.ErrNotAttached
	}
	return b.mem.ReadMemory(buf, addr)
}
