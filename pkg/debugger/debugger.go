// Package debugger arms hardware watchpoints on a target process and
// reports the accesses they trap.
package debugger

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/memscan/memscan/pkg/logflags"
)

var (
	// ErrUnsupportedBreakpointSize is returned for watchpoint sizes other
	// than 1, 2, 4 and 8.
	ErrUnsupportedBreakpointSize = errors.New("unsupported breakpoint size")
	// ErrUnalignedBreakpoint is returned when the address of a watchpoint
	// is not a multiple of its size.
	ErrUnalignedBreakpoint = errors.New("breakpoint address not aligned to its size")
	// ErrBreakpointsExhausted is returned when every hardware slot is in
	// use.
	ErrBreakpointsExhausted = errors.New("hardware breakpoints exhausted")
	// ErrAttachDenied is returned when the debug request callback refuses
	// to attach.
	ErrAttachDenied = errors.New("attach denied")
	// ErrNotAttached is returned by operations that need a target.
	ErrNotAttached = errors.New("not attached to a process")
	// ErrNotPaused is returned when changing registers of a running target.
	ErrNotPaused = errors.New("process is running")
	// ErrUnknownRegister is returned for register names the target does
	// not have.
	ErrUnknownRegister = errors.New("unknown register")
)

// State is the attach state of a Debugger.
type State uint8

const (
	Detached State = iota
	Attached
)

func (s State) String() string {
	if s == Attached {
		return "attached"
	}
	return "detached"
}

// CodeTraceInfo describes a trapped memory access.
type CodeTraceInfo struct {
	Breakpoint *Breakpoint
	ThreadID   int
	// InstructionPointer is the address of the instruction following the
	// one that accessed memory.
	InstructionPointer uint64
	AccessedAddress    uint64
	Registers          map[string]uint64
	// Instruction is the decoded accessing instruction, empty if it could
	// not be decoded.
	Instruction string
}

// Debugger watches memory accesses of one target process at a time.
//
// The target alternates between running and stopped. A single monitor
// goroutine waits for traps and runs the callbacks of the watchpoints that
// triggered, one at a time, while the target is stopped. The target is
// resumed after the callbacks return unless PauseExecution was called.
type Debugger struct {
	backend Backend
	caps    Capabilities
	log     *logrus.Entry

	mu   sync.Mutex
	cond *sync.Cond

	state           State
	pid             int
	requestCallback func(pid int) bool
	slots           []*Breakpoint
	nextID          int

	// running is true while the target runs and the monitor waits for a
	// trap.
	running bool
	// parked is true while the target is stopped and the monitor waits
	// to be resumed.
	parked         bool
	pauseRequested bool
	stopRequests   int
	thread         int

	resume chan struct{}
	quit   chan struct{}
}

// New returns a detached debugger using backend.
func New(backend Backend) *Debugger {
	caps := backend.Capabilities()
	d := &Debugger{
		backend: backend,
		caps:    caps,
		log:     logflags.DebuggerLogger(),
		slots:   make([]*Breakpoint, caps.Slots),
	}
	d.cond = sync.NewCond(&d.mu)
	return d
}

// SetDebugRequestCallback sets a callback consulted by SetTargetProcess
// before attaching; returning false refuses the attach.
func (d *Debugger) SetDebugRequestCallback(fn func(pid int) bool) {
	d.mu.Lock()
	d.requestCallback = fn
	d.mu.Unlock()
}

// State returns the attach state.
func (d *Debugger) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Pid returns the pid of the target, 0 when detached.
func (d *Debugger) Pid() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pid
}

// SetTargetProcess attaches to pid, detaching from the current target
// first. The target keeps running once attached.
func (d *Debugger) SetTargetProcess(pid int) error {
	d.mu.Lock()
	cb := d.requestCallback
	d.mu.Unlock()
	if cb != nil && !cb(pid) {
		return fmt.Errorf("pid %d: %w", pid, ErrAttachDenied)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state == Attached {
		if err := d.detachLocked(); err != nil {
			return err
		}
	}
	d.log.Infof("attaching to pid %d", pid)
	if err := d.backend.Attach(pid); err != nil {
		return err
	}
	d.state = Attached
	d.pid = pid
	d.thread = d.backend.MainThread()
	d.pauseRequested = false
	d.stopRequests = 0
	d.parked = false
	d.resume = make(chan struct{}, 1)
	d.quit = make(chan struct{})
	if err := d.backend.Continue(); err != nil {
		d.backend.Detach()
		d.state = Detached
		d.pid = 0
		return err
	}
	d.running = true
	go d.monitor(d.resume, d.quit)
	return nil
}

// Detach disarms every watchpoint, cancels their handles and releases the
// target.
func (d *Debugger) Detach() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != Attached {
		return nil
	}
	return d.detachLocked()
}

func (d *Debugger) detachLocked() error {
	// the monitor stays parked until quit is closed
	d.stopRequests++
	defer func() { d.stopRequests = 0 }()
	err := d.whileStopped(func() error {
		for slot, bp := range d.slots {
			if bp != nil {
				d.backend.ClearWatchpoint(slot)
			}
		}
		return nil
	})
	if err != nil {
		d.log.Debugf("could not stop pid %d before detaching: %v", d.pid, err)
	}
	err = d.backend.Detach()
	d.log.Infof("detached from pid %d", d.pid)
	d.releaseLocked()
	return err
}

// releaseLocked resets the debugger to the detached state.
func (d *Debugger) releaseLocked() {
	for slot, bp := range d.slots {
		if bp != nil {
			bp.close()
			d.slots[slot] = nil
		}
	}
	if d.quit != nil {
		close(d.quit)
		d.quit = nil
	}
	d.state = Detached
	d.pid = 0
	d.running = false
	d.parked = false
	d.pauseRequested = false
	d.cond.Broadcast()
}

// whileStopped runs fn with the target stopped, stopping and resuming it
// if it is running. Must be called with d.mu held.
func (d *Debugger) whileStopped(fn func() error) error {
	if !d.running {
		return fn()
	}
	d.stopRequests++
	if err := d.backend.Stop(); err != nil {
		d.stopRequests--
		return err
	}
	for d.state == Attached && !d.parked {
		d.cond.Wait()
	}
	d.stopRequests--
	if d.state != Attached {
		return ErrNotAttached
	}
	err := fn()
	d.maybeResumeLocked()
	return err
}

// maybeResumeLocked resumes a parked target nobody wants stopped.
func (d *Debugger) maybeResumeLocked() {
	if !d.parked || d.pauseRequested || d.stopRequests > 0 {
		return
	}
	if err := d.backend.Continue(); err != nil {
		d.log.Errorf("could not resume pid %d: %v", d.pid, err)
		return
	}
	d.parked = false
	d.running = true
	d.resume <- struct{}{}
}

// monitor waits for traps of the running target and dispatches them.
func (d *Debugger) monitor(resume, quit chan struct{}) {
	for {
		trap, err := d.backend.Wait()

		d.mu.Lock()
		select {
		case <-quit:
			d.mu.Unlock()
			return
		default:
		}
		d.running = false
		if err != nil || trap.Exited {
			if err != nil {
				d.log.Errorf("waiting for pid %d: %v", d.pid, err)
			} else {
				d.log.Infof("pid %d exited with status %d", d.pid, trap.ExitStatus)
			}
			d.releaseLocked()
			d.mu.Unlock()
			return
		}
		d.thread = trap.ThreadID
		var hits []*Breakpoint
		for _, slot := range trap.Slots {
			if slot >= 0 && slot < len(d.slots) && d.slots[slot] != nil {
				hits = append(hits, d.slots[slot])
			}
		}
		d.mu.Unlock()

		for _, bp := range hits {
			d.dispatch(bp, trap.ThreadID)
		}

		d.mu.Lock()
		// a detach during the callbacks ends this monitor even if a new
		// target was attached since
		select {
		case <-quit:
			d.mu.Unlock()
			return
		default:
		}
		if d.state != Attached {
			d.mu.Unlock()
			return
		}
		if d.pauseRequested || d.stopRequests > 0 {
			d.parked = true
			d.cond.Broadcast()
			d.mu.Unlock()
			select {
			case <-resume:
			case <-quit:
				return
			}
			continue
		}
		if err := d.backend.Continue(); err != nil {
			d.log.Errorf("could not resume pid %d: %v", d.pid, err)
			d.releaseLocked()
			d.mu.Unlock()
			return
		}
		d.running = true
		d.mu.Unlock()
	}
}

// PauseExecution stops the target until ResumeExecution is called. Called
// from a watchpoint callback it keeps the target stopped once the
// callbacks return.
func (d *Debugger) PauseExecution() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != Attached {
		return ErrNotAttached
	}
	if d.pauseRequested {
		return nil
	}
	d.pauseRequested = true
	if !d.running {
		return nil
	}
	if err := d.backend.Stop(); err != nil {
		d.pauseRequested = false
		return err
	}
	for d.state == Attached && !d.parked {
		d.cond.Wait()
	}
	return nil
}

// ResumeExecution resumes a target stopped by PauseExecution.
func (d *Debugger) ResumeExecution() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != Attached {
		return ErrNotAttached
	}
	d.pauseRequested = false
	d.maybeResumeLocked()
	return nil
}

// IsPaused returns true if the target is stopped by PauseExecution.
func (d *Debugger) IsPaused() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state == Attached && d.pauseRequested && !d.running
}

func (d *Debugger) registers() (Registers, error) {
	if d.state != Attached {
		return Registers{}, ErrNotAttached
	}
	var regs Registers
	err := d.whileStopped(func() error {
		var err error
		regs, err = d.backend.Registers(d.thread)
		return err
	})
	return regs, err
}

// ReadRegister returns the value of register name of the thread that
// last stopped.
func (d *Debugger) ReadRegister(name string) (uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	regs, err := d.registers()
	if err != nil {
		return 0, err
	}
	v, ok := regs.Values[name]
	if !ok {
		return 0, fmt.Errorf("%q: %w", name, ErrUnknownRegister)
	}
	return v, nil
}

// ReadInstructionPointer returns the instruction pointer of the thread
// that last stopped.
func (d *Debugger) ReadInstructionPointer() (uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	regs, err := d.registers()
	return regs.PC, err
}

// WriteRegister changes register name of the thread that last stopped.
// The target must be stopped, by PauseExecution or inside a watchpoint
// callback.
func (d *Debugger) WriteRegister(name string, v uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != Attached {
		return ErrNotAttached
	}
	if d.running {
		return ErrNotPaused
	}
	return d.backend.SetRegister(d.thread, name, v)
}

// WriteInstructionPointer changes the instruction pointer of the thread
// that last stopped.
func (d *Debugger) WriteInstructionPointer(v uint64) error {
	return d.WriteRegister(d.caps.PC, v)
}
