package debugger

import (
	"bytes"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/memscan/memscan/pkg/proc"
)

// Breakpoint is a hardware watchpoint armed by a Debugger.
type Breakpoint struct {
	ID      int
	Address uint64
	Size    int
	Kind    AccessKind

	d        *Debugger
	slot     int
	callback func(CodeTraceInfo)
	hits     atomic.Uint64

	// emulated read watchpoints are armed as access watchpoints; shadow
	// holds the watched bytes to tell reads from writes.
	emulated bool
	shadow   []byte

	done      chan struct{}
	closeOnce sync.Once
}

func (bp *Breakpoint) String() string {
	return fmt.Sprintf("watchpoint %d (%s of %d bytes at %#x)", bp.ID, bp.Kind, bp.Size, bp.Address)
}

// Hits returns the number of accesses reported so far.
func (bp *Breakpoint) Hits() uint64 { return bp.hits.Load() }

// Done returns a channel closed when the watchpoint is disarmed, by
// Cancel, by detaching or because the target exited.
func (bp *Breakpoint) Done() <-chan struct{} { return bp.done }

// Cancel disarms the watchpoint. Canceling a disarmed watchpoint does
// nothing.
func (bp *Breakpoint) Cancel() error {
	return bp.d.clear(bp)
}

func (bp *Breakpoint) close() {
	bp.closeOnce.Do(func() { close(bp.done) })
}

// FindWhatReads arms a watchpoint calling callback, on the monitor
// goroutine, every time the size bytes at address are read.
func (d *Debugger) FindWhatReads(address uint64, size int, callback func(CodeTraceInfo)) (*Breakpoint, error) {
	return d.watch(address, size, Read, callback)
}

// FindWhatWrites arms a watchpoint calling callback every time the size
// bytes at address are written.
func (d *Debugger) FindWhatWrites(address uint64, size int, callback func(CodeTraceInfo)) (*Breakpoint, error) {
	return d.watch(address, size, Write, callback)
}

// FindWhatAccesses arms a watchpoint calling callback every time the size
// bytes at address are read or written.
func (d *Debugger) FindWhatAccesses(address uint64, size int, callback func(CodeTraceInfo)) (*Breakpoint, error) {
	return d.watch(address, size, Access, callback)
}

func (d *Debugger) watch(address uint64, size int, kind AccessKind, callback func(CodeTraceInfo)) (*Breakpoint, error) {
	switch size {
	case 1, 2, 4, 8:
	default:
		return nil, fmt.Errorf("size %d: %w", size, ErrUnsupportedBreakpointSize)
	}
	if address%uint64(size) != 0 {
		return nil, fmt.Errorf("address %#x, size %d: %w", address, size, ErrUnalignedBreakpoint)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != Attached {
		return nil, ErrNotAttached
	}
	slot := -1
	for i, bp := range d.slots {
		if bp == nil {
			slot = i
			break
		}
	}
	if slot < 0 {
		return nil, ErrBreakpointsExhausted
	}

	d.nextID++
	bp := &Breakpoint{
		ID:       d.nextID,
		Address:  address,
		Size:     size,
		Kind:     kind,
		d:        d,
		slot:     slot,
		callback: callback,
		emulated: kind == Read && !d.caps.ReadWatch,
		done:     make(chan struct{}),
	}
	hwkind := kind
	if bp.emulated {
		hwkind = Access
	}
	err := d.whileStopped(func() error {
		if bp.emulated {
			bp.shadow = make([]byte, size)
			if err := proc.ReadFull(d.backend, bp.shadow, address); err != nil {
				return err
			}
		}
		if err := d.backend.SetWatchpoint(slot, address, size, hwkind); err != nil {
			return err
		}
		d.slots[slot] = bp
		return nil
	})
	if err != nil {
		return nil, err
	}
	d.log.Debugf("armed %v in slot %d", bp, slot)
	return bp, nil
}

func (d *Debugger) clear(bp *Breakpoint) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != Attached || bp.slot >= len(d.slots) || d.slots[bp.slot] != bp {
		bp.close()
		return nil
	}
	err := d.whileStopped(func() error {
		if err := d.backend.ClearWatchpoint(bp.slot); err != nil {
			return err
		}
		d.slots[bp.slot] = nil
		return nil
	})
	if err != nil {
		return err
	}
	bp.close()
	d.log.Debugf("cleared %v", bp)
	return nil
}

// Breakpoints returns the armed watchpoints.
func (d *Debugger) Breakpoints() []*Breakpoint {
	d.mu.Lock()
	defer d.mu.Unlock()
	var r []*Breakpoint
	for _, bp := range d.slots {
		if bp != nil {
			r = append(r, bp)
		}
	}
	return r
}

// dispatch reports a trap of bp on thread tid. It runs on the monitor
// goroutine with the target stopped.
func (d *Debugger) dispatch(bp *Breakpoint, tid int) {
	select {
	case <-bp.done:
		return
	default:
	}
	if bp.emulated {
		cur := make([]byte, bp.Size)
		if err := proc.ReadFull(d.backend, cur, bp.Address); err == nil {
			if !bytes.Equal(cur, bp.shadow) {
				// a write, not a read
				bp.shadow = cur
				return
			}
		}
	}
	bp.hits.Add(1)
	if bp.callback == nil {
		return
	}

	info := CodeTraceInfo{
		Breakpoint:      bp,
		ThreadID:        tid,
		AccessedAddress: bp.Address,
	}
	regs, err := d.backend.Registers(tid)
	if err != nil {
		d.log.Debugf("could not read registers of thread %d: %v", tid, err)
	} else {
		info.InstructionPointer = regs.PC
		info.Registers = regs.Values
		info.Instruction = instructionBefore(d.backend, regs.PC, d.caps.PtrSize)
	}
	bp.callback(info)
}
