package amd64util

import (
	"errors"
	"fmt"
)

// NumSlots is the number of address debug registers (DR0 to DR3).
const NumSlots = 4

// Condition is the R/W field of DR7 for one slot.
type Condition uint8

const (
	CondExecute   Condition = 0x0
	CondWrite     Condition = 0x1
	CondReadWrite Condition = 0x3
)

func (c Condition) String() string {
	switch c {
	case CondExecute:
		return "execute"
	case CondWrite:
		return "write"
	case CondReadWrite:
		return "read/write"
	}
	return fmt.Sprintf("Condition(%d)", uint8(c))
}

var (
	ErrSlotInUse      = errors.New("hardware breakpoint slot already in use")
	ErrSlotsExhausted = errors.New("hardware breakpoints exhausted")
)

// DebugRegisters represents x86 debug registers described in the Intel 64
// and IA-32 Architectures Software Developer's Manual, Vol. 3B, section
// 17.2
type DebugRegisters struct {
	pAddrs     [NumSlots]*uint64
	pDR6, pDR7 *uint64
	Dirty      bool
}

func NewDebugRegisters(pDR0, pDR1, pDR2, pDR3, pDR6, pDR7 *uint64) *DebugRegisters {
	return &DebugRegisters{
		pAddrs: [NumSlots]*uint64{pDR0, pDR1, pDR2, pDR3},
		pDR6:   pDR6,
		pDR7:   pDR7,
		Dirty:  false,
	}
}

func lenrwBitsOffset(idx uint8) uint8 {
	return 16 + idx*4
}

func enableBitOffset(idx uint8) uint8 {
	return idx * 2
}

// Watchpoint returns the configuration of slot idx. ok is false if the
// slot is disabled.
func (drs *DebugRegisters) Watchpoint(idx uint8) (addr uint64, cond Condition, sz int, ok bool) {
	if int(idx) >= NumSlots || *(drs.pDR7)&(1<<enableBitOffset(idx)) == 0 {
		return 0, 0, 0, false
	}

	addr = *(drs.pAddrs[idx])
	lenrw := (*(drs.pDR7) >> lenrwBitsOffset(idx)) & 0xf
	cond = Condition(lenrw & 0x3)
	switch lenrw >> 2 {
	case 0x0:
		sz = 1
	case 0x1:
		sz = 2
	case 0x2:
		sz = 8 // sic
	case 0x3:
		sz = 4
	}
	return addr, cond, sz, true
}

// SetWatchpoint arms slot idx to trap on cond accesses of sz bytes at
// addr. If the slot is already armed with the same parameters it does
// nothing.
func (drs *DebugRegisters) SetWatchpoint(idx uint8, addr uint64, cond Condition, sz int) error {
	if int(idx) >= NumSlots {
		return ErrSlotsExhausted
	}
	if cond != CondWrite && cond != CondReadWrite {
		return fmt.Errorf("unsupported watch condition %v", cond)
	}
	if curaddr, curcond, cursz, ok := drs.Watchpoint(idx); ok {
		if curaddr != addr || curcond != cond || cursz != sz {
			return fmt.Errorf("slot %d (address %#x): %w", idx, curaddr, ErrSlotInUse)
		}
		return nil
	}

	lenrw := uint64(cond)
	switch sz {
	case 1:
		// already ok
	case 2:
		lenrw |= 0x1 << 2
	case 4:
		lenrw |= 0x3 << 2
	case 8:
		lenrw |= 0x2 << 2
	default:
		return fmt.Errorf("data breakpoint of size %d not supported", sz)
	}
	if addr%uint64(sz) != 0 {
		return fmt.Errorf("data breakpoint at %#x is not aligned to its size %d", addr, sz)
	}

	*(drs.pAddrs[idx]) = addr
	*(drs.pDR7) &^= (0xf << lenrwBitsOffset(idx)) // clear old settings
	*(drs.pDR7) |= lenrw << lenrwBitsOffset(idx)
	*(drs.pDR7) |= 1 << enableBitOffset(idx) // enable
	drs.Dirty = true
	return nil
}

// ClearWatchpoint disables slot idx. If the slot was already disabled it
// does nothing.
func (drs *DebugRegisters) ClearWatchpoint(idx uint8) {
	if int(idx) >= NumSlots || *(drs.pDR7)&(1<<enableBitOffset(idx)) == 0 {
		return
	}
	*(drs.pDR7) &^= (1 << enableBitOffset(idx))
	*(drs.pAddrs[idx]) = 0
	drs.Dirty = true
}

// HitSlots returns the enabled slots whose condition flag is set in DR6
// and resets the condition flags.
func (drs *DebugRegisters) HitSlots() []uint8 {
	var hits []uint8
	for idx := uint8(0); idx < NumSlots; idx++ {
		if *(drs.pDR7)&(1<<enableBitOffset(idx)) == 0 {
			continue
		}
		if *(drs.pDR6)&(1<<idx) != 0 {
			hits = append(hits, idx)
		}
	}
	if *drs.pDR6&0xf != 0 {
		*drs.pDR6 &^= 0xf // it is our responsibility to clear the condition bits
		drs.Dirty = true
	}
	return hits
}
