package debugger

import (
	"golang.org/x/arch/x86/x86asm"

	"github.com/memscan/memscan/pkg/proc"
)

const maxInstructionLen = 15

// instructionBefore returns the text of the instruction ending at pc.
//
// Data watchpoints trap after the accessing instruction executed, so pc
// is the address of the following instruction. x86 instructions can not
// be decoded backwards: every start between pc-15 and pc-1 is tried and
// the longest instruction ending exactly at pc wins. The result is empty
// if nothing decodes.
func instructionBefore(mem proc.MemoryReader, pc uint64, ptrSize int) string {
	if pc < maxInstructionLen {
		return ""
	}
	mode := 64
	if ptrSize == 4 {
		mode = 32
	}
	start := pc - maxInstructionLen
	cached := proc.CacheMemory(mem, start, maxInstructionLen)
	buf := make([]byte, maxInstructionLen)
	for n := maxInstructionLen; n > 0; n-- {
		instpc := pc - uint64(n)
		if err := proc.ReadFull(cached, buf[:n], instpc); err != nil {
			continue
		}
		inst, err := x86asm.Decode(buf[:n], mode)
		if err != nil || inst.Len != n {
			continue
		}
		patchPCRel(instpc, &inst)
		return x86asm.IntelSyntax(inst, instpc, nil)
	}
	return ""
}

// converts PC relative arguments to absolute addresses
func patchPCRel(pc uint64, inst *x86asm.Inst) {
	for i := range inst.Args {
		rel, isrel := inst.Args[i].(x86asm.Rel)
		if isrel {
			inst.Args[i] = x86asm.Imm(int64(pc) + int64(rel) + int64(inst.Len))
		}
	}
}
