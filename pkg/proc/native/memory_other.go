//go:build !linux

package native

import (
	"github.com/memscan/memscan/pkg/proc"
)

// OpenProcess returns an accessor for the memory of process pid.
func OpenProcess(pid int) (*Process, error) {
	return nil, unsupported()
}

func (p *Process) ReadMemory(buf []byte, addr uint64) (int, error) {
	return 0, unsupported()
}

func (p *Process) WriteMemory(addr uint64, data []byte) (int, error) {
	return 0, unsupported()
}

func (p *Process) Regions() ([]proc.MemoryRegion, error) {
	return nil, proc.ErrMemoryMapNotSupported
}
