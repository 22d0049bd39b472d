package native

import (
	"errors"
	"fmt"
	"os"

	sys "golang.org/x/sys/unix"

	"github.com/memscan/memscan/pkg/proc"
)

// OpenProcess returns an accessor for the memory of process pid.
func OpenProcess(pid int) (*Process, error) {
	if pid <= 0 {
		return nil, fmt.Errorf("invalid pid %d", pid)
	}
	if err := sys.Kill(pid, 0); err == sys.ESRCH {
		return nil, proc.ErrProcessExited{Pid: pid}
	}
	return &Process{pid: pid}, nil
}

// ReadMemory reads target memory with process_vm_readv. A read crossing
// into an unmapped page is short.
func (p *Process) ReadMemory(buf []byte, addr uint64) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	n, err := processVmRead(p.pid, uintptr(addr), buf)
	if err != nil {
		return 0, p.memError(err, addr, len(buf), proc.ErrProcessUnreadable)
	}
	return n, nil
}

// WriteMemory writes target memory with process_vm_writev, falling back
// to /proc/<pid>/mem for pages that are not writable by the target.
func (p *Process) WriteMemory(addr uint64, data []byte) (int, error) {
	if len(data) == 0 {
		return 0, nil
	}
	n, err := processVmWrite(p.pid, uintptr(addr), data)
	if err == nil && n == len(data) {
		return n, nil
	}
	if err == sys.ESRCH {
		return 0, proc.ErrProcessExited{Pid: p.pid}
	}
	f, ferr := os.OpenFile(fmt.Sprintf("/proc/%d/mem", p.pid), os.O_WRONLY, 0)
	if ferr != nil {
		if err == nil {
			return n, nil
		}
		return 0, p.memError(err, addr, len(data), proc.ErrProcessUnwritable)
	}
	defer f.Close()
	n, err = f.WriteAt(data, int64(addr))
	if err != nil && n == 0 {
		return 0, p.memError(err, addr, len(data), proc.ErrProcessUnwritable)
	}
	return n, nil
}

func (p *Process) memError(err error, addr uint64, size int, sentinel error) error {
	if errors.Is(err, sys.ESRCH) {
		return proc.ErrProcessExited{Pid: p.pid}
	}
	return &proc.ReadError{Addr: addr, Size: size, Err: fmt.Errorf("%w: %v", sentinel, err)}
}

// Regions parses /proc/<pid>/maps.
func (p *Process) Regions() ([]proc.MemoryRegion, error) {
	f, err := os.Open(fmt.Sprintf("/proc/%d/maps", p.pid))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, proc.ErrProcessExited{Pid: p.pid}
		}
		return nil, err
	}
	defer f.Close()
	return proc.ParseMaps(f)
}
