// Package memtest provides an in-memory target process for tests.
package memtest

import (
	"encoding/binary"
	"sort"
	"sync"

	"github.com/memscan/memscan/pkg/proc"
)

// Process is a fake target whose address space is a set of byte slices.
type Process struct {
	mu      sync.RWMutex
	pid     int
	regions []*mapping
	exited  bool
	reads   int
}

type mapping struct {
	region proc.MemoryRegion
	data   []byte
}

// New returns an empty fake process with the given pid.
func New(pid int) *Process {
	return &Process{pid: pid}
}

// Map adds a readable and writable region at base holding a copy of data.
func (p *Process) Map(base uint64, data []byte) *Process {
	return p.MapProt(base, data, proc.ProtRead|proc.ProtWrite, "")
}

// MapProt adds a region with explicit protection and path.
func (p *Process) MapProt(base uint64, data []byte, prot proc.Protection, path string) *Process {
	p.mu.Lock()
	defer p.mu.Unlock()
	buf := make([]byte, len(data))
	copy(buf, data)
	p.regions = append(p.regions, &mapping{
		region: proc.MemoryRegion{Base: base, Size: uint64(len(data)), Prot: prot, Path: path},
		data:   buf,
	})
	sort.Slice(p.regions, func(i, j int) bool { return p.regions[i].region.Base < p.regions[j].region.Base })
	return p
}

// Unmap removes the region starting at base.
func (p *Process) Unmap(base uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, m := range p.regions {
		if m.region.Base == base {
			p.regions = append(p.regions[:i], p.regions[i+1:]...)
			return
		}
	}
}

// Exit makes every following operation fail with proc.ErrProcessExited.
func (p *Process) Exit() {
	p.mu.Lock()
	p.exited = true
	p.mu.Unlock()
}

// Reads returns the number of ReadMemory calls served so far.
func (p *Process) Reads() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.reads
}

func (p *Process) Pid() int { return p.pid }

func (p *Process) Regions() ([]proc.MemoryRegion, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.exited {
		return nil, proc.ErrProcessExited{Pid: p.pid}
	}
	r := make([]proc.MemoryRegion, 0, len(p.regions))
	for _, m := range p.regions {
		r = append(r, m.region)
	}
	return r, nil
}

func (p *Process) find(addr uint64) *mapping {
	for _, m := range p.regions {
		if m.region.Contains(addr) {
			return m
		}
	}
	return nil
}

func (p *Process) ReadMemory(buf []byte, addr uint64) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reads++
	if p.exited {
		return 0, proc.ErrProcessExited{Pid: p.pid}
	}
	n := 0
	for n < len(buf) {
		m := p.find(addr + uint64(n))
		if m == nil || m.region.Prot&proc.ProtRead == 0 {
			if n == 0 {
				return 0, &proc.ReadError{Addr: addr, Size: len(buf), Err: proc.ErrProcessUnreadable}
			}
			return n, nil
		}
		n += copy(buf[n:], m.data[addr+uint64(n)-m.region.Base:])
	}
	return n, nil
}

func (p *Process) WriteMemory(addr uint64, data []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.exited {
		return 0, proc.ErrProcessExited{Pid: p.pid}
	}
	n := 0
	for n < len(data) {
		m := p.find(addr + uint64(n))
		if m == nil {
			if n == 0 {
				return 0, proc.ErrProcessUnwritable
			}
			return n, nil
		}
		n += copy(m.data[addr+uint64(n)-m.region.Base:], data[n:])
	}
	return n, nil
}

// PutUint32 writes a little endian uint32 at addr, panicking if addr is
// not mapped.
func (p *Process) PutUint32(addr uint64, v uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	if n, _ := p.WriteMemory(addr, buf[:]); n != len(buf) {
		panic("memtest: address not mapped")
	}
}

// PutUint64 writes a little endian uint64 at addr, panicking if addr is
// not mapped.
func (p *Process) PutUint64(addr uint64, v uint64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	if n, _ := p.WriteMemory(addr, buf[:]); n != len(buf) {
		panic("memtest: address not mapped")
	}
}

// Int32s encodes vs as consecutive little endian int32 values.
func Int32s(vs ...int32) []byte {
	buf := make([]byte, 4*len(vs))
	for i, v := range vs {
		binary.LittleEndian.PutUint32(buf[i*4:], uint32(v))
	}
	return buf
}
