//go:build !(linux && amd64)

package native

import (
	"github.com/memscan/memscan/pkg/debugger"
)

// Backend is a debugger.Backend refusing to attach on platforms without
// hardware watchpoint support.
type Backend struct{}

var _ debugger.Backend = (*Backend)(nil)

// NewBackend returns a detached backend.
func NewBackend() *Backend {
	return &Backend{}
}

func (b *Backend) Attach(pid int) error { return unsupported() }
func (b *Backend) Detach() error        { return nil }

func (b *Backend) Capabilities() debugger.Capabilities {
	return debugger.Capabilities{PtrSize: 8, PC: "pc"}
}

func (b *Backend) SetWatchpoint(slot int, addr uint64, size int, kind debugger.AccessKind) error {
	return unsupported()
}

func (b *Backend) ClearWatchpoint(slot int) error { return unsupported() }
func (b *Backend) Wait() (debugger.Trap, error)   { return debugger.Trap{}, unsupported() }
func (b *Backend) Stop() error                    { return unsupported() }
func (b *Backend) Continue() error                { return unsupported() }
func (b *Backend) MainThread() int                { return 0 }

func (b *Backend) Registers(tid int) (debugger.Registers, error) {
	return debugger.Registers{}, unsupported()
}

func (b *Backend) SetRegister(tid int, name string, v uint64) error { return unsupported() }

func (b *Backend) ReadMemory(buf []byte, addr uint64) (int, error) { return 0, unsupported() }
