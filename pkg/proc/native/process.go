// Package native implements access to live processes of the host: memory
// access for snapshots and a ptrace based watchpoint backend for the
// debugger.
package native

import (
	"errors"
	"fmt"
	"runtime"

	"github.com/memscan/memscan/pkg/proc"
)

// ErrNotSupported is returned on platforms without a native backend.
var ErrNotSupported = errors.New("native backend not supported")

// Process gives access to the memory of a live process. It implements
// proc.Accessor and is safe for concurrent use.
type Process struct {
	pid int
}

var _ proc.Accessor = (*Process)(nil)

// Pid returns the process id.
func (p *Process) Pid() int {
	return p.pid
}

func (p *Process) String() string {
	return fmt.Sprintf("process %d", p.pid)
}

func unsupported() error {
	return fmt.Errorf("%w on %s/%s", ErrNotSupported, runtime.GOOS, runtime.GOARCH)
}
