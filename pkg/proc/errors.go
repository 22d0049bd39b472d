package proc

import (
	"errors"
	"fmt"
)

var (
	// ErrProcessUnreadable is returned when target memory can not be read,
	// usually because the page was unmapped or the process went away.
	ErrProcessUnreadable = errors.New("process memory unreadable")
	// ErrProcessUnwritable is returned when target memory can not be
	// written.
	ErrProcessUnwritable = errors.New("process memory unwritable")
	// ErrMemoryMapNotSupported is returned by accessors that can not
	// enumerate the target's mappings.
	ErrMemoryMapNotSupported = errors.New("memory map not supported")
)

// ErrProcessExited indicates that the process has exited.
type ErrProcessExited struct {
	Pid int
}

func (pe ErrProcessExited) Error() string {
	return fmt.Sprintf("process %d has exited", pe.Pid)
}

// Is lets errors.Is match a process exit against ErrProcessUnreadable:
// every read of an exited process fails.
func (pe ErrProcessExited) Is(target error) bool {
	return target == ErrProcessUnreadable
}

// ReadError describes a failed read of Size bytes at Addr.
type ReadError struct {
	Addr uint64
	Size int
	Err  error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("could not read %d bytes at %#x: %v", e.Size, e.Addr, e.Err)
}

func (e *ReadError) Unwrap() error {
	return e.Err
}

// IsProcessGone returns true if err reports that the target process no
// longer exists.
func IsProcessGone(err error) bool {
	var exited ErrProcessExited
	return errors.As(err, &exited)
}
