package proc

import (
	"encoding/binary"
	"fmt"
)

// MemoryReader is like io.ReaderAt, but the offset is a uint64 so that it
// can address all of 64-bit memory.
type MemoryReader interface {
	// ReadMemory is just like io.ReaderAt.ReadAt.
	ReadMemory(buf []byte, addr uint64) (n int, err error)
}

// MemoryReadWriter is an interface for reading or writing to
// the targets memory. This allows us to read from the actual
// target memory or possibly a cache.
type MemoryReadWriter interface {
	MemoryReader
	WriteMemory(addr uint64, data []byte) (written int, err error)
}

// Accessor is the raw process memory primitive consumed by the engine.
// Implementations must be safe for concurrent reads of distinct ranges.
type Accessor interface {
	MemoryReadWriter
	// Pid returns the process id of the target, or 0 for targets that are
	// not backed by a live process.
	Pid() int
	// Regions enumerates the mapped regions of the target, sorted by base
	// address.
	Regions() ([]MemoryRegion, error)
}

// ReadFull reads exactly len(buf) bytes at addr. A short read is reported
// as ErrProcessUnreadable.
func ReadFull(mem MemoryReader, buf []byte, addr uint64) error {
	n, err := mem.ReadMemory(buf, addr)
	if err != nil {
		return err
	}
	if n != len(buf) {
		return &ReadError{Addr: addr + uint64(n), Size: len(buf) - n, Err: ErrProcessUnreadable}
	}
	return nil
}

// WriteFull writes data at addr, failing with ErrProcessUnwritable on a
// short write.
func WriteFull(mem MemoryReadWriter, addr uint64, data []byte) error {
	n, err := mem.WriteMemory(addr, data)
	if err != nil {
		return err
	}
	if n != len(data) {
		return fmt.Errorf("wrote %d of %d bytes at %#x: %w", n, len(data), addr, ErrProcessUnwritable)
	}
	return nil
}

// ReadPointer reads a little endian pointer of ptrSize bytes (4 or 8) at
// addr.
func ReadPointer(mem MemoryReader, addr uint64, ptrSize int) (uint64, error) {
	var buf [8]byte
	if err := ReadFull(mem, buf[:ptrSize], addr); err != nil {
		return 0, err
	}
	return DecodePointer(buf[:ptrSize]), nil
}

// DecodePointer decodes a 4 or 8 byte little endian pointer.
func DecodePointer(buf []byte) uint64 {
	if len(buf) == 4 {
		return uint64(binary.LittleEndian.Uint32(buf))
	}
	return binary.LittleEndian.Uint64(buf)
}
