package snapshot

import (
	"fmt"
	"iter"

	"github.com/memscan/memscan/pkg/proc"
	"github.com/memscan/memscan/pkg/value"
)

// Region is a contiguous range of target memory captured by a Snapshot.
// It owns two buffers of the same length: current holds the last capture
// and previous the capture before it, or nil if the region was captured
// only once.
//
// A Region also records which parts of it are still candidates, as a list
// of element ranges. A freshly collected region has a single range
// spanning all of it. Buffers are never modified once the region belongs
// to a Snapshot.
type Region struct {
	base     uint64
	current  []byte
	previous []byte
	spans    []span
	mapping  proc.MemoryRegion
}

type span struct {
	off, len int
}

// NewRegion returns a region at base owning current and previous, which
// must be nil or as long as current. The region has no element ranges;
// use AddRange, or AddRange(0, len(current)) to make it all candidate.
func NewRegion(base uint64, current, previous []byte) *Region {
	if previous != nil && len(previous) != len(current) {
		panic(fmt.Sprintf("region %#x: previous buffer has %d bytes, current %d", base, len(previous), len(current)))
	}
	return &Region{base: base, current: current, previous: previous}
}

// AddRange appends an element range of length bytes starting offset bytes
// into the region. Ranges must be added in strictly increasing offset
// order. Ranges may share bytes when elements are placed closer than their
// size.
func (r *Region) AddRange(offset, length int) *Region {
	if offset < 0 || length < 0 || offset+length > len(r.current) {
		panic(fmt.Sprintf("region %#x: range [%d, %d) out of bounds (%d bytes)", r.base, offset, offset+length, len(r.current)))
	}
	if n := len(r.spans); n > 0 && r.spans[n-1].off >= offset {
		panic(fmt.Sprintf("region %#x: range at %d added after range at %d", r.base, offset, r.spans[n-1].off))
	}
	r.spans = append(r.spans, span{offset, length})
	return r
}

// SetMapping records the memory mapping the region was captured from.
func (r *Region) SetMapping(m proc.MemoryRegion) *Region {
	r.mapping = m
	return r
}

// Mapping returns the memory mapping the region was captured from.
func (r *Region) Mapping() proc.MemoryRegion { return r.mapping }

// BaseAddress returns the address of the first byte of the region.
func (r *Region) BaseAddress() uint64 { return r.base }

// Size returns the length of the region in bytes.
func (r *Region) Size() int { return len(r.current) }

// EndAddress returns the address one past the last byte of the region.
func (r *Region) EndAddress() uint64 { return r.base + uint64(len(r.current)) }

// Contains returns true if addr is inside the region.
func (r *Region) Contains(addr uint64) bool {
	return addr >= r.base && addr < r.EndAddress()
}

// Current returns the current buffer. Callers must not modify it.
func (r *Region) Current() []byte { return r.current }

// Previous returns the previous buffer, nil if the region was captured
// only once. Callers must not modify it.
func (r *Region) Previous() []byte { return r.previous }

// HasPrevious returns true if the region holds two captures.
func (r *Region) HasPrevious() bool { return r.previous != nil }

// RangeCount returns the number of element ranges.
func (r *Region) RangeCount() int { return len(r.spans) }

// Ranges returns the element ranges of the region. The sequence is lazy
// and can be iterated more than once.
func (r *Region) Ranges() iter.Seq[ElementRange] {
	return func(yield func(ElementRange) bool) {
		for _, s := range r.spans {
			if !yield(ElementRange{region: r, Offset: s.off, Length: s.len}) {
				return
			}
		}
	}
}

// ElementCount returns the number of aligned elements of size bytes in all
// the element ranges of the region.
func (r *Region) ElementCount(size, alignment int) int {
	n := 0
	for _, s := range r.spans {
		n += AlignedCount(s.len, size, alignment)
	}
	return n
}

// AlignedCount returns the number of elements of size bytes starting every
// alignment bytes in length bytes: floor((length-size)/alignment)+1, or
// zero if length < size.
func AlignedCount(length, size, alignment int) int {
	if size <= 0 || length < size {
		return 0
	}
	if alignment <= 0 {
		alignment = 1
	}
	return (length-size)/alignment + 1
}

// ElementRange is a view into part of a Region.
type ElementRange struct {
	region *Region
	// Offset is the offset of the range from the start of the region.
	Offset int
	// Length is the length of the range in bytes.
	Length int
}

// Region returns the region the range belongs to.
func (er ElementRange) Region() *Region { return er.region }

// BaseAddress returns the address of the first byte of the range.
func (er ElementRange) BaseAddress() uint64 {
	return er.region.base + uint64(er.Offset)
}

// Count returns the number of aligned elements of size bytes in the range.
func (er ElementRange) Count(size, alignment int) int {
	return AlignedCount(er.Length, size, alignment)
}

// Address returns the address of element i.
func (er ElementRange) Address(i, alignment int) uint64 {
	return er.BaseAddress() + uint64(i*alignment)
}

// Current returns the current bytes of element i.
func (er ElementRange) Current(i, size, alignment int) []byte {
	off := er.Offset + i*alignment
	return er.region.current[off : off+size]
}

// Previous returns the previous bytes of element i, nil if the region has
// no previous capture.
func (er ElementRange) Previous(i, size, alignment int) []byte {
	if er.region.previous == nil {
		return nil
	}
	off := er.Offset + i*alignment
	return er.region.previous[off : off+size]
}

// LoadCurrentValue decodes the first element of the range as dt.
func (er ElementRange) LoadCurrentValue(dt value.DataType) (value.Value, error) {
	return value.Decode(dt, er.region.current[er.Offset:er.Offset+er.Length])
}

// LoadPreviousValue decodes the previous value of the first element of the
// range as dt.
func (er ElementRange) LoadPreviousValue(dt value.DataType) (value.Value, error) {
	if er.region.previous == nil {
		return value.Value{}, fmt.Errorf("region at %#x has no previous capture", er.region.base)
	}
	return value.Decode(dt, er.region.previous[er.Offset:er.Offset+er.Length])
}

func (er ElementRange) String() string {
	return fmt.Sprintf("%#x+%d", er.BaseAddress(), er.Length)
}
