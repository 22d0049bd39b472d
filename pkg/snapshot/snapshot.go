// Package snapshot implements the in-memory representation of captured
// target memory: snapshots made of regions, each holding the current and
// previous capture of a range of addresses and the element ranges that
// are still scan candidates.
package snapshot

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/memscan/memscan/pkg/value"
)

// ErrOutOfBoundsIndex is returned when an element index is outside the
// element count of a snapshot.
var ErrOutOfBoundsIndex = errors.New("element index out of bounds")

// Snapshot is an ordered set of non overlapping regions, interpreted as
// elements of one data type placed every Alignment bytes.
//
// A Snapshot is immutable once built: collecting values and scanning
// return new snapshots.
type Snapshot struct {
	regions   []*Region
	dt        value.DataType
	alignment int
	createdAt time.Time
}

// New returns a snapshot of regions. Regions are sorted by base address;
// New panics if two of them overlap. An alignment of zero means the size
// of dt.
func New(dt value.DataType, alignment int, regions ...*Region) *Snapshot {
	if alignment <= 0 {
		alignment = dt.Size()
	}
	if alignment <= 0 {
		alignment = 1
	}
	rs := make([]*Region, 0, len(regions))
	for _, r := range regions {
		if r != nil {
			rs = append(rs, r)
		}
	}
	sort.Slice(rs, func(i, j int) bool { return rs[i].base < rs[j].base })
	for i := 1; i < len(rs); i++ {
		if rs[i].base < rs[i-1].EndAddress() {
			panic(fmt.Sprintf("region %#x overlaps region %#x", rs[i].base, rs[i-1].base))
		}
	}
	return &Snapshot{regions: rs, dt: dt, alignment: alignment, createdAt: time.Now()}
}

// WithDataType returns a snapshot sharing the regions of s, interpreted as
// elements of type dt every alignment bytes.
func (s *Snapshot) WithDataType(dt value.DataType, alignment int) *Snapshot {
	return New(dt, alignment, s.regions...)
}

// DataType returns the element type of the snapshot.
func (s *Snapshot) DataType() value.DataType { return s.dt }

// Alignment returns the distance in bytes between two elements.
func (s *Snapshot) Alignment() int { return s.alignment }

// CreatedAt returns the time the snapshot was built.
func (s *Snapshot) CreatedAt() time.Time { return s.createdAt }

// Regions returns the regions of the snapshot sorted by base address.
// Callers must not modify the returned slice.
func (s *Snapshot) Regions() []*Region { return s.regions }

// RegionCount returns the number of regions.
func (s *Snapshot) RegionCount() int { return len(s.regions) }

// ElementCount returns the number of aligned elements of the snapshot.
func (s *Snapshot) ElementCount() int {
	n := 0
	for _, r := range s.regions {
		n += r.ElementCount(s.dt.Size(), s.alignment)
	}
	return n
}

// ByteCount returns the total size of the regions.
func (s *Snapshot) ByteCount() int {
	n := 0
	for _, r := range s.regions {
		n += len(r.current)
	}
	return n
}

// RegionAt returns the region containing addr, or nil.
func (s *Snapshot) RegionAt(addr uint64) *Region {
	i := sort.Search(len(s.regions), func(i int) bool { return s.regions[i].EndAddress() > addr })
	if i < len(s.regions) && s.regions[i].Contains(addr) {
		return s.regions[i]
	}
	return nil
}

// ContainsAddress returns true if addr is inside one of the regions.
func (s *Snapshot) ContainsAddress(addr uint64) bool {
	return s.RegionAt(addr) != nil
}

// ElementAt returns a view of the index-th element of the snapshot,
// counting elements every alignment bytes (the alignment of the snapshot
// if alignment is zero). The returned range spans exactly one element.
func (s *Snapshot) ElementAt(index, alignment int) (ElementRange, error) {
	if alignment <= 0 {
		alignment = s.alignment
	}
	size := s.dt.Size()
	if index >= 0 {
		i := index
		for _, r := range s.regions {
			for _, sp := range r.spans {
				n := AlignedCount(sp.len, size, alignment)
				if i < n {
					return ElementRange{region: r, Offset: sp.off + i*alignment, Length: size}, nil
				}
				i -= n
			}
		}
	}
	return ElementRange{}, fmt.Errorf("index %d (%d elements): %w", index, s.ElementCount(), ErrOutOfBoundsIndex)
}

func (s *Snapshot) String() string {
	return fmt.Sprintf("snapshot of %d regions, %d bytes, %d %v elements", len(s.regions), s.ByteCount(), s.ElementCount(), s.dt)
}
