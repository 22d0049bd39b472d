// Package pointers searches snapshots for chains of pointers leading to a
// set of target addresses.
package pointers

import (
	"fmt"
	"slices"
	"strings"
)

// Path is a chain of pointers leading to Target: starting from Base, each
// step dereferences the current address and adds the next offset.
//
//	addr := Base
//	for _, off := range Offsets {
//		addr = *addr + off
//	}
type Path struct {
	Base    uint64
	Offsets []int64
	// Target is the address the path resolved to when it was found.
	Target uint64
	// Module is the file mapped at Base, if any, and ModuleOffset the
	// offset of Base from the start of that mapping.
	Module       string
	ModuleOffset uint64
}

// Depth returns the number of dereferences of the path.
func (p Path) Depth() int { return len(p.Offsets) }

// TotalOffset returns the sum of the offsets.
func (p Path) TotalOffset() int64 {
	var n int64
	for _, off := range p.Offsets {
		n += off
	}
	return n
}

// Equal returns true if p and q describe the same chain.
func (p Path) Equal(q Path) bool {
	return p.Base == q.Base && slices.Equal(p.Offsets, q.Offsets)
}

func (p Path) String() string {
	var b strings.Builder
	base := fmt.Sprintf("%#x", p.Base)
	if p.Module != "" {
		base = fmt.Sprintf("%s+%#x", p.Module, p.ModuleOffset)
	}
	b.WriteString(strings.Repeat("[", len(p.Offsets)))
	b.WriteString(base)
	for _, off := range p.Offsets {
		b.WriteByte(']')
		if off >= 0 {
			fmt.Fprintf(&b, "+%#x", off)
		} else {
			fmt.Fprintf(&b, "-%#x", -off)
		}
	}
	return b.String()
}

func comparePaths(a, b Path) int {
	switch {
	case a.Depth() != b.Depth():
		return a.Depth() - b.Depth()
	case a.TotalOffset() < b.TotalOffset():
		return -1
	case a.TotalOffset() > b.TotalOffset():
		return 1
	case a.Base < b.Base:
		return -1
	case a.Base > b.Base:
		return 1
	}
	return 0
}
