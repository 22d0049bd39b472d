package proc

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
)

// Protection flags of a mapped region.
type Protection uint8

const (
	ProtRead Protection = 1 << iota
	ProtWrite
	ProtExec
	ProtShared
)

func (p Protection) String() string {
	b := []byte("----")
	if p&ProtRead != 0 {
		b[0] = 'r'
	}
	if p&ProtWrite != 0 {
		b[1] = 'w'
	}
	if p&ProtExec != 0 {
		b[2] = 'x'
	}
	if p&ProtShared != 0 {
		b[3] = 's'
	} else {
		b[3] = 'p'
	}
	return string(b)
}

// MemoryRegion is a contiguous mapping of the target's address space.
type MemoryRegion struct {
	Base uint64
	Size uint64
	Prot Protection
	// Path is the file backing the mapping, or a pseudo name such as
	// "[heap]" or "[stack]". Empty for anonymous mappings.
	Path string
}

// End returns the first address past the region.
func (r MemoryRegion) End() uint64 {
	return r.Base + r.Size
}

// Contains returns true if addr is inside the region.
func (r MemoryRegion) Contains(addr uint64) bool {
	return addr >= r.Base && addr < r.End()
}

func (r MemoryRegion) String() string {
	return fmt.Sprintf("%#x-%#x %s %s", r.Base, r.End(), r.Prot, r.Path)
}

// ParseMaps parses the contents of a /proc/<pid>/maps file.
func ParseMaps(rd io.Reader) ([]MemoryRegion, error) {
	var regions []MemoryRegion
	scan := bufio.NewScanner(rd)
	scan.Buffer(make([]byte, 0, 4096), 1<<20)
	lineno := 0
	for scan.Scan() {
		lineno++
		line := scan.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 5 {
			return nil, fmt.Errorf("malformed maps line %d: %q", lineno, line)
		}
		dash := strings.IndexByte(fields[0], '-')
		if dash < 0 {
			return nil, fmt.Errorf("malformed address range on line %d: %q", lineno, fields[0])
		}
		start, err := strconv.ParseUint(fields[0][:dash], 16, 64)
		if err != nil {
			return nil, fmt.Errorf("malformed start address on line %d: %w", lineno, err)
		}
		end, err := strconv.ParseUint(fields[0][dash+1:], 16, 64)
		if err != nil {
			return nil, fmt.Errorf("malformed end address on line %d: %w", lineno, err)
		}
		if end < start {
			return nil, fmt.Errorf("inverted address range on line %d", lineno)
		}
		var prot Protection
		perms := fields[1]
		if len(perms) >= 4 {
			if perms[0] == 'r' {
				prot |= ProtRead
			}
			if perms[1] == 'w' {
				prot |= ProtWrite
			}
			if perms[2] == 'x' {
				prot |= ProtExec
			}
			if perms[3] == 's' {
				prot |= ProtShared
			}
		}
		var path string
		if len(fields) >= 6 {
			path = strings.Join(fields[5:], " ")
		}
		regions = append(regions, MemoryRegion{Base: start, Size: end - start, Prot: prot, Path: path})
	}
	if err := scan.Err(); err != nil {
		return nil, err
	}
	sort.Slice(regions, func(i, j int) bool { return regions[i].Base < regions[j].Base })
	return regions, nil
}
