package pointers

import (
	"context"
	"time"

	"github.com/memscan/memscan/pkg/logflags"
	"github.com/memscan/memscan/pkg/proc"
	"github.com/memscan/memscan/pkg/task"
)

// ResolveCachePages is the number of pages cached while rescanning paths.
var ResolveCachePages = 4096

// Resolve follows p in mem and returns the address it leads to.
func Resolve(mem proc.MemoryReader, p Path, ptrSize int) (uint64, error) {
	if ptrSize == 0 {
		ptrSize = 8
	}
	addr := p.Base
	for _, off := range p.Offsets {
		v, err := proc.ReadPointer(mem, addr, ptrSize)
		if err != nil {
			return 0, err
		}
		addr = v + uint64(off)
	}
	return addr, nil
}

// Rescan returns the paths that still lead to target in mem, with their
// Target updated. Paths that can not be followed any more are dropped; an
// exited process fails the rescan.
//
// Reads are served from a page cache, so that paths sharing a base or a
// prefix read target memory once.
func Rescan(ctx context.Context, mem proc.MemoryReader, paths []Path, target uint64, ptrSize int, rep task.Reporter) ([]Path, error) {
	log := logflags.PointersLogger()
	start := time.Now()
	cached, err := proc.NewCachedReader(mem, ResolveCachePages)
	if err != nil {
		return nil, err
	}
	counter := task.NewCounter(rep, len(paths))
	var kept []Path
	for i, p := range paths {
		if i%256 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		addr, err := Resolve(cached, p, ptrSize)
		counter.Add(1)
		if err != nil {
			if proc.IsProcessGone(err) {
				return nil, err
			}
			continue
		}
		if addr == target {
			p.Target = target
			kept = append(kept, p)
		}
	}
	log.WithField("elapsed", time.Since(start)).Infof("rescan: %d of %d paths lead to %#x", len(kept), len(paths), target)
	return kept, nil
}
