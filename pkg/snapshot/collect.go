package snapshot

import (
	"bytes"
	"context"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/memscan/memscan/pkg/logflags"
	"github.com/memscan/memscan/pkg/proc"
	"github.com/memscan/memscan/pkg/task"
	"github.com/memscan/memscan/pkg/value"
)

// Filter selects the mappings captured by a first collection.
type Filter struct {
	// Writable and Executable require the corresponding permission.
	Writable   bool
	Executable bool
	// SkipShared excludes shared mappings.
	SkipShared bool
	// MinSize and MaxSize bound the size of the mapping; zero means no
	// bound.
	MinSize uint64
	MaxSize uint64
}

// Match returns true if m is captured by f. Unreadable mappings never
// match.
func (f Filter) Match(m proc.MemoryRegion) bool {
	switch {
	case m.Prot&proc.ProtRead == 0:
		return false
	case f.Writable && m.Prot&proc.ProtWrite == 0:
		return false
	case f.Executable && m.Prot&proc.ProtExec == 0:
		return false
	case f.SkipShared && m.Prot&proc.ProtShared != 0:
		return false
	case f.MinSize != 0 && m.Size < f.MinSize:
		return false
	case f.MaxSize != 0 && m.Size > f.MaxSize:
		return false
	}
	return m.Size > 0
}

// CollectOptions configures Collect.
type CollectOptions struct {
	// DataType and Alignment of the snapshot built by a first collection.
	// A refresh keeps those of the previous snapshot.
	DataType  value.DataType
	Alignment int
	Filter    Filter
	// Workers is the number of regions read in parallel, GOMAXPROCS if
	// zero.
	Workers int
}

// Collect captures target memory. If previous is nil the regions are the
// mappings of acc selected by opts.Filter, each with a single element range
// spanning it. Otherwise the region boundaries and element ranges of
// previous are reused, the current buffers of previous become the previous
// buffers of the result and the current buffers are read again.
//
// Regions that can not be read are left out of the result. If the target
// exits the collection fails. previous is never modified.
func Collect(ctx context.Context, acc proc.Accessor, previous *Snapshot, opts CollectOptions, rep task.Reporter) (*Snapshot, error) {
	log := logflags.SnapshotLogger()
	start := time.Now()

	var jobs []collectJob
	dt, alignment := opts.DataType, opts.Alignment
	if previous != nil {
		dt, alignment = previous.dt, previous.alignment
		jobs = make([]collectJob, len(previous.regions))
		for i, r := range previous.regions {
			jobs[i] = collectJob{base: r.base, size: uint64(len(r.current)), mapping: r.mapping, old: r}
		}
	} else {
		maps, err := acc.Regions()
		if err != nil {
			return nil, err
		}
		for _, m := range maps {
			if opts.Filter.Match(m) {
				jobs = append(jobs, collectJob{base: m.Base, size: m.Size, mapping: m})
			}
		}
	}
	if !dt.Valid() {
		return nil, value.ErrInvalidElementType
	}

	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	out := make([]*Region, len(jobs))
	counter := task.NewCounter(rep, len(jobs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i := range jobs {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			r, err := jobs[i].read(acc)
			if err != nil {
				if proc.IsProcessGone(err) {
					return err
				}
				log.Debugf("skipping region %#x-%#x: %v", jobs[i].base, jobs[i].base+jobs[i].size, err)
			}
			out[i] = r
			counter.Add(1)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	snap := New(dt, alignment, out...)
	log.WithField("elapsed", time.Since(start)).Infof("collected %d of %d regions, %d bytes", snap.RegionCount(), len(jobs), snap.ByteCount())
	return snap, nil
}

type collectJob struct {
	base    uint64
	size    uint64
	mapping proc.MemoryRegion
	old     *Region
}

func (j collectJob) read(acc proc.Accessor) (*Region, error) {
	buf := make([]byte, j.size)
	if j.old == nil {
		n, err := acc.ReadMemory(buf, j.base)
		if n == 0 {
			if err == nil {
				err = proc.ErrProcessUnreadable
			}
			return nil, err
		}
		if proc.IsProcessGone(err) {
			return nil, err
		}
		// keep the readable prefix of partially unmapped regions, without
		// the unread tail of the allocation
		if n < len(buf) {
			buf = bytes.Clone(buf[:n])
		}
		r := NewRegion(j.base, buf, nil).SetMapping(j.mapping)
		return r.AddRange(0, n), nil
	}

	if err := proc.ReadFull(acc, buf, j.base); err != nil {
		return nil, err
	}
	r := NewRegion(j.base, buf, j.old.current).SetMapping(j.mapping)
	r.spans = append([]span(nil), j.old.spans...)
	return r, nil
}
