package scan

import (
	"bytes"
	"context"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/memscan/memscan/pkg/logflags"
	"github.com/memscan/memscan/pkg/snapshot"
	"github.com/memscan/memscan/pkg/task"
)

// Scanner evaluates a ConstraintManager against snapshots.
type Scanner struct {
	// Workers is the number of regions scanned in parallel, GOMAXPROCS if
	// zero.
	Workers int
}

// Scan is Scanner{}.Scan.
func Scan(ctx context.Context, snap *snapshot.Snapshot, m *ConstraintManager, rep task.Reporter) (*snapshot.Snapshot, error) {
	return Scanner{}.Scan(ctx, snap, m, rep)
}

// Scan returns a snapshot holding the elements of snap, read as elements
// of the manager's type every snap.Alignment() bytes, that satisfy every
// constraint of m.
//
// Runs of passing elements with consecutive indices become a single
// element range. Regions with no passing element are left out and the
// buffers of the other regions are trimmed copies, so the result does not
// share memory with snap. Relative constraints reject every element of a
// region captured only once.
//
// snap is not modified. If ctx is canceled or m is invalid no snapshot is
// returned.
func (s Scanner) Scan(ctx context.Context, snap *snapshot.Snapshot, m *ConstraintManager, rep task.Reporter) (*snapshot.Snapshot, error) {
	log := logflags.ScannerLogger()
	start := time.Now()

	dt := m.ElementType()
	if !dt.Valid() {
		return nil, ErrInvalidElementType
	}
	preds, err := compile(m)
	if err != nil {
		return nil, err
	}
	rs := &regionScanner{
		preds:    preds,
		relative: m.HasRelative(),
		size:     dt.Size(),
		align:    snap.Alignment(),
	}
	rs.needle, rs.fast = needle(m)

	workers := s.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	regions := snap.Regions()
	out := make([]*snapshot.Region, len(regions))
	counter := task.NewCounter(rep, len(regions))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, r := range regions {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			out[i] = rs.scan(r)
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

	res := snapshot.New(dt, snap.Alignment(), out...)
	log.WithField("elapsed", time.Since(start)).Infof("scan %v (fast=%v): %d -> %d elements in %d regions",
		m.Constraints(), rs.fast, snap.ElementCount(), res.ElementCount(), res.RegionCount())
	return res, nil
}

type regionScanner struct {
	preds    []predicate
	relative bool
	size     int
	align    int
	needle   []byte
	fast     bool
}

type run struct {
	off, len int
}

// runBuilder coalesces passing element indices, added in increasing
// order, into runs.
type runBuilder struct {
	size, align int
	base        int
	first, last int
	open        bool
	runs        []run
}

func (b *runBuilder) start(base int) {
	b.flush()
	b.base = base
}

func (b *runBuilder) add(i int) {
	if b.open && i == b.last+1 {
		b.last = i
		return
	}
	b.flush()
	b.first, b.last, b.open = i, i, true
}

func (b *runBuilder) flush() {
	if !b.open {
		return
	}
	b.runs = append(b.runs, run{off: b.base + b.first*b.align, len: (b.last-b.first)*b.align + b.size})
	b.open = false
}

func (rs *regionScanner) scan(r *snapshot.Region) *snapshot.Region {
	if rs.relative && !r.HasPrevious() {
		return nil
	}
	b := &runBuilder{size: rs.size, align: rs.align}
	cur, prev := r.Current(), r.Previous()
	for er := range r.Ranges() {
		n := er.Count(rs.size, rs.align)
		if n == 0 {
			continue
		}
		b.start(er.Offset)
		if rs.fast {
			rs.search(b, cur[er.Offset:er.Offset+er.Length], n)
			continue
		}
		for i := 0; i < n; i++ {
			off := er.Offset + i*rs.align
			c := cur[off : off+rs.size]
			var p []byte
			if prev != nil {
				p = prev[off : off+rs.size]
			}
			pass := true
			for _, f := range rs.preds {
				if !f(c, p) {
					pass = false
					break
				}
			}
			if pass {
				b.add(i)
			}
		}
	}
	b.flush()
	if len(b.runs) == 0 {
		return nil
	}
	return trim(r, b.runs)
}

// search adds the aligned occurrences of the needle in buf, the bytes of
// an element range holding n elements.
func (rs *regionScanner) search(b *runBuilder, buf []byte, n int) {
	from := 0
	for {
		j := bytes.Index(buf[from:], rs.needle)
		if j < 0 {
			return
		}
		off := from + j
		if off%rs.align == 0 {
			i := off / rs.align
			if i >= n {
				return
			}
			b.add(i)
		}
		from = off + 1
	}
}

// trim returns a region holding copies of the bytes of r spanned by runs.
func trim(r *snapshot.Region, runs []run) *snapshot.Region {
	lo, hi := runs[0].off, 0
	for _, rn := range runs {
		hi = max(hi, rn.off+rn.len)
	}
	cur := bytes.Clone(r.Current()[lo:hi])
	var prev []byte
	if r.HasPrevious() {
		prev = bytes.Clone(r.Previous()[lo:hi])
	}
	out := snapshot.NewRegion(r.BaseAddress()+uint64(lo), cur, prev).SetMapping(r.Mapping())
	for _, rn := range runs {
		out.AddRange(rn.off-lo, rn.len)
	}
	return out
}
