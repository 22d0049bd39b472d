package pointers

import (
	"cmp"
	"context"
	"fmt"
	"math"
	"path/filepath"
	"runtime"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/memscan/memscan/pkg/logflags"
	"github.com/memscan/memscan/pkg/proc"
	"github.com/memscan/memscan/pkg/snapshot"
	"github.com/memscan/memscan/pkg/task"
)

// Strategy selects how the sources pointing into a level of the search
// are found. Every strategy returns the same paths.
type Strategy uint8

const (
	// Auto picks Direct or Indexed at every level from their estimated
	// cost.
	Auto Strategy = iota
	// Direct scans the bounds snapshot once per level, looking up each
	// pointer value in the sorted frontier.
	Direct
	// Indexed sorts the pointer values of the bounds snapshot once and
	// range queries the index for each frontier address.
	Indexed
)

func (s Strategy) String() string {
	switch s {
	case Auto:
		return "auto"
	case Direct:
		return "direct"
	case Indexed:
		return "indexed"
	}
	return fmt.Sprintf("Strategy(%d)", uint8(s))
}

// ParseStrategy parses the output of Strategy.String.
func ParseStrategy(s string) (Strategy, error) {
	switch strings.ToLower(s) {
	case "", "auto":
		return Auto, nil
	case "direct":
		return Direct, nil
	case "indexed":
		return Indexed, nil
	}
	return Auto, fmt.Errorf("unknown pointer search strategy %q", s)
}

// DefaultMaxDepth is the depth used when Options.MaxDepth is not set.
const DefaultMaxDepth = 3

// Options configures Search.
type Options struct {
	// MaxOffset is the largest offset between a pointer value and the
	// address it leads to.
	MaxOffset uint64
	// PointerSize is the size of a pointer in the target, 4 or 8. Zero
	// means 8.
	PointerSize int
	// MaxDepth is the largest number of dereferences of a path.
	MaxDepth int
	// MinPointer is the smallest value considered a pointer.
	MinPointer uint64
	Strategy   Strategy
	// Workers is the number of bounds regions processed in parallel,
	// GOMAXPROCS if zero.
	Workers int
}

func (o Options) check() (Options, error) {
	if o.PointerSize == 0 {
		o.PointerSize = 8
	}
	if o.PointerSize != 4 && o.PointerSize != 8 {
		return o, fmt.Errorf("unsupported pointer size %d", o.PointerSize)
	}
	if o.MaxDepth <= 0 {
		o.MaxDepth = DefaultMaxDepth
	}
	// offsets are reported as int64
	if o.MaxOffset > math.MaxInt64 {
		return o, fmt.Errorf("maximum offset %#x out of range", o.MaxOffset)
	}
	if o.Workers <= 0 {
		o.Workers = runtime.GOMAXPROCS(0)
	}
	if o.Strategy > Indexed {
		return o, fmt.Errorf("unknown pointer search strategy %v", o.Strategy)
	}
	return o, nil
}

// link records how a discovered address leads to the next level.
type link struct {
	next   uint64
	offset uint64
	total  uint64
	depth  int
}

type hit struct {
	src, target, offset, total uint64
}

type indexEntry struct {
	value, addr uint64
}

type searcher struct {
	opts   Options
	bounds *snapshot.Snapshot
	align  int
	// links holds every visited address; targets have depth 0.
	links map[uint64]link
	index []indexEntry
	// candidates is the number of pointer sized elements of bounds.
	candidates int
	log        *logrus.Entry
}

// Search returns the paths leading to targets whose pointers are stored in
// bounds, reading pointer values from the current buffers of bounds at
// every bounds.Alignment() bytes.
//
// The search is breadth first: level n holds the addresses found at
// depth n, level 0 the targets. A pointer with value V stored at A links A
// to the address t of the current level when t-MaxOffset <= V <= t.
// Every address is visited at most once, so a source reachable at
// different depths keeps its shortest path. A source linking to several
// addresses of the same level keeps the one giving the smallest total
// offset, then the lowest address.
//
// The result holds one path per discovered source, sorted by depth, total
// offset and base address.
func Search(ctx context.Context, targets []uint64, bounds *snapshot.Snapshot, opts Options, rep task.Reporter) ([]Path, error) {
	opts, err := opts.check()
	if err != nil {
		return nil, err
	}
	if rep == nil {
		rep = task.Discard
	}
	s := &searcher{
		opts:   opts,
		bounds: bounds,
		align:  bounds.Alignment(),
		links:  make(map[uint64]link, len(targets)),
		log:    logflags.PointersLogger(),
	}
	for _, r := range bounds.Regions() {
		s.candidates += r.ElementCount(opts.PointerSize, s.align)
	}

	frontier := make([]uint64, 0, len(targets))
	for _, t := range targets {
		if _, ok := s.links[t]; !ok {
			s.links[t] = link{}
			frontier = append(frontier, t)
		}
	}
	slices.Sort(frontier)

	start := time.Now()
	for depth := 1; depth <= opts.MaxDepth && len(frontier) > 0; depth++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		lrep := task.Scaled(rep, float64(depth-1)/float64(opts.MaxDepth), float64(depth)/float64(opts.MaxDepth))
		strategy := s.choose(len(frontier))
		levelStart := time.Now()

		var hits []hit
		switch strategy {
		case Direct:
			hits, err = s.directLevel(ctx, frontier, lrep)
		case Indexed:
			hits, err = s.indexedLevel(ctx, frontier, lrep)
		}
		if err != nil {
			return nil, err
		}

		// element ranges sharing bytes report the same source twice
		slices.SortFunc(hits, func(a, b hit) int { return cmp.Compare(a.src, b.src) })
		frontier = frontier[:0:0]
		for _, h := range hits {
			if _, dup := s.links[h.src]; dup {
				continue
			}
			s.links[h.src] = link{next: h.target, offset: h.offset, total: h.total, depth: depth}
			frontier = append(frontier, h.src)
		}
		s.log.WithFields(logrus.Fields{"depth": depth, "strategy": strategy, "elapsed": time.Since(levelStart)}).
			Debugf("%d new sources", len(hits))
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	paths := s.paths()
	s.log.WithField("elapsed", time.Since(start)).Infof("found %d paths to %d targets", len(paths), len(targets))
	return paths, nil
}

// choose returns the strategy used for a level with the given frontier
// size.
func (s *searcher) choose(frontier int) Strategy {
	if s.opts.Strategy != Auto {
		return s.opts.Strategy
	}
	n := float64(s.candidates)
	f := float64(frontier)
	direct := n * math.Log2(f+1)
	indexed := f * math.Log2(n+1)
	if s.index == nil {
		indexed += n * math.Log2(n+1)
	}
	if indexed < direct {
		return Indexed
	}
	return Direct
}

// forEachPointer calls fn for every pointer sized element of r whose value
// is a plausible pointer.
func (s *searcher) forEachPointer(r *snapshot.Region, fn func(addr, v uint64)) {
	ps := s.opts.PointerSize
	cur := r.Current()
	for er := range r.Ranges() {
		n := er.Count(ps, s.align)
		for i := 0; i < n; i++ {
			off := er.Offset + i*s.align
			v := proc.DecodePointer(cur[off : off+ps])
			if v < s.opts.MinPointer {
				continue
			}
			fn(er.Address(i, s.align), v)
		}
	}
}

// perRegion runs fn on every bounds region in parallel and concatenates
// the results in region order.
func perRegion[T any](ctx context.Context, s *searcher, rep task.Reporter, fn func(r *snapshot.Region) []T) ([]T, error) {
	regions := s.bounds.Regions()
	results := make([][]T, len(regions))
	counter := task.NewCounter(rep, len(regions))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Workers)
	for i, r := range regions {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i] = fn(r)
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
	return slices.Concat(results...), nil
}

func (s *searcher) directLevel(ctx context.Context, frontier []uint64, rep task.Reporter) ([]hit, error) {
	return perRegion(ctx, s, rep, func(r *snapshot.Region) []hit {
		var hits []hit
		s.forEachPointer(r, func(addr, v uint64) {
			if _, visited := s.links[addr]; visited {
				return
			}
			j := sort.Search(len(frontier), func(k int) bool { return frontier[k] >= v })
			var best hit
			found := false
			for ; j < len(frontier) && frontier[j]-v <= s.opts.MaxOffset; j++ {
				t := frontier[j]
				total := t - v + s.links[t].total
				if !found || total < best.total {
					best = hit{src: addr, target: t, offset: t - v, total: total}
					found = true
				}
			}
			if found {
				hits = append(hits, best)
			}
		})
		return hits
	})
}

func (s *searcher) buildIndex(ctx context.Context) error {
	idx, err := perRegion(ctx, s, task.Discard, func(r *snapshot.Region) []indexEntry {
		var entries []indexEntry
		s.forEachPointer(r, func(addr, v uint64) {
			entries = append(entries, indexEntry{value: v, addr: addr})
		})
		return entries
	})
	if err != nil {
		return err
	}
	slices.SortFunc(idx, func(a, b indexEntry) int {
		if c := cmp.Compare(a.value, b.value); c != 0 {
			return c
		}
		return cmp.Compare(a.addr, b.addr)
	})
	s.index = idx
	s.log.Debugf("indexed %d pointers", len(idx))
	return nil
}

func (s *searcher) indexedLevel(ctx context.Context, frontier []uint64, rep task.Reporter) ([]hit, error) {
	if s.index == nil {
		if err := s.buildIndex(ctx); err != nil {
			return nil, err
		}
	}
	best := make(map[uint64]hit)
	counter := task.NewCounter(rep, len(frontier))
	for i, t := range frontier {
		if i%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		lo := uint64(0)
		if t > s.opts.MaxOffset {
			lo = t - s.opts.MaxOffset
		}
		tl := s.links[t]
		j := sort.Search(len(s.index), func(k int) bool { return s.index[k].value >= lo })
		for ; j < len(s.index) && s.index[j].value <= t; j++ {
			e := s.index[j]
			if _, visited := s.links[e.addr]; visited {
				continue
			}
			total := t - e.value + tl.total
			if h, ok := best[e.addr]; !ok || total < h.total || (total == h.total && t < h.target) {
				best[e.addr] = hit{src: e.addr, target: t, offset: t - e.value, total: total}
			}
		}
		counter.Add(1)
	}
	hits := make([]hit, 0, len(best))
	for _, h := range best {
		hits = append(hits, h)
	}
	return hits, nil
}

func (s *searcher) paths() []Path {
	var paths []Path
	for addr, l := range s.links {
		if l.depth == 0 {
			continue
		}
		p := Path{Base: addr, Offsets: make([]int64, 0, l.depth)}
		for cur := l; cur.depth > 0; cur = s.links[cur.next] {
			p.Offsets = append(p.Offsets, int64(cur.offset))
			p.Target = cur.next
		}
		if r := s.bounds.RegionAt(addr); r != nil {
			if m := r.Mapping(); m.Path != "" && m.Contains(addr) {
				p.Module = filepath.Base(m.Path)
				p.ModuleOffset = addr - m.Base
			}
		}
		paths = append(paths, p)
	}
	slices.SortFunc(paths, comparePaths)
	return paths
}
