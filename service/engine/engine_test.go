package engine

import (
	"context"
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/memscan/memscan/pkg/config"
	"github.com/memscan/memscan/pkg/metrics"
	"github.com/memscan/memscan/pkg/pointers"
	"github.com/memscan/memscan/pkg/proc"
	"github.com/memscan/memscan/pkg/proc/memtest"
	"github.com/memscan/memscan/pkg/scan"
	"github.com/memscan/memscan/pkg/snapshot"
	"github.com/memscan/memscan/pkg/task"
	"github.com/memscan/memscan/pkg/value"
)

func wait[T any](t *testing.T, tk *task.Task[T]) (T, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return tk.Wait(ctx)
}

func newSession(t *testing.T, acc proc.Accessor, settings *config.Config) *Session {
	t.Helper()
	s, err := New(&Config{Accessor: acc, Settings: settings, Metrics: metrics.New()})
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func addresses(s *snapshot.Snapshot) []uint64 {
	var r []uint64
	for i := 0; i < s.ElementCount(); i++ {
		er, _ := s.ElementAt(i, 0)
		r = append(r, er.BaseAddress())
	}
	return r
}

func TestCollectScanChain(t *testing.T) {
	p := memtest.New(10).
		Map(0x1000, memtest.Int32s(1, 2, 3, 5)).
		Map(0x2000, memtest.Int32s(3, 3, 0, 0))
	s := newSession(t, p, nil)

	if _, err := s.Scan(nil, nil, ""); !errors.Is(err, ErrNoSnapshot) {
		t.Fatalf("expected ErrNoSnapshot, got %v", err)
	}

	collect, err := s.CollectValues(nil, "collect")
	if err != nil {
		t.Fatal(err)
	}
	snap, err := wait(t, collect)
	if err != nil {
		t.Fatal(err)
	}
	if snap.ElementCount() != 8 || s.ActiveSnapshot() != snap {
		t.Fatalf("collected %d elements, active %v", snap.ElementCount(), s.ActiveSnapshot())
	}

	if err := s.Constraints().AddConstraint(scan.Equal, value.Int(value.Int32, 3)); err != nil {
		t.Fatal(err)
	}
	st, err := s.Scan(nil, nil, "scan")
	if err != nil {
		t.Fatal(err)
	}
	res, err := wait(t, st)
	if err != nil {
		t.Fatal(err)
	}
	got := addresses(res)
	if len(got) != 3 || got[0] != 0x1008 || got[1] != 0x2000 || got[2] != 0x2004 {
		t.Fatalf("unexpected scan result %#x", got)
	}
	if snap.ElementCount() != 8 {
		t.Fatal("scan modified its input")
	}

	p.PutUint32(0x2000, 4)
	changed := scan.NewConstraintManager(value.Int32)
	if err := changed.AddConstraint(scan.Changed, value.Value{}); err != nil {
		t.Fatal(err)
	}
	chain, err := s.CollectAndScan(changed, "")
	if err != nil {
		t.Fatal(err)
	}
	res, err = wait(t, chain.Scan)
	if err != nil {
		t.Fatal(err)
	}
	if got := addresses(res); len(got) != 1 || got[0] != 0x2000 {
		t.Fatalf("unexpected chained scan result %#x", got)
	}
	if chain.Group.Progress() != 1 || chain.Collect.ID() != chain.Scan.ID() {
		t.Fatalf("group progress %v, ids %q %q", chain.Group.Progress(), chain.Collect.ID(), chain.Scan.ID())
	}
	if s.ActiveSnapshot() != res {
		t.Fatal("chained scan did not become the active snapshot")
	}

	if _, err := s.Scan(nil, scan.NewConstraintManager(value.Float64), ""); !errors.Is(err, scan.ErrInvalidElementType) {
		t.Fatalf("expected ErrInvalidElementType, got %v", err)
	}
}

func TestRelativeRoundsFromScratch(t *testing.T) {
	p := memtest.New(14).Map(0x1000, memtest.Int32s(7, 8, 9))
	s := newSession(t, p, nil)
	changed := scan.NewConstraintManager(value.Int32)
	if err := changed.AddConstraint(scan.Changed, value.Value{}); err != nil {
		t.Fatal(err)
	}

	var counts []int
	for round := 0; round < 3; round++ {
		if round > 0 {
			p.PutUint32(0x1004, uint32(100+round))
		}
		chain, err := s.CollectAndScan(changed, "rounds")
		if err != nil {
			t.Fatal(err)
		}
		res, err := wait(t, chain.Scan)
		if err != nil {
			t.Fatalf("round %d: %v", round, err)
		}
		if s.ActiveSnapshot() != res || !chain.Scan.IsCompleted() {
			t.Fatalf("round %d did not complete into the active snapshot", round)
		}
		counts = append(counts, res.ElementCount())
		if round > 0 {
			if got := addresses(res); len(got) != 1 || got[0] != 0x1004 {
				t.Fatalf("round %d: unexpected matches %#x", round, got)
			}
		}
	}
	if counts[0] != 3 {
		t.Fatalf("first round kept %d elements as baseline, expected 3", counts[0])
	}
}

// gatedProcess blocks reads until gate is closed.
type gatedProcess struct {
	*memtest.Process
	gate chan struct{}
}

func (p *gatedProcess) ReadMemory(buf []byte, addr uint64) (int, error) {
	<-p.gate
	return p.Process.ReadMemory(buf, addr)
}

func TestTaskConflictAndCancel(t *testing.T) {
	p := &gatedProcess{Process: memtest.New(11).Map(0x1000, make([]byte, 64)), gate: make(chan struct{})}
	s := newSession(t, p, nil)

	tk, err := s.CollectValues(nil, "refresh")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.CollectValues(nil, "refresh"); !errors.Is(err, task.ErrTaskConflict) {
		t.Fatalf("expected ErrTaskConflict, got %v", err)
	}
	if _, err := s.CollectAndScan(nil, "refresh"); !errors.Is(err, task.ErrTaskConflict) {
		t.Fatalf("expected ErrTaskConflict, got %v", err)
	}
	if tasks := s.Tasks(); len(tasks) != 1 || tasks[0].ID() != "refresh" {
		t.Fatalf("unexpected running tasks %v", tasks)
	}
	if !s.Cancel("refresh") {
		t.Fatal("Cancel found no task")
	}
	close(p.gate)
	if _, err := wait(t, tk); !errors.Is(err, task.ErrCanceled) {
		t.Fatalf("expected ErrCanceled, got %v", err)
	}
	if !tk.IsCanceled() || tk.IsCompleted() || s.ActiveSnapshot() != nil {
		t.Fatal("canceled collection completed")
	}
	if s.Cancel("no such task") {
		t.Fatal("canceled an unknown task")
	}
}

func qwords(vs ...uint64) []byte {
	buf := make([]byte, 8*len(vs))
	for i, v := range vs {
		binary.LittleEndian.PutUint64(buf[i*8:], v)
	}
	return buf
}

func TestSearchAndRescanPointers(t *testing.T) {
	p := memtest.New(12).
		MapProt(0x1000, qwords(0x3000), proc.ProtRead|proc.ProtWrite, "/usr/bin/game").
		Map(0x3000, qwords(0, 0, 0x5000))
	s := newSession(t, p, &config.Config{PointerMinValue: 0x1000})

	search, err := s.SearchPointers([]uint64{0x5010}, nil, 0x20, 8, 2, "")
	if err != nil {
		t.Fatal(err)
	}
	paths, err := wait(t, search)
	if err != nil {
		t.Fatal(err)
	}
	want := []pointers.Path{
		{Base: 0x3010, Offsets: []int64{0x10}},
		{Base: 0x1000, Offsets: []int64{0x10, 0x10}},
	}
	if len(paths) != len(want) {
		t.Fatalf("found %v", paths)
	}
	for i := range want {
		if paths[i].Base != want[i].Base || len(paths[i].Offsets) != len(want[i].Offsets) {
			t.Fatalf("path %d: %v, expected %v", i, paths[i], want[i])
		}
	}
	if paths[1].Module != "game" {
		t.Errorf("module of static path %q", paths[1].Module)
	}

	p.PutUint64(0x3010, 0x6000)
	rescan, err := s.RescanPointers(paths, 0x6010, "")
	if err != nil {
		t.Fatal(err)
	}
	kept, err := wait(t, rescan)
	if err != nil {
		t.Fatal(err)
	}
	if len(kept) != 2 || kept[0].Target != 0x6010 {
		t.Fatalf("rescan kept %v", kept)
	}

	if _, err := s.SearchPointers(nil, nil, 0, 0, 0, ""); err == nil {
		t.Fatal("search without targets succeeded")
	}
}

func TestReadWriteValue(t *testing.T) {
	p := memtest.New(13).Map(0x1000, make([]byte, 16))
	s := newSession(t, p, nil)
	if err := s.WriteValue(0x1008, value.Int(value.Int32, -9)); err != nil {
		t.Fatal(err)
	}
	v, err := s.ReadValue(0x1008, value.Int32)
	if err != nil || v.Int64() != -9 {
		t.Fatalf("ReadValue = %v, %v", v, err)
	}
	if _, err := s.ReadValue(0x9000, value.Int32); !errors.Is(err, proc.ErrProcessUnreadable) {
		t.Fatalf("expected ErrProcessUnreadable, got %v", err)
	}
}
